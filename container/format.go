package container

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
)

const (
	// MagicCode opens every container file.
	MagicCode uint32 = 1180124739

	// VersionCurrent is the format version written by Save. Versions
	// back to VersionOldest can still be read.
	VersionCurrent uint32 = 9
	VersionOldest  uint32 = 4

	// type names are fixed-width UTF-16, null padded. Older versions
	// used a narrower field.
	typeNameUnits       = 64
	typeNameUnitsLegacy = 40
)

// versionTypeUnits returns the width of the fixed UTF-16 type name field
// for a format version, or 0 for versions that store numeric type ids.
func versionTypeUnits(version uint32) int {
	switch {
	case version >= 9:
		return typeNameUnits
	case version >= 7:
		return typeNameUnitsLegacy
	default:
		return 0
	}
}

// headerHash computes the integrity hash stored in each asset header.
// It covers the id, the serialized version and the custom data length;
// metadata and dependencies are deliberately excluded so editor-only
// blocks do not change the hash.
func headerHash(id asset.ID, serVersion uint32, customLen int32) uint32 {
	var buf [24]byte
	copy(buf[:16], id[:])
	binary.LittleEndian.PutUint32(buf[16:], serVersion)
	binary.LittleEndian.PutUint32(buf[20:], uint32(customLen))
	return crc32.ChecksumIEEE(buf[:])
}

// cursor reads little-endian scalars sequentially from a position in a
// ReaderAt. The first error sticks; check Err once at the end.
type cursor struct {
	br  *bufio.Reader
	err error
}

func newCursor(r io.ReaderAt, off int64) *cursor {
	return &cursor{br: bufio.NewReader(io.NewSectionReader(r, off, 1<<62))}
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) read(p []byte) {
	if c.err != nil {
		return
	}
	_, c.err = io.ReadFull(c.br, p)
}

func (c *cursor) u32() uint32 {
	var b [4]byte
	c.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (c *cursor) i32() int32 { return int32(c.u32()) }

func (c *cursor) i64() int64 {
	var b [8]byte
	c.read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func (c *cursor) id() asset.ID {
	var id asset.ID
	c.read(id[:])
	return id
}

// utf16Fixed reads an n code unit null-padded UTF-16 string.
func (c *cursor) utf16Fixed(n int) string {
	raw := make([]byte, 2*n)
	c.read(raw)
	units := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		u := binary.LittleEndian.Uint16(raw[2*i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// blob reads an i32 length-prefixed byte block. Limit guards against a
// corrupt length running away with memory.
func (c *cursor) blob(limit int32) []byte {
	n := c.i32()
	if c.err != nil {
		return nil
	}
	if n < 0 || n > limit {
		c.err = errors.Wrapf(asset.ErrCorrupted, "block length %d out of range", n)
		return nil
	}
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	c.read(b)
	return b
}

// maxBlock bounds the length-prefixed blocks inside asset headers.
const maxBlock = 64 << 20

// fileHeader is the fixed preamble of every container file.
type fileHeader struct {
	magic      uint32
	version    uint32
	contentKey uint32
	reserved   [3]uint32
}

// fileHeaderSize is the encoded size of the preamble in bytes.
const fileHeaderSize = 24

func readFileHeader(c *cursor) (fileHeader, error) {
	var h fileHeader
	h.magic = c.u32()
	h.version = c.u32()
	h.contentKey = c.u32()
	for i := range h.reserved {
		h.reserved[i] = c.u32()
	}
	if c.err != nil {
		return h, errors.Wrap(c.err, "read container header")
	}
	if h.magic != MagicCode {
		return h, errors.Wrapf(asset.ErrCorrupted, "magic code mismatch: %#x", h.magic)
	}
	if h.version > VersionCurrent {
		return h, errors.Wrapf(asset.ErrUnsupportedVersion, "version %d", h.version)
	}
	if h.version < VersionOldest {
		return h, errors.Wrapf(asset.ErrUnsupportedVersion, "version %d too old", h.version)
	}
	return h, nil
}

// readTypeTag reads an entry or header type field for a given format
// version: a fixed UTF-16 name in modern versions, a numeric type id in
// versions 4-6.
func (c *cursor) readTypeTag(version uint32) (asset.TypeTag, error) {
	if units := versionTypeUnits(version); units > 0 {
		return asset.TypeTag(c.utf16Fixed(units)), nil
	}
	n := c.i32()
	if c.err != nil {
		return "", c.err
	}
	tag, ok := asset.LegacyTypeName(n)
	if !ok {
		return "", errors.Wrapf(asset.ErrCorrupted, "unknown legacy type id %d", n)
	}
	return tag, nil
}

func readEntryTable(c *cursor, version uint32) ([]Entry, error) {
	count := c.i32()
	if c.err != nil {
		return nil, c.err
	}
	if count < 0 || count > 1<<20 {
		return nil, errors.Wrapf(asset.ErrCorrupted, "entry count %d", count)
	}
	entries := make([]Entry, 0, count)
	for i := int32(0); i < count; i++ {
		var e Entry
		e.ID = c.id()
		tag, err := c.readTypeTag(version)
		if err != nil {
			return nil, err
		}
		e.TypeTag = tag
		e.Address = c.u32()
		entries = append(entries, e)
	}
	return entries, c.err
}

func readChunkTable(c *cursor) ([]*Chunk, error) {
	count := c.i32()
	if c.err != nil {
		return nil, c.err
	}
	if count < 0 || count > 1<<24 {
		return nil, errors.Wrapf(asset.ErrCorrupted, "chunk count %d", count)
	}
	chunks := make([]*Chunk, 0, count)
	for i := int32(0); i < count; i++ {
		loc := Location{Address: c.u32(), Size: c.u32()}
		flags := ChunkFlags(c.i32()) & persistedFlags
		chunks = append(chunks, &Chunk{location: loc, flags: flags})
	}
	return chunks, c.err
}

// readAssetHeader decodes one asset header at the cursor position.
// chunkCount is the size of the container's chunk table, used to verify
// the chunk mapping.
func readAssetHeader(c *cursor, version uint32, chunkCount int) (*asset.InitData, error) {
	data := &asset.InitData{}
	data.ID = c.id()
	tag, err := c.readTypeTag(version)
	if err != nil {
		return nil, err
	}
	data.TypeTag = tag
	data.SerializedVersion = c.u32()
	for i := range data.ChunkMap {
		data.ChunkMap[i] = c.i32()
	}
	data.CustomData = c.blob(maxBlock)
	if version >= 7 {
		stored := c.u32()
		if c.err != nil {
			return nil, errors.Wrap(c.err, "read asset header")
		}
		want := headerHash(data.ID, data.SerializedVersion, int32(len(data.CustomData)))
		if stored != want {
			return nil, errors.Wrapf(asset.ErrCorrupted,
				"asset %s header hash mismatch", data.ID)
		}
		data.Metadata = c.blob(maxBlock)
		depCount := c.i32()
		if c.err == nil && (depCount < 0 || depCount > 1<<20) {
			return nil, errors.Wrapf(asset.ErrCorrupted, "dependency count %d", depCount)
		}
		for i := int32(0); i < depCount; i++ {
			data.Dependencies = append(data.Dependencies, asset.Dependency{
				ID:    c.id(),
				MTime: c.i64(),
			})
		}
	}
	if c.err != nil {
		return nil, errors.Wrap(c.err, "read asset header")
	}
	for _, index := range data.ChunkMap {
		if index < -1 || int(index) >= chunkCount {
			return nil, errors.Wrapf(asset.ErrCorrupted,
				"asset %s chunk index %d out of range", data.ID, index)
		}
	}
	return data, nil
}

// writer emits little-endian scalars with a sticky error.
type writer struct {
	w   io.Writer
	err error
}

func (w *writer) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.write(b[:])
}

func (w *writer) i32(v int32) { w.u32(uint32(v)) }

func (w *writer) i64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.write(b[:])
}

func (w *writer) id(id asset.ID) { w.write(id[:]) }

// utf16Fixed writes s as n null-padded UTF-16 code units. Overlong
// names are truncated.
func (w *writer) utf16Fixed(s string, n int) {
	units := utf16.Encode([]rune(s))
	if len(units) > n {
		units = units[:n]
	}
	raw := make([]byte, 2*n)
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[2*i:], u)
	}
	w.write(raw)
}

func (w *writer) blob(b []byte) {
	w.i32(int32(len(b)))
	w.write(b)
}
