package registry

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
)

// EngineBuild is the build number stamped into the registry file and
// into JSON-format assets. The registry requires an exact match; a file
// from any other build is discarded and rebuilt.
const EngineBuild = 6512

// flagRelativePaths marks registry files whose entry paths are stored
// relative to the engine root so an installed engine can be relocated.
const flagRelativePaths = 1 << 0

type fileData struct {
	enginePath  string
	projectPath string
	relative    bool
	entries     []asset.Info
	mapping     map[asset.ID]string
}

func readString(br *bufio.Reader) (string, error) {
	var b [4]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return "", err
	}
	n := int32(binary.LittleEndian.Uint32(b[:]))
	if n < 0 || n > 1<<20 {
		return "", errors.Wrapf(asset.ErrCorrupted, "string length %d", n)
	}
	raw := make([]byte, 2*n)
	if _, err := io.ReadFull(br, raw); err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(units)), nil
}

func writeString(w io.Writer, s string) error {
	units := utf16.Encode([]rune(s))
	raw := make([]byte, 4+2*len(units))
	binary.LittleEndian.PutUint32(raw, uint32(len(units)))
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[4+2*i:], u)
	}
	_, err := w.Write(raw)
	return err
}

func readI32(br *bufio.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func readI64(br *bufio.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readID(br *bufio.Reader) (asset.ID, error) {
	var id asset.ID
	_, err := io.ReadFull(br, id[:])
	return id, err
}

func writeI32(w io.Writer, v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	_, err := w.Write(b[:])
	return err
}

func writeI64(w io.Writer, v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := w.Write(b[:])
	return err
}

// decode parses a registry file. Callers treat any error as "delete the
// file and start empty".
func decode(r io.Reader) (*fileData, error) {
	br := bufio.NewReader(r)
	version, err := readI32(br)
	if err != nil {
		return nil, err
	}
	if version != EngineBuild {
		return nil, errors.Wrapf(asset.ErrUnsupportedVersion,
			"registry from build %d, running %d", version, EngineBuild)
	}
	var d fileData
	if d.enginePath, err = readString(br); err != nil {
		return nil, err
	}
	if d.projectPath, err = readString(br); err != nil {
		return nil, err
	}
	flags, err := readI32(br)
	if err != nil {
		return nil, err
	}
	d.relative = flags&flagRelativePaths != 0

	count, err := readI32(br)
	if err != nil {
		return nil, err
	}
	if count < 0 || count > 1<<24 {
		return nil, errors.Wrapf(asset.ErrCorrupted, "entry count %d", count)
	}
	for i := int32(0); i < count; i++ {
		var info asset.Info
		if info.ID, err = readID(br); err != nil {
			return nil, err
		}
		tag, err := readString(br)
		if err != nil {
			return nil, err
		}
		info.TypeTag = asset.TypeTag(tag)
		if info.Path, err = readString(br); err != nil {
			return nil, err
		}
		mtime, err := readI64(br)
		if err != nil {
			return nil, err
		}
		if mtime != 0 {
			info.MTime = time.Unix(0, mtime)
		}
		d.entries = append(d.entries, info)
	}

	mapCount, err := readI32(br)
	if err != nil {
		return nil, err
	}
	if mapCount < 0 || mapCount > 1<<24 {
		return nil, errors.Wrapf(asset.ErrCorrupted, "mapping count %d", mapCount)
	}
	d.mapping = make(map[asset.ID]string, mapCount)
	for i := int32(0); i < mapCount; i++ {
		id, err := readID(br)
		if err != nil {
			return nil, err
		}
		path, err := readString(br)
		if err != nil {
			return nil, err
		}
		d.mapping[id] = path
	}
	return &d, nil
}

// encode writes a registry file.
func encode(w io.Writer, d *fileData) error {
	bw := bufio.NewWriter(w)
	if err := writeI32(bw, EngineBuild); err != nil {
		return err
	}
	if err := writeString(bw, d.enginePath); err != nil {
		return err
	}
	if err := writeString(bw, d.projectPath); err != nil {
		return err
	}
	var flags int32
	if d.relative {
		flags |= flagRelativePaths
	}
	if err := writeI32(bw, flags); err != nil {
		return err
	}
	if err := writeI32(bw, int32(len(d.entries))); err != nil {
		return err
	}
	for _, info := range d.entries {
		if _, err := bw.Write(info.ID[:]); err != nil {
			return err
		}
		if err := writeString(bw, string(info.TypeTag)); err != nil {
			return err
		}
		if err := writeString(bw, info.Path); err != nil {
			return err
		}
		var mtime int64
		if !info.MTime.IsZero() {
			mtime = info.MTime.UnixNano()
		}
		if err := writeI64(bw, mtime); err != nil {
			return err
		}
	}
	if err := writeI32(bw, int32(len(d.mapping))); err != nil {
		return err
	}
	for id, path := range d.mapping {
		if _, err := bw.Write(id[:]); err != nil {
			return err
		}
		if err := writeString(bw, path); err != nil {
			return err
		}
	}
	return bw.Flush()
}
