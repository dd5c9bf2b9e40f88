package container

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
)

// entrySize and chunkRecordSize are the encoded sizes of one entry
// table row and one chunk table row at the current format version.
const (
	entrySize       = asset.IDSize + 2*typeNameUnits + 4
	chunkRecordSize = 4 + 4 + 4
)

// pending is a chunk payload queued for writing, after compression.
type pending struct {
	payload []byte
	flags   ChunkFlags
}

// Save serializes the given assets into one container file at the
// current format version. The write is an atomic rebuild: the whole
// file is laid out in two passes and written top to bottom into a
// temporary file which then replaces the target.
//
// With opts.Editor set the metadata blocks are written and the content
// key is forced to zero; otherwise opts.ContentKey is stored and the
// metadata blocks are left empty.
func Save(path string, assets []*asset.InitData, opts Options) error {
	if len(assets) > 1 && KindForPath(path) == Single {
		return errors.Wrapf(asset.ErrWriteBlocked,
			"%d assets into single-asset container %s", len(assets), path)
	}

	// collect and compress chunk payloads; one container chunk per
	// occupied slot
	var chunks []pending
	slotIndex := make([][asset.MaxChunks]int32, len(assets))
	for i, a := range assets {
		for slot := range a.Chunks {
			slotIndex[i][slot] = -1
			data := a.Chunks[slot]
			if len(data) == 0 {
				continue
			}
			p := pending{payload: data}
			if a.Compressed[slot] {
				if compressed, ok := compressChunk(data); ok {
					p.payload = compressed
					p.flags = ChunkCompressedLZ4
				}
			}
			slotIndex[i][slot] = int32(len(chunks))
			chunks = append(chunks, p)
		}
	}

	// first pass: compute addresses
	offset := uint32(fileHeaderSize)
	offset += 4 + uint32(len(assets))*entrySize
	offset += 4 + uint32(len(chunks))*chunkRecordSize
	headerAddress := make([]uint32, len(assets))
	for i, a := range assets {
		headerAddress[i] = offset
		offset += uint32(assetHeaderSize(a, opts.Editor))
	}
	chunkAddress := make([]uint32, len(chunks))
	for i, p := range chunks {
		chunkAddress[i] = offset
		offset += uint32(len(p.payload))
	}

	// second pass: write top to bottom
	tmp, err := os.CreateTemp(filepath.Dir(path), ".saving-*")
	if err != nil {
		return errors.Wrap(err, "save container")
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	w := &writer{w: bw}
	key := opts.ContentKey
	if opts.Editor {
		key = 0
	}
	w.u32(MagicCode)
	w.u32(VersionCurrent)
	w.u32(key)
	w.u32(0)
	w.u32(0)
	w.u32(0)

	w.i32(int32(len(assets)))
	for i, a := range assets {
		w.id(a.ID)
		w.utf16Fixed(string(a.TypeTag), typeNameUnits)
		w.u32(headerAddress[i])
	}

	w.i32(int32(len(chunks)))
	for i, p := range chunks {
		w.u32(chunkAddress[i])
		w.u32(uint32(len(p.payload)))
		w.i32(int32(p.flags))
	}

	for i, a := range assets {
		writeAssetHeader(w, a, slotIndex[i], opts.Editor)
	}
	for _, p := range chunks {
		w.write(p.payload)
	}

	if w.err == nil {
		w.err = bw.Flush()
	}
	if err := tmp.Close(); w.err == nil && err != nil {
		w.err = err
	}
	if w.err != nil {
		return errors.Wrap(w.err, "save container")
	}
	return os.Rename(tmp.Name(), path)
}

// assetHeaderSize returns the encoded size of one asset header.
func assetHeaderSize(a *asset.InitData, editor bool) int {
	size := asset.IDSize + 2*typeNameUnits + 4 + 4*asset.MaxChunks
	size += 4 + len(a.CustomData)
	size += 4 // header hash
	size += 4
	if editor {
		size += len(a.Metadata)
		size += 4 + len(a.Dependencies)*(asset.IDSize+8)
	} else {
		size += 4 // empty dependency list
	}
	return size
}

func writeAssetHeader(w *writer, a *asset.InitData, slots [asset.MaxChunks]int32, editor bool) {
	w.id(a.ID)
	w.utf16Fixed(string(a.TypeTag), typeNameUnits)
	w.u32(a.SerializedVersion)
	for _, index := range slots {
		w.i32(index)
	}
	w.blob(a.CustomData)
	w.u32(headerHash(a.ID, a.SerializedVersion, int32(len(a.CustomData))))
	if editor {
		w.blob(a.Metadata)
		w.i32(int32(len(a.Dependencies)))
		for _, dep := range a.Dependencies {
			w.id(dep.ID)
			w.i64(dep.MTime)
		}
	} else {
		w.blob(nil)
		w.i32(0)
	}
}

// SaveAssets rewrites this container in place with the given assets.
// Only writable containers accept this; packages and legacy-version
// files fail with ErrWriteBlocked.
func (c *Container) SaveAssets(assets []*asset.InitData) error {
	if c.kind != Single {
		return errors.Wrapf(asset.ErrWriteBlocked, "container %s is a package", c.path)
	}
	if err := c.CloseFileHandles(); err != nil {
		return err
	}
	if err := Save(c.path, assets, c.opts); err != nil {
		return err
	}
	return c.parse(false)
}

// Materialize loads every entry's header and all of its chunk data into
// memory, producing the InitData set a rewrite needs.
func (c *Container) Materialize() ([]*asset.InitData, error) {
	pin := c.LockChunks()
	defer pin.Release()

	var out []*asset.InitData
	for i := range c.Entries() {
		data, err := c.LoadAssetHeaderAt(i)
		if err != nil {
			return nil, err
		}
		for slot, index := range data.ChunkMap {
			if index < 0 {
				continue
			}
			if err := c.LoadAssetChunk(index); err != nil {
				return nil, err
			}
			payload, err := c.ChunkData(index)
			if err != nil {
				return nil, err
			}
			data.Chunks[slot] = append([]byte(nil), payload...)
			data.Compressed[slot] = c.Chunk(index).Flags()&ChunkCompressedLZ4 != 0
		}
		out = append(out, data)
	}
	return out, nil
}

// ChangeAssetID rewrites the container with the asset's id replaced.
// The whole container is materialised in memory first, so this is only
// valid on writable containers.
func (c *Container) ChangeAssetID(oldID, newID asset.ID) error {
	if !c.Writable() {
		return errors.Wrapf(asset.ErrWriteBlocked, "container %s is read-only", c.path)
	}
	if !c.HasAsset(oldID) {
		return errors.Wrapf(asset.ErrNotFound, "asset %s not in %s", oldID, c.path)
	}
	assets, err := c.Materialize()
	if err != nil {
		return err
	}
	for _, a := range assets {
		if a.ID == oldID {
			a.ID = newID
		}
	}
	return c.SaveAssets(assets)
}
