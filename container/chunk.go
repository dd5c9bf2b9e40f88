// Package container implements the on-disk container format for binary
// assets: a header, an entry table, a chunk table, per-asset headers and
// chunk payloads. A container holds either a single writable asset
// (.ember) or many read-only ones (.emberpak). Chunk payloads are loaded
// lazily and can be released again once they go cold.
package container

import (
	"sync"
	"time"

	"github.com/emberengine/content/asset"
)

// ChunkFlags describe how a chunk is stored and handled.
type ChunkFlags int32

const (
	// ChunkNone marks a plain uncompressed chunk.
	ChunkNone ChunkFlags = 0

	// ChunkCompressedLZ4 marks an LZ4 block compressed payload. The
	// on-disk size is the compressed size; the payload starts with the
	// uncompressed size as an i32.
	ChunkCompressedLZ4 ChunkFlags = 1 << 0

	// ChunkKeepInMemory exempts a chunk from cold eviction. Runtime
	// only, never persisted.
	ChunkKeepInMemory ChunkFlags = 1 << 1
)

// persistedFlags is the subset of flags written to disk.
const persistedFlags = ChunkCompressedLZ4

// Location is a chunk's place in the container file. A Size of zero
// means the chunk does not exist in the file.
type Location struct {
	Address uint32
	Size    uint32
}

// A Chunk is a fixed-identity blob of bytes belonging to one asset slot.
// The data buffer is empty until loaded and may be released again once
// the chunk goes cold. Chunks are opaque to everything but the
// container.
type Chunk struct {
	m          sync.RWMutex
	location   Location
	flags      ChunkFlags
	data       []byte
	lastAccess time.Time
}

// Location returns the chunk's place in the file.
func (c *Chunk) Location() Location {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.location
}

// Flags returns the chunk's current flags.
func (c *Chunk) Flags() ChunkFlags {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.flags
}

// SetKeepInMemory pins or unpins the chunk against cold eviction.
func (c *Chunk) SetKeepInMemory(keep bool) {
	c.m.Lock()
	if keep {
		c.flags |= ChunkKeepInMemory
	} else {
		c.flags &^= ChunkKeepInMemory
	}
	c.m.Unlock()
}

// Len returns the size of the resident data, zero if not loaded.
func (c *Chunk) Len() int {
	c.m.RLock()
	defer c.m.RUnlock()
	return len(c.data)
}

// Data returns the resident bytes. Fails with ErrNotLoaded if the chunk
// has not been loaded (or has been evicted).
func (c *Chunk) Data() ([]byte, error) {
	c.m.RLock()
	defer c.m.RUnlock()
	if c.data == nil {
		return nil, asset.ErrNotLoaded
	}
	return c.data, nil
}

// ExistsInFile reports whether the chunk has a payload in the container
// file.
func (c *Chunk) ExistsInFile() bool {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.location.Size > 0
}

// IsLoaded reports whether the chunk data is resident.
func (c *Chunk) IsLoaded() bool {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.data != nil
}

// RegisterAccess stamps the last access time. Called on every read.
func (c *Chunk) RegisterAccess(now time.Time) {
	c.m.Lock()
	c.lastAccess = now
	c.m.Unlock()
}

// LastAccess returns the time of the most recent read.
func (c *Chunk) LastAccess() time.Time {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.lastAccess
}

// Unload releases the resident data. The file location is kept so a
// later read can refetch. Idempotent.
func (c *Chunk) Unload() {
	c.m.Lock()
	c.data = nil
	c.m.Unlock()
}

// Clone returns a new chunk with a copy of the data but no file
// location.
func (c *Chunk) Clone() *Chunk {
	c.m.RLock()
	defer c.m.RUnlock()
	clone := &Chunk{flags: c.flags &^ persistedFlags}
	if c.data != nil {
		clone.data = append([]byte(nil), c.data...)
	}
	return clone
}

// setData installs freshly loaded bytes and stamps the access time.
func (c *Chunk) setData(data []byte, now time.Time) {
	c.m.Lock()
	c.data = data
	c.lastAccess = now
	c.m.Unlock()
}

// cold reports whether the chunk is eligible for eviction at the given
// time: resident, last accessed longer than ttl ago, and not pinned.
func (c *Chunk) cold(now time.Time, ttl time.Duration) bool {
	c.m.RLock()
	defer c.m.RUnlock()
	if c.data == nil || c.flags&ChunkKeepInMemory != 0 {
		return false
	}
	return now.Sub(c.lastAccess) > ttl
}
