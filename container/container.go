package container

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
)

// File extensions recognized by the content system.
const (
	// ExtSingle is a writable container holding at most one asset.
	ExtSingle = ".ember"

	// ExtPackage is a read-only container holding many assets.
	ExtPackage = ".emberpak"
)

// Kind tells the two container shapes apart.
type Kind int

const (
	// Single containers hold zero or one asset and may be rewritten.
	Single Kind = iota

	// Package containers hold any number of assets and are read-only.
	Package
)

// KindForPath classifies a path by extension. Anything that is not a
// package is treated as a single-asset container.
func KindForPath(path string) Kind {
	if strings.EqualFold(filepath.Ext(path), ExtPackage) {
		return Package
	}
	return Single
}

// Entry is one row of a container's table of contents.
type Entry struct {
	ID      asset.ID
	TypeTag asset.TypeTag
	Address uint32
}

// Options configure how containers are opened.
type Options struct {
	// Clock supplies the time used for chunk access stamps. Defaults
	// to the wall clock.
	Clock clock.Clock

	// ContentKey is the engine-configured key checked against the
	// container header in shipping builds.
	ContentKey uint32

	// Editor builds require the container key to be zero and read the
	// editor-only metadata blocks.
	Editor bool

	// UseMmap memory-maps package containers instead of pooling file
	// handles. Single containers always use handles so the file can be
	// rewritten.
	UseMmap bool
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// A Container owns the chunks of one file on disk and answers which
// assets live there. Reads share a pool of read-only file handles so
// concurrent workers do not serialize on a single descriptor.
type Container struct {
	path    string
	kind    Kind
	version uint32
	key     uint32
	opts    Options

	m       sync.RWMutex // protects entries, index, chunks slice
	entries []Entry
	index   map[asset.ID]int
	chunks  []*Chunk

	refs        int32 // live assets referring into this container
	chunksLock  int32 // chunk reads in flight
	handleCount int32 // open file handles across all workers
	cancelled   int32 // cooperative cancel for streaming tasks
	unusedSince int64 // unix nanos when refs hit zero, 0 while referenced

	handles struct {
		m    sync.Mutex
		free []*os.File
	}

	mapped struct {
		m   sync.Mutex
		mem mmap.MMap
	}
}

// Open parses the container at path: header, entry table and chunk
// table. No chunk payloads are read.
func Open(path string, opts Options) (*Container, error) {
	c := &Container{
		path: path,
		kind: KindForPath(path),
		opts: opts.withDefaults(),
	}
	if err := c.parse(false); err != nil {
		return nil, err
	}
	// the unused timer runs from open until the first asset reference
	c.unusedSince = c.opts.Clock.Now().UnixNano()
	return c, nil
}

// parse reads the container tables. With silent set, a same-version
// reload keeps resident chunk data when the chunk table is unchanged
// and only refreshes the entry table.
func (c *Container) parse(silent bool) error {
	f, err := os.Open(c.path)
	if err != nil {
		return errors.Wrap(err, "open container")
	}
	defer f.Close()

	cur := newCursor(f, 0)
	h, err := readFileHeader(cur)
	if err != nil {
		return err
	}
	if c.opts.Editor {
		if h.contentKey != 0 {
			return errors.Wrap(asset.ErrCorrupted, "container has nonzero content key")
		}
	} else if h.contentKey != c.opts.ContentKey {
		return errors.Wrap(asset.ErrCorrupted, "content key mismatch")
	}
	entries, err := readEntryTable(cur, h.version)
	if err != nil {
		return err
	}
	if c.kind == Single && len(entries) > 1 {
		return errors.Wrapf(asset.ErrCorrupted,
			"single-asset container holds %d entries", len(entries))
	}
	chunks, err := readChunkTable(cur)
	if err != nil {
		return err
	}
	index := make(map[asset.ID]int, len(entries))
	for i, e := range entries {
		index[e.ID] = i
	}

	c.m.Lock()
	defer c.m.Unlock()
	keep := silent && h.version == c.version && sameChunkTable(c.chunks, chunks)
	c.version = h.version
	c.key = h.contentKey
	c.entries = entries
	c.index = index
	if !keep {
		c.chunks = chunks
	}
	return nil
}

func sameChunkTable(old, new []*Chunk) bool {
	if len(old) != len(new) {
		return false
	}
	for i := range old {
		if old[i].Location() != new[i].Location() || old[i].Flags()&persistedFlags != new[i].Flags() {
			return false
		}
	}
	return true
}

// Path returns the file this container is backed by.
func (c *Container) Path() string { return c.path }

// Kind returns whether this is a single or package container.
func (c *Container) Kind() Kind { return c.kind }

// Version returns the on-disk format version.
func (c *Container) Version() uint32 {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.version
}

// Writable reports whether the container may be rewritten. Packages and
// deprecated format versions are read-only.
func (c *Container) Writable() bool {
	return c.kind == Single && c.Version() == VersionCurrent
}

// Entries returns a copy of the table of contents.
func (c *Container) Entries() []Entry {
	c.m.RLock()
	defer c.m.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// HasAsset reports whether the given asset lives in this container.
func (c *Container) HasAsset(id asset.ID) bool {
	c.m.RLock()
	_, ok := c.index[id]
	c.m.RUnlock()
	return ok
}

// HasAssetWithType reports whether the container holds the asset and it
// carries the given type tag.
func (c *Container) HasAssetWithType(id asset.ID, tag asset.TypeTag) bool {
	c.m.RLock()
	defer c.m.RUnlock()
	i, ok := c.index[id]
	return ok && c.entries[i].TypeTag == tag
}

// ChunkCount returns the size of the chunk table.
func (c *Container) ChunkCount() int {
	c.m.RLock()
	defer c.m.RUnlock()
	return len(c.chunks)
}

// Chunk returns the chunk at a container-global index, or nil if out of
// range.
func (c *Container) Chunk(index int32) *Chunk {
	c.m.RLock()
	defer c.m.RUnlock()
	if index < 0 || int(index) >= len(c.chunks) {
		return nil
	}
	return c.chunks[index]
}

// AddRef records a live asset referring into this container.
func (c *Container) AddRef() {
	if atomic.AddInt32(&c.refs, 1) > 0 {
		atomic.StoreInt64(&c.unusedSince, 0)
	}
}

// ReleaseRef drops an asset reference. When the count reaches zero the
// unused timer starts.
func (c *Container) ReleaseRef() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		atomic.StoreInt64(&c.unusedSince, c.opts.Clock.Now().UnixNano())
	}
}

// Refs returns the number of live assets referring into the container.
func (c *Container) Refs() int32 {
	return atomic.LoadInt32(&c.refs)
}

// UnusedSince returns when the reference count last reached zero, or
// the zero time while the container is referenced.
func (c *Container) UnusedSince() time.Time {
	ns := atomic.LoadInt64(&c.unusedSince)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Locks returns the number of chunk reads in flight.
func (c *Container) Locks() int32 {
	return atomic.LoadInt32(&c.chunksLock)
}

// LockChunks takes a scoped chunk lock. While any lock is held the file
// handles stay open. Locks compose additively.
func (c *Container) LockChunks() asset.ChunkPin {
	atomic.AddInt32(&c.chunksLock, 1)
	return &chunkLock{c: c}
}

type chunkLock struct {
	c    *Container
	once sync.Once
}

// Release drops the lock. Safe to call more than once.
func (l *chunkLock) Release() {
	l.once.Do(func() {
		atomic.AddInt32(&l.c.chunksLock, -1)
	})
}

// Cancelled reports whether streaming tasks on this container have been
// asked to stop. Tasks should poll this between chunk reads and release
// their locks promptly when set.
func (c *Container) Cancelled() bool {
	return atomic.LoadInt32(&c.cancelled) != 0
}

// LoadAssetHeader seeks to the asset's header and decodes it. Fails
// with a Corrupted error on hash mismatch or an out of range chunk
// index.
func (c *Container) LoadAssetHeader(id asset.ID) (*asset.InitData, error) {
	c.m.RLock()
	i, ok := c.index[id]
	c.m.RUnlock()
	if !ok {
		return nil, errors.Wrapf(asset.ErrNotFound, "asset %s not in %s", id, c.path)
	}
	return c.LoadAssetHeaderAt(i)
}

// LoadAssetHeaderAt decodes the header of the entry at the given index.
func (c *Container) LoadAssetHeaderAt(i int) (*asset.InitData, error) {
	c.m.RLock()
	if i < 0 || i >= len(c.entries) {
		c.m.RUnlock()
		return nil, errors.Wrapf(asset.ErrNotFound, "entry %d out of range", i)
	}
	address := c.entries[i].Address
	chunkCount := len(c.chunks)
	version := c.version
	c.m.RUnlock()

	pin := c.LockChunks()
	defer pin.Release()

	r, release, err := c.readerAt()
	if err != nil {
		return nil, err
	}
	defer release()
	cur := newCursor(r, int64(address))
	return readAssetHeader(cur, version, chunkCount)
}

// LoadAssetChunk makes the chunk at the given container-global index
// resident, decompressing if the chunk is LZ4 flagged. A resident chunk
// is a no-op apart from the access stamp.
func (c *Container) LoadAssetChunk(index int32) error {
	chunk := c.Chunk(index)
	if chunk == nil {
		return errors.Wrapf(asset.ErrCorrupted, "chunk index %d out of range", index)
	}
	now := c.opts.Clock.Now()
	if chunk.IsLoaded() {
		chunk.RegisterAccess(now)
		return nil
	}
	loc := chunk.Location()
	if loc.Size == 0 {
		return errors.Wrapf(asset.ErrChunkEmpty, "chunk %d", index)
	}

	pin := c.LockChunks()
	defer pin.Release()
	if c.Cancelled() {
		return asset.ErrCancelled
	}

	r, release, err := c.readerAt()
	if err != nil {
		return err
	}
	defer release()
	payload := make([]byte, loc.Size)
	if _, err := r.ReadAt(payload, int64(loc.Address)); err != nil {
		return errors.Wrapf(err, "read chunk %d", index)
	}
	if chunk.Flags()&ChunkCompressedLZ4 != 0 {
		payload, err = decompressChunk(payload)
		if err != nil {
			return err
		}
	}
	chunk.setData(payload, c.opts.Clock.Now())
	return nil
}

// ChunkData returns the resident bytes of a chunk and stamps its access
// time.
func (c *Container) ChunkData(index int32) ([]byte, error) {
	chunk := c.Chunk(index)
	if chunk == nil {
		return nil, errors.Wrapf(asset.ErrCorrupted, "chunk index %d out of range", index)
	}
	data, err := chunk.Data()
	if err != nil {
		return nil, err
	}
	chunk.RegisterAccess(c.opts.Clock.Now())
	return data, nil
}

// ReleaseColdChunks drops the data of every chunk that has not been
// read for longer than ttl and is not pinned in memory. Returns the
// number of chunks still resident.
func (c *Container) ReleaseColdChunks(now time.Time, ttl time.Duration) int {
	c.m.RLock()
	chunks := c.chunks
	c.m.RUnlock()
	resident := 0
	for _, chunk := range chunks {
		if chunk.cold(now, ttl) {
			chunk.Unload()
			continue
		}
		if chunk.IsLoaded() {
			resident++
		}
	}
	return resident
}

// readerAt hands back a read view of the container file: the memory map
// for mmap-enabled packages, otherwise a pooled read-only handle. The
// release function must be called when the read is done.
func (c *Container) readerAt() (io.ReaderAt, func(), error) {
	if c.kind == Package && c.opts.UseMmap {
		m, err := c.mapFile()
		if err != nil {
			return nil, nil, err
		}
		return m, func() {}, nil
	}
	f, err := c.acquireHandle()
	if err != nil {
		return nil, nil, err
	}
	return f, func() { c.releaseHandle(f) }, nil
}

func (c *Container) mapFile() (mmapReaderAt, error) {
	c.mapped.m.Lock()
	defer c.mapped.m.Unlock()
	if c.mapped.mem == nil {
		f, err := os.Open(c.path)
		if err != nil {
			return mmapReaderAt{}, errors.Wrap(err, "open container")
		}
		mem, err := mmap.Map(f, mmap.RDONLY, 0)
		f.Close()
		if err != nil {
			return mmapReaderAt{}, errors.Wrap(err, "mmap container")
		}
		c.mapped.mem = mem
		atomic.AddInt32(&c.handleCount, 1)
	}
	return mmapReaderAt{c.mapped.mem}, nil
}

func (c *Container) acquireHandle() (*os.File, error) {
	c.handles.m.Lock()
	if n := len(c.handles.free); n > 0 {
		f := c.handles.free[n-1]
		c.handles.free = c.handles.free[:n-1]
		c.handles.m.Unlock()
		return f, nil
	}
	c.handles.m.Unlock()
	f, err := os.Open(c.path)
	if err != nil {
		return nil, errors.Wrap(err, "open container")
	}
	atomic.AddInt32(&c.handleCount, 1)
	return f, nil
}

func (c *Container) releaseHandle(f *os.File) {
	c.handles.m.Lock()
	c.handles.free = append(c.handles.free, f)
	c.handles.m.Unlock()
}

// HandleCount returns how many file handles are currently open for this
// container across all workers.
func (c *Container) HandleCount() int32 {
	return atomic.LoadInt32(&c.handleCount)
}

// closeHandleSpin is how long CloseFileHandles waits for in-flight
// chunk reads to clear, polling every millisecond.
const closeHandleSpin = 100 * time.Millisecond

// CloseFileHandles closes every open handle so an external writer can
// touch the file. Ongoing streaming tasks are cooperatively cancelled
// and given a bounded wait to release their chunk locks; if the locks
// do not clear the call fails with ErrBusy and nothing is closed.
func (c *Container) CloseFileHandles() error {
	atomic.StoreInt32(&c.cancelled, 1)
	defer atomic.StoreInt32(&c.cancelled, 0)

	deadline := c.opts.Clock.Now().Add(closeHandleSpin)
	for c.Locks() > 0 {
		if c.opts.Clock.Now().After(deadline) {
			return errors.Wrapf(asset.ErrBusy,
				"%d chunk locks held on %s", c.Locks(), c.path)
		}
		c.opts.Clock.Sleep(time.Millisecond)
	}
	c.closeAllHandles()
	return nil
}

func (c *Container) closeAllHandles() {
	c.handles.m.Lock()
	for _, f := range c.handles.free {
		f.Close()
		atomic.AddInt32(&c.handleCount, -1)
	}
	c.handles.free = nil
	c.handles.m.Unlock()

	c.mapped.m.Lock()
	if c.mapped.mem != nil {
		c.mapped.mem.Unmap()
		c.mapped.mem = nil
		atomic.AddInt32(&c.handleCount, -1)
	}
	c.mapped.m.Unlock()
}

// Reload unloads nothing it can keep: when the format version and chunk
// table are unchanged only the entry table is refreshed, otherwise all
// chunks are dropped and the file is reparsed.
func (c *Container) Reload() error {
	return c.parse(true)
}

// Close cancels streaming and closes every handle. The container must
// not be used afterwards.
func (c *Container) Close() error {
	atomic.StoreInt32(&c.cancelled, 1)
	c.closeAllHandles()
	return nil
}

// mmapReaderAt adapts a memory map to io.ReaderAt.
type mmapReaderAt struct {
	mem mmap.MMap
}

func (m mmapReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, io.EOF
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
