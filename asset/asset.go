package asset

import (
	"sync"
	"sync/atomic"
	"time"
)

// Storage is the view of a container an asset gets while loading. The
// methods block on file I/O. JSON-format assets have no container and
// are handed a nil Storage.
type Storage interface {
	// LoadAssetHeader reads and decodes this asset's header.
	LoadAssetHeader(id ID) (*InitData, error)

	// LoadAssetChunk makes the chunk at the given container-global
	// index resident. It is a no-op if the data is already loaded.
	LoadAssetChunk(index int32) error

	// ChunkData returns the resident bytes of a chunk.
	ChunkData(index int32) ([]byte, error)

	// LockChunks pins the container open for the duration of a read.
	// The returned pin must be released on every exit path.
	LockChunks() ChunkPin

	// Cancelled reports whether the container has asked streaming
	// tasks to stop. Long loads should poll this between chunks.
	Cancelled() bool
}

// ChunkPin is a held chunk lock. Multiple pins on the same container
// compose additively.
type ChunkPin interface {
	Release()
}

// An Asset is a uniquely identified unit of content. Concrete asset
// types embed Base and implement Load.
type Asset interface {
	ID() ID
	TypeTag() TypeTag
	Path() string
	Rebind(path string)

	AddRef() int32
	Release() int32
	RefCount() int32

	IsLoaded() bool
	LastLoadFailed() bool
	LoadedChan() <-chan struct{}
	FinishLoad(err error)
	WaitForLoaded(timeout time.Duration) error

	// Load reads the asset's content. It runs on a loader worker and
	// may block on file I/O. It may call back into the cache to load
	// other assets.
	Load(s Storage) error

	// Unload releases everything Load produced. Called exactly once,
	// after the asset leaves the cache.
	Unload()

	// OnLoadedMainThread fires on the host's update pump after a
	// successful load, in FIFO completion order.
	OnLoadedMainThread()
}

// Base carries the bookkeeping every asset needs: identity, the external
// reference count, and load state. Embed it in concrete asset types.
type Base struct {
	m    sync.RWMutex
	info Info

	refs int32 // externally held references, atomic

	loadedOnce sync.Once
	loaded     chan struct{}
	loadErr    error
}

// NewBase initializes the bookkeeping for an asset described by info.
func NewBase(info Info) Base {
	return Base{info: info, loaded: make(chan struct{})}
}

// ID returns the asset's identity.
func (b *Base) ID() ID {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.info.ID
}

// TypeTag returns the asset's logical type name.
func (b *Base) TypeTag() TypeTag {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.info.TypeTag
}

// Path returns the path of the file backing this asset. Virtual assets
// have a synthetic path under the temporary folder.
func (b *Base) Path() string {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.info.Path
}

// Rebind points the asset at a new backing path. Used by rename.
func (b *Base) Rebind(path string) {
	b.m.Lock()
	b.info.Path = path
	b.m.Unlock()
}

// AddRef takes an external reference and returns the new count.
func (b *Base) AddRef() int32 {
	return atomic.AddInt32(&b.refs, 1)
}

// Release drops an external reference and returns the new count. When
// the count reaches zero the cache schedules the asset for unload after
// the grace period.
func (b *Base) Release() int32 {
	return atomic.AddInt32(&b.refs, -1)
}

// RefCount returns the current external reference count.
func (b *Base) RefCount() int32 {
	return atomic.LoadInt32(&b.refs)
}

// FinishLoad records the outcome of the load task. Safe to call more
// than once; only the first call counts.
func (b *Base) FinishLoad(err error) {
	b.loadedOnce.Do(func() {
		b.loadErr = err
		close(b.loaded)
	})
}

// IsLoaded reports whether the load task has finished successfully.
func (b *Base) IsLoaded() bool {
	select {
	case <-b.loaded:
		return b.loadErr == nil
	default:
		return false
	}
}

// LastLoadFailed reports whether the most recent load attempt failed.
// A failed asset stays in the cache and is not retried automatically.
func (b *Base) LastLoadFailed() bool {
	select {
	case <-b.loaded:
		return b.loadErr != nil
	default:
		return false
	}
}

// LoadedChan is closed once the load task finishes, successfully or not.
func (b *Base) LoadedChan() <-chan struct{} {
	return b.loaded
}

// WaitForLoaded blocks until the load finishes or the timeout elapses.
// A timeout of zero waits forever. Do not call this from a loader
// worker; use the cache's WaitFor, which participates in the
// cooperative dequeue loop.
func (b *Base) WaitForLoaded(timeout time.Duration) error {
	if timeout <= 0 {
		<-b.loaded
		return b.loadErr
	}
	select {
	case <-b.loaded:
		return b.loadErr
	case <-time.After(timeout):
		return ErrCancelled
	}
}

// OnLoadedMainThread is a no-op by default.
func (b *Base) OnLoadedMainThread() {}

// Unload is a no-op by default.
func (b *Base) Unload() {}
