package cache

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/container"
	"github.com/emberengine/content/registry"
	"github.com/emberengine/content/storage"
	"github.com/emberengine/content/util"
)

// DefaultUnloadTTL is the grace period between an asset's external
// reference count reaching zero and its destruction. A re-reference
// inside the window cancels the unload.
const DefaultUnloadTTL = 10 * time.Second

type Config struct {
	Registry  *registry.Registry
	Storage   *storage.Manager
	Factories *asset.Table

	// Workers sizes the loader pool. Zero means half the logical
	// cores, clamped to [1, 12].
	Workers int

	// UnloadTTL overrides DefaultUnloadTTL.
	UnloadTTL time.Duration

	// TempDir is where virtual assets get their synthetic paths.
	// Defaults to the OS temporary directory.
	TempDir string

	Clock clock.Clock
}

func (cfg Config) withDefaults() Config {
	if cfg.Workers <= 0 {
		cfg.Workers = workerCount()
	}
	if cfg.UnloadTTL <= 0 {
		cfg.UnloadTTL = DefaultUnloadTTL
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "ember-virtual")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// Cache owns every live Asset object. It enforces the one-object-per-id
// invariant, schedules loads on the worker pool, and destroys assets a
// grace period after their last external reference is dropped.
type Cache struct {
	cfg       Config
	clk       clock.Clock
	registry  *registry.Registry
	storage   *storage.Manager
	factories *asset.Table
	pool      *pool

	m       sync.Mutex
	assets  map[asset.ID]asset.Asset
	loading map[asset.ID]struct{}
	pending map[asset.ID]time.Time

	// completed loads waiting for their main-thread callback, in
	// completion order. Guarded separately so workers never touch the
	// asset-map mutex on the completion path.
	cbm       sync.Mutex
	callbacks []asset.Asset
}

func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:       cfg,
		clk:       cfg.Clock,
		registry:  cfg.Registry,
		storage:   cfg.Storage,
		factories: cfg.Factories,
		assets:    make(map[asset.ID]asset.Asset),
		loading:   make(map[asset.ID]struct{}),
		pending:   make(map[asset.ID]time.Time),
	}
	c.pool = newPool(cfg.Workers, c.runTask)
	return c
}

// LoadAsync returns the asset for id, starting a background load if it
// is not cached yet. The returned asset may still be loading; use
// WaitFor or OnLoadedMainThread to observe completion. want narrows
// the accepted type: a cached or registered asset whose type is not
// want or a subtype of it fails with ErrTypeMismatch. An empty want
// accepts anything.
//
// The caller does not receive a reference; call AddRef on the result
// to keep it past the unload grace period.
func (c *Cache) LoadAsync(id asset.ID, want asset.TypeTag) (asset.Asset, error) {
	for {
		c.m.Lock()
		if a, ok := c.assets[id]; ok {
			c.m.Unlock()
			if !c.factories.IsSubtype(a.TypeTag(), want) {
				return nil, errors.Wrapf(asset.ErrTypeMismatch,
					"asset %s is %s, want %s", id, a.TypeTag(), want)
			}
			return a, nil
		}
		if _, busy := c.loading[id]; !busy {
			c.loading[id] = struct{}{}
			c.m.Unlock()
			break
		}
		// another goroutine is constructing this id
		c.m.Unlock()
		c.clk.Sleep(time.Millisecond)
	}

	a, t, err := c.instantiate(id, want)

	c.m.Lock()
	if err == nil {
		c.assets[id] = a
	}
	delete(c.loading, id)
	c.m.Unlock()

	if err != nil {
		return nil, err
	}
	c.pool.enqueue(t)
	return a, nil
}

// instantiate resolves id through the registry and builds the Asset
// object. Caller holds the loading mark for id.
func (c *Cache) instantiate(id asset.ID, want asset.TypeTag) (asset.Asset, *task, error) {
	info, ok := c.registry.Find(id)
	if !ok {
		return nil, nil, errors.Wrapf(asset.ErrNotFound, "asset %s", id)
	}
	f := c.factories.Lookup(info.TypeTag)
	if f == nil && isJSONPath(info.Path) {
		f = JSONFactory{}
	}
	if f == nil {
		return nil, nil, errors.Wrapf(asset.ErrNotFound,
			"asset %s: no factory for type %s", id, info.TypeTag)
	}
	if !c.factories.IsSubtype(info.TypeTag, want) {
		return nil, nil, errors.Wrapf(asset.ErrTypeMismatch,
			"asset %s is %s, want %s", id, info.TypeTag, want)
	}
	a, err := f.New(info)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "asset %s", id)
	}
	t := &task{a: a}
	if !isJSONPath(info.Path) {
		t.path = info.Path
	}
	return a, t, nil
}

// runTask executes one load on a worker goroutine.
func (c *Cache) runTask(t *task) {
	var s asset.Storage
	if t.path != "" {
		cont, err := c.storage.Get(t.path)
		if err != nil {
			c.finish(t.a, errors.Wrapf(err, "load %s", t.a.ID()))
			return
		}
		cont.AddRef()
		defer cont.ReleaseRef()
		s = cont
	}
	c.finish(t.a, t.a.Load(s))
}

func (c *Cache) finish(a asset.Asset, err error) {
	a.FinishLoad(err)
	if err != nil {
		log.Printf("load %s (%s): %s", a.ID(), a.Path(), err)
		raven.CaptureError(err, map[string]string{"asset": a.ID().String()})
		return
	}
	c.cbm.Lock()
	c.callbacks = append(c.callbacks, a)
	c.cbm.Unlock()
}

// WaitFor blocks until a's load finishes and returns its outcome. A
// zero timeout waits forever. Safe to call from a loader worker: if
// the load is still queued the caller steals and runs it in place
// instead of deadlocking on a saturated pool.
func (c *Cache) WaitFor(a asset.Asset, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = c.clk.Now().Add(timeout)
	}
	for {
		select {
		case <-a.LoadedChan():
			return a.WaitForLoaded(0)
		default:
		}
		if t := c.pool.steal(a); t != nil {
			c.runTask(t)
			continue
		}
		if !deadline.IsZero() && c.clk.Now().After(deadline) {
			return asset.ErrCancelled
		}
		select {
		case <-a.LoadedChan():
			return a.WaitForLoaded(0)
		case <-c.clk.After(time.Millisecond):
		}
	}
}

// Get returns the cached asset for id without starting a load.
func (c *Cache) Get(id asset.ID) (asset.Asset, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	a, ok := c.assets[id]
	return a, ok
}

// Count returns the number of cached assets.
func (c *Cache) Count() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.assets)
}

// All returns a snapshot of the cached assets.
func (c *Cache) All() []asset.Asset {
	c.m.Lock()
	defer c.m.Unlock()
	result := make([]asset.Asset, 0, len(c.assets))
	for _, a := range c.assets {
		result = append(result, a)
	}
	return result
}

// Update drains the loaded-callback list in completion order. The host
// calls this once per frame on its main thread.
func (c *Cache) Update() {
	c.cbm.Lock()
	cbs := c.callbacks
	c.callbacks = nil
	c.cbm.Unlock()
	for _, a := range cbs {
		a.OnLoadedMainThread()
	}
}

// Tick runs the unload pass. Assets whose external reference count is
// zero get scheduled at now; scheduled assets that stayed at zero past
// the grace period are destroyed and dropped from the cache. The host
// calls this from its late-update, every half second or so.
func (c *Cache) Tick(now time.Time) {
	c.m.Lock()
	for id, a := range c.assets {
		if a.RefCount() <= 0 {
			if _, ok := c.pending[id]; !ok {
				c.pending[id] = now
			}
		}
	}
	var victims []asset.Asset
	for id, at := range c.pending {
		a, ok := c.assets[id]
		if !ok {
			delete(c.pending, id)
			continue
		}
		if a.RefCount() > 0 {
			delete(c.pending, id)
			continue
		}
		if now.Sub(at) > c.cfg.UnloadTTL {
			delete(c.assets, id)
			delete(c.pending, id)
			victims = append(victims, a)
		}
	}
	c.m.Unlock()
	for _, a := range victims {
		a.Unload()
	}
}

// CreateVirtual builds an asset of the given type with a fresh id and
// no backing file. Factories without virtual support fail with
// ErrVirtualNotSupported.
func (c *Cache) CreateVirtual(tag asset.TypeTag) (asset.Asset, error) {
	f := c.factories.Lookup(tag)
	if f == nil {
		return nil, errors.Errorf("no factory for type %s", tag)
	}
	id := asset.NewID()
	info := asset.Info{
		ID:      id,
		TypeTag: tag,
		Path:    filepath.Join(c.cfg.TempDir, id.String()+container.ExtSingle),
	}
	a, err := f.NewVirtual(info)
	if err != nil {
		return nil, errors.Wrapf(err, "virtual %s", tag)
	}
	c.m.Lock()
	c.assets[id] = a
	c.m.Unlock()
	return a, nil
}

// Rename moves an asset file and rebinds any live Asset object to the
// new path. Existing references held by other assets stay valid. Must
// run on the main thread.
func (c *Cache) Rename(oldPath, newPath string) error {
	if err := c.storage.EnsureAccess(oldPath); err != nil {
		return errors.Wrapf(err, "rename %s", oldPath)
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.Wrapf(err, "rename %s", oldPath)
	}
	c.storage.Forget(oldPath)
	if err := c.registry.Rename(oldPath, newPath); err != nil {
		log.Printf("rename %s: registry: %s", oldPath, err)
	}

	key := util.PathKey(oldPath)
	c.m.Lock()
	for _, a := range c.assets {
		if util.PathKey(a.Path()) == key {
			a.Rebind(newPath)
		}
	}
	c.m.Unlock()
	return nil
}

// Clone copies the asset file at srcPath to dstPath under a fresh id
// and registers the copy. JSON assets get their id rewritten in place
// and their internal object ids remapped; container assets go through
// ChangeAssetID. Returns the new id.
func (c *Cache) Clone(srcPath, dstPath string) (asset.ID, error) {
	newID := asset.NewID()
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return asset.ID{}, err
	}
	if isJSONPath(srcPath) {
		tag, err := cloneJSONAsset(srcPath, dstPath, newID, c.registry)
		if err != nil {
			return asset.ID{}, errors.Wrapf(err, "clone %s", srcPath)
		}
		c.registry.RegisterOne(newID, tag, dstPath)
		return newID, nil
	}

	if err := copyFile(srcPath, dstPath); err != nil {
		return asset.ID{}, errors.Wrapf(err, "clone %s", srcPath)
	}
	cont, err := c.storage.Get(dstPath)
	if err != nil {
		return asset.ID{}, errors.Wrapf(err, "clone %s", srcPath)
	}
	entries := cont.Entries()
	if len(entries) != 1 {
		return asset.ID{}, errors.Errorf("clone %s: %d assets in container, expected 1",
			srcPath, len(entries))
	}
	if err := cont.ChangeAssetID(entries[0].ID, newID); err != nil {
		return asset.ID{}, errors.Wrapf(err, "clone %s", srcPath)
	}
	c.registry.RegisterOne(newID, entries[0].TypeTag, dstPath)
	return newID, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "clone-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Shutdown stops the workers, destroys every cached asset, cancels any
// still-queued loads, and persists the registry.
func (c *Cache) Shutdown() {
	rest := c.pool.stop()
	c.Update()

	c.m.Lock()
	assets := make([]asset.Asset, 0, len(c.assets))
	for _, a := range c.assets {
		assets = append(assets, a)
	}
	c.assets = make(map[asset.ID]asset.Asset)
	c.pending = make(map[asset.ID]time.Time)
	c.m.Unlock()
	for _, a := range assets {
		a.Unload()
	}

	for _, t := range rest {
		t.a.FinishLoad(asset.ErrCancelled)
	}
	if err := c.registry.Save(); err != nil {
		log.Printf("shutdown: save registry: %s", err)
		raven.CaptureError(err, nil)
	}
}
