// Package registry keeps the process-wide index of every known asset:
// id, type tag and the container file the asset lives in. The index is
// persisted to AssetsCache.dat and rebuilt from scratch whenever the
// file cannot be trusted.
package registry

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/container"
	"github.com/emberengine/content/util"
)

// Config carries everything a registry needs. Set the public fields and
// call New.
type Config struct {
	// Path is the location of AssetsCache.dat.
	Path string

	// EnginePath and ProjectPath are recorded in the registry file.
	// With RelativePaths set, entry paths under EnginePath are stored
	// relative so an installed engine can be moved.
	EnginePath    string
	ProjectPath   string
	RelativePaths bool

	// Containers is how containers are opened during registration and
	// verification.
	Containers container.Options

	// DiscoveryDirs are the project directories scanned when a lookup
	// misses. Scans run at most once per discoveryInterval.
	DiscoveryDirs   []string
	EnableDiscovery bool

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Registry is the persistent asset index. All methods are safe for
// concurrent use; a single mutex serialises access, with short critical
// sections (file I/O happens outside the lock).
type Registry struct {
	cfg Config
	clk clock.Clock

	m        sync.Mutex
	byID     map[asset.ID]asset.Info
	byPath   map[string]asset.Info
	mapping  map[asset.ID]string
	dirty    bool
	lastScan time.Time
}

// New returns a registry with an empty index. Call Load to read the
// persisted file.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Registry{
		cfg:     cfg,
		clk:     cfg.Clock,
		byID:    make(map[asset.ID]asset.Info),
		byPath:  make(map[string]asset.Info),
		mapping: make(map[asset.ID]string),
	}
}

// Load reads AssetsCache.dat. A missing file is fine. Any parse
// problem, including a build number mismatch, deletes the file and
// leaves the registry empty.
func (r *Registry) Load() error {
	f, err := os.Open(r.cfg.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "open registry")
	}
	data, derr := decode(f)
	f.Close()
	if derr != nil {
		log.Println("Registry file unusable, rebuilding:", derr)
		os.Remove(r.cfg.Path)
		return nil
	}

	r.m.Lock()
	defer r.m.Unlock()
	for _, info := range data.entries {
		if data.relative && !filepath.IsAbs(info.Path) {
			info.Path = filepath.Join(data.enginePath, info.Path)
		}
		r.byID[info.ID] = info
		r.byPath[util.PathKey(info.Path)] = info
	}
	for id, path := range data.mapping {
		r.mapping[id] = path
	}
	return nil
}

// Save atomically rewrites AssetsCache.dat if anything changed since
// the last save.
func (r *Registry) Save() error {
	r.m.Lock()
	if !r.dirty {
		r.m.Unlock()
		return nil
	}
	data := &fileData{
		enginePath:  r.cfg.EnginePath,
		projectPath: r.cfg.ProjectPath,
		relative:    r.cfg.RelativePaths,
		mapping:     make(map[asset.ID]string, len(r.mapping)),
	}
	for _, info := range r.byID {
		if data.relative {
			if rel, err := filepath.Rel(r.cfg.EnginePath, info.Path); err == nil && filepath.IsLocal(rel) {
				info.Path = rel
			}
		}
		data.entries = append(data.entries, info)
	}
	for id, path := range r.mapping {
		data.mapping[id] = path
	}
	r.m.Unlock()

	sort.Slice(data.entries, func(i, j int) bool {
		return data.entries[i].Path < data.entries[j].Path
	})

	tmp, err := os.CreateTemp(filepath.Dir(r.cfg.Path), ".registry-*")
	if err != nil {
		return errors.Wrap(err, "save registry")
	}
	defer os.Remove(tmp.Name())
	if err := encode(tmp, data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "save registry")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "save registry")
	}
	if err := os.Rename(tmp.Name(), r.cfg.Path); err != nil {
		return errors.Wrap(err, "save registry")
	}

	r.m.Lock()
	r.dirty = false
	r.m.Unlock()
	return nil
}

// Find resolves an id to its registry row. A stale row (file gone, or
// the file no longer carries this id) is pruned and reported as a miss.
// When discovery is enabled a miss triggers a rate-limited workspace
// scan before giving up.
func (r *Registry) Find(id asset.ID) (asset.Info, bool) {
	info, ok := r.findVerified(id)
	if ok {
		return info, true
	}
	if r.cfg.EnableDiscovery && r.discover() {
		return r.findVerified(id)
	}
	return asset.Info{}, false
}

func (r *Registry) findVerified(id asset.ID) (asset.Info, bool) {
	r.m.Lock()
	info, ok := r.byID[id]
	r.m.Unlock()
	if !ok {
		return asset.Info{}, false
	}
	return r.verify(info)
}

// FindByPath resolves a path to its registry row, with the same
// purge-on-read behavior as Find.
func (r *Registry) FindByPath(path string) (asset.Info, bool) {
	r.m.Lock()
	info, ok := r.byPath[util.PathKey(path)]
	r.m.Unlock()
	if !ok {
		return asset.Info{}, false
	}
	return r.verify(info)
}

// verify checks a row against the file on disk: the file must exist and
// still embed the recorded id. An unchanged modification time is
// trusted without opening the file. Disagreements prune the row.
func (r *Registry) verify(info asset.Info) (asset.Info, bool) {
	fi, err := os.Stat(info.Path)
	if err != nil {
		r.prune(info)
		return asset.Info{}, false
	}
	if !info.MTime.IsZero() && fi.ModTime().Equal(info.MTime) {
		return info, true
	}

	id, tag, ok := probeFile(info.Path, r.cfg.Containers, info.ID)
	if !ok || id != info.ID {
		r.prune(info)
		return asset.Info{}, false
	}
	r.m.Lock()
	info.MTime = fi.ModTime()
	if tag != "" && tag != info.TypeTag {
		// class rename
		info.TypeTag = tag
	}
	r.byID[info.ID] = info
	r.byPath[util.PathKey(info.Path)] = info
	r.dirty = true
	r.m.Unlock()
	return info, true
}

// probeFile extracts the embedded identity of an asset file: a JSON
// asset's ID and TypeName keys, or the container entry matching want.
func probeFile(path string, opts container.Options, want asset.ID) (asset.ID, asset.TypeTag, bool) {
	if isJSONAssetPath(path) {
		return probeJSONAsset(path)
	}
	c, err := container.Open(path, opts)
	if err != nil {
		return asset.ID{}, "", false
	}
	defer c.Close()
	for _, e := range c.Entries() {
		if e.ID == want {
			return e.ID, e.TypeTag, true
		}
	}
	return asset.ID{}, "", false
}

func (r *Registry) prune(info asset.Info) {
	r.m.Lock()
	if cur, ok := r.byID[info.ID]; ok && util.PathKey(cur.Path) == util.PathKey(info.Path) {
		delete(r.byID, info.ID)
		delete(r.byPath, util.PathKey(info.Path))
		r.dirty = true
	}
	r.m.Unlock()
}

// Register ingests every asset in a container. An id that is already
// registered from a different file is a collision: if this container is
// writable it gets a fresh id, propagated through ChangeAssetID; if it
// is read-only the entry is logged and skipped.
func (r *Registry) Register(c *container.Container) error {
	mtime := r.fileMTime(c.Path())
	for {
		renamed := false
		for _, e := range c.Entries() {
			r.m.Lock()
			existing, collision := r.byID[e.ID]
			if collision && util.PathKey(existing.Path) == util.PathKey(c.Path()) {
				collision = false
			}
			r.m.Unlock()

			if !collision {
				r.upsert(asset.Info{ID: e.ID, TypeTag: e.TypeTag, Path: c.Path(), MTime: mtime})
				continue
			}
			if !c.Writable() {
				log.Printf("Duplicate asset id %s in read-only %s (already at %s), skipping",
					e.ID, c.Path(), existing.Path)
				continue
			}
			newID := asset.NewID()
			log.Printf("Duplicate asset id %s in %s, reassigning to %s", e.ID, c.Path(), newID)
			if err := c.ChangeAssetID(e.ID, newID); err != nil {
				return errors.Wrap(err, "reassign duplicate id")
			}
			mtime = r.fileMTime(c.Path())
			renamed = true
			break
		}
		if !renamed {
			return nil
		}
	}
}

// RegisterOne upserts a single id/type/path row, reconciling path and
// type changes.
func (r *Registry) RegisterOne(id asset.ID, tag asset.TypeTag, path string) {
	r.upsert(asset.Info{ID: id, TypeTag: tag, Path: path, MTime: r.fileMTime(path)})
}

func (r *Registry) fileMTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

func (r *Registry) upsert(info asset.Info) {
	key := util.PathKey(info.Path)
	r.m.Lock()
	defer r.m.Unlock()

	if old, ok := r.byID[info.ID]; ok {
		oldKey := util.PathKey(old.Path)
		if oldKey == key && old.TypeTag == info.TypeTag && old.MTime.Equal(info.MTime) {
			return
		}
		if oldKey != key {
			delete(r.byPath, oldKey)
		}
	}
	// a different asset previously claimed this path: the file has a
	// new identity now, drop the old row
	if old, ok := r.byPath[key]; ok && old.ID != info.ID {
		delete(r.byID, old.ID)
	}
	r.byID[info.ID] = info
	r.byPath[key] = info
	r.dirty = true
}

// Rename moves an entry to a new path. The caller is responsible for
// moving the file itself.
func (r *Registry) Rename(oldPath, newPath string) error {
	oldKey := util.PathKey(oldPath)
	r.m.Lock()
	defer r.m.Unlock()
	info, ok := r.byPath[oldKey]
	if !ok {
		return errors.Wrapf(asset.ErrNotFound, "no entry for %s", oldPath)
	}
	delete(r.byPath, oldKey)
	info.Path = newPath
	info.MTime = time.Time{} // reverify on next lookup
	r.byID[info.ID] = info
	r.byPath[util.PathKey(newPath)] = info
	r.dirty = true
	return nil
}

// Delete removes the entry for an id.
func (r *Registry) Delete(id asset.ID) {
	r.m.Lock()
	if info, ok := r.byID[id]; ok {
		delete(r.byID, id)
		delete(r.byPath, util.PathKey(info.Path))
		r.dirty = true
	}
	r.m.Unlock()
}

// DeleteByPath removes the entry for a path.
func (r *Registry) DeleteByPath(path string) {
	key := util.PathKey(path)
	r.m.Lock()
	if info, ok := r.byPath[key]; ok {
		delete(r.byPath, key)
		delete(r.byID, info.ID)
		r.dirty = true
	}
	r.m.Unlock()
}

// All returns every registry row.
func (r *Registry) All() []asset.Info {
	r.m.Lock()
	defer r.m.Unlock()
	out := make([]asset.Info, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, info)
	}
	return out
}

// ByType returns every row with the given type tag.
func (r *Registry) ByType(tag asset.TypeTag) []asset.Info {
	r.m.Lock()
	defer r.m.Unlock()
	var out []asset.Info
	for _, info := range r.byID {
		if info.TypeTag == tag {
			out = append(out, info)
		}
	}
	return out
}

// MapPath records an id to virtual-path mapping, persisted with the
// registry.
func (r *Registry) MapPath(id asset.ID, path string) {
	r.m.Lock()
	r.mapping[id] = path
	r.dirty = true
	r.m.Unlock()
}

// MappedPath returns the recorded mapping for an id, if any.
func (r *Registry) MappedPath(id asset.ID) (string, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	path, ok := r.mapping[id]
	return path, ok
}
