// Package buildcache tracks which cooked asset outputs are still
// current, so a rebuild only re-cooks what actually changed.
package buildcache

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
)

const headerFile = "BuildCache.json"

// Dependency is one input file a cooked output was produced from.
type Dependency struct {
	Path  string
	MTime int64
}

// Entry records one cooked output: what produced it and when.
type Entry struct {
	ID           asset.ID
	TypeTag      asset.TypeTag
	CookedMTime  int64
	Dependencies []Dependency
}

// Settings is the build fingerprint persisted alongside the entries.
// Any difference between the stored fingerprint and the current one
// means every cooked output is stale.
type Settings struct {
	ShaderBackendFlags map[string]uint32
	ShaderVersion      int32
	MaterialVersion    int32
	ParticleVersion    int32
	StreamingSettings  asset.ID
}

// header is the single on-disk file.
type header struct {
	Settings Settings
	Entries  []*Entry
}

// Cache is the incremental build cache. One cooked file per asset id
// lives under Dir; the entry table and settings fingerprint persist as
// a single JSON header.
type Cache struct {
	Dir      string
	Settings Settings

	m       sync.Mutex
	entries map[asset.ID]*Entry
	dirty   bool
}

// New returns an empty cache rooted at dir.
func New(dir string, settings Settings) *Cache {
	return &Cache{
		Dir:      dir,
		Settings: settings,
		entries:  make(map[asset.ID]*Entry),
	}
}

// FilePath returns where the cooked output for id lives, whether or not
// it exists yet.
func (c *Cache) FilePath(id asset.ID) string {
	return filepath.Join(c.Dir, id.String()+".cooked")
}

// Find returns the recorded entry for id.
func (c *Cache) Find(id asset.ID) (*Entry, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// CreateEntry records a fresh entry for the asset and returns it along
// with the path the cooker should write. Any previous entry for the id
// is replaced; dependencies are stamped with their current mtimes.
func (c *Cache) CreateEntry(id asset.ID, tag asset.TypeTag, inputs []string) (*Entry, string) {
	e := &Entry{ID: id, TypeTag: tag}
	for _, p := range inputs {
		e.Dependencies = append(e.Dependencies, Dependency{Path: p, MTime: fileMTime(p)})
	}
	c.m.Lock()
	c.entries[id] = e
	c.dirty = true
	c.m.Unlock()
	return e, c.FilePath(id)
}

// Commit stamps the entry with the cooked file's current mtime. Call it
// after the cooker has written the output.
func (c *Cache) Commit(e *Entry) {
	c.m.Lock()
	e.CookedMTime = fileMTime(c.FilePath(e.ID))
	c.dirty = true
	c.m.Unlock()
}

// IsValid reports whether the cooked output for this entry is current:
// the output file exists with the recorded mtime, and, when withDeps is
// set, every recorded dependency still has its recorded mtime.
func (c *Cache) IsValid(e *Entry, withDeps bool) bool {
	if fileMTime(c.FilePath(e.ID)) != e.CookedMTime || e.CookedMTime == 0 {
		return false
	}
	if withDeps {
		for _, d := range e.Dependencies {
			if fileMTime(d.Path) != d.MTime {
				return false
			}
		}
	}
	return true
}

// InvalidatePerType drops every entry of the given type and removes
// their cooked outputs. Used when an asset type's cooker changes.
func (c *Cache) InvalidatePerType(tag asset.TypeTag) int {
	c.m.Lock()
	var victims []asset.ID
	for id, e := range c.entries {
		if e.TypeTag == tag {
			victims = append(victims, id)
			delete(c.entries, id)
		}
	}
	if len(victims) > 0 {
		c.dirty = true
	}
	c.m.Unlock()
	for _, id := range victims {
		os.Remove(c.FilePath(id))
	}
	return len(victims)
}

// Delete drops the entry for id and its cooked output.
func (c *Cache) Delete(id asset.ID) {
	c.m.Lock()
	if _, ok := c.entries[id]; ok {
		delete(c.entries, id)
		c.dirty = true
	}
	c.m.Unlock()
	os.Remove(c.FilePath(id))
}

// Count returns the number of recorded entries.
func (c *Cache) Count() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.entries)
}

// Load reads the persisted header. A missing file leaves the cache
// empty. A settings fingerprint mismatch discards every entry and their
// cooked outputs: the whole cache is stale.
func (c *Cache) Load() error {
	raw, err := os.ReadFile(filepath.Join(c.Dir, headerFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		log.Printf("build cache: unreadable header, starting over: %s", err)
		return nil
	}
	if !settingsEqual(h.Settings, c.Settings) {
		log.Printf("build cache: settings changed, discarding %d entries", len(h.Entries))
		for _, e := range h.Entries {
			os.Remove(c.FilePath(e.ID))
		}
		c.m.Lock()
		c.dirty = true
		c.m.Unlock()
		return nil
	}
	c.m.Lock()
	c.entries = make(map[asset.ID]*Entry, len(h.Entries))
	for _, e := range h.Entries {
		c.entries[e.ID] = e
	}
	c.dirty = false
	c.m.Unlock()
	return nil
}

// Save writes the header if anything changed since the last save.
func (c *Cache) Save() error {
	c.m.Lock()
	if !c.dirty {
		c.m.Unlock()
		return nil
	}
	h := header{Settings: c.Settings}
	for _, e := range c.entries {
		h.Entries = append(h.Entries, e)
	}
	c.m.Unlock()

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(h, "", "\t")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.Dir, "header-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(c.Dir, headerFile)); err != nil {
		return errors.Wrap(err, "build cache")
	}
	c.m.Lock()
	c.dirty = false
	c.m.Unlock()
	return nil
}

func settingsEqual(a, b Settings) bool {
	if a.ShaderVersion != b.ShaderVersion ||
		a.MaterialVersion != b.MaterialVersion ||
		a.ParticleVersion != b.ParticleVersion ||
		a.StreamingSettings != b.StreamingSettings ||
		len(a.ShaderBackendFlags) != len(b.ShaderBackendFlags) {
		return false
	}
	for k, v := range a.ShaderBackendFlags {
		if b.ShaderBackendFlags[k] != v {
			return false
		}
	}
	return true
}

func fileMTime(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.ModTime().UnixNano()
}
