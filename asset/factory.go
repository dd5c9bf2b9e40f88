package asset

import "sync"

// A Factory creates asset objects of one logical type. Factories are
// capabilities, not class hierarchies: the core only ever calls through
// this interface.
type Factory interface {
	// New creates an asset backed by a file. The asset's content is
	// loaded later, on a loader worker.
	New(info Info) (Asset, error)

	// NewVirtual creates an asset with no backing file. Factories
	// without virtual support return ErrVirtualNotSupported.
	NewVirtual(info Info) (Asset, error)
}

// An Upgrader converts serialized asset data from an older serialized
// version to the current one. Optional per factory.
type Upgrader interface {
	Upgrade(data *InitData) error
}

// Table maps type tags to factories and records the subtype relation
// between tags. It is safe for concurrent use.
type Table struct {
	m         sync.RWMutex
	factories map[TypeTag]Factory
	upgraders map[TypeTag]Upgrader
	parents   map[TypeTag]TypeTag
}

// NewTable returns an empty factory table.
func NewTable() *Table {
	return &Table{
		factories: make(map[TypeTag]Factory),
		upgraders: make(map[TypeTag]Upgrader),
		parents:   make(map[TypeTag]TypeTag),
	}
}

// Register installs the factory for a type tag, replacing any previous
// registration.
func (t *Table) Register(tag TypeTag, f Factory) {
	t.m.Lock()
	t.factories[tag] = f
	t.m.Unlock()
}

// RegisterUpgrader installs a serialized-version upgrader for a tag.
func (t *Table) RegisterUpgrader(tag TypeTag, u Upgrader) {
	t.m.Lock()
	t.upgraders[tag] = u
	t.m.Unlock()
}

// RegisterSubtype records that child is a subtype of parent. Subtype
// chains may be arbitrarily deep.
func (t *Table) RegisterSubtype(child, parent TypeTag) {
	t.m.Lock()
	t.parents[child] = parent
	t.m.Unlock()
}

// Lookup returns the factory for a tag, or nil if none is registered.
func (t *Table) Lookup(tag TypeTag) Factory {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.factories[tag]
}

// Upgrader returns the upgrader for a tag, or nil.
func (t *Table) Upgrader(tag TypeTag) Upgrader {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.upgraders[tag]
}

// IsSubtype reports whether tag is want or a descendant of want. An
// empty want matches every tag.
func (t *Table) IsSubtype(tag, want TypeTag) bool {
	if want == "" || tag == want {
		return true
	}
	t.m.RLock()
	defer t.m.RUnlock()
	for {
		parent, ok := t.parents[tag]
		if !ok {
			return false
		}
		if parent == want {
			return true
		}
		tag = parent
	}
}
