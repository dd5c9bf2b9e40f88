// Package storage interns open containers by path and ages them out
// again: a background tick releases chunk data that has gone cold,
// closes file handles nobody is using, and disposes containers that
// have been unreferenced for longer than their grace period.
package storage

import (
	"log"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang/groupcache/singleflight"

	"github.com/emberengine/content/container"
	"github.com/emberengine/content/util"
)

// Defaults for the aging parameters.
const (
	DefaultUnusedChunkTTL = 30 * time.Second
	DefaultContainerTTL   = 500 * time.Millisecond
	DefaultTickInterval   = 500 * time.Millisecond
)

// Config carries the manager's tuning knobs. Zero values pick the
// defaults.
type Config struct {
	// Containers is how container files are opened.
	Containers container.Options

	// UnusedChunkTTL is how long a chunk's data stays resident after
	// its last read.
	UnusedChunkTTL time.Duration

	// ContainerTTL is how long a container survives with no live
	// asset references before it is disposed.
	ContainerTTL time.Duration

	// TickInterval is how often the background tick runs.
	TickInterval time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.UnusedChunkTTL == 0 {
		c.UnusedChunkTTL = DefaultUnusedChunkTTL
	}
	if c.ContainerTTL == 0 {
		c.ContainerTTL = DefaultContainerTTL
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Containers.Clock == nil {
		c.Containers.Clock = c.Clock
	}
	return c
}

// Manager owns every open container, keyed by normalized path. Get
// either returns the interned container or opens the file; concurrent
// opens of the same path are deduplicated so the parse happens once.
type Manager struct {
	cfg Config
	clk clock.Clock

	flight singleflight.Group

	m          sync.Mutex
	containers map[string]*container.Container

	done     chan struct{}
	stopOnce sync.Once
}

// New returns a manager and starts its background tick goroutine.
// Call Stop when done.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		containers: make(map[string]*container.Container),
		done:       make(chan struct{}),
	}
	m.clk = m.cfg.Clock
	go m.background()
	return m
}

// Get returns the container for a path, opening it if needed. The same
// path always yields the same container until it is disposed.
func (m *Manager) Get(path string) (*container.Container, error) {
	key := util.PathKey(path)
	v, err := m.flight.Do(key, func() (interface{}, error) {
		m.m.Lock()
		c, ok := m.containers[key]
		m.m.Unlock()
		if ok {
			return c, nil
		}
		c, err := container.Open(path, m.cfg.Containers)
		if err != nil {
			return nil, err
		}
		m.m.Lock()
		m.containers[key] = c
		m.m.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*container.Container), nil
}

// EnsureAccess closes any open file handles for the path so an
// external writer can touch the file. Fails with a busy error if chunk
// reads are in flight.
func (m *Manager) EnsureAccess(path string) error {
	key := util.PathKey(path)
	m.m.Lock()
	c, ok := m.containers[key]
	m.m.Unlock()
	if !ok {
		return nil
	}
	return c.CloseFileHandles()
}

// Forget drops the interned container for a path and closes it. Used
// after a rename so the old path stops resolving.
func (m *Manager) Forget(path string) {
	key := util.PathKey(path)
	m.m.Lock()
	c, ok := m.containers[key]
	if ok {
		delete(m.containers, key)
	}
	m.m.Unlock()
	if ok {
		c.Close()
	}
}

// Tick ages every container: cold chunk data is released, idle file
// handles are closed, and containers unreferenced for longer than the
// container TTL are disposed.
func (m *Manager) Tick(now time.Time) {
	m.m.Lock()
	snapshot := make(map[string]*container.Container, len(m.containers))
	for k, c := range m.containers {
		snapshot[k] = c
	}
	m.m.Unlock()

	for key, c := range snapshot {
		resident := c.ReleaseColdChunks(now, m.cfg.UnusedChunkTTL)

		if c.Refs() == 0 {
			if since := c.UnusedSince(); !since.IsZero() && now.Sub(since) > m.cfg.ContainerTTL {
				m.m.Lock()
				delete(m.containers, key)
				m.m.Unlock()
				c.Close()
				continue
			}
		}
		if resident == 0 && c.Locks() == 0 && c.Refs() == 0 && c.HandleCount() > 0 {
			if err := c.CloseFileHandles(); err != nil {
				// readers raced in; try again next tick
				log.Printf("Storage tick: %v", err)
			}
		}
	}
}

// Open returns how many containers are currently interned.
func (m *Manager) Open() int {
	m.m.Lock()
	defer m.m.Unlock()
	return len(m.containers)
}

// Containers returns a snapshot of the interned containers.
func (m *Manager) Containers() []*container.Container {
	m.m.Lock()
	defer m.m.Unlock()
	result := make([]*container.Container, 0, len(m.containers))
	for _, c := range m.containers {
		result = append(result, c)
	}
	return result
}

// Stop ends the background tick and closes every container.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.m.Lock()
	containers := m.containers
	m.containers = make(map[string]*container.Container)
	m.m.Unlock()
	for _, c := range containers {
		c.Close()
	}
}

func (m *Manager) background() {
	ticker := m.clk.Ticker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Tick(m.clk.Now())
		}
	}
}
