package storage

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/container"
)

func writeContainer(t *testing.T, path string, payload []byte) asset.ID {
	t.Helper()
	id := asset.NewID()
	data := &asset.InitData{ID: id, TypeTag: "Texture"}
	data.Chunks[0] = payload
	err := container.Save(path, []*asset.InitData{data}, container.Options{Editor: true})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestGetInterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.ember")
	writeContainer(t, path, []byte("abc"))

	m := New(Config{Containers: container.Options{Editor: true}})
	defer m.Stop()

	c1, err := m.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("Got two container instances for one path")
	}

	// concurrent gets must also dedup down to a single open
	var wg sync.WaitGroup
	results := make([]*container.Container, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Get(path)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()
	for i, c := range results {
		if c != c1 {
			t.Errorf("goroutine %d got a different container", i)
		}
	}
	if m.Open() != 1 {
		t.Errorf("Got %d interned containers, expected 1", m.Open())
	}
}

func TestTickEvictsColdChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.ember")
	payload := bytes.Repeat([]byte{0xCD}, 512)
	writeContainer(t, path, payload)

	mock := clock.NewMock()
	m := New(Config{
		Containers:     container.Options{Editor: true},
		UnusedChunkTTL: 50 * time.Millisecond,
		ContainerTTL:   time.Hour, // keep the container itself alive
		Clock:          mock,
	})
	defer m.Stop()

	c, err := m.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	c.AddRef()
	defer c.ReleaseRef()
	if err := c.LoadAssetChunk(0); err != nil {
		t.Fatal(err)
	}

	// still hot: a tick inside the TTL keeps the data
	mock.Add(20 * time.Millisecond)
	m.Tick(mock.Now())
	if !c.Chunk(0).IsLoaded() {
		t.Fatal("Hot chunk was evicted")
	}

	// gone cold after 200ms with no access
	mock.Add(200 * time.Millisecond)
	m.Tick(mock.Now())
	if c.Chunk(0).IsLoaded() {
		t.Fatal("Cold chunk still resident")
	}
	if c.Chunk(0).Location().Size == 0 {
		t.Fatal("Eviction lost the chunk's file location")
	}

	// a later read refetches the same bytes
	if err := c.LoadAssetChunk(0); err != nil {
		t.Fatal(err)
	}
	got, err := c.ChunkData(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Refetched bytes differ")
	}
}

func TestUnreferencedContainerDisposed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.ember")
	writeContainer(t, path, []byte("short lived"))

	mock := clock.NewMock()
	m := New(Config{
		Containers:   container.Options{Editor: true},
		ContainerTTL: 500 * time.Millisecond,
		Clock:        mock,
	})
	defer m.Stop()

	c, err := m.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	c.AddRef()

	mock.Add(time.Second)
	m.Tick(mock.Now())
	if m.Open() != 1 {
		t.Fatal("Referenced container was disposed")
	}

	c.ReleaseRef()
	mock.Add(time.Second)
	m.Tick(mock.Now())
	if m.Open() != 0 {
		t.Error("Unreferenced container survived past its TTL")
	}

	// a new Get simply reopens
	c2, err := m.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	if c2 == c {
		t.Error("Got the disposed container instance back")
	}
}

func TestEnsureAccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.ember")
	writeContainer(t, path, []byte("rewritable"))

	m := New(Config{Containers: container.Options{Editor: true}})
	defer m.Stop()

	c, err := m.Get(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.LoadAssetChunk(0); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureAccess(path); err != nil {
		t.Fatal(err)
	}
	if c.HandleCount() != 0 {
		t.Errorf("Got %d open handles after EnsureAccess, expected 0", c.HandleCount())
	}
	// a path we never opened is fine too
	if err := m.EnsureAccess(filepath.Join(dir, "nothing.ember")); err != nil {
		t.Fatal(err)
	}
}
