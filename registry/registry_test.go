package registry

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/container"
)

func writeContainer(t *testing.T, path string, id asset.ID, tag asset.TypeTag) {
	t.Helper()
	data := &asset.InitData{ID: id, TypeTag: tag}
	data.Chunks[0] = []byte("payload for " + path)
	err := container.Save(path, []*asset.InitData{data}, container.Options{Editor: true})
	if err != nil {
		t.Fatal(err)
	}
}

func newTestRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	return New(Config{
		Path:        filepath.Join(dir, "AssetsCache.dat"),
		EnginePath:  dir,
		ProjectPath: dir,
		Containers:  container.Options{Editor: true},
	})
}

func TestRegisterAndFind(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	id := asset.NewID()
	path := filepath.Join(dir, "tex.ember")
	writeContainer(t, path, id, "Texture")

	c, err := container.Open(path, container.Options{Editor: true})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}

	info, ok := r.Find(id)
	if !ok {
		t.Fatal("Registered asset not found")
	}
	if info.TypeTag != "Texture" || info.Path != path {
		t.Errorf("Got %+v, expected Texture at %s", info, path)
	}
	byPath, ok := r.FindByPath(path)
	if !ok || byPath.ID != id {
		t.Errorf("FindByPath got %+v, expected id %s", byPath, id)
	}
}

func TestPurgeOnRead(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	id := asset.NewID()
	path := filepath.Join(dir, "gone.ember")
	writeContainer(t, path, id, "Texture")
	r.RegisterOne(id, "Texture", path)

	os.Remove(path)
	if _, ok := r.Find(id); ok {
		t.Error("Found entry whose file is gone")
	}
	// the entry is pruned, not just masked
	if _, ok := r.FindByPath(path); ok {
		t.Error("Pruned entry still resolvable by path")
	}
}

func TestPurgeOnIdentityDisagreement(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	path := filepath.Join(dir, "swapped.ember")
	recorded := asset.NewID()
	writeContainer(t, path, recorded, "Texture")
	r.RegisterOne(recorded, "Texture", path)

	// replace the file with one embedding a different id; force a
	// reverify by clearing the recorded mtime
	writeContainer(t, path, asset.NewID(), "Texture")
	r.m.Lock()
	info := r.byID[recorded]
	info.MTime = info.MTime.AddDate(-1, 0, 0)
	r.byID[recorded] = info
	r.m.Unlock()

	if _, ok := r.Find(recorded); ok {
		t.Error("Found entry whose file embeds a different id")
	}
}

func TestCollisionAutorename(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	shared := asset.NewID()
	pathA := filepath.Join(dir, "a.ember")
	pathB := filepath.Join(dir, "b.ember")
	writeContainer(t, pathA, shared, "Texture")
	writeContainer(t, pathB, shared, "Texture")
	hashA := fileHash(t, pathA)

	opts := container.Options{Editor: true}
	ca, err := container.Open(pathA, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer ca.Close()
	cb, err := container.Open(pathB, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	if err := r.Register(ca); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(cb); err != nil {
		t.Fatal(err)
	}

	// two entries under two different ids
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("Got %d entries, expected 2", len(all))
	}
	if all[0].ID == all[1].ID {
		t.Error("Collision left two entries with the same id")
	}
	// the writable container's file now references the new id
	if cb.HasAsset(shared) {
		t.Error("Second container still holds the colliding id")
	}
	// the first container's file is untouched
	if got := fileHash(t, pathA); !bytes.Equal(got, hashA) {
		t.Error("First container's file was modified")
	}
	if info, ok := r.Find(shared); !ok || info.Path != pathA {
		t.Errorf("Original id resolves to %+v, expected %s", info, pathA)
	}
}

func fileHash(t *testing.T, path string) []byte {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	var ids []asset.ID
	for i, name := range []string{"one.ember", "two.ember", "three.ember"} {
		id := asset.NewID()
		ids = append(ids, id)
		path := filepath.Join(dir, name)
		tag := asset.TypeTag("Texture")
		if i == 2 {
			tag = "Model"
		}
		writeContainer(t, path, id, tag)
		r.RegisterOne(id, tag, path)
	}
	r.MapPath(ids[0], "virtual/one")
	if err := r.Save(); err != nil {
		t.Fatal(err)
	}

	r2 := newTestRegistry(t, dir)
	if err := r2.Load(); err != nil {
		t.Fatal(err)
	}
	if len(r2.All()) != 3 {
		t.Fatalf("Got %d entries after reload, expected 3", len(r2.All()))
	}
	for _, id := range ids {
		if _, ok := r2.Find(id); !ok {
			t.Errorf("Asset %s missing after reload", id)
		}
	}
	if models := r2.ByType("Model"); len(models) != 1 {
		t.Errorf("Got %d Model entries, expected 1", len(models))
	}
	if mapped, ok := r2.MappedPath(ids[0]); !ok || mapped != "virtual/one" {
		t.Errorf("Got mapping %q, expected virtual/one", mapped)
	}
}

func TestCorruptRegistryRebuilds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AssetsCache.dat")
	if err := os.WriteFile(path, []byte("not a registry"), 0666); err != nil {
		t.Fatal(err)
	}
	r := newTestRegistry(t, dir)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	if len(r.All()) != 0 {
		t.Error("Corrupt registry produced entries")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Corrupt registry file was not deleted")
	}
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	id := asset.NewID()
	oldPath := filepath.Join(dir, "old.ember")
	newPath := filepath.Join(dir, "new.ember")
	writeContainer(t, oldPath, id, "Texture")
	r.RegisterOne(id, "Texture", oldPath)

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}
	if err := r.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}
	info, ok := r.Find(id)
	if !ok || info.Path != newPath {
		t.Errorf("Got %+v, expected path %s", info, newPath)
	}
	if _, ok := r.FindByPath(oldPath); ok {
		t.Error("Old path still resolves after rename")
	}
}

func TestProbeJSONAsset(t *testing.T) {
	dir := t.TempDir()
	id := asset.NewID()
	good := filepath.Join(dir, "level.scene")
	body := `{"ID": "` + id.String() + `", "TypeName": "SceneAsset", "EngineBuild": 6512, "Data": {}}`
	if err := os.WriteFile(good, []byte(body), 0666); err != nil {
		t.Fatal(err)
	}
	gotID, tag, ok := probeJSONAsset(good)
	if !ok || gotID != id || tag != "SceneAsset" {
		t.Errorf("Got (%v, %s, %v), expected (%v, SceneAsset, true)", gotID, tag, ok, id)
	}

	bad := filepath.Join(dir, "plain.json")
	os.WriteFile(bad, []byte(`{"some": "object"}`), 0666)
	if _, _, ok := probeJSONAsset(bad); ok {
		t.Error("Probe accepted a JSON file without asset keys")
	}
}

func TestDiscovery(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{
		Path:            filepath.Join(dir, "AssetsCache.dat"),
		Containers:      container.Options{Editor: true},
		DiscoveryDirs:   []string{dir},
		EnableDiscovery: true,
	})
	id := asset.NewID()
	writeContainer(t, filepath.Join(dir, "found.ember"), id, "Texture")

	info, ok := r.Find(id)
	if !ok {
		t.Fatal("Discovery did not find the container")
	}
	if info.TypeTag != "Texture" {
		t.Errorf("Got type %s, expected Texture", info.TypeTag)
	}

	// a second miss within the rate limit window must not rescan
	missing := asset.NewID()
	writeContainer(t, filepath.Join(dir, "late.ember"), missing, "Texture")
	if _, ok := r.Find(missing); ok {
		t.Error("Found an asset that appeared after the last scan")
	}
}
