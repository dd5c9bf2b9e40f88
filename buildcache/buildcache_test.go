package buildcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emberengine/content/asset"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestEntryValidity(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, Settings{ShaderVersion: 3})
	input := filepath.Join(dir, "source.png")
	writeFile(t, input, []byte("pixels"))

	id := asset.NewID()
	e, out := c.CreateEntry(id, "Texture", []string{input})
	if out != c.FilePath(id) {
		t.Errorf("Got cooked path %q, expected %q", out, c.FilePath(id))
	}
	// output not written yet
	if c.IsValid(e, false) {
		t.Error("Entry valid before the output exists")
	}

	writeFile(t, out, []byte("cooked"))
	c.Commit(e)
	if !c.IsValid(e, false) {
		t.Error("Entry invalid right after commit")
	}
	if !c.IsValid(e, true) {
		t.Error("Entry invalid with matching dependencies")
	}

	// touching a dependency only matters when asked about
	time.Sleep(5 * time.Millisecond)
	writeFile(t, input, []byte("new pixels"))
	if !c.IsValid(e, false) {
		t.Error("Output-only check depends on inputs")
	}
	if c.IsValid(e, true) {
		t.Error("Entry still valid with a modified dependency")
	}

	// rewriting the output invalidates until recommitted
	time.Sleep(5 * time.Millisecond)
	writeFile(t, out, []byte("cooked again"))
	if c.IsValid(e, false) {
		t.Error("Entry valid with a changed output mtime")
	}

	// removing the output invalidates
	c.Commit(e)
	os.Remove(out)
	if c.IsValid(e, false) {
		t.Error("Entry valid with the output missing")
	}
}

func TestInvalidatePerType(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, Settings{})

	var shaders []asset.ID
	for i := 0; i < 3; i++ {
		id := asset.NewID()
		e, out := c.CreateEntry(id, "Shader", nil)
		writeFile(t, out, []byte{byte(i)})
		c.Commit(e)
		shaders = append(shaders, id)
	}
	texID := asset.NewID()
	te, tout := c.CreateEntry(texID, "Texture", nil)
	writeFile(t, tout, []byte("tex"))
	c.Commit(te)

	if n := c.InvalidatePerType("Shader"); n != 3 {
		t.Fatalf("Got %d invalidated, expected 3", n)
	}
	for _, id := range shaders {
		if _, ok := c.Find(id); ok {
			t.Error("Shader entry survived invalidation")
		}
		if _, err := os.Stat(c.FilePath(id)); !os.IsNotExist(err) {
			t.Error("Shader cooked output survived invalidation")
		}
	}
	if _, ok := c.Find(texID); !ok {
		t.Error("Texture entry was dropped by shader invalidation")
	}
	if c.Count() != 1 {
		t.Errorf("Got %d entries, expected 1", c.Count())
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	settings := Settings{
		ShaderBackendFlags: map[string]uint32{"DX12": 7, "Vulkan": 3},
		ShaderVersion:      4,
		MaterialVersion:    2,
		StreamingSettings:  asset.NewID(),
	}
	c := New(dir, settings)
	id := asset.NewID()
	input := filepath.Join(dir, "in.dat")
	writeFile(t, input, []byte("input"))
	e, out := c.CreateEntry(id, "Material", []string{input})
	writeFile(t, out, []byte("cooked"))
	c.Commit(e)
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}

	// same settings: entries come back valid
	c2 := New(dir, settings)
	if err := c2.Load(); err != nil {
		t.Fatal(err)
	}
	e2, ok := c2.Find(id)
	if !ok {
		t.Fatal("Entry did not survive a save/load cycle")
	}
	if e2.TypeTag != "Material" || len(e2.Dependencies) != 1 {
		t.Errorf("Got %+v, expected Material with 1 dependency", e2)
	}
	if !c2.IsValid(e2, true) {
		t.Error("Reloaded entry is not valid")
	}
}

func TestSettingsMismatchDiscardsAll(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, Settings{ShaderVersion: 4})
	id := asset.NewID()
	e, out := c.CreateEntry(id, "Shader", nil)
	writeFile(t, out, []byte("cooked"))
	c.Commit(e)
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}

	c2 := New(dir, Settings{ShaderVersion: 5})
	if err := c2.Load(); err != nil {
		t.Fatal(err)
	}
	if c2.Count() != 0 {
		t.Errorf("Got %d entries after a fingerprint change, expected 0", c2.Count())
	}
	if _, err := os.Stat(c.FilePath(id)); !os.IsNotExist(err) {
		t.Error("Stale cooked output survived a fingerprint change")
	}
}

func TestLoadMissingHeader(t *testing.T) {
	c := New(t.TempDir(), Settings{})
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	if c.Count() != 0 {
		t.Error("Cache not empty after loading a missing header")
	}
}

func TestCorruptHeaderStartsOver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, headerFile), []byte("{{{{"))
	c := New(dir, Settings{})
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	if c.Count() != 0 {
		t.Error("Cache not empty after a corrupt header")
	}
}
