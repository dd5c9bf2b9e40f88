package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/registry"
)

// jsonExts mirror the extensions the registry's discovery layer treats
// as JSON-format assets.
var jsonExts = []string{".json", ".scene", ".prefab"}

func isJSONPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range jsonExts {
		if ext == e {
			return true
		}
	}
	return false
}

// jsonDocument is the on-disk shape of a JSON-format asset.
type jsonDocument struct {
	ID          string          `json:"ID"`
	TypeName    string          `json:"TypeName"`
	EngineBuild int             `json:"EngineBuild"`
	Data        json.RawMessage `json:"Data"`
}

// JSONAsset is a text-format asset: scenes, prefabs, settings. The
// whole document is read in one go; there are no chunks to stream.
type JSONAsset struct {
	asset.Base

	mu   sync.RWMutex
	data json.RawMessage
}

// Data returns the document's Data value. Empty until loaded.
func (j *JSONAsset) Data() json.RawMessage {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.data
}

func (j *JSONAsset) Load(_ asset.Storage) error {
	raw, err := os.ReadFile(j.Path())
	if err != nil {
		return err
	}
	var doc jsonDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(asset.ErrCorrupted, err.Error())
	}
	id, err := asset.ParseID(doc.ID)
	if err != nil || id != j.ID() {
		return errors.Wrapf(asset.ErrCorrupted, "%s: document id %q", j.Path(), doc.ID)
	}
	j.mu.Lock()
	j.data = doc.Data
	j.mu.Unlock()
	return nil
}

func (j *JSONAsset) Unload() {
	j.mu.Lock()
	j.data = nil
	j.mu.Unlock()
}

// JSONFactory builds JSONAsset objects. It is the fallback for any
// registered type tag whose path carries a JSON extension.
type JSONFactory struct{}

func (JSONFactory) New(info asset.Info) (asset.Asset, error) {
	return &JSONAsset{Base: asset.NewBase(info)}, nil
}

func (JSONFactory) NewVirtual(info asset.Info) (asset.Asset, error) {
	j := &JSONAsset{Base: asset.NewBase(info)}
	j.FinishLoad(nil)
	return j, nil
}

// cloneJSONAsset copies a JSON asset to dst under newID. The document's
// own id becomes newID and every internal object id is remapped to a
// fresh one; ids that resolve through the registry are references to
// other assets and are kept as-is. Returns the document's type tag.
func cloneJSONAsset(src, dst string, newID asset.ID, reg *registry.Registry) (asset.TypeTag, error) {
	raw, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	var doc jsonDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", errors.Wrap(asset.ErrCorrupted, err.Error())
	}
	oldID, err := asset.ParseID(doc.ID)
	if err != nil {
		return "", errors.Wrapf(asset.ErrCorrupted, "document id %q", doc.ID)
	}

	var root interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return "", errors.Wrap(asset.ErrCorrupted, err.Error())
	}
	remap := map[asset.ID]asset.ID{oldID: newID}
	collectIDs(root, func(id asset.ID) {
		if _, exists := remap[id]; exists {
			return
		}
		if _, referenced := reg.Find(id); referenced {
			return
		}
		remap[id] = asset.NewID()
	})

	out := string(raw)
	for old, fresh := range remap {
		for _, s := range idSpellings(old) {
			if !strings.Contains(out, s) {
				continue
			}
			out = strings.ReplaceAll(out, s, formatIDLike(s, fresh))
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "clone-")
	if err != nil {
		return "", err
	}
	if _, err := tmp.WriteString(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return asset.TypeTag(doc.TypeName), os.Rename(tmp.Name(), dst)
}

// collectIDs walks a decoded JSON value and reports every string, key
// or value, that parses as an asset id.
func collectIDs(v interface{}, report func(asset.ID)) {
	switch x := v.(type) {
	case string:
		if id, err := asset.ParseID(x); err == nil {
			report(id)
		}
	case []interface{}:
		for _, e := range x {
			collectIDs(e, report)
		}
	case map[string]interface{}:
		for k, e := range x {
			collectIDs(k, report)
			collectIDs(e, report)
		}
	}
}

// idSpellings returns the textual forms an id can take in a document:
// plain hex and dashed, each in both cases.
func idSpellings(id asset.ID) []string {
	hex := id.String()
	dashed := hex[0:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:32]
	return []string{
		hex,
		strings.ToUpper(hex),
		dashed,
		strings.ToUpper(dashed),
	}
}

// formatIDLike renders id in the same spelling (dashes, case) as the
// occurrence being replaced.
func formatIDLike(like string, id asset.ID) string {
	hex := id.String()
	out := hex
	if strings.Contains(like, "-") {
		out = hex[0:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:32]
	}
	if strings.ToUpper(like) == like && strings.ToLower(like) != like {
		out = strings.ToUpper(out)
	}
	return out
}
