package registry

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	raven "github.com/getsentry/raven-go"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/container"
)

// discoveryInterval rate-limits workspace scans: no more than one per
// this period, no matter how many lookups miss.
const discoveryInterval = 5 * time.Second

// jsonAssetExts are the extensions the discovery layer treats as
// JSON-format assets.
var jsonAssetExts = []string{".json", ".scene", ".prefab"}

func isJSONAssetPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range jsonAssetExts {
		if ext == e {
			return true
		}
	}
	return false
}

func isContainerPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == container.ExtSingle || ext == container.ExtPackage
}

// discover walks the configured project directories and registers every
// asset file it can identify. Returns false when the scan was skipped
// because one ran recently.
func (r *Registry) discover() bool {
	now := r.clk.Now()
	r.m.Lock()
	if now.Sub(r.lastScan) < discoveryInterval {
		r.m.Unlock()
		return false
	}
	r.lastScan = now
	dirs := r.cfg.DiscoveryDirs
	r.m.Unlock()

	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// unreadable subtree; keep scanning the rest
				return nil
			}
			if d.IsDir() {
				return nil
			}
			r.discoverFile(path)
			return nil
		})
		if err != nil {
			log.Println("Asset discovery:", err)
			raven.CaptureError(err, nil)
		}
	}
	return true
}

func (r *Registry) discoverFile(path string) {
	switch {
	case isContainerPath(path):
		if _, known := r.FindByPath(path); known {
			return
		}
		c, err := container.Open(path, r.cfg.Containers)
		if err != nil {
			log.Printf("Asset discovery: cannot open %s: %v", path, err)
			return
		}
		defer c.Close()
		if err := r.Register(c); err != nil {
			log.Printf("Asset discovery: cannot register %s: %v", path, err)
		}
	case isJSONAssetPath(path):
		if _, known := r.FindByPath(path); known {
			return
		}
		id, tag, ok := probeJSONAsset(path)
		if ok {
			r.RegisterOne(id, tag, path)
		}
	}
}

// probeJSONAsset identifies a JSON-format asset by the presence of its
// "ID" and "TypeName" keys.
func probeJSONAsset(path string) (asset.ID, asset.TypeTag, bool) {
	f, err := os.Open(path)
	if err != nil {
		return asset.ID{}, "", false
	}
	defer f.Close()
	obj, err := jason.NewObjectFromReader(f)
	if err != nil {
		return asset.ID{}, "", false
	}
	idText, err := obj.GetString("ID")
	if err != nil {
		return asset.ID{}, "", false
	}
	typeName, err := obj.GetString("TypeName")
	if err != nil {
		return asset.ID{}, "", false
	}
	id, err := asset.ParseID(idText)
	if err != nil || id.IsNil() {
		return asset.ID{}, "", false
	}
	return id, asset.TypeTag(typeName), true
}
