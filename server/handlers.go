package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/container"
)

// AssetListHandler returns every registry row as JSON.
//
// GET /assets
func (s *RESTServer) AssetListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, s.Registry.All())
}

type assetInfo struct {
	ID                asset.ID
	TypeName          asset.TypeTag
	Path              string
	ContainerVersion  uint32 `json:",omitempty"`
	SerializedVersion uint32 `json:",omitempty"`
	Chunks            []chunkInfo
}

type chunkInfo struct {
	Slot int
	Size uint32
}

// AssetInfoHandler returns one asset's registry row plus its chunk
// layout read from the backing container.
//
// GET /asset/:id
func (s *RESTServer) AssetInfoHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	initExpvars()
	id, err := asset.ParseID(ps.ByName("id"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, err)
		return
	}
	info, ok := s.Registry.Find(id)
	if !ok {
		xNotFound.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Unknown asset %s\n", id)
		return
	}
	result := assetInfo{ID: info.ID, TypeName: info.TypeTag, Path: info.Path}
	if isContainerPath(info.Path) {
		c, err := s.Storage.Get(info.Path)
		if err == nil {
			c.AddRef()
			defer c.ReleaseRef()
			result.ContainerVersion = c.Version()
			if header, err := c.LoadAssetHeader(id); err == nil {
				result.SerializedVersion = header.SerializedVersion
				for slot, index := range header.ChunkMap {
					if index < 0 {
						continue
					}
					result.Chunks = append(result.Chunks, chunkInfo{
						Slot: slot,
						Size: c.Chunk(index).Location().Size,
					})
				}
			}
		}
	}
	writeJSON(w, result)
}

// ChunkHandler streams one chunk's bytes. Concurrent downloads are
// bounded by the gate so a tooling burst cannot starve the loaders.
//
// GET /asset/:id/chunk/:n
func (s *RESTServer) ChunkHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	initExpvars()
	if !s.gate.Enter() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "Server is shutting down")
		return
	}
	defer s.gate.Leave()
	xChunkHits.Add(1)

	id, err := asset.ParseID(ps.ByName("id"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, err)
		return
	}
	slot, err := strconv.Atoi(ps.ByName("n"))
	if err != nil || slot < 0 || slot >= asset.MaxChunks {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Bad chunk index %q\n", ps.ByName("n"))
		return
	}
	info, ok := s.Registry.Find(id)
	if !ok {
		xNotFound.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Unknown asset %s\n", id)
		return
	}
	if !isContainerPath(info.Path) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Asset %s has no chunked content\n", id)
		return
	}
	c, err := s.Storage.Get(info.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	c.AddRef()
	defer c.ReleaseRef()
	pin := c.LockChunks()
	defer pin.Release()

	header, err := c.LoadAssetHeader(id)
	if err != nil {
		writeError(w, err)
		return
	}
	index := header.ChunkMap[slot]
	if index < 0 {
		xNotFound.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Asset %s has no chunk %d\n", id, slot)
		return
	}
	if err := c.LoadAssetChunk(index); err != nil {
		writeError(w, err)
		return
	}
	data, err := c.ChunkData(index)
	if err != nil {
		writeError(w, err)
		return
	}
	xChunkSent.Add(int64(len(data)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

type containerStatus struct {
	Path    string
	Kind    string
	Version uint32
	Assets  int
	Refs    int32
	Handles int32
}

// ContainerListHandler reports which containers are open and how hard
// they are being used.
//
// GET /container
func (s *RESTServer) ContainerListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var result []containerStatus
	for _, c := range s.Storage.Containers() {
		kind := "single"
		if c.Kind() == container.Package {
			kind = "package"
		}
		result = append(result, containerStatus{
			Path:    c.Path(),
			Kind:    kind,
			Version: c.Version(),
			Assets:  len(c.Entries()),
			Refs:    c.Refs(),
			Handles: c.HandleCount(),
		})
	}
	writeJSON(w, result)
}

// StatsHandler reports coarse totals.
//
// GET /stats
func (s *RESTServer) StatsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result := map[string]interface{}{
		"registry-entries": len(s.Registry.All()),
		"open-containers":  s.Storage.Open(),
	}
	if s.Cache != nil {
		result["cached-assets"] = s.Cache.Count()
	}
	writeJSON(w, result)
}

func isContainerPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == container.ExtSingle || ext == container.ExtPackage
}

func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	enc.Encode(val)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, asset.ErrNotFound) || errors.Is(err, asset.ErrChunkEmpty):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, asset.ErrBusy):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	fmt.Fprintln(w, err)
}
