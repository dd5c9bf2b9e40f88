package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/container"
	"github.com/emberengine/content/registry"
	"github.com/emberengine/content/storage"
	"github.com/emberengine/content/util"
)

var (
	testServer  *httptest.Server
	testID      asset.ID
	testPayload = bytes.Repeat([]byte{0xEE}, 512)
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "server-test-")
	if err != nil {
		panic(err)
	}

	testID = asset.NewID()
	data := &asset.InitData{ID: testID, TypeTag: "Texture"}
	data.Chunks[0] = testPayload
	path := filepath.Join(dir, "tex.ember")
	err = container.Save(path, []*asset.InitData{data}, container.Options{Editor: true})
	if err != nil {
		panic(err)
	}

	reg := registry.New(registry.Config{Path: filepath.Join(dir, "AssetsCache.dat")})
	reg.RegisterOne(testID, "Texture", path)
	store := storage.New(storage.Config{Containers: container.Options{Editor: true}})

	s := &RESTServer{Registry: reg, Storage: store}
	s.gate = util.NewGate(4)
	testServer = httptest.NewServer(s.addRoutes())

	code := m.Run()

	testServer.Close()
	store.Stop()
	os.RemoveAll(dir)
	os.Exit(code)
}

func TestWelcome(t *testing.T) {
	body := getbody(t, "GET", "/", 200)
	if !bytes.Contains([]byte(body), []byte("Ember Content Server")) {
		t.Errorf("Got %q", body)
	}
}

func TestAssetList(t *testing.T) {
	body := getbody(t, "GET", "/assets", 200)
	var infos []asset.Info
	if err := json.Unmarshal([]byte(body), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != testID {
		t.Errorf("Got %+v, expected the one test asset", infos)
	}
}

func TestAssetInfo(t *testing.T) {
	checkStatus(t, "GET", "/asset/not-an-id", 400)
	checkStatus(t, "GET", "/asset/"+asset.NewID().String(), 404)

	body := getbody(t, "GET", "/asset/"+testID.String(), 200)
	var info assetInfo
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		t.Fatal(err)
	}
	if info.TypeName != "Texture" {
		t.Errorf("Got type %q, expected Texture", info.TypeName)
	}
	if info.ContainerVersion != container.VersionCurrent {
		t.Errorf("Got container version %d, expected %d",
			info.ContainerVersion, container.VersionCurrent)
	}
	if len(info.Chunks) != 1 || info.Chunks[0].Slot != 0 {
		t.Errorf("Got chunks %+v, expected one chunk in slot 0", info.Chunks)
	}
}

func TestChunkDownload(t *testing.T) {
	checkStatus(t, "GET", "/asset/"+testID.String()+"/chunk/nope", 400)
	checkStatus(t, "GET", "/asset/"+testID.String()+"/chunk/99", 400)
	checkStatus(t, "GET", "/asset/"+testID.String()+"/chunk/1", 404)
	checkStatus(t, "GET", "/asset/"+asset.NewID().String()+"/chunk/0", 404)

	body := getbody(t, "GET", "/asset/"+testID.String()+"/chunk/0", 200)
	if !bytes.Equal([]byte(body), testPayload) {
		t.Error("Downloaded chunk differs from the saved payload")
	}
}

func TestContainerList(t *testing.T) {
	// make sure the container is open
	getbody(t, "GET", "/asset/"+testID.String()+"/chunk/0", 200)
	body := getbody(t, "GET", "/container", 200)
	var cs []containerStatus
	if err := json.Unmarshal([]byte(body), &cs); err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 || cs[0].Kind != "single" || cs[0].Assets != 1 {
		t.Errorf("Got %+v, expected one single-asset container", cs)
	}
}

func TestStats(t *testing.T) {
	body := getbody(t, "GET", "/stats", 200)
	var stats map[string]interface{}
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["registry-entries"] != float64(1) {
		t.Errorf("Got %v registry entries, expected 1", stats["registry-entries"])
	}
}

func getbody(t *testing.T, verb, route string, expstatus int) string {
	resp := checkRoute(t, verb, route, expstatus)
	if resp != nil {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(route, err)
		}
		resp.Body.Close()
		return string(body)
	}
	return ""
}

func checkStatus(t *testing.T, verb, route string, expstatus int) {
	resp := checkRoute(t, verb, route, expstatus)
	if resp != nil {
		resp.Body.Close()
	}
}

func checkRoute(t *testing.T, verb, route string, expstatus int) *http.Response {
	req, err := http.NewRequest(verb, testServer.URL+route, nil)
	if err != nil {
		t.Fatal("Problem creating request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(route, err)
		return nil
	}
	if resp.StatusCode != expstatus {
		t.Errorf("%s: Expected status %d and received %d",
			route,
			expstatus,
			resp.StatusCode)
		resp.Body.Close()
		return nil
	}
	return resp
}
