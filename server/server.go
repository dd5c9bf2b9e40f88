// Package server exposes the content system over a small read-only REST
// API, used by editor tooling to browse registries and pull chunks off a
// build machine.
package server

import (
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"sync"

	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	"github.com/julienschmidt/httprouter"

	"github.com/emberengine/content/cache"
	"github.com/emberengine/content/registry"
	"github.com/emberengine/content/storage"
	"github.com/emberengine/content/util"
)

// RESTServer holds the configuration for a content API server.
//
// Set the public fields and then call Run. Run listens on the given
// port and blocks handling requests. Do not change any fields after
// calling Run.
type RESTServer struct {
	// Port number to listen on. Defaults to 14200.
	PortNumber string
	PProfPort  string

	// Registry resolves asset ids. Run panics if it is nil.
	Registry *registry.Registry

	// Storage opens containers. Run panics if it is nil.
	Storage *storage.Manager

	// Cache, when set, lets /stats report on live assets.
	Cache *cache.Cache

	// MaxChunkDownloads bounds how many chunk reads may be in flight
	// at once. Zero means 10.
	MaxChunkDownloads int

	// Stats receives connection counters from the HTTP layer.
	Stats stats.Client

	server httpdown.Server
	gate   *util.Gate
}

// Run starts the server. It blocks listening for and handling http
// requests until Stop is called.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting content server version %s", Version)

	if s.Registry == nil {
		panic("No registry given. Registry is nil.")
	}
	if s.Storage == nil {
		panic("No storage manager given. Storage is nil.")
	}
	if s.PortNumber == "" {
		s.PortNumber = "14200"
	}
	if s.MaxChunkDownloads <= 0 {
		s.MaxChunkDownloads = 10
	}
	s.gate = util.NewGate(s.MaxChunkDownloads)

	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	var err error
	h := httpdown.HTTP{Stats: s.Stats}
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop shuts down the listening socket and waits for in-flight requests
// to finish.
func (s *RESTServer) Stop() error {
	s.gate.Stop()
	return s.server.Stop()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/assets", s.AssetListHandler},
		{"GET", "/asset/:id", s.AssetInfoHandler},
		{"HEAD", "/asset/:id", s.AssetInfoHandler},
		{"GET", "/asset/:id/chunk/:n", s.ChunkHandler},
		{"GET", "/container", s.ContainerListHandler},

		{"GET", "/", WelcomeHandler},
		{"GET", "/stats", s.StatsHandler},
		{"GET", "/debug/vars", VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, logWrapper(route.handler))
	}
	return r
}

// WelcomeHandler identifies the service.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Ember Content Server version %s\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three
// parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// logWrapper takes a handler and returns a handler which does the same
// thing, after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}

var (
	expvarOnce sync.Once
	xChunkHits *expvar.Int
	xChunkSent *expvar.Int
	xNotFound  *expvar.Int
)

func initExpvars() {
	expvarOnce.Do(func() {
		xChunkHits = expvar.NewInt("content.chunk.requests")
		xChunkSent = expvar.NewInt("content.chunk.bytes")
		xNotFound = expvar.NewInt("content.notfound")
	})
}
