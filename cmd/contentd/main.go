// contentd runs the content server: it loads a project's asset
// registry, serves registry lookups and chunk downloads over HTTP, and
// keeps the container and asset caches ticking.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/cache"
	"github.com/emberengine/content/container"
	"github.com/emberengine/content/registry"
	"github.com/emberengine/content/server"
	"github.com/emberengine/content/storage"
)

type config struct {
	// Port to listen on.
	Port      string
	PProfPort string

	// ProjectDir is the content folder holding AssetsCache.dat and the
	// asset files.
	ProjectDir string
	EngineDir  string

	// Discovery scans the project folders when a lookup misses.
	Discovery bool

	// Tunables, mirroring the engine's recognised options.
	UnusedChunkTTLSeconds  int     // default 30
	AssetUnloadTTLSeconds  int     // default 10
	UpdateTickMilliseconds int     // default 500
	LoaderThreadsPerCore   float64 // informational; worker count is derived

	MaxChunkDownloads int
	ContentKey        uint32
	Editor            bool
	Mmap              bool
}

func main() {
	var configFile = flag.String("config", "", "path to a configuration file")
	var portNumber = flag.String("port", "14200", "port number to run on")
	var projectDir = flag.String("project", ".", "location of the project content directory")
	flag.Parse()

	conf := config{
		Port:                   *portNumber,
		ProjectDir:             *projectDir,
		Editor:                 true,
		UnusedChunkTTLSeconds:  30,
		AssetUnloadTTLSeconds:  10,
		UpdateTickMilliseconds: 500,
	}
	if *configFile != "" {
		log.Printf("Reading config file %s", *configFile)
		if _, err := toml.DecodeFile(*configFile, &conf); err != nil {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	opts := container.Options{
		ContentKey: conf.ContentKey,
		Editor:     conf.Editor,
		UseMmap:    conf.Mmap,
	}
	reg := registry.New(registry.Config{
		Path:            registryPath(conf.ProjectDir),
		EnginePath:      conf.EngineDir,
		ProjectPath:     conf.ProjectDir,
		Containers:      opts,
		DiscoveryDirs:   []string{conf.ProjectDir},
		EnableDiscovery: conf.Discovery,
	})
	if err := reg.Load(); err != nil {
		log.Fatalf("Error loading registry: %s", err)
	}
	log.Printf("Loaded %d registry entries", len(reg.All()))

	tick := time.Duration(conf.UpdateTickMilliseconds) * time.Millisecond
	store := storage.New(storage.Config{
		Containers:     opts,
		UnusedChunkTTL: time.Duration(conf.UnusedChunkTTLSeconds) * time.Second,
		TickInterval:   tick,
	})

	table := asset.NewTable()
	table.Register("RawDataAsset", asset.RawFactory{})
	assets := cache.New(cache.Config{
		Registry:  reg,
		Storage:   store,
		Factories: table,
		UnloadTTL: time.Duration(conf.AssetUnloadTTLSeconds) * time.Second,
	})
	go pump(assets, tick)

	s := &server.RESTServer{
		PortNumber:        conf.Port,
		PProfPort:         conf.PProfPort,
		Registry:          reg,
		Storage:           store,
		Cache:             assets,
		MaxChunkDownloads: conf.MaxChunkDownloads,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("Shutting down")
		s.Stop()
	}()

	err := s.Run()
	assets.Shutdown()
	store.Stop()
	if err != nil {
		log.Fatal(err)
	}
}

// pump drives the cache's main-thread duties the way a game loop would.
func pump(c *cache.Cache, interval time.Duration) {
	for range time.Tick(interval) {
		c.Update()
		c.Tick(time.Now())
	}
}

func registryPath(projectDir string) string {
	return filepath.Join(projectDir, "AssetsCache.dat")
}
