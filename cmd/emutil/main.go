// emutil inspects and edits content files from the command line.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/emberengine/content/asset"
	"github.com/emberengine/content/container"
	"github.com/emberengine/content/registry"
)

var (
	projectDir = flag.String("p", ".", "location of the project content directory")
	contentKey = flag.Uint("key", 0, "content key for shipping containers")
	usage      = `
emutil <command> <command arguments>

Possible commands:
    info <container file list>

    extract <container file> <asset id> <chunk slot>

    add <container file> <type tag> <data file list>

    registry

    find <asset id list>
`
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	switch args[0] {
	case "info":
		doinfo(args[1:])
	case "extract":
		doextract(args[1], args[2], args[3])
	case "add":
		doadd(args[1], args[2], args[3:])
	case "registry":
		doregistry()
	case "find":
		dofind(args[1:])
	default:
		fmt.Println(usage)
	}
}

func openContainer(path string) *container.Container {
	c, err := container.Open(path, container.Options{
		Editor:     *contentKey == 0,
		ContentKey: uint32(*contentKey),
	})
	if err != nil {
		fmt.Printf("%s: Error %s\n", path, err.Error())
		os.Exit(1)
	}
	return c
}

func doinfo(paths []string) {
	for _, path := range paths {
		c := openContainer(path)
		fmt.Println("Container:", path)
		fmt.Println("Version:", c.Version())
		kind := "single"
		if c.Kind() == container.Package {
			kind = "package"
		}
		fmt.Println("Kind:", kind)
		fmt.Println("Chunks:", c.ChunkCount())
		w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
		fmt.Fprintf(w, "Asset\tType\tSlot\tSize\n")
		for _, entry := range c.Entries() {
			header, err := c.LoadAssetHeader(entry.ID)
			if err != nil {
				fmt.Fprintf(w, "%s\t%s\terror: %s\n", entry.ID, entry.TypeTag, err)
				continue
			}
			printed := false
			for slot, index := range header.ChunkMap {
				if index < 0 {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n",
					entry.ID, entry.TypeTag, slot, c.Chunk(index).Location().Size)
				printed = true
			}
			if !printed {
				fmt.Fprintf(w, "%s\t%s\t-\t-\n", entry.ID, entry.TypeTag)
			}
		}
		w.Flush()
		c.Close()
	}
}

func doextract(path, idtext, slottext string) {
	id, err := asset.ParseID(idtext)
	if err != nil {
		fmt.Printf("%s: Error %s\n", idtext, err.Error())
		os.Exit(1)
	}
	var slot int
	fmt.Sscanf(slottext, "%d", &slot)
	if slot < 0 || slot >= asset.MaxChunks {
		fmt.Printf("Bad chunk slot %s\n", slottext)
		os.Exit(1)
	}

	c := openContainer(path)
	defer c.Close()
	header, err := c.LoadAssetHeader(id)
	if err != nil {
		fmt.Printf("%s / %s: Error %s\n", path, id, err.Error())
		os.Exit(1)
	}
	index := header.ChunkMap[slot]
	if index < 0 {
		fmt.Printf("%s / %s: no chunk in slot %d\n", path, id, slot)
		os.Exit(1)
	}
	if err := c.LoadAssetChunk(index); err != nil {
		fmt.Printf("%s / %s / %d: Error %s\n", path, id, slot, err.Error())
		os.Exit(1)
	}
	data, err := c.ChunkData(index)
	if err != nil {
		fmt.Printf("%s / %s / %d: Error %s\n", path, id, slot, err.Error())
		os.Exit(1)
	}
	os.Stdout.Write(data)
}

func doadd(path, tag string, files []string) {
	if len(files) > asset.MaxChunks {
		fmt.Printf("Too many chunk files: %d, maximum is %d\n", len(files), asset.MaxChunks)
		os.Exit(1)
	}
	data := &asset.InitData{
		ID:      asset.NewID(),
		TypeTag: asset.TypeTag(tag),
	}
	for slot, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			fmt.Printf("%s: Error %s\n", file, err.Error())
			os.Exit(1)
		}
		data.Chunks[slot] = raw
	}
	err := container.Save(path, []*asset.InitData{data}, container.Options{Editor: true})
	if err != nil {
		fmt.Printf("%s: Error %s\n", path, err.Error())
		os.Exit(1)
	}
	fmt.Println("Added", data.ID)
}

func loadRegistry() *registry.Registry {
	reg := registry.New(registry.Config{
		Path:        filepath.Join(*projectDir, "AssetsCache.dat"),
		ProjectPath: *projectDir,
	})
	if err := reg.Load(); err != nil {
		fmt.Printf("Error loading registry: %s\n", err.Error())
		os.Exit(1)
	}
	return reg
}

func doregistry() {
	reg := loadRegistry()
	infos := reg.All()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Asset\tType\tPath\n")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, info.TypeTag, info.Path)
	}
	w.Flush()
}

func dofind(ids []string) {
	reg := loadRegistry()
	for _, idtext := range ids {
		id, err := asset.ParseID(idtext)
		if err != nil {
			fmt.Printf("%s: Error %s\n", idtext, err.Error())
			continue
		}
		info, ok := reg.Find(id)
		if !ok {
			fmt.Printf("%s: not found\n", id)
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", info.ID, info.TypeTag, info.Path)
	}
}
