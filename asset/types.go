package asset

import "time"

// TypeTag is the short textual name of an asset's logical type,
// e.g. "Texture". It selects the factory used to instantiate the asset
// and can be used to filter registry queries.
type TypeTag string

// Legacy container formats (versions 4 through 6) stored a numeric type
// id instead of a type name. This table maps those ids to their textual
// names. Ids missing from the table were never shipped.
var legacyTypeNames = map[int32]TypeTag{
	1:  "Texture",
	2:  "Material",
	3:  "Model",
	4:  "MaterialInstance",
	6:  "FontAsset",
	7:  "Shader",
	8:  "CubeTexture",
	10: "SpriteAtlas",
	12: "IESProfile",
	13: "MaterialBase",
	14: "RawDataAsset",
}

// LegacyTypeName resolves a numeric type id used by container format
// versions 4-6. The second return is false if the id is unknown.
func LegacyTypeName(n int32) (TypeTag, bool) {
	tag, ok := legacyTypeNames[n]
	return tag, ok
}

// Info is one row of the asset registry: where an asset of a given type
// currently lives on disk. MTime is only tracked in editor builds and is
// a zero placeholder otherwise.
type Info struct {
	ID      ID
	TypeTag TypeTag
	Path    string
	MTime   time.Time
}

// MaxChunks is the number of chunk slots every asset has. Slots may be
// empty; the count is fixed by the container format.
const MaxChunks = 16

// A Dependency records another asset this asset was built from, together
// with the source file modification time at build.
type Dependency struct {
	ID    ID
	MTime int64
}

// InitData carries everything needed to construct an asset from a
// container, and everything needed to save one into a container.
//
// When loading, ChunkMap holds indices into the container's chunk table
// (-1 for an empty slot) and Chunks is unused. When saving, Chunks holds
// the raw payload for each slot (nil for an empty slot) and ChunkMap is
// ignored; Compressed marks slots to be LZ4 block compressed on disk.
type InitData struct {
	ID                ID
	TypeTag           TypeTag
	SerializedVersion uint32
	CustomData        []byte
	Metadata          []byte
	Dependencies      []Dependency

	ChunkMap   [MaxChunks]int32
	Chunks     [MaxChunks][]byte
	Compressed [MaxChunks]bool
}
