// Package store defines the external-collaborator contracts the build and
// update pipelines consume (spec §6 "Interfaces to external collaborators")
// plus in-memory implementations for tests and the demo cmd/ binaries. No
// real on-disk blob store or page allocator is implemented here — that is
// explicitly out of scope (spec §1 Non-goals, SPEC_FULL.md Non-goals).
package store

import "github.com/clarisma/geodesk-tilebuild/internal/model"

// Tile identifies a tile by its (zoom, x, y) address.
type Tile struct {
	Z, X, Y int
}

// Tip is a compact id for a tile within the store (GLOSSARY "TIP").
type Tip int32

// Tex is the index of a feature within a tile's export table (GLOSSARY "TEX").
type Tex int32

// TileCatalog resolves piles, tiles and TIPs (spec §6 "Tile catalog").
type TileCatalog interface {
	TileOfPile(pile int) (Tile, bool)
	TipOfPile(pile int) (Tip, bool)
	TileOfTip(tip Tip) (Tile, bool)
	TipOfCoordSlow(x, y int32) (Tip, bool)
	PileOfTile(t Tile) (int, bool)
}

// StringCatalog resolves global-key/value codes used by the tag-table
// categorization and encoding paths (spec §6 "String catalog").
type StringCatalog interface {
	GlobalCode(s string) (int32, bool)
	GlobalString(code int32) (string, bool)
}

// AreaDecision is the result of classifying a feature's tags for the AREA
// flag (spec §6 "Area classifier").
type AreaDecision struct {
	ForWay      bool
	ForRelation bool
}

// AreaClassifier decides whether a feature's tags imply an area
// interpretation (spec §6 "Area classifier").
type AreaClassifier interface {
	IsArea(tags []model.TagValue) AreaDecision
}

// ExportFile resolves a relation's TEX within a given pile for cross-tile
// relation-table references (spec §6 "Export file").
type ExportFile interface {
	TexOfRelation(pile int, id int64) (Tex, bool)
}

// FeatureStoreTx is the write-side transaction contract the engine commits
// finished tile blobs through (spec §6 "Feature store transaction"); it is
// a thin interface only, with no real blob store behind it in this
// exercise (spec §1 Non-goals).
type FeatureStoreTx interface {
	Begin() error
	AddBlob(b []byte) (page int64, err error)
	SetTileIndex(tip Tip, page int64) error
	Commit() error
}

// AreaRule maps a tag key (and optionally value) to the AREA
// interpretation used by AreaClassifier implementations (spec §6
// Settings "area_rules").
type AreaRule struct {
	Key   string
	Value string // empty matches any value for Key
}

// Settings is the read-only run configuration shared by every worker
// (spec §6 "Settings"). It is safe for concurrent use: every field is set
// once before a run starts and never mutated during it (spec §5 "Global
// catalogs... are read-only for the duration of the run").
type Settings struct {
	IncludeWaynodeIDs   bool
	RtreeBucketSize     int
	MaxKeyIndexes       int
	KeyIndexMinFeatures int
	KeysToCategories    map[int32]uint8 // global key code -> category id (1..30)
	ZoomLevels          []int
	AreaRules           []AreaRule
}

// DefaultSettings returns settings with the same defaults the teacher's
// own CLI flags fall back to for comparable knobs (bucket/cache sizing).
func DefaultSettings() Settings {
	return Settings{
		IncludeWaynodeIDs:   false,
		RtreeBucketSize:     16,
		MaxKeyIndexes:       32,
		KeyIndexMinFeatures: 10,
		KeysToCategories:    map[int32]uint8{},
		ZoomLevels:          []int{12},
	}
}
