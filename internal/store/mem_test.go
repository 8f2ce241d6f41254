package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

func TestMemTileCatalogRoundTrip(t *testing.T) {
	c := NewMemTileCatalog(4)
	tile := Tile{Z: 12, X: 5, Y: 9}
	c.Add(100, tile, 7, 0, 0, 1000, 1000)

	if got, ok := c.TileOfPile(100); !ok || got != tile {
		t.Fatalf("TileOfPile = %+v, %v; want %+v, true", got, ok, tile)
	}
	if got, ok := c.TipOfPile(100); !ok || got != 7 {
		t.Fatalf("TipOfPile = %v, %v; want 7, true", got, ok)
	}
	if got, ok := c.TileOfTip(7); !ok || got != tile {
		t.Fatalf("TileOfTip = %+v, %v; want %+v, true", got, ok, tile)
	}
	if got, ok := c.PileOfTile(tile); !ok || got != 100 {
		t.Fatalf("PileOfTile = %v, %v; want 100, true", got, ok)
	}
	if got, ok := c.TipOfCoordSlow(500, 500); !ok || got != 7 {
		t.Fatalf("TipOfCoordSlow(in bounds) = %v, %v; want 7, true", got, ok)
	}
	if _, ok := c.TipOfCoordSlow(5000, 5000); ok {
		t.Fatal("TipOfCoordSlow(out of bounds) should miss")
	}
	if _, ok := c.TileOfPile(999); ok {
		t.Fatal("unknown pile should miss")
	}
}

func TestMemStringCatalogInternIsStable(t *testing.T) {
	c := NewMemStringCatalog()
	a := c.Intern("highway")
	b := c.Intern("highway")
	if a != b {
		t.Fatalf("Intern not stable: %d != %d", a, b)
	}
	if s, ok := c.GlobalString(a); !ok || s != "highway" {
		t.Fatalf("GlobalString(%d) = %q, %v", a, s, ok)
	}
	if code, ok := c.GlobalCode("highway"); !ok || code != a {
		t.Fatalf("GlobalCode = %d, %v; want %d, true", code, ok, a)
	}
	if _, ok := c.GlobalCode("nope"); ok {
		t.Fatal("unknown string should miss")
	}
}

func TestMemAreaClassifierMatchesKeyAndValue(t *testing.T) {
	c := NewMemAreaClassifier(Settings{AreaRules: []AreaRule{
		{Key: "area", Value: "yes"},
		{Key: "building"},
	}})

	d := c.IsArea([]model.TagValue{{Key: "area", Str: "yes"}})
	if diff := cmp.Diff(AreaDecision{ForWay: true, ForRelation: true}, d); diff != "" {
		t.Fatalf("area=yes (-want +got):\n%s", diff)
	}
	d = c.IsArea([]model.TagValue{{Key: "area", Str: "no"}})
	if diff := cmp.Diff(AreaDecision{}, d); diff != "" {
		t.Fatalf("area=no (-want +got):\n%s", diff)
	}
	d = c.IsArea([]model.TagValue{{Key: "building", Str: "yes"}})
	if diff := cmp.Diff(AreaDecision{ForWay: true, ForRelation: true}, d); diff != "" {
		t.Fatalf("building=* (-want +got):\n%s", diff)
	}
	d = c.IsArea([]model.TagValue{{Key: "highway", Str: "footway"}})
	if diff := cmp.Diff(AreaDecision{}, d); diff != "" {
		t.Fatalf("unrelated tag (-want +got):\n%s", diff)
	}
}

func TestMemExportFileRoundTrip(t *testing.T) {
	f := NewMemExportFile()
	f.Set(1, 42, 3)
	if tex, ok := f.TexOfRelation(1, 42); !ok || tex != 3 {
		t.Fatalf("TexOfRelation = %v, %v; want 3, true", tex, ok)
	}
	if _, ok := f.TexOfRelation(1, 99); ok {
		t.Fatal("unknown relation should miss")
	}
	if _, ok := f.TexOfRelation(2, 42); ok {
		t.Fatal("unknown pile should miss")
	}
}

func TestMemFeatureStoreTxCommitsBlobsByTip(t *testing.T) {
	tx := NewMemFeatureStoreTx()
	if err := tx.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	page, err := tx.AddBlob([]byte("hello"))
	if err != nil {
		t.Fatalf("AddBlob: %v", err)
	}
	if err := tx.SetTileIndex(7, page); err != nil {
		t.Fatalf("SetTileIndex: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	blob, ok := tx.Blob(7)
	if !ok || string(blob) != "hello" {
		t.Fatalf("Blob(7) = %q, %v; want hello, true", blob, ok)
	}
}

func TestMemFeatureStoreTxRejectsOpsOutsideTransaction(t *testing.T) {
	tx := NewMemFeatureStoreTx()
	if _, err := tx.AddBlob([]byte("x")); err == nil {
		t.Fatal("AddBlob before Begin should fail")
	}
	if err := tx.SetTileIndex(1, 0); err == nil {
		t.Fatal("SetTileIndex before Begin should fail")
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("Commit before Begin should fail")
	}
}

func TestMemFeatureStoreTxRejectsDoubleBegin(t *testing.T) {
	tx := NewMemFeatureStoreTx()
	if err := tx.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Begin(); err == nil {
		t.Fatal("second Begin should fail while open")
	}
}
