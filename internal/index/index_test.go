package index

import (
	"testing"

	"github.com/clarisma/geodesk-tilebuild/internal/model"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
)

func newTaggedNode(m *model.TileModel, id int64, x, y int32, code int32, value string) *model.Feature {
	f := m.CreateFeature(model.FeatureTypeNode, id)
	f.X, f.Y = x, y
	tt := model.TagTableBuilder{}.Build(m, []model.TagValue{{Key: "k", GlobalKeyCode: code, Str: value}})
	f.TagTable = tt.Handle
	f.BuildNodeStub(m)
	return f
}

func TestHilbertDistanceMonotonicAlongDiagonal(t *testing.T) {
	bounds := TileBounds{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000}
	d1 := hilbertDistance(10, 10, bounds)
	d2 := hilbertDistance(500, 500, bounds)
	d3 := hilbertDistance(990, 990, bounds)
	if !(d1 < d2 && d2 < d3) {
		t.Fatalf("expected increasing distance along the diagonal, got %d, %d, %d", d1, d2, d3)
	}
}

func TestHilbertDistanceClampsOutOfBounds(t *testing.T) {
	bounds := TileBounds{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000}
	dIn := hilbertDistance(0, 0, bounds)
	dOut := hilbertDistance(-500, -500, bounds)
	if dIn != dOut {
		t.Fatalf("out-of-bounds point should clamp to the same distance as the edge, got %d != %d", dOut, dIn)
	}
}

func TestCategorizeSingleMatchAndMulti(t *testing.T) {
	m := model.New()
	keysToCategories := map[int32]uint8{1: 5, 2: 6}

	single := newTaggedNode(m, 1, 0, 0, 1, "a")
	multi := m.CreateFeature(model.FeatureTypeNode, 2)
	tt := model.TagTableBuilder{}.Build(m, []model.TagValue{
		{Key: "k1", GlobalKeyCode: 1, Str: "a"},
		{Key: "k2", GlobalKeyCode: 2, Str: "b"},
	})
	multi.TagTable = tt.Handle
	multi.BuildNodeStub(m)
	none := m.CreateFeature(model.FeatureTypeNode, 3)
	none.BuildNodeStub(m)

	buckets := categorize(m, []*model.Feature{single, multi, none}, store.Settings{
		KeysToCategories: keysToCategories,
	})
	if len(buckets[5]) != 1 || buckets[5][0] != single {
		t.Fatalf("expected feature 1 in category 5, got %v", buckets[5])
	}
	if len(buckets[categoryMulti]) != 1 || buckets[categoryMulti][0] != multi {
		t.Fatalf("expected feature 2 in MULTI, got %v", buckets[categoryMulti])
	}
	if len(buckets[categoryNone]) != 1 || buckets[categoryNone][0] != none {
		t.Fatalf("expected feature 3 in no-category, got %v", buckets[categoryNone])
	}
}

func TestFoldSmallCategoriesIntoMulti(t *testing.T) {
	buckets := map[uint8][]*model.Feature{
		1: {{}, {}, {}},
		2: {{}},
	}
	foldSmallCategories(buckets, 2)
	if _, ok := buckets[2]; ok {
		t.Fatalf("category with 1 feature should have been folded away")
	}
	if len(buckets[categoryMulti]) != 1 {
		t.Fatalf("expected 1 feature folded into MULTI, got %d", len(buckets[categoryMulti]))
	}
	if len(buckets[1]) != 3 {
		t.Fatalf("category above the threshold should survive")
	}
}

func TestFoldExcessCategoriesTieBreaksDescending(t *testing.T) {
	buckets := map[uint8][]*model.Feature{
		1: {{}, {}},
		2: {{}, {}},
		3: {{}, {}, {}},
	}
	// cap of 2 non-MULTI roots: categories 1 and 2 tie at size 2, so the
	// higher category id (2) is folded first, keeping the lower id.
	foldExcessCategories(buckets, 3)
	if _, ok := buckets[2]; ok {
		t.Fatalf("category 2 should have been folded (tie-break highest id first)")
	}
	if _, ok := buckets[1]; !ok {
		t.Fatalf("category 1 should survive")
	}
	if _, ok := buckets[3]; !ok {
		t.Fatalf("category 3 should survive")
	}
	if len(buckets[categoryMulti]) != 2 {
		t.Fatalf("expected 2 features folded into MULTI, got %d", len(buckets[categoryMulti]))
	}
}

func TestBuildRootTrunkSingleLeafWraps(t *testing.T) {
	m := model.New()
	f := newTaggedNode(m, 1, 5, 5, 1, "a")
	bounds := TileBounds{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	handle := buildRootTrunk(m, []*model.Feature{f}, 8, bounds)
	if handle == model.NoHandle {
		t.Fatalf("expected a root trunk handle")
	}
	elem, ok := m.Lookup(handle)
	if !ok {
		t.Fatalf("root trunk handle did not resolve")
	}
	if _, ok := elem.(*model.Trunk); !ok {
		t.Fatalf("expected root to be a Trunk, got %T", elem)
	}
	if f.Flags&model.FlagLast == 0 {
		t.Fatalf("the lone feature should be flagged LAST as the end of its leaf")
	}
}

func TestBuildRootTrunkMultiLevel(t *testing.T) {
	m := model.New()
	bounds := TileBounds{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000}
	var feats []*model.Feature
	for i := int64(0); i < 20; i++ {
		feats = append(feats, newTaggedNode(m, i, int32(i*10), int32(i*10), 1, "a"))
	}
	handle := buildRootTrunk(m, feats, 4, bounds)
	elem, ok := m.Lookup(handle)
	if !ok {
		t.Fatalf("root trunk handle did not resolve")
	}
	trunk, ok := elem.(*model.Trunk)
	if !ok {
		t.Fatalf("expected root to be a Trunk, got %T", elem)
	}
	// 20 features at bucket size 4 -> 5 leaves -> 2 intermediate trunks
	// (one of 4 leaves, one of 1 leaf) -> 1 root trunk of those 2 trunks. Each 20-byte
	// trunk-child record is 4-byte pointer + 16-byte bbox.
	const trunkChildRecordSize = 20
	if len(trunk.Payload) != 2*trunkChildRecordSize {
		t.Fatalf("root trunk payload = %d bytes, want %d (2 children)", len(trunk.Payload), 2*trunkChildRecordSize)
	}
}

func TestIndexerBuildSetsAllFourRoots(t *testing.T) {
	m := model.New()
	newTaggedNode(m, 1, 10, 10, 1, "a")

	way := m.CreateFeature(model.FeatureTypeWay, 2)
	way.MinX, way.MinY, way.MaxX, way.MaxY = 0, 0, 10, 10
	way.BuildWayRelStub(m)

	ix := Indexer{
		Settings: store.Settings{RtreeBucketSize: 8, MaxKeyIndexes: 32},
		Bounds:   TileBounds{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000},
	}
	h := model.NewHeader(m, 1)
	if err := ix.Build(m, h); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if h.IndexRoot[model.IndexNodes] == model.NoHandle {
		t.Fatalf("expected a node index root")
	}
	if h.IndexRoot[model.IndexWays] == model.NoHandle {
		t.Fatalf("expected a way index root")
	}
	if h.IndexRoot[model.IndexAreas] != model.NoHandle {
		t.Fatalf("expected no area root (no area features)")
	}
	if h.IndexRoot[model.IndexRelations] != model.NoHandle {
		t.Fatalf("expected no relation root (no relations)")
	}
}
