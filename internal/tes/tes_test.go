package tes

import (
	"encoding/binary"
	"testing"

	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// builder assembles a TES byte stream in tests, mirroring exactly the
// framing reader expects: the inverse of reader's uvarint/varint/byte/u16.
type builder struct {
	buf []byte
	tmp [binary.MaxVarintLen64]byte
}

func (b *builder) uvarint(v uint64) *builder {
	n := binary.PutUvarint(b.tmp[:], v)
	b.buf = append(b.buf, b.tmp[:n]...)
	return b
}

func (b *builder) varint(v int64) *builder {
	n := binary.PutVarint(b.tmp[:], v)
	b.buf = append(b.buf, b.tmp[:n]...)
	return b
}

func (b *builder) byte(v byte) *builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *builder) u16(v uint16) *builder {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *builder) str(s string) *builder {
	b.uvarint(uint64(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// emptyStream produces a minimal, valid 7-section TES with nothing in
// any section, the baseline every test extends.
func emptyStream() *builder {
	b := &builder{}
	b.uvarint(0) // feature index: 0 entries
	b.uvarint(0) // strings
	b.uvarint(0) // tag tables
	b.uvarint(0) // relation tables
	// feature changes has no explicit count: it's driven by the feature
	// index's changed-bit entries, so nothing more to write here.
	b.uvarint(0) // removed features
	// no export section: reader.readExports tolerates end-of-stream.
	return b
}

func TestApplyEmptyStreamIsNoop(t *testing.T) {
	m := model.New()
	n := m.CreateFeature(model.FeatureTypeNode, 1)
	n.X, n.Y = 5, 6
	n.BuildNodeStub(m)

	res, err := Apply(m, emptyStream().buf)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Diagnostics.Empty() {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics.Err())
	}
	got, ok := m.Feature(model.FeatureTypeNode, 1)
	if !ok || got.X != 5 || got.Y != 6 {
		t.Fatalf("untouched node mutated: %+v", got)
	}
}

func TestApplyCreatesFeatureOnDemand(t *testing.T) {
	m := model.New()

	b := &builder{}
	b.uvarint(1)        // feature index: 1 entry
	b.uvarint(1<<1 | 1) // node id delta 1 (id=1), changed bit set
	b.uvarint(0)        // strings
	b.uvarint(0)        // tag tables
	b.uvarint(0)        // relation tables
	// one feature change record: node 1, GEOMETRY_CHANGED only
	b.uvarint(0) // version (untracked)
	b.u16(geometryChanged)
	b.varint(10) // dx
	b.varint(20) // dy
	b.uvarint(0) // removed features

	res, err := Apply(m, b.buf)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Diagnostics.Empty() {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics.Err())
	}
	f, ok := m.Feature(model.FeatureTypeNode, 1)
	if !ok {
		t.Fatal("node 1 was not created")
	}
	if f.X != 10 || f.Y != 20 {
		t.Fatalf("node 1 coords = (%d,%d), want (10,20)", f.X, f.Y)
	}
	if f.Flags&model.FlagOriginal != 0 {
		t.Fatal("touched feature should have lost FlagOriginal")
	}
}

func TestApplyInlineTagsWithSharedStrings(t *testing.T) {
	m := model.New()
	n := m.CreateFeature(model.FeatureTypeNode, 1)
	n.X, n.Y = 1, 1
	n.BuildNodeStub(m)

	b := &builder{}
	// 1. feature index
	b.uvarint(1)
	b.uvarint(1<<1 | 1) // node id delta 1 (id=1), changed
	// 2. shared strings: "shop", "bakery"
	b.uvarint(2)
	b.str("shop")
	b.str("bakery")
	// 3. shared tag tables: none
	b.uvarint(0)
	// 4. shared relation tables: none
	b.uvarint(0)
	// 5. feature changes: node 1, TAGS_CHANGED with one inline local tag
	b.uvarint(0) // version (untracked)
	b.u16(tagsChanged)
	b.uvarint(1) // one local tag
	b.uvarint(0) // key = strings[0] ("shop")
	b.byte(2)    // kind 2: string value
	b.uvarint(1) // value = strings[1] ("bakery")
	b.uvarint(0) // no global tags
	// 6. removed features
	b.uvarint(0)

	res, err := Apply(m, b.buf)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Diagnostics.Empty() {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics.Err())
	}
	f, _ := m.Feature(model.FeatureTypeNode, 1)
	if f.TagTable == model.NoHandle {
		t.Fatal("node 1 did not gain a tag table")
	}
	elem, ok := m.Lookup(f.TagTable)
	if !ok {
		t.Fatal("tag table handle does not resolve")
	}
	tt := elem.(*model.TagTable)
	locals, globals, err := model.DecodeTagTable(tt.Payload, tt.Anchor)
	if err != nil {
		t.Fatalf("DecodeTagTable: %v", err)
	}
	if len(locals) != 1 || len(globals) != 0 {
		t.Fatalf("got %d locals, %d globals, want 1, 0", len(locals), len(globals))
	}
}

// TestApplyVersionConflictSkipsStaleChange covers spec §7.5: a change
// record whose version doesn't exceed the feature's stored version is
// skipped (with a diagnostic) rather than applied, but the stream still
// has to be parsed in full to keep later records aligned.
func TestApplyVersionConflictSkipsStaleChange(t *testing.T) {
	m := model.New()
	n := m.CreateFeature(model.FeatureTypeNode, 1)
	n.X, n.Y = 1, 1
	n.BuildNodeStub(m)

	first := &builder{}
	first.uvarint(1)
	first.uvarint(1<<1 | 1) // node id delta 1 (id=1), changed
	first.uvarint(0)        // strings
	first.uvarint(0)        // tag tables
	first.uvarint(0)        // relation tables
	first.uvarint(5)        // version 5
	first.u16(geometryChanged)
	first.varint(10)
	first.varint(20)
	first.uvarint(0) // removed features

	if _, err := Apply(m, first.buf); err != nil {
		t.Fatalf("Apply (first): %v", err)
	}
	f, _ := m.Feature(model.FeatureTypeNode, 1)
	if f.X != 10 || f.Y != 20 || f.Version != 5 {
		t.Fatalf("after first apply: (%d,%d) v%d, want (10,20) v5", f.X, f.Y, f.Version)
	}

	stale := &builder{}
	stale.uvarint(1)
	stale.uvarint(1<<1 | 1)
	stale.uvarint(0)
	stale.uvarint(0)
	stale.uvarint(0)
	stale.uvarint(3) // version 3 does not exceed the stored version 5
	stale.u16(geometryChanged)
	stale.varint(100)
	stale.varint(200)
	stale.uvarint(0)

	res, err := Apply(m, stale.buf)
	if err != nil {
		t.Fatalf("Apply (stale): %v", err)
	}
	if res.Diagnostics.Empty() {
		t.Fatal("expected a version-conflict diagnostic")
	}
	f, _ = m.Feature(model.FeatureTypeNode, 1)
	if f.X != 10 || f.Y != 20 || f.Version != 5 {
		t.Fatalf("stale change should have been skipped, got (%d,%d) v%d", f.X, f.Y, f.Version)
	}
}

func TestApplyRemovesFeature(t *testing.T) {
	m := model.New()
	n := m.CreateFeature(model.FeatureTypeNode, 9)
	n.BuildNodeStub(m)

	b := &builder{}
	b.uvarint(0) // feature index
	b.uvarint(0) // strings
	b.uvarint(0) // tag tables
	b.uvarint(0) // relation tables
	b.uvarint(1) // removed features: 1 entry
	b.uvarint(9<<1 | 1)

	res, err := Apply(m, b.buf)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Diagnostics.Empty() {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics.Err())
	}
	if _, ok := m.Feature(model.FeatureTypeNode, 9); ok {
		t.Fatal("node 9 should have been removed")
	}
}

func TestApplyRejectsTruncatedStream(t *testing.T) {
	m := model.New()
	if _, err := Apply(m, []byte{0xFF}); err == nil {
		t.Fatal("expected an error on a truncated stream")
	}
}

func TestApplyWayBodyRebuildRequiresGeometryWithNodeIDs(t *testing.T) {
	m := model.New()
	way := m.CreateFeature(model.FeatureTypeWay, 5)
	way.BuildWayRelStub(m)

	b := &builder{}
	b.uvarint(1)
	b.uvarint(0)          // separator: move from nodes to ways group
	b.uvarint(5<<1 | 1)   // way id delta 5 (id=5), changed
	b.uvarint(0)          // strings
	b.uvarint(0)          // tag tables
	b.uvarint(0)          // relation tables
	b.uvarint(0)          // version (untracked)
	b.u16(nodeIDsChanged) // invalid without geometryChanged
	b.uvarint(0)          // removed features

	if _, err := Apply(m, b.buf); err == nil {
		t.Fatal("expected an error for NODE_IDS_CHANGED without GEOMETRY_CHANGED")
	}
}
