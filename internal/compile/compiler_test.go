package compile

import (
	"encoding/binary"
	"testing"

	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// pileBuilder constructs a minimal proto-GOL byte stream by hand, mirroring
// the teacher's own style of hand-assembling fixture bytes in its pmtiles
// directory/header tests.
type pileBuilder struct {
	buf []byte
	tmp [binary.MaxVarintLen64]byte
}

func (b *pileBuilder) uvarint(v uint64) {
	n := binary.PutUvarint(b.tmp[:], v)
	b.buf = append(b.buf, b.tmp[:n]...)
}

func (b *pileBuilder) varint(v int64) {
	n := binary.PutVarint(b.tmp[:], v)
	b.buf = append(b.buf, b.tmp[:n]...)
}

func (b *pileBuilder) byte(v byte) { b.buf = append(b.buf, v) }

func (b *pileBuilder) str(s string) {
	b.uvarint(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

func (b *pileBuilder) noTags() { b.uvarint(0) }

func (b *pileBuilder) localTag(key, val string) {
	b.byte(0) // not global
	b.str(key)
	b.byte(1) // string value
	b.str(val)
}

// emptyPile produces a minimal valid (all-empty) pile.
func emptyPile() []byte {
	var b pileBuilder
	b.uvarint(0) // exports
	b.uvarint(0) // foreign
	b.uvarint(0) // nodes
	b.uvarint(0) // ways
	b.uvarint(0) // relations
	b.uvarint(0) // memberships
	b.uvarint(0) // special markers
	return b.buf
}

func TestCompileEmptyPile(t *testing.T) {
	m := model.New()
	var d diag.Diagnostics
	if err := (CompilerWorker{}).Compile(m, emptyPile(), &d); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(m.AllFeatures()) != 0 {
		t.Fatalf("expected no features from an empty pile")
	}
}

func TestCompileSingleTaggedNode(t *testing.T) {
	var b pileBuilder
	b.uvarint(0) // exports
	b.uvarint(0) // foreign
	b.uvarint(1) // nodes
	b.varint(1)  // id
	b.varint(100)
	b.varint(200)
	b.byte(1) // tagged
	b.uvarint(1)
	b.localTag("name", "Test Node")
	b.uvarint(0) // ways
	b.uvarint(0) // relations
	b.uvarint(0) // memberships
	b.uvarint(0) // special markers

	m := model.New()
	var d diag.Diagnostics
	if err := (CompilerWorker{}).Compile(m, b.buf, &d); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	n, ok := m.Feature(model.FeatureTypeNode, 1)
	if !ok {
		t.Fatal("tagged node 1 was not materialized")
	}
	if n.X != 100 || n.Y != 200 {
		t.Errorf("node coords = (%d,%d), want (100,200)", n.X, n.Y)
	}
	if n.TagTable == model.NoHandle {
		t.Error("tagged node has no tag table handle")
	}
}

func TestCompileWayWithPlainNodes(t *testing.T) {
	var b pileBuilder
	b.uvarint(0) // exports
	b.uvarint(0) // foreign
	b.uvarint(2) // nodes (plain, no tags)
	b.varint(1)
	b.varint(0)
	b.varint(0)
	b.byte(0)
	b.varint(2)
	b.varint(10)
	b.varint(10)
	b.byte(0)
	b.uvarint(1) // ways
	b.varint(100)
	b.uvarint(2 << 1) // 2 nodes, not closed
	b.varint(1)       // first id delta (from 0)
	b.varint(1)       // second id delta (2-1)
	b.noTags()
	b.uvarint(0) // relations
	b.uvarint(0) // memberships
	b.uvarint(0) // special markers

	m := model.New()
	var d diag.Diagnostics
	if err := (CompilerWorker{}).Compile(m, b.buf, &d); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	w, ok := m.Feature(model.FeatureTypeWay, 100)
	if !ok {
		t.Fatal("way 100 was not materialized")
	}
	if w.Body == model.NoHandle {
		t.Fatal("way has no body handle")
	}
	if w.MinX != 0 || w.MinY != 0 || w.MaxX != 10 || w.MaxY != 10 {
		t.Errorf("way bbox = (%d,%d)-(%d,%d), want (0,0)-(10,10)", w.MinX, w.MinY, w.MaxX, w.MaxY)
	}
}

// TestCompileClosedWayWithPlainNodesDuplicatesFirstCoordinate covers a
// closed, non-area ring whose first node is a plain (untracked)
// coordinate, e.g. a building footprint sharing no nodes with other
// features. spec §8: the coordinate section must still repeat the first
// coordinate as the last, independent of whether that node is itself a
// tracked feature.
func TestCompileClosedWayWithPlainNodesDuplicatesFirstCoordinate(t *testing.T) {
	var b pileBuilder
	b.uvarint(0) // exports
	b.uvarint(0) // foreign
	b.uvarint(3) // nodes (plain, no tags, never referenced elsewhere)
	b.varint(1)
	b.varint(0)
	b.varint(0)
	b.byte(0)
	b.varint(2)
	b.varint(10)
	b.varint(0)
	b.byte(0)
	b.varint(3)
	b.varint(10)
	b.varint(10)
	b.byte(0)
	b.uvarint(1) // ways
	b.varint(100)
	b.uvarint(3<<1 | 1) // 3 nodes, closed
	b.varint(1)         // first id delta (from 0)
	b.varint(1)         // second id delta
	b.varint(1)         // third id delta
	b.uvarint(1)        // one tag
	b.localTag("area", "no")
	b.uvarint(0) // relations
	b.uvarint(0) // memberships
	b.uvarint(0) // special markers

	m := model.New()
	var d diag.Diagnostics
	if err := (CompilerWorker{}).Compile(m, b.buf, &d); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	w, ok := m.Feature(model.FeatureTypeWay, 100)
	if !ok {
		t.Fatal("way 100 was not materialized")
	}
	if w.FFlags&model.FeatureArea != 0 {
		t.Fatal("area=no way should not carry the AREA flag")
	}
	elem, ok := m.Lookup(w.Body)
	if !ok {
		t.Fatal("way body not found")
	}
	wb := elem.(*model.WayBody)
	closed, _, _, nodes, err := model.DecodeWayBody(wb.Payload, wb.Anchor, wb.RelTable != model.NoHandle, w.MinX, w.MinY)
	if err != nil {
		t.Fatalf("DecodeWayBody: %v", err)
	}
	if !closed {
		t.Fatal("way body should report closed")
	}
	if len(nodes) != 4 {
		t.Fatalf("len(nodes) = %d, want 4 (3 distinct + closing duplicate)", len(nodes))
	}
	if nodes[0].X != nodes[3].X || nodes[0].Y != nodes[3].Y {
		t.Fatalf("closing coordinate = (%d,%d), want a repeat of the first (%d,%d)", nodes[3].X, nodes[3].Y, nodes[0].X, nodes[0].Y)
	}
	if nodes[3].IsFeature {
		t.Fatal("duplicated closing node should not be a feature (the source node wasn't one)")
	}
}

func TestCompileRelationWithLocalMember(t *testing.T) {
	var b pileBuilder
	b.uvarint(0) // exports
	b.uvarint(0) // foreign
	b.uvarint(1) // nodes
	b.varint(1)
	b.varint(5)
	b.varint(5)
	b.byte(0)
	b.uvarint(0) // ways
	b.uvarint(1) // relations
	b.varint(500)
	b.uvarint(1) // 1 member
	b.byte(0)    // node
	b.varint(1)  // member id
	b.byte(1)    // has global role
	b.varint(0)  // role code
	b.noTags()
	b.uvarint(1) // memberships
	b.byte(2)    // relation
	b.varint(500)
	b.byte(0) // node
	b.varint(1)
	b.uvarint(0) // special markers

	m := model.New()
	var d diag.Diagnostics
	if err := (CompilerWorker{}).Compile(m, b.buf, &d); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	n, ok := m.Feature(model.FeatureTypeNode, 1)
	if !ok {
		t.Fatal("member node 1 was not materialized")
	}
	if !n.IsMember() {
		t.Fatal("member node has no recorded memberships")
	}
	if n.FFlags&model.FeatureRelationMember == 0 {
		t.Error("member node missing FeatureRelationMember flag")
	}
	if n.RelTable == model.NoHandle {
		t.Error("member node has no relation-table handle after finalization")
	}
}

func TestCompileDuplicateForeignNodeWarns(t *testing.T) {
	var b pileBuilder
	b.uvarint(0) // exports
	b.uvarint(2) // foreign
	b.byte(0)    // node
	b.varint(9)
	b.varint(1) // tip
	b.varint(0) // tex
	b.byte(0)   // no xy
	b.byte(0)   // not dual
	b.byte(0)   // node
	b.varint(9) // duplicate id
	b.varint(1)
	b.varint(0)
	b.byte(0)
	b.byte(0)
	b.uvarint(0) // nodes
	b.uvarint(0) // ways
	b.uvarint(0) // relations
	b.uvarint(0) // memberships
	b.uvarint(0) // special markers

	m := model.New()
	var d diag.Diagnostics
	if err := (CompilerWorker{}).Compile(m, b.buf, &d); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if d.Empty() {
		t.Fatal("expected a diagnostic warning for the duplicate foreign node")
	}
}
