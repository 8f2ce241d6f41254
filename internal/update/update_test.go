package update

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/clarisma/geodesk-tilebuild/internal/build"
	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/index"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
	"github.com/clarisma/geodesk-tilebuild/internal/tilereader"
	"github.com/clarisma/geodesk-tilebuild/internal/tilewriter"
)

// geometryChangedBit mirrors internal/tes's unexported geometryChanged
// flag (bit 2 of the uint16 change-flags word: tagsChanged, sharedTags,
// geometryChanged, ... in that order). Kept in sync with the iota order
// of tes.go's flag constants, not by importing the unexported constant.
const geometryChangedBit uint16 = 1 << 2

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

func onePointPile(id int64, x, y int32, key, val string) []byte {
	var b pileBuilder
	b.uvarint(0) // exports
	b.uvarint(0) // foreign
	b.uvarint(1) // nodes
	b.varint(id)
	b.varint(int64(x))
	b.varint(int64(y))
	b.byte(1)    // tagged
	b.uvarint(1) // one tag
	b.byte(0)    // not global
	b.str(key)
	b.byte(1) // string value
	b.str(val)
	b.uvarint(0) // ways
	b.uvarint(0) // relations
	b.uvarint(0) // memberships
	b.uvarint(0) // special markers
	return b.buf
}

// tesBuilder mirrors internal/tes's own test builder: the inverse of its
// reader's uvarint/varint/byte/u16 framing.
type tesBuilder struct {
	buf []byte
	tmp [binary.MaxVarintLen64]byte
}

func (b *tesBuilder) uvarint(v uint64) {
	n := binary.PutUvarint(b.tmp[:], v)
	b.buf = append(b.buf, b.tmp[:n]...)
}
func (b *tesBuilder) varint(v int64) {
	n := binary.PutVarint(b.tmp[:], v)
	b.buf = append(b.buf, b.tmp[:n]...)
}
func (b *tesBuilder) u16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// emptyTES is a valid, all-zero TES: a no-op applied to any tile.
func emptyTES() []byte {
	var b tesBuilder
	b.uvarint(0) // feature index
	b.uvarint(0) // strings
	b.uvarint(0) // tag tables
	b.uvarint(0) // relation tables
	b.uvarint(0) // removed features
	return b.buf
}

// moveNodeTES moves an existing node (id, changed) to (dx, dy): the TES
// coordinate deltas chain from (0, 0) at the start of each stream.
func moveNodeTES(id int64, dx, dy int64) []byte {
	var b tesBuilder
	b.uvarint(1)                      // feature index: 1 entry
	b.uvarint(uint64(id)<<1 | 1)      // node id delta == id (first entry, prevID starts at 0), changed bit set
	b.uvarint(0)                      // strings
	b.uvarint(0)                      // tag tables
	b.uvarint(0)                      // relation tables
	b.uvarint(0)                      // version (untracked)
	b.u16(geometryChangedBit)
	b.varint(dx)
	b.varint(dy)
	b.uvarint(0) // removed features
	return b.buf
}

func buildOneNodeTile(t *testing.T) []byte {
	t.Helper()
	bdr := build.New(store.DefaultSettings(), 1, diag.NewLogger("test"), false)
	jobs := []build.Job{
		{Tip: 1, Pile: onePointPile(1, 1000, 2000, "place", "city"), Bounds: index.TileBounds{MinX: 0, MinY: 0, MaxX: 4096, MaxY: 4096}},
	}
	tx := store.NewMemFeatureStoreTx()
	if _, err := bdr.Run(context.Background(), jobs, tx); err != nil {
		t.Fatalf("build.Run: %v", err)
	}
	blob, ok := tx.Blob(1)
	if !ok {
		t.Fatal("tip 1 was not built")
	}
	return blob
}

func TestRunAppliesEmptyTESAsNoop(t *testing.T) {
	tile := buildOneNodeTile(t)

	u := New(store.DefaultSettings(), 1, diag.NewLogger("test"), false)
	jobs := []Job{
		{Tip: 1, Tile: tile, TES: emptyTES(), Bounds: index.TileBounds{MinX: 0, MinY: 0, MaxX: 4096, MaxY: 4096}},
	}
	tx := store.NewMemFeatureStoreTx()

	stats, err := u.Run(context.Background(), jobs, tx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TileCount != 1 {
		t.Fatalf("TileCount = %d, want 1", stats.TileCount)
	}
	blob, ok := tx.Blob(1)
	if !ok {
		t.Fatal("tip 1 was not committed")
	}
	if err := tilewriter.Validate(blob); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	res, err := tilereader.Read(blob)
	if err != nil {
		t.Fatalf("tilereader.Read: %v", err)
	}
	if res.Revision != 2 {
		t.Fatalf("revision = %d, want 2 (1 bumped once by the update)", res.Revision)
	}
}

func TestRunAppliesGeometryChange(t *testing.T) {
	tile := buildOneNodeTile(t)

	u := New(store.DefaultSettings(), 1, diag.NewLogger("test"), false)
	jobs := []Job{
		{Tip: 1, Tile: tile, TES: moveNodeTES(1, 500, 700), Bounds: index.TileBounds{MinX: 0, MinY: 0, MaxX: 4096, MaxY: 4096}},
	}
	tx := store.NewMemFeatureStoreTx()

	if _, err := u.Run(context.Background(), jobs, tx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	blob, ok := tx.Blob(1)
	if !ok {
		t.Fatal("tip 1 was not committed")
	}
	if err := tilewriter.Validate(blob); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
