package build

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/index"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
	"github.com/clarisma/geodesk-tilebuild/internal/tilewriter"
)

// pileBuilder mirrors internal/compile's own test fixture builder; kept
// package-local since that one is unexported.
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

func TestRunBuildsAndCommitsEmptyTile(t *testing.T) {
	bdr := New(store.DefaultSettings(), 2, diag.NewLogger("test"), false)
	jobs := []Job{
		{Tip: 1, Pile: emptyPile(), Bounds: index.TileBounds{MinX: 0, MinY: 0, MaxX: 4096, MaxY: 4096}},
	}
	tx := store.NewMemFeatureStoreTx()

	stats, err := bdr.Run(context.Background(), jobs, tx)
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
}

func TestRunBuildsTaggedNodeTile(t *testing.T) {
	bdr := New(store.DefaultSettings(), 1, diag.NewLogger("test"), false)
	jobs := []Job{
		{Tip: 2, Pile: onePointPile(1, 1000, 2000, "place", "city"), Bounds: index.TileBounds{MinX: 0, MinY: 0, MaxX: 4096, MaxY: 4096}},
	}
	tx := store.NewMemFeatureStoreTx()

	if _, err := bdr.Run(context.Background(), jobs, tx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	blob, ok := tx.Blob(2)
	if !ok {
		t.Fatal("tip 2 was not committed")
	}
	if err := tilewriter.Validate(blob); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRunMultipleJobsAllCommit(t *testing.T) {
	bdr := New(store.DefaultSettings(), 4, diag.NewLogger("test"), false)
	var jobs []Job
	for i := 0; i < 10; i++ {
		jobs = append(jobs, Job{
			Tip:    store.Tip(i),
			Pile:   emptyPile(),
			Bounds: index.TileBounds{MinX: 0, MinY: 0, MaxX: 4096, MaxY: 4096},
		})
	}
	tx := store.NewMemFeatureStoreTx()
	stats, err := bdr.Run(context.Background(), jobs, tx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TileCount != 10 {
		t.Fatalf("TileCount = %d, want 10", stats.TileCount)
	}
	for i := 0; i < 10; i++ {
		if _, ok := tx.Blob(store.Tip(i)); !ok {
			t.Fatalf("tip %d was not committed", i)
		}
	}
}
