package model

import "testing"

func TestIndexRootTableBuilderLastEntryLowBit(t *testing.T) {
	m := New()
	t1 := TrunkBuilder{}.Build(m, []TrunkChild{{IsLeaf: true, Target: 4}})
	t2 := TrunkBuilder{}.Build(m, []TrunkChild{{IsLeaf: true, Target: 4}})
	rt := IndexRootTableBuilder{}.Build(m, []IndexRootEntry{
		{Category: 3, Trunk: t1.Handle},
		{Category: 31, Trunk: t2.Handle},
	})
	if len(rt.Fixups) != 2 {
		t.Fatalf("expected 2 fixups, got %d", len(rt.Fixups))
	}
	if rt.Fixups[0].LowBits != 0 {
		t.Fatalf("first root entry should not carry the last-root low bit")
	}
	if rt.Fixups[1].LowBits != 1 {
		t.Fatalf("last root entry should carry low bit 1, got %d", rt.Fixups[1].LowBits)
	}
}

func TestIndexRootTableBuilderEmptyCategorySkipsFixup(t *testing.T) {
	m := New()
	rt := IndexRootTableBuilder{}.Build(m, []IndexRootEntry{{Category: 7, Trunk: NoHandle}})
	if len(rt.Fixups) != 0 {
		t.Fatalf("empty category root should not add a fixup, got %d", len(rt.Fixups))
	}
	if len(rt.Payload) != rootEntrySize {
		t.Fatalf("expected one %d-byte entry, got %d bytes", rootEntrySize, len(rt.Payload))
	}
}

func TestTrunkBuilderChildFlags(t *testing.T) {
	m := New()
	trunk := TrunkBuilder{}.Build(m, []TrunkChild{
		{IsLeaf: true, Target: 8},
		{IsLeaf: false, Target: 12},
	})
	if len(trunk.Fixups) != 2 {
		t.Fatalf("expected 2 fixups, got %d", len(trunk.Fixups))
	}
	first, last := trunk.Fixups[0], trunk.Fixups[1]
	if first.LowBits != 2 {
		t.Fatalf("first child (leaf, not last) lowBits = %d, want 2", first.LowBits)
	}
	if last.LowBits != 1 {
		t.Fatalf("last child (trunk, last) lowBits = %d, want 1", last.LowBits)
	}
	if len(trunk.Payload) != 2*trunkChildSize {
		t.Fatalf("payload size = %d, want %d", len(trunk.Payload), 2*trunkChildSize)
	}
}

func TestTrunkBuilderBBoxEncoding(t *testing.T) {
	m := New()
	trunk := TrunkBuilder{}.Build(m, []TrunkChild{
		{IsLeaf: true, MinX: 1, MinY: 2, MaxX: 3, MaxY: 4, Target: 8},
	})
	r := varintReader{buf: trunk.Payload}
	r.skip4() // pointer slot, rewritten at fixup time
	minX, _ := r.i32()
	minY, _ := r.i32()
	maxX, _ := r.i32()
	maxY, _ := r.i32()
	if minX != 1 || minY != 2 || maxX != 3 || maxY != 4 {
		t.Fatalf("bbox = (%d,%d)-(%d,%d), want (1,2)-(3,4)", minX, minY, maxX, maxY)
	}
}
