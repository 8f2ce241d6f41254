package arena

import "testing"

func TestAllocAlignment(t *testing.T) {
	a := New()
	_, t1 := a.Alloc(3, 1)
	buf, t2 := a.Alloc(8, 4)
	if t2.offset%4 != 0 {
		t.Fatalf("expected 4-byte aligned offset, got %d", t2.offset)
	}
	if len(buf) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(buf))
	}
	_ = t1
}

func TestFreeLastAlloc(t *testing.T) {
	a := New()
	buf1, _ := a.Alloc(16, 4)
	for i := range buf1 {
		buf1[i] = 0xAB
	}
	_, tok2 := a.Alloc(16, 4)
	a.FreeLastAlloc(tok2)

	// Next allocation should reuse the freed space.
	buf3, tok3 := a.Alloc(16, 4)
	if tok3.offset != tok2.offset {
		t.Fatalf("expected rollback to reuse offset %d, got %d", tok2.offset, tok3.offset)
	}
	for _, b := range buf3 {
		if b != 0 {
			t.Fatalf("expected zero-filled allocation after rollback, got %v", buf3)
		}
	}
}

func TestReduceLastAlloc(t *testing.T) {
	a := New()
	_, tok := a.Alloc(32, 4)
	shrunk := a.ReduceLastAlloc(tok, 10)
	if len(shrunk) != 10 {
		t.Fatalf("expected 10 bytes after shrink, got %d", len(shrunk))
	}
	// A following allocation should start right after the shrunk tail.
	_, tok2 := a.Alloc(4, 1)
	if tok2.offset != tok.offset+10 {
		t.Fatalf("expected next alloc at %d, got %d", tok.offset+10, tok2.offset)
	}
}

func TestGrowsAcrossChunks(t *testing.T) {
	a := New()
	// Allocate enough to force at least one chunk growth.
	total := 0
	for i := 0; i < 2000; i++ {
		buf, _ := a.Alloc(64, 8)
		total += len(buf)
	}
	if len(a.chunks) < 2 {
		t.Fatalf("expected arena to have grown past the initial chunk, has %d chunks", len(a.chunks))
	}
}

func TestClear(t *testing.T) {
	a := New()
	a.Alloc(100, 8)
	a.Clear()
	if len(a.chunks) != 1 || a.used[0] != 0 {
		t.Fatalf("expected arena reset to a single empty chunk")
	}
}
