package model

// IndexRootEntry is one per-category root of a kind's index (spec §3
// "Index... up to 31 roots... a 32nd root (MULTI)"). Trunk is NoHandle if
// this category currently holds no features.
type IndexRootEntry struct {
	Category uint8
	Trunk    Handle
}

// IndexRootTable is the contiguous array of root entries for one feature
// kind (nodes / non-area ways / areas / relations), pointed to by the tile
// Header (spec §4.4 "On-disk shape": "Each index root is an 8-byte entry
// (relativeTrunkPtr, indexBits)").
type IndexRootTable struct {
	Elem
}

// IndexRootTableBuilder builds an IndexRootTable from its entries, already
// ordered per spec §4.4 "Root ordering in the on-disk index is descending
// by feature count" (internal/index is responsible for that ordering;
// this builder just encodes whatever order it is given).
type IndexRootTableBuilder struct{}

// rootEntrySize is the 8-byte (4-byte relative pointer + 4-byte category
// bits) root entry (spec §4.4).
const rootEntrySize = 8

func (IndexRootTableBuilder) Build(m *TileModel, entries []IndexRootEntry) *IndexRootTable {
	rt := &IndexRootTable{Elem: Elem{Kind: KindIndexRoot, Alignment: 4}}
	rt.Handle = m.allocHandle()
	allocPayload(m.Arena, &rt.Elem, len(entries)*rootEntrySize)

	w := varintWriter{buf: rt.Payload[:0]}
	for i, e := range entries {
		lowBits := int32(0)
		if i == len(entries)-1 {
			lowBits = 1
		}
		if e.Trunk == NoHandle {
			w.i32(0)
		} else {
			slot := w.i32slot()
			rt.addFixupBits(slot, e.Trunk, lowBits)
		}
		w.i32(int32(e.Category))
	}
	copy(rt.Payload, w.buf)
	m.register(rt)
	return rt
}

// TrunkChild is one child of an R-tree trunk: either another Trunk or a
// leaf (spec §4.4 "Spatial arrangement" / "On-disk shape"). A leaf
// child's Target is the handle of the leaf's first feature; internal/index
// marks that leaf's last feature with FlagLast before building this
// struct, so a reader can walk the placed-feature chain to find the
// leaf's extent without a separate on-disk count field.
type TrunkChild struct {
	IsLeaf                 bool
	MinX, MinY, MaxX, MaxY int32
	Target                 Handle
}

// Trunk is one R-tree trunk node: up to rtreeBucketSize children, each a
// 20-byte record (spec §4.4 "Each trunk child is a 20-byte record: 4-byte
// relative pointer with two low bits (isLast, isLeaf) plus a 16-byte bbox").
type Trunk struct {
	Elem
}

// trunkChildSize is the 20-byte (4-byte pointer + 16-byte bbox) trunk
// child record.
const trunkChildSize = 20

// TrunkBuilder builds a Trunk from its children, in sorted/packed order.
type TrunkBuilder struct{}

func (TrunkBuilder) Build(m *TileModel, children []TrunkChild) *Trunk {
	t := &Trunk{Elem: Elem{Kind: KindTrunk, Alignment: 4}}
	t.Handle = m.allocHandle()
	allocPayload(m.Arena, &t.Elem, len(children)*trunkChildSize)

	w := varintWriter{buf: t.Payload[:0]}
	for i, c := range children {
		lowBits := int32(0)
		if i == len(children)-1 {
			lowBits |= 1 // isLast
		}
		if c.IsLeaf {
			lowBits |= 2 // isLeaf
		}
		slot := w.i32slot()
		t.addFixupBits(slot, c.Target, lowBits)
		w.i32(c.MinX)
		w.i32(c.MinY)
		w.i32(c.MaxX)
		w.i32(c.MaxY)
	}
	copy(t.Payload, w.buf)
	m.register(t)
	return t
}
