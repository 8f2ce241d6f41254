package model

import "encoding/binary"

// WayNode is one node reference inside a way, in way-order (spec §3
// "WayBody"). The optional node table exists only when at least one node
// is itself a tracked feature (local or foreign); it then holds one entry
// per node, with only the feature nodes' entries marked as features. A
// plain (untracked) node contributes its coordinates (and, if present, its
// id) to the body, plus an unmarked entry when the table exists.
type WayNode struct {
	X, Y int32
	ID   int64

	IsFeature bool
	IsForeign bool
	Local     Handle
	Foreign   ForeignFeatureRef
}

const (
	wayNodeIsFeature = 1 << 0
	wayNodeForeign   = 1 << 1
	wayNodeLast      = 1 << 2
)

// countFlag bits packed into the leading varint of a way body, after the
// optional node table and relTable pointer.
const (
	wayClosedRing = 1 << 0
	wayHasNodeIDs = 1 << 1
)

// WayBody is the variable-length element referenced by a Way stub's body
// pointer (spec §3 "WayBody"). Unlike the stub, it owns its own optional
// relation-table pointer, since only ways/relations carry a separate body
// element at all (spec §3 "Features 2D carry a separate FeatureBody...
// with its own alignment, anchor, and optional preceding reltable
// pointer").
type WayBody struct {
	Elem
	RelTable Handle // NoHandle if the way has no memberships
}

// WayBodyBuilder constructs WayBody elements (spec §2 "WayBodyBuilder").
type WayBodyBuilder struct{}

// Build encodes a way's node table (if any node is itself a feature),
// optional relation-table pointer, and coordinate/id stream into a
// WayBody. WayBody is never deduplicated: its content is specific to one
// way (spec §3 lists only String/TagTable/RelTable as shared/dedup'd
// elements).
//
// The node-table layout is a simplification over the spec's open question
// (§9.1, "whether a non-zero reltable pointer size must be subtracted from
// the handle when writing local-feature references"): every node gets one
// table entry, in way order, rather than only the feature nodes, which
// sidesteps the ambiguity entirely by making entry position == node
// position and requiring no separate index (see DESIGN.md and
// SPEC_FULL.md §4.3b for the recorded resolution).
func (WayBodyBuilder) Build(m *TileModel, relEntries []RelTableEntry, bboxMinX, bboxMinY int32, closed bool, nodes []WayNode) *WayBody {
	wb := &WayBody{Elem: Elem{Kind: KindWayBody, Alignment: 4}, RelTable: NoHandle}
	wb.Handle = m.allocHandle()

	type fixup struct {
		offset int32
		target Handle
	}
	var fixups []fixup

	w := varintWriter{}

	hasNodeTable := false
	for _, n := range nodes {
		if n.IsFeature {
			hasNodeTable = true
			break
		}
	}
	if hasNodeTable {
		for i, n := range nodes {
			flags := byte(0)
			if n.IsFeature {
				flags |= wayNodeIsFeature
				if n.IsForeign {
					flags |= wayNodeForeign
				}
			}
			if i == len(nodes)-1 {
				flags |= wayNodeLast
			}
			w.byte(flags)
			switch {
			case n.IsFeature && n.IsForeign:
				w.varint(int64(n.Foreign.TIP))
				w.varint(int64(n.Foreign.TEX))
			case n.IsFeature:
				slot := w.i32slot()
				fixups = append(fixups, fixup{slot, n.Local})
			}
		}
	}

	if len(relEntries) > 0 {
		rt := RelationTableBuilder{}.Build(m, relEntries)
		wb.RelTable = rt.Handle
		slot := w.i32slot()
		fixups = append(fixups, fixup{slot, rt.Handle})
	}

	wb.Anchor = int32(len(w.buf))

	hasNodeIDs := false
	for _, n := range nodes {
		if !n.IsFeature {
			hasNodeIDs = true
			break
		}
	}

	countFlags := int64(0)
	if closed {
		countFlags |= wayClosedRing
	}
	if hasNodeIDs {
		countFlags |= wayHasNodeIDs
	}
	w.varint(int64(len(nodes))<<2 | countFlags)

	if len(nodes) > 0 {
		w.varint(int64(nodes[0].X - bboxMinX))
		w.varint(int64(nodes[0].Y - bboxMinY))
		prevX, prevY := nodes[0].X, nodes[0].Y
		for _, n := range nodes[1:] {
			w.varint(int64(n.X - prevX))
			w.varint(int64(n.Y - prevY))
			prevX, prevY = n.X, n.Y
		}
	}

	if hasNodeIDs {
		var prevID int64
		for _, n := range nodes {
			w.varint(n.ID - prevID)
			prevID = n.ID
		}
	}

	allocPayload(m.Arena, &wb.Elem, len(w.buf))
	copy(wb.Payload, w.buf)
	for _, fx := range fixups {
		wb.addFixup(fx.offset, fx.target)
	}
	m.register(wb)
	return wb
}

// DecodedWayNode mirrors WayNode but, for a local feature reference,
// carries the raw already-fixed-up pointer slot instead of a handle —
// internal/tilereader resolves it against absolute byte offsets itself.
type DecodedWayNode struct {
	X, Y      int32
	ID        int64
	IsFeature bool
	IsForeign bool
	Foreign   ForeignFeatureRef

	LocalSlotOffset int32
	LocalRawValue   int32
}

// DecodeWayBody parses a finished WayBody's payload back into its node
// table and coordinate/id stream. hasRelTable tells the decoder whether a
// 4-byte relation-table pointer slot immediately precedes anchor (spec
// §3 "WayBody... optional preceding reltable pointer"); bboxMinX/Y supply
// the coordinate stream's implicit origin (the way stub's own bbox,
// decoded separately by the caller).
func DecodeWayBody(payload []byte, anchor int32, hasRelTable bool, bboxMinX, bboxMinY int32) (closed bool, relTableSlotOffset int32, relTableRawValue int32, nodes []DecodedWayNode, err error) {
	relSlotLen := int32(0)
	if hasRelTable {
		relSlotLen = 4
		relTableSlotOffset = anchor - 4
		v := int32(binary.LittleEndian.Uint32(payload[relTableSlotOffset : relTableSlotOffset+4]))
		relTableRawValue = v
	}
	nodeTableLen := anchor - relSlotLen

	var entries []DecodedWayNode
	if nodeTableLen > 0 {
		nr := varintReader{buf: payload[:nodeTableLen]}
		for {
			flags, e := nr.byte()
			if e != nil {
				return false, 0, 0, nil, e
			}
			var n DecodedWayNode
			n.IsFeature = flags&wayNodeIsFeature != 0
			n.IsForeign = flags&wayNodeForeign != 0
			switch {
			case n.IsFeature && n.IsForeign:
				dTIP, e := nr.varint()
				if e != nil {
					return false, 0, 0, nil, e
				}
				dTEX, e := nr.varint()
				if e != nil {
					return false, 0, 0, nil, e
				}
				n.Foreign = ForeignFeatureRef{TIP: int32(dTIP), TEX: int32(dTEX)}
			case n.IsFeature:
				off := nr.pos
				v, e := nr.i32()
				if e != nil {
					return false, 0, 0, nil, e
				}
				n.LocalSlotOffset = int32(off)
				n.LocalRawValue = v
			}
			entries = append(entries, n)
			if flags&wayNodeLast != 0 {
				break
			}
		}
	}

	r := varintReader{buf: payload[anchor:]}
	countWord, e := r.varint()
	if e != nil {
		return false, 0, 0, nil, e
	}
	count := int(countWord >> 2)
	closed = countWord&wayClosedRing != 0
	hasNodeIDs := countWord&wayHasNodeIDs != 0

	if len(entries) == 0 {
		entries = make([]DecodedWayNode, count)
	}
	if len(entries) != count {
		return false, 0, 0, nil, errShortVarint
	}

	var x, y int32
	for i := 0; i < count; i++ {
		dx, e := r.varint()
		if e != nil {
			return false, 0, 0, nil, e
		}
		dy, e := r.varint()
		if e != nil {
			return false, 0, 0, nil, e
		}
		if i == 0 {
			x, y = bboxMinX+int32(dx), bboxMinY+int32(dy)
		} else {
			x, y = x+int32(dx), y+int32(dy)
		}
		entries[i].X, entries[i].Y = x, y
	}

	if hasNodeIDs {
		var id int64
		for i := 0; i < count; i++ {
			d, e := r.varint()
			if e != nil {
				return false, 0, 0, nil, e
			}
			id += d
			entries[i].ID = id
		}
	}

	return closed, relTableSlotOffset, relTableRawValue, entries, nil
}
