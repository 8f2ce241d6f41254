package model

// IndexKind enumerates the four per-tile indexes (spec §4.4 "Each tile
// carries exactly four indexes: nodes, non-area ways, areas, relations").
type IndexKind uint8

const (
	IndexNodes IndexKind = iota
	IndexWays
	IndexAreas
	IndexRelations
	indexKindCount
)

func (k IndexKind) String() string {
	switch k {
	case IndexNodes:
		return "nodes"
	case IndexWays:
		return "ways"
	case IndexAreas:
		return "areas"
	case IndexRelations:
		return "relations"
	default:
		return "?"
	}
}

// headerSize is the fixed 24-byte tile header: a 4-byte revision, four
// 4-byte index-root relative pointers, and a 4-byte export-table pointer
// (spec §4.5 "Header region... 24 bytes").
const headerSize = 4 + 4*int(indexKindCount) + 4

// Header is the first placed element of every tile (after the 4-byte
// length prefix), anchoring the four index roots and the export table.
type Header struct {
	Elem
	Revision int32

	// IndexRoot[k] is NoHandle if that index has no features at all.
	IndexRoot [indexKindCount]Handle

	ExportTable Handle
}

// NewHeader allocates a zero-filled Header, to be populated with index
// roots by internal/index and fixed up like any other element.
func NewHeader(m *TileModel, revision int32) *Header {
	h := &Header{Elem: Elem{Kind: KindHeader, Alignment: 4}, Revision: revision}
	for i := range h.IndexRoot {
		h.IndexRoot[i] = NoHandle
	}
	h.ExportTable = NoHandle
	h.Handle = m.allocHandle()
	allocPayload(m.Arena, &h.Elem, headerSize)
	m.register(h)
	return h
}

// Encode rewrites the header's payload from its current fields. Called
// once all four index roots and the export table are known, before
// internal/layout runs (the pointer fixups themselves are resolved later,
// same as every other element).
func (h *Header) Encode() {
	type fixup struct {
		offset int32
		target Handle
	}
	var fixups []fixup

	w := varintWriter{}
	w.i32(h.Revision)
	for _, root := range h.IndexRoot {
		slot := w.i32slot()
		if root != NoHandle {
			fixups = append(fixups, fixup{slot, root})
		}
	}
	slot := w.i32slot()
	if h.ExportTable != NoHandle {
		fixups = append(fixups, fixup{slot, h.ExportTable})
	}

	copy(h.Payload, w.buf)
	h.Fixups = h.Fixups[:0]
	for _, fx := range fixups {
		h.addFixup(fx.offset, fx.target)
	}
}
