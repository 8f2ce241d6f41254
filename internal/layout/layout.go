// Package layout assigns final byte offsets to every element of a tile
// model and chains them in emission order (spec §4.5 "Layout").
package layout

import "github.com/clarisma/geodesk-tilebuild/internal/model"

// headerStart is where the header begins, after the 4-byte length prefix
// internal/tilewriter writes ahead of the body (spec §4.5 "Header region
// begins at offset 4").
const headerStart int32 = 4

// Layouter walks a tile model's index trees depth-first and assigns each
// visited element a Location and a place in the Next chain (spec §3
// "next"; spec §4.5 "After the header, elements are placed in this
// order...").
type Layouter struct {
	m      *model.TileModel
	offset int32
	placed map[model.Handle]bool
	head   model.Element
	tail   *model.Elem
}

// Build lays out every element reachable from h (the header itself, its
// four index trees, every feature/body/tag-table/string/rel-table they
// reference, and finally the export table) and returns the head of the
// placed-element chain (spec §4.5 steps 1-4).
func Build(m *model.TileModel, h *model.Header) model.Element {
	l := &Layouter{m: m, offset: headerStart, placed: make(map[model.Handle]bool)}
	l.place(h)
	for _, kind := range []model.IndexKind{model.IndexNodes, model.IndexWays, model.IndexAreas, model.IndexRelations} {
		root := h.IndexRoot[kind]
		if root == model.NoHandle {
			continue
		}
		l.placeRootTable(root)
	}
	if m.ExportTable != nil {
		l.place(m.ExportTable)
		l.placeReferenced(m.ExportTable)
	}
	return l.head
}

// place assigns e a Location (rounded up to its alignment) and size, and
// appends it to the chain, unless it has already been placed (every
// shared element is placed exactly once, at its first reference — spec
// §3 "Shared table... placed once and referenced many times").
func (l *Layouter) place(e model.Element) {
	base := e.Base()
	if l.placed[base.Handle] {
		return
	}
	l.placed[base.Handle] = true

	if a := int32(base.Alignment); a > 1 {
		if rem := l.offset % a; rem != 0 {
			l.offset += a - rem
		}
	}
	base.Location = l.offset
	l.offset += base.Size

	if l.tail != nil {
		l.tail.Next = e
	} else {
		l.head = e
	}
	l.tail = base
}

// placeRootTable places an IndexRootTable and, in entry order, the root
// trunk of every non-empty category (spec §4.5 step 1: "each preceded by
// its root table, followed by trunks").
func (l *Layouter) placeRootTable(handle model.Handle) {
	elem, ok := l.m.Lookup(handle)
	if !ok {
		return
	}
	l.place(elem)
	for _, fx := range elem.Base().Fixups {
		l.placeTrunk(fx.Target)
	}
}

// placeTrunk places a Trunk depth-first, descending into child trunks and
// inlining leaf feature chains (spec §4.5 step 1: "trunks (depth-first),
// with leaves inlined by placing the leaf's features next").
func (l *Layouter) placeTrunk(handle model.Handle) {
	elem, ok := l.m.Lookup(handle)
	if !ok {
		return
	}
	l.place(elem)
	for _, fx := range elem.Base().Fixups {
		const trunkChildIsLeaf = 2 // model.TrunkBuilder sets bit 1 for isLeaf
		if fx.LowBits&trunkChildIsLeaf != 0 {
			l.placeLeaf(fx.Target)
		} else {
			l.placeTrunk(fx.Target)
		}
	}
}

// placeLeaf walks a leaf's feature chain (linked by internal/index via
// Elem.Next when the leaf was packed) from its first feature to the one
// flagged LAST, placing each feature in turn (spec §4.4 "On-disk shape":
// "A leaf child is a feature stub; its location is simply the first
// feature of the leaf").
func (l *Layouter) placeLeaf(firstHandle model.Handle) {
	elem, ok := l.m.Lookup(firstHandle)
	if !ok {
		return
	}
	f, ok := elem.(*model.Feature)
	if !ok {
		return
	}
	for {
		l.placeFeature(f)
		if f.Flags&model.FlagLast != 0 {
			return
		}
		next, ok := f.Next.(*model.Feature)
		if !ok {
			return
		}
		f = next
	}
}

// placeFeature places a feature's stub, then (for ways/relations) its
// body, then its tag table and any local strings the tag table
// references, each only if not already placed (spec §4.5 step 2).
func (l *Layouter) placeFeature(f *model.Feature) {
	l.place(f)
	if f.Type != model.FeatureTypeNode {
		if body, ok := l.m.Lookup(f.Body); ok {
			l.place(body)
			l.placeReferenced(body)
		}
	}
	l.placeReferenced(f)
}

// placeReferenced places any not-yet-placed shared element (string, tag
// table, relation table) that e's Fixups point at, recursively — a tag
// table's own local-key/value strings and a relation/way body's relation
// table are placed this way, wherever they are first encountered (spec
// §4.5 steps 2-3). Fixup targets that are features (e.g. a relation
// table's local-member references) are intentionally left alone: they
// are placed by their own leaf's traversal, not here.
func (l *Layouter) placeReferenced(e model.Element) {
	for _, fx := range e.Base().Fixups {
		if fx.Target == model.NoHandle || l.placed[fx.Target] {
			continue
		}
		target, ok := l.m.Lookup(fx.Target)
		if !ok {
			continue
		}
		switch target.Base().Kind {
		case model.KindString, model.KindTagTable, model.KindRelTable:
			l.place(target)
			l.placeReferenced(target)
		}
	}
}
