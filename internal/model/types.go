// Package model implements the in-memory representation of one tile under
// construction or mutation (spec §3, §4.2): the Element tagged union,
// content-addressed shared tables (strings, tag tables, relation tables),
// features (nodes/ways/relations) and their bodies, and the TileModel that
// owns them all via an internal/arena.Arena.
//
// Exact byte widths below are chosen for internal self-consistency rather
// than bit-for-bit compatibility with a specific external reader (this
// repository has no real GOL reader to interoperate with); every structural
// invariant the spec calls out in §8 — alignment, non-overlap, anchor-
// relative pointer arithmetic, dedup-by-content, LAST flags, end markers —
// is preserved. See DESIGN.md for the mapping from spec prose to these
// concrete layouts.
package model

import "github.com/clarisma/geodesk-tilebuild/internal/arena"

// Handle is a stable, 4-byte-aligned 32-bit id local to one TileModel's
// lifetime (spec §3 "Handle"). NoHandle marks an absent reference.
type Handle int32

// NoHandle marks the absence of a reference.
const NoHandle Handle = -1

// Kind discriminates the tagged union of element types (spec §3 "Element",
// §9 "tagged union with a type discriminator").
type Kind uint8

const (
	KindString Kind = iota
	KindTagTable
	KindRelTable
	KindNode
	KindWay
	KindRelation
	KindWayBody
	KindRelationBody
	KindIndexRoot
	KindTrunk
	KindLeaf
	KindHeader
	KindExports
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "String"
	case KindTagTable:
		return "TagTable"
	case KindRelTable:
		return "RelTable"
	case KindNode:
		return "Node"
	case KindWay:
		return "Way"
	case KindRelation:
		return "Relation"
	case KindWayBody:
		return "WayBody"
	case KindRelationBody:
		return "RelationBody"
	case KindIndexRoot:
		return "IndexRoot"
	case KindTrunk:
		return "Trunk"
	case KindLeaf:
		return "Leaf"
	case KindHeader:
		return "Header"
	case KindExports:
		return "Exports"
	default:
		return "?"
	}
}

// Flags holds the per-element flag bits from spec §3 "Element".
type Flags uint16

const (
	// FlagLast marks the last feature of an R-tree leaf (set by
	// internal/index). Relation and member tables mark their own last
	// entry with a flag byte inside the payload instead.
	FlagLast Flags = 1 << iota
	// FlagOriginal marks an element whose bytes came from a source tile
	// (TileReader) and can be copied verbatim modulo fixup.
	FlagOriginal
	// FlagNeedsFixup marks an element containing intra-tile pointers that
	// must be rewritten once offsets are known.
	FlagNeedsFixup
	// FlagBuilt marks a feature whose body has been fully constructed.
	FlagBuilt
	// FlagWayAreaTags marks a tag table built from a way's tags with the
	// way-area interpretation cached.
	FlagWayAreaTags
	// FlagRelationAreaTags marks a tag table built from a relation's tags
	// with the relation-area interpretation cached.
	FlagRelationAreaTags
)

// Placement sentinels for Elem.Location.
const (
	LocationUnplaced int32 = 0
	LocationQueued   int32 = -1
)

// PointerSlot records a 4-byte signed local-pointer slot inside an
// element's payload that must be rewritten during Fixup once all elements
// have a final Location. Offset is relative to the start of Payload;
// Target is the element being pointed to. This flattens the spec's
// per-kind fixers (local-tag keys, local string values, local feature
// refs in node/member/relation tables, body<->relTable back-pointers)
// into one generic rewrite the writer applies to every flagged element —
// see DESIGN.md for why this simplification preserves the spec's fixup
// semantics.
type PointerSlot struct {
	Offset int32
	Target Handle

	// LowBits are extra flag bits (0-3) ORed into the computed relative
	// pointer after fixup, for formats that steal a pointer's low bits
	// for flags (spec §4.4 "the last root's relative pointer has its low
	// bit set"; trunk children steal two: isLast, isLeaf). Valid only
	// when the target is known to be aligned enough to leave those bits
	// zero before the OR.
	LowBits int32
}

// Elem is the common header embedded in every concrete element type
// (spec §3 "Element").
type Elem struct {
	Kind      Kind
	Handle    Handle
	Location  int32
	Size      int32
	Alignment uint8
	Anchor    int32
	Flags     Flags

	// Next chains placed elements in emission order (spec §3 "next").
	// internal/index links a leaf's features together in hilbert-sorted
	// order as it packs them (the only place that order is known);
	// internal/layout extends the same field into the single tile-wide
	// placement chain it builds (header, root tables, trunks, features
	// and their shared elements, export table). internal/tilewriter
	// walks the finished chain to emit bytes.
	Next Element

	// Payload holds the element's pre-fixup on-disk bytes. Pointer fields
	// inside Payload are plain zero-filled placeholders until Fixup runs;
	// the actual target handle lives in Fixups instead, so Payload alone
	// is never enough to resolve a pointer.
	Payload []byte

	// Fixups lists the local-pointer slots inside Payload.
	Fixups []PointerSlot
}

// Element is implemented by every concrete model type and exposes the
// common Elem header for generic layout/fixup/write code.
type Element interface {
	Base() *Elem
}

func (e *Elem) Base() *Elem { return e }

// addFixup records a local-pointer slot at the given payload offset.
func (e *Elem) addFixup(offset int32, target Handle) {
	e.Flags |= FlagNeedsFixup
	e.Fixups = append(e.Fixups, PointerSlot{Offset: offset, Target: target})
}

// addFixupBits records a local-pointer slot whose low bits carry flags in
// addition to the computed relative pointer (spec §4.4's packed
// pointer+flag fields).
func (e *Elem) addFixupBits(offset int32, target Handle, lowBits int32) {
	e.Flags |= FlagNeedsFixup
	e.Fixups = append(e.Fixups, PointerSlot{Offset: offset, Target: target, LowBits: lowBits})
}

// allocPayload allocates size bytes for this element's payload in the
// given arena, at the element's alignment, and keeps the returned token
// around the call site (builders that may roll back keep the token
// themselves; this helper is used by the non-speculative paths).
func allocPayload(a *arena.Arena, e *Elem, size int) {
	buf, _ := a.Alloc(size, int(e.Alignment))
	e.Payload = buf
	e.Size = int32(size)
}
