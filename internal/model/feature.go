package model

import "encoding/binary"

// FeatureType distinguishes nodes, ways and relations (spec §3 "TFeature
// (Node/Way/Relation)").
type FeatureType uint8

const (
	FeatureTypeNode FeatureType = iota
	FeatureTypeWay
	FeatureTypeRelation
)

func (t FeatureType) String() string {
	switch t {
	case FeatureTypeNode:
		return "node"
	case FeatureTypeWay:
		return "way"
	default:
		return "relation"
	}
}

// FeatureFlags are the per-feature flag bits from spec §3 "TFeature".
type FeatureFlags uint32

const (
	FeatureArea FeatureFlags = 1 << iota
	FeatureWaynode
	FeatureRelationMember
	FeatureSharedLocation
	FeatureExceptionNode
	FeatureMultitileWest
	FeatureMultitileNorth
)

// Feature is the fixed-size stub described in spec §3 "TFeature": a
// header word (type+id), flags, coordinates/bbox, a pointer to the tag
// table, and (for ways/relations) a pointer to the body. Nodes with
// memberships additionally carry a relation-table pointer directly on
// the stub; ways/relations carry theirs on the body instead (spec
// §3 "WayBody"/"RelationBody": "[relTablePtr?] anchor").
type Feature struct {
	Elem
	Type  FeatureType
	ID    int64
	FFlags FeatureFlags

	// Node coordinates (FeatureTypeNode only).
	X, Y int32

	// Bounding box (FeatureTypeWay / FeatureTypeRelation only).
	MinX, MinY, MaxX, MaxY int32

	TagTable Handle // NoHandle if untagged
	Body     Handle // NoHandle for nodes
	RelTable Handle // NoHandle unless this node has memberships

	// Memberships accumulates this feature's parent-relation references
	// during compile (spec §3 "Membership"); consumed when building this
	// feature's TRelationTable.
	Memberships *MembershipList

	// Version is the last applied TES change's version (spec §7.5). Zero
	// means no version has ever been recorded, so a compiled-in feature
	// never conflicts with its first update.
	Version int32
}

// IsMember reports whether this feature has any recorded memberships.
func (f *Feature) IsMember() bool {
	return f.Memberships != nil && !f.Memberships.Empty()
}

// nodeStubSize: headerWord(8)+x(4)+y(4)+tagPtr(4) [+relPtr(4) if member].
// Anchor is 0 (pointers to a node reference the stub's own start).
const (
	nodeStubSizePlain  = 20
	nodeStubSizeMember = 24
)

// wayRelStubSize: headerWord(8)+tagPtr(4)+bodyPtr(4)+bbox(16) = 32,
// anchor 16, matching spec §3 "32 for Way/Relation with anchor 16" exactly.
const (
	wayRelStubSize   = 32
	wayRelStubAnchor = 16
)

// BuildNodeStub (re)writes a node's stub payload from its current fields.
// Called once up front (untagged/no member) and again whenever the node
// is promoted (tagged, becomes a waynode, gains memberships), each time
// reallocating in the arena since stub size can grow from 20 to 24 bytes.
func (f *Feature) BuildNodeStub(m *TileModel) {
	member := f.RelTable != NoHandle
	size := nodeStubSizePlain
	if member {
		size = nodeStubSizeMember
	}
	f.Alignment = 4
	allocPayload(m.Arena, &f.Elem, size)
	f.Fixups = f.Fixups[:0]

	w := varintWriter{buf: f.Payload[:0]}
	w.u64(headerWord(f.Type, f.ID))
	w.i32(f.X)
	w.i32(f.Y)
	tagSlot := w.i32slot()
	f.addFixup(tagSlot, f.TagTable)
	if member {
		relSlot := w.i32slot()
		f.addFixup(relSlot, f.RelTable)
	}
	copy(f.Payload, w.buf)
}

// BuildWayRelStub (re)writes a way's or relation's 32-byte stub.
func (f *Feature) BuildWayRelStub(m *TileModel) {
	f.Alignment = 4
	f.Anchor = wayRelStubAnchor
	allocPayload(m.Arena, &f.Elem, wayRelStubSize)

	w := varintWriter{buf: f.Payload[:0]}
	w.u64(headerWord(f.Type, f.ID))
	tagSlot := w.i32slot()
	f.addFixup(tagSlot, f.TagTable)
	bodySlot := w.i32slot()
	f.addFixup(bodySlot, f.Body)
	w.i32(f.MinX)
	w.i32(f.MinY)
	w.i32(f.MaxX)
	w.i32(f.MaxY)
	copy(f.Payload, w.buf)
}

func headerWord(t FeatureType, id int64) uint64 {
	return uint64(t)<<61 | (uint64(id) & (1<<61 - 1))
}

// DecodeHeaderWord splits a stub's header word back into type and id.
func DecodeHeaderWord(w uint64) (FeatureType, int64) {
	t := FeatureType(w >> 61)
	id := int64(w & (1<<61 - 1))
	return t, id
}

// DecodeFeatureHeader reads the 8-byte header word at the start of any
// feature stub.
func DecodeFeatureHeader(payload []byte) (FeatureType, int64) {
	return DecodeHeaderWord(binary.LittleEndian.Uint64(payload[0:8]))
}

// DecodeNodeStub parses a finished node stub's fixed fields. hasRelTable
// distinguishes the 20-byte plain layout from the 24-byte member layout
// (len(payload) tells the caller which it got); the relation-table slot
// is only meaningful when hasRelTable is true.
func DecodeNodeStub(payload []byte) (x, y int32, tagSlotOffset, tagRawValue int32, hasRelTable bool, relSlotOffset, relRawValue int32) {
	x = int32(binary.LittleEndian.Uint32(payload[8:12]))
	y = int32(binary.LittleEndian.Uint32(payload[12:16]))
	tagSlotOffset = 16
	tagRawValue = int32(binary.LittleEndian.Uint32(payload[16:20]))
	if len(payload) >= nodeStubSizeMember {
		hasRelTable = true
		relSlotOffset = 20
		relRawValue = int32(binary.LittleEndian.Uint32(payload[20:24]))
	}
	return
}

// DecodeWayRelStub parses a finished way/relation stub's fixed fields.
func DecodeWayRelStub(payload []byte) (tagSlotOffset, tagRawValue, bodySlotOffset, bodyRawValue, minX, minY, maxX, maxY int32) {
	tagSlotOffset = 8
	tagRawValue = int32(binary.LittleEndian.Uint32(payload[8:12]))
	bodySlotOffset = 12
	bodyRawValue = int32(binary.LittleEndian.Uint32(payload[12:16]))
	minX = int32(binary.LittleEndian.Uint32(payload[16:20]))
	minY = int32(binary.LittleEndian.Uint32(payload[20:24]))
	maxX = int32(binary.LittleEndian.Uint32(payload[24:28]))
	maxY = int32(binary.LittleEndian.Uint32(payload[28:32]))
	return
}

// ExportTable is the ordered array of relative pointers to exported
// features (spec §3 "ExportTable"); a feature's index into Refs is its TEX.
type ExportTable struct {
	Elem
	Refs []Handle
}

// ForeignFeatureRef identifies a feature in another tile (spec §3
// "ForeignFeatureRef").
type ForeignFeatureRef struct {
	TIP int32
	TEX int32
}

// Reserved starting TEX constants used when delta-coding the first entry
// of a foreign table (spec §4.3 "Orderings and tie-breaks").
const (
	WaynodesStartTEX  int32 = -1
	MembersStartTEX   int32 = -1
	RelationsStartTEX int32 = -1
)

// InvalidTIP marks "no previous tile" so the first foreign entry in a
// table always carries the different-tile flag (spec §4.3).
const InvalidTIP int32 = -1
