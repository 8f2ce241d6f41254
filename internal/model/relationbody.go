package model

import "encoding/binary"

// Member is one entry of a relation's member table (spec §3
// "RelationBody... Members encode local-vs-foreign flag, role-changed
// flag, and an optional TIP delta").
type Member struct {
	IsForeign bool
	Local     Handle // member feature handle, if !IsForeign
	Foreign   ForeignFeatureRef

	// RoleChanged marks a role different from the previous member's role
	// (spec §3 "role-changed flag"); unset members reuse the prior role.
	RoleChanged bool
	// GlobalRole is a non-negative global role code if this role has one,
	// else -1 meaning LocalRole names it instead.
	GlobalRole int32
	LocalRole  string
}

const (
	memberForeign      = 1 << 0
	memberRoleChanged  = 1 << 1
	memberRoleGlobal   = 1 << 2
	memberDifferentTIP = 1 << 3
	memberLast         = 1 << 4
)

// RelationBody is the variable-length element referenced by a Relation
// stub's body pointer (spec §3 "RelationBody"): an optional relation-table
// pointer before the anchor, then the member table.
type RelationBody struct {
	Elem
	RelTable Handle // NoHandle if the relation has no memberships itself
}

// RelationBodyBuilder constructs RelationBody elements (spec §2
// "RelationBodyBuilder").
type RelationBodyBuilder struct{}

// Build encodes a relation's optional own-membership relation table and
// its member table (spec §4.3's member ordering: encountered order, with
// TIP tracked so only a changed TIP needs encoding). Like WayBody,
// RelationBody is never deduplicated — its content belongs to one
// relation.
func (RelationBodyBuilder) Build(m *TileModel, relEntries []RelTableEntry, members []Member) *RelationBody {
	rb := &RelationBody{Elem: Elem{Kind: KindRelationBody, Alignment: 4}, RelTable: NoHandle}
	rb.Handle = m.allocHandle()

	type fixup struct {
		offset int32
		target Handle
	}
	var fixups []fixup

	w := varintWriter{}

	if len(relEntries) > 0 {
		rt := RelationTableBuilder{}.Build(m, relEntries)
		rb.RelTable = rt.Handle
		slot := w.i32slot()
		fixups = append(fixups, fixup{slot, rt.Handle})
	}

	rb.Anchor = int32(len(w.buf))

	prevTIP := InvalidTIP
	for i, mem := range members {
		flags := byte(0)
		if mem.IsForeign {
			flags |= memberForeign
		}
		if mem.RoleChanged {
			flags |= memberRoleChanged
			if mem.GlobalRole >= 0 {
				flags |= memberRoleGlobal
			}
		}
		differentTIP := mem.IsForeign && mem.Foreign.TIP != prevTIP
		if differentTIP {
			flags |= memberDifferentTIP
		}
		if i == len(members)-1 {
			flags |= memberLast
		}
		w.byte(flags)

		if mem.IsForeign {
			if differentTIP {
				w.varint(int64(mem.Foreign.TIP - prevTIP))
				prevTIP = mem.Foreign.TIP
			}
			w.varint(int64(mem.Foreign.TEX))
		} else {
			slot := w.i32slot()
			fixups = append(fixups, fixup{slot, mem.Local})
		}

		if mem.RoleChanged {
			if mem.GlobalRole >= 0 {
				w.u16(uint16(mem.GlobalRole<<1 | 1))
			} else {
				ts := m.AddString(mem.LocalRole)
				m.BumpStringAlignment(ts)
				slot := w.i32slot()
				fixups = append(fixups, fixup{slot, ts.Handle})
			}
		}
	}

	allocPayload(m.Arena, &rb.Elem, len(w.buf))
	copy(rb.Payload, w.buf)
	for _, fx := range fixups {
		rb.addFixup(fx.offset, fx.target)
	}
	m.register(rb)
	return rb
}

// DecodedMember mirrors Member but, for a local reference or a local
// role string, carries the raw already-fixed-up pointer slot instead of
// a handle, same rationale as DecodedWayNode.
type DecodedMember struct {
	IsForeign bool
	Foreign   ForeignFeatureRef

	LocalSlotOffset int32
	LocalRawValue   int32

	RoleChanged    bool
	GlobalRole     int32 // -1 if this member's role is local
	RoleSlotOffset int32
	RoleRawValue   int32
}

// DecodeRelationBody parses a finished RelationBody's payload back into
// its optional own relation-table pointer and member table. hasRelTable
// mirrors DecodeWayBody's parameter of the same name.
func DecodeRelationBody(payload []byte, anchor int32, hasRelTable bool) (relTableSlotOffset int32, relTableRawValue int32, members []DecodedMember, err error) {
	if hasRelTable {
		relTableSlotOffset = anchor - 4
		relTableRawValue = int32(binary.LittleEndian.Uint32(payload[relTableSlotOffset : relTableSlotOffset+4]))
	}

	r := varintReader{buf: payload[anchor:], pos: 0}
	prevTIP := InvalidTIP
	for {
		flags, e := r.byte()
		if e != nil {
			return 0, 0, nil, e
		}
		var mem DecodedMember
		mem.IsForeign = flags&memberForeign != 0
		mem.GlobalRole = -1

		if mem.IsForeign {
			if flags&memberDifferentTIP != 0 {
				d, e := r.varint()
				if e != nil {
					return 0, 0, nil, e
				}
				prevTIP += int32(d)
			}
			tex, e := r.varint()
			if e != nil {
				return 0, 0, nil, e
			}
			mem.Foreign = ForeignFeatureRef{TIP: prevTIP, TEX: int32(tex)}
		} else {
			off := anchor + int32(r.pos)
			v, e := r.i32()
			if e != nil {
				return 0, 0, nil, e
			}
			mem.LocalSlotOffset = off
			mem.LocalRawValue = v
		}

		if flags&memberRoleChanged != 0 {
			mem.RoleChanged = true
			if flags&memberRoleGlobal != 0 {
				u, e := r.u16()
				if e != nil {
					return 0, 0, nil, e
				}
				mem.GlobalRole = int32(u >> 1)
			} else {
				off := anchor + int32(r.pos)
				v, e := r.i32()
				if e != nil {
					return 0, 0, nil, e
				}
				mem.RoleSlotOffset = off
				mem.RoleRawValue = v
			}
		}

		members = append(members, mem)
		if flags&memberLast != 0 {
			break
		}
	}
	return relTableSlotOffset, relTableRawValue, members, nil
}
