package tes

import "github.com/clarisma/geodesk-tilebuild/internal/model"

// applyRelationChange resolves a relation's bbox and member-table
// flags, same "always resend the full member table on any body-
// affecting change" stance as applyWayChange (see its doc comment):
// BBOX_CHANGED only touches the feature stub (a relation's bounding box
// lives there, not on the body, per Feature's MinX/MinY/MaxX/MaxY
// fields), while MEMBERS_CHANGED forces a full RelationBody rebuild.
// RELATIONS_CHANGED is accepted only together with MEMBERS_CHANGED.
func (u *updater) applyRelationChange(f *model.Feature, flags uint16) error {
	if flags&bboxChanged != 0 {
		minX, err := u.r.varint()
		if err != nil {
			return err
		}
		minY, err := u.r.varint()
		if err != nil {
			return err
		}
		maxX, err := u.r.varint()
		if err != nil {
			return err
		}
		maxY, err := u.r.varint()
		if err != nil {
			return err
		}
		f.MinX, f.MinY, f.MaxX, f.MaxY = int32(minX), int32(minY), int32(maxX), int32(maxY)
	}

	bodyTouched := flags&membersChanged != 0
	if flags&relationsChanged != 0 && !bodyTouched {
		return errInvalidWayChange("RELATIONS_CHANGED on a relation requires resending its member table")
	}
	if !bodyTouched {
		if flags&bboxChanged != 0 {
			f.BuildWayRelStub(u.m)
		}
		return nil
	}

	members, err := u.readMemberTable()
	if err != nil {
		return err
	}

	var relEntries []model.RelTableEntry
	if flags&relationsChanged != 0 {
		relEntries, err = u.readInlineOrSharedRelEntries()
		if err != nil {
			return err
		}
	}

	rb := model.RelationBodyBuilder{}.Build(u.m, relEntries, members)
	f.Body = rb.Handle
	f.BuildWayRelStub(u.m)
	return nil
}

// readMemberTable reads the replacement member table this module's
// wire format uses whenever a relation's body needs rebuilding: a
// varint count, then that many members (a flag byte, a foreign TIP delta
// plus absolute TEX or a local-feature index, then an optional role: a global
// role code or a string-table index).
func (u *updater) readMemberTable() ([]model.Member, error) {
	count, err := u.r.uvarint()
	if err != nil {
		return nil, err
	}
	members := make([]model.Member, count)
	var prevTIP = model.InvalidTIP
	for i := range members {
		flagByte, err := u.r.byte()
		if err != nil {
			return nil, err
		}
		mem := model.Member{
			IsForeign:   flagByte&1 != 0,
			RoleChanged: flagByte&2 != 0,
			GlobalRole:  -1,
		}
		if mem.IsForeign {
			dTIP, err := u.r.varint()
			if err != nil {
				return nil, err
			}
			dTEX, err := u.r.varint()
			if err != nil {
				return nil, err
			}
			prevTIP += int32(dTIP)
			mem.Foreign = model.ForeignFeatureRef{TIP: prevTIP, TEX: int32(dTEX)}
		} else {
			idx, err := u.r.uvarint()
			if err != nil {
				return nil, err
			}
			local, err := u.feature(int(idx))
			if err != nil {
				return nil, err
			}
			mem.Local = local.Handle
		}
		if mem.RoleChanged {
			tagged, err := u.r.uvarint()
			if err != nil {
				return nil, err
			}
			if tagged&1 != 0 {
				mem.GlobalRole = int32(tagged >> 1)
			} else {
				idx := tagged >> 1
				if int(idx) >= len(u.strings) {
					return nil, errInvalidWayChange("member role string index out of range")
				}
				mem.LocalRole = u.strings[idx].Text
			}
		}
		members[i] = mem
	}
	return members, nil
}
