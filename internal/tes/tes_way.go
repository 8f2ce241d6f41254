package tes

import "github.com/clarisma/geodesk-tilebuild/internal/model"

// applyWayChange resolves a way's body-affecting flags. Rather than
// splicing verbatim byte ranges out of the previous body per spec
// §4.8.1's decision table (a byte-economy trick that only pays off when
// re-encoding straight from the old tile's raw bytes), this module
// always regenerates the whole node table from the stream whenever any
// of MEMBERS_CHANGED, GEOMETRY_CHANGED or NODE_IDS_CHANGED is set: once
// a feature's body is a *model.WayBody built from handles rather than
// already-fixed-up byte offsets, there is no cheap unchanged range left
// to copy, so a full resend is both simpler and no less correct (see
// DESIGN.md). Because the relation-table pointer lives inside the same
// body region (spec §3 "RelationBody... optional preceding reltable
// pointer", true of WayBody too), this module also requires the stream
// to resend a way's own membership entries whenever any of those three
// flags forces a body rebuild, rather than trying to recover them from
// an old body that was never written to bytes in the first place.
func (u *updater) applyWayChange(f *model.Feature, flags uint16) error {
	if flags&nodeIDsChanged != 0 && flags&geometryChanged == 0 {
		return errInvalidWayChange("NODE_IDS_CHANGED without GEOMETRY_CHANGED")
	}

	bodyTouched := flags&(geometryChanged|membersChanged|nodeIDsChanged) != 0
	if flags&relationsChanged != 0 && !bodyTouched {
		return errInvalidWayChange("RELATIONS_CHANGED on a way requires resending its node table")
	}
	if !bodyTouched {
		applyAreaFlag(f, flags)
		return nil
	}

	nodes, closed, err := u.readWayNodeTable()
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

	minX, minY, maxX, maxY := wayBounds(nodes)
	f.MinX, f.MinY, f.MaxX, f.MaxY = minX, minY, maxX, maxY
	applyAreaFlag(f, flags)

	wb := model.WayBodyBuilder{}.Build(u.m, relEntries, minX, minY, closed, nodes)
	f.Body = wb.Handle
	f.BuildWayRelStub(u.m)
	return nil
}

func applyAreaFlag(f *model.Feature, flags uint16) {
	if flags&isArea != 0 {
		f.FFlags |= model.FeatureArea
	} else {
		f.FFlags &^= model.FeatureArea
	}
}

// readInlineOrSharedRelEntries reads the same tagged-count framing
// applyOwnRelations uses for a node's own membership table: an odd
// value selects a shared table by index, an even value is an entry
// count followed by that many inline entries.
func (u *updater) readInlineOrSharedRelEntries() ([]model.RelTableEntry, error) {
	tagged, err := u.r.uvarint()
	if err != nil {
		return nil, err
	}
	if tagged&1 != 0 {
		idx := tagged >> 1
		if int(idx) >= len(u.relTableEntries) {
			return nil, errInvalidWayChange("shared relation table index out of range")
		}
		return u.relTableEntries[idx], nil
	}
	count := tagged >> 1
	entries := make([]model.RelTableEntry, count)
	for i := range entries {
		e, err := u.readOneRelEntry()
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}

// readWayNodeTable reads the replacement node table this module's wire
// format uses whenever a way's body needs rebuilding: a tagged count
// (low bit = closed ring), then that many nodes (a flag byte, a foreign
// TIP/TEX pair or a feature index, and a coordinate delta chained off
// the stream's rolling prevXY), then, if any node carries an id, that
// many signed id deltas.
func (u *updater) readWayNodeTable() ([]model.WayNode, bool, error) {
	tagged, err := u.r.uvarint()
	if err != nil {
		return nil, false, err
	}
	closed := tagged&1 != 0
	count := tagged >> 1
	nodes := make([]model.WayNode, count)
	hasIDs := false
	for i := range nodes {
		flagByte, err := u.r.byte()
		if err != nil {
			return nil, false, err
		}
		isFeature := flagByte&1 != 0
		isForeign := flagByte&2 != 0
		withID := flagByte&4 != 0
		if withID {
			hasIDs = true
		}
		dx, err := u.r.varint()
		if err != nil {
			return nil, false, err
		}
		dy, err := u.r.varint()
		if err != nil {
			return nil, false, err
		}
		u.prevX += int32(dx)
		u.prevY += int32(dy)
		n := model.WayNode{X: u.prevX, Y: u.prevY, IsFeature: isFeature, IsForeign: isForeign}
		if isFeature && isForeign {
			dTIP, err := u.r.varint()
			if err != nil {
				return nil, false, err
			}
			dTEX, err := u.r.varint()
			if err != nil {
				return nil, false, err
			}
			n.Foreign = model.ForeignFeatureRef{TIP: int32(dTIP), TEX: int32(dTEX)}
		} else if isFeature {
			idx, err := u.r.uvarint()
			if err != nil {
				return nil, false, err
			}
			local, err := u.feature(int(idx))
			if err != nil {
				return nil, false, err
			}
			n.Local = local.Handle
		}
		nodes[i] = n
	}
	if hasIDs {
		var prevID int64
		for i := range nodes {
			d, err := u.r.varint()
			if err != nil {
				return nil, false, err
			}
			prevID += d
			nodes[i].ID = prevID
		}
	}
	return nodes, closed, nil
}

func wayBounds(nodes []model.WayNode) (minX, minY, maxX, maxY int32) {
	if len(nodes) == 0 {
		return 0, 0, 0, 0
	}
	minX, minY, maxX, maxY = nodes[0].X, nodes[0].Y, nodes[0].X, nodes[0].Y
	for _, n := range nodes[1:] {
		if n.X < minX {
			minX = n.X
		}
		if n.X > maxX {
			maxX = n.X
		}
		if n.Y < minY {
			minY = n.Y
		}
		if n.Y > maxY {
			maxY = n.Y
		}
	}
	return
}

func errInvalidWayChange(why string) error {
	return malformedWayChange(why)
}
