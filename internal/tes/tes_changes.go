package tes

import (
	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// readFeatureChanges parses group 5 (spec §4.8 "per-feature change
// records"), one record per entry the feature index marked `changed`,
// in the same nodes/ways/relations order the index itself produced.
// Every feature visited here loses its ORIGINAL flag once touched, per
// spec §4.8's "Mutability" rule: an ORIGINAL stub is copied into the
// arena (via the corresponding Build*Stub/Build*Body call) the moment
// anything about it changes, rather than patched in place.
//
// Each record leads with a version uvarint (spec §7.5). A non-zero
// incoming version that doesn't exceed the feature's stored version is
// a stale write: the record's remaining bytes still have to be parsed
// to keep the stream cursor in sync with the feature index, so they're
// applied to a throwaway scratch feature instead of the real one, and
// the conflict is recorded as a non-fatal diagnostic rather than
// aborting the tile.
func (u *updater) readFeatureChanges() error {
	u.prevX, u.prevY = 0, 0
	for _, entry := range u.orderedFeatures {
		if !entry.changed {
			continue
		}
		version, err := u.r.uvarint()
		if err != nil {
			return err
		}
		flags, err := u.r.u16()
		if err != nil {
			return err
		}

		target := entry.f
		conflict := version != 0 && entry.f.Version != 0 && int32(version) <= entry.f.Version
		if conflict {
			u.dg.Warn("%v", diag.VersionConflictf("tes: %s/%d: incoming version %d does not exceed stored version %d, skipping", entry.typ, entry.f.ID, version, entry.f.Version))
			target = &model.Feature{Type: entry.typ, ID: entry.f.ID}
		}

		if err := u.applyTags(target, flags); err != nil {
			return err
		}
		switch entry.typ {
		case model.FeatureTypeNode:
			// A node's own membership table lives directly on its
			// stub (spec §3 "Feature... relTablePtr"), so it can be
			// resolved ahead of BuildNodeStub without also touching
			// geometry; ways/relations instead carry theirs inside
			// their body, so applyWayChange/applyRelationChange
			// consume RELATIONS_CHANGED themselves.
			if err := u.applyOwnRelations(target, flags); err != nil {
				return err
			}
			if err := u.applyNodeChange(target, flags); err != nil {
				return err
			}
		case model.FeatureTypeWay:
			if err := u.applyWayChange(target, flags); err != nil {
				return err
			}
		case model.FeatureTypeRelation:
			if err := u.applyRelationChange(target, flags); err != nil {
				return err
			}
		}

		if conflict {
			continue
		}
		entry.f.Version = int32(version)
		entry.f.Flags &^= model.FlagOriginal
	}
	return nil
}

// applyTags resolves TAGS_CHANGED/SHARED_TAGS: a shared table is looked
// up by index, an inline one is parsed fresh and built just for this
// feature (spec §4.8 "TAGS_CHANGED... SHARED_TAGS selects between a
// shared-table index and an inline tag list").
func (u *updater) applyTags(f *model.Feature, flags uint16) error {
	if flags&tagsChanged == 0 {
		return nil
	}
	if flags&sharedTags != 0 {
		idx, err := u.r.uvarint()
		if err != nil {
			return err
		}
		if int(idx) >= len(u.tagTables) {
			return diag.ReferentialIntegrityf("tes: shared tag table index %d out of range", idx)
		}
		f.TagTable = u.tagTables[idx].Handle
		return nil
	}
	tags, err := u.readTagValues()
	if err != nil {
		return err
	}
	tt := model.TagTableBuilder{}.Build(u.m, tags)
	f.TagTable = tt.Handle
	return nil
}

// applyOwnRelations resolves RELATIONS_CHANGED for the feature's own
// membership table from one tagged uvarint: an odd value selects a shared
// table (index = value>>1); an even value is an inline rebuild whose entry
// count is value>>1, followed by that many entries, and a zero count
// clears the table to NoHandle.
func (u *updater) applyOwnRelations(f *model.Feature, flags uint16) error {
	if flags&relationsChanged == 0 {
		return nil
	}
	tagged, err := u.r.uvarint()
	if err != nil {
		return err
	}
	if tagged&1 != 0 {
		idx := tagged >> 1
		if int(idx) >= len(u.relTables) {
			return diag.ReferentialIntegrityf("tes: shared relation table index %d out of range", idx)
		}
		f.RelTable = u.relTables[idx].Handle
		return nil
	}
	count := tagged >> 1
	if count == 0 {
		f.RelTable = model.NoHandle
		return nil
	}
	entries := make([]model.RelTableEntry, count)
	for i := range entries {
		e, err := u.readOneRelEntry()
		if err != nil {
			return err
		}
		entries[i] = e
	}
	rt := model.RelationTableBuilder{}.Build(u.m, entries)
	f.RelTable = rt.Handle
	return nil
}

// readOneRelEntry reads a single relation-table entry with the same flag
// byte and field order readRelEntries uses for a whole shared table,
// without the table's own leading count. A foreign entry's TIP and TEX are
// taken as given, not chained as deltas off a previous entry.
func (u *updater) readOneRelEntry() (model.RelTableEntry, error) {
	flags, err := u.r.byte()
	if err != nil {
		return model.RelTableEntry{}, err
	}
	if flags&1 != 0 {
		dTIP, err := u.r.varint()
		if err != nil {
			return model.RelTableEntry{}, err
		}
		dTEX, err := u.r.varint()
		if err != nil {
			return model.RelTableEntry{}, err
		}
		return model.RelTableEntry{IsForeign: true, Foreign: model.ForeignFeatureRef{TIP: int32(dTIP), TEX: int32(dTEX)}}, nil
	}
	idx, err := u.r.uvarint()
	if err != nil {
		return model.RelTableEntry{}, err
	}
	local, err := u.feature(int(idx))
	if err != nil {
		return model.RelTableEntry{}, err
	}
	return model.RelTableEntry{Local: local.Handle}, nil
}
