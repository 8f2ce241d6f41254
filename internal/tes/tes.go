// Package tes applies a "TES" (Tile Edit Stream) byte stream to an
// existing TileModel (spec §4.8 "TileUpdater"), turning a TileReader's
// recovered model into the model for the next revision of the tile.
// The wire format below is this module's own self-consistent scheme —
// grounded in the shape original_source/src/tile/tes/TesReader.cpp
// reads (feature index, shared strings/tag-tables/relation-tables,
// per-feature change records, removals, exports) but re-expressed with
// count-prefixed sections throughout rather than the original's
// byte-length framing, matching internal/model's own "self-consistent,
// not bit-exact" stance (see DESIGN.md).
package tes

import (
	"encoding/binary"

	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// reader is a minimal varint/zigzag cursor over one TES stream, the
// same encoding/binary idiom internal/model's varintReader uses.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, diag.Malformedf("tes: truncated uvarint at byte %d", r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *reader) varint() (int64, error) {
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		return 0, diag.Malformedf("tes: truncated varint at byte %d", r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, diag.Malformedf("tes: truncated stream at byte %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, diag.Malformedf("tes: truncated stream at byte %d", r.pos)
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) string() (string, error) {
	text, n, err := model.DecodeTString(r.buf[r.pos:])
	if err != nil {
		return "", err
	}
	r.pos += n
	return text, nil
}

func (r *reader) done() bool {
	return r.pos >= len(r.buf)
}

// Feature change flags (spec §4.8 "A flag byte: {TAGS_CHANGED,
// SHARED_TAGS, GEOMETRY_CHANGED, ...}"). 11 distinct flags don't fit in
// one byte, so this module reads them as a little-endian uint16 (same
// width model.varintWriter.u16 already uses for a packed field
// elsewhere in this codebase).
const (
	tagsChanged uint16 = 1 << iota
	sharedTags
	geometryChanged
	membersChanged
	nodeIDsChanged
	bboxChanged
	isArea
	relationsChanged
	nodeBelongsToWay
	hasSharedLocation
	isExceptionNode
)

// malformedWayChange wraps a way/relation body-rebuild inconsistency as
// a malformed-stream error (spec §4.8.1's "invalid" row).
func malformedWayChange(why string) error {
	return diag.Malformedf("tes: %s", why)
}

// Result summarizes one Apply call for the surrounding pipeline.
type Result struct {
	Diagnostics diag.Diagnostics
}

// updater holds the state of one Apply call: the stream cursor, the
// target model, and the shared-table/feature lookup arrays a TES
// references by index (spec §4.8 groups 1-4).
type updater struct {
	m   *model.TileModel
	r   reader
	dg  diag.Diagnostics

	orderedFeatures []orderedEntry
	strings         []*model.TString
	tagTables       []*model.TagTable
	relTables       []*model.RelTable
	// relTableEntries mirrors relTables, keeping each shared table's
	// original entry list (with real handles) alongside it: once a
	// RelTable is built, its Payload bytes hold unresolved fixup
	// placeholders until internal/tilewriter runs, so a later record
	// that references the table by index needs this list rather than
	// trying to decode the table back out of its own bytes.
	relTableEntries [][]model.RelTableEntry

	prevX, prevY int32
}

type orderedEntry struct {
	f       *model.Feature
	typ     model.FeatureType
	changed bool
}

// Apply parses data as a TES stream and mutates m in place, returning
// accumulated non-fatal diagnostics (spec §4.3a "duplicate foreign node
// ... recorded via internal/diag at warning severity").
func Apply(m *model.TileModel, data []byte) (*Result, error) {
	u := &updater{m: m, r: reader{buf: data}}
	steps := []func() error{
		u.readFeatureIndex,
		u.readStrings,
		u.readTagTables,
		u.readRelationTables,
		u.readFeatureChanges,
		u.readRemovedFeatures,
		u.readExports,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return &Result{Diagnostics: u.dg}, nil
}

// readFeatureIndex parses the feature-index group (spec §4.8 group 1):
// a total count, then nodes/ways/relations sub-groups separated by a
// zero entry, each a run of ascending-id-delta-plus-changed-bit refs.
// A referenced feature that doesn't exist yet is created as a fresh
// stub (spec §4.8 "Referential integrity... create a fresh stub on
// demand"); every feature touched here is made mutable by decoupling
// it from the source tile's ORIGINAL bytes the first time its stub is
// rebuilt, matching spec §4.8 "Mutability".
func (u *updater) readFeatureIndex() error {
	count, err := u.r.uvarint()
	if err != nil {
		return err
	}
	u.orderedFeatures = make([]orderedEntry, 0, count)

	typ := model.FeatureTypeNode
	var prevID int64
	for n := uint64(0); n < count; {
		ref, err := u.r.uvarint()
		if err != nil {
			return err
		}
		if ref == 0 {
			switch typ {
			case model.FeatureTypeNode:
				typ = model.FeatureTypeWay
			case model.FeatureTypeWay:
				typ = model.FeatureTypeRelation
			default:
				return diag.Malformedf("tes: feature index has more than two group separators")
			}
			prevID = 0
			continue
		}
		id := prevID + int64(ref>>1)
		changed := ref&1 != 0
		prevID = id

		f, ok := u.m.Feature(typ, id)
		if !ok {
			f = u.m.CreateFeature(typ, id)
		}
		u.orderedFeatures = append(u.orderedFeatures, orderedEntry{f: f, typ: typ, changed: changed})
		n++
	}
	return nil
}

// feature resolves a feature by its position in the feature index,
// exactly as getFeature(number) does in the original reader.
func (u *updater) feature(index int) (*model.Feature, error) {
	if index < 0 || index >= len(u.orderedFeatures) {
		return nil, diag.ReferentialIntegrityf("tes: feature index %d out of range (%d entries)", index, len(u.orderedFeatures))
	}
	return u.orderedFeatures[index].f, nil
}

// readStrings parses the shared-string section (spec §4.8 group 2),
// interning every string into the target model so it dedups against
// both ORIGINAL strings from the source tile and strings already added
// by an earlier TES in the same run (spec §4.8a, Open Question 2).
func (u *updater) readStrings() error {
	count, err := u.r.uvarint()
	if err != nil {
		return err
	}
	u.strings = make([]*model.TString, count)
	for i := range u.strings {
		text, err := u.r.string()
		if err != nil {
			return err
		}
		u.strings[i] = u.m.AddString(text)
	}
	return nil
}

// readTagTables parses the shared tag-table section (spec §4.8 group 3)
// into u.tagTables, addressable later by index from SHARED_TAGS change
// records.
func (u *updater) readTagTables() error {
	count, err := u.r.uvarint()
	if err != nil {
		return err
	}
	u.tagTables = make([]*model.TagTable, count)
	for i := range u.tagTables {
		tags, err := u.readTagValues()
		if err != nil {
			return err
		}
		u.tagTables[i] = model.TagTableBuilder{}.Build(u.m, tags)
	}
	return nil
}

// readTagValues reads one tag table's contents: a count of local tags
// (key-string-index + value-kind + value), then a count of global tags
// (delta-coded key code + value), into the TagValue list
// TagTableBuilder.Build expects.
func (u *updater) readTagValues() ([]model.TagValue, error) {
	localCount, err := u.r.uvarint()
	if err != nil {
		return nil, err
	}
	var tags []model.TagValue
	for i := uint64(0); i < localCount; i++ {
		keyIdx, err := u.r.uvarint()
		if err != nil {
			return nil, err
		}
		if int(keyIdx) >= len(u.strings) {
			return nil, diag.ReferentialIntegrityf("tes: local tag key string index %d out of range", keyIdx)
		}
		kind, err := u.r.byte()
		if err != nil {
			return nil, err
		}
		tv := model.TagValue{Key: u.strings[keyIdx].Text, GlobalKeyCode: -1}
		switch kind {
		case 0: // no value
		case 1: // numeric
			n, err := u.r.varint()
			if err != nil {
				return nil, err
			}
			tv.IsNumeric = true
			tv.Num = n
		case 2: // string value, by index
			valIdx, err := u.r.uvarint()
			if err != nil {
				return nil, err
			}
			if int(valIdx) >= len(u.strings) {
				return nil, diag.ReferentialIntegrityf("tes: local tag value string index %d out of range", valIdx)
			}
			tv.Str = u.strings[valIdx].Text
		default:
			return nil, diag.Malformedf("tes: unknown local-tag value kind %d", kind)
		}
		tags = append(tags, tv)
	}

	globalCount, err := u.r.uvarint()
	if err != nil {
		return nil, err
	}
	var code int32
	for i := uint64(0); i < globalCount; i++ {
		delta, err := u.r.varint()
		if err != nil {
			return nil, err
		}
		code += int32(delta)
		isNumeric, err := u.r.byte()
		if err != nil {
			return nil, err
		}
		tv := model.TagValue{GlobalKeyCode: code}
		if isNumeric != 0 {
			n, err := u.r.varint()
			if err != nil {
				return nil, err
			}
			tv.IsNumeric = true
			tv.Num = n
		} else {
			valIdx, err := u.r.uvarint()
			if err != nil {
				return nil, err
			}
			if int(valIdx) >= len(u.strings) {
				return nil, diag.ReferentialIntegrityf("tes: global tag value string index %d out of range", valIdx)
			}
			tv.Str = u.strings[valIdx].Text
		}
		tags = append(tags, tv)
	}
	return tags, nil
}

// readRelationTables parses the shared relation-table section (spec
// §4.8 group 4) into u.relTables, addressable later by index from an
// odd RELATIONS_CHANGED value.
func (u *updater) readRelationTables() error {
	count, err := u.r.uvarint()
	if err != nil {
		return err
	}
	u.relTables = make([]*model.RelTable, count)
	u.relTableEntries = make([][]model.RelTableEntry, count)
	for i := range u.relTables {
		entries, err := u.readRelEntries()
		if err != nil {
			return err
		}
		u.relTableEntries[i] = entries
		u.relTables[i] = model.RelationTableBuilder{}.Build(u.m, entries)
	}
	return nil
}

// readRelEntries reads one relation table's entries: a count, then for
// each a flag byte (bit 0 = foreign) followed by either a local feature
// index or a TIP/TEX delta pair.
func (u *updater) readRelEntries() ([]model.RelTableEntry, error) {
	count, err := u.r.uvarint()
	if err != nil {
		return nil, err
	}
	entries := make([]model.RelTableEntry, count)
	var prevTIP = model.InvalidTIP
	var prevTEX = model.RelationsStartTEX
	for i := range entries {
		flags, err := u.r.byte()
		if err != nil {
			return nil, err
		}
		if flags&1 != 0 {
			dTIP, err := u.r.varint()
			if err != nil {
				return nil, err
			}
			dTEX, err := u.r.varint()
			if err != nil {
				return nil, err
			}
			prevTIP += int32(dTIP)
			prevTEX += int32(dTEX)
			entries[i] = model.RelTableEntry{IsForeign: true, Foreign: model.ForeignFeatureRef{TIP: prevTIP, TEX: prevTEX}}
		} else {
			idx, err := u.r.uvarint()
			if err != nil {
				return nil, err
			}
			local, err := u.feature(int(idx))
			if err != nil {
				return nil, err
			}
			entries[i] = model.RelTableEntry{Local: local.Handle}
		}
	}
	return u.dedupRelEntries(entries), nil
}

// dedupRelEntries drops a repeated reference to the same member,
// keeping the first occurrence and recording a warning rather than
// failing the tile (spec §4.3a, resolving Open Question 3: "duplicate
// foreign node... first-seen wins + warning diagnostic").
func (u *updater) dedupRelEntries(entries []model.RelTableEntry) []model.RelTableEntry {
	seen := make(map[model.RelTableEntry]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		key := model.RelTableEntry{IsForeign: e.IsForeign, Local: e.Local, Foreign: e.Foreign}
		if seen[key] {
			u.dg.Warn("tes: duplicate relation-table member %+v, keeping first occurrence", key)
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// readRemovedFeatures parses the removed-features section (spec §4.8
// group 6): a count, then three delta-encoded groups with a low
// "deleted" bit, mirroring the feature-index's own group shape. A
// feature marked deleted here is simply left out of the model's
// feature-id lookup going forward; internal/index and internal/layout
// only ever walk model.AllFeatures(), so an unreferenced feature is
// already excluded from the next build.
func (u *updater) readRemovedFeatures() error {
	count, err := u.r.uvarint()
	if err != nil {
		return err
	}
	typ := model.FeatureTypeNode
	var prevID int64
	for n := uint64(0); n < count; {
		ref, err := u.r.uvarint()
		if err != nil {
			return err
		}
		if ref == 0 {
			switch typ {
			case model.FeatureTypeNode:
				typ = model.FeatureTypeWay
			case model.FeatureTypeWay:
				typ = model.FeatureTypeRelation
			default:
				return diag.Malformedf("tes: removed-features group has more than two separators")
			}
			prevID = 0
			continue
		}
		id := prevID + int64(ref>>1)
		prevID = id
		u.m.RemoveFeature(typ, id)
		n++
	}
	return nil
}

// readExports parses the export-table section (spec §4.8 group 7): a
// tagged count (low bit reserved, unused by this module) followed by
// that many references, each either zero for an unfilled slot or one plus
// the feature's position in the feature index (spec §3 "ExportTable").
func (u *updater) readExports() error {
	if u.r.done() {
		return nil
	}
	tagged, err := u.r.uvarint()
	if err != nil {
		return err
	}
	count := tagged >> 1
	refs := make([]model.Handle, count)
	for i := range refs {
		v, err := u.r.uvarint()
		if err != nil {
			return err
		}
		if v == 0 {
			refs[i] = model.NoHandle
			continue
		}
		f, err := u.feature(int(v - 1))
		if err != nil {
			return err
		}
		refs[i] = f.Handle
	}
	u.m.CreateExportTable(refs)
	return nil
}
