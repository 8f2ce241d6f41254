// Package tilereader reverse-parses a finished tile blob back into a
// TileModel (spec §4.7 "TileReader"). It re-creates every feature, tag
// table, relation table and string through the normal internal/model
// builders, so the result is exactly what a from-scratch build would
// have produced from the same content: shared tables come out
// deduplicated the same way they were the first time, by recomputing
// the builders' content hash rather than trusting the source bytes.
package tilereader

import (
	"encoding/binary"

	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/model"
	"github.com/clarisma/geodesk-tilebuild/internal/tilewriter"
)

// Result is what Read recovers from an existing tile.
type Result struct {
	Model *model.TileModel
	// Header is freshly allocated, with Revision bumped by one and all
	// four index roots left at NoHandle: internal/index rebuilds the
	// R-trees from scratch once internal/tes has applied any changes,
	// so the source tile's old trunks and root tables are not carried
	// forward (see DESIGN.md).
	Header *model.Header
	// Revision is the revision read from the source tile, before the
	// bump already reflected in Header.Revision.
	Revision int32
}

// headerFields is the header's 24-byte payload, decoded positionally
// (spec §4.5 "Header region"): revision and the export pointer. The four
// index-root pointers are skipped — every feature is found
// via the catalog instead (see Read), and the R-trees are rebuilt from
// scratch downstream, so the old roots have nothing left to point at.
type headerFields struct {
	revision   int32
	exportAddr int32 // 0 if absent
}

// Read parses blob, as produced by tilewriter.Write, into a Result.
func Read(blob []byte) (*Result, error) {
	if err := tilewriter.Validate(blob); err != nil {
		return nil, err
	}
	body, catalogBytes, err := tilewriter.Body(blob)
	if err != nil {
		return nil, err
	}
	catalog, err := tilewriter.DecodeCatalog(catalogBytes)
	if err != nil {
		return nil, err
	}

	hf, err := readHeaderFields(body)
	if err != nil {
		return nil, err
	}

	d := &decoder{
		body:      body,
		byEffAddr: make(map[int32]tilewriter.Record, len(catalog)),
		tagTables: make(map[int32]model.Handle),
		relTables: make(map[int32]model.Handle),
		strings:   make(map[int32]model.Handle),
		features:  make(map[int32]*model.Feature),
	}
	for _, rec := range catalog {
		d.byEffAddr[rec.Location+rec.Anchor] = rec
		if rec.Kind == model.KindNode || rec.Kind == model.KindWay || rec.Kind == model.KindRelation {
			d.featureRecords = append(d.featureRecords, rec)
		}
	}

	d.m = model.NewFromSource(int32(len(body)))

	// Every feature in the tile appears exactly once in the catalog,
	// regardless of which index tree it belongs to (internal/index
	// buckets every model.AllFeatures() feature into one of the four
	// kinds); walking the catalog directly finds them all without
	// needing to walk the old root tables/trunks at all.
	for _, rec := range d.featureRecords {
		if _, err := d.getFeature(rec.Location + rec.Anchor); err != nil {
			return nil, err
		}
	}

	h := model.NewHeader(d.m, hf.revision+1)

	if hf.exportAddr != 0 {
		refs, err := d.readExportTable(hf.exportAddr)
		if err != nil {
			return nil, err
		}
		d.m.CreateExportTable(refs)
	}

	return &Result{Model: d.m, Header: h, Revision: hf.revision}, nil
}

func readHeaderFields(body []byte) (headerFields, error) {
	const headerStart = 4
	const headerSize = 4 + 4*4 + 4
	if len(body) < headerStart+headerSize {
		return headerFields{}, diag.Malformedf("tilereader: body too short for header (%d bytes)", len(body))
	}
	h := body[headerStart : headerStart+headerSize]

	var hf headerFields
	hf.revision = int32(binary.LittleEndian.Uint32(h[0:4]))
	exportOff := int32(4 + 4*4)
	rawExport := int32(binary.LittleEndian.Uint32(h[exportOff : exportOff+4]))
	if rawExport != 0 {
		hf.exportAddr = headerStart + exportOff + rawExport
	}
	return hf, nil
}

// decoder holds the state for one Read call: the source bytes, the
// catalog indexed by effective address (a Fixup target always resolves
// to target.Location+target.Anchor, the same arithmetic
// internal/tilewriter.fixup applies when writing), and memo tables so
// that a shared string/tag table/relation table is only ever decoded
// and re-interned once no matter how many features reference it.
type decoder struct {
	body []byte
	m    *model.TileModel

	byEffAddr      map[int32]tilewriter.Record
	featureRecords []tilewriter.Record

	tagTables map[int32]model.Handle
	relTables map[int32]model.Handle
	strings   map[int32]model.Handle
	features  map[int32]*model.Feature
}

// getFeature returns the (possibly still being filled in) feature at
// effAddr, creating it on first touch. The skeleton is registered in
// d.features before fillFeature runs so a reference cycle (e.g. a
// relation that is, directly or indirectly, a member of itself)
// resolves to a stable handle instead of recursing forever.
func (d *decoder) getFeature(effAddr int32) (*model.Feature, error) {
	if f, ok := d.features[effAddr]; ok {
		return f, nil
	}
	rec, ok := d.byEffAddr[effAddr]
	if !ok || !isFeatureKind(rec.Kind) {
		return nil, diag.ReferentialIntegrityf("tilereader: pointer at %d does not reference a feature", effAddr)
	}
	f := d.m.CreateFeature(rec.FeatureType, rec.ID)
	f.Flags |= model.FlagOriginal
	d.features[effAddr] = f
	if err := d.fillFeature(f, rec); err != nil {
		return nil, err
	}
	return f, nil
}

func isFeatureKind(k model.Kind) bool {
	return k == model.KindNode || k == model.KindWay || k == model.KindRelation
}

func (d *decoder) payloadOf(rec tilewriter.Record) []byte {
	return d.body[rec.Location : rec.Location+rec.Size]
}

// fillFeature decodes rec's stub (and, for ways/relations, its body)
// and sets f's fields, resolving every pointer it finds along the way.
func (d *decoder) fillFeature(f *model.Feature, rec tilewriter.Record) error {
	payload := d.payloadOf(rec)
	switch rec.Kind {
	case model.KindNode:
		x, y, tagSlotOff, tagRaw, hasRel, relSlotOff, relRaw := model.DecodeNodeStub(payload)
		f.X, f.Y = x, y
		if tagRaw != 0 {
			tt, err := d.getTagTable(rec.Location + tagSlotOff + tagRaw)
			if err != nil {
				return err
			}
			f.TagTable = tt.Handle
		}
		if hasRel && relRaw != 0 {
			rt, err := d.getRelTable(rec.Location + relSlotOff + relRaw)
			if err != nil {
				return err
			}
			f.RelTable = rt.Handle
		}
		f.BuildNodeStub(d.m)

	default: // KindWay, KindRelation
		tagSlotOff, tagRaw, bodySlotOff, bodyRaw, minX, minY, maxX, maxY := model.DecodeWayRelStub(payload)
		f.MinX, f.MinY, f.MaxX, f.MaxY = minX, minY, maxX, maxY
		if tagRaw != 0 {
			tt, err := d.getTagTable(rec.Location + tagSlotOff + tagRaw)
			if err != nil {
				return err
			}
			f.TagTable = tt.Handle
		}
		if bodyRaw == 0 {
			return diag.Malformedf("tilereader: %v %d has no body", rec.FeatureType, rec.ID)
		}
		bodyEffAddr := rec.Location + bodySlotOff + bodyRaw
		bodyRec, ok := d.byEffAddr[bodyEffAddr]
		if !ok {
			return diag.ReferentialIntegrityf("tilereader: %v %d body pointer at %d unresolved", rec.FeatureType, rec.ID, bodyEffAddr)
		}
		if rec.Kind == model.KindWay {
			if err := d.fillWayBody(f, bodyRec); err != nil {
				return err
			}
		} else {
			if err := d.fillRelationBody(f, bodyRec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *decoder) fillWayBody(f *model.Feature, bodyRec tilewriter.Record) error {
	payload := d.payloadOf(bodyRec)
	closed, relSlotOff, relRaw, nodes, err := model.DecodeWayBody(payload, bodyRec.Anchor, bodyRec.HasRelTable, f.MinX, f.MinY)
	if err != nil {
		return err
	}

	var relEntries []model.RelTableEntry
	if bodyRec.HasRelTable && relRaw != 0 {
		rt, err := d.getRelTable(bodyRec.Location + relSlotOff + relRaw)
		if err != nil {
			return err
		}
		relEntries, err = d.decodeRelTableEntries(rt)
		if err != nil {
			return err
		}
	}

	wayNodes := make([]model.WayNode, len(nodes))
	for i, n := range nodes {
		wn := model.WayNode{X: n.X, Y: n.Y, ID: n.ID, IsFeature: n.IsFeature, IsForeign: n.IsForeign, Foreign: n.Foreign}
		if n.IsFeature && !n.IsForeign {
			nf, err := d.getFeature(bodyRec.Location + n.LocalSlotOffset + n.LocalRawValue)
			if err != nil {
				return err
			}
			wn.Local = nf.Handle
		}
		wayNodes[i] = wn
	}

	wb := model.WayBodyBuilder{}.Build(d.m, relEntries, f.MinX, f.MinY, closed, wayNodes)
	f.Body = wb.Handle
	f.BuildWayRelStub(d.m)
	return nil
}

func (d *decoder) fillRelationBody(f *model.Feature, bodyRec tilewriter.Record) error {
	payload := d.payloadOf(bodyRec)
	relSlotOff, relRaw, members, err := model.DecodeRelationBody(payload, bodyRec.Anchor, bodyRec.HasRelTable)
	if err != nil {
		return err
	}

	var relEntries []model.RelTableEntry
	if bodyRec.HasRelTable && relRaw != 0 {
		rt, err := d.getRelTable(bodyRec.Location + relSlotOff + relRaw)
		if err != nil {
			return err
		}
		relEntries, err = d.decodeRelTableEntries(rt)
		if err != nil {
			return err
		}
	}

	decoded := make([]model.Member, len(members))
	for i, mem := range members {
		out := model.Member{IsForeign: mem.IsForeign, Foreign: mem.Foreign, RoleChanged: mem.RoleChanged, GlobalRole: mem.GlobalRole}
		if !mem.IsForeign {
			nf, err := d.getFeature(bodyRec.Location + mem.LocalSlotOffset + mem.LocalRawValue)
			if err != nil {
				return err
			}
			out.Local = nf.Handle
		}
		if mem.RoleChanged && mem.GlobalRole < 0 {
			role, err := d.getString(bodyRec.Location + mem.RoleSlotOffset + mem.RoleRawValue)
			if err != nil {
				return err
			}
			out.LocalRole = role
		}
		decoded[i] = out
	}

	rb := model.RelationBodyBuilder{}.Build(d.m, relEntries, decoded)
	f.Body = rb.Handle
	f.BuildWayRelStub(d.m)
	return nil
}

// decodeRelTableEntries returns rt's entries with every local entry
// resolved to its feature in the new model. rt itself is unplaced and its
// payload holds fixup placeholders, so the entries are decoded from the
// source bytes of a table getRelTable mapped to rt (tables with equal
// content share one rt and decode to the same entries), relative to that
// table's absolute location (a relation table's Anchor is always 0).
func (d *decoder) decodeRelTableEntries(rt *model.RelTable) ([]model.RelTableEntry, error) {
	for effAddr, h := range d.relTables {
		if h != rt.Handle {
			continue
		}
		rec := d.byEffAddr[effAddr]
		entries, err := model.DecodeRelTable(d.payloadOf(rec))
		if err != nil {
			return nil, err
		}
		out := make([]model.RelTableEntry, len(entries))
		for i, e := range entries {
			out[i] = e
			if !e.IsForeign {
				nf, err := d.getFeature(rec.Location + e.LocalSlotOffset + e.LocalRawValue)
				if err != nil {
					return nil, err
				}
				out[i].Local = nf.Handle
			}
		}
		return out, nil
	}
	return nil, diag.ReferentialIntegrityf("tilereader: relation table %v was not read from this tile", rt.Handle)
}

// getTagTable returns the (memoized, re-interned) tag table at effAddr.
func (d *decoder) getTagTable(effAddr int32) (*model.TagTable, error) {
	if h, ok := d.tagTables[effAddr]; ok {
		e, _ := d.m.Lookup(h)
		return e.(*model.TagTable), nil
	}
	rec, ok := d.byEffAddr[effAddr]
	if !ok || rec.Kind != model.KindTagTable {
		return nil, diag.ReferentialIntegrityf("tilereader: pointer at %d does not reference a tag table", effAddr)
	}
	locals, globals, err := model.DecodeTagTable(d.payloadOf(rec), rec.Anchor)
	if err != nil {
		return nil, err
	}

	tags := make([]model.TagValue, 0, len(locals)+len(globals))
	for _, l := range locals {
		key, err := d.getString(rec.Location + l.KeySlotOffset + l.KeyRawValue)
		if err != nil {
			return nil, err
		}
		tv := model.TagValue{Key: key, GlobalKeyCode: -1}
		switch {
		case l.IsNumeric:
			tv.IsNumeric = true
			tv.Num = int64(l.Num)
		case l.HasValue:
			tv.Str, err = d.getString(rec.Location + l.ValueSlotOffset + l.ValueRawValue)
			if err != nil {
				return nil, err
			}
		}
		tags = append(tags, tv)
	}
	for _, g := range globals {
		tv := model.TagValue{GlobalKeyCode: g.GlobalKeyCode}
		if g.IsNumeric {
			tv.IsNumeric = true
			tv.Num = g.Num
		} else {
			str, err := d.getString(rec.Location + g.ValueSlotOffset + g.ValueRawValue)
			if err != nil {
				return nil, err
			}
			tv.Str = str
		}
		tags = append(tags, tv)
	}

	tt := model.TagTableBuilder{}.Build(d.m, tags)
	d.tagTables[effAddr] = tt.Handle
	return tt, nil
}

// getRelTable returns the (memoized) relation table at effAddr, rebuilt
// in the new model from its entries with every local entry resolved.
// The rebuilt table's payload holds fixup placeholders, so callers that
// need the entries themselves (to rebuild a WayBody/RelationBody) go
// through decodeRelTableEntries.
func (d *decoder) getRelTable(effAddr int32) (*model.RelTable, error) {
	if h, ok := d.relTables[effAddr]; ok {
		e, _ := d.m.Lookup(h)
		return e.(*model.RelTable), nil
	}
	rec, ok := d.byEffAddr[effAddr]
	if !ok || rec.Kind != model.KindRelTable {
		return nil, diag.ReferentialIntegrityf("tilereader: pointer at %d does not reference a relation table", effAddr)
	}
	entries, err := model.DecodeRelTable(d.payloadOf(rec))
	if err != nil {
		return nil, err
	}
	resolved := make([]model.RelTableEntry, len(entries))
	for i, e := range entries {
		resolved[i] = e
		if !e.IsForeign {
			nf, err := d.getFeature(rec.Location + e.LocalSlotOffset + e.LocalRawValue)
			if err != nil {
				return nil, err
			}
			resolved[i].Local = nf.Handle
		}
	}
	rt := model.RelationTableBuilder{}.Build(d.m, resolved)
	d.relTables[effAddr] = rt.Handle
	return rt, nil
}

// getString returns the (memoized, re-interned) string at effAddr.
// Strings carry no catalog entry (their own uvarint length prefix makes
// them self-terminating), so this decodes directly off the source bytes
// rather than looking the address up in byEffAddr first.
func (d *decoder) getString(effAddr int32) (string, error) {
	if h, ok := d.strings[effAddr]; ok {
		e, _ := d.m.Lookup(h)
		return e.(*model.TString).Text, nil
	}
	text, _, err := model.DecodeTString(d.body[effAddr:])
	if err != nil {
		return "", err
	}
	ts := d.m.AddString(text)
	d.strings[effAddr] = ts.Handle
	return text, nil
}

// readExportTable decodes the export table at effAddr into handles in
// the new model, preserving order (a feature's index into Refs is its
// TEX, which must stay stable across a read/rewrite cycle). The entry
// count isn't recorded anywhere in the table's own encoding, so this
// relies on the catalog's Size (Size/4 - 1, per tilewriter's doc
// comment on including KindExports).
func (d *decoder) readExportTable(effAddr int32) ([]model.Handle, error) {
	rec, ok := d.byEffAddr[effAddr]
	if !ok || rec.Kind != model.KindExports {
		return nil, diag.ReferentialIntegrityf("tilereader: pointer at %d does not reference the export table", effAddr)
	}
	count := int(rec.Size/4) - 1
	payload := d.payloadOf(rec)
	refs := make([]model.Handle, count)
	for i := 0; i < count; i++ {
		off := int32(i * 4)
		raw := int32(binary.LittleEndian.Uint32(payload[off : off+4]))
		if raw == 0 {
			refs[i] = model.NoHandle
			continue
		}
		f, err := d.getFeature(rec.Location + off + raw)
		if err != nil {
			return nil, err
		}
		refs[i] = f.Handle
	}
	return refs, nil
}
