package model

import "hash/fnv"

// RelTableEntry is one parent-relation reference to encode into a
// TRelationTable. Exactly one of (Local) or (Foreign) applies.
type RelTableEntry struct {
	IsForeign bool
	Local     Handle // relation feature handle, if !IsForeign
	Foreign   ForeignFeatureRef

	// LocalSlotOffset/LocalRawValue are populated only by DecodeRelTable:
	// the payload-relative offset of a local entry's pointer slot and the
	// already-fixed-up relative value stored there. A finished tile's
	// pointers are byte offsets, not handles, so internal/tilereader
	// resolves Local itself (slot's absolute offset + LocalRawValue)
	// rather than this package doing it blind.
	LocalSlotOffset int32
	LocalRawValue   int32
}

const (
	relEntryForeign = 1 << 0
	relEntryLast    = 1 << 1
)

// RelTable is the variable-length list of parent-relation references
// described in spec §3 "TRelationTable": locals first (as handle-relative
// offsets), then foreigns grouped/sorted by TIP then TEX delta, last entry
// flagged.
type RelTable struct {
	Elem
}

// RelationTableBuilder constructs and deduplicates TRelationTable
// elements (spec §2 "RelationTableBuilder").
type RelationTableBuilder struct{}

// Build encodes entries (already ordered per spec §4.3's membership sort
// key: locals by handle, then foreigns grouped by TIP, within TIP by TEX
// delta) into a RelTable, deduplicating by content.
func (RelationTableBuilder) Build(m *TileModel, entries []RelTableEntry) *RelTable {
	w := varintWriter{}
	var fixups []dedupFixup

	var prevTIP = InvalidTIP
	var prevTEX = RelationsStartTEX
	for i, e := range entries {
		flags := byte(0)
		if e.IsForeign {
			flags |= relEntryForeign
		}
		if i == len(entries)-1 {
			flags |= relEntryLast
		}
		w.byte(flags)
		if e.IsForeign {
			w.varint(int64(e.Foreign.TIP - prevTIP))
			w.varint(int64(e.Foreign.TEX - prevTEX))
			prevTIP = e.Foreign.TIP
			prevTEX = e.Foreign.TEX
		} else {
			slot := w.i32slot()
			fixups = append(fixups, dedupFixup{slot, e.Local})
		}
	}

	key := relTableKey(keyWithHandles(w.buf, fixups))
	if existing, ok := m.relTables[key]; ok {
		return existing
	}

	rt := &RelTable{Elem: Elem{Kind: KindRelTable, Alignment: 4}}
	rt.Handle = m.allocHandle()
	allocPayload(m.Arena, &rt.Elem, len(w.buf))
	copy(rt.Payload, w.buf)
	for _, fx := range fixups {
		rt.addFixup(fx.Offset, fx.Target)
	}
	m.relTables[key] = rt
	m.register(rt)
	return rt
}

func relTableKey(buf []byte) tableKey {
	h := fnv.New64a()
	h.Write(buf)
	return tableKey{hash: h.Sum64(), key: string(buf)}
}

// DecodeRelTable parses a RelTable's payload back into entries, used by
// internal/tilereader when re-deduplicating a table read from an existing
// tile.
func DecodeRelTable(payload []byte) ([]RelTableEntry, error) {
	r := varintReader{buf: payload}
	var entries []RelTableEntry
	prevTIP := InvalidTIP
	prevTEX := RelationsStartTEX
	for !r.done() {
		flags, err := r.byte()
		if err != nil {
			return nil, err
		}
		e := RelTableEntry{IsForeign: flags&relEntryForeign != 0}
		if e.IsForeign {
			dTIP, err := r.varint()
			if err != nil {
				return nil, err
			}
			dTEX, err := r.varint()
			if err != nil {
				return nil, err
			}
			prevTIP += int32(dTIP)
			prevTEX += int32(dTEX)
			e.Foreign = ForeignFeatureRef{TIP: prevTIP, TEX: prevTEX}
		} else {
			off := r.pos
			v, err := r.i32()
			if err != nil {
				return nil, err
			}
			e.LocalSlotOffset = int32(off)
			e.LocalRawValue = v
		}
		entries = append(entries, e)
		if flags&relEntryLast != 0 {
			break
		}
	}
	return entries, nil
}
