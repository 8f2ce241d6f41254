package model

import "hash/fnv"

// globalEndMarker is the reserved valueKind written as the final record of
// a tag table's global section (spec §3 "A global 'end' marker tag must
// always be present").
const globalEndMarker = 3

// TagValue is one input tag to TagTableBuilder.Build. A tag with a
// non-negative GlobalKeyCode is encoded in the global section (keyed by
// that code, delta-coded against the previous code); otherwise it is a
// local tag keyed by a TString.
type TagValue struct {
	Key           string
	GlobalKeyCode int32 // -1 if this key has no global code
	IsNumeric     bool
	Num           int64
	Str           string
}

// localTagStride is the fixed byte size of one local-tag record:
// [4-byte key fixup slot][4-byte valueKind][4-byte value-or-fixup-slot].
// Every record starts at a multiple of 4, which is what makes every
// local-key pointer 4-byte aligned (spec §8 "local-key pointers are
// 4-byte aligned") without needing ad-hoc padding logic.
const localTagStride = 12

const (
	valueKindNone    = 0
	valueKindString  = 1
	valueKindNumeric = 2
)

// TagTable is the two-part table described in spec §3 "TTagTable": local
// tags before the anchor, global tags (ending in a reserved end marker)
// after it. Category caches the indexed-key category computed by
// internal/index (0 = unassigned, 1..30 = single category, 31 = multi).
type TagTable struct {
	Elem
	Category uint8
}

// TagTableBuilder constructs and deduplicates TTagTable elements
// (spec §4.3 "CompilerWorker" calls this per feature; spec §2
// "TagTableBuilder... construct per-feature variable-length bodies and
// deduplicate shared tables").
type TagTableBuilder struct{}

// Build encodes tags into a TagTable, interning keys/string-values as
// TStrings and deduplicating the whole table by content. The dedup key is
// the placeholder payload with every pointer slot's target handle
// substituted in (keyWithHandles) rather than the raw zero-filled
// placeholder bytes, since two tables with the same shape but different
// string values would otherwise hash identically before fixup runs.
func (TagTableBuilder) Build(m *TileModel, tags []TagValue) *TagTable {
	var local, global []TagValue
	for _, t := range tags {
		if t.GlobalKeyCode >= 0 {
			global = append(global, t)
		} else {
			local = append(local, t)
		}
	}
	sortGlobalTags(global)

	var fixups []dedupFixup

	w := varintWriter{}
	for _, t := range local {
		keyOff := w.i32slot()
		ts := m.AddString(t.Key)
		m.BumpStringAlignment(ts)
		fixups = append(fixups, dedupFixup{keyOff, ts.Handle})

		switch {
		case t.IsNumeric:
			w.i32(valueKindNumeric)
			w.i32(int32(t.Num))
		case t.Str != "":
			w.i32(valueKindString)
			valOff := w.i32slot()
			vs := m.AddString(t.Str)
			fixups = append(fixups, dedupFixup{valOff, vs.Handle})
		default:
			w.i32(valueKindNone)
			w.i32(0)
		}
	}
	anchor := int32(len(w.buf))

	var lastCode int32
	for _, t := range global {
		w.varint(int64(t.GlobalKeyCode - lastCode))
		lastCode = t.GlobalKeyCode
		if t.IsNumeric {
			w.byte(valueKindNumeric)
			w.varint(t.Num)
		} else {
			w.byte(valueKindString)
			vs := m.AddString(t.Str)
			slot := w.i32slot()
			fixups = append(fixups, dedupFixup{slot, vs.Handle})
		}
	}
	// End marker: a synthetic record whose valueKind can never occur for a
	// real tag (spec §3 "global 'end' marker tag").
	w.varint(0)
	w.byte(globalEndMarker)

	key := tagTableKey(keyWithHandles(w.buf, fixups))
	if existing, ok := m.tagTables[key]; ok {
		return existing
	}

	tt := &TagTable{Elem: Elem{Kind: KindTagTable, Alignment: 4, Anchor: anchor}}
	tt.Handle = m.allocHandle()
	allocPayload(m.Arena, &tt.Elem, len(w.buf))
	copy(tt.Payload, w.buf)
	for _, fx := range fixups {
		tt.addFixup(fx.Offset, fx.Target)
	}
	m.tagTables[key] = tt
	m.register(tt)
	return tt
}

// GlobalKeyCodes decodes and returns the global-section key codes present
// in this table, in ascending order (they are stored delta-coded). Used by
// internal/index to categorize a feature by its indexed keys (spec §4.4
// "categorization... scans each feature's global tag keys").
func (tt *TagTable) GlobalKeyCodes() []int32 {
	r := varintReader{buf: tt.Payload[tt.Anchor:]}
	var codes []int32
	var code int32
	for !r.done() {
		delta, err := r.varint()
		if err != nil {
			break
		}
		code += int32(delta)
		kind, err := r.byte()
		if err != nil {
			break
		}
		if kind == globalEndMarker {
			break
		}
		codes = append(codes, code)
		if kind == valueKindNumeric {
			if _, err := r.varint(); err != nil {
				break
			}
		} else {
			r.skip4()
		}
	}
	return codes
}

// DecodedLocalTag is one local-section record as read back from a
// finished tile's already-fixed-up bytes: pointer slots carry absolute
// byte offsets rather than handles, so internal/tilereader resolves them
// itself (slot's own absolute offset + the raw value read here).
type DecodedLocalTag struct {
	KeySlotOffset   int32
	KeyRawValue     int32
	IsNumeric       bool
	Num             int32
	HasValue        bool // false for a tag with neither a string nor numeric value
	ValueSlotOffset int32
	ValueRawValue   int32
}

// DecodedGlobalTag is one global-section record, analogous to
// DecodedLocalTag but keyed by GlobalKeyCode instead of a key pointer.
type DecodedGlobalTag struct {
	GlobalKeyCode   int32
	IsNumeric       bool
	Num             int64
	ValueSlotOffset int32
	ValueRawValue   int32
}

// DecodeTagTable parses a finished TagTable's payload (local section
// before anchor, global section from anchor to the end marker) back into
// its records, for internal/tilereader to re-resolve and re-intern via
// TagTableBuilder.Build.
func DecodeTagTable(payload []byte, anchor int32) (locals []DecodedLocalTag, globals []DecodedGlobalTag, err error) {
	local := payload[:anchor]
	for off := 0; off+localTagStride <= len(local); off += localTagStride {
		lr := varintReader{buf: local, pos: off}
		keyOff := lr.pos
		keyVal, e := lr.i32()
		if e != nil {
			return nil, nil, e
		}
		kind, e := lr.i32()
		if e != nil {
			return nil, nil, e
		}
		rec := DecodedLocalTag{KeySlotOffset: int32(keyOff), KeyRawValue: keyVal}
		switch kind {
		case valueKindNumeric:
			n, e := lr.i32()
			if e != nil {
				return nil, nil, e
			}
			rec.IsNumeric = true
			rec.HasValue = true
			rec.Num = n
		case valueKindString:
			valOff := lr.pos
			v, e := lr.i32()
			if e != nil {
				return nil, nil, e
			}
			rec.HasValue = true
			rec.ValueSlotOffset = int32(valOff)
			rec.ValueRawValue = v
		default:
			if _, e := lr.i32(); e != nil {
				return nil, nil, e
			}
		}
		locals = append(locals, rec)
	}

	r := varintReader{buf: payload[anchor:]}
	var code int32
	for !r.done() {
		delta, e := r.varint()
		if e != nil {
			return nil, nil, e
		}
		code += int32(delta)
		kind, e := r.byte()
		if e != nil {
			return nil, nil, e
		}
		if kind == globalEndMarker {
			break
		}
		rec := DecodedGlobalTag{GlobalKeyCode: code}
		if kind == valueKindNumeric {
			n, e := r.varint()
			if e != nil {
				return nil, nil, e
			}
			rec.IsNumeric = true
			rec.Num = n
		} else {
			valOff := anchor + int32(r.pos)
			v, e := r.i32()
			if e != nil {
				return nil, nil, e
			}
			rec.ValueSlotOffset = valOff
			rec.ValueRawValue = v
		}
		globals = append(globals, rec)
	}
	return locals, globals, nil
}

func sortGlobalTags(tags []TagValue) {
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && tags[j-1].GlobalKeyCode > tags[j].GlobalKeyCode; j-- {
			tags[j-1], tags[j] = tags[j], tags[j-1]
		}
	}
}

func tagTableKey(buf []byte) tableKey {
	h := fnv.New64a()
	h.Write(buf)
	return tableKey{hash: h.Sum64(), key: string(buf)}
}
