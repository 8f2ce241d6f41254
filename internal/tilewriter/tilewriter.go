// Package tilewriter serializes a placed-element chain into a finished
// tile blob (spec §4.6 "Fixup and Write").
package tilewriter

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// crc32cTable is the Castagnoli polynomial table, matching the spec's
// "CRC-32C(body)" trailer.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// catalogRecordSize is the fixed width of one Record.
const catalogRecordSize = 1 + 4 + 4 + 4 + 2 + 1 + 8 + 1

// Record carries the in-memory Elem metadata that has no on-disk
// representation of its own (spec §3's Element fields exist only in the
// model; this module's tile format is internally self-consistent rather
// than bit-exact to an external reader, per internal/model's package doc,
// and this catalog is the same kind of deliberate extension). TileReader
// uses it to recover a feature's exact stub width (plain vs member-sized
// node stubs share a type but not a size), to find the end of a leaf's
// feature chain (Flags&FlagLast) without rescanning the R-tree, and to
// locate a WayBody/RelationBody's anchor (the boundary between its
// node/member table and its varint count section), and to recover an
// ExportTable's entry count (Size/4 - 1), which its encoding leaves
// otherwise unrecorded.
type Record struct {
	Kind        model.Kind
	Location    int32
	Size        int32
	Anchor      int32
	Flags       model.Flags
	FeatureType model.FeatureType
	ID          int64
	HasRelTable bool // WayBody/RelationBody only: an own-membership reltable pointer precedes the anchor
}

// includeInCatalog reports whether e's kind needs catalog help to decode:
// root tables and trunks are fixed-width fixed-layout records (8 and 20
// bytes respectively, spec §4.4 "On-disk shape") and strings are self-
// terminating length-prefixed bytes, so none of those need an entry.
func includeInCatalog(kind model.Kind) bool {
	switch kind {
	case model.KindNode, model.KindWay, model.KindRelation,
		model.KindWayBody, model.KindRelationBody, model.KindTagTable, model.KindRelTable,
		model.KindExports:
		return true
	default:
		return false
	}
}

// Write walks the chain produced by internal/layout.Build, copies every
// element's payload to its final location, rewrites local pointers, and
// returns the finished blob: a 4-byte little-endian body-length prefix,
// the body, a 4-byte little-endian catalog-length prefix, the catalog,
// and a 4-byte little-endian CRC-32C trailer covering everything before
// it (spec §4.6, extended per the Record doc comment above).
func Write(head model.Element) ([]byte, error) {
	elems := make(map[model.Handle]*model.Elem)
	var bodySize int32
	for e := head; e != nil; e = e.Base().Next {
		base := e.Base()
		elems[base.Handle] = base
		if end := base.Location + base.Size; end > bodySize {
			bodySize = end
		}
	}

	body := make([]byte, bodySize)
	for e := head; e != nil; e = e.Base().Next {
		base := e.Base()
		copy(body[base.Location:], base.Payload)
	}

	for e := head; e != nil; e = e.Base().Next {
		base := e.Base()
		if base.Flags&model.FlagNeedsFixup == 0 {
			continue
		}
		if err := fixup(body, base, elems); err != nil {
			return nil, err
		}
	}

	catalog := encodeCatalog(head)

	out := make([]byte, 4+len(body)+4+len(catalog)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	catOff := 4 + len(body)
	binary.LittleEndian.PutUint32(out[catOff:catOff+4], uint32(len(catalog)))
	copy(out[catOff+4:], catalog)
	crcOff := catOff + 4 + len(catalog)
	binary.LittleEndian.PutUint32(out[crcOff:], crc32.Checksum(out[:crcOff], crc32cTable))
	return out, nil
}

// encodeCatalog emits one fixed-width Record for every element that needs
// one, in chain order.
func encodeCatalog(head model.Element) []byte {
	var out []byte
	for e := head; e != nil; e = e.Base().Next {
		base := e.Base()
		if !includeInCatalog(base.Kind) {
			continue
		}
		rec := Record{Kind: base.Kind, Location: base.Location, Size: base.Size, Anchor: base.Anchor, Flags: base.Flags}
		switch v := e.(type) {
		case *model.Feature:
			rec.FeatureType = v.Type
			rec.ID = v.ID
		case *model.WayBody:
			rec.HasRelTable = v.RelTable != model.NoHandle
		case *model.RelationBody:
			rec.HasRelTable = v.RelTable != model.NoHandle
		}
		out = appendRecord(out, rec)
	}
	return out
}

func appendRecord(buf []byte, r Record) []byte {
	var b [catalogRecordSize]byte
	b[0] = byte(r.Kind)
	binary.LittleEndian.PutUint32(b[1:5], uint32(r.Location))
	binary.LittleEndian.PutUint32(b[5:9], uint32(r.Size))
	binary.LittleEndian.PutUint32(b[9:13], uint32(r.Anchor))
	binary.LittleEndian.PutUint16(b[13:15], uint16(r.Flags))
	b[15] = byte(r.FeatureType)
	binary.LittleEndian.PutUint64(b[16:24], uint64(r.ID))
	if r.HasRelTable {
		b[24] = 1
	}
	return append(buf, b[:]...)
}

// DecodeCatalog parses a catalog section back into Records, in the order
// Write emitted them (chain/placement order).
func DecodeCatalog(buf []byte) ([]Record, error) {
	if len(buf)%catalogRecordSize != 0 {
		return nil, fmt.Errorf("tilewriter: catalog length %d is not a multiple of record size %d", len(buf), catalogRecordSize)
	}
	n := len(buf) / catalogRecordSize
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		b := buf[i*catalogRecordSize : (i+1)*catalogRecordSize]
		out[i] = Record{
			Kind:        model.Kind(b[0]),
			Location:    int32(binary.LittleEndian.Uint32(b[1:5])),
			Size:        int32(binary.LittleEndian.Uint32(b[5:9])),
			Anchor:      int32(binary.LittleEndian.Uint32(b[9:13])),
			Flags:       model.Flags(binary.LittleEndian.Uint16(b[13:15])),
			FeatureType: model.FeatureType(b[15]),
			ID:          int64(binary.LittleEndian.Uint64(b[16:24])),
			HasRelTable: b[24] != 0,
		}
	}
	return out, nil
}

// fixup rewrites every local-pointer slot in e's payload (already copied
// into body at e.Location) as target.location + target.anchor −
// source_offset, ORing in any low bits the slot carries (spec §4.6;
// model.PointerSlot.LowBits doc comment).
func fixup(body []byte, e *model.Elem, elems map[model.Handle]*model.Elem) error {
	for _, slot := range e.Fixups {
		if slot.Target == model.NoHandle {
			continue
		}
		target, ok := elems[slot.Target]
		if !ok {
			return fmt.Errorf("tilewriter: fixup in %v at offset %d references unplaced handle %v", e.Kind, slot.Offset, slot.Target)
		}
		sourceOffset := e.Location + slot.Offset
		rel := target.Location + target.Anchor - sourceOffset
		binary.LittleEndian.PutUint32(body[sourceOffset:], uint32(rel)|uint32(slot.LowBits))
	}
	return nil
}

// Body extracts the body and catalog sections from a finished blob,
// without CRC/length validation (callers that already validated can skip
// re-checking).
func Body(blob []byte) (body, catalog []byte, err error) {
	if len(blob) < 8 {
		return nil, nil, fmt.Errorf("tilewriter: blob too short (%d bytes)", len(blob))
	}
	bodySize := int(binary.LittleEndian.Uint32(blob[0:4]))
	if 4+bodySize+8 > len(blob) {
		return nil, nil, fmt.Errorf("tilewriter: body length prefix %d overruns blob", bodySize)
	}
	body = blob[4 : 4+bodySize]
	catOff := 4 + bodySize
	catSize := int(binary.LittleEndian.Uint32(blob[catOff : catOff+4]))
	if catOff+4+catSize+4 != len(blob) {
		return nil, nil, fmt.Errorf("tilewriter: catalog length prefix %d does not account for the rest of the blob", catSize)
	}
	catalog = blob[catOff+4 : catOff+4+catSize]
	return body, catalog, nil
}

// Validate re-derives the framing and checksum of a finished blob and
// reports whether they match (spec §8 "Writing must verify afterwards
// that the output validates").
func Validate(blob []byte) error {
	body, catalog, err := Body(blob)
	if err != nil {
		return err
	}
	crcOff := len(blob) - 4
	want := binary.LittleEndian.Uint32(blob[crcOff:])
	got := crc32.Checksum(blob[:crcOff], crc32cTable)
	if want != got {
		return fmt.Errorf("tilewriter: CRC mismatch: trailer says %08x, blob hashes to %08x", want, got)
	}
	_ = catalog
	return nil
}
