package model

import (
	"fmt"

	"github.com/clarisma/geodesk-tilebuild/internal/arena"
	"github.com/clarisma/geodesk-tilebuild/internal/diag"
)

// FeatureKey identifies a feature by its OSM-style (type, id) pair, used
// for the feature-id lookup in TileModel (spec §4.2 "feature-id lookup
// (type,id) → TFeature*").
type FeatureKey struct {
	Type FeatureType
	ID   int64
}

// stringKey and tableKey are the content-hash dedup keys: the hash plus
// enough of the payload to disambiguate collisions cheaply before a full
// byte comparison.
type stringKey struct {
	hash uint64
	text string
}

type tableKey struct {
	hash uint64
	key  string
}

// TileModel owns every element of one tile under construction or mutation
// via its Arena, and maintains the three content-hash dedup tables, the
// handle-keyed lookup, and the feature-id lookup described in spec §4.2.
type TileModel struct {
	Arena *arena.Arena

	nextHandle Handle

	byHandle map[Handle]Element
	byFeature map[FeatureKey]*Feature

	strings map[stringKey]*TString
	tagTables map[tableKey]*TagTable
	relTables map[tableKey]*RelTable

	// SourceSize is the byte size of the tile this model was read from (0
	// for a brand-new tile). New handles start at round_up(SourceSize,4)
	// (spec §3 "Handle").
	SourceSize int32

	// ExportTable is set once CreateExportTable has run.
	ExportTable *ExportTable
}

// New creates an empty TileModel, as for a from-scratch tile build.
func New() *TileModel {
	return newFromSourceSize(0)
}

// NewFromSource creates a TileModel whose new-element handles continue
// after an existing tile of sourceSize bytes (spec §3 "For new elements,
// handles start at round_up(source_size, 4)").
func NewFromSource(sourceSize int32) *TileModel {
	return newFromSourceSize(sourceSize)
}

func newFromSourceSize(sourceSize int32) *TileModel {
	start := roundUp4(sourceSize)
	return &TileModel{
		Arena:      arena.New(),
		nextHandle: Handle(start),
		byHandle:   make(map[Handle]Element),
		byFeature:  make(map[FeatureKey]*Feature),
		strings:    make(map[stringKey]*TString),
		tagTables:  make(map[tableKey]*TagTable),
		relTables:  make(map[tableKey]*RelTable),
		SourceSize: sourceSize,
	}
}

func roundUp4(n int32) int32 {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

// allocHandle assigns the next monotonic handle, growing by 4 bytes
// (spec §3 "Handle... assigned monotonically in 4-byte steps").
func (m *TileModel) allocHandle() Handle {
	h := m.nextHandle
	m.nextHandle += 4
	return h
}

// register records a fresh element under its handle for later lookup by
// Handle, e.g. during Fixup or TES reference resolution.
func (m *TileModel) register(e Element) {
	m.byHandle[e.Base().Handle] = e
}

// Lookup resolves a handle to its element, or (nil,false) if unknown —
// surfaced as a referential-integrity error by callers per spec §7.2,
// never a panic.
func (m *TileModel) Lookup(h Handle) (Element, bool) {
	e, ok := m.byHandle[h]
	return e, ok
}

// MustLookup resolves a handle or returns a referential-integrity error.
func (m *TileModel) MustLookup(h Handle, what string) (Element, error) {
	e, ok := m.byHandle[h]
	if !ok {
		return nil, diag.ReferentialIntegrityf("unresolved handle %d (%s)", h, what)
	}
	return e, nil
}

// Feature looks up a feature by (type, id).
func (m *TileModel) Feature(t FeatureType, id int64) (*Feature, bool) {
	f, ok := m.byFeature[FeatureKey{Type: t, ID: id}]
	return f, ok
}

// AllFeatures returns every feature currently in the model, in no
// particular order. Used by internal/index to bucket features for the
// Hilbert R-tree and by internal/layout to enumerate placement candidates.
func (m *TileModel) AllFeatures() []*Feature {
	out := make([]*Feature, 0, len(m.byFeature))
	for _, f := range m.byFeature {
		out = append(out, f)
	}
	return out
}

// AddString interns a string by content, returning the existing TString
// if one with identical bytes already exists (spec §4.2 "addString").
func (m *TileModel) AddString(s string) *TString {
	h := stringHash(s)
	key := stringKey{hash: h, text: s}
	if existing, ok := m.strings[key]; ok {
		return existing
	}
	enc := encodeTString(s)
	ts := &TString{Elem: Elem{Kind: KindString, Alignment: 1, Handle: m.allocHandle()}}
	allocPayload(m.Arena, &ts.Elem, len(enc))
	copy(ts.Payload, enc)
	ts.Text = s
	m.strings[key] = ts
	m.register(ts)
	return ts
}

// BumpStringAlignment raises a TString's alignment to 4, for use as a
// local tag key (spec §3 "TString... alignment ≥ 1 (bumped to 4 if used
// as a local tag key)"). Safe to call more than once.
func (m *TileModel) BumpStringAlignment(ts *TString) {
	if ts.Alignment < 4 {
		ts.Alignment = 4
	}
}

// CreateFeature creates a feature of the given type and id, assigns its
// handle and indexes it by id (spec §4.2 "createFeature<T>"). It allocates
// no payload: the on-disk stub is written only when BuildNodeStub or
// BuildWayRelStub is called. Duplicate (type,id) is a programmer error.
func (m *TileModel) CreateFeature(t FeatureType, id int64) *Feature {
	key := FeatureKey{Type: t, ID: id}
	if _, exists := m.byFeature[key]; exists {
		panic(fmt.Sprintf("model: duplicate feature %v/%d", t, id))
	}
	f := &Feature{
		Elem: Elem{Kind: kindForFeatureType(t), Alignment: 4, Handle: m.allocHandle()},
		Type: t,
		ID:   id,
		TagTable: NoHandle,
		Body:     NoHandle,
		RelTable: NoHandle,
	}
	m.byFeature[key] = f
	m.register(f)
	return f
}

// RemoveFeature drops a feature from the id lookup so it is excluded
// from the next AllFeatures pass (spec §4.8 "removed features"). A
// missing (type,id) is not an error: the feature may already be absent
// from a tile that never held it.
func (m *TileModel) RemoveFeature(t FeatureType, id int64) {
	key := FeatureKey{Type: t, ID: id}
	f, ok := m.byFeature[key]
	if !ok {
		return
	}
	delete(m.byFeature, key)
	delete(m.byHandle, f.Handle)
}

func kindForFeatureType(t FeatureType) Kind {
	switch t {
	case FeatureTypeNode:
		return KindNode
	case FeatureTypeWay:
		return KindWay
	default:
		return KindRelation
	}
}

// CreateExportTable installs the export table element (spec §4.2
// "createExportTable"). refs are handle-relative pointers to exported
// features, in export order (TEX = index into refs).
func (m *TileModel) CreateExportTable(refs []Handle) *ExportTable {
	et := &ExportTable{Elem: Elem{Kind: KindExports, Alignment: 4, Handle: m.allocHandle()}, Refs: refs}
	size := len(refs)*4 + 4
	allocPayload(m.Arena, &et.Elem, size)
	for i, target := range refs {
		off := int32(i * 4)
		et.addFixup(off, target)
	}
	m.ExportTable = et
	m.register(et)
	return et
}
