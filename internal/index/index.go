package index

import (
	"github.com/emirpasic/gods/utils"

	"github.com/clarisma/geodesk-tilebuild/internal/model"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
)

// Indexer builds the four per-kind spatial indexes of a tile model and
// wires their roots into its Header (spec §4.4).
type Indexer struct {
	Settings store.Settings
	Bounds   TileBounds
}

// Build partitions every feature in m into its index kind, categorizes,
// packs and indexes each kind's features, and sets the resulting roots
// on h (spec §4.4 "Each tile carries exactly four indexes: nodes,
// non-area ways, areas (ways+relations), relations"), together with m's
// export table, if it has one, before encoding h.
func (ix Indexer) Build(m *model.TileModel, h *model.Header) error {
	buckets := map[model.IndexKind][]*model.Feature{}
	for _, f := range m.AllFeatures() {
		buckets[kindOf(f)] = append(buckets[kindOf(f)], f)
	}

	for _, kind := range []model.IndexKind{model.IndexNodes, model.IndexWays, model.IndexAreas, model.IndexRelations} {
		root, err := ix.buildIndex(m, buckets[kind])
		if err != nil {
			return err
		}
		h.IndexRoot[kind] = root
	}
	if m.ExportTable != nil {
		h.ExportTable = m.ExportTable.Handle
	}
	h.Encode()
	return nil
}

// kindOf assigns a feature to one of the four index kinds (spec §4.4;
// areas combine area ways and area relations under one index).
func kindOf(f *model.Feature) model.IndexKind {
	switch f.Type {
	case model.FeatureTypeNode:
		return model.IndexNodes
	case model.FeatureTypeWay:
		if f.FFlags&model.FeatureArea != 0 {
			return model.IndexAreas
		}
		return model.IndexWays
	default: // FeatureTypeRelation
		if f.FFlags&model.FeatureArea != 0 {
			return model.IndexAreas
		}
		return model.IndexRelations
	}
}

// buildIndex categorizes features, packs each surviving category into an
// R-tree, and returns the handle of the resulting IndexRootTable (NoHandle
// if there are no features of this kind at all).
func (ix Indexer) buildIndex(m *model.TileModel, features []*model.Feature) (model.Handle, error) {
	if len(features) == 0 {
		return model.NoHandle, nil
	}
	buckets := categorize(m, features, ix.Settings)

	type rootCount struct {
		cat   uint8
		count int
	}
	var cats []rootCount
	for cat, feats := range buckets {
		if len(feats) == 0 {
			continue
		}
		cats = append(cats, rootCount{cat, len(feats)})
	}

	// Root ordering in the on-disk index is descending by feature count,
	// ascending category id as the tie-break (spec §4.4 "descending by
	// feature count"; tie-break per spec §9 open question).
	values := make([]interface{}, len(cats))
	for i, c := range cats {
		values[i] = c
	}
	utils.Sort(values, func(a, b interface{}) int {
		ca, cb := a.(rootCount), b.(rootCount)
		if ca.count != cb.count {
			return cb.count - ca.count
		}
		return int(ca.cat) - int(cb.cat)
	})

	entries := make([]model.IndexRootEntry, len(values))
	for i, v := range values {
		rc := v.(rootCount)
		trunk := buildRootTrunk(m, buckets[rc.cat], ix.Settings.RtreeBucketSize, ix.Bounds)
		entries[i] = model.IndexRootEntry{Category: rc.cat, Trunk: trunk}
	}

	rt := model.IndexRootTableBuilder{}.Build(m, entries)
	return rt.Handle, nil
}
