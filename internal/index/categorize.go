package index

import (
	"github.com/emirpasic/gods/utils"

	"github.com/clarisma/geodesk-tilebuild/internal/model"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
)

// categoryNone is the "no indexed key matched" bucket; categoryMulti
// (spec §4.4 "a 32nd root (MULTI)") absorbs multi-match features plus
// anything folded for being too small or over the root cap.
const (
	categoryNone  uint8 = 0
	categoryMulti uint8 = 31
)

// categorize buckets features by indexed-key category, then folds small
// and excess categories into MULTI (spec §4.4 "Categorization").
func categorize(m *model.TileModel, features []*model.Feature, settings store.Settings) map[uint8][]*model.Feature {
	buckets := make(map[uint8][]*model.Feature)
	for _, f := range features {
		cat := categoryOf(m, f, settings.KeysToCategories)
		buckets[cat] = append(buckets[cat], f)
	}
	foldSmallCategories(buckets, settings.KeyIndexMinFeatures)
	foldExcessCategories(buckets, settings.MaxKeyIndexes)
	return buckets
}

// categoryOf scans a feature's global tag keys against the
// keys-to-categories config: one match picks that category, two or more
// go to MULTI, none goes to the no-category bucket (spec §4.4).
func categoryOf(m *model.TileModel, f *model.Feature, keysToCategories map[int32]uint8) uint8 {
	if f.TagTable == model.NoHandle {
		return categoryNone
	}
	elem, ok := m.Lookup(f.TagTable)
	if !ok {
		return categoryNone
	}
	tt, ok := elem.(*model.TagTable)
	if !ok {
		return categoryNone
	}

	matched := make(map[uint8]bool)
	for _, code := range tt.GlobalKeyCodes() {
		cat, ok := keysToCategories[code]
		if !ok || cat == categoryNone || cat == categoryMulti {
			continue
		}
		matched[cat] = true
	}
	switch len(matched) {
	case 0:
		return categoryNone
	case 1:
		for cat := range matched {
			return cat
		}
	}
	return categoryMulti
}

// foldSmallCategories folds any category with fewer than minFeatures
// features into MULTI (spec §4.4 "Categories with fewer than
// keyIndexMinFeatures features are folded into MULTI").
func foldSmallCategories(buckets map[uint8][]*model.Feature, minFeatures int) {
	if minFeatures <= 0 {
		return
	}
	for cat, feats := range buckets {
		if cat == categoryMulti {
			continue
		}
		if len(feats) < minFeatures {
			buckets[categoryMulti] = append(buckets[categoryMulti], feats...)
			delete(buckets, cat)
		}
	}
}

// foldExcessCategories repeatedly folds the smallest remaining non-MULTI
// category into MULTI until at most maxKeyIndexes-1 non-MULTI roots
// remain (spec §4.4; among equal-size categories the highest category id
// folds first, keeping the lowest id preferentially, per SPEC_FULL.md
// §4.4a's resolution of the source's hash-map-iteration-order ambiguity
// — spec §9 open question).
func foldExcessCategories(buckets map[uint8][]*model.Feature, maxKeyIndexes int) {
	rootCap := maxKeyIndexes - 1
	if rootCap < 0 {
		rootCap = 0
	}
	for {
		cats := nonMultiCategories(buckets)
		if len(cats) <= rootCap {
			return
		}
		utils.Sort(cats, func(a, b interface{}) int {
			ca, cb := a.(uint8), b.(uint8)
			la, lb := len(buckets[ca]), len(buckets[cb])
			if la != lb {
				return la - lb
			}
			return int(cb) - int(ca)
		})
		victim := cats[0].(uint8)
		buckets[categoryMulti] = append(buckets[categoryMulti], buckets[victim]...)
		delete(buckets, victim)
	}
}

func nonMultiCategories(buckets map[uint8][]*model.Feature) []interface{} {
	out := make([]interface{}, 0, len(buckets))
	for cat := range buckets {
		if cat != categoryMulti {
			out = append(out, cat)
		}
	}
	return out
}
