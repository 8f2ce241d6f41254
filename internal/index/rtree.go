package index

import (
	"github.com/emirpasic/gods/utils"

	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// featureBBox returns a feature's own bbox, widening a node's point
// coordinate to a degenerate (zero-area) box.
func featureBBox(f *model.Feature) (minX, minY, maxX, maxY int32) {
	if f.Type == model.FeatureTypeNode {
		return f.X, f.Y, f.X, f.Y
	}
	return f.MinX, f.MinY, f.MaxX, f.MaxY
}

func unionBBox(minX, minY, maxX, maxY *int32, oMinX, oMinY, oMaxX, oMaxY int32) {
	if oMinX < *minX {
		*minX = oMinX
	}
	if oMinY < *minY {
		*minY = oMinY
	}
	if oMaxX > *maxX {
		*maxX = oMaxX
	}
	if oMaxY > *maxY {
		*maxY = oMaxY
	}
}

// sortByHilbert orders features ascending by Hilbert distance of their
// representative point (spec §4.4 "Sort features by Hilbert distance"),
// reusing the same gods/utils.Sort idiom as model.MembershipList.Sorted.
func sortByHilbert(features []*model.Feature, bounds TileBounds) {
	values := make([]interface{}, len(features))
	for i, f := range features {
		values[i] = f
	}
	utils.Sort(values, func(a, b interface{}) int {
		fa, fb := a.(*model.Feature), b.(*model.Feature)
		xa, ya := representativePoint(fa)
		xb, yb := representativePoint(fb)
		da, db := hilbertDistance(xa, ya, bounds), hilbertDistance(xb, yb, bounds)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		default:
			return 0
		}
	})
	for i, v := range values {
		features[i] = v.(*model.Feature)
	}
}

// buildRootTrunk packs a category's features into leaves and trunks and
// returns the handle of the single resulting root trunk (spec §4.4
// "Spatial arrangement" steps 2-4).
func buildRootTrunk(m *model.TileModel, features []*model.Feature, bucketSize int, bounds TileBounds) model.Handle {
	if len(features) == 0 {
		return model.NoHandle
	}
	if bucketSize < 1 {
		bucketSize = 1
	}
	sortByHilbert(features, bounds)

	children := buildLeaves(features, bucketSize)
	for len(children) > 1 {
		children = buildTrunkLevel(m, children, bucketSize)
	}
	if children[0].isLeaf {
		// A lone leaf still needs a trunk to anchor the root pointer.
		return wrapInTrunk(m, children)
	}
	return children[0].target
}

// packedChild is an intermediate node built bottom-up: either a leaf
// (first feature of a run of ≤ bucketSize features, already flagged) or
// a previously built Trunk.
type packedChild struct {
	isLeaf                 bool
	minX, minY, maxX, maxY int32
	target                 model.Handle
}

// buildLeaves packs hilbert-sorted features into runs of ≤ bucketSize,
// flags each run's last feature (spec §4.4 "leaves hold ≤ rtreeBucketSize
// features"; a leaf's on-disk identity is its first feature, per
// "On-disk shape": "A leaf child is a feature stub").
func buildLeaves(features []*model.Feature, bucketSize int) []packedChild {
	var leaves []packedChild
	for start := 0; start < len(features); start += bucketSize {
		end := start + bucketSize
		if end > len(features) {
			end = len(features)
		}
		run := features[start:end]
		minX, minY, maxX, maxY := featureBBox(run[0])
		for _, f := range run[1:] {
			fMinX, fMinY, fMaxX, fMaxY := featureBBox(f)
			unionBBox(&minX, &minY, &maxX, &maxY, fMinX, fMinY, fMaxX, fMaxY)
		}
		for i := 0; i < len(run)-1; i++ {
			run[i].Next = run[i+1]
		}
		run[len(run)-1].Flags |= model.FlagLast
		leaves = append(leaves, packedChild{
			isLeaf: true,
			minX:   minX, minY: minY, maxX: maxX, maxY: maxY,
			target: run[0].Handle,
		})
	}
	return leaves
}

// buildTrunkLevel packs one level of children into parent Trunks of up to
// bucketSize children each (spec §4.4 "Repeatedly pack leaves/trunks into
// parent trunks... until one root trunk remains").
func buildTrunkLevel(m *model.TileModel, children []packedChild, bucketSize int) []packedChild {
	var parents []packedChild
	for start := 0; start < len(children); start += bucketSize {
		end := start + bucketSize
		if end > len(children) {
			end = len(children)
		}
		group := children[start:end]
		trunkChildren := make([]model.TrunkChild, len(group))
		minX, minY, maxX, maxY := group[0].minX, group[0].minY, group[0].maxX, group[0].maxY
		for i, c := range group {
			trunkChildren[i] = model.TrunkChild{
				IsLeaf: c.isLeaf,
				MinX:   c.minX, MinY: c.minY, MaxX: c.maxX, MaxY: c.maxY,
				Target: c.target,
			}
			if i > 0 {
				unionBBox(&minX, &minY, &maxX, &maxY, c.minX, c.minY, c.maxX, c.maxY)
			}
		}
		trunk := model.TrunkBuilder{}.Build(m, trunkChildren)
		parents = append(parents, packedChild{
			isLeaf: false,
			minX:   minX, minY: minY, maxX: maxX, maxY: maxY,
			target: trunk.Handle,
		})
	}
	return parents
}

// wrapInTrunk builds a single-child trunk around a lone leaf so every
// root points at a Trunk, never directly at a leaf.
func wrapInTrunk(m *model.TileModel, leaf []packedChild) model.Handle {
	c := leaf[0]
	trunk := model.TrunkBuilder{}.Build(m, []model.TrunkChild{{
		IsLeaf: true,
		MinX:   c.minX, MinY: c.minY, MaxX: c.maxX, MaxY: c.maxY,
		Target: c.target,
	}})
	return trunk.Handle
}
