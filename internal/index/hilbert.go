// Package index builds the spatial R-tree indexes for one tile model: it
// categorizes features by their indexed tag keys, orders them by Hilbert
// distance, packs them into leaves and trunks, and wires the resulting
// roots into the tile's Header (spec §4.4 "Hilbert Indexer and Header").
package index

import (
	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// TileBounds is the world-space rectangle a tile covers, supplied by the
// caller (coordinate projection from zoom/x/y is explicitly out of scope
// here — spec §1 Non-goals "coordinate projection"). Representative
// points are clamped to this rectangle before computing a Hilbert
// distance (spec §4.4 "clamped to tile bounds").
type TileBounds struct {
	MinX, MinY, MaxX, MaxY int32
}

// hilbertGridBits is the per-axis grid resolution used for the Hilbert
// distance; at 16 bits per axis the combined distance fits the 32-bit
// value spec §4.4 calls for ("compute a 32-bit Hilbert-curve distance").
const hilbertGridBits = 16
const hilbertGridSize = uint64(1) << hilbertGridBits

// xyToHilbert converts (x, y) to a Hilbert curve index for an n x n grid,
// adapted from the teacher's own directory-entry ordering
// (internal/pmtiles/directory.go xyToHilbert) — same bit-rotation
// algorithm, generalized from tile z/x/y coordinates to clamped
// in-tile feature coordinates.
func xyToHilbert(x, y, n uint64) uint64 {
	var d uint64
	s := n / 2
	for s > 0 {
		var rx, ry uint64
		if (x & s) > 0 {
			rx = 1
		}
		if (y & s) > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		if ry == 0 {
			if rx == 1 {
				x = s*2 - 1 - x
				y = s*2 - 1 - y
			}
			x, y = y, x
		}
		s /= 2
	}
	return d
}

// clampToGrid maps a world coordinate into [0, hilbertGridSize-1] relative
// to [lo, hi], clamping out-of-range values to the nearest edge.
func clampToGrid(v, lo, hi int32) uint64 {
	if hi <= lo {
		return 0
	}
	if v <= lo {
		return 0
	}
	if v >= hi {
		return hilbertGridSize - 1
	}
	span := int64(hi) - int64(lo)
	g := int64(v-lo) * int64(hilbertGridSize-1) / span
	return uint64(g)
}

// hilbertDistance computes the 32-bit Hilbert distance of (x, y) within
// bounds (spec §4.4 "For each feature compute a 32-bit Hilbert-curve
// distance from its representative point").
func hilbertDistance(x, y int32, bounds TileBounds) uint32 {
	gx := clampToGrid(x, bounds.MinX, bounds.MaxX)
	gy := clampToGrid(y, bounds.MinY, bounds.MaxY)
	return uint32(xyToHilbert(gx, gy, hilbertGridSize))
}

// representativePoint returns the point used for a feature's Hilbert
// distance: a node's own xy, or a 2D feature's bbox center (spec §4.4
// "node xy; 2D feature bbox center clamped to tile bounds").
func representativePoint(f *model.Feature) (x, y int32) {
	if f.Type == model.FeatureTypeNode {
		return f.X, f.Y
	}
	return f.MinX + (f.MaxX-f.MinX)/2, f.MinY + (f.MaxY-f.MinY)/2
}
