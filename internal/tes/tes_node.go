package tes

import "github.com/clarisma/geodesk-tilebuild/internal/model"

// applyNodeChange resolves GEOMETRY_CHANGED for a node (a zigzag
// delta against the previous node's coordinates, spec §4.8 "node
// geometry... coordinate deltas threaded across the whole stream",
// grounded on TesReader's single rolling prevXY_) and the flag-derived
// FeatureFlags bits that apply to nodes (IS_AREA never does; NODE_
// BELONGS_TO_WAY, HAS_SHARED_LOCATION, IS_EXCEPTION_NODE do), then
// rebuilds the stub so the new values take effect.
func (u *updater) applyNodeChange(f *model.Feature, flags uint16) error {
	if flags&geometryChanged != 0 {
		dx, err := u.r.varint()
		if err != nil {
			return err
		}
		dy, err := u.r.varint()
		if err != nil {
			return err
		}
		u.prevX += int32(dx)
		u.prevY += int32(dy)
		f.X, f.Y = u.prevX, u.prevY
	}
	applyNodeFlags(f, flags)
	f.BuildNodeStub(u.m)
	return nil
}

func applyNodeFlags(f *model.Feature, flags uint16) {
	set := func(bit uint16, ff model.FeatureFlags) {
		if flags&bit != 0 {
			f.FFlags |= ff
		} else {
			f.FFlags &^= ff
		}
	}
	set(nodeBelongsToWay, model.FeatureWaynode)
	set(hasSharedLocation, model.FeatureSharedLocation)
	set(isExceptionNode, model.FeatureExceptionNode)
}
