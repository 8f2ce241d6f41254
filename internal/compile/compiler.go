package compile

import (
	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// reservedDuplicateTag and reservedOrphanTag are the synthesized tags for
// untagged exception nodes (spec §4.3 stage 5).
const (
	reservedDuplicateTag = "geodesk:duplicate"
	reservedOrphanTag    = "geodesk:orphan"
	reservedTagValueYes  = "yes"
)

// CompilerWorker runs the build-path compile stages of spec §4.3 over one
// decoded Pile, materializing its features into a model.TileModel.
// One CompilerWorker (and the TileModel it is given) is owned by a single
// internal/engine worker goroutine; it holds no state across Compile calls.
type CompilerWorker struct{}

// coord is a plain (untracked) node's location, known only from the
// `coords` map until/unless the node is promoted to a feature.
type coord struct{ X, Y int32 }

// compileState holds the per-tile working state threaded through the
// compile stages; it does not outlive one Compile call.
type compileState struct {
	m    *model.TileModel
	diag *diag.Diagnostics

	coords map[int64]coord

	foreignNode map[int64]ForeignFeature
	foreignWay  map[int64]ForeignFeature
	foreignRel  map[int64]ForeignFeature
}

// Compile decodes pile and builds every local feature it describes into m,
// following the six stages of spec §4.3.
func (CompilerWorker) Compile(m *model.TileModel, pile []byte, d *diag.Diagnostics) error {
	p, err := DecodePile(pile)
	if err != nil {
		return err
	}

	st := &compileState{
		m:           m,
		diag:        d,
		coords:      make(map[int64]coord),
		foreignNode: make(map[int64]ForeignFeature),
		foreignWay:  make(map[int64]ForeignFeature),
		foreignRel:  make(map[int64]ForeignFeature),
	}

	// Stage 4: foreign features.
	seenForeignNode := make(map[int64]bool)
	for _, ff := range p.Foreign {
		switch ff.Type {
		case model.FeatureTypeNode:
			if seenForeignNode[ff.ID] {
				d.Warn("duplicate foreign node declaration for id %d, ignoring (spec §9 Open Question 3: benign)", ff.ID)
				continue
			}
			seenForeignNode[ff.ID] = true
			st.foreignNode[ff.ID] = ff
		case model.FeatureTypeWay:
			st.foreignWay[ff.ID] = ff
		case model.FeatureTypeRelation:
			st.foreignRel[ff.ID] = ff
		}
	}

	// Stage 2: local features.
	for _, n := range p.Nodes {
		if len(n.Tags) == 0 {
			st.coords[n.ID] = coord{n.X, n.Y}
			continue
		}
		f := m.CreateFeature(model.FeatureTypeNode, n.ID)
		f.X, f.Y = n.X, n.Y
		tt := model.TagTableBuilder{}.Build(m, n.Tags)
		f.TagTable = tt.Handle
	}
	for i := range p.Ways {
		m.CreateFeature(model.FeatureTypeWay, p.Ways[i].ID)
	}
	for i := range p.Relations {
		m.CreateFeature(model.FeatureTypeRelation, p.Relations[i].ID)
	}

	// Stage 5 (applied before memberships reference promoted nodes):
	// special-node markers.
	for _, sm := range p.SpecialMarkers {
		f, ok := m.Feature(model.FeatureTypeNode, sm.NodeID)
		if !ok {
			c, hasCoord := st.coords[sm.NodeID]
			if !hasCoord {
				d.Warn("special-node marker for unknown node %d", sm.NodeID)
				continue
			}
			f = m.CreateFeature(model.FeatureTypeNode, sm.NodeID)
			f.X, f.Y = c.X, c.Y
			delete(st.coords, sm.NodeID)
			var tags []model.TagValue
			if sm.Duplicate {
				tags = append(tags, model.TagValue{Key: reservedDuplicateTag, GlobalKeyCode: -1, Str: reservedTagValueYes})
			}
			if sm.Orphan {
				tags = append(tags, model.TagValue{Key: reservedOrphanTag, GlobalKeyCode: -1, Str: reservedTagValueYes})
			}
			if len(tags) > 0 {
				tt := model.TagTableBuilder{}.Build(m, tags)
				f.TagTable = tt.Handle
			}
			f.FFlags |= model.FeatureExceptionNode
		}
		if sm.SharedLocation {
			f.FFlags |= model.FeatureSharedLocation
		}
	}

	// Stage 3: memberships.
	for _, md := range p.Memberships {
		member, err := st.resolveMember(md.MemberType, md.MemberID)
		if err != nil {
			d.Warn("%v", err)
			continue
		}
		mem, err := st.membershipFor(md.RelType, md.RelID)
		if err != nil {
			d.Warn("%v", err)
			continue
		}
		if member.Memberships == nil {
			member.Memberships = model.NewMembershipList()
		}
		member.Memberships.Add(mem)
		member.FFlags |= model.FeatureRelationMember
	}

	// Stage 6: build relations, then ways, then nodes (topological order is
	// guaranteed by the sorter's record ordering, preserved in p.Relations).
	for i := range p.Relations {
		st.buildRelation(&p.Relations[i])
	}
	for i := range p.Ways {
		st.buildWay(&p.Ways[i])
	}
	for _, f := range m.AllFeatures() {
		if f.Type == model.FeatureTypeNode {
			st.finalizeNode(f)
		}
	}

	// Stage 1's export declarations are forward references resolved only
	// now that every local feature has its final handle (spec §4.3 stage
	// 1 "exports (forward declaration)"; spec §3 "ExportTable... the
	// index into this array is the feature's TEX").
	if len(p.Exports) > 0 {
		refs := make([]model.Handle, 0, len(p.Exports))
		for _, ed := range p.Exports {
			f, ok := m.Feature(ed.Type, ed.ID)
			if !ok {
				d.Warn("export declaration for unknown local %v %d, omitting", ed.Type, ed.ID)
				continue
			}
			refs = append(refs, f.Handle)
		}
		m.CreateExportTable(refs)
	}

	return nil
}

// resolveMember looks up (and, for a local untagged node, promotes) the
// member named by a membership declaration.
func (st *compileState) resolveMember(t model.FeatureType, id int64) (*model.Feature, error) {
	if f, ok := st.m.Feature(t, id); ok {
		return f, nil
	}
	if t == model.FeatureTypeNode {
		if c, ok := st.coords[id]; ok {
			f := st.m.CreateFeature(model.FeatureTypeNode, id)
			f.X, f.Y = c.X, c.Y
			delete(st.coords, id)
			return f, nil
		}
	}
	return nil, diag.ReferentialIntegrityf("membership references unknown local %v %d", t, id)
}

// membershipFor builds the model.Membership record attached to a member,
// describing the (possibly foreign) relation it belongs to.
func (st *compileState) membershipFor(relType model.FeatureType, relID int64) (model.Membership, error) {
	if relType != model.FeatureTypeRelation {
		return model.Membership{}, diag.Malformedf("membership relation type %v is not a relation", relType)
	}
	if rel, ok := st.m.Feature(model.FeatureTypeRelation, relID); ok {
		return model.Membership{IsForeign: false, Local: rel.Handle, LocalID: relID}, nil
	}
	if ff, ok := st.foreignRel[relID]; ok {
		return model.Membership{IsForeign: true, Foreign: ff.Ref}, nil
	}
	return model.Membership{}, diag.ReferentialIntegrityf("membership references unknown relation %d", relID)
}

// finalizeNode builds (or rebuilds) a node's stub once its final
// membership/flag state is known (spec §4.3 "Node finalization").
func (st *compileState) finalizeNode(f *model.Feature) {
	if f.IsMember() {
		entries := membershipEntries(f.Memberships)
		rt := model.RelationTableBuilder{}.Build(st.m, entries)
		f.RelTable = rt.Handle
	}
	f.BuildNodeStub(st.m)
}

// membershipEntries converts a feature's accumulated Memberships into the
// RelTableEntry slice RelationTableBuilder expects, in the membership sort
// key order (spec §4.3 "locals first... then foreigns grouped by TIP").
func membershipEntries(ml *model.MembershipList) []model.RelTableEntry {
	sorted := ml.Sorted()
	entries := make([]model.RelTableEntry, len(sorted))
	for i, mem := range sorted {
		entries[i] = model.RelTableEntry{IsForeign: mem.IsForeign, Local: mem.Local, Foreign: mem.Foreign}
	}
	return entries
}

// buildWay resolves a way's node list, computes its bbox/AREA flag, and
// builds its WayBody (spec §4.3 "Way build").
func (st *compileState) buildWay(w *ProtoWay) {
	f, ok := st.m.Feature(model.FeatureTypeWay, w.ID)
	if !ok {
		return
	}

	nodes := make([]model.WayNode, 0, len(w.NodeIDs))
	minX, minY := int32(1<<31-1), int32(1<<31-1)
	maxX, maxY := int32(-(1<<31)+1), int32(-(1<<31)+1)
	for _, id := range w.NodeIDs {
		wn := model.WayNode{ID: id}
		if nf, ok := st.m.Feature(model.FeatureTypeNode, id); ok {
			nf.FFlags |= model.FeatureWaynode
			wn.X, wn.Y = nf.X, nf.Y
			wn.IsFeature = true
			wn.Local = nf.Handle
		} else if c, ok := st.coords[id]; ok {
			wn.X, wn.Y = c.X, c.Y
		} else if ff, ok := st.foreignNode[id]; ok {
			wn.IsFeature = true
			wn.IsForeign = true
			wn.Foreign = ff.Ref
			wn.X, wn.Y = ff.X, ff.Y
		} else {
			st.diag.Warn("way %d references unknown node %d", w.ID, id)
			continue
		}
		nodes = append(nodes, wn)
		if wn.X < minX {
			minX = wn.X
		}
		if wn.Y < minY {
			minY = wn.Y
		}
		if wn.X > maxX {
			maxX = wn.X
		}
		if wn.Y > maxY {
			maxY = wn.Y
		}
	}
	if len(nodes) == 0 {
		minX, minY, maxX, maxY = 0, 0, 0, 0
	}

	isArea := w.Closed && tagsImplyWayArea(w.Tags)
	if isArea {
		f.FFlags |= model.FeatureArea
	}

	// spec §8: a closed-ring non-area way repeats its first coordinate as
	// its last in the coord section, independent of whether that node is
	// itself a tracked feature. Appending the full WayNode (not just its
	// coordinates) lets WayBodyBuilder.Build's existing node-table pass
	// add the matching node-table entry only when the node is a feature.
	if w.Closed && !isArea && !isLastFeatureNode(nodes) {
		nodes = append(nodes, nodes[0])
	}
	f.MinX, f.MinY, f.MaxX, f.MaxY = minX, minY, maxX, maxY

	var relEntries []model.RelTableEntry
	if f.IsMember() {
		relEntries = membershipEntries(f.Memberships)
	}

	tt := model.TagTableBuilder{}.Build(st.m, w.Tags)
	f.TagTable = tt.Handle

	wb := model.WayBodyBuilder{}.Build(st.m, relEntries, minX, minY, w.Closed, nodes)
	f.Body = wb.Handle
	f.BuildWayRelStub(st.m)
}

// isLastFeatureNode reports whether the first node (by value) already
// appears at the end, avoiding a double-duplicate when the proto stream
// already closed the ring itself.
func isLastFeatureNode(nodes []model.WayNode) bool {
	if len(nodes) < 2 {
		return true
	}
	return nodes[0].ID == nodes[len(nodes)-1].ID
}

// tagsImplyWayArea is a minimal area-tag heuristic (area=yes, or a closed
// ring with no area=no override); the real key/value area-interpretation
// table lives in internal/index's categorization config, out of scope for
// the compiler itself.
func tagsImplyWayArea(tags []model.TagValue) bool {
	for _, t := range tags {
		if t.Key == "area" {
			return t.Str == "yes"
		}
	}
	return true
}

// buildRelation resolves a relation's members, computes its bbox/AREA
// flag, and builds its RelationBody (spec §4.3 "Relation build").
func (st *compileState) buildRelation(r *ProtoRelation) {
	f, ok := st.m.Feature(model.FeatureTypeRelation, r.ID)
	if !ok {
		return
	}

	members := make([]model.Member, 0, len(r.Members))
	minX, minY := int32(1<<31-1), int32(1<<31-1)
	maxX, maxY := int32(-(1<<31)+1), int32(-(1<<31)+1)
	hasOuter := false
	var prevGlobalRole int32 = -1
	var prevLocalRole string

	for _, rm := range r.Members {
		mem := model.Member{GlobalRole: -1}
		roleChanged := rm.GlobalRole != prevGlobalRole || rm.LocalRole != prevLocalRole
		mem.RoleChanged = roleChanged
		mem.GlobalRole = rm.GlobalRole
		mem.LocalRole = rm.LocalRole
		prevGlobalRole, prevLocalRole = rm.GlobalRole, rm.LocalRole
		// Global role code 0 is reserved for "outer" by convention (there is
		// no external global-role code table in this exercise to cross-check).
		if rm.GlobalRole == 0 || rm.LocalRole == "outer" {
			hasOuter = true
		}

		switch rm.Type {
		case model.FeatureTypeNode:
			if nf, ok := st.m.Feature(model.FeatureTypeNode, rm.ID); ok {
				mem.Local = nf.Handle
				extendBBox(&minX, &minY, &maxX, &maxY, nf.X, nf.Y, nf.X, nf.Y)
			} else if c, ok := st.coords[rm.ID]; ok {
				nf := st.m.CreateFeature(model.FeatureTypeNode, rm.ID)
				nf.X, nf.Y = c.X, c.Y
				delete(st.coords, rm.ID)
				mem.Local = nf.Handle
				extendBBox(&minX, &minY, &maxX, &maxY, c.X, c.Y, c.X, c.Y)
			} else if ff, ok := st.foreignNode[rm.ID]; ok {
				mem.IsForeign = true
				mem.Foreign = ff.Ref
				if ff.HasXY {
					extendBBox(&minX, &minY, &maxX, &maxY, ff.X, ff.Y, ff.X, ff.Y)
				}
			} else {
				st.diag.Warn("relation %d references unknown node %d", r.ID, rm.ID)
				continue
			}
		case model.FeatureTypeWay:
			if wf, ok := st.m.Feature(model.FeatureTypeWay, rm.ID); ok {
				mem.Local = wf.Handle
				extendBBox(&minX, &minY, &maxX, &maxY, wf.MinX, wf.MinY, wf.MaxX, wf.MaxY)
			} else if ff, ok := st.foreignWay[rm.ID]; ok {
				mem.IsForeign = true
				mem.Foreign = ff.Ref
			} else {
				st.diag.Warn("relation %d references unknown way %d", r.ID, rm.ID)
				continue
			}
		case model.FeatureTypeRelation:
			if rf, ok := st.m.Feature(model.FeatureTypeRelation, rm.ID); ok {
				mem.Local = rf.Handle
				extendBBox(&minX, &minY, &maxX, &maxY, rf.MinX, rf.MinY, rf.MaxX, rf.MaxY)
			} else if ff, ok := st.foreignRel[rm.ID]; ok {
				mem.IsForeign = true
				mem.Foreign = ff.Ref
			} else {
				st.diag.Warn("relation %d references unknown relation %d", r.ID, rm.ID)
				continue
			}
		}
		members = append(members, mem)
	}
	if len(members) == 0 {
		minX, minY, maxX, maxY = 0, 0, 0, 0
	}

	isArea := hasOuter && tagsImplyRelationArea(r.Tags)
	if isArea {
		f.FFlags |= model.FeatureArea
	}
	f.MinX, f.MinY, f.MaxX, f.MaxY = minX, minY, maxX, maxY

	var relEntries []model.RelTableEntry
	if f.IsMember() {
		relEntries = membershipEntries(f.Memberships)
	}

	tt := model.TagTableBuilder{}.Build(st.m, r.Tags)
	f.TagTable = tt.Handle

	rb := model.RelationBodyBuilder{}.Build(st.m, relEntries, members)
	f.Body = rb.Handle
	f.BuildWayRelStub(st.m)
}

func tagsImplyRelationArea(tags []model.TagValue) bool {
	for _, t := range tags {
		if t.Key == "type" {
			return t.Str == "multipolygon" || t.Str == "boundary"
		}
	}
	return false
}

func extendBBox(minX, minY, maxX, maxY *int32, x0, y0, x1, y1 int32) {
	if x0 < *minX {
		*minX = x0
	}
	if y0 < *minY {
		*minY = y0
	}
	if x1 > *maxX {
		*maxX = x1
	}
	if y1 > *maxY {
		*maxY = y1
	}
}
