package model

import (
	"github.com/emirpasic/gods/lists/singlylinkedlist"
	"github.com/emirpasic/gods/utils"
)

// Membership records one parent-relation reference accumulated on a
// feature during compile (spec §3 "Membership... records (relationId,
// relationRef) where the relation may be local or foreign"). The list is
// kept as a singly-linked list per feature and sorted only when a
// TRelationTable is actually built from it (spec §4.3 "Membership sort
// key when building a reltable").
type Membership struct {
	IsForeign bool
	Local     Handle            // local relation's feature handle, if !IsForeign
	LocalID   int64             // local relation's OSM id (not part of the sort order)
	Foreign   ForeignFeatureRef // TIP/TEX, if IsForeign
}

// MembershipList is the per-feature accumulator described in spec §3,
// backed by a singly-linked list (github.com/emirpasic/gods) rather than
// a hand-rolled one — grounded on go-ethereum's direct dependency on gods
// for exactly this kind of small ordered container (see DESIGN.md).
type MembershipList struct {
	list *singlylinkedlist.List
}

// NewMembershipList creates an empty list.
func NewMembershipList() *MembershipList {
	return &MembershipList{list: singlylinkedlist.New()}
}

// Add appends a membership (order is reconciled later by Sorted).
func (ml *MembershipList) Add(m Membership) {
	ml.list.Add(m)
}

// Empty reports whether the list has no memberships.
func (ml *MembershipList) Empty() bool {
	return ml == nil || ml.list.Empty()
}

// Len returns the number of memberships.
func (ml *MembershipList) Len() int {
	if ml == nil {
		return 0
	}
	return ml.list.Size()
}

// Sorted returns the memberships ordered per spec §4.3's membership sort
// key: locals first (by handle), then foreigns grouped by TIP (sorted),
// within each TIP group by TEX.
func (ml *MembershipList) Sorted() []Membership {
	if ml == nil {
		return nil
	}
	values := ml.list.Values()
	comparator := func(a, b interface{}) int {
		return compareMemberships(a.(Membership), b.(Membership))
	}
	utils.Sort(values, comparator)
	out := make([]Membership, len(values))
	for i, v := range values {
		out[i] = v.(Membership)
	}
	return out
}

// compareMemberships implements the ordering: locals before foreigns,
// locals by handle, foreigns by TIP then TEX.
func compareMemberships(a, b Membership) int {
	if a.IsForeign != b.IsForeign {
		if !a.IsForeign {
			return -1
		}
		return 1
	}
	if !a.IsForeign {
		switch {
		case a.Local < b.Local:
			return -1
		case a.Local > b.Local:
			return 1
		default:
			return 0
		}
	}
	if a.Foreign.TIP != b.Foreign.TIP {
		if a.Foreign.TIP < b.Foreign.TIP {
			return -1
		}
		return 1
	}
	switch {
	case a.Foreign.TEX < b.Foreign.TEX:
		return -1
	case a.Foreign.TEX > b.Foreign.TEX:
		return 1
	default:
		return 0
	}
}
