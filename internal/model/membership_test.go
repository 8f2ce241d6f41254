package model

import "testing"

func TestMembershipListSortedOrdersLocalsBeforeForeigns(t *testing.T) {
	ml := NewMembershipList()
	// Added out of order: a foreign membership first, then locals, then
	// another foreign in a lower TIP but added last.
	ml.Add(Membership{IsForeign: true, Foreign: ForeignFeatureRef{TIP: 9, TEX: 1}})
	ml.Add(Membership{IsForeign: false, Local: 20})
	ml.Add(Membership{IsForeign: false, Local: 5})
	ml.Add(Membership{IsForeign: true, Foreign: ForeignFeatureRef{TIP: 3, TEX: 7}})
	ml.Add(Membership{IsForeign: true, Foreign: ForeignFeatureRef{TIP: 3, TEX: 2}})

	got := ml.Sorted()
	if len(got) != 5 {
		t.Fatalf("len(Sorted()) = %d, want 5", len(got))
	}

	// Locals first, ordered by handle.
	if got[0].IsForeign || got[0].Local != 5 {
		t.Fatalf("got[0] = %+v, want local handle 5", got[0])
	}
	if got[1].IsForeign || got[1].Local != 20 {
		t.Fatalf("got[1] = %+v, want local handle 20", got[1])
	}

	// Then foreigns, grouped by TIP ascending, within a TIP by TEX ascending.
	for i := 2; i < 5; i++ {
		if !got[i].IsForeign {
			t.Fatalf("got[%d] = %+v, want foreign", i, got[i])
		}
	}
	if got[2].Foreign.TIP != 3 || got[2].Foreign.TEX != 2 {
		t.Fatalf("got[2] = %+v, want {TIP:3 TEX:2}", got[2])
	}
	if got[3].Foreign.TIP != 3 || got[3].Foreign.TEX != 7 {
		t.Fatalf("got[3] = %+v, want {TIP:3 TEX:7}", got[3])
	}
	if got[4].Foreign.TIP != 9 || got[4].Foreign.TEX != 1 {
		t.Fatalf("got[4] = %+v, want {TIP:9 TEX:1}", got[4])
	}
}

func TestMembershipListSortedEmpty(t *testing.T) {
	var ml *MembershipList
	if got := ml.Sorted(); got != nil {
		t.Fatalf("Sorted() on nil list = %v, want nil", got)
	}
	ml = NewMembershipList()
	if got := ml.Sorted(); len(got) != 0 {
		t.Fatalf("Sorted() on empty list = %v, want empty", got)
	}
}
