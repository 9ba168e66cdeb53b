package coordinator

import "testing"

func Test_BusyFiles_RefcountsMultipleCheckouts(t *testing.T) {
	b := NewBusyFiles()
	b.CheckOut(1)
	b.CheckOut(1)
	if !b.IsBusy(1) {
		t.Fatal("expected file 1 to be busy after two check-outs")
	}
	b.CheckIn(1)
	if !b.IsBusy(1) {
		t.Fatal("expected file 1 to still be busy after only one check-in of two")
	}
	b.CheckIn(1)
	if b.IsBusy(1) {
		t.Fatal("expected file 1 to be free after both check-ins")
	}
}

func Test_BusyFiles_CheckInWithoutCheckOutIsNoOp(t *testing.T) {
	b := NewBusyFiles()
	b.CheckIn(42) // no matching CheckOut; must not panic or go negative
	if b.IsBusy(42) {
		t.Fatal("expected file 42 to not be busy")
	}
}

func Test_BusyFiles_Obsolete(t *testing.T) {
	b := NewBusyFiles()
	b.CheckOut(2)

	got := b.Obsolete([]uint32{0, 1, 2, 3}, 3)
	want := map[uint32]bool{0: true, 1: true}
	if len(got) != len(want) {
		t.Fatalf("expected %d obsolete ids, got %v", len(want), got)
	}
	for _, id := range got {
		if !want[id] {
			t.Fatalf("unexpected obsolete id %d (keep=3, busy={2})", id)
		}
	}
}

func Test_BusyFiles_Count(t *testing.T) {
	b := NewBusyFiles()
	if b.Count() != 0 {
		t.Fatalf("expected 0, got %d", b.Count())
	}
	b.CheckOut(5)
	b.CheckOut(6)
	if b.Count() != 2 {
		t.Fatalf("expected 2 distinct busy files, got %d", b.Count())
	}
}
