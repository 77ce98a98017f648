package sharing

import (
	"testing"

	"waffle/mmu"
	"waffle/vmpage"
)

func TestRegisterFindSharedFrame(t *testing.T) {
	tab := New()
	key := vmpage.ShareKey{Sector: 5, Offset: 0}

	if _, ok := tab.FindSharedFrame(key); ok {
		t.Fatalf("FindSharedFrame should miss on an empty table")
	}

	as1 := mmu.NewAS()
	p1 := &vmpage.Page{VPage: mmu.VPage(1), AS: as1}
	tab.Register(key, p1)
	if _, ok := tab.FindSharedFrame(key); ok {
		t.Fatalf("FindSharedFrame should miss while no sharer has a live frame")
	}

	p1.Frame = 42
	frame, ok := tab.FindSharedFrame(key)
	if !ok || frame != 42 {
		t.Fatalf("FindSharedFrame = (%v,%v), want (42,true)", frame, ok)
	}
}

func TestUnregisterCount(t *testing.T) {
	tab := New()
	key := vmpage.ShareKey{Sector: 1, Offset: 0}

	p1 := &vmpage.Page{VPage: mmu.VPage(1)}
	p2 := &vmpage.Page{VPage: mmu.VPage(2)}
	tab.Register(key, p1)
	tab.Register(key, p2)

	if n := tab.Count(key); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
	if n := tab.Unregister(key, p1); n != 1 {
		t.Fatalf("Unregister remaining = %d, want 1", n)
	}
	if n := tab.Unregister(key, p2); n != 0 {
		t.Fatalf("Unregister remaining = %d, want 0", n)
	}
	if n := tab.Count(key); n != 0 {
		t.Fatalf("Count after emptying = %d, want 0", n)
	}
}

func TestInvalidateClearsEverySharer(t *testing.T) {
	tab := New()
	key := vmpage.ShareKey{Sector: 2, Offset: 4096}

	as1, as2 := mmu.NewAS(), mmu.NewAS()
	as1.Lock()
	as1.Map(mmu.VPage(1), 9, mmu.PTE_P)
	as1.Unlock()
	as2.Lock()
	as2.Map(mmu.VPage(2), 9, mmu.PTE_P)
	as2.Unlock()

	p1 := &vmpage.Page{VPage: mmu.VPage(1), AS: as1, Frame: 9}
	p2 := &vmpage.Page{VPage: mmu.VPage(2), AS: as2, Frame: 9}
	tab.Register(key, p1)
	tab.Register(key, p2)

	tab.Invalidate(key)

	if p1.Frame != 0 || p2.Frame != 0 {
		t.Fatalf("Invalidate must clear every sharer's Frame")
	}
	if _, ok := as1.Lookup(mmu.VPage(1)); ok {
		t.Fatalf("Invalidate must unmap sharer 1's page table entry")
	}
	if _, ok := as2.Lookup(mmu.VPage(2)); ok {
		t.Fatalf("Invalidate must unmap sharer 2's page table entry")
	}
}

func TestPinnedAndScanAndClearAccessed(t *testing.T) {
	tab := New()
	key := vmpage.ShareKey{Sector: 3, Offset: 0}

	p1 := &vmpage.Page{VPage: mmu.VPage(1)}
	p2 := &vmpage.Page{VPage: mmu.VPage(2)}
	tab.Register(key, p1)
	tab.Register(key, p2)

	if tab.Pinned(key) {
		t.Fatalf("nothing pinned yet")
	}
	p2.SetPinned(true)
	if !tab.Pinned(key) {
		t.Fatalf("Pinned should be true once any sharer is pinned")
	}

	as := mmu.NewAS()
	as.Lock()
	as.Map(mmu.VPage(1), 1, mmu.PTE_P)
	as.Unlock()
	as.MarkAccessed(mmu.VPage(1))
	p1.AS = as

	if !tab.ScanAndClearAccessed(key) {
		t.Fatalf("ScanAndClearAccessed should see p1's accessed bit")
	}
	if tab.ScanAndClearAccessed(key) {
		t.Fatalf("accessed bit should have been cleared by the first scan")
	}
}
