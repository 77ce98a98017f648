package frame

import (
	"testing"

	"waffle/defs"
	"waffle/disk"
	"waffle/mem"
	"waffle/mmu"
	"waffle/sharing"
	"waffle/swap"
	"waffle/vmpage"
)

func newTestTable(capacity int) (*Table, *mem.Physmem_t) {
	physmem := mem.NewPhysmem(capacity * 2)
	sh := sharing.New()
	sw := swap.New(disk.NewMemDevice(swap.SectorsPerSlot * 4))
	return New(capacity, physmem, sh, sw), physmem
}

func TestPageInZeroPage(t *testing.T) {
	tab, _ := newTestTable(4)
	as := mmu.NewAS()
	pt := vmpage.NewPageTable(tab)
	p := pt.InsertZero(as, mmu.VPage(1), true)

	if err := tab.PageIn(p); err != 0 {
		t.Fatalf("PageIn: %s", err)
	}
	if p.Frame == 0 {
		t.Fatalf("PageIn left Frame unset")
	}
	as.Lock()
	pte, ok := as.Lookup(p.VPage)
	as.Unlock()
	if !ok || pte.Frame != uintptr(p.Frame) {
		t.Fatalf("PageIn did not install the page-table mapping")
	}
}

func TestPinKeepsFrameOutOfEviction(t *testing.T) {
	tab, _ := newTestTable(1)
	as := mmu.NewAS()
	pt := vmpage.NewPageTable(tab)

	pinned := pt.InsertZero(as, mmu.VPage(1), true)
	if err := tab.Pin(pinned); err != 0 {
		t.Fatalf("Pin: %s", err)
	}

	other := pt.InsertZero(as, mmu.VPage(2), true)
	if err := tab.PageIn(other); err != -defs.ENOHEAP {
		t.Fatalf("expected ENOHEAP evicting around a pinned frame, got %s", err)
	}

	tab.Unpin(pinned)
	if err := tab.PageIn(other); err != 0 {
		t.Fatalf("PageIn after Unpin: %s", err)
	}
	if pinned.Frame != 0 {
		t.Fatalf("evicting the unpinned frame should have cleared it")
	}
}

func TestEvictionSwapsOutDirtyZeroPage(t *testing.T) {
	tab, physmem := newTestTable(1)
	as := mmu.NewAS()
	pt := vmpage.NewPageTable(tab)

	first := pt.InsertZero(as, mmu.VPage(1), true)
	if err := tab.PageIn(first); err != 0 {
		t.Fatalf("PageIn first: %s", err)
	}
	as.MarkDirty(first.VPage)

	second := pt.InsertZero(as, mmu.VPage(2), true)
	if err := tab.PageIn(second); err != 0 {
		t.Fatalf("PageIn second (should evict first): %s", err)
	}

	if first.Frame != 0 {
		t.Fatalf("evicted page should have Frame cleared")
	}
	if first.Kind != vmpage.KindSwap {
		t.Fatalf("dirty zero page should become KindSwap on eviction, got %v", first.Kind)
	}
	if first.SwapSlot < 0 {
		t.Fatalf("evicted page should have a swap slot assigned")
	}
	if physmem.Used() != 1 {
		t.Fatalf("exactly one frame should be live after eviction, got %d", physmem.Used())
	}
}

func TestReleaseDropsFrameOwnership(t *testing.T) {
	tab, physmem := newTestTable(2)
	as := mmu.NewAS()
	pt := vmpage.NewPageTable(tab)

	p := pt.InsertZero(as, mmu.VPage(1), true)
	if err := tab.PageIn(p); err != 0 {
		t.Fatalf("PageIn: %s", err)
	}
	if physmem.Used() != 1 {
		t.Fatalf("expected one live frame, got %d", physmem.Used())
	}

	tab.Release(p)
	if p.Frame != 0 {
		t.Fatalf("Release should clear Frame")
	}
	if physmem.Used() != 0 {
		t.Fatalf("Release should return the frame to the pool, used=%d", physmem.Used())
	}
	if _, ok := as.Lookup(p.VPage); ok {
		t.Fatalf("Release should unmap the page-table entry")
	}
}
