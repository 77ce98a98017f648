package vmpage

import (
	"testing"

	"waffle/defs"
	"waffle/mmu"
)

type fakePool struct {
	released []*Page
}

func (f *fakePool) Release(p *Page) { f.released = append(f.released, p) }

type fakeSwap struct {
	freed []int
}

func (f *fakeSwap) Free(slot int) { f.freed = append(f.freed, slot) }

func TestInsertZeroAndLookup(t *testing.T) {
	as := mmu.NewAS()
	pool := &fakePool{}
	pt := NewPageTable(pool)

	vp := mmu.VPage(10)
	p := pt.InsertZero(as, vp, true)
	if p.Kind != KindZero || !p.Writable {
		t.Fatalf("unexpected page %+v", p)
	}
	got, ok := pt.Lookup(vp)
	if !ok || got != p {
		t.Fatalf("Lookup did not return the inserted page")
	}
	if _, ok := pt.Lookup(mmu.VPage(11)); ok {
		t.Fatalf("Lookup found a page that was never inserted")
	}
}

func TestShareKeyOnlyForReadOnlyExecutable(t *testing.T) {
	as := mmu.NewAS()
	pt := NewPageTable(&fakePool{})

	zero := pt.InsertZero(as, mmu.VPage(1), false)
	if _, ok := zero.ShareKey(); ok {
		t.Fatalf("zero page must not be shareable")
	}

	// An executable page with no backing file (shouldn't happen in
	// practice, but ShareKey must still refuse it rather than panic).
	exec := &Page{Kind: KindExecutable, VPage: mmu.VPage(2), Writable: false}
	if _, ok := exec.ShareKey(); ok {
		t.Fatalf("executable page with no file must not be shareable")
	}

	writableExec := &Page{Kind: KindExecutable, VPage: mmu.VPage(3), Writable: true}
	if _, ok := writableExec.ShareKey(); ok {
		t.Fatalf("writable executable page must not be shareable")
	}
}

func TestPinnedState(t *testing.T) {
	p := &Page{Kind: KindZero}
	if p.IsPinned() {
		t.Fatalf("fresh page should not be pinned")
	}
	p.SetPinned(true)
	if !p.IsPinned() {
		t.Fatalf("SetPinned(true) did not stick")
	}
	p.SetPinned(false)
	if p.IsPinned() {
		t.Fatalf("SetPinned(false) did not stick")
	}
}

func TestFreeAllReleasesFramesAndSwap(t *testing.T) {
	as := mmu.NewAS()
	pool := &fakePool{}
	pt := NewPageTable(pool)

	resident := pt.InsertZero(as, mmu.VPage(1), true)
	resident.Frame = 7

	swapped := pt.InsertZero(as, mmu.VPage(2), true)
	swapped.SwapSlot = 3

	sw := &fakeSwap{}
	pt.FreeAll(sw)

	if len(pool.released) != 1 || pool.released[0] != resident {
		t.Fatalf("expected exactly the resident page released, got %v", pool.released)
	}
	if len(sw.freed) != 1 || sw.freed[0] != 3 {
		t.Fatalf("expected swap slot 3 freed, got %v", sw.freed)
	}
	if _, ok := pt.Lookup(mmu.VPage(1)); ok {
		t.Fatalf("FreeAll must clear the table")
	}
}

func TestExtendStackRejectsOutsideRegion(t *testing.T) {
	as := mmu.NewAS()
	pt := NewPageTable(&fakePool{})

	if _, err := pt.ExtendStack(as, PhysBase); err != -defs.EFAULT {
		t.Fatalf("want EFAULT at PhysBase itself, got %s", err)
	}
	if _, err := pt.ExtendStack(as, PhysBase-StackLimit-1); err != -defs.EFAULT {
		t.Fatalf("want EFAULT below the stack limit, got %s", err)
	}

	p, err := pt.ExtendStack(as, PhysBase-1)
	if err != 0 {
		t.Fatalf("ExtendStack: %s", err)
	}
	if p.Kind != KindZero || !p.Writable {
		t.Fatalf("stack page should be a writable zero page, got %+v", p)
	}

	again, err := pt.ExtendStack(as, PhysBase-1)
	if err != 0 || again != p {
		t.Fatalf("ExtendStack on an already-mapped page should return the existing entry")
	}
}

func TestStackAccessHeuristic(t *testing.T) {
	esp := uintptr(0x1000)
	cases := []struct {
		fault uintptr
		want  bool
	}{
		{esp, true},
		{esp + 4, true},
		{esp - 4, true},
		{esp - 32, true},
		{esp - 100, false},
	}
	for _, c := range cases {
		if got := StackAccessHeuristic(esp, c.fault); got != c.want {
			t.Fatalf("StackAccessHeuristic(%#x,%#x) = %v, want %v", esp, c.fault, got, c.want)
		}
	}
}
