package swap

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"waffle/defs"
	"waffle/disk"
	"waffle/mem"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	dev := disk.NewMemDevice(SectorsPerSlot * 4)
	a := New(dev)

	first, err := a.AllocateSlot()
	if err != 0 {
		t.Fatalf("AllocateSlot: %s", err)
	}
	second, err := a.AllocateSlot()
	if err != 0 {
		t.Fatalf("AllocateSlot: %s", err)
	}
	if first == second {
		t.Fatalf("allocated the same slot twice: %d", first)
	}

	a.Free(first)
	third, err := a.AllocateSlot()
	if err != 0 {
		t.Fatalf("AllocateSlot after Free: %s", err)
	}
	if third != first {
		t.Fatalf("Free'd slot %d was not reused, got %d", first, third)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	dev := disk.NewMemDevice(SectorsPerSlot * 2)
	a := New(dev)

	for i := 0; i < 2; i++ {
		if _, err := a.AllocateSlot(); err != 0 {
			t.Fatalf("AllocateSlot %d: %s", i, err)
		}
	}
	if _, err := a.AllocateSlot(); err != -defs.ENOHEAP {
		t.Fatalf("want ENOHEAP, got %s", err)
	}
}

func TestReadWritePageRoundTrip(t *testing.T) {
	dev := disk.NewMemDevice(SectorsPerSlot * 2)
	a := New(dev)

	slot, err := a.AllocateSlot()
	if err != 0 {
		t.Fatalf("AllocateSlot: %s", err)
	}

	want := make([]uint8, mem.PGSIZE)
	for i := range want {
		want[i] = uint8(i)
	}
	if err := a.WritePage(slot, want); err != 0 {
		t.Fatalf("WritePage: %s", err)
	}

	got := make([]uint8, mem.PGSIZE)
	if err := a.ReadPage(slot, got); err != 0 {
		t.Fatalf("ReadPage: %s", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("page mismatch (-want +got):\n%s", diff)
	}
}

func TestReadWritePageWrongSize(t *testing.T) {
	dev := disk.NewMemDevice(SectorsPerSlot)
	a := New(dev)
	slot, _ := a.AllocateSlot()

	if e := a.WritePage(slot, make([]uint8, mem.PGSIZE-1)); e != -defs.EINVAL {
		t.Fatalf("want EINVAL for short buffer, got %s", e)
	}
	if e := a.ReadPage(slot, make([]uint8, mem.PGSIZE-1)); e != -defs.EINVAL {
		t.Fatalf("want EINVAL for short buffer, got %s", e)
	}
}
