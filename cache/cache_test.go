package cache

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"waffle/disk"
)

func TestInsertRoundTrip(t *testing.T) {
	dev := disk.NewMemDevice(8)
	c := New(dev)
	defer c.Stop()

	want := make([]uint8, disk.SectorSize)
	for i := range want {
		want[i] = uint8(i)
	}
	bh := c.Insert(3)
	bh.BeginRW()
	bh.Unlock()
	copy(bh.Data, want)
	bh.EndRW(true)

	c.Flush()

	got := make([]uint8, disk.SectorSize)
	dev.ReadSector(3, got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sector 3 mismatch (-want +got):\n%s", diff)
	}
}

func TestCacheHitAfterEviction(t *testing.T) {
	dev := disk.NewMemDevice(Size + 2)
	c := New(dev)
	defer c.Stop()

	for s := 1; s <= Size+1; s++ {
		bh := c.Insert(s)
		bh.Unlock()
	}
	// inserting sector Size+1 evicted one buffer: the clock's first advance
	// lands on slot 1 (sector 2), so sector 1 is still cached and this
	// re-insert is a hit; it must not panic.
	bh := c.Insert(1)
	bh.Unlock()
}

func TestPinExcludesFromClock(t *testing.T) {
	dev := disk.NewMemDevice(Size + 4)
	c := New(dev)
	defer c.Stop()

	pinned := c.Insert(0)
	pinned.Pin()
	pinned.Unlock()

	for s := 1; s <= Size+2; s++ {
		bh := c.Insert(s)
		bh.Unlock()
	}

	bh := c.Insert(0)
	if bh.b != pinned.b {
		t.Fatalf("pinned buffer was evicted")
	}
	bh.Unlock()
}
