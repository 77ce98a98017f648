// Package swap is the swap-slot allocator (component A): a bitmap of
// page-sized slots over a raw block device, bypassing the filesystem
// cache entirely. Grounded on pintos's vm/swap.c (swap_init's bitmap over
// block_size(swap_device) / PGSIZE slots, swap_in/swap_out's per-sector
// loop) adapted onto this repo's disk.Device instead of pintos's block.h.
package swap

import (
	"sync"

	"waffle/defs"
	"waffle/disk"
	"waffle/mem"
)

// SectorsPerSlot is how many device sectors one page-sized swap slot
// occupies, per §6's swap layout.
const SectorsPerSlot = mem.PGSIZE / disk.SectorSize

// Allocator is the swap bitmap, serialised by its own mutex per §5 tier 9.
type Allocator struct {
	mu   sync.Mutex
	dev  disk.Device
	bits []bool
}

// New sizes the bitmap to the device's slot capacity.
func New(dev disk.Device) *Allocator {
	return &Allocator{
		dev:  dev,
		bits: make([]bool, dev.NSectors()/SectorsPerSlot),
	}
}

// AllocateSlot scans for the first clear bit and flips it. Failure here is
// fatal for the triggering pager: out of swap with nothing evictable is a
// resource-exhaustion error the caller surfaces by aborting the process,
// not something this allocator retries.
func (a *Allocator) AllocateSlot() (int, defs.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, used := range a.bits {
		if !used {
			a.bits[i] = true
			return i, 0
		}
	}
	return 0, -defs.ENOHEAP
}

// Free clears slot's bit, making it available for reuse.
func (a *Allocator) Free(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bits[slot] = false
}

// ReadPage reads slot's page-sized contents into dst, issuing one raw
// block read per sector; swap traffic never touches the filesystem cache.
func (a *Allocator) ReadPage(slot int, dst []uint8) defs.Err_t {
	if len(dst) != mem.PGSIZE {
		return -defs.EINVAL
	}
	base := slot * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		off := i * disk.SectorSize
		if err := a.dev.ReadSector(base+i, dst[off:off+disk.SectorSize]); err != 0 {
			return err
		}
	}
	return 0
}

// WritePage writes src's page-sized contents to slot, one sector at a
// time.
func (a *Allocator) WritePage(slot int, src []uint8) defs.Err_t {
	if len(src) != mem.PGSIZE {
		return -defs.EINVAL
	}
	base := slot * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		off := i * disk.SectorSize
		if err := a.dev.WriteSector(base+i, src[off:off+disk.SectorSize]); err != 0 {
			return err
		}
	}
	return 0
}
