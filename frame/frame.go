// Package frame is the global frame table and clock eviction (component
// H): physical-frame ownership, pinning, and page-in/page-out dispatch by
// supplemental page type. Grounded on pintos's vm/frame.c (frame_table's
// hash of frame entries, frame_evict's clock scan and busy-lock discipline,
// frame_alloc_and_lock's page-in dispatch).
package frame

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"waffle/defs"
	"waffle/mem"
	"waffle/mmu"
	"waffle/oommsg"
	"waffle/sharing"
	"waffle/swap"
	"waffle/vmpage"
)

// Table is the global frame table. Its mutex is tier 5 in the lock
// hierarchy: never held across a page's Busy lock except along the
// eviction path, which releases the table mutex before taking Busy.
type Table struct {
	mu       sync.Mutex
	capacity int
	used     int
	owner    map[mem.Pa_t]*vmpage.Page // one representative per frame
	order    []mem.Pa_t                // clock candidates, allocation order
	hand     int

	physmem *mem.Physmem_t
	sh      *sharing.Table
	sw      *swap.Allocator

	// pageinGroup collapses concurrent PageIn callers on the same
	// supplemental page into a single fill, joining the one winner's
	// result instead of racing two page-ins (and two evictions) for the
	// same fault.
	pageinGroup singleflight.Group
}

// New bounds the table to capacity live frames; physmem is the
// underlying (otherwise unbounded) frame pool, sh the sharing table for
// read-only executable interning, sw the swap allocator eviction writes
// fall back to.
func New(capacity int, physmem *mem.Physmem_t, sh *sharing.Table, sw *swap.Allocator) *Table {
	return &Table{
		capacity: capacity,
		owner:    make(map[mem.Pa_t]*vmpage.Page),
		physmem:  physmem,
		sh:       sh,
		sw:       sw,
	}
}

// Pin looks up or pages in p, then marks it pinned so it cannot be chosen
// as an eviction victim, per §4.H.
func (t *Table) Pin(p *vmpage.Page) defs.Err_t {
	if p.Frame == 0 {
		if err := t.PageIn(p); err != 0 {
			return err
		}
	}
	p.SetPinned(true)
	return 0
}

// Unpin clears p's pinned flag.
func (t *Table) Unpin(p *vmpage.Page) {
	p.SetPinned(false)
}

// PageIn fills a frame for p and installs it into p's address space, per
// §4.H's numbered protocol. Concurrent callers faulting on the same p join
// one fill via pageinGroup rather than racing two independent page-ins.
func (t *Table) PageIn(p *vmpage.Page) defs.Err_t {
	v, _, _ := t.pageinGroup.Do(fmt.Sprintf("%p", p), func() (interface{}, error) {
		return t.pageInOnce(p), nil
	})
	return v.(defs.Err_t)
}

func (t *Table) pageInOnce(p *vmpage.Page) defs.Err_t {
	if p.Frame != 0 {
		return 0
	}
	if key, ok := p.ShareKey(); ok {
		if frame, found := t.sh.FindSharedFrame(key); found {
			t.physmem.Refup(frame)
			p.Frame = frame
			p.AS.Lock()
			p.AS.Map(p.VPage, uintptr(frame), flagsFor(p))
			p.AS.Unlock()
			t.sh.Register(key, p)
			return 0
		}
	}

	frame, err := t.allocate()
	if err != 0 {
		return err
	}

	p.Busy.Lock()
	t.fill(p, frame)
	p.Busy.Unlock()

	p.Frame = frame
	t.mu.Lock()
	t.owner[frame] = p
	t.order = append(t.order, frame)
	t.mu.Unlock()

	p.AS.Lock()
	p.AS.Map(p.VPage, uintptr(frame), flagsFor(p))
	p.AS.Unlock()

	if key, ok := p.ShareKey(); ok {
		t.sh.Register(key, p)
	}
	return 0
}

func flagsFor(p *vmpage.Page) int {
	if p.Writable {
		return mmu.PTE_W
	}
	return 0
}

func (t *Table) fill(p *vmpage.Page, frame mem.Pa_t) {
	data := t.physmem.Dmap(frame)
	for i := range data {
		data[i] = 0
	}
	switch p.Kind {
	case vmpage.KindZero:
	case vmpage.KindExecutable, vmpage.KindMmap:
		if p.File != nil && p.ValidBytes > 0 {
			p.File.Inode().ReadAt(data[:p.ValidBytes], p.FileOffset)
		}
	case vmpage.KindSwap:
		t.sw.ReadPage(p.SwapSlot, data[:])
		t.sw.Free(p.SwapSlot)
		p.SwapSlot = -1
	}
}

// allocate returns a frame for new content, evicting a victim first if
// the table is already at capacity.
func (t *Table) allocate() (mem.Pa_t, defs.Err_t) {
	t.mu.Lock()
	atCapacity := t.used >= t.capacity
	t.mu.Unlock()

	if atCapacity {
		if err := t.evictOne(); err != 0 {
			return 0, err
		}
	} else {
		t.mu.Lock()
		t.used++
		t.mu.Unlock()
	}

	pa, _, _ := t.physmem.Refpg_new()
	return pa, 0
}

// evictOne runs the clock over candidate frames and evicts exactly one,
// per §4.H's allocate/evict and eviction dispatch. If every candidate is
// pinned or busy, it notifies oommsg's listener once and retries before
// giving up, the same last-resort signal the teacher's physical allocator
// raises when it cannot satisfy a request.
func (t *Table) evictOne() defs.Err_t {
	if t.tryEvictOne() {
		return 0
	}
	if notifyOOM(1) {
		if t.tryEvictOne() {
			return 0
		}
	}
	return -defs.ENOHEAP
}

// tryEvictOne runs a single clock pass and reports whether it evicted a
// frame.
func (t *Table) tryEvictOne() bool {
	t.mu.Lock()
	if len(t.order) == 0 {
		t.mu.Unlock()
		return false
	}

	start := t.hand
	for i := 0; i < len(t.order); i++ {
		idx := (start + i) % len(t.order)
		frame := t.order[idx]
		p := t.owner[frame]

		var accessed, pinned bool
		if key, ok := p.ShareKey(); ok {
			accessed = t.sh.ScanAndClearAccessed(key)
			pinned = t.sh.Pinned(key)
		} else {
			accessed = p.TestAndClearAccessed()
			pinned = p.IsPinned()
		}
		if accessed || pinned {
			continue
		}

		t.hand = idx
		t.order = append(t.order[:idx], t.order[idx+1:]...)
		delete(t.owner, frame)
		t.mu.Unlock()

		t.evict(p, frame)
		return true
	}
	t.mu.Unlock()
	return false
}

// notifyOOM posts a low-memory notice on oommsg.OomCh and waits for the
// listener's resume signal. It returns false immediately if nothing is
// listening, so a frame table with no registered OOM handler never blocks.
func notifyOOM(need int) bool {
	resume := make(chan bool, 1)
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: need, Resume: resume}:
	default:
		return false
	}
	return <-resume
}

// evict writes back a chosen victim's contents (if needed) and releases
// its physical frame. Caller has already removed frame from the table
// under the table mutex; evict takes the page's busy lock only after
// that release, per §5's ordering rule.
func (t *Table) evict(p *vmpage.Page, frame mem.Pa_t) {
	p.Busy.Lock()
	defer p.Busy.Unlock()

	if key, ok := p.ShareKey(); ok {
		t.sh.Invalidate(key)
		n := int(t.physmem.Refcnt(frame))
		for i := 0; i < n; i++ {
			t.physmem.Refdown(frame)
		}
		return
	}

	dirty := p.TestAndClearDirty()
	p.AS.Lock()
	p.AS.Unmap(p.VPage)
	p.AS.Unlock()

	switch p.Kind {
	case vmpage.KindZero, vmpage.KindExecutable:
		if dirty {
			data := t.physmem.Dmap(frame)
			slot, err := t.sw.AllocateSlot()
			if err == 0 {
				t.sw.WritePage(slot, data[:])
				p.SwapSlot = slot
				p.Kind = vmpage.KindSwap
			}
		}
	case vmpage.KindSwap:
		data := t.physmem.Dmap(frame)
		if slot, err := t.sw.AllocateSlot(); err == 0 {
			t.sw.WritePage(slot, data[:])
			p.SwapSlot = slot
		}
	case vmpage.KindMmap:
		if dirty && p.File != nil {
			data := t.physmem.Dmap(frame)
			p.File.Inode().WriteAt(data[:p.ValidBytes], p.FileOffset)
		}
	}

	p.Frame = 0
	t.physmem.Refdown(frame)
}

// Unmap writes back p if it is a resident dirty mmap page, then releases
// its frame (a no-op if p was never faulted in). Used by munmap, which
// must write back synchronously rather than waiting for eventual
// eviction.
func (t *Table) Unmap(p *vmpage.Page) {
	if p.Frame == 0 {
		return
	}
	if p.Kind == vmpage.KindMmap && p.File != nil && p.TestAndClearDirty() {
		data := t.physmem.Dmap(p.Frame)
		p.File.Inode().WriteAt(data[:p.ValidBytes], p.FileOffset)
	}
	t.Release(p)
}

// Release drops p's ownership of its frame without writing anything
// back, used by a process's supplemental-page-table teardown (§4.G
// free_all): any needed writeback (mmap dirty pages) already happened
// through the explicit munmap path before exit reaches here.
func (t *Table) Release(p *vmpage.Page) {
	frame := p.Frame
	if frame == 0 {
		return
	}

	if key, ok := p.ShareKey(); ok {
		remaining := t.sh.Unregister(key, p)
		if remaining == 0 {
			t.mu.Lock()
			delete(t.owner, frame)
			t.removeFromOrder(frame)
			t.used--
			t.mu.Unlock()
		}
	} else {
		t.mu.Lock()
		delete(t.owner, frame)
		t.removeFromOrder(frame)
		t.used--
		t.mu.Unlock()
	}

	if p.AS != nil {
		p.AS.Lock()
		p.AS.Unmap(p.VPage)
		p.AS.Unlock()
	}
	p.Frame = 0
	t.physmem.Refdown(frame)
}

// removeFromOrder assumes t.mu is held.
func (t *Table) removeFromOrder(frame mem.Pa_t) {
	for i, f := range t.order {
		if f == frame {
			t.order = append(t.order[:i], t.order[i+1:]...)
			if t.hand > i {
				t.hand--
			}
			return
		}
	}
}
