// Package vmpage is the per-process supplemental page table (component
// G): a map from virtual page to a tagged lazy source (zero, executable,
// mmap, swap). Grounded on pintos's vm/page.c (the spage_table hash keyed
// by user vaddr, its four-case union, stack growth in
// exception.c/page_fault), adapted onto this repo's mmu.AS instead of
// pintos's pagedir.c and onto waffle/fsys instead of Pintos's filesys.h.
package vmpage

import (
	"sort"
	"sync"

	"waffle/defs"
	"waffle/fsys"
	"waffle/mem"
	"waffle/mmu"
)

// Kind tags a supplemental page's source, the four cases §4.G names.
type Kind int

const (
	KindZero Kind = iota
	KindExecutable
	KindMmap
	KindSwap
)

// PhysBase is the top of user address space; stack growth never crosses
// it. StackLimit bounds how far below PhysBase the stack may grow.
const (
	PhysBase   = uintptr(0xc0000000)
	StackLimit = 8 * 1024 * 1024
)

// ShareKey identifies a read-only executable page's backing bytes,
// (inode sector, file offset), the key the sharing table interns on.
type ShareKey struct {
	Sector int
	Offset int
}

// Page is one supplemental page table entry. mu guards the pinned flag.
// Busy is held while a page-in fills the frame's contents and while an
// eviction writes the page out and clears Frame; the page-in path sets
// Frame after releasing Busy, once the fill is complete.
type Page struct {
	mu sync.Mutex

	Kind       Kind
	VPage      mmu.VPage
	AS         *mmu.AS
	Writable   bool
	SwapSlot   int // -1 when not swapped out
	MapID      int
	File       *fsys.File
	FileOffset int
	ValidBytes int

	Frame mem.Pa_t
	Busy  sync.Mutex

	pinned bool
}

func (p *Page) IsPinned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned
}

func (p *Page) SetPinned(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned = v
}

// ShareKey returns the interning key for a read-only executable page, ok
// is false for every other kind.
func (p *Page) ShareKey() (ShareKey, bool) {
	if p.Kind != KindExecutable || p.Writable || p.File == nil {
		return ShareKey{}, false
	}
	return ShareKey{Sector: p.File.Inode().Sector, Offset: p.FileOffset}, true
}

// TestAndClearAccessed reads and clears the hardware-simulated accessed
// bit for this page's mapping.
func (p *Page) TestAndClearAccessed() bool {
	if p.AS == nil {
		return false
	}
	return p.AS.TestAndClearAccessed(p.VPage)
}

// TestAndClearDirty reads and clears the simulated dirty bit.
func (p *Page) TestAndClearDirty() bool {
	if p.AS == nil {
		return false
	}
	return p.AS.TestAndClearDirty(p.VPage)
}

// FramePool is the surface the frame table offers supplemental pages: a
// page's owning frame is released through it so process exit's free_all
// can hand off to the sharing-aware eviction path without vmpage
// importing frame (which would import vmpage back).
type FramePool interface {
	Release(p *Page)
}

// PageTable is one process's supplemental page table, per §4.G.
type PageTable struct {
	mu    sync.Mutex
	pages map[mmu.VPage]*Page
	pool  FramePool
}

func NewPageTable(pool FramePool) *PageTable {
	return &PageTable{pages: make(map[mmu.VPage]*Page), pool: pool}
}

func (t *PageTable) insert(p *Page) *Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages[p.VPage] = p
	return p
}

// InsertZero registers a fresh zero-filled page.
func (t *PageTable) InsertZero(as *mmu.AS, vp mmu.VPage, writable bool) *Page {
	return t.insert(&Page{Kind: KindZero, VPage: vp, AS: as, Writable: writable, SwapSlot: -1})
}

// InsertExecutable registers a file-backed page loaded from an ELF
// segment: validBytes of the page come from the file, the remainder is
// zero-filled.
func (t *PageTable) InsertExecutable(as *mmu.AS, vp mmu.VPage, f *fsys.File, offset, validBytes int, writable bool) *Page {
	return t.insert(&Page{
		Kind: KindExecutable, VPage: vp, AS: as, Writable: writable,
		File: f, FileOffset: offset, ValidBytes: validBytes, SwapSlot: -1,
	})
}

// InsertMmap registers one page of a memory-mapped file.
func (t *PageTable) InsertMmap(as *mmu.AS, vp mmu.VPage, f *fsys.File, offset, validBytes, mapID int) *Page {
	return t.insert(&Page{
		Kind: KindMmap, VPage: vp, AS: as, Writable: true,
		File: f, FileOffset: offset, ValidBytes: validBytes, MapID: mapID, SwapSlot: -1,
	})
}

// Lookup finds the supplemental page for vp.
func (t *PageTable) Lookup(vp mmu.VPage) (*Page, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[vp]
	return p, ok
}

// Remove drops vp's bookkeeping entry without touching its frame or swap
// slot; callers that need those released do it first (munmap calls the
// frame table's Unmap before Remove).
func (t *PageTable) Remove(vp mmu.VPage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pages, vp)
}

// PagesWithMapID returns every page belonging to mapID, in ascending
// virtual-page order.
func (t *PageTable) PagesWithMapID(mapID int) []*Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Page
	for _, p := range t.pages {
		if p.Kind == KindMmap && p.MapID == mapID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VPage < out[j].VPage })
	return out
}

// FreeAll destroys every entry, per §4.G: each page's frame is released
// through the frame pool (which consults the sharing table before
// actually freeing physical memory), and any swap slot it holds is freed
// directly since swap is this table's own bookkeeping.
func (t *PageTable) FreeAll(sw swapFreer) {
	t.mu.Lock()
	pages := make([]*Page, 0, len(t.pages))
	for _, p := range t.pages {
		pages = append(pages, p)
	}
	t.pages = make(map[mmu.VPage]*Page)
	t.mu.Unlock()

	for _, p := range pages {
		if p.Frame != 0 {
			t.pool.Release(p)
		}
		if p.SwapSlot >= 0 {
			sw.Free(p.SwapSlot)
		}
	}
}

// swapFreer is the one swap.Allocator method FreeAll needs, named locally
// so this package doesn't have to import swap just for this call shape.
type swapFreer interface {
	Free(slot int)
}

// ExtendStack installs a fresh zero page for vaddr if it falls within the
// stack-growth region, per §4.G.
func (t *PageTable) ExtendStack(as *mmu.AS, vaddr uintptr) (*Page, defs.Err_t) {
	if vaddr >= PhysBase || vaddr+StackLimit < PhysBase {
		return nil, -defs.EFAULT
	}
	vp := mmu.VPage(vaddr >> mem.PGSHIFT)
	if p, ok := t.Lookup(vp); ok {
		return p, 0
	}
	return t.InsertZero(as, vp, true), 0
}

// StackAccessHeuristic reports whether a faulting address plausibly
// belongs to stack growth given the trapped user stack pointer, per
// §4.G: at or above esp, or the typical push/pushad retreat offsets.
func StackAccessHeuristic(esp, fault uintptr) bool {
	if fault >= esp {
		return true
	}
	if esp-fault == 4 || esp-fault == 32 {
		return true
	}
	return false
}
