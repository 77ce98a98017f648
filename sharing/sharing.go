// Package sharing is the executable page interning table (component I):
// read-only code pages are shared across processes, keyed by the inode
// sector and file offset the bytes come from. Grounded on pintos's
// vm/share.c (share_table's hash of share_entry lists, share_find_upage's
// scan for a live paddr, share_evict's invalidate-all-sharers dance).
package sharing

import (
	"sync"

	"waffle/mem"
	"waffle/vmpage"
)

// Table is the process-wide sharing table, serialised by its own mutex
// per §5 tier 6.
type Table struct {
	mu sync.Mutex
	m  map[vmpage.ShareKey][]*vmpage.Page
}

func New() *Table {
	return &Table{m: make(map[vmpage.ShareKey][]*vmpage.Page)}
}

// Register adds p to k's sharer list, called whenever a read-only
// executable page is paged in.
func (t *Table) Register(k vmpage.ShareKey, p *vmpage.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[k] = append(t.m[k], p)
}

// Unregister removes p from k's sharer list, called on process exit.
// Returns the number of sharers remaining.
func (t *Table) Unregister(k vmpage.ShareKey, p *vmpage.Page) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.m[k]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.m, k)
		return 0
	}
	t.m[k] = list
	return len(list)
}

// FindSharedFrame scans k's sharer list for a member with a live frame
// and returns it; the caller installs it into its own page directory.
func (t *Table) FindSharedFrame(k vmpage.ShareKey) (mem.Pa_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.m[k] {
		if p.Frame != 0 {
			return p.Frame, true
		}
	}
	return 0, false
}

// Invalidate clears every sharer's page-directory entry and frame,
// called when the shared frame is chosen for eviction.
func (t *Table) Invalidate(k vmpage.ShareKey) {
	t.mu.Lock()
	list := t.m[k]
	t.mu.Unlock()
	for _, p := range list {
		if p.AS != nil {
			p.AS.Lock()
			p.AS.Unmap(p.VPage)
			p.AS.Unlock()
		}
		p.Frame = 0
	}
}

// Count returns the number of entries in k's sharer list, resident or not.
func (t *Table) Count(k vmpage.ShareKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m[k])
}

// Pinned reports whether any sharer of k is pinned; the frame must not
// be evicted while true.
func (t *Table) Pinned(k vmpage.ShareKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.m[k] {
		if p.IsPinned() {
			return true
		}
	}
	return false
}

// ScanAndClearAccessed returns the OR of every sharer's accessed bit,
// clearing each as it goes.
func (t *Table) ScanAndClearAccessed(k vmpage.ShareKey) bool {
	t.mu.Lock()
	list := t.m[k]
	t.mu.Unlock()
	accessed := false
	for _, p := range list {
		if p.TestAndClearAccessed() {
			accessed = true
		}
	}
	return accessed
}
