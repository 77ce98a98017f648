// Package freemap is the free-sector bitmap (component C): a contiguous
// bitmap stored at a fixed sector, opened through the cache with its slot
// pinned for the filesystem's lifetime. Grounded on pintos's free-map.c
// bitmap-over-a-buffer-cache-sector approach, generalized to the cache
// package's Buffer contract instead of a raw bounce buffer.
package freemap

import (
	"sync"

	"waffle/cache"
	"waffle/defs"
)

// Sector is the fixed on-disk sector holding the free-sector bitmap,
// per §6's on-disk layout ("Sector 0: free-sector bitmap (pinned)").
const Sector = 0

const bitsPerByte = 8

// Map is the persistent free-sector bitmap, backed by one pinned cache
// buffer and serialized by its own mutex per §4.C.
type Map struct {
	mu     sync.Mutex
	c      *cache.Cache
	bh     *cache.Buffer
	nbits  int
}

// Open pins the bitmap's buffer and wraps it, sizing the bitmap to cover
// nsectors data sectors.
func Open(c *cache.Cache, nsectors int) *Map {
	bh := c.Insert(Sector)
	bh.Pin()
	m := &Map{c: c, bh: bh, nbits: nsectors}
	bh.Unlock()
	return m
}

// Format zeroes the bitmap and marks the metadata sectors (free-map sector
// itself plus the root directory inode sector) permanently allocated.
func (m *Map) Format(reserved int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bh.Lock()
	m.bh.BeginRW()
	m.bh.Unlock()
	for i := range m.bh.Data {
		m.bh.Data[i] = 0
	}
	m.bh.EndRW(true)
	for i := 0; i < reserved; i++ {
		m.setBit(i, true)
	}
}

// getBit/setBit assume m.mu is already held: the bitmap's own mutex
// serializes every access, so the buffer is only ever touched under it and
// never needs the cache's reader/writer drain dance to protect against a
// concurrent caller of its own. setBit still follows the buffer's
// BeginRW-while-locked / Unlock / mutate / EndRW protocol, because EndRW is
// the only way to mark the buffer dirty for the write-behind worker, and
// EndRW always re-locks internally — calling it while still holding the
// lock would deadlock.
func (m *Map) getBit(i int) bool {
	m.bh.Lock()
	defer m.bh.Unlock()
	return m.bh.Data[i/bitsPerByte]&(1<<uint(i%bitsPerByte)) != 0
}

func (m *Map) setBit(i int, v bool) {
	m.bh.Lock()
	m.bh.BeginRW()
	m.bh.Unlock()
	byteIdx := i / bitsPerByte
	mask := uint8(1 << uint(i%bitsPerByte))
	if v {
		m.bh.Data[byteIdx] |= mask
	} else {
		m.bh.Data[byteIdx] &^= mask
	}
	m.bh.EndRW(true)
}

// Allocate finds n contiguous free bits, flips them, and returns the first
// index. Returns -ENOSPC if no run of n free bits exists.
func (m *Map) Allocate(n int) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := 0
	start := -1
	for i := 0; i < m.nbits; i++ {
		if !m.getBit(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					m.setBit(j, true)
				}
				return start, 0
			}
		} else {
			run = 0
		}
	}
	return 0, -defs.ENOSPC
}

// Release clears n bits starting at first.
func (m *Map) Release(first, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := first; i < first+n; i++ {
		m.setBit(i, false)
	}
}
