// Package cache is the buffered block cache (component B): a bounded set
// of sector-sized buffers in front of a disk.Device, with clock eviction,
// a read-ahead queue, and a write-behind worker. The protocol below is
// lifted directly from the teacher's fs.Bdev_block_t/BlkList_t shape
// (per-buffer mutex, active-reader/writer count, condition variable
// signaling "I/O done") generalized from one journal-aware buffer type to
// the plain sector buffer this spec calls for, and the insert/evict state
// machine follows pintos's filesys/cache.c step for step.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"waffle/disk"
	"waffle/stats"
)

// Size is the number of buffers held by the cache, matching the end-to-end
// test scenario's "64-entry cache" in §8.
const Size = 64

// WritebehindInterval is how often the write-behind worker flushes dirty
// buffers, in tenths of a second per §4.B.
const WritebehindInterval = 300 * time.Millisecond

type buf struct {
	mu sync.Mutex
	cv *sync.Cond

	inUse     bool
	pinned    bool
	sector    int
	oldSector int
	ioNeeded  bool
	dirty     bool
	accessed  bool
	activeRW  int
	data      []uint8
}

// Buffer is the handle `Insert` hands back: the sector's data, returned
// locked. The caller must call Unlock (directly, or via the
// increment/copy/decrement dance described in §4.B) before the buffer can
// be evicted again.
type Buffer struct {
	b      *buf
	Sector int
	Data   []uint8
}

// Unlock releases the per-buffer mutex Insert returned held.
func (bh *Buffer) Unlock() { bh.b.mu.Unlock() }

// BeginRW increments the active reader/writer count. Call after Insert,
// before releasing the buffer's mutex, per the reader/writer protocol.
func (bh *Buffer) BeginRW() {
	bh.b.activeRW++
}

// EndRW decrements the active reader/writer count, broadcasting the
// condition variable when it reaches zero so a pending eviction or flush
// can proceed.
func (bh *Buffer) EndRW(dirty bool) {
	bh.b.mu.Lock()
	defer bh.b.mu.Unlock()
	bh.b.activeRW--
	if dirty {
		bh.b.dirty = true
	} else {
		bh.b.accessed = true
	}
	if bh.b.activeRW == 0 {
		bh.b.cv.Broadcast()
	}
}

// Lock reacquires the buffer's mutex, the other half of the
// unlock/copy/relock dance BeginRW/EndRW wrap.
func (bh *Buffer) Lock() { bh.b.mu.Lock() }

// racQueueDepth bounds how many outstanding read-ahead requests may queue
// before new ones are dropped, via a weighted semaphore rather than a bare
// length check, so the bound is enforced the same way a worker pool would
// bound its backlog.
const racQueueDepth = 4096

type racQ struct {
	mu      sync.Mutex
	cv      *sync.Cond
	pending []int
	sem     *semaphore.Weighted
}

// Cache is the bounded buffer pool in front of one disk.Device.
type Cache struct {
	mu   sync.Mutex // global cache mutex, tier 7 in the lock hierarchy
	dev  disk.Device
	bufs [Size]*buf
	hand int

	rac      racQ
	stopCh   chan struct{}
	wg       sync.WaitGroup

	Hits   stats.Counter_t
	Misses stats.Counter_t
}

// New creates a Cache over dev and starts its read-ahead and write-behind
// workers.
func New(dev disk.Device) *Cache {
	c := &Cache{dev: dev}
	for i := range c.bufs {
		b := &buf{}
		b.cv = sync.NewCond(&b.mu)
		c.bufs[i] = b
	}
	c.rac.cv = sync.NewCond(&c.rac.mu)
	c.rac.sem = semaphore.NewWeighted(racQueueDepth)
	c.stopCh = make(chan struct{})
	c.wg.Add(2)
	go c.readaheadWorker()
	go c.writebehindWorker()
	return c
}

// Stop halts the background workers. Callers should Flush first if a
// clean shutdown is required.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.rac.cv.Broadcast()
	c.wg.Wait()
}

// Pin marks a just-inserted buffer ineligible for eviction for the
// lifetime of the cache — used once, for the free-map's buffer (§4.C).
func (bh *Buffer) Pin() {
	bh.b.pinned = true
}

// Insert guarantees sector's data is present in some buffer and returns it
// locked, following the five-step protocol of §4.B verbatim.
func (c *Cache) Insert(sector int) *Buffer {
retry:
	c.mu.Lock()
	var victim *buf
	for _, b := range c.bufs {
		b.mu.Lock()
		match := (b.inUse && b.sector == sector) ||
			(b.ioNeeded && b.oldSector == sector)
		b.mu.Unlock()
		if match {
			victim = b
			break
		}
	}

	if victim == nil {
		// step 2: pick a free slot, else run the clock.
		for _, b := range c.bufs {
			b.mu.Lock()
			if !b.inUse {
				victim = b
			}
			b.mu.Unlock()
			if victim != nil {
				break
			}
		}
		if victim == nil {
			victim = c.clock()
		}
		victim.mu.Lock()
		victim.oldSector = victim.sector
		victim.sector = sector
		victim.ioNeeded = true
		victim.inUse = true
		victim.mu.Unlock()
		c.Misses.Inc()
	} else {
		c.Hits.Inc()
	}
	c.mu.Unlock()

	// step 3/4: acquire the slot's mutex outside the global mutex.
	victim.mu.Lock()
	if victim.ioNeeded {
		for victim.activeRW > 0 {
			victim.cv.Wait()
		}
		if victim.dirty {
			c.writeback(victim, victim.oldSector)
		}
		victim.data = make([]uint8, disk.SectorSize)
		if err := c.dev.ReadSector(victim.sector, victim.data); err != 0 {
			panic("device read failure") // fatal per §7
		}
		victim.ioNeeded = false
		victim.dirty = false
		victim.accessed = false
		victim.oldSector = 0
	}

	// step 5: re-verify, else retry.
	if victim.sector != sector {
		victim.mu.Unlock()
		goto retry
	}

	return &Buffer{b: victim, Sector: sector, Data: victim.data}
}

// clock runs the clock algorithm over non-pinned slots while holding the
// global mutex, per §4.B.
func (c *Cache) clock() *buf {
	for {
		c.hand = (c.hand + 1) % len(c.bufs)
		b := c.bufs[c.hand]
		b.mu.Lock()
		if b.pinned {
			b.mu.Unlock()
			continue
		}
		if b.accessed {
			b.accessed = false
			b.mu.Unlock()
			continue
		}
		if !b.ioNeeded {
			b.mu.Unlock()
			return b
		}
		b.mu.Unlock()
	}
}

// writeback writes victim's data to sector. Caller holds victim's mutex.
func (c *Cache) writeback(victim *buf, sector int) {
	if err := c.dev.WriteSector(sector, victim.data); err != 0 {
		panic("device write failure")
	}
}

// ReadAhead enqueues a best-effort, non-blocking prefetch request. When the
// backlog is saturated the request is silently dropped, per §7's "memory
// allocation for read-ahead entries silently drops the request."
func (c *Cache) ReadAhead(sector int) {
	if !c.rac.sem.TryAcquire(1) {
		return
	}
	c.rac.mu.Lock()
	c.rac.pending = append(c.rac.pending, sector)
	c.rac.mu.Unlock()
	c.rac.cv.Signal()
}

func (c *Cache) readaheadWorker() {
	defer c.wg.Done()
	for {
		c.rac.mu.Lock()
		for len(c.rac.pending) == 0 {
			select {
			case <-c.stopCh:
				c.rac.mu.Unlock()
				return
			default:
			}
			c.rac.cv.Wait()
		}
		sector := c.rac.pending[0]
		c.rac.pending = c.rac.pending[1:]
		c.rac.mu.Unlock()
		c.rac.sem.Release(1)

		select {
		case <-c.stopCh:
			return
		default:
		}
		bh := c.Insert(sector)
		bh.Unlock()
	}
}

func (c *Cache) writebehindWorker() {
	defer c.wg.Done()
	t := time.NewTicker(WritebehindInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.Flush()
		}
	}
}

// Flush writes back every dirty buffer, draining in-flight readers/writers
// first, per §4.B.
func (c *Cache) Flush() {
	for _, b := range c.bufs {
		b.mu.Lock()
		for b.activeRW > 0 {
			b.cv.Wait()
		}
		if b.inUse && b.dirty {
			target := b.sector
			if b.ioNeeded {
				target = b.oldSector
			}
			c.writeback(b, target)
			b.dirty = false
		}
		b.mu.Unlock()
	}
	c.dev.Flush()
}
