// Package inode is the indexed on-disk file layout (component D): 12 direct
// sectors plus one single-indirect and one double-indirect index sector,
// lazy allocation on write, and a global open-inode table so two opens of
// the same sector share one descriptor. Grounded on pintos's
// filesys/inode.c (byte_to_sector, inode_extend, inode_read_at /
// inode_write_at's active_r_w dance) translated onto this repo's cache
// package instead of pintos's bounce-buffer cache, and on the teacher's
// fs.Superblock_t fixed-offset field-accessor style for the on-disk layout.
package inode

import (
	"sync"
	"sync/atomic"

	"waffle/cache"
	"waffle/defs"
	"waffle/disk"
	"waffle/freemap"
	"waffle/util"
)

// Magic identifies a valid on-disk inode, per §6.
const Magic = 0x494e4f44

// DirectBlocks is the number of direct sector pointers an inode carries.
const DirectBlocks = 12

// BlocksPerIndirect is how many sector indices fit in one index sector.
const BlocksPerIndirect = disk.SectorSize / 4

// Boundaries, in blocks, per §4.D: {0, 12, 12+N, 12+N+N^2}.
const (
	singleIndirectBoundary = DirectBlocks
	doubleIndirectBoundary = DirectBlocks + BlocksPerIndirect
	maxBlocks              = DirectBlocks + BlocksPerIndirect + BlocksPerIndirect*BlocksPerIndirect
)

// On-disk field offsets, in §6's field order. Every field, including the
// one-byte removed flag, starts on a 4-byte boundary, so the layout is not
// packed byte for byte.
const (
	offLength         = 0
	offMagic          = 4
	offOpenCnt        = 8
	offRemoved        = 12
	offDenyWriteCnt   = 16
	offLengthMax      = 20
	offDirect         = 24
	offIndirect       = offDirect + DirectBlocks*4
	offDoubleIndirect = offIndirect + 4
	offIsDir          = offDoubleIndirect + 4
)

// Descriptor is the in-memory open-inode descriptor (§3 "Open-inode
// descriptor"). length and maxReadLength are atomics: a writer only grows
// them, and only bumps maxReadLength after the bytes it describes are
// durably in the cache, so a reader's bounds check against maxReadLength
// without holding extendMu never observes a torn direct/indirect array —
// any index slot a reader's translation can reach was settled before the
// bound that let the reader reach it was published.
type Descriptor struct {
	Sector int
	IsDir  bool

	c  *cache.Cache
	fm *freemap.Map

	length        atomic.Int64
	maxReadLength atomic.Int64
	denyWriteCnt  atomic.Int32
	openCnt       atomic.Int32
	removed       atomic.Bool

	direct         [DirectBlocks]int32
	indirect       int32
	doubleIndirect int32

	// ExtendMu serializes file-growing writes (lock hierarchy tier 4).
	ExtendMu sync.Mutex
	// DirMu is the per-inode directory lock (tier 3), meaningful only
	// when IsDir.
	DirMu sync.Mutex
}

func (d *Descriptor) Length() int        { return int(d.length.Load()) }
func (d *Descriptor) MaxReadLength() int { return int(d.maxReadLength.Load()) }

// Table is the global open-inode list (§4.D "Open"): unique by sector,
// protected by a single mutex.
type Table struct {
	mu   sync.Mutex
	open map[int]*Descriptor
	c    *cache.Cache
	fm   *freemap.Map
}

func NewTable(c *cache.Cache, fm *freemap.Map) *Table {
	return &Table{open: make(map[int]*Descriptor), c: c, fm: fm}
}

// Create initializes a zero-length inode at sector and writes it to disk.
func Create(c *cache.Cache, sector int, isDir bool) {
	bh := c.Insert(sector)
	bh.BeginRW()
	bh.Unlock()
	for i := range bh.Data {
		bh.Data[i] = 0
	}
	util.Writen(bh.Data, 4, offMagic, Magic)
	if isDir {
		bh.Data[offIsDir] = 1
	}
	bh.EndRW(true)
}

// Open looks up sector in the global table, per §4.D. A second check under
// the table's mutex handles two callers racing on the same uncached sector:
// the loser discards its freshly-read descriptor and returns the winner's.
func (t *Table) Open(sector int) (*Descriptor, defs.Err_t) {
	t.mu.Lock()
	if d, ok := t.open[sector]; ok {
		d.openRef()
		t.mu.Unlock()
		return d, 0
	}
	t.mu.Unlock()

	d, err := t.readFromDisk(sector)
	if err != 0 {
		return nil, err
	}

	t.mu.Lock()
	if other, ok := t.open[sector]; ok {
		other.openRef()
		t.mu.Unlock()
		return other, 0
	}
	d.openCnt.Store(1)
	t.open[sector] = d
	t.mu.Unlock()
	return d, 0
}

func (d *Descriptor) openRef() { d.openCnt.Add(1) }

func (t *Table) readFromDisk(sector int) (*Descriptor, defs.Err_t) {
	bh := t.c.Insert(sector)
	bh.BeginRW()
	bh.Unlock()
	data := make([]byte, len(bh.Data))
	copy(data, bh.Data)
	bh.EndRW(false)

	if util.Readn(data, 4, offMagic) != Magic {
		return nil, -defs.EINVAL
	}

	d := &Descriptor{Sector: sector, c: t.c, fm: t.fm}
	d.length.Store(int64(util.Readn(data, 4, offLength)))
	d.maxReadLength.Store(int64(util.Readn(data, 4, offLengthMax)))
	d.denyWriteCnt.Store(0)
	for i := 0; i < DirectBlocks; i++ {
		d.direct[i] = int32(util.Readn(data, 4, offDirect+i*4))
	}
	d.indirect = int32(util.Readn(data, 4, offIndirect))
	d.doubleIndirect = int32(util.Readn(data, 4, offDoubleIndirect))
	d.IsDir = data[offIsDir] != 0
	return d, 0
}

// persist writes the descriptor's current length/index fields back to its
// on-disk sector. Called by Preallocate and after a WriteAt that extended
// the file; Close does not call it.
func (d *Descriptor) persist() {
	bh := d.c.Insert(d.Sector)
	bh.BeginRW()
	bh.Unlock()
	util.Writen(bh.Data, 4, offLength, int(d.length.Load()))
	util.Writen(bh.Data, 4, offMagic, Magic)
	util.Writen(bh.Data, 4, offLengthMax, int(d.maxReadLength.Load()))
	for i := 0; i < DirectBlocks; i++ {
		util.Writen(bh.Data, 4, offDirect+i*4, int(d.direct[i]))
	}
	util.Writen(bh.Data, 4, offIndirect, int(d.indirect))
	util.Writen(bh.Data, 4, offDoubleIndirect, int(d.doubleIndirect))
	if d.IsDir {
		bh.Data[offIsDir] = 1
	} else {
		bh.Data[offIsDir] = 0
	}
	bh.EndRW(true)
}

// Close decrements the open count, per §4.D. On reaching zero it removes
// the descriptor from the table, and if Remove was called, releases every
// block the inode owns plus the inode's own sector.
func (t *Table) Close(d *Descriptor) {
	t.mu.Lock()
	remaining := d.openCnt.Add(-1)
	var removed bool
	if remaining == 0 {
		delete(t.open, d.Sector)
		removed = d.removed.Load()
	}
	t.mu.Unlock()
	if remaining != 0 {
		return
	}
	if removed {
		d.freeAllBlocks()
		Create(t.c, d.Sector, false) // reset the sector to an empty inode
		t.fm.Release(d.Sector, 1)
	}
}

// Remove marks d for deletion once its last opener closes it.
func (t *Table) Remove(d *Descriptor) { d.removed.Store(true) }

func (d *Descriptor) Removed() bool { return d.removed.Load() }

func (d *Descriptor) DenyWrite()  { d.denyWriteCnt.Add(1) }
func (d *Descriptor) AllowWrite() { d.denyWriteCnt.Add(-1) }
func (d *Descriptor) WritesDenied() bool {
	return d.denyWriteCnt.Load() > 0
}

// byteToSector returns the device sector containing byte pos, per §4.D's
// boundary table. ok is false once pos reaches maxReadLength.
func (d *Descriptor) byteToSector(pos int) (int, bool) {
	if pos >= int(d.maxReadLength.Load()) {
		return 0, false
	}
	blockNum := pos / disk.SectorSize
	switch {
	case blockNum < singleIndirectBoundary:
		return int(d.direct[blockNum]), true
	case blockNum < doubleIndirectBoundary:
		buf := make([]int32, BlocksPerIndirect)
		d.readIndexBlock(int(d.indirect), buf)
		return int(buf[blockNum-singleIndirectBoundary]), true
	default:
		idx2 := blockNum - doubleIndirectBoundary
		indNum := idx2 / BlocksPerIndirect
		finalIdx := idx2 % BlocksPerIndirect
		dbuf := make([]int32, BlocksPerIndirect)
		d.readIndexBlock(int(d.doubleIndirect), dbuf)
		ibuf := make([]int32, BlocksPerIndirect)
		d.readIndexBlock(int(dbuf[indNum]), ibuf)
		return int(ibuf[finalIdx]), true
	}
}

func (d *Descriptor) readIndexBlock(sector int, dst []int32) {
	bh := d.c.Insert(sector)
	bh.BeginRW()
	bh.Unlock()
	for i := range dst {
		dst[i] = int32(util.Readn(bh.Data, 4, i*4))
	}
	bh.EndRW(false)
}

func (d *Descriptor) writeIndexBlock(sector int, src []int32) {
	bh := d.c.Insert(sector)
	bh.BeginRW()
	bh.Unlock()
	for i, v := range src {
		util.Writen(bh.Data, 4, i*4, int(v))
	}
	bh.EndRW(true)
}

func (d *Descriptor) zeroSector(sector int) {
	bh := d.c.Insert(sector)
	bh.BeginRW()
	bh.Unlock()
	for i := range bh.Data {
		bh.Data[i] = 0
	}
	bh.EndRW(true)
}

// Extend allocates the sectors needed to grow the inode by count blocks,
// per §4.D. Intermediate index-block contents are held in memory and
// flushed once, at the end, only on success — a simplification of the
// source's "flush on every boundary crossing" that still satisfies the
// same on-disk invariant (no half-written index block is ever observable)
// with less write traffic. On failure every sector allocated during this
// call, including freshly-created index blocks, is freed in reverse order.
func (d *Descriptor) Extend(count int) defs.Err_t {
	N := BlocksPerIndirect
	orig := (d.Length() + disk.SectorSize - 1) / disk.SectorSize
	target := orig + count
	if target > maxBlocks {
		return -defs.ENOSPC
	}

	var allocated []int
	indexBufs := map[int][]int32{}

	loadIndex := func(sector int) []int32 {
		if b, ok := indexBufs[sector]; ok {
			return b
		}
		b := make([]int32, N)
		if sector != 0 {
			d.readIndexBlock(sector, b)
		}
		indexBufs[sector] = b
		return b
	}
	rollback := func() {
		for i := len(allocated) - 1; i >= 0; i-- {
			d.fm.Release(allocated[i], 1)
		}
	}
	allocOne := func() (int, bool) {
		s, err := d.fm.Allocate(1)
		if err != 0 {
			return 0, false
		}
		allocated = append(allocated, s)
		d.zeroSector(s)
		return s, true
	}

	for blockNum := orig; blockNum < target; blockNum++ {
		switch {
		case blockNum < singleIndirectBoundary:
			s, ok := allocOne()
			if !ok {
				rollback()
				return -defs.ENOSPC
			}
			d.direct[blockNum] = int32(s)

		case blockNum < doubleIndirectBoundary:
			if d.indirect == 0 {
				s, ok := allocOne()
				if !ok {
					rollback()
					return -defs.ENOSPC
				}
				d.indirect = int32(s)
			}
			buf := loadIndex(int(d.indirect))
			s, ok := allocOne()
			if !ok {
				rollback()
				return -defs.ENOSPC
			}
			buf[blockNum-singleIndirectBoundary] = int32(s)

		default:
			if d.doubleIndirect == 0 {
				s, ok := allocOne()
				if !ok {
					rollback()
					return -defs.ENOSPC
				}
				d.doubleIndirect = int32(s)
			}
			dbuf := loadIndex(int(d.doubleIndirect))
			idx2 := blockNum - doubleIndirectBoundary
			indNum := idx2 / N
			finalIdx := idx2 % N
			if dbuf[indNum] == 0 {
				s, ok := allocOne()
				if !ok {
					rollback()
					return -defs.ENOSPC
				}
				dbuf[indNum] = int32(s)
			}
			buf := loadIndex(int(dbuf[indNum]))
			s, ok := allocOne()
			if !ok {
				rollback()
				return -defs.ENOSPC
			}
			buf[finalIdx] = int32(s)
		}
	}

	for sector, buf := range indexBufs {
		d.writeIndexBlock(sector, buf)
	}
	return 0
}

// freeAllBlocks releases every sector this inode owns, walking the same
// boundaries Extend allocated through, used by Close on a removed inode.
func (d *Descriptor) freeAllBlocks() {
	total := (d.Length() + disk.SectorSize - 1) / disk.SectorSize
	N := BlocksPerIndirect
	for i := 0; i < total && i < singleIndirectBoundary; i++ {
		if d.direct[i] != 0 {
			d.fm.Release(int(d.direct[i]), 1)
		}
	}
	if d.indirect != 0 {
		buf := make([]int32, N)
		d.readIndexBlock(int(d.indirect), buf)
		for i, s := range buf {
			if i+singleIndirectBoundary < total && s != 0 {
				d.fm.Release(int(s), 1)
			}
		}
		d.fm.Release(int(d.indirect), 1)
	}
	if d.doubleIndirect != 0 {
		dbuf := make([]int32, N)
		d.readIndexBlock(int(d.doubleIndirect), dbuf)
		for indNum, indSector := range dbuf {
			if indSector == 0 {
				continue
			}
			ibuf := make([]int32, N)
			d.readIndexBlock(int(indSector), ibuf)
			for finalIdx, s := range ibuf {
				blockNum := doubleIndirectBoundary + indNum*N + finalIdx
				if blockNum < total && s != 0 {
					d.fm.Release(int(s), 1)
				}
			}
			d.fm.Release(int(indSector), 1)
		}
		d.fm.Release(int(d.doubleIndirect), 1)
	}
}

// Preallocate grows a freshly-created inode to exactly n bytes, used once
// at fsys.Create time before any other opener can observe the
// inode, so it skips the normal WriteAt extend-lock dance.
func (d *Descriptor) Preallocate(n int) defs.Err_t {
	d.ExtendMu.Lock()
	defer d.ExtendMu.Unlock()
	count := (n + disk.SectorSize - 1) / disk.SectorSize
	if count > 0 {
		if err := d.Extend(count); err != 0 {
			return err
		}
	}
	d.length.Store(int64(n))
	d.maxReadLength.Store(int64(n))
	d.persist()
	return 0
}

// ReadAt copies up to len(dst) bytes starting at offset into dst, per
// §4.D's chunked read protocol. Readers never observe bytes beyond
// MaxReadLength.
func (d *Descriptor) ReadAt(dst []byte, offset int) int {
	got := 0
	lastSector := -1
	for got < len(dst) {
		sectorIdx, ok := d.byteToSector(offset)
		if !ok {
			break
		}
		sectorOfs := offset % disk.SectorSize
		inodeLeft := d.MaxReadLength() - offset
		sectorLeft := disk.SectorSize - sectorOfs
		chunk := util.Min(len(dst)-got, util.Min(inodeLeft, sectorLeft))
		if chunk <= 0 {
			break
		}

		bh := d.c.Insert(sectorIdx)
		bh.BeginRW()
		bh.Unlock()
		copy(dst[got:got+chunk], bh.Data[sectorOfs:sectorOfs+chunk])
		bh.EndRW(false)

		got += chunk
		offset += chunk
		lastSector = sectorIdx
	}
	if lastSector != -1 {
		if next, ok := d.byteToSector(offset); ok {
			d.c.ReadAhead(next)
		}
	}
	return got
}

// WriteAt writes len(src) bytes starting at offset, growing the file via
// Extend under ExtendMu if needed, per §4.D. Returns 0 immediately if
// writes are currently denied (an open executable).
func (d *Descriptor) WriteAt(src []byte, offset int) int {
	if d.WritesDenied() {
		return 0
	}

	extending := false
	if offset+len(src) > d.MaxReadLength() {
		d.ExtendMu.Lock()
		if offset+len(src) > d.MaxReadLength() {
			extending = true
			curSectors := (d.Length() + disk.SectorSize - 1) / disk.SectorSize
			wantSectors := (offset + len(src) + disk.SectorSize - 1) / disk.SectorSize
			if wantSectors > curSectors {
				if err := d.Extend(wantSectors - curSectors); err != 0 {
					d.ExtendMu.Unlock()
					return 0
				}
			}
			d.length.Store(int64(offset + len(src)))
		} else {
			d.ExtendMu.Unlock()
		}
	}

	put := 0
	lastSector := -1
	for put < len(src) {
		sectorIdx, ok := d.byteToSector(offset)
		if !ok {
			// growth above covers writes; ok is false only past
			// maxReadLength, which extending bumps at the end.
			if !extending {
				break
			}
			sectorIdx = d.directSectorFor(offset)
		}
		sectorOfs := offset % disk.SectorSize
		inodeLeft := d.Length() - offset
		sectorLeft := disk.SectorSize - sectorOfs
		chunk := util.Min(len(src)-put, util.Min(inodeLeft, sectorLeft))
		if chunk <= 0 {
			break
		}

		bh := d.c.Insert(sectorIdx)
		bh.BeginRW()
		bh.Unlock()
		copy(bh.Data[sectorOfs:sectorOfs+chunk], src[put:put+chunk])
		bh.EndRW(true)

		put += chunk
		offset += chunk
		lastSector = sectorIdx
	}

	if lastSector != -1 {
		if next, ok := d.byteToSector(offset); ok {
			d.c.ReadAhead(next)
		}
	}

	if extending {
		d.maxReadLength.Store(d.length.Load())
		d.persist()
		d.ExtendMu.Unlock()
	}
	return put
}

// directSectorFor resolves a block address during an in-progress extend,
// when byteToSector's MaxReadLength gate hasn't been bumped yet. Caller
// holds ExtendMu, so the index fields Extend just populated are settled.
func (d *Descriptor) directSectorFor(pos int) int {
	blockNum := pos / disk.SectorSize
	switch {
	case blockNum < singleIndirectBoundary:
		return int(d.direct[blockNum])
	case blockNum < doubleIndirectBoundary:
		buf := make([]int32, BlocksPerIndirect)
		d.readIndexBlock(int(d.indirect), buf)
		return int(buf[blockNum-singleIndirectBoundary])
	default:
		idx2 := blockNum - doubleIndirectBoundary
		indNum := idx2 / BlocksPerIndirect
		finalIdx := idx2 % BlocksPerIndirect
		dbuf := make([]int32, BlocksPerIndirect)
		d.readIndexBlock(int(d.doubleIndirect), dbuf)
		ibuf := make([]int32, BlocksPerIndirect)
		d.readIndexBlock(int(dbuf[indNum]), ibuf)
		return int(ibuf[finalIdx])
	}
}
