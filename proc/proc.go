// Package proc is the process/syscall boundary (component J): argument
// and buffer validation, per-process file/mmap tables, and parent/child
// exit synchronization. Grounded on the teacher's proc package naming
// convention (Tid_t, per-process Accnt_t) and on pintos's userprog/process.c
// and userprog/syscall.c (process_execute's semaphore handoff, wait's
// child-list scan, exit's lock-release-then-teardown order, mmap/munmap's
// page-range bookkeeping). The ELF loader itself is out of scope per the
// specification (§1); CreateProcess accepts already-parsed Segments in its
// place, the external collaborator contract §6 assigns it.
package proc

import (
	"sync"

	"waffle/accnt"
	"waffle/caller"
	"waffle/defs"
	"waffle/fd"
	"waffle/frame"
	"waffle/fsys"
	"waffle/mem"
	"waffle/mmu"
	"waffle/sharing"
	"waffle/stat"
	"waffle/swap"
	"waffle/tinfo"
	"waffle/uio"
	"waffle/ustr"
	"waffle/vmpage"
)

// File mode bits stat reports, mirroring the subset POSIX callers of
// fstat actually look at.
const (
	statIFDIR = 0040000
	statIFREG = 0100000
)

// ConsoleBufMax bounds one console write, per §6 ("fd 1 writes in chunks
// of at most 200 bytes").
const ConsoleBufMax = 200

// Segment is one ELF loadable segment, already parsed by the (out of
// scope) loader; CreateProcess installs one lazy executable supplemental
// page per page of the segment.
type Segment struct {
	VAddr      uintptr
	FileOffset int
	FileBytes  int
	MemBytes   int
	Writable   bool
}

// mmapRegion is one active memory-mapped file, keyed by map id (the file
// descriptor it was opened from, reused as the id per §4.J).
type mmapRegion struct {
	mapID  int
	file   *fsys.File
	vpages []mmu.VPage
}

// Process is one process/thread record, per §3 "Process record."
type Process struct {
	Tid        defs.Tid_t
	ParentTid  defs.Tid_t
	AS         *mmu.AS
	Pages      *vmpage.PageTable
	Cwd        *fd.Cwd_t
	Exe        *fsys.File
	Accnt      *accnt.Accnt_t
	Tnote      *tinfo.Tnote_t

	sys *System

	fdMu   sync.Mutex
	fds    map[int]*fd.Fd_t
	nextFd int

	mmapMu  sync.Mutex
	mmaps   map[int]*mmapRegion
	nextMap int

	mu             sync.Mutex
	finished       bool
	parentFinished bool
	exitStatus     int
	done           chan struct{}
}

// Accounting exposes the process's CPU usage, read-only, per
// SPEC_FULL's supplemented per-process accounting feature.
func (p *Process) Accounting() *accnt.Accnt_t { return p.Accnt }

// System is the process-wide collection of global singletons: the frame
// pool, sharing table, swap allocator, filesystem façade, and the process
// list itself (§5 tier 1).
type System struct {
	Fsys    *fsys.Fsys
	Frames  *frame.Table
	Sharing *sharing.Table
	Swap    *swap.Allocator
	Threads *tinfo.Threadinfo_t

	mu       sync.Mutex
	procs    map[defs.Tid_t]*Process
	children map[defs.Tid_t][]defs.Tid_t
	nextTid  defs.Tid_t
}

func NewSystem(fs *fsys.Fsys, frames *frame.Table, sh *sharing.Table, sw *swap.Allocator) *System {
	s := &System{
		Fsys:     fs,
		Frames:   frames,
		Sharing:  sh,
		Swap:     sw,
		Threads:  tinfo.NewThreadinfo(),
		procs:    make(map[defs.Tid_t]*Process),
		children: make(map[defs.Tid_t][]defs.Tid_t),
		nextTid:  1,
	}
	s.Fsys.CwdSectors = s.cwdSectors
	return s
}

// cwdSectors lists every live process's current-directory inode sector,
// the hook fsys.Remove uses to refuse deleting an ancestor of a running
// cwd.
func (s *System) cwdSectors() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.procs))
	for _, p := range s.procs {
		sector, _ := p.Cwd.Get()
		out = append(out, sector)
	}
	return out
}

// newProcess allocates bookkeeping for a fresh process, shared by the
// initial process and every CreateProcess spawn.
func (s *System) newProcess(parentTid defs.Tid_t, cwdSector int) *Process {
	s.mu.Lock()
	tid := s.nextTid
	s.nextTid++
	s.mu.Unlock()

	p := &Process{
		Tid:       tid,
		ParentTid: parentTid,
		AS:        mmu.NewAS(),
		Cwd:       fd.MkRootCwd(cwdSector),
		Accnt:     &accnt.Accnt_t{},
		Tnote:     tinfo.NewTnote(),
		sys:       s,
		fds:       make(map[int]*fd.Fd_t),
		nextFd:    2, // 0 and 1 are reserved for the console
		mmaps:     make(map[int]*mmapRegion),
		nextMap:   2,
		done:      make(chan struct{}, 1),
	}
	p.Pages = vmpage.NewPageTable(s.Frames)
	p.fds[0] = &fd.Fd_t{Fops: newConsoleIn(), Perms: fd.FD_READ}
	p.fds[1] = &fd.Fd_t{Fops: newConsoleOut(), Perms: fd.FD_WRITE}

	s.mu.Lock()
	s.procs[tid] = p
	s.children[parentTid] = append(s.children[parentTid], tid)
	s.mu.Unlock()
	s.Threads.Register(tid, p.Tnote)
	return p
}

// InitProcess creates the first process, rooted at the filesystem root,
// with no parent.
func (s *System) InitProcess() *Process {
	return s.newProcess(0, s.Fsys.RootSector())
}

// CreateProcess implements process-create / exec, per §4.J: a child
// record is allocated, the executable is opened and write-denied under
// the filesystem's own internal locking, its segments are installed
// lazily, and the first stack page is faulted in. All of this runs
// synchronously on the caller's goroutine; there is no separate loader
// thread and no completion signal, and CreateProcess returns once setup
// has finished or failed.
func (s *System) CreateProcess(parent *Process, path ustr.Ustr, segments []Segment, stackTop uintptr) (defs.Tid_t, defs.Err_t) {
	fdh, err := s.Fsys.Open(path, parent.Cwd)
	if err != 0 {
		return 0, err
	}
	exe, ok := fdh.Fops.(*fsys.File)
	if !ok {
		fdh.Fops.Close()
		return 0, -defs.EISDIR
	}
	exe.DenyWrite()

	cwdSector, _ := parent.Cwd.Get()
	child := s.newProcess(parent.Tid, cwdSector)
	child.Exe = exe

	for _, seg := range segments {
		installSegment(child, seg, exe)
	}
	// the first stack page is faulted in eagerly, standing in for
	// "sets up the user stack with argc/argv" (argument marshalling
	// itself belongs to the out-of-scope loader). The spec's
	// load-on-a-spawned-thread-then-signal-a-semaphore handoff exists to
	// let the parent block while loading runs concurrently; since
	// segment installation here is already synchronous Go code (no
	// actual ELF parsing happens in this process), there is nothing left
	// to run on a separate thread and the parent simply proceeds once
	// installation above returns.
	stackPage, err := child.Pages.ExtendStack(child.AS, stackTop-1)
	if err != 0 {
		return 0, err
	}
	if err := s.Frames.Pin(stackPage); err != 0 {
		return 0, err
	}
	s.Frames.Unpin(stackPage)

	return child.Tid, 0
}

func installSegment(p *Process, seg Segment, exe *fsys.File) {
	first := seg.VAddr / mem.PGSIZE * mem.PGSIZE
	last := (seg.VAddr + uintptr(seg.MemBytes) + mem.PGOFFSET) / mem.PGSIZE * mem.PGSIZE
	for vaddr := first; vaddr < last; vaddr += mem.PGSIZE {
		vp := mmu.VPage(vaddr >> mem.PGSHIFT)
		pageFileStart := seg.FileOffset + int(vaddr-seg.VAddr)
		validBytes := seg.FileBytes - int(vaddr-seg.VAddr)
		if validBytes < 0 {
			validBytes = 0
		}
		if validBytes > mem.PGSIZE {
			validBytes = mem.PGSIZE
		}
		p.Pages.InsertExecutable(p.AS, vp, exe, pageFileStart, validBytes, seg.Writable)
	}
}

// Wait implements wait(tid), per §4.J: searches this process's own
// children, blocks on the match's completion channel, then frees the
// record and returns its exit code.
func (s *System) Wait(parent *Process, tid defs.Tid_t) int {
	s.mu.Lock()
	kids := s.children[parent.Tid]
	found := false
	for _, k := range kids {
		if k == tid {
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return -1
	}

	s.mu.Lock()
	child, ok := s.procs[tid]
	s.mu.Unlock()
	if !ok {
		return -1
	}

	<-child.done
	child.mu.Lock()
	status := child.exitStatus
	child.mu.Unlock()

	s.mu.Lock()
	delete(s.procs, tid)
	newKids := kids[:0]
	for _, k := range s.children[parent.Tid] {
		if k != tid {
			newKids = append(newKids, k)
		}
	}
	s.children[parent.Tid] = newKids
	s.mu.Unlock()
	return status
}

// Exit implements exit(status), per §4.J: closes every descriptor, unmaps
// every mmap region, frees the supplemental page table, marks each child
// parent-finished (freeing any child that has already finished), and
// finally signals any waiting parent.
func (s *System) Exit(p *Process, status int) {
	defer func() {
		if r := recover(); r != nil {
			caller.Callerdump(2)
			panic(r)
		}
	}()

	p.fdMu.Lock()
	for _, f := range p.fds {
		f.Fops.Close()
	}
	p.fds = make(map[int]*fd.Fd_t)
	p.fdMu.Unlock()

	p.mmapMu.Lock()
	for id := range p.mmaps {
		s.munmapLocked(p, id)
	}
	p.mmapMu.Unlock()

	p.Pages.FreeAll(s.Swap)

	if p.Exe != nil {
		p.Exe.Close()
	}

	s.mu.Lock()
	for _, kidTid := range s.children[p.Tid] {
		if kid, ok := s.procs[kidTid]; ok {
			kid.mu.Lock()
			if kid.finished {
				delete(s.procs, kidTid)
			} else {
				kid.parentFinished = true
			}
			kid.mu.Unlock()
		}
	}
	delete(s.children, p.Tid)
	s.mu.Unlock()

	p.mu.Lock()
	p.exitStatus = status
	parentGone := p.parentFinished
	p.finished = true
	p.mu.Unlock()

	s.Threads.Unregister(p.Tid)
	if parentGone {
		s.mu.Lock()
		delete(s.procs, p.Tid)
		s.mu.Unlock()
	}
	select {
	case p.done <- struct{}{}:
	default:
	}
}

// --- per-process file descriptor table ---

// AddFd installs an open Ops under a fresh descriptor number.
func (p *Process) AddFd(ops fd.Ops, perms int) int {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	n := p.nextFd
	p.nextFd++
	p.fds[n] = &fd.Fd_t{Fops: ops, Perms: perms}
	return n
}

func (p *Process) GetFd(n int) (*fd.Fd_t, bool) {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	f, ok := p.fds[n]
	return f, ok
}

func (p *Process) CloseFd(n int) defs.Err_t {
	p.fdMu.Lock()
	f, ok := p.fds[n]
	delete(p.fds, n)
	p.fdMu.Unlock()
	if !ok {
		return -defs.EINVAL
	}
	return f.Fops.Close()
}

// --- read/write/fstat, staged through the teacher's kernel-buffer shim ---

// Read implements read(fd,n): the descriptor fills a uio.Uio the way a
// validated user buffer would be filled, and the consumed bytes are
// returned to the caller.
func (s *System) Read(p *Process, fdNum int, n int) ([]uint8, defs.Err_t) {
	f, ok := p.GetFd(fdNum)
	if !ok {
		return nil, -defs.EINVAL
	}
	u := uio.NewN(n)
	got, err := f.Fops.Read(u.Bytes())
	if err != 0 {
		return nil, err
	}
	out := make([]uint8, got)
	u.Uioread(out)
	return out, 0
}

// Write implements write(fd,data): data is staged into a uio.Uio and
// drained into a scratch buffer before reaching the descriptor, standing
// in for the copy out of a validated user buffer a real syscall performs.
func (s *System) Write(p *Process, fdNum int, data []uint8) (int, defs.Err_t) {
	f, ok := p.GetFd(fdNum)
	if !ok {
		return 0, -defs.EINVAL
	}
	u := uio.FromBytes(data)
	staged := make([]uint8, u.Totalsz())
	u.Uiowrite(staged)
	return f.Fops.Write(staged)
}

// Fstat implements fstat(fd), filling in the inode number, mode, and (for
// regular files) size.
func (s *System) Fstat(p *Process, fdNum int) (*stat.Stat_t, defs.Err_t) {
	f, ok := p.GetFd(fdNum)
	if !ok {
		return nil, -defs.EINVAL
	}
	var st stat.Stat_t
	st.Wino(uint(f.Fops.Inumber()))
	if f.Fops.IsDir() {
		st.Wmode(statIFDIR)
		return &st, 0
	}
	st.Wmode(statIFREG)
	size, err := f.Fops.Filesize()
	if err != 0 {
		return nil, err
	}
	st.Wsize(uint(size))
	return &st, 0
}

// --- filesystem syscalls, dispatched through the process's cwd ---

func (s *System) Create(p *Process, path ustr.Ustr, size int) defs.Err_t {
	return s.Fsys.Create(path, p.Cwd, size)
}

func (s *System) Mkdir(p *Process, path ustr.Ustr) defs.Err_t {
	return s.Fsys.Mkdir(path, p.Cwd)
}

func (s *System) Remove(p *Process, path ustr.Ustr) defs.Err_t {
	return s.Fsys.Remove(path, p.Cwd)
}

func (s *System) Chdir(p *Process, path ustr.Ustr) defs.Err_t {
	return s.Fsys.Chdir(path, p.Cwd)
}

// Open implements open(path), installing descriptor 0/1's console
// semantics are handled by the caller recognizing those reserved numbers
// rather than routing through here.
func (s *System) Open(p *Process, path ustr.Ustr) (int, defs.Err_t) {
	fdh, err := s.Fsys.Open(path, p.Cwd)
	if err != 0 {
		return -1, err
	}
	return p.AddFd(fdh.Fops, fdh.Perms), 0
}

// --- mmap / munmap, per §4.J ---

// Mmap implements mmap(fd,vaddr), per §4.J: the address must be
// page-aligned and non-zero, the file non-empty and not a directory, and
// the target range must not already have a supplemental page.
func (p *Process) Mmap(fdNum int, vaddr uintptr) (int, defs.Err_t) {
	if vaddr == 0 || vaddr&uintptr(mem.PGOFFSET) != 0 {
		return -1, -defs.EINVAL
	}
	f, ok := p.GetFd(fdNum)
	if !ok {
		return -1, -defs.EINVAL
	}
	file, ok := f.Fops.(*fsys.File)
	if !ok {
		return -1, -defs.EISDIR
	}
	size, _ := file.Filesize()
	if size == 0 {
		return -1, -defs.EINVAL
	}

	npages := (size + mem.PGOFFSET) / mem.PGSIZE
	for i := 0; i < npages; i++ {
		vp := mmu.VPage((vaddr >> mem.PGSHIFT) + uintptr(i))
		if _, exists := p.Pages.Lookup(vp); exists {
			return -1, -defs.EINVAL
		}
	}

	reopened, err := file.Reopen()
	if err != 0 {
		return -1, err
	}
	mf := reopened.(*fsys.File)

	p.mmapMu.Lock()
	if _, dup := p.mmaps[fdNum]; dup {
		p.mmapMu.Unlock()
		mf.Close()
		return -1, -defs.EINVAL
	}
	mapID := fdNum
	region := &mmapRegion{mapID: mapID, file: mf}
	p.mmapMu.Unlock()

	for i := 0; i < npages; i++ {
		vp := mmu.VPage((vaddr >> mem.PGSHIFT) + uintptr(i))
		offset := i * mem.PGSIZE
		valid := size - offset
		if valid > mem.PGSIZE {
			valid = mem.PGSIZE
		}
		p.Pages.InsertMmap(p.AS, vp, mf, offset, valid, mapID)
		region.vpages = append(region.vpages, vp)
	}

	p.mmapMu.Lock()
	p.mmaps[mapID] = region
	p.mmapMu.Unlock()

	return mapID, 0
}

// Munmap implements munmap(mapid): every dirty page is written back,
// frames released, and supplemental entries dropped.
func (p *Process) Munmap(mapID int) defs.Err_t {
	p.mmapMu.Lock()
	defer p.mmapMu.Unlock()
	return p.sys.munmapLocked(p, mapID)
}

// munmapLocked assumes p.mmapMu is held.
func (s *System) munmapLocked(p *Process, mapID int) defs.Err_t {
	region, ok := p.mmaps[mapID]
	if !ok {
		return -defs.EINVAL
	}
	for _, vp := range region.vpages {
		pg, ok := p.Pages.Lookup(vp)
		if !ok {
			continue
		}
		s.Frames.Unmap(pg)
		p.Pages.Remove(vp)
	}
	region.file.Close()
	delete(p.mmaps, mapID)
	return 0
}

// --- buffer validation, per §4.J ---

// ValidateBuffer pins every page a (ptr,size) buffer covers so a
// filesystem read/write cannot fault while holding its own locks,
// returning an unpin function the caller defers. Per §4.J: pin the first
// byte, every page boundary up to the last byte, and the last byte. esp is
// the user stack pointer trapped at syscall entry (supplied by the
// out-of-scope interrupt dispatch layer, §6); a missing page is only
// legitimate stack growth when it passes §4.G's StackAccessHeuristic
// against esp — anything else means the pointer is simply bad, and the
// caller must terminate the process with exit code -1 per §7's
// user-fault handling.
func (p *Process) ValidateBuffer(esp, ptr uintptr, size int) (func(), defs.Err_t) {
	if size == 0 {
		return func() {}, 0
	}
	first := ptr / mem.PGSIZE
	last := (ptr + uintptr(size) - 1) / mem.PGSIZE
	var pinned []*vmpage.Page
	unwind := func() {
		for _, pg := range pinned {
			p.sys.Frames.Unpin(pg)
		}
	}
	for vp := first; vp <= last; vp++ {
		page, ok := p.Pages.Lookup(mmu.VPage(vp))
		if !ok {
			vaddr := vp * mem.PGSIZE
			if !vmpage.StackAccessHeuristic(esp, vaddr) {
				unwind()
				return nil, -defs.EFAULT
			}
			page, err := p.Pages.ExtendStack(p.AS, vaddr)
			if err != 0 {
				unwind()
				return nil, -defs.EFAULT
			}
			if err2 := p.sys.Frames.Pin(page); err2 != 0 {
				unwind()
				return nil, err2
			}
			pinned = append(pinned, page)
			continue
		}
		if err := p.sys.Frames.Pin(page); err != 0 {
			unwind()
			return nil, err
		}
		pinned = append(pinned, page)
	}
	return unwind, 0
}
