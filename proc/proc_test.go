package proc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"waffle/cache"
	"waffle/defs"
	"waffle/disk"
	"waffle/frame"
	"waffle/freemap"
	"waffle/fsys"
	"waffle/mem"
	"waffle/mmu"
	"waffle/sharing"
	"waffle/swap"
	"waffle/ustr"
	"waffle/vmpage"
)

const rootSector = 1

func newTestSystem(t *testing.T) *System {
	t.Helper()
	dev := disk.NewMemDevice(512)
	c := cache.New(dev)
	t.Cleanup(c.Stop)
	fm := freemap.Open(c, 512)
	fs := fsys.New(c, fm, rootSector)
	if err := fs.Format(); err != 0 {
		t.Fatalf("Format: %s", err)
	}

	physmem := mem.NewPhysmem(64)
	sh := sharing.New()
	sw := swap.New(disk.NewMemDevice(swap.SectorsPerSlot * 16))
	frames := frame.New(32, physmem, sh, sw)

	return NewSystem(fs, frames, sh, sw)
}

func TestInitProcessHasConsoleDescriptors(t *testing.T) {
	s := newTestSystem(t)
	p := s.InitProcess()

	if _, ok := p.GetFd(0); !ok {
		t.Fatalf("fd 0 (console in) missing")
	}
	if _, ok := p.GetFd(1); !ok {
		t.Fatalf("fd 1 (console out) missing")
	}
}

func TestFileSyscallsReadWriteFstat(t *testing.T) {
	s := newTestSystem(t)
	p := s.InitProcess()

	if err := s.Create(p, ustr.Ustr("/data"), 0); err != 0 {
		t.Fatalf("Create: %s", err)
	}
	fdNum, err := s.Open(p, ustr.Ustr("/data"))
	if err != 0 {
		t.Fatalf("Open: %s", err)
	}

	want := []byte("some file contents")
	n, err := s.Write(p, fdNum, want)
	if err != 0 {
		t.Fatalf("Write: %s", err)
	}
	if n != len(want) {
		t.Fatalf("Write returned %d, want %d", n, len(want))
	}

	st, err := s.Fstat(p, fdNum)
	if err != 0 {
		t.Fatalf("Fstat: %s", err)
	}
	if st.Size() != uint(len(want)) {
		t.Fatalf("Fstat size = %d, want %d", st.Size(), len(want))
	}

	f, _ := p.GetFd(fdNum)
	f.Fops.Seek(0, 0)
	got, err := s.Read(p, fdNum, len(want))
	if err != 0 {
		t.Fatalf("Read: %s", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateProcessInstallsSegmentsAndStack(t *testing.T) {
	s := newTestSystem(t)
	parent := s.InitProcess()

	exeBytes := make([]byte, mem.PGSIZE)
	for i := range exeBytes {
		exeBytes[i] = uint8(i)
	}
	if err := s.Create(parent, ustr.Ustr("/prog"), 0); err != 0 {
		t.Fatalf("Create: %s", err)
	}
	fdNum, err := s.Open(parent, ustr.Ustr("/prog"))
	if err != 0 {
		t.Fatalf("Open: %s", err)
	}
	if _, err := s.Write(parent, fdNum, exeBytes); err != 0 {
		t.Fatalf("Write exe: %s", err)
	}
	if err := parent.CloseFd(fdNum); err != 0 {
		t.Fatalf("CloseFd: %s", err)
	}

	segs := []Segment{{VAddr: 0x1000, FileOffset: 0, FileBytes: mem.PGSIZE, MemBytes: mem.PGSIZE, Writable: false}}
	tid, err := s.CreateProcess(parent, ustr.Ustr("/prog"), segs, vmpage.PhysBase)
	if err != 0 {
		t.Fatalf("CreateProcess: %s", err)
	}
	if tid == 0 {
		t.Fatalf("CreateProcess returned zero tid")
	}

	child, ok := s.procs[tid]
	if !ok {
		t.Fatalf("child process record missing")
	}
	if _, ok := child.Pages.Lookup(mmu.VPage(0x1000 / mem.PGSIZE)); !ok {
		t.Fatalf("segment page was not installed")
	}

	s.Exit(child, 3)
	status := s.Wait(parent, tid)
	if status != 3 {
		t.Fatalf("Wait returned %d, want 3", status)
	}
	if s.Wait(parent, tid) != -1 {
		t.Fatalf("second Wait for the same tid should return -1")
	}
}

func TestValidateBufferStackHeuristicBoundary(t *testing.T) {
	s := newTestSystem(t)
	p := s.InitProcess()

	// esp-32 is the typical `pushad` retreat offset: a missing page there
	// is legitimate stack growth.
	page1 := vmpage.PhysBase - uintptr(mem.PGSIZE)
	esp1 := page1 + 32
	unpin, err := p.ValidateBuffer(esp1, page1, 1)
	if err != 0 {
		t.Fatalf("esp-32 should extend the stack, got %s", err)
	}
	unpin()

	// esp-33 matches none of the heuristic's cases and must fault.
	page2 := page1 - uintptr(mem.PGSIZE)
	esp2 := page2 + 33
	if _, err := p.ValidateBuffer(esp2, page2, 1); err != -defs.EFAULT {
		t.Fatalf("esp-33 should fault with EFAULT, got %s", err)
	}
}

func TestMmapMunmapRoundTrip(t *testing.T) {
	s := newTestSystem(t)
	p := s.InitProcess()

	if err := s.Create(p, ustr.Ustr("/mapped"), 0); err != 0 {
		t.Fatalf("Create: %s", err)
	}
	fdNum, err := s.Open(p, ustr.Ustr("/mapped"))
	if err != 0 {
		t.Fatalf("Open: %s", err)
	}
	data := make([]byte, mem.PGSIZE)
	if _, err := s.Write(p, fdNum, data); err != 0 {
		t.Fatalf("Write: %s", err)
	}

	const vaddr = uintptr(0x40000000)
	mapID, err := p.Mmap(fdNum, vaddr)
	if err != 0 {
		t.Fatalf("Mmap: %s", err)
	}
	if _, ok := p.Pages.Lookup(mmu.VPage(vaddr / mem.PGSIZE)); !ok {
		t.Fatalf("Mmap did not install a supplemental page")
	}
	if err := p.Munmap(mapID); err != 0 {
		t.Fatalf("Munmap: %s", err)
	}
	if _, ok := p.Pages.Lookup(mmu.VPage(vaddr / mem.PGSIZE)); ok {
		t.Fatalf("Munmap left the supplemental page behind")
	}
}
