package fsys

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"waffle/cache"
	"waffle/defs"
	"waffle/disk"
	"waffle/fd"
	"waffle/freemap"
	"waffle/ustr"
)

const rootSector = 1

func newTestFsys(t *testing.T) (*Fsys, *fd.Cwd_t) {
	t.Helper()
	dev := disk.NewMemDevice(256)
	c := cache.New(dev)
	t.Cleanup(c.Stop)
	fm := freemap.Open(c, 256)
	fs := New(c, fm, rootSector)
	if err := fs.Format(); err != 0 {
		t.Fatalf("Format: %s", err)
	}
	return fs, fd.MkRootCwd(rootSector)
}

func TestCreateOpenWriteReadRoundTrip(t *testing.T) {
	fs, cwd := newTestFsys(t)

	if err := fs.Create(ustr.Ustr("/hello"), cwd, 0); err != 0 {
		t.Fatalf("Create: %s", err)
	}

	fdh, err := fs.Open(ustr.Ustr("/hello"), cwd)
	if err != 0 {
		t.Fatalf("Open: %s", err)
	}
	want := []byte("hello, world")
	if _, err := fdh.Fops.Write(want); err != 0 {
		t.Fatalf("Write: %s", err)
	}
	if _, err := fdh.Fops.Seek(0, 0); err != 0 {
		t.Fatalf("Seek: %s", err)
	}
	got := make([]byte, len(want))
	n, err := fdh.Fops.Read(got)
	if err != 0 {
		t.Fatalf("Read: %s", err)
	}
	if n != len(want) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(want))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
	fdh.Fops.Close()
}

func TestCreateDuplicateFails(t *testing.T) {
	fs, cwd := newTestFsys(t)
	if err := fs.Create(ustr.Ustr("/dup"), cwd, 0); err != 0 {
		t.Fatalf("first Create: %s", err)
	}
	if err := fs.Create(ustr.Ustr("/dup"), cwd, 0); err != -defs.EEXIST {
		t.Fatalf("second Create = %s, want EEXIST", err)
	}
}

func TestMkdirChdirAndRelativePaths(t *testing.T) {
	fs, cwd := newTestFsys(t)

	if err := fs.Mkdir(ustr.Ustr("/sub"), cwd); err != 0 {
		t.Fatalf("Mkdir: %s", err)
	}
	if err := fs.Chdir(ustr.Ustr("/sub"), cwd); err != 0 {
		t.Fatalf("Chdir: %s", err)
	}
	if err := fs.Create(ustr.Ustr("leaf"), cwd, 0); err != 0 {
		t.Fatalf("Create relative to cwd: %s", err)
	}
	if _, err := fs.Open(ustr.Ustr("/sub/leaf"), fd.MkRootCwd(rootSector)); err != 0 {
		t.Fatalf("leaf not visible from an absolute path: %s", err)
	}
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	fs, cwd := newTestFsys(t)
	if err := fs.Mkdir(ustr.Ustr("/d"), cwd); err != 0 {
		t.Fatalf("Mkdir: %s", err)
	}
	if err := fs.Create(ustr.Ustr("/d/f"), cwd, 0); err != 0 {
		t.Fatalf("Create: %s", err)
	}
	if err := fs.Remove(ustr.Ustr("/d"), cwd); err != -defs.ENOTEMPTY {
		t.Fatalf("Remove non-empty dir = %s, want ENOTEMPTY", err)
	}
	if err := fs.Remove(ustr.Ustr("/d/f"), cwd); err != 0 {
		t.Fatalf("Remove leaf: %s", err)
	}
	if err := fs.Remove(ustr.Ustr("/d"), cwd); err != 0 {
		t.Fatalf("Remove now-empty dir: %s", err)
	}
}

func TestRemoveRefusesAncestorOfRunningCwd(t *testing.T) {
	fs, cwd := newTestFsys(t)
	if err := fs.Mkdir(ustr.Ustr("/busy"), cwd); err != 0 {
		t.Fatalf("Mkdir: %s", err)
	}
	other := fd.MkRootCwd(rootSector)
	if err := fs.Chdir(ustr.Ustr("/busy"), other); err != 0 {
		t.Fatalf("Chdir: %s", err)
	}
	fs.CwdSectors = func() []int {
		sector, _ := other.Get()
		return []int{sector}
	}
	if err := fs.Remove(ustr.Ustr("/busy"), cwd); err != -defs.EBUSY {
		t.Fatalf("Remove ancestor-of-running-cwd = %s, want EBUSY", err)
	}
}

func TestCreateUnderMissingDirectoryLeaksNoSector(t *testing.T) {
	fs, cwd := newTestFsys(t)
	// Creating the same name twice concurrently isn't reachable through
	// the public API without a second resolver race, so instead this
	// checks the simpler partial-failure path: Create on a path whose
	// parent does not exist must not leave a freemap sector allocated.
	before, err := fs.fm.Allocate(1)
	if err != 0 {
		t.Fatalf("Allocate: %s", err)
	}
	fs.fm.Release(before, 1)

	if err := fs.Create(ustr.Ustr("/nosuch/leaf"), cwd, 0); err == 0 {
		t.Fatalf("Create under a missing directory should fail")
	}

	after, err := fs.fm.Allocate(1)
	if err != 0 {
		t.Fatalf("Allocate after failed Create: %s", err)
	}
	if after != before {
		t.Fatalf("failed Create leaked a freemap sector: got %d, want %d", after, before)
	}
}
