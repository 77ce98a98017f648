// Package fd is the per-process file-descriptor table entry, the thin
// wrapper the syscall boundary (J) hands back an integer for. It is
// deliberately generic over what it wraps (an open file or an open
// directory) the way the teacher's fd.Fd_t is generic over fdops.Fdops_i.
package fd

import (
	"sync"

	"waffle/defs"
	"waffle/ustr"
)

const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Ops is what a concrete open file or directory (fsys.File, fsys.DirHandle)
// implements to back a descriptor.
type Ops interface {
	Read(dst []uint8) (int, defs.Err_t)
	Write(src []uint8) (int, defs.Err_t)
	Seek(off int, whence int) (int, defs.Err_t)
	Tell() int
	Close() defs.Err_t
	Reopen() (Ops, defs.Err_t)
	Filesize() (int, defs.Err_t)
	IsDir() bool
	Inumber() int
	// Readdir returns the next directory entry name, or ok=false at EOF.
	// Fails with -ENOTDIR on a file descriptor.
	Readdir() (name ustr.Ustr, ok bool, err defs.Err_t)
}

// Fd_t is an open file descriptor: the operations it dispatches to, plus
// the permission bits it was opened with.
type Fd_t struct {
	Fops  Ops
	Perms int
}

// Copyfd duplicates fd by reopening its underlying Ops. Nothing in this
// module calls it; CreateProcess gives a child only the console
// descriptors.
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nf := &Fd_t{Perms: f.Perms}
	ops, err := f.Fops.Reopen()
	if err != 0 {
		return nil, err
	}
	nf.Fops = ops
	return nf, 0
}

// Close_panic closes f, panicking if close reports an error, for teardown
// paths where a close failure is an invariant violation rather than a
// user-visible error. Nothing in this module calls it.
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

// Cwd_t tracks a process's current-directory context: which directory
// inode sector relative lookups start from, serialized against concurrent
// chdir.
type Cwd_t struct {
	sync.Mutex
	Sector int       // inode sector of the current directory
	Path   ustr.Ustr // display-only: the path as passed to the last Chdir
}

// MkRootCwd builds a Cwd_t rooted at the root directory's sector.
func MkRootCwd(rootSector int) *Cwd_t {
	return &Cwd_t{Sector: rootSector, Path: ustr.MkUstrRoot()}
}

// Chdir updates the current-directory context atomically.
func (cwd *Cwd_t) Chdir(sector int, path ustr.Ustr) {
	cwd.Lock()
	defer cwd.Unlock()
	cwd.Sector = sector
	cwd.Path = path
}

// Get returns the current directory sector and display path.
func (cwd *Cwd_t) Get() (int, ustr.Ustr) {
	cwd.Lock()
	defer cwd.Unlock()
	return cwd.Sector, cwd.Path
}
