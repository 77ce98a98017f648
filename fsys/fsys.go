// Package fsys is the filesystem façade (component F): create/open/remove
// over pathnames, binding the per-process current-directory context the
// directory resolver needs. Grounded on pintos's filesys/filesys.c
// (filesys_create/filesys_open/filesys_remove's rollback-on-partial-
// failure shape) built on this repo's directory.Resolver and inode.Table
// instead of pintos's global fs_device singleton.
package fsys

import (
	"sync"

	"waffle/cache"
	"waffle/defs"
	"waffle/directory"
	"waffle/fd"
	"waffle/freemap"
	"waffle/inode"
	"waffle/ustr"
)

const maxPathDepth = 64

// Fsys is the filesystem façade. Its mutex is tier 2 in the lock
// hierarchy: it covers the inode-list lookup race and serializes
// directory metadata operations (create/mkdir/remove) that touch more
// than one inode.
type Fsys struct {
	mu         sync.Mutex
	c          *cache.Cache
	fm         *freemap.Map
	tab        *inode.Table
	resolver   *directory.Resolver
	rootSector int

	// CwdSectors, set by the process layer (J), lists every live
	// process's current-directory inode sector. Remove uses it to
	// refuse deleting a directory that is an ancestor of some running
	// process's cwd, per §4.F.
	CwdSectors func() []int
}

// New builds a façade over an already-open cache and free-map.
func New(c *cache.Cache, fm *freemap.Map, rootSector int) *Fsys {
	tab := inode.NewTable(c, fm)
	return &Fsys{
		c:          c,
		fm:         fm,
		tab:        tab,
		resolver:   &directory.Resolver{Tab: tab, RootSector: rootSector},
		rootSector: rootSector,
	}
}

// Format lays down a fresh filesystem: the free-map is reset, metadata
// sectors 0 (free-map) and 1 (root inode) are marked permanently
// allocated, and the root directory is created with "." and ".." both
// pointing at itself.
func (fs *Fsys) Format() defs.Err_t {
	fs.fm.Format(2)
	inode.Create(fs.c, fs.rootSector, true)
	d, err := fs.tab.Open(fs.rootSector)
	if err != 0 {
		return err
	}
	defer fs.tab.Close(d)
	return directory.CreateAt(d, fs.rootSector, fs.rootSector)
}

// RootSector returns the root directory's inode sector, used to build the
// initial process cwd.
func (fs *Fsys) RootSector() int { return fs.rootSector }

// Flush writes back every dirty cache buffer, used on shutdown.
func (fs *Fsys) Flush() { fs.c.Flush() }

func trailingSlash(path ustr.Ustr) bool {
	return len(path) > 0 && path[len(path)-1] == '/'
}

// Create implements the create(path,size) syscall, per §4.F.
func (fs *Fsys) Create(path ustr.Ustr, cwd *fd.Cwd_t, size int) defs.Err_t {
	if len(path) == 0 || trailingSlash(path) {
		return -defs.EINVAL
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	cwdSector, _ := cwd.Get()
	pr, err := fs.resolver.Parse(path, cwdSector)
	if err != 0 {
		return err
	}
	defer fs.tab.Close(pr.ParentInode)
	if pr.ParentInode.Removed() {
		return -defs.ENOENT
	}

	dir := directory.Open(pr.ParentInode)
	if _, ok := dir.Lookup(pr.Name); ok {
		return -defs.EEXIST
	}

	sector, err := fs.fm.Allocate(1)
	if err != 0 {
		return err
	}
	inode.Create(fs.c, sector, false)

	d, err := fs.tab.Open(sector)
	if err != 0 {
		fs.fm.Release(sector, 1)
		return err
	}
	if err := d.Preallocate(size); err != 0 {
		fs.tab.Close(d)
		fs.fm.Release(sector, 1)
		return err
	}
	if err := dir.Add(pr.Name, sector); err != 0 {
		fs.tab.Remove(d)
		fs.tab.Close(d)
		return err
	}
	fs.tab.Close(d)
	return 0
}

// Mkdir implements the mkdir(path) syscall, an extension folded in from
// the original Pintos per SPEC_FULL's supplemented-features section.
func (fs *Fsys) Mkdir(path ustr.Ustr, cwd *fd.Cwd_t) defs.Err_t {
	if len(path) == 0 {
		return -defs.EINVAL
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	cwdSector, _ := cwd.Get()
	pr, err := fs.resolver.Parse(path, cwdSector)
	if err != 0 {
		return err
	}
	defer fs.tab.Close(pr.ParentInode)
	if pr.ParentInode.Removed() {
		return -defs.ENOENT
	}

	dir := directory.Open(pr.ParentInode)
	if _, ok := dir.Lookup(pr.Name); ok {
		return -defs.EEXIST
	}

	sector, err := fs.fm.Allocate(1)
	if err != 0 {
		return err
	}
	inode.Create(fs.c, sector, true)

	d, err := fs.tab.Open(sector)
	if err != 0 {
		fs.fm.Release(sector, 1)
		return err
	}
	if err := directory.CreateAt(d, sector, pr.ParentSector); err != 0 {
		fs.tab.Close(d)
		fs.fm.Release(sector, 1)
		return err
	}
	if err := dir.Add(pr.Name, sector); err != 0 {
		fs.tab.Remove(d)
		fs.tab.Close(d)
		return err
	}
	fs.tab.Close(d)
	return 0
}

// Open implements the open(path) syscall, dispatching to a file or
// directory descriptor per §4.F.
func (fs *Fsys) Open(path ustr.Ustr, cwd *fd.Cwd_t) (*fd.Fd_t, defs.Err_t) {
	if len(path) == 0 {
		return nil, -defs.EINVAL
	}

	fs.mu.Lock()
	cwdSector, _ := cwd.Get()
	pr, err := fs.resolver.Parse(path, cwdSector)
	fs.mu.Unlock()
	if err != 0 {
		return nil, err
	}
	if pr.ParentInode.Removed() {
		fs.tab.Close(pr.ParentInode)
		return nil, -defs.ENOENT
	}

	dir := directory.Open(pr.ParentInode)
	sector, ok := dir.Lookup(pr.Name)
	fs.tab.Close(pr.ParentInode)
	if !ok {
		return nil, -defs.ENOENT
	}

	target, err := fs.tab.Open(sector)
	if err != 0 {
		return nil, err
	}

	if target.IsDir {
		return &fd.Fd_t{Fops: &DirHandle{fs: fs, dir: directory.Open(target)}, Perms: fd.FD_READ}, 0
	}
	if trailingSlash(path) {
		fs.tab.Close(target)
		return nil, -defs.ENOTDIR
	}
	return &fd.Fd_t{Fops: &File{fs: fs, inode: target}, Perms: fd.FD_READ | fd.FD_WRITE}, 0
}

// isAncestorOf reports whether dirSector lies on candidateSector's path to
// the root, walking ".." entries.
func (fs *Fsys) isAncestorOf(dirSector, candidateSector int) bool {
	cur := candidateSector
	for i := 0; i < maxPathDepth; i++ {
		if cur == dirSector {
			return true
		}
		if cur == fs.rootSector {
			return false
		}
		d, err := fs.tab.Open(cur)
		if err != 0 {
			return false
		}
		parent, ok := directory.Open(d).Lookup(ustr.DotDot)
		fs.tab.Close(d)
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// Remove implements the remove(path) syscall, per §4.F: a directory must
// be empty and must not be an ancestor of any running process's current
// directory; self-removal ("." or "..") is disallowed.
func (fs *Fsys) Remove(path ustr.Ustr, cwd *fd.Cwd_t) defs.Err_t {
	if len(path) == 0 {
		return -defs.EINVAL
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	cwdSector, _ := cwd.Get()
	pr, err := fs.resolver.Parse(path, cwdSector)
	if err != 0 {
		return err
	}
	defer fs.tab.Close(pr.ParentInode)

	if pr.Name.Isdot() || pr.Name.Isdotdot() {
		return -defs.EINVAL
	}

	dir := directory.Open(pr.ParentInode)
	sector, ok := dir.Lookup(pr.Name)
	if !ok {
		return -defs.ENOENT
	}

	target, err := fs.tab.Open(sector)
	if err != 0 {
		return err
	}
	if target.IsDir {
		if directory.Open(target).NumEntries() > 2 {
			fs.tab.Close(target)
			return -defs.ENOTEMPTY
		}
		if fs.CwdSectors != nil {
			for _, s := range fs.CwdSectors() {
				if fs.isAncestorOf(sector, s) {
					fs.tab.Close(target)
					return -defs.EBUSY
				}
			}
		}
	}
	fs.tab.Close(target)

	return dir.Remove(pr.Name, fs.tab)
}

// Chdir implements the chdir(path) syscall.
func (fs *Fsys) Chdir(path ustr.Ustr, cwd *fd.Cwd_t) defs.Err_t {
	if len(path) == 0 {
		return -defs.EINVAL
	}

	fs.mu.Lock()
	cwdSector, _ := cwd.Get()
	pr, err := fs.resolver.Parse(path, cwdSector)
	fs.mu.Unlock()
	if err != 0 {
		return err
	}
	dir := directory.Open(pr.ParentInode)
	sector, ok := dir.Lookup(pr.Name)
	fs.tab.Close(pr.ParentInode)
	if !ok {
		return -defs.ENOENT
	}
	target, err := fs.tab.Open(sector)
	if err != 0 {
		return err
	}
	isDir := target.IsDir
	fs.tab.Close(target)
	if !isDir {
		return -defs.ENOTDIR
	}
	cwd.Chdir(sector, path)
	return 0
}

// File is an open regular file, satisfying fd.Ops.
type File struct {
	fs     *Fsys
	inode  *inode.Descriptor
	mu     sync.Mutex
	off    int
	denied bool
}

func (f *File) Read(dst []uint8) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.inode.ReadAt(dst, f.off)
	f.off += n
	return n, 0
}

func (f *File) Write(src []uint8) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.inode.WriteAt(src, f.off)
	f.off += n
	return n, 0
}

func (f *File) Seek(off int, whence int) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case 0:
		f.off = off
	case 1:
		f.off += off
	case 2:
		f.off = f.inode.Length() + off
	default:
		return 0, -defs.EINVAL
	}
	if f.off < 0 {
		f.off = 0
	}
	return f.off, 0
}

func (f *File) Tell() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.off
}

func (f *File) Close() defs.Err_t {
	if f.denied {
		f.inode.AllowWrite()
	}
	f.fs.tab.Close(f.inode)
	return 0
}

func (f *File) Reopen() (fd.Ops, defs.Err_t) {
	nd, err := f.fs.tab.Open(f.inode.Sector)
	if err != 0 {
		return nil, err
	}
	return &File{fs: f.fs, inode: nd}, 0
}

func (f *File) Filesize() (int, defs.Err_t) { return f.inode.Length(), 0 }
func (f *File) IsDir() bool                 { return false }
func (f *File) Inumber() int                { return f.inode.Sector }
func (f *File) Readdir() (ustr.Ustr, bool, defs.Err_t) {
	return nil, false, -defs.ENOTDIR
}

// DenyWrite marks the underlying inode immutable while this handle is
// open, used to protect a running executable (§4.D "Deny-write").
func (f *File) DenyWrite() {
	f.denied = true
	f.inode.DenyWrite()
}

// Inode exposes the backing descriptor, used by the process layer to load
// ELF segments directly via ReadAt without going through the Ops seek
// cursor.
func (f *File) Inode() *inode.Descriptor { return f.inode }

// DirHandle is an open directory, satisfying fd.Ops.
type DirHandle struct {
	fs  *Fsys
	mu  sync.Mutex
	dir *directory.Dir
}

func (d *DirHandle) Read(dst []uint8) (int, defs.Err_t)         { return 0, -defs.EISDIR }
func (d *DirHandle) Write(src []uint8) (int, defs.Err_t)        { return 0, -defs.EISDIR }
func (d *DirHandle) Seek(off int, whence int) (int, defs.Err_t) { return 0, -defs.EISDIR }
func (d *DirHandle) Tell() int                                  { return 0 }

func (d *DirHandle) Close() defs.Err_t {
	d.fs.tab.Close(d.dir.Inode)
	return 0
}

func (d *DirHandle) Reopen() (fd.Ops, defs.Err_t) {
	nd, err := d.fs.tab.Open(d.dir.Inode.Sector)
	if err != 0 {
		return nil, err
	}
	return &DirHandle{fs: d.fs, dir: directory.Open(nd)}, 0
}

func (d *DirHandle) Filesize() (int, defs.Err_t) { return 0, -defs.EISDIR }
func (d *DirHandle) IsDir() bool                 { return true }
func (d *DirHandle) Inumber() int                { return d.dir.Inode.Sector }

func (d *DirHandle) Readdir() (ustr.Ustr, bool, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.dir.Readdir()
	return name, ok, 0
}
