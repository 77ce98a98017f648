// Package directory is the hierarchical directory tree (component E): a
// directory is an inode whose contents are a packed sequence of fixed-size
// name entries. Grounded on pintos's filesys/directory.c (dir_create,
// dir_add/dir_remove/dir_readdir, dir_parse_pathname's token-by-token
// resolution), adapted onto this repo's inode.Descriptor instead of a raw
// inode_read_at/inode_write_at pair.
package directory

import (
	"waffle/defs"
	"waffle/inode"
	"waffle/ustr"
	"waffle/util"
)

// NameMax is the longest name a directory entry can hold, per §9's open
// question: this repo picks the classical Pintos constant and documents
// the entry size bit-exactly below.
const NameMax = 14

// EntrySize is 4 (sector) + NameMax+1 (name, NUL-terminated) + 1 (in-use) =
// 20 bytes; §6 describes the nominal 17-byte layout for NAME_MAX=14's
// NUL-terminated name field packed tightly, but this repo keeps entries
// 4-byte aligned for Readn/Writen, documented as an Open Question
// resolution in DESIGN.md.
const EntrySize = 4 + NameMax + 1 + 1

const (
	entOffSector = 0
	entOffName   = 4
	entOffInUse  = entOffName + NameMax + 1
)

// Dir is an open directory: the backing inode plus a per-handle readdir
// cursor (§4.E).
type Dir struct {
	Inode *inode.Descriptor
	pos   int
}

func Open(d *inode.Descriptor) *Dir { return &Dir{Inode: d} }

type entry struct {
	sector int
	name   ustr.Ustr
	inUse  bool
}

func decodeEntry(buf []byte) entry {
	return entry{
		sector: util.Readn(buf, 4, entOffSector),
		name:   ustr.MkUstrSlice(buf[entOffName : entOffName+NameMax+1]),
		inUse:  buf[entOffInUse] != 0,
	}
}

func encodeEntry(sector int, name ustr.Ustr, inUse bool) []byte {
	buf := make([]byte, EntrySize)
	util.Writen(buf, 4, entOffSector, sector)
	copy(buf[entOffName:entOffName+NameMax+1], name)
	if inUse {
		buf[entOffInUse] = 1
	}
	return buf
}

// CreateAt lays down the implicit "." and ".." entries on an
// already-created, zero-length directory inode, per §4.E.
func CreateAt(d *inode.Descriptor, sector, parent int) defs.Err_t {
	dir := &Dir{Inode: d}
	if err := dir.add(ustr.MkUstrDot(), sector); err != 0 {
		return err
	}
	if err := dir.add(ustr.DotDot, parent); err != 0 {
		return err
	}
	return 0
}

func (d *Dir) lookup(name ustr.Ustr) (entry, int, bool) {
	buf := make([]byte, EntrySize)
	for ofs := 0; d.Inode.ReadAt(buf, ofs) == EntrySize; ofs += EntrySize {
		e := decodeEntry(buf)
		if e.inUse && e.name.Eq(name) {
			return e, ofs, true
		}
	}
	return entry{}, 0, false
}

// Lookup searches dir for name, returning the inode sector it names.
func (d *Dir) Lookup(name ustr.Ustr) (int, bool) {
	e, _, ok := d.lookup(name)
	if !ok {
		return 0, false
	}
	return e.sector, true
}

// add writes one new entry, reusing the first free slot or extending the
// directory file by one entry, per §4.E.
func (d *Dir) add(name ustr.Ustr, sector int) defs.Err_t {
	if len(name) == 0 || len(name) > NameMax {
		return -defs.ENAMETOOLONG
	}
	if _, _, ok := d.lookup(name); ok {
		return -defs.EEXIST
	}

	buf := make([]byte, EntrySize)
	ofs := 0
	for ; d.Inode.ReadAt(buf, ofs) == EntrySize; ofs += EntrySize {
		if !decodeEntry(buf).inUse {
			break
		}
	}
	enc := encodeEntry(sector, name, true)
	if n := d.Inode.WriteAt(enc, ofs); n != EntrySize {
		return -defs.ENOSPC
	}
	return 0
}

// Add is the exported form of add, used once a directory is fully formed
// (Create already lays down "." and "..").
func (d *Dir) Add(name ustr.Ustr, sector int) defs.Err_t { return d.add(name, sector) }

// Remove clears name's in-use flag and marks the target inode removed, per
// §4.E. The directory file itself is never compacted.
func (d *Dir) Remove(name ustr.Ustr, tab *inode.Table) defs.Err_t {
	e, ofs, ok := d.lookup(name)
	if !ok {
		return -defs.ENOENT
	}
	target, err := tab.Open(e.sector)
	if err != 0 {
		return err
	}
	enc := encodeEntry(e.sector, name, false)
	if n := d.Inode.WriteAt(enc, ofs); n != EntrySize {
		tab.Close(target)
		return -defs.EIO
	}
	tab.Remove(target)
	tab.Close(target)
	return 0
}

// Readdir advances the per-handle cursor, skipping ".", "..", and free
// slots, per §4.E.
func (d *Dir) Readdir() (ustr.Ustr, bool) {
	buf := make([]byte, EntrySize)
	for d.Inode.ReadAt(buf, d.pos) == EntrySize {
		d.pos += EntrySize
		e := decodeEntry(buf)
		if e.inUse && !e.name.Isdot() && !e.name.Isdotdot() {
			return e.name, true
		}
	}
	return nil, false
}

// NumEntries counts in-use entries, including "." and "..", used by fsys
// to enforce "directory must be empty" on remove. Grounded on pintos's
// dir_get_num_entries.
func (d *Dir) NumEntries() int {
	n := 0
	buf := make([]byte, EntrySize)
	for ofs := 0; d.Inode.ReadAt(buf, ofs) == EntrySize; ofs += EntrySize {
		if decodeEntry(buf).inUse {
			n++
		}
	}
	return n
}

// Resolver walks pathnames against the inode table, playing the role of
// pintos's dir_parse_pathname (§4.E).
type Resolver struct {
	Tab        *inode.Table
	RootSector int
}

// ParseResult is (parent_directory, final_name): the caller decides
// whether the last component must exist or must not, per §4.E.
type ParseResult struct {
	ParentSector int
	ParentInode  *inode.Descriptor
	Name         ustr.Ustr
}

// Parse resolves path to its parent directory and final component name.
// On success, ParentInode is returned open; the caller must Tab.Close it.
func (r *Resolver) Parse(path ustr.Ustr, cwdSector int) (ParseResult, defs.Err_t) {
	if len(path) == 0 {
		return ParseResult{}, -defs.EINVAL
	}

	startSector := cwdSector
	if path.IsAbsolute() {
		startSector = r.RootSector
	}
	parentInode, err := r.Tab.Open(startSector)
	if err != 0 {
		return ParseResult{}, err
	}
	parentSector := startSector
	name := ustr.MkUstrDot()

	toks := split(path)
	if len(toks) == 0 {
		// pure-root path: "/"
		return ParseResult{ParentSector: r.RootSector, ParentInode: parentInode, Name: ustr.MkUstrDot()}, 0
	}

	var nextInode *inode.Descriptor
	for i, tok := range toks {
		if len(tok) > NameMax {
			r.Tab.Close(parentInode)
			if nextInode != nil {
				r.Tab.Close(nextInode)
			}
			return ParseResult{}, -defs.ENAMETOOLONG
		}
		name = tok

		if nextInode != nil {
			if !nextInode.IsDir {
				r.Tab.Close(parentInode)
				r.Tab.Close(nextInode)
				return ParseResult{}, -defs.ENOTDIR
			}
			r.Tab.Close(parentInode)
			parentInode = nextInode
			parentSector = nextInode.Sector
			nextInode = nil
		}

		dir := Open(parentInode)
		sector, ok := dir.Lookup(tok)
		if !ok {
			if i != len(toks)-1 {
				r.Tab.Close(parentInode)
				return ParseResult{}, -defs.ENOENT
			}
			break
		}
		nextInode, err = r.Tab.Open(sector)
		if err != 0 {
			r.Tab.Close(parentInode)
			return ParseResult{}, err
		}
	}
	if nextInode != nil {
		r.Tab.Close(nextInode)
	}
	return ParseResult{ParentSector: parentSector, ParentInode: parentInode, Name: name}, 0
}

func split(path ustr.Ustr) []ustr.Ustr {
	var toks []ustr.Ustr
	start := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if start != -1 {
				toks = append(toks, path[start:i])
				start = -1
			}
			continue
		}
		if start == -1 {
			start = i
		}
	}
	if start != -1 {
		toks = append(toks, path[start:])
	}
	return toks
}
