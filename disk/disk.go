// Package disk simulates a sector-addressed block device. It plays the role
// the teacher's ufs ahci_disk_t plays: the raw synchronous backend the
// cache issues reads and writes against, kept deliberately dumb (no
// caching, no queueing) so every interesting behavior lives in the cache
// and inode layers above it.
package disk

import (
	"fmt"
	"os"
	"sync"

	"waffle/defs"
	"waffle/mem"
)

const SectorSize = mem.SECTORSIZE

// Device is the contract both the filesystem and swap block devices
// satisfy. Sector addressing, fixed-size reads and writes, matching the
// external interface §6 "Block device."
type Device interface {
	ReadSector(sector int, dst []uint8) defs.Err_t
	WriteSector(sector int, src []uint8) defs.Err_t
	Flush() defs.Err_t
	NSectors() int
}

// FileDevice backs a Device with a host file, the same approach as the
// teacher's ahci_disk_t (seek + read/write on an *os.File), one mutex
// serializing seek-then-transfer so concurrent callers never race on the
// shared file offset.
type FileDevice struct {
	mu sync.Mutex
	f  *os.File
	n  int
}

// OpenFileDevice opens an existing image file as a Device with nsectors
// sectors of capacity.
func OpenFileDevice(path string, nsectors int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f, n: nsectors}, nil
}

// CreateFileDevice creates a zero-filled image file of nsectors sectors.
func CreateFileDevice(path string, nsectors int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nsectors) * SectorSize); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, n: nsectors}, nil
}

func (d *FileDevice) NSectors() int { return d.n }

func (d *FileDevice) ReadSector(sector int, dst []uint8) defs.Err_t {
	if sector < 0 || sector >= d.n || len(dst) != SectorSize {
		return -defs.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(int64(sector)*SectorSize, 0); err != nil {
		panic(err) // device I/O failure is fatal, per the error design
	}
	if _, err := d.f.Read(dst); err != nil {
		panic(err)
	}
	return 0
}

func (d *FileDevice) WriteSector(sector int, src []uint8) defs.Err_t {
	if sector < 0 || sector >= d.n || len(src) != SectorSize {
		return -defs.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(int64(sector)*SectorSize, 0); err != nil {
		panic(err)
	}
	if _, err := d.f.Write(src); err != nil {
		panic(err)
	}
	return 0
}

func (d *FileDevice) Flush() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		panic(err)
	}
	return 0
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}

// MemDevice is an in-memory Device, used by tests and by mkfs's staging
// pass; never hits the filesystem.
type MemDevice struct {
	mu   sync.Mutex
	sect [][SectorSize]uint8
}

func NewMemDevice(nsectors int) *MemDevice {
	return &MemDevice{sect: make([][SectorSize]uint8, nsectors)}
}

func (d *MemDevice) NSectors() int { return len(d.sect) }

func (d *MemDevice) ReadSector(sector int, dst []uint8) defs.Err_t {
	if sector < 0 || sector >= len(d.sect) || len(dst) != SectorSize {
		return -defs.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(dst, d.sect[sector][:])
	return 0
}

func (d *MemDevice) WriteSector(sector int, src []uint8) defs.Err_t {
	if sector < 0 || sector >= len(d.sect) || len(src) != SectorSize {
		return -defs.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.sect[sector][:], src)
	return 0
}

func (d *MemDevice) Flush() defs.Err_t { return 0 }

func (d *MemDevice) String() string {
	return fmt.Sprintf("memdevice(%d sectors)", len(d.sect))
}
