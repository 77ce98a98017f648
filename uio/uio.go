// Package uio provides the kernel-buffer-as-user-buffer shim the teacher's
// vm.Fakeubuf_t offers: a simple byte-slice cursor satisfying the same
// read/write contract a validated user buffer would, without the
// page-table-walking machinery real user pointers require (that belongs to
// proc, which pins pages before ever touching one of these).
package uio

// Uio is a single-buffer, position-tracking I/O cursor.
type Uio struct {
	data []uint8
	off  int
}

func FromBytes(b []uint8) *Uio {
	return &Uio{data: b}
}

// NewN allocates a zeroed n-byte buffer to read into.
func NewN(n int) *Uio {
	return &Uio{data: make([]uint8, n)}
}

func (u *Uio) Bytes() []uint8 { return u.data }

// Remain reports how many bytes are left unconsumed.
func (u *Uio) Remain() int { return len(u.data) - u.off }

func (u *Uio) Totalsz() int { return len(u.data) }

// Uioread copies up to len(dst) unconsumed bytes into dst, as a caller
// producing bytes for the user (e.g. a file read) would.
func (u *Uio) Uioread(dst []uint8) (int, bool) {
	n := copy(dst, u.data[u.off:])
	u.off += n
	return n, true
}

// Uiowrite copies up to len(src) bytes of src into the unconsumed region,
// as a caller draining a user write buffer would.
func (u *Uio) Uiowrite(src []uint8) (int, bool) {
	n := copy(u.data[u.off:], src)
	u.off += n
	return n, true
}
