package proc

import (
	"bufio"
	"io"
	"os"
	"sync"

	"waffle/defs"
	"waffle/fd"
	"waffle/ustr"
)

// consoleIn is descriptor 0, reading one byte at a time from the host
// process's stdin, per §6 ("Console fd 0 reads one byte at a time").
type consoleIn struct {
	mu sync.Mutex
	r  *bufio.Reader
}

func newConsoleIn() *consoleIn { return &consoleIn{r: bufio.NewReader(os.Stdin)} }

func (c *consoleIn) Read(dst []uint8) (int, defs.Err_t) {
	if len(dst) == 0 {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return 0, 0
		}
		return 0, -defs.EIO
	}
	dst[0] = b
	return 1, 0
}

func (c *consoleIn) Write(src []uint8) (int, defs.Err_t)        { return 0, -defs.EINVAL }
func (c *consoleIn) Seek(off int, whence int) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (c *consoleIn) Tell() int                                  { return 0 }
func (c *consoleIn) Close() defs.Err_t                          { return 0 }
func (c *consoleIn) Reopen() (fd.Ops, defs.Err_t)                { return c, 0 }
func (c *consoleIn) Filesize() (int, defs.Err_t)                 { return 0, -defs.EINVAL }
func (c *consoleIn) IsDir() bool                                 { return false }
func (c *consoleIn) Inumber() int                                { return 0 }
func (c *consoleIn) Readdir() (ustr.Ustr, bool, defs.Err_t) {
	return nil, false, -defs.ENOTDIR
}

// consoleOut is descriptor 1, writing in chunks bounded by ConsoleBufMax
// to avoid one process monopolising the output buffer.
type consoleOut struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newConsoleOut() *consoleOut { return &consoleOut{w: bufio.NewWriter(os.Stdout)} }

func (c *consoleOut) Read(dst []uint8) (int, defs.Err_t) { return 0, -defs.EINVAL }

func (c *consoleOut) Write(src []uint8) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	put := 0
	for put < len(src) {
		chunk := len(src) - put
		if chunk > ConsoleBufMax {
			chunk = ConsoleBufMax
		}
		n, err := c.w.Write(src[put : put+chunk])
		put += n
		if err != nil {
			return put, -defs.EIO
		}
	}
	c.w.Flush()
	return put, 0
}

func (c *consoleOut) Seek(off int, whence int) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (c *consoleOut) Tell() int                                  { return 0 }
func (c *consoleOut) Close() defs.Err_t                          { return 0 }
func (c *consoleOut) Reopen() (fd.Ops, defs.Err_t)                { return c, 0 }
func (c *consoleOut) Filesize() (int, defs.Err_t)                 { return 0, -defs.EINVAL }
func (c *consoleOut) IsDir() bool                                 { return false }
func (c *consoleOut) Inumber() int                                { return 0 }
func (c *consoleOut) Readdir() (ustr.Ustr, bool, defs.Err_t) {
	return nil, false, -defs.ENOTDIR
}
