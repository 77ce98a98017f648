// Package tinfo tracks per-thread kill/wake state. The teacher's version
// stashes the current thread's Tnote_t in a runtime-patched
// thread-local slot (runtime.Gptr/Setgptr); an ordinary `go build` has no
// such hook, so here the note is threaded explicitly as a parameter/field
// (proc.Process carries its own *Tnote_t) instead of being recovered from
// ambient goroutine state.
package tinfo

import (
	"sync"

	"waffle/defs"
)

// Tnote_t is a thread's kill/wake state: whether it is alive, whether it
// has been asked to die, and the condition variable a killer signals.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

func NewTnote() *Tnote_t {
	t := &Tnote_t{Alive: true}
	t.Killnaps.Killch = make(chan bool, 1)
	return t
}

// Doomed reports whether the thread has been marked for death.
func (t *Tnote_t) Doomed() bool {
	t.Lock()
	defer t.Unlock()
	return t.Isdoomed
}

// Kill marks the thread doomed and wakes anything waiting on Killch.
func (t *Tnote_t) Kill() {
	t.Lock()
	defer t.Unlock()
	if t.Isdoomed {
		return
	}
	t.Isdoomed = true
	t.Killed = true
	select {
	case t.Killnaps.Killch <- true:
	default:
	}
}

// Threadinfo_t is the process-wide registry of live thread notes, mirroring
// the teacher's global table but populated explicitly rather than via
// thread-local lookup.
type Threadinfo_t struct {
	sync.Mutex
	Notes map[defs.Tid_t]*Tnote_t
}

func NewThreadinfo() *Threadinfo_t {
	return &Threadinfo_t{Notes: make(map[defs.Tid_t]*Tnote_t)}
}

func (ti *Threadinfo_t) Register(id defs.Tid_t, t *Tnote_t) {
	ti.Lock()
	defer ti.Unlock()
	ti.Notes[id] = t
}

func (ti *Threadinfo_t) Unregister(id defs.Tid_t) {
	ti.Lock()
	defer ti.Unlock()
	delete(ti.Notes, id)
}

func (ti *Threadinfo_t) Get(id defs.Tid_t) (*Tnote_t, bool) {
	ti.Lock()
	defer ti.Unlock()
	t, ok := ti.Notes[id]
	return t, ok
}
