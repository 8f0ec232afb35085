// Package tinfo tracks the kill/doom state the scheduler and signal
// delivery need for every live thread of execution, independent of
// proc's higher-level task bookkeeping.
package tinfo

import "sync"
import "unsafe"

import "github.com/kctherootkey/likeos64/defs"
import "github.com/kctherootkey/likeos64/percpu"

/// Tnote_t stores per-thread state used by the runtime.
type Tnote_t struct {
	// XXX "alive" should be "terminated"
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool // XXX maybe don't need doomed, but can use killed?
	// protects killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

/// Threadinfo_t tracks all thread notes.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

/// Current returns the calling core's current thread note. The
/// scheduler installs it via SetCurrent before dispatching a task and
/// clears it with ClearCurrent before switching away, so it is only
/// ever nil between tasks, never while kernel code is running on a
/// task's behalf.
func Current() *Tnote_t {
	mine := percpu.Mine()
	if mine.Cur == nil {
		panic("nuts")
	}
	return (*Tnote_t)(mine.Cur)
}

/// SetCurrent installs p as the current thread note for this core.
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("nuts")
	}
	mine := percpu.Mine()
	if mine.Cur != nil {
		panic("nuts")
	}
	mine.Cur = unsafe.Pointer(p)
}

/// ClearCurrent removes the current thread note for this core.
func ClearCurrent() {
	mine := percpu.Mine()
	if mine.Cur == nil {
		panic("nuts")
	}
	mine.Cur = nil
}
