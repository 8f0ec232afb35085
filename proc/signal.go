package proc

import (
	"sync/atomic"

	"github.com/kctherootkey/likeos64/defs"
)

// SignalPgrp marks sig pending on every live task whose process group
// is pgid and wakes it if blocked, per spec.md's signal_pgrp contract.
// Only a small subset of signals is meaningful here: SIGINT/SIGQUIT/
// SIGTERM terminate at the next user-mode return or blocking-syscall
// re-entry, SIGTSTP is recorded but this kernel has no job-control
// stop/continue state machine to act on it beyond that.
func SignalPgrp(pgid defs.Pid_t, sig defs.Sig_t) {
	for _, t := range All() {
		if t.Pgid != pgid {
			continue
		}
		t.statlock.Lock()
		dead := t.Status == ZOMBIE
		t.statlock.Unlock()
		if dead {
			continue
		}
		atomic.StoreInt32(&t.PendingSig, int32(sig))
		Wake(t)
	}
}

// TakeSignal consumes and returns t's pending signal, if any, clearing
// it. Called at every return to user mode and at every loop iteration
// of a blocking syscall.
func TakeSignal(t *Task_t) defs.Sig_t {
	return defs.Sig_t(atomic.SwapInt32(&t.PendingSig, 0))
}

// CheckTermSignal reports whether t's pending signal (if any) is one
// of the three this kernel terminates a task for, consuming it either
// way.
func CheckTermSignal(t *Task_t) (defs.Sig_t, bool) {
	sig := TakeSignal(t)
	switch sig {
	case defs.SIGINT, defs.SIGQUIT, defs.SIGTERM:
		return sig, true
	case 0:
		return 0, false
	default:
		// recorded (e.g. SIGTSTP) but not acted on; restore it so a
		// caller that only checks CheckTermSignal doesn't silently
		// eat signals it didn't ask about.
		atomic.StoreInt32(&t.PendingSig, int32(sig))
		return 0, false
	}
}
