package proc

import (
	"unsafe"

	"github.com/kctherootkey/likeos64/fd"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/kheap"
)

// Exit tears down t's address space and open files, marks it a
// zombie carrying status, reparents its children to init, and wakes
// whichever wait4 call (the parent's, or init's if the parent is
// already gone) is waiting for it. The Task_t itself survives until a
// wait4 reaps it, so its exit status and accounting stay available.
func Exit(t *Task_t, status int) {
	t.fdlock.Lock()
	for i, f := range t.Fds {
		if f != nil {
			fd.Close_panic(f)
			t.Fds[i] = nil
		}
	}
	t.fdlock.Unlock()

	t.Vm.Uvmfree()

	t.childlk.Lock()
	orphans := t.children
	t.children = nil
	t.childlk.Unlock()
	if len(orphans) > 0 && initTask != nil {
		initTask.childlk.Lock()
		initTask.children = append(initTask.children, orphans...)
		initTask.childlk.Unlock()
		for _, c := range orphans {
			c.Parent = initTask
		}
	}

	t.statlock.Lock()
	t.Status = ZOMBIE
	t.ExitStatus = status
	t.statlock.Unlock()
	t.Tnote.Lock()
	t.Tnote.Alive = false
	t.Tnote.Unlock()

	parent := t.Parent
	if parent == nil {
		parent = initTask
	}
	if parent != nil {
		Wake(parent)
	}
}

// Wait4 implements the wait4 syscall for parent: block (unless
// WNOHANG is set) until a child matching pid (-1 for any) is a
// zombie, then reap it and return its pid and raw exit status.
func Wait4(parent *Task_t, pid defs.Pid_t, nohang bool) (defs.Pid_t, int, defs.Err_t) {
	for {
		parent.childlk.Lock()
		var found *Task_t
		idx, matching := -1, 0
		for i, c := range parent.children {
			if pid != -1 && c.Pid != pid {
				continue
			}
			matching++
			c.statlock.Lock()
			z := c.Status == ZOMBIE
			c.statlock.Unlock()
			if z && found == nil {
				found, idx = c, i
			}
		}
		if found != nil {
			parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
		}
		parent.childlk.Unlock()

		if found != nil {
			unregister(found.Pid)
			kheap.Free(unsafe.Pointer(&found.kstack[0]))
			return found.Pid, found.ExitStatus, 0
		}
		if matching == 0 {
			return 0, 0, -defs.ECHILD
		}
		if nohang {
			return 0, 0, 0
		}
		Block(parent)
		if parent.PendingSig != 0 {
			return 0, 0, -defs.EINTR
		}
	}
}
