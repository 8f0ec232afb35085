package proc

import (
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/ustr"
)

// Fork creates a child of parent: a copy-on-write address space (see
// vm.Vm_t.Fork), a duplicate fd table (every descriptor, FD_CLOEXEC or
// not, is shared the way dup would share it, since a forked child sees
// the same open files as its parent; Exec is what closes the FD_CLOEXEC
// ones), and a trapframe
// identical to the parent's except for the return value each side
// observes, which the caller (the syscall layer) is responsible for
// setting to 0 in the child and the child's pid in the parent.
func Fork(parent *Task_t) (*Task_t, defs.Err_t) {
	childVm, err := parent.Vm.Fork()
	if err != 0 {
		return nil, err
	}

	child, err := newTaskWithVm(parent, childVm)
	if err != 0 {
		childVm.Uvmfree()
		return nil, err
	}

	child.Pid = defs.Pid_t(child.Tid)
	child.Pgid = parent.Pgid
	child.Sid = parent.Sid
	child.Ctty = parent.Ctty
	child.Brk = parent.Brk
	child.MmapNext = parent.MmapNext
	child.Tf = parent.Tf
	*child.Fx = *parent.Fx

	parent.fdlock.Lock()
	for i, pf := range parent.Fds {
		if pf == nil {
			continue
		}
		nf, err := fd.Copyfd(pf)
		if err != 0 {
			parent.fdlock.Unlock()
			return nil, err
		}
		child.Fds[i] = nf
	}
	parent.fdlock.Unlock()

	if parent.Cwd != nil {
		cwd := &fd.Cwd_t{Path: append(ustr.Ustr(nil), parent.Cwd.Path...)}
		cf, err := fd.Copyfd(parent.Cwd.Fd)
		if err != 0 {
			return nil, err
		}
		cwd.Fd = cf
		child.Cwd = cwd
	}

	kstackInit(child)

	parent.childlk.Lock()
	parent.children = append(parent.children, child)
	parent.childlk.Unlock()

	register(child)
	enqueue(child)
	return child, 0
}
