package proc

import (
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/fdops"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/vm"
)

// Exec replaces t's address space with a fresh load of fops, closing
// every descriptor marked FD_CLOEXEC first. t keeps its pid, fd table
// (apart from the closed entries), and controlling terminal; this is
// the execve syscall's kernel-side implementation.
func Exec(t *Task_t, fops fdops.Fdops_i, argv, envp []string) defs.Err_t {
	newVm, err := vm.NewUserVm()
	if err != 0 {
		return err
	}

	t.fdlock.Lock()
	for i, f := range t.Fds {
		if f != nil && f.Perms&fd.FD_CLOEXEC != 0 {
			fd.Close_panic(f)
			t.Fds[i] = nil
		}
	}
	t.fdlock.Unlock()

	oldVm := t.Vm
	t.Vm = newVm
	if err := t.execImage(fops, argv, envp); err != 0 {
		t.Vm.Uvmfree()
		t.Vm = oldVm
		return err
	}
	oldVm.Uvmfree()
	return 0
}
