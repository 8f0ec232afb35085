// Package trap is the syscall/trap surface (C5): the IDT, the
// assembly entry stubs that save a trapframe (GS_BASE is left as it
// is; see percpu.Mine), the dispatcher that routes a vector number to a syscall,
// a fault handler, or a device interrupt, and errno translation at the
// user/kernel boundary. It is the only package that knows the layout
// of defs.Tf_t end to end, since it's the one writing and reading it
// from assembly.
package trap

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/kctherootkey/likeos64/cpu"
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/proc"
)

// decodeFault reads up to 15 bytes (the longest possible x86-64
// instruction encoding) at the faulting RIP and decodes it with
// x86asm, for a one-line diagnostic attached to an otherwise opaque
// page/GP fault. A decode failure — unreadable RIP, or bytes that
// don't form a valid instruction — never changes fault handling, it
// just drops the diagnostic.
func decodeFault(t *proc.Task_t, rip uintptr) string {
	buf := make([]byte, 15)
	ub := t.Vm.Mkuserbuf(int(rip), len(buf))
	n, err := ub.Uioread(buf)
	if err != 0 || n == 0 {
		return "<unreadable rip>"
	}
	inst, derr := x86asm.Decode(buf[:n], 64)
	if derr != nil {
		return "<undecodable>"
	}
	return inst.String()
}

func init() {
	proc.ReturnToUser = returnToUser
}

// Dispatch is called by the assembly entry stub (alltraps) with a
// pointer to the trapframe it just built on the current kernel stack.
// It never returns to the assembly stub directly when the current
// task is being rescheduled away (Yield/Block do that via Swtch); it
// returns normally for the common case of "resume the same task".
//
//go:nosplit
func Dispatch(tf *defs.Tf_t) {
	switch tf[defs.TF_TRAPNO] {
	case defs.TRAP_SYSCALL:
		t := proc.Current()
		if t == nil {
			panic("syscall trap with no current task")
		}
		t.Tf = *tf
		rc := dispatchSyscall(t, tf)
		t.Tf[defs.TF_RAX] = uintptr(rc)
		*tf = t.Tf
		deliverPending(t, tf)
	case defs.TRAP_TIMER:
		ackTimer()
		if t := proc.Current(); t != nil {
			t.Tf = *tf
			proc.Yield(t)
			*tf = t.Tf
		}
	case defs.TRAP_DISK:
		ackIRQ(14)
		if DiskIRQ != nil {
			DiskIRQ()
		}
	case defs.TRAP_KBD:
		ackIRQ(1)
		if KbdIRQ != nil {
			KbdIRQ()
		}
	case defs.TRAP_PGFAULT:
		t := proc.Current()
		if t == nil {
			panic("page fault with no current task")
		}
		fa := uintptr(cpu.Rcr2())
		ec := tf[defs.TF_ERRORNO]
		if err := t.Vm.Pgfault(t.Tid, fa, ec); err != 0 {
			fmt.Printf("trap: pgfault pid %d addr %#x rip %#x instr %q: err %d\n",
				t.Pid, fa, tf[defs.TF_RIP], decodeFault(t, tf[defs.TF_RIP]), err)
			proc.SignalPgrp(t.Pgid, defs.SIGSEGV)
			t.Tf = *tf
			if sig, term := proc.CheckTermSignal(t); term {
				proc.Exit(t, int(sig)<<8|0x7f)
				proc.Yield(t)
			}
			*tf = t.Tf
		}
	case defs.TRAP_GPFAULT:
		t := proc.Current()
		if t != nil {
			fmt.Printf("trap: general protection fault pid %d rip %#x instr %q\n",
				t.Pid, tf[defs.TF_RIP], decodeFault(t, tf[defs.TF_RIP]))
			proc.Exit(t, int(defs.SIGSEGV)<<8|0x7f)
			proc.Yield(t)
		}
	case defs.TRAP_SPURIOUS:
		// nothing to do
	default:
		panic("unhandled trap vector")
	}
}

// deliverPending checks for a terminal signal after a syscall returns
// and, if one is pending, exits the task instead of resuming it.
func deliverPending(t *proc.Task_t, tf *defs.Tf_t) {
	if sig, term := proc.CheckTermSignal(t); term {
		proc.Exit(t, int(sig)<<8|0x7f)
		proc.Yield(t)
		*tf = t.Tf
	}
}

// returnToUser is proc.ReturnToUser's implementation: it hands off to
// the assembly iret routine, which never returns to its Go caller — it
// pops into ring 3 at tf's saved rip/rsp.
func returnToUser(tf *defs.Tf_t) {
	iretToUser(tf)
}

// DiskIRQ and KbdIRQ are device-interrupt hooks, the same
// cycle-breaking pattern proc.ReturnToUser uses. devfs's init() sets
// KbdIRQ; nothing sets DiskIRQ, since the ramdisk completes every
// request synchronously.
var (
	DiskIRQ func()
	KbdIRQ  func()
)
