// Package proc implements the task manager and scheduler: task
// objects, per-CPU run queues, fork/exec/exit/wait, and signal
// delivery to a process group. There is no forked Go runtime doing
// any of this implicitly: every context switch moves the hardware
// stack pointer itself (see Swtch), and every task's current CPU is
// whatever core dequeued it.
package proc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kctherootkey/likeos64/accnt"
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/elf"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/kheap"
	"github.com/kctherootkey/likeos64/percpu"
	"github.com/kctherootkey/likeos64/tinfo"
	"github.com/kctherootkey/likeos64/vm"
)

// NOFILE bounds the number of simultaneously open descriptors a task
// may hold, per spec.md's "fixed capacity" fd table.
const NOFILE = 64

// KSTACKSIZE is the size of a task's kernel stack, carved out of the
// slab/large-allocation heap rather than given its own page-allocator
// path, so every task's kernel stack exercises kheap's large-alloc
// threshold.
const KSTACKSIZE = 2 * 4096

// Status_t is a task's scheduling state.
type Status_t int

const (
	READY Status_t = iota
	RUNNING
	BLOCKED
	ZOMBIE
)

func (s Status_t) String() string {
	switch s {
	case READY:
		return "ready"
	case RUNNING:
		return "running"
	case BLOCKED:
		return "blocked"
	case ZOMBIE:
		return "zombie"
	default:
		return "?"
	}
}

// Task_t is the unit of scheduling: one address space, one kernel
// stack, one trapframe. This kernel does not separate "process" from
// "thread" the way Linux does; every task is its own address space's
// sole thread, created by fork or by the initial spawn that loads
// init's ELF image.
type Task_t struct {
	Pid   defs.Pid_t
	Tid   defs.Tid_t
	Tnote *tinfo.Tnote_t

	Vm  *vm.Vm_t
	Cwd *fd.Cwd_t

	fdlock sync.Mutex
	Fds    [NOFILE]*fd.Fd_t

	statlock sync.Mutex
	Status   Status_t
	ExitStatus int

	Parent   *Task_t
	childlk  sync.Mutex
	children []*Task_t

	Pgid defs.Pid_t
	Sid  defs.Pid_t
	// Ctty is the fd the task opened its controlling terminal through,
	// nil if it has none. Stored as an fd rather than a typed *tty.Tty_t
	// so proc never needs to import the tty package.
	Ctty *fd.Fd_t

	Accnt accnt.Accnt_t

	// PendingSig is set by SignalPgrp and consumed the next time this
	// task returns from a blocking syscall or to user mode.
	PendingSig int32

	Brk      uintptr
	MmapNext uintptr

	Tf defs.Tf_t
	Fx *[64]uintptr

	kstack []byte
	sp     uintptr
	cpu    *percpu.Cpu_t
}

var (
	tableLk sync.Mutex
	table   = map[defs.Pid_t]*Task_t{}
	nextTid int64
)

func allocTid() defs.Tid_t {
	return defs.Tid_t(atomic.AddInt64(&nextTid, 1))
}

// initTask is the reaping parent of last resort: every orphaned
// zombie is reparented to it, per spec.md's reaping contract.
var initTask *Task_t

// Find looks up a live or zombie task by pid.
func Find(pid defs.Pid_t) (*Task_t, bool) {
	tableLk.Lock()
	defer tableLk.Unlock()
	t, ok := table[pid]
	return t, ok
}

// All returns a snapshot of every task, for SignalPgrp and debugging.
func All() []*Task_t {
	tableLk.Lock()
	defer tableLk.Unlock()
	ret := make([]*Task_t, 0, len(table))
	for _, t := range table {
		ret = append(ret, t)
	}
	return ret
}

func register(t *Task_t) {
	tableLk.Lock()
	table[t.Pid] = t
	tableLk.Unlock()
}

func unregister(pid defs.Pid_t) {
	tableLk.Lock()
	delete(table, pid)
	tableLk.Unlock()
}

// SpawnInit loads the init binary exposed by fops as pid 1, the
// ancestor every orphan is reparented to. Must be called exactly once
// during boot, after vm.Boot and kheap/percpu are up.
func SpawnInit(fops fdops.Fdops_i, cwd *fd.Cwd_t, argv, envp []string) (*Task_t, defs.Err_t) {
	t, err := newTask(nil)
	if err != 0 {
		return nil, err
	}
	t.Cwd = cwd
	t.Pgid = t.Pid
	t.Sid = t.Pid
	if err := t.execImage(fops, argv, envp); err != 0 {
		return nil, err
	}
	initTask = t
	register(t)
	enqueue(t)
	return t, 0
}

// newTask allocates a fresh Task_t with its own address space and
// kernel stack but no program loaded into it yet.
func newTask(parent *Task_t) (*Task_t, defs.Err_t) {
	as, err := vm.NewUserVm()
	if err != 0 {
		return nil, err
	}
	return newTaskWithVm(parent, as)
}

// newTaskWithVm is newTask for a caller (Fork) that already built the
// child's address space and doesn't want a throwaway one allocated
// and immediately freed.
func newTaskWithVm(parent *Task_t, as *vm.Vm_t) (*Task_t, defs.Err_t) {
	p := kheap.Malloc(KSTACKSIZE)
	if p == nil {
		return nil, -defs.ENOMEM
	}
	t := &Task_t{
		Tid:    allocTid(),
		Vm:     as,
		Parent: parent,
		kstack: unsafe.Slice((*byte)(p), KSTACKSIZE),
		Fx:     vm.Mkfxbuf(),
	}
	t.Pid = defs.Pid_t(t.Tid)
	t.Tnote = &tinfo.Tnote_t{Alive: true}
	return t, 0
}

// execImage loads fops as t's program image, replacing whatever
// address-space contents t.Vm had (which for a freshly made task is
// nothing but the kernel half).
func (t *Task_t) execImage(fops fdops.Fdops_i, argv, envp []string) defs.Err_t {
	res, err := elf.Load(t.Vm, fops, argv, envp)
	if err != 0 {
		return err
	}
	t.Tf = defs.Tf_t{}
	t.Tf[defs.TF_RIP] = uintptr(res.Entry)
	t.Tf[defs.TF_RSP] = uintptr(res.Sp)
	t.Tf[defs.TF_RFLAGS] = defs.TF_FL_IF
	t.Brk = res.BrkStart
	t.MmapNext = uintptr(defs.UserStackTop) - (256 << 20)
	kstackInit(t)
	return 0
}
