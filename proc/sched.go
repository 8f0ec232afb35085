package proc

import (
	"reflect"
	"unsafe"

	"github.com/kctherootkey/likeos64/cpu"
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/percpu"
)

// kstackInit fabricates the Swtch frame a task that has never run
// needs: six zeroed callee-saved slots and a return address of
// forkret, which bootstraps into trapret the first time the
// scheduler switches to this task.
func kstackInit(t *Task_t) {
	top := uintptr(unsafe.Pointer(&t.kstack[len(t.kstack)-1])) + 1
	top &^= 0xf

	frame := top - 7*8
	words := (*[7]uintptr)(unsafe.Pointer(frame))
	words[0] = 0 // R15
	words[1] = 0 // R14
	words[2] = 0 // R13
	words[3] = 0 // R12
	words[4] = 0 // BX
	words[5] = 0 // BP
	words[6] = reflect.ValueOf(forkret).Pointer()

	t.sp = frame
}

// forkret is the trampoline every task's kernel stack starts at. It
// runs once, on the task's very first scheduling, then falls into
// ReturnToUser to build the iret that drops to user mode.
//
//go:nosplit
func forkret() {
	mine := percpu.Mine()
	t := (*Task_t)(mine.CurTask)
	if ReturnToUser == nil {
		panic("proc: trap package never registered ReturnToUser")
	}
	ReturnToUser(&t.Tf)
}

// ReturnToUser is set by the trap package's init to the assembly
// routine that loads a trapframe's registers and irets to user mode.
// proc cannot import trap directly: trap's dispatcher calls back into
// proc (to find the current task, to block it, to wake waiters), so
// the dependency has to run the other way, wired through this
// package-level hook instead of an import cycle.
var ReturnToUser func(tf *defs.Tf_t)

func enqueue(t *Task_t) {
	c := percpu.Least()
	t.cpu = c
	setStatus(t, READY)
	c.Enqueue(unsafe.Pointer(t))
}

// setStatus updates t's scheduling state under its own lock.
func setStatus(t *Task_t, s Status_t) {
	t.statlock.Lock()
	t.Status = s
	t.statlock.Unlock()
}

// reloadCr3 flushes this core's entire TLB by reloading CR3 with its
// current value, the conservative response to a pending shootdown
// request documented in percpu.RequestShootdown.
func reloadCr3() {
	cpu.Wcr3(cpu.Rcr3())
}

// haltOnce idles this core until the next interrupt when its run
// queue is empty, rather than spinning it hot.
func haltOnce() {
	cpu.Sti()
	cpu.Hlt()
}

// RunScheduler is the per-core scheduler loop, entered once at boot
// after percpu.SetMine and never left. It is this core's only
// never-blocking code path: everything a task does that might block
// happens after a Swtch back into here.
func RunScheduler() {
	mine := percpu.Mine()
	for {
		if mine.ConsumeShootdown() {
			reloadCr3()
		}
		next := mine.Dequeue()
		if next == nil {
			haltOnce()
			continue
		}
		t := (*Task_t)(next)
		mine.CurTask = next
		mine.Cur = unsafe.Pointer(t.Tnote)
		setStatus(t, RUNNING)

		Swtch(&mine.SchedSp, t.sp)

		mine.Cur = nil
		mine.CurTask = nil
	}
}

// Yield voluntarily gives up the CPU: the caller is re-enqueued as
// ready and resumes exactly where this call returns, once the
// scheduler picks it again.
func Yield(t *Task_t) {
	enqueue(t)
	Swtch(&t.sp, t.cpu.SchedSp)
}

// Block marks t blocked and switches back to the scheduler. The
// caller is responsible for arranging a later Wake(t); Block does not
// requeue the task itself.
func Block(t *Task_t) {
	setStatus(t, BLOCKED)
	Swtch(&t.sp, t.cpu.SchedSp)
}

// Wake marks a blocked task ready and places it back on a run queue.
func Wake(t *Task_t) {
	t.statlock.Lock()
	already := t.Status != BLOCKED
	t.statlock.Unlock()
	if already {
		return
	}
	enqueue(t)
}

// ParkZombie switches a just-exited task back to the scheduler one
// last time, without re-enqueueing it. Exit already marked it ZOMBIE;
// Block would overwrite that to BLOCKED, so the exit syscall path uses
// this instead of Block. The task's kernel stack is reclaimed when
// Wait4 reaps it (see Wait4); ParkZombie's Swtch call never
// returns.
func ParkZombie(t *Task_t) {
	Swtch(&t.sp, t.cpu.SchedSp)
	panic("zombie task resumed")
}

// Current returns the task running on the calling core, or nil if
// none (the scheduler loop itself, between tasks).
func Current() *Task_t {
	mine := percpu.Mine()
	if mine.CurTask == nil {
		return nil
	}
	return (*Task_t)(mine.CurTask)
}
