// Package percpu replaces the forked-runtime per-goroutine and
// per-CPU state Biscuit gets from runtime.CPUHint/runtime.Gptr. Each
// core's struct lives at a fixed virtual address reached through its
// own GS_BASE MSR, set once during that core's boot; everything else
// in the kernel that needs "my CPU" or "my current task" goes through
// Mine().
package percpu

import "sync"
import "sync/atomic"
import "unsafe"

import "github.com/kctherootkey/likeos64/cpu"

func atomicStore(p *int32, v int32) {
	atomic.StoreInt32(p, v)
}

func atomicSwap(p *int32, v int32) int32 {
	return atomic.SwapInt32(p, v)
}

// MAXCPUS bounds the run-queue and Cpu_t arrays sized at boot.
const MAXCPUS = 32

// Cpu_t is one core's scheduling state: its run queue, the task it is
// currently running (opaque here; tinfo and proc type-assert it), and
// bookkeeping the load balancer reads from other cores.
type Cpu_t struct {
	ID int

	sync.Mutex
	RunQ []unsafe.Pointer // *proc.Task_t, opaque to avoid an import cycle
	Cur  unsafe.Pointer    // *tinfo.Tnote_t of the task running right now
	CurTask unsafe.Pointer // *proc.Task_t of the task running right now

	// Ntasks is read by other cores' load balancers without the lock,
	// so it's updated with atomic ops by the scheduler.
	Ntasks int32

	// ShootdownPending is set by a TLB shootdown initiator on every
	// other core and cleared by that core's own scheduler tick, which
	// responds by reloading CR3. This kernel has no working
	// inter-processor-interrupt delivery, so shootdown is broadcast
	// conservatively (every address space, not just the one that
	// changed) and serviced lazily rather than synchronously.
	ShootdownPending int32

	// SchedSp is this core's scheduler-loop stack pointer, saved by
	// Swtch when leaving the scheduler to run a task and restored when
	// a task yields or blocks back into it. Every core runs its own
	// scheduler loop on its own stack, never on a task's kernel stack.
	SchedSp uintptr
}

// Enqueue appends t (an opaque *proc.Task_t) to this core's run queue.
func (c *Cpu_t) Enqueue(t unsafe.Pointer) {
	c.Lock()
	c.RunQ = append(c.RunQ, t)
	atomicStore(&c.Ntasks, int32(len(c.RunQ)))
	c.Unlock()
}

// Dequeue pops the head of this core's run queue, or nil if empty.
func (c *Cpu_t) Dequeue() unsafe.Pointer {
	c.Lock()
	defer c.Unlock()
	if len(c.RunQ) == 0 {
		return nil
	}
	t := c.RunQ[0]
	c.RunQ = c.RunQ[1:]
	atomicStore(&c.Ntasks, int32(len(c.RunQ)))
	return t
}

// RequestShootdown marks every core but the caller's as needing a TLB
// flush on its next scheduler tick.
func RequestShootdown() {
	mine := Mine()
	for i := 0; i < ncpus; i++ {
		if &cpus[i] == mine {
			continue
		}
		atomicStore(&cpus[i].ShootdownPending, 1)
	}
}

// ConsumeShootdown reports and clears whether this core has a pending
// shootdown request.
func (c *Cpu_t) ConsumeShootdown() bool {
	return atomicSwap(&c.ShootdownPending, 0) != 0
}

var cpus [MAXCPUS]Cpu_t
var ncpus int

// Init records how many cores are live. Called once at boot after the
// AP bring-up sequence has started every core running Mine()-aware
// code.
func Init(n int) {
	if n < 1 || n > MAXCPUS {
		panic("bad cpu count")
	}
	ncpus = n
	for i := range cpus[:n] {
		cpus[i].ID = i
		cpus[i].RunQ = nil
	}
}

// NCPU returns the number of cores Init recorded.
func NCPU() int {
	return ncpus
}

// SetMine installs id's Cpu_t pointer into the calling core's
// GS_BASE, so future Mine() calls on this core are O(1) with no
// lookup table. Called once per core during that core's early boot.
func SetMine(id int) {
	if id < 0 || id >= ncpus {
		panic("bad cpu id")
	}
	p := unsafe.Pointer(&cpus[id])
	cpu.Wrmsr(cpu.MSR_GS_BASE, uint64(uintptr(p)))
}

// Mine returns the calling core's per-CPU block.
func Mine() *Cpu_t {
	base := cpu.Rdmsr(cpu.MSR_GS_BASE)
	if base == 0 {
		panic("percpu: SetMine never called on this core")
	}
	return (*Cpu_t)(unsafe.Pointer(uintptr(base)))
}

// All returns every initialized core's block, for the load balancer
// to scan when placing a newly forked task.
func All() []*Cpu_t {
	ret := make([]*Cpu_t, ncpus)
	for i := range ret {
		ret[i] = &cpus[i]
	}
	return ret
}

// Least returns the core with the fewest runnable tasks, breaking
// ties toward the lowest ID. This is C11's placement policy.
func Least() *Cpu_t {
	best := &cpus[0]
	bn := int32(1) << 30
	for i := 0; i < ncpus; i++ {
		n := cpus[i].Ntasks
		if n < bn {
			bn = n
			best = &cpus[i]
		}
	}
	return best
}
