// Package res gates long-running kernel-heap-consuming loops (user
// copies, cluster-chain walks) against a process-wide budget so a
// single blocking syscall cannot exhaust kernel memory before the slab
// allocator itself would refuse. It is a cooperative limiter, not a
// correctness mechanism: kheap remains the authority on whether an
// allocation actually succeeds.
package res

import "sync/atomic"

// budget is the total heap bytes callers may reserve via
// Resadd_noblock before it must be returned with Resremove. Sized
// generously relative to the slab caches' large-allocation threshold.
var budget int64 = 64 << 20

// SetBudget overrides the default budget; used by tests.
func SetBudget(n int64) {
	atomic.StoreInt64(&budget, n)
}

var inuse int64

// Resadd_noblock reserves n bytes of the budget without blocking. It
// returns false if the reservation would exceed the budget.
func Resadd_noblock(n uint) bool {
	want := int64(n)
	for {
		cur := atomic.LoadInt64(&inuse)
		if cur+want > atomic.LoadInt64(&budget) {
			return false
		}
		if atomic.CompareAndSwapInt64(&inuse, cur, cur+want) {
			return true
		}
	}
}

// Resremove releases a reservation made by Resadd_noblock.
func Resremove(n uint) {
	atomic.AddInt64(&inuse, -int64(n))
}

// Inuse reports the currently reserved budget, for /dev/stat.
func Inuse() int64 {
	return atomic.LoadInt64(&inuse)
}
