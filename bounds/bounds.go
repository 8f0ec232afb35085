// Package bounds assigns a kernel-heap cost estimate to call sites that
// may need to allocate while copying user memory. vm.K2user/vm.User2k
// call res.Resadd_noblock(bounds.Bounds(id)) before touching a fresh
// page so a caller that's about to walk thousands of pages cannot
// starve the rest of the kernel of heap space.
package bounds

// Bound_t identifies a call site with a known worst-case per-iteration
// heap cost.
type Bound_t int

const (
	B_ASPACE_T_K2USER_INNER Bound_t = iota
	B_ASPACE_T_USER2K_INNER
	B_FS_T_FS_READ
	B_FS_T_FS_WRITE
	B_FAT32_T_CLUSTER_ALLOC
	B_USERBUF_T__TX
	B_USERIOVEC_T_IOV_INIT
	B_USERIOVEC_T__TX
)

// costs are in bytes of kernel heap the call site may transiently
// allocate per loop iteration (a fresh page-table level, a cached
// block, or similar). They are conservative estimates, not exact.
var costs = map[Bound_t]uint{
	B_ASPACE_T_K2USER_INNER: 4096,
	B_ASPACE_T_USER2K_INNER: 4096,
	B_FS_T_FS_READ:          4096,
	B_FS_T_FS_WRITE:         8192,
	B_FAT32_T_CLUSTER_ALLOC: 4096,
	B_USERBUF_T__TX:         4096,
	B_USERIOVEC_T_IOV_INIT:  512,
	B_USERIOVEC_T__TX:       4096,
}

// Bounds returns the heap-cost estimate for id.
func Bounds(id Bound_t) uint {
	c, ok := costs[id]
	if !ok {
		panic("unbounded call site")
	}
	return c
}
