// Package kheap is the kernel's own dynamic-allocation heap, separate
// from any per-task user heap. It backs every kernel object that
// can't be sized at compile time: vnode caches, FAT32 directory
// buffers, pty ring buffers, task control blocks allocated past the
// initial pool. Fixed-size classes come from a slab cache; anything
// larger goes straight to the physical allocator as its own run of
// pages.
package kheap

import "fmt"
import "sync"
import "unsafe"

import "github.com/kctherootkey/likeos64/mem"

// sizeClasses are the slab object sizes kheap maintains a cache for.
// A request that doesn't fit any class falls through to the large-
// object path.
var sizeClasses = [...]int{32, 64, 128, 256, 512, 1024, 2048}

// hdrMagic tags every live allocation's header so Free can catch a
// double-free or a corrupted pointer before it walks off into memory
// that isn't kheap's.
const hdrMagic uint32 = 0xcafef00d

// objHdr sits immediately before every object kheap hands out,
// whether slab- or large-backed.
type objHdr struct {
	magic uint32
	class int8 // index into sizeClasses, or -1 for a large allocation
	_pad  [3]uint8
	npg   uint32 // pages backing a large allocation; 0 for slab objects
}

const hdrSize = int(unsafe.Sizeof(objHdr{}))

// slab_t is one page carved into fixed-size objects threaded on an intrusive free list: each
// free object's first eight bytes hold the address of the next free
// object, so the free list costs no extra memory.
type slab_t struct {
	pa      mem.Pa_t
	base    uintptr
	objsize int
	nfree   int
	ntotal  int
	freehd  uintptr // 0 means empty
}

type slabclass_t struct {
	sync.Mutex
	objsize int
	slabs   []*slab_t
	// partial indexes into slabs with at least one free object,
	// searched before allocating a fresh slab page.
	partial []int
}

var classes [len(sizeClasses)]slabclass_t

func init() {
	for i, sz := range sizeClasses {
		classes[i].objsize = sz
	}
}

func classFor(n int) int {
	for i, sz := range sizeClasses {
		if n <= sz {
			return i
		}
	}
	return -1
}

// newSlab carves a fresh physical page into objsize-sized objects and
// threads them onto a free list.
func newSlab(objsize int) (*slab_t, bool) {
	p, ok := mem.Physmem.AllocOne()
	if !ok {
		return nil, false
	}
	pg := mem.Physmem.Dmap(p)
	base := uintptr(unsafe.Pointer(pg))
	n := mem.PGSIZE / objsize
	sl := &slab_t{pa: p, base: base, objsize: objsize, nfree: n, ntotal: n}
	for i := 0; i < n; i++ {
		obj := base + uintptr(i*objsize)
		next := uintptr(0)
		if i+1 < n {
			next = base + uintptr((i+1)*objsize)
		}
		*(*uintptr)(unsafe.Pointer(obj)) = next
	}
	sl.freehd = base
	return sl, true
}

func (sc *slabclass_t) alloc() (uintptr, bool) {
	sc.Lock()
	defer sc.Unlock()
	for _, idx := range sc.partial {
		sl := sc.slabs[idx]
		if sl.nfree > 0 {
			return sc.takeFrom(sl), true
		}
	}
	sl, ok := newSlab(sc.objsize)
	if !ok {
		return 0, false
	}
	sc.slabs = append(sc.slabs, sl)
	sc.partial = append(sc.partial, len(sc.slabs)-1)
	return sc.takeFrom(sl), true
}

func (sc *slabclass_t) takeFrom(sl *slab_t) uintptr {
	obj := sl.freehd
	sl.freehd = *(*uintptr)(unsafe.Pointer(obj))
	sl.nfree--
	return obj
}

func (sc *slabclass_t) free(sl *slab_t, obj uintptr) {
	sc.Lock()
	defer sc.Unlock()
	*(*uintptr)(unsafe.Pointer(obj)) = sl.freehd
	sl.freehd = obj
	sl.nfree++
	if sl.nfree == sl.ntotal {
		sc.reclaim(sl)
	}
}

// reclaim returns an entirely-free slab's page to the physical
// allocator. Called with sc locked.
func (sc *slabclass_t) reclaim(sl *slab_t) {
	for i, s := range sc.slabs {
		if s == sl {
			sc.slabs[i] = sc.slabs[len(sc.slabs)-1]
			sc.slabs = sc.slabs[:len(sc.slabs)-1]
			break
		}
	}
	sc.partial = sc.partial[:0]
	for i, s := range sc.slabs {
		if s.nfree > 0 {
			sc.partial = append(sc.partial, i)
		}
	}
	mem.Physmem.FreeOne(sl.pa)
}

func slabOf(class int, obj uintptr) *slab_t {
	sc := &classes[class]
	for _, sl := range sc.slabs {
		if obj >= sl.base && obj < sl.base+uintptr(mem.PGSIZE) {
			return sl
		}
	}
	panic("object not in any slab of its class")
}

// Malloc returns n bytes of zeroed kernel heap, or nil if the
// allocator is out of physical memory.
func Malloc(n int) unsafe.Pointer {
	if n <= 0 {
		panic("bad size")
	}
	total := n + hdrSize
	class := classFor(total)
	if class >= 0 {
		obj, ok := classes[class].alloc()
		if !ok {
			return nil
		}
		hdr := (*objHdr)(unsafe.Pointer(obj))
		*hdr = objHdr{magic: hdrMagic, class: int8(class)}
		b := (*[2048]byte)(unsafe.Pointer(obj))
		for i := hdrSize; i < sizeClasses[class]; i++ {
			b[i] = 0
		}
		return unsafe.Pointer(obj + uintptr(hdrSize))
	}
	return mallocLarge(n)
}

func mallocLarge(n int) unsafe.Pointer {
	npg := uint32((n + hdrSize + mem.PGSIZE - 1) / mem.PGSIZE)
	p, ok := mem.Physmem.AllocContig(npg)
	if !ok {
		return nil
	}
	base := uintptr(unsafe.Pointer(mem.Physmem.Dmap(p)))
	hdr := (*objHdr)(unsafe.Pointer(base))
	*hdr = objHdr{magic: hdrMagic, class: -1, npg: npg}
	bpg := (*[1 << 30]byte)(unsafe.Pointer(base))
	for i := hdrSize; i < int(npg)*mem.PGSIZE; i++ {
		bpg[i] = 0
	}
	return unsafe.Pointer(base + uintptr(hdrSize))
}

// Free releases an allocation obtained from Malloc. It panics if p's
// header has been corrupted or p was already freed, per the heap
// object invariant that every live allocation carries a valid magic
// number until freed.
func Free(p unsafe.Pointer) {
	obj := uintptr(p) - uintptr(hdrSize)
	hdr := (*objHdr)(unsafe.Pointer(obj))
	if hdr.magic != hdrMagic {
		panic("kheap: corrupt or double free")
	}
	hdr.magic = 0
	if hdr.class < 0 {
		freeLarge(obj, hdr.npg)
		return
	}
	sc := &classes[hdr.class]
	sl := slabOf(int(hdr.class), obj)
	sc.free(sl, obj)
}

func freeLarge(base uintptr, npg uint32) {
	pg := (*mem.Pg_t)(unsafe.Pointer(base))
	p := mem.Physmem.Dmap_v2p(pg)
	mem.Physmem.FreeContig(p, npg)
}

// Stats reports slab occupancy per size class, for /dev/stat.
func Stats() string {
	s := ""
	for i, sc := range classes {
		sc.Lock()
		s += fmt.Sprintf("class %4d: %d slabs\n", sizeClasses[i], len(sc.slabs))
		sc.Unlock()
	}
	return s
}

// Snapshot_t is the numeric counterpart to Stats: a point-in-time
// sample of slab occupancy and free physical memory, for /dev/prof to
// render as a pprof profile rather than Stats' plain text.
type Snapshot_t struct {
	SizeClasses [len(sizeClasses)]int // object size of each class
	SlabCounts  [len(sizeClasses)]int // live slabs in each class
	FreeFrames  uint32                // physical frames mem.Physmem still has free
}

// Snapshot samples every size class plus the physical allocator's free
// count in one pass, for /dev/prof and the memstats debug syscall.
func Snapshot() Snapshot_t {
	var snap Snapshot_t
	for i, sc := range classes {
		sc.Lock()
		snap.SizeClasses[i] = sizeClasses[i]
		snap.SlabCounts[i] = len(sc.slabs)
		sc.Unlock()
	}
	snap.FreeFrames = mem.Physmem.FreeCount()
	return snap
}
