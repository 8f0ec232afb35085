package mem

import "fmt"
import "sync"
import "sync/atomic"
import "unsafe"
import "github.com/kctherootkey/likeos64/util"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Page table entry flags. PTE_COW and PTE_WASCOW reuse OS-available
// bits 9 and 10; the CPU never interprets them, so the page-fault
// handler is the only reader.
const (
	PTE_P   Pa_t = 1 << 0 // present
	PTE_W   Pa_t = 1 << 1 // writable
	PTE_U   Pa_t = 1 << 2 // user accessible
	PTE_PWT Pa_t = 1 << 3
	PTE_PCD Pa_t = 1 << 4 // cache disable
	PTE_A   Pa_t = 1 << 5 // accessed
	PTE_D   Pa_t = 1 << 6 // dirty
	PTE_PS  Pa_t = 1 << 7 // large page
	PTE_G   Pa_t = 1 << 8 // global

	PTE_COW    Pa_t = 1 << 9  // copy-on-write, not yet claimed writable
	PTE_WASCOW Pa_t = 1 << 10 // was COW, now privately claimed

	PTE_NX Pa_t = 1 << 63 // no-execute

	PTE_ADDR Pa_t = 0x000ffffffffff000
)

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page-table page: 512 page-table entries.
type Pmap_t [512]Pa_t

/// Unpin_i lets a shared-file mapping learn when its frame is dropped,
/// so the filesystem can write back or release a cache slot.
type Unpin_i interface {
	Unpin(Pa_t)
}

/// Page_i abstracts physical page allocation for packages that must
/// not import mem's concrete allocator type directly.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

/// Physmem_t is the physical page allocator: a dense allocation bitmap
/// over the managed frame range plus a parallel refcount array. The
/// bitmap is the sole allocation authority; the refcounts let a COW
/// mapping share one frame across address spaces and free it exactly
/// once the last mapping drops it.
type Physmem_t struct {
	sync.Mutex
	bitmap  []uint64
	refcnt  []int32
	startn  uint32
	nframes uint32
	free    uint32

	Dmapinit bool
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Zeropg is a global zero-filled page shared by every fresh anonymous
/// COW mapping until its first write.
var Zeropg *Pg_t
var Zerobpg *Bytepg_t
var P_zeropg Pa_t

/// Phys_init reserves [base, base+nframes*PGSIZE) as the managed
/// region and allocates the bookkeeping arrays for it.
func Phys_init(base Pa_t, nframes uint32) *Physmem_t {
	phys := Physmem
	phys.startn = _pg2pgn(base)
	phys.nframes = nframes
	words := (nframes + 63) / 64
	phys.bitmap = make([]uint64, words)
	phys.refcnt = make([]int32, nframes)
	phys.free = nframes
	fmt.Printf("phys: managing %v frames (%vMB) at %#x\n", nframes,
		nframes>>8, uintptr(base))
	return phys
}

func (phys *Physmem_t) idx(p Pa_t) (uint32, bool) {
	pgn := _pg2pgn(p)
	if pgn < phys.startn || pgn-phys.startn >= phys.nframes {
		return 0, false
	}
	return pgn - phys.startn, true
}

func (phys *Physmem_t) bitset(i uint32) bool {
	return phys.bitmap[i/64]&(1<<(i%64)) != 0
}

func (phys *Physmem_t) bitflip(i uint32, v bool) {
	if v {
		phys.bitmap[i/64] |= 1 << (i % 64)
	} else {
		phys.bitmap[i/64] &^= 1 << (i % 64)
	}
}

func (phys *Physmem_t) frameaddr(i uint32) Pa_t {
	return Pa_t(i+phys.startn) << PGSHIFT
}

/// AllocOne returns a free frame, marks it allocated with refcount 1.
func (phys *Physmem_t) AllocOne() (Pa_t, bool) {
	phys.Lock()
	defer phys.Unlock()
	for i := uint32(0); i < phys.nframes; i++ {
		if !phys.bitset(i) {
			phys.bitflip(i, true)
			phys.refcnt[i] = 1
			phys.free--
			return phys.frameaddr(i), true
		}
	}
	return 0, false
}

/// FreeOne returns a frame to the pool. Freeing an already-free or
/// out-of-range frame is a no-op.
func (phys *Physmem_t) FreeOne(p Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	i, ok := phys.idx(p)
	if !ok || !phys.bitset(i) {
		return
	}
	phys.bitflip(i, false)
	phys.refcnt[i] = 0
	phys.free++
}

/// AllocContig returns n physically contiguous frames via a first-fit
/// scan, or false if no run that long is free.
func (phys *Physmem_t) AllocContig(n uint32) (Pa_t, bool) {
	if n == 0 {
		panic("zero frames")
	}
	phys.Lock()
	defer phys.Unlock()
	run := uint32(0)
	start := uint32(0)
	for i := uint32(0); i < phys.nframes; i++ {
		if !phys.bitset(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					phys.bitflip(j, true)
					phys.refcnt[j] = 1
				}
				phys.free -= n
				return phys.frameaddr(start), true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

/// FreeContig frees n frames starting at p.
func (phys *Physmem_t) FreeContig(p Pa_t, n uint32) {
	phys.Lock()
	defer phys.Unlock()
	start, ok := phys.idx(p)
	if !ok {
		return
	}
	for j := start; j < start+n && j < phys.nframes; j++ {
		if phys.bitset(j) {
			phys.bitflip(j, false)
			phys.refcnt[j] = 0
			phys.free++
		}
	}
}

/// FreeCount reports the number of unallocated frames.
func (phys *Physmem_t) FreeCount() uint32 {
	phys.Lock()
	defer phys.Unlock()
	return phys.free
}

/// MarkAllReserved marks every managed frame allocated. Boot calls
/// this right after Phys_init so that only the spans the firmware
/// memory map names as usable get freed back to the allocator.
func (phys *Physmem_t) MarkAllReserved() {
	phys.Lock()
	defer phys.Unlock()
	for i := range phys.bitmap {
		phys.bitmap[i] = ^uint64(0)
	}
	phys.free = 0
}

/// FreeRange frees npages frames starting at base, skipping any frame
/// outside the managed region. Used once at boot to hand usable
/// firmware-reported spans to the allocator.
func (phys *Physmem_t) FreeRange(base Pa_t, npages uint32) {
	phys.Lock()
	defer phys.Unlock()
	start, ok := phys.idx(base)
	if !ok {
		return
	}
	for j := start; j < start+npages && j < phys.nframes; j++ {
		if phys.bitset(j) {
			phys.bitflip(j, false)
			phys.refcnt[j] = 0
			phys.free++
		}
	}
}

/// Refaddr returns the refcount pointer for a frame.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) *int32 {
	i, ok := phys.idx(p_pg)
	if !ok {
		panic("frame outside managed range")
	}
	return &phys.refcnt[i]
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	return int(atomic.LoadInt32(phys.Refaddr(p_pg)))
}

/// Refup increments the reference count of a page, used when a COW
/// clone shares a frame between parent and child.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	c := atomic.AddInt32(phys.Refaddr(p_pg), 1)
	if c <= 0 {
		panic("refup on dead frame")
	}
}

/// Refdown decrements the reference count of a page and frees it at
/// zero. It returns true when the page was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	ref := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("refdown underflow")
	}
	if c == 0 {
		phys.FreeOne(p_pg)
		return true
	}
	return false
}

/// Refpg_new allocates a zeroed page and returns its mapping and
/// physical address. The returned page's refcount is 1.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new_nozero()
	if !ok {
		return nil, 0, false
	}
	*pg = *Zeropg
	return pg, p_pg, true
}

/// Refpg_new_nozero allocates an uninitialized page.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("refpg_new before dmap init")
	}
	p_pg, ok := phys.AllocOne()
	if !ok {
		return nil, 0, false
	}
	return phys.Dmap(p_pg), p_pg, true
}

/// Pmap_new allocates a fresh, zeroed page-table page.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new()
	if !ok {
		return nil, 0, false
	}
	return pg2pmap(pg), p_pg, true
}

/// Dec_pmap drops a pml4 page's reference, freeing it once no address
/// space holds it. Page-table pages share the same bitmap and
/// refcount array as any other frame.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	phys.Refdown(p_pmap)
}

/// Dmap converts a physical address into a direct-mapped virtual
/// address.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	pa := uintptr(p)
	if pa >= 1<<39 {
		panic("direct map not large enough")
	}
	v := Vdirect
	v += uintptr(util.Rounddown(int(pa), PGSIZE))
	return (*Pg_t)(unsafe.Pointer(v))
}

/// Dmap_v2p converts a direct-mapped virtual address back to a
/// physical address.
func (phys *Physmem_t) Dmap_v2p(v *Pg_t) Pa_t {
	va := uintptr(unsafe.Pointer(v))
	if va <= 1<<39 {
		panic("address isn't in the direct map")
	}
	return Pa_t(va - Vdirect)
}

/// Dmap8 returns a byte slice mapped to the given physical address.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

/// InitZeropg installs the shared, refcounted zero frame. Must run
/// after the direct map exists.
func InitZeropg() {
	p, ok := Physmem.AllocOne()
	if !ok {
		panic("oom initializing zero page")
	}
	Zeropg = Physmem.Dmap(p)
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	P_zeropg = p
	Zerobpg = Pg2bytes(Zeropg)
}
