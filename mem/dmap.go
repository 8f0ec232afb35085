package mem

import "unsafe"

// VREC is the recursive mapping slot used by the kernel.
const VREC int = 0x42

// VDIRECT is the direct-map slot.
const VDIRECT int = 0x44

// VEND marks the end of kernel virtual space.
const VEND int = 0x50

// VUSER is the first user-space slot.
const VUSER int = 0x59

// USERMIN is the lowest user virtual address.
const USERMIN int = VUSER << 39

// DMAPLEN is the length of the direct map in bytes.
const DMAPLEN int = 1 << 39

// Vdirect holds the virtual address of the direct map region.
var Vdirect = uintptr(VDIRECT << 39)

// Dmaplen returns a slice over the direct map starting at p for l bytes.
func Dmaplen(p Pa_t, l int) []uint8 {
	_dmap := (*[DMAPLEN]uint8)(unsafe.Pointer(Vdirect))
	return _dmap[p : p+Pa_t(l)]
}

// Dmaplen32 is like Dmaplen but operates on 32-bit units. p and l must
// be multiples of 4.
func Dmaplen32(p uintptr, l int) []uint32 {
	if p%4 != 0 || l%4 != 0 {
		panic("not 32bit aligned")
	}
	_dmap := (*[DMAPLEN / 4]uint32)(unsafe.Pointer(Vdirect))
	p /= 4
	l /= 4
	return _dmap[p : p+uintptr(l)]
}

func shl(c uint) uint {
	return 12 + 9*c
}

func pgbits(v uint) (uint, uint, uint, uint) {
	lb := func(c uint) uint {
		return (v >> shl(c)) & 0x1ff
	}
	return lb(3), lb(2), lb(1), lb(0)
}

// Pgbits splits a virtual address into its four page-map indices.
func Pgbits(v uintptr) (uint, uint, uint, uint) {
	return pgbits(uint(v))
}

func mkpg(l4 int, l3 int, l2 int, l1 int) int {
	lb := func(c uint) uint {
		var ret uint
		switch c {
		case 3:
			ret = uint(l4) & 0x1ff
		case 2:
			ret = uint(l3) & 0x1ff
		case 1:
			ret = uint(l2) & 0x1ff
		case 0:
			ret = uint(l1) & 0x1ff
		}
		return ret << shl(c)
	}
	return int(lb(3) | lb(2) | lb(1) | lb(0))
}

// Caddr computes the virtual address of a page-table entry reached
// through the recursive mapping slot l4, at indices ppd/pd/pt and
// byte offset off.
func Caddr(l4 int, ppd int, pd int, pt int, off int) *Pa_t {
	ret := mkpg(l4, ppd, pd, pt)
	ret += off * 8
	return (*Pa_t)(unsafe.Pointer(uintptr(ret)))
}

func caddr(l4 int, ppd int, pd int, pt int, off int) *int {
	ret := mkpg(l4, ppd, pd, pt)
	ret += off * 8
	return (*int)(unsafe.Pointer(uintptr(ret)))
}

// Kent_t records a kernel page-map entry.
type Kent_t struct {
	Pml4slot int
	Entry    Pa_t
}

// Kents contains all kernel (non-user) PML4 entries, snapshotted once
// the direct map is built so a later user address space can copy them
// verbatim into its own top-level table.
var Kents = make([]Kent_t, 0, 5)

// Kpmapp caches the kernel's top-level page map.
var Kpmapp *Pmap_t

// Kpmap returns the kernel's pmap pointer, reached through the
// recursive mapping slot.
func Kpmap() *Pmap_t {
	if Kpmapp == nil {
		dur := caddr(VREC, VREC, VREC, VREC, 0)
		Kpmapp = (*Pmap_t)(unsafe.Pointer(dur))
	}
	return Kpmapp
}

// kpages tracks every page-table page the kernel allocates itself
// (as opposed to ones the boot loader built), keyed by page number,
// to catch accidental double allocation of the same virtual slot.
var kpages = pgtracker_t{}

func kpgadd(pg *Pmap_t) {
	va := uintptr(unsafe.Pointer(pg))
	pgn := int(va >> 12)
	if _, ok := kpages[pgn]; ok {
		panic("page already in kpages")
	}
	kpages[pgn] = pg
}

type pgtracker_t map[int]*Pmap_t
