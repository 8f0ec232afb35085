package vm

import "sort"
import "sync/atomic"
import "unsafe"

import "github.com/kctherootkey/likeos64/defs"
import "github.com/kctherootkey/likeos64/fdops"
import "github.com/kctherootkey/likeos64/mem"

// Local aliases for the page-table constants every vm file reaches
// for without the mem. prefix.
const (
	PGSHIFT = mem.PGSHIFT
	PGSIZE  = mem.PGSIZE

	PGOFFSET = mem.PGOFFSET
	PGMASK   = mem.PGMASK
	PTE_P    = mem.PTE_P
	PTE_W    = mem.PTE_W
	PTE_U    = mem.PTE_U
	PTE_PWT  = mem.PTE_PWT
	PTE_PCD  = mem.PTE_PCD
	PTE_A    = mem.PTE_A
	PTE_D    = mem.PTE_D
	PTE_PS   = mem.PTE_PS
	PTE_G    = mem.PTE_G
	PTE_NX   = mem.PTE_NX

	PTE_COW    = mem.PTE_COW
	PTE_WASCOW = mem.PTE_WASCOW

	PTE_ADDR = mem.PTE_ADDR
)

// mtype_t tags what backs a Vminfo_t's virtual pages.
type mtype_t int

const (
	VANON  mtype_t = iota // zero-fill-on-demand, private, copy-on-write
	VFILE                 // backed by an fdops.Fdops_i page cache
	VSANON                // shared anonymous (shared memory segments)
)

// mfile_state_t holds the file-backing details of a VFILE mapping.
type mfile_state_t struct {
	foff   int
	mfile  *Mfile_t
	shared bool
}

// Mfile_t is the shared state multiple Vminfo_t's can reference when a
// file mapping is MAP_SHARED between address spaces (after fork).
type Mfile_t struct {
	mfops    fdops.Fdops_i
	unpin    mem.Unpin_i
	mapcount int
	refcnt   int32
}

func (mf *Mfile_t) incref() {
	atomic.AddInt32(&mf.refcnt, 1)
}

func (mf *Mfile_t) decref() bool {
	return atomic.AddInt32(&mf.refcnt, -1) == 0
}

// Vminfo_t describes one virtual memory region: a contiguous run of
// pages with a single backing type and permission set. The page fault
// handler is the only place that actually installs a PTE; Vminfo_t
// just remembers what a fault in this range should do.
type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint
	file  mfile_state_t
}

func (vmi *Vminfo_t) startva() uintptr { return vmi.Pgn << PGSHIFT }
func (vmi *Vminfo_t) endva() uintptr   { return (vmi.Pgn + uintptr(vmi.Pglen)) << PGSHIFT }

// Ptefor returns the page-table entry for va within this region,
// allocating any missing intermediate page-table levels.
func (vmi *Vminfo_t) Ptefor(pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	perms := mem.Pa_t(PTE_U)
	if vmi.Perms&uint(PTE_W) != 0 {
		perms |= PTE_W
	}
	pte, err := pmap_walk(pmap, int(va), perms)
	if err != 0 {
		return nil, false
	}
	return pte, true
}

// Filepage returns the page backing faultaddr in a VFILE mapping,
// fetched through the file's Fdops_i.Mmapi. The returned page's
// refcount has already been bumped by Mmapi on behalf of the caller.
func (vmi *Vminfo_t) Filepage(faultaddr uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	if vmi.Mtype != VFILE {
		panic("not a file mapping")
	}
	pgno := int((faultaddr - vmi.startva()) >> PGSHIFT)
	write := vmi.Perms&uint(PTE_W) != 0
	infos, err := vmi.file.mfile.mfops.Mmapi(vmi.file.foff>>PGSHIFT+pgno, 1, write)
	if err != 0 {
		return nil, 0, err
	}
	if len(infos) != 1 {
		panic("expected exactly one page")
	}
	return infos[0].Pg, infos[0].Phys, 0
}

// Vmregion_t is the ordered set of a process's virtual memory regions,
// kept sorted by starting page number so Lookup can binary search
// instead of scanning linearly.
type Vmregion_t struct {
	regions []*Vminfo_t
}

func (vr *Vmregion_t) search(pgn uintptr) int {
	return sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].Pgn+uintptr(vr.regions[i].Pglen) > pgn
	})
}

// insert adds vmi to the region set, bumping any shared file's
// refcount. It panics if vmi overlaps an existing region.
func (vr *Vmregion_t) insert(vmi *Vminfo_t) {
	i := vr.search(vmi.Pgn)
	if i < len(vr.regions) && vr.regions[i].Pgn < vmi.Pgn+uintptr(vmi.Pglen) {
		panic("overlapping vm region")
	}
	if vmi.Mtype == VFILE && vmi.file.mfile != nil {
		vmi.file.mfile.incref()
	}
	vr.regions = append(vr.regions, nil)
	copy(vr.regions[i+1:], vr.regions[i:])
	vr.regions[i] = vmi
}

// Lookup returns the region containing virtual address va, if any.
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> PGSHIFT
	i := vr.search(pgn)
	if i >= len(vr.regions) {
		return nil, false
	}
	vmi := vr.regions[i]
	if pgn < vmi.Pgn || pgn >= vmi.Pgn+uintptr(vmi.Pglen) {
		return nil, false
	}
	return vmi, true
}

// empty finds a gap of at least length bytes at or after start,
// returning the gap's start address and the distance from it to the
// top of the address space (not the size of the gap itself).
func (vr *Vmregion_t) empty(start, length uintptr) (uintptr, uintptr) {
	cur := start
	for _, vmi := range vr.regions {
		if vmi.startva() >= cur+length {
			break
		}
		if vmi.endva() > cur {
			cur = vmi.endva()
		}
	}
	return cur, ^uintptr(0) - cur
}

// Remove drops the region exactly spanning [pgn, pgn+pglen), the shape
// munmap and brk-shrink need. It is a no-op if no region matches
// exactly, since partial unmap of a region isn't supported (mmap
// regions this kernel creates are never merged, so every syscall-level
// mapping is its own region and unmaps as a whole).
func (vr *Vmregion_t) Remove(pgn uintptr, pglen int) {
	for i, vmi := range vr.regions {
		if vmi.Pgn == pgn && vmi.Pglen == pglen {
			if vmi.Mtype == VFILE && vmi.file.mfile != nil && vmi.file.mfile.decref() {
				if vmi.file.mfile.unpin != nil {
					vmi.file.mfile.unpin.Unpin(0)
				}
			}
			vr.regions = append(vr.regions[:i], vr.regions[i+1:]...)
			return
		}
	}
}

// Clear drops every region, releasing shared file references.
func (vr *Vmregion_t) Clear() {
	for _, vmi := range vr.regions {
		if vmi.Mtype == VFILE && vmi.file.mfile != nil && vmi.file.mfile.decref() {
			if vmi.file.mfile.unpin != nil {
				vmi.file.mfile.unpin.Unpin(0)
			}
		}
	}
	vr.regions = nil
}

// pmap_walk walks pmap to the leaf PTE for virtual address va,
// allocating any missing intermediate page-table page with the given
// permission bits.
func pmap_walk(pmap *mem.Pmap_t, va int, perms mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	l4i, l3i, l2i, l1i := mem.Pgbits(uintptr(va))
	l4 := pmap
	for _, idx := range []uint{l4i, l3i, l2i} {
		e := &l4[idx]
		if *e&PTE_P == 0 {
			next, p_next, ok := mem.Physmem.Pmap_new()
			if !ok {
				return nil, -defs.ENOMEM
			}
			*e = p_next | perms | PTE_P
			l4 = next
		} else {
			l4 = (*mem.Pmap_t)(pmapChild(mem.Physmem.Dmap(*e & PTE_ADDR)))
			// promote permissions if a write mapping needs a
			// previously read-only intermediate level
			if perms&PTE_W != 0 {
				*e |= PTE_W
			}
		}
	}
	return &l4[l1i], 0
}

func pmapChild(pg *mem.Pg_t) *mem.Pmap_t {
	return (*mem.Pmap_t)(unsafe.Pointer(pg))
}

// Pmap_lookup returns the leaf PTE for va without allocating missing
// levels, or nil if any level along the way is absent.
func Pmap_lookup(pmap *mem.Pmap_t, va int) *mem.Pa_t {
	l4i, l3i, l2i, l1i := mem.Pgbits(uintptr(va))
	l4 := pmap
	for _, idx := range []uint{l4i, l3i, l2i} {
		e := &l4[idx]
		if *e&PTE_P == 0 {
			return nil
		}
		l4 = pmapChild(mem.Physmem.Dmap(*e & PTE_ADDR))
	}
	return &l4[l1i]
}
