package vm

import "github.com/kctherootkey/likeos64/cpu"
import "github.com/kctherootkey/likeos64/defs"
import "github.com/kctherootkey/likeos64/mem"
import "github.com/kctherootkey/likeos64/percpu"

// NewUserVm allocates a fresh, empty address space with only the
// kernel's half of the address space mapped (copied from mem.Kents),
// for a brand new task that hasn't exec'd anything yet.
func NewUserVm() (*Vm_t, defs.Err_t) {
	pmap, p_pmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		return nil, -defs.ENOMEM
	}
	for _, kent := range mem.Kents {
		pmap[kent.Pml4slot] = kent.Entry
	}
	return &Vm_t{Pmap: pmap, P_pmap: p_pmap}, 0
}

// Fork clones as for a child task. Every present, writable user page
// is marked copy-on-write in both the parent and the child and the
// underlying frame's refcount is bumped, so no data is actually copied
// until one side writes to a shared page (spec.md's COW fork
// contract). Shared-file and shared-anonymous mappings are installed
// directly rather than marked COW, since both tasks are meant to
// observe each other's writes to them.
func (as *Vm_t) Fork() (*Vm_t, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	child, err := NewUserVm()
	if err != 0 {
		return nil, err
	}

	for _, vmi := range as.Vmregion.regions {
		nvmi := &Vminfo_t{
			Mtype: vmi.Mtype,
			Pgn:   vmi.Pgn,
			Pglen: vmi.Pglen,
			Perms: vmi.Perms,
			file:  vmi.file,
		}
		child.Vmregion.insert(nvmi)

		if vmi.Mtype == VSANON || (vmi.Mtype == VFILE && vmi.file.shared) {
			// shared mappings: copy present PTEs as-is, no COW.
			as.forEachPte(vmi, func(va uintptr, pte *mem.Pa_t) {
				if *pte&PTE_P == 0 {
					return
				}
				mem.Physmem.Refup(*pte & PTE_ADDR)
				ppte, e := pmap_walk(child.Pmap, int(va), PTE_U|PTE_W)
				if e != 0 {
					panic("oom during fork")
				}
				*ppte = *pte
			})
			continue
		}

		// private mappings: every present page becomes COW in both
		// address spaces.
		as.forEachPte(vmi, func(va uintptr, pte *mem.Pa_t) {
			if *pte&PTE_P == 0 {
				return
			}
			phys := *pte & PTE_ADDR
			if *pte&PTE_W != 0 {
				*pte = (*pte &^ (PTE_W | PTE_WASCOW)) | PTE_COW
				cpu.Invlpg(va)
			}
			mem.Physmem.Refup(phys)
			ppte, e := pmap_walk(child.Pmap, int(va), PTE_U|PTE_W)
			if e != 0 {
				panic("oom during fork")
			}
			*ppte = *pte
		})
	}
	percpu.RequestShootdown()

	return child, 0
}

// forEachPte calls f for every page-aligned virtual address in vmi's
// range that has a page-table leaf entry, present or not (f checks).
func (as *Vm_t) forEachPte(vmi *Vminfo_t, f func(va uintptr, pte *mem.Pa_t)) {
	start := vmi.Pgn << PGSHIFT
	for i := 0; i < vmi.Pglen; i++ {
		va := start + uintptr(i)<<PGSHIFT
		pte := Pmap_lookup(as.Pmap, int(va))
		if pte == nil {
			continue
		}
		f(va, pte)
	}
}
