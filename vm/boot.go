package vm

import "fmt"
import "unsafe"

import "github.com/kctherootkey/likeos64/bootinfo"
import "github.com/kctherootkey/likeos64/cpu"
import "github.com/kctherootkey/likeos64/mem"

// Boot finishes what the loader started: it enables the CPU
// protections the rest of the kernel assumes, builds the physical
// allocator over the EFI memory map, and installs the direct map at
// mem.VDIRECT so mem.Physmem.Dmap starts working. It runs once, on the
// boot CPU, before any task exists.
//
// The loader's page tables (bootinfo.Info.BootPml4) already identity
// map the first IdentityLimit bytes of physical memory and carry a
// recursive slot at mem.VREC; Boot allocates its direct-map page
// tables from that identity window so it can write to a fresh frame
// before the direct map exists to do it the usual way.
func Boot(bi *bootinfo.Info) cpu.Features {
	feat := cpu.Detect()
	if !feat.Pge {
		panic("cpu lacks global pages")
	}

	cr4 := cpu.Rcr4()
	cr4 |= cpu.CR4_PGE
	if feat.Smep {
		cr4 |= cpu.CR4_SMEP
	}
	if feat.Smap {
		cr4 |= cpu.CR4_SMAP
	}
	cpu.Wcr4(cr4)
	if feat.Nx {
		efer := cpu.Rdmsr(cpu.MSR_EFER)
		cpu.Wrmsr(cpu.MSR_EFER, efer|cpu.EFER_NXE)
	}

	top := bi.MaxPhysAddr()
	nframes := uint32(top >> mem.PGSHIFT)
	phys := mem.Phys_init(0, nframes)

	// Reserve every frame the firmware didn't hand us as free: boot
	// images, ACPI tables, reserved MMIO holes, and the loader's own
	// page tables. Phys_init starts with every frame free (a zeroed
	// bitmap), so mark them all allocated, then walk the map and free
	// only the usable spans.
	phys.MarkAllReserved()
	for _, r := range bi.Mem {
		if !r.Usable() {
			continue
		}
		phys.FreeRange(r.PhysBase, uint32(r.NPages))
	}
	buildDirectMap(bi, feat)
	phys.Dmapinit = true
	mem.InitZeropg()

	for i, e := range mem.Kpmap() {
		if e&mem.PTE_U == 0 && e&mem.PTE_P != 0 {
			mem.Kents = append(mem.Kents, mem.Kent_t{Pml4slot: i, Entry: e})
		}
	}

	fmt.Printf("vm: direct map installed, %v frames managed\n", nframes)
	return feat
}

// identity returns a pointer to physical address p through the
// loader's low identity map, valid only before the direct map exists.
func identity(p mem.Pa_t) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p))
}

// buildDirectMap installs a PDPT at the PML4 slot mem.VDIRECT mapping
// all of physical memory, using 1GB pages when the CPU supports them
// and 2MB pages otherwise. Page-table frames come from mem.Physmem,
// written through the identity window since mem.Vdirect isn't usable
// yet.
func buildDirectMap(bi *bootinfo.Info, feat cpu.Features) {
	dpte := mem.Caddr(mem.VREC, mem.VREC, mem.VREC, mem.VREC, mem.VDIRECT)
	if *dpte&mem.PTE_P != 0 {
		panic("dmap slot already in use")
	}

	pdptpa, ok := mem.Physmem.AllocOne()
	if !ok {
		panic("oom building direct map")
	}
	pdpt := (*mem.Pmap_t)(identity(pdptpa))
	*dpte = pdptpa | mem.PTE_P | mem.PTE_W

	top := bi.MaxPhysAddr()
	ngigs := (uint64(top) + 1<<30 - 1) >> 30

	if feat.Gbpages {
		fmt.Printf("vm: direct map via 1GB pages\n")
		for i := uint64(0); i < ngigs && int(i) < len(pdpt); i++ {
			pdpt[i] = mem.Pa_t(i<<30) | mem.PTE_P | mem.PTE_W | mem.PTE_PS | mem.PTE_G
		}
		return
	}

	fmt.Printf("vm: direct map via 2MB pages (no 1GB page support)\n")
	for i := uint64(0); i < ngigs && int(i) < len(pdpt); i++ {
		pdpa, ok := mem.Physmem.AllocOne()
		if !ok {
			panic("oom building direct map")
		}
		pd := (*mem.Pmap_t)(identity(pdpa))
		for j := range pd {
			pd[j] = mem.Pa_t(i<<30) + mem.Pa_t(j)<<21 | mem.PTE_P | mem.PTE_W | mem.PTE_PS | mem.PTE_G
		}
		pdpt[i] = pdpa | mem.PTE_P | mem.PTE_W
	}
}
