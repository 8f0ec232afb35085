// Package elf loads a static ELF64 executable image into a fresh
// address space: PT_LOAD segments mapped and populated eagerly (this
// kernel does not demand-page file-backed regions), and the initial
// user stack built with argv/envp/auxv per the x86-64 System V ABI.
package elf

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/mem"
	"github.com/kctherootkey/likeos64/vm"
)

// fileReader adapts an open file's Fdops_i onto io.ReaderAt so
// debug/elf can parse the image without the kernel needing its own
// ELF header parser.
type fileReader struct {
	fops fdops.Fdops_i
}

func (fr *fileReader) ReadAt(p []byte, off int64) (int, error) {
	if _, err := fr.fops.Lseek(int(off), defs.SEEK_SET); err != 0 {
		return 0, fmt.Errorf("elf: seek: %v", err)
	}
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(p)
	n, err := fr.fops.Read(fb)
	if err != 0 {
		return n, fmt.Errorf("elf: read: %v", err)
	}
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// Result carries back everything proc.Exec needs to start a task
// running the freshly loaded image.
type Result struct {
	Entry    uintptr
	Sp       uintptr
	Phdr     uintptr
	Phent    int
	Phnum    int
	AuxEntry uintptr
	// BrkStart is the page-aligned address just past the highest
	// PT_LOAD segment, the initial value of the task's brk.
	BrkStart uintptr
}

// auxv tag values the C runtime startup code (_start/__libc_start_main
// equivalents) expects to find on the initial stack.
const (
	AT_NULL  = 0
	AT_PHDR  = 3
	AT_PHENT = 4
	AT_PHNUM = 5
	AT_BASE  = 7
	AT_ENTRY = 9
	AT_PAGESZ = 6
)

// Load parses the ELF64 static executable exposed by fops, maps its
// PT_LOAD segments into as, builds the initial stack at
// defs.UserStackTop with argv/envp/auxv, and returns the entry point
// and stack pointer for the first trapframe.
func Load(as *vm.Vm_t, fops fdops.Fdops_i, argv []string, envp []string) (*Result, defs.Err_t) {
	f, err := elf.NewFile(&fileReader{fops: fops})
	if err != nil {
		return nil, -defs.ENOEXEC
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, -defs.ENOEXEC
	}
	if f.Type != elf.ET_EXEC {
		// dynamic/PIE executables are out of scope: the kernel has no
		// dynamic linker to run for them.
		return nil, -defs.ENOEXEC
	}

	var phdrVa, brkStart uintptr
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if err := mapLoadSegment(as, fops, p); err != 0 {
			return nil, err
		}
		end := (uintptr(p.Vaddr) + uintptr(p.Memsz) + uintptr(mem.PGOFFSET)) &^ uintptr(mem.PGOFFSET)
		if end > brkStart {
			brkStart = end
		}
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_PHDR {
			phdrVa = uintptr(p.Vaddr)
		}
	}
	const phent = 0x38 // sizeof(Elf64_Phdr)
	phnum := len(f.Progs)

	sp, auxent, everr := buildStack(as, argv, envp, phdrVa, phent, phnum, uintptr(f.Entry))
	if everr != 0 {
		return nil, everr
	}

	return &Result{
		Entry:    uintptr(f.Entry),
		Sp:       sp,
		Phdr:     phdrVa,
		Phent:    phent,
		Phnum:    phnum,
		AuxEntry: auxent,
		BrkStart: brkStart,
	}, 0
}

// mapLoadSegment reserves the segment's vm region and eagerly
// populates every page it covers: file bytes up to Filesz, zero from
// there to Memsz (the bss tail).
func mapLoadSegment(as *vm.Vm_t, fops fdops.Fdops_i, p *elf.Prog) defs.Err_t {
	start := uintptr(p.Vaddr) &^ uintptr(mem.PGOFFSET)
	end := (uintptr(p.Vaddr) + uintptr(p.Memsz) + uintptr(mem.PGOFFSET)) &^ uintptr(mem.PGOFFSET)
	skew := uintptr(p.Vaddr) - start
	span := int(end - start)

	perms := mem.Pa_t(mem.PTE_U)
	if p.Flags&elf.PF_W != 0 {
		perms |= mem.PTE_W
	}

	as.Vmadd_anon(int(start), span, perms|mem.PTE_P)

	as.Lock_pmap()
	defer as.Unlock_pmap()

	fileLeft := int64(p.Filesz)
	foff := int64(p.Off)
	for va := start; va < end; va += mem.PGSIZE {
		pg, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			return -defs.ENOMEM
		}
		bpg := mem.Pg2bytes(pg)

		// the first page may need `skew` leading zero bytes if Vaddr
		// wasn't page-aligned; every subsequent page starts clean.
		pageoff := 0
		if va == start {
			pageoff = int(skew)
		}
		if fileLeft > 0 && pageoff < mem.PGSIZE {
			n := mem.PGSIZE - pageoff
			if int64(n) > fileLeft {
				n = int(fileLeft)
			}
			if _, err := fops.Lseek(int(foff), defs.SEEK_SET); err != 0 {
				return err
			}
			fb := &vm.Fakeubuf_t{}
			fb.Fake_init(bpg[pageoff : pageoff+n])
			got, err := fops.Read(fb)
			if err != 0 {
				return err
			}
			foff += int64(got)
			fileLeft -= int64(got)
		}

		if _, ok := as.Page_insert(int(va), p_pg, perms|mem.PTE_P, true, nil); !ok {
			return -defs.ENOMEM
		}
		mem.Physmem.Refdown(p_pg)
	}
	return 0
}

// buildStack lays out the initial user stack: argc, argv pointers,
// NULL, envp pointers, NULL, auxv pairs, NULL/NULL, then the string
// data they point into, 16-byte aligned at the final stack pointer per
// the x86-64 System V ABI's entry-point requirement.
func buildStack(as *vm.Vm_t, argv, envp []string, phdrVa uintptr, phent, phnum int, entry uintptr) (uintptr, uintptr, defs.Err_t) {
	top := uintptr(defs.UserStackTop)
	base := top - defs.DefaultStackLen

	as.Vmadd_anon(int(base), defs.DefaultStackLen, mem.PTE_U|mem.PTE_W|mem.PTE_P)

	as.Lock_pmap()
	for va := base; va < top; va += mem.PGSIZE {
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			as.Unlock_pmap()
			return 0, 0, -defs.ENOMEM
		}
		if _, ok := as.Page_insert(int(va), p_pg, mem.PTE_U|mem.PTE_W|mem.PTE_P, true, nil); !ok {
			as.Unlock_pmap()
			return 0, 0, -defs.ENOMEM
		}
		mem.Physmem.Refdown(p_pg)
	}
	as.Unlock_pmap()

	sp := int(top)
	writeStr := func(s string) int {
		b := append([]byte(s), 0)
		sp -= len(b)
		if err := as.K2user(b, sp); err != 0 {
			panic("stack build: k2user failed on freshly mapped stack")
		}
		return sp
	}

	argvPtrs := make([]int, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvPtrs[i] = writeStr(argv[i])
	}
	envpPtrs := make([]int, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpPtrs[i] = writeStr(envp[i])
	}

	sp &^= 0xf // 16-byte align before the word arrays begin

	writeWord := func(v int) {
		sp -= 8
		if err := as.Userwriten(sp, 8, v); err != 0 {
			panic("stack build: writen failed on freshly mapped stack")
		}
	}

	// total words pushed below, including this padding slot if needed,
	// must be even to leave the final sp (argc's address) 16-aligned.
	nwords := 1 + (len(argv) + 1) + (len(envp) + 1) + 2*6
	if nwords%2 != 0 {
		writeWord(0)
	}

	// Each writeWord call lands at a strictly lower address than the
	// one before it, so a (key, value) pair that must read low-to-high
	// as key-then-value is pushed value-first.
	auxPair := func(key, val int) {
		writeWord(val)
		writeWord(key)
	}
	writeWord(0)
	writeWord(AT_NULL)
	auxPair(AT_ENTRY, int(entry))
	auxPair(AT_PAGESZ, mem.PGSIZE)
	auxPair(AT_PHNUM, phnum)
	auxPair(AT_PHENT, phent)
	auxPair(AT_PHDR, int(phdrVa))
	auxEntry := sp

	writeWord(0)
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		writeWord(envpPtrs[i])
	}
	writeWord(0)
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		writeWord(argvPtrs[i])
	}
	writeWord(len(argv))

	return uintptr(sp), uintptr(auxEntry), 0
}
