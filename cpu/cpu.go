// Package cpu is the sole abstraction layer for instructions that
// cannot be expressed in portable Go: control-register access, MSRs,
// CPUID, port I/O, and interrupt masking. No other package may reach
// for inline assembly; every one of these crosses into cpu instead.
package cpu

// Cpuid executes CPUID with the given leaf and subleaf and returns the
// four result registers.
func Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Rcr3 reads CR3 (the current page-map base).
func Rcr3() uint64

// Wcr3 writes CR3, switching the active address space.
func Wcr3(v uint64)

// Rcr4 reads CR4 (feature-enable flags: PAE, PGE, SMEP, SMAP, OSXSAVE).
func Rcr4() uint64

// Rcr2 reads CR2, the faulting linear address latched by the last
// page fault. Only meaningful inside a page-fault handler.
func Rcr2() uint64

// Wcr4 writes CR4.
func Wcr4(v uint64)

// Invlpg invalidates a single TLB entry for the given virtual address.
func Invlpg(va uintptr)

// Rdmsr reads a model-specific register.
func Rdmsr(msr uint32) uint64

// Wrmsr writes a model-specific register.
func Wrmsr(msr uint32, v uint64)

// Cli masks maskable interrupts on the calling core.
func Cli()

// Sti unmasks maskable interrupts on the calling core.
func Sti()

// Hlt halts the calling core until the next interrupt.
func Hlt()

// Outb writes a byte to an I/O port.
func Outb(port uint16, v uint8)

// Inb reads a byte from an I/O port.
func Inb(port uint16) uint8

// Rdtsc reads the timestamp counter.
func Rdtsc() uint64

// Lidt loads the interrupt descriptor table register from a 10-byte
// pseudo-descriptor (2-byte limit, 8-byte base) at descAddr.
func Lidt(descAddr uintptr)

// Swapgs exchanges GS_BASE and KERNGS_BASE. Nothing in this kernel
// calls it: the trap-entry stub does not swap GS_BASE, and
// percpu.Mine reads the GS_BASE MSR directly.
func Swapgs()

const (
	CR4_PGE  uint64 = 1 << 7  // global pages
	CR4_PAE  uint64 = 1 << 5  // physical address extension
	CR4_SMEP uint64 = 1 << 20 // supervisor mode execution prevention
	CR4_SMAP uint64 = 1 << 21 // supervisor mode access prevention
)

const (
	MSR_EFER       uint32 = 0xc0000080
	MSR_STAR       uint32 = 0xc0000081
	MSR_LSTAR      uint32 = 0xc0000082 // SYSCALL entry point
	MSR_SFMASK     uint32 = 0xc0000084
	MSR_FS_BASE    uint32 = 0xc0000100
	MSR_GS_BASE    uint32 = 0xc0000101
	MSR_KERNGSBASE uint32 = 0xc0000102

	EFER_SCE uint64 = 1 << 0 // SYSCALL/SYSRET enable
	EFER_NXE uint64 = 1 << 11
)

// Features holds the subset of CPUID-reported capabilities the kernel
// conditions its own behavior on, resolved once at boot by Detect.
type Features struct {
	Gbpages bool // 1GB pages (CPUID.80000001H:EDX.Page1GB)
	Pge     bool // global pages
	Nx      bool // no-execute
	Smep    bool
	Smap    bool
}

// Detect queries CPUID for the features Boot needs to decide how to
// build the direct map and harden user-pointer access.
func Detect() Features {
	_, _, _, edx1 := Cpuid(0x1, 0)
	_, _, _, edxext := Cpuid(0x80000001, 0)
	_, ebx7, _, _ := Cpuid(0x7, 0)
	return Features{
		Gbpages: edxext&(1<<26) != 0,
		Pge:     edx1&(1<<13) != 0,
		Nx:      edxext&(1<<20) != 0,
		Smep:    ebx7&(1<<7) != 0,
		Smap:    ebx7&(1<<20) != 0,
	}
}
