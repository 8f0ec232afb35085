// Command kernel is the freestanding kernel image's Go entry point:
// the composition root that turns C1-C11's already-built packages
// into spec.md §2's boot → mount → serve control flow. It is not a
// hosted program — there is no OS underneath it to exec it, and
// nothing in this tree invokes go run/build against it — it is linked
// into the kernel image behind an assembly entry stub that sets up an
// initial stack and jumps to main, the out-of-scope bootloader/entry
// handoff spec.md §1 names explicitly.
package main

import (
	"fmt"

	"github.com/kctherootkey/likeos64/blockdev"
	"github.com/kctherootkey/likeos64/bootinfo"
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fat32"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/percpu"
	"github.com/kctherootkey/likeos64/proc"
	"github.com/kctherootkey/likeos64/trap"
	"github.com/kctherootkey/likeos64/ustr"
	"github.com/kctherootkey/likeos64/vfs"
	"github.com/kctherootkey/likeos64/vm"
)

// Bootinfo and DiskImage are set by the entry assembly before it
// jumps to main: Bootinfo is the loader's EFI memory map and
// framebuffer handoff record, still reachable through the low
// identity map at that point; DiskImage is the FAT32 image the
// loader staged into physical memory, already copied out somewhere
// main can slice directly (both the exact staging address and the
// assembly that populates these two variables are the bootloader
// handoff spec.md §1 places out of scope).
var (
	Bootinfo  *bootinfo.Info
	DiskImage []uint8
)

// main runs once, on the boot CPU, and never returns: it ends inside
// proc.RunScheduler. Every step here is a direct call into a package
// built and tested independently of booting; main's only job is
// sequencing them in the order spec.md §2 describes.
func main() {
	feat := vm.Boot(Bootinfo)
	fmt.Printf("kernel: cpu %+v\n", feat)

	// AP bring-up (sending the INIT-SIPI-SIPI sequence through the
	// local APIC to start the other cores) has no driver source
	// anywhere in this tree to ground it on, so only the boot CPU is
	// brought under the scheduler; percpu already supports more and
	// needs no changes once a real AP trampoline exists.
	percpu.Init(1)
	percpu.SetMine(0)

	trap.Init()

	disk := blockdev.MkRamdisk(DiskImage)
	vol, err := fat32.Mount(disk, blockdev.PhysBlockmem)
	if err != 0 {
		panic("kernel: fat32.Mount failed")
	}
	vfs.MountRoot(vol)

	cwd := fd.MkRootCwd(&fd.Fd_t{})
	initFile, err := vfs.OpenPath(cwd, ustr.Ustr("/init"), defs.O_RDONLY)
	if err != 0 {
		panic("kernel: /init not found on root filesystem")
	}

	if _, err := proc.SpawnInit(initFile.Fops, cwd, []string{"/init"}, nil); err != 0 {
		panic("kernel: SpawnInit failed")
	}

	proc.RunScheduler()
}
