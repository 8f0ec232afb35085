// Package fdops defines the vtable every open file description
// implements, plus the user-buffer abstraction syscalls and vm use to
// move bytes to and from user memory without fdops depending on vm or
// vm depending on fs.
package fdops

import "github.com/kctherootkey/likeos64/defs"
import "github.com/kctherootkey/likeos64/mem"
import "github.com/kctherootkey/likeos64/stat"

// Userio_i abstracts a user-memory source or sink so read/write
// implementations don't need to know whether they're copying to a
// real user virtual address range (vm.Userbuf_t), a scatter-gather
// iovec array (vm.Useriovec_t), or an in-kernel buffer standing in for
// one (vm.Fakeubuf_t).
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Mmapinfo_t is one physical page backing a file-mapped virtual page,
// returned by Mmapi with its reference count already incremented on
// the caller's behalf.
type Mmapinfo_t struct {
	Pg   *mem.Pg_t
	Phys mem.Pa_t
}

// Fdops_i is the operation table every open file description (plain
// file, directory, device, pipe end, pty half) implements. Fd_t holds
// one of these rather than a concrete type so the VFS, devfs, and tty
// layers can all produce file descriptors the syscall dispatcher
// treats identically.
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(*stat.Stat_t) defs.Err_t
	Lseek(off, whence int) (int, defs.Err_t)
	Mmapi(pgno, pglen int, write bool) ([]Mmapinfo_t, defs.Err_t)
	Pathi() defs.Inum_t
	Read(Userio_i) (int, defs.Err_t)
	Reopen() defs.Err_t
	Write(Userio_i) (int, defs.Err_t)
	Truncate(newlen uint) defs.Err_t
	// Readdir appends as many directory entries as fit in dst, starting at cookie
	// (an opaque continuation marker, 0 meaning "from the start") and
	// returns the number of bytes written to dst and the cookie to
	// resume from, or 0 when the directory is exhausted.
	Readdir(dst Userio_i, cookie int) (int, int, defs.Err_t)
	// Ioctl services tty-style control requests; file descriptors
	// that don't support any ioctl return -defs.ENOTTY.
	Ioctl(cmd int, arg int) (int, defs.Err_t)
}
