package defs

// Syscall numbers dispatched by the syscall surface (C5), Linux x86-64
// convention where a call overlaps with Linux's table. memstats has no
// Linux counterpart and is kernel-debug-only.
const (
	SYS_READ      = 0
	SYS_WRITE     = 1
	SYS_OPEN      = 2
	SYS_CLOSE     = 3
	SYS_LSEEK     = 8
	SYS_MMAP      = 9
	SYS_MUNMAP    = 11
	SYS_BRK       = 12
	SYS_IOCTL     = 16
	SYS_PIPE      = 22
	SYS_YIELD     = 24
	SYS_DUP       = 32
	SYS_DUP2      = 33
	SYS_GETPID    = 39
	SYS_FORK      = 57
	SYS_EXECVE    = 59
	SYS_EXIT      = 60
	SYS_WAIT4     = 61
	SYS_GETPPID   = 110
	SYS_KILL      = 62
	SYS_SETPGID   = 109
	SYS_GETPGID   = 121
	SYS_SETSID    = 112
	SYS_STAT      = 4
	SYS_FSTAT     = 5
	SYS_RENAME    = 82
	SYS_MKDIR     = 83
	SYS_RMDIR     = 84
	SYS_UNLINK    = 87
	SYS_CHDIR     = 80
	SYS_GETDENTS64 = 217
	SYS_MEMSTATS  = 1000 // debug-only, not Linux-compatible
)

// Open flags, per spec.md §6.
const (
	O_RDONLY = 0
	O_WRONLY = 1
	O_RDWR   = 2
	O_CREAT     = 0x40
	O_EXCL      = 0x80
	O_TRUNC     = 0x200
	O_APPEND    = 0x400
	O_DIRECTORY = 0x10000
)

// Seek whences.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// wait4 options.
const (
	WNOHANG = 1
)

// TTY ioctl request codes, Linux-compatible values per spec.md §6.
const (
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TCSETSW    = 0x5403
	TCSETSF    = 0x5404
	TIOCSCTTY  = 0x540E
	TIOCGPGRP  = 0x540F
	TIOCSPGRP  = 0x5410
	TIOCGWINSZ = 0x5413
	TIOCSWINSZ = 0x5414
	TIOCGPTN   = 0x80045430
)

// User address-space layout constants, per spec.md §6.
const (
	UserSpaceStart  = 0x00400000
	UserSpaceEnd    = 0x00007FFFFFFFFFFF
	UserStackTop    = 0x00007FFFFFF00000
	DefaultStackLen = 2 << 20 // 2 MiB
	KernelHigherHalf = 0xFFFFFFFF80000000

	// User pointers handed to syscalls must land in this range; a
	// length that would overflow past UserPtrMax is rejected before
	// any arithmetic is attempted, per spec.md §4.5 step 1.
	UserPtrMin = 0x1000
	UserPtrMax = 0x00007FFFFFFFFFFF
)
