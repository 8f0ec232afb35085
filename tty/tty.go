package tty

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kctherootkey/likeos64/circbuf"
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/mem"
	"github.com/kctherootkey/likeos64/proc"
	"github.com/kctherootkey/likeos64/stat"
)

// rbufSize is the committed-input ring size; small enough that a
// single mem.Physmem page backs it comfortably (circbuf.Cb_init caps
// at one page anyway).
const rbufSize = 2048

// Output_i is the one-byte write sink a Tty_t drains Write() calls
// into: a real console for /dev/console and /dev/tty0, or a PTY's
// master-side buffer for /dev/pts/N. Modeled as the capability set
// spec.md §9 calls for ("a TTY is polymorphic over {emit-one-byte}")
// rather than a bigger interface neither variant needs.
type Output_i interface {
	Emit(c byte)
}

// Console_t is the kernel's own text console: every byte is rendered
// with fmt.Printf, the same un-gated console-sink logging convention
// vm.Boot already uses for early boot messages (SPEC_FULL.md's ambient
// logging section). A freestanding kernel's console IS its log.
type Console_t struct{}

func (Console_t) Emit(c byte) { fmt.Printf("%c", c) }

// Tty_t is one terminal's line discipline: the canonical (cooked mode)
// assembly buffer, the committed read buffer readers drain, the
// controlling process group for signal delivery, and the output sink
// echoes and writes go to. Both /dev/console-style ttys and a PTY's
// slave side are a Tty_t; only the output sink and how input is fed in
// differ.
type Tty_t struct {
	sync.Mutex

	termios Termios_t
	wsz     Winsize_t

	canon      []byte
	eofPending bool
	rbuf       circbuf.Circbuf_t
	readers    []*proc.Task_t

	fg  defs.Pid_t
	sid defs.Pid_t

	out Output_i
	dev uint // Fstat's rdev, set by devfs at construction
}

// New builds a Tty_t with cooked-mode defaults, backed by out for
// output and echo.
func New(out Output_i, dev uint) *Tty_t {
	return newTty(out, dev, mem.Physmem)
}

// newTty is New with an injectable page allocator, the same seam
// fat32_test.go's testBlockmem_t uses in place of mem.Physmem so
// circbuf.Cb_ensure has something that doesn't require a booted
// kernel to allocate from.
func newTty(out Output_i, dev uint, m mem.Page_i) *Tty_t {
	t := &Tty_t{termios: defaultTermios(), out: out, dev: dev}
	t.rbuf.Cb_init(rbufSize, m)
	return t
}

// byteSrc is a fixed byte slice read as an fdops.Userio_i source, the
// same minimal test-double shape fat32_test.go's srcUio uses, needed
// here so committed canonical lines (already-assembled []byte, not a
// live Userio_i) can be pushed through Circbuf_t.Copyin.
type byteSrc struct {
	b []byte
	i int
}

func (s *byteSrc) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, s.b[s.i:])
	s.i += n
	return n, 0
}
func (s *byteSrc) Uiowrite([]uint8) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (s *byteSrc) Remain() int                        { return len(s.b) - s.i }
func (s *byteSrc) Totalsz() int                       { return len(s.b) }

func (t *Tty_t) echoLocked(c byte) {
	if t.termios.Lflag&ECHO != 0 {
		t.out.Emit(c)
	}
}

func (t *Tty_t) wakeReadersLocked() {
	waiting := t.readers
	t.readers = nil
	for _, r := range waiting {
		proc.Wake(r)
	}
}

// commitLocked moves the assembled canonical line into rbuf and wakes
// any blocked reader. Overflow past rbuf's capacity is dropped rather
// than blocked on: a line discipline running at interrupt level cannot
// park the keyboard ISR waiting for a reader to catch up.
func (t *Tty_t) commitLocked() {
	if len(t.canon) == 0 {
		return
	}
	n := t.rbuf.Left()
	if n > len(t.canon) {
		n = len(t.canon)
	}
	if n > 0 {
		t.rbuf.Copyin(&byteSrc{b: t.canon[:n]})
	}
	t.canon = t.canon[:0]
	t.wakeReadersLocked()
}

func (t *Tty_t) eraseLocked() {
	if len(t.canon) == 0 {
		return
	}
	t.canon = t.canon[:len(t.canon)-1]
	if t.termios.Lflag&ECHO != 0 {
		t.out.Emit('\b')
		t.out.Emit(' ')
		t.out.Emit('\b')
	}
}

func (t *Tty_t) killLineLocked() {
	for len(t.canon) > 0 {
		t.eraseLocked()
	}
}

// signalLocked handles a matched VINTR/VQUIT/VSUSP character: optional
// echo of "^X\n", drop the in-progress line, deliver sig to the
// foreground process group, and wake readers (spec.md §4.9).
func (t *Tty_t) signalLocked(sig defs.Sig_t, c byte) {
	if t.termios.Lflag&ECHO != 0 {
		t.out.Emit('^')
		t.out.Emit(c + 'A' - 1)
		t.out.Emit('\n')
	}
	t.canon = t.canon[:0]
	if t.fg != 0 {
		proc.SignalPgrp(t.fg, sig)
	}
	t.wakeReadersLocked()
}

// Input feeds one character through the line discipline, called
// either by the keyboard IRQ handler (ctrl reflecting whether a
// control-key chord was held) or by a PTY master's Write (ctrl always
// false: the byte already carries its final value).
func (t *Tty_t) Input(c byte, ctrl bool) {
	t.Lock()
	defer t.Unlock()

	if ctrl {
		switch {
		case c >= 'a' && c <= 'z':
			c = c - 'a' + 1
		case c >= 'A' && c <= 'Z':
			c = c - 'A' + 1
		}
	}
	if t.termios.Iflag&ICRNL != 0 && c == '\r' {
		c = '\n'
	}

	if t.termios.Lflag&ISIG != 0 {
		switch c {
		case t.termios.Cc[VINTR]:
			t.signalLocked(defs.SIGINT, c)
			return
		case t.termios.Cc[VQUIT]:
			t.signalLocked(defs.SIGQUIT, c)
			return
		case t.termios.Cc[VSUSP]:
			t.signalLocked(defs.SIGTSTP, c)
			return
		}
	}

	if t.termios.Lflag&ICANON != 0 {
		switch {
		case c == t.termios.Cc[VERASE] || c == asciiDEL:
			t.eraseLocked()
		case c == t.termios.Cc[VKILL]:
			t.killLineLocked()
		case c == t.termios.Cc[VEOF]:
			if len(t.canon) == 0 {
				t.eofPending = true
				t.wakeReadersLocked()
			} else {
				t.commitLocked()
			}
		default:
			t.canon = append(t.canon, c)
			t.echoLocked(c)
			if c == '\n' {
				t.commitLocked()
			}
		}
		return
	}

	// Raw mode: every byte goes straight to the read buffer.
	if t.rbuf.Left() > 0 {
		t.rbuf.Copyin(&byteSrc{b: []byte{c}})
	}
	t.echoLocked(c)
	t.wakeReadersLocked()
}

// Read drains committed bytes into dst, blocking the calling task
// until data, EOF, or a signal arrives (spec.md §4.9).
func (t *Tty_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	for {
		t.Lock()
		if t.eofPending {
			t.eofPending = false
			t.Unlock()
			return 0, 0
		}
		if !t.rbuf.Empty() {
			n, err := t.rbuf.Copyout_n(dst, dst.Remain())
			t.Unlock()
			return n, err
		}
		cur := proc.Current()
		if cur == nil {
			t.Unlock()
			return 0, -defs.EAGAIN
		}
		t.readers = append(t.readers, cur)
		t.Unlock()

		proc.Block(cur)

		if sig := proc.TakeSignal(cur); sig != 0 {
			return 0, -defs.EINTR
		}
	}
}

// Write sends every byte of src out through the output sink (and, for
// a PTY slave, that sink is what wakes the master's readers).
func (t *Tty_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	var buf [512]byte
	total := 0
	for {
		n, err := src.Uioread(buf[:])
		if err != 0 {
			return total, err
		}
		if n == 0 {
			return total, 0
		}
		t.Lock()
		for _, c := range buf[:n] {
			t.out.Emit(c)
		}
		t.Unlock()
		total += n
	}
}

func (t *Tty_t) Close() defs.Err_t                { return 0 }
func (t *Tty_t) Reopen() defs.Err_t               { return 0 }
func (t *Tty_t) Lseek(int, int) (int, defs.Err_t) { return 0, -defs.ESPIPE }
func (t *Tty_t) Truncate(uint) defs.Err_t         { return -defs.EINVAL }
func (t *Tty_t) Pathi() defs.Inum_t               { return defs.Inum_t(t.dev) }
func (t *Tty_t) Readdir(fdops.Userio_i, int) (int, int, defs.Err_t) {
	return 0, 0, -defs.ENOTDIR
}
func (t *Tty_t) Mmapi(int, int, bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}

func (t *Tty_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wino(t.dev)
	st.Wmode(uint(stat.IFCHR | 0620))
	st.Wrdev(t.dev)
	st.Wsize(0)
	return 0
}

// SetForeground records pgid as this tty's foreground process group,
// the target of ISIG-generated signals (spec.md §4.9, §6 TIOCSPGRP).
func (t *Tty_t) SetForeground(pgid defs.Pid_t) {
	t.Lock()
	t.fg = pgid
	t.Unlock()
}

// Foreground reports the current foreground process group.
func (t *Tty_t) Foreground() defs.Pid_t {
	t.Lock()
	defer t.Unlock()
	return t.fg
}

// termiosWire/winsizeWire are this kernel's own fixed encodings for
// TCGETS/TCSETS/TIOCGWINSZ/TIOCSWINSZ; nothing outside this kernel
// parses them, so there is no Linux struct-layout compatibility
// requirement to satisfy, only the ioctl request numbers themselves
// (spec.md §6).
const termiosWireLen = 4 + 4 + NCC
const winsizeWireLen = 8

func encodeTermios(tm Termios_t) []byte {
	buf := make([]byte, termiosWireLen)
	binary.LittleEndian.PutUint32(buf[0:4], tm.Iflag)
	binary.LittleEndian.PutUint32(buf[4:8], tm.Lflag)
	copy(buf[8:], tm.Cc[:])
	return buf
}

func decodeTermios(buf []byte) Termios_t {
	var tm Termios_t
	tm.Iflag = binary.LittleEndian.Uint32(buf[0:4])
	tm.Lflag = binary.LittleEndian.Uint32(buf[4:8])
	copy(tm.Cc[:], buf[8:8+NCC])
	return tm
}

func encodeWinsize(w Winsize_t) []byte {
	buf := make([]byte, winsizeWireLen)
	binary.LittleEndian.PutUint16(buf[0:2], w.Row)
	binary.LittleEndian.PutUint16(buf[2:4], w.Col)
	binary.LittleEndian.PutUint16(buf[4:6], w.Xpixel)
	binary.LittleEndian.PutUint16(buf[6:8], w.Ypixel)
	return buf
}

func decodeWinsize(buf []byte) Winsize_t {
	return Winsize_t{
		Row:    binary.LittleEndian.Uint16(buf[0:2]),
		Col:    binary.LittleEndian.Uint16(buf[2:4]),
		Xpixel: binary.LittleEndian.Uint16(buf[4:6]),
		Ypixel: binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// copyOut/copyIn marshal a fixed-size struct through the calling
// task's address space at virtual address va. sysIoctl (trap/
// syscall.go) passes the ioctl's raw arg straight through as an int
// with no user-pointer validation the way sysRead/sysWrite's
// checkUserPtr does, so Ioctl implementations that move a struct
// rather than a scalar are responsible for building the Userbuf_t
// themselves via the current task's Vm — the same layer sysRead/
// sysWrite build theirs from, just reached one hop later.
func copyOut(va int, raw []byte) defs.Err_t {
	cur := proc.Current()
	if cur == nil {
		return -defs.ENXIO
	}
	ub := cur.Vm.Mkuserbuf(va, len(raw))
	n, err := ub.Uiowrite(raw)
	if err != 0 {
		return err
	}
	if n != len(raw) {
		return -defs.EINVAL
	}
	return 0
}

func copyIn(va int, raw []byte) defs.Err_t {
	cur := proc.Current()
	if cur == nil {
		return -defs.ENXIO
	}
	ub := cur.Vm.Mkuserbuf(va, len(raw))
	n, err := ub.Uioread(raw)
	if err != 0 {
		return err
	}
	if n != len(raw) {
		return -defs.EINVAL
	}
	return 0
}

// Ioctl services the termios/pgrp/window-size requests spec.md §6
// lists, for a console or a PTY slave. A PTY master has no termios of
// its own and only ever answers TIOCGPTN (masterFd_t.Ioctl), ENOTTY
// for everything else.
func (t *Tty_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	switch cmd {
	case TCGETS:
		t.Lock()
		raw := encodeTermios(t.termios)
		t.Unlock()
		return 0, copyOut(arg, raw)
	case TCSETS, TCSETSW, TCSETSF:
		raw := make([]byte, termiosWireLen)
		if err := copyIn(arg, raw); err != 0 {
			return 0, err
		}
		t.Lock()
		t.termios = decodeTermios(raw)
		t.Unlock()
		return 0, 0
	case TIOCGPGRP:
		return int(t.Foreground()), 0
	case TIOCSPGRP:
		t.SetForeground(defs.Pid_t(arg))
		return 0, 0
	case TIOCSCTTY:
		cur := proc.Current()
		if cur == nil {
			return 0, -defs.ENXIO
		}
		t.Lock()
		t.sid = cur.Sid
		if t.fg == 0 {
			t.fg = cur.Pgid
		}
		t.Unlock()
		return 0, 0
	case TIOCGWINSZ:
		t.Lock()
		raw := encodeWinsize(t.wsz)
		t.Unlock()
		return 0, copyOut(arg, raw)
	case TIOCSWINSZ:
		raw := make([]byte, winsizeWireLen)
		if err := copyIn(arg, raw); err != 0 {
			return 0, err
		}
		t.Lock()
		t.wsz = decodeWinsize(raw)
		t.Unlock()
		return 0, 0
	default:
		return 0, -defs.ENOTTY
	}
}
