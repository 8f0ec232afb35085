package tty

import (
	"sort"
	"sync"

	"github.com/kctherootkey/likeos64/circbuf"
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/mem"
	"github.com/kctherootkey/likeos64/proc"
	"github.com/kctherootkey/likeos64/stat"
)

// Pty_t is one allocated pseudo-terminal pair: a slave, which is an
// ordinary Tty_t whose output sink feeds the master's buffer, and a
// master, a raw byte pipe plus the TIOCGPTN ioctl. refs counts live
// fds on either side; the pair's id is freed only once both sides have
// closed every descriptor (spec.md §4.9).
type Pty_t struct {
	id     int
	slave  *Tty_t
	master *ptyMaster_t

	mu   sync.Mutex
	refs int
}

// ptyMasterSink is the slave's Output_i: every byte the slave side
// writes (a shell printing its prompt, say) lands in the master's read
// buffer instead of a console, and wakes whichever task is blocked
// reading the master fd.
type ptyMasterSink struct{ m *ptyMaster_t }

func (s ptyMasterSink) Emit(c byte) { s.m.push(c) }

type ptyMaster_t struct {
	sync.Mutex
	pty     *Pty_t
	buf     circbuf.Circbuf_t
	readers []*proc.Task_t
}

func (m *ptyMaster_t) push(c byte) {
	m.Lock()
	if m.buf.Left() > 0 {
		m.buf.Copyin(&byteSrc{b: []byte{c}})
	}
	waiting := m.readers
	m.readers = nil
	m.Unlock()
	for _, r := range waiting {
		proc.Wake(r)
	}
}

func (m *ptyMaster_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	for {
		m.Lock()
		if !m.buf.Empty() {
			n, err := m.buf.Copyout_n(dst, dst.Remain())
			m.Unlock()
			return n, err
		}
		cur := proc.Current()
		if cur == nil {
			m.Unlock()
			return 0, -defs.EAGAIN
		}
		m.readers = append(m.readers, cur)
		m.Unlock()

		proc.Block(cur)

		if sig := proc.TakeSignal(cur); sig != 0 {
			return 0, -defs.EINTR
		}
	}
}

// Write pushes every byte typed at the master (the terminal emulator
// side) through the slave's line discipline, exactly as if it had
// arrived from a keyboard, except ctrl is always false: the byte
// already carries its final value (spec.md §4.9's "master writes push
// bytes through the slave's input function").
func (m *ptyMaster_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
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
		for _, c := range buf[:n] {
			m.pty.slave.Input(c, false)
		}
		total += n
	}
}

var (
	ptyMu   sync.Mutex
	ptyTbl  = map[int]*Pty_t{}
	ptyNext int
)

// allocPty registers a fresh pty pair and returns it with refs at
// zero; callers bump refs via acquire() once for each side they hand
// a live fd back for.
func allocPty() *Pty_t {
	ptyMu.Lock()
	id := ptyNext
	ptyNext++
	ptyMu.Unlock()

	p := &Pty_t{id: id}
	p.master = &ptyMaster_t{pty: p}
	p.master.buf.Cb_init(rbufSize, mem.Physmem)
	p.slave = New(ptyMasterSink{m: p.master}, defs.Mkdev(defs.D_PTS, id))

	ptyMu.Lock()
	ptyTbl[id] = p
	ptyMu.Unlock()
	return p
}

// LookupPty finds a previously allocated pty pair by id, for
// /dev/pts/N opens.
func LookupPty(id int) (*Pty_t, bool) {
	ptyMu.Lock()
	defer ptyMu.Unlock()
	p, ok := ptyTbl[id]
	return p, ok
}

// PtyIDs lists every currently allocated pty id, for /dev/pts readdir.
func PtyIDs() []int {
	ptyMu.Lock()
	defer ptyMu.Unlock()
	ids := make([]int, 0, len(ptyTbl))
	for id := range ptyTbl {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (p *Pty_t) acquire() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

func (p *Pty_t) release() {
	p.mu.Lock()
	p.refs--
	done := p.refs <= 0
	p.mu.Unlock()
	if !done {
		return
	}
	ptyMu.Lock()
	delete(ptyTbl, p.id)
	ptyMu.Unlock()
	p.slave.rbuf.Cb_release()
	p.master.buf.Cb_release()
}

// masterFd_t is the Fdops_i /dev/ptmx hands back.
type masterFd_t struct{ pty *Pty_t }

// OpenMaster allocates a fresh pty pair and returns a master handle
// for it, the effect of opening /dev/ptmx.
func OpenMaster() fdops.Fdops_i {
	p := allocPty()
	p.acquire()
	return masterFd_t{pty: p}
}

// OpenSlave returns a handle to p's slave side, the effect of opening
// /dev/pts/N.
func (p *Pty_t) OpenSlave() fdops.Fdops_i {
	p.acquire()
	return slaveFd_t{Tty_t: p.slave, pty: p}
}

func (f masterFd_t) Read(dst fdops.Userio_i) (int, defs.Err_t)  { return f.pty.master.Read(dst) }
func (f masterFd_t) Write(src fdops.Userio_i) (int, defs.Err_t) { return f.pty.master.Write(src) }
func (f masterFd_t) Close() defs.Err_t                          { f.pty.release(); return 0 }
func (f masterFd_t) Reopen() defs.Err_t                         { f.pty.acquire(); return 0 }
func (f masterFd_t) Lseek(int, int) (int, defs.Err_t)           { return 0, -defs.ESPIPE }
func (f masterFd_t) Truncate(uint) defs.Err_t                   { return -defs.EINVAL }
func (f masterFd_t) Mmapi(int, int, bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (f masterFd_t) Pathi() defs.Inum_t { return defs.Inum_t(defs.Mkdev(defs.D_PTMX, f.pty.id)) }
func (f masterFd_t) Readdir(fdops.Userio_i, int) (int, int, defs.Err_t) {
	return 0, 0, -defs.ENOTDIR
}
func (f masterFd_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wino(uint(f.pty.id))
	st.Wmode(uint(stat.IFCHR | 0600))
	st.Wrdev(defs.Mkdev(defs.D_PTMX, f.pty.id))
	return 0
}

// Ioctl only services TIOCGPTN on a master handle (spec.md §4.8);
// every other request is ENOTTY, unlike a slave handle which runs the
// full TTY ioctl surface.
func (f masterFd_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	if cmd == TIOCGPTN {
		return f.pty.id, 0
	}
	return 0, -defs.ENOTTY
}

// slaveFd_t wraps the slave Tty_t directly (it already implements
// fdops.Fdops_i in full) and only overrides Close/Reopen to keep the
// pair's refcount accurate.
type slaveFd_t struct {
	*Tty_t
	pty *Pty_t
}

func (f slaveFd_t) Close() defs.Err_t  { f.pty.release(); return 0 }
func (f slaveFd_t) Reopen() defs.Err_t { f.pty.acquire(); return 0 }
