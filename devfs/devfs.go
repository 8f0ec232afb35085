// Package devfs implements /dev: the fixed set of character devices
// and pty nodes vfs routes any "dev"-rooted path to (spec.md §4.8).
// There is no backing filesystem here, just a small path-dispatch
// table and a handful of Fdops_i implementations; the real work
// (line discipline, pty pairing) lives in tty, which this package
// only wires up to names. devfs's init() installs itself as
// vfs.DevOpen, the same forward-hook pattern vfs itself installs into
// trap, so vfs never needs to import devfs.
package devfs

import (
	"encoding/binary"
	"strconv"
	"strings"
	"sync"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/proc"
	"github.com/kctherootkey/likeos64/stat"
	"github.com/kctherootkey/likeos64/tty"
	"github.com/kctherootkey/likeos64/ustr"
	"github.com/kctherootkey/likeos64/vfs"
)

// console is the single system console tty, backing /dev/console and
// /dev/tty0 and the fallback /dev/tty opens before any task has a
// controlling terminal of its own.
var console = tty.New(tty.Console_t{}, defs.Mkdev(defs.D_CONSOLE, 0))

func init() {
	vfs.DevOpen = Open
}

// components splits a canonical "dev"-rooted path into the segments
// after "dev": "/dev/pts/3" becomes ["pts", "3"], "/dev" becomes nil.
func components(path ustr.Ustr) []string {
	s := strings.Trim(path.String(), "/")
	if s == "" || s == "dev" {
		return nil
	}
	s = strings.TrimPrefix(s, "dev/")
	return strings.Split(s, "/")
}

// Open dispatches an open(2) on a /dev path to the right device: the
// set spec.md §4.8 names plus null, stat and prof; anything else is
// ENOENT.
func Open(path ustr.Ustr, flags int) (*fd.Fd_t, defs.Err_t) {
	comps := components(path)
	switch len(comps) {
	case 0:
		return &fd.Fd_t{Fops: rootDir}, 0
	case 1:
		ops, err := openLeaf(comps[0], flags)
		if err != 0 {
			return nil, err
		}
		return &fd.Fd_t{Fops: ops}, 0
	case 2:
		if comps[0] != "pts" {
			return nil, -defs.ENOENT
		}
		id, serr := strconv.Atoi(comps[1])
		if serr != nil {
			return nil, -defs.ENOENT
		}
		p, ok := tty.LookupPty(id)
		if !ok {
			return nil, -defs.ENOENT
		}
		return &fd.Fd_t{Fops: p.OpenSlave()}, 0
	default:
		return nil, -defs.ENOENT
	}
}

func openLeaf(name string, flags int) (fdops.Fdops_i, defs.Err_t) {
	switch name {
	case "console", "tty0":
		return console, 0
	case "tty":
		return openCtty()
	case "ptmx":
		return tty.OpenMaster(), 0
	case "pts":
		return ptsDir, 0
	case "null":
		return nullFd_t{}, 0
	case "stat":
		return newStatFd(), 0
	case "prof":
		return newProfFd(), 0
	default:
		return nil, -defs.ENOENT
	}
}

// openCtty resolves /dev/tty to the calling task's controlling
// terminal, falling back to the console when it has none, per
// spec.md §4.8.
func openCtty() (fdops.Fdops_i, defs.Err_t) {
	cur := proc.Current()
	if cur == nil || cur.Ctty == nil {
		return console, 0
	}
	nf, err := fd.Copyfd(cur.Ctty)
	if err != 0 {
		return nil, err
	}
	return nf.Fops, 0
}

// direntry_t is one entry devDir_t.Readdir emits, the same getdents64
// shape fat32's dirHandle.Readdir already encodes (fat32/fs.go).
type direntry_t struct {
	name  string
	ino   uint
	dtype uint8
}

// devDir_t is a read-only directory listing; /dev and /dev/pts both
// use it, differing only in how they enumerate their entries.
type devDir_t struct {
	sync.Mutex
	dev     uint
	entries func() []direntry_t
}

func (d *devDir_t) Readdir(dst fdops.Userio_i, cookie int) (int, int, defs.Err_t) {
	d.Lock()
	recs := d.entries()
	d.Unlock()

	total := 0
	i := cookie
	for ; i < len(recs); i++ {
		r := recs[i]
		reclen := align8(19 + len(r.name) + 1)
		if reclen > dst.Remain()-total {
			break
		}
		buf := make([]byte, reclen)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.ino))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(i+1))
		binary.LittleEndian.PutUint16(buf[16:18], uint16(reclen))
		buf[18] = r.dtype
		copy(buf[19:], r.name)

		n, err := dst.Uiowrite(buf)
		if err != 0 {
			return total, 0, err
		}
		total += n
		if n < len(buf) {
			break
		}
	}
	next := 0
	if i < len(recs) {
		next = i
	}
	return total, next, 0
}

func (d *devDir_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wino(d.dev)
	st.Wmode(uint(stat.IFDIR | 0755))
	st.Wrdev(d.dev)
	return 0
}

func (d *devDir_t) Close() defs.Err_t  { return 0 }
func (d *devDir_t) Reopen() defs.Err_t { return 0 }
func (d *devDir_t) Pathi() defs.Inum_t { return defs.Inum_t(d.dev) }
func (d *devDir_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}
func (d *devDir_t) Truncate(uint) defs.Err_t { return -defs.EINVAL }
func (d *devDir_t) Mmapi(int, int, bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (d *devDir_t) Read(fdops.Userio_i) (int, defs.Err_t)  { return 0, -defs.EISDIR }
func (d *devDir_t) Write(fdops.Userio_i) (int, defs.Err_t) { return 0, -defs.EISDIR }
func (d *devDir_t) Ioctl(int, int) (int, defs.Err_t)       { return 0, -defs.ENOTTY }

// rootEntries is /dev's fixed listing: the device names plus the
// "pts" subdirectory.
var rootEntries = []direntry_t{
	{name: "console", ino: defs.Mkdev(defs.D_CONSOLE, 0), dtype: stat.DT_CHR},
	{name: "tty0", ino: defs.Mkdev(defs.D_CONSOLE, 0), dtype: stat.DT_CHR},
	{name: "tty", ino: defs.Mkdev(defs.D_TTY, 0), dtype: stat.DT_CHR},
	{name: "ptmx", ino: defs.Mkdev(defs.D_PTMX, 0), dtype: stat.DT_CHR},
	{name: "pts", ino: defs.Mkdev(defs.D_PTS, 0), dtype: stat.DT_DIR},
	{name: "null", ino: defs.Mkdev(defs.D_DEVNULL, 0), dtype: stat.DT_CHR},
	{name: "stat", ino: defs.Mkdev(defs.D_STAT, 0), dtype: stat.DT_REG},
	{name: "prof", ino: defs.Mkdev(defs.D_PROF, 0), dtype: stat.DT_REG},
}

// rootDir is the singleton /dev directory handle.
var rootDir = &devDir_t{
	dev:     defs.Mkdev(defs.D_CONSOLE, 0xff),
	entries: func() []direntry_t { return rootEntries },
}

// ptsDir is the singleton /dev/pts directory handle: one entry per
// currently allocated pty id, named by its decimal minor number.
var ptsDir = &devDir_t{
	dev: defs.Mkdev(defs.D_PTS, 0xff),
	entries: func() []direntry_t {
		ids := tty.PtyIDs()
		ents := make([]direntry_t, len(ids))
		for i, id := range ids {
			ents[i] = direntry_t{
				name:  strconv.Itoa(id),
				ino:   defs.Mkdev(defs.D_PTS, id),
				dtype: stat.DT_CHR,
			}
		}
		return ents
	},
}

func align8(n int) int { return (n + 7) &^ 7 }
