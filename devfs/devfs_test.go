package devfs

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/stat"
	"github.com/kctherootkey/likeos64/tty"
	"github.com/kctherootkey/likeos64/ustr"
)

// dstUio collects bytes written via Uiowrite, the same minimal
// Userio_i double fat32_test.go and tty_test.go use.
type dstUio struct {
	buf []byte
	cap int
}

func (d *dstUio) Uioread([]uint8) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (d *dstUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := len(src)
	if n > d.Remain() {
		n = d.Remain()
	}
	d.buf = append(d.buf, src[:n]...)
	return n, 0
}
func (d *dstUio) Remain() int  { return d.cap - len(d.buf) }
func (d *dstUio) Totalsz() int { return d.cap }

func TestComponentsSplitsPastDev(t *testing.T) {
	require.Nil(t, components(ustr.Ustr("/dev")))
	require.Equal(t, []string{"console"}, components(ustr.Ustr("/dev/console")))
	require.Equal(t, []string{"pts", "3"}, components(ustr.Ustr("/dev/pts/3")))
}

func TestOpenUnknownLeafIsENOENT(t *testing.T) {
	_, err := Open(ustr.Ustr("/dev/nope"), defs.O_RDONLY)
	require.Equal(t, -defs.ENOENT, err)
}

func TestOpenNullHasExpectedMode(t *testing.T) {
	f, err := Open(ustr.Ustr("/dev/null"), defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)

	var st stat.Stat_t
	require.Equal(t, defs.Err_t(0), f.Fops.Fstat(&st))
	require.Equal(t, uint(stat.IFCHR|0666), st.Mode())

	n, werr := f.Fops.Write(&writeAllSrc{n: 5})
	require.Equal(t, defs.Err_t(0), werr)
	require.Equal(t, 5, n)

	dst := &dstUio{cap: 16}
	n, rerr := f.Fops.Read(dst)
	require.Equal(t, defs.Err_t(0), rerr)
	require.Equal(t, 0, n)
}

// writeAllSrc hands back n bytes once, then EOF, a minimal stand-in
// for a user write buffer.
type writeAllSrc struct {
	n   int
	fed bool
}

func (s *writeAllSrc) Uioread(dst []uint8) (int, defs.Err_t) {
	if s.fed {
		return 0, 0
	}
	s.fed = true
	return copy(dst, make([]byte, s.n)), 0
}
func (s *writeAllSrc) Uiowrite([]uint8) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (s *writeAllSrc) Remain() int                        { return s.n }
func (s *writeAllSrc) Totalsz() int                       { return s.n }

func TestRootDirListsFixedEntries(t *testing.T) {
	dst := &dstUio{cap: 4096}
	n, cookie, err := rootDir.Readdir(dst, 0)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 0, cookie)
	require.Greater(t, n, 0)
	require.Contains(t, string(dst.buf), "console")
	require.Contains(t, string(dst.buf), "ptmx")
}

func TestPtmxAllocatesAndPtsOpensSlave(t *testing.T) {
	f, err := Open(ustr.Ustr("/dev/ptmx"), defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)

	id, ierr := f.Fops.Ioctl(tty.TIOCGPTN, 0)
	require.Equal(t, defs.Err_t(0), ierr)

	_, other := f.Fops.Ioctl(tty.TCGETS, 0) // master-only ENOTTY
	require.Equal(t, -defs.ENOTTY, other)

	slave, serr := Open(ustr.Ustr("/dev/pts/"+strconv.Itoa(id)), defs.O_RDONLY)
	require.Equal(t, defs.Err_t(0), serr)
	require.NotNil(t, slave)
}

func TestPtsLookupMissingIsENOENT(t *testing.T) {
	_, err := Open(ustr.Ustr("/dev/pts/99999"), defs.O_RDONLY)
	require.Equal(t, -defs.ENOENT, err)
}
