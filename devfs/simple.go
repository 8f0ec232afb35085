package devfs

import (
	"bytes"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/kheap"
	"github.com/kctherootkey/likeos64/stat"
)

// nullFd_t backs /dev/null: reads see EOF immediately, writes vanish
// after being drained from the caller's buffer.
type nullFd_t struct{}

func (nullFd_t) Read(fdops.Userio_i) (int, defs.Err_t) { return 0, 0 }

func (nullFd_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
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
		total += n
	}
}

func (nullFd_t) Close() defs.Err_t  { return 0 }
func (nullFd_t) Reopen() defs.Err_t { return 0 }
func (nullFd_t) Pathi() defs.Inum_t { return defs.Inum_t(defs.Mkdev(defs.D_DEVNULL, 0)) }
func (nullFd_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}
func (nullFd_t) Truncate(uint) defs.Err_t { return -defs.EINVAL }
func (nullFd_t) Mmapi(int, int, bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (nullFd_t) Readdir(fdops.Userio_i, int) (int, int, defs.Err_t) {
	return 0, 0, -defs.ENOTDIR
}
func (nullFd_t) Ioctl(int, int) (int, defs.Err_t) { return 0, -defs.ENOTTY }
func (nullFd_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wino(defs.Mkdev(defs.D_DEVNULL, 0))
	st.Wmode(uint(stat.IFCHR | 0666))
	st.Wrdev(defs.Mkdev(defs.D_DEVNULL, 0))
	return 0
}

// textFd_t serves a fixed byte slice captured at open time, the shape
// both /dev/stat and /dev/prof need: a point-in-time snapshot that
// reads like an ordinary file, not a live stream.
type textFd_t struct {
	mu   sync.Mutex
	data []byte
	pos  int
	dev  uint
}

func (f *textFd_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.data) {
		return 0, 0
	}
	n, err := dst.Uiowrite(f.data[f.pos:])
	f.pos += n
	return n, err
}

func (f *textFd_t) Write(fdops.Userio_i) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (f *textFd_t) Close() defs.Err_t                      { return 0 }
func (f *textFd_t) Reopen() defs.Err_t                     { return 0 }
func (f *textFd_t) Pathi() defs.Inum_t                     { return defs.Inum_t(f.dev) }
func (f *textFd_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}
func (f *textFd_t) Truncate(uint) defs.Err_t { return -defs.EINVAL }
func (f *textFd_t) Mmapi(int, int, bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (f *textFd_t) Readdir(fdops.Userio_i, int) (int, int, defs.Err_t) {
	return 0, 0, -defs.ENOTDIR
}
func (f *textFd_t) Ioctl(int, int) (int, defs.Err_t) { return 0, -defs.ENOTTY }
func (f *textFd_t) Fstat(st *stat.Stat_t) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.Wino(f.dev)
	st.Wmode(uint(stat.IFREG | 0444))
	st.Wrdev(f.dev)
	st.Wsize(uint(len(f.data)))
	return 0
}

// newStatFd renders kheap's slab occupancy as the plain text
// Stats() already produces, for a shell to cat directly.
func newStatFd() *textFd_t {
	return &textFd_t{
		data: []byte(kheap.Stats()),
		dev:  defs.Mkdev(defs.D_STAT, 0),
	}
}

// newProfFd serializes kheap's current slab/allocator snapshot as a
// pprof profile: one sample per size class, valued by live slab count,
// plus a final sample carrying free physical frame count. A real
// profiling tool (go tool pprof) can open this fd's contents directly.
func newProfFd() *textFd_t {
	snap := kheap.Snapshot()

	funcs := make([]*profile.Function, 0, len(snap.SizeClasses)+1)
	locs := make([]*profile.Location, 0, len(snap.SizeClasses)+1)
	samples := make([]*profile.Sample, 0, len(snap.SizeClasses)+1)

	addSample := func(name string, value int64) {
		id := uint64(len(funcs) + 1)
		fn := &profile.Function{ID: id, Name: name, SystemName: name, Filename: "kheap"}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		funcs = append(funcs, fn)
		locs = append(locs, loc)
		samples = append(samples, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{value},
		})
	}

	for i, sz := range snap.SizeClasses {
		addSample(classLabel(sz), int64(snap.SlabCounts[i]))
	}
	addSample("free_frames", int64(snap.FreeFrames))

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "slabs", Unit: "count"}},
		Sample:     samples,
		Location:   locs,
		Function:   funcs,
		TimeNanos:  time.Now().UnixNano(),
		PeriodType: &profile.ValueType{Type: "kheap", Unit: "count"},
		Period:     1,
	}

	var buf bytes.Buffer
	// Write errors here mean a malformed profile.Profile, a
	// programmer error rather than a runtime condition the /dev/prof
	// reader can act on; an empty snapshot is a more honest failure
	// mode than silently returning garbage bytes.
	if err := p.Write(&buf); err != nil {
		buf.Reset()
	}

	return &textFd_t{data: buf.Bytes(), dev: defs.Mkdev(defs.D_PROF, 0)}
}

func classLabel(sz int) string {
	return "class_" + strconv.Itoa(sz)
}
