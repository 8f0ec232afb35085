package tty

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/mem"
)

// testMem_t stands in for mem.Physmem the same way fat32_test.go's
// testBlockmem_t stands in for a real disk: circbuf.Cb_ensure only
// needs a page allocator, and mem.Physmem requires a boot sequence
// this test never runs.
type testMem_t struct{}

func (testMem_t) Refpg_new() (*mem.Pg_t, mem.Pa_t, bool)        { return &mem.Pg_t{}, 0, true }
func (testMem_t) Refpg_new_nozero() (*mem.Pg_t, mem.Pa_t, bool) { return &mem.Pg_t{}, 0, true }
func (testMem_t) Refcnt(mem.Pa_t) int                           { return 1 }
func (testMem_t) Dmap(mem.Pa_t) *mem.Pg_t                       { return &mem.Pg_t{} }
func (testMem_t) Refup(mem.Pa_t)                                {}
func (testMem_t) Refdown(mem.Pa_t) bool                         { return true }

// recordSink collects every byte Emit is called with, standing in for
// a real console during echo assertions.
type recordSink struct{ out []byte }

func (s *recordSink) Emit(c byte) { s.out = append(s.out, c) }

// srcUio and dstUio are the same minimal Userio_i doubles
// fat32_test.go defines, duplicated here since the two packages don't
// share a test-support import.
type srcUio struct {
	data []byte
	pos  int
}

func (s *srcUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, s.data[s.pos:])
	s.pos += n
	return n, 0
}
func (s *srcUio) Uiowrite([]uint8) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (s *srcUio) Remain() int                        { return len(s.data) - s.pos }
func (s *srcUio) Totalsz() int                       { return len(s.data) }

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

func newTestTty() (*Tty_t, *recordSink) {
	sink := &recordSink{}
	return newTty(sink, 1, testMem_t{}), sink
}

func TestInputEchoesAndCommitsOnNewline(t *testing.T) {
	tt, sink := newTestTty()
	for _, c := range "hi\n" {
		tt.Input(byte(c), false)
	}
	require.Equal(t, "hi\n", string(sink.out))

	dst := &dstUio{cap: 16}
	n, err := tt.Read(dst)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 3, n)
	require.Equal(t, "hi\n", string(dst.buf))
}

func TestInputErasesLastCharacter(t *testing.T) {
	tt, sink := newTestTty()
	tt.Input('h', false)
	tt.Input('i', false)
	tt.Input(asciiDEL, false)
	tt.Input('\n', false)

	require.Equal(t, "hi\b \b\n", string(sink.out))

	dst := &dstUio{cap: 16}
	n, _ := tt.Read(dst)
	require.Equal(t, 2, n)
	require.Equal(t, "h\n", string(dst.buf))
}

func TestInputKillLineClearsWholeBuffer(t *testing.T) {
	tt, _ := newTestTty()
	for _, c := range "hello" {
		tt.Input(byte(c), false)
	}
	tt.Input(tt.termios.Cc[VKILL], false)
	require.Empty(t, tt.canon)
}

func TestInputEOFOnEmptyBufferSignalsReadersWithoutData(t *testing.T) {
	tt, _ := newTestTty()
	tt.Input(tt.termios.Cc[VEOF], false)

	dst := &dstUio{cap: 16}
	n, err := tt.Read(dst)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 0, n)
}

func TestInputEOFWithPendingLineCommitsWithoutEOFByte(t *testing.T) {
	tt, _ := newTestTty()
	tt.Input('h', false)
	tt.Input('i', false)
	tt.Input(tt.termios.Cc[VEOF], false)

	dst := &dstUio{cap: 16}
	n, _ := tt.Read(dst)
	require.Equal(t, "hi", string(dst.buf[:n]))
}

func TestInputCtrlLetterGeneratesControlCode(t *testing.T) {
	tt, _ := newTestTty()
	tt.termios.Lflag &^= ISIG // otherwise ^C hits signalLocked, not the read buffer
	tt.Input('c', true)
	tt.Input('\n', false)
	dst := &dstUio{cap: 16}
	n, _ := tt.Read(dst)
	require.Equal(t, []byte{3, '\n'}, dst.buf[:n])
}

func TestInputRawModeBypassesLineAssembly(t *testing.T) {
	tt, sink := newTestTty()
	tt.termios.Lflag &^= ICANON
	tt.Input('x', false)

	require.Equal(t, "x", string(sink.out))
	dst := &dstUio{cap: 16}
	n, _ := tt.Read(dst)
	require.Equal(t, "x", string(dst.buf[:n]))
}

func TestSignalCharacterDropsLineAndEchoesCaret(t *testing.T) {
	tt, sink := newTestTty()
	tt.Input('h', false)
	tt.Input(tt.termios.Cc[VINTR], false)

	require.Empty(t, tt.canon)
	require.Equal(t, "h^C\n", string(sink.out))
}

func TestIoctlPgrpRoundtrip(t *testing.T) {
	tt, _ := newTestTty()
	n, err := tt.Ioctl(TIOCSPGRP, 42)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 0, n)

	n, err = tt.Ioctl(TIOCGPGRP, 0)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 42, n)
}

func TestIoctlUnknownRequestIsENOTTY(t *testing.T) {
	tt, _ := newTestTty()
	_, err := tt.Ioctl(0x1234, 0)
	require.Equal(t, -defs.ENOTTY, err)
}

func TestWriteSendsBytesToSink(t *testing.T) {
	tt, sink := newTestTty()
	n, err := tt.Write(&srcUio{data: []byte("out")})
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 3, n)
	require.Equal(t, "out", string(sink.out))
}

func TestTermiosWireRoundtrip(t *testing.T) {
	tm := defaultTermios()
	tm.Cc[VINTR] = 7
	raw := encodeTermios(tm)
	got := decodeTermios(raw)
	require.Equal(t, tm, got)
}

func TestWinsizeWireRoundtrip(t *testing.T) {
	w := Winsize_t{Row: 24, Col: 80, Xpixel: 640, Ypixel: 480}
	raw := encodeWinsize(w)
	got := decodeWinsize(raw)
	require.Equal(t, w, got)
}
