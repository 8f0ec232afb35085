package elf

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/stat"
)

// fakeFile backs fileReader with an in-memory byte slice, standing in
// for a real fat32 file descriptor the way fat32_test.go's doubles
// stand in for a real disk.
type fakeFile struct {
	data []byte
	pos  int
}

func (f *fakeFile) Lseek(off, whence int) (int, defs.Err_t) {
	if whence != defs.SEEK_SET {
		return 0, -defs.EINVAL
	}
	f.pos = off
	return f.pos, 0
}

func (f *fakeFile) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	n, err := dst.Uiowrite(f.data[f.pos:])
	f.pos += n
	return n, err
}

func (f *fakeFile) Close() defs.Err_t             { return 0 }
func (f *fakeFile) Fstat(*stat.Stat_t) defs.Err_t { return 0 }
func (f *fakeFile) Mmapi(int, int, bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (f *fakeFile) Pathi() defs.Inum_t                     { return 0 }
func (f *fakeFile) Reopen() defs.Err_t                     { return 0 }
func (f *fakeFile) Write(fdops.Userio_i) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (f *fakeFile) Truncate(uint) defs.Err_t               { return -defs.EINVAL }
func (f *fakeFile) Readdir(fdops.Userio_i, int) (int, int, defs.Err_t) {
	return 0, 0, -defs.ENOTDIR
}
func (f *fakeFile) Ioctl(int, int) (int, defs.Err_t) { return 0, -defs.ENOTTY }

func TestFileReaderReadAtSeeksThenReads(t *testing.T) {
	fr := &fileReader{fops: &fakeFile{data: []byte("0123456789")}}

	buf := make([]byte, 4)
	n, err := fr.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "3456", string(buf))
}

func TestFileReaderReadAtShortReadIsUnexpectedEOF(t *testing.T) {
	fr := &fileReader{fops: &fakeFile{data: []byte("ab")}}

	buf := make([]byte, 5)
	_, err := fr.ReadAt(buf, 0)
	require.Equal(t, io.ErrUnexpectedEOF, err)
}
