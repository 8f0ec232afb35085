package blockdev

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/fs"
	"github.com/kctherootkey/likeos64/mem"
)

type fakeCb_t struct{ relsed []int }

func (c *fakeCb_t) Relse(b *fs.Bdev_block_t, s string) {
	c.relsed = append(c.relsed, b.Block)
}

func mkBlock(block int, data []byte) *fs.Bdev_block_t {
	b := fs.MkBlock(block, "test", nil, nil, &fakeCb_t{})
	var pg mem.Bytepg_t
	copy(pg[:], data)
	b.Data = &pg
	return b
}

func TestMkRamdiskPadsShortImage(t *testing.T) {
	img := make([]byte, fs.BSIZE+10)
	for i := range img {
		img[i] = 0xAB
	}
	r := MkRamdisk(img)
	require.Equal(t, 2*fs.BSIZE, len(r.img))
	require.Equal(t, byte(0xAB), r.img[fs.BSIZE-1])
	require.Equal(t, byte(0xAB), r.img[fs.BSIZE+9])
	require.Equal(t, byte(0), r.img[fs.BSIZE+10])
}

func TestMkRamdiskLeavesExactMultipleUnpadded(t *testing.T) {
	img := make([]byte, 2*fs.BSIZE)
	r := MkRamdisk(img)
	require.Equal(t, 2*fs.BSIZE, len(r.img))
}

func TestStartReadReturnsStoredBytes(t *testing.T) {
	img := make([]byte, 2*fs.BSIZE)
	copy(img[fs.BSIZE:], []byte("second block"))
	r := MkRamdisk(img)

	b := mkBlock(1, nil)
	l := fs.MkBlkList()
	l.PushBack(b)
	req := fs.MkRequest(l, fs.BDEV_READ, true)

	wait := r.Start(req)
	require.False(t, wait)
	require.Equal(t, "second block", string(b.Data[:len("second block")]))
}

func TestStartWriteStoresBytesAndSignalsDone(t *testing.T) {
	img := make([]byte, fs.BSIZE)
	r := MkRamdisk(img)

	b := mkBlock(0, []byte("hello disk"))
	l := fs.MkBlkList()
	l.PushBack(b)
	req := fs.MkRequest(l, fs.BDEV_WRITE, true)

	r.Start(req)
	require.Equal(t, "hello disk", string(r.img[:len("hello disk")]))
	require.Equal(t, []int{0}, b.Cb.(*fakeCb_t).relsed)
}

func TestStartReadPastEndPanics(t *testing.T) {
	img := make([]byte, fs.BSIZE)
	r := MkRamdisk(img)

	b := mkBlock(5, nil)
	l := fs.MkBlkList()
	l.PushBack(b)
	req := fs.MkRequest(l, fs.BDEV_READ, true)

	require.Panics(t, func() { r.Start(req) })
}

func TestStatsReportsRequestCount(t *testing.T) {
	img := make([]byte, fs.BSIZE)
	r := MkRamdisk(img)

	b := mkBlock(0, nil)
	l := fs.MkBlkList()
	l.PushBack(b)
	r.Start(fs.MkRequest(l, fs.BDEV_READ, true))
	r.Start(fs.MkRequest(l, fs.BDEV_READ, true))

	require.Contains(t, r.Stats(), "2 requests")
	require.Contains(t, r.Stats(), "1 blocks")
}
