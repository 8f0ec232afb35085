package fat32

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/blockdev"
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/mem"
	"github.com/kctherootkey/likeos64/ustr"
)

// testBlockmem_t provides memory for disk blocks during tests, the
// same host-mode stand-in ufs/driver.go's own blockmem_t used instead
// of the real physical allocator (mem.Physmem requires a boot sequence
// this test never runs).
type testBlockmem_t struct{}

func (testBlockmem_t) Alloc() (mem.Pa_t, *mem.Bytepg_t, bool) {
	return mem.Pa_t(0), &mem.Bytepg_t{}, true
}
func (testBlockmem_t) Free(mem.Pa_t)  {}
func (testBlockmem_t) Refup(mem.Pa_t) {}

// testFATSecs is sized so the FAT region is exactly one fs.BSIZE block
// (8 sectors * 512 = 4096): fatCache always loads a whole-block window,
// and a FAT region smaller than that would have the window spill into
// the data region it's supposed to leave alone.
const (
	testSectorSize   = 512
	testRsvdSecs     = 32
	testFATSecs      = 8
	testDataClusters = 64
)

// buildImage constructs a minimal, valid single-FAT FAT32 volume image
// entirely at LBA 0 (no MBR/GPT needed: discoverCandidates always
// tries LBA 0 first, and a zeroed partition-table region at offset 446
// makes the subsequent MBR-interpretation pass see nothing to parse).
func buildImage(t *testing.T) []byte {
	totSec := testRsvdSecs + testFATSecs + testDataClusters
	img := make([]byte, totSec*testSectorSize)

	boot := img[0:testSectorSize]
	boot[bsJmpBoot] = 0xEB
	binary.LittleEndian.PutUint16(boot[bpbBytsPerSec:], testSectorSize)
	boot[bpbSecPerClus] = 1
	binary.LittleEndian.PutUint16(boot[bpbRsvdSecCnt:], testRsvdSecs)
	boot[bpbNumFATs] = 1
	binary.LittleEndian.PutUint16(boot[bpbRootEntCnt:], 0)
	binary.LittleEndian.PutUint32(boot[bpbTotSec32:], uint32(totSec))
	binary.LittleEndian.PutUint32(boot[bpbFATSz32:], testFATSecs)
	binary.LittleEndian.PutUint32(boot[bpbRootClus32:], 2)
	binary.LittleEndian.PutUint16(boot[bpbFSInfo32:], 1)
	binary.LittleEndian.PutUint16(boot[bpbBkBootSec:], 6)
	copy(boot[bsFilSysType32:], "FAT32   ")
	binary.LittleEndian.PutUint16(boot[bsSigOff:], bsSig)

	// FAT[0] and FAT[1] are the reserved entries; FAT[2] marks the root
	// directory's single cluster as end-of-chain.
	fat := img[testRsvdSecs*testSectorSize:]
	binary.LittleEndian.PutUint32(fat[0:], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(fat[8:], 0x0FFFFFFF)

	return img
}

func mountTestVolume(t *testing.T) *Volume {
	img := buildImage(t)
	disk := blockdev.MkRamdisk(img)
	v, err := Mount(disk, testBlockmem_t{})
	require.Equal(t, defs.Err_t(0), err)
	require.NotNil(t, v)
	return v
}

func TestParseBPBRejectsBadSignature(t *testing.T) {
	sec := make([]byte, 512)
	sec[bsJmpBoot] = 0xEB
	_, err := parseBPB(sec)
	require.NotEqual(t, defs.Err_t(0), err)
}

func TestMountEmptyRoot(t *testing.T) {
	v := mountTestVolume(t)
	require.Equal(t, defs.Inum_t(2), v.Root())
	recs, err := v.readDir(2)
	require.Equal(t, defs.Err_t(0), err)
	require.Empty(t, recs)
}

func TestShortNameRoundtrip(t *testing.T) {
	raw := shortNameRaw("readme.txt")
	se := &shortEntry{nameRaw: raw}
	require.Equal(t, "README.TXT", se.shortName())
}

func TestNeedsLFN(t *testing.T) {
	require.False(t, needsLFN("README.TXT"))
	require.False(t, needsLFN("A"))
	require.True(t, needsLFN("readme.txt"))
	require.True(t, needsLFN("a.very.long.name.txt"))
}

func TestLFNRoundtrip(t *testing.T) {
	name := "my long file name.txt"
	raw := shortNameRaw("MYLONG~1.TXT")
	chksum := lfnChecksum(raw)
	entries := encodeLFNEntries(name, chksum)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		require.Equal(t, uint8(chksum), e[13])
	}

	var chunks []string
	for i := len(entries) - 1; i >= 0; i-- {
		chunks = append(chunks, decodeLFNChunk(entries[i]))
	}
	got := ""
	for _, c := range chunks {
		got += c
	}
	require.Equal(t, name, got)
}

func TestGenShortAliasCollision(t *testing.T) {
	taken := map[[11]byte]bool{
		shortNameRaw("LONGFI~1.TXT"): true,
		shortNameRaw("LONGFI~2.TXT"): true,
	}
	got := genShortAlias("longfilename.txt", func(c [11]byte) bool { return taken[c] })
	require.Equal(t, shortNameRaw("LONGFI~3.TXT"), got)
}

func TestCreateWriteReadFile(t *testing.T) {
	v := mountTestVolume(t)
	root := v.Root()

	inum, err := v.Create(root, ustr.Ustr("hello.txt"))
	require.Equal(t, defs.Err_t(0), err)
	require.NotEqual(t, defs.Inum_t(0), inum)

	ops, err := v.Open(inum, false, defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)

	payload := []byte("hello, fat32")
	n, err := ops.Write(&srcUio{data: payload})
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, len(payload), n)

	_, serr := ops.Lseek(0, defs.SEEK_SET)
	require.Equal(t, defs.Err_t(0), serr)

	dst := &dstUio{cap: len(payload)}
	n, err = ops.Read(dst)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst.buf)
}

func TestMkdirLookupRmdir(t *testing.T) {
	v := mountTestVolume(t)
	root := v.Root()

	err := v.Mkdir(root, ustr.Ustr("sub"))
	require.Equal(t, defs.Err_t(0), err)

	inum, isdir, err := v.Lookup(root, ustr.Ustr("sub"))
	require.Equal(t, defs.Err_t(0), err)
	require.True(t, isdir)

	empty, err := v.dirIsEmpty(uint32(inum))
	require.Equal(t, defs.Err_t(0), err)
	require.True(t, empty)

	err = v.Rmdir(root, ustr.Ustr("sub"))
	require.Equal(t, defs.Err_t(0), err)

	_, _, err = v.Lookup(root, ustr.Ustr("sub"))
	require.Equal(t, -defs.ENOENT, err)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	v := mountTestVolume(t)
	root := v.Root()

	_, err := v.Create(root, ustr.Ustr("gone.txt"))
	require.Equal(t, defs.Err_t(0), err)

	err = v.Unlink(root, ustr.Ustr("gone.txt"))
	require.Equal(t, defs.Err_t(0), err)

	_, _, err = v.Lookup(root, ustr.Ustr("gone.txt"))
	require.Equal(t, -defs.ENOENT, err)
}

func TestRenameSameParent(t *testing.T) {
	v := mountTestVolume(t)
	root := v.Root()

	inum, err := v.Create(root, ustr.Ustr("old.txt"))
	require.Equal(t, defs.Err_t(0), err)

	err = v.Rename(root, ustr.Ustr("old.txt"), root, ustr.Ustr("new.txt"))
	require.Equal(t, defs.Err_t(0), err)

	_, _, err = v.Lookup(root, ustr.Ustr("old.txt"))
	require.Equal(t, -defs.ENOENT, err)

	gotInum, isdir, err := v.Lookup(root, ustr.Ustr("new.txt"))
	require.Equal(t, defs.Err_t(0), err)
	require.False(t, isdir)
	require.Equal(t, inum, gotInum)
}

func TestRenameCrossParentUnsupported(t *testing.T) {
	v := mountTestVolume(t)
	root := v.Root()
	require.Equal(t, defs.Err_t(0), v.Mkdir(root, ustr.Ustr("dir1")))
	require.Equal(t, defs.Err_t(0), v.Mkdir(root, ustr.Ustr("dir2")))

	d1, _, err := v.Lookup(root, ustr.Ustr("dir1"))
	require.Equal(t, defs.Err_t(0), err)
	d2, _, err := v.Lookup(root, ustr.Ustr("dir2"))
	require.Equal(t, defs.Err_t(0), err)

	err = v.Rename(d1, ustr.Ustr("x"), d2, ustr.Ustr("y"))
	require.NotEqual(t, defs.Err_t(0), err)
}

func TestReaddirListsEntries(t *testing.T) {
	v := mountTestVolume(t)
	root := v.Root()
	_, err := v.Create(root, ustr.Ustr("a.txt"))
	require.Equal(t, defs.Err_t(0), err)
	_, err = v.Create(root, ustr.Ustr("b.txt"))
	require.Equal(t, defs.Err_t(0), err)

	dh := &dirHandle{v: v, clust: uint32(root)}
	dst := &dstUio{cap: 4096}
	n, cookie, err := dh.Readdir(dst, 0)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 0, cookie)
	require.Greater(t, n, 0)
}

// srcUio feeds fixed bytes to Uioread, standing in for a user write
// buffer.
type srcUio struct {
	data []byte
	pos  int
}

func (s *srcUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, s.data[s.pos:])
	s.pos += n
	return n, 0
}
func (s *srcUio) Uiowrite(src []uint8) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (s *srcUio) Remain() int                            { return len(s.data) - s.pos }
func (s *srcUio) Totalsz() int                           { return len(s.data) }

// dstUio collects bytes from Uiowrite, standing in for a user read
// buffer.
type dstUio struct {
	buf []byte
	cap int
}

func (d *dstUio) Uioread(dst []uint8) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (d *dstUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := len(src)
	if n > d.Remain() {
		n = d.Remain()
	}
	d.buf = append(d.buf, src[:n]...)
	return n, 0
}
func (d *dstUio) Remain() int   { return d.cap - len(d.buf) }
func (d *dstUio) Totalsz() int { return d.cap }
