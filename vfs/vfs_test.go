package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/stat"
	"github.com/kctherootkey/likeos64/ustr"
)

// fakeNode is one inode in fakeFs: either a directory (children) or a
// plain file (data).
type fakeNode struct {
	isdir    bool
	children map[string]defs.Inum_t
	data     []byte
}

// fakeFs is a minimal in-memory Filesystem_i, enough to drive vfs's
// path-resolution logic without a real disk or fat32 volume.
type fakeFs struct {
	nodes map[defs.Inum_t]*fakeNode
	next  defs.Inum_t
}

func newFakeFs() *fakeFs {
	fs := &fakeFs{nodes: map[defs.Inum_t]*fakeNode{}, next: 1}
	fs.nodes[0] = &fakeNode{isdir: true, children: map[string]defs.Inum_t{}}
	return fs
}

func (fs *fakeFs) Root() defs.Inum_t { return 0 }

func (fs *fakeFs) Lookup(dir defs.Inum_t, name ustr.Ustr) (defs.Inum_t, bool, defs.Err_t) {
	n, ok := fs.nodes[dir]
	if !ok || !n.isdir {
		return 0, false, -defs.ENOTDIR
	}
	inum, ok := n.children[name.String()]
	if !ok {
		return 0, false, -defs.ENOENT
	}
	return inum, fs.nodes[inum].isdir, 0
}

func (fs *fakeFs) Open(inum defs.Inum_t, isdir bool, flags int) (fdops.Fdops_i, defs.Err_t) {
	return &fakeFdops{fs: fs, inum: inum}, 0
}

func (fs *fakeFs) Create(dir defs.Inum_t, name ustr.Ustr) (defs.Inum_t, defs.Err_t) {
	n := fs.nodes[dir]
	inum := fs.next
	fs.next++
	fs.nodes[inum] = &fakeNode{}
	n.children[name.String()] = inum
	return inum, 0
}

func (fs *fakeFs) Mkdir(dir defs.Inum_t, name ustr.Ustr) defs.Err_t {
	n := fs.nodes[dir]
	inum := fs.next
	fs.next++
	fs.nodes[inum] = &fakeNode{isdir: true, children: map[string]defs.Inum_t{}}
	n.children[name.String()] = inum
	return 0
}

func (fs *fakeFs) Unlink(dir defs.Inum_t, name ustr.Ustr) defs.Err_t {
	n := fs.nodes[dir]
	inum := n.children[name.String()]
	delete(n.children, name.String())
	delete(fs.nodes, inum)
	return 0
}

func (fs *fakeFs) Rmdir(dir defs.Inum_t, name ustr.Ustr) defs.Err_t {
	return fs.Unlink(dir, name)
}

func (fs *fakeFs) Rename(olddir defs.Inum_t, oldname ustr.Ustr, newdir defs.Inum_t, newname ustr.Ustr) defs.Err_t {
	on := fs.nodes[olddir]
	inum := on.children[oldname.String()]
	delete(on.children, oldname.String())
	fs.nodes[newdir].children[newname.String()] = inum
	return 0
}

// fakeFdops is the Fdops_i fakeFs.Open hands back; only the bits
// StatPath/OpenPath exercise are implemented.
type fakeFdops struct {
	fs   *fakeFs
	inum defs.Inum_t
}

func (f *fakeFdops) Close() defs.Err_t { return 0 }
func (f *fakeFdops) Fstat(st *stat.Stat_t) defs.Err_t {
	n := f.fs.nodes[f.inum]
	st.Wino(uint(f.inum))
	if n.isdir {
		st.Wmode(uint(stat.IFDIR | 0755))
	} else {
		st.Wmode(uint(stat.IFREG | 0644))
	}
	return 0
}
func (f *fakeFdops) Lseek(int, int) (int, defs.Err_t) { return 0, 0 }
func (f *fakeFdops) Mmapi(int, int, bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (f *fakeFdops) Pathi() defs.Inum_t { return f.inum }
func (f *fakeFdops) Read(fdops.Userio_i) (int, defs.Err_t) {
	return 0, 0
}
func (f *fakeFdops) Reopen() defs.Err_t                     { return 0 }
func (f *fakeFdops) Write(fdops.Userio_i) (int, defs.Err_t) { return 0, 0 }
func (f *fakeFdops) Truncate(uint) defs.Err_t               { return 0 }
func (f *fakeFdops) Readdir(fdops.Userio_i, int) (int, int, defs.Err_t) {
	return 0, 0, 0
}
func (f *fakeFdops) Ioctl(int, int) (int, defs.Err_t) { return 0, -defs.ENOTTY }

func rootCwd() *fd.Cwd_t {
	return fd.MkRootCwd(&fd.Fd_t{})
}

func TestOpenPathCreatesMissingFileWithOCreat(t *testing.T) {
	MountRoot(newFakeFs())
	cwd := rootCwd()

	f, err := OpenPath(cwd, ustr.Ustr("/a.txt"), defs.O_RDWR|defs.O_CREAT)
	require.Equal(t, defs.Err_t(0), err)
	require.NotNil(t, f)

	var st stat.Stat_t
	require.Equal(t, defs.Err_t(0), f.Fops.Fstat(&st))
	require.Equal(t, uint(stat.IFREG|0644), st.Mode())
}

func TestOpenPathMissingWithoutOCreatIsENOENT(t *testing.T) {
	MountRoot(newFakeFs())
	cwd := rootCwd()

	_, err := OpenPath(cwd, ustr.Ustr("/missing"), defs.O_RDONLY)
	require.Equal(t, -defs.ENOENT, err)
}

func TestOpenPathExistingWithOCreatAndOExclIsEEXIST(t *testing.T) {
	fs := newFakeFs()
	MountRoot(fs)
	cwd := rootCwd()

	_, err := OpenPath(cwd, ustr.Ustr("/a.txt"), defs.O_CREAT)
	require.Equal(t, defs.Err_t(0), err)

	_, err = OpenPath(cwd, ustr.Ustr("/a.txt"), defs.O_CREAT|defs.O_EXCL)
	require.Equal(t, -defs.EEXIST, err)
}

func TestOpenPathODirectoryOnPlainFileIsENOTDIR(t *testing.T) {
	fs := newFakeFs()
	MountRoot(fs)
	cwd := rootCwd()

	_, err := OpenPath(cwd, ustr.Ustr("/a.txt"), defs.O_CREAT)
	require.Equal(t, defs.Err_t(0), err)

	_, err = OpenPath(cwd, ustr.Ustr("/a.txt"), defs.O_DIRECTORY)
	require.Equal(t, -defs.ENOTDIR, err)
}

func TestMkdirThenLookupNestedPath(t *testing.T) {
	fs := newFakeFs()
	MountRoot(fs)
	cwd := rootCwd()

	require.Equal(t, defs.Err_t(0), MkdirPath(cwd, ustr.Ustr("/sub")))
	require.Equal(t, -defs.EEXIST, MkdirPath(cwd, ustr.Ustr("/sub")))

	_, err := OpenPath(cwd, ustr.Ustr("/sub/nested.txt"), defs.O_CREAT)
	require.Equal(t, defs.Err_t(0), err)

	var st stat.Stat_t
	require.Equal(t, defs.Err_t(0), StatPath(cwd, ustr.Ustr("/sub/nested.txt"), &st))
	require.Equal(t, uint(stat.IFREG|0644), st.Mode())
}

func TestUnlinkDirectoryIsEISDIR(t *testing.T) {
	fs := newFakeFs()
	MountRoot(fs)
	cwd := rootCwd()

	require.Equal(t, defs.Err_t(0), MkdirPath(cwd, ustr.Ustr("/sub")))
	require.Equal(t, -defs.EISDIR, UnlinkPath(cwd, ustr.Ustr("/sub")))
}

func TestRmdirNonDirectoryIsENOTDIR(t *testing.T) {
	fs := newFakeFs()
	MountRoot(fs)
	cwd := rootCwd()

	_, err := OpenPath(cwd, ustr.Ustr("/a.txt"), defs.O_CREAT)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, -defs.ENOTDIR, RmdirPath(cwd, ustr.Ustr("/a.txt")))
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	fs := newFakeFs()
	MountRoot(fs)
	cwd := rootCwd()

	require.Equal(t, defs.Err_t(0), MkdirPath(cwd, ustr.Ustr("/dst")))
	_, err := OpenPath(cwd, ustr.Ustr("/a.txt"), defs.O_CREAT)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), RenamePath(cwd, ustr.Ustr("/a.txt"), ustr.Ustr("/dst/b.txt")))

	var st stat.Stat_t
	require.Equal(t, defs.Err_t(0), StatPath(cwd, ustr.Ustr("/dst/b.txt"), &st))
	require.Equal(t, -defs.ENOENT, StatPath(cwd, ustr.Ustr("/a.txt"), &st))
}

func TestChdirPathReturnsCanonicalPath(t *testing.T) {
	fs := newFakeFs()
	MountRoot(fs)
	cwd := rootCwd()

	require.Equal(t, defs.Err_t(0), MkdirPath(cwd, ustr.Ustr("/sub")))
	nf, full, err := ChdirPath(cwd, ustr.Ustr("/sub"))
	require.Equal(t, defs.Err_t(0), err)
	require.NotNil(t, nf)
	require.Equal(t, "/sub", full.String())
}

func TestDevPathWithoutDevOpenIsENXIO(t *testing.T) {
	MountRoot(newFakeFs())
	saved := DevOpen
	DevOpen = nil
	defer func() { DevOpen = saved }()

	cwd := rootCwd()
	_, err := OpenPath(cwd, ustr.Ustr("/dev/null"), defs.O_RDONLY)
	require.Equal(t, -defs.ENXIO, err)
}

func TestDevPathRoutesToDevOpen(t *testing.T) {
	MountRoot(newFakeFs())
	saved := DevOpen
	defer func() { DevOpen = saved }()

	var gotPath string
	DevOpen = func(path ustr.Ustr, flags int) (*fd.Fd_t, defs.Err_t) {
		gotPath = path.String()
		return &fd.Fd_t{Fops: &fakeFdops{}}, 0
	}

	cwd := rootCwd()
	f, err := OpenPath(cwd, ustr.Ustr("/dev/null"), defs.O_RDONLY)
	require.Equal(t, defs.Err_t(0), err)
	require.NotNil(t, f)
	require.Equal(t, "/dev/null", gotPath)
}
