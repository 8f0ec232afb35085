// Package vfs routes every path-taking syscall to either the device
// filesystem or the one mounted root filesystem, and implements the
// name-resolution walk neither of those knows how to do itself. It is
// the layer trap's syscall dispatcher reaches through the OpenPath /
// UnlinkPath / MkdirPath / ... hooks (trap cannot import vfs: vfs
// isn't built by the time trap is, so the wiring runs the other way,
// through vfs's own init()).
package vfs

import (
	"sync"

	"github.com/kctherootkey/likeos64/bpath"
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/stat"
	"github.com/kctherootkey/likeos64/trap"
	"github.com/kctherootkey/likeos64/ustr"
)

// Filesystem_i is the contract a mounted root filesystem implements.
// Presently only fat32.Volume does; vfs never assumes anything about
// inode numbering beyond "opaque and stable for Lookup purposes",
// which is exactly what fat32's first-cluster-number Inum_t gives it.
type Filesystem_i interface {
	Root() defs.Inum_t
	// Lookup resolves one path component inside the directory named by
	// dir, returning its inum and whether it is itself a directory.
	Lookup(dir defs.Inum_t, name ustr.Ustr) (defs.Inum_t, bool, defs.Err_t)
	Open(inum defs.Inum_t, isdir bool, flags int) (fdops.Fdops_i, defs.Err_t)
	Create(dir defs.Inum_t, name ustr.Ustr) (defs.Inum_t, defs.Err_t)
	Mkdir(dir defs.Inum_t, name ustr.Ustr) defs.Err_t
	Unlink(dir defs.Inum_t, name ustr.Ustr) defs.Err_t
	Rmdir(dir defs.Inum_t, name ustr.Ustr) defs.Err_t
	Rename(olddir defs.Inum_t, oldname ustr.Ustr, newdir defs.Inum_t, newname ustr.Ustr) defs.Err_t
}

var (
	rootMu sync.Mutex
	root   Filesystem_i
)

// MountRoot installs fs as the root filesystem. Called once by the
// boot sequence after fat32 has mounted the backing disk.
func MountRoot(fs Filesystem_i) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = fs
}

func getRoot() Filesystem_i {
	rootMu.Lock()
	defer rootMu.Unlock()
	return root
}

// DevOpen is set by devfs's init(), the same forward-hook pattern vfs
// itself exposes to trap: vfs routes any path under /dev to whatever
// is installed here, or ENXIO if devfs hasn't been built into this
// image yet.
var DevOpen func(path ustr.Ustr, flags int) (*fd.Fd_t, defs.Err_t)

func init() {
	trap.OpenPath = OpenPath
	trap.UnlinkPath = UnlinkPath
	trap.MkdirPath = MkdirPath
	trap.RmdirPath = RmdirPath
	trap.RenamePath = RenamePath
	trap.StatPath = StatPath
	trap.ChdirPath = ChdirPath
}

// walk resolves an absolute, canonical path to its inum, reporting
// whether it names a directory. The empty path (root itself) resolves
// to fs.Root().
func walk(fs Filesystem_i, path ustr.Ustr) (defs.Inum_t, bool, defs.Err_t) {
	cur := fs.Root()
	isdir := true
	rest := path
	for len(rest) > 0 {
		var comp ustr.Ustr
		comp, rest = rest.First()
		if len(comp) == 0 {
			continue
		}
		if !isdir {
			return 0, false, -defs.ENOTDIR
		}
		next, nd, err := fs.Lookup(cur, comp)
		if err != 0 {
			return 0, false, err
		}
		cur, isdir = next, nd
	}
	return cur, isdir, 0
}

// resolveParent splits p into its parent directory's inum and the
// final path component, failing with ENOTDIR if any non-final
// component isn't itself a directory.
func resolveParent(fs Filesystem_i, p ustr.Ustr) (defs.Inum_t, ustr.Ustr, defs.Err_t) {
	dirp, name := bpath.Split(p)
	dirInum, isdir, err := walk(fs, dirp)
	if err != 0 {
		return 0, nil, err
	}
	if !isdir {
		return 0, nil, -defs.ENOTDIR
	}
	return dirInum, name, 0
}

// OpenPath resolves path (relative to cwd) and returns a ready file
// descriptor, creating the leaf entry first when flags carries
// O_CREAT and it doesn't already exist.
func OpenPath(cwd *fd.Cwd_t, path ustr.Ustr, flags int) (*fd.Fd_t, defs.Err_t) {
	full := cwd.Canonicalpath(path)
	if bpath.IsDevPath(full) {
		if DevOpen == nil {
			return nil, -defs.ENXIO
		}
		return DevOpen(full, flags)
	}
	fs := getRoot()
	if fs == nil {
		return nil, -defs.ENXIO
	}

	var leaf defs.Inum_t
	var leafDir bool
	if len(full) <= 1 {
		leaf, leafDir = fs.Root(), true
	} else {
		dirInum, name, err := resolveParent(fs, full)
		if err != 0 {
			return nil, err
		}
		leaf, leafDir, err = fs.Lookup(dirInum, name)
		if err == -defs.ENOENT {
			if flags&defs.O_CREAT == 0 {
				return nil, -defs.ENOENT
			}
			leaf, err = fs.Create(dirInum, name)
			if err != 0 {
				return nil, err
			}
			leafDir = false
		} else if err != 0 {
			return nil, err
		} else if flags&defs.O_EXCL != 0 && flags&defs.O_CREAT != 0 {
			return nil, -defs.EEXIST
		}
	}
	if flags&defs.O_DIRECTORY != 0 && !leafDir {
		return nil, -defs.ENOTDIR
	}
	ops, err := fs.Open(leaf, leafDir, flags)
	if err != 0 {
		return nil, err
	}
	return &fd.Fd_t{Fops: ops}, 0
}

// UnlinkPath removes a non-directory entry.
func UnlinkPath(cwd *fd.Cwd_t, path ustr.Ustr) defs.Err_t {
	fs := getRoot()
	if fs == nil {
		return -defs.ENXIO
	}
	full := cwd.Canonicalpath(path)
	dirInum, name, err := resolveParent(fs, full)
	if err != 0 {
		return err
	}
	_, isdir, err := fs.Lookup(dirInum, name)
	if err != 0 {
		return err
	}
	if isdir {
		return -defs.EISDIR
	}
	return fs.Unlink(dirInum, name)
}

// MkdirPath creates an empty directory.
func MkdirPath(cwd *fd.Cwd_t, path ustr.Ustr) defs.Err_t {
	fs := getRoot()
	if fs == nil {
		return -defs.ENXIO
	}
	full := cwd.Canonicalpath(path)
	dirInum, name, err := resolveParent(fs, full)
	if err != 0 {
		return err
	}
	if _, _, err := fs.Lookup(dirInum, name); err != -defs.ENOENT {
		if err == 0 {
			return -defs.EEXIST
		}
		return err
	}
	return fs.Mkdir(dirInum, name)
}

// RmdirPath removes an empty directory.
func RmdirPath(cwd *fd.Cwd_t, path ustr.Ustr) defs.Err_t {
	fs := getRoot()
	if fs == nil {
		return -defs.ENXIO
	}
	full := cwd.Canonicalpath(path)
	dirInum, name, err := resolveParent(fs, full)
	if err != 0 {
		return err
	}
	_, isdir, err := fs.Lookup(dirInum, name)
	if err != 0 {
		return err
	}
	if !isdir {
		return -defs.ENOTDIR
	}
	return fs.Rmdir(dirInum, name)
}

// RenamePath moves oldp to newp. Cross-directory rename is delegated
// to the filesystem; fat32.Volume rejects it with Unsupported per
// spec, a limitation vfs itself makes no attempt to work around.
func RenamePath(cwd *fd.Cwd_t, oldp, newp ustr.Ustr) defs.Err_t {
	fs := getRoot()
	if fs == nil {
		return -defs.ENXIO
	}
	fullOld := cwd.Canonicalpath(oldp)
	fullNew := cwd.Canonicalpath(newp)
	oldDir, oldName, err := resolveParent(fs, fullOld)
	if err != 0 {
		return err
	}
	newDir, newName, err := resolveParent(fs, fullNew)
	if err != 0 {
		return err
	}
	return fs.Rename(oldDir, oldName, newDir, newName)
}

// StatPath resolves path and fills st via a transient open/close, the
// way a one-shot stat(2) on an otherwise-unopened path has to: there
// is no inode cache here to query directly.
func StatPath(cwd *fd.Cwd_t, path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
	full := cwd.Canonicalpath(path)
	if bpath.IsDevPath(full) {
		if DevOpen == nil {
			return -defs.ENXIO
		}
		f, err := DevOpen(full, defs.O_RDONLY)
		if err != 0 {
			return err
		}
		defer fd.Close_panic(f)
		return f.Fops.Fstat(st)
	}
	fs := getRoot()
	if fs == nil {
		return -defs.ENXIO
	}
	inum, isdir, err := walk(fs, full)
	if err != 0 {
		return err
	}
	ops, err := fs.Open(inum, isdir, defs.O_RDONLY)
	if err != 0 {
		return err
	}
	defer ops.Close()
	return ops.Fstat(st)
}

// ChdirPath resolves path to a directory and returns the fd and
// canonical path trap.hooks.chdirPath installs as the new cwd.
func ChdirPath(cwd *fd.Cwd_t, path ustr.Ustr) (*fd.Fd_t, ustr.Ustr, defs.Err_t) {
	full := cwd.Canonicalpath(path)
	nf, err := OpenPath(cwd, path, defs.O_RDONLY|defs.O_DIRECTORY)
	if err != 0 {
		return nil, nil, err
	}
	return nf, full, 0
}
