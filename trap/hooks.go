package trap

import (
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/proc"
	"github.com/kctherootkey/likeos64/stat"
	"github.com/kctherootkey/likeos64/ustr"
)

// OpenPath and the rest of these are set by vfs's init(). trap cannot
// import vfs directly: vfs imports trap to install these hooks, so the
// dependency only runs one way — this hook is what lets the syscall
// dispatcher call into the path-resolution layer without trap
// depending on it at compile time. Same pattern as proc.ReturnToUser.
var (
	OpenPath   func(cwd *fd.Cwd_t, path ustr.Ustr, flags int) (*fd.Fd_t, defs.Err_t)
	UnlinkPath func(cwd *fd.Cwd_t, path ustr.Ustr) defs.Err_t
	MkdirPath  func(cwd *fd.Cwd_t, path ustr.Ustr) defs.Err_t
	RmdirPath  func(cwd *fd.Cwd_t, path ustr.Ustr) defs.Err_t
	RenamePath func(cwd *fd.Cwd_t, oldp, newp ustr.Ustr) defs.Err_t
	StatPath   func(cwd *fd.Cwd_t, path ustr.Ustr, st *stat.Stat_t) defs.Err_t
	ChdirPath  func(cwd *fd.Cwd_t, path ustr.Ustr) (*fd.Fd_t, ustr.Ustr, defs.Err_t)
)

func openPath(t *proc.Task_t, path ustr.Ustr, flags int) (*fd.Fd_t, defs.Err_t) {
	if OpenPath == nil {
		return nil, -defs.ENOSYS
	}
	return OpenPath(t.Cwd, path, flags)
}

func unlinkPath(t *proc.Task_t, path ustr.Ustr) defs.Err_t {
	if UnlinkPath == nil {
		return -defs.ENOSYS
	}
	return UnlinkPath(t.Cwd, path)
}

func mkdirPath(t *proc.Task_t, path ustr.Ustr) defs.Err_t {
	if MkdirPath == nil {
		return -defs.ENOSYS
	}
	return MkdirPath(t.Cwd, path)
}

func rmdirPath(t *proc.Task_t, path ustr.Ustr) defs.Err_t {
	if RmdirPath == nil {
		return -defs.ENOSYS
	}
	return RmdirPath(t.Cwd, path)
}

func renamePath(t *proc.Task_t, oldp, newp ustr.Ustr) defs.Err_t {
	if RenamePath == nil {
		return -defs.ENOSYS
	}
	return RenamePath(t.Cwd, oldp, newp)
}

func statPath(t *proc.Task_t, path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
	if StatPath == nil {
		return -defs.ENOSYS
	}
	return StatPath(t.Cwd, path, st)
}

func chdirPath(t *proc.Task_t, path ustr.Ustr) defs.Err_t {
	if ChdirPath == nil {
		return -defs.ENOSYS
	}
	nfd, npath, err := ChdirPath(t.Cwd, path)
	if err != 0 {
		return err
	}
	t.Cwd.Lock()
	old := t.Cwd.Fd
	t.Cwd.Fd = nfd
	t.Cwd.Path = npath
	t.Cwd.Unlock()
	fd.Close_panic(old)
	return 0
}
