package trap

import (
	"github.com/kctherootkey/likeos64/mem"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/proc"
	"github.com/kctherootkey/likeos64/stat"
)

// dispatchSyscall reads the syscall number and Linux-convention
// argument registers (rdi, rsi, rdx, r10, r8, r9) out of tf and routes
// to the matching handler. The return value is the raw value placed
// in rax: non-negative on success, a negated errno on failure.
func dispatchSyscall(t *proc.Task_t, tf *defs.Tf_t) int {
	a0 := int(tf[defs.TF_RDI])
	a1 := int(tf[defs.TF_RSI])
	a2 := int(tf[defs.TF_RDX])
	a3 := int(tf[defs.TF_R10])
	a4 := int(tf[defs.TF_R8])
	a5 := int(tf[defs.TF_R9])

	switch tf[defs.TF_RAX] {
	case defs.SYS_READ:
		return sysRead(t, a0, a1, a2)
	case defs.SYS_WRITE:
		return sysWrite(t, a0, a1, a2)
	case defs.SYS_OPEN:
		return sysOpen(t, a0, a1, a2)
	case defs.SYS_CLOSE:
		return sysClose(t, a0)
	case defs.SYS_LSEEK:
		return sysLseek(t, a0, a1, a2)
	case defs.SYS_MMAP:
		return sysMmap(t, a0, a1, a2, a3, a4, a5)
	case defs.SYS_MUNMAP:
		return sysMunmap(t, a0, a1)
	case defs.SYS_BRK:
		return sysBrk(t, a0)
	case defs.SYS_IOCTL:
		return sysIoctl(t, a0, a1, a2)
	case defs.SYS_PIPE:
		return int(-defs.ENOSYS)
	case defs.SYS_YIELD:
		proc.Yield(t)
		return 0
	case defs.SYS_DUP:
		return sysDup(t, a0)
	case defs.SYS_DUP2:
		return sysDup2(t, a0, a1)
	case defs.SYS_GETPID:
		return int(t.Pid)
	case defs.SYS_GETPPID:
		if t.Parent == nil {
			return 0
		}
		return int(t.Parent.Pid)
	case defs.SYS_FORK:
		return sysFork(t)
	case defs.SYS_EXECVE:
		return sysExecve(t, a0, a1, a2)
	case defs.SYS_EXIT:
		sysExit(t, a0)
		return 0
	case defs.SYS_WAIT4:
		return sysWait4(t, a0, a1, a2)
	case defs.SYS_KILL:
		return sysKill(t, a0, a1)
	case defs.SYS_SETPGID:
		return sysSetpgid(t, a0, a1)
	case defs.SYS_GETPGID:
		return sysGetpgid(t, a0)
	case defs.SYS_SETSID:
		t.Sid = t.Pid
		t.Pgid = t.Pid
		return int(t.Pid)
	case defs.SYS_MEMSTATS:
		return sysMemstats(t, a0, a1)
	case defs.SYS_STAT:
		return sysStat(t, a0, a1)
	case defs.SYS_FSTAT:
		return sysFstat(t, a0, a1)
	case defs.SYS_UNLINK:
		return sysUnlink(t, a0)
	case defs.SYS_MKDIR:
		return sysMkdir(t, a0, a1)
	case defs.SYS_RMDIR:
		return sysRmdir(t, a0)
	case defs.SYS_RENAME:
		return sysRename(t, a0, a1)
	case defs.SYS_CHDIR:
		return sysChdir(t, a0)
	case defs.SYS_GETDENTS64:
		return sysGetdents64(t, a0, a1, a2)
	default:
		return int(-defs.ENOSYS)
	}
}

func allocFd(t *proc.Task_t) (int, defs.Err_t) {
	for i, f := range t.Fds {
		if f == nil {
			return i, 0
		}
	}
	return -1, -defs.EMFILE
}

func sysRead(t *proc.Task_t, fdn, va, n int) int {
	if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
		return int(-defs.EBADF)
	}
	if err := checkUserPtr(va, n); err != 0 {
		return int(err)
	}
	f := t.Fds[fdn]
	if f.Perms&fd.FD_READ == 0 {
		return int(-defs.EBADF)
	}
	ub := t.Vm.Mkuserbuf(va, n)
	got, err := f.Fops.Read(ub)
	if err != 0 {
		return int(err)
	}
	return got
}

func sysWrite(t *proc.Task_t, fdn, va, n int) int {
	if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
		return int(-defs.EBADF)
	}
	if err := checkUserPtr(va, n); err != 0 {
		return int(err)
	}
	f := t.Fds[fdn]
	if f.Perms&fd.FD_WRITE == 0 {
		return int(-defs.EBADF)
	}
	ub := t.Vm.Mkuserbuf(va, n)
	put, err := f.Fops.Write(ub)
	if err != 0 {
		return int(err)
	}
	return put
}

func sysOpen(t *proc.Task_t, pathva, flags, mode int) int {
	if err := checkUserStr(pathva); err != 0 {
		return int(err)
	}
	p, err := t.Vm.Userstr(pathva, int(defs.UserPtrMax))
	if err != 0 {
		return int(err)
	}
	nf, err := openPath(t, p, flags)
	if err != 0 {
		return int(err)
	}
	perms := 0
	switch flags & 0x3 {
	case defs.O_RDONLY:
		perms = fd.FD_READ
	case defs.O_WRONLY:
		perms = fd.FD_WRITE
	case defs.O_RDWR:
		perms = fd.FD_READ | fd.FD_WRITE
	}
	nf.Perms = perms
	slot, err := allocFd(t)
	if err != 0 {
		fd.Close_panic(nf)
		return int(err)
	}
	t.Fds[slot] = nf
	return slot
}

func sysClose(t *proc.Task_t, fdn int) int {
	if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
		return int(-defs.EBADF)
	}
	f := t.Fds[fdn]
	t.Fds[fdn] = nil
	return int(f.Fops.Close())
}

func sysLseek(t *proc.Task_t, fdn, off, whence int) int {
	if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
		return int(-defs.EBADF)
	}
	np, err := t.Fds[fdn].Fops.Lseek(off, whence)
	if err != 0 {
		return int(err)
	}
	return np
}

func sysIoctl(t *proc.Task_t, fdn, cmd, arg int) int {
	if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
		return int(-defs.EBADF)
	}
	ret, err := t.Fds[fdn].Fops.Ioctl(cmd, arg)
	if err != 0 {
		return int(err)
	}
	return ret
}

func sysDup(t *proc.Task_t, fdn int) int {
	if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
		return int(-defs.EBADF)
	}
	nf, err := fd.Copyfd(t.Fds[fdn])
	if err != 0 {
		return int(err)
	}
	slot, err := allocFd(t)
	if err != 0 {
		fd.Close_panic(nf)
		return int(err)
	}
	t.Fds[slot] = nf
	return slot
}

func sysDup2(t *proc.Task_t, oldfd, newfd int) int {
	if oldfd < 0 || oldfd >= proc.NOFILE || t.Fds[oldfd] == nil {
		return int(-defs.EBADF)
	}
	if newfd < 0 || newfd >= proc.NOFILE {
		return int(-defs.EBADF)
	}
	if newfd == oldfd {
		return newfd
	}
	nf, err := fd.Copyfd(t.Fds[oldfd])
	if err != 0 {
		return int(err)
	}
	if t.Fds[newfd] != nil {
		fd.Close_panic(t.Fds[newfd])
	}
	t.Fds[newfd] = nf
	return newfd
}

// mmapRegionLen rounds n up to a whole number of pages, matching
// Vmadd_anon/Vmadd_file's alignment requirement.
func mmapRegionLen(n int) int {
	const pgsize = int(mem.PGSIZE)
	return (n + pgsize - 1) &^ (pgsize - 1)
}

func sysMmap(t *proc.Task_t, addr, length, prot, flags, fdn, off int) int {
	if length <= 0 {
		return int(-defs.EINVAL)
	}
	length = mmapRegionLen(length)
	t.MmapNext -= uintptr(length)
	start := int(t.MmapNext)

	perms := mem.Pa_t(mem.PTE_U)
	if prot&0x2 != 0 { // PROT_WRITE
		perms |= mem.PTE_W
	}

	if fdn == -1 {
		t.Vm.Vmadd_anon(start, length, perms)
	} else {
		if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
			return int(-defs.EBADF)
		}
		t.Vm.Vmadd_file(start, length, perms, t.Fds[fdn].Fops, off)
	}
	return start
}

func sysMunmap(t *proc.Task_t, addr, length int) int {
	length = mmapRegionLen(length)
	return int(t.Vm.Munmap(addr, length))
}

func sysBrk(t *proc.Task_t, newbrk int) int {
	if newbrk == 0 {
		return int(t.Brk)
	}
	const pgsize = int(mem.PGSIZE)
	cur := int(t.Brk)
	curPg := (cur + pgsize - 1) &^ (pgsize - 1)
	newPg := (newbrk + pgsize - 1) &^ (pgsize - 1)
	if newPg > curPg {
		t.Vm.Vmadd_anon(curPg, newPg-curPg, mem.PTE_U|mem.PTE_W)
	} else if newPg < curPg {
		t.Vm.Munmap(newPg, curPg-newPg)
	}
	t.Brk = uintptr(newbrk)
	return newbrk
}

func sysFork(t *proc.Task_t) int {
	child, err := proc.Fork(t)
	if err != 0 {
		return int(err)
	}
	child.Tf[defs.TF_RAX] = 0
	return int(child.Pid)
}

func readUserStrArray(t *proc.Task_t, va int) ([]string, defs.Err_t) {
	var ret []string
	for {
		ptrv, err := t.Vm.Userreadn(va, 8)
		if err != 0 {
			return nil, err
		}
		if ptrv == 0 {
			break
		}
		s, err := t.Vm.Userstr(ptrv, 4096)
		if err != 0 {
			return nil, err
		}
		ret = append(ret, s.String())
		va += 8
	}
	return ret, 0
}

func sysExecve(t *proc.Task_t, pathva, argvva, envpva int) int {
	if err := checkUserStr(pathva); err != 0 {
		return int(err)
	}
	p, err := t.Vm.Userstr(pathva, 4096)
	if err != 0 {
		return int(err)
	}
	argv, err := readUserStrArray(t, argvva)
	if err != 0 {
		return int(err)
	}
	envp, err := readUserStrArray(t, envpva)
	if err != 0 {
		return int(err)
	}
	nf, err := openPath(t, p, defs.O_RDONLY)
	if err != 0 {
		return int(err)
	}
	defer fd.Close_panic(nf)
	if err := proc.Exec(t, nf.Fops, argv, envp); err != 0 {
		return int(err)
	}
	return 0
}

func sysExit(t *proc.Task_t, status int) {
	proc.Exit(t, (status&0xff)<<8)
	proc.ParkZombie(t)
}

func sysWait4(t *proc.Task_t, pid, statusva, options int) int {
	cpid, status, err := proc.Wait4(t, defs.Pid_t(pid), options&defs.WNOHANG != 0)
	if err != 0 {
		return int(err)
	}
	if cpid != 0 && statusva != 0 {
		if err := t.Vm.Userwriten(statusva, 4, status); err != 0 {
			return int(err)
		}
	}
	return int(cpid)
}

func sysKill(t *proc.Task_t, pid, sig int) int {
	target, ok := proc.Find(defs.Pid_t(pid))
	if !ok {
		return int(-defs.ENOENT) // ESRCH has no entry in errno.go; nearest fit
	}
	proc.SignalPgrp(target.Pgid, defs.Sig_t(sig))
	return 0
}

func sysSetpgid(t *proc.Task_t, pid, pgid int) int {
	target := t
	if pid != 0 {
		var ok bool
		target, ok = proc.Find(defs.Pid_t(pid))
		if !ok {
			return int(-defs.ENOENT)
		}
	}
	if pgid == 0 {
		pgid = int(target.Pid)
	}
	target.Pgid = defs.Pid_t(pgid)
	return 0
}

func sysGetpgid(t *proc.Task_t, pid int) int {
	target := t
	if pid != 0 {
		var ok bool
		target, ok = proc.Find(defs.Pid_t(pid))
		if !ok {
			return int(-defs.ENOENT)
		}
	}
	return int(target.Pgid)
}

func sysMemstats(t *proc.Task_t, va, n int) int {
	if err := checkUserPtr(va, n); err != 0 {
		return int(err)
	}
	s := memstatsSnapshot()
	buf := []byte(s)
	if len(buf) > n {
		buf = buf[:n]
	}
	if err := t.Vm.K2user(buf, va); err != 0 {
		return int(err)
	}
	return len(buf)
}

func sysStat(t *proc.Task_t, pathva, statva int) int {
	if err := checkUserStr(pathva); err != 0 {
		return int(err)
	}
	p, err := t.Vm.Userstr(pathva, int(defs.UserPtrMax))
	if err != 0 {
		return int(err)
	}
	var st stat.Stat_t
	if err := statPath(t, p, &st); err != 0 {
		return int(err)
	}
	if err := t.Vm.K2user(st.Bytes(), statva); err != 0 {
		return int(err)
	}
	return 0
}

func sysFstat(t *proc.Task_t, fdn, statva int) int {
	if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
		return int(-defs.EBADF)
	}
	var st stat.Stat_t
	if err := t.Fds[fdn].Fops.Fstat(&st); err != 0 {
		return int(err)
	}
	if err := t.Vm.K2user(st.Bytes(), statva); err != 0 {
		return int(err)
	}
	return 0
}

func sysUnlink(t *proc.Task_t, pathva int) int {
	if err := checkUserStr(pathva); err != 0 {
		return int(err)
	}
	p, err := t.Vm.Userstr(pathva, int(defs.UserPtrMax))
	if err != 0 {
		return int(err)
	}
	return int(unlinkPath(t, p))
}

func sysMkdir(t *proc.Task_t, pathva, mode int) int {
	if err := checkUserStr(pathva); err != 0 {
		return int(err)
	}
	p, err := t.Vm.Userstr(pathva, int(defs.UserPtrMax))
	if err != 0 {
		return int(err)
	}
	return int(mkdirPath(t, p))
}

func sysRmdir(t *proc.Task_t, pathva int) int {
	if err := checkUserStr(pathva); err != 0 {
		return int(err)
	}
	p, err := t.Vm.Userstr(pathva, int(defs.UserPtrMax))
	if err != 0 {
		return int(err)
	}
	return int(rmdirPath(t, p))
}

func sysRename(t *proc.Task_t, oldva, newva int) int {
	if err := checkUserStr(oldva); err != 0 {
		return int(err)
	}
	if err := checkUserStr(newva); err != 0 {
		return int(err)
	}
	oldp, err := t.Vm.Userstr(oldva, int(defs.UserPtrMax))
	if err != 0 {
		return int(err)
	}
	newp, err := t.Vm.Userstr(newva, int(defs.UserPtrMax))
	if err != 0 {
		return int(err)
	}
	return int(renamePath(t, oldp, newp))
}

func sysChdir(t *proc.Task_t, pathva int) int {
	if err := checkUserStr(pathva); err != 0 {
		return int(err)
	}
	p, err := t.Vm.Userstr(pathva, int(defs.UserPtrMax))
	if err != 0 {
		return int(err)
	}
	return int(chdirPath(t, p))
}

// sysGetdents64 reads one getdents64 batch into the caller's buffer
// and advances the fd's directory cookie, the way a repeated syscall
// from libc's readdir(3) loop expects: each call picks up where the
// last left off until Readdir reports the directory exhausted.
func sysGetdents64(t *proc.Task_t, fdn, va, n int) int {
	if fdn < 0 || fdn >= proc.NOFILE || t.Fds[fdn] == nil {
		return int(-defs.EBADF)
	}
	if err := checkUserPtr(va, n); err != 0 {
		return int(err)
	}
	f := t.Fds[fdn]
	ub := t.Vm.Mkuserbuf(va, n)
	nb, cookie, err := f.Fops.Readdir(ub, f.DirCookie)
	if err != 0 {
		return int(err)
	}
	f.DirCookie = cookie
	return nb
}
