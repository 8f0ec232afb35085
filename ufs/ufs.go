// Package ufs builds and drives FAT32 disk images from host-side Go
// code: Format lays out a brand-new volume's bytes from scratch (the
// fat32 package only ever reads an existing one), and Ufs_t wraps
// vfs's path-level operations so callers can populate a freshly
// formatted image the same way the booted kernel would, without
// booting it.
package ufs

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fat32"
	"github.com/kctherootkey/likeos64/fd"
	"github.com/kctherootkey/likeos64/stat"
	"github.com/kctherootkey/likeos64/ustr"
	"github.com/kctherootkey/likeos64/vfs"
	"github.com/kctherootkey/likeos64/vm"
)

// Ufs_t wraps a mounted fat32.Volume and a root cwd, the two things
// every vfs path helper needs, plus the open host file backing the
// volume so ShutdownFS can close it.
type Ufs_t struct {
	f   *os.File
	vol *fat32.Volume
	cwd *fd.Cwd_t
}

func mkBuf(b []byte) *vm.Fakeubuf_t {
	ub := &vm.Fakeubuf_t{}
	ub.Fake_init(b)
	return ub
}

// MkFile creates a new regular file at p and writes data into it, if
// data is non-nil.
func (ufs *Ufs_t) MkFile(p ustr.Ustr, data []byte) defs.Err_t {
	f, err := vfs.OpenPath(ufs.cwd, p, defs.O_CREAT|defs.O_EXCL|defs.O_RDWR)
	if err != 0 {
		return err
	}
	defer fd.Close_panic(f)
	if data != nil {
		ub := mkBuf(data)
		if _, err := f.Fops.Write(ub); err != 0 {
			return err
		}
	}
	return 0
}

// MkDir creates an empty directory at p.
func (ufs *Ufs_t) MkDir(p ustr.Ustr) defs.Err_t {
	return vfs.MkdirPath(ufs.cwd, p)
}

// Rename moves oldp to newp.
func (ufs *Ufs_t) Rename(oldp, newp ustr.Ustr) defs.Err_t {
	return vfs.RenamePath(ufs.cwd, oldp, newp)
}

// Update overwrites the file at p with data, starting at offset zero.
func (ufs *Ufs_t) Update(p ustr.Ustr, data []byte) defs.Err_t {
	f, err := vfs.OpenPath(ufs.cwd, p, defs.O_RDWR)
	if err != 0 {
		return err
	}
	defer fd.Close_panic(f)
	ub := mkBuf(data)
	_, err = f.Fops.Write(ub)
	return err
}

// Append appends data to the file at p.
func (ufs *Ufs_t) Append(p ustr.Ustr, data []byte) defs.Err_t {
	f, err := vfs.OpenPath(ufs.cwd, p, defs.O_RDWR)
	if err != 0 {
		return err
	}
	defer fd.Close_panic(f)
	if _, err := f.Fops.Lseek(0, defs.SEEK_END); err != 0 {
		return err
	}
	ub := mkBuf(data)
	_, err = f.Fops.Write(ub)
	return err
}

// Unlink removes the file at p.
func (ufs *Ufs_t) Unlink(p ustr.Ustr) defs.Err_t {
	return vfs.UnlinkPath(ufs.cwd, p)
}

// UnlinkDir removes the empty directory at p.
func (ufs *Ufs_t) UnlinkDir(p ustr.Ustr) defs.Err_t {
	return vfs.RmdirPath(ufs.cwd, p)
}

// Stat retrieves the stat information for p.
func (ufs *Ufs_t) Stat(p ustr.Ustr) (*stat.Stat_t, defs.Err_t) {
	st := &stat.Stat_t{}
	if err := vfs.StatPath(ufs.cwd, p, st); err != 0 {
		return nil, err
	}
	return st, 0
}

// Read reads the entire file at p into memory.
func (ufs *Ufs_t) Read(p ustr.Ustr) ([]byte, defs.Err_t) {
	st, err := ufs.Stat(p)
	if err != 0 {
		return nil, err
	}
	f, err := vfs.OpenPath(ufs.cwd, p, defs.O_RDONLY)
	if err != 0 {
		return nil, err
	}
	defer fd.Close_panic(f)
	data := make([]byte, st.Size())
	ub := mkBuf(data)
	if _, err := f.Fops.Read(ub); err != 0 {
		return nil, err
	}
	return data, 0
}

// direntName decodes one raw getdents64-style record as written by
// fat32's dirHandle.Readdir: an 8-byte inum, an 8-byte next cookie, a
// 2-byte record length, a 1-byte dirent type, then the nul-padded
// name.
func direntName(rec []byte) (name string, isDir bool) {
	n := 0
	for n < len(rec)-19 && rec[19+n] != 0 {
		n++
	}
	return string(rec[19 : 19+n]), rec[18] == stat.DT_DIR
}

// Ls lists the names in the directory at p.
func (ufs *Ufs_t) Ls(p ustr.Ustr) ([]string, defs.Err_t) {
	f, err := vfs.OpenPath(ufs.cwd, p, defs.O_RDONLY|defs.O_DIRECTORY)
	if err != 0 {
		return nil, err
	}
	defer fd.Close_panic(f)

	var names []string
	cookie := 0
	for {
		buf := make([]byte, 4096)
		ub := mkBuf(buf)
		n, next, err := f.Fops.Readdir(ub, cookie)
		if err != 0 {
			return nil, err
		}
		for off := 0; off < n; {
			reclen := int(binary.LittleEndian.Uint16(buf[off+16:]))
			name, _ := direntName(buf[off : off+reclen])
			names = append(names, name)
			off += reclen
		}
		if next == 0 {
			break
		}
		cookie = next
	}
	return names, 0
}

// mountFile mounts the FAT32 volume found in f and wires up vfs's
// single global root plus a root-directory cwd, the same composition
// cmd/kernel/main.go runs at boot.
func mountFile(f *os.File) (*Ufs_t, error) {
	disk := newFileDisk(f)
	vol, err := fat32.Mount(disk, hostMem)
	if err != 0 {
		f.Close()
		return nil, fmt.Errorf("ufs: mount: err %d", err)
	}
	vfs.MountRoot(vol)
	rootOps, err := vol.Open(vol.Root(), true, defs.O_RDONLY)
	if err != 0 {
		f.Close()
		return nil, fmt.Errorf("ufs: open root: err %d", err)
	}
	cwd := fd.MkRootCwd(&fd.Fd_t{Fops: rootOps})
	return &Ufs_t{f: f, vol: vol, cwd: cwd}, nil
}

// MkDisk formats a brand-new sizeBytes-large FAT32 image at path and
// mounts it.
func MkDisk(path string, sizeBytes int) (*Ufs_t, error) {
	img := Format(sizeBytes)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(img); err != nil {
		f.Close()
		return nil, err
	}
	return mountFile(f)
}

// BootFS mounts an existing FAT32 image at path.
func BootFS(path string) (*Ufs_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return mountFile(f)
}

// ShutdownFS closes the disk image backing ufs.
func ShutdownFS(ufs *Ufs_t) error {
	return ufs.f.Close()
}

// Format lays out a brand-new, empty FAT32 volume of approximately
// sizeBytes and returns its raw image bytes: fat32.Mount only ever
// reads an existing volume, so building one from scratch is this
// package's job. The byte offsets below mirror fat32/bpb.go's BPB
// layout (Microsoft's published FAT32 on-disk format); they are
// re-declared here rather than imported since fat32's are unexported
// on purpose — that package only ever reads the layout it's handed,
// never writes a fresh one.
func Format(sizeBytes int) []byte {
	const (
		sectorSize = 512
		secPerClus = 8
		rsvdSecCnt = 32
		numFATs    = 2
		fsInfoSec  = 1
		bkBootSec  = 6
	)
	const (
		bsJmpBoot      = 0
		bsOEMName      = 3
		bpbBytsPerSec  = 11
		bpbSecPerClus  = 13
		bpbRsvdSecCnt  = 14
		bpbNumFATs     = 16
		bpbRootEntCnt  = 17
		bpbMedia       = 21
		bpbTotSec32    = 32
		bpbFATSz32     = 36
		bpbRootClus32  = 44
		bpbFSInfo32    = 48
		bpbBkBootSec   = 50
		bsFilSysType32 = 82
		bsSigOff       = 510
	)
	const (
		fsiLeadSig     = 0
		fsiLeadSigVal  = 0x41615252
		fsiStrucSig    = 484
		fsiStrucSigVal = 0x61417272
		fsiFreeCount   = 488
		fsiNextFree    = 492
		fsiTrailSig    = 508
		fsiTrailSigVal = 0xAA550000
	)

	totSec := uint32(sizeBytes / sectorSize)
	minSec := uint32(rsvdSecCnt + numFATs*8 + secPerClus)
	if totSec < minSec {
		totSec = minSec
	}

	// maxClusters is a deliberate over-estimate of the usable cluster
	// count (it ignores the FAT sectors it's sizing), so
	// the resulting FATSz32 always has room for every cluster the data
	// region can actually hold.
	maxClusters := (totSec - rsvdSecCnt) / secPerClus
	fatSz32 := ((maxClusters+2)*4 + sectorSize - 1) / sectorSize
	if fatSz32 == 0 {
		fatSz32 = 1
	}

	img := make([]byte, int(totSec)*sectorSize)
	boot := img[0:sectorSize]
	boot[bsJmpBoot] = 0xEB
	boot[bsJmpBoot+1] = 0x58
	boot[bsJmpBoot+2] = 0x90
	copy(boot[bsOEMName:], "LIKEOS64")
	binary.LittleEndian.PutUint16(boot[bpbBytsPerSec:], sectorSize)
	boot[bpbSecPerClus] = secPerClus
	binary.LittleEndian.PutUint16(boot[bpbRsvdSecCnt:], rsvdSecCnt)
	boot[bpbNumFATs] = numFATs
	binary.LittleEndian.PutUint16(boot[bpbRootEntCnt:], 0)
	boot[bpbMedia] = 0xF8
	binary.LittleEndian.PutUint32(boot[bpbTotSec32:], totSec)
	binary.LittleEndian.PutUint32(boot[bpbFATSz32:], fatSz32)
	binary.LittleEndian.PutUint32(boot[bpbRootClus32:], 2)
	binary.LittleEndian.PutUint16(boot[bpbFSInfo32:], fsInfoSec)
	binary.LittleEndian.PutUint16(boot[bpbBkBootSec:], bkBootSec)
	copy(boot[bsFilSysType32:], "FAT32   ")
	binary.LittleEndian.PutUint16(boot[bsSigOff:], 0xAA55)
	copy(img[bkBootSec*sectorSize:], boot)

	fsinfo := img[fsInfoSec*sectorSize : fsInfoSec*sectorSize+sectorSize]
	binary.LittleEndian.PutUint32(fsinfo[fsiLeadSig:], fsiLeadSigVal)
	binary.LittleEndian.PutUint32(fsinfo[fsiStrucSig:], fsiStrucSigVal)
	binary.LittleEndian.PutUint32(fsinfo[fsiFreeCount:], maxClusters-1)
	binary.LittleEndian.PutUint32(fsinfo[fsiNextFree:], 3)
	binary.LittleEndian.PutUint32(fsinfo[fsiTrailSig:], fsiTrailSigVal)
	copy(img[(bkBootSec+1)*sectorSize:], fsinfo)

	// FAT[0]/FAT[1] carry the conventional media-type/end-of-chain
	// reserved values; fat32's own cluster-chain code never reads
	// them (it only ever walks from cluster 2 up). FAT[2] terminates
	// the root directory's single-cluster chain.
	fatBase := rsvdSecCnt * sectorSize
	fat0 := img[fatBase : fatBase+int(fatSz32)*sectorSize]
	binary.LittleEndian.PutUint32(fat0[0:4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat0[4:8], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(fat0[8:12], 0x0FFFFFF8)
	fat1Base := fatBase + int(fatSz32)*sectorSize
	copy(img[fat1Base:fat1Base+int(fatSz32)*sectorSize], fat0)

	return img
}
