package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/stat"
	"github.com/kctherootkey/likeos64/ustr"
)

// dirHandle is the Fdops_i a directory's open fd carries. Directories
// never need a parent back-pointer the way fileHandle does: entries
// are added/removed through addEntry/removeEntry on this cluster
// directly, never by a generic Write.
type dirHandle struct {
	sync.Mutex
	v     *Volume
	clust uint32
}

func align8(n int) int { return (n + 7) &^ 7 }

func (d *dirHandle) Readdir(dst fdops.Userio_i, cookie int) (int, int, defs.Err_t) {
	d.Lock()
	defer d.Unlock()
	recs, err := d.v.readDir(d.clust)
	if err != 0 {
		return 0, 0, err
	}
	total := 0
	i := cookie
	for ; i < len(recs); i++ {
		r := recs[i]
		name := r.name.String()
		reclen := align8(19 + len(name) + 1)
		if reclen > dst.Remain()-total {
			break
		}
		buf := make([]byte, reclen)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.short.cluster()))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(i+1))
		binary.LittleEndian.PutUint16(buf[16:18], uint16(reclen))
		dtype := uint8(stat.DT_REG)
		if r.short.isDir() {
			dtype = stat.DT_DIR
		}
		buf[18] = dtype
		copy(buf[19:], name)

		n, err := dst.Uiowrite(buf)
		if err != 0 {
			return total, 0, err
		}
		total += n
		if n < len(buf) {
			break
		}
	}
	next := 0
	if i < len(recs) {
		next = i
	}
	return total, next, 0
}

func (d *dirHandle) Read(dst fdops.Userio_i) (int, defs.Err_t)  { return 0, -defs.EISDIR }
func (d *dirHandle) Write(src fdops.Userio_i) (int, defs.Err_t) { return 0, -defs.EISDIR }
func (d *dirHandle) Truncate(newlen uint) defs.Err_t            { return -defs.EISDIR }
func (d *dirHandle) Lseek(off, whence int) (int, defs.Err_t)    { return 0, -defs.EISDIR }
func (d *dirHandle) Mmapi(pgno, pglen int, write bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EISDIR
}
func (d *dirHandle) Pathi() defs.Inum_t         { return defs.Inum_t(d.clust) }
func (d *dirHandle) Reopen() defs.Err_t         { return 0 }
func (d *dirHandle) Close() defs.Err_t          { return 0 }
func (d *dirHandle) Ioctl(c, a int) (int, defs.Err_t) { return 0, -defs.ENOTTY }

func (d *dirHandle) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wino(uint(d.clust))
	st.Wmode(uint(stat.IFDIR | 0755))
	st.Wsize(0)
	st.Wmtime(0, 0)
	return 0
}

// Lookup resolves name inside dir and remembers the directory record
// so a later Open on the returned inum (a file) can find its way back
// to this directory entry.
func (v *Volume) Lookup(dir defs.Inum_t, name ustr.Ustr) (defs.Inum_t, bool, defs.Err_t) {
	rec, err := v.findChild(uint32(dir), name)
	if err != 0 {
		return 0, false, err
	}
	if !rec.short.isDir() {
		v.rememberEntry(uint32(dir), *rec)
	}
	clust := rec.short.cluster()
	if clust == 0 && rec.short.isDir() {
		// A ".." entry whose parent is the root directory stores
		// cluster 0; it resolves to the root cluster.
		clust = uint32(v.Root())
	}
	return defs.Inum_t(clust), rec.short.isDir(), 0
}

func (v *Volume) Open(inum defs.Inum_t, isdir bool, flags int) (fdops.Fdops_i, defs.Err_t) {
	if isdir {
		return &dirHandle{v: v, clust: uint32(inum)}, 0
	}
	meta, ok := v.lookupMeta(uint32(inum))
	if !ok {
		return nil, -defs.ENOENT
	}
	fh := &fileHandle{v: v, dirClus: meta.dirClus, rec: meta.rec}
	if flags&defs.O_TRUNC != 0 && fh.rec.short.size != 0 {
		if err := fh.Truncate(0); err != 0 {
			return nil, err
		}
	}
	return fh, 0
}

// Create makes an empty regular file. Unlike real FAT32 (which lets a
// zero-length file carry first-cluster 0), this driver always
// allocates one data cluster up front so every live file has a unique
// non-zero Inum_t — two empty files in the same directory would
// otherwise both report inum 0 and collide in v.entries.
func (v *Volume) Create(dir defs.Inum_t, name ustr.Ustr) (defs.Inum_t, defs.Err_t) {
	clust, err := v.fat.allocateCluster()
	if err != 0 {
		return 0, err
	}
	rec, err := v.addEntry(uint32(dir), name.String(), attrArchive, clust, 0)
	if err != 0 {
		v.fat.freeChain(clust)
		return 0, err
	}
	v.rememberEntry(uint32(dir), *rec)
	return defs.Inum_t(clust), 0
}

func (v *Volume) Mkdir(dir defs.Inum_t, name ustr.Ustr) defs.Err_t {
	self, err := v.allocDirCluster(0, uint32(dir))
	if err != 0 {
		return err
	}
	// self-reference in "." needs the real cluster number, which
	// wasn't known until allocDirCluster returned it.
	if err := v.fixupDotSelf(self); err != 0 {
		return err
	}
	if _, err := v.addEntry(uint32(dir), name.String(), attrDir, self, 0); err != 0 {
		v.fat.freeChain(self)
		return err
	}
	return 0
}

// fixupDotSelf rewrites "."'s target cluster once it's known; mkdir
// writes "." before the cluster number assigned to it exists.
func (v *Volume) fixupDotSelf(self uint32) defs.Err_t {
	data, err := v.readCluster(self)
	if err != 0 {
		return err
	}
	dot := &shortEntry{nameRaw: shortNameRaw("."), attr: attrDir,
		clusHi: uint16(self >> 16), clusLo: uint16(self & 0xFFFF)}
	copy(data[0:dirEntSize], encodeShortEntry(dot))
	return v.writeCluster(self, data)
}

func (v *Volume) Unlink(dir defs.Inum_t, name ustr.Ustr) defs.Err_t {
	rec, err := v.findChild(uint32(dir), name)
	if err != 0 {
		return err
	}
	if rec.short.isDir() {
		return -defs.EISDIR
	}
	if err := v.removeEntry(uint32(dir), rec); err != 0 {
		return err
	}
	if clust := rec.short.cluster(); clust != 0 {
		if err := v.fat.freeChain(clust); err != 0 {
			return err
		}
		v.forgetEntry(clust)
	}
	return 0
}

func (v *Volume) Rmdir(dir defs.Inum_t, name ustr.Ustr) defs.Err_t {
	rec, err := v.findChild(uint32(dir), name)
	if err != 0 {
		return err
	}
	if !rec.short.isDir() {
		return -defs.ENOTDIR
	}
	clust := rec.short.cluster()
	empty, err := v.dirIsEmpty(clust)
	if err != 0 {
		return err
	}
	if !empty {
		return -defs.ENOTEMPTY
	}
	if err := v.removeEntry(uint32(dir), rec); err != 0 {
		return err
	}
	return v.fat.freeChain(clust)
}

// Rename only supports same-parent renames; spec.md explicitly allows
// rejecting cross-directory rename with Unsupported, so vfs never has
// to reconcile two filesystems' differing rename semantics.
func (v *Volume) Rename(olddir defs.Inum_t, oldname ustr.Ustr, newdir defs.Inum_t, newname ustr.Ustr) defs.Err_t {
	if olddir != newdir {
		// cross-directory rename: spec.md explicitly allows rejecting
		// this rather than implementing a second filesystem's worth of
		// atomic move-between-directories logic.
		return -defs.EINVAL
	}
	rec, err := v.findChild(uint32(olddir), oldname)
	if err != 0 {
		return err
	}
	if _, derr := v.findChild(uint32(newdir), newname); derr == 0 {
		return -defs.EEXIST
	}
	attr := rec.short.attr
	clust := rec.short.cluster()
	size := rec.short.size
	if err := v.removeEntry(uint32(olddir), rec); err != 0 {
		return err
	}
	newRec, err := v.addEntry(uint32(newdir), newname.String(), attr, clust, size)
	if err != 0 {
		return err
	}
	if attr&attrDir == 0 {
		v.rememberEntry(uint32(newdir), *newRec)
	}
	return 0
}
