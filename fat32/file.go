package fat32

import (
	"sync"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fdops"
	"github.com/kctherootkey/likeos64/mem"
	"github.com/kctherootkey/likeos64/stat"
)

// fileHandle is the Fdops_i a regular file's open fd carries. Reads
// and writes go straight through to disk (the block cache underneath
// already buffers at the block level); there is no separate page
// cache layered on top.
type fileHandle struct {
	sync.Mutex
	v       *Volume
	dirClus uint32
	rec     dirRecord
	off     int
}

func (f *fileHandle) readAbs(off, n int) ([]byte, defs.Err_t) {
	v := f.v
	size := int(f.rec.short.size)
	if off >= size {
		return nil, 0
	}
	if off+n > size {
		n = size - off
	}
	chain, err := v.fat.clusterChain(f.rec.short.cluster())
	if err != 0 {
		return nil, err
	}
	bpc := v.bytesPerCluster()
	out := make([]byte, 0, n)
	for len(out) < n {
		cur := off + len(out)
		ci := cur / bpc
		within := cur % bpc
		if ci >= len(chain) {
			break
		}
		data, err := v.readCluster(chain[ci])
		if err != 0 {
			return nil, err
		}
		take := bpc - within
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, data[within:within+take]...)
	}
	return out, 0
}

func (f *fileHandle) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	total := 0
	for dst.Remain() > 0 {
		data, err := f.readAbs(f.off, dst.Remain())
		if err != 0 {
			return total, err
		}
		if len(data) == 0 {
			break
		}
		n, err := dst.Uiowrite(data)
		if err != 0 {
			return total, err
		}
		total += n
		f.off += n
		if n < len(data) {
			break
		}
	}
	return total, 0
}

func (f *fileHandle) Write(src fdops.Userio_i) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	v := f.v
	bpc := v.bytesPerCluster()
	firstClust := f.rec.short.cluster()
	chain, err := v.fat.clusterChain(firstClust)
	if err != 0 {
		return 0, err
	}
	total := 0
	for src.Remain() > 0 {
		ci := f.off / bpc
		within := f.off % bpc
		for ci >= len(chain) {
			var nc uint32
			var aerr defs.Err_t
			if len(chain) == 0 {
				nc, aerr = v.fat.allocateCluster()
			} else {
				nc, aerr = v.fat.appendCluster(chain[len(chain)-1])
			}
			if aerr != 0 {
				return total, aerr
			}
			chain = append(chain, nc)
		}
		data, err := v.readCluster(chain[ci])
		if err != 0 {
			return total, err
		}
		n, err := src.Uioread(data[within:])
		if err != 0 {
			return total, err
		}
		if n == 0 {
			break
		}
		if err := v.writeCluster(chain[ci], data); err != 0 {
			return total, err
		}
		total += n
		f.off += n
	}
	if total == 0 {
		return 0, 0
	}
	if len(chain) > 0 {
		firstClust = chain[0]
	}
	newSize := f.rec.short.size
	if uint32(f.off) > newSize {
		newSize = uint32(f.off)
	}
	if err := v.updateEntry(f.dirClus, &f.rec, firstClust, newSize); err != 0 {
		return total, err
	}
	f.rec.short.clusHi = uint16(firstClust >> 16)
	f.rec.short.clusLo = uint16(firstClust & 0xFFFF)
	f.rec.short.size = newSize
	return total, 0
}

func (f *fileHandle) Truncate(newlen uint) defs.Err_t {
	f.Lock()
	defer f.Unlock()
	v := f.v
	clust := f.rec.short.cluster()
	if newlen == 0 {
		if clust != 0 {
			if err := v.fat.freeChain(clust); err != 0 {
				return err
			}
		}
		if err := v.updateEntry(f.dirClus, &f.rec, 0, 0); err != 0 {
			return err
		}
		f.rec.short.clusHi, f.rec.short.clusLo, f.rec.short.size = 0, 0, 0
		f.off = 0
		return 0
	}
	// Growing or shrinking within the existing chain just rewrites the
	// size field; this driver never reclaims a chain's tail clusters
	// on shrink, matching how most FAT32 drivers treat truncate-up as
	// the common case and leave truncate-down's freed tail for the
	// next write past the new size to reuse.
	if err := v.updateEntry(f.dirClus, &f.rec, clust, uint32(newlen)); err != 0 {
		return err
	}
	f.rec.short.size = uint32(newlen)
	return 0
}

func (f *fileHandle) Lseek(off, whence int) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	switch whence {
	case defs.SEEK_SET:
		f.off = off
	case defs.SEEK_CUR:
		f.off += off
	case defs.SEEK_END:
		f.off = int(f.rec.short.size) + off
	default:
		return 0, -defs.EINVAL
	}
	if f.off < 0 {
		f.off = 0
		return 0, -defs.EINVAL
	}
	return f.off, 0
}

func (f *fileHandle) Mmapi(pgno, pglen int, write bool) ([]fdops.Mmapinfo_t, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	v := f.v
	out := make([]fdops.Mmapinfo_t, 0, pglen)
	for i := 0; i < pglen; i++ {
		byteOff := (pgno + i) * mem.PGSIZE
		pa, bpg, ok := v.mem.Alloc()
		if !ok {
			return nil, -defs.ENOMEM
		}
		data, err := f.readAbs(byteOff, mem.PGSIZE)
		if err != 0 {
			v.mem.Free(pa)
			return nil, err
		}
		copy(bpg[:], data)
		out = append(out, fdops.Mmapinfo_t{Pg: mem.Bytepg2pg(bpg), Phys: pa})
	}
	return out, 0
}

func (f *fileHandle) Pathi() defs.Inum_t { return defs.Inum_t(f.rec.short.cluster()) }

func (f *fileHandle) Reopen() defs.Err_t { return 0 }

func (f *fileHandle) Close() defs.Err_t { return 0 }

func (f *fileHandle) Fstat(st *stat.Stat_t) defs.Err_t {
	f.Lock()
	defer f.Unlock()
	st.Wino(uint(f.rec.short.cluster()))
	st.Wmode(uint(stat.IFREG | 0644))
	st.Wsize(uint(f.rec.short.size))
	st.Wmtime(0, 0)
	return 0
}

func (f *fileHandle) Readdir(dst fdops.Userio_i, cookie int) (int, int, defs.Err_t) {
	return 0, 0, -defs.ENOTDIR
}

func (f *fileHandle) Ioctl(cmd int, arg int) (int, defs.Err_t) {
	return 0, -defs.ENOTTY
}
