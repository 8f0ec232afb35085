package fat32

import (
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fs"
)

// rawBlock reads one fs.BSIZE block through disk/mem, the same
// Bdev_block_t lifecycle ufs/driver.go's blockmem_t exercises for
// test scaffolding, used here for the handful of whole-disk structures
// (boot sector, MBR, GPT header/array) mount reads before the FAT
// cache window takes over steady-state I/O.
func rawBlock(disk fs.Disk_i, mem fs.Blockmem_i, block int) ([]byte, defs.Err_t) {
	b := fs.MkBlock_newpage(block, "fat32.rawBlock", mem, disk, nil)
	b.Read()
	out := make([]byte, fs.BSIZE)
	copy(out, b.Data[:])
	mem.Free(b.Pa)
	return out, 0
}

// readAt reads n bytes starting at absolute byte offset off on disk,
// spanning as many fs.BSIZE blocks as needed.
func readAt(disk fs.Disk_i, mem fs.Blockmem_i, off, n int) ([]byte, defs.Err_t) {
	out := make([]byte, 0, n)
	for len(out) < n {
		block := (off + len(out)) / fs.BSIZE
		within := (off + len(out)) % fs.BSIZE
		data, err := rawBlock(disk, mem, block)
		if err != 0 {
			return nil, err
		}
		take := fs.BSIZE - within
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, data[within:within+take]...)
	}
	return out, 0
}

func writeAt(disk fs.Disk_i, mem fs.Blockmem_i, off int, data []byte) defs.Err_t {
	n := len(data)
	written := 0
	for written < n {
		block := (off + written) / fs.BSIZE
		within := (off + written) % fs.BSIZE
		cur, err := rawBlock(disk, mem, block)
		if err != 0 {
			return err
		}
		take := fs.BSIZE - within
		if take > n-written {
			take = n - written
		}
		copy(cur[within:within+take], data[written:written+take])

		b := fs.MkBlock_newpage(block, "fat32.writeAt", mem, disk, nil)
		copy(b.Data[:], cur)
		b.Write()
		mem.Free(b.Pa)

		written += take
	}
	return 0
}
