// Package blockdev is the external block-device boundary fat32 reads
// and writes through. It satisfies fs.Disk_i (the async Start/Stats
// request contract fs/blk.go already defines) rather than inventing a
// second one, so Bdev_block_t/Bdev_req_t/BlkList_t stay the one
// request machinery every disk consumer in this kernel shares.
//
// Ramdisk_t is the only Disk_i this kernel actually wires up: no
// AHCI/NVMe/virtio-blk driver source exists for a freestanding target
// here, so there is nothing to adapt a real controller driver from.
// Ramdisk_t plays the same role as ufs/driver.go's ahci_disk_t, with
// os.File swapped for an in-memory byte buffer, since a freestanding
// kernel has no host filesystem to open — the boot sequence fills it
// from whatever the loader staged the disk image at (a physical
// memory range named at boot, out of this package's concern).
package blockdev

import (
	"fmt"
	"sync"

	"github.com/kctherootkey/likeos64/fs"
	"github.com/kctherootkey/likeos64/mem"
)

// Ramdisk_t serves fs.Bdev_req_t requests against an in-memory image,
// one fs.BSIZE block per Bdev_block_t exactly like ahci_disk_t did
// against a file.
type Ramdisk_t struct {
	sync.Mutex
	img   []uint8
	nreqs uint64
}

// MkRamdisk wraps img (typically the loader-staged disk image, copied
// out of the direct map once paging is up) as a Disk_i. img's length
// must be a multiple of fs.BSIZE; a short final block is zero-padded
// so callers working from an odd-sized staged image don't need to
// round it themselves.
func MkRamdisk(img []uint8) *Ramdisk_t {
	if len(img)%fs.BSIZE != 0 {
		padded := make([]uint8, (len(img)/fs.BSIZE+1)*fs.BSIZE)
		copy(padded, img)
		img = padded
	}
	return &Ramdisk_t{img: img}
}

// Start implements fs.Disk_i. Every request completes synchronously
// before Start returns; the bool return (whether the caller must wait
// on req.AckCh) is always false, matching a disk fast enough that the
// caller's fast path of not blocking at all is always correct here.
func (r *Ramdisk_t) Start(req *fs.Bdev_req_t) bool {
	r.Lock()
	defer r.Unlock()
	r.nreqs++

	switch req.Cmd {
	case fs.BDEV_READ:
		b := req.Blks.FrontBlock()
		off := b.Block * fs.BSIZE
		if off < 0 || off+fs.BSIZE > len(r.img) {
			panic("blockdev: read past end of ramdisk")
		}
		if b.Data == nil {
			b.New_page()
		}
		copy(b.Data[:], r.img[off:off+fs.BSIZE])
	case fs.BDEV_WRITE:
		for b := req.Blks.FrontBlock(); b != nil; b = req.Blks.NextBlock() {
			off := b.Block * fs.BSIZE
			if off < 0 || off+fs.BSIZE > len(r.img) {
				panic("blockdev: write past end of ramdisk")
			}
			copy(r.img[off:off+fs.BSIZE], b.Data[:])
			b.Done("blockdev.Start")
		}
	case fs.BDEV_FLUSH:
		// nothing to flush back to: the image is the only copy.
	}
	return false
}

// Stats reports request count, the same shape of debug text kheap.Stats
// and the rest of this kernel's /dev/stat-style accessors return.
func (r *Ramdisk_t) Stats() string {
	r.Lock()
	defer r.Unlock()
	return fmt.Sprintf("blockdev: ramdisk, %d blocks, %d requests serviced",
		len(r.img)/fs.BSIZE, r.nreqs)
}

// PhysBlockmem adapts mem.Physmem to fs.Blockmem_i so Bdev_block_t can
// carve its backing page from the kernel's real physical allocator
// instead of a test-only stub.
type physBlockmem_t struct{}

var PhysBlockmem fs.Blockmem_i = physBlockmem_t{}

func (physBlockmem_t) Alloc() (mem.Pa_t, *mem.Bytepg_t, bool) {
	pg, pa, ok := mem.Physmem.Refpg_new()
	if !ok {
		return 0, nil, false
	}
	return pa, mem.Pg2bytes(pg), true
}

func (physBlockmem_t) Free(pa mem.Pa_t) {
	mem.Physmem.Refdown(pa)
}

func (physBlockmem_t) Refup(pa mem.Pa_t) {
	mem.Physmem.Refup(pa)
}
