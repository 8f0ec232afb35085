package ufs

import (
	"fmt"
	"os"
	"sync"

	"github.com/kctherootkey/likeos64/fs"
	"github.com/kctherootkey/likeos64/mem"
)

//
// The "driver"
//

// fileDisk_t implements fs.Disk_i against a host file, the same role
// blockdev.Ramdisk_t plays for the booted kernel against an in-memory
// image: every request is serviced synchronously, since host-mode
// tooling has no scheduler to block a goroutine against while I/O is
// outstanding.
type fileDisk_t struct {
	sync.Mutex
	f     *os.File
	nreqs uint64
}

func newFileDisk(f *os.File) *fileDisk_t {
	return &fileDisk_t{f: f}
}

func (d *fileDisk_t) Start(req *fs.Bdev_req_t) bool {
	d.Lock()
	defer d.Unlock()
	d.nreqs++
	switch req.Cmd {
	case fs.BDEV_READ:
		for b := req.Blks.FrontBlock(); b != nil; b = req.Blks.NextBlock() {
			if b.Data == nil {
				b.New_page()
			}
			off := int64(b.Block) * int64(fs.BSIZE)
			if _, err := d.f.ReadAt(b.Data[:], off); err != nil {
				panic(fmt.Sprintf("ufs: read block %d: %v", b.Block, err))
			}
		}
	case fs.BDEV_WRITE:
		for b := req.Blks.FrontBlock(); b != nil; b = req.Blks.NextBlock() {
			off := int64(b.Block) * int64(fs.BSIZE)
			if _, err := d.f.WriteAt(b.Data[:], off); err != nil {
				panic(fmt.Sprintf("ufs: write block %d: %v", b.Block, err))
			}
			b.Done("ufs.Start")
		}
	case fs.BDEV_FLUSH:
		if err := d.f.Sync(); err != nil {
			panic(fmt.Sprintf("ufs: sync: %v", err))
		}
	}
	return false
}

func (d *fileDisk_t) Stats() string {
	d.Lock()
	defer d.Unlock()
	return fmt.Sprintf("ufs: file disk, %d requests serviced", d.nreqs)
}

//
// Glue
//

// hostBlockmem_t is the same trivial fs.Blockmem_i stand-in the fat32
// package's own tests use instead of mem.Physmem, which requires a
// real boot sequence to have run before it can hand out a page.
type hostBlockmem_t struct{}

var hostMem fs.Blockmem_i = hostBlockmem_t{}

func (hostBlockmem_t) Alloc() (mem.Pa_t, *mem.Bytepg_t, bool) {
	return mem.Pa_t(0), &mem.Bytepg_t{}, true
}
func (hostBlockmem_t) Free(mem.Pa_t)  {}
func (hostBlockmem_t) Refup(mem.Pa_t) {}
