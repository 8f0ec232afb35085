package fat32

import (
	"encoding/binary"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fs"
)

// fatEOC is the smallest cluster-chain-end sentinel this driver ever
// writes; any stored value >= fatEOC terminates a chain on read too,
// per spec.md §4.7.
const fatEOC = 0x0FFFFFF8

// fatEntryMask keeps the reserved top 4 bits of a FAT32 entry
// untouched on write; only the low 28 bits carry the cluster number.
const fatEntryMask = 0x0FFFFFFF

// fatWindowBytes is the size of the in-memory FAT cache window. One
// fs.BSIZE block gives 1024 four-byte entries per window, matching the
// block-cache granularity every other disk structure in this kernel
// already reads at.
const fatWindowBytes = fs.BSIZE

// fatCache holds a single aligned window of FAT entries in memory,
// reloading (after flushing any dirty window) whenever the requested
// entry falls outside it, and mirroring every write to all FAT copies.
type fatCache struct {
	v       *Volume
	loaded  bool
	dirty   bool
	winBase uint32 // byte offset within one FAT copy that data[0] covers
	data    []byte
}

func newFatCache(v *Volume) *fatCache {
	return &fatCache{v: v}
}

func (c *fatCache) windowFor(entryByteOff uint32) uint32 {
	return (entryByteOff / fatWindowBytes) * fatWindowBytes
}

func (c *fatCache) ensure(entry uint32) defs.Err_t {
	off := entry * 4
	want := c.windowFor(off)
	if c.loaded && want == c.winBase {
		return 0
	}
	if err := c.flush(); err != 0 {
		return err
	}
	v := c.v
	base := int(v.fatBase)*v.sectorSize() + int(want)
	data, err := readAt(v.disk, v.mem, base, fatWindowBytes)
	if err != 0 {
		return err
	}
	c.data = data
	c.winBase = want
	c.loaded = true
	c.dirty = false
	return 0
}

// flush writes the current dirty window back to every FAT copy.
func (c *fatCache) flush() defs.Err_t {
	if !c.loaded || !c.dirty {
		return 0
	}
	v := c.v
	for i := uint8(0); i < v.bpb.NumFATs; i++ {
		base := int(v.fatBase)*v.sectorSize() + int(i)*int(v.bpb.FATSz32)*v.sectorSize() + int(c.winBase)
		if err := writeAt(v.disk, v.mem, base, c.data); err != 0 {
			return err
		}
	}
	c.dirty = false
	return 0
}

// get reads FAT entry n, masking off the reserved top 4 bits.
func (c *fatCache) get(n uint32) (uint32, defs.Err_t) {
	if err := c.ensure(n); err != 0 {
		return 0, err
	}
	idx := n*4 - c.winBase
	return binary.LittleEndian.Uint32(c.data[idx:]) & fatEntryMask, 0
}

// set writes FAT entry n, preserving whatever reserved bits were
// already on disk.
func (c *fatCache) set(n, val uint32) defs.Err_t {
	if err := c.ensure(n); err != 0 {
		return err
	}
	idx := n*4 - c.winBase
	old := binary.LittleEndian.Uint32(c.data[idx:])
	binary.LittleEndian.PutUint32(c.data[idx:], (old&^fatEntryMask)|(val&fatEntryMask))
	c.dirty = true
	return c.flush()
}

// clusterChain walks the chain starting at start, tolerating a
// spurious 0 entry mid-chain by best-effort advancing to the next
// sequential cluster number (spec.md §9's named ambiguity: a genuine
// free-list corruption and a media error both present as an
// unexpected 0 here, and this driver has no way to tell them apart).
func (c *fatCache) clusterChain(start uint32) ([]uint32, defs.Err_t) {
	var chain []uint32
	cur := start
	seen := map[uint32]bool{}
	for cur >= 2 && cur < fatEOC {
		if seen[cur] {
			break // cyclic chain; stop rather than loop forever
		}
		seen[cur] = true
		chain = append(chain, cur)
		next, err := c.get(cur)
		if err != 0 {
			return nil, err
		}
		if next == 0 {
			next = cur + 1
		}
		cur = next
	}
	return chain, 0
}

// allocateCluster scans the FAT for a free (0) entry, starting from
// v.nextFree, marks it end-of-chain, and zeros its backing cluster.
func (c *fatCache) allocateCluster() (uint32, defs.Err_t) {
	v := c.v
	nEntries := v.bpb.FATSz32 * uint32(v.sectorSize()) / 4

	start := v.nextFree
	if start < 2 {
		start = 2
	}
	for i := uint32(0); i < nEntries; i++ {
		n := start + i
		if n >= nEntries {
			n = 2 + (n - nEntries)
		}
		val, err := c.get(n)
		if err != 0 {
			return 0, err
		}
		if val == 0 {
			if err := c.set(n, fatEOC); err != 0 {
				return 0, err
			}
			if err := v.zeroCluster(n); err != 0 {
				return 0, err
			}
			v.nextFree = n + 1
			if v.freeClusters > 0 {
				v.freeClusters--
			}
			return n, 0
		}
	}
	return 0, -defs.ENOMEM
}

// appendCluster allocates a new cluster and links last to it.
func (c *fatCache) appendCluster(last uint32) (uint32, defs.Err_t) {
	n, err := c.allocateCluster()
	if err != 0 {
		return 0, err
	}
	if err := c.set(last, n); err != 0 {
		return 0, err
	}
	return n, 0
}

// scanFree walks the whole FAT once, counting free entries and noting
// the first one found, the "basic accounting" SPEC_FULL.md calls for
// rather than trusting a possibly-stale FSInfo sector.
func (c *fatCache) scanFree() (free uint32, firstFree uint32, err defs.Err_t) {
	v := c.v
	nEntries := v.bpb.FATSz32 * uint32(v.sectorSize()) / 4
	firstFree = 2
	found := false
	for n := uint32(2); n < nEntries; n++ {
		val, gerr := c.get(n)
		if gerr != 0 {
			return 0, 2, gerr
		}
		if val == 0 {
			free++
			if !found {
				firstFree = n
				found = true
			}
		}
	}
	return free, firstFree, 0
}

// freeChain walks start's chain and marks every cluster in it free.
func (c *fatCache) freeChain(start uint32) defs.Err_t {
	chain, err := c.clusterChain(start)
	if err != 0 {
		return err
	}
	for _, clust := range chain {
		if err := c.set(clust, 0); err != 0 {
			return err
		}
		c.v.freeClusters++
	}
	return 0
}
