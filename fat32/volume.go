package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/fs"
)

const (
	mbrPartTableOff = 446
	mbrPartEntrySz  = 16
	mbrSigOff       = 510
	mbrSig          = 0xAA55

	mbrTypeGPTProtective = 0xEE
	mbrTypeFAT32LBA      = 0x0C
	mbrTypeFAT32         = 0x0B

	gptHeaderLBA = 1
	gptSigOff    = 0
	gptPartLBAOff = 72
	gptPartCountOff = 80
	gptPartSizeOff  = 84

	lba2048Fallback = 2048
)

var gptSig = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// efiSystemPartitionGUID is the little-endian on-disk byte encoding of
// C12A7328-F81F-11D2-BA4B-00A0C93EC93B, the well-known EFI System
// Partition type GUID.
var efiSystemPartitionGUID = [16]byte{
	0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11,
	0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B,
}

// candidate is one partition-start guess to try mounting a BPB at.
type candidate struct {
	lba  uint32
	base bool // a non-zero partition base found via MBR/GPT, vs. a bare LBA-0/2048 guess
}

// discoverCandidates implements spec.md §4.7's mount fallback chain:
// LBA 0 first, then MBR partition entries, then (behind a protective
// MBR) the GPT array preferring the ESP, then LBA 2048 as a last
// resort.
func discoverCandidates(disk fs.Disk_i, mem fs.Blockmem_i) []candidate {
	cands := []candidate{{lba: 0}}

	mbr, err := readAt(disk, mem, 0, 512)
	if err != 0 || binary.LittleEndian.Uint16(mbr[mbrSigOff:]) != mbrSig {
		cands = append(cands, candidate{lba: lba2048Fallback})
		return cands
	}

	isProtective := false
	for i := 0; i < 4; i++ {
		e := mbr[mbrPartTableOff+i*mbrPartEntrySz:]
		ptype := e[4]
		if ptype == 0 {
			continue
		}
		if ptype == mbrTypeGPTProtective {
			isProtective = true
			continue
		}
		start := binary.LittleEndian.Uint32(e[8:12])
		if ptype == mbrTypeFAT32 || ptype == mbrTypeFAT32LBA {
			cands = append(cands, candidate{lba: start, base: true})
		}
	}

	if isProtective {
		if esp, ok := findESP(disk, mem); ok {
			// Insert the ESP ahead of any plain MBR entries found
			// above (GPT is authoritative when a protective MBR is
			// present), but keep LBA 0 first per the "try LBA 0
			// before anything else" rule.
			cands = append([]candidate{{lba: 0}, {lba: esp, base: true}}, cands[1:]...)
		}
	}

	cands = append(cands, candidate{lba: lba2048Fallback})
	return cands
}

func findESP(disk fs.Disk_i, mem fs.Blockmem_i) (uint32, bool) {
	hdr, err := readAt(disk, mem, gptHeaderLBA*512, 512)
	if err != 0 {
		return 0, false
	}
	for i, b := range gptSig {
		if hdr[gptSigOff+i] != b {
			return 0, false
		}
	}
	partLBA := binary.LittleEndian.Uint64(hdr[gptPartLBAOff:])
	count := binary.LittleEndian.Uint32(hdr[gptPartCountOff:])
	esize := binary.LittleEndian.Uint32(hdr[gptPartSizeOff:])
	if esize < 56 || count == 0 || count > 1024 {
		return 0, false
	}

	arr, err := readAt(disk, mem, int(partLBA)*512, int(count)*int(esize))
	if err != 0 {
		return 0, false
	}
	for i := uint32(0); i < count; i++ {
		e := arr[i*esize:]
		if guidEq(e[0:16], efiSystemPartitionGUID) {
			return uint32(binary.LittleEndian.Uint64(e[32:40])), true
		}
	}
	// No ESP found; fall back to the first non-empty entry.
	var zero [16]byte
	for i := uint32(0); i < count; i++ {
		e := arr[i*esize:]
		if !guidEq(e[0:16], zero) {
			return uint32(binary.LittleEndian.Uint64(e[32:40])), true
		}
	}
	return 0, false
}

func guidEq(b []byte, g [16]byte) bool {
	for i := 0; i < 16; i++ {
		if b[i] != g[i] {
			return false
		}
	}
	return true
}

// Volume is a mounted FAT32 filesystem. Its Inum_t is a file or
// directory's first cluster number (defs.Inum_t), stable across
// renames within the same parent (per defs.Inum_t's own doc).
type Volume struct {
	sync.Mutex

	disk fs.Disk_i
	mem  fs.Blockmem_i
	bpb  *BPB

	partBase uint32 // partition start LBA, in BytsPerSec units
	fatBase  uint32 // first FAT sector, relative to disk start
	dataBase uint32 // first data (cluster 2) sector, relative to disk start

	fat *fatCache

	freeClusters uint32 // best-effort count, maintained incrementally
	nextFree     uint32 // next cluster to probe when allocating

	// entries remembers, for every file inum Lookup or Create has
	// handed out, which directory cluster and raw directory record it
	// came from. Open only receives the inum (vfs.Filesystem_i's
	// contract never threads the parent through), so this is how a
	// later Open(inum, ...) finds its way back to the directory entry
	// Write/Truncate/Fstat need to read and rewrite.
	entries map[uint32]entryMeta
}

type entryMeta struct {
	dirClus uint32
	rec     dirRecord
}

func (v *Volume) rememberEntry(dirClus uint32, rec dirRecord) {
	v.Lock()
	defer v.Unlock()
	v.entries[rec.short.cluster()] = entryMeta{dirClus: dirClus, rec: rec}
}

func (v *Volume) forgetEntry(clust uint32) {
	v.Lock()
	defer v.Unlock()
	delete(v.entries, clust)
}

func (v *Volume) lookupMeta(clust uint32) (entryMeta, bool) {
	v.Lock()
	defer v.Unlock()
	m, ok := v.entries[clust]
	return m, ok
}

// Mount validates candidate partition starts in the order
// discoverCandidates returns them and keeps the first one whose boot
// sector passes parseBPB, preferring (per spec.md §4.7) a non-zero
// base over LBA 0 when more than one candidate would succeed —
// callers scanning a disk that also carries a protective MBR/GPT
// almost always want the partition, not whatever happens to sit at
// LBA 0 literally.
func Mount(disk fs.Disk_i, mem fs.Blockmem_i) (*Volume, defs.Err_t) {
	cands := discoverCandidates(disk, mem)

	var best *Volume
	var bestIsBase bool
	for _, c := range cands {
		if c.lba == lba2048Fallback && !c.base && best != nil {
			// LBA 2048 is the last resort, probed only when no
			// earlier candidate mounted.
			break
		}
		sec, err := readAt(disk, mem, int(c.lba)*512, 512)
		if err != 0 {
			continue
		}
		bpb, err := parseBPB(sec)
		if err != 0 {
			continue
		}
		v := &Volume{
			disk:     disk,
			mem:      mem,
			bpb:      bpb,
			partBase: c.lba,
			entries:  make(map[uint32]entryMeta),
		}
		v.fatBase = c.lba + uint32(bpb.RsvdSecCnt)
		v.dataBase = v.fatBase + uint32(bpb.NumFATs)*bpb.FATSz32
		v.fat = newFatCache(v)
		if free, first, ferr := v.fat.scanFree(); ferr == 0 {
			v.freeClusters, v.nextFree = free, first
		}

		if best == nil || (c.base && !bestIsBase) {
			best = v
			bestIsBase = c.base
		}
	}
	if best == nil {
		return nil, -defs.ENXIO
	}
	return best, 0
}

// Root returns the root directory's inum.
func (v *Volume) Root() defs.Inum_t {
	return defs.Inum_t(v.bpb.RootClus)
}

// sectorSize/clusterSectors/bytesPerCluster are small accessors used
// throughout the rest of the package.
func (v *Volume) sectorSize() int       { return int(v.bpb.BytsPerSec) }
func (v *Volume) clusterSectors() int   { return int(v.bpb.SecPerClus) }
func (v *Volume) bytesPerCluster() int  { return v.sectorSize() * v.clusterSectors() }

// clusterToSector converts a cluster number to its first absolute disk
// sector.
func (v *Volume) clusterToSector(clust uint32) uint32 {
	return v.dataBase + (clust-2)*uint32(v.clusterSectors())
}

// readCluster reads one whole cluster's contents.
func (v *Volume) readCluster(clust uint32) ([]byte, defs.Err_t) {
	off := int(v.clusterToSector(clust)) * v.sectorSize()
	return readAt(v.disk, v.mem, off, v.bytesPerCluster())
}

// writeCluster writes data (exactly one cluster's worth) back.
func (v *Volume) writeCluster(clust uint32, data []byte) defs.Err_t {
	off := int(v.clusterToSector(clust)) * v.sectorSize()
	return writeAt(v.disk, v.mem, off, data)
}

// zeroCluster clears a newly allocated cluster, per spec.md §4.7's
// mkdir/allocate_cluster requirement.
func (v *Volume) zeroCluster(clust uint32) defs.Err_t {
	return v.writeCluster(clust, make([]byte, v.bytesPerCluster()))
}

// FreeClusters reports the best-effort free-cluster count (spec.md's
// supplemented statfs-shaped accessor; not wired to any syscall).
func (v *Volume) FreeClusters() uint32 {
	v.Lock()
	defer v.Unlock()
	return v.freeClusters
}
