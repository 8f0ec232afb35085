// Package fat32 implements the on-disk FAT32 driver: BPB validation
// and volume discovery, the FAT cache window, cluster-chain walking,
// LFN-aware directory I/O, and the file/directory handles that back
// vfs.Filesystem_i. It reads and writes through blockdev's Disk_i via
// fs.Bdev_block_t, the same block-cache primitive this kernel's other
// filesystem code uses, just applied to a different on-disk layout.
package fat32

import (
	"encoding/binary"

	"github.com/kctherootkey/likeos64/defs"
)

// Byte offsets into a FAT32 boot sector, per Microsoft's published FAT
// layout (the same fields ostafen-digler's FatBootSector models with a
// tagged struct; this package reads them positionally off the raw
// sector instead, since the window cache hands back a live byte slice
// rather than a value it's safe to reinterpret-cast).
const (
	bsJmpBoot     = 0
	bsOEMName     = 3
	bpbBytsPerSec = 11
	bpbSecPerClus = 13
	bpbRsvdSecCnt = 14
	bpbNumFATs    = 16
	bpbRootEntCnt = 17
	bpbTotSec16   = 19
	bpbMedia      = 21
	bpbFATSz16    = 22
	bpbTotSec32   = 32
	bpbFATSz32    = 36
	bpbExtFlags   = 40
	bpbFSVer32    = 42
	bpbRootClus32 = 44
	bpbFSInfo32   = 48
	bpbBkBootSec  = 50
	bsDrvNum32    = 64
	bsBootSig32   = 66
	bsFilSysType32 = 82

	bsSigOff = 510
	bsSig    = 0xAA55
)

// FSInfo sector offsets.
const (
	fsiLeadSig   = 0
	fsiStrucSig  = 484
	fsiFreeCount = 488
	fsiNextFree  = 492
	fsiTrailSig  = 508

	fsiLeadSigVal  = 0x41615252
	fsiStrucSigVal = 0x61417272
)

// BPB holds the fields of a validated FAT32 boot sector, already
// converted to native ints.
type BPB struct {
	BytsPerSec uint16
	SecPerClus uint8
	RsvdSecCnt uint16
	NumFATs    uint8
	FATSz32    uint32
	RootClus   uint32
	FSInfo     uint16
	BkBootSec  uint16
	TotSec32   uint32
}

// parseBPB validates sec (one boot-sector-sized slice, BytsPerSec
// bytes) per spec.md §4.7's checklist and returns the parsed fields.
func parseBPB(sec []byte) (*BPB, defs.Err_t) {
	if len(sec) < 90 {
		return nil, -defs.EINVAL
	}
	if sec[bsJmpBoot] != 0xEB && sec[bsJmpBoot] != 0xE9 {
		return nil, -defs.EINVAL
	}
	if binary.LittleEndian.Uint16(sec[bsSigOff:]) != bsSig {
		return nil, -defs.EINVAL
	}

	bps := binary.LittleEndian.Uint16(sec[bpbBytsPerSec:])
	switch bps {
	case 512, 1024, 2048, 4096:
	default:
		return nil, -defs.EINVAL
	}

	spc := sec[bpbSecPerClus]
	if spc == 0 || spc > 128 || spc&(spc-1) != 0 {
		return nil, -defs.EINVAL
	}

	rsvd := binary.LittleEndian.Uint16(sec[bpbRsvdSecCnt:])
	if rsvd == 0 {
		return nil, -defs.EINVAL
	}

	nfats := sec[bpbNumFATs]
	if nfats != 1 && nfats != 2 {
		return nil, -defs.EINVAL
	}

	rootEntCnt := binary.LittleEndian.Uint16(sec[bpbRootEntCnt:])
	if rootEntCnt != 0 {
		// non-zero root-entry-count means FAT12/16, not FAT32.
		return nil, -defs.EINVAL
	}

	fatsz32 := binary.LittleEndian.Uint32(sec[bpbFATSz32:])
	if fatsz32 == 0 {
		return nil, -defs.EINVAL
	}

	rootClus := binary.LittleEndian.Uint32(sec[bpbRootClus32:])
	if rootClus < 2 {
		return nil, -defs.EINVAL
	}

	if string(sec[bsFilSysType32:bsFilSysType32+3]) != "FAT" {
		return nil, -defs.EINVAL
	}

	totSec32 := binary.LittleEndian.Uint32(sec[bpbTotSec32:])

	return &BPB{
		BytsPerSec: bps,
		SecPerClus: spc,
		RsvdSecCnt: rsvd,
		NumFATs:    nfats,
		FATSz32:    fatsz32,
		RootClus:   rootClus,
		FSInfo:     binary.LittleEndian.Uint16(sec[bpbFSInfo32:]),
		BkBootSec:  binary.LittleEndian.Uint16(sec[bpbBkBootSec:]),
		TotSec32:   totSec32,
	}, 0
}
