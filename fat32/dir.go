package fat32

import (
	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/ustr"
)

func (v *Volume) entriesPerCluster() int { return v.bytesPerCluster() / dirEntSize }

func (v *Volume) clusterByteOffset(clust uint32) int {
	return int(v.clusterToSector(clust)) * v.sectorSize()
}

// readDir returns every live record in the directory rooted at
// startClus, stopping at the first direntFree terminator the way real
// FAT32 directories guarantee nothing valid follows it.
func (v *Volume) readDir(startClus uint32) ([]dirRecord, defs.Err_t) {
	chain, err := v.fat.clusterChain(startClus)
	if err != 0 {
		return nil, err
	}
	epc := v.entriesPerCluster()
	var out []dirRecord
	for ci, clust := range chain {
		data, err := v.readCluster(clust)
		if err != 0 {
			return nil, err
		}
		recs, stop := parseDirCluster(data, ci*epc)
		out = append(out, recs...)
		if stop {
			break
		}
	}
	return out, 0
}

func (v *Volume) findChild(dirClus uint32, name ustr.Ustr) (*dirRecord, defs.Err_t) {
	recs, err := v.readDir(dirClus)
	if err != 0 {
		return nil, err
	}
	for i := range recs {
		if recs[i].name.EqIgnoreCase(name) {
			return &recs[i], 0
		}
	}
	return nil, -defs.ENOENT
}

func (v *Volume) collectShortNames(dirClus uint32) (map[[11]byte]bool, defs.Err_t) {
	recs, err := v.readDir(dirClus)
	if err != 0 {
		return nil, err
	}
	taken := make(map[[11]byte]bool, len(recs))
	for _, r := range recs {
		taken[r.short.nameRaw] = true
	}
	return taken, 0
}

func (v *Volume) slotLocation(chain []uint32, slot int) (clust uint32, within int) {
	epc := v.entriesPerCluster()
	return chain[slot/epc], (slot % epc) * dirEntSize
}

func (v *Volume) writeSlotRaw(chain []uint32, slot int, raw []byte) defs.Err_t {
	clust, within := v.slotLocation(chain, slot)
	off := v.clusterByteOffset(clust) + within
	return writeAt(v.disk, v.mem, off, raw)
}

// findFreeRun locates need consecutive free/erased 32-byte slots in
// dirClus's chain, extending the chain with a freshly zeroed cluster
// (every slot in a new cluster is free) when the existing chain has
// no run long enough.
func (v *Volume) findFreeRun(dirClus uint32, need int) ([]uint32, []int, defs.Err_t) {
	chain, err := v.fat.clusterChain(dirClus)
	if err != 0 {
		return nil, nil, err
	}
	for {
		if slots, ok := v.scanRun(chain, need); ok {
			return chain, slots, 0
		}
		last := chain[len(chain)-1]
		nc, err := v.fat.appendCluster(last)
		if err != 0 {
			return nil, nil, err
		}
		chain = append(chain, nc)
	}
}

func (v *Volume) scanRun(chain []uint32, need int) ([]int, bool) {
	epc := v.entriesPerCluster()
	runStart := -1
	runLen := 0
	freeFromHere := false
	for ci, clust := range chain {
		data, err := v.readCluster(clust)
		if err != 0 {
			return nil, false
		}
		for i := 0; i < epc; i++ {
			slot := ci*epc + i
			first := data[i*dirEntSize]
			if first == direntFree {
				freeFromHere = true
			}
			free := freeFromHere || first == direntErased
			if free {
				if runStart < 0 {
					runStart = slot
				}
				runLen++
				if runLen >= need {
					out := make([]int, need)
					for k := 0; k < need; k++ {
						out[k] = runStart + k
					}
					return out, true
				}
			} else {
				runStart = -1
				runLen = 0
			}
		}
	}
	return nil, false
}

// addEntry allocates directory slots for name in dirClus and writes
// its LFN run (if needed) plus short entry, returning a dirRecord
// spanning every slot it wrote (so callers can removeEntry/updateEntry
// it later without re-scanning the directory).
func (v *Volume) addEntry(dirClus uint32, name string, attr uint8, startCluster, size uint32) (*dirRecord, defs.Err_t) {
	var shortRaw [11]byte
	var lfnEntries [][]byte
	if needsLFN(name) {
		taken, err := v.collectShortNames(dirClus)
		if err != 0 {
			return nil, err
		}
		shortRaw = genShortAlias(name, func(c [11]byte) bool { return taken[c] })
		lfnEntries = encodeLFNEntries(name, lfnChecksum(shortRaw))
	} else {
		shortRaw = shortNameRaw(name)
	}

	need := len(lfnEntries) + 1
	chain, slots, err := v.findFreeRun(dirClus, need)
	if err != 0 {
		return nil, err
	}

	se := &shortEntry{nameRaw: shortRaw, attr: attr,
		clusHi: uint16(startCluster >> 16), clusLo: uint16(startCluster & 0xFFFF), size: size}
	se.slot = slots[len(slots)-1]

	for i, raw := range lfnEntries {
		if err := v.writeSlotRaw(chain, slots[i], raw); err != 0 {
			return nil, err
		}
	}
	if err := v.writeSlotRaw(chain, se.slot, encodeShortEntry(se)); err != 0 {
		return nil, err
	}
	return &dirRecord{name: ustr.Ustr(name), short: se, firstSlot: slots[0], lastSlot: se.slot}, 0
}

func (v *Volume) removeEntry(dirClus uint32, rec *dirRecord) defs.Err_t {
	chain, err := v.fat.clusterChain(dirClus)
	if err != 0 {
		return err
	}
	erased := make([]byte, dirEntSize)
	erased[0] = direntErased
	for slot := rec.firstSlot; slot <= rec.lastSlot; slot++ {
		if err := v.writeSlotRaw(chain, slot, erased); err != 0 {
			return err
		}
	}
	return 0
}

// updateEntry rewrites rec's short entry in place with a new size
// and/or start cluster, used after writes/truncates change either.
func (v *Volume) updateEntry(dirClus uint32, rec *dirRecord, newCluster, newSize uint32) defs.Err_t {
	chain, err := v.fat.clusterChain(dirClus)
	if err != 0 {
		return err
	}
	se := *rec.short
	se.clusHi = uint16(newCluster >> 16)
	se.clusLo = uint16(newCluster & 0xFFFF)
	se.size = newSize
	return v.writeSlotRaw(chain, rec.lastSlot, encodeShortEntry(&se))
}

// allocDirCluster allocates and zeroes a fresh cluster, then writes
// "." and ".." short entries pointing at self/parent into its first
// two slots, per spec.md §4.7's mkdir requirement.
func (v *Volume) allocDirCluster(self, parent uint32) (uint32, defs.Err_t) {
	clust, err := v.fat.allocateCluster()
	if err != 0 {
		return 0, err
	}
	data := make([]byte, v.bytesPerCluster())
	dot := &shortEntry{nameRaw: shortNameRaw("."), attr: attrDir,
		clusHi: uint16(self >> 16), clusLo: uint16(self & 0xFFFF)}
	dotdot := &shortEntry{nameRaw: shortNameRaw(".."), attr: attrDir,
		clusHi: uint16(parent >> 16), clusLo: uint16(parent & 0xFFFF)}
	copy(data[0:dirEntSize], encodeShortEntry(dot))
	copy(data[dirEntSize:2*dirEntSize], encodeShortEntry(dotdot))
	if err := v.writeCluster(clust, data); err != 0 {
		return 0, err
	}
	return clust, 0
}

// dirIsEmpty reports whether dirClus has no entries besides "." and
// "..", the precondition rmdir checks.
func (v *Volume) dirIsEmpty(dirClus uint32) (bool, defs.Err_t) {
	recs, err := v.readDir(dirClus)
	if err != 0 {
		return false, err
	}
	for _, r := range recs {
		if !r.name.Isdot() && !r.name.Isdotdot() {
			return false, 0
		}
	}
	return true, 0
}
