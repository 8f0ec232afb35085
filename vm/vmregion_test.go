package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/defs"
)

func anonRegion(pgn uintptr, pglen int) *Vminfo_t {
	return &Vminfo_t{Mtype: VANON, Pgn: pgn, Pglen: pglen, Perms: uint(PTE_U | PTE_W)}
}

func TestVmregionLookupFindsContainingRegion(t *testing.T) {
	var vr Vmregion_t
	vr.insert(anonRegion(10, 5))
	vr.insert(anonRegion(20, 3))

	vmi, ok := vr.Lookup(12 << PGSHIFT)
	require.True(t, ok)
	require.EqualValues(t, 10, vmi.Pgn)

	vmi, ok = vr.Lookup(22 << PGSHIFT)
	require.True(t, ok)
	require.EqualValues(t, 20, vmi.Pgn)

	_, ok = vr.Lookup(16 << PGSHIFT)
	require.False(t, ok)
}

func TestVmregionInsertPanicsOnOverlap(t *testing.T) {
	var vr Vmregion_t
	vr.insert(anonRegion(10, 5))
	require.Panics(t, func() { vr.insert(anonRegion(12, 5)) })
}

func TestVmregionRemoveDropsExactMatchOnly(t *testing.T) {
	var vr Vmregion_t
	vr.insert(anonRegion(10, 5))
	vr.insert(anonRegion(20, 3))

	vr.Remove(10, 4) // length mismatch: no-op
	_, ok := vr.Lookup(11 << PGSHIFT)
	require.True(t, ok)

	vr.Remove(10, 5)
	_, ok = vr.Lookup(11 << PGSHIFT)
	require.False(t, ok)

	_, ok = vr.Lookup(21 << PGSHIFT)
	require.True(t, ok)
}

func TestVmregionClearEmptiesEverything(t *testing.T) {
	var vr Vmregion_t
	vr.insert(anonRegion(10, 5))
	vr.insert(anonRegion(20, 3))
	vr.Clear()

	_, ok := vr.Lookup(11 << PGSHIFT)
	require.False(t, ok)
	_, ok = vr.Lookup(21 << PGSHIFT)
	require.False(t, ok)
}

func TestVmregionEmptyFindsGapPastExistingRegions(t *testing.T) {
	var vr Vmregion_t
	vr.insert(anonRegion(10, 5)) // occupies byte range [10, 15)<<PGSHIFT

	// a request wide enough to overlap the existing region is pushed
	// past its end; requesting less than that fits before it instead.
	start, _ := vr.empty(0, 15<<PGSHIFT)
	require.EqualValues(t, 15<<PGSHIFT, start)

	start, _ = vr.empty(0, 5<<PGSHIFT)
	require.EqualValues(t, 0, start)
}

func TestMunmapRejectsMisalignedRange(t *testing.T) {
	var as Vm_t
	err := as.Munmap(1, PGSIZE)
	require.Equal(t, -defs.EINVAL, err)
}

func TestMunmapRejectsRangeWithNoMatchingRegion(t *testing.T) {
	var as Vm_t
	err := as.Munmap(PGSIZE, PGSIZE)
	require.Equal(t, -defs.EINVAL, err)
}
