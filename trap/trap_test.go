package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/defs"
	"github.com/kctherootkey/likeos64/kheap"
)

func TestCheckUserPtrRejectsNegativeLength(t *testing.T) {
	require.Equal(t, -defs.EFAULT, checkUserPtr(defs.UserPtrMin, -1))
}

func TestCheckUserPtrRejectsBelowMin(t *testing.T) {
	require.Equal(t, -defs.EFAULT, checkUserPtr(defs.UserPtrMin-1, 0))
}

func TestCheckUserPtrRejectsAboveMax(t *testing.T) {
	require.Equal(t, -defs.EFAULT, checkUserPtr(int(defs.UserPtrMax)+1, 0))
}

func TestCheckUserPtrRejectsOverflowingEnd(t *testing.T) {
	require.Equal(t, -defs.EFAULT, checkUserPtr(int(defs.UserPtrMax)-1, 16))
}

func TestCheckUserPtrAcceptsWellFormedRange(t *testing.T) {
	require.Equal(t, defs.Err_t(0), checkUserPtr(defs.UserPtrMin, 4096))
}

func TestCheckUserStrRejectsOutOfRangePointer(t *testing.T) {
	require.Equal(t, -defs.EFAULT, checkUserStr(defs.UserPtrMin-1))
	require.Equal(t, -defs.EFAULT, checkUserStr(int(defs.UserPtrMax)+1))
}

func TestCheckUserStrAcceptsInRangePointer(t *testing.T) {
	require.Equal(t, defs.Err_t(0), checkUserStr(defs.UserPtrMin))
}

func TestMmapRegionLenRoundsUpToPageMultiple(t *testing.T) {
	require.Equal(t, 4096, mmapRegionLen(1))
	require.Equal(t, 4096, mmapRegionLen(4096))
	require.Equal(t, 8192, mmapRegionLen(4097))
	require.Equal(t, 0, mmapRegionLen(0))
}

func TestMemstatsSnapshotReturnsKheapStats(t *testing.T) {
	require.NotPanics(t, func() { memstatsSnapshot() })
	require.Equal(t, kheap.Stats(), memstatsSnapshot())
}
