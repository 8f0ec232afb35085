package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kctherootkey/likeos64/defs"
)

// mkTestTask builds a minimal registered task for signal tests. Status
// is always READY or ZOMBIE, never BLOCKED, so Wake's enqueue path
// (which reaches into percpu) is never taken: Wake only calls enqueue
// when it finds BLOCKED.
func mkTestTask(pid, pgid defs.Pid_t, status Status_t) *Task_t {
	t := &Task_t{Pid: pid, Pgid: pgid, Status: status}
	register(t)
	return t
}

func TestSignalPgrpSetsPendingSigForMatchingGroupOnly(t *testing.T) {
	a := mkTestTask(9001, 7, READY)
	b := mkTestTask(9002, 7, READY)
	c := mkTestTask(9003, 9, READY)
	defer unregister(a.Pid)
	defer unregister(b.Pid)
	defer unregister(c.Pid)

	SignalPgrp(7, defs.SIGTERM)

	require.EqualValues(t, defs.SIGTERM, a.PendingSig)
	require.EqualValues(t, defs.SIGTERM, b.PendingSig)
	require.EqualValues(t, 0, c.PendingSig)
}

func TestSignalPgrpSkipsZombies(t *testing.T) {
	z := mkTestTask(9004, 5, ZOMBIE)
	defer unregister(z.Pid)

	SignalPgrp(5, defs.SIGTERM)
	require.EqualValues(t, 0, z.PendingSig)
}

func TestTakeSignalConsumesAndClears(t *testing.T) {
	tsk := &Task_t{PendingSig: int32(defs.SIGINT)}
	require.Equal(t, defs.SIGINT, TakeSignal(tsk))
	require.EqualValues(t, 0, tsk.PendingSig)
	require.Equal(t, defs.Sig_t(0), TakeSignal(tsk))
}

func TestCheckTermSignalTerminatesOnIntQuitTerm(t *testing.T) {
	for _, sig := range []defs.Sig_t{defs.SIGINT, defs.SIGQUIT, defs.SIGTERM} {
		tsk := &Task_t{PendingSig: int32(sig)}
		got, term := CheckTermSignal(tsk)
		require.True(t, term)
		require.Equal(t, sig, got)
		require.EqualValues(t, 0, tsk.PendingSig)
	}
}

func TestCheckTermSignalRestoresNonTerminalSignal(t *testing.T) {
	tsk := &Task_t{PendingSig: int32(defs.SIGTSTP)}
	sig, term := CheckTermSignal(tsk)
	require.False(t, term)
	require.Equal(t, defs.Sig_t(0), sig)
	require.EqualValues(t, defs.SIGTSTP, tsk.PendingSig)
}

func TestCheckTermSignalNoSignalPending(t *testing.T) {
	tsk := &Task_t{}
	sig, term := CheckTermSignal(tsk)
	require.False(t, term)
	require.Equal(t, defs.Sig_t(0), sig)
}

func TestStatusStringCoversEveryState(t *testing.T) {
	require.Equal(t, "ready", READY.String())
	require.Equal(t, "running", RUNNING.String())
	require.Equal(t, "blocked", BLOCKED.String())
	require.Equal(t, "zombie", ZOMBIE.String())
}
