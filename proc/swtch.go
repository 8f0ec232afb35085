package proc

// Swtch saves the callee-saved registers and the stack pointer of the
// calling context at *oldrsp, then switches to newrsp and restores the
// callee-saved registers saved there by a previous Swtch (or the
// initial frame kstackInit built for a task that has never run). It
// returns when some other context calls Swtch back with oldrsp
// pointing at this same slot.
//
// This is the kernel's only mechanism for switching between a core's
// scheduler loop and a task's kernel stack; there is no forked Go
// runtime here to multiplex goroutines onto cores, so the kernel moves
// the hardware stack pointer itself.
func Swtch(oldrsp *uintptr, newrsp uintptr)
