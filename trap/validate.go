package trap

import "github.com/kctherootkey/likeos64/defs"

// checkUserPtr rejects a user-supplied (pointer, length) pair that
// falls outside the user half of the address space or whose end would
// overflow past UserPtrMax, per spec.md's step-1 pointer-validation
// contract — arithmetic on an unchecked length is never attempted.
func checkUserPtr(va, n int) defs.Err_t {
	if n < 0 {
		return -defs.EFAULT
	}
	if va < defs.UserPtrMin || uintptr(va) > defs.UserPtrMax {
		return -defs.EFAULT
	}
	end := uintptr(va) + uintptr(n)
	if end < uintptr(va) || end > defs.UserPtrMax {
		return -defs.EFAULT
	}
	return 0
}

// checkUserStr rejects a user string pointer with nothing more than
// the pointer-range check; the actual NUL scan and length cap happen
// in vm.Userstr.
func checkUserStr(va int) defs.Err_t {
	if va < defs.UserPtrMin || uintptr(va) > defs.UserPtrMax {
		return -defs.EFAULT
	}
	return 0
}
