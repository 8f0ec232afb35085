package devfs

import (
	"github.com/kctherootkey/likeos64/cpu"
	"github.com/kctherootkey/likeos64/trap"
)

// PS/2 keyboard controller ports and the scan-code set 1 the
// controller emits by default in a freshly booted machine (no
// initialization sequence needed beyond what firmware already did).
const (
	kbdDataPort = 0x60

	lshiftMake, lshiftBreak = 0x2a, 0xaa
	rshiftMake, rshiftBreak = 0x36, 0xb6
	ctrlMake, ctrlBreak     = 0x1d, 0x9d
)

// scancodeSet1 maps an unshifted make code to its ASCII byte, 0 for
// keys with no direct ASCII meaning (function keys, arrows, and so
// on) this line discipline has no use for. Only the alnum/punct rows
// are filled in; the rest default to 0 and are dropped by kbdIRQ.
var scancodeSet1 = [128]byte{
	0x02: '1', 0x03: '2', 0x04: '3', 0x05: '4', 0x06: '5',
	0x07: '6', 0x08: '7', 0x09: '8', 0x0a: '9', 0x0b: '0',
	0x0c: '-', 0x0d: '=', 0x0e: asciiBackspace,
	0x0f: '\t',
	0x10: 'q', 0x11: 'w', 0x12: 'e', 0x13: 'r', 0x14: 't',
	0x15: 'y', 0x16: 'u', 0x17: 'i', 0x18: 'o', 0x19: 'p',
	0x1a: '[', 0x1b: ']', 0x1c: '\r',
	0x1e: 'a', 0x1f: 's', 0x20: 'd', 0x21: 'f', 0x22: 'g',
	0x23: 'h', 0x24: 'j', 0x25: 'k', 0x26: 'l', 0x27: ';',
	0x28: '\'', 0x29: '`',
	0x2b: '\\',
	0x2c: 'z', 0x2d: 'x', 0x2e: 'c', 0x2f: 'v', 0x30: 'b',
	0x31: 'n', 0x32: 'm', 0x33: ',', 0x34: '.', 0x35: '/',
	0x39: ' ',
}

var scancodeSet1Shifted = [128]byte{
	0x02: '!', 0x03: '@', 0x04: '#', 0x05: '$', 0x06: '%',
	0x07: '^', 0x08: '&', 0x09: '*', 0x0a: '(', 0x0b: ')',
	0x0c: '_', 0x0d: '+',
	0x10: 'Q', 0x11: 'W', 0x12: 'E', 0x13: 'R', 0x14: 'T',
	0x15: 'Y', 0x16: 'U', 0x17: 'I', 0x18: 'O', 0x19: 'P',
	0x1a: '{', 0x1b: '}',
	0x1e: 'A', 0x1f: 'S', 0x20: 'D', 0x21: 'F', 0x22: 'G',
	0x23: 'H', 0x24: 'J', 0x25: 'K', 0x26: 'L', 0x27: ':',
	0x28: '"', 0x29: '~',
	0x2b: '|',
	0x2c: 'Z', 0x2d: 'X', 0x2e: 'C', 0x2f: 'V', 0x30: 'B',
	0x31: 'N', 0x32: 'M', 0x33: '<', 0x34: '>', 0x35: '?',
}

const asciiBackspace = 0x08

// kbdState tracks the shift/ctrl modifier keys across IRQs; a single
// scan code only tells kbdIRQ whether one key went down or up.
var kbdState struct {
	shift bool
	ctrl  bool
}

func init() {
	trap.KbdIRQ = kbdIRQ
}

// kbdIRQ runs at IRQ1: read the single pending scan code, update
// modifier state, and feed anything with an ASCII mapping into the
// console's line discipline as if it were the controlling terminal's
// only input source. A real multi-tty console switch is out of scope
// (spec.md's device filesystem names no mechanism for one); every key
// goes to the same console tty.
func kbdIRQ() {
	sc := cpu.Inb(kbdDataPort)
	switch sc {
	case lshiftMake, rshiftMake:
		kbdState.shift = true
		return
	case lshiftBreak, rshiftBreak:
		kbdState.shift = false
		return
	case ctrlMake:
		kbdState.ctrl = true
		return
	case ctrlBreak:
		kbdState.ctrl = false
		return
	}
	if sc&0x80 != 0 {
		return // key-up, nothing else to do
	}
	table := &scancodeSet1
	if kbdState.shift {
		table = &scancodeSet1Shifted
	}
	c := table[sc&0x7f]
	if c == 0 {
		return
	}
	console.Input(c, kbdState.ctrl)
}
