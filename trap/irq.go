package trap

import "github.com/kctherootkey/likeos64/cpu"

// 8259 PIC command ports and the end-of-interrupt command, the same
// convention xv6 uses: IRQs are remapped to vectors 32-47 at PIC init
// time (not shown here — done once by the boot sequence before
// Init installs the IDT), and every IRQ handler must ack the PIC
// before returning or no further interrupts from that line arrive.
const (
	picMasterCmd = 0x20
	picSlaveCmd  = 0xA0
	picEOI       = 0x20
)

// ackIRQ sends end-of-interrupt to the PIC(s) for hardware IRQ line n
// (0-15, not the remapped vector number).
func ackIRQ(n int) {
	if n >= 8 {
		cpu.Outb(picSlaveCmd, picEOI)
	}
	cpu.Outb(picMasterCmd, picEOI)
}

// ackTimer acks IRQ0, the PIT tick this kernel uses as its scheduling
// clock.
func ackTimer() {
	ackIRQ(0)
}
