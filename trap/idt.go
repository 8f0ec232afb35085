package trap

import (
	"reflect"
	"unsafe"

	"github.com/kctherootkey/likeos64/cpu"
)

// reflectPtr recovers a Go (or assembly-defined) function's entry
// address. There is no other portable way to turn a func value into a
// raw PC for an IDT gate descriptor.
func reflectPtr(f interface{}) uintptr {
	return reflect.ValueOf(f).Pointer()
}

// gate_t is one 16-byte x86-64 interrupt-gate descriptor. Every gate
// this kernel installs is an interrupt gate (not a trap gate): IF is
// cleared on entry, since the entry stub must finish saving the
// trapframe before anything might reschedule this core.
type gate_t struct {
	offLow   uint16
	selector uint16
	ist      uint8
	typeAttr uint8
	offMid   uint16
	offHigh  uint32
	zero     uint32
}

const (
	kernelCS     = 0x08 // GDT layout: null, kcode, kdata, ucode, udata
	gateTypeIntr = 0x8E // present, DPL0, 64-bit interrupt gate
	gateTypeUser = 0xEE // present, DPL3, 64-bit interrupt gate (int $64 is reachable from ring 3)
)

var idt [256]gate_t

func setGate(vec int, handler uintptr, dpl3 bool) {
	typ := uint8(gateTypeIntr)
	if dpl3 {
		typ = gateTypeUser
	}
	idt[vec] = gate_t{
		offLow:   uint16(handler),
		selector: kernelCS,
		ist:      0,
		typeAttr: typ,
		offMid:   uint16(handler >> 16),
		offHigh:  uint32(handler >> 32),
	}
}

type idtr_t struct {
	limit uint16
	base  uint64
}

var idtrStorage idtr_t

// Init builds the IDT and loads it. Called once per core (the same
// table is shared read-only across cores; only Lidt itself is
// per-core state).
func Init() {
	for v, h := range vectorHandlers {
		if h == 0 {
			continue
		}
		setGate(v, h, v == int(syscallVector))
	}
	idtrStorage = idtr_t{
		limit: uint16(unsafe.Sizeof(idt) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&idt[0]))),
	}
	cpu.Lidt(uintptr(unsafe.Pointer(&idtrStorage)))
}

const syscallVector = 64

// Entry points defined in entry_amd64.s: one tiny per-vector stub that
// pushes trapno (and a zero errorno, for vectors with no hardware
// error code) and jumps to the shared alltraps tail.
func vecGPFault()
func vecPageFault()
func vecTimer()
func vecDisk()
func vecKbd()
func vecSyscall()
func vecSpurious()

var vectorHandlers = map[int]uintptr{
	13:  reflectPtr(vecGPFault),
	14:  reflectPtr(vecPageFault),
	32:  reflectPtr(vecTimer),
	33:  reflectPtr(vecDisk),
	34:  reflectPtr(vecKbd),
	64:  reflectPtr(vecSyscall),
	255: reflectPtr(vecSpurious),
}
