package vcpu

import "github.com/noircv/go-accel/driver"

// This file specifies the contracts for the VMM-side collaborators the run
// loop calls into. Their implementations are the VMM's own accelerator-class
// plumbing, device-model emulations, and main-loop discipline — all
// explicitly out of scope (§1) — but the run loop needs real interfaces to
// compile and to be tested against fakes.

// PendingEvents reports which asynchronous event classes are latched on the
// vCPU awaiting delivery, ahead of the hardware hard-IRQ path (§4.E step 1).
type PendingEvents struct {
	NMI  bool
	SMI  bool
	Init bool
	TPR  bool
}

// InterruptController models the APIC/IOAPIC/PIC emulation (§2 row F, §4.E).
type InterruptController interface {
	Pending() PendingEvents
	AckNMI()
	AckSMI()
	AckInit()
	AckTPR()
	// HardIRQ reports and consumes one pending PIC-routed hardware interrupt
	// vector, if any.
	HardIRQ() (vector uint8, ok bool)
}

// PhysMemory models the VMM's physical-memory read/write callback used by
// the MMIO handler (§4.E).
type PhysMemory interface {
	ReadPhys(gpa uint64, size int) []byte
	WritePhys(gpa uint64, buf []byte)
}

// PortIO models the VMM's port-I/O dispatch (§4.E).
type PortIO interface {
	In(port uint16, size int) []byte
	Out(port uint16, size int, data []byte)
}

// PhysicalCopier is satisfied by the memory-map tracker's CopyPhysical
// method; string port I/O uses it to move bytes between guest memory and
// the host port address space (§4.C, §4.E).
type PhysicalCopier interface {
	CopyPhysical(buf []byte, gpa uint64, write bool) bool
}

// GuestDebugHandler models the VMM's guest-debug UI, invoked when the run
// loop observes EXCP_DEBUG (§2 row F, §4.F step 5).
type GuestDebugHandler interface {
	HandleDebugExit(desc *Descriptor)
}

// MainLoopLock models the VMM's process-wide "iothread" mutex (§5). A vCPU
// thread holds it at all times except during the blocking run_vcpu call.
type MainLoopLock interface {
	Lock()
	Unlock()
}

// Recorder is an optional observability hook the accelerator implements to
// turn dispatch events into its own metrics (§4.F). A nil Recorder on Loop
// disables all recording; nothing else about dispatch behavior changes.
type Recorder interface {
	RecordExit(code driver.InterceptCode)
	RecordMMIOEmulation()
	RecordPortIOEmulation()
}
