package vcpu

import (
	"github.com/noircv/go-accel/driver"
)

// handleMMIO services an intercept_memory_access exit (§4.E "MMIO handler").
// It never advances RIP itself: try_emulate's effect on the instruction
// pointer is the hypervisor's to apply on the next run_vcpu.
func (l *Loop) handleMMIO(ec driver.ExitContext) error {
	ma := ec.MemoryAccess

	if ma.Access.Execute {
		return &GuestPanicError{Reason: "mmio fault on an execute-class access"}
	}
	if !ma.Flags.Decoded {
		return &GuestPanicError{Reason: "mmio fault with an undecoded instruction"}
	}

	size := int(ma.Flags.OperandSize)
	if size <= 0 || size > 8 {
		return &GuestPanicError{Reason: "mmio fault with an invalid operand size"}
	}

	buf := make([]byte, size)
	if !ma.Access.Write {
		copy(buf, l.Phys.ReadPhys(ma.GPA, size))
	}

	status, err := l.Drv.TryEmulate(l.VM, l.Vpid, driver.EmuInfo{
		GPA:         ma.GPA,
		Buffer:      buf,
		Write:       ma.Access.Write,
		OperandSize: uint32(size),
	})
	if err != nil {
		return err
	}

	if l.Metrics != nil {
		l.Metrics.RecordMMIOEmulation()
	}

	switch status {
	case driver.StatusSuccess:
		if ma.Access.Write {
			l.Phys.WritePhys(ma.GPA, buf)
		}
		return nil
	case driver.StatusEmuDualMemoryOperands:
		return &GuestPanicError{Reason: "mmio instruction has dual memory operands, cannot emulate"}
	case driver.StatusEmuUnknownInstruction:
		return &GuestPanicError{Reason: "mmio instruction could not be decoded by the host"}
	default:
		return &driver.NoirError{Op: "try_emulate", Status: status}
	}
}
