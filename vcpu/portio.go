package vcpu

import (
	"github.com/noircv/go-accel/driver"
)

// handlePortIO services an intercept_io exit (§4.E "Port-I/O handler").
func (l *Loop) handlePortIO(ec driver.ExitContext) error {
	if l.Metrics != nil {
		l.Metrics.RecordPortIOEmulation()
	}
	io := ec.IO
	if io.Access.String {
		return l.handleStringPortIO(ec, io)
	}
	return l.handleScalarPortIO(ec, io)
}

func (l *Loop) handleScalarPortIO(ec driver.ExitContext, io driver.IOContext) error {
	size := int(io.Access.OperandSize)

	if io.Access.In {
		data := l.Port.In(io.Port, size)

		gpr, err := l.Drv.ViewRegister(l.VM, l.Vpid, driver.RegGPR, 128)
		if err != nil {
			return err
		}
		copy(gpr[0:size], data)
		if err := l.Drv.EditRegister(l.VM, l.Vpid, driver.RegGPR, gpr); err != nil {
			return err
		}
	} else {
		raxBytes := u64bytes(io.RAX)
		l.Port.Out(io.Port, size, raxBytes[:size])
	}

	return l.advanceRIP(ec.NextRIP)
}

func (l *Loop) handleStringPortIO(ec driver.ExitContext, io driver.IOContext) error {
	var gva uint64
	if io.Access.In {
		gva = io.Segment.Base + io.RDI
	} else {
		gva = io.Segment.Base + io.RSI
	}
	gva &= addressMask(io.Access.AddressWidth)

	size := int(io.Access.OperandSize)
	if io.Access.Repeat {
		size *= int(io.RCX)
	}
	if size <= 0 {
		return l.advanceRIP(ec.NextRIP)
	}

	if ec.VPState.PG {
		return &FatalError{Reason: "string port io with paging enabled is not supported"}
	}

	gpa := gva // paging off: GVA is GPA
	buf := make([]byte, size)
	stride := int(io.Access.OperandSize)

	if io.Access.In {
		if !l.Copier.CopyPhysical(buf, gpa, false) {
			return &GuestPanicError{Reason: "string port io source range not fully mapped"}
		}
		for off := 0; off < size; off += stride {
			l.Port.Out(io.Port, stride, buf[off:off+stride])
		}
	} else {
		for off := 0; off < size; off += stride {
			copy(buf[off:off+stride], l.Port.In(io.Port, stride))
		}
		if !l.Copier.CopyPhysical(buf, gpa, true) {
			return &GuestPanicError{Reason: "string port io destination range not fully mapped"}
		}
	}

	return l.advanceRIP(ec.NextRIP)
}

func (l *Loop) advanceRIP(nextRIP uint64) error {
	return l.Drv.EditRegister(l.VM, l.Vpid, driver.RegIP, u64bytes(nextRIP))
}

func addressMask(width uint8) uint64 {
	switch width {
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}
