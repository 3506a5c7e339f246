package driver

import "encoding/binary"

// Wire sizes for cv_exit_context's payload union (§6). The largest variant is
// the I/O context; the union is padded to a round 56 bytes.
const (
	payloadWireSize     = 56
	segRegWireSize      = 16
	exitContextWireSize = 4 + payloadWireSize + segRegWireSize + 8 + 8 + 8 + 8
)

func marshalSegReg(b []byte, s SegReg) {
	binary.LittleEndian.PutUint16(b[0:2], s.Selector)
	binary.LittleEndian.PutUint16(b[2:4], s.Attributes)
	binary.LittleEndian.PutUint32(b[4:8], s.Limit)
	binary.LittleEndian.PutUint64(b[8:16], s.Base)
}

func unmarshalSegReg(b []byte) SegReg {
	return SegReg{
		Selector:   binary.LittleEndian.Uint16(b[0:2]),
		Attributes: binary.LittleEndian.Uint16(b[2:4]),
		Limit:      binary.LittleEndian.Uint32(b[4:8]),
		Base:       binary.LittleEndian.Uint64(b[8:16]),
	}
}

func marshalCRAccess(c CRAccessContext) uint32 {
	v := uint32(c.CRNum & 0xF)
	v |= uint32(c.GPRNum&0xF) << 4
	if c.Mov {
		v |= 1 << 8
	}
	if c.Write {
		v |= 1 << 9
	}
	return v
}

func unmarshalCRAccess(v uint32) CRAccessContext {
	return CRAccessContext{
		CRNum:  uint8(v & 0xF),
		GPRNum: uint8((v >> 4) & 0xF),
		Mov:    v&(1<<8) != 0,
		Write:  v&(1<<9) != 0,
	}
}

func marshalDRAccess(c DRAccessContext) uint32 {
	v := uint32(c.DRNum & 0xF)
	v |= uint32(c.GPRNum&0xF) << 4
	if c.Write {
		v |= 1 << 8
	}
	return v
}

func unmarshalDRAccess(v uint32) DRAccessContext {
	return DRAccessContext{
		DRNum:  uint8(v & 0xF),
		GPRNum: uint8((v >> 4) & 0xF),
		Write:  v&(1<<8) != 0,
	}
}

func marshalException(b []byte, e ExceptionContext) {
	head := uint32(e.Vector & 0x1F)
	if e.EvValid {
		head |= 1 << 5
	}
	binary.LittleEndian.PutUint32(b[0:4], head)
	binary.LittleEndian.PutUint32(b[4:8], e.ErrorCode)
	binary.LittleEndian.PutUint64(b[8:16], e.PageFaultAddress)
	b[16] = e.FetchedBytes
	copy(b[17:32], e.InstructionBytes[:])
}

func unmarshalException(b []byte) ExceptionContext {
	head := binary.LittleEndian.Uint32(b[0:4])
	e := ExceptionContext{
		Vector:           uint8(head & 0x1F),
		EvValid:          head&(1<<5) != 0,
		ErrorCode:        binary.LittleEndian.Uint32(b[4:8]),
		PageFaultAddress: binary.LittleEndian.Uint64(b[8:16]),
		FetchedBytes:     b[16],
	}
	copy(e.InstructionBytes[:], b[17:32])
	return e
}

func marshalIO(b []byte, io IOContext) {
	binary.LittleEndian.PutUint16(b[0:2], io.Access.Pack())
	binary.LittleEndian.PutUint16(b[2:4], io.Port)
	binary.LittleEndian.PutUint64(b[4:12], io.RAX)
	binary.LittleEndian.PutUint64(b[12:20], io.RCX)
	binary.LittleEndian.PutUint64(b[20:28], io.RSI)
	binary.LittleEndian.PutUint64(b[28:36], io.RDI)
	marshalSegReg(b[36:52], io.Segment)
}

func unmarshalIO(b []byte) IOContext {
	return IOContext{
		Access:  UnpackIOAccess(binary.LittleEndian.Uint16(b[0:2])),
		Port:    binary.LittleEndian.Uint16(b[2:4]),
		RAX:     binary.LittleEndian.Uint64(b[4:12]),
		RCX:     binary.LittleEndian.Uint64(b[12:20]),
		RSI:     binary.LittleEndian.Uint64(b[20:28]),
		RDI:     binary.LittleEndian.Uint64(b[28:36]),
		Segment: unmarshalSegReg(b[36:52]),
	}
}

func marshalMSR(b []byte, m MSRContext) {
	binary.LittleEndian.PutUint32(b[0:4], m.EAX)
	binary.LittleEndian.PutUint32(b[4:8], m.EDX)
	binary.LittleEndian.PutUint32(b[8:12], m.ECX)
}

func unmarshalMSR(b []byte) MSRContext {
	return MSRContext{
		EAX: binary.LittleEndian.Uint32(b[0:4]),
		EDX: binary.LittleEndian.Uint32(b[4:8]),
		ECX: binary.LittleEndian.Uint32(b[8:12]),
	}
}

func marshalMemoryAccess(b []byte, m MemoryAccessContext) {
	b[0] = m.Access.Pack()
	copy(b[1:16], m.InstructionBytes[:])
	binary.LittleEndian.PutUint64(b[16:24], m.GPA)
	binary.LittleEndian.PutUint64(b[24:32], m.GVA)
	binary.LittleEndian.PutUint64(b[32:40], m.Flags.Pack())
}

func unmarshalMemoryAccess(b []byte) MemoryAccessContext {
	accessByte := b[0]
	m := MemoryAccessContext{
		Access: MemoryAccess{
			Present:      accessByte&(1<<0) != 0,
			Write:        accessByte&(1<<1) != 0,
			Execute:      accessByte&(1<<2) != 0,
			User:         accessByte&(1<<3) != 0,
			FetchedBytes: (accessByte >> 4) & 0xF,
		},
		GPA:   binary.LittleEndian.Uint64(b[16:24]),
		GVA:   binary.LittleEndian.Uint64(b[24:32]),
		Flags: UnpackMemoryAccessFlags(binary.LittleEndian.Uint64(b[32:40])),
	}
	copy(m.InstructionBytes[:], b[1:16])
	return m
}

func marshalCPUID(b []byte, c CPUIDContext) {
	binary.LittleEndian.PutUint32(b[0:4], c.EAX)
	binary.LittleEndian.PutUint32(b[4:8], c.ECX)
}

func unmarshalCPUID(b []byte) CPUIDContext {
	return CPUIDContext{
		EAX: binary.LittleEndian.Uint32(b[0:4]),
		ECX: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// marshalExitContext packs ec into exitContextWireSize bytes. Used by the
// fake transport in tests; the real transport only ever decodes (the driver
// produces these bytes, never this package).
func marshalExitContext(ec ExitContext) []byte {
	b := make([]byte, exitContextWireSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(ec.InterceptCode))
	payload := b[4 : 4+payloadWireSize]
	switch ec.InterceptCode {
	case InterceptCRAccess:
		binary.LittleEndian.PutUint32(payload[0:4], marshalCRAccess(ec.CRAccess))
	case InterceptDRAccess:
		binary.LittleEndian.PutUint32(payload[0:4], marshalDRAccess(ec.DRAccess))
	case InterceptException:
		marshalException(payload, ec.Exception)
	case InterceptIO:
		marshalIO(payload, ec.IO)
	case InterceptRDMSR, InterceptWRMSR:
		marshalMSR(payload, ec.MSR)
	case InterceptMemoryAccess:
		marshalMemoryAccess(payload, ec.MemoryAccess)
	case InterceptCPUID:
		marshalCPUID(payload, ec.CPUID)
	}
	rest := b[4+payloadWireSize:]
	marshalSegReg(rest[0:16], ec.CS)
	binary.LittleEndian.PutUint64(rest[16:24], ec.RIP)
	binary.LittleEndian.PutUint64(rest[24:32], ec.RFlags)
	binary.LittleEndian.PutUint64(rest[32:40], ec.NextRIP)
	binary.LittleEndian.PutUint64(rest[40:48], ec.VPState.Pack())
	return b
}

func unmarshalExitContext(b []byte) ExitContext {
	var ec ExitContext
	ec.InterceptCode = InterceptCode(binary.LittleEndian.Uint32(b[0:4]))
	payload := b[4 : 4+payloadWireSize]
	switch ec.InterceptCode {
	case InterceptCRAccess:
		ec.CRAccess = unmarshalCRAccess(binary.LittleEndian.Uint32(payload[0:4]))
	case InterceptDRAccess:
		ec.DRAccess = unmarshalDRAccess(binary.LittleEndian.Uint32(payload[0:4]))
	case InterceptException:
		ec.Exception = unmarshalException(payload)
	case InterceptIO:
		ec.IO = unmarshalIO(payload)
	case InterceptRDMSR, InterceptWRMSR:
		ec.MSR = unmarshalMSR(payload)
	case InterceptMemoryAccess:
		ec.MemoryAccess = unmarshalMemoryAccess(payload)
	case InterceptCPUID:
		ec.CPUID = unmarshalCPUID(payload)
	}
	rest := b[4+payloadWireSize:]
	ec.CS = unmarshalSegReg(rest[0:16])
	ec.RIP = binary.LittleEndian.Uint64(rest[16:24])
	ec.RFlags = binary.LittleEndian.Uint64(rest[24:32])
	ec.NextRIP = binary.LittleEndian.Uint64(rest[32:40])
	ec.VPState = UnpackVPState(binary.LittleEndian.Uint64(rest[40:48]))
	return ec
}
