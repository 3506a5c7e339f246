package driver

import "testing"

func TestExitContextRoundTripIO(t *testing.T) {
	want := ExitContext{
		InterceptCode: InterceptIO,
		IO: IOContext{
			Access: IOAccess{In: true, String: false, Repeat: false, OperandSize: 4, AddressWidth: 8},
			Port:   0x3F8,
			RAX:    0x1122334455667788,
		},
		CS:      SegReg{Selector: 0x08, Attributes: 0xA09B, Limit: 0xFFFFFFFF, Base: 0},
		RIP:     0xFFFF800000001000,
		RFlags:  0x202,
		NextRIP: 0xFFFF800000001003,
		VPState: VPState{CPL: 0, PE: true, LM: true, InstructionLength: 3},
	}

	got := unmarshalExitContext(marshalExitContext(want))

	if got.InterceptCode != want.InterceptCode {
		t.Fatalf("InterceptCode = %v, want %v", got.InterceptCode, want.InterceptCode)
	}
	if got.IO != want.IO {
		t.Fatalf("IO = %+v, want %+v", got.IO, want.IO)
	}
	if got.CS != want.CS {
		t.Fatalf("CS = %+v, want %+v", got.CS, want.CS)
	}
	if got.RIP != want.RIP || got.RFlags != want.RFlags || got.NextRIP != want.NextRIP {
		t.Fatalf("rip/rflags/nextrip = %#x/%#x/%#x, want %#x/%#x/%#x",
			got.RIP, got.RFlags, got.NextRIP, want.RIP, want.RFlags, want.NextRIP)
	}
	if got.VPState != want.VPState {
		t.Fatalf("VPState = %+v, want %+v", got.VPState, want.VPState)
	}
}

func TestExitContextRoundTripMemoryAccess(t *testing.T) {
	want := ExitContext{
		InterceptCode: InterceptMemoryAccess,
		MemoryAccess: MemoryAccessContext{
			Access:           MemoryAccess{Present: true, Write: true, FetchedBytes: 5},
			InstructionBytes: [15]byte{0x0F, 0x01, 0xC1},
			GPA:              0xB8000,
			GVA:               0xFFFF8000000B8000,
			Flags:            MemoryAccessFlags{OperandSize: 4, Decoded: true},
		},
	}
	got := unmarshalExitContext(marshalExitContext(want))
	if got.MemoryAccess != want.MemoryAccess {
		t.Fatalf("MemoryAccess = %+v, want %+v", got.MemoryAccess, want.MemoryAccess)
	}
}

func TestExitContextRoundTripException(t *testing.T) {
	want := ExitContext{
		InterceptCode: InterceptException,
		Exception: ExceptionContext{
			Vector:           14,
			EvValid:          true,
			ErrorCode:        0x2,
			PageFaultAddress: 0xDEADBEEF000,
			FetchedBytes:     2,
			InstructionBytes: [15]byte{0x8B, 0x00},
		},
	}
	got := unmarshalExitContext(marshalExitContext(want))
	if got.Exception != want.Exception {
		t.Fatalf("Exception = %+v, want %+v", got.Exception, want.Exception)
	}
}

func TestExitContextRoundTripCRAndDRAccess(t *testing.T) {
	cr := ExitContext{InterceptCode: InterceptCRAccess, CRAccess: CRAccessContext{CRNum: 3, GPRNum: 7, Mov: true, Write: true}}
	gotCR := unmarshalExitContext(marshalExitContext(cr))
	if gotCR.CRAccess != cr.CRAccess {
		t.Fatalf("CRAccess = %+v, want %+v", gotCR.CRAccess, cr.CRAccess)
	}

	dr := ExitContext{InterceptCode: InterceptDRAccess, DRAccess: DRAccessContext{DRNum: 6, GPRNum: 2, Write: false}}
	gotDR := unmarshalExitContext(marshalExitContext(dr))
	if gotDR.DRAccess != dr.DRAccess {
		t.Fatalf("DRAccess = %+v, want %+v", gotDR.DRAccess, dr.DRAccess)
	}
}

func TestExitContextRoundTripCPUIDAndMSR(t *testing.T) {
	cpuid := ExitContext{InterceptCode: InterceptCPUID, CPUID: CPUIDContext{EAX: 1, ECX: 0}}
	got := unmarshalExitContext(marshalExitContext(cpuid))
	if got.CPUID != cpuid.CPUID {
		t.Fatalf("CPUID = %+v, want %+v", got.CPUID, cpuid.CPUID)
	}

	msr := ExitContext{InterceptCode: InterceptWRMSR, MSR: MSRContext{EAX: 0x1, EDX: 0x2, ECX: 0xC0000080}}
	got2 := unmarshalExitContext(marshalExitContext(msr))
	if got2.MSR != msr.MSR {
		t.Fatalf("MSR = %+v, want %+v", got2.MSR, msr.MSR)
	}
}

func TestMapAttributesRoundTrip(t *testing.T) {
	want := MapAttributes{Present: true, Write: true, Execute: false, User: true, Caching: CachingWB, PageSize: 1}
	got := UnpackMapAttributes(want.Pack())
	if got != want {
		t.Fatalf("MapAttributes round trip = %+v, want %+v", got, want)
	}
}

func TestEventInjectionPackBits(t *testing.T) {
	e := EventInjection{Vector: 0x20, Type: EventTypeExternal, Valid: true, Priority: 4}
	v := e.Pack()
	if v&0xFF != 0x20 {
		t.Fatalf("vector field = %#x, want 0x20", v&0xFF)
	}
	if v&(1<<31) == 0 {
		t.Fatal("valid bit not set")
	}
}

func TestIOAccessRoundTrip(t *testing.T) {
	want := IOAccess{In: true, String: true, Repeat: true, OperandSize: 2, AddressWidth: 4}
	got := UnpackIOAccess(want.Pack())
	if got != want {
		t.Fatalf("IOAccess round trip = %+v, want %+v", got, want)
	}
}
