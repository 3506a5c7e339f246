package driver

import "fmt"

// RegType selects which architectural register group a view/edit call transfers (§4.B).
type RegType uint32

const (
	RegGPR RegType = iota
	RegFlags
	RegIP
	RegCR
	RegCR2
	RegDR
	RegDR67
	RegSR
	RegFG
	RegDT
	RegLT
	RegSyscallMSR
	RegSysenterMSR
	RegCR8
	RegFX
	RegXSave
	RegXCR0
	RegEFER
	RegPAT
	RegLBR
	RegTSC
	regMaximum
)

func (r RegType) String() string {
	names := [...]string{
		"gpr", "flags", "ip", "cr", "cr2", "dr", "dr67", "sr", "fg", "dt", "lt",
		"syscall_msr", "sysenter_msr", "cr8", "fx", "xsave", "xcr0", "efer", "pat",
		"lbr", "tsc",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("reg_type(%d)", uint32(r))
}

// InterceptCode is the exit reason the hypervisor reports for a vCPU run (§3, §6).
type InterceptCode uint32

const (
	InterceptInvalidState  InterceptCode = 0
	InterceptShutdown      InterceptCode = 1
	InterceptMemoryAccess  InterceptCode = 2
	InterceptRSM           InterceptCode = 3
	InterceptHLT           InterceptCode = 4
	InterceptIO            InterceptCode = 5
	InterceptCPUID         InterceptCode = 6
	InterceptRDMSR         InterceptCode = 7
	InterceptWRMSR         InterceptCode = 8
	InterceptCRAccess      InterceptCode = 9
	InterceptDRAccess      InterceptCode = 10
	InterceptHypercall     InterceptCode = 11
	InterceptException     InterceptCode = 12
	InterceptRescission    InterceptCode = 13
	InterceptWindow        InterceptCode = 14
	InterceptSchedulerExit InterceptCode = 0x80000000
	InterceptSchedulerPause InterceptCode = 0x80000001
)

func (c InterceptCode) String() string {
	switch c {
	case InterceptInvalidState:
		return "invalid_state"
	case InterceptShutdown:
		return "shutdown_condition"
	case InterceptMemoryAccess:
		return "memory_access"
	case InterceptRSM:
		return "rsm"
	case InterceptHLT:
		return "hlt_instruction"
	case InterceptIO:
		return "io_instruction"
	case InterceptCPUID:
		return "cpuid_instruction"
	case InterceptRDMSR:
		return "rdmsr_instruction"
	case InterceptWRMSR:
		return "wrmsr_instruction"
	case InterceptCRAccess:
		return "cr_access"
	case InterceptDRAccess:
		return "dr_access"
	case InterceptHypercall:
		return "hypercall"
	case InterceptException:
		return "exception"
	case InterceptRescission:
		return "rescission"
	case InterceptWindow:
		return "interrupt_window"
	case InterceptSchedulerExit:
		return "scheduler_exit"
	case InterceptSchedulerPause:
		return "scheduler_pause"
	default:
		return fmt.Sprintf("intercept(0x%x)", uint32(c))
	}
}

// Caching values for AddrMapInfo.Attributes (§6).
const (
	CachingUC  = 0
	CachingWC  = 1
	CachingWT  = 4
	CachingWP  = 5
	CachingWB  = 6
	CachingUCM = 7
)

// MapAttributes packs the cv_addr_map_info attribute bitfield:
// present(1), write(1), execute(1), user(1), caching(3), page_size(2), reserved(23).
type MapAttributes struct {
	Present  bool
	Write    bool
	Execute  bool
	User     bool
	Caching  uint8
	PageSize uint8
}

func (a MapAttributes) Pack() uint32 {
	var v uint32
	if a.Present {
		v |= 1 << 0
	}
	if a.Write {
		v |= 1 << 1
	}
	if a.Execute {
		v |= 1 << 2
	}
	if a.User {
		v |= 1 << 3
	}
	v |= uint32(a.Caching&0x7) << 4
	v |= uint32(a.PageSize&0x3) << 7
	return v
}

func UnpackMapAttributes(v uint32) MapAttributes {
	return MapAttributes{
		Present:  v&(1<<0) != 0,
		Write:    v&(1<<1) != 0,
		Execute:  v&(1<<2) != 0,
		User:     v&(1<<3) != 0,
		Caching:  uint8((v >> 4) & 0x7),
		PageSize: uint8((v >> 7) & 0x3),
	}
}

// AddrMapInfo is cv_addr_map_info (§6): {u64 gpa, u64 hva, u32 page_total, u32 attributes}.
type AddrMapInfo struct {
	GPA        uint64
	HVA        uint64
	PageTotal  uint32
	Attributes MapAttributes
}

// SegReg is cv_seg_reg (§6): {u16 selector, u16 attributes, u32 limit, u64 base}.
type SegReg struct {
	Selector   uint16
	Attributes uint16
	Limit      uint32
	Base       uint64
}

// EventInjection packs the event-injection word (§6):
// vector(8), type(3), ec_valid(1), reserved(15), priority(4), valid(1), error_code(32).
type EventInjection struct {
	Vector    uint8
	Type      uint8
	ECValid   bool
	Priority  uint8
	Valid     bool
	ErrorCode uint32
}

// Injection event types.
const (
	EventTypeExternal  uint8 = 0
	EventTypeNMI       uint8 = 2
	EventTypeException uint8 = 3
)

func (e EventInjection) Pack() uint64 {
	var v uint64
	v |= uint64(e.Vector) << 0
	v |= uint64(e.Type&0x7) << 8
	if e.ECValid {
		v |= 1 << 11
	}
	v |= uint64(e.Priority&0xF) << 27
	if e.Valid {
		v |= 1 << 31
	}
	v |= uint64(e.ErrorCode) << 32
	return v
}

// IOAccess packs the cv_io_context access bitfield:
// io_type(1), string(1), repeat(1), operand_size(3), address_width(4), reserved(6).
type IOAccess struct {
	In           bool // io_type: 0 = out, 1 = in
	String       bool
	Repeat       bool
	OperandSize  uint8 // bytes: 1, 2, 4 (3-bit field)
	AddressWidth uint8 // bytes: 2, 4, 8
}

func (a IOAccess) Pack() uint16 {
	var v uint16
	if a.In {
		v |= 1 << 0
	}
	if a.String {
		v |= 1 << 1
	}
	if a.Repeat {
		v |= 1 << 2
	}
	v |= uint16(a.OperandSize&0x7) << 3
	v |= uint16(a.AddressWidth&0xF) << 6
	return v
}

func UnpackIOAccess(v uint16) IOAccess {
	return IOAccess{
		In:           v&(1<<0) != 0,
		String:       v&(1<<1) != 0,
		Repeat:       v&(1<<2) != 0,
		OperandSize:  uint8((v >> 3) & 0x7),
		AddressWidth: uint8((v >> 6) & 0xF),
	}
}

// IOContext is cv_io_context (§6).
type IOContext struct {
	Access  IOAccess
	Port    uint16
	RAX     uint64
	RCX     uint64
	RSI     uint64
	RDI     uint64
	Segment SegReg
}

// MemoryAccess packs the cv_memory_access_context access bitfield:
// present(1), write(1), execute(1), user(1), fetched_bytes(4).
type MemoryAccess struct {
	Present      bool
	Write        bool
	Execute      bool
	User         bool
	FetchedBytes uint8
}

func (a MemoryAccess) Pack() uint8 {
	var v uint8
	if a.Present {
		v |= 1 << 0
	}
	if a.Write {
		v |= 1 << 1
	}
	if a.Execute {
		v |= 1 << 2
	}
	if a.User {
		v |= 1 << 3
	}
	v |= (a.FetchedBytes & 0xF) << 4
	return v
}

// MemoryAccessFlags packs the cv_memory_access_context flags field:
// operand_size(16), reserved(47), decoded(1).
type MemoryAccessFlags struct {
	OperandSize uint16
	Decoded     bool
}

func (f MemoryAccessFlags) Pack() uint64 {
	v := uint64(f.OperandSize)
	if f.Decoded {
		v |= 1 << 63
	}
	return v
}

func UnpackMemoryAccessFlags(v uint64) MemoryAccessFlags {
	return MemoryAccessFlags{
		OperandSize: uint16(v & 0xFFFF),
		Decoded:     v&(1<<63) != 0,
	}
}

// MemoryAccessContext is cv_memory_access_context (§6).
type MemoryAccessContext struct {
	Access           MemoryAccess
	InstructionBytes [15]byte
	GPA              uint64
	GVA              uint64
	Flags            MemoryAccessFlags
}

// CRAccessContext is cv_cr_access_context (§6).
type CRAccessContext struct {
	CRNum  uint8
	GPRNum uint8
	Mov    bool
	Write  bool
}

// DRAccessContext is cv_dr_access_context (§6).
type DRAccessContext struct {
	DRNum  uint8
	GPRNum uint8
	Write  bool
}

// ExceptionContext is cv_exception_context (§6).
type ExceptionContext struct {
	Vector           uint8
	EvValid          bool
	ErrorCode        uint32
	PageFaultAddress uint64
	FetchedBytes     uint8
	InstructionBytes [15]byte
}

// CPUIDContext is cv_cpuid_context (§6).
type CPUIDContext struct {
	EAX uint32
	ECX uint32
}

// MSRContext is cv_msr_context (§6).
type MSRContext struct {
	EAX uint32
	EDX uint32
	ECX uint32
}

// VPState packs cv_exit_context's trailing state word:
// cpl(2), pe(1), lm(1), interrupt_shadow(1), instruction_length(4),
// int_pending(1), pg(1), pae(1), reserved(52).
type VPState struct {
	CPL               uint8
	PE                bool
	LM                bool
	InterruptShadow   bool
	InstructionLength uint8
	IntPending        bool
	PG                bool
	PAE               bool
}

func UnpackVPState(v uint64) VPState {
	return VPState{
		CPL:               uint8(v & 0x3),
		PE:                v&(1<<2) != 0,
		LM:                v&(1<<3) != 0,
		InterruptShadow:   v&(1<<4) != 0,
		InstructionLength: uint8((v >> 5) & 0xF),
		IntPending:        v&(1<<9) != 0,
		PG:                v&(1<<10) != 0,
		PAE:               v&(1<<11) != 0,
	}
}

func (s VPState) Pack() uint64 {
	v := uint64(s.CPL & 0x3)
	if s.PE {
		v |= 1 << 2
	}
	if s.LM {
		v |= 1 << 3
	}
	if s.InterruptShadow {
		v |= 1 << 4
	}
	v |= uint64(s.InstructionLength&0xF) << 5
	if s.IntPending {
		v |= 1 << 9
	}
	if s.PG {
		v |= 1 << 10
	}
	if s.PAE {
		v |= 1 << 11
	}
	return v
}

// ExitContext is cv_exit_context (§3, §6): a discriminated union. Only the
// payload field matching InterceptCode is populated; the rest are zero value.
type ExitContext struct {
	InterceptCode InterceptCode

	CRAccess     CRAccessContext
	DRAccess     DRAccessContext
	Exception    ExceptionContext
	IO           IOContext
	MSR          MSRContext
	MemoryAccess MemoryAccessContext
	CPUID        CPUIDContext

	CS      SegReg
	RIP     uint64
	RFlags  uint64
	NextRIP uint64
	VPState VPState
}

// EmuInfo is the request payload for TryEmulate: the host decodes and
// completes an MMIO instruction given the operand buffer the caller prepared.
type EmuInfo struct {
	GPA         uint64
	Buffer      []byte
	Write       bool
	OperandSize uint32
}
