package driver

import "fmt"

// NoirStatus is the 32-bit status code returned by every driver operation (§4.A, §6).
type NoirStatus uint32

// Status codes reproduced from the NoirVisor CVM interface header.
const (
	StatusSuccess                NoirStatus = 0x00000000
	StatusEmuDualMemoryOperands  NoirStatus = 0x43000000
	StatusEmuUnknownInstruction  NoirStatus = 0x43000001
	StatusUnsuccessful           NoirStatus = 0xC0000000
	StatusInsufficientResources  NoirStatus = 0xC0000001
	StatusNotImplemented         NoirStatus = 0xC0000002
	StatusUnknownProcessor       NoirStatus = 0xC0000003
	StatusInvalidParameter       NoirStatus = 0xC0000004
	StatusHypervisionAbsent      NoirStatus = 0xC0000005
	StatusVCPUAlreadyCreated     NoirStatus = 0xC0000006
	StatusBufferTooSmall         NoirStatus = 0xC0000007
	StatusVCPUNotExist           NoirStatus = 0xC0000008
)

// String renders a status the way logrus fields expect: short and grep-able.
func (s NoirStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEmuDualMemoryOperands:
		return "emu_dual_memory_operands"
	case StatusEmuUnknownInstruction:
		return "emu_unknown_instruction"
	case StatusUnsuccessful:
		return "unsuccessful"
	case StatusInsufficientResources:
		return "insufficient_resources"
	case StatusNotImplemented:
		return "not_implemented"
	case StatusUnknownProcessor:
		return "unknown_processor"
	case StatusInvalidParameter:
		return "invalid_parameter"
	case StatusHypervisionAbsent:
		return "hypervision_absent"
	case StatusVCPUAlreadyCreated:
		return "vcpu_already_created"
	case StatusBufferTooSmall:
		return "buffer_too_small"
	case StatusVCPUNotExist:
		return "vcpu_not_exist"
	default:
		return fmt.Sprintf("unknown(0x%08x)", uint32(s))
	}
}

// Recoverable reports whether the emulation caller may act on this status
// rather than treat it as a propagating transport failure (§4.A, §7).
func (s NoirStatus) Recoverable() bool {
	return s == StatusEmuDualMemoryOperands || s == StatusEmuUnknownInstruction
}

// NoirError wraps a failing NoirStatus with the operation that produced it.
type NoirError struct {
	Op     string
	Status NoirStatus
}

func (e *NoirError) Error() string {
	return fmt.Sprintf("noircv: %s: status %s", e.Op, e.Status)
}

// statusErr returns nil on success, otherwise a *NoirError for op.
func statusErr(op string, s NoirStatus) error {
	if s == StatusSuccess {
		return nil
	}
	return &NoirError{Op: op, Status: s}
}

var (
	// ErrDriverAbsent is returned by Open when the control device does not exist.
	ErrDriverAbsent = fmt.Errorf("noircv: driver absent")
	// ErrNotSupported names a platform with no IOCTL transport implementation.
	// Nothing in this package returns it: Open reports ErrDriverAbsent on such
	// platforms.
	ErrNotSupported = fmt.Errorf("noircv: transport not supported on this platform")
)
