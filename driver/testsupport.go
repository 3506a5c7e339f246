package driver

import "encoding/binary"

// EncodeExitContext renders ec in the same wire format run_vcpu responses
// use. Exported so sibling packages (vcpu, accel) can build fake Transport
// responses in their own tests without duplicating the layout.
func EncodeExitContext(ec ExitContext) []byte {
	return marshalExitContext(ec)
}

// StatusBytes builds a bare 4-byte status reply, the shape every operation
// but CreateVM/RunVCPU/ViewRegister/TryEmulate returns on success or failure.
func StatusBytes(s NoirStatus) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(s))
	return b
}

// SuccessThenBytes prefixes payload with a success status word, the shape
// ViewRegister and TryEmulate responses take.
func SuccessThenBytes(payload []byte) []byte {
	b := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], uint32(StatusSuccess))
	copy(b[4:], payload)
	return b
}
