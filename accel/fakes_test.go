package accel

import (
	"testing"

	"github.com/noircv/go-accel/vcpu"
)

// seqTransport replies to driver.Ioctl calls in the order the test queues
// them, mirroring vcpu's fake of the same name: this package also cannot see
// driver's unexported ctlCode/fn* constants, so ordering is what's available.
type seqTransport struct {
	t         *testing.T
	responses [][]byte
	idx       int
	calls     []seqCall
}

type seqCall struct {
	code   uint32
	outLen int
}

func newSeqTransport(t *testing.T) *seqTransport {
	return &seqTransport{t: t}
}

func (s *seqTransport) queue(b []byte) {
	s.responses = append(s.responses, b)
}

func (s *seqTransport) Ioctl(code uint32, in []byte, outLen int) ([]byte, error) {
	s.calls = append(s.calls, seqCall{code, outLen})
	if s.idx >= len(s.responses) {
		s.t.Fatalf("unexpected ioctl #%d (outLen=%d), no response queued", s.idx, outLen)
	}
	resp := s.responses[s.idx]
	s.idx++
	return resp, nil
}

func (s *seqTransport) Close() error { return nil }

// tolerantTransport accepts any ioctl and returns a zero-filled response of
// the requested length. Used where a test only needs to know a register-sync
// call reached the hypervisor at all, not what values it carried — regsync's
// own tests already cover wire-format correctness.
type tolerantTransport struct{ calls int }

func (t *tolerantTransport) Ioctl(code uint32, in []byte, outLen int) ([]byte, error) {
	t.calls++
	return make([]byte, outLen), nil
}

func (t *tolerantTransport) Close() error { return nil }

// fakeIntc reports nothing pending; accel-level tests exercise the thread
// lifecycle, not interrupt delivery, which vcpu's own tests already cover.
type fakeIntc struct{}

func (fakeIntc) Pending() vcpu.PendingEvents { return vcpu.PendingEvents{} }
func (fakeIntc) AckNMI()                     {}
func (fakeIntc) AckSMI()                     {}
func (fakeIntc) AckInit()                    {}
func (fakeIntc) AckTPR()                     {}
func (fakeIntc) HardIRQ() (uint8, bool)      { return 0, false }

type fakePhys struct{}

func (fakePhys) ReadPhys(gpa uint64, size int) []byte { return make([]byte, size) }
func (fakePhys) WritePhys(gpa uint64, buf []byte)     {}

type fakePort struct{}

func (fakePort) In(port uint16, size int) []byte       { return make([]byte, size) }
func (fakePort) Out(port uint16, size int, data []byte) {}

type fakeDebug struct{ calls int }

func (f *fakeDebug) HandleDebugExit(d *vcpu.Descriptor) { f.calls++ }

type fakeTSC struct{ valid bool }

func (f *fakeTSC) Valid() bool   { return f.valid }
func (f *fakeTSC) Invalidate()   { f.valid = false }
