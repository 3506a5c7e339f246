package vcpu

import "testing"

// seqTransport replies to driver.Ioctl calls in the exact order the test
// queues them. The vcpu run loop's call sequence for a given scenario is
// deterministic, so ordering (rather than decoding the ctlCode, which this
// package cannot see) is enough to drive it.
type seqTransport struct {
	t         *testing.T
	responses [][]byte
	errs      []error
	idx       int
	calls     []seqCall
}

type seqCall struct {
	code   uint32
	in     []byte
	outLen int
}

func newSeqTransport(t *testing.T) *seqTransport {
	return &seqTransport{t: t}
}

func (s *seqTransport) queue(b []byte) {
	s.responses = append(s.responses, b)
	s.errs = append(s.errs, nil)
}

func (s *seqTransport) queueErr(err error) {
	s.responses = append(s.responses, nil)
	s.errs = append(s.errs, err)
}

func (s *seqTransport) Ioctl(code uint32, in []byte, outLen int) ([]byte, error) {
	s.calls = append(s.calls, seqCall{code, in, outLen})
	if s.idx >= len(s.responses) {
		s.t.Fatalf("unexpected ioctl #%d (outLen=%d), no response queued", s.idx, outLen)
	}
	resp, err := s.responses[s.idx], s.errs[s.idx]
	s.idx++
	return resp, err
}

func (s *seqTransport) Close() error { return nil }

// fakeIntc is a scriptable InterruptController.
type fakeIntc struct {
	pending    PendingEvents
	irqVector  uint8
	irqPresent bool

	ackNMI, ackSMI, ackInit, ackTPR int
}

func (f *fakeIntc) Pending() PendingEvents { return f.pending }
func (f *fakeIntc) AckNMI()                { f.ackNMI++ }
func (f *fakeIntc) AckSMI()                { f.ackSMI++ }
func (f *fakeIntc) AckInit()               { f.ackInit++ }
func (f *fakeIntc) AckTPR()                { f.ackTPR++ }
func (f *fakeIntc) HardIRQ() (uint8, bool) {
	if !f.irqPresent {
		return 0, false
	}
	f.irqPresent = false
	return f.irqVector, true
}

// fakePhys is a scriptable PhysMemory.
type fakePhys struct {
	readData   []byte
	writes     []physWrite
}

type physWrite struct {
	gpa uint64
	buf []byte
}

func (f *fakePhys) ReadPhys(gpa uint64, size int) []byte {
	b := make([]byte, size)
	copy(b, f.readData)
	return b
}

func (f *fakePhys) WritePhys(gpa uint64, buf []byte) {
	f.writes = append(f.writes, physWrite{gpa, append([]byte(nil), buf...)})
}

// fakePort is a scriptable PortIO.
type fakePort struct {
	inData []byte
	ins    []portIn
	outs   []portOut
}

type portIn struct {
	port uint16
	size int
}

type portOut struct {
	port uint16
	data []byte
}

func (f *fakePort) In(port uint16, size int) []byte {
	f.ins = append(f.ins, portIn{port, size})
	b := make([]byte, size)
	copy(b, f.inData)
	return b
}

func (f *fakePort) Out(port uint16, size int, data []byte) {
	f.outs = append(f.outs, portOut{port, append([]byte(nil), data...)})
}

// fakeCopier is a scriptable PhysicalCopier backed by an in-memory byte map
// keyed by gpa, so string-IO tests can assert an actual identity round trip.
type fakeCopier struct {
	mem map[uint64]byte
	ok  bool
	calls []copierCall
}

type copierCall struct {
	gpa   uint64
	write bool
	n     int
}

func newFakeCopier() *fakeCopier {
	return &fakeCopier{mem: make(map[uint64]byte), ok: true}
}

func (f *fakeCopier) CopyPhysical(buf []byte, gpa uint64, write bool) bool {
	f.calls = append(f.calls, copierCall{gpa, write, len(buf)})
	if !f.ok {
		return false
	}
	for i := range buf {
		if write {
			f.mem[gpa+uint64(i)] = buf[i]
		} else {
			buf[i] = f.mem[gpa+uint64(i)]
		}
	}
	return true
}

// fakeLock is a non-reentrant MainLoopLock that records whether it is held,
// so tests can assert it is released during the blocking run call.
type fakeLock struct {
	held     bool
	lockN    int
	unlockN  int
	onUnlock func()
}

func (f *fakeLock) Lock() {
	if f.held {
		panic("fakeLock: double lock")
	}
	f.held = true
	f.lockN++
}

func (f *fakeLock) Unlock() {
	if !f.held {
		panic("fakeLock: unlock while not held")
	}
	f.held = false
	f.unlockN++
	if f.onUnlock != nil {
		f.onUnlock()
	}
}

// fakeDebug records HandleDebugExit calls.
type fakeDebug struct {
	calls int
}

func (f *fakeDebug) HandleDebugExit(d *Descriptor) { f.calls++ }
