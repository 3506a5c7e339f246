package driver

import (
	"encoding/binary"
	"testing"
)

// fakeTransport is an in-memory stand-in for the real IOCTL handle. Tests
// queue canned responses keyed by control code and record every request for
// later assertions, the way the teacher's stub hypervisor backs tests without
// the Hypervisor.framework entitlement.
type fakeTransport struct {
	t *testing.T

	// responses, consumed in FIFO order per code. A missing queue entry is a
	// test bug, not a transport failure, and panics loudly.
	responses map[uint32][][]byte
	errs      map[uint32][]error
	calls     []fakeCall
	closed    bool
}

type fakeCall struct {
	code uint32
	in   []byte
}

func newFakeTransport(t *testing.T) *fakeTransport {
	return &fakeTransport{
		t:         t,
		responses: make(map[uint32][][]byte),
		errs:      make(map[uint32][]error),
	}
}

func (f *fakeTransport) queue(code uint32, resp []byte) {
	f.responses[code] = append(f.responses[code], resp)
	f.errs[code] = append(f.errs[code], nil)
}

func (f *fakeTransport) queueErr(code uint32, err error) {
	f.responses[code] = append(f.responses[code], nil)
	f.errs[code] = append(f.errs[code], err)
}

func (f *fakeTransport) Ioctl(code uint32, in []byte, outLen int) ([]byte, error) {
	f.calls = append(f.calls, fakeCall{code: code, in: append([]byte(nil), in...)})
	q := f.responses[code]
	if len(q) == 0 {
		f.t.Fatalf("fakeTransport: no queued response for code 0x%x", code)
	}
	resp := q[0]
	err := f.errs[code][0]
	f.responses[code] = q[1:]
	f.errs[code] = f.errs[code][1:]
	if err != nil {
		return nil, err
	}
	if len(resp) != outLen && resp != nil {
		f.t.Fatalf("fakeTransport: queued response for code 0x%x is %d bytes, want %d", code, len(resp), outLen)
	}
	return resp, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// statusResponse builds a 4-byte success/failure reply.
func statusResponse(s NoirStatus) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(s))
	return b
}
