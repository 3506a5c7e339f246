package cmd

import (
	"sync"

	"github.com/noircv/go-accel/vcpu"
)

// guestMachine is the minimal standalone VMM this binary needs to drive one
// vCPU: a single flat memory region, no interrupt sources, and ports that
// read as zero and discard writes. It exists to exercise the accelerator end to end without a full
// VMM; a real VMM supplies all of this itself.
type guestMachine struct {
	lock sync.Mutex
	mem  []byte
	base uint64
}

func (g *guestMachine) Lock()   { g.lock.Lock() }
func (g *guestMachine) Unlock() { g.lock.Unlock() }

func (g *guestMachine) Pending() vcpu.PendingEvents { return vcpu.PendingEvents{} }
func (g *guestMachine) AckNMI()                     {}
func (g *guestMachine) AckSMI()                     {}
func (g *guestMachine) AckInit()                    {}
func (g *guestMachine) AckTPR()                      {}
func (g *guestMachine) HardIRQ() (uint8, bool)       { return 0, false }

func (g *guestMachine) ReadPhys(gpa uint64, size int) []byte {
	b := make([]byte, size)
	off := gpa - g.base
	if off < uint64(len(g.mem)) {
		copy(b, g.mem[off:])
	}
	return b
}

func (g *guestMachine) WritePhys(gpa uint64, buf []byte) {
	off := gpa - g.base
	if off < uint64(len(g.mem)) {
		copy(g.mem[off:], buf)
	}
}

func (g *guestMachine) In(port uint16, size int) []byte { return make([]byte, size) }
func (g *guestMachine) Out(port uint16, size int, data []byte) {
}

func (g *guestMachine) HandleDebugExit(d *vcpu.Descriptor) {}
