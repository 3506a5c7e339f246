package vcpu

import "sync/atomic"

// boolFlag is a thread-safe latch. exit_request is set by any thread wanting
// to wake a blocked run_vcpu call and cleared only by the owning vCPU thread
// (§5).
type boolFlag struct {
	v atomic.Bool
}

func (f *boolFlag) set(b bool) { f.v.Store(b) }
func (f *boolFlag) get() bool  { return f.v.Load() }
