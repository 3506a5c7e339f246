// Package vcpu implements the per-vCPU run loop: pre-run interrupt
// injection, the blocking hypervisor run call, post-run state capture, and
// exit dispatch (§4.E).
package vcpu

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/noircv/go-accel/driver"
	"github.com/noircv/go-accel/regsync"
)

// ExceptionIndex is the reason the run loop returned control to the VMM.
type ExceptionIndex int

const (
	ExceptionNone ExceptionIndex = iota
	ExceptionHLT
	ExceptionInterrupt
	ExceptionDebug
)

func (e ExceptionIndex) String() string {
	switch e {
	case ExceptionNone:
		return "none"
	case ExceptionHLT:
		return "hlt"
	case ExceptionInterrupt:
		return "interrupt"
	case ExceptionDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// x86 architectural exception vectors the dispatch table forwards to the
// guest-debug handler rather than treating as a guest panic (§4.E, "On
// EXCP_DEBUG, forward to the guest-debug handler").
const (
	vectorDebug      = 1
	vectorBreakpoint = 3
)

// FatalError marks an intercept the run loop cannot recover from.
type FatalError struct{ Reason string }

func (e *FatalError) Error() string { return "noircv: fatal vcpu condition: " + e.Reason }

// GuestPanicError marks a condition the specification calls "panic the
// guest": the vCPU cannot continue, but the failure is the guest's, not the
// accelerator's.
type GuestPanicError struct{ Reason string }

func (e *GuestPanicError) Error() string { return "noircv: guest panic: " + e.Reason }

// Descriptor is the per-vCPU state the run loop owns (§3 "vCPU descriptor").
// accel.NewVCPUThread creates it, together with the hypervisor-side vCPU, on
// the calling goroutine before the run thread starts; the run thread does not
// create it. The accelerator drops it when the run thread exits.
type Descriptor struct {
	Index uint32

	ExitContext driver.ExitContext
	State       regsync.CPUState

	Dirty                bool
	InterruptPending     bool
	Interruptible        bool
	ReadyForPICInterrupt bool
	Halted               bool
	ExceptionIndex       ExceptionIndex
	exitRequest          boolFlag
}

// RequestExit sets the per-CPU exit_request flag (§5 cancellation signal a).
// Safe to call from any thread.
func (d *Descriptor) RequestExit() { d.exitRequest.set(true) }

// ExitRequested reports the current exit_request value.
func (d *Descriptor) ExitRequested() bool { return d.exitRequest.get() }

func (d *Descriptor) clearExitRequest() { d.exitRequest.set(false) }

// Loop drives one vCPU's exit-handling cycle against the driver and its
// collaborators (§4.E).
type Loop struct {
	Drv  *driver.Driver
	VM   driver.VM
	Vpid uint32
	Desc *Descriptor
	Sync *regsync.Synchronizer

	Intc   InterruptController
	Phys   PhysMemory
	Port   PortIO
	Copier PhysicalCopier
	Lock   MainLoopLock
	Debug  GuestDebugHandler

	// Metrics is an optional accelerator-supplied observer; nil disables it.
	Metrics Recorder

	Log *logrus.Entry
}

// Run executes pre-run/run/post-run/dispatch cycles until the exit dispatch
// table says to return control to the VMM, or a fatal condition occurs. The
// caller must hold Lock on entry; Run releases it only around the blocking
// run_vcpu call (§5 "Main-loop lock").
func (l *Loop) Run() (ExceptionIndex, error) {
	if l.Log == nil {
		l.Log = logrus.WithField("source", "noircv/vcpu")
	}
	for {
		l.preRun()

		ec, err := l.run()
		if err != nil {
			return ExceptionNone, errors.Wrapf(err, "vcpu %d", l.Desc.Index)
		}
		l.postRun(ec)

		done, idx, err := l.dispatch(ec)
		if err != nil {
			return ExceptionNone, err
		}
		if done {
			l.Desc.ExceptionIndex = idx
			if idx == ExceptionDebug && l.Debug != nil {
				l.Debug.HandleDebugExit(l.Desc)
			}
			return idx, nil
		}
	}
}

// preRun runs under the main-loop lock (§4.E pre-run steps 1-3).
func (l *Loop) preRun() {
	d := l.Desc
	if !d.InterruptPending {
		ev := l.Intc.Pending()
		if ev.NMI {
			l.Intc.AckNMI()
			d.Interruptible = false
			if err := l.Drv.InjectEvent(l.VM, l.Vpid, driver.EventInjection{Vector: 2, Type: driver.EventTypeNMI, Valid: true}); err != nil {
				l.Log.WithError(err).Warn("inject_event(nmi) failed")
			}
		}
		if ev.SMI {
			l.Intc.AckSMI()
			l.Log.Warn("SMI pending but unsupported by this accelerator")
		}
		if ev.Init || ev.TPR {
			if ev.Init {
				l.Intc.AckInit()
			}
			if ev.TPR {
				l.Intc.AckTPR()
			}
			d.RequestExit()
		}
	}

	if d.ReadyForPICInterrupt {
		if vector, ok := l.Intc.HardIRQ(); ok {
			// Logged only inside this branch: the reference logs the line
			// unconditionally, which is misleading when no IRQ was found (§9).
			l.Log.WithField("vector", vector).Debug("Injecting External Interrupt")
			if err := l.Drv.InjectEvent(l.VM, l.Vpid, driver.EventInjection{Vector: vector, Type: driver.EventTypeExternal, Valid: true}); err != nil {
				l.Log.WithError(err).Warn("inject_event(ext_int) failed")
			}
		}
	}
	d.ReadyForPICInterrupt = false
}

// run performs the runtime push (if dirty), releases the main-loop lock for
// the blocking driver call, and re-acquires it before returning (§4.D, §5).
func (l *Loop) run() (driver.ExitContext, error) {
	d := l.Desc
	if d.Dirty {
		l.Sync.PushRuntime(d.State)
		d.Dirty = false
	}

	l.Lock.Unlock()
	defer l.Lock.Lock()

	if d.ExitRequested() {
		if err := l.Drv.RescindVCPU(l.VM, l.Vpid); err != nil {
			l.Log.WithError(err).Debug("proactive rescind_vcpu failed")
		}
	}

	ec, err := l.Drv.RunVCPU(l.VM, l.Vpid)
	if err != nil {
		return driver.ExitContext{}, errors.Wrap(err, "run_vcpu")
	}
	return ec, nil
}

// postRun copies the fields the exit context refreshes into the descriptor
// (§4.E "Post-run"). Caller holds the main-loop lock again by this point.
func (l *Loop) postRun(ec driver.ExitContext) {
	d := l.Desc
	d.ExitContext = ec
	d.State.RFlags = ec.RFlags
	d.InterruptPending = ec.VPState.IntPending
	d.Interruptible = !ec.VPState.InterruptShadow
}

// dispatch implements the exit-dispatch table (§4.E). done reports whether
// the loop should return control to the VMM.
func (l *Loop) dispatch(ec driver.ExitContext) (done bool, idx ExceptionIndex, err error) {
	d := l.Desc
	if l.Metrics != nil {
		l.Metrics.RecordExit(ec.InterceptCode)
	}
	switch ec.InterceptCode {
	case driver.InterceptMemoryAccess:
		if err := l.handleMMIO(ec); err != nil {
			return true, ExceptionNone, err
		}
		return false, ExceptionNone, nil

	case driver.InterceptIO:
		if err := l.handlePortIO(ec); err != nil {
			return true, ExceptionNone, err
		}
		return false, ExceptionNone, nil

	case driver.InterceptHLT:
		if !d.InterruptPending {
			d.Halted = true
			idx = ExceptionHLT
		}
		if err := l.Drv.EditRegister(l.VM, l.Vpid, driver.RegIP, u64bytes(ec.NextRIP)); err != nil {
			l.Log.WithError(err).Warn("edit_register(ip) after hlt failed")
		}
		d.clearExitRequest()
		return true, idx, nil

	case driver.InterceptRescission:
		d.clearExitRequest()
		return true, ExceptionInterrupt, nil

	case driver.InterceptException:
		if ec.Exception.Vector == vectorDebug || ec.Exception.Vector == vectorBreakpoint {
			d.clearExitRequest()
			return true, ExceptionDebug, nil
		}
		l.Log.WithField("vector", ec.Exception.Vector).Error("unhandled exception vector, guest cannot continue")
		return true, ExceptionNone, &GuestPanicError{Reason: fmt.Sprintf("unhandled exception vector %d", ec.Exception.Vector)}

	case driver.InterceptShutdown:
		l.Log.Info("shutdown_condition intercept")
		return false, ExceptionNone, nil

	case driver.InterceptInvalidState:
		return true, ExceptionNone, &FatalError{Reason: "invalid_state"}

	default:
		l.Log.WithField("intercept", ec.InterceptCode).Error("unhandled intercept code, guest cannot continue")
		return true, ExceptionNone, &GuestPanicError{Reason: fmt.Sprintf("unhandled intercept %s", ec.InterceptCode)}
	}
}

func u64bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
