// Package driver is a thin, typed wrapper around the NoirVisor CVM kernel
// control device (§4.A, §4.B). It never retries on failure except for the
// one documented scheduler-yield transparency in RunVCPU.
package driver

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Command codes, one per operation, built the way the driver's own
// CTL_CODE_GEN(i) macro does: FILE_DEVICE_UNKNOWN(0x22), METHOD_BUFFERED,
// FILE_ANY_ACCESS. function numbers are the driver's own IOCTL numbering.
const (
	fnCreateVM       = 0x880
	fnDeleteVM       = 0x881
	fnSetMapping     = 0x882
	fnQueryGpaAdMap  = 0x883
	fnClearGpaAdMap  = 0x884
	fnCreateVMEx     = 0x885
	fnQueryHvStatus  = 0x88F
	fnCreateVCPU     = 0x890
	fnDeleteVCPU     = 0x891
	fnRunVCPU        = 0x892
	fnViewVCPUReg    = 0x893
	fnEditVCPUReg    = 0x894
	fnRescindVCPU    = 0x895
	fnInjectEvent    = 0x896
	fnSetVCPUOptions = 0x897
	fnQueryVCPUStats = 0x898
	fnTryEmuExit     = 0x899
)

func ctlCode(function uint32) uint32 {
	const fileDeviceUnknown = 0x22
	const methodBuffered = 0
	return (fileDeviceUnknown << 16) | (function << 2) | methodBuffered
}

// Transport is the raw synchronous control-code round trip. Implementations
// live in ioctl_windows.go (the real driver handle) and ioctl_other.go (a
// stub that reports the driver as absent on every non-Windows host). Tests in
// this module and its siblings (regsync, vcpu, accel) supply their
// own Transport to drive the typed API without a real kernel driver.
type Transport interface {
	Ioctl(code uint32, in []byte, outLen int) ([]byte, error)
	Close() error
}

// Driver is a single handle onto the control device (§4.A). All per-call
// request/response buffers are stack-local byte slices sized for exactly one
// call; none are shared across goroutines, matching the driver's
// no-cross-thread-heap-sharing throughput contract.
type Driver struct {
	t   Transport
	log *logrus.Entry
}

// NewWithTransport builds a Driver directly atop an already-open Transport,
// bypassing Open's device-name lookup. Production callers use Open; tests
// (here and in sibling packages) use this to wire a fake Transport.
func NewWithTransport(t Transport, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.WithField("source", "noircv/driver")
	}
	return &Driver{t: t, log: log}
}

// Open opens the control device once at accelerator init (§4.A, §4.F).
// It returns ErrDriverAbsent itself, unwrapped, when the device does not
// exist — callers decide whether that is fatal.
func Open(name string, log *logrus.Entry) (*Driver, error) {
	if log == nil {
		log = logrus.WithField("source", "noircv/driver")
	}
	t, err := openTransport(name)
	if err != nil {
		if errors.Is(err, ErrDriverAbsent) {
			return nil, ErrDriverAbsent
		}
		return nil, errors.Wrap(err, "open control device")
	}
	return &Driver{t: t, log: log}, nil
}

// Close releases the control device handle.
func (d *Driver) Close() error {
	if d == nil || d.t == nil {
		return nil
	}
	return d.t.Close()
}

// VM is the opaque 64-bit token the hypervisor returns on VM creation (§3).
type VM uint64

// CreateVM issues create_vm (§4.A).
func (d *Driver) CreateVM() (VM, error) {
	out, err := d.t.Ioctl(ctlCode(fnCreateVM), nil, 12)
	if err != nil {
		return 0, errors.Wrap(err, "create_vm")
	}
	status := NoirStatus(binary.LittleEndian.Uint32(out[0:4]))
	if status != StatusSuccess {
		return 0, statusErr("create_vm", status)
	}
	return VM(binary.LittleEndian.Uint64(out[4:12])), nil
}

// DeleteVM issues delete_vm (§4.A).
func (d *Driver) DeleteVM(vm VM) error {
	in := make([]byte, 8)
	binary.LittleEndian.PutUint64(in, uint64(vm))
	out, err := d.t.Ioctl(ctlCode(fnDeleteVM), in, 4)
	if err != nil {
		return errors.Wrap(err, "delete_vm")
	}
	return statusErr("delete_vm", NoirStatus(binary.LittleEndian.Uint32(out)))
}

// CreateVCPU issues create_vcpu (§4.A).
func (d *Driver) CreateVCPU(vm VM, vpid uint32) error {
	in := make([]byte, 12)
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint32(in[8:12], vpid)
	out, err := d.t.Ioctl(ctlCode(fnCreateVCPU), in, 4)
	if err != nil {
		return errors.Wrap(err, "create_vcpu")
	}
	return statusErr("create_vcpu", NoirStatus(binary.LittleEndian.Uint32(out)))
}

// DeleteVCPU issues delete_vcpu (§4.A).
func (d *Driver) DeleteVCPU(vm VM, vpid uint32) error {
	in := make([]byte, 12)
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint32(in[8:12], vpid)
	out, err := d.t.Ioctl(ctlCode(fnDeleteVCPU), in, 4)
	if err != nil {
		return errors.Wrap(err, "delete_vcpu")
	}
	return statusErr("delete_vcpu", NoirStatus(binary.LittleEndian.Uint32(out)))
}

// SetMapping issues set_mapping (§4.A, §4.C). info must already be page-aligned.
func (d *Driver) SetMapping(vm VM, info AddrMapInfo) error {
	in := make([]byte, 8+24)
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint64(in[8:16], info.GPA)
	binary.LittleEndian.PutUint64(in[16:24], info.HVA)
	binary.LittleEndian.PutUint32(in[24:28], info.PageTotal)
	binary.LittleEndian.PutUint32(in[28:32], info.Attributes.Pack())
	out, err := d.t.Ioctl(ctlCode(fnSetMapping), in, 4)
	if err != nil {
		return errors.Wrap(err, "set_mapping")
	}
	return statusErr("set_mapping", NoirStatus(binary.LittleEndian.Uint32(out)))
}

// InjectEvent issues inject_event (§4.A, §4.E).
func (d *Driver) InjectEvent(vm VM, vpid uint32, ev EventInjection) error {
	in := make([]byte, 8+4+8)
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint32(in[8:12], vpid)
	binary.LittleEndian.PutUint64(in[12:20], ev.Pack())
	out, err := d.t.Ioctl(ctlCode(fnInjectEvent), in, 4)
	if err != nil {
		return errors.Wrap(err, "inject_event")
	}
	return statusErr("inject_event", NoirStatus(binary.LittleEndian.Uint32(out)))
}

// ViewRegister issues view_register (§4.A, §4.D): reads bufSize bytes of reg
// state from the hypervisor into a fresh buffer.
func (d *Driver) ViewRegister(vm VM, vpid uint32, regType RegType, bufSize int) ([]byte, error) {
	in := make([]byte, 8+4+4)
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint32(in[8:12], vpid)
	binary.LittleEndian.PutUint32(in[12:16], uint32(regType))
	out, err := d.t.Ioctl(ctlCode(fnViewVCPUReg), in, 4+bufSize)
	if err != nil {
		return nil, errors.Wrapf(err, "view_register(%s)", regType)
	}
	status := NoirStatus(binary.LittleEndian.Uint32(out[0:4]))
	if status != StatusSuccess {
		return nil, statusErr("view_register("+regType.String()+")", status)
	}
	return out[4:], nil
}

// EditRegister issues edit_register (§4.A, §4.D).
func (d *Driver) EditRegister(vm VM, vpid uint32, regType RegType, buf []byte) error {
	in := make([]byte, 8+4+4+len(buf))
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint32(in[8:12], vpid)
	binary.LittleEndian.PutUint32(in[12:16], uint32(regType))
	copy(in[16:], buf)
	out, err := d.t.Ioctl(ctlCode(fnEditVCPUReg), in, 4)
	if err != nil {
		return errors.Wrapf(err, "edit_register(%s)", regType)
	}
	return statusErr("edit_register("+regType.String()+")", NoirStatus(binary.LittleEndian.Uint32(out)))
}

// RunVCPU issues run_vcpu and blocks until the vCPU exits (§4.A, §4.E).
// When the hypervisor scheduler yields (InterceptSchedulerExit) the call is
// transparently re-issued; callers never observe that code (property 8).
func (d *Driver) RunVCPU(vm VM, vpid uint32) (ExitContext, error) {
	in := make([]byte, 12)
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint32(in[8:12], vpid)

	for {
		out, err := d.t.Ioctl(ctlCode(fnRunVCPU), in, 4+exitContextWireSize)
		if err != nil {
			return ExitContext{}, errors.Wrap(err, "run_vcpu")
		}
		status := NoirStatus(binary.LittleEndian.Uint32(out[0:4]))
		if status != StatusSuccess {
			return ExitContext{}, statusErr("run_vcpu", status)
		}
		ec := unmarshalExitContext(out[4:])
		if ec.InterceptCode == InterceptSchedulerExit {
			d.log.WithField("vpid", vpid).Debug("scheduler yielded, re-issuing run_vcpu")
			continue
		}
		return ec, nil
	}
}

// RescindVCPU issues rescind_vcpu, waking a blocked RunVCPU (§4.A, §5).
func (d *Driver) RescindVCPU(vm VM, vpid uint32) error {
	in := make([]byte, 12)
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint32(in[8:12], vpid)
	out, err := d.t.Ioctl(ctlCode(fnRescindVCPU), in, 4)
	if err != nil {
		return errors.Wrap(err, "rescind_vcpu")
	}
	return statusErr("rescind_vcpu", NoirStatus(binary.LittleEndian.Uint32(out)))
}

// TryEmulate issues try_emulate, letting the host decode and complete an MMIO
// access (§4.A, §4.E).
func (d *Driver) TryEmulate(vm VM, vpid uint32, info EmuInfo) (NoirStatus, error) {
	in := make([]byte, 8+4+8+4+4+len(info.Buffer))
	binary.LittleEndian.PutUint64(in[0:8], uint64(vm))
	binary.LittleEndian.PutUint32(in[8:12], vpid)
	binary.LittleEndian.PutUint64(in[12:20], info.GPA)
	binary.LittleEndian.PutUint32(in[20:24], info.OperandSize)
	if info.Write {
		in[24] = 1
	}
	copy(in[28:], info.Buffer)
	out, err := d.t.Ioctl(ctlCode(fnTryEmuExit), in, 4+len(info.Buffer))
	if err != nil {
		return 0, errors.Wrap(err, "try_emulate")
	}
	status := NoirStatus(binary.LittleEndian.Uint32(out[0:4]))
	if info.Write == false && len(info.Buffer) > 0 {
		copy(info.Buffer, out[4:])
	}
	return status, nil
}
