// Package accel wires the driver, memmap, regsync and vcpu packages into one
// accelerator: one control-device handle, one VM, and one goroutine per vCPU
// (§4.F).
package accel

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/noircv/go-accel/driver"
	"github.com/noircv/go-accel/memmap"
	"github.com/noircv/go-accel/regsync"
	"github.com/noircv/go-accel/vcpu"
)

// Name is the accelerator identifier used in diagnostics and metric labels,
// mirroring the reference implementation's own name for itself.
const Name = "noircv"

// Deps are the VMM-side collaborators every vCPU thread needs. The
// accelerator does not implement any of these itself (§4.E's collaborator
// seams); it only threads them through to each vcpu.Loop it creates.
type Deps struct {
	Lock  vcpu.MainLoopLock
	Intc  vcpu.InterruptController
	Phys  vcpu.PhysMemory
	Port  vcpu.PortIO
	Debug vcpu.GuestDebugHandler
	TSC   regsync.TSCCache
}

// Accelerator owns the control device, the VM handle, the memory-region
// tracker, and the set of live vCPU threads (§4.F).
type Accelerator struct {
	mu   sync.Mutex
	drv  *driver.Driver
	vm   driver.VM
	mem  *memmap.Tracker
	deps Deps

	threads map[uint32]*vcpuThread

	counters metricsCounters
	log      *logrus.Entry
}

// New constructs an idle Accelerator. Call Init before spawning vCPU threads.
func New(log *logrus.Entry) *Accelerator {
	if log == nil {
		log = logrus.WithField("source", "noircv/accel")
	}
	return &Accelerator{threads: make(map[uint32]*vcpuThread), log: log}
}

// Init opens the control device, creates the VM, and registers the memory
// tracker as the VMM's region listener (§4.A, §4.F). If the driver is absent,
// Init reports that plainly and returns ErrDriverAbsent — the suspected
// source bug (§9 item 4) left this path relying on an uninitialized "ret"
// that happened to read as success on some builds; here ret is never
// ambiguous because Open itself returns a typed error instead of a status
// code the caller must interpret.
func (a *Accelerator) Init(driverName string, deps Deps) error {
	drv, err := driver.Open(driverName, a.log.WithField("source", "noircv/driver"))
	if err != nil {
		if errors.Is(err, driver.ErrDriverAbsent) {
			a.log.Warn("NoirVisor is absent in the system")
			return err
		}
		a.log.WithError(err).Error("failed to open control device")
		return errors.Wrap(err, "accel: init")
	}
	a.log.Info("NoirVisor is present in the system")

	vm, err := drv.CreateVM()
	if err != nil {
		drv.Close()
		return errors.Wrap(err, "accel: create_vm")
	}
	a.counters.vmsCreated.Add(1)

	a.mu.Lock()
	a.drv = drv
	a.vm = vm
	a.mem = memmap.New(vm, drv, a.log.WithField("source", "noircv/memmap"))
	a.deps = deps
	a.mu.Unlock()

	a.log.WithField("vm", uint64(vm)).Info("noircv accelerator initialized")
	return nil
}

// MemoryListener exposes the region tracker so the VMM's memory transactor
// can register it (§4.C).
func (a *Accelerator) MemoryListener() *memmap.Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem
}

// Shutdown tears down every remaining vCPU thread, deletes the VM, and
// closes the control device. Callers must have already quiesced the guest;
// Shutdown does not attempt a clean guest poweroff.
func (a *Accelerator) Shutdown() error {
	a.mu.Lock()
	indices := make([]uint32, 0, len(a.threads))
	for idx := range a.threads {
		indices = append(indices, idx)
	}
	a.mu.Unlock()

	for _, idx := range indices {
		a.Unplug(idx)
	}
	for _, idx := range indices {
		a.waitThreadDone(idx)
	}

	a.mu.Lock()
	drv, vm := a.drv, a.vm
	a.mu.Unlock()

	if drv == nil {
		return nil
	}
	if err := drv.DeleteVM(vm); err != nil {
		a.log.WithError(err).Warn("delete_vm failed during shutdown")
	}
	return drv.Close()
}

func (a *Accelerator) waitThreadDone(idx uint32) {
	a.mu.Lock()
	th := a.threads[idx]
	a.mu.Unlock()
	if th == nil {
		return
	}
	<-th.done
}
