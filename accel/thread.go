package accel

import (
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/noircv/go-accel/regsync"
	"github.com/noircv/go-accel/vcpu"
)

// vcpuThread is the Go analogue of one qemu_thread_create'd vCPU OS thread:
// a dedicated goroutine, parked on a condition variable while idle, driven by
// can_run/unplug flags the accelerator flips under the main-loop lock (§4.F).
type vcpuThread struct {
	index uint32
	desc  *vcpu.Descriptor
	loop  *vcpu.Loop

	cond     *sync.Cond
	canRun   bool
	unplug   bool
	threadID uint32

	// pendingJobs holds register-sync callbacks scheduled onto this thread
	// from outside (§4.F step 1 "read-side synchronization facility"), drained
	// on this thread only, under the main-loop lock — giving the single
	// serial per-vCPU ordering §5 requires.
	pendingJobs []func()

	// closed is set once the run loop has left its final drain, so a
	// concurrent sync request past that point runs inline instead of
	// queuing onto a thread that will never drain it again.
	closed bool

	done chan struct{}
}

// drainJobs runs every pending job in order. Caller must hold the main-loop
// lock.
func (th *vcpuThread) drainJobs() {
	for len(th.pendingJobs) > 0 {
		job := th.pendingJobs[0]
		th.pendingJobs = th.pendingJobs[1:]
		job()
	}
}

// NewVCPUThread creates the hypervisor-side vCPU and spawns its run thread
// (§4.F steps 1-3). The thread starts parked; call SetRunnable(index, true)
// to let it enter the run loop.
func (a *Accelerator) NewVCPUThread(index uint32) error {
	a.mu.Lock()
	drv, vm, deps := a.drv, a.vm, a.deps
	a.mu.Unlock()

	if drv == nil {
		return errNotInitialized
	}
	if err := drv.CreateVCPU(vm, index); err != nil {
		return err
	}
	a.counters.vcpusCreated.Add(1)

	threadLog := a.log.WithField("vcpu", index)
	desc := &vcpu.Descriptor{Index: index}
	sync_ := regsync.New(drv, vm, index, deps.TSC, threadLog.WithField("source", "noircv/regsync"))

	th := &vcpuThread{
		index: index,
		desc:  desc,
		loop: &vcpu.Loop{
			Drv:     drv,
			VM:      vm,
			Vpid:    index,
			Desc:    desc,
			Sync:    sync_,
			Intc:    deps.Intc,
			Phys:    deps.Phys,
			Port:    deps.Port,
			Copier:  a.MemoryListener(),
			Lock:    deps.Lock,
			Debug:   deps.Debug,
			Metrics: a,
			Log:     threadLog,
		},
		cond: sync.NewCond(deps.Lock),
		done: make(chan struct{}),
	}

	a.mu.Lock()
	a.threads[index] = th
	a.mu.Unlock()

	threadLog.Info("vcpu thread created")
	go a.runVCPUThread(th, threadLog)
	return nil
}

// runVCPUThread is the thread body: acquire the main-loop lock, run while
// runnable, park on the condition variable while idle, and exit once the
// accelerator has both unplugged the vCPU and left it non-runnable — mirroring
// the reference implementation's `while (!cpu->unplug || cpu_can_run(cpu))`
// (noircv-accel-ops.c).
func (a *Accelerator) runVCPUThread(th *vcpuThread, log *logrus.Entry) {
	defer close(th.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	th.threadID = currentThreadID()
	a.deps.Lock.Lock()
	for {
		// Step 5 "drain pending I/O events": register-sync requests scheduled
		// onto this thread from outside run once per pass, whether the thread
		// is about to run or about to park.
		th.drainJobs()

		if th.canRun {
			idx, err := th.loop.Run()
			a.counters.runs.Add(1)
			if err != nil {
				a.counters.fatalVCPUs.Add(1)
				log.WithError(err).Error("vcpu thread terminating on fatal condition")
				th.unplug = true
				th.canRun = false
				break
			}
			a.recordExceptionIndex(idx)
			// A real halt (as opposed to HLT-with-interrupt-pending, which
			// reports ExceptionNone so the loop re-enters immediately) parks
			// the thread until something external calls SetRunnable again.
			if idx == vcpu.ExceptionHLT || idx == vcpu.ExceptionDebug {
				th.canRun = false
			}
			continue
		}

		if th.unplug {
			break
		}
		for !th.canRun && !th.unplug && len(th.pendingJobs) == 0 {
			th.cond.Wait()
		}
	}
	th.drainJobs() // flush anything scheduled concurrently with shutdown
	th.closed = true
	a.deps.Lock.Unlock()

	if err := a.drv.DeleteVCPU(a.vm, th.index); err != nil {
		log.WithError(err).Warn("delete_vcpu failed during thread teardown")
	} else {
		a.counters.vcpusDestroyed.Add(1)
	}
	log.Info("vcpu thread destroyed")

	a.mu.Lock()
	delete(a.threads, th.index)
	a.mu.Unlock()
}

func (a *Accelerator) recordExceptionIndex(idx vcpu.ExceptionIndex) {
	switch idx {
	case vcpu.ExceptionHLT:
		a.counters.exitsHLT.Add(1)
	case vcpu.ExceptionInterrupt:
		a.counters.rescinds.Add(1)
	}
}

// SetRunnable flips whether index's vCPU thread is allowed to enter the run
// loop, waking it if it is parked (§4.F, analogous to cpu_resume/cpu_stop).
func (a *Accelerator) SetRunnable(index uint32, runnable bool) {
	a.mu.Lock()
	th := a.threads[index]
	a.mu.Unlock()
	if th == nil {
		return
	}
	a.deps.Lock.Lock()
	th.canRun = runnable
	a.deps.Lock.Unlock()
	th.cond.Broadcast()
}

// Unplug marks index's vCPU thread for termination and wakes it if parked.
// The thread exits once it is also not runnable: while runnable it keeps
// entering the run loop until a halt, a debug exit, a fatal error or
// SetRunnable(index, false) leaves it non-runnable.
func (a *Accelerator) Unplug(index uint32) {
	a.mu.Lock()
	th := a.threads[index]
	a.mu.Unlock()
	if th == nil {
		return
	}
	a.deps.Lock.Lock()
	th.unplug = true
	a.deps.Lock.Unlock()
	th.cond.Broadcast()
}

// KickVCPU wakes a blocked run_vcpu call. It is a no-op when called from the
// target vCPU's own thread, since that thread cannot be blocked on itself
// (§5 "kick_vcpu").
func (a *Accelerator) KickVCPU(index uint32) {
	a.mu.Lock()
	th := a.threads[index]
	drv, vm := a.drv, a.vm
	a.mu.Unlock()
	if th == nil || drv == nil {
		return
	}
	if id := currentThreadID(); id != 0 && id == th.threadID {
		return
	}
	if err := drv.RescindVCPU(vm, index); err != nil {
		a.log.WithField("vcpu", index).WithError(err).Debug("kick_vcpu: rescind_vcpu failed")
	}
}

// runOnVCPUThread schedules fn to run on index's own vCPU thread and blocks
// until it has. This is the VMM's read-side synchronization facility (§4.F
// step 1): register pushes/pulls execute on the owning thread, and other
// callers block until the target thread has observed and performed the
// request (§5 "Ordering guarantees"). A no-op if the vCPU has no thread.
func (a *Accelerator) runOnVCPUThread(index uint32, fn func(*vcpuThread)) {
	a.mu.Lock()
	th := a.threads[index]
	a.mu.Unlock()
	if th == nil {
		return
	}

	a.deps.Lock.Lock()
	if th.closed {
		// The thread has already left its final drain; nothing will ever
		// dequeue a job for it again, so perform it inline.
		fn(th)
		a.deps.Lock.Unlock()
		return
	}
	done := make(chan struct{})
	th.pendingJobs = append(th.pendingJobs, func() { fn(th); close(done) })
	a.deps.Lock.Unlock()
	th.cond.Broadcast()
	<-done
}

// SyncState is sync_state, the pull side of the four register-sync entry
// points (§4.D): if the descriptor isn't already dirty, refresh it from the
// hypervisor and mark it dirty, so the next run pushes the VMM-side image back.
func (a *Accelerator) SyncState(index uint32) {
	a.runOnVCPUThread(index, func(th *vcpuThread) {
		th.desc.State, th.desc.Dirty = th.loop.Sync.PullState(th.desc.Dirty, th.desc.State)
	})
}

// SyncPostReset is sync_post_reset: push the reset-level register subset and
// clear dirty (§4.D).
func (a *Accelerator) SyncPostReset(index uint32) {
	a.runOnVCPUThread(index, func(th *vcpuThread) {
		th.loop.Sync.PushPostReset(th.desc.State)
		th.desc.Dirty = false
	})
}

// SyncPostInit is sync_post_init: push the full register subset, including
// TSC, and clear dirty (§4.D).
func (a *Accelerator) SyncPostInit(index uint32) {
	a.runOnVCPUThread(index, func(th *vcpuThread) {
		th.loop.Sync.PushPostInit(th.desc.State)
		th.desc.Dirty = false
	})
}

// SyncPreLoadVM is sync_pre_loadvm: mark the descriptor dirty so a snapshot
// loader's write to its state is pushed at the next run, without issuing any
// driver call of its own (§4.D).
func (a *Accelerator) SyncPreLoadVM(index uint32) {
	a.runOnVCPUThread(index, func(th *vcpuThread) {
		th.desc.Dirty = th.loop.Sync.PreLoadVM()
	})
}

// Descriptor returns index's run-loop descriptor, for callers that need to
// inspect post-run state (e.g. a debug-exit handler).
func (a *Accelerator) Descriptor(index uint32) *vcpu.Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	th := a.threads[index]
	if th == nil {
		return nil
	}
	return th.desc
}
