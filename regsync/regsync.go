// Package regsync ferries the VMM's architectural CPU state image to and
// from the hypervisor's register-view/edit protocol at three sync levels
// (§4.D).
package regsync

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/noircv/go-accel/driver"
)

// SyncLevel selects which subset of CPUState a push transfers (§4.D).
type SyncLevel int

const (
	// LevelRuntime pushes everything except TSC: the per-run push when the
	// descriptor is dirty on entry to the run loop.
	LevelRuntime SyncLevel = iota + 1
	// LevelReset is the same field set as LevelRuntime, pushed after a CPU reset.
	LevelReset
	// LevelFull is LevelRuntime plus TSC, pushed after guest init.
	LevelFull
)

// DescriptorTable is a GDTR/IDTR pseudo-descriptor.
type DescriptorTable struct {
	Limit uint16
	Base  uint64
}

// CPUState is the VMM's canonical architectural register image for one
// vCPU. The core never persists its own copy beyond what a caller holds;
// this struct exists purely to carry bytes between Pull and Push (§3).
type CPUState struct {
	GPR    [16]uint64 // rax,rcx,rdx,rbx,rsp,rbp,rsi,rdi,r8..r15 (§6 cv_gpr_state order)
	RFlags uint64
	RIP    uint64

	CR0, CR3, CR4 uint64
	CR2           uint64
	XCR0          uint64

	DR0, DR1, DR2, DR3 uint64
	DR6, DR7           uint64

	ES, CS, SS, DS CachedSegment
	FS, GS         CachedSegment
	KernelGSBase   uint64
	GDTR, IDTR     DescriptorTable
	LDTR, TR       CachedSegment

	Star, LStar, CStar, SFMask uint64
	SysenterCS, SysenterESP, SysenterEIP uint64

	FX FXState

	EFER uint64
	PAT  uint64

	TSC uint64
}

// TSCCache tracks whether the VMM's cached TSC copy is still valid. A VM
// run-state callback (outside this package's scope, §1) invalidates it on
// every transition to running; PullState only re-reads TSC when invalid.
type TSCCache interface {
	Valid() bool
	Invalidate()
}

// Synchronizer drives view_register/edit_register against a single vCPU.
type Synchronizer struct {
	drv  *driver.Driver
	vm   driver.VM
	vpid uint32
	tsc  TSCCache
	log  *logrus.Entry
}

// New builds a Synchronizer for one vCPU. tsc may be nil, in which case TSC
// is always re-read on pull.
func New(drv *driver.Driver, vm driver.VM, vpid uint32, tsc TSCCache, log *logrus.Entry) *Synchronizer {
	if log == nil {
		log = logrus.WithField("source", "noircv/regsync")
	}
	return &Synchronizer{drv: drv, vm: vm, vpid: vpid, tsc: tsc, log: log}
}

// view reads regType into state, logging and ignoring failures: the
// synchronizer is lenient by design (§4.D, §7) — a missing MSR on one
// vendor degrades to no-op, not a crashed guest.
func (s *Synchronizer) view(regType driver.RegType, size int) []byte {
	buf, err := s.drv.ViewRegister(s.vm, s.vpid, regType, size)
	if err != nil {
		s.log.WithError(err).WithField("reg", regType).Warn("view_register failed, leaving VMM-side value unchanged")
		return nil
	}
	return buf
}

func (s *Synchronizer) edit(regType driver.RegType, buf []byte) {
	if err := s.drv.EditRegister(s.vm, s.vpid, regType, buf); err != nil {
		s.log.WithError(err).WithField("reg", regType).Warn("edit_register failed, hypervisor state left stale")
	}
}

// PullState is sync_state: if dirty is false (the VMM-side image is stale),
// view every register group from the hypervisor and return the refreshed
// state plus dirty=true. If dirty is already true the caller's cached state
// is authoritative and is returned unchanged (§4.D).
func (s *Synchronizer) PullState(dirty bool, cur CPUState) (CPUState, bool) {
	if dirty {
		return cur, dirty
	}

	st := cur
	if b := s.view(driver.RegGPR, 128); b != nil {
		for i := range st.GPR {
			st.GPR[i] = binary.LittleEndian.Uint64(b[i*8:])
		}
	}
	if b := s.view(driver.RegFlags, 8); b != nil {
		st.RFlags = binary.LittleEndian.Uint64(b)
	}
	if b := s.view(driver.RegIP, 8); b != nil {
		st.RIP = binary.LittleEndian.Uint64(b)
	}
	if b := s.view(driver.RegCR, 24); b != nil {
		st.CR0 = binary.LittleEndian.Uint64(b[0:8])
		st.CR3 = binary.LittleEndian.Uint64(b[8:16])
		st.CR4 = binary.LittleEndian.Uint64(b[16:24])
	}
	if b := s.view(driver.RegCR2, 8); b != nil {
		st.CR2 = binary.LittleEndian.Uint64(b)
	}
	if b := s.view(driver.RegXCR0, 8); b != nil {
		st.XCR0 = binary.LittleEndian.Uint64(b)
	}
	if b := s.view(driver.RegDR, 32); b != nil {
		st.DR0 = binary.LittleEndian.Uint64(b[0:8])
		st.DR1 = binary.LittleEndian.Uint64(b[8:16])
		st.DR2 = binary.LittleEndian.Uint64(b[16:24])
		st.DR3 = binary.LittleEndian.Uint64(b[24:32])
	}
	if b := s.view(driver.RegDR67, 16); b != nil {
		st.DR6 = binary.LittleEndian.Uint64(b[0:8])
		st.DR7 = binary.LittleEndian.Uint64(b[8:16])
	}
	if b := s.view(driver.RegSR, 64); b != nil {
		st.ES = segQ2V(unmarshalSegAt(b, 0))
		st.CS = segQ2V(unmarshalSegAt(b, 16))
		st.SS = segQ2V(unmarshalSegAt(b, 32))
		st.DS = segQ2V(unmarshalSegAt(b, 48))
	}
	if b := s.view(driver.RegFG, 40); b != nil {
		st.FS = segQ2V(unmarshalSegAt(b, 0))
		st.GS = segQ2V(unmarshalSegAt(b, 16))
		st.KernelGSBase = binary.LittleEndian.Uint64(b[32:40])
	}
	if b := s.view(driver.RegDT, 32); b != nil {
		st.GDTR = DescriptorTable{Limit: binary.LittleEndian.Uint16(b[0:2]), Base: binary.LittleEndian.Uint64(b[8:16])}
		st.IDTR = DescriptorTable{Limit: binary.LittleEndian.Uint16(b[16:18]), Base: binary.LittleEndian.Uint64(b[24:32])}
	}
	if b := s.view(driver.RegLT, 32); b != nil {
		st.LDTR = segQ2V(unmarshalSegAt(b, 0))
		st.TR = segQ2V(unmarshalSegAt(b, 16))
	}
	if b := s.view(driver.RegSyscallMSR, 32); b != nil {
		st.Star = binary.LittleEndian.Uint64(b[0:8])
		st.LStar = binary.LittleEndian.Uint64(b[8:16])
		st.CStar = binary.LittleEndian.Uint64(b[16:24])
		st.SFMask = binary.LittleEndian.Uint64(b[24:32])
	}
	if b := s.view(driver.RegSysenterMSR, 24); b != nil {
		st.SysenterCS = binary.LittleEndian.Uint64(b[0:8])
		st.SysenterESP = binary.LittleEndian.Uint64(b[8:16])
		st.SysenterEIP = binary.LittleEndian.Uint64(b[16:24])
	}
	if b := s.view(driver.RegFX, 512); b != nil {
		var arr [512]byte
		copy(arr[:], b)
		st.FX = unpackFX(arr)
	}
	if b := s.view(driver.RegEFER, 8); b != nil {
		st.EFER = binary.LittleEndian.Uint64(b)
	}
	if b := s.view(driver.RegPAT, 8); b != nil {
		st.PAT = binary.LittleEndian.Uint64(b)
	}
	if s.tsc == nil || !s.tsc.Valid() {
		if b := s.view(driver.RegTSC, 8); b != nil {
			st.TSC = binary.LittleEndian.Uint64(b)
		}
	}

	return st, true
}

// pushRuntimeSet pushes the field set shared by LevelRuntime and LevelReset
// (§4.D: "reset (2): same set as runtime").
func (s *Synchronizer) pushRuntimeSet(st CPUState) {
	gpr := make([]byte, 128)
	for i, v := range st.GPR {
		binary.LittleEndian.PutUint64(gpr[i*8:], v)
	}
	s.edit(driver.RegGPR, gpr)

	s.edit(driver.RegFlags, u64bytes(st.RFlags))
	s.edit(driver.RegIP, u64bytes(st.RIP))

	cr := make([]byte, 24)
	binary.LittleEndian.PutUint64(cr[0:8], st.CR0)
	binary.LittleEndian.PutUint64(cr[8:16], st.CR3)
	binary.LittleEndian.PutUint64(cr[16:24], st.CR4)
	s.edit(driver.RegCR, cr)
	s.edit(driver.RegCR2, u64bytes(st.CR2))
	s.edit(driver.RegXCR0, u64bytes(st.XCR0))

	dr := make([]byte, 32)
	binary.LittleEndian.PutUint64(dr[0:8], st.DR0)
	binary.LittleEndian.PutUint64(dr[8:16], st.DR1)
	binary.LittleEndian.PutUint64(dr[16:24], st.DR2)
	binary.LittleEndian.PutUint64(dr[24:32], st.DR3)
	s.edit(driver.RegDR, dr)

	dr67 := make([]byte, 16)
	binary.LittleEndian.PutUint64(dr67[0:8], st.DR6)
	binary.LittleEndian.PutUint64(dr67[8:16], st.DR7)
	s.edit(driver.RegDR67, dr67)

	sr := make([]byte, 64)
	marshalSegAt(sr, 0, segV2Q(st.ES))
	marshalSegAt(sr, 16, segV2Q(st.CS))
	marshalSegAt(sr, 32, segV2Q(st.SS))
	marshalSegAt(sr, 48, segV2Q(st.DS))
	s.edit(driver.RegSR, sr)

	fg := make([]byte, 40)
	marshalSegAt(fg, 0, segV2Q(st.FS))
	marshalSegAt(fg, 16, segV2Q(st.GS))
	binary.LittleEndian.PutUint64(fg[32:40], st.KernelGSBase)
	s.edit(driver.RegFG, fg)

	dt := make([]byte, 32)
	binary.LittleEndian.PutUint16(dt[0:2], st.GDTR.Limit)
	binary.LittleEndian.PutUint64(dt[8:16], st.GDTR.Base)
	binary.LittleEndian.PutUint16(dt[16:18], st.IDTR.Limit)
	binary.LittleEndian.PutUint64(dt[24:32], st.IDTR.Base)
	s.edit(driver.RegDT, dt)

	lt := make([]byte, 32)
	marshalSegAt(lt, 0, segV2Q(st.LDTR))
	marshalSegAt(lt, 16, segV2Q(st.TR))
	s.edit(driver.RegLT, lt)

	syscallMSR := make([]byte, 32)
	binary.LittleEndian.PutUint64(syscallMSR[0:8], st.Star)
	binary.LittleEndian.PutUint64(syscallMSR[8:16], st.LStar)
	binary.LittleEndian.PutUint64(syscallMSR[16:24], st.CStar)
	binary.LittleEndian.PutUint64(syscallMSR[24:32], st.SFMask)
	s.edit(driver.RegSyscallMSR, syscallMSR)

	sysenter := make([]byte, 24)
	binary.LittleEndian.PutUint64(sysenter[0:8], st.SysenterCS)
	binary.LittleEndian.PutUint64(sysenter[8:16], st.SysenterESP)
	binary.LittleEndian.PutUint64(sysenter[16:24], st.SysenterEIP)
	s.edit(driver.RegSysenterMSR, sysenter)

	fx := packFX(st.FX)
	s.edit(driver.RegFX, fx[:])

	s.edit(driver.RegEFER, u64bytes(st.EFER))
	s.edit(driver.RegPAT, u64bytes(st.PAT))
}

// PushRuntime is the per-run push performed inline when the descriptor is
// dirty on entry to the run loop (§4.D level 1, excludes TSC).
func (s *Synchronizer) PushRuntime(st CPUState) {
	s.pushRuntimeSet(st)
}

// PushPostReset is sync_post_reset: push level 2, identical field set to
// runtime (§4.D).
func (s *Synchronizer) PushPostReset(st CPUState) {
	s.pushRuntimeSet(st)
}

// PushPostInit is sync_post_init: push level 3, runtime plus TSC (§4.D).
func (s *Synchronizer) PushPostInit(st CPUState) {
	s.pushRuntimeSet(st)
	s.edit(driver.RegTSC, u64bytes(st.TSC))
}

// PreLoadVM is sync_pre_loadvm: it issues no driver calls, it only reports
// that the descriptor's dirty flag must be set so the next run pushes state
// (§4.D). Restore of the CPUState itself is the caller's (snapshot loader's)
// responsibility, out of scope here.
func (s *Synchronizer) PreLoadVM() (dirty bool) {
	return true
}

func u64bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func marshalSegAt(b []byte, off int, s driver.SegReg) {
	binary.LittleEndian.PutUint16(b[off:off+2], s.Selector)
	binary.LittleEndian.PutUint16(b[off+2:off+4], s.Attributes)
	binary.LittleEndian.PutUint32(b[off+4:off+8], s.Limit)
	binary.LittleEndian.PutUint64(b[off+8:off+16], s.Base)
}

func unmarshalSegAt(b []byte, off int) driver.SegReg {
	return driver.SegReg{
		Selector:   binary.LittleEndian.Uint16(b[off : off+2]),
		Attributes: binary.LittleEndian.Uint16(b[off+2 : off+4]),
		Limit:      binary.LittleEndian.Uint32(b[off+4 : off+8]),
		Base:       binary.LittleEndian.Uint64(b[off+8 : off+16]),
	}
}
