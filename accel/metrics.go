package accel

import "sync/atomic"

// metricsCounters are instance-scoped (unlike the reference counterparts'
// package-level atomics) so multiple Accelerators in the same process, as in
// tests, never share counts.
type metricsCounters struct {
	vmsCreated     atomic.Uint64
	vcpusCreated   atomic.Uint64
	vcpusDestroyed atomic.Uint64

	runs atomic.Uint64

	exitsMemoryAccess atomic.Uint64
	exitsIO           atomic.Uint64
	exitsHLT          atomic.Uint64
	exitsOther        atomic.Uint64

	mmioEmulations   atomic.Uint64
	portioEmulations atomic.Uint64

	fatalVCPUs atomic.Uint64
	rescinds   atomic.Uint64
}

// Metrics is a point-in-time snapshot of accelerator-wide counters (§4.F).
type Metrics struct {
	VMsCreated     uint64 `json:"vms_created"`
	VCPUsCreated   uint64 `json:"vcpus_created"`
	VCPUsDestroyed uint64 `json:"vcpus_destroyed"`

	Runs uint64 `json:"runs"`

	ExitsMemoryAccess uint64 `json:"exits_memory_access"`
	ExitsIO           uint64 `json:"exits_io"`
	ExitsHLT          uint64 `json:"exits_hlt"`
	ExitsOther        uint64 `json:"exits_other"`

	MMIOEmulations   uint64 `json:"mmio_emulations"`
	PortIOEmulations uint64 `json:"portio_emulations"`

	FatalVCPUs uint64 `json:"fatal_vcpus"`
	Rescinds   uint64 `json:"rescinds"`
}

// Metrics snapshots the accelerator's counters.
func (a *Accelerator) Metrics() Metrics {
	c := &a.counters
	return Metrics{
		VMsCreated:     c.vmsCreated.Load(),
		VCPUsCreated:   c.vcpusCreated.Load(),
		VCPUsDestroyed: c.vcpusDestroyed.Load(),

		Runs: c.runs.Load(),

		ExitsMemoryAccess: c.exitsMemoryAccess.Load(),
		ExitsIO:           c.exitsIO.Load(),
		ExitsHLT:          c.exitsHLT.Load(),
		ExitsOther:        c.exitsOther.Load(),

		MMIOEmulations:   c.mmioEmulations.Load(),
		PortIOEmulations: c.portioEmulations.Load(),

		FatalVCPUs: c.fatalVCPUs.Load(),
		Rescinds:   c.rescinds.Load(),
	}
}

// ResetMetrics zeroes every counter. Intended for tests; production
// scraping should read Metrics/Collector instead of resetting between reads.
func (a *Accelerator) ResetMetrics() {
	c := &a.counters
	c.vmsCreated.Store(0)
	c.vcpusCreated.Store(0)
	c.vcpusDestroyed.Store(0)
	c.runs.Store(0)
	c.exitsMemoryAccess.Store(0)
	c.exitsIO.Store(0)
	c.exitsHLT.Store(0)
	c.exitsOther.Store(0)
	c.mmioEmulations.Store(0)
	c.portioEmulations.Store(0)
	c.fatalVCPUs.Store(0)
	c.rescinds.Store(0)
}
