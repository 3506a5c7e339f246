package accel

import "github.com/prometheus/client_golang/prometheus"

// collector adapts Accelerator's atomic counters to prometheus.Collector, for
// a host process that already exposes its own /metrics endpoint (DOMAIN
// STACK: prometheus/client_golang).
type collector struct {
	a *Accelerator
}

// Collector returns a prometheus.Collector view of a's metrics.
func (a *Accelerator) Collector() prometheus.Collector {
	return &collector{a: a}
}

var (
	descVMsCreated = prometheus.NewDesc(
		"noircv_vms_created_total", "VMs created via create_vm.", nil, nil)
	descVCPUsCreated = prometheus.NewDesc(
		"noircv_vcpus_created_total", "vCPUs created via create_vcpu.", nil, nil)
	descVCPUsDestroyed = prometheus.NewDesc(
		"noircv_vcpus_destroyed_total", "vCPUs destroyed via delete_vcpu.", nil, nil)
	descRuns = prometheus.NewDesc(
		"noircv_runs_total", "Completed run loop iterations (one per Loop.Run call).", nil, nil)
	descExits = prometheus.NewDesc(
		"noircv_exits_total", "vCPU exits by intercept category.", []string{"reason"}, nil)
	descMMIOEmulations = prometheus.NewDesc(
		"noircv_mmio_emulations_total", "MMIO accesses completed via try_emulate.", nil, nil)
	descPortIOEmulations = prometheus.NewDesc(
		"noircv_portio_emulations_total", "Port I/O accesses dispatched to the VMM.", nil, nil)
	descFatalVCPUs = prometheus.NewDesc(
		"noircv_fatal_vcpus_total", "vCPU threads terminated on a fatal condition.", nil, nil)
	descRescinds = prometheus.NewDesc(
		"noircv_rescinds_total", "Proactive or external rescind_vcpu completions.", nil, nil)
)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descVMsCreated
	ch <- descVCPUsCreated
	ch <- descVCPUsDestroyed
	ch <- descRuns
	ch <- descExits
	ch <- descMMIOEmulations
	ch <- descPortIOEmulations
	ch <- descFatalVCPUs
	ch <- descRescinds
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.a.Metrics()
	ch <- prometheus.MustNewConstMetric(descVMsCreated, prometheus.CounterValue, float64(m.VMsCreated))
	ch <- prometheus.MustNewConstMetric(descVCPUsCreated, prometheus.CounterValue, float64(m.VCPUsCreated))
	ch <- prometheus.MustNewConstMetric(descVCPUsDestroyed, prometheus.CounterValue, float64(m.VCPUsDestroyed))
	ch <- prometheus.MustNewConstMetric(descRuns, prometheus.CounterValue, float64(m.Runs))
	ch <- prometheus.MustNewConstMetric(descExits, prometheus.CounterValue, float64(m.ExitsMemoryAccess), "memory_access")
	ch <- prometheus.MustNewConstMetric(descExits, prometheus.CounterValue, float64(m.ExitsIO), "io")
	ch <- prometheus.MustNewConstMetric(descExits, prometheus.CounterValue, float64(m.ExitsHLT), "hlt")
	ch <- prometheus.MustNewConstMetric(descExits, prometheus.CounterValue, float64(m.ExitsOther), "other")
	ch <- prometheus.MustNewConstMetric(descMMIOEmulations, prometheus.CounterValue, float64(m.MMIOEmulations))
	ch <- prometheus.MustNewConstMetric(descPortIOEmulations, prometheus.CounterValue, float64(m.PortIOEmulations))
	ch <- prometheus.MustNewConstMetric(descFatalVCPUs, prometheus.CounterValue, float64(m.FatalVCPUs))
	ch <- prometheus.MustNewConstMetric(descRescinds, prometheus.CounterValue, float64(m.Rescinds))
}
