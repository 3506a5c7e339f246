package accel

import "github.com/noircv/go-accel/driver"

// RecordExit implements vcpu.Recorder, turning each dispatch into an
// intercept-code counter (§4.F). HLT and rescission exits are counted by the
// thread body instead, since those also drive parking/wake decisions there.
func (a *Accelerator) RecordExit(code driver.InterceptCode) {
	switch code {
	case driver.InterceptMemoryAccess:
		a.counters.exitsMemoryAccess.Add(1)
	case driver.InterceptIO:
		a.counters.exitsIO.Add(1)
	case driver.InterceptHLT, driver.InterceptRescission:
		// counted in recordExceptionIndex once the loop has decided what to
		// report, so as not to double count.
	default:
		a.counters.exitsOther.Add(1)
	}
}

// RecordMMIOEmulation implements vcpu.Recorder.
func (a *Accelerator) RecordMMIOEmulation() { a.counters.mmioEmulations.Add(1) }

// RecordPortIOEmulation implements vcpu.Recorder.
func (a *Accelerator) RecordPortIOEmulation() { a.counters.portioEmulations.Add(1) }
