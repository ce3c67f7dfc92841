package topology

import "time"

// CPUActivitySnapshot is one sample of the kernel's accumulated CPU-time
// counters, in the ten fields the glossary associates with /proc/stat
// semantics. All fields are monotonic jiffy-like counters since boot.
type CPUActivitySnapshot struct {
	User      uint64
	Nice      uint64
	System    uint64
	Idle      uint64
	Iowait    uint64
	IRQ       uint64
	SoftIRQ   uint64
	Steal     uint64
	Guest     uint64
	GuestNice uint64
	Timestamp time.Time
}

func cpuActivitySnapshotSize(CPUActivitySnapshot) int { return 96 }

// Busy returns the "busy" subset of CPU time per the glossary: user + nice
// + system + softirq + irq, excluding idle, iowait and steal.
func (s CPUActivitySnapshot) Busy() uint64 {
	return s.User + s.Nice + s.System + s.SoftIRQ + s.IRQ
}

// Total returns busy + idle + iowait, i.e. every field this snapshot
// tracks except steal/guest/guest-nice (which overlap user/nice on Linux
// accounting and are not double-counted here).
func (s CPUActivitySnapshot) Total() uint64 {
	return s.Busy() + s.Idle + s.Iowait
}
