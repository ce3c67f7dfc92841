// Package units provides small value types for the byte, energy and power
// quantities that flow through the topology, sensor and attribution
// packages, so call sites read as "24 microjoules" rather than a bare
// uint64/float64.
package units

import "fmt"

// Bytes is a size in bytes, used for ring-buffer budgets and I/O deltas.
type Bytes uint64

// Humanized returns a human-readable string with an automatically chosen
// unit (B, KB, MB, GB, TB).
func (b Bytes) Humanized() string {
	v := float64(b)
	switch {
	case b >= 1<<40:
		return fmt.Sprintf("%.2f TB", v/(1<<40))
	case b >= 1<<30:
		return fmt.Sprintf("%.2f GB", v/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.2f MB", v/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.2f KB", v/(1<<10))
	default:
		return fmt.Sprintf("%d B", uint64(b))
	}
}

// KB returns the size in kilobytes (1024-based).
func (b Bytes) KB() float64 { return float64(b) / unit }

const unit = 1024

// Microjoules is a monotonic energy reading or interval energy delta, in
// millionths of a joule.
type Microjoules uint64

// Joules returns the value converted to joules.
func (m Microjoules) Joules() float64 { return float64(m) / 1e6 }

// Microwatts is an instantaneous or interval-average power value, in
// millionths of a watt. Unlike Microjoules it may legitimately be derived
// from a signed computation upstream (e.g. a process's share of host
// power), so callers that need to guard against negative values should do
// so explicitly; the type itself does not forbid construction from a
// float64 that happens to be negative due to upstream clamping bugs.
type Microwatts float64

// Watts returns the value converted to watts.
func (m Microwatts) Watts() float64 { return float64(m) / 1e6 }
