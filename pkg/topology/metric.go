package topology

import "time"

// MetricKind distinguishes a point-in-time gauge from a monotonic counter
// exported unchanged (spec §3).
type MetricKind int

const (
	// Gauge is an instantaneous value that may rise or fall between
	// samples (e.g. power in microwatts).
	Gauge MetricKind = iota
	// Counter is a monotonic, ever-increasing raw value re-exported as-is
	// (e.g. a cumulative energy counter in microjoules).
	Counter
)

func (k MetricKind) String() string {
	if k == Counter {
		return "counter"
	}
	return "gauge"
}

// Label is one ordered key-value pair attached to a Metric. Order matters:
// spec §3 defines Labels as "ordered key-value pairs" so two metrics with
// the same label set but different insertion order are still comparable by
// a caller that walks Labels positionally.
type Label struct {
	Key   string
	Value string
}

// Metric is a single named, labeled, timestamped measurement produced by
// the Attribution Engine on demand. Metrics are never stored; callers
// receive an immutable snapshot sequence and must not retain references
// into Topology's internals (spec §3 ownership, §9).
type Metric struct {
	Name      string
	Kind      MetricKind
	Labels    []Label
	Value     float64
	Timestamp time.Time
}
