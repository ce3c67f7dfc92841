package attribution

import (
	"fmt"
	"time"

	"github.com/hubblo-org/scaphandre/pkg/errs"
	"github.com/hubblo-org/scaphandre/pkg/topology"
	"github.com/hubblo-org/scaphandre/pkg/units"
)

// DefaultMaxPlausiblePowerWatts bounds the sanity ceiling used to detect
// more-than-one-wrap readings (spec §4.4). 1000W comfortably exceeds any
// single RAPL domain's real draw on current server hardware while still
// catching a genuinely implausible multi-wrap jump.
const DefaultMaxPlausiblePowerWatts = 1000.0

// intervalEnergy computes the wrap-safe energy consumed between e1 (at
// t1) and e2 (at t2 > t1) of the same Domain, per spec §4.4's formula:
// a plain difference if the counter did not wrap, or a single-wrap
// reconstruction using the counter's maximum value otherwise. This is
// deliberately NOT the teacher's deltaU64 (which treats any `now < prev`
// as "wrapped or reset → 0"): spec §4.4/§8 require genuine single-wrap
// reconstruction, which deltaU64 does not attempt (see DESIGN.md).
func intervalEnergy(e1, e2 topology.EnergyRecord, maxPlausiblePowerWatts float64) (units.Microjoules, error) {
	var delta uint64
	if e2.Value >= e1.Value {
		delta = uint64(e2.Value) - uint64(e1.Value)
	} else {
		if e1.MaxValue == 0 {
			return 0, fmt.Errorf("%w: counter decreased with no known max value to reconstruct a wrap", errs.ImplausibleReading)
		}
		delta = (uint64(e1.MaxValue) - uint64(e1.Value)) + uint64(e2.Value) + 1
	}

	elapsed := e2.Timestamp.Sub(e1.Timestamp)
	if elapsed <= 0 {
		return 0, fmt.Errorf("%w: non-positive interval between samples", errs.ImplausibleReading)
	}

	impliedWatts := (float64(delta) / 1e6) / elapsed.Seconds()
	if impliedWatts > maxPlausiblePowerWatts {
		return 0, fmt.Errorf("%w: implied power %.1fW exceeds plausibility ceiling %.1fW",
			errs.ImplausibleReading, impliedWatts, maxPlausiblePowerWatts)
	}

	return units.Microjoules(delta), nil
}

// intervalPower converts an interval's energy delta into microwatts,
// spec §4.4: ΔE × 10⁶ / (t₂ − t₁) with the time difference in
// microseconds.
func intervalPower(delta units.Microjoules, t1, t2 time.Time) units.Microwatts {
	elapsedMicros := t2.Sub(t1).Microseconds()
	if elapsedMicros <= 0 {
		return 0
	}
	return units.Microwatts(float64(delta) * 1e6 / float64(elapsedMicros))
}

// twoMostRecent returns a node's two most recent EnergyRecords in
// (older, newer) order, or false if fewer than two are held (spec §4.4
// "a process that appears only once ... yields no power value").
func twoMostRecent(node topology.EnergyNode) (older, newer topology.EnergyRecord, ok bool) {
	newer, ok = node.EnergyBuffer().Latest()
	if !ok {
		return topology.EnergyRecord{}, topology.EnergyRecord{}, false
	}
	older, ok = node.EnergyBuffer().Previous()
	return older, newer, ok
}

// IntervalEnergy exports intervalEnergy for pkg/bridge, which needs the same
// wrap-safe delta when integrating per-VM energy (spec §4.5); kept as a
// thin wrapper so the formula has exactly one implementation.
func IntervalEnergy(e1, e2 topology.EnergyRecord, maxPlausiblePowerWatts float64) (units.Microjoules, error) {
	return intervalEnergy(e1, e2, maxPlausiblePowerWatts)
}

// TwoMostRecent exports twoMostRecent for pkg/bridge.
func TwoMostRecent(node topology.EnergyNode) (older, newer topology.EnergyRecord, ok bool) {
	return twoMostRecent(node)
}
