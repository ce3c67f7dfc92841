// Package attribution implements the Attribution Engine: turning pairs of
// samples held in a Topology into a flat Metric sequence (spec §4.4).
package attribution

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/hubblo-org/scaphandre/pkg/classifier"
	"github.com/hubblo-org/scaphandre/pkg/topology"
	"github.com/hubblo-org/scaphandre/pkg/units"
)

const (
	metricHostPower       = "host.power.microwatts"
	metricHostEnergy      = "host.energy.microjoules"
	metricHostPSysEnergy  = "host.rapl.psys.microjoules"
	metricSocketPower     = "socket.power.microwatts"
	metricSocketEnergy    = "socket.energy.microjoules"
	metricDomainPower     = "domain.power.microwatts"
	metricDomainEnergy    = "domain.energy.microjoules"
	metricProcessPower    = "process.power.microwatts"
	metricSelfMemAlloc    = "self.memory.alloc_bytes"
	metricSelfMemSys      = "self.memory.sys_bytes"
	metricSelfGoroutines  = "self.goroutines"
	metricSelfBufferBytes = "self.ringbuffer.occupancy_bytes"
	metricSelfBufferQuota = "self.ringbuffer.budget_bytes"
)

// Engine is the Attribution Engine. Classifier may be nil, in which case
// process metrics carry no VM/container labels.
type Engine struct {
	Classifier             classifier.Classifier
	MaxPlausiblePowerWatts float64
	Logger                 zerolog.Logger
}

// New constructs an Engine with spec-compliant defaults.
func New(c classifier.Classifier, logger zerolog.Logger) *Engine {
	return &Engine{Classifier: c, MaxPlausiblePowerWatts: DefaultMaxPlausiblePowerWatts, Logger: logger}
}

// BuildMetricSet satisfies topology.Attributor: its signature matches
// exactly so an *Engine's BuildMetricSet method value can be handed
// straight to Topology.Configure.
func (e *Engine) BuildMetricSet(t *topology.Topology, now time.Time) ([]topology.Metric, error) {
	var metrics []topology.Metric

	metrics = append(metrics, e.domainMetrics(t, now)...)
	metrics = append(metrics, e.socketMetrics(t, now)...)

	hostMetrics, err := e.hostMetrics(t, now)
	if err != nil {
		e.Logger.Warn().Err(err).Msg("attribution: no host power metric this pass")
	} else {
		metrics = append(metrics, hostMetrics...)
	}

	metrics = append(metrics, e.processMetrics(t, now)...)
	metrics = append(metrics, e.selfMetrics(t, now)...)

	return metrics, nil
}

func (e *Engine) domainMetrics(t *topology.Topology, now time.Time) []topology.Metric {
	var out []topology.Metric
	emit := func(sockID int, d *topology.Domain) {
		latest, ok := d.Records().Latest()
		if !ok {
			return
		}
		labels := []topology.Label{{Key: "socket_id", Value: fmt.Sprint(sockID)}, {Key: "domain_name", Value: string(d.Name)}}
		out = append(out, topology.Metric{Name: metricDomainEnergy, Kind: topology.Counter, Labels: labels, Value: float64(latest.Value), Timestamp: now})

		older, newer, ok := twoMostRecent(d)
		if !ok {
			return
		}
		delta, err := intervalEnergy(older, newer, e.MaxPlausiblePowerWatts)
		if err != nil {
			e.Logger.Debug().Err(err).Str("domain", string(d.Name)).Int("socket", sockID).Msg("attribution: domain power suppressed")
			return
		}
		power := intervalPower(delta, older.Timestamp, newer.Timestamp)
		out = append(out, topology.Metric{Name: metricDomainPower, Kind: topology.Gauge, Labels: labels, Value: float64(power), Timestamp: now})
	}

	for _, sock := range t.Sockets() {
		for _, d := range sock.Domains() {
			emit(sock.ID, d)
		}
	}
	if platform := t.PlatformDomain(); platform != nil {
		if latest, ok := platform.Records().Latest(); ok {
			out = append(out, topology.Metric{Name: metricHostPSysEnergy, Kind: topology.Counter, Value: float64(latest.Value), Timestamp: now})
		}
	}
	return out
}

func (e *Engine) socketMetrics(t *topology.Topology, now time.Time) []topology.Metric {
	var out []topology.Metric
	for _, sock := range t.Sockets() {
		label := []topology.Label{{Key: "socket_id", Value: fmt.Sprint(sock.ID)}}
		latest, ok := sock.EnergyRecords().Latest()
		if !ok {
			continue
		}
		out = append(out, topology.Metric{Name: metricSocketEnergy, Kind: topology.Counter, Labels: label, Value: float64(latest.Value), Timestamp: now})

		older, newer, ok := twoMostRecent(sock)
		if !ok {
			continue
		}
		delta, err := intervalEnergy(older, newer, e.MaxPlausiblePowerWatts)
		if err != nil {
			e.Logger.Debug().Err(err).Int("socket", sock.ID).Msg("attribution: socket power suppressed")
			continue
		}
		power := intervalPower(delta, older.Timestamp, newer.Timestamp)
		out = append(out, topology.Metric{Name: metricSocketPower, Kind: topology.Gauge, Labels: label, Value: float64(power), Timestamp: now})
	}
	return out
}

// hostPower is the result of the §4.4 host-level power preference: the
// winning source's interval power and its latest raw cumulative value,
// exported unchanged as host.energy.microjoules regardless of which
// source won.
type hostPower struct {
	power units.Microwatts
	raw   units.Microjoules
}

// computeHostPower implements spec §4.4's host-level power preference
// order: (a) platform-wide domain if present, (b) sum of package+dram per
// socket, (c) sum of package only.
func (e *Engine) computeHostPower(t *topology.Topology) (hostPower, error) {
	if platform := t.PlatformDomain(); platform != nil {
		older, newer, ok := twoMostRecent(platform)
		if !ok {
			return hostPower{}, fmt.Errorf("platform domain has fewer than two samples")
		}
		delta, err := intervalEnergy(older, newer, e.MaxPlausiblePowerWatts)
		if err != nil {
			return hostPower{}, err
		}
		return hostPower{power: intervalPower(delta, older.Timestamp, newer.Timestamp), raw: newer.Value}, nil
	}

	if hp, err := e.sumHostPower(t, true); err == nil {
		return hp, nil
	}
	return e.sumHostPower(t, false)
}

func (e *Engine) sumHostPower(t *topology.Topology, includeDRAM bool) (hostPower, error) {
	var totalDelta, totalRaw units.Microjoules
	var t1, t2 time.Time
	found := false

	for _, sock := range t.Sockets() {
		pkg := sock.Domain(topology.Package)
		if pkg == nil {
			return hostPower{}, fmt.Errorf("socket %d has no package domain", sock.ID)
		}
		delta, rt1, rt2, raw, err := domainContribution(pkg, e.MaxPlausiblePowerWatts)
		if err != nil {
			return hostPower{}, err
		}
		totalDelta += delta
		totalRaw += raw
		t1, t2 = rt1, rt2
		found = true

		if includeDRAM {
			if dram := sock.Domain(topology.DRAM); dram != nil {
				dDelta, _, _, dRaw, err := domainContribution(dram, e.MaxPlausiblePowerWatts)
				if err != nil {
					return hostPower{}, err
				}
				totalDelta += dDelta
				totalRaw += dRaw
			}
		}
	}
	if !found {
		return hostPower{}, fmt.Errorf("no sockets with a package domain")
	}

	return hostPower{power: intervalPower(totalDelta, t1, t2), raw: totalRaw}, nil
}

func domainContribution(d *topology.Domain, maxPlausiblePowerWatts float64) (delta units.Microjoules, t1, t2 time.Time, raw units.Microjoules, err error) {
	latest, ok := d.Records().Latest()
	if !ok {
		return 0, time.Time{}, time.Time{}, 0, fmt.Errorf("domain %s has no samples", d.Name)
	}
	older, newer, ok := twoMostRecent(d)
	if !ok {
		return 0, time.Time{}, time.Time{}, latest.Value, fmt.Errorf("domain %s has fewer than two samples", d.Name)
	}
	dv, err := intervalEnergy(older, newer, maxPlausiblePowerWatts)
	if err != nil {
		return 0, time.Time{}, time.Time{}, latest.Value, err
	}
	return dv, older.Timestamp, newer.Timestamp, latest.Value, nil
}

// hostMetrics builds the exported host.* metrics from computeHostPower's
// winning source.
func (e *Engine) hostMetrics(t *topology.Topology, now time.Time) ([]topology.Metric, error) {
	hp, err := e.computeHostPower(t)
	if err != nil {
		return nil, err
	}
	return []topology.Metric{
		{Name: metricHostPower, Kind: topology.Gauge, Value: float64(hp.power), Timestamp: now},
		{Name: metricHostEnergy, Kind: topology.Counter, Value: float64(hp.raw), Timestamp: now},
	}, nil
}

// processMetrics implements spec §4.4's per-process power/share formula
// and attaches any Classifier labels, storing each result in Topology's
// label cache (populated here, since the Engine owns the Classifier).
func (e *Engine) processMetrics(t *topology.Topology, now time.Time) []topology.Metric {
	hostNewer, ok := t.HostCPUActivity().Latest()
	if !ok {
		return nil
	}
	hostOlder, ok := t.HostCPUActivity().Previous()
	if !ok {
		return nil
	}
	busyHost := float64(hostNewer.Busy()) - float64(hostOlder.Busy())
	if busyHost <= 0 {
		return nil
	}

	hp, err := e.computeHostPower(t)
	if err != nil {
		e.Logger.Debug().Err(err).Msg("attribution: no host power available for process share multiplication")
		return nil
	}

	var out []topology.Metric
	for _, pid := range t.KnownPIDs() {
		buf := t.ProcessActivity(pid)
		newer, ok := buf.Latest()
		if !ok {
			continue
		}
		older, ok := buf.Previous()
		if !ok {
			continue // appears only once this far; no power value yet (spec §4.4)
		}

		busyProc := float64(newer.Busy) - float64(older.Busy)
		if busyProc < 0 {
			busyProc = 0 // clamp against counter resets
		}
		share := busyProc / busyHost
		power := share * float64(hp.power)

		labels := []topology.Label{
			{Key: "pid", Value: fmt.Sprint(pid)},
			{Key: "exe", Value: newer.Metadata.ExeBasename},
			{Key: "cmdline", Value: newer.Metadata.CmdLine},
		}
		if e.Classifier != nil {
			classLabels := e.Classifier.Classify(pid, newer.Metadata)
			t.SetClassifierLabels(pid, classLabels)
			labels = append(labels, classLabels...)
		}

		out = append(out, topology.Metric{Name: metricProcessPower, Kind: topology.Gauge, Labels: labels, Value: power, Timestamp: now})
	}
	return out
}

// selfMetrics reports the core's own footprint: heap usage, goroutine
// count, and the current byte occupancy against the configured budget of
// the host CPU-activity buffer, each socket's energy buffer and each
// socket Domain's buffer (SPEC_FULL §4 "self.* introspection metrics").
// Socket CPU-activity, platform-domain and per-process buffers are not
// reported.
func (e *Engine) selfMetrics(t *topology.Topology, now time.Time) []topology.Metric {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	out := []topology.Metric{
		{Name: metricSelfMemAlloc, Kind: topology.Gauge, Value: float64(mem.Alloc), Timestamp: now},
		{Name: metricSelfMemSys, Kind: topology.Gauge, Value: float64(mem.Sys), Timestamp: now},
		{Name: metricSelfGoroutines, Kind: topology.Gauge, Value: float64(runtime.NumGoroutine()), Timestamp: now},
	}

	addBufferMetrics := func(scope string, bytes, budget int) {
		labels := []topology.Label{{Key: "buffer", Value: scope}}
		out = append(out,
			topology.Metric{Name: metricSelfBufferBytes, Kind: topology.Gauge, Labels: labels, Value: float64(bytes), Timestamp: now},
			topology.Metric{Name: metricSelfBufferQuota, Kind: topology.Gauge, Labels: labels, Value: float64(budget), Timestamp: now},
		)
	}

	addBufferMetrics("host_cpu_activity", t.HostCPUActivity().Bytes(), t.HostCPUActivity().Budget())
	for _, sock := range t.Sockets() {
		scope := fmt.Sprintf("socket_%d_energy", sock.ID)
		addBufferMetrics(scope, sock.EnergyRecords().Bytes(), sock.EnergyRecords().Budget())
		for _, d := range sock.Domains() {
			addBufferMetrics(fmt.Sprintf("socket_%d_domain_%s", sock.ID, d.Name), d.Records().Bytes(), d.Records().Budget())
		}
	}

	return out
}
