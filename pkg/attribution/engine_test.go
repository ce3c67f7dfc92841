package attribution

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubblo-org/scaphandre/pkg/topology"
)

type fakeHandle struct{}

func (fakeHandle) Release() error { return nil }

func newTestTopology(t *testing.T, entries []topology.DiscoveryEntry, cpuToSocket map[int]int) *topology.Topology {
	t.Helper()
	topo, err := topology.New(entries, cpuToSocket, topology.DefaultBudgets())
	require.NoError(t, err)
	return topo
}

func twoSocketEntries() []topology.DiscoveryEntry {
	return []topology.DiscoveryEntry{
		{SocketID: 0, Domain: topology.Package, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 32},
		{SocketID: 0, Domain: topology.DRAM, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 32},
		{SocketID: 1, Domain: topology.Package, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 32},
		{SocketID: 1, Domain: topology.DRAM, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 32},
	}
}

func newEngine() *Engine {
	return New(nil, zerolog.Nop())
}

func TestDomainMetrics_EmitsEnergyAlwaysAndPowerOnlyWithTwoSamples(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	pkg := topo.Socket(0).Domain(topology.Package)
	pkg.Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})

	e := newEngine()
	metrics := e.domainMetrics(topo, time.Unix(1, 0))
	assertNoMetric(t, metrics, metricDomainPower)
	assertHasMetric(t, metrics, metricDomainEnergy)

	pkg.Append(topology.EnergyRecord{Value: 2000, Timestamp: time.Unix(1, 0)})
	metrics = e.domainMetrics(topo, time.Unix(2, 0))
	assertHasMetric(t, metrics, metricDomainPower)
}

func TestDomainMetrics_EmitsPlatformPSysEnergyWhenPresent(t *testing.T) {
	entries := append(twoSocketEntries(), topology.DiscoveryEntry{
		SocketID: topology.HostSocketID, Domain: topology.PSys, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 40,
	})
	topo := newTestTopology(t, entries, map[int]int{0: 0, 1: 1})
	topo.PlatformDomain().Append(topology.EnergyRecord{Value: 500, Timestamp: time.Unix(0, 0)})

	e := newEngine()
	metrics := e.domainMetrics(topo, time.Unix(1, 0))
	assertHasMetric(t, metrics, metricHostPSysEnergy)
}

func TestSocketMetrics_EmitsEnergyAndPowerFromSocketBuffer(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	sock := topo.Socket(0)
	sock.EnergyRecords().Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})
	sock.EnergyRecords().Append(topology.EnergyRecord{Value: 3000, Timestamp: time.Unix(1, 0)})

	e := newEngine()
	metrics := e.socketMetrics(topo, time.Unix(1, 0))
	assertHasMetric(t, metrics, metricSocketEnergy)
	assertHasMetric(t, metrics, metricSocketPower)
}

func TestComputeHostPower_PrefersPlatformDomain(t *testing.T) {
	entries := append(twoSocketEntries(), topology.DiscoveryEntry{
		SocketID: topology.HostSocketID, Domain: topology.PSys, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 40,
	})
	topo := newTestTopology(t, entries, map[int]int{0: 0, 1: 1})
	topo.PlatformDomain().Append(topology.EnergyRecord{Value: 1_000_000, Timestamp: time.Unix(0, 0)})
	topo.PlatformDomain().Append(topology.EnergyRecord{Value: 2_000_000, Timestamp: time.Unix(1, 0)})

	e := newEngine()
	hp, err := e.computeHostPower(topo)
	require.NoError(t, err)
	assert.EqualValues(t, 2_000_000, hp.raw)
	assert.InDelta(t, 1_000_000, float64(hp.power), 1)
}

func TestComputeHostPower_FallsBackToPackagePlusDRAMWhenNoPlatformDomain(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	for _, sock := range topo.Sockets() {
		sock.Domain(topology.Package).Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})
		sock.Domain(topology.Package).Append(topology.EnergyRecord{Value: 2000, Timestamp: time.Unix(1, 0)})
		sock.Domain(topology.DRAM).Append(topology.EnergyRecord{Value: 100, Timestamp: time.Unix(0, 0)})
		sock.Domain(topology.DRAM).Append(topology.EnergyRecord{Value: 300, Timestamp: time.Unix(1, 0)})
	}

	e := newEngine()
	hp, err := e.computeHostPower(topo)
	require.NoError(t, err)
	// two sockets, each package+dram delta = 1000+200 = 1200 -> total 2400 microjoules over 1s
	assert.EqualValues(t, 4600, hp.raw) // (2000+300)*2 sockets summed from latest values
	assert.InDelta(t, 2400, float64(hp.power), 1)
}

func TestComputeHostPower_FallsBackToPackageOnlyWhenDRAMMissingSamples(t *testing.T) {
	entries := []topology.DiscoveryEntry{
		{SocketID: 0, Domain: topology.Package, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 32},
		{SocketID: 0, Domain: topology.DRAM, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 32},
	}
	topo := newTestTopology(t, entries, map[int]int{0: 0})
	pkg := topo.Socket(0).Domain(topology.Package)
	pkg.Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})
	pkg.Append(topology.EnergyRecord{Value: 1500, Timestamp: time.Unix(1, 0)})
	// DRAM holds a single sample, so package+dram fails and package-only wins
	topo.Socket(0).Domain(topology.DRAM).Append(topology.EnergyRecord{Value: 100, Timestamp: time.Unix(0, 0)})

	e := newEngine()
	hp, err := e.computeHostPower(topo)
	require.NoError(t, err)
	assert.InDelta(t, 500, float64(hp.power), 1)
}

func TestComputeHostPower_ErrorsWhenNoSocketHasTwoSamples(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	e := newEngine()
	_, err := e.computeHostPower(topo)
	assert.Error(t, err)
}

func TestHostMetrics_SuppressesImplausibleReading(t *testing.T) {
	entries := append(twoSocketEntries(), topology.DiscoveryEntry{
		SocketID: topology.HostSocketID, Domain: topology.PSys, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 40,
	})
	topo := newTestTopology(t, entries, map[int]int{0: 0, 1: 1})
	// implied watts from this jump vastly exceeds the plausibility ceiling
	topo.PlatformDomain().Append(topology.EnergyRecord{Value: 0, Timestamp: time.Unix(0, 0)})
	topo.PlatformDomain().Append(topology.EnergyRecord{Value: 1_000_000_000_000, Timestamp: time.Unix(1, 0)})

	e := newEngine()
	_, err := e.hostMetrics(topo, time.Unix(1, 0))
	assert.Error(t, err)
}

func TestProcessMetrics_ComputesShareOfHostPower(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	for _, sock := range topo.Sockets() {
		sock.Domain(topology.Package).Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})
		sock.Domain(topology.Package).Append(topology.EnergyRecord{Value: 2000, Timestamp: time.Unix(1, 0)})
	}
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(0, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 200, Timestamp: time.Unix(1, 0)})

	meta := topology.ProcessMetadata{ExeBasename: "nginx", CmdLine: "nginx", StartTime: time.Unix(0, 0)}
	topo.ProcessActivity(42).Append(topology.ProcessActivitySnapshot{PID: 42, Busy: 10, Timestamp: time.Unix(0, 0), Metadata: meta})
	topo.ProcessActivity(42).Append(topology.ProcessActivitySnapshot{PID: 42, Busy: 60, Timestamp: time.Unix(1, 0), Metadata: meta})

	e := newEngine()
	metrics := e.processMetrics(topo, time.Unix(1, 0))
	require.Len(t, metrics, 1)
	assert.Equal(t, metricProcessPower, metrics[0].Name)
	// busyHost = 100, busyProc = 50, share = 0.5 of host power (package-only: the dram domains hold no samples)
	assert.True(t, metrics[0].Value > 0)
}

func TestProcessMetrics_NoMetricForProcessSeenOnlyOnce(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(0, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 200, Timestamp: time.Unix(1, 0)})

	topo.ProcessActivity(7).Append(topology.ProcessActivitySnapshot{PID: 7, Busy: 10, Timestamp: time.Unix(1, 0)})

	e := newEngine()
	metrics := e.processMetrics(topo, time.Unix(1, 0))
	assert.Empty(t, metrics)
}

func TestProcessMetrics_EmptyWhenHostBusyNotPositive(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(0, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(1, 0)})

	e := newEngine()
	metrics := e.processMetrics(topo, time.Unix(1, 0))
	assert.Empty(t, metrics)
}

func TestProcessMetrics_AttachesClassifierLabelsAndCachesThem(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	for _, sock := range topo.Sockets() {
		sock.Domain(topology.Package).Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})
		sock.Domain(topology.Package).Append(topology.EnergyRecord{Value: 2000, Timestamp: time.Unix(1, 0)})
	}
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(0, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 200, Timestamp: time.Unix(1, 0)})

	meta := topology.ProcessMetadata{ExeBasename: "qemu-system-x86_64", CmdLine: "qemu-system-x86_64 -name guest=vm-A"}
	topo.ProcessActivity(9).Append(topology.ProcessActivitySnapshot{PID: 9, Busy: 10, Timestamp: time.Unix(0, 0), Metadata: meta})
	topo.ProcessActivity(9).Append(topology.ProcessActivitySnapshot{PID: 9, Busy: 30, Timestamp: time.Unix(1, 0), Metadata: meta})

	e := New(stubClassifier{labels: []topology.Label{{Key: "vm_name", Value: "vm-A"}}}, zerolog.Nop())
	metrics := e.processMetrics(topo, time.Unix(1, 0))
	require.Len(t, metrics, 1)

	var found bool
	for _, l := range metrics[0].Labels {
		if l.Key == "vm_name" && l.Value == "vm-A" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, []topology.Label{{Key: "vm_name", Value: "vm-A"}}, topo.ClassifierLabels(9))
}

func TestSelfMetrics_ReportsBufferOccupancyForEveryNode(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	e := newEngine()
	metrics := e.selfMetrics(topo, time.Unix(1, 0))

	assertHasMetric(t, metrics, metricSelfMemAlloc)
	assertHasMetric(t, metrics, metricSelfGoroutines)
	assertHasMetric(t, metrics, metricSelfBufferBytes)
	assertHasMetric(t, metrics, metricSelfBufferQuota)
}

func TestBuildMetricSet_SkipsHostMetricsOnErrorButKeepsRest(t *testing.T) {
	topo := newTestTopology(t, twoSocketEntries(), map[int]int{0: 0, 1: 1})
	// no samples anywhere: host power unavailable, but self.* still reported
	e := newEngine()
	metrics, err := e.BuildMetricSet(topo, time.Unix(1, 0))
	require.NoError(t, err)
	assertNoMetric(t, metrics, metricHostPower)
	assertHasMetric(t, metrics, metricSelfMemAlloc)
}

type stubClassifier struct{ labels []topology.Label }

func (s stubClassifier) Classify(pid int, meta topology.ProcessMetadata) []topology.Label {
	return s.labels
}

func assertHasMetric(t *testing.T, metrics []topology.Metric, name string) {
	t.Helper()
	for _, m := range metrics {
		if m.Name == name {
			return
		}
	}
	t.Fatalf("expected a metric named %q, got %+v", name, metrics)
}

func assertNoMetric(t *testing.T, metrics []topology.Metric, name string) {
	t.Helper()
	for _, m := range metrics {
		if m.Name == name {
			t.Fatalf("did not expect a metric named %q, got %+v", name, metrics)
		}
	}
}
