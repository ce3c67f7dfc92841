package bridge

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubblo-org/scaphandre/pkg/topology"
)

type fakeHandle struct{}

func (fakeHandle) Release() error { return nil }

func newTestTopology(t *testing.T) *topology.Topology {
	t.Helper()
	entries := []topology.DiscoveryEntry{
		{SocketID: 0, Domain: topology.Package, Handle: fakeHandle{}, WidthBits: 32, MaxValue: 1 << 32},
	}
	topo, err := topology.New(entries, map[int]int{0: 0}, topology.DefaultBudgets())
	require.NoError(t, err)
	return topo
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

func TestUpdate_WritesCumulativeEnergyForClassifiedVMProcess(t *testing.T) {
	topo := newTestTopology(t)
	pkg := topo.Socket(0).Domain(topology.Package)
	pkg.Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})
	pkg.Append(topology.EnergyRecord{Value: 2000, Timestamp: time.Unix(1, 0)})

	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(0, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 200, Timestamp: time.Unix(1, 0)})

	meta := topology.ProcessMetadata{ExeBasename: "qemu-system-x86_64", CmdLine: "qemu-system-x86_64 -name guest=vm-A"}
	topo.ProcessActivity(9).Append(topology.ProcessActivitySnapshot{PID: 9, Busy: 10, Timestamp: time.Unix(0, 0), Metadata: meta})
	topo.ProcessActivity(9).Append(topology.ProcessActivitySnapshot{PID: 9, Busy: 60, Timestamp: time.Unix(1, 0), Metadata: meta})
	topo.SetClassifierLabels(9, []topology.Label{{Key: "vm_name", Value: "vm-A"}})

	base := t.TempDir()
	w := NewWriter(base, zerolog.Nop())
	require.NoError(t, w.Update(topo, time.Unix(1, 0)))

	domainDir := filepath.Join(base, "vm-A", string(topology.Package))
	energy := readFile(t, filepath.Join(domainDir, "energy_uj"))
	val, err := strconv.ParseUint(energy, 10, 64)
	require.NoError(t, err)
	// busyHost delta = 100, busyProc delta = 50, share = 0.5, domain delta = 1000 -> 500
	assert.EqualValues(t, 500, val)

	maxRange := readFile(t, filepath.Join(domainDir, "max_energy_range_uj"))
	assert.Equal(t, strconv.FormatUint(1<<32, 10), maxRange)
}

func TestUpdate_AccumulatesAcrossPasses(t *testing.T) {
	topo := newTestTopology(t)
	pkg := topo.Socket(0).Domain(topology.Package)
	pkg.Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})
	pkg.Append(topology.EnergyRecord{Value: 2000, Timestamp: time.Unix(1, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(0, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 200, Timestamp: time.Unix(1, 0)})

	meta := topology.ProcessMetadata{ExeBasename: "qemu-system-x86_64", CmdLine: "qemu-system-x86_64 -name guest=vm-A"}
	topo.ProcessActivity(9).Append(topology.ProcessActivitySnapshot{PID: 9, Busy: 0, Timestamp: time.Unix(0, 0), Metadata: meta})
	topo.ProcessActivity(9).Append(topology.ProcessActivitySnapshot{PID: 9, Busy: 100, Timestamp: time.Unix(1, 0), Metadata: meta})
	topo.SetClassifierLabels(9, []topology.Label{{Key: "vm_name", Value: "vm-A"}})

	base := t.TempDir()
	w := NewWriter(base, zerolog.Nop())
	require.NoError(t, w.Update(topo, time.Unix(1, 0)))

	pkg.Append(topology.EnergyRecord{Value: 3000, Timestamp: time.Unix(2, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 300, Timestamp: time.Unix(2, 0)})
	topo.ProcessActivity(9).Append(topology.ProcessActivitySnapshot{PID: 9, Busy: 200, Timestamp: time.Unix(2, 0), Metadata: meta})
	require.NoError(t, w.Update(topo, time.Unix(2, 0)))

	domainDir := filepath.Join(base, "vm-A", string(topology.Package))
	energy := readFile(t, filepath.Join(domainDir, "energy_uj"))
	val, err := strconv.ParseUint(energy, 10, 64)
	require.NoError(t, err)
	// pass 1: share=100/100=1.0, delta=1000 -> 1000; pass 2: share=100/100=1.0, delta=1000 -> 1000; total 2000
	assert.EqualValues(t, 2000, val)
}

func TestUpdate_SkipsProcessesWithoutVMLabel(t *testing.T) {
	topo := newTestTopology(t)
	pkg := topo.Socket(0).Domain(topology.Package)
	pkg.Append(topology.EnergyRecord{Value: 1000, Timestamp: time.Unix(0, 0)})
	pkg.Append(topology.EnergyRecord{Value: 2000, Timestamp: time.Unix(1, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(0, 0)})
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 200, Timestamp: time.Unix(1, 0)})

	meta := topology.ProcessMetadata{ExeBasename: "nginx", CmdLine: "nginx"}
	topo.ProcessActivity(5).Append(topology.ProcessActivitySnapshot{PID: 5, Busy: 10, Timestamp: time.Unix(0, 0), Metadata: meta})
	topo.ProcessActivity(5).Append(topology.ProcessActivitySnapshot{PID: 5, Busy: 50, Timestamp: time.Unix(1, 0), Metadata: meta})

	base := t.TempDir()
	w := NewWriter(base, zerolog.Nop())
	require.NoError(t, w.Update(topo, time.Unix(1, 0)))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdate_NoOpWhenHostHasFewerThanTwoSamples(t *testing.T) {
	topo := newTestTopology(t)
	topo.HostCPUActivity().Append(topology.CPUActivitySnapshot{User: 100, Timestamp: time.Unix(0, 0)})

	base := t.TempDir()
	w := NewWriter(base, zerolog.Nop())
	assert.NoError(t, w.Update(topo, time.Unix(1, 0)))
}

func TestAtomicWrite_LeavesNoTemporaryFileBehind(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, zerolog.Nop())
	path := filepath.Join(dir, "energy_uj")
	require.NoError(t, w.atomicWrite(path, "42"))

	assert.Equal(t, "42", readFile(t, path))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
