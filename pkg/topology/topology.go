// Package topology holds the in-memory structural picture of the machine —
// sockets, the energy domains attached to each, and the logical CPUs
// belonging to each socket — plus the time-series ring buffers attached to
// every node (spec §3, §4.2).
package topology

import (
	"fmt"
	"time"

	"github.com/hubblo-org/scaphandre/internal/ringbuffer"
	"github.com/hubblo-org/scaphandre/pkg/units"
)

// DiscoveryEntry is the DTO a Counter Source's discovery operation returns
// for one domain: (socket-id, domain-name, handle, counter-width-bits,
// max-value-microjoules), per spec §4.1. It lives in this package (rather
// than in pkg/sensor) so that topology has no import-time dependency on any
// particular Counter Source implementation.
type DiscoveryEntry struct {
	SocketID  int
	Domain    DomainName
	Handle    Handle
	WidthBits int
	MaxValue  units.Microjoules
}

// Budgets configures the independent byte budgets for every ring buffer
// Topology owns (spec §3 invariant 3) and the horizon used to evict stale
// per-process buffers (spec §9).
type Budgets struct {
	SocketEnergyBytes      int
	DomainEnergyBytes      int
	HostCPUActivityBytes   int
	SocketCPUActivityBytes int
	ProcessActivityBytes   int
	ProcessHorizon         time.Duration
}

// DefaultBudgets returns the conservative defaults the core ships with:
// 64 KiB per energy or CPU-activity buffer (about 2,700 energy records or
// about 680 CPU-activity snapshots at this package's record sizes), 128 KiB
// per process buffer, and a process eviction horizon of five seconds, a few
// sampling intervals at the default one-second interval.
func DefaultBudgets() Budgets {
	return Budgets{
		SocketEnergyBytes:      64 * 1024,
		DomainEnergyBytes:      64 * 1024,
		HostCPUActivityBytes:   64 * 1024,
		SocketCPUActivityBytes: 64 * 1024,
		ProcessActivityBytes:   128 * 1024,
		ProcessHorizon:         5 * time.Second,
	}
}

// SamplePass mutates t by appending one pass's worth of records. Sampler
// implementations satisfy this signature; Topology holds it as an injected
// dependency so this package never imports pkg/sampler (which itself
// depends on pkg/topology), avoiding an import cycle.
type SamplePass func(t *Topology, now time.Time) error

// Attributor turns the two most recent samples held in t into a Metric
// sequence. pkg/attribution's Engine.BuildMetricSet method value satisfies
// this signature.
type Attributor func(t *Topology, now time.Time) ([]Metric, error)

// Topology is the single-writer structural model of the host: an ordered
// list of Sockets, a ring buffer of host CPU-activity snapshots, a sparse
// map of per-process ring buffers, and an optional platform-wide ("psys")
// domain attached to the root (spec §3 invariant 4).
type Topology struct {
	sockets  []*Socket
	platform *Domain // psys, nil if the platform exposes none

	hostCPUActivity *ringbuffer.Buffer[CPUActivitySnapshot]
	processActivity map[int]*ringbuffer.Buffer[ProcessActivitySnapshot]
	classifierLabel map[int][]Label

	budgets Budgets

	samplePass SamplePass
	attributor Attributor
}

// New builds a Topology from a Counter Source's discovery list and an
// OS-reported mapping of logical CPU id to owning socket id. Every logical
// CPU the OS reports must belong to exactly one socket; a CPU present in
// cpuToSocket but absent from discovery's socket set is a configuration
// fault, logged by the caller (topology itself has no logger — see
// pkg/config's wiring in cmd/scaphandre) and returned as an error here so
// the caller can decide whether to proceed or abort.
func New(entries []DiscoveryEntry, cpuToSocket map[int]int, budgets Budgets) (*Topology, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("topology: discovery returned no domains")
	}

	socketCPUs := map[int][]int{}
	for cpu, sock := range cpuToSocket {
		socketCPUs[sock] = append(socketCPUs[sock], cpu)
	}

	t := &Topology{
		hostCPUActivity: ringbuffer.New[CPUActivitySnapshot](budgets.HostCPUActivityBytes, cpuActivitySnapshotSize),
		processActivity: map[int]*ringbuffer.Buffer[ProcessActivitySnapshot]{},
		classifierLabel: map[int][]Label{},
		budgets:         budgets,
	}

	socketsByID := map[int]*Socket{}
	socketOrder := []int{}
	for _, e := range entries {
		if e.Domain == PSys || e.SocketID == HostSocketID {
			if t.platform != nil {
				return nil, fmt.Errorf("topology: more than one platform-wide domain discovered")
			}
			t.platform = NewDomain(PSys, HostSocketID, e.Handle, e.WidthBits, e.MaxValue, budgets.DomainEnergyBytes)
			continue
		}
		sock, ok := socketsByID[e.SocketID]
		if !ok {
			sock = newSocket(e.SocketID, socketCPUs[e.SocketID], budgets.SocketEnergyBytes, budgets.SocketCPUActivityBytes)
			socketsByID[e.SocketID] = sock
			socketOrder = append(socketOrder, e.SocketID)
		}
		sock.domains = append(sock.domains, NewDomain(e.Domain, e.SocketID, e.Handle, e.WidthBits, e.MaxValue, budgets.DomainEnergyBytes))
	}

	for _, id := range socketOrder {
		t.sockets = append(t.sockets, socketsByID[id])
	}

	for sockID := range socketCPUs {
		if _, ok := socketsByID[sockID]; !ok {
			return nil, fmt.Errorf("topology: socket %d has logical CPUs but no discovered domain", sockID)
		}
	}

	return t, nil
}

// Configure wires the Sampler and Attribution Engine that back
// SnapshotMetrics. It is called once during startup composition (see
// cmd/scaphandre) rather than passed to New, so pkg/sampler and
// pkg/attribution can both depend on pkg/topology without a cycle.
func (t *Topology) Configure(sample SamplePass, attribute Attributor) {
	t.samplePass = sample
	t.attributor = attribute
}

// Sockets returns the Topology's sockets in discovery order.
func (t *Topology) Sockets() []*Socket { return t.sockets }

// Socket returns the socket with the given id, or nil.
func (t *Topology) Socket(id int) *Socket {
	for _, s := range t.sockets {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Budgets returns the ring-buffer byte budgets and process-eviction
// horizon this Topology was constructed with.
func (t *Topology) Budgets() Budgets { return t.budgets }

// PlatformDomain returns the platform-wide ("psys") domain attached to the
// root, or nil if the platform exposes none.
func (t *Topology) PlatformDomain() *Domain { return t.platform }

// HostCPUActivity returns the host-aggregate CPU-activity ring buffer.
func (t *Topology) HostCPUActivity() *ringbuffer.Buffer[CPUActivitySnapshot] {
	return t.hostCPUActivity
}

// ProcessActivity returns the ring buffer of activity snapshots for one
// process id, creating it on first use with the configured byte budget.
func (t *Topology) ProcessActivity(pid int) *ringbuffer.Buffer[ProcessActivitySnapshot] {
	buf, ok := t.processActivity[pid]
	if !ok {
		buf = ringbuffer.New[ProcessActivitySnapshot](t.budgets.ProcessActivityBytes, processActivitySnapshotSize)
		t.processActivity[pid] = buf
	}
	return buf
}

// KnownPIDs returns every process id Topology currently holds a buffer
// for, including ones whose process has since exited (spec §8 scenario C).
func (t *Topology) KnownPIDs() []int {
	out := make([]int, 0, len(t.processActivity))
	for pid := range t.processActivity {
		out = append(out, pid)
	}
	return out
}

// EvictStaleProcesses drops per-process buffers whose newest record is
// older than horizon, so the pid-indexed map does not grow without bound
// for processes that exited long ago (spec §9).
func (t *Topology) EvictStaleProcesses(now time.Time, horizon time.Duration) {
	for pid, buf := range t.processActivity {
		latest, ok := buf.Latest()
		if !ok || now.Sub(latest.Timestamp) > horizon {
			delete(t.processActivity, pid)
			delete(t.classifierLabel, pid)
		}
	}
}

// SetClassifierLabels caches the Classifier's result for a process id, per
// spec §4.4 ("cached by process identifier").
func (t *Topology) SetClassifierLabels(pid int, labels []Label) {
	t.classifierLabel[pid] = labels
}

// ClassifierLabels returns the cached Classifier labels for a process id,
// or nil if none were ever set.
func (t *Topology) ClassifierLabels(pid int) []Label {
	return t.classifierLabel[pid]
}

// ProcessMetadata returns the cached executable name, command line and
// classifier labels for a process that has been observed at least once
// (spec §4.2 "process-metadata(pid)"). The bool return is false if the
// process has never been sampled.
func (t *Topology) ProcessMetadata(pid int) (ProcessMetadata, []Label, bool) {
	buf, ok := t.processActivity[pid]
	if !ok {
		return ProcessMetadata{}, nil, false
	}
	latest, ok := buf.Latest()
	if !ok {
		return ProcessMetadata{}, nil, false
	}
	return latest.Metadata, t.classifierLabel[pid], true
}

// Rediscover re-binds existing Domains' counter handles to a fresh discovery
// list, matching entries to Domains by (socket id, domain name) — or, for a
// platform-wide entry, to the root's platform Domain. It never adds or
// removes a Domain; an entry matching nothing already in the Topology is
// ignored. This recovers a counter that went errs.Unsupported and later
// became available again (e.g. a guest's mirror mount arriving late, or a
// powercap zone re-registering after a driver reload) without discarding
// any Domain's ring buffer history, per spec §4.1's "Discover ... idempotent
// ... safe to call again".
func (t *Topology) Rediscover(entries []DiscoveryEntry) error {
	for _, e := range entries {
		if e.Domain == PSys || e.SocketID == HostSocketID {
			if t.platform != nil {
				if err := t.platform.Rebind(e.Handle); err != nil {
					return fmt.Errorf("topology: rebind platform domain: %w", err)
				}
			}
			continue
		}
		sock := t.Socket(e.SocketID)
		if sock == nil {
			continue
		}
		dom := sock.Domain(e.Domain)
		if dom == nil {
			continue
		}
		if err := dom.Rebind(e.Handle); err != nil {
			return fmt.Errorf("topology: rebind socket %d domain %s: %w", e.SocketID, e.Domain, err)
		}
	}
	return nil
}

// EnergyNode is satisfied by anything Topology attaches an energy ring
// buffer to: a Domain or a Socket.
type EnergyNode interface {
	EnergyBuffer() *ringbuffer.Buffer[EnergyRecord]
}

// EnergyBuffer satisfies EnergyNode for a Domain.
func (d *Domain) EnergyBuffer() *ringbuffer.Buffer[EnergyRecord] { return d.records }

// EnergyBuffer satisfies EnergyNode for a Socket.
func (s *Socket) EnergyBuffer() *ringbuffer.Buffer[EnergyRecord] { return s.energy }

// LastRecord returns the most recent EnergyRecord of a node, used by
// exporters that emit a monotonic counter unchanged rather than a derived
// power gauge (spec §4.2).
func (t *Topology) LastRecord(node EnergyNode) (EnergyRecord, bool) {
	return node.EnergyBuffer().Latest()
}

// SnapshotMetrics runs one Sampler pass, then the Attribution Engine over
// the two most recent samples, and returns a flat Metric sequence (spec
// §4.2). Configure must have been called first.
func (t *Topology) SnapshotMetrics(now time.Time) ([]Metric, error) {
	if t.samplePass == nil || t.attributor == nil {
		return nil, fmt.Errorf("topology: SnapshotMetrics called before Configure")
	}
	if err := t.samplePass(t, now); err != nil {
		return nil, fmt.Errorf("topology: sampler pass: %w", err)
	}
	return t.attributor(t, now)
}
