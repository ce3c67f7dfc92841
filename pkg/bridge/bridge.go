// Package bridge implements the host side of the Hypervisor-to-Guest Bridge
// (spec §4.5): integrating each virtual machine's attributed share of host
// energy into a cumulative microjoule count and publishing it as a mirror
// directory tree a guest's Mirror Counter Source (pkg/sensor) can read.
package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hubblo-org/scaphandre/pkg/attribution"
	"github.com/hubblo-org/scaphandre/pkg/errs"
	"github.com/hubblo-org/scaphandre/pkg/topology"
	"github.com/hubblo-org/scaphandre/pkg/units"
)

// vmNameLabel is the Classifier label key (pkg/classifier's VM) identifying
// a process as a hypervisor worker for a named guest.
const vmNameLabel = "vm_name"

// maxWriteAttempts bounds the retried atomic write so a momentarily
// unavailable mirror filesystem (shared network/virtiofs mount) doesn't
// block a Sampler pass indefinitely; BackendUnreachable surfaces only after
// this many attempts are exhausted (spec §7).
const maxWriteAttempts = 5

// Writer accumulates per-VM cumulative energy and publishes it to BaseDir,
// one directory per VM, one sub-directory per canonical Domain name, holding
// energy_uj and max_energy_range_uj in the layout pkg/sensor's Mirror source
// reads (domain name as directory, no name file). The directory for a VM is created on
// first appearance and left in place until the process restarts (spec
// §4.5); Writer never deletes a VM's directory itself.
type Writer struct {
	BaseDir                string
	MaxPlausiblePowerWatts float64
	Logger                 zerolog.Logger

	mu         sync.Mutex
	cumulative map[string]map[topology.DomainName]units.Microjoules
	maxValue   map[topology.DomainName]units.Microjoules
}

// NewWriter constructs a Writer rooted at baseDir with spec-compliant
// defaults.
func NewWriter(baseDir string, logger zerolog.Logger) *Writer {
	return &Writer{
		BaseDir:                baseDir,
		MaxPlausiblePowerWatts: attribution.DefaultMaxPlausiblePowerWatts,
		Logger:                 logger,
		cumulative:             map[string]map[topology.DomainName]units.Microjoules{},
		maxValue:               map[topology.DomainName]units.Microjoules{},
	}
}

// Update integrates this pass's domain energy deltas into every classified
// VM's cumulative counters (weighted by its processes' busy-time share of
// the host, the same share the Attribution Engine uses for
// process.power.microwatts) and publishes the result. A write failure is
// logged and skipped for that VM/domain rather than returned, matching
// spec §7's "BackendUnreachable ... never fatal to the core"; Update only
// returns an error for a condition indicating the core itself is
// misconfigured (none currently).
func (w *Writer) Update(t *topology.Topology, now time.Time) error {
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

	domainDeltas := w.collectDomainDeltas(t)
	if len(domainDeltas) == 0 {
		return nil
	}

	vmShares := w.collectVMShares(t, busyHost)
	if len(vmShares) == 0 {
		return nil
	}

	w.mu.Lock()
	for vmName, share := range vmShares {
		if w.cumulative[vmName] == nil {
			w.cumulative[vmName] = map[topology.DomainName]units.Microjoules{}
		}
		for domainName, agg := range domainDeltas {
			w.cumulative[vmName][domainName] += units.Microjoules(float64(agg.delta) * share)
			w.maxValue[domainName] = agg.maxValue
		}
	}
	snapshot := w.cloneLocked()
	w.mu.Unlock()

	for vmName, domains := range snapshot.cumulative {
		for domainName, value := range domains {
			if err := w.writeDomain(vmName, domainName, value, snapshot.maxValue[domainName]); err != nil {
				w.Logger.Warn().Err(err).Str("vm", vmName).Str("domain", string(domainName)).
					Msg("bridge: mirror write failed, will retry next pass")
			}
		}
	}
	return nil
}

type domainDelta struct {
	delta    units.Microjoules
	maxValue units.Microjoules
}

// collectDomainDeltas sums each canonical Domain name's wrap-safe interval
// energy across every Socket that exposes it, plus the platform-wide domain
// if present, so a guest sees one counter per canonical name regardless of
// how many host sockets contributed to it.
func (w *Writer) collectDomainDeltas(t *topology.Topology) map[topology.DomainName]domainDelta {
	out := map[topology.DomainName]domainDelta{}
	add := func(name topology.DomainName, maxValue units.Microjoules, node topology.EnergyNode) {
		older, newer, ok := attribution.TwoMostRecent(node)
		if !ok {
			return
		}
		delta, err := attribution.IntervalEnergy(older, newer, w.MaxPlausiblePowerWatts)
		if err != nil {
			w.Logger.Debug().Err(err).Str("domain", string(name)).Msg("bridge: domain contribution suppressed")
			return
		}
		agg := out[name]
		agg.delta += delta
		agg.maxValue = maxValue
		out[name] = agg
	}

	for _, sock := range t.Sockets() {
		for _, d := range sock.Domains() {
			add(d.Name, d.MaxValue(), d)
		}
	}
	if platform := t.PlatformDomain(); platform != nil {
		add(platform.Name, platform.MaxValue(), platform)
	}
	return out
}

// collectVMShares sums the busy-time share of every process classified as
// belonging to a virtual machine, keyed by vm_name. A VM with more than one
// hypervisor worker process (unusual, but not disallowed) gets the sum of
// its workers' shares.
func (w *Writer) collectVMShares(t *topology.Topology, busyHost float64) map[string]float64 {
	shares := map[string]float64{}
	for _, pid := range t.KnownPIDs() {
		_, labels, ok := t.ProcessMetadata(pid)
		if !ok {
			continue
		}
		vmName, ok := vmNameFromLabels(labels)
		if !ok {
			continue
		}

		buf := t.ProcessActivity(pid)
		newer, ok := buf.Latest()
		if !ok {
			continue
		}
		older, ok := buf.Previous()
		if !ok {
			continue
		}

		busyProc := float64(newer.Busy) - float64(older.Busy)
		if busyProc < 0 {
			busyProc = 0
		}
		shares[vmName] += busyProc / busyHost
	}
	return shares
}

func vmNameFromLabels(labels []topology.Label) (string, bool) {
	for _, l := range labels {
		if l.Key == vmNameLabel {
			return l.Value, true
		}
	}
	return "", false
}

type snapshot struct {
	cumulative map[string]map[topology.DomainName]units.Microjoules
	maxValue   map[topology.DomainName]units.Microjoules
}

func (w *Writer) cloneLocked() snapshot {
	out := snapshot{
		cumulative: make(map[string]map[topology.DomainName]units.Microjoules, len(w.cumulative)),
		maxValue:   make(map[topology.DomainName]units.Microjoules, len(w.maxValue)),
	}
	for vmName, domains := range w.cumulative {
		cp := make(map[topology.DomainName]units.Microjoules, len(domains))
		for name, val := range domains {
			cp[name] = val
		}
		out.cumulative[vmName] = cp
	}
	for name, val := range w.maxValue {
		out.maxValue[name] = val
	}
	return out
}

// writeDomain publishes one VM's one domain: its directory is created on
// first appearance (spec §4.5) and its energy_uj/max_energy_range_uj files
// are each written atomically (write-temp, rename) with bounded retry.
func (w *Writer) writeDomain(vmName string, domainName topology.DomainName, value, maxValue units.Microjoules) error {
	dir := filepath.Join(w.BaseDir, vmName, string(domainName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bridge: create mirror directory %s: %w", dir, err)
	}

	if err := w.atomicWrite(filepath.Join(dir, "energy_uj"), formatUint(uint64(value))); err != nil {
		return err
	}
	if maxValue > 0 {
		if err := w.atomicWrite(filepath.Join(dir, "max_energy_range_uj"), formatUint(uint64(maxValue))); err != nil {
			return err
		}
	}
	return nil
}

// atomicWrite writes content to path by writing a temporary sibling file
// then renaming it over path (spec §4.5 "atomic at the file level"),
// retrying the whole write-then-rename a bounded number of times via
// exponential backoff before giving up (spec §7 BackendUnreachable).
func (w *Writer) atomicWrite(path, content string) error {
	tmp := path + ".tmp"
	operation := func() error {
		if err := os.WriteFile(tmp, []byte(content+"\n"), 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}

	// WithMaxRetries counts retries after the first attempt.
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxWriteAttempts-1)
	if err := backoff.Retry(operation, b); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.BackendUnreachable, path, err)
	}
	return nil
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
