package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hubblo-org/scaphandre/pkg/errs"
	"github.com/hubblo-org/scaphandre/pkg/topology"
	"github.com/hubblo-org/scaphandre/pkg/units"
)

// Mirror is the Counter Source variant a guest runs against the directory
// tree a host-side Bridge (pkg/bridge) writes for it (spec §4.1, §4.5).
// The peer is trusted: Mirror does no validation beyond the parsing
// FileTree already does, since it reads the same energy_uj/
// max_energy_range_uj leaf format, just without the per-socket nesting
// (a guest sees itself as a single virtual socket).
type Mirror struct {
	root string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stale   bool // true until the first Discover, or after a watched change
}

const mirrorSocketID = 0

// NewMirror constructs a Mirror source rooted at root (typically
// $SCAPHANDRE_POWERCAP_PATH). It starts an fsnotify watch on root so that
// a late-appearing domain directory (e.g. a virtiofs mount completing
// after the guest agent started) marks the cached discovery stale without
// the caller needing to poll (SPEC_FULL §4 "Discovery caching with
// re-discovery").
func NewMirror(root string) (*Mirror, error) {
	m := &Mirror{root: root, stale: true}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sensor: mirror watcher: %w", err)
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, errs.NewDiagnostic(errs.NoCounterAvailable, root, errs.RemediationDriverInstall)
	}
	m.watcher = w

	go m.watchLoop()
	return m, nil
}

func (m *Mirror) watchLoop() {
	for {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.mu.Lock()
			m.stale = true
			m.mu.Unlock()
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the fsnotify watch. Idempotent.
func (m *Mirror) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}

type mirrorHandle struct {
	domainDir string
}

func (h *mirrorHandle) Release() error { return nil }

// Discover walks the mirror root for one directory per canonical Domain
// name. Unlike FileTree, the directory name itself is the canonical
// domain name (no name file) since the bridge writes it that way (spec
// §4.5 "one file per canonical Domain name").
func (m *Mirror) Discover(ctx context.Context) ([]topology.DiscoveryEntry, error) {
	dirs, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errs.NewDiagnostic(errs.PermissionDenied, m.root, errs.RemediationFilePermission)
		}
		return nil, errs.NewDiagnostic(errs.NoCounterAvailable, m.root, errs.RemediationDriverInstall)
	}

	var entries []topology.DiscoveryEntry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		domainPath := filepath.Join(m.root, d.Name())
		maxVal := units.Microjoules(0)
		if raw, err := readTrimmedFile(filepath.Join(domainPath, "max_energy_range_uj")); err == nil {
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				maxVal = units.Microjoules(v)
			}
		}
		entries = append(entries, topology.DiscoveryEntry{
			SocketID:  mirrorSocketID,
			Domain:    topology.DomainName(d.Name()),
			Handle:    &mirrorHandle{domainDir: domainPath},
			WidthBits: 0, // no max_energy_range_uj leaves MaxValue at 0; the Attribution Engine then reports a decreasing reading as implausible instead of reconstructing a wrap
			MaxValue:  maxVal,
		})
	}

	if len(entries) == 0 {
		return nil, errs.NewDiagnostic(errs.NoCounterAvailable, m.root, errs.RemediationDriverInstall)
	}

	m.mu.Lock()
	m.stale = false
	m.mu.Unlock()
	return entries, nil
}

// Stale reports whether the mirror directory has changed since the last
// Discover, per the fsnotify-backed cache-invalidation supplement.
func (m *Mirror) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

// Read parses the handle's energy_uj file, identically to FileTree.Read.
func (m *Mirror) Read(ctx context.Context, handle topology.Handle) (topology.EnergyRecord, error) {
	h, ok := handle.(*mirrorHandle)
	if !ok {
		return topology.EnergyRecord{}, fmt.Errorf("sensor: handle not issued by Mirror")
	}

	path := filepath.Join(h.domainDir, "energy_uj")
	raw, err := readTrimmedFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return topology.EnergyRecord{}, fmt.Errorf("%w: %s", errs.Unsupported, path)
		}
		return topology.EnergyRecord{}, fmt.Errorf("%w: %s: %v", errs.Transient, path, err)
	}
	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return topology.EnergyRecord{}, fmt.Errorf("%w: parse %s: %v", errs.Transient, path, err)
	}
	return topology.EnergyRecord{Value: units.Microjoules(val)}, nil
}
