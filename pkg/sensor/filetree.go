//go:build linux

package sensor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hubblo-org/scaphandre/pkg/errs"
	"github.com/hubblo-org/scaphandre/pkg/topology"
	"github.com/hubblo-org/scaphandre/pkg/units"
)

// DefaultFileTreeRoot is the root most Linux hosts expose their RAPL-style
// powercap counters under.
const DefaultFileTreeRoot = "/sys/class/powercap"

// hostDirName names the directory holding a platform-wide domain. FileTree
// reads this directory shape (spec §6 "Counter file tree"): a per-socket
// directory named after the kernel-assigned socket id (or hostDirName for a
// platform-wide domain), each containing one directory per Domain with a
// name file holding the canonical domain name, an energy_uj file (ASCII
// unsigned decimal, monotonic microjoules) and a max_energy_range_uj file
// (ASCII unsigned decimal wrap ceiling). The bridge writes the flatter
// Mirror layout instead (see mirror.go).
const hostDirName = "host"

// FileTree is the Counter Source variant that reads the OS's native
// powercap-style pseudo-filesystem, grounded on the teacher's
// bufio.Scanner-based /proc readers (pkg/system/proc/proc.go) generalized
// from fixed-field parsing to the energy_uj/max_energy_range_uj leaf
// format.
type FileTree struct {
	root string
}

// NewFileTree constructs a FileTree source rooted at root. If root is
// empty, DefaultFileTreeRoot is used.
func NewFileTree(root string) (*FileTree, error) {
	if root == "" {
		root = DefaultFileTreeRoot
	}
	return &FileTree{root: root}, nil
}

type fileTreeHandle struct {
	energyPath string
}

func (h *fileTreeHandle) Release() error { return nil }

// Discover walks the root for socket directories, then domain directories
// within each, and returns one DiscoveryEntry per domain found. It is
// idempotent: calling it again after Unsupported simply rebuilds the list
// from whatever the pseudo-filesystem currently exposes (spec §4.1).
func (f *FileTree) Discover(ctx context.Context) ([]topology.DiscoveryEntry, error) {
	socketDirs, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errs.NewDiagnostic(errs.PermissionDenied, f.root, errs.RemediationFilePermission)
		}
		return nil, errs.NewDiagnostic(errs.NoCounterAvailable, f.root, errs.RemediationDriverInstall)
	}

	var entries []topology.DiscoveryEntry
	for _, sd := range socketDirs {
		if !sd.IsDir() {
			continue
		}
		socketID := topology.HostSocketID
		if sd.Name() != hostDirName {
			id, err := strconv.Atoi(sd.Name())
			if err != nil {
				continue // not a socket or host directory; ignore stray entries
			}
			socketID = id
		}

		socketPath := filepath.Join(f.root, sd.Name())
		domainDirs, err := os.ReadDir(socketPath)
		if err != nil {
			continue
		}
		for _, dd := range domainDirs {
			if !dd.IsDir() {
				continue
			}
			domainPath := filepath.Join(socketPath, dd.Name())
			entry, err := f.readDomainDir(socketID, domainPath)
			if err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	}

	if len(entries) == 0 {
		return nil, errs.NewDiagnostic(errs.NoCounterAvailable, f.root,
			errs.RemediationDriverInstall)
	}
	return entries, nil
}

func (f *FileTree) readDomainDir(socketID int, domainPath string) (topology.DiscoveryEntry, error) {
	name, err := readTrimmedFile(filepath.Join(domainPath, "name"))
	if err != nil {
		return topology.DiscoveryEntry{}, err
	}
	maxRaw, err := readTrimmedFile(filepath.Join(domainPath, "max_energy_range_uj"))
	if err != nil {
		return topology.DiscoveryEntry{}, err
	}
	maxVal, err := strconv.ParseUint(maxRaw, 10, 64)
	if err != nil {
		return topology.DiscoveryEntry{}, fmt.Errorf("sensor: parse max_energy_range_uj at %s: %w", domainPath, err)
	}

	return topology.DiscoveryEntry{
		SocketID:  socketID,
		Domain:    topology.DomainName(name),
		Handle:    &fileTreeHandle{energyPath: filepath.Join(domainPath, "energy_uj")},
		WidthBits: 0, // ASCII decimal, no fixed width (spec §4.1)
		MaxValue:  units.Microjoules(maxVal),
	}, nil
}

// Read re-opens the handle's energy_uj file and parses its current ASCII
// decimal value, matching the teacher's pattern of opening per-call rather
// than keeping file descriptors live across samples (proc.go's
// ReadProcStat/ReadProcIO).
func (f *FileTree) Read(ctx context.Context, handle topology.Handle) (topology.EnergyRecord, error) {
	h, ok := handle.(*fileTreeHandle)
	if !ok {
		return topology.EnergyRecord{}, fmt.Errorf("sensor: handle not issued by FileTree")
	}

	raw, err := readTrimmedFile(h.energyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return topology.EnergyRecord{}, fmt.Errorf("%w: %s", errs.Unsupported, h.energyPath)
		}
		if os.IsPermission(err) {
			return topology.EnergyRecord{}, errs.NewDiagnostic(errs.PermissionDenied, h.energyPath, errs.RemediationFilePermission)
		}
		return topology.EnergyRecord{}, fmt.Errorf("%w: %s: %v", errs.Transient, h.energyPath, err)
	}

	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return topology.EnergyRecord{}, fmt.Errorf("%w: parse %s: %v", errs.Transient, h.energyPath, err)
	}

	return topology.EnergyRecord{Value: units.Microjoules(val)}, nil
}

func readTrimmedFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return "", fmt.Errorf("sensor: empty file %s", path)
	}
	return strings.TrimSpace(sc.Text()), nil
}
