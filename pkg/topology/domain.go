package topology

import (
	"time"

	"github.com/hubblo-org/scaphandre/internal/ringbuffer"
	"github.com/hubblo-org/scaphandre/pkg/units"
)

// DomainName is one of the closed set of canonical energy-domain names the
// core understands (spec Glossary).
type DomainName string

const (
	// Package is a whole CPU socket.
	Package DomainName = "package"
	// Cores is the compute-core subset of a package.
	Cores DomainName = "cores"
	// Uncore is the non-core subset of a package.
	Uncore DomainName = "uncore"
	// DRAM is the memory controller.
	DRAM DomainName = "dram"
	// PSys is platform-wide, spanning more than the package. A PSys domain
	// is attached to the Topology root, never to a Socket (spec §3
	// invariant 4).
	PSys DomainName = "psys"
)

// HostSocketID is the sentinel socket identifier discovery reports for a
// platform-wide domain ("host-level", spec §4.1).
const HostSocketID = -1

// EnergyRecord is one monotonic microjoule reading for a Domain, stamped
// with the wall-clock time it was taken and enough width/scaling context to
// compute a wrap-safe difference against any earlier record of the same
// Domain (spec §3 invariant 2).
type EnergyRecord struct {
	Value     units.Microjoules
	MaxValue  units.Microjoules // wrap ceiling, a.k.a. max_energy_range_uj
	Timestamp time.Time
}

func energyRecordSize(EnergyRecord) int { return 24 }

// Domain is a named region of the platform whose energy can be read
// independently, owned by exactly one Socket (or, for a platform-wide
// domain, by the Topology root).
type Domain struct {
	Name     DomainName
	SocketID int // HostSocketID for a platform-wide domain

	handle    Handle
	widthBits int
	maxValue  units.Microjoules
	records   *ringbuffer.Buffer[EnergyRecord]
}

// NewDomain constructs a Domain with the given ring-buffer byte budget (see
// spec §3 invariant 3). maxValue is the counter's wrap ceiling as reported
// at discovery (a.k.a. max_energy_range_uj); it is constant for the
// Domain's lifetime and is stamped onto every EnergyRecord the Sampler
// appends, so wrap-safe arithmetic never needs to look anywhere else for it.
func NewDomain(name DomainName, socketID int, handle Handle, widthBits int, maxValue units.Microjoules, budgetBytes int) *Domain {
	return &Domain{
		Name:      name,
		SocketID:  socketID,
		handle:    handle,
		widthBits: widthBits,
		maxValue:  maxValue,
		records:   ringbuffer.New[EnergyRecord](budgetBytes, energyRecordSize),
	}
}

// Handle returns the opaque counter handle the Counter Source issued at
// discovery. Its lifetime is tied to this Domain (spec §3 ownership).
func (d *Domain) Handle() Handle { return d.handle }

// Rebind replaces the Domain's counter handle, releasing the old one first.
// Used by Topology.Rediscover to recover a Domain whose counter went
// errs.Unsupported without discarding its ring buffer history (spec §4.1).
func (d *Domain) Rebind(h Handle) error {
	if d.handle != nil {
		if err := d.handle.Release(); err != nil {
			return err
		}
	}
	d.handle = h
	return nil
}

// WidthBits returns the counter's bit width as reported at discovery.
func (d *Domain) WidthBits() int { return d.widthBits }

// MaxValue returns the counter's wrap ceiling as reported at discovery.
func (d *Domain) MaxValue() units.Microjoules { return d.maxValue }

// Append records a new EnergyRecord, enforcing that timestamps are
// non-decreasing within the domain's buffer (spec §3 invariant 1). A
// caller that violates ordering gets a panic: it indicates a Sampler bug,
// not a recoverable runtime condition.
func (d *Domain) Append(r EnergyRecord) {
	if latest, ok := d.records.Latest(); ok && r.Timestamp.Before(latest.Timestamp) {
		panic("topology: energy record timestamp regressed for domain " + string(d.Name))
	}
	if r.MaxValue == 0 {
		r.MaxValue = d.maxValue
	}
	d.records.Append(r)
}

// Records returns the domain's energy ring buffer.
func (d *Domain) Records() *ringbuffer.Buffer[EnergyRecord] { return d.records }

// IsHostLevel reports whether this domain is attached to the Topology root
// rather than to a Socket.
func (d *Domain) IsHostLevel() bool { return d.SocketID == HostSocketID }
