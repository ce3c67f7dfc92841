// Package sensor implements the Counter Source: a pluggable driver that
// produces monotonic energy readings for named domains (spec §4.1). Three
// tagged variants exist — FileTree, Register and Mirror — dispatched once
// at startup and held as a single Source by the Sampler (pkg/sampler);
// Topology itself holds no Source, only each Domain's Handle. There is no
// runtime inheritance between them (spec §9 "Polymorphism over Counter
// Sources").
package sensor

import (
	"context"
	"fmt"

	"github.com/hubblo-org/scaphandre/pkg/topology"
)

// Source is the capability set every Counter Source variant implements:
// discover, read (release lives on the Handle itself, per
// topology.Handle.Release, since its lifetime is tied to one Domain rather
// than to the Source as a whole).
type Source interface {
	// Discover enumerates every counter the platform exposes and returns
	// one DiscoveryEntry per domain. Idempotent; safe to call again from
	// Rediscover after an Unsupported read (spec §4.1, SPEC_FULL §4).
	Discover(ctx context.Context) ([]topology.DiscoveryEntry, error)

	// Read takes one EnergyRecord from the counter behind handle. Callers
	// distinguish errs.PermissionDenied, errs.Transient and errs.Unsupported
	// via errors.Is; PermissionDenied errors carry an *errs.Diagnostic for
	// remediation context.
	Read(ctx context.Context, handle topology.Handle) (topology.EnergyRecord, error)
}

// Kind tags which Source variant to construct, selected once at startup
// from configuration (spec §9).
type Kind string

const (
	// FileTreeKind reads the OS's native powercap-style pseudo-filesystem.
	FileTreeKind Kind = "filetree"
	// RegisterKind issues privileged reads to model-specific registers.
	RegisterKind Kind = "register"
	// MirrorKind reads a peer bridge's mirror directory (spec §4.5).
	MirrorKind Kind = "mirror"
)

// New dispatches to the requested Source variant. This is the single
// switch point the rest of the core relies on; nothing outside this
// function needs to know how many variants exist.
func New(kind Kind, cfg Config) (Source, error) {
	switch kind {
	case FileTreeKind:
		return NewFileTree(cfg.FileTreeRoot)
	case RegisterKind:
		return NewRegister(cfg.RegisterCPUIDs, cfg.RegisterDevicePath)
	case MirrorKind:
		return NewMirror(cfg.MirrorRoot)
	default:
		return nil, fmt.Errorf("sensor: unknown counter source kind %q", kind)
	}
}

// Config carries the union of constructor parameters every Source variant
// needs. Only the fields relevant to the selected Kind are read.
type Config struct {
	FileTreeRoot       string
	RegisterCPUIDs     []int
	RegisterDevicePath string
	MirrorRoot         string
}
