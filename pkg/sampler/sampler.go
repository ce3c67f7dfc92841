// Package sampler implements the single stateless measurement pass
// described in spec §4.3: read every domain counter, read host and
// per-socket CPU activity, enumerate and read every process, and append
// everything, timestamped, into the Topology's ring buffers.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hubblo-org/scaphandre/pkg/errs"
	"github.com/hubblo-org/scaphandre/pkg/sensor"
	"github.com/hubblo-org/scaphandre/pkg/topology"
)

// HostActivityReader is the subset of pkg/hostproc.Reader the Sampler
// depends on, named here so sampler can be unit-tested against a fake
// without importing procfs.
type HostActivityReader interface {
	HostActivity(now time.Time) (topology.CPUActivitySnapshot, error)
	SocketActivity(logicalCPUs []int, now time.Time) (topology.CPUActivitySnapshot, error)
	EnumeratePIDs() ([]int, error)
	ProcessActivity(pid int, now time.Time) (topology.ProcessActivitySnapshot, error)
}

// Sampler owns no state of its own beyond its two collaborators; every
// call to Run is a complete, independent pass (spec §4.3 "a stateless
// operation").
type Sampler struct {
	Source sensor.Source
	Host   HostActivityReader
	Logger zerolog.Logger
}

// New constructs a Sampler. Grounded on the teacher's main.go, which wires
// a single proc.Collector and a single consumption.Accumulator once at
// startup and reuses them across every tick; Sampler generalizes that to
// the Counter Source + host-activity-reader pair this spec's pipeline
// needs.
func New(source sensor.Source, host HostActivityReader, logger zerolog.Logger) *Sampler {
	return &Sampler{Source: source, Host: host, Logger: logger}
}

// Run executes one measurement pass over t, stamped now. Its signature
// matches topology.SamplePass exactly so a *Sampler's Run method value can
// be handed straight to Topology.Configure.
func (s *Sampler) Run(t *topology.Topology, now time.Time) error {
	ctx := context.Background()

	if s.sampleDomains(ctx, t, now) {
		s.rediscover(ctx, t)
	}

	if err := s.sampleHostActivity(t, now); err != nil {
		return err
	}

	if err := s.sampleProcesses(t, now); err != nil {
		return err
	}

	t.EvictStaleProcesses(now, t.Budgets().ProcessHorizon)
	return nil
}

// sampleDomains reads every Domain's counter. A read failure leaves a gap
// for that Domain this pass rather than aborting the whole Sampler run
// (spec §7): the Attribution Engine already tolerates fewer than two
// samples for any one node by emitting no power value for it. It reports whether any read
// failed with errs.Unsupported, so Run can trigger rediscovery.
func (s *Sampler) sampleDomains(ctx context.Context, t *topology.Topology, now time.Time) bool {
	needsRediscover := false

	for _, sock := range t.Sockets() {
		for _, dom := range sock.Domains() {
			rec, err := s.Source.Read(ctx, dom.Handle())
			if err != nil {
				s.Logger.Warn().Err(err).Str("domain", string(dom.Name)).Int("socket", sock.ID).
					Msg("sampler: domain read failed, leaving gap this pass")
				needsRediscover = needsRediscover || errors.Is(err, errs.Unsupported)
				continue
			}
			rec.Timestamp = now
			if rec.MaxValue == 0 {
				rec.MaxValue = dom.MaxValue()
			}
			dom.Append(rec)
			if dom.Name == topology.Package {
				sock.EnergyRecords().Append(rec)
			}
		}
	}

	if platform := t.PlatformDomain(); platform != nil {
		rec, err := s.Source.Read(ctx, platform.Handle())
		if err != nil {
			s.Logger.Warn().Err(err).Str("domain", string(platform.Name)).
				Msg("sampler: platform domain read failed, leaving gap this pass")
			needsRediscover = needsRediscover || errors.Is(err, errs.Unsupported)
		} else {
			rec.Timestamp = now
			platform.Append(rec)
		}
	}

	return needsRediscover
}

// rediscover asks the Counter Source to re-enumerate its counters and
// re-binds any matching Domain's handle, recovering from a counter that
// went errs.Unsupported since discovery (spec §4.1). A failure here is
// logged, not propagated: the Sampler simply keeps using the stale handles
// and retries rediscovery on the next pass that sees Unsupported again.
func (s *Sampler) rediscover(ctx context.Context, t *topology.Topology) {
	entries, err := s.Source.Discover(ctx)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("sampler: rediscovery failed, keeping stale handles")
		return
	}
	if err := t.Rediscover(entries); err != nil {
		s.Logger.Warn().Err(err).Msg("sampler: rebinding rediscovered handles failed")
	}
}

// sampleHostActivity reads the host aggregate and every socket's CPU
// activity. A host-level read failure aborts the whole pass (spec §7):
// without it, no host power figure can be computed this pass at all, so
// there is nothing useful a partial pass would produce.
func (s *Sampler) sampleHostActivity(t *topology.Topology, now time.Time) error {
	host, err := s.Host.HostActivity(now)
	if err != nil {
		return fmt.Errorf("%w: host cpu activity: %v", errs.Transient, err)
	}
	t.HostCPUActivity().Append(host)

	for _, sock := range t.Sockets() {
		activity, err := s.Host.SocketActivity(sock.CPUs, now)
		if err != nil {
			s.Logger.Warn().Err(err).Int("socket", sock.ID).
				Msg("sampler: socket cpu activity read failed, leaving gap this pass")
			continue
		}
		sock.CPUActivity().Append(activity)
	}
	return nil
}

// sampleProcesses enumerates every process and reads its activity
// counters. Enumeration failure aborts the pass (no process list means no
// per-process attribution is possible at all); an individual process's
// read failure (most commonly the process exiting mid-pass) is logged and
// skipped (spec §7, §8 scenario C).
func (s *Sampler) sampleProcesses(t *topology.Topology, now time.Time) error {
	pids, err := s.Host.EnumeratePIDs()
	if err != nil {
		return fmt.Errorf("%w: enumerate processes: %v", errs.Transient, err)
	}

	for _, pid := range pids {
		snap, err := s.Host.ProcessActivity(pid, now)
		if err != nil {
			s.Logger.Debug().Err(err).Int("pid", pid).
				Msg("sampler: process read failed, skipping (likely exited mid-pass)")
			continue
		}
		t.ProcessActivity(pid).Append(snap)
	}
	return nil
}
