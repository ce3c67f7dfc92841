//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hubblo-org/scaphandre/pkg/attribution"
	"github.com/hubblo-org/scaphandre/pkg/bridge"
	"github.com/hubblo-org/scaphandre/pkg/classifier"
	"github.com/hubblo-org/scaphandre/pkg/config"
	"github.com/hubblo-org/scaphandre/pkg/errs"
	"github.com/hubblo-org/scaphandre/pkg/hostproc"
	"github.com/hubblo-org/scaphandre/pkg/sampler"
	"github.com/hubblo-org/scaphandre/pkg/sensor"
	"github.com/hubblo-org/scaphandre/pkg/topology"
)

func main() {
	root := &cobra.Command{
		Use:   "scaphandre",
		Short: "Host-resident electrical energy and power metrology agent",
		Long: `scaphandre reads hardware energy counters, attributes host power to
running processes by CPU busy-time share, and prints a continuous stream of
metrics to the terminal. Point it at a guest's mirror directory with
--counter-source mirror to run the guest side of the Hypervisor-to-Guest
Bridge instead of reading hardware counters directly; pass --bridge on the
host side to publish per-VM mirror directories for guests to read.`,
		SilenceUsage: true,
	}
	config.RegisterFlags(root)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a startup failure to a process exit code an operator's
// tooling can branch on (spec §6): permission and missing-counter failures
// are distinguished from a generic error since they point an operator at
// two different remediations.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errs.PermissionDenied):
		return 2
	case errors.Is(err, errs.NoCounterAvailable):
		return 3
	default:
		return 1
	}
}

// run wires the full pipeline — Counter Source, process-activity reader,
// Sampler, Classifier, Attribution Engine and, optionally, the Bridge — and
// drives it on a ticker, grounded on the teacher's run() loop shape
// (cmd/consumption/main.go: signal.NotifyContext + time.Ticker + select).
func run(cmd *cobra.Command) error {
	v, err := config.BindViper(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(v)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	source, err := sensor.New(cfg.CounterSource, sensor.Config{
		FileTreeRoot:       cfg.FileTreeRoot,
		RegisterCPUIDs:     cfg.RegisterCPUIDs,
		RegisterDevicePath: cfg.RegisterDevicePath,
		MirrorRoot:         cfg.MirrorRoot,
	})
	if err != nil {
		return err
	}

	reader, err := hostproc.NewReader(cfg.ProcMount)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := source.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover counters: %w", err)
	}
	cpuToSocket, err := reader.CPUTopology()
	if err != nil {
		return fmt.Errorf("discover cpu topology: %w", err)
	}

	topo, err := topology.New(entries, cpuToSocket, cfg.Budgets)
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}
	defer func() {
		for _, sock := range topo.Sockets() {
			for _, d := range sock.Domains() {
				_ = d.Handle().Release()
			}
		}
		if p := topo.PlatformDomain(); p != nil {
			_ = p.Handle().Release()
		}
		if c, ok := source.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	samp := sampler.New(source, reader, logger)

	var class classifier.Classifier
	if cfg.ClassifierEnabled {
		class = classifier.NewCaching(classifier.Chain{classifier.VM{}, classifier.Container{}})
	}
	engine := attribution.New(class, logger)

	topo.Configure(samp.Run, engine.BuildMetricSet)

	var mirror *bridge.Writer
	if cfg.BridgeEnabled {
		mirror = bridge.NewWriter(cfg.BridgeBaseDir, logger)
	}

	tw := newTable()
	printTableHeader(tw)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scaphandre: shutting down")
			return nil
		case <-ticker.C:
			now := time.Now()
			metrics, err := topo.SnapshotMetrics(now)
			if err != nil {
				logger.Error().Err(err).Msg("scaphandre: measurement pass failed")
				continue
			}
			if mirror != nil {
				if err := mirror.Update(topo, now); err != nil {
					logger.Warn().Err(err).Msg("scaphandre: bridge update failed")
				}
			}
			printTableRows(tw, metrics)
		}
	}
}

func newLogger(level string) zerolog.Logger {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(l).With().Timestamp().Logger()
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func printTableHeader(tw *tabwriter.Writer) {
	fmt.Fprintln(tw, "TIME\tMETRIC\tLABELS\tVALUE\tKIND")
	fmt.Fprintln(tw, "----\t------\t------\t-----\t----")
	tw.Flush()
}

// printTableRows renders one row per metric, adapted from the teacher's
// fixed-column printTableRow into a variable-label row since Metric carries
// an open-ended label set rather than the teacher's fixed per-process
// columns.
func printTableRows(tw *tabwriter.Writer, metrics []topology.Metric) {
	for _, m := range metrics {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\n",
			m.Timestamp.Format("2006-01-02 15:04:05"), m.Name, formatLabels(m.Labels), m.Value, m.Kind)
	}
	tw.Flush()
}

func formatLabels(labels []topology.Label) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += ","
		}
		out += l.Key + "=" + l.Value
	}
	return out
}
