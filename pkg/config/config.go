// Package config binds the core's runtime parameters to cobra flags and
// viper-layered configuration (flag > environment > default), grounded on
// the teacher's cobra.Command/Flags() pattern (cmd/consumption/main.go)
// extended with spf13/viper so every flag also has an environment-variable
// override under the SCAPHANDRE_ prefix (spec §6).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hubblo-org/scaphandre/pkg/sensor"
	"github.com/hubblo-org/scaphandre/pkg/topology"
)

// EnvPrefix is the environment-variable prefix viper binds every flag
// under, plus the literal SCAPHANDRE_POWERCAP_PATH override spec §6
// requires for guest-mode deployments.
const EnvPrefix = "SCAPHANDRE"

// PowercapPathEnvVar overrides MirrorRoot when running as a guest (spec §6).
const PowercapPathEnvVar = "SCAPHANDRE_POWERCAP_PATH"

// Config is the fully resolved set of parameters the composition root in
// cmd/scaphandre needs to build a Sampler, Attribution Engine and,
// optionally, a Bridge writer.
type Config struct {
	// Sampling
	Interval time.Duration

	// Counter Source selection (spec §4.1, §9 "selected once at startup")
	CounterSource      sensor.Kind
	FileTreeRoot       string
	RegisterCPUIDs     []int
	RegisterDevicePath string
	MirrorRoot         string

	// Process activity source
	ProcMount string

	// Ring-buffer budgets and process eviction horizon (spec §3 invariant 3, §9)
	Budgets topology.Budgets

	// Classifier (spec §4.4 "optional")
	ClassifierEnabled bool

	// Bridge (spec §4.5, host side only)
	BridgeEnabled bool
	BridgeBaseDir string

	// Logging
	LogLevel string
}

// RegisterFlags declares every flag on cmd, mirroring the teacher's flat
// Flags() call sequence. Call BindViper afterward to layer in environment
// overrides before resolving a Config.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("interval", time.Second, "sampling interval between measurement passes")
	f.String("counter-source", string(sensor.FileTreeKind), "counter source: filetree, register, or mirror")
	f.String("filetree-root", sensor.DefaultFileTreeRoot, "root of the powercap-style pseudo-filesystem (filetree source)")
	f.IntSlice("register-cpus", nil, "logical CPU ids to read via MSR (register source)")
	f.String("register-device-path", "", "msr device path used verbatim for every CPU instead of /dev/cpu/%d/msr (register source)")
	f.String("mirror-root", "", "root of a bridge-written mirror directory (mirror source, guest mode)")
	f.String("proc-mount", "", "proc filesystem mount point (default /proc)")

	f.Int("socket-energy-budget-bytes", topology.DefaultBudgets().SocketEnergyBytes, "byte budget for each socket's energy ring buffer")
	f.Int("domain-energy-budget-bytes", topology.DefaultBudgets().DomainEnergyBytes, "byte budget for each domain's energy ring buffer")
	f.Int("host-activity-budget-bytes", topology.DefaultBudgets().HostCPUActivityBytes, "byte budget for the host CPU-activity ring buffer")
	f.Int("socket-activity-budget-bytes", topology.DefaultBudgets().SocketCPUActivityBytes, "byte budget for each socket's CPU-activity ring buffer")
	f.Int("process-activity-budget-bytes", topology.DefaultBudgets().ProcessActivityBytes, "byte budget for each process's activity ring buffer")
	f.Duration("process-horizon", topology.DefaultBudgets().ProcessHorizon, "drop a process's ring buffer once its newest record is older than this")

	f.Bool("classifier", true, "attach VM/container identity labels to per-process metrics")

	f.Bool("bridge", false, "run the host-side Hypervisor-to-Guest Bridge, publishing per-VM mirror directories")
	f.String("bridge-base-dir", "", "root directory the bridge writes per-VM mirror trees under")

	f.String("log-level", "info", "zerolog level: debug, info, warn, error")
}

// BindViper layers environment-variable overrides (SCAPHANDRE_<FLAG_NAME>)
// on top of cmd's flags, without requiring a config file (none is specified
// by spec §6's external interfaces).
func BindViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}
	return v, nil
}

// Resolve builds a Config from a viper instance that has already had
// BindViper applied. PowercapPathEnvVar, read directly rather than through
// viper's generic env binding, takes precedence over --mirror-root per
// spec §6: it exists specifically so a guest's deployment tooling can set
// one variable without knowing the flag surface.
func Resolve(v *viper.Viper) (*Config, error) {
	interval := v.GetDuration("interval")
	if interval <= 0 {
		return nil, fmt.Errorf("config: interval must be > 0")
	}

	mirrorRoot := v.GetString("mirror-root")
	if override, ok := os.LookupEnv(PowercapPathEnvVar); ok {
		mirrorRoot = override
	}

	cfg := &Config{
		Interval:           interval,
		CounterSource:      sensor.Kind(v.GetString("counter-source")),
		FileTreeRoot:       v.GetString("filetree-root"),
		RegisterCPUIDs:     v.GetIntSlice("register-cpus"),
		RegisterDevicePath: v.GetString("register-device-path"),
		MirrorRoot:         mirrorRoot,
		ProcMount:          v.GetString("proc-mount"),
		Budgets: topology.Budgets{
			SocketEnergyBytes:      v.GetInt("socket-energy-budget-bytes"),
			DomainEnergyBytes:      v.GetInt("domain-energy-budget-bytes"),
			HostCPUActivityBytes:   v.GetInt("host-activity-budget-bytes"),
			SocketCPUActivityBytes: v.GetInt("socket-activity-budget-bytes"),
			ProcessActivityBytes:   v.GetInt("process-activity-budget-bytes"),
			ProcessHorizon:         v.GetDuration("process-horizon"),
		},
		ClassifierEnabled: v.GetBool("classifier"),
		BridgeEnabled:     v.GetBool("bridge"),
		BridgeBaseDir:     v.GetString("bridge-base-dir"),
		LogLevel:          v.GetString("log-level"),
	}

	switch cfg.CounterSource {
	case sensor.FileTreeKind, sensor.RegisterKind, sensor.MirrorKind:
	default:
		return nil, fmt.Errorf("config: unknown counter-source %q", cfg.CounterSource)
	}
	if cfg.BridgeEnabled && cfg.BridgeBaseDir == "" {
		return nil, fmt.Errorf("config: --bridge requires --bridge-base-dir")
	}

	return cfg, nil
}
