package topology

import (
	"strings"
	"time"
)

// ProcessMetadata is the lightweight, cacheable description of a process
// that the Attribution Engine attaches as labels to a process.power.microwatts
// metric (spec §3).
type ProcessMetadata struct {
	ExeBasename string
	CmdLine     string // NUL separators sanitized to ASCII space
	StartTime   time.Time
}

// SanitizeCmdLine replaces /proc/<pid>/cmdline's NUL argument separators
// with ASCII spaces, as spec §3 requires for ProcessActivitySnapshot's
// metadata cache.
func SanitizeCmdLine(raw string) string {
	return strings.Map(func(r rune) rune {
		if r == 0 {
			return ' '
		}
		return r
	}, strings.TrimRight(raw, "\x00"))
}

// ProcessActivitySnapshot is one sample of a process's cumulative busy CPU
// counter, with its metadata cache attached (spec §3). A process that
// disappears between passes simply stops receiving new snapshots; its old
// ones remain until the ring buffer evicts them (spec §8 scenario C).
type ProcessActivitySnapshot struct {
	PID       int
	Busy      uint64 // accumulated user + system ticks
	Timestamp time.Time
	Metadata  ProcessMetadata
}

func processActivitySnapshotSize(s ProcessActivitySnapshot) int {
	return 64 + len(s.Metadata.ExeBasename) + len(s.Metadata.CmdLine)
}
