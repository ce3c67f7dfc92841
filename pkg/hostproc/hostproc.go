// Package hostproc reads the kernel-provided aggregate and per-process
// activity counters the Sampler needs (spec §4.3 steps b and c), on top of
// github.com/prometheus/procfs rather than hand-rolled /proc parsing
// (grounded on the teacher's pkg/system/proc, generalized to the wider
// ecosystem library the rest of the pack's node-metrics tooling uses for
// the same job).
package hostproc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/procfs"

	"github.com/hubblo-org/scaphandre/pkg/errs"
	"github.com/hubblo-org/scaphandre/pkg/topology"
)

// Reader wraps a procfs.FS rooted at a /proc mount (normally the real one;
// tests point it at a fixture directory).
type Reader struct {
	fs procfs.FS

	bootTime    time.Time
	bootTimeOK  bool
	clockTickHz float64
}

// NewReader opens a Reader rooted at mountPoint. An empty mountPoint uses
// the default "/proc".
func NewReader(mountPoint string) (*Reader, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errs.NewDiagnostic(errs.NoCounterAvailable, mountPoint, errs.RemediationUnknown)
	}
	return &Reader{fs: fs, clockTickHz: 100}, nil
}

// HostActivity reads /proc/stat's aggregate "cpu" line, stamped now.
func (r *Reader) HostActivity(now time.Time) (topology.CPUActivitySnapshot, error) {
	stat, err := r.fs.Stat()
	if err != nil {
		return topology.CPUActivitySnapshot{}, fmt.Errorf("%w: read host cpu stat: %v", errs.Transient, err)
	}
	return cpuStatToSnapshot(stat.CPUTotal, now), nil
}

// SocketActivity aggregates the per-logical-CPU "cpuN" lines belonging to
// one socket into a single snapshot, stamped now.
func (r *Reader) SocketActivity(logicalCPUs []int, now time.Time) (topology.CPUActivitySnapshot, error) {
	stat, err := r.fs.Stat()
	if err != nil {
		return topology.CPUActivitySnapshot{}, fmt.Errorf("%w: read per-cpu stat: %v", errs.Transient, err)
	}
	return aggregateCPUs(stat.CPU, logicalCPUs, now), nil
}

// aggregateCPUs sums the per-logical-CPU lines listed in logicalCPUs into
// one snapshot stamped now, skipping any id the kernel did not report.
func aggregateCPUs(perCPU map[int64]procfs.CPUStat, logicalCPUs []int, now time.Time) topology.CPUActivitySnapshot {
	var agg topology.CPUActivitySnapshot
	for _, cpu := range logicalCPUs {
		line, ok := perCPU[int64(cpu)]
		if !ok {
			continue
		}
		s := cpuStatToSnapshot(line, now)
		agg.User += s.User
		agg.Nice += s.Nice
		agg.System += s.System
		agg.Idle += s.Idle
		agg.Iowait += s.Iowait
		agg.IRQ += s.IRQ
		agg.SoftIRQ += s.SoftIRQ
		agg.Steal += s.Steal
		agg.Guest += s.Guest
		agg.GuestNice += s.GuestNice
	}
	agg.Timestamp = now
	return agg
}

func cpuStatToSnapshot(c procfs.CPUStat, now time.Time) topology.CPUActivitySnapshot {
	return topology.CPUActivitySnapshot{
		User:      uint64(c.User),
		Nice:      uint64(c.Nice),
		System:    uint64(c.System),
		Idle:      uint64(c.Idle),
		Iowait:    uint64(c.Iowait),
		IRQ:       uint64(c.IRQ),
		SoftIRQ:   uint64(c.SoftIRQ),
		Steal:     uint64(c.Steal),
		Guest:     uint64(c.Guest),
		GuestNice: uint64(c.GuestNice),
		Timestamp: now,
	}
}

// EnumeratePIDs lists every process id currently visible under the procfs
// mount, for the Sampler's per-process enumeration step (spec §4.3c).
func (r *Reader) EnumeratePIDs() ([]int, error) {
	procs, err := r.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate processes: %v", errs.Transient, err)
	}
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.PID)
	}
	return pids, nil
}

// ProcessActivity reads one process's cumulative busy-CPU counters plus
// its metadata cache (executable basename, sanitized cmdline, start
// time), stamped now. A process that has exited since EnumeratePIDs
// returns errs.Transient; the Sampler's failure policy is to skip it for
// this pass (spec §7).
func (r *Reader) ProcessActivity(pid int, now time.Time) (topology.ProcessActivitySnapshot, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return topology.ProcessActivitySnapshot{}, fmt.Errorf("%w: open proc %d: %v", errs.Transient, pid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		return topology.ProcessActivitySnapshot{}, fmt.Errorf("%w: stat proc %d: %v", errs.Transient, pid, err)
	}

	cmdline, err := proc.CmdLine()
	if err != nil {
		cmdline = nil // kernel threads and some short-lived processes expose no cmdline; not fatal
	}

	startTime, err := r.procStartTime(stat)
	if err != nil {
		return topology.ProcessActivitySnapshot{}, fmt.Errorf("%w: boot-relative start time for proc %d: %v", errs.Transient, pid, err)
	}

	return topology.ProcessActivitySnapshot{
		PID:       pid,
		Busy:      uint64(stat.UTime) + uint64(stat.STime),
		Timestamp: now,
		Metadata: topology.ProcessMetadata{
			ExeBasename: stat.Comm,
			CmdLine:     topology.SanitizeCmdLine(joinCmdLine(cmdline)),
			StartTime:   startTime,
		},
	}, nil
}

// CPUTopology maps every logical CPU reported by /proc/cpuinfo to its
// owning physical socket id, for topology.New's cpuToSocket parameter. A
// platform that reports no physical id for a logical CPU (some ARM/virtual
// platforms) is folded onto socket 0, since a single-socket machine is the
// overwhelmingly common case where this happens.
func (r *Reader) CPUTopology() (map[int]int, error) {
	infos, err := r.fs.CPUInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: read cpuinfo: %v", errs.Transient, err)
	}
	return cpuInfosToTopology(infos), nil
}

func cpuInfosToTopology(infos []procfs.CPUInfo) map[int]int {
	out := make(map[int]int, len(infos))
	for _, info := range infos {
		socketID := 0
		if info.PhysicalID != "" {
			if id, err := strconv.Atoi(info.PhysicalID); err == nil {
				socketID = id
			}
		}
		out[int(info.Processor)] = socketID
	}
	return out
}

func joinCmdLine(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += "\x00"
		}
		out += a
	}
	return out
}

// procStartTime converts ProcStat's boot-relative Starttime (clock ticks
// since boot) into a wall-clock time.Time, using the host's boot time
// (read once from /proc/stat's btime line and cached) and the clock-tick
// rate (USER_HZ; Linux has fixed this at 100 on every modern general
// purpose kernel, the same assumption the teacher's ClockTicks documents).
func (r *Reader) procStartTime(stat procfs.ProcStat) (time.Time, error) {
	if !r.bootTimeOK {
		hostStat, err := r.fs.Stat()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: read boot time: %v", errs.Transient, err)
		}
		r.bootTime = time.Unix(int64(hostStat.BootTime), 0)
		r.bootTimeOK = true
	}
	offset := time.Duration(float64(stat.Starttime) / r.clockTickHz * float64(time.Second))
	return r.bootTime.Add(offset), nil
}
