package topology

import "github.com/hubblo-org/scaphandre/internal/ringbuffer"

// Socket is a physical CPU package, identified by the OS-assigned integer
// (spec §3). Its structure — which logical CPUs and Domains belong to it —
// is immutable after topology discovery; only its ring buffers mutate
// afterward, and only the Sampler mutates them.
type Socket struct {
	ID      int
	CPUs    []int
	domains []*Domain

	energy      *ringbuffer.Buffer[EnergyRecord]
	cpuActivity *ringbuffer.Buffer[CPUActivitySnapshot]
}

func newSocket(id int, cpus []int, energyBudgetBytes, activityBudgetBytes int) *Socket {
	return &Socket{
		ID:          id,
		CPUs:        cpus,
		energy:      ringbuffer.New[EnergyRecord](energyBudgetBytes, energyRecordSize),
		cpuActivity: ringbuffer.New[CPUActivitySnapshot](activityBudgetBytes, cpuActivitySnapshotSize),
	}
}

// Domains returns the Domains owned by this Socket, in discovery order.
func (s *Socket) Domains() []*Domain { return s.domains }

// Domain returns the Domain with the given canonical name attached to this
// socket, or nil if none exists (e.g. a platform exposing no uncore
// breakdown).
func (s *Socket) Domain(name DomainName) *Domain {
	for _, d := range s.domains {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// EnergyRecords returns the socket-level energy ring buffer. The Sampler
// populates it from the socket's "package" domain reading: on platforms
// exposing only a socket aggregate, that is the sole Domain attached to the
// socket, so the socket-level view and the package-domain view carry
// identical records (see DESIGN.md's note on this ring buffer's sourcing).
func (s *Socket) EnergyRecords() *ringbuffer.Buffer[EnergyRecord] { return s.energy }

// CPUActivity returns the socket-level CPU-activity ring buffer.
func (s *Socket) CPUActivity() *ringbuffer.Buffer[CPUActivitySnapshot] { return s.cpuActivity }
