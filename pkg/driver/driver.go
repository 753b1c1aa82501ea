// Package driver defines the contract between the packet I/O manager and
// a NIC/GPU backend: ports with RX and TX queues, GPUs with memory and
// streams, and the receive and send kernel launches.
package driver

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/flow"
	"github.com/psaab/gpunetio/pkg/semaphore"
)

// ErrUnknownBackend is returned by Open for an unregistered backend name.
var ErrUnknownBackend = errors.New("unknown driver backend")

// Options are passed to a backend constructor.
type Options struct {
	// Loopback delivers transmitted frames back to the sending port's
	// receive side. Backends that cannot loop back ignore it.
	Loopback bool
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func(Options) (Driver, error){}
)

// RegisterBackend registers a driver constructor under name. Backend
// packages call it from init().
func RegisterBackend(name string, ctor func(Options) (Driver, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open creates a driver of the named backend.
func Open(name string, opts Options) (Driver, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (valid: %s)", ErrUnknownBackend, name,
			strings.Join(Backends(), ", "))
	}
	return ctor(opts)
}

// Driver is an opened backend.
type Driver interface {
	Name() string
	// OpenPort opens the NIC at address (PCI BDF or netdev name) and
	// assigns it the port id.
	OpenPort(id uint16, address string) (Port, error)
	OpenGPU(id int) (GPU, error)
	Close() error
}

// Stream priorities. Lower values are scheduled first.
const (
	StreamPriorityHigh   = -1
	StreamPriorityNormal = 0
)

// GPU is an opened GPU device.
type GPU interface {
	ID() int
	// Alloc reserves size bytes of memory of the given kind, mapped for
	// both the GPU and the NIC.
	Alloc(kind config.MemoryKind, size int) (Region, error)
	NewStream(priority int) (Stream, error)
	Close() error
}

// Region is a block of packet buffer memory.
type Region interface {
	Addr() uintptr
	Size() int
	Kind() config.MemoryKind
	// View returns a CPU-accessible view of n bytes at addr, which must
	// lie inside the region.
	View(addr uintptr, n int) ([]byte, error)
	Free() error
}

// QueueConfig describes the buffers backing an RX or TX queue.
type QueueConfig struct {
	ID         uint16
	GPU        GPU
	Region     Region
	NumBuffers int
	BufferSize int
}

// Port is an opened NIC port.
type Port interface {
	ID() uint16
	Address() string
	HardwareAddr() net.HardwareAddr
	CreateRxQueue(cfg QueueConfig) (RxQueue, error)
	CreateTxQueue(cfg QueueConfig) (TxQueue, error)
	// Steerer returns the port's flow steering target.
	Steerer() flow.Steerer
	Start() error
	Stats() PortStats
	Close() error
}

// PortStats are hardware counters of a port.
type PortStats struct {
	RxPackets   uint64
	RxBytes     uint64
	RxMissed    uint64 // no free receive buffer
	RxUnsteered uint64 // no steering rule matched
	TxPackets   uint64
	TxBytes     uint64
}

// RxQueue is a hardware receive queue.
type RxQueue interface {
	ID() uint16
	Close() error
}

// TxQueue is a hardware send queue.
type TxQueue interface {
	ID() uint16
	// Progress polls the completion queue and returns the number of
	// completions consumed.
	Progress() int
	Close() error
}

// ReceiveLaunch is the argument block of the persistent receive kernel.
// Queues, Semaphores and BatchSize are parallel slices. The kernel runs
// until Exit is set.
type ReceiveLaunch struct {
	Queues     []RxQueue
	Semaphores []*semaphore.Ring
	BatchSize  []int
	Exit       *atomic.Bool
}

// SendLaunch is the argument block of one send kernel. The driver copies
// what it needs before LaunchSend returns; Lens may be reused afterwards.
type SendLaunch struct {
	Queue      TxQueue
	FirstAddr  uintptr // base of the queue's buffer region
	Pkt0Idx    uint32
	NumBuffers uint32
	BufferSize uint32
	NumPkts    uint32
	Lens       []uint32
	// Completion asks the queue to report a completion for this launch.
	Completion bool
}

// Stream is an ordered GPU work queue.
type Stream interface {
	LaunchReceive(l *ReceiveLaunch) error
	LaunchSend(l *SendLaunch) error
	// Synchronize blocks until all work launched on the stream finished.
	Synchronize() error
	Close() error
}
