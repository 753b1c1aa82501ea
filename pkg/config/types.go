package config

import "net/netip"

// Config is the top-level typed configuration, compiled from the AST.
type Config struct {
	System        SystemConfig
	MemoryRegions map[string]*MemoryRegionConfig
	Interfaces    []*InterfaceConfig // declaration order; port ids follow it
	Warnings      []string           // non-fatal validation warnings
}

// Backend names accepted in system { backend <name>; }.
const (
	BackendEmulated = "emulated" // default
	BackendDOCA     = "doca"
)

// SystemConfig holds daemon-wide settings.
type SystemConfig struct {
	Backend string
	// SteeringMapDir is the bpffs directory in which explicit flow rules
	// are mirrored into a pinned map. Empty disables the mirror.
	SteeringMapDir string
	// Loopback makes the emulated backend deliver transmitted frames back
	// into the receive side of the same port.
	Loopback bool
	Syslog   []*SyslogHost
	Limits   Limits
}

// SyslogHost is a remote syslog destination.
type SyslogHost struct {
	Address  string
	Port     int
	Severity string // error, warning, info; empty = everything
}

// Limits bounds resource usage of the packet I/O manager.
type Limits struct {
	RxRingSize            int // bursts per RX ring
	TxRingSize            int // bursts per TX ring
	RxBurstPool           int // RX burst descriptors
	TxBurstPool           int // TX burst descriptors
	SemaphoresPerQueue    int // semaphore slots per RX queue
	MaxBuffers            int // cap on buffers per queue (power of two)
	MaxBufferSize         int // cap on buffer size in bytes (power of two)
	LargePacketSize       int // buffers above this size ...
	LargePacketBuffers    int // ... are limited to this many (power of two)
	MaxDefaultQueues      int // upper bound (exclusive) on default RSS fan-out
	TxCompletionThreshold int // outstanding TX completions before a queue is skipped
	TxCompletionInterval  int // packets between requested TX completions
}

// DefaultLimits returns the limits used when the configuration omits them.
func DefaultLimits() Limits {
	return Limits{
		RxRingSize:            2048,
		TxRingSize:            2048,
		RxBurstPool:           (1 << 6) - 1,
		TxBurstPool:           (1 << 7) - 1,
		SemaphoresPerQueue:    4096,
		MaxBuffers:            1 << 16,
		MaxBufferSize:         1 << 14,
		LargePacketSize:       8192,
		LargePacketBuffers:    1 << 14,
		MaxDefaultQueues:      32,
		TxCompletionThreshold: 4,
		TxCompletionInterval:  2048,
	}
}

// MemoryKind is where a memory region's buffers live.
type MemoryKind int

const (
	MemoryDevice     MemoryKind = iota // GPU device memory
	MemoryHostPinned                   // pinned host memory mapped into the GPU
	MemoryHost                         // pageable host memory
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryDevice:
		return "device"
	case MemoryHostPinned:
		return "host-pinned"
	case MemoryHost:
		return "host"
	default:
		return "unknown"
	}
}

// MemoryRegionConfig describes a pool of fixed-size packet buffers.
type MemoryRegionConfig struct {
	Name       string
	Kind       MemoryKind
	Affinity   int // GPU id
	NumBuffers int
	BufferSize int
}

// InterfaceConfig is one NIC port.
type InterfaceConfig struct {
	Name     string
	Address  string // PCI address or netdev name
	RxQueues []*QueueConfig
	TxQueues []*QueueConfig
	Flows    []*FlowConfig
}

// QueueConfig is one RX or TX queue of an interface.
type QueueConfig struct {
	Name          string
	ID            uint16
	CPUCore       int // -1 = not pinned
	BatchSize     int
	MemoryRegions []string
}

// FlowConfig steers matching packets to an RX queue.
type FlowConfig struct {
	Name  string
	ID    int
	Match FlowMatch
	Queue uint16
}

// FlowMatch is the match part of a flow. Zero values match anything.
type FlowMatch struct {
	Protocol           string // udp, tcp
	SourcePort         uint16
	DestinationPort    uint16
	SourceAddress      netip.Prefix
	DestinationAddress netip.Prefix
}

// FindInterface returns the interface with the given name, or nil.
func (c *Config) FindInterface(name string) *InterfaceConfig {
	for _, ifc := range c.Interfaces {
		if ifc.Name == name {
			return ifc
		}
	}
	return nil
}
