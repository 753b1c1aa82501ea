// Package gpunet is the GPU packet I/O manager. It configures NIC queues
// and flow steering through a driver backend, runs the RX and TX workers
// that bridge GPU kernels and CPU rings, and exposes the burst API used
// by applications to consume received packets and submit packets for
// transmission.
package gpunet

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/psaab/gpunetio/pkg/burst"
	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/flow"
	"github.com/psaab/gpunetio/pkg/semaphore"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Manager owns the configured ports, queues, rings and workers.
type Manager struct {
	drv driver.Driver

	mu     sync.Mutex // serializes Initialize and Shutdown
	state  atomic.Int32
	cfg    *config.Config
	limits config.Limits

	ports  []*port
	gpus   map[int]driver.GPU
	rxq    map[burst.QueueKey]*rxQueue
	txq    map[burst.QueueKey]*txQueue
	rxList []*rxQueue // configuration order
	txList []*txQueue
	rxPool *burst.Pool
	txPool *burst.Pool

	// cleanup holds release functions in acquisition order.
	cleanup []func() error

	stats Stats
	quit  atomic.Bool
	done  chan struct{}
	once  sync.Once // closes done
	wg    sync.WaitGroup

	shutdownOnce sync.Once

	errMu sync.Mutex
	err   error
}

type port struct {
	id      uint16
	name    string
	address string
	dev     driver.Port
	mac     net.HardwareAddr
	program *flow.Program
}

// regionLayout is a memory region resolved for one queue.
type regionLayout struct {
	name       string
	kind       config.MemoryKind
	gpu        int
	numBuffers int
	bufferSize int
}

type rxQueue struct {
	key    burst.QueueKey
	name   string
	cpu    int
	batch  int
	layout regionLayout
	region driver.Region
	hw     driver.RxQueue
	sem    *semaphore.Ring
	ring   *burst.Ring

	packets atomic.Uint64
	bytes   atomic.Uint64
	batches atomic.Uint64
	dropped atomic.Uint64
}

type txQueue struct {
	key    burst.QueueKey
	name   string
	cpu    int
	batch  int
	layout regionLayout
	region driver.Region
	hw     driver.TxQueue
	ring   *burst.Ring

	bufIdx atomic.Uint32 // next TX buffer, modulo layout.numBuffers
	posted atomic.Int64  // completions requested and not yet consumed; raised before the launch

	packets atomic.Uint64
	bytes   atomic.Uint64
	batches atomic.Uint64
}

// progress consumes completions reported by the hardware queue.
func (q *txQueue) progress() {
	if n := q.hw.Progress(); n > 0 {
		q.posted.Add(-int64(n))
	}
}

// New creates a Manager that drives drv.
func New(drv driver.Driver) *Manager {
	return &Manager{
		drv:  drv,
		gpus: make(map[int]driver.GPU),
		rxq:  make(map[burst.QueueKey]*rxQueue),
		txq:  make(map[burst.QueueKey]*txQueue),
		done: make(chan struct{}),
	}
}

// Running reports whether the manager is initialized and not shut down.
func (m *Manager) Running() bool {
	return m.state.Load() == stateRunning
}

// Done is closed when the workers are told to stop, either by Shutdown
// or by a runtime failure.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the runtime failure that stopped the workers, if any.
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Config returns the configuration the manager was initialized with.
func (m *Manager) Config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) raiseQuit() {
	m.quit.Store(true)
	m.once.Do(func() { close(m.done) })
}

// fail records the first runtime error and stops all workers.
func (m *Manager) fail(err error) {
	m.errMu.Lock()
	first := m.err == nil
	if first {
		m.err = err
	}
	m.errMu.Unlock()
	if first {
		slog.Error("gpunet runtime failure, stopping workers", "err", err)
	}
	m.raiseQuit()
}

// Shutdown stops the workers, waits for them and releases every queue,
// GPU and port. It is safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		slog.Info("gpunet manager shutting down")
		m.mu.Lock()
		defer m.mu.Unlock()

		running := m.state.Load() == stateRunning
		if running {
			m.PrintStats()
		}
		m.raiseQuit()
		slog.Info("waiting for workers")
		m.wg.Wait()
		m.release()
		m.state.Store(stateStopped)
		if running {
			slog.Info("gpunet manager stopped",
				"rx_packets", m.stats.RxPackets.Load(),
				"tx_packets", m.stats.TxPackets.Load())
		}
	})
}

// release runs the cleanup functions in reverse acquisition order.
func (m *Manager) release() {
	for i := len(m.cleanup) - 1; i >= 0; i-- {
		if err := m.cleanup[i](); err != nil {
			slog.Warn("release failed", "err", err)
		}
	}
	m.cleanup = nil
}

func (m *Manager) onRelease(f func() error) {
	m.cleanup = append(m.cleanup, f)
}

// QueueInfo describes one configured queue.
type QueueInfo struct {
	Port       uint16 `json:"port"`
	Queue      uint16 `json:"queue"`
	Name       string `json:"name"`
	Direction  string `json:"direction"`
	CPUCore    int    `json:"cpu_core"`
	GPU        int    `json:"gpu"`
	BatchSize  int    `json:"batch_size"`
	Region     string `json:"memory_region"`
	MemoryKind string `json:"memory_kind"`
	Buffers    int    `json:"buffers"`
	BufferSize int    `json:"buffer_size"`
	RingLen    int    `json:"ring_len"`
	RingCap    int    `json:"ring_cap"`
	Packets    uint64 `json:"packets"`
	Bytes      uint64 `json:"bytes"`
	Batches    uint64 `json:"batches"`
	Dropped    uint64 `json:"dropped,omitempty"`
	// PostedCompletions is the number of outstanding TX completions.
	PostedCompletions int64 `json:"posted_completions,omitempty"`
}

// Queues returns all configured queues, RX first, in configuration order.
func (m *Manager) Queues() []QueueInfo {
	if m.state.Load() == stateIdle {
		return nil
	}
	var out []QueueInfo
	for _, q := range m.rxList {
		out = append(out, QueueInfo{
			Port:       q.key.Port,
			Queue:      q.key.Queue,
			Name:       q.name,
			Direction:  "rx",
			CPUCore:    q.cpu,
			GPU:        q.layout.gpu,
			BatchSize:  q.batch,
			Region:     q.layout.name,
			MemoryKind: q.layout.kind.String(),
			Buffers:    q.layout.numBuffers,
			BufferSize: q.layout.bufferSize,
			RingLen:    q.ring.Len(),
			RingCap:    q.ring.Cap(),
			Packets:    q.packets.Load(),
			Bytes:      q.bytes.Load(),
			Batches:    q.batches.Load(),
			Dropped:    q.dropped.Load(),
		})
	}
	for _, q := range m.txList {
		out = append(out, QueueInfo{
			Port:              q.key.Port,
			Queue:             q.key.Queue,
			Name:              q.name,
			Direction:         "tx",
			CPUCore:           q.cpu,
			GPU:               q.layout.gpu,
			BatchSize:         q.batch,
			Region:            q.layout.name,
			MemoryKind:        q.layout.kind.String(),
			Buffers:           q.layout.numBuffers,
			BufferSize:        q.layout.bufferSize,
			RingLen:           q.ring.Len(),
			RingCap:           q.ring.Cap(),
			Packets:           q.packets.Load(),
			Bytes:             q.bytes.Load(),
			Batches:           q.batches.Load(),
			PostedCompletions: q.posted.Load(),
		})
	}
	return out
}

// InterfaceInfo describes one configured port.
type InterfaceInfo struct {
	ID       uint16           `json:"id"`
	Name     string           `json:"name"`
	Address  string           `json:"address"`
	MAC      string           `json:"mac"`
	RxQueues int              `json:"rx_queues"`
	TxQueues int              `json:"tx_queues"`
	Flows    []FlowInfo       `json:"flows,omitempty"`
	Counters driver.PortStats `json:"counters"`
}

// FlowInfo is one root steering entry of a port.
type FlowInfo struct {
	Priority int    `json:"priority"`
	Match    string `json:"match"`
	Target   string `json:"target"`
}

// Interfaces returns the configured ports ordered by id.
func (m *Manager) Interfaces() []InterfaceInfo {
	if m.state.Load() == stateIdle {
		return nil
	}
	rxCount := make(map[uint16]int)
	for _, q := range m.rxList {
		rxCount[q.key.Port]++
	}
	txCount := make(map[uint16]int)
	for _, q := range m.txList {
		txCount[q.key.Port]++
	}

	out := make([]InterfaceInfo, 0, len(m.ports))
	for _, p := range m.ports {
		info := InterfaceInfo{
			ID:       p.id,
			Name:     p.name,
			Address:  p.address,
			MAC:      p.mac.String(),
			RxQueues: rxCount[p.id],
			TxQueues: txCount[p.id],
		}
		if m.state.Load() == stateRunning {
			info.Counters = p.dev.Stats()
		}
		if p.program != nil {
			for _, e := range p.program.Root {
				info.Flows = append(info.Flows, FlowInfo{
					Priority: e.Priority,
					Match:    e.Match.String(),
					Target:   e.Fwd.String(),
				})
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
