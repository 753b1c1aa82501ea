package gpunet

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sort"

	"github.com/psaab/gpunetio/pkg/burst"
	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/flow"
	"github.com/psaab/gpunetio/pkg/semaphore"
)

// SetConfigAndInitialize validates cfg, configures the hardware and
// starts the workers. It returns false on any failure, after logging
// it. Calling it on an initialized manager is a no-op.
func (m *Manager) SetConfigAndInitialize(cfg *config.Config) bool {
	if m.state.Load() == stateRunning {
		slog.Info("gpunet manager already initialized")
		return true
	}
	if err := m.Initialize(cfg); err != nil {
		slog.Error("gpunet initialization failed", "err", err)
		return false
	}
	return true
}

// Initialize validates cfg, configures ports, GPUs, queues and flow
// steering, allocates the burst pools and rings, and starts the workers.
// On failure everything acquired so far is released.
func (m *Manager) Initialize(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Load() {
	case stateRunning:
		return fmt.Errorf("gpunet manager already initialized")
	case stateStopped:
		return fmt.Errorf("gpunet manager already shut down")
	}

	plan, err := validate(cfg)
	if err != nil {
		return err
	}
	slog.Info("gpunet config validated",
		"interfaces", len(cfg.Interfaces),
		"backend", m.drv.Name())

	m.cfg = cfg
	m.limits = cfg.System.Limits
	if err := m.setup(cfg, plan); err != nil {
		m.release()
		m.reset()
		return err
	}

	m.state.Store(stateRunning)
	m.startWorkers()
	return nil
}

// reset forgets the runtime model after a failed setup.
func (m *Manager) reset() {
	m.ports = nil
	m.gpus = make(map[int]driver.GPU)
	m.rxq = make(map[burst.QueueKey]*rxQueue)
	m.txq = make(map[burst.QueueKey]*txQueue)
	m.rxList = nil
	m.txList = nil
	m.rxPool = nil
	m.txPool = nil
}

// plan is the result of validation: what setup will build.
type plan struct {
	programs   []*flow.Program // per interface; nil without rx queues
	maxTxBatch int
	gpus       []int
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// validate checks cfg without touching hardware.
func validate(cfg *config.Config) (*plan, error) {
	if cfg == nil {
		return nil, invalid("no configuration")
	}
	if len(cfg.Interfaces) == 0 {
		return nil, invalid("no interfaces configured")
	}
	l := cfg.System.Limits
	for name, v := range map[string]int{
		"rx-ring-size":            l.RxRingSize,
		"tx-ring-size":            l.TxRingSize,
		"rx-burst-pool":           l.RxBurstPool,
		"tx-burst-pool":           l.TxBurstPool,
		"semaphores-per-queue":    l.SemaphoresPerQueue,
		"max-default-queues":      l.MaxDefaultQueues,
		"tx-completion-threshold": l.TxCompletionThreshold,
	} {
		if v <= 0 {
			return nil, invalid("limits %s must be positive, got %d", name, v)
		}
	}
	for name, v := range map[string]int{
		"max-buffers":          l.MaxBuffers,
		"max-buffer-size":      l.MaxBufferSize,
		"large-packet-buffers": l.LargePacketBuffers,
	} {
		if !isPow2(v) {
			return nil, invalid("limits %s must be a power of two, got %d", name, v)
		}
	}
	if len(cfg.Interfaces) > 1<<16 {
		return nil, invalid("too many interfaces (%d)", len(cfg.Interfaces))
	}

	p := &plan{programs: make([]*flow.Program, len(cfg.Interfaces))}
	gpus := make(map[int]bool)
	for i, ifc := range cfg.Interfaces {
		portID := uint16(i)
		rxGPU, err := checkQueues(cfg, ifc, "rx", ifc.RxQueues)
		if err != nil {
			return nil, err
		}
		txGPU, err := checkQueues(cfg, ifc, "tx", ifc.TxQueues)
		if err != nil {
			return nil, err
		}
		if rxGPU >= 0 {
			gpus[rxGPU] = true
		}
		if txGPU >= 0 {
			gpus[txGPU] = true
		}
		for _, q := range ifc.TxQueues {
			p.maxTxBatch = max(p.maxTxBatch, q.BatchSize)
		}

		if len(ifc.RxQueues) == 0 {
			if len(ifc.Flows) > 0 {
				return nil, invalid("interface %s: flows configured without rx queues", ifc.Name)
			}
			continue
		}
		rules := make([]flow.Rule, 0, len(ifc.Flows))
		for _, f := range ifc.Flows {
			r, err := flowRule(f)
			if err != nil {
				return nil, invalid("interface %s flow %s: %v", ifc.Name, f.Name, err)
			}
			rules = append(rules, r)
		}
		ids := make([]uint16, len(ifc.RxQueues))
		for j, q := range ifc.RxQueues {
			ids[j] = q.ID
		}
		prog, err := flow.Build(portID, rules, ids, l.MaxDefaultQueues)
		if err != nil {
			return nil, fmt.Errorf("%w: interface %s: %v", ErrInvalidConfig, ifc.Name, err)
		}
		p.programs[i] = prog
	}

	for g := range gpus {
		p.gpus = append(p.gpus, g)
	}
	sort.Ints(p.gpus)
	return p, nil
}

// checkQueues validates one direction of an interface and returns the
// GPU all its queues use, or -1 when there are none. Buffer memory of
// all queues of one direction must live on a single GPU.
func checkQueues(cfg *config.Config, ifc *config.InterfaceConfig, dir string, queues []*config.QueueConfig) (int, error) {
	gpu := -1
	seen := make(map[uint16]string)
	for _, q := range queues {
		if other, dup := seen[q.ID]; dup {
			return -1, invalid("interface %s %s queue %s: id %d already used by %s",
				ifc.Name, dir, q.Name, q.ID, other)
		}
		seen[q.ID] = q.Name

		switch len(q.MemoryRegions) {
		case 0:
			return -1, invalid("interface %s %s queue %s: no memory region", ifc.Name, dir, q.Name)
		case 1:
		default:
			return -1, invalid("interface %s %s queue %s: buffer split across %d memory regions not supported",
				ifc.Name, dir, q.Name, len(q.MemoryRegions))
		}
		mr, ok := cfg.MemoryRegions[q.MemoryRegions[0]]
		if !ok {
			return -1, invalid("interface %s %s queue %s: memory region %q not defined",
				ifc.Name, dir, q.Name, q.MemoryRegions[0])
		}
		if mr.Kind != config.MemoryDevice && mr.Kind != config.MemoryHostPinned {
			return -1, invalid("memory region %s: kind %s not supported, use device or host-pinned",
				mr.Name, mr.Kind)
		}
		if mr.NumBuffers <= 0 || mr.BufferSize <= 0 {
			return -1, invalid("memory region %s: invalid buffers %dx%d", mr.Name, mr.NumBuffers, mr.BufferSize)
		}
		if q.BatchSize <= 0 {
			return -1, invalid("interface %s %s queue %s: batch-size must be positive", ifc.Name, dir, q.Name)
		}
		if gpu == -1 {
			gpu = mr.Affinity
		} else if gpu != mr.Affinity {
			return -1, invalid("interface %s: %s queues must use memory on a single GPU (%d and %d)",
				ifc.Name, dir, gpu, mr.Affinity)
		}
	}
	return gpu, nil
}

func flowRule(f *config.FlowConfig) (flow.Rule, error) {
	proto, err := flow.ParseProtocol(f.Match.Protocol)
	if err != nil {
		return flow.Rule{}, err
	}
	return flow.Rule{
		Name:  f.Name,
		ID:    f.ID,
		Queue: f.Queue,
		Match: flow.Match{
			Protocol: proto,
			SrcPort:  f.Match.SourcePort,
			DstPort:  f.Match.DestinationPort,
			Src:      f.Match.SourceAddress,
			Dst:      f.Match.DestinationAddress,
		},
	}, nil
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// resolveLayout rounds a region's buffer count and size up to powers of
// two and clamps them to the configured limits.
func resolveLayout(mr *config.MemoryRegionConfig, l config.Limits) regionLayout {
	lay := regionLayout{
		name:       mr.Name,
		kind:       mr.Kind,
		gpu:        mr.Affinity,
		numBuffers: nextPow2(mr.NumBuffers),
		bufferSize: nextPow2(mr.BufferSize),
	}
	if lay.numBuffers > l.MaxBuffers {
		slog.Warn("clamping memory region buffers",
			"region", mr.Name, "requested", mr.NumBuffers, "max", l.MaxBuffers)
		lay.numBuffers = l.MaxBuffers
	}
	if lay.bufferSize > l.MaxBufferSize {
		slog.Warn("clamping memory region buffer size",
			"region", mr.Name, "requested", mr.BufferSize, "max", l.MaxBufferSize)
		lay.bufferSize = l.MaxBufferSize
	}
	if lay.bufferSize > l.LargePacketSize && lay.numBuffers > l.LargePacketBuffers {
		slog.Warn("decreasing buffers for large packets",
			"region", mr.Name, "buffer_size", lay.bufferSize, "buffers", l.LargePacketBuffers)
		lay.numBuffers = l.LargePacketBuffers
	}
	return lay
}

// setup acquires all resources. Every acquisition registers its release
// so that a failure at any step can be unwound.
func (m *Manager) setup(cfg *config.Config, p *plan) error {
	l := m.limits

	for i, ifc := range cfg.Interfaces {
		id := uint16(i)
		dev, err := m.drv.OpenPort(id, ifc.Address)
		if err != nil {
			return fmt.Errorf("open interface %s (%s): %w", ifc.Name, ifc.Address, err)
		}
		m.onRelease(dev.Close)
		pt := &port{
			id:      id,
			name:    ifc.Name,
			address: ifc.Address,
			dev:     dev,
			mac:     dev.HardwareAddr(),
			program: p.programs[i],
		}
		m.ports = append(m.ports, pt)
		slog.Info("interface opened",
			"name", ifc.Name, "port", id, "address", ifc.Address, "mac", pt.mac)
	}

	for _, g := range p.gpus {
		gpu, err := m.drv.OpenGPU(g)
		if err != nil {
			return fmt.Errorf("open gpu %d: %w", g, err)
		}
		m.onRelease(gpu.Close)
		m.gpus[g] = gpu
	}

	m.rxPool = burst.NewPool("rx-burst", l.RxBurstPool, 0)
	m.onRelease(func() error { m.rxPool.Close(); return nil })
	m.txPool = burst.NewPool("tx-burst", l.TxBurstPool, p.maxTxBatch)
	m.onRelease(func() error { m.txPool.Close(); return nil })

	var mirror *flow.MapMirror
	if dir := cfg.System.SteeringMapDir; dir != "" {
		mm, err := flow.NewMapMirror(dir)
		if err != nil {
			slog.Warn("flow steering map mirror unavailable", "dir", dir, "err", err)
		} else {
			mirror = mm
			m.onRelease(mm.Close)
		}
	}

	for i, ifc := range cfg.Interfaces {
		pt := m.ports[i]
		for _, qc := range ifc.RxQueues {
			if err := m.setupRxQueue(cfg, pt, qc); err != nil {
				return err
			}
		}
		if pt.program != nil {
			if err := flow.Install(pt.dev.Steerer(), pt.program); err != nil {
				return fmt.Errorf("interface %s: flow steering: %w", ifc.Name, err)
			}
			if mirror != nil {
				if err := flow.Install(mirror, pt.program); err != nil {
					slog.Warn("flow steering map mirror update failed", "interface", ifc.Name, "err", err)
				}
			}
		}
		for _, qc := range ifc.TxQueues {
			if err := m.setupTxQueue(cfg, pt, qc); err != nil {
				return err
			}
		}
		if err := pt.dev.Start(); err != nil {
			return fmt.Errorf("start interface %s: %w", ifc.Name, err)
		}
	}
	return nil
}

func (m *Manager) allocQueueMemory(cfg *config.Config, pt *port, dir string, qc *config.QueueConfig) (regionLayout, driver.Region, error) {
	mr := cfg.MemoryRegions[qc.MemoryRegions[0]]
	lay := resolveLayout(mr, m.limits)
	gpu := m.gpus[lay.gpu]
	reg, err := gpu.Alloc(lay.kind, lay.numBuffers*lay.bufferSize)
	if err != nil {
		return lay, nil, fmt.Errorf("interface %s %s queue %s: allocate %dx%d bytes on gpu %d: %w",
			pt.name, dir, qc.Name, lay.numBuffers, lay.bufferSize, lay.gpu, err)
	}
	m.onRelease(reg.Free)
	return lay, reg, nil
}

func (m *Manager) setupRxQueue(cfg *config.Config, pt *port, qc *config.QueueConfig) error {
	key := burst.QueueKey{Port: pt.id, Queue: qc.ID}
	if _, dup := m.rxq[key]; dup {
		return fmt.Errorf("rx queue %s configured twice", key)
	}
	lay, reg, err := m.allocQueueMemory(cfg, pt, "rx", qc)
	if err != nil {
		return err
	}
	hw, err := pt.dev.CreateRxQueue(driver.QueueConfig{
		ID:         qc.ID,
		GPU:        m.gpus[lay.gpu],
		Region:     reg,
		NumBuffers: lay.numBuffers,
		BufferSize: lay.bufferSize,
	})
	if err != nil {
		return fmt.Errorf("interface %s rx queue %s: %w", pt.name, qc.Name, err)
	}
	m.onRelease(hw.Close)

	sem, err := semaphore.New(m.limits.SemaphoresPerQueue)
	if err != nil {
		return fmt.Errorf("interface %s rx queue %s: %w", pt.name, qc.Name, err)
	}
	ring := burst.NewRing(fmt.Sprintf("RX_RING_P%d_Q%d", pt.id, qc.ID), m.limits.RxRingSize)
	m.onRelease(func() error { ring.Close(); return nil })

	q := &rxQueue{
		key:    key,
		name:   qc.Name,
		cpu:    qc.CPUCore,
		batch:  qc.BatchSize,
		layout: lay,
		region: reg,
		hw:     hw,
		sem:    sem,
		ring:   ring,
	}
	m.rxq[key] = q
	m.rxList = append(m.rxList, q)
	slog.Info("rx queue configured",
		"interface", pt.name, "queue", qc.Name, "key", key,
		"kind", lay.kind, "buffers", lay.numBuffers, "buffer_size", lay.bufferSize)
	return nil
}

func (m *Manager) setupTxQueue(cfg *config.Config, pt *port, qc *config.QueueConfig) error {
	key := burst.QueueKey{Port: pt.id, Queue: qc.ID}
	if _, dup := m.txq[key]; dup {
		return fmt.Errorf("tx queue %s configured twice", key)
	}
	lay, reg, err := m.allocQueueMemory(cfg, pt, "tx", qc)
	if err != nil {
		return err
	}
	hw, err := pt.dev.CreateTxQueue(driver.QueueConfig{
		ID:         qc.ID,
		GPU:        m.gpus[lay.gpu],
		Region:     reg,
		NumBuffers: lay.numBuffers,
		BufferSize: lay.bufferSize,
	})
	if err != nil {
		return fmt.Errorf("interface %s tx queue %s: %w", pt.name, qc.Name, err)
	}
	m.onRelease(hw.Close)

	ring := burst.NewRing(fmt.Sprintf("TX_RING_P%d_Q%d", pt.id, qc.ID), m.limits.TxRingSize)
	m.onRelease(func() error { ring.Close(); return nil })

	q := &txQueue{
		key:    key,
		name:   qc.Name,
		cpu:    qc.CPUCore,
		batch:  qc.BatchSize,
		layout: lay,
		region: reg,
		hw:     hw,
		ring:   ring,
	}
	m.txq[key] = q
	m.txList = append(m.txList, q)
	slog.Info("tx queue configured",
		"interface", pt.name, "queue", qc.Name, "key", key,
		"kind", lay.kind, "buffers", lay.numBuffers, "buffer_size", lay.bufferSize)
	return nil
}

// startWorkers spawns one RX and one TX worker per GPU that has queues
// of that direction. A worker runs on the CPU core of its first queue.
func (m *Manager) startWorkers() {
	gpuIDs := make([]int, 0, len(m.gpus))
	for g := range m.gpus {
		gpuIDs = append(gpuIDs, g)
	}
	sort.Ints(gpuIDs)

	for _, g := range gpuIDs {
		var queues []*rxQueue
		for _, q := range m.rxList {
			if q.layout.gpu == g {
				queues = append(queues, q)
			}
		}
		if len(queues) == 0 {
			continue
		}
		params := rxWorkerParams{
			gpuID:  g,
			gpu:    m.gpus[g],
			cpu:    workerCore("rx", g, queues[0].cpu, queues, func(q *rxQueue) int { return q.cpu }),
			queues: queues,
			pool:   m.rxPool,
			stats:  &m.stats,
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runRxWorker(params)
		}()
	}

	for _, g := range gpuIDs {
		var queues []*txQueue
		for _, q := range m.txList {
			if q.layout.gpu == g {
				queues = append(queues, q)
			}
		}
		if len(queues) == 0 {
			continue
		}
		params := txWorkerParams{
			gpuID:     g,
			gpu:       m.gpus[g],
			cpu:       workerCore("tx", g, queues[0].cpu, queues, func(q *txQueue) int { return q.cpu }),
			queues:    queues,
			pool:      m.txPool,
			stats:     &m.stats,
			threshold: int64(m.limits.TxCompletionThreshold),
			interval:  uint64(m.limits.TxCompletionInterval),
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runTxWorker(params)
		}()
	}
	slog.Info("gpunet workers started", "gpus", gpuIDs)
}

// workerCore returns the core of the first queue and warns about queues
// of the same worker asking for another one.
func workerCore[Q any](dir string, gpu, core int, queues []Q, coreOf func(Q) int) int {
	for _, q := range queues[1:] {
		if c := coreOf(q); c != core {
			slog.Warn("queues of one worker request different cpu cores, using the first",
				"direction", dir, "gpu", gpu, "cpu_core", core, "ignored", c)
			break
		}
	}
	return core
}
