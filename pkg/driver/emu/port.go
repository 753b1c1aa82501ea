package emu

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/flow"
	"github.com/psaab/gpunetio/pkg/semaphore"
)

// Port is an emulated NIC port. Received frames are classified by the
// committed steering program and written into the target queue's
// buffers.
type Port struct {
	drv     *Driver
	id      uint16
	address string
	mac     net.HardwareAddr
	steer   *flow.Recorder

	mu     sync.Mutex // serializes Deliver and queue creation
	parser *flow.Parser
	rxq    map[uint16]*RxQueue
	txq    map[uint16]*TxQueue

	started atomic.Bool
	closed  atomic.Bool

	rxPackets   atomic.Uint64
	rxBytes     atomic.Uint64
	rxMissed    atomic.Uint64
	rxUnsteered atomic.Uint64
	txPackets   atomic.Uint64
	txBytes     atomic.Uint64
}

func newPort(d *Driver, id uint16, address string, mac net.HardwareAddr) *Port {
	return &Port{
		drv:     d,
		id:      id,
		address: address,
		mac:     mac,
		steer:   flow.NewRecorder(),
		parser:  flow.NewParser(),
		rxq:     make(map[uint16]*RxQueue),
		txq:     make(map[uint16]*TxQueue),
	}
}

func (p *Port) ID() uint16                     { return p.id }
func (p *Port) Address() string                { return p.address }
func (p *Port) HardwareAddr() net.HardwareAddr { return p.mac }
func (p *Port) Steerer() flow.Steerer          { return p.steer }

// Steering returns the port's software flow table.
func (p *Port) Steering() *flow.Recorder { return p.steer }

func checkQueueConfig(cfg driver.QueueConfig) error {
	if cfg.Region == nil {
		return fmt.Errorf("queue %d: no memory region", cfg.ID)
	}
	if cfg.NumBuffers <= 0 || cfg.BufferSize <= 0 {
		return fmt.Errorf("queue %d: invalid buffers %dx%d", cfg.ID, cfg.NumBuffers, cfg.BufferSize)
	}
	if need := cfg.NumBuffers * cfg.BufferSize; need > cfg.Region.Size() {
		return fmt.Errorf("queue %d: %d bytes of buffers exceed region size %d",
			cfg.ID, need, cfg.Region.Size())
	}
	return nil
}

func (p *Port) CreateRxQueue(cfg driver.QueueConfig) (driver.RxQueue, error) {
	if err := checkQueueConfig(cfg); err != nil {
		return nil, fmt.Errorf("port %d rx: %w", p.id, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.Load() {
		return nil, fmt.Errorf("port %d rx queue %d: port already started", p.id, cfg.ID)
	}
	if _, ok := p.rxq[cfg.ID]; ok {
		return nil, fmt.Errorf("port %d rx queue %d already exists", p.id, cfg.ID)
	}
	q := &RxQueue{
		port:       p,
		id:         cfg.ID,
		region:     cfg.Region,
		numBuffers: cfg.NumBuffers,
		bufSize:    cfg.BufferSize,
	}
	p.rxq[cfg.ID] = q
	return q, nil
}

func (p *Port) CreateTxQueue(cfg driver.QueueConfig) (driver.TxQueue, error) {
	if err := checkQueueConfig(cfg); err != nil {
		return nil, fmt.Errorf("port %d tx: %w", p.id, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txq[cfg.ID]; ok {
		return nil, fmt.Errorf("port %d tx queue %d already exists", p.id, cfg.ID)
	}
	q := &TxQueue{
		port:       p,
		id:         cfg.ID,
		region:     cfg.Region,
		numBuffers: cfg.NumBuffers,
		bufSize:    cfg.BufferSize,
	}
	p.txq[cfg.ID] = q
	return q, nil
}

// TxQueue returns the send queue with the given id, or nil.
func (p *Port) TxQueue(id uint16) *TxQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txq[id]
}

// RxQueue returns the receive queue with the given id, or nil.
func (p *Port) RxQueue(id uint16) *RxQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rxq[id]
}

func (p *Port) Start() error {
	if p.closed.Load() {
		return fmt.Errorf("port %d closed", p.id)
	}
	p.started.Store(true)
	return nil
}

func (p *Port) Stats() driver.PortStats {
	return driver.PortStats{
		RxPackets:   p.rxPackets.Load(),
		RxBytes:     p.rxBytes.Load(),
		RxMissed:    p.rxMissed.Load(),
		RxUnsteered: p.rxUnsteered.Load(),
		TxPackets:   p.txPackets.Load(),
		TxBytes:     p.txBytes.Load(),
	}
}

func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.started.Store(false)
	p.drv.forgetPort(p.id)
	return nil
}

// Deliver feeds frames into the port as if they arrived on the wire and
// returns how many were accepted. Frames steered to the same queue are
// written as one unit: either all of them fit in the queue's free
// buffers or all of them are counted as missed.
func (p *Port) Deliver(frames [][]byte) int {
	if !p.started.Load() {
		p.rxMissed.Add(uint64(len(frames)))
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	groups := make(map[uint16][][]byte)
	for _, f := range frames {
		meta, err := p.parser.Parse(f)
		if err != nil {
			p.rxUnsteered.Add(1)
			continue
		}
		qid, ok := p.steer.Classify(meta)
		if !ok || p.rxq[qid] == nil {
			p.rxUnsteered.Add(1)
			continue
		}
		groups[qid] = append(groups[qid], f)
	}

	ids := make([]uint16, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	accepted := 0
	for _, id := range ids {
		g := groups[id]
		n, ok := p.rxq[id].receive(g)
		if !ok {
			p.rxMissed.Add(uint64(len(g)))
			continue
		}
		accepted += len(g)
		p.rxPackets.Add(uint64(len(g)))
		p.rxBytes.Add(n)
	}
	return accepted
}

// RxQueue is an emulated receive queue: a cyclic array of fixed-size
// buffers in the queue's memory region.
type RxQueue struct {
	port       *Port
	id         uint16
	region     driver.Region
	numBuffers int
	bufSize    int

	mu      sync.Mutex
	head    int      // buffer index of the oldest unpublished packet
	pending []uint32 // lengths of packets not yet handed to a semaphore
}

func (q *RxQueue) ID() uint16 { return q.id }

func (q *RxQueue) Close() error { return nil }

// Pending returns the number of received packets not yet published.
func (q *RxQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *RxQueue) bufAddr(idx int) uintptr {
	return q.region.Addr() + uintptr(idx)*uintptr(q.bufSize)
}

// receive writes frames into free buffers, truncating each to the buffer
// size. It returns the bytes written, or false if they do not all fit.
func (q *RxQueue) receive(frames [][]byte) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending)+len(frames) > q.numBuffers {
		return 0, false
	}
	var total uint64
	for _, f := range frames {
		idx := (q.head + len(q.pending)) % q.numBuffers
		buf, err := q.region.View(q.bufAddr(idx), q.bufSize)
		if err != nil {
			return total, false
		}
		n := copy(buf, f)
		q.pending = append(q.pending, uint32(n))
		total += uint64(n)
	}
	return total, true
}

// take removes up to max packets from the head for publication.
func (q *RxQueue) take(max int) (semaphore.Info, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if n == 0 {
		return semaphore.Info{}, false
	}
	if max > 0 && n > max {
		n = max
	}
	info := semaphore.Info{
		NumPkts:  uint32(n),
		Pkt0Idx:  uint32(q.head),
		Pkt0Addr: q.bufAddr(q.head),
	}
	for _, l := range q.pending[:n] {
		info.NBytes += uint64(l)
	}
	q.pending = q.pending[n:]
	q.head = (q.head + n) % q.numBuffers
	return info, true
}

// TxQueue is an emulated send queue.
type TxQueue struct {
	port       *Port
	id         uint16
	region     driver.Region
	numBuffers int
	bufSize    int

	completions atomic.Int64
	stalled     atomic.Bool
	launches    atomic.Uint64
}

func (q *TxQueue) ID() uint16 { return q.id }

func (q *TxQueue) Close() error { return nil }

// Progress consumes outstanding completions. While completions are
// stalled it reports none.
func (q *TxQueue) Progress() int {
	if q.stalled.Load() {
		return 0
	}
	return int(q.completions.Swap(0))
}

// StallCompletions holds completions back, as a busy NIC would.
func (q *TxQueue) StallCompletions(stall bool) {
	q.stalled.Store(stall)
}

// PendingCompletions returns completions not yet consumed by Progress.
func (q *TxQueue) PendingCompletions() int {
	return int(q.completions.Load())
}

// Launches returns the number of send kernels run on the queue.
func (q *TxQueue) Launches() uint64 {
	return q.launches.Load()
}

func (q *TxQueue) send(l *driver.SendLaunch) error {
	if l.NumPkts > 0 && (l.NumBuffers == 0 || l.BufferSize == 0) {
		return fmt.Errorf("tx queue %d: send launch without buffer layout", q.id)
	}
	var loop [][]byte
	for i := uint32(0); i < l.NumPkts; i++ {
		idx := (l.Pkt0Idx + i) % l.NumBuffers
		addr := l.FirstAddr + uintptr(idx)*uintptr(l.BufferSize)
		n := l.BufferSize
		if int(i) < len(l.Lens) && l.Lens[i] < n {
			n = l.Lens[i]
		}
		data, err := q.region.View(addr, int(n))
		if err != nil {
			return fmt.Errorf("tx queue %d packet %d: %w", q.id, i, err)
		}
		q.port.txPackets.Add(1)
		q.port.txBytes.Add(uint64(n))
		if q.port.drv.opts.Loopback {
			loop = append(loop, append([]byte(nil), data...))
		}
	}
	q.launches.Add(1)
	if l.Completion {
		q.completions.Add(1)
	}
	if len(loop) > 0 {
		q.port.Deliver(loop)
	}
	return nil
}
