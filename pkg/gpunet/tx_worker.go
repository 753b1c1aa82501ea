package gpunet

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/psaab/gpunetio/pkg/affinity"
	"github.com/psaab/gpunetio/pkg/burst"
	"github.com/psaab/gpunetio/pkg/driver"
)

type txWorkerParams struct {
	gpuID  int
	gpu    driver.GPU
	cpu    int
	queues []*txQueue
	pool   *burst.Pool
	stats  *Stats

	// threshold is the number of outstanding completions at which a
	// queue is skipped until the NIC catches up.
	threshold int64
	// interval is the number of packets after which a launch requests a
	// completion. Zero requests one for every launch.
	interval uint64
}

// runTxWorker launches a send kernel for every burst the application
// queued, throttling each queue on its outstanding completions.
func (m *Manager) runTxWorker(p txWorkerParams) {
	log := slog.With("worker", "tx", "gpu", p.gpuID, "cpu_core", p.cpu)

	if err := affinity.Pin(p.cpu); err != nil {
		m.fail(fmt.Errorf("tx worker gpu %d: pin to cpu %d: %w", p.gpuID, p.cpu, err))
		return
	}
	if err := affinity.SetThreadName("TX_WORKER"); err != nil {
		log.Debug("cannot name thread", "err", err)
	}

	streams := make([]driver.Stream, 0, len(p.queues))
	defer func() {
		for _, s := range streams {
			if err := s.Synchronize(); err != nil {
				log.Warn("synchronize send stream", "err", err)
			}
			s.Close()
		}
	}()
	for _, q := range p.queues {
		s, err := p.gpu.NewStream(driver.StreamPriorityNormal)
		if err != nil {
			m.fail(fmt.Errorf("tx queue %s: create send stream: %w", q.key, err))
			return
		}
		streams = append(streams, s)
		// Warm the send path up with an empty launch.
		if err := s.LaunchSend(&driver.SendLaunch{Queue: q.hw}); err != nil {
			m.fail(fmt.Errorf("tx queue %s: warmup send kernel: %w", q.key, err))
			return
		}
		if err := s.Synchronize(); err != nil {
			m.fail(fmt.Errorf("tx queue %s: warmup send kernel: %w", q.key, err))
			return
		}
	}
	log.Info("starting tx worker", "queues", len(p.queues))

	accum := make([]uint64, len(p.queues))
	launch := &driver.SendLaunch{}
	var total uint64
	for !m.quit.Load() {
		busy := false
		for i, q := range p.queues {
			if q.posted.Load() >= p.threshold {
				q.progress()
				continue
			}
			b, ok := q.ring.Dequeue()
			if !ok {
				continue
			}
			busy = true
			if b.Key() != q.key {
				log.Error("burst on wrong tx ring, dropping",
					"ring", q.ring.Name(), "burst", b.Key())
				m.putTx(p.pool, b)
				continue
			}

			accum[i] += uint64(b.NumPkts)
			completion := p.interval == 0 || accum[i] > p.interval

			*launch = driver.SendLaunch{
				Queue:      q.hw,
				FirstAddr:  q.region.Addr(),
				Pkt0Idx:    b.Pkt0Idx,
				NumBuffers: uint32(q.layout.numBuffers),
				BufferSize: uint32(q.layout.bufferSize),
				NumPkts:    b.NumPkts,
				Lens:       b.PktLens[:min(int(b.NumPkts), len(b.PktLens))],
				Completion: completion,
			}
			// Count the completion before launching: the NIC may report it
			// before LaunchSend returns.
			if completion {
				q.posted.Add(1)
				accum[i] = 0
			}
			if err := streams[i].LaunchSend(launch); err != nil {
				if completion {
					q.posted.Add(-1)
				}
				m.putTx(p.pool, b)
				m.fail(fmt.Errorf("tx queue %s: launch send kernel: %w", q.key, err))
				break
			}

			pkts := uint64(b.NumPkts)
			bytes := b.TotalLength()
			m.putTx(p.pool, b)

			total += pkts
			q.packets.Add(pkts)
			q.bytes.Add(bytes)
			q.batches.Add(1)
			p.stats.TxPackets.Add(pkts)
			p.stats.TxBytes.Add(bytes)
			p.stats.TxBatches.Add(1)
		}
		if !busy {
			runtime.Gosched()
		}
	}

	log.Info("tx worker done", "packets", total)
}

func (m *Manager) putTx(pool *burst.Pool, b *burst.Burst) {
	if err := pool.Put(b); err != nil {
		slog.Error("release tx burst", "err", err)
	}
}
