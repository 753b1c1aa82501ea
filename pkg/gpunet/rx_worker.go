package gpunet

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/psaab/gpunetio/pkg/affinity"
	"github.com/psaab/gpunetio/pkg/burst"
	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/semaphore"
)

// idleLogInterval is the number of idle polling iterations between
// debug logs of the semaphore state.
const idleLogInterval = 1 << 24

type rxWorkerParams struct {
	gpuID  int
	gpu    driver.GPU
	cpu    int
	queues []*rxQueue
	pool   *burst.Pool
	stats  *Stats
}

// runRxWorker moves completed batches from the queues' semaphore rings
// into their burst rings until the manager quits.
func (m *Manager) runRxWorker(p rxWorkerParams) {
	log := slog.With("worker", "rx", "gpu", p.gpuID, "cpu_core", p.cpu)

	// INIT
	if err := affinity.Pin(p.cpu); err != nil {
		m.fail(fmt.Errorf("rx worker gpu %d: pin to cpu %d: %w", p.gpuID, p.cpu, err))
		return
	}
	if err := affinity.SetThreadName("RX_WORKER"); err != nil {
		log.Debug("cannot name thread", "err", err)
	}
	ids := make([]string, len(p.queues))
	for i, q := range p.queues {
		ids[i] = q.key.String()
	}
	log.Info("starting rx worker", "queues", ids)

	bridge, err := newPollBridge(p.gpu, p.queues)
	if err != nil {
		m.fail(fmt.Errorf("rx worker gpu %d: %w", p.gpuID, err))
		return
	}
	defer bridge.close()

	// WARMUP
	if err := bridge.warmup(); err != nil {
		m.fail(fmt.Errorf("rx worker gpu %d: %w", p.gpuID, err))
		return
	}
	if err := bridge.start(); err != nil {
		m.fail(fmt.Errorf("rx worker gpu %d: %w", p.gpuID, err))
		return
	}
	log.Info("receive kernel ready")

	// POLLING
	cursors := make([]int, len(p.queues))
	var total uint64
	var idle uint64
poll:
	for !m.quit.Load() {
		busy := false
		for i, q := range p.queues {
			st, err := q.sem.Status(cursors[i])
			if err != nil {
				m.fail(fmt.Errorf("rx queue %s: semaphore status: %w", q.key, err))
				break poll
			}
			if st != semaphore.Ready {
				continue
			}
			info := q.sem.Info(cursors[i])

			b, ok := p.pool.Get()
			if !ok {
				log.Error("processing function falling behind, no free burst descriptors",
					"pool", p.pool.Name(), "size", p.pool.Size())
				m.fail(fmt.Errorf("rx queue %s: %w", q.key, ErrNoFreeBuffers))
				break poll
			}
			b.Port = q.key.Port
			b.Queue = q.key.Queue
			b.NumPkts = info.NumPkts
			b.NBytes = info.NBytes
			b.FirstPktAddr = q.region.Addr()
			b.Pkt0Idx = info.Pkt0Idx
			b.Pkt0Addr = info.Pkt0Addr
			b.MaxPkts = uint32(q.layout.numBuffers)
			b.MaxPktSize = uint32(q.layout.bufferSize)

			if err := q.ring.Enqueue(b); err != nil {
				log.Warn("rx ring full, dropping burst", "queue", q.key, "err", err)
				q.dropped.Add(1)
				p.stats.RxDropped.Add(1)
				if err := p.pool.Put(b); err != nil {
					log.Error("release dropped burst", "queue", q.key, "err", err)
				}
			}

			total += uint64(info.NumPkts)
			q.packets.Add(uint64(info.NumPkts))
			q.bytes.Add(info.NBytes)
			q.batches.Add(1)
			p.stats.RxPackets.Add(uint64(info.NumPkts))
			p.stats.RxBytes.Add(info.NBytes)
			p.stats.RxBatches.Add(1)

			q.sem.Release(cursors[i])
			cursors[i] = q.sem.Next(cursors[i])
			busy = true
		}
		if !busy {
			idle++
			if idle%idleLogInterval == 0 {
				for i, q := range p.queues {
					st, _ := q.sem.Status(cursors[i])
					log.Debug("rx queue idle", "queue", q.key, "slot", cursors[i], "status", st)
				}
			}
			runtime.Gosched()
		}
	}

	// DRAINING
	log.Info("waiting for receive kernel to exit")
	if err := bridge.stop(); err != nil {
		log.Error("stop receive kernel", "err", err)
	}
	last := bridge.drain(cursors)
	p.stats.RxPackets.Add(last.packets)
	p.stats.RxBytes.Add(last.bytes)
	p.stats.RxBatches.Add(last.batches)

	log.Info("rx worker done",
		"packets", total+last.packets,
		"last_partial_batch_packets", last.packets)
}
