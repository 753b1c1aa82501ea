package gpunet

import (
	"fmt"
	"sync/atomic"

	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/semaphore"
)

// pollBridge runs the persistent receive kernel of one RX worker. It
// owns the kernel's argument block, including the exit flag, and the
// highest priority stream the kernel runs on.
type pollBridge struct {
	stream driver.Stream
	exit   atomic.Bool
	launch driver.ReceiveLaunch
	queues []*rxQueue
}

func newPollBridge(gpu driver.GPU, queues []*rxQueue) (*pollBridge, error) {
	s, err := gpu.NewStream(driver.StreamPriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("create receive stream on gpu %d: %w", gpu.ID(), err)
	}
	b := &pollBridge{stream: s, queues: queues}
	b.launch = driver.ReceiveLaunch{
		Queues:     make([]driver.RxQueue, len(queues)),
		Semaphores: make([]*semaphore.Ring, len(queues)),
		BatchSize:  make([]int, len(queues)),
		Exit:       &b.exit,
	}
	for i, q := range queues {
		b.launch.Queues[i] = q.hw
		b.launch.Semaphores[i] = q.sem
		b.launch.BatchSize[i] = q.batch
	}
	return b, nil
}

// warmup runs the kernel once without queues and waits for it.
func (b *pollBridge) warmup() error {
	if err := b.stream.LaunchReceive(&driver.ReceiveLaunch{Exit: &b.exit}); err != nil {
		return fmt.Errorf("warmup receive kernel: %w", err)
	}
	b.exit.Store(true)
	if err := b.stream.Synchronize(); err != nil {
		return fmt.Errorf("warmup receive kernel: %w", err)
	}
	b.exit.Store(false)
	return nil
}

// start launches the persistent kernel over all queues.
func (b *pollBridge) start() error {
	if err := b.stream.LaunchReceive(&b.launch); err != nil {
		return fmt.Errorf("launch receive kernel: %w", err)
	}
	return nil
}

// stop tells the kernel to exit and waits for it.
func (b *pollBridge) stop() error {
	b.exit.Store(true)
	return b.stream.Synchronize()
}

// drainResult totals the batches left READY after the kernel stopped.
type drainResult struct {
	packets uint64
	bytes   uint64
	batches uint64
}

// drain accounts every READY slot from each queue's cursor onwards and
// frees it. The kernel must be stopped.
func (b *pollBridge) drain(cursors []int) drainResult {
	var r drainResult
	for i, q := range b.queues {
		idx := cursors[i]
		for n := 0; n < q.sem.Size(); n++ {
			st, err := q.sem.Status(idx)
			if err != nil || st != semaphore.Ready {
				break
			}
			info := q.sem.Info(idx)
			r.packets += uint64(info.NumPkts)
			r.bytes += info.NBytes
			r.batches++
			q.packets.Add(uint64(info.NumPkts))
			q.bytes.Add(info.NBytes)
			q.batches.Add(1)
			q.sem.Release(idx)
			idx = q.sem.Next(idx)
		}
		cursors[i] = idx
	}
	return r
}

func (b *pollBridge) close() error {
	return b.stream.Close()
}
