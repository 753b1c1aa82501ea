package emu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/semaphore"
)

// idleSleep is how long the receive kernel backs off when no queue had
// anything to publish.
const idleSleep = 20 * time.Microsecond

var errStreamClosed = errors.New("stream closed")

// GPU is an emulated GPU. Kernels run as goroutines.
type GPU struct {
	drv    *Driver
	id     int
	closed atomic.Bool
}

func (g *GPU) ID() int { return g.id }

func (g *GPU) Alloc(kind config.MemoryKind, size int) (driver.Region, error) {
	if g.closed.Load() {
		return nil, fmt.Errorf("gpu %d closed", g.id)
	}
	return g.drv.mem.alloc(g.id, kind, size)
}

func (g *GPU) NewStream(priority int) (driver.Stream, error) {
	if g.closed.Load() {
		return nil, fmt.Errorf("gpu %d closed", g.id)
	}
	return &stream{gpu: g, priority: priority}, nil
}

func (g *GPU) Close() error {
	if g.closed.CompareAndSwap(false, true) {
		g.drv.forgetGPU(g.id)
	}
	return nil
}

// Memory returns a host view of n bytes of device memory at addr.
func (d *Driver) Memory(addr uintptr, n int) ([]byte, error) {
	r := d.mem.lookup(addr)
	if r == nil {
		return nil, fmt.Errorf("address %#x not mapped", addr)
	}
	return r.View(addr, n)
}

type stream struct {
	gpu      *GPU
	priority int
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// LaunchReceive starts the persistent receive kernel. For every queue it
// publishes completed packets, at most one batch per slot, into the slot
// under the queue's cursor whenever that slot is FREE.
func (s *stream) LaunchReceive(l *driver.ReceiveLaunch) error {
	if s.closed.Load() {
		return errStreamClosed
	}
	if l.Exit == nil {
		return fmt.Errorf("receive launch without exit flag")
	}
	n := len(l.Queues)
	if len(l.Semaphores) != n || len(l.BatchSize) != n {
		return fmt.Errorf("receive launch: %d queues, %d semaphore rings, %d batch sizes",
			n, len(l.Semaphores), len(l.BatchSize))
	}
	queues := make([]*RxQueue, n)
	for i, q := range l.Queues {
		rq, ok := q.(*RxQueue)
		if !ok {
			return fmt.Errorf("queue %d is not an emulated rx queue", q.ID())
		}
		queues[i] = rq
	}
	sems := append([]*semaphore.Ring(nil), l.Semaphores...)
	batch := append([]int(nil), l.BatchSize...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		receiveKernel(queues, sems, batch, l.Exit)
	}()
	return nil
}

func receiveKernel(queues []*RxQueue, sems []*semaphore.Ring, batch []int, exit *atomic.Bool) {
	cursors := make([]int, len(queues))
	for !exit.Load() {
		busy := false
		for i, q := range queues {
			sem := sems[i]
			if st, err := sem.Status(cursors[i]); err != nil || st != semaphore.Free {
				continue
			}
			info, ok := q.take(batch[i])
			if !ok {
				continue
			}
			sem.Publish(cursors[i], info)
			cursors[i] = sem.Next(cursors[i])
			busy = true
		}
		if !busy {
			time.Sleep(idleSleep)
		}
	}
}

// LaunchSend transmits the launch's packets synchronously.
func (s *stream) LaunchSend(l *driver.SendLaunch) error {
	if s.closed.Load() {
		return errStreamClosed
	}
	q, ok := l.Queue.(*TxQueue)
	if !ok {
		return fmt.Errorf("queue %d is not an emulated tx queue", l.Queue.ID())
	}
	return q.send(l)
}

func (s *stream) Synchronize() error {
	s.wg.Wait()
	return nil
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}
