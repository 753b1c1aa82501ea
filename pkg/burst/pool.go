package burst

import (
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// Pool is a fixed-capacity set of reusable burst descriptors. The free
// list is a lock-free ring, so Get and Put are safe from any goroutine.
type Pool struct {
	name  string
	size  int
	free  *queue.RingBuffer
	descs []*Burst
}

// NewPool allocates size descriptors. When maxPkts is non-zero every
// descriptor carries a PktLens slice of that length.
func NewPool(name string, size, maxPkts int) *Pool {
	p := &Pool{
		name:  name,
		size:  size,
		free:  queue.NewRingBuffer(uint64(size)),
		descs: make([]*Burst, size),
	}
	for i := range p.descs {
		b := &Burst{pool: p}
		if maxPkts > 0 {
			b.PktLens = make([]uint32, maxPkts)
		}
		p.descs[i] = b
		p.free.Offer(b)
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of descriptors owned by the pool.
func (p *Pool) Size() int { return p.size }

// Available returns the number of free descriptors.
func (p *Pool) Available() int { return int(p.free.Len()) }

// Owns reports whether b was allocated by p.
func (p *Pool) Owns(b *Burst) bool { return b != nil && b.pool == p }

// Get takes a free descriptor. It returns false when the pool is empty.
func (p *Pool) Get() (*Burst, bool) {
	b, ok := pollNow(p.free)
	if !ok {
		return nil, false
	}
	b.reset()
	b.held.Store(true)
	return b, true
}

// Put returns a descriptor to the pool. A descriptor still sitting in a
// ring is refused.
func (p *Pool) Put(b *Burst) error {
	if b == nil || b.pool != p {
		return fmt.Errorf("%s: %w", p.name, ErrForeignBurst)
	}
	if b.queued.Load() {
		return fmt.Errorf("%s: %w", p.name, ErrAlreadyQueued)
	}
	if !b.held.CompareAndSwap(true, false) {
		return fmt.Errorf("%s: %w", p.name, ErrDoubleRelease)
	}
	ok, err := p.free.Offer(b)
	if err != nil {
		return fmt.Errorf("%s: release: %w", p.name, err)
	}
	if !ok {
		// Only reachable if the held flag was bypassed.
		return fmt.Errorf("%s: free list overflow: %w", p.name, ErrDoubleRelease)
	}
	return nil
}

// Close disposes the free list. Descriptors must not be used afterwards.
func (p *Pool) Close() {
	p.free.Dispose()
}

// pollNow is a non-blocking dequeue on a Workiva ring buffer.
func pollNow(rb *queue.RingBuffer) (*Burst, bool) {
	if rb.Len() == 0 {
		return nil, false
	}
	item, err := rb.Poll(time.Nanosecond)
	if err != nil {
		return nil, false
	}
	b, ok := item.(*Burst)
	return b, ok
}
