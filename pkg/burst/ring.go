package burst

import (
	"fmt"

	"github.com/Workiva/go-datastructures/queue"
)

// Ring is a bounded multi-producer/multi-consumer queue of burst
// descriptors. Neither side ever blocks: Enqueue fails with ErrRingFull
// and Dequeue reports false when the ring is empty.
type Ring struct {
	name string
	rb   *queue.RingBuffer
}

// NewRing creates a ring holding at least capacity descriptors. The
// capacity is rounded up to a power of two.
func NewRing(name string, capacity int) *Ring {
	return &Ring{
		name: name,
		rb:   queue.NewRingBuffer(uint64(capacity)),
	}
}

// Name returns the ring name.
func (r *Ring) Name() string { return r.name }

// Len returns the number of queued descriptors.
func (r *Ring) Len() int { return int(r.rb.Len()) }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return int(r.rb.Cap()) }

// Enqueue appends b. A descriptor can sit in at most one ring.
func (r *Ring) Enqueue(b *Burst) error {
	if !b.queued.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", r.name, ErrAlreadyQueued)
	}
	ok, err := r.rb.Offer(b)
	if err != nil || !ok {
		b.queued.Store(false)
		if err != nil {
			return fmt.Errorf("%s: %w", r.name, err)
		}
		return fmt.Errorf("%s: %w", r.name, ErrRingFull)
	}
	return nil
}

// Dequeue removes the oldest descriptor.
func (r *Ring) Dequeue() (*Burst, bool) {
	b, ok := pollNow(r.rb)
	if !ok {
		return nil, false
	}
	b.queued.Store(false)
	return b, true
}

// Close disposes the ring. Descriptors still queued are abandoned to
// their pool's owner.
func (r *Ring) Close() {
	r.rb.Dispose()
}
