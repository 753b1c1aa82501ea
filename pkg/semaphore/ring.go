// Package semaphore implements the slot rings shared between a GPU poll
// loop and the CPU receive worker. Each RX queue owns one ring; the GPU
// side publishes completed batches into FREE slots and the CPU side
// consumes READY slots, each side walking the ring with its own cursor.
package semaphore

import (
	"fmt"
	"sync/atomic"
)

// Status is the state of one slot.
type Status uint32

const (
	Free Status = iota
	Ready
)

func (s Status) String() string {
	switch s {
	case Free:
		return "FREE"
	case Ready:
		return "READY"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Info is the record the poll loop writes for each completed batch.
type Info struct {
	NumPkts  uint32
	NBytes   uint64
	Pkt0Idx  uint32
	Pkt0Addr uintptr
}

type slot struct {
	status atomic.Uint32
	info   Info
}

// Ring is a fixed array of semaphore slots.
type Ring struct {
	slots []slot
}

// New creates a ring of n FREE slots.
func New(n int) (*Ring, error) {
	if n <= 0 {
		return nil, fmt.Errorf("semaphore ring size %d must be positive", n)
	}
	return &Ring{slots: make([]slot, n)}, nil
}

// Size returns the number of slots.
func (r *Ring) Size() int { return len(r.slots) }

// Next returns the cursor following idx.
func (r *Ring) Next(idx int) int {
	return (idx + 1) % len(r.slots)
}

// Status returns the state of slot idx.
func (r *Ring) Status(idx int) (Status, error) {
	if idx < 0 || idx >= len(r.slots) {
		return Free, fmt.Errorf("semaphore slot %d out of range [0,%d)", idx, len(r.slots))
	}
	return Status(r.slots[idx].status.Load()), nil
}

// Info returns the record of slot idx. Valid only while the slot is READY.
func (r *Ring) Info(idx int) Info {
	return r.slots[idx].info
}

// Publish fills slot idx and marks it READY. It fails if the slot has not
// been released by the consumer yet.
func (r *Ring) Publish(idx int, info Info) bool {
	s := &r.slots[idx]
	if Status(s.status.Load()) != Free {
		return false
	}
	s.info = info
	s.status.Store(uint32(Ready))
	return true
}

// Release marks slot idx FREE so the producer can reuse it.
func (r *Ring) Release(idx int) {
	r.slots[idx].status.Store(uint32(Free))
}

// Ready counts slots currently READY.
func (r *Ring) Ready() int {
	n := 0
	for i := range r.slots {
		if Status(r.slots[i].status.Load()) == Ready {
			n++
		}
	}
	return n
}
