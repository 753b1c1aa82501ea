// Package burst implements the burst descriptors exchanged between the
// GPU workers and the application, together with their fixed-capacity
// pools and the lock-free rings that carry them.
package burst

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrRingFull      = errors.New("burst ring full")
	ErrAlreadyQueued = errors.New("burst already enqueued")
	ErrDoubleRelease = errors.New("burst released twice")
	ErrForeignBurst  = errors.New("burst does not belong to pool")
)

// QueueKey identifies a queue system-wide: the interface (port) id and the
// queue id within one direction of that interface.
type QueueKey struct {
	Port  uint16
	Queue uint16
}

func (k QueueKey) String() string {
	return fmt.Sprintf("%d/%d", k.Port, k.Queue)
}

// Burst describes one batch of packets living in a queue's packet memory.
//
// Packets of a burst are laid out in consecutive fixed-size buffers
// starting at Pkt0Addr; once the index passes the end of the region
// (MaxPkts buffers) addressing wraps to FirstPktAddr.
type Burst struct {
	Port    uint16
	Queue   uint16
	NumPkts uint32
	NBytes  uint64

	FirstPktAddr uintptr // base of the queue's buffer region
	Pkt0Addr     uintptr // address of the first packet of this burst
	Pkt0Idx      uint32  // buffer index of the first packet
	MaxPkts      uint32  // buffers in the region
	MaxPktSize   uint32  // bytes per buffer

	// PktLens holds per-packet lengths for transmit bursts.
	PktLens []uint32

	pool   *Pool
	held   atomic.Bool
	queued atomic.Bool
}

// Key returns the queue key the burst is addressed to.
func (b *Burst) Key() QueueKey {
	return QueueKey{Port: b.Port, Queue: b.Queue}
}

// PacketAddr returns the address of packet idx within the burst.
func (b *Burst) PacketAddr(idx int) uintptr {
	pkt := b.Pkt0Idx + uint32(idx)
	if pkt < b.MaxPkts {
		return b.Pkt0Addr + uintptr(idx)*uintptr(b.MaxPktSize)
	}
	if b.MaxPkts == 0 {
		return 0
	}
	return b.FirstPktAddr + uintptr(pkt%b.MaxPkts)*uintptr(b.MaxPktSize)
}

// TotalLength sums PktLens over the burst's packets.
func (b *Burst) TotalLength() uint64 {
	var n uint64
	for i := 0; i < int(b.NumPkts) && i < len(b.PktLens); i++ {
		n += uint64(b.PktLens[i])
	}
	return n
}

func (b *Burst) reset() {
	b.Port = 0
	b.Queue = 0
	b.NumPkts = 0
	b.NBytes = 0
	b.FirstPktAddr = 0
	b.Pkt0Addr = 0
	b.Pkt0Idx = 0
	b.MaxPkts = 0
	b.MaxPktSize = 0
	for i := range b.PktLens {
		b.PktLens[i] = 0
	}
}
