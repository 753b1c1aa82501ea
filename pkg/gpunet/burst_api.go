package gpunet

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/psaab/gpunetio/pkg/burst"
)

// GetRxBurst dequeues the next received burst of (port, queue). The
// caller owns the burst until FreeRxBurst.
func (m *Manager) GetRxBurst(port, queue uint16) (*burst.Burst, error) {
	if !m.Running() {
		return nil, ErrNotInitialized
	}
	q, ok := m.rxq[burst.QueueKey{Port: port, Queue: queue}]
	if !ok {
		return nil, fmt.Errorf("rx queue %d/%d: %w", port, queue, ErrInvalidParameter)
	}
	b, ok := q.ring.Dequeue()
	if !ok {
		return nil, ErrEmpty
	}
	return b, nil
}

// FreeRxBurst returns a burst obtained from GetRxBurst.
func (m *Manager) FreeRxBurst(b *burst.Burst) error {
	if !m.Running() {
		return ErrNotInitialized
	}
	return m.rxPool.Put(b)
}

// GetTxMetadataBuffer takes a TX descriptor. The caller sets Port, Queue
// and NumPkts, then reserves buffers with GetTxPacketBurst.
func (m *Manager) GetTxMetadataBuffer() (*burst.Burst, error) {
	if !m.Running() {
		return nil, ErrNotInitialized
	}
	b, ok := m.txPool.Get()
	if !ok {
		return nil, ErrNoFreeBuffers
	}
	return b, nil
}

// FreeTxMetadata returns a TX descriptor that will not be sent.
func (m *Manager) FreeTxMetadata(b *burst.Burst) error {
	if !m.Running() {
		return ErrNotInitialized
	}
	return m.txPool.Put(b)
}

// GetTxPacketBurst reserves b.NumPkts consecutive buffers of b's TX
// queue and fills in the burst's buffer layout. The buffer index wraps
// around the queue's region.
func (m *Manager) GetTxPacketBurst(b *burst.Burst) error {
	if !m.Running() {
		return ErrNotInitialized
	}
	q, ok := m.txq[b.Key()]
	if !ok {
		return fmt.Errorf("tx queue %s: %w", b.Key(), ErrInvalidParameter)
	}
	if int(b.NumPkts) > len(b.PktLens) {
		return fmt.Errorf("burst of %d packets exceeds %d: %w", b.NumPkts, len(b.PktLens), ErrInvalidParameter)
	}
	if int(b.NumPkts) > q.layout.numBuffers {
		return fmt.Errorf("burst of %d packets exceeds %d tx buffers: %w",
			b.NumPkts, q.layout.numBuffers, ErrInvalidParameter)
	}
	n := uint32(q.layout.numBuffers)
	idx := (q.bufIdx.Add(b.NumPkts) - b.NumPkts) % n

	b.MaxPkts = n
	b.MaxPktSize = uint32(q.layout.bufferSize)
	b.FirstPktAddr = q.region.Addr()
	b.Pkt0Idx = idx
	b.Pkt0Addr = q.region.Addr() + uintptr(idx)*uintptr(q.layout.bufferSize)
	return nil
}

// SetPacketLengths sets the length of packet idx. Only a single segment
// per packet is supported.
func (m *Manager) SetPacketLengths(b *burst.Burst, idx int, lens ...uint32) error {
	if len(lens) != 1 {
		return fmt.Errorf("%d segment lengths: %w", len(lens), ErrNotSupported)
	}
	if idx < 0 || idx >= len(b.PktLens) {
		return fmt.Errorf("packet index %d out of range [0,%d): %w", idx, len(b.PktLens), ErrInvalidParameter)
	}
	b.PktLens[idx] = lens[0]
	return nil
}

// SetPacketTxTime is accepted for compatibility and ignored.
func (m *Manager) SetPacketTxTime(b *burst.Burst, idx int, t time.Time) error {
	return nil
}

// SetEthHeader is not supported; applications build headers in the
// packet buffers themselves.
func (m *Manager) SetEthHeader(b *burst.Burst, idx int, dst net.HardwareAddr) error {
	return ErrNotSupported
}

func (m *Manager) SetIPv4Header(b *burst.Burst, idx, ipLen int, proto uint8, src, dst uint32) error {
	return ErrNotSupported
}

func (m *Manager) SetUDPHeader(b *burst.Burst, idx, dataLen int, srcPort, dstPort uint16) error {
	return ErrNotSupported
}

// SendTxBurst hands b to the TX worker of its queue. On a full ring the
// descriptor is released and ErrNoSpace returned.
func (m *Manager) SendTxBurst(b *burst.Burst) error {
	if !m.Running() {
		return ErrNotInitialized
	}
	q, ok := m.txq[b.Key()]
	if !ok {
		return fmt.Errorf("tx queue %s: %w", b.Key(), ErrInvalidParameter)
	}
	err := q.ring.Enqueue(b)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, burst.ErrAlreadyQueued):
		return fmt.Errorf("tx queue %s: %w: %v", b.Key(), ErrInvalidParameter, err)
	}
	if ferr := m.txPool.Put(b); ferr != nil {
		slog.Warn("release tx burst after full ring", "queue", b.Key(), "err", ferr)
	}
	return fmt.Errorf("tx queue %s: %w", b.Key(), ErrNoSpace)
}

// IsTxBurstAvailable polls TX completions of b's queue and reports
// whether the queue accepts more work. Unknown queues report true.
func (m *Manager) IsTxBurstAvailable(b *burst.Burst) bool {
	if !m.Running() {
		return false
	}
	q, ok := m.txq[b.Key()]
	if !ok {
		return true
	}
	q.progress()
	return q.posted.Load() < int64(m.limits.TxCompletionThreshold)
}

// GetMacAddr returns the hardware address of port.
func (m *Manager) GetMacAddr(port int) (net.HardwareAddr, error) {
	if !m.Running() {
		return nil, ErrNotInitialized
	}
	if port < 0 || port >= len(m.ports) {
		return nil, fmt.Errorf("port %d: %w", port, ErrInvalidParameter)
	}
	return m.ports[port].mac, nil
}

// GetPacketPtr returns the device address of packet idx of b.
func (m *Manager) GetPacketPtr(b *burst.Burst, idx int) uintptr {
	return b.PacketAddr(idx)
}

// GetSegmentPacketPtr returns the address of segment seg of packet idx.
// Packets have a single segment.
func (m *Manager) GetSegmentPacketPtr(b *burst.Burst, seg, idx int) (uintptr, error) {
	if seg != 0 {
		return 0, fmt.Errorf("segment %d: %w", seg, ErrNotSupported)
	}
	return b.PacketAddr(idx), nil
}

// GetPacketLength returns the length of packet idx. Received bursts
// carry only totals, so RX packets report 0.
func (m *Manager) GetPacketLength(b *burst.Burst, idx int) uint32 {
	if idx < 0 || idx >= len(b.PktLens) {
		return 0
	}
	return b.PktLens[idx]
}

// GetSegmentPacketLength returns the length of segment seg of packet
// idx. Packets have a single segment.
func (m *Manager) GetSegmentPacketLength(b *burst.Burst, seg, idx int) (uint32, error) {
	if seg != 0 {
		return 0, fmt.Errorf("segment %d: %w", seg, ErrNotSupported)
	}
	return m.GetPacketLength(b, idx), nil
}

// GetPacketFlowID returns the flow tag of packet idx. Steering does not
// tag packets, so it is always 0.
func (m *Manager) GetPacketFlowID(b *burst.Burst, idx int) uint16 {
	return 0
}

// GetPacketExtraInfo returns the per-packet metadata address of packet
// idx. No metadata is collected; it is always 0.
func (m *Manager) GetPacketExtraInfo(b *burst.Burst, idx int) uintptr {
	return 0
}

// GetBurstTotByte returns the bytes of a received burst, or the sum of
// the packet lengths of a TX burst.
func (m *Manager) GetBurstTotByte(b *burst.Burst) uint64 {
	if b.NBytes > 0 {
		return b.NBytes
	}
	return b.TotalLength()
}

// PacketBytes returns a host view of packet idx of b. RX packets span
// the whole buffer; TX packets their set length.
func (m *Manager) PacketBytes(b *burst.Burst, idx int) ([]byte, error) {
	if !m.Running() {
		return nil, ErrNotInitialized
	}
	if idx < 0 || idx >= int(b.NumPkts) {
		return nil, fmt.Errorf("packet index %d out of range [0,%d): %w", idx, b.NumPkts, ErrInvalidParameter)
	}
	addr := b.PacketAddr(idx)
	n := int(b.MaxPktSize)
	if m.rxPool.Owns(b) {
		q, ok := m.rxq[b.Key()]
		if !ok {
			return nil, fmt.Errorf("rx queue %s: %w", b.Key(), ErrInvalidParameter)
		}
		return q.region.View(addr, n)
	}
	q, ok := m.txq[b.Key()]
	if !ok {
		return nil, fmt.Errorf("tx queue %s: %w", b.Key(), ErrInvalidParameter)
	}
	if idx < len(b.PktLens) {
		if l := int(b.PktLens[idx]); l > 0 && l < n {
			n = l
		}
	}
	return q.region.View(addr, n)
}

// ReorderBurst gathers the first pktLen bytes of every packet of b into
// out, back to back, and returns the bytes written.
func (m *Manager) ReorderBurst(b *burst.Burst, out []byte, pktLen int) (int, error) {
	pkts := make([][]byte, b.NumPkts)
	for i := range pkts {
		p, err := m.PacketBytes(b, i)
		if err != nil {
			return 0, err
		}
		pkts[i] = p
	}
	return burst.Reorder(out, pkts, pktLen)
}
