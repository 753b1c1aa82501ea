package gpunet

import (
	"log/slog"
	"sync/atomic"
)

// Stats are the aggregate counters of a Manager. Workers update them
// with relaxed atomics; readers get an approximate view while workers
// run and an exact one after Shutdown.
type Stats struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	RxBatches atomic.Uint64
	// RxDropped counts bursts dropped because their RX ring was full.
	// Their packets are still counted in RxPackets.
	RxDropped atomic.Uint64

	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	TxBatches atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	RxBatches uint64 `json:"rx_batches"`
	RxDropped uint64 `json:"rx_dropped"`
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxBatches uint64 `json:"tx_batches"`
}

// Snapshot reads all counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RxPackets: s.RxPackets.Load(),
		RxBytes:   s.RxBytes.Load(),
		RxBatches: s.RxBatches.Load(),
		RxDropped: s.RxDropped.Load(),
		TxPackets: s.TxPackets.Load(),
		TxBytes:   s.TxBytes.Load(),
		TxBatches: s.TxBatches.Load(),
	}
}

// Stats returns the current aggregate counters.
func (m *Manager) Stats() StatsSnapshot {
	return m.stats.Snapshot()
}

// PrintStats logs the aggregate counters.
func (m *Manager) PrintStats() {
	s := m.stats.Snapshot()
	slog.Info("gpunet manager stats",
		"rx_packets", s.RxPackets,
		"rx_bytes", s.RxBytes,
		"rx_batches", s.RxBatches,
		"rx_dropped", s.RxDropped,
		"tx_packets", s.TxPackets,
		"tx_bytes", s.TxBytes,
		"tx_batches", s.TxBatches)
}
