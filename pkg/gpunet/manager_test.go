package gpunet

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/gpunetio/pkg/burst"
	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/driver/emu"
)

// testConfig returns one interface with rx queue 0 (batch 64) and tx
// queue 0 (batch 32), both on GPU 0 and unpinned.
func testConfig() *config.Config {
	return &config.Config{
		System: config.SystemConfig{
			Backend: config.BackendEmulated,
			Limits:  config.DefaultLimits(),
		},
		MemoryRegions: map[string]*config.MemoryRegionConfig{
			"rx_mr": {Name: "rx_mr", Kind: config.MemoryDevice, Affinity: 0, NumBuffers: 128, BufferSize: 2048},
			"tx_mr": {Name: "tx_mr", Kind: config.MemoryHostPinned, Affinity: 0, NumBuffers: 1024, BufferSize: 2048},
		},
		Interfaces: []*config.InterfaceConfig{{
			Name:    "eth0",
			Address: "0000:ff:00.0",
			RxQueues: []*config.QueueConfig{
				{Name: "rxq0", ID: 0, CPUCore: -1, BatchSize: 64, MemoryRegions: []string{"rx_mr"}},
			},
			TxQueues: []*config.QueueConfig{
				{Name: "txq0", ID: 0, CPUCore: -1, BatchSize: 32, MemoryRegions: []string{"tx_mr"}},
			},
		}},
	}
}

func startManager(t *testing.T, cfg *config.Config) (*Manager, *emu.Driver) {
	t.Helper()
	drv := emu.New(driver.Options{})
	m := New(drv)
	if err := m.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m, drv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func udpFrame(t *testing.T, seq int, payload int) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(1024 + seq), DstPort: 4096}
	udp.SetNetworkLayerForChecksum(ip)
	body := make([]byte, payload)
	for i := range body {
		body[i] = byte(seq)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(body)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestReceiveBurst(t *testing.T) {
	m, drv := startManager(t, testConfig())

	frames := make([][]byte, 64)
	var total uint64
	for i := range frames {
		frames[i] = udpFrame(t, i, 100)
		total += uint64(len(frames[i]))
	}
	if n := drv.Port(0).Deliver(frames); n != 64 {
		t.Fatalf("Deliver accepted %d frames, want 64", n)
	}

	var b *burst.Burst
	waitFor(t, "rx burst", func() bool {
		var err error
		b, err = m.GetRxBurst(0, 0)
		if err != nil && !errors.Is(err, ErrEmpty) {
			t.Fatalf("GetRxBurst: %v", err)
		}
		return err == nil
	})

	if b.NumPkts != 64 {
		t.Errorf("NumPkts = %d, want 64", b.NumPkts)
	}
	if got := m.GetBurstTotByte(b); got != total {
		t.Errorf("GetBurstTotByte = %d, want %d", got, total)
	}
	if b.Port != 0 || b.Queue != 0 {
		t.Errorf("burst key = %s", b.Key())
	}
	for _, idx := range []int{0, 31, 63} {
		data, err := m.PacketBytes(b, idx)
		if err != nil {
			t.Fatalf("PacketBytes(%d): %v", idx, err)
		}
		if !bytes.Equal(data[:len(frames[idx])], frames[idx]) {
			t.Errorf("packet %d does not match delivered frame", idx)
		}
	}
	if got := m.GetPacketLength(b, 0); got != 0 {
		t.Errorf("rx GetPacketLength = %d, want 0", got)
	}
	if got := m.GetPacketFlowID(b, 0); got != 0 {
		t.Errorf("GetPacketFlowID = %d, want 0", got)
	}
	if got := m.GetPacketExtraInfo(b, 0); got != 0 {
		t.Errorf("GetPacketExtraInfo = %#x, want 0", got)
	}
	if err := m.FreeRxBurst(b); err != nil {
		t.Fatalf("FreeRxBurst: %v", err)
	}
	if err := m.FreeRxBurst(b); !errors.Is(err, burst.ErrDoubleRelease) {
		t.Errorf("second FreeRxBurst = %v, want ErrDoubleRelease", err)
	}

	s := m.Stats()
	if s.RxPackets != 64 || s.RxBytes != total || s.RxBatches != 1 {
		t.Errorf("stats = %+v", s)
	}
	if _, err := m.GetRxBurst(0, 0); !errors.Is(err, ErrEmpty) {
		t.Errorf("GetRxBurst on empty ring = %v, want ErrEmpty", err)
	}
	if _, err := m.GetRxBurst(0, 7); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("GetRxBurst unknown queue = %v, want ErrInvalidParameter", err)
	}
}

// submit queues one burst of n 64-byte packets on tx queue 0/queue,
// retrying while the descriptor pool is empty.
func submit(t *testing.T, m *Manager, queue uint16, n int) {
	t.Helper()
	for {
		b, err := m.GetTxMetadataBuffer()
		if errors.Is(err, ErrNoFreeBuffers) {
			time.Sleep(50 * time.Microsecond)
			continue
		}
		if err != nil {
			t.Fatalf("GetTxMetadataBuffer: %v", err)
		}
		b.Port, b.Queue, b.NumPkts = 0, queue, uint32(n)
		if err := m.GetTxPacketBurst(b); err != nil {
			t.Fatalf("GetTxPacketBurst: %v", err)
		}
		for i := 0; i < n; i++ {
			if err := m.SetPacketLengths(b, i, 64); err != nil {
				t.Fatalf("SetPacketLengths: %v", err)
			}
		}
		if err := m.SendTxBurst(b); err != nil {
			t.Fatalf("SendTxBurst: %v", err)
		}
		return
	}
}

func txQueueInfo(m *Manager, port, queue uint16) QueueInfo {
	for _, q := range m.Queues() {
		if q.Direction == "tx" && q.Port == port && q.Queue == queue {
			return q
		}
	}
	return QueueInfo{}
}

func TestTxCompletionBackpressure(t *testing.T) {
	const (
		bursts    = 2000
		perBurst  = 32
		threshold = 100
		queued    = 20
	)
	cfg := testConfig()
	cfg.System.Limits.TxCompletionThreshold = threshold
	cfg.System.Limits.TxCompletionInterval = 16
	ifc := cfg.Interfaces[0]
	ifc.TxQueues = append(ifc.TxQueues,
		&config.QueueConfig{Name: "txq1", ID: 1, CPUCore: -1, BatchSize: 32, MemoryRegions: []string{"tx_mr"}})
	m, drv := startManager(t, cfg)

	hw0 := drv.Port(0).TxQueue(0)
	hw0.StallCompletions(true)
	q0 := &burst.Burst{Port: 0, Queue: 0}
	q1 := &burst.Burst{Port: 0, Queue: 1}

	// Every burst exceeds the interval and requests a completion, so
	// queue 0 stops after threshold launches.
	for i := 0; i < threshold; i++ {
		submit(t, m, 0, perBurst)
	}
	waitFor(t, "queue 0 throttled", func() bool {
		return txQueueInfo(m, 0, 0).PostedCompletions == threshold
	})
	if m.IsTxBurstAvailable(q0) {
		t.Fatal("queue 0 available with all completions outstanding")
	}
	for i := 0; i < queued; i++ {
		submit(t, m, 0, perBurst)
	}

	// Queue 1 shares the worker and keeps draining.
	for i := 0; i < bursts; i++ {
		submit(t, m, 1, perBurst)
	}
	waitFor(t, "queue 1 packets", func() bool {
		return txQueueInfo(m, 0, 1).Packets == bursts*perBurst
	})
	if info := txQueueInfo(m, 0, 1); info.Batches != bursts || info.Bytes != bursts*perBurst*64 {
		t.Errorf("queue 1 = %+v", info)
	}
	if !m.IsTxBurstAvailable(q1) {
		t.Error("queue 1 throttled while only queue 0 is stalled")
	}

	info := txQueueInfo(m, 0, 0)
	if info.PostedCompletions != threshold || info.Packets != threshold*perBurst {
		t.Fatalf("queue 0 = %+v, want %d posted and %d packets", info, threshold, threshold*perBurst)
	}
	if info.RingLen != queued {
		t.Errorf("queue 0 ring holds %d bursts, want %d", info.RingLen, queued)
	}
	// One warmup launch plus one launch per burst.
	if got := hw0.Launches(); got != threshold+1 {
		t.Fatalf("queue 0 launches while throttled = %d, want %d", got, threshold+1)
	}
	if m.IsTxBurstAvailable(q0) {
		t.Error("queue 0 available while its completions are stalled")
	}

	hw0.StallCompletions(false)
	if !m.IsTxBurstAvailable(q0) {
		t.Fatal("queue 0 still throttled after completions resumed")
	}
	total := uint64(bursts+threshold+queued) * perBurst
	waitFor(t, "all tx packets", func() bool {
		return m.Stats().TxPackets == total
	})
	s := m.Stats()
	if s.TxBatches != bursts+threshold+queued {
		t.Errorf("TxBatches = %d, want %d", s.TxBatches, bursts+threshold+queued)
	}
	if s.TxBytes != total*64 {
		t.Errorf("TxBytes = %d, want %d", s.TxBytes, total*64)
	}
	if got := drv.Port(0).Stats().TxPackets; got != total {
		t.Errorf("port TxPackets = %d, want %d", got, total)
	}
}

func TestSendTxBurstUnknownQueue(t *testing.T) {
	m, _ := startManager(t, testConfig())

	b, err := m.GetTxMetadataBuffer()
	if err != nil {
		t.Fatal(err)
	}
	b.Port, b.Queue, b.NumPkts = 5, 0, 1
	if err := m.SendTxBurst(b); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("SendTxBurst = %v, want ErrInvalidParameter", err)
	}
	for _, q := range m.Queues() {
		if q.RingLen != 0 {
			t.Errorf("queue %d/%d %s holds %d bursts", q.Port, q.Queue, q.Direction, q.RingLen)
		}
	}
	// The caller still owns the descriptor.
	if err := m.FreeTxMetadata(b); err != nil {
		t.Errorf("FreeTxMetadata: %v", err)
	}
	if !m.IsTxBurstAvailable(b) {
		t.Error("IsTxBurstAvailable on unknown queue = false, want true")
	}
}

func TestSendTxBurstRingFull(t *testing.T) {
	cfg := testConfig()
	cfg.System.Limits.TxCompletionThreshold = 1
	cfg.System.Limits.TxCompletionInterval = 0
	cfg.System.Limits.TxRingSize = 2
	m, drv := startManager(t, cfg)
	drv.Port(0).TxQueue(0).StallCompletions(true)

	// The first burst is launched and leaves one completion posted; the
	// worker then skips the queue and the next two fill the ring.
	submit(t, m, 0, 1)
	waitFor(t, "first launch", func() bool { return txQueueInfo(m, 0, 0).PostedCompletions == 1 })
	submit(t, m, 0, 1)
	submit(t, m, 0, 1)

	avail := m.txPool.Available()
	b, err := m.GetTxMetadataBuffer()
	if err != nil {
		t.Fatal(err)
	}
	b.Port, b.Queue, b.NumPkts = 0, 0, 1
	if err := m.GetTxPacketBurst(b); err != nil {
		t.Fatal(err)
	}
	if err := m.SendTxBurst(b); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("SendTxBurst on full ring = %v, want ErrNoSpace", err)
	}
	if got := m.txPool.Available(); got != avail {
		t.Errorf("pool has %d free descriptors, want %d", got, avail)
	}
}

func TestTxPacketBurstWraps(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryRegions["tx_mr"].NumBuffers = 64
	m, _ := startManager(t, cfg)

	reserve := func(n uint32) *burst.Burst {
		b, err := m.GetTxMetadataBuffer()
		if err != nil {
			t.Fatal(err)
		}
		b.NumPkts = n
		if err := m.GetTxPacketBurst(b); err != nil {
			t.Fatal(err)
		}
		return b
	}
	a := reserve(32)
	b := reserve(24)
	c := reserve(16)
	if a.Pkt0Idx != 0 || b.Pkt0Idx != 32 || c.Pkt0Idx != 56 {
		t.Fatalf("Pkt0Idx = %d, %d, %d", a.Pkt0Idx, b.Pkt0Idx, c.Pkt0Idx)
	}
	// Packet 8 of c is buffer 64, which wraps to the start of the region.
	if got, want := m.GetPacketPtr(c, 8), c.FirstPktAddr; got != want {
		t.Errorf("GetPacketPtr(c, 8) = %#x, want %#x", got, want)
	}
	if got, want := m.GetPacketPtr(c, 7), c.Pkt0Addr+7*2048; got != want {
		t.Errorf("GetPacketPtr(c, 7) = %#x, want %#x", got, want)
	}
	if _, err := m.GetSegmentPacketPtr(c, 1, 0); !errors.Is(err, ErrNotSupported) {
		t.Errorf("GetSegmentPacketPtr seg 1 = %v", err)
	}
	if err := m.SetPacketLengths(c, 0, 60, 4); !errors.Is(err, ErrNotSupported) {
		t.Errorf("SetPacketLengths with two segments = %v", err)
	}
	if err := m.SetPacketLengths(c, 3, 60); err != nil || m.GetPacketLength(c, 3) != 60 {
		t.Errorf("SetPacketLengths = %v, length %d", err, m.GetPacketLength(c, 3))
	}
	if n, err := m.GetSegmentPacketLength(c, 0, 3); err != nil || n != 60 {
		t.Errorf("GetSegmentPacketLength seg 0 = %d, %v, want 60", n, err)
	}
	if _, err := m.GetSegmentPacketLength(c, 1, 3); !errors.Is(err, ErrNotSupported) {
		t.Errorf("GetSegmentPacketLength seg 1 = %v, want ErrNotSupported", err)
	}
	for _, x := range []*burst.Burst{a, b, c} {
		if err := m.FreeTxMetadata(x); err != nil {
			t.Error(err)
		}
	}
}

func TestGetMacAddr(t *testing.T) {
	m, _ := startManager(t, testConfig())
	mac, err := m.GetMacAddr(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(mac) != 6 {
		t.Errorf("mac = %s", mac)
	}
	for _, p := range []int{-1, 1} {
		if _, err := m.GetMacAddr(p); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("GetMacAddr(%d) = %v, want ErrInvalidParameter", p, err)
		}
	}
}

func TestShutdownIdempotent(t *testing.T) {
	drv := emu.New(driver.Options{})
	m := New(drv)
	if !m.SetConfigAndInitialize(testConfig()) {
		t.Fatal("SetConfigAndInitialize failed")
	}
	if !m.SetConfigAndInitialize(testConfig()) {
		t.Error("second SetConfigAndInitialize on running manager failed")
	}
	if !m.Running() {
		t.Fatal("manager not running")
	}

	m.Shutdown()
	m.Shutdown()

	if m.Running() {
		t.Error("manager running after Shutdown")
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}
	if m.Err() != nil {
		t.Errorf("Err = %v", m.Err())
	}
	if drv.Port(0) != nil {
		t.Error("port still open after Shutdown")
	}
	if _, err := m.GetRxBurst(0, 0); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetRxBurst after Shutdown = %v", err)
	}
	if err := m.Initialize(testConfig()); err == nil {
		t.Error("Initialize after Shutdown succeeded")
	}
}

func TestShutdownBeforeInitialize(t *testing.T) {
	m := New(emu.New(driver.Options{}))
	m.Shutdown()
	if m.Running() {
		t.Error("running")
	}
	if _, err := m.GetTxMetadataBuffer(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetTxMetadataBuffer = %v", err)
	}
}

func TestInterfacesAndQueues(t *testing.T) {
	cfg := testConfig()
	ifc := cfg.Interfaces[0]
	ifc.RxQueues = append(ifc.RxQueues,
		&config.QueueConfig{Name: "rxq1", ID: 1, CPUCore: -1, BatchSize: 16, MemoryRegions: []string{"rx_mr"}})
	ifc.Flows = []*config.FlowConfig{{
		Name:  "udp4096",
		Queue: 1,
		Match: config.FlowMatch{Protocol: "udp", DestinationPort: 4096},
	}}
	m, drv := startManager(t, cfg)

	infos := m.Interfaces()
	if len(infos) != 1 {
		t.Fatalf("Interfaces = %d", len(infos))
	}
	if infos[0].Name != "eth0" || infos[0].RxQueues != 2 || infos[0].TxQueues != 1 {
		t.Errorf("interface = %+v", infos[0])
	}
	if len(infos[0].Flows) == 0 {
		t.Error("no flows reported")
	}

	queues := m.Queues()
	if len(queues) != 3 {
		t.Fatalf("Queues = %d, want 3", len(queues))
	}
	seen := make(map[string]bool)
	for _, q := range queues {
		k := q.Direction + burst.QueueKey{Port: q.Port, Queue: q.Queue}.String()
		if seen[k] {
			t.Errorf("duplicate queue %s", k)
		}
		seen[k] = true
	}

	// The explicit flow steers every udp/4096 frame to queue 1.
	frames := [][]byte{udpFrame(t, 1, 64), udpFrame(t, 2, 64)}
	drv.Port(0).Deliver(frames)
	waitFor(t, "rx burst on queue 1", func() bool {
		b, err := m.GetRxBurst(0, 1)
		if err != nil {
			return false
		}
		if b.NumPkts != 2 {
			t.Errorf("NumPkts = %d", b.NumPkts)
		}
		m.FreeRxBurst(b)
		return true
	})
}

func timeout() <-chan time.Time {
	return time.After(10 * time.Second)
}
