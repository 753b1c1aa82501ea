package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// gpunetCollector implements prometheus.Collector, reading the manager's
// counters on each scrape.
type gpunetCollector struct {
	srv *Server

	up *prometheus.Desc

	// Manager totals
	packetsTotal *prometheus.Desc
	bytesTotal   *prometheus.Desc
	batchesTotal *prometheus.Desc
	rxDropped    *prometheus.Desc

	// Per queue
	queuePackets *prometheus.Desc
	queueBytes   *prometheus.Desc
	queueRingLen *prometheus.Desc
	queuePosted  *prometheus.Desc

	// Per port hardware counters
	portPackets   *prometheus.Desc
	portMissed    *prometheus.Desc
	portUnsteered *prometheus.Desc
}

func newCollector(srv *Server) *gpunetCollector {
	queueLabels := []string{"port", "queue", "direction"}
	return &gpunetCollector{
		srv: srv,

		up: prometheus.NewDesc(
			"gpunet_up",
			"Whether the packet I/O manager is running.",
			nil, nil,
		),
		packetsTotal: prometheus.NewDesc(
			"gpunet_packets_total",
			"Total packets moved between GPU and rings.",
			[]string{"direction"}, nil,
		),
		bytesTotal: prometheus.NewDesc(
			"gpunet_bytes_total",
			"Total bytes moved between GPU and rings.",
			[]string{"direction"}, nil,
		),
		batchesTotal: prometheus.NewDesc(
			"gpunet_batches_total",
			"Total bursts handled by the workers.",
			[]string{"direction"}, nil,
		),
		rxDropped: prometheus.NewDesc(
			"gpunet_rx_dropped_bursts_total",
			"Received bursts dropped because the RX ring was full.",
			nil, nil,
		),
		queuePackets: prometheus.NewDesc(
			"gpunet_queue_packets_total",
			"Total packets per queue.",
			queueLabels, nil,
		),
		queueBytes: prometheus.NewDesc(
			"gpunet_queue_bytes_total",
			"Total bytes per queue.",
			queueLabels, nil,
		),
		queueRingLen: prometheus.NewDesc(
			"gpunet_queue_ring_bursts",
			"Bursts currently waiting in the queue's ring.",
			queueLabels, nil,
		),
		queuePosted: prometheus.NewDesc(
			"gpunet_tx_posted_completions",
			"Outstanding TX completions per queue.",
			[]string{"port", "queue"}, nil,
		),
		portPackets: prometheus.NewDesc(
			"gpunet_port_packets_total",
			"Packets counted by the NIC.",
			[]string{"port", "direction"}, nil,
		),
		portMissed: prometheus.NewDesc(
			"gpunet_port_rx_missed_total",
			"Packets the NIC dropped for lack of receive buffers.",
			[]string{"port"}, nil,
		),
		portUnsteered: prometheus.NewDesc(
			"gpunet_port_rx_unsteered_total",
			"Packets no steering rule matched.",
			[]string{"port"}, nil,
		),
	}
}

func (c *gpunetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.packetsTotal
	ch <- c.bytesTotal
	ch <- c.batchesTotal
	ch <- c.rxDropped
	ch <- c.queuePackets
	ch <- c.queueBytes
	ch <- c.queueRingLen
	ch <- c.queuePosted
	ch <- c.portPackets
	ch <- c.portMissed
	ch <- c.portUnsteered
}

func (c *gpunetCollector) Collect(ch chan<- prometheus.Metric) {
	mgr := c.srv.mgr
	if mgr == nil {
		return
	}
	up := 0.0
	if mgr.Running() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)

	s := mgr.Stats()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.packetsTotal, s.RxPackets, "rx")
	counter(c.packetsTotal, s.TxPackets, "tx")
	counter(c.bytesTotal, s.RxBytes, "rx")
	counter(c.bytesTotal, s.TxBytes, "tx")
	counter(c.batchesTotal, s.RxBatches, "rx")
	counter(c.batchesTotal, s.TxBatches, "tx")
	counter(c.rxDropped, s.RxDropped)

	c.collectQueues(ch)
	c.collectPorts(ch)
}

func (c *gpunetCollector) collectQueues(ch chan<- prometheus.Metric) {
	for _, q := range c.srv.mgr.Queues() {
		port := strconv.Itoa(int(q.Port))
		queue := strconv.Itoa(int(q.Queue))
		ch <- prometheus.MustNewConstMetric(c.queuePackets, prometheus.CounterValue,
			float64(q.Packets), port, queue, q.Direction)
		ch <- prometheus.MustNewConstMetric(c.queueBytes, prometheus.CounterValue,
			float64(q.Bytes), port, queue, q.Direction)
		ch <- prometheus.MustNewConstMetric(c.queueRingLen, prometheus.GaugeValue,
			float64(q.RingLen), port, queue, q.Direction)
		if q.Direction == "tx" {
			ch <- prometheus.MustNewConstMetric(c.queuePosted, prometheus.GaugeValue,
				float64(q.PostedCompletions), port, queue)
		}
	}
}

func (c *gpunetCollector) collectPorts(ch chan<- prometheus.Metric) {
	for _, p := range c.srv.mgr.Interfaces() {
		port := strconv.Itoa(int(p.ID))
		ch <- prometheus.MustNewConstMetric(c.portPackets, prometheus.CounterValue,
			float64(p.Counters.RxPackets), port, "rx")
		ch <- prometheus.MustNewConstMetric(c.portPackets, prometheus.CounterValue,
			float64(p.Counters.TxPackets), port, "tx")
		ch <- prometheus.MustNewConstMetric(c.portMissed, prometheus.CounterValue,
			float64(p.Counters.RxMissed), port)
		ch <- prometheus.MustNewConstMetric(c.portUnsteered, prometheus.CounterValue,
			float64(p.Counters.RxUnsteered), port)
	}
}
