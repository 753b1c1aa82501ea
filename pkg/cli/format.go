package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/psaab/gpunetio/pkg/gpunet"
)

// WriteStatistics prints the manager totals.
func WriteStatistics(w io.Writer, s gpunet.StatsSnapshot) {
	fmt.Fprintln(w, "Packet I/O statistics:")
	rows := []struct {
		name string
		v    uint64
	}{
		{"RX packets", s.RxPackets},
		{"RX bytes", s.RxBytes},
		{"RX bursts", s.RxBatches},
		{"RX bursts dropped", s.RxDropped},
		{"TX packets", s.TxPackets},
		{"TX bytes", s.TxBytes},
		{"TX bursts", s.TxBatches},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-25s %d\n", r.name+":", r.v)
	}
}

// WriteInterfaces prints ports with their NIC counters. A non-empty name
// selects a single interface.
func WriteInterfaces(w io.Writer, ifaces []gpunet.InterfaceInfo, name string) error {
	found := false
	for _, p := range ifaces {
		if name != "" && p.Name != name {
			continue
		}
		found = true
		fmt.Fprintf(w, "Physical interface: %s, port %d, address %s\n", p.Name, p.ID, p.Address)
		fmt.Fprintf(w, "  MAC: %s, RX queues: %d, TX queues: %d\n", p.MAC, p.RxQueues, p.TxQueues)
		fmt.Fprintln(w, "  Traffic statistics:")
		fmt.Fprintf(w, "    Input:  %d packets, %d bytes\n", p.Counters.RxPackets, p.Counters.RxBytes)
		fmt.Fprintf(w, "    Output: %d packets, %d bytes\n", p.Counters.TxPackets, p.Counters.TxBytes)
		fmt.Fprintf(w, "    Missed: %d, Unsteered: %d\n", p.Counters.RxMissed, p.Counters.RxUnsteered)
		fmt.Fprintln(w)
	}
	if name != "" && !found {
		return fmt.Errorf("interface %s not found", name)
	}
	return nil
}

// WriteQueues prints one line per queue.
func WriteQueues(w io.Writer, queues []gpunet.QueueInfo) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Port\tQueue\tDir\tName\tGPU\tCore\tBatch\tBuffers\tRing\tPackets\tBytes\tDropped\tPosted")
	for _, q := range queues {
		core := "-"
		if q.CPUCore >= 0 {
			core = fmt.Sprint(q.CPUCore)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\t%d\t%dx%d %s\t%d/%d\t%d\t%d\t%d\t%d\n",
			q.Port, q.Queue, q.Direction, q.Name, q.GPU, core, q.BatchSize,
			q.Buffers, q.BufferSize, q.MemoryKind, q.RingLen, q.RingCap,
			q.Packets, q.Bytes, q.Dropped, q.PostedCompletions)
	}
	tw.Flush()
}

// WriteFlows prints the root steering entries of each port.
func WriteFlows(w io.Writer, ifaces []gpunet.InterfaceInfo, name string) error {
	found := false
	for _, p := range ifaces {
		if name != "" && p.Name != name {
			continue
		}
		found = true
		fmt.Fprintf(w, "Interface %s (port %d):\n", p.Name, p.ID)
		if len(p.Flows) == 0 {
			fmt.Fprintln(w, "  no steering entries")
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "  Priority\tMatch\tTarget")
		for _, f := range p.Flows {
			fmt.Fprintf(tw, "  %d\t%s\t%s\n", f.Priority, f.Match, f.Target)
		}
		tw.Flush()
	}
	if name != "" && !found {
		return fmt.Errorf("interface %s not found", name)
	}
	return nil
}
