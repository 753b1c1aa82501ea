package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/psaab/gpunetio/pkg/configstore"
	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/gpunet"
)

const testConfig = `memory-regions {
    region gpu0 {
        buffers 1024;
        buffer-size 2048;
    }
}
interfaces {
    port0 {
        address 0000:ca:00.0;
        rx {
            queue rxq0 {
                id 0;
                batch-size 64;
                memory-region gpu0;
            }
        }
    }
}
`

type fakeManager struct {
	running bool
	err     error
}

func (f *fakeManager) Running() bool { return f.running }
func (f *fakeManager) Err() error    { return f.err }
func (f *fakeManager) Stats() gpunet.StatsSnapshot {
	return gpunet.StatsSnapshot{RxPackets: 640, RxBytes: 64000, RxBatches: 10, RxDropped: 1}
}
func (f *fakeManager) Interfaces() []gpunet.InterfaceInfo {
	return []gpunet.InterfaceInfo{{
		ID: 0, Name: "port0", Address: "0000:ca:00.0", MAC: "02:67:70:75:00:00",
		RxQueues: 1,
		Flows:    []gpunet.FlowInfo{{Priority: 1, Match: "any", Target: "rss[0]"}},
		Counters: driver.PortStats{RxPackets: 650, RxMissed: 10},
	}}
}
func (f *fakeManager) Queues() []gpunet.QueueInfo {
	return []gpunet.QueueInfo{{Port: 0, Queue: 0, Direction: "rx", Name: "rxq0", CPUCore: -1, BatchSize: 64, Packets: 640}}
}

func newTestCLI(t *testing.T, mgr Manager) (*CLI, *bytes.Buffer) {
	t.Helper()
	store := configstore.New("/etc/gpunetd.conf")
	if err := store.LoadString(testConfig); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	c := New(store, mgr)
	c.out = &buf
	return c, &buf
}

func TestExecuteShow(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"show statistics", []string{"RX packets:", "640", "RX bursts dropped:"}},
		{"sh int", []string{"Physical interface: port0, port 0", "Missed: 10"}},
		{"show interfaces port0", []string{"MAC: 02:67:70:75:00:00"}},
		{"show queues", []string{"rxq0", "Batch"}},
		{"show flows", []string{"Interface port0", "rss[0]"}},
		{"show health", []string{"gpunet: SERVING"}},
		{"show status", []string{"Manager running: true", "/etc/gpunetd.conf"}},
		{"show configuration", []string{"port0"}},
		{"show", []string{"Possible completions:", "statistics"}},
		{"show st?", []string{"statistics", "status"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, buf := newTestCLI(t, &fakeManager{running: true})
			if err := c.Execute(tt.line); err != nil {
				t.Fatalf("Execute(%q): %v", tt.line, err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output missing %q:\n%s", w, buf.String())
				}
			}
		})
	}
}

func TestExecuteErrors(t *testing.T) {
	c, _ := newTestCLI(t, &fakeManager{running: true})
	for _, line := range []string{"bogus", "show s", "show interfaces port9", "show flows port9"} {
		if err := c.Execute(line); err == nil {
			t.Errorf("Execute(%q) succeeded", line)
		}
	}
	if err := c.Execute("quit"); !errors.Is(err, errExit) {
		t.Errorf("quit = %v, want errExit", err)
	}
	if err := c.Execute("   "); err != nil {
		t.Errorf("blank line: %v", err)
	}
}

func TestStoppedManager(t *testing.T) {
	c, buf := newTestCLI(t, &fakeManager{err: gpunet.ErrNoFreeBuffers})
	if err := c.Execute("show status"); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute("show health"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, w := range []string{"Manager running: false", "Stopped by:", "NOT_SERVING"} {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}

	c, _ = newTestCLI(t, nil)
	if err := c.Execute("show statistics"); err == nil {
		t.Error("show statistics without a manager succeeded")
	}
}

func TestCompleter(t *testing.T) {
	c, _ := newTestCLI(t, nil)
	comp := NewCompleter(c.activeConfig)
	tests := []struct {
		line string
		want []string
	}{
		{"sh", []string{"ow "}},
		{"show st", []string{"at"}},
		{"show que", []string{"ues "}},
		{"show interfaces ", []string{"port0 "}},
	}
	for _, tt := range tests {
		got, _ := comp.Do([]rune(tt.line), len(tt.line))
		var s []string
		for _, r := range got {
			s = append(s, string(r))
		}
		if strings.Join(s, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Do(%q) = %q, want %q", tt.line, s, tt.want)
		}
	}
}
