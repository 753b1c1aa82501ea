package config

import (
	"net/netip"
	"strings"
	"testing"
)

const sampleConfig = `
system {
    backend emulated;
    loopback;
    steering-map /sys/fs/bpf/gpunet;
    syslog {
        host 192.0.2.10 {
            port 5514;
            severity warning;
        }
    }
    limits {
        rx-ring-size 1024;
        tx-completion-threshold 100;
        tx-completion-interval 16;
    }
}
memory-regions {
    region gpu_rx {
        kind device;
        affinity 0;
        buffers 8192;
        buffer-size 2048;
    }
    region cpu_hdr {
        kind host-pinned;
        buffers 8192;
        buffer-size 64;
    }
}
interfaces {
    port0 {
        address 0000:ca:00.0;
        rx {
            queue rxq0 {
                id 0;
                cpu-core 3;
                batch-size 64;
                memory-region cpu_hdr gpu_rx;
            }
            queue rxq1 {
                id 1;
                batch-size 64;
                memory-region gpu_rx;
            }
            flow dns {
                match {
                    protocol udp;
                    destination-port 53;
                    source-address 10.1.0.0/16;
                }
                queue 1;
            }
        }
        tx {
            queue txq0 {
                id 0;
                cpu-core 4;
                batch-size 32;
                memory-region gpu_rx;
            }
        }
    }
}
`

func compile(t *testing.T, input string) (*Config, error) {
	t.Helper()
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	return CompileConfig(tree)
}

func TestCompileConfig(t *testing.T) {
	cfg, err := compile(t, sampleConfig)
	if err != nil {
		t.Fatalf("CompileConfig: %v", err)
	}

	sys := cfg.System
	if sys.Backend != BackendEmulated || !sys.Loopback || sys.SteeringMapDir != "/sys/fs/bpf/gpunet" {
		t.Errorf("system = %+v", sys)
	}
	if len(sys.Syslog) != 1 || sys.Syslog[0].Port != 5514 || sys.Syslog[0].Severity != "warning" {
		t.Errorf("syslog = %+v", sys.Syslog)
	}
	if sys.Limits.RxRingSize != 1024 {
		t.Errorf("rx-ring-size = %d", sys.Limits.RxRingSize)
	}
	if sys.Limits.TxCompletionThreshold != 100 || sys.Limits.TxCompletionInterval != 16 {
		t.Errorf("tx completion limits = %+v", sys.Limits)
	}
	// Untouched limits keep their defaults.
	if sys.Limits.RxBurstPool != DefaultLimits().RxBurstPool {
		t.Errorf("rx-burst-pool = %d", sys.Limits.RxBurstPool)
	}

	if len(cfg.MemoryRegions) != 2 {
		t.Fatalf("regions = %d", len(cfg.MemoryRegions))
	}
	hdr := cfg.MemoryRegions["cpu_hdr"]
	if hdr.Kind != MemoryHostPinned || hdr.NumBuffers != 8192 || hdr.BufferSize != 64 {
		t.Errorf("cpu_hdr = %+v", hdr)
	}

	ifc := cfg.FindInterface("port0")
	if ifc == nil {
		t.Fatal("port0 missing")
	}
	if ifc.Address != "0000:ca:00.0" {
		t.Errorf("address = %q", ifc.Address)
	}
	if len(ifc.RxQueues) != 2 || len(ifc.TxQueues) != 1 {
		t.Fatalf("queues rx=%d tx=%d", len(ifc.RxQueues), len(ifc.TxQueues))
	}
	rxq0 := ifc.RxQueues[0]
	if rxq0.CPUCore != 3 || rxq0.BatchSize != 64 || len(rxq0.MemoryRegions) != 2 {
		t.Errorf("rxq0 = %+v", rxq0)
	}
	if ifc.RxQueues[1].CPUCore != -1 {
		t.Errorf("rxq1 cpu-core = %d, want -1", ifc.RxQueues[1].CPUCore)
	}

	if len(ifc.Flows) != 1 {
		t.Fatalf("flows = %d", len(ifc.Flows))
	}
	f := ifc.Flows[0]
	if f.Queue != 1 || f.Match.Protocol != "udp" || f.Match.DestinationPort != 53 {
		t.Errorf("flow = %+v", f)
	}
	if f.Match.SourceAddress != netip.MustParsePrefix("10.1.0.0/16") {
		t.Errorf("source-address = %s", f.Match.SourceAddress)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", cfg.Warnings)
	}
}

func TestCompileConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown top level", "routing { }", "unknown statement"},
		{"bad backend", "system { backend dpdk; }", "unknown backend"},
		{"bad limit", "system { limits { rx-ring-size zero; } }", "invalid number"},
		{"unknown limit", "system { limits { foo 1; } }", "unknown limit"},
		{"bad kind", "memory-regions { region a { kind vram; buffers 1; buffer-size 1; } }", "unknown memory kind"},
		{"region missing size", "memory-regions { region a { buffers 1; } }", "required"},
		{"duplicate region", "memory-regions { region a { buffers 1; buffer-size 1; } region a { buffers 1; buffer-size 1; } }", "duplicate region"},
		{"missing address", "interfaces { p0 { rx { queue q { id 0; } } } }", "address is required"},
		{"queue without id", "interfaces { p0 { address x; rx { queue q { batch-size 1; } } } }", "id is required"},
		{"duplicate queue id", "interfaces { p0 { address x; tx { queue a { id 0; } queue b { id 0; } } } }", "already used"},
		{"flow without queue", "interfaces { p0 { address x; rx { flow f { match { protocol udp; } } } } }", "queue is required"},
		{"bad protocol", "interfaces { p0 { address x; rx { flow f { match { protocol icmp; } queue 0; } } } }", "unsupported protocol"},
		{"ipv6 prefix", "interfaces { p0 { address x; rx { flow f { match { source-address 2001:db8::/32; } queue 0; } } } }", "not IPv4"},
		{"port out of range", "interfaces { p0 { address x; rx { flow f { match { destination-port 70000; } queue 0; } } } }", "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(t, tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestValidateConfigWarnings(t *testing.T) {
	input := `
system { limits { max-buffers 1000; } }
memory-regions { region r { buffers 16; buffer-size 64; } }
interfaces {
    p0 {
        address x;
        rx {
            queue q0 { id 0; batch-size 32; memory-region r; }
            flow f { match { protocol tcp; } queue 7; }
        }
        tx { queue t0 { id 0; memory-region missing; } }
    }
    p1 { address y; }
}`
	cfg, err := compile(t, input)
	if err != nil {
		t.Fatalf("CompileConfig: %v", err)
	}
	want := []string{
		"exceeds 16 buffers",
		"rx queue 7 not defined",
		`"missing" not defined`,
		"p1 has no queues",
		"max-buffers 1000 is not a power of two",
	}
	all := strings.Join(cfg.Warnings, "\n")
	for _, w := range want {
		if !strings.Contains(all, w) {
			t.Errorf("warnings missing %q:\n%s", w, all)
		}
	}
}

func TestHostAddressPrefix(t *testing.T) {
	cfg, err := compile(t, `interfaces { p0 { address x; rx {
        queue q { id 0; }
        flow f { match { destination-address 10.0.0.7; } queue 0; }
    } } }`)
	if err != nil {
		t.Fatal(err)
	}
	got := cfg.Interfaces[0].Flows[0].Match.DestinationAddress
	if got.Bits() != 32 || got.Addr() != netip.MustParseAddr("10.0.0.7") {
		t.Errorf("destination-address = %s", got)
	}
}
