package driver

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeDriver struct {
	Driver
	opts Options
}

func TestRegistry(t *testing.T) {
	RegisterBackend("test-fake", func(o Options) (Driver, error) {
		return &fakeDriver{opts: o}, nil
	})

	d, err := Open("test-fake", Options{Loopback: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if fd, ok := d.(*fakeDriver); !ok || !fd.opts.Loopback {
		t.Errorf("unexpected driver %#v", d)
	}

	found := false
	for _, n := range Backends() {
		if n == "test-fake" {
			found = true
		}
	}
	if !found {
		t.Errorf("Backends() = %v", Backends())
	}

	if _, err := Open("no-such-backend", Options{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Open unknown: %v", err)
	}
}

func TestIsPCIAddress(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0000:ca:00.0", true},
		{"0000:CA:00.1", true},
		{"ca:00.0", false},
		{"eth0", false},
		{"0000:ca:00.8", false},
	}
	for _, tt := range tests {
		if got := IsPCIAddress(tt.in); got != tt.want {
			t.Errorf("IsPCIAddress(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNetdevName(t *testing.T) {
	root := t.TempDir()
	old := sysfsPCIDevices
	sysfsPCIDevices = root
	defer func() { sysfsPCIDevices = old }()

	if err := os.MkdirAll(filepath.Join(root, "0000:ca:00.0", "net", "ens1f0np0"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "0000:ca:00.1", "net"), 0755); err != nil {
		t.Fatal(err)
	}

	name, err := NetdevName("0000:ca:00.0")
	if err != nil || name != "ens1f0np0" {
		t.Errorf("NetdevName = %q, %v", name, err)
	}
	if _, err := NetdevName("0000:ca:00.1"); err == nil {
		t.Error("expected error for device without netdev")
	}
	if _, err := NetdevName("0000:cb:00.0"); err == nil {
		t.Error("expected error for missing device")
	}
	if name, _ := NetdevName("eth3"); name != "eth3" {
		t.Errorf("NetdevName(eth3) = %q", name)
	}
}
