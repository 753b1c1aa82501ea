// Package emu is a software driver backend. It emulates NIC ports with
// hardware flow steering and GPUs running the receive and send kernels,
// so that the packet I/O manager runs without NIC or GPU hardware.
// Frames enter an emulated port through (*Port).Deliver.
package emu

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/driver"
)

// Compile-time assertions.
var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.GPU     = (*GPU)(nil)
	_ driver.Port    = (*Port)(nil)
	_ driver.RxQueue = (*RxQueue)(nil)
	_ driver.TxQueue = (*TxQueue)(nil)
	_ driver.Stream  = (*stream)(nil)
	_ driver.Region  = (*region)(nil)
)

func init() {
	driver.RegisterBackend(config.BackendEmulated, func(o driver.Options) (driver.Driver, error) {
		return New(o), nil
	})
}

// Driver is the emulated backend.
type Driver struct {
	opts driver.Options
	mem  *addressSpace

	mu    sync.Mutex
	ports map[uint16]*Port
	gpus  map[int]*GPU
}

// New creates an emulated driver.
func New(opts driver.Options) *Driver {
	return &Driver{
		opts:  opts,
		mem:   newAddressSpace(),
		ports: make(map[uint16]*Port),
		gpus:  make(map[int]*GPU),
	}
}

func (d *Driver) Name() string { return config.BackendEmulated }

// OpenPort opens an emulated port. The MAC address is taken from the
// host interface behind address when there is one.
func (d *Driver) OpenPort(id uint16, address string) (driver.Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ports[id]; ok {
		return nil, fmt.Errorf("port %d already open", id)
	}
	mac, err := driver.HardwareAddr(address)
	if err != nil {
		mac = syntheticMAC(id)
		slog.Debug("emulated port without host interface",
			"port", id, "address", address, "mac", mac, "err", err)
	}
	p := newPort(d, id, address, mac)
	d.ports[id] = p
	return p, nil
}

// Port returns the opened port with the given id, or nil.
func (d *Driver) Port(id uint16) *Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[id]
}

func (d *Driver) OpenGPU(id int) (driver.GPU, error) {
	if id < 0 {
		return nil, fmt.Errorf("invalid gpu id %d", id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.gpus[id]; ok {
		return nil, fmt.Errorf("gpu %d already open", id)
	}
	g := &GPU{drv: d, id: id}
	d.gpus[id] = g
	return g, nil
}

// Close closes every port and GPU still open.
func (d *Driver) Close() error {
	d.mu.Lock()
	ports := make([]*Port, 0, len(d.ports))
	for _, p := range d.ports {
		ports = append(ports, p)
	}
	gpus := make([]*GPU, 0, len(d.gpus))
	for _, g := range d.gpus {
		gpus = append(gpus, g)
	}
	d.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
	for _, g := range gpus {
		g.Close()
	}
	return nil
}

func (d *Driver) forgetPort(id uint16) {
	d.mu.Lock()
	delete(d.ports, id)
	d.mu.Unlock()
}

func (d *Driver) forgetGPU(id int) {
	d.mu.Lock()
	delete(d.gpus, id)
	d.mu.Unlock()
}

// syntheticMAC returns a locally administered unicast address.
func syntheticMAC(id uint16) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x67, 0x70, 0x75, byte(id >> 8), byte(id)}
}
