package driver

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"github.com/vishvananda/netlink"
)

var pciAddrRe = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// sysfsPCIDevices is overridden in tests.
var sysfsPCIDevices = "/sys/bus/pci/devices"

// IsPCIAddress reports whether address is a PCI BDF such as 0000:ca:00.0.
func IsPCIAddress(address string) bool {
	return pciAddrRe.MatchString(address)
}

// NetdevName resolves address to a kernel network interface name. A PCI
// address is mapped through sysfs; anything else is taken as a name.
func NetdevName(address string) (string, error) {
	if !IsPCIAddress(address) {
		return address, nil
	}
	dir := filepath.Join(sysfsPCIDevices, address, "net")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("pci %s: %w", address, err)
	}
	if len(entries) > 0 {
		return entries[0].Name(), nil
	}
	return "", fmt.Errorf("pci %s: no network interface bound", address)
}

// HardwareAddr returns the MAC address of the NIC at address.
func HardwareAddr(address string) (net.HardwareAddr, error) {
	name, err := NetdevName(address)
	if err != nil {
		return nil, err
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	mac := link.Attrs().HardwareAddr
	if len(mac) == 0 {
		return nil, fmt.Errorf("link %s has no hardware address", name)
	}
	return mac, nil
}
