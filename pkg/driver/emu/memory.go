package emu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/psaab/gpunetio/pkg/config"
)

const (
	addrBase  uintptr = 0x1000_0000
	addrAlign uintptr = 1 << 16
)

// addressSpace hands out non-overlapping fake device addresses backed by
// host memory.
type addressSpace struct {
	mu      sync.RWMutex
	next    uintptr
	regions []*region // sorted by addr
}

func newAddressSpace() *addressSpace {
	return &addressSpace{next: addrBase}
}

func (as *addressSpace) alloc(gpu int, kind config.MemoryKind, size int) (*region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	r := &region{
		as:   as,
		gpu:  gpu,
		kind: kind,
		addr: as.next,
		data: make([]byte, size),
	}
	as.next += (uintptr(size) + addrAlign - 1) &^ (addrAlign - 1)
	as.regions = append(as.regions, r)
	return r, nil
}

func (as *addressSpace) free(r *region) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, x := range as.regions {
		if x == r {
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("region %#x already freed", r.addr)
}

// lookup returns the region containing addr.
func (as *addressSpace) lookup(addr uintptr) *region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].addr+uintptr(len(as.regions[i].data)) > addr
	})
	if i < len(as.regions) && as.regions[i].addr <= addr {
		return as.regions[i]
	}
	return nil
}

// region is an allocation in the fake address space.
type region struct {
	as   *addressSpace
	gpu  int
	kind config.MemoryKind
	addr uintptr
	data []byte
}

func (r *region) Addr() uintptr           { return r.addr }
func (r *region) Size() int               { return len(r.data) }
func (r *region) Kind() config.MemoryKind { return r.kind }

func (r *region) View(addr uintptr, n int) ([]byte, error) {
	if addr < r.addr || n < 0 || addr-r.addr+uintptr(n) > uintptr(len(r.data)) {
		return nil, fmt.Errorf("address %#x+%d outside region %#x+%d", addr, n, r.addr, len(r.data))
	}
	off := int(addr - r.addr)
	return r.data[off : off+n : off+n], nil
}

func (r *region) Free() error {
	return r.as.free(r)
}
