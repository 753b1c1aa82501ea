package flow

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
)

// MirrorMapName is the pinned name of the steering mirror map.
const MirrorMapName = "gpunet_flows"

// MirrorKey is the BPF map key for one explicit rule. Ports are in host
// byte order.
type MirrorKey struct {
	Port     uint16
	Protocol uint8
	Pad      uint8
	SrcPort  uint16
	DstPort  uint16
}

// MirrorValue is the BPF map value for one explicit rule.
type MirrorValue struct {
	Queue    uint16
	Priority uint16
}

// MapMirror publishes the explicit rules of a steering program into a
// pinned BPF hash map so XDP/tc programs on the host can see which
// queue a flow is steered to. It implements Steerer.
type MapMirror struct {
	m      *ebpf.Map
	staged map[MirrorKey]MirrorValue
	// ports seen by CreatePipe since the last Commit, with or without
	// explicit rules.
	ports map[uint16]bool
}

// NewMapMirror opens (or creates) the mirror map pinned in pinDir.
func NewMapMirror(pinDir string) (*MapMirror, error) {
	spec := &ebpf.MapSpec{
		Name:       MirrorMapName,
		Type:       ebpf.Hash,
		KeySize:    8,
		ValueSize:  4,
		MaxEntries: 1024,
		Pinning:    ebpf.PinByName,
	}
	m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{PinPath: pinDir})
	if err != nil {
		return nil, fmt.Errorf("create steering mirror map in %s: %w", pinDir, err)
	}
	mm := &MapMirror{m: m}
	mm.resetStage()
	return mm, nil
}

// mirrorEntry converts an explicit-rule pipe into a map entry. Address
// prefixes are not represented.
func mirrorEntry(p *Pipe) (MirrorKey, MirrorValue, bool) {
	if p.Fwd.Kind != FwdQueue {
		return MirrorKey{}, MirrorValue{}, false
	}
	return MirrorKey{
			Port:     p.Port,
			Protocol: p.Match.Protocol,
			SrcPort:  p.Match.SrcPort,
			DstPort:  p.Match.DstPort,
		}, MirrorValue{
			Queue:    p.Fwd.Queue,
			Priority: priorityFlow,
		}, true
}

// CreatePipe stages explicit-rule pipes. Other pipes only mark their
// port as reprogrammed.
func (mm *MapMirror) CreatePipe(p *Pipe) error {
	mm.ports[p.Port] = true
	k, v, ok := mirrorEntry(p)
	if !ok {
		return nil
	}
	if p.Match.Src.IsValid() || p.Match.Dst.IsValid() {
		slog.Debug("steering mirror ignores address prefixes", "pipe", p.Name)
	}
	mm.staged[k] = v
	return nil
}

// AddRootEntry is a no-op; the mirror only records terminal rules.
func (mm *MapMirror) AddRootEntry(Entry) error { return nil }

// stale reports whether an existing map entry belongs to a port
// reprogrammed in this stage but is no longer among its rules.
func (mm *MapMirror) stale(k MirrorKey) bool {
	if _, keep := mm.staged[k]; keep {
		return false
	}
	return mm.ports[k.Port]
}

func (mm *MapMirror) resetStage() {
	mm.staged = make(map[MirrorKey]MirrorValue)
	mm.ports = make(map[uint16]bool)
}

// Commit writes staged entries and removes entries of every port
// programmed since the last Commit that are no longer present.
func (mm *MapMirror) Commit() error {
	var (
		key   MirrorKey
		val   MirrorValue
		stale []MirrorKey
	)
	iter := mm.m.Iterate()
	for iter.Next(&key, &val) {
		if mm.stale(key) {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("iterate steering mirror: %w", err)
	}
	for _, k := range stale {
		if err := mm.m.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("delete stale mirror entry: %w", err)
		}
	}
	for k, v := range mm.staged {
		if err := mm.m.Update(k, v, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("update mirror entry port %d dport %d: %w", k.Port, k.DstPort, err)
		}
	}
	mm.resetStage()
	return nil
}

// Close releases the map handle. The pinned map stays in place.
func (mm *MapMirror) Close() error {
	return mm.m.Close()
}
