package config

import (
	"fmt"
	"net/netip"
	"strconv"
)

// CompileConfig converts a parsed ConfigTree AST into a typed Config struct.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := &Config{
		System: SystemConfig{
			Backend: BackendEmulated,
			Limits:  DefaultLimits(),
		},
		MemoryRegions: make(map[string]*MemoryRegionConfig),
	}

	for _, node := range tree.Children {
		switch node.Name() {
		case "system":
			if err := compileSystem(node, &cfg.System); err != nil {
				return nil, fmt.Errorf("system: %w", err)
			}
		case "memory-regions":
			if err := compileMemoryRegions(node, cfg.MemoryRegions); err != nil {
				return nil, fmt.Errorf("memory-regions: %w", err)
			}
		case "interfaces":
			if err := compileInterfaces(node, cfg); err != nil {
				return nil, fmt.Errorf("interfaces: %w", err)
			}
		default:
			return nil, fmt.Errorf("%s: unknown statement %q", node.Pos(), node.Name())
		}
	}

	cfg.Warnings = append(cfg.Warnings, ValidateConfig(cfg)...)
	return cfg, nil
}

// ValidateConfig performs cross-reference checks on a compiled config and
// returns non-fatal warnings. Errors that make the configuration
// unusable are reported by the packet I/O manager before it touches any
// hardware.
func ValidateConfig(cfg *Config) []string {
	var warnings []string

	for _, ifc := range cfg.Interfaces {
		if len(ifc.RxQueues) == 0 && len(ifc.TxQueues) == 0 {
			warnings = append(warnings,
				fmt.Sprintf("interface %s has no queues", ifc.Name))
		}
		for _, dir := range []struct {
			name   string
			queues []*QueueConfig
		}{{"rx", ifc.RxQueues}, {"tx", ifc.TxQueues}} {
			for _, q := range dir.queues {
				for _, mr := range q.MemoryRegions {
					r, ok := cfg.MemoryRegions[mr]
					if !ok {
						warnings = append(warnings,
							fmt.Sprintf("interface %s %s queue %s: memory-region %q not defined",
								ifc.Name, dir.name, q.Name, mr))
						continue
					}
					if q.BatchSize > r.NumBuffers {
						warnings = append(warnings,
							fmt.Sprintf("interface %s %s queue %s: batch-size %d exceeds %d buffers of %s",
								ifc.Name, dir.name, q.Name, q.BatchSize, r.NumBuffers, mr))
					}
				}
			}
		}
		for _, f := range ifc.Flows {
			found := false
			for _, q := range ifc.RxQueues {
				if q.ID == f.Queue {
					found = true
					break
				}
			}
			if !found {
				warnings = append(warnings,
					fmt.Sprintf("interface %s flow %s: rx queue %d not defined", ifc.Name, f.Name, f.Queue))
			}
		}
	}

	l := cfg.System.Limits
	for name, v := range map[string]int{
		"max-buffers":          l.MaxBuffers,
		"max-buffer-size":      l.MaxBufferSize,
		"large-packet-buffers": l.LargePacketBuffers,
	} {
		if v&(v-1) != 0 {
			warnings = append(warnings,
				fmt.Sprintf("limits %s %d is not a power of two", name, v))
		}
	}
	return warnings
}

func compileSystem(node *Node, sys *SystemConfig) error {
	for _, child := range node.Children {
		switch child.Name() {
		case "backend":
			v := nodeVal(child)
			if v != BackendEmulated && v != BackendDOCA {
				return fmt.Errorf("%s: unknown backend %q (valid: emulated, doca)", child.Pos(), v)
			}
			sys.Backend = v
		case "steering-map":
			sys.SteeringMapDir = nodeVal(child)
		case "loopback":
			sys.Loopback = true
		case "syslog":
			for _, h := range child.FindChildren("host") {
				host := &SyslogHost{Address: nodeVal(h), Port: 514}
				if host.Address == "" {
					return fmt.Errorf("%s: syslog host without address", h.Pos())
				}
				for _, prop := range h.Children {
					switch prop.Name() {
					case "port":
						p, err := parseInt(prop, 1, 65535)
						if err != nil {
							return err
						}
						host.Port = p
					case "severity":
						host.Severity = nodeVal(prop)
					}
				}
				sys.Syslog = append(sys.Syslog, host)
			}
		case "limits":
			if err := compileLimits(child, &sys.Limits); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: unknown system statement %q", child.Pos(), child.Name())
		}
	}
	return nil
}

func compileLimits(node *Node, l *Limits) error {
	fields := map[string]*int{
		"rx-ring-size":            &l.RxRingSize,
		"tx-ring-size":            &l.TxRingSize,
		"rx-burst-pool":           &l.RxBurstPool,
		"tx-burst-pool":           &l.TxBurstPool,
		"semaphores-per-queue":    &l.SemaphoresPerQueue,
		"max-buffers":             &l.MaxBuffers,
		"max-buffer-size":         &l.MaxBufferSize,
		"large-packet-size":       &l.LargePacketSize,
		"large-packet-buffers":    &l.LargePacketBuffers,
		"max-default-queues":      &l.MaxDefaultQueues,
		"tx-completion-threshold": &l.TxCompletionThreshold,
		"tx-completion-interval":  &l.TxCompletionInterval,
	}
	for _, child := range node.Children {
		dst, ok := fields[child.Name()]
		if !ok {
			return fmt.Errorf("%s: unknown limit %q", child.Pos(), child.Name())
		}
		min := 1
		if child.Name() == "tx-completion-interval" {
			min = 0
		}
		v, err := parseInt(child, min, 1<<30)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

func compileMemoryRegions(node *Node, regions map[string]*MemoryRegionConfig) error {
	for _, child := range node.FindChildren("region") {
		name := nodeVal(child)
		if name == "" {
			return fmt.Errorf("%s: region without name", child.Pos())
		}
		if _, dup := regions[name]; dup {
			return fmt.Errorf("%s: duplicate region %q", child.Pos(), name)
		}
		mr := &MemoryRegionConfig{Name: name, Kind: MemoryDevice}
		for _, prop := range child.Children {
			var err error
			switch prop.Name() {
			case "kind":
				switch v := nodeVal(prop); v {
				case "device":
					mr.Kind = MemoryDevice
				case "host-pinned":
					mr.Kind = MemoryHostPinned
				case "host":
					mr.Kind = MemoryHost
				default:
					err = fmt.Errorf("%s: unknown memory kind %q (valid: device, host-pinned, host)", prop.Pos(), v)
				}
			case "affinity":
				mr.Affinity, err = parseInt(prop, 0, 1<<16)
			case "buffers":
				mr.NumBuffers, err = parseInt(prop, 1, 1<<30)
			case "buffer-size":
				mr.BufferSize, err = parseInt(prop, 1, 1<<30)
			default:
				err = fmt.Errorf("%s: unknown region statement %q", prop.Pos(), prop.Name())
			}
			if err != nil {
				return fmt.Errorf("region %s: %w", name, err)
			}
		}
		if mr.NumBuffers == 0 || mr.BufferSize == 0 {
			return fmt.Errorf("region %s: buffers and buffer-size are required", name)
		}
		regions[name] = mr
	}
	return nil
}

func compileInterfaces(node *Node, cfg *Config) error {
	seen := make(map[string]bool)
	for _, child := range node.Children {
		name := child.Name()
		if seen[name] {
			return fmt.Errorf("%s: duplicate interface %q", child.Pos(), name)
		}
		seen[name] = true

		ifc := &InterfaceConfig{Name: name}
		for _, prop := range child.Children {
			var err error
			switch prop.Name() {
			case "address":
				ifc.Address = nodeVal(prop)
			case "rx":
				ifc.RxQueues, err = compileQueues(prop)
				if err == nil {
					ifc.Flows, err = compileFlows(prop)
				}
			case "tx":
				ifc.TxQueues, err = compileQueues(prop)
			default:
				err = fmt.Errorf("%s: unknown interface statement %q", prop.Pos(), prop.Name())
			}
			if err != nil {
				return fmt.Errorf("interface %s: %w", name, err)
			}
		}
		if ifc.Address == "" {
			return fmt.Errorf("interface %s: address is required", name)
		}
		cfg.Interfaces = append(cfg.Interfaces, ifc)
	}
	return nil
}

func compileQueues(node *Node) ([]*QueueConfig, error) {
	var queues []*QueueConfig
	ids := make(map[uint16]string)
	for _, qn := range node.FindChildren("queue") {
		q := &QueueConfig{Name: nodeVal(qn), CPUCore: -1, BatchSize: 1}
		hasID := false
		for _, prop := range qn.Children {
			var err error
			switch prop.Name() {
			case "id":
				var id int
				id, err = parseInt(prop, 0, 65535)
				q.ID = uint16(id)
				hasID = true
			case "cpu-core":
				q.CPUCore, err = parseInt(prop, 0, 1<<16)
			case "batch-size":
				q.BatchSize, err = parseInt(prop, 1, 1<<20)
			case "memory-region":
				q.MemoryRegions = append(q.MemoryRegions, prop.Keys[1:]...)
			default:
				err = fmt.Errorf("%s: unknown queue statement %q", prop.Pos(), prop.Name())
			}
			if err != nil {
				return nil, fmt.Errorf("%s queue %s: %w", node.Name(), q.Name, err)
			}
		}
		if !hasID {
			return nil, fmt.Errorf("%s queue %s: id is required", node.Name(), q.Name)
		}
		if other, dup := ids[q.ID]; dup {
			return nil, fmt.Errorf("%s queue %s: id %d already used by queue %s",
				node.Name(), q.Name, q.ID, other)
		}
		ids[q.ID] = q.Name
		queues = append(queues, q)
	}
	return queues, nil
}

func compileFlows(node *Node) ([]*FlowConfig, error) {
	var flows []*FlowConfig
	for i, fn := range node.FindChildren("flow") {
		f := &FlowConfig{Name: nodeVal(fn), ID: i}
		hasQueue := false
		for _, prop := range fn.Children {
			var err error
			switch prop.Name() {
			case "id":
				f.ID, err = parseInt(prop, 0, 1<<20)
			case "queue":
				var q int
				q, err = parseInt(prop, 0, 65535)
				f.Queue = uint16(q)
				hasQueue = true
			case "match":
				err = compileFlowMatch(prop, &f.Match)
			default:
				err = fmt.Errorf("%s: unknown flow statement %q", prop.Pos(), prop.Name())
			}
			if err != nil {
				return nil, fmt.Errorf("flow %s: %w", f.Name, err)
			}
		}
		if !hasQueue {
			return nil, fmt.Errorf("flow %s: queue is required", f.Name)
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func compileFlowMatch(node *Node, m *FlowMatch) error {
	for _, prop := range node.Children {
		var err error
		switch prop.Name() {
		case "protocol":
			m.Protocol = nodeVal(prop)
			if m.Protocol != "udp" && m.Protocol != "tcp" {
				err = fmt.Errorf("%s: unsupported protocol %q (valid: udp, tcp)", prop.Pos(), m.Protocol)
			}
		case "source-port":
			var p int
			p, err = parseInt(prop, 1, 65535)
			m.SourcePort = uint16(p)
		case "destination-port":
			var p int
			p, err = parseInt(prop, 1, 65535)
			m.DestinationPort = uint16(p)
		case "source-address":
			m.SourceAddress, err = parsePrefix(prop)
		case "destination-address":
			m.DestinationAddress, err = parsePrefix(prop)
		default:
			err = fmt.Errorf("%s: unknown match statement %q", prop.Pos(), prop.Name())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func parseInt(n *Node, min, max int) (int, error) {
	s := nodeVal(n)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: invalid number %q", n.Pos(), n.Name(), s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s: %s %d out of range [%d, %d]", n.Pos(), n.Name(), v, min, max)
	}
	return v, nil
}

func parsePrefix(n *Node) (netip.Prefix, error) {
	s := nodeVal(n)
	if p, err := netip.ParsePrefix(s); err == nil {
		if !p.Addr().Is4() {
			return netip.Prefix{}, fmt.Errorf("%s: %s %q is not IPv4", n.Pos(), n.Name(), s)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Prefix{}, fmt.Errorf("%s: %s: invalid IPv4 address %q", n.Pos(), n.Name(), s)
	}
	return netip.PrefixFrom(a, 32), nil
}

func nodeVal(n *Node) string {
	if len(n.Keys) >= 2 {
		return n.Keys[1]
	}
	if len(n.Children) > 0 {
		return n.Children[0].Name()
	}
	return ""
}
