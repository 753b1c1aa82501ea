// Package flow builds the hardware flow-steering program for an
// interface: a default RSS group for queues without an explicit rule,
// one pipe per explicit rule, and a root control pipe that dispatches to
// them in priority order.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IP protocol numbers understood by Match.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// ParseProtocol converts a protocol name to its IP protocol number.
func ParseProtocol(name string) (uint8, error) {
	switch name {
	case "", "any":
		return 0, nil
	case "udp":
		return ProtoUDP, nil
	case "tcp":
		return ProtoTCP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol %q (valid: udp, tcp)", name)
	}
}

// ProtocolName is the inverse of ParseProtocol.
func ProtocolName(p uint8) string {
	switch p {
	case 0:
		return "any"
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	default:
		return fmt.Sprintf("%d", p)
	}
}

// PacketMeta is the subset of packet headers the classifier looks at.
type PacketMeta struct {
	IPv4     bool
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
}

// Match is a classification predicate. Zero fields match anything.
type Match struct {
	IPv4     bool
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
	Src      netip.Prefix
	Dst      netip.Prefix
}

// Matches reports whether p satisfies every field set in m.
func (m Match) Matches(p PacketMeta) bool {
	if m.IPv4 && !p.IPv4 {
		return false
	}
	if m.Protocol != 0 && m.Protocol != p.Protocol {
		return false
	}
	if m.SrcPort != 0 && m.SrcPort != p.SrcPort {
		return false
	}
	if m.DstPort != 0 && m.DstPort != p.DstPort {
		return false
	}
	if m.Src.IsValid() && !m.Src.Contains(p.Src) {
		return false
	}
	if m.Dst.IsValid() && !m.Dst.Contains(p.Dst) {
		return false
	}
	return true
}

func (m Match) String() string {
	s := "any"
	if m.IPv4 {
		s = "ipv4"
	}
	if m.Protocol != 0 {
		s += " " + ProtocolName(m.Protocol)
	}
	if m.Src.IsValid() {
		s += " src " + m.Src.String()
	}
	if m.Dst.IsValid() {
		s += " dst " + m.Dst.String()
	}
	if m.SrcPort != 0 {
		s += fmt.Sprintf(" sport %d", m.SrcPort)
	}
	if m.DstPort != 0 {
		s += fmt.Sprintf(" dport %d", m.DstPort)
	}
	return s
}

// Parser decodes Ethernet/IPv4/UDP/TCP headers. A Parser is not safe
// for concurrent use.
type Parser struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	udp     layers.UDP
	tcp     layers.TCP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewParser creates a header parser.
func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 4)}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.ip4, &p.udp, &p.tcp)
	p.parser.IgnoreUnsupported = true
	return p
}

// Parse extracts PacketMeta from an Ethernet frame. Frames that are not
// IPv4 parse successfully with IPv4 unset.
func (p *Parser) Parse(frame []byte) (PacketMeta, error) {
	var meta PacketMeta
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil {
		return meta, fmt.Errorf("decode frame: %w", err)
	}
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			meta.IPv4 = true
			meta.Protocol = uint8(p.ip4.Protocol)
			meta.Src, _ = netip.AddrFromSlice(p.ip4.SrcIP.To4())
			meta.Dst, _ = netip.AddrFromSlice(p.ip4.DstIP.To4())
		case layers.LayerTypeUDP:
			meta.SrcPort = uint16(p.udp.SrcPort)
			meta.DstPort = uint16(p.udp.DstPort)
		case layers.LayerTypeTCP:
			meta.SrcPort = uint16(p.tcp.SrcPort)
			meta.DstPort = uint16(p.tcp.DstPort)
		}
	}
	return meta, nil
}

// ParsePacket is a convenience wrapper around a one-shot Parser.
func ParsePacket(frame []byte) (PacketMeta, error) {
	return NewParser().Parse(frame)
}

// RSSHash hashes the packet 5-tuple for receive-side scaling.
func RSSHash(p PacketMeta) uint64 {
	var b [13]byte
	if p.Src.Is4() {
		s := p.Src.As4()
		copy(b[0:4], s[:])
	}
	if p.Dst.Is4() {
		d := p.Dst.As4()
		copy(b[4:8], d[:])
	}
	binary.BigEndian.PutUint16(b[8:10], p.SrcPort)
	binary.BigEndian.PutUint16(b[10:12], p.DstPort)
	b[12] = p.Protocol
	return xxhash.Sum64(b[:])
}
