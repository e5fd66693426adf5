// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"walleye.is/walleye/internal/errors"
)

// Source identifies the ingress transport a packet arrived on.
type Source int

const (
	SourceUnknown Source = iota
	SourceSocket
	SourceQueue
)

// EthHeaderLen is the length of an untagged Ethernet header.
const EthHeaderLen = 14

// NetHeader is a parsed view over one packet. The underlying buffer is owned
// by the ingress adapter for the duration of a dispatch call; plugins that
// rewrite the payload must refresh lengths and checksums and set
// PayloadUpdated so the adapter reinjects the buffer.
type NetHeader struct {
	Data []byte

	EthOffset int
	IPOffset  int
	L4Offset  int
	// Parsed is the watermark of header bytes consumed from the start of the
	// frame. Payload length is len(Data) - Parsed.
	Parsed int

	SrcMAC    [6]byte
	DstMAC    [6]byte
	VLAN      uint16
	Ethertype uint16

	IPVersion  int
	IPProtocol layers.IPProtocol
	SrcIP      netip.Addr
	DstIP      netip.Addr

	SrcPort uint16
	DstPort uint16
	ICMPID  uint16

	Fragment bool

	Source   Source
	PacketID uint32
	QueueNum uint16
	RxVidx   uint32
	TxVidx   uint32
	RxPidx   uint32
	TxPidx   uint32

	// PayloadUpdated signals the ingress path that the buffer was rewritten
	// in place and must be handed back to the datapath.
	PayloadUpdated bool
}

// PayloadLen returns the number of L4 payload bytes in the frame.
func (h *NetHeader) PayloadLen() int {
	if len(h.Data) < h.Parsed {
		return 0
	}
	return len(h.Data) - h.Parsed
}

// Payload returns the L4 payload bytes.
func (h *NetHeader) Payload() []byte {
	if len(h.Data) < h.Parsed {
		return nil
	}
	return h.Data[h.Parsed:]
}

// Parse decodes an Ethernet frame down to its transport header and returns a
// NetHeader describing it. Only plain Ethernet and single 802.1Q tags are
// accepted, carrying IPv4 or IPv6 with TCP, UDP, ICMP or ICMPv6 on top, or
// ARP, which is returned without an IP layer.
func Parse(data []byte) (*NetHeader, error) {
	if len(data) < EthHeaderLen {
		return nil, errors.Errorf(errors.KindParse, "frame too short: %d bytes", len(data))
	}

	h := &NetHeader{Data: data}

	copy(h.DstMAC[:], data[0:6])
	copy(h.SrcMAC[:], data[6:12])
	h.Ethertype = uint16(data[12])<<8 | uint16(data[13])
	h.IPOffset = EthHeaderLen

	if h.Ethertype == uint16(layers.EthernetTypeDot1Q) {
		if len(data) < EthHeaderLen+4 {
			return nil, errors.New(errors.KindParse, "truncated 802.1Q tag")
		}
		h.VLAN = (uint16(data[14])<<8 | uint16(data[15])) & 0x0fff
		h.Ethertype = uint16(data[16])<<8 | uint16(data[17])
		h.IPOffset = EthHeaderLen + 4
	}

	switch layers.EthernetType(h.Ethertype) {
	case layers.EthernetTypeIPv4:
		return h, parseIPv4(h)
	case layers.EthernetTypeIPv6:
		return h, parseIPv6(h)
	case layers.EthernetTypeARP:
		// ARP carries no IP layer; the frame is still handed to the
		// dispatcher so the attribute path can see it.
		h.Parsed = len(data)
		return h, nil
	default:
		return nil, errors.Errorf(errors.KindParse, "unsupported ethertype 0x%04x", h.Ethertype)
	}
}

func parseIPv4(h *NetHeader) error {
	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(h.Data[h.IPOffset:], gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(err, errors.KindParse, "ipv4 decode")
	}
	if ip4.IHL < 5 {
		return errors.Errorf(errors.KindParse, "ipv4 ihl %d below minimum", ip4.IHL)
	}
	if int(ip4.Length) < int(ip4.IHL)*4 {
		return errors.New(errors.KindParse, "ipv4 total length shorter than header")
	}
	if end := h.IPOffset + int(ip4.Length); end < len(h.Data) {
		// Drop link-layer padding past the IP total length.
		h.Data = h.Data[:end]
	}

	h.IPVersion = 4
	h.IPProtocol = ip4.Protocol
	h.SrcIP, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
	h.DstIP, _ = netip.AddrFromSlice(ip4.DstIP.To4())
	h.L4Offset = h.IPOffset + int(ip4.IHL)*4
	h.Fragment = ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset != 0

	if h.Fragment {
		// Fragments skip transport parsing entirely; they never reach DPI.
		h.Parsed = h.L4Offset
		return nil
	}
	return parseL4(h, ip4.Payload)
}

func parseIPv6(h *NetHeader) error {
	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(h.Data[h.IPOffset:], gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(err, errors.KindParse, "ipv6 decode")
	}
	if end := h.IPOffset + 40 + int(ip6.Length); ip6.Length > 0 && end < len(h.Data) {
		// Drop link-layer padding past the IPv6 payload length.
		h.Data = h.Data[:end]
	}

	h.IPVersion = 6
	h.SrcIP, _ = netip.AddrFromSlice(ip6.SrcIP)
	h.DstIP, _ = netip.AddrFromSlice(ip6.DstIP)
	h.L4Offset = h.IPOffset + 40

	next := ip6.NextHeader
	payload := ip6.Payload

	// Walk extension headers. A fragment header puts the packet on the same
	// bypass path as IPv4 fragments.
	for {
		switch next {
		case layers.IPProtocolIPv6Fragment:
			h.Fragment = true
			h.IPProtocol = next
			h.Parsed = h.L4Offset
			return nil
		case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Routing, layers.IPProtocolIPv6Destination:
			if len(payload) < 8 {
				return errors.New(errors.KindParse, "truncated ipv6 extension header")
			}
			extLen := int(payload[1])*8 + 8
			if len(payload) < extLen {
				return errors.New(errors.KindParse, "truncated ipv6 extension header")
			}
			next = layers.IPProtocol(payload[0])
			payload = payload[extLen:]
			h.L4Offset += extLen
		default:
			h.IPProtocol = next
			return parseL4(h, payload)
		}
	}
}

func parseL4(h *NetHeader, payload []byte) error {
	switch h.IPProtocol {
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return errors.Wrap(err, errors.KindParse, "tcp decode")
		}
		h.SrcPort = uint16(tcp.SrcPort)
		h.DstPort = uint16(tcp.DstPort)
		h.Parsed = h.L4Offset + int(tcp.DataOffset)*4
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return errors.Wrap(err, errors.KindParse, "udp decode")
		}
		h.SrcPort = uint16(udp.SrcPort)
		h.DstPort = uint16(udp.DstPort)
		h.Parsed = h.L4Offset + 8
	case layers.IPProtocolICMPv4:
		var icmp layers.ICMPv4
		if err := icmp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return errors.Wrap(err, errors.KindParse, "icmp decode")
		}
		h.ICMPID = icmp.Id
		h.Parsed = h.L4Offset + 8
	case layers.IPProtocolICMPv6:
		var icmp layers.ICMPv6
		if err := icmp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return errors.Wrap(err, errors.KindParse, "icmpv6 decode")
		}
		h.Parsed = h.L4Offset + 4
	default:
		return errors.Errorf(errors.KindParse, "unsupported transport protocol %d", h.IPProtocol)
	}

	if h.Parsed > len(h.Data) {
		return errors.New(errors.KindParse, "transport header extends past frame")
	}
	return nil
}
