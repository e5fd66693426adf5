// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket/layers"
)

// FlowKey identifies a flow. It is comparable and used directly as a map key
// by the accumulator store.
type FlowKey struct {
	SMAC      [6]byte
	DMAC      [6]byte
	VLAN      uint16
	Ethertype uint16
	IPVersion int
	Protocol  layers.IPProtocol
	SrcIP     netip.Addr
	DstIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	ICMPID    uint16
}

// Reverse returns the key with endpoints swapped, used to match return
// traffic of an existing flow.
func (k FlowKey) Reverse() FlowKey {
	r := k
	r.SMAC, r.DMAC = k.DMAC, k.SMAC
	r.SrcIP, r.DstIP = k.DstIP, k.SrcIP
	r.SrcPort, r.DstPort = k.DstPort, k.SrcPort
	return r
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d proto=%d vlan=%d",
		MACString(k.SMAC), k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, k.Protocol, k.VLAN)
}

// Key derives the flow key for a parsed packet. Fragments and frames without
// an IP layer do not produce a key and bypass DPI.
func (h *NetHeader) Key() (FlowKey, bool) {
	if h.Fragment || h.IPVersion == 0 {
		return FlowKey{}, false
	}
	return FlowKey{
		SMAC:      h.SrcMAC,
		DMAC:      h.DstMAC,
		VLAN:      h.VLAN,
		Ethertype: h.Ethertype,
		IPVersion: h.IPVersion,
		Protocol:  h.IPProtocol,
		SrcIP:     h.SrcIP,
		DstIP:     h.DstIP,
		SrcPort:   h.SrcPort,
		DstPort:   h.DstPort,
		ICMPID:    h.ICMPID,
	}, true
}

// MACString renders a MAC address in the lower-case colon form used in policy
// operand sets and cache keys.
func MACString(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// ParseMAC parses the colon form back into address bytes.
func ParseMAC(s string) ([6]byte, bool) {
	var mac [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, false
	}
	return mac, true
}

// ZeroMAC is the all-zero hardware address.
var ZeroMAC = [6]byte{}

// BroadcastMAC is the Ethernet broadcast address.
var BroadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
