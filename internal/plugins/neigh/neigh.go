// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package neigh learns ip-to-mac bindings from ARP and NDP attributes and
// maintains the neighbor table the ingress adapters consult.
package neigh

import (
	"net/netip"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
)

type pending struct {
	senderIP  netip.Addr
	senderMAC [6]byte
	hasSender bool
	targetIP  netip.Addr
	targetMAC [6]byte
	hasTarget bool
	source    Source
	active    bool
}

// Plugin is the ARP/NDP learner. Two sub-state machines share one plugin;
// the attribute key prefix selects which one advances.
type Plugin struct {
	name  string
	table *Table

	rec    pending
	logger *logging.Logger

	Learned uint64
	Skipped uint64
}

// New creates the learner writing into the given neighbor table.
func New(table *Table) *Plugin {
	return &Plugin{
		name:   "dpi_ndp",
		table:  table,
		logger: logging.WithComponent("dpi_ndp"),
	}
}

func (p *Plugin) Name() string { return p.name }

// Attributes lists the ARP and NDP keys this plugin consumes.
func (p *Plugin) Attributes() []string {
	return []string{
		"begin", "end",
		"arp.request.", "arp.response.",
		"icmpv6.ndp.neighbor_solicitation.", "icmpv6.ndp.neighbor_advertisement.",
	}
}

func (p *Plugin) reset() {
	p.rec = pending{}
}

func attrMAC(attr classify.Attr) ([6]byte, bool) {
	if attr.Type == classify.AttrString {
		return packet.ParseMAC(attr.Str)
	}
	if attr.Type == classify.AttrBinary && len(attr.Bin) == 6 {
		var mac [6]byte
		copy(mac[:], attr.Bin)
		return mac, true
	}
	return [6]byte{}, false
}

func attrIP(attr classify.Attr) (netip.Addr, bool) {
	if attr.Type == classify.AttrString {
		addr, err := netip.ParseAddr(attr.Str)
		return addr, err == nil
	}
	if attr.Type == classify.AttrBinary {
		return netip.AddrFromSlice(attr.Bin)
	}
	return netip.Addr{}, false
}

// ProcessAttr feeds one ARP or NDP attribute into the pending record. On the
// end marker the assembled bindings are committed to the neighbor table.
func (p *Plugin) ProcessAttr(acc *flow.Accumulator, hdr *packet.NetHeader, attr classify.Attr) flow.Decision {
	if acc != nil {
		acc.DPIAlways = true
	}

	switch attr.Key {
	case "begin":
		if attr.Str != "arp" && attr.Str != "ndp" {
			return flow.DecisionIgnored
		}
		p.reset()
		p.rec.active = true
		if attr.Str == "ndp" {
			p.rec.source = SourceNDP
		}
		return flow.DecisionInspect

	case "end":
		if attr.Str != "arp" && attr.Str != "ndp" {
			return flow.DecisionIgnored
		}
		p.commit()
		p.reset()
		return flow.DecisionPassthru
	}

	field, source, ok := fieldOf(attr.Key)
	if !ok {
		return flow.DecisionIgnored
	}
	if !p.rec.active {
		// Tolerate a missing begin marker; the field stream itself is
		// unambiguous.
		p.rec.active = true
	}
	p.rec.source = source

	switch field {
	case "sender_ip", "target_addr":
		// NDP's target_addr is the address being advertised or solicited;
		// it pairs with the link-layer address below.
		if ip, ok := attrIP(attr); ok {
			p.rec.senderIP = ip
			p.rec.hasSender = true
		}
	case "sender_mac", "src_link_addr", "target_link_addr":
		if mac, ok := attrMAC(attr); ok {
			p.rec.senderMAC = mac
		}
	case "target_ip":
		if ip, ok := attrIP(attr); ok {
			p.rec.targetIP = ip
			p.rec.hasTarget = true
		}
	case "target_mac":
		if mac, ok := attrMAC(attr); ok {
			p.rec.targetMAC = mac
		}
	default:
		p.reset()
		return flow.DecisionIgnored
	}

	return flow.DecisionInspect
}

// fieldOf strips the sub-machine prefix off an attribute key.
func fieldOf(key string) (field string, src Source, ok bool) {
	prefixes := []struct {
		prefix string
		src    Source
	}{
		{"arp.request.", SourceARP},
		{"arp.response.", SourceARP},
		{"icmpv6.ndp.neighbor_solicitation.", SourceNDP},
		{"icmpv6.ndp.neighbor_advertisement.", SourceNDP},
	}
	for _, p := range prefixes {
		if len(key) > len(p.prefix) && key[:len(p.prefix)] == p.prefix {
			return key[len(p.prefix):], p.src, true
		}
	}
	return "", 0, false
}

// commit writes the assembled bindings, skipping broadcast and zero MACs.
func (p *Plugin) commit() {
	p.add(p.rec.senderIP, p.rec.senderMAC)
	if p.rec.hasTarget {
		p.add(p.rec.targetIP, p.rec.targetMAC)
	}
}

func (p *Plugin) add(ip netip.Addr, mac [6]byte) {
	if !ip.IsValid() || ip.IsUnspecified() {
		return
	}
	if mac == packet.ZeroMAC || mac == packet.BroadcastMAC {
		p.Skipped++
		return
	}
	p.table.Add(ip, mac, p.rec.source)
	p.Learned++
	p.logger.Debug("learned neighbor", "ip", ip.String(), "mac", packet.MACString(mac), "source", p.rec.source.String())
}
