// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dispatch routes parsed packets to the bound DPI plugins and
// aggregates their per-flow decisions into a packet verdict.
package dispatch

import (
	"github.com/gopacket/gopacket/layers"

	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
)

// Plugin is a DPI plugin bound to the dispatcher. Plugins run in insertion
// order on every inspected packet of a flow.
type Plugin interface {
	Name() string
	// TargetedDevices returns the tag expression selecting devices this
	// plugin applies to. Empty means include all.
	TargetedDevices() string
	// ExcludedDevices returns the tag expression of devices to skip. Empty
	// means exclude none.
	ExcludedDevices() string
	// Handle inspects one packet of a flow and records its decision through
	// acc.PluginInfo.
	Handle(hdr *packet.NetHeader, acc *flow.Accumulator)
	// FlowRelease frees the plugin's per-flow context on flow destruction.
	FlowRelease(acc *flow.Accumulator)
}

// TagInFunc reports whether a MAC string is a member of a named device tag.
// When nil, tag expressions only match as literal MAC strings.
type TagInFunc func(mac, tag string) bool

// Dispatcher owns the plugin list (not the plugins) and the flow store
// binding. Plugins registered after a flow's first packet still see that
// flow's later packets, as long as DPI on the flow is not done.
type Dispatcher struct {
	store   *flow.Store
	plugins []Plugin
	tagIn   TagInFunc
	logger  *logging.Logger

	// LocalMACs drives direction derivation: a flow whose source MAC is
	// local is outbound.
	LocalMACs map[[6]byte]bool

	PacketsIn      uint64
	PacketsDropped uint64
}

// NewDispatcher creates a dispatcher over the given flow store.
func NewDispatcher(store *flow.Store, tagIn TagInFunc) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		tagIn:     tagIn,
		logger:    logging.WithComponent("dispatch"),
		LocalMACs: make(map[[6]byte]bool),
	}
	store.OnRelease(d.releaseFlow)
	return d
}

// Register binds a plugin. Order of registration is execution order.
func (d *Dispatcher) Register(p Plugin) {
	d.logger.Info("adding dpi plugin", "name", p.Name())
	d.plugins = append(d.plugins, p)
}

// Plugins returns the bound plugins in execution order.
func (d *Dispatcher) Plugins() []Plugin {
	return d.plugins
}

// RebindFlows does no work. Flows pick up per-plugin info for newly bound
// plugins on their next packet; a flow whose DPI is done is not reopened.
func (d *Dispatcher) RebindFlows() {
}

func (d *Dispatcher) releaseFlow(acc *flow.Accumulator) {
	for _, p := range d.plugins {
		p.FlowRelease(acc)
	}
}

// macMatches checks a MAC string against a tag expression: either the MAC is
// a member of the named tag, or the expression is the literal MAC itself.
func (d *Dispatcher) macMatches(mac, val string) bool {
	if val == "" {
		return false
	}
	if d.tagIn != nil && d.tagIn(mac, val) {
		return true
	}
	return mac == val
}

func (d *Dispatcher) macsMatch(hdr *packet.NetHeader, val string) bool {
	if val == "" {
		return false
	}
	return d.macMatches(packet.MACString(hdr.SrcMAC), val) ||
		d.macMatches(packet.MACString(hdr.DstMAC), val)
}

// deriveDirection sets the flow direction from the originator and the local
// MAC table on flow creation.
func (d *Dispatcher) deriveDirection(acc *flow.Accumulator) {
	srcLocal := d.LocalMACs[acc.Key.SMAC]
	dstLocal := d.LocalMACs[acc.Key.DMAC]
	switch {
	case srcLocal && dstLocal:
		acc.Direction = flow.DirectionLan2Lan
	case srcLocal:
		acc.Direction = flow.DirectionOutbound
	case dstLocal:
		acc.Direction = flow.DirectionInbound
	default:
		acc.Direction = flow.DirectionOutbound
	}
}

// Dispatch runs one packet through the DPI pipeline and returns the verdict
// the ingress adapter must enact.
func (d *Dispatcher) Dispatch(hdr *packet.NetHeader) Verdict {
	d.PacketsIn++

	key, ok := hdr.Key()
	if !ok {
		// Fragments and non-IP frames are never inspected.
		return Accept()
	}

	acc, created := d.store.LookupOrCreate(key)
	if created {
		d.deriveDirection(acc)
	}

	payloadLen := uint64(hdr.PayloadLen())
	d.store.Touch(acc, 1, uint64(len(hdr.Data)), payloadLen)

	// UDP packets with no payload update counters but skip the plugins.
	if hdr.IPProtocol == layers.IPProtocolUDP && payloadLen == 0 {
		return Inspect()
	}

	// Make sure per-plugin info exists for every bound plugin.
	for _, p := range d.plugins {
		acc.PluginInfo(p.Name())
	}

	if acc.DPIDone && !acc.DPIAlways {
		return d.cachedVerdict(acc)
	}

	drop := false
	pass := true
	consulted := false

	for _, p := range d.plugins {
		if d.macsMatch(hdr, p.ExcludedDevices()) {
			continue
		}
		if targets := p.TargetedDevices(); targets != "" && !d.macsMatch(hdr, targets) {
			continue
		}

		info := acc.PluginInfo(p.Name())
		if info.Decision == flow.DecisionClear {
			info.Decision = flow.DecisionInspect
		}
		if info.Decision == flow.DecisionInspect {
			p.Handle(hdr, acc)
		}

		consulted = true
		if info.Decision == flow.DecisionDrop {
			drop = true
			break
		}
		pass = pass && info.Decision == flow.DecisionPassthru
	}

	if !consulted {
		return Inspect()
	}

	if drop {
		acc.DPIDone = true
		d.PacketsDropped++
		return Drop()
	}
	if pass {
		acc.DPIDone = true
		if acc.FlowMarker != 0 {
			return AcceptWithMark(acc.FlowMarker)
		}
		return Accept()
	}
	return Inspect()
}

// cachedVerdict replays the terminal decision of a finished flow without
// re-running the plugins.
func (d *Dispatcher) cachedVerdict(acc *flow.Accumulator) Verdict {
	for _, info := range acc.Plugins {
		if info.Decision == flow.DecisionDrop {
			return Drop()
		}
	}
	if acc.FlowMarker != 0 {
		return AcceptWithMark(acc.FlowMarker)
	}
	return Accept()
}
