// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"time"

	"walleye.is/walleye/internal/packet"
)

// Decision is a plugin's per-flow verdict component.
type Decision int

const (
	// DecisionClear means the plugin has not looked at the flow yet.
	DecisionClear Decision = iota
	// DecisionInspect means more packets are needed.
	DecisionInspect
	// DecisionPassthru means the plugin is done and the flow may pass.
	DecisionPassthru
	// DecisionDrop means the flow must be dropped.
	DecisionDrop
	// DecisionIgnored is returned by attribute clients for attributes outside
	// their state machine; it never sticks to the flow.
	DecisionIgnored
)

func (d Decision) String() string {
	switch d {
	case DecisionClear:
		return "clear"
	case DecisionInspect:
		return "inspect"
	case DecisionPassthru:
		return "passthru"
	case DecisionDrop:
		return "drop"
	case DecisionIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Direction of a flow relative to the LAN.
type Direction int

const (
	DirectionUnset Direction = iota
	DirectionOutbound
	DirectionInbound
	DirectionLan2Lan
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	case DirectionLan2Lan:
		return "lan2lan"
	default:
		return "unset"
	}
}

// State of an accumulator within the reporting window lifecycle.
type State int

const (
	StateNew State = iota
	StateActive
	StateWindowActive
	StateClosed
)

// Counters carries the bidirectional counts accumulated for a flow.
type Counters struct {
	Packets      uint64
	Bytes        uint64
	PayloadBytes uint64
}

// PluginInfo is the per-plugin state hung off an accumulator.
type PluginInfo struct {
	PluginID string
	Decision Decision
}

// Tag is the classification attached to a reportable flow.
type Tag struct {
	Vendor  string
	AppName string
	Tags    []string
}

// VendorKV is one vendor data key/value pair on a reportable flow.
type VendorKV struct {
	Key      string
	StrValue string
	U64Value uint64
	IsStr    bool
}

// Accumulator is the long-lived per-flow record. It owns its classifier
// state and per-plugin info; both are released by the store on destruction.
type Accumulator struct {
	Key        packet.FlowKey
	Direction  Direction
	Originator packet.FlowKey

	Counters Counters

	DPIDone   bool
	DPIAlways bool

	// DPI is the opaque classifier connection owned by the signature plugin.
	DPI any

	Plugins map[string]*PluginInfo

	// Report marks the flow for inclusion in the next flow report.
	Report     bool
	Tag        *Tag
	VendorData []VendorKV

	// FlowMarker is a plugin-supplied conntrack mark, applied when the
	// aggregated verdict is passthru.
	FlowMarker uint32

	State     State
	CreatedAt time.Time
	LastHit   time.Time
}

// PluginInfo returns the per-plugin info for the given plugin, creating it on
// first use.
func (a *Accumulator) PluginInfo(pluginID string) *PluginInfo {
	info, ok := a.Plugins[pluginID]
	if !ok {
		info = &PluginInfo{PluginID: pluginID}
		a.Plugins[pluginID] = info
	}
	return info
}

// LocalRemote resolves the local (LAN) MAC and the remote IP of a flow from
// its direction. For outbound flows the source is local.
func (a *Accumulator) LocalRemote() (localMAC [6]byte, remoteIP string) {
	switch a.Direction {
	case DirectionInbound:
		return a.Key.DMAC, a.Key.SrcIP.String()
	default:
		return a.Key.SMAC, a.Key.DstIP.String()
	}
}
