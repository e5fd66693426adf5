// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package report serializes URL events and DPI health stats and hands them
// to the off-box transport. The single send contract keeps the core
// testable without a broker.
package report

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
	"walleye.is/walleye/internal/policy"
)

// Transport ships a serialized report to a topic. Implementations wrap the
// MQTT/IPC publisher, which is outside the core.
type Transport interface {
	SendPBReport(topic string, buf []byte) error
}

// Emitter builds and sends the two report families.
type Emitter struct {
	transport Transport

	// Topic receives URL events; BlockerTopic, when set, overrides it for
	// block verdicts. HealthTopic receives DPI health stats.
	Topic        string
	BlockerTopic string
	HealthTopic  string

	NodeID     string
	LocationID string

	Sent   uint64
	Failed uint64

	logger *logging.Logger
	now    func() time.Time
}

// NewEmitter creates a report emitter over the given transport.
func NewEmitter(transport Transport) *Emitter {
	return &Emitter{
		transport: transport,
		logger:    logging.WithComponent("report"),
		now:       time.Now,
	}
}

// URLEvent is the JSON shape of one policy verdict event.
type URLEvent struct {
	ReportID   string `json:"report_id"`
	NodeID     string `json:"node_id,omitempty"`
	LocationID string `json:"location_id,omitempty"`
	DeviceID   string `json:"device_id"`
	URL        string `json:"url"`
	Action     string `json:"action"`
	RuleName   string `json:"rule_name,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`
	PolicyIdx  int    `json:"policy_idx"`
	Timestamp  int64  `json:"timestamp"`
	Provider   string `json:"provider,omitempty"`
	Categories []int  `json:"categories,omitempty"`
	RiskLevel  int    `json:"risk_level,omitempty"`
	FromCache  bool   `json:"from_cache,omitempty"`
}

// SendURLReport emits one URL event when the reply asks for it.
func (e *Emitter) SendURLReport(mac [6]byte, req *policy.Request, reply *policy.Reply) {
	if !reply.ToReport {
		return
	}
	if e.transport == nil {
		e.logger.Debug("incomplete setup, not sending report", "url", req.URL)
		return
	}

	event := URLEvent{
		ReportID:   uuid.NewString(),
		NodeID:     e.NodeID,
		LocationID: e.LocationID,
		DeviceID:   packet.MACString(mac),
		URL:        req.URL,
		Action:     reply.LogAction,
		RuleName:   reply.RuleName,
		PolicyName: reply.PolicyName,
		PolicyIdx:  reply.PolicyIdx,
		Timestamp:  e.now().Unix(),
		Provider:   reply.Provider,
		FromCache:  reply.FromCache,
	}
	if req.Reply != nil {
		event.Categories = req.Reply.Categories
		event.RiskLevel = req.Reply.RiskLevel
	}

	buf, err := json.Marshal(event)
	if err != nil {
		e.logger.WithError(err).Error("failed to encode url report")
		return
	}

	topic := e.Topic
	if reply.Action == policy.ActionBlock && e.BlockerTopic != "" {
		topic = e.BlockerTopic
	}
	e.send(topic, buf)
}

// FlowRecord is the per-flow slice of a health report.
type FlowRecord struct {
	SrcMAC     string         `json:"src_mac"`
	DstMAC     string         `json:"dst_mac"`
	SrcIP      string         `json:"src_ip"`
	DstIP      string         `json:"dst_ip"`
	SrcPort    uint16         `json:"src_port"`
	DstPort    uint16         `json:"dst_port"`
	Protocol   uint8          `json:"protocol"`
	Direction  string         `json:"direction"`
	Packets    uint64         `json:"packets"`
	Bytes      uint64         `json:"bytes"`
	Vendor     string         `json:"vendor,omitempty"`
	AppName    string         `json:"app_name,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	VendorData map[string]any `json:"vendor_data,omitempty"`
}

// HealthStats is the periodic DPI health report.
type HealthStats struct {
	NodeID     string       `json:"node_id,omitempty"`
	LocationID string       `json:"location_id,omitempty"`
	Timestamp  int64        `json:"timestamp"`
	CurrAlloc  uint64       `json:"curr_alloc"`
	PeakAlloc  uint64       `json:"peak_alloc"`
	FailAlloc  uint64       `json:"fail_alloc"`
	ScanBytes  uint64       `json:"scan_bytes"`
	ScanStart  uint64       `json:"scan_started"`
	ScanStop   uint64       `json:"scan_stopped"`
	Conns      uint64       `json:"connections"`
	Streams    uint64       `json:"streams"`
	ErrCreate  uint64       `json:"err_create"`
	ErrScan    uint64       `json:"err_scan"`
	ErrIncompl uint64       `json:"err_incomplete"`
	Flows      []FlowRecord `json:"flows,omitempty"`
}

func flowRecord(acc *flow.Accumulator) FlowRecord {
	rec := FlowRecord{
		SrcMAC:    packet.MACString(acc.Key.SMAC),
		DstMAC:    packet.MACString(acc.Key.DMAC),
		SrcIP:     acc.Key.SrcIP.String(),
		DstIP:     acc.Key.DstIP.String(),
		SrcPort:   acc.Key.SrcPort,
		DstPort:   acc.Key.DstPort,
		Protocol:  uint8(acc.Key.Protocol),
		Direction: acc.Direction.String(),
		Packets:   acc.Counters.Packets,
		Bytes:     acc.Counters.Bytes,
	}
	if acc.Tag != nil {
		rec.Vendor = acc.Tag.Vendor
		rec.AppName = acc.Tag.AppName
		rec.Tags = acc.Tag.Tags
	}
	if len(acc.VendorData) > 0 {
		rec.VendorData = make(map[string]any, len(acc.VendorData))
		for _, kv := range acc.VendorData {
			if kv.IsStr {
				rec.VendorData[kv.Key] = kv.StrValue
			} else {
				rec.VendorData[kv.Key] = kv.U64Value
			}
		}
	}
	return rec
}

// SendHealthStats emits the engine counters plus every reportable flow of
// the closing window. An empty report is not sent.
func (e *Emitter) SendHealthStats(usage classify.Usage, plugin *classify.Plugin, flows []*flow.Accumulator) {
	if e.transport == nil || e.HealthTopic == "" {
		return
	}
	if len(flows) == 0 && usage == (classify.Usage{}) {
		return
	}

	stats := HealthStats{
		NodeID:     e.NodeID,
		LocationID: e.LocationID,
		Timestamp:  e.now().Unix(),
		CurrAlloc:  usage.CurrAlloc,
		PeakAlloc:  usage.PeakAlloc,
		FailAlloc:  usage.FailAlloc,
		ScanBytes:  usage.ScanBytes,
		ScanStart:  usage.ScanStarted,
		ScanStop:   usage.ScanStopped,
	}
	if plugin != nil {
		stats.Conns = plugin.Connections
		stats.Streams = plugin.Streams
		stats.ErrCreate = plugin.ErrCreate
		stats.ErrScan = plugin.ErrScan
		stats.ErrIncompl = plugin.ErrIncomplete
	}
	for _, acc := range flows {
		stats.Flows = append(stats.Flows, flowRecord(acc))
	}

	buf, err := json.Marshal(stats)
	if err != nil {
		e.logger.WithError(err).Error("failed to encode health stats")
		return
	}
	e.send(e.HealthTopic, buf)
}

func (e *Emitter) send(topic string, buf []byte) {
	if topic == "" {
		return
	}
	if err := e.transport.SendPBReport(topic, buf); err != nil {
		e.Failed++
		e.logger.WithError(err).Debug("report transmission failed", "topic", topic)
		return
	}
	e.Sent++
}
