// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classify

import (
	"strings"
	"time"

	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
)

// NumTags bounds the secondary tag ids collected per connection.
const NumTags = 8

// FlowTagVendor is the vendor name stamped on flow tags and vendor data.
const FlowTagVendor = "Walleye"

// Scan error bits recorded on a connection.
const (
	ScanErrorCreate uint32 = 1 << iota
	ScanErrorScan
	ScanErrorIncomplete
)

// ServiceLevel orders classification specificity; a higher level wins.
type ServiceLevel int

const (
	ServiceNone ServiceLevel = iota
	ServiceProtocol
	ServiceNetwork
	ServicePlatform
	ServiceApplication
	ServiceFeature
)

// Conn is the per-flow classifier connection hung off an accumulator. It is
// freed when the stream terminates or the accumulator is destroyed.
type Conn struct {
	stream      Stream
	initialized bool

	Bytes       [2]uint64
	Packets     [2]uint32
	DataPackets [2]uint32
	Inverted    bool

	SrcMAC [6]byte
	DstMAC [6]byte

	ServerName   string
	ServiceID    uint16
	ServiceLevel ServiceLevel
	Tags         [NumTags]uint16

	TolData     uint64
	TCPSynDelay uint64
	TCPAckDelay uint64

	ScanError uint32
	TagFlow   bool
	Action    flow.Decision
}

// AppCheckFunc asks the policy side whether the classified application may
// pass, and whether the flow should carry a report tag.
type AppCheckFunc func(acc *flow.Accumulator, hdr *packet.NetHeader, app string) (flow.Decision, bool)

// Plugin wraps the signature engine as a DPI plugin: one stream per flow,
// bytes fed in direction order, attributes collected onto the connection,
// and a final classification emitted once matching is terminal.
type Plugin struct {
	name     string
	engine   Engine
	targeted string
	excluded string

	appCheck AppCheckFunc
	clients  []AttrClient

	// curHdr carries the packet being scanned into attribute callbacks; the
	// event loop is single threaded so one slot suffices.
	curHdr *packet.NetHeader

	SignatureLoaded bool
	ScanDbgEnable   bool

	Connections   uint64
	Streams       uint64
	ErrCreate     uint64
	ErrScan       uint64
	ErrIncomplete uint64

	markReport func(acc *flow.Accumulator)
	logger     *logging.Logger
	now        func() time.Time
}

// NewPlugin creates the classification plugin over an engine handle.
func NewPlugin(name string, engine Engine, targeted, excluded string) *Plugin {
	p := &Plugin{
		name:     name,
		engine:   engine,
		targeted: targeted,
		excluded: excluded,
		appCheck: func(*flow.Accumulator, *packet.NetHeader, string) (flow.Decision, bool) {
			return flow.DecisionPassthru, true
		},
		logger: logging.WithComponent(name),
		now:    time.Now,
	}
	p.subscribeSelf()
	return p
}

func (p *Plugin) Name() string            { return p.name }
func (p *Plugin) TargetedDevices() string { return p.targeted }
func (p *Plugin) ExcludedDevices() string { return p.excluded }

// SetAppCheck installs the application verdict hook (the SNI plugin's "tag"
// attribute path).
func (p *Plugin) SetAppCheck(fn AppCheckFunc) {
	if fn != nil {
		p.appCheck = fn
	}
}

// SetReportMarker installs the hook flagging a flow for the next report.
func (p *Plugin) SetReportMarker(fn func(acc *flow.Accumulator)) {
	p.markReport = fn
}

// RegisterClient subscribes an attribute client's keys on the engine and
// routes their emissions to the client's state machine.
func (p *Plugin) RegisterClient(c AttrClient) {
	p.clients = append(p.clients, c)
	for _, key := range c.Attributes() {
		p.engine.Subscribe(key, p.notifyClient)
	}
	p.logger.Info("registered attribute client", "client", c.Name())
}

// subscribeSelf wires the attribute keys the classifier consumes directly.
func (p *Plugin) subscribeSelf() {
	for _, key := range []string{
		"service.protocol", "service.network", "service.platform",
		"service.application", "service.feature",
	} {
		p.engine.Subscribe(key, p.saveService)
	}
	p.engine.Subscribe("tag", p.saveTag)
	p.engine.Subscribe("toldata", p.saveTolData)
	p.engine.Subscribe("server.name", p.saveServerName)
	p.engine.Subscribe("tcp.client.syn.delay", p.saveTCPSynDelay)
	p.engine.Subscribe("tcp.client.ack.delay", p.saveTCPAckDelay)
}

func connOf(user any) *Conn {
	acc, ok := user.(*flow.Accumulator)
	if !ok {
		return nil
	}
	conn, _ := acc.DPI.(*Conn)
	return conn
}

func (p *Plugin) saveService(user any, attr Attr) {
	conn := connOf(user)
	if conn == nil {
		return
	}
	level := ServiceNone
	switch strings.TrimPrefix(attr.Key, "service.") {
	case "protocol":
		level = ServiceProtocol
	case "network":
		level = ServiceNetwork
	case "platform":
		level = ServicePlatform
	case "application":
		level = ServiceApplication
	case "feature":
		level = ServiceFeature
	}
	if level >= conn.ServiceLevel {
		conn.ServiceLevel = level
		conn.ServiceID = uint16(attr.Num)
	}
}

func (p *Plugin) saveTag(user any, attr Attr) {
	conn := connOf(user)
	if conn == nil {
		return
	}
	id := uint16(attr.Num)
	for i := 0; i < NumTags; i++ {
		if conn.Tags[i] == id {
			break
		}
		if conn.Tags[i] == 0 {
			conn.Tags[i] = id
			break
		}
	}
}

func (p *Plugin) saveTolData(user any, attr Attr) {
	if conn := connOf(user); conn != nil {
		conn.TolData = uint64(attr.Num)
	}
}

func (p *Plugin) saveServerName(user any, attr Attr) {
	if conn := connOf(user); conn != nil {
		conn.ServerName = attr.Str
	}
}

func (p *Plugin) saveTCPSynDelay(user any, attr Attr) {
	if conn := connOf(user); conn != nil {
		conn.TCPSynDelay = uint64(attr.Num)
	}
}

func (p *Plugin) saveTCPAckDelay(user any, attr Attr) {
	if conn := connOf(user); conn != nil {
		conn.TCPAckDelay = uint64(attr.Num)
	}
}

// notifyClient forwards an attribute emission to every client declaring a
// matching key prefix and records the sticking decision on the flow.
func (p *Plugin) notifyClient(user any, attr Attr) {
	acc, ok := user.(*flow.Accumulator)
	if !ok {
		return
	}
	conn := connOf(user)
	if conn != nil && conn.Action == flow.DecisionDrop {
		// Flow action already set to drop, no further attribute processing.
		return
	}

	for _, c := range p.clients {
		if !clientWantsKey(c, attr.Key) {
			continue
		}
		decision := c.ProcessAttr(acc, p.curHdr, attr)
		if decision == flow.DecisionIgnored {
			continue
		}
		if conn != nil {
			conn.Action = decision
		}
		// Client verdicts stick to the classifier's flow slot; drop and
		// passthru both end inspection unless the flow forces re-entry.
		if decision == flow.DecisionDrop || decision == flow.DecisionPassthru {
			acc.PluginInfo(p.name).Decision = decision
		}
		if decision == flow.DecisionDrop {
			p.logger.Info("blocking flow", "flow", acc.Key.String(), "attribute", attr.Key)
		}
	}
}

func clientWantsKey(c AttrClient, key string) bool {
	for _, prefix := range c.Attributes() {
		if key == prefix || strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// direction returns 0 when the packet travels in the flow originator's
// direction, 1 for return traffic.
func direction(hdr *packet.NetHeader, acc *flow.Accumulator) int {
	if hdr.SrcMAC == acc.Originator.SMAC && hdr.SrcIP == acc.Originator.SrcIP &&
		hdr.SrcPort == acc.Originator.SrcPort {
		return 0
	}
	return 1
}

// Handle feeds one packet of a flow into the scanning state machine.
func (p *Plugin) Handle(hdr *packet.NetHeader, acc *flow.Accumulator) {
	if !p.SignatureLoaded {
		return
	}

	conn, _ := acc.DPI.(*Conn)
	if conn == nil {
		conn = &Conn{}
		acc.DPI = conn
	}

	dir := direction(hdr, acc)
	payload := hdr.Payload()
	p.curHdr = hdr
	defer func() { p.curHdr = nil }()

	if !conn.initialized {
		conn.initialized = true
		conn.SrcMAC = hdr.SrcMAC
		conn.DstMAC = hdr.DstMAC
		p.Connections++

		src, sport := hdr.SrcIP, hdr.SrcPort
		dst, dport := hdr.DstIP, hdr.DstPort
		if dir == 1 {
			src, dst = dst, src
			sport, dport = dport, sport
		}
		stream, err := p.engine.StreamCreate(hdr.IPVersion, uint8(hdr.IPProtocol),
			src, sport, dst, dport, acc)
		if err != nil {
			// The sandbox refused a stream; classification failed but the
			// flow must keep forwarding.
			p.ErrCreate++
			conn.ScanError |= ScanErrorCreate
			acc.PluginInfo(p.name).Decision = flow.DecisionPassthru
			return
		}
		conn.stream = stream
		p.Streams++

		if stream.Matching() == 0 {
			p.finishStream(hdr, acc, conn)
			return
		}
	}

	conn.Packets[dir]++
	conn.Inverted = conn.Bytes[0] == 0 && dir == 1
	conn.Bytes[dir] += uint64(len(payload))
	conn.DataPackets[dir]++

	if conn.stream == nil {
		acc.DPI = nil
		return
	}

	ts := p.now().UnixMilli()
	if err := conn.stream.Scan(payload, dir, ts); err != nil {
		p.logger.WithError(err).Error("stream scan failed")
		p.ErrScan++
		conn.ScanError |= ScanErrorScan
		acc.PluginInfo(p.name).Decision = flow.DecisionPassthru
		conn.stream.Destroy()
		conn.stream = nil
		return
	}

	if conn.stream.Matching() != 0 {
		return
	}

	p.finishStream(hdr, acc, conn)
}

// finishStream emits the final classification: resolve names, run the app
// check, tag the flow, and publish the terminal decision.
func (p *Plugin) finishStream(hdr *packet.NetHeader, acc *flow.Accumulator, conn *Conn) {
	defer func() {
		if conn.stream != nil {
			conn.stream.Destroy()
			conn.stream = nil
		}
		acc.DPI = nil
	}()

	service, ok := p.engine.Lookup(conn.ServiceID)
	if !ok || service == "" {
		acc.PluginInfo(p.name).Decision = flow.DecisionPassthru
		return
	}

	var tags []string
	for i := 0; i < NumTags && conn.Tags[i] > 0; i++ {
		if conn.Tags[i] == conn.ServiceID {
			continue
		}
		if name, ok := p.engine.Lookup(conn.Tags[i]); ok {
			tags = append(tags, name)
		}
	}

	p.logger.Debug("matched connection", "service", service, "tags", tags)

	if conn.Action != flow.DecisionDrop {
		action, tagFlow := p.appCheck(acc, hdr, service)
		conn.Action = action
		conn.TagFlow = tagFlow
	}

	if conn.TagFlow {
		acc.Tag = &flow.Tag{Vendor: FlowTagVendor, AppName: service, Tags: tags}
		acc.VendorData = p.vendorData(conn)
		if p.markReport != nil {
			p.markReport(acc)
		}
	}

	if conn.Action != flow.DecisionDrop {
		conn.Action = flow.DecisionPassthru
	}
	acc.PluginInfo(p.name).Decision = conn.Action

	if conn.Action == flow.DecisionDrop {
		p.logger.Info("blocking classified flow", "flow", acc.Key.String(), "service", service)
	}
}

func (p *Plugin) vendorData(conn *Conn) []flow.VendorKV {
	kvs := []flow.VendorKV{
		{Key: "TOL", U64Value: conn.TolData},
		{Key: "pkts_scanned", U64Value: uint64(conn.Packets[0] + conn.Packets[1])},
	}
	if conn.ServerName != "" {
		kvs = append(kvs, flow.VendorKV{Key: "server.name", StrValue: conn.ServerName, IsStr: true})
	}
	if conn.ScanError != 0 {
		kvs = append(kvs, flow.VendorKV{Key: "scan_error", U64Value: uint64(conn.ScanError)})
	}
	if conn.TCPSynDelay != 0 {
		kvs = append(kvs, flow.VendorKV{Key: "tcp_client_syn_delay", U64Value: conn.TCPSynDelay})
	}
	if conn.TCPAckDelay != 0 {
		kvs = append(kvs, flow.VendorKV{Key: "tcp_client_ack_delay", U64Value: conn.TCPAckDelay})
	}
	if p.ScanDbgEnable {
		inverted := uint64(0)
		if conn.Inverted {
			inverted = 1
		}
		kvs = append(kvs,
			flow.VendorKV{Key: "client_bytes_scanned", U64Value: conn.Bytes[0]},
			flow.VendorKV{Key: "server_bytes_scanned", U64Value: conn.Bytes[1]},
			flow.VendorKV{Key: "client_data_packets_scanned", U64Value: uint64(conn.DataPackets[0])},
			flow.VendorKV{Key: "server_data_packets_scanned", U64Value: uint64(conn.DataPackets[1])},
			flow.VendorKV{Key: "client_packets_scanned", U64Value: uint64(conn.Packets[0])},
			flow.VendorKV{Key: "server_packets_scanned", U64Value: uint64(conn.Packets[1])},
			flow.VendorKV{Key: "inverted", U64Value: inverted},
		)
	}
	return kvs
}

// FlowRelease tears down the classifier connection of a dying flow. Streams
// destroyed before matching count as incomplete scans.
func (p *Plugin) FlowRelease(acc *flow.Accumulator) {
	conn, _ := acc.DPI.(*Conn)
	if conn == nil {
		return
	}
	if conn.stream != nil {
		p.ErrIncomplete++
		conn.ScanError |= ScanErrorIncomplete
		conn.stream.Destroy()
		conn.stream = nil
	}
	acc.DPI = nil
}
