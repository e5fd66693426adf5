// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package report

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/packet"
	"walleye.is/walleye/internal/policy"
)

type fakeTransport struct {
	topics []string
	bufs   [][]byte
	fail   bool
}

func (t *fakeTransport) SendPBReport(topic string, buf []byte) error {
	if t.fail {
		return assert.AnError
	}
	t.topics = append(t.topics, topic)
	t.bufs = append(t.bufs, buf)
	return nil
}

var mac = [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}

func TestURLReportGatedOnToReport(t *testing.T) {
	transport := &fakeTransport{}
	e := NewEmitter(transport)
	e.Topic = "dev/url"

	req := &policy.Request{URL: "adult.com"}
	reply := policy.NewReply()
	reply.ToReport = false
	e.SendURLReport(mac, req, reply)
	assert.Empty(t, transport.topics)

	reply.ToReport = true
	reply.LogAction = "blocked"
	reply.RuleName = "block_adult"
	e.SendURLReport(mac, req, reply)
	require.Len(t, transport.topics, 1)
	assert.Equal(t, "dev/url", transport.topics[0])

	var event URLEvent
	require.NoError(t, json.Unmarshal(transport.bufs[0], &event))
	assert.Equal(t, "aa:bb:cc:dd:ee:01", event.DeviceID)
	assert.Equal(t, "adult.com", event.URL)
	assert.Equal(t, "blocked", event.Action)
	assert.Equal(t, "block_adult", event.RuleName)
	assert.NotEmpty(t, event.ReportID)
}

func TestBlockerTopicOverride(t *testing.T) {
	transport := &fakeTransport{}
	e := NewEmitter(transport)
	e.Topic = "dev/url"
	e.BlockerTopic = "dev/blocked"

	reply := policy.NewReply()
	reply.ToReport = true
	reply.Action = policy.ActionBlock
	e.SendURLReport(mac, &policy.Request{URL: "x.com"}, reply)
	require.Len(t, transport.topics, 1)
	assert.Equal(t, "dev/blocked", transport.topics[0])

	// Non-block verdicts use the regular topic.
	reply.Action = policy.ActionAllow
	e.SendURLReport(mac, &policy.Request{URL: "y.com"}, reply)
	assert.Equal(t, "dev/url", transport.topics[1])
}

func TestHealthStatsIncludesFlows(t *testing.T) {
	transport := &fakeTransport{}
	e := NewEmitter(transport)
	e.HealthTopic = "dev/health"

	key := packet.FlowKey{
		SMAC:    mac,
		SrcIP:   netip.MustParseAddr("192.168.1.10"),
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		SrcPort: 40000, DstPort: 443,
	}
	acc := &flow.Accumulator{
		Key:       key,
		Direction: flow.DirectionOutbound,
		Counters:  flow.Counters{Packets: 12, Bytes: 3400},
		Tag:       &flow.Tag{Vendor: "Walleye", AppName: "netflix", Tags: []string{"streaming"}},
		VendorData: []flow.VendorKV{
			{Key: "TOL", U64Value: 42},
			{Key: "server.name", StrValue: "nflxvideo.net", IsStr: true},
		},
	}

	e.SendHealthStats(classify.Usage{CurrAlloc: 1024, PeakAlloc: 2048}, nil, []*flow.Accumulator{acc})
	require.Len(t, transport.bufs, 1)

	var stats HealthStats
	require.NoError(t, json.Unmarshal(transport.bufs[0], &stats))
	assert.Equal(t, uint64(1024), stats.CurrAlloc)
	require.Len(t, stats.Flows, 1)
	assert.Equal(t, "netflix", stats.Flows[0].AppName)
	assert.Equal(t, "outbound", stats.Flows[0].Direction)
	assert.EqualValues(t, 42, stats.Flows[0].VendorData["TOL"])
	assert.Equal(t, "nflxvideo.net", stats.Flows[0].VendorData["server.name"])
}

func TestEmptyHealthReportNotSent(t *testing.T) {
	transport := &fakeTransport{}
	e := NewEmitter(transport)
	e.HealthTopic = "dev/health"

	e.SendHealthStats(classify.Usage{}, nil, nil)
	assert.Empty(t, transport.bufs)
}

func TestSendFailureCounted(t *testing.T) {
	transport := &fakeTransport{fail: true}
	e := NewEmitter(transport)
	e.Topic = "dev/url"

	reply := policy.NewReply()
	reply.ToReport = true
	e.SendURLReport(mac, &policy.Request{URL: "x.com"}, reply)
	assert.Equal(t, uint64(1), e.Failed)
	assert.Zero(t, e.Sent)
}
