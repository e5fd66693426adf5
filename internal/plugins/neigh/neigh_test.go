// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package neigh

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/flow"
)

func feed(p *Plugin, attrs ...classify.Attr) {
	acc := &flow.Accumulator{Plugins: map[string]*flow.PluginInfo{}}
	for _, a := range attrs {
		p.ProcessAttr(acc, nil, a)
	}
}

func TestARPLearnSkipsBroadcast(t *testing.T) {
	table := NewTable(time.Minute)
	p := New(table)

	feed(p,
		classify.StringAttr("begin", "arp"),
		classify.StringAttr("arp.request.sender_mac", "aa:bb:cc:00:00:01"),
		classify.StringAttr("arp.request.sender_ip", "192.168.1.10"),
		classify.StringAttr("arp.request.target_mac", "ff:ff:ff:ff:ff:ff"),
		classify.StringAttr("arp.request.target_ip", "192.168.1.1"),
		classify.StringAttr("end", "arp"),
	)

	entry, ok := table.Get(netip.MustParseAddr("192.168.1.10"))
	require.True(t, ok)
	assert.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0, 0, 1}, entry.MAC)
	assert.Equal(t, SourceARP, entry.Source)

	_, ok = table.Lookup(netip.MustParseAddr("192.168.1.1"))
	assert.False(t, ok, "broadcast target is never inserted")
	assert.Equal(t, uint64(1), p.Learned)
	assert.Equal(t, uint64(1), p.Skipped)
}

func TestARPResponseLearnsBothSides(t *testing.T) {
	table := NewTable(time.Minute)
	p := New(table)

	feed(p,
		classify.StringAttr("begin", "arp"),
		classify.StringAttr("arp.response.sender_mac", "aa:bb:cc:00:00:02"),
		classify.StringAttr("arp.response.sender_ip", "192.168.1.1"),
		classify.StringAttr("arp.response.target_mac", "aa:bb:cc:00:00:01"),
		classify.StringAttr("arp.response.target_ip", "192.168.1.10"),
		classify.StringAttr("end", "arp"),
	)

	_, ok := table.Lookup(netip.MustParseAddr("192.168.1.1"))
	assert.True(t, ok)
	_, ok = table.Lookup(netip.MustParseAddr("192.168.1.10"))
	assert.True(t, ok)
}

func TestNDPAdvertisementLearn(t *testing.T) {
	table := NewTable(time.Minute)
	p := New(table)

	feed(p,
		classify.StringAttr("begin", "ndp"),
		classify.StringAttr("icmpv6.ndp.neighbor_advertisement.target_addr", "fd00::10"),
		classify.StringAttr("icmpv6.ndp.neighbor_advertisement.target_link_addr", "aa:bb:cc:00:00:03"),
		classify.StringAttr("end", "ndp"),
	)

	entry, ok := table.Get(netip.MustParseAddr("fd00::10"))
	require.True(t, ok)
	assert.Equal(t, SourceNDP, entry.Source)
}

func TestZeroMACSkipped(t *testing.T) {
	table := NewTable(time.Minute)
	p := New(table)

	feed(p,
		classify.StringAttr("begin", "arp"),
		classify.StringAttr("arp.request.sender_mac", "00:00:00:00:00:00"),
		classify.StringAttr("arp.request.sender_ip", "192.168.1.50"),
		classify.StringAttr("end", "arp"),
	)

	_, ok := table.Lookup(netip.MustParseAddr("192.168.1.50"))
	assert.False(t, ok)
}

func TestTableTTLExpiry(t *testing.T) {
	table := NewTable(time.Minute)
	base := time.Unix(1700000000, 0)
	table.now = func() time.Time { return base }

	table.Add(netip.MustParseAddr("192.168.1.10"), [6]byte{1, 2, 3, 4, 5, 6}, SourceARP)
	_, ok := table.Lookup(netip.MustParseAddr("192.168.1.10"))
	assert.True(t, ok)

	base = base.Add(2 * time.Minute)
	_, ok = table.Lookup(netip.MustParseAddr("192.168.1.10"))
	assert.False(t, ok)
	assert.Equal(t, 1, table.PeriodicCleanup())
	assert.Zero(t, table.Len())
}

func TestForeignAttrIgnored(t *testing.T) {
	table := NewTable(time.Minute)
	p := New(table)
	acc := &flow.Accumulator{Plugins: map[string]*flow.PluginInfo{}}

	decision := p.ProcessAttr(acc, nil, classify.StringAttr("dns.qname", "x.com"))
	assert.Equal(t, flow.DecisionIgnored, decision)
}
