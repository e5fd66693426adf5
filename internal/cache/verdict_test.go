// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/policy"
)

var devMAC = [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}

func newTestCache(base time.Time) (*VerdictCache, *time.Time) {
	c := New()
	now := base
	c.now = func() time.Time { return now }
	return c, &now
}

func TestNameCacheRoundTrip(t *testing.T) {
	base := time.Unix(1700000000, 0)
	c, now := newTestCache(base)

	c.AddName(&NameEntry{
		DeviceMAC: devMAC,
		Name:      "example.com",
		Action:    policy.ActionAllow,
		TTL:       time.Hour,
	})

	e, ok := c.LookupName(devMAC, "example.com")
	require.True(t, ok)
	assert.Equal(t, policy.ActionAllow, e.Action)

	_, ok = c.LookupName(devMAC, "other.com")
	assert.False(t, ok)

	// After the TTL elapses the entry is gone.
	*now = base.Add(2 * time.Hour)
	_, ok = c.LookupName(devMAC, "example.com")
	assert.False(t, ok)
}

func TestIPCacheTTLFloor(t *testing.T) {
	c, _ := newTestCache(time.Unix(1700000000, 0))

	// A 60 second DNS answer is floored to six hours.
	c.AddIP(&IPEntry{
		DeviceMAC: devMAC,
		IP:        "1.2.3.4",
		Direction: flow.DirectionOutbound,
		Action:    policy.ActionAllow,
		TTL:       60 * time.Second,
	})
	e, ok := c.LookupIP(devMAC, "1.2.3.4", flow.DirectionOutbound)
	require.True(t, ok)
	assert.Equal(t, MinIPTTL, e.TTL)

	// A longer provider TTL is kept.
	c.AddIP(&IPEntry{
		DeviceMAC: devMAC,
		IP:        "5.6.7.8",
		Direction: flow.DirectionOutbound,
		TTL:       12 * time.Hour,
	})
	e, ok = c.LookupIP(devMAC, "5.6.7.8", flow.DirectionOutbound)
	require.True(t, ok)
	assert.Equal(t, 12*time.Hour, e.TTL)

	// Redirect entries always carry the fixed redirect TTL.
	c.AddIP(&IPEntry{
		DeviceMAC:    devMAC,
		IP:           "18.204.152.241",
		Direction:    flow.DirectionOutbound,
		TTL:          24 * time.Hour,
		RedirectFlag: true,
	})
	e, ok = c.LookupIP(devMAC, "18.204.152.241", flow.DirectionOutbound)
	require.True(t, ok)
	assert.Equal(t, DNSRedirectTTL, e.TTL)
}

func TestRedirectFlagIsGroundTruth(t *testing.T) {
	c, _ := newTestCache(time.Unix(1700000000, 0))

	// Redirect entries are written with action allow; the flag alone marks
	// them as redirects.
	c.AddRedirect(devMAC, "18.204.152.241", flow.DirectionOutbound, 0)
	assert.True(t, c.IsRedirectedFlow(devMAC, "18.204.152.241", flow.DirectionOutbound))

	c.AddIP(&IPEntry{
		DeviceMAC: devMAC,
		IP:        "9.9.9.9",
		Direction: flow.DirectionOutbound,
		Action:    policy.ActionRedirect,
	})
	assert.False(t, c.IsRedirectedFlow(devMAC, "9.9.9.9", flow.DirectionOutbound),
		"the action field is ignored when deciding redirect state")
}

func TestDirectionIsPartOfTheKey(t *testing.T) {
	c, _ := newTestCache(time.Unix(1700000000, 0))
	c.AddRedirect(devMAC, "1.1.1.1", flow.DirectionOutbound, 0)
	assert.False(t, c.IsRedirectedFlow(devMAC, "1.1.1.1", flow.DirectionInbound))
}

func TestPeriodicCleanup(t *testing.T) {
	base := time.Unix(1700000000, 0)
	c, now := newTestCache(base)

	c.AddRedirect(devMAC, "1.1.1.1", flow.DirectionOutbound, 0)
	c.AddName(&NameEntry{DeviceMAC: devMAC, Name: "a.com", TTL: time.Hour})

	assert.Zero(t, c.PeriodicCleanup())

	*now = base.Add(DNSRedirectTTL + time.Second)
	assert.Equal(t, 1, c.PeriodicCleanup(), "expired redirect swept")

	*now = base.Add(2 * time.Hour)
	assert.Equal(t, 1, c.PeriodicCleanup())
	names, ips := c.Len()
	assert.Zero(t, names)
	assert.Zero(t, ips)
}

func TestFlushPolicy(t *testing.T) {
	c, _ := newTestCache(time.Unix(1700000000, 0))
	c.AddIP(&IPEntry{DeviceMAC: devMAC, IP: "1.1.1.1", PolicyIdx: 3})
	c.AddIP(&IPEntry{DeviceMAC: devMAC, IP: "2.2.2.2", PolicyIdx: 7})
	c.AddName(&NameEntry{DeviceMAC: devMAC, Name: "a.com", PolicyIdx: 3, TTL: time.Hour})

	assert.Equal(t, 2, c.FlushPolicy(3))
	_, ips := c.Len()
	assert.Equal(t, 1, ips)
	_, ok := c.LookupIP(devMAC, "2.2.2.2", flow.DirectionUnset)
	assert.True(t, ok)
}

func TestCacheAction(t *testing.T) {
	assert.Equal(t, policy.ActionBlock, CacheAction(policy.ActionRedirect))
	assert.Equal(t, policy.ActionAllow, CacheAction(policy.ActionObserved))
	assert.Equal(t, policy.ActionBlock, CacheAction(policy.ActionBlock))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeName("Example.COM."))
}

func TestGatekeeperCache(t *testing.T) {
	gk := NewGatekeeper()
	base := time.Unix(1700000000, 0)
	now := base
	gk.now = func() time.Time { return now }

	gk.Upsert(&AttrEntry{
		DeviceMAC:    devMAC,
		Type:         AttrIPv4,
		Value:        "18.204.152.241",
		RedirectFlag: true,
	})

	e, ok := gk.Lookup(devMAC, AttrIPv4, "18.204.152.241")
	require.True(t, ok)
	assert.Equal(t, DNSRedirectTTL, e.TTL)
	assert.True(t, gk.IsRedirectedFlow(devMAC, 4, "18.204.152.241"))
	assert.False(t, gk.IsRedirectedFlow(devMAC, 6, "18.204.152.241"))

	now = base.Add(DNSRedirectTTL + time.Minute)
	assert.False(t, gk.IsRedirectedFlow(devMAC, 4, "18.204.152.241"))
}

func TestPolicyLookupBridge(t *testing.T) {
	c, _ := newTestCache(time.Unix(1700000000, 0))
	c.AddIP(&IPEntry{
		DeviceMAC:  devMAC,
		IP:         "1.2.3.4",
		Direction:  flow.DirectionOutbound,
		Action:     policy.ActionBlock,
		ServiceID:  2,
		Categories: []int{10, 11},
		RiskLevel:  6,
	})
	lookup := PolicyLookup(c)

	req := &policy.Request{ReqType: policy.ReqTypeIPv4, DeviceMAC: devMAC, URL: "1.2.3.4"}
	reply := policy.NewReply()
	require.True(t, lookup(req, reply))
	assert.Equal(t, policy.ActionBlock, reply.Action)
	require.NotNil(t, req.Reply)
	assert.Equal(t, []int{10, 11}, req.Reply.Categories)

	// Non-IP requests never hit the ip cache.
	req = &policy.Request{ReqType: policy.ReqTypeFQDN, DeviceMAC: devMAC, URL: "1.2.3.4"}
	assert.False(t, lookup(req, policy.NewReply()))
}
