// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walleye.is/walleye/internal/packet"
)

func testKey() packet.FlowKey {
	return packet.FlowKey{
		SMAC:      [6]byte{0xaa, 0xbb, 0xcc, 0, 0, 1},
		DMAC:      [6]byte{0xaa, 0xbb, 0xcc, 0, 0, 2},
		Ethertype: 0x0800,
		IPVersion: 4,
		Protocol:  layers.IPProtocolTCP,
		SrcIP:     netip.MustParseAddr("192.168.1.10"),
		DstIP:     netip.MustParseAddr("93.184.216.34"),
		SrcPort:   40000,
		DstPort:   443,
	}
}

func TestLookupOrCreate(t *testing.T) {
	s := NewStore(0)
	key := testKey()

	acc, created := s.LookupOrCreate(key)
	require.True(t, created)
	require.NotNil(t, acc)
	assert.Equal(t, key, acc.Originator)
	assert.Equal(t, 1, s.Len())

	// Same key resolves to the same accumulator.
	again, created := s.LookupOrCreate(key)
	assert.False(t, created)
	assert.Same(t, acc, again)

	// Return traffic matches through the reversed key.
	reverse, created := s.LookupOrCreate(key.Reverse())
	assert.False(t, created)
	assert.Same(t, acc, reverse)
	assert.Equal(t, 1, s.Len())
}

func TestTouchCountersMonotonic(t *testing.T) {
	s := NewStore(0)
	acc, _ := s.LookupOrCreate(testKey())

	s.Touch(acc, 1, 100, 60)
	s.Touch(acc, 1, 50, 10)

	assert.Equal(t, uint64(2), acc.Counters.Packets)
	assert.Equal(t, uint64(150), acc.Counters.Bytes)
	assert.Equal(t, uint64(70), acc.Counters.PayloadBytes)
	assert.Equal(t, StateActive, acc.State)
}

func TestFreeInactive(t *testing.T) {
	s := NewStore(30 * time.Second)
	base := time.Unix(1700000000, 0)
	s.now = func() time.Time { return base }

	released := 0
	s.OnRelease(func(acc *Accumulator) { released++ })

	acc, _ := s.LookupOrCreate(testKey())
	acc.DPI = "classifier-state"

	removed := s.FreeInactive(base.Add(10 * time.Second))
	assert.Zero(t, removed)
	assert.Equal(t, 1, s.Len())

	removed = s.FreeInactive(base.Add(60 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Zero(t, s.Len())
	assert.Equal(t, 1, released)
	assert.Nil(t, acc.DPI)
	assert.Equal(t, StateClosed, acc.State)
}

func TestMarkForReport(t *testing.T) {
	s := NewStore(0)
	acc, _ := s.LookupOrCreate(testKey())

	s.MarkForReport(acc)
	s.MarkForReport(acc)
	assert.Equal(t, 1, s.ActiveAccs)
	assert.True(t, acc.Report)

	flows := s.Reportable()
	require.Len(t, flows, 1)
	assert.False(t, acc.Report, "a flow is reported once")
	assert.Empty(t, s.Reportable())
}

func TestCloseWindowResetsReportableState(t *testing.T) {
	s := NewStore(0)
	acc, _ := s.LookupOrCreate(testKey())
	s.MarkForReport(acc)
	s.MarkWindowed(acc)

	s.CloseWindow()
	assert.False(t, acc.Report)
	assert.Equal(t, StateActive, acc.State)
	assert.Zero(t, s.ActiveAccs)
}

func TestPluginInfoLifecycle(t *testing.T) {
	s := NewStore(0)
	acc, _ := s.LookupOrCreate(testKey())

	info := acc.PluginInfo("walleye_dpi")
	assert.Equal(t, DecisionClear, info.Decision)
	assert.Same(t, info, acc.PluginInfo("walleye_dpi"))

	info.Decision = DecisionDrop
	assert.Equal(t, DecisionDrop, acc.PluginInfo("walleye_dpi").Decision)
}

func TestLocalRemote(t *testing.T) {
	acc := &Accumulator{Key: testKey(), Direction: DirectionOutbound}
	mac, ip := acc.LocalRemote()
	assert.Equal(t, acc.Key.SMAC, mac)
	assert.Equal(t, "93.184.216.34", ip)

	acc.Direction = DirectionInbound
	mac, ip = acc.LocalRemote()
	assert.Equal(t, acc.Key.DMAC, mac)
	assert.Equal(t, "192.168.1.10", ip)
}
