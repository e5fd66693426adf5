// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcprelay

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/packet"
)

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dhcp_options.conf")
	content := `# relay options
DHCPv4_OPTION:1='circuit-1'
DHCPv6_OPTION:37='remote-id'
garbage line
DHCPv4_OPTION:notanumber='x'
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	require.Len(t, opts, 2)
	assert.Equal(t, Option{V6: false, Code: 1, Val: "circuit-1"}, opts[0])
	assert.Equal(t, Option{V6: true, Code: 37, Val: "remote-id"}, opts[1])

	_, err = LoadOptions(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func buildDHCPv4Frame(t *testing.T) *packet.NetHeader {
	t.Helper()
	pkt, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
		dhcpv4.WithHwAddr(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0, 0, 1}),
	)
	require.NoError(t, err)
	payload := pkt.ToBytes()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xaa, 0xbb, 0xcc, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IPv4(0, 0, 0, 0), DstIP: net.IPv4(255, 255, 255, 255),
	}
	udp := &layers.UDP{SrcPort: 68, DstPort: 67}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

	hdr, err := packet.Parse(buf.Bytes())
	require.NoError(t, err)
	return hdr
}

func TestInjectV4RelayOptions(t *testing.T) {
	p := New([]Option{{Code: 1, Val: "circuit-1"}})
	hdr := buildDHCPv4Frame(t)
	acc := &flow.Accumulator{Plugins: map[string]*flow.PluginInfo{}}

	p.ProcessAttr(acc, hdr, classify.StringAttr("begin", "dhcp"))
	p.ProcessAttr(acc, hdr, classify.NumberAttr("dhcp.message_type", 1))
	decision := p.ProcessAttr(acc, hdr, classify.StringAttr("end", "dhcp"))

	assert.Equal(t, flow.DecisionPassthru, decision)
	assert.True(t, hdr.PayloadUpdated)
	assert.Equal(t, uint64(1), p.Injected)
	assert.True(t, acc.DPIAlways)

	reparsed, err := dhcpv4.FromBytes(hdr.Payload())
	require.NoError(t, err)
	relayInfo := reparsed.Options.Get(dhcpv4.OptionRelayAgentInformation)
	require.NotNil(t, relayInfo)
	assert.Equal(t, byte(1), relayInfo[0])
	assert.Equal(t, byte(len("circuit-1")), relayInfo[1])
	assert.Equal(t, "circuit-1", string(relayInfo[2:2+len("circuit-1")]))

	// Length fields track the grown payload.
	udpLen := binary.BigEndian.Uint16(hdr.Data[hdr.L4Offset+4 : hdr.L4Offset+6])
	assert.Equal(t, int(udpLen), hdr.PayloadLen()+8)
	ipLen := binary.BigEndian.Uint16(hdr.Data[packet.EthHeaderLen+2 : packet.EthHeaderLen+4])
	assert.Equal(t, int(ipLen), len(hdr.Data)-packet.EthHeaderLen)
}

func TestNoConfiguredOptionsLeavesPacketAlone(t *testing.T) {
	p := New(nil)
	hdr := buildDHCPv4Frame(t)
	acc := &flow.Accumulator{Plugins: map[string]*flow.PluginInfo{}}

	p.ProcessAttr(acc, hdr, classify.StringAttr("begin", "dhcp"))
	decision := p.ProcessAttr(acc, hdr, classify.StringAttr("end", "dhcp"))

	assert.Equal(t, flow.DecisionPassthru, decision)
	assert.False(t, hdr.PayloadUpdated)
	assert.Zero(t, p.Injected)
}

func TestStrayAttrResets(t *testing.T) {
	p := New(nil)
	acc := &flow.Accumulator{Plugins: map[string]*flow.PluginInfo{}}

	decision := p.ProcessAttr(acc, nil, classify.NumberAttr("dhcp.message_type", 1))
	assert.Equal(t, flow.DecisionIgnored, decision)

	decision = p.ProcessAttr(acc, nil, classify.StringAttr("end", "dhcp"))
	assert.Equal(t, flow.DecisionIgnored, decision)
}
