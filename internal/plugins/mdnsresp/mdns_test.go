// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mdnsresp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/packet"
)

type fakeSender struct {
	msgs     [][]byte
	unicasts []bool
}

func (s *fakeSender) Send(msg []byte, unicast bool) error {
	s.msgs = append(s.msgs, msg)
	s.unicasts = append(s.unicasts, unicast)
	return nil
}

func feedQuery(p *Plugin, hdr *packet.NetHeader, qname string, qtype int64, unicast int64) {
	acc := &flow.Accumulator{Plugins: map[string]*flow.PluginInfo{}}
	p.ProcessAttr(acc, hdr, classify.StringAttr("begin", "mdns.query.question"))
	p.ProcessAttr(acc, hdr, classify.StringAttr("mdns.query.question.qname", qname))
	p.ProcessAttr(acc, hdr, classify.NumberAttr("mdns.query.question.qtype", qtype))
	p.ProcessAttr(acc, hdr, classify.NumberAttr("mdns.query.question.qunicast", unicast))
	p.ProcessAttr(acc, hdr, classify.StringAttr("end", "mdns.query.question"))
}

func TestRespondsToKnownService(t *testing.T) {
	sender := &fakeSender{}
	p := New([]Announcement{{
		Name:   "_walleye._tcp.local",
		PTR:    "gateway._walleye._tcp.local",
		Target: "gw.local",
		Port:   8080,
		TXT:    []string{"path=/"},
		A:      "192.168.1.1",
	}}, sender)

	feedQuery(p, &packet.NetHeader{IPVersion: 4}, "_walleye._tcp.local", 12, 0)

	require.Len(t, sender.msgs, 1)
	assert.Equal(t, uint64(1), p.Answered)

	var msg dns.Msg
	require.NoError(t, msg.Unpack(sender.msgs[0]))
	assert.True(t, msg.Response)
	assert.True(t, msg.Authoritative)
	require.Len(t, msg.Answer, 4)

	ptr, ok := msg.Answer[0].(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, "gateway._walleye._tcp.local.", ptr.Ptr)
}

func TestUnknownServiceIgnored(t *testing.T) {
	sender := &fakeSender{}
	p := New(nil, sender)

	feedQuery(p, &packet.NetHeader{IPVersion: 4}, "_airplay._tcp.local", 12, 0)
	assert.Empty(t, sender.msgs)
	assert.Equal(t, uint64(1), p.Ignored)
}

func TestIPv6QueriesShortCircuit(t *testing.T) {
	sender := &fakeSender{}
	p := New([]Announcement{{Name: "_walleye._tcp.local", PTR: "gw._walleye._tcp.local"}}, sender)

	feedQuery(p, &packet.NetHeader{IPVersion: 6}, "_walleye._tcp.local", 12, 0)
	assert.Empty(t, sender.msgs, "ipv6 mdns is not supported")
}

func TestUnicastFlagPropagates(t *testing.T) {
	sender := &fakeSender{}
	p := New([]Announcement{{Name: "_walleye._tcp.local", PTR: "gw._walleye._tcp.local"}}, sender)

	feedQuery(p, &packet.NetHeader{IPVersion: 4}, "_walleye._tcp.local", 12, 1)
	require.Len(t, sender.unicasts, 1)
	assert.True(t, sender.unicasts[0])
}

func TestLoadAnnouncements(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	content := `announcements:
  - name: "_walleye._tcp.local"
    ptr: "gateway._walleye._tcp.local"
    port: 8080
    target: "gw.local"
    txt: ["path=/"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	anns, err := LoadAnnouncements(path)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, "_walleye._tcp.local", anns[0].Name)
	assert.Equal(t, uint16(8080), anns[0].Port)

	_, err = LoadAnnouncements(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestStrayAttributeResets(t *testing.T) {
	sender := &fakeSender{}
	p := New(nil, sender)
	acc := &flow.Accumulator{Plugins: map[string]*flow.PluginInfo{}}

	decision := p.ProcessAttr(acc, nil, classify.StringAttr("mdns.query.question.qname", "x.local"))
	assert.Equal(t, flow.DecisionIgnored, decision)
}
