// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mdnsresp answers mDNS queries for locally configured service
// announcements. IPv6 queries are not supported and short-circuit to
// no-response.
package mdnsresp

import (
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
	"gopkg.in/yaml.v3"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/errors"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
)

const mdnsAttrValue = "mdns.query.question"

// Announcement is one service record set advertised on the LAN.
type Announcement struct {
	Name   string   `yaml:"name"`
	PTR    string   `yaml:"ptr,omitempty"`
	Target string   `yaml:"target,omitempty"`
	Port   uint16   `yaml:"port,omitempty"`
	TXT    []string `yaml:"txt,omitempty"`
	A      string   `yaml:"a,omitempty"`
	TTL    uint32   `yaml:"ttl,omitempty"`
}

type announcementFile struct {
	Announcements []Announcement `yaml:"announcements"`
}

// LoadAnnouncements reads the service announcement set from a YAML file.
func LoadAnnouncements(path string) ([]Announcement, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "read service announcements")
	}
	var f announcementFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "decode service announcements")
	}
	return f.Announcements, nil
}

// Sender ships a packed mDNS response, either multicast or unicast back to
// the querier.
type Sender interface {
	Send(msg []byte, unicast bool) error
}

// MulticastSender writes responses on a UDP socket joined to the mDNS group,
// bound to the configured source address.
type MulticastSender struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr
}

// NewMulticastSender opens the responder socket on the given source IP.
func NewMulticastSender(srcIP string) (*MulticastSender, error) {
	local := &net.UDPAddr{IP: net.ParseIP(srcIP)}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open mdns socket")
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastTTL(255); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "set multicast ttl")
	}
	return &MulticastSender{
		conn:  conn,
		pconn: p,
		group: &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353},
	}, nil
}

// Send writes one response to the mDNS group.
func (s *MulticastSender) Send(msg []byte, unicast bool) error {
	_, err := s.conn.WriteToUDP(msg, s.group)
	return err
}

// Close releases the socket.
func (s *MulticastSender) Close() error { return s.conn.Close() }

type query struct {
	qname    string
	qtype    uint16
	qunicast bool
	active   bool
	haveName bool
}

// Plugin is the mDNS responder attribute client.
type Plugin struct {
	name          string
	announcements map[string]Announcement
	sender        Sender

	rec    query
	logger *logging.Logger

	Answered uint64
	Ignored  uint64
}

// New creates the responder over a set of announcements.
func New(announcements []Announcement, sender Sender) *Plugin {
	p := &Plugin{
		name:          "mdns_responder",
		announcements: make(map[string]Announcement, len(announcements)),
		sender:        sender,
		logger:        logging.WithComponent("mdns_responder"),
	}
	for _, a := range announcements {
		p.announcements[dns.Fqdn(strings.ToLower(a.Name))] = a
	}
	return p
}

func (p *Plugin) Name() string { return p.name }

// Attributes lists the keys this plugin consumes.
func (p *Plugin) Attributes() []string {
	return []string{
		"begin", "end",
		"mdns.query.question.qname",
		"mdns.query.question.qtype",
		"mdns.query.question.qunicast",
	}
}

func (p *Plugin) reset() { p.rec = query{} }

// ProcessAttr assembles one mDNS question and responds on the end marker.
func (p *Plugin) ProcessAttr(acc *flow.Accumulator, hdr *packet.NetHeader, attr classify.Attr) flow.Decision {
	if acc != nil {
		acc.DPIAlways = true
	}

	switch attr.Key {
	case "begin":
		if attr.Str != mdnsAttrValue {
			return flow.DecisionIgnored
		}
		p.reset()
		p.rec.active = true

	case "mdns.query.question.qname":
		if attr.Type != classify.AttrString || !p.rec.active {
			p.reset()
			return flow.DecisionIgnored
		}
		p.rec.qname = attr.Str
		p.rec.haveName = true

	case "mdns.query.question.qtype":
		if attr.Type != classify.AttrNumber || !p.rec.active {
			p.reset()
			return flow.DecisionIgnored
		}
		p.rec.qtype = uint16(attr.Num)

	case "mdns.query.question.qunicast":
		if attr.Type != classify.AttrNumber || !p.rec.active {
			p.reset()
			return flow.DecisionIgnored
		}
		p.rec.qunicast = attr.Num != 0

	case "end":
		if attr.Str != mdnsAttrValue || !p.rec.active || !p.rec.haveName {
			p.reset()
			return flow.DecisionIgnored
		}
		p.respond(hdr)
		p.reset()
		return flow.DecisionPassthru

	default:
		return flow.DecisionIgnored
	}

	return flow.DecisionInspect
}

// respond answers a question when it names a configured announcement.
func (p *Plugin) respond(hdr *packet.NetHeader) {
	if hdr != nil && hdr.IPVersion == 6 {
		// IPv6 mDNS is not supported.
		p.Ignored++
		return
	}

	name := dns.Fqdn(strings.ToLower(p.rec.qname))
	ann, ok := p.announcements[name]
	if !ok {
		p.Ignored++
		return
	}
	if p.sender == nil {
		return
	}

	msg := p.buildResponse(name, ann)
	buf, err := msg.Pack()
	if err != nil {
		p.logger.WithError(err).Error("failed to pack mdns response")
		return
	}
	if err := p.sender.Send(buf, p.rec.qunicast); err != nil {
		p.logger.WithError(err).Debug("mdns response send failed")
		return
	}
	p.Answered++
	p.logger.Debug("answered mdns query", "qname", name)
}

func (p *Plugin) buildResponse(name string, ann Announcement) *dns.Msg {
	ttl := ann.TTL
	if ttl == 0 {
		ttl = 120
	}
	hdrFor := func(rrtype uint16) dns.RR_Header {
		return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: ttl}
	}

	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true

	if ann.PTR != "" {
		msg.Answer = append(msg.Answer, &dns.PTR{
			Hdr: hdrFor(dns.TypePTR),
			Ptr: dns.Fqdn(ann.PTR),
		})
	}
	if ann.Target != "" && ann.Port != 0 {
		msg.Answer = append(msg.Answer, &dns.SRV{
			Hdr:    hdrFor(dns.TypeSRV),
			Target: dns.Fqdn(ann.Target),
			Port:   ann.Port,
		})
	}
	if len(ann.TXT) > 0 {
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: hdrFor(dns.TypeTXT),
			Txt: ann.TXT,
		})
	}
	if ann.A != "" {
		if addr, err := netip.ParseAddr(ann.A); err == nil && addr.Is4() {
			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: hdrFor(dns.TypeA),
				A:   addr.AsSlice(),
			})
		}
	}
	return msg
}
