// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnsattr assembles DNS records from classifier attributes, asks the
// policy engine for a verdict, learns ip-cache entries from the answers, and
// rewrites blocked or redirected responses in place.
package dnsattr

import (
	"net/netip"
	"strings"
	"time"

	"walleye.is/walleye/internal/cache"
	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
	"walleye.is/walleye/internal/policy"
	"walleye.is/walleye/internal/report"
)

// MaxAnswers bounds the answers collected from one response.
const MaxAnswers = 64

// DNS query types processed for policy evaluation. 64 (SVCB) and 65 (HTTPS)
// are accepted for record assembly but never rewritten.
const (
	QTypeA     = 1
	QTypeAAAA  = 28
	QTypeSVCB  = 64
	QTypeHTTPS = 65
)

const dnsAttrValue = "dns"

// state machine positions, ordered by the attribute sequence the classifier
// emits: begin, qname, qtype, nanswers, then per answer type/ttl/addr/offset,
// then end.
type state int

const (
	stateBegin state = iota
	stateQName
	stateQType
	stateNAnswers
	stateType
	stateTTL
	stateAddress
	stateOffsetA
	stateOffsetAAAA
)

type answer struct {
	Type      int
	TTL       uint32
	IPVersion int
	Address   []byte
	Offset    int
}

type record struct {
	QName   string
	QType   int
	AnCount int
	Answers []answer
	next    state
}

// UpdateTagFunc applies resolved addresses to the named device tags after an
// update_tag verdict.
type UpdateTagFunc func(mac [6]byte, reply *policy.Reply, resp policy.DNSResponse)

// Plugin is the DNS attribute client.
type Plugin struct {
	name    string
	engine  *policy.Engine
	table   *policy.Table
	cache   *cache.VerdictCache
	emitter *report.Emitter

	updateTag UpdateTagFunc

	rec    record
	logger *logging.Logger

	Processed uint64
	Rewritten uint64
}

// New creates the DNS plugin bound to a policy table by name. The engine
// notifies the plugin when the table is replaced.
func New(engine *policy.Engine, tableName string, vc *cache.VerdictCache, emitter *report.Emitter) *Plugin {
	p := &Plugin{
		name:    "dpi_dns",
		engine:  engine,
		cache:   vc,
		emitter: emitter,
		logger:  logging.WithComponent("dpi_dns"),
	}
	p.rec.next = stateBegin
	engine.RegisterClient(&policy.Client{
		Name:      p.name,
		TableName: tableName,
		Update:    func(t *policy.Table) { p.table = t },
		FlushCache: func(r *policy.Rule) {
			if vc != nil {
				vc.FlushPolicy(r.Idx)
			}
		},
	})
	return p
}

// SetUpdateTag installs the tag-updater side effect.
func (p *Plugin) SetUpdateTag(fn UpdateTagFunc) { p.updateTag = fn }

func (p *Plugin) Name() string { return p.name }

// Attributes lists the keys this plugin consumes.
func (p *Plugin) Attributes() []string {
	return []string{
		"begin", "end",
		"dns.qname", "dns.qtype", "dns.nanswers", "dns.type", "dns.ttl",
		"dns.a", "dns.a_offset", "dns.aaaa", "dns.aaaa_offset",
	}
}

func (p *Plugin) reset() {
	p.rec = record{next: stateBegin}
}

// ProcessAttr advances the record assembly state machine. A stray attribute
// resets the machine.
func (p *Plugin) ProcessAttr(acc *flow.Accumulator, hdr *packet.NetHeader, attr classify.Attr) flow.Decision {
	if acc == nil {
		return flow.DecisionIgnored
	}
	// DNS classification re-triggers on every packet of the flow.
	acc.DPIAlways = true

	switch attr.Key {
	case "begin":
		if attr.Type != classify.AttrString || attr.Str != dnsAttrValue {
			return flow.DecisionIgnored
		}
		p.reset()
		p.rec.next = stateQName
		return flow.DecisionInspect

	case "dns.qname":
		if attr.Type != classify.AttrString || p.rec.next != stateQName {
			return p.fail(hdr)
		}
		p.rec.QName = attr.Str
		p.rec.next = stateQType

	case "dns.qtype":
		if attr.Type != classify.AttrNumber || p.rec.next != stateQType {
			return p.fail(hdr)
		}
		p.rec.QType = int(attr.Num)
		p.rec.next = stateNAnswers

	case "dns.nanswers":
		if attr.Type != classify.AttrNumber || p.rec.next != stateNAnswers {
			return p.fail(hdr)
		}
		p.rec.AnCount = int(attr.Num)
		p.rec.next = stateType

	case "dns.type":
		if attr.Type != classify.AttrNumber || p.rec.next != stateType {
			return p.fail(hdr)
		}
		if len(p.rec.Answers) >= MaxAnswers {
			return p.fail(hdr)
		}
		p.rec.Answers = append(p.rec.Answers, answer{Type: int(attr.Num)})
		p.rec.next = stateTTL

	case "dns.ttl":
		if attr.Type != classify.AttrNumber || p.rec.next != stateTTL {
			return p.fail(hdr)
		}
		p.rec.Answers[len(p.rec.Answers)-1].TTL = uint32(attr.Num)
		p.rec.next = stateAddress

	case "dns.a":
		if attr.Type != classify.AttrBinary || p.rec.next != stateAddress {
			return p.fail(hdr)
		}
		a := &p.rec.Answers[len(p.rec.Answers)-1]
		a.IPVersion = 4
		a.Address = append([]byte(nil), attr.Bin...)
		p.rec.next = stateOffsetA

	case "dns.a_offset":
		if attr.Type != classify.AttrNumber || p.rec.next != stateOffsetA {
			return p.fail(hdr)
		}
		p.rec.Answers[len(p.rec.Answers)-1].Offset = int(attr.Num)
		p.rec.next = stateType

	case "dns.aaaa":
		if attr.Type != classify.AttrBinary || p.rec.next != stateAddress {
			return p.fail(hdr)
		}
		a := &p.rec.Answers[len(p.rec.Answers)-1]
		a.IPVersion = 6
		a.Address = append([]byte(nil), attr.Bin...)
		p.rec.next = stateOffsetAAAA

	case "dns.aaaa_offset":
		if attr.Type != classify.AttrNumber || p.rec.next != stateOffsetAAAA {
			return p.fail(hdr)
		}
		p.rec.Answers[len(p.rec.Answers)-1].Offset = int(attr.Num)
		p.rec.next = stateType

	case "end":
		if attr.Type != classify.AttrString || attr.Str != dnsAttrValue {
			return p.fail(hdr)
		}
		if p.rec.next != stateType {
			return p.fail(hdr)
		}
		decision := p.processRecord(acc, hdr)
		p.reset()
		return decision

	default:
		return flow.DecisionIgnored
	}

	return flow.DecisionInspect
}

// fail resets the state machine and forwards the packet unchanged.
func (p *Plugin) fail(hdr *packet.NetHeader) flow.Decision {
	p.logger.Debug("dns attribute out of sequence, resetting", "state", int(p.rec.next))
	p.reset()
	refreshDNS(hdr)
	return flow.DecisionIgnored
}

func validQType(qtype int) bool {
	switch qtype {
	case QTypeA, QTypeAAAA, QTypeSVCB, QTypeHTTPS:
		return true
	}
	return false
}

// processRecord runs the assembled record through the policy engine and
// applies the verdict to the cache and the packet.
func (p *Plugin) processRecord(acc *flow.Accumulator, hdr *packet.NetHeader) flow.Decision {
	if !validQType(p.rec.QType) {
		p.logger.Debug("not processing query type", "qtype", p.rec.QType)
		return flow.DecisionIgnored
	}

	p.Processed++
	localMAC, _ := acc.LocalRemote()

	req := &policy.Request{
		ReqType:   policy.ReqTypeFQDN,
		DeviceMAC: localMAC,
		URL:       cache.NormalizeName(p.rec.QName),
		Acc:       acc,
	}
	for _, a := range p.rec.Answers {
		addr, ok := netip.AddrFromSlice(a.Address)
		if !ok {
			continue
		}
		if a.IPVersion == 4 {
			req.DNSResponse.IPv4Addrs = append(req.DNSResponse.IPv4Addrs, addr.String())
		} else {
			req.DNSResponse.IPv6Addrs = append(req.DNSResponse.IPv6Addrs, addr.String())
		}
	}

	reply := policy.NewReply()
	reply.ReqType = policy.ReqTypeFQDN
	if provider := p.engine.Provider(); provider != nil {
		reply.Provider = provider.Name()
	}

	action := p.engine.Apply(p.table, req, reply)
	p.logger.Debug("dns policy verdict", "qname", req.URL, "action", action.String())

	gkRule := p.lastRuleIsGatekeeper(reply)
	p.finishVerdict(req, reply, gkRule)

	rewritable := p.rec.QType == QTypeA || p.rec.QType == QTypeAAAA
	if len(p.rec.Answers) == 0 || action == policy.ActionNoAnswer {
		if hdr != nil && rewritable && action == policy.ActionNoAnswer {
			setNoAnswer(hdr, 0)
			hdr.RefreshIPv4Checksum()
		}
		refreshDNS(hdr)
		return flow.DecisionPassthru
	}

	p.learnAnswers(localMAC, req, reply, action)

	if reply.Action == policy.ActionUpdateTag && p.updateTag != nil &&
		(len(req.DNSResponse.IPv4Addrs) > 0 || len(req.DNSResponse.IPv6Addrs) > 0) {
		p.updateTag(localMAC, reply, req.DNSResponse)
	}

	redirect := action == policy.ActionRedirect || action == policy.ActionRedirectAllow || reply.Redirect
	if hdr != nil && rewritable && (action == policy.ActionBlock || redirect) {
		p.rewriteResponse(hdr, localMAC, reply, redirect)
	}

	refreshDNS(hdr)
	return flow.DecisionPassthru
}

// lastRuleIsGatekeeper reports whether the winning rule invoked the
// gatekeeper, which changes the reporting rules.
func (p *Plugin) lastRuleIsGatekeeper(reply *policy.Reply) bool {
	if p.table == nil {
		return false
	}
	for _, r := range p.table.Rules() {
		if r.Idx == reply.PolicyIdx && r.Name == reply.RuleName {
			return r.Action == policy.ActionGatekeeperReq
		}
	}
	return false
}

// finishVerdict applies the shared verdict post-processing and emits the URL
// report.
func (p *Plugin) finishVerdict(req *policy.Request, reply *policy.Reply, gkRule bool) {
	policy.FinalizeReporting(reply)
	policy.UpdateGatekeeperReporting(gkRule, req, reply)
	if p.emitter != nil {
		p.emitter.SendURLReport(req.DeviceMAC, req, reply)
	}
}

// learnAnswers records every answer address in the ip verdict cache with the
// policy's action; the TTL floor is applied by the cache.
func (p *Plugin) learnAnswers(mac [6]byte, req *policy.Request, reply *policy.Reply, action policy.Action) {
	if p.cache == nil {
		return
	}
	for _, a := range p.rec.Answers {
		addr, ok := netip.AddrFromSlice(a.Address)
		if !ok {
			continue
		}
		entry := &cache.IPEntry{
			DeviceMAC:           mac,
			IP:                  addr.String(),
			Direction:           flow.DirectionOutbound,
			Action:              cache.CacheAction(reply.Action),
			ActionByName:        cache.CacheAction(action),
			PolicyIdx:           reply.PolicyIdx,
			TTL:                 time.Duration(a.TTL) * time.Second,
			CatUnknownToService: reply.CatUnknownToService,
		}
		if req.Reply != nil {
			entry.ServiceID = req.Reply.ServiceID
			entry.Categories = req.Reply.Categories
			entry.RiskLevel = req.Reply.RiskLevel
		}
		p.cache.AddIP(entry)
	}
}

// rewriteResponse overwrites A/AAAA rdata with the redirect targets, forces
// the answer TTLs, and records the redirect targets in the ip cache. A block
// without a configured target becomes NXDOMAIN.
func (p *Plugin) rewriteResponse(hdr *packet.NetHeader, mac [6]byte, reply *policy.Reply, redirect bool) {
	v4Target := redirectTarget(reply, 4)
	v6Target := redirectTarget(reply, 6)

	if !redirect && v4Target == "" && v6Target == "" {
		// Plain block: answer with NXDOMAIN.
		setNoAnswer(hdr, 3)
		hdr.RefreshIPv4Checksum()
		p.Rewritten++
		return
	}

	payload := hdr.Payload()
	updated := false
	for _, a := range p.rec.Answers {
		var target string
		var want int
		switch a.IPVersion {
		case 4:
			target, want = v4Target, 4
		case 6:
			target, want = v6Target, 16
		default:
			continue
		}
		if target == "" {
			continue
		}
		addr, err := netip.ParseAddr(target)
		if err != nil {
			continue
		}
		raw := addr.AsSlice()
		if len(raw) != want || a.Offset < 0 || a.Offset+want > len(payload) {
			continue
		}
		copy(payload[a.Offset:a.Offset+want], raw)
		updated = true
		p.cache.AddRedirect(mac, addr.String(), flow.DirectionOutbound, 0)
	}

	if reply.RdTTL >= 0 {
		updateAnswerTTLs(payload, uint32(reply.RdTTL))
	}
	if updated {
		p.Rewritten++
	}
}

// redirectTarget resolves the redirect address for an IP version from the
// reply's redirect slots. Entries carry a kind prefix: "A-" IPv4, "4A-"
// IPv6, "C-" CNAME.
func redirectTarget(reply *policy.Reply, ipVersion int) string {
	prefix := "A-"
	if ipVersion == 6 {
		prefix = "4A-"
	}
	for _, entry := range reply.Redirects {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimPrefix(entry, prefix)
		}
	}
	return ""
}
