// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sniattr evaluates TLS SNI, HTTP host, HTTP URL and classified
// application attributes against the policy engine and recognizes flows that
// are already being redirected at the DNS layer.
package sniattr

import (
	"strings"

	"walleye.is/walleye/internal/cache"
	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
	"walleye.is/walleye/internal/policy"
	"walleye.is/walleye/internal/report"
)

var reqTypes = map[string]policy.RequestType{
	"http.host": policy.ReqTypeHost,
	"tls.sni":   policy.ReqTypeSNI,
	"http.url":  policy.ReqTypeURL,
	"tag":       policy.ReqTypeApp,
}

// Plugin is the SNI/HOST/URL attribute client.
type Plugin struct {
	name    string
	engine  *policy.Engine
	table   *policy.Table
	cache   *cache.VerdictCache
	gkCache *cache.GatekeeperCache
	emitter *report.Emitter

	logger *logging.Logger

	Processed  uint64
	Redirected uint64
}

// New creates the SNI plugin bound to a policy table by name.
func New(engine *policy.Engine, tableName string, vc *cache.VerdictCache, gk *cache.GatekeeperCache, emitter *report.Emitter) *Plugin {
	p := &Plugin{
		name:    "dpi_sni",
		engine:  engine,
		cache:   vc,
		gkCache: gk,
		emitter: emitter,
		logger:  logging.WithComponent("dpi_sni"),
	}
	engine.RegisterClient(&policy.Client{
		Name:      p.name,
		TableName: tableName,
		Update:    func(t *policy.Table) { p.table = t },
		FlushCache: func(r *policy.Rule) {
			if vc != nil {
				vc.FlushPolicy(r.Idx)
			}
			if gk != nil {
				gk.FlushPolicy(r.Idx)
			}
		},
	})
	return p
}

func (p *Plugin) Name() string { return p.name }

// Attributes lists the keys this plugin consumes. The classified app name
// arrives through the AppCheck hook instead of the notify path.
func (p *Plugin) Attributes() []string {
	return []string{"tls.sni", "http.host", "http.url"}
}

// FQDNFromURL extracts the host between "http://" and the next slash.
func FQDNFromURL(url string) (string, bool) {
	const prefix = "http://"
	i := strings.Index(url, prefix)
	if i < 0 {
		return "", false
	}
	host := url[i+len(prefix):]
	if j := strings.IndexByte(host, '/'); j >= 0 {
		host = host[:j]
	}
	return host, host != ""
}

// ProcessAttr runs one attribute value through the policy chain.
func (p *Plugin) ProcessAttr(acc *flow.Accumulator, hdr *packet.NetHeader, attr classify.Attr) flow.Decision {
	if acc == nil || attr.Type != classify.AttrString || attr.Str == "" {
		return flow.DecisionIgnored
	}
	reqType, ok := reqTypes[attr.Key]
	if !ok {
		return flow.DecisionIgnored
	}

	decision, _ := p.policyCheck(acc, reqType, attr.Str)
	return decision
}

// AppCheck is wired into the classifier's "tag" attribute path: it asks the
// policy engine whether the classified application may pass and whether the
// flow should carry a report tag.
func (p *Plugin) AppCheck(acc *flow.Accumulator, hdr *packet.NetHeader, app string) (flow.Decision, bool) {
	decision, _ := p.policyCheck(acc, policy.ReqTypeApp, app)
	// Classified flows are tagged for reporting whether or not a policy
	// matched; the tag is what makes the flow report useful.
	return decision, true
}

// policyCheck builds and evaluates the policy request for an attribute
// value. The bool result reports whether any rule matched.
func (p *Plugin) policyCheck(acc *flow.Accumulator, reqType policy.RequestType, value string) (flow.Decision, bool) {
	p.Processed++
	localMAC, remoteIP := acc.LocalRemote()

	req := &policy.Request{
		ReqType:   reqType,
		DeviceMAC: localMAC,
		URL:       value,
		Acc:       acc,
	}
	reply := policy.NewReply()
	reply.ReqType = reqType
	if provider := p.engine.Provider(); provider != nil {
		reply.Provider = provider.Name()
	}

	action := p.engine.Apply(p.table, req, reply)

	// Propagate the conntrack marker chosen by the policy.
	acc.FlowMarker = reply.FlowMarker

	// HTTP attributes of an already-redirected flow pass through: the
	// network layer is serving the redirect page.
	if reqType == policy.ReqTypeHost || reqType == policy.ReqTypeURL {
		if p.isRedirected(acc, reqType, value, localMAC, remoteIP) {
			p.Redirected++
			p.logger.Debug("flow already redirected, passing through", "value", value)
			p.report(req, reply)
			return flow.DecisionPassthru, action != policy.ActionNoMatch
		}
	}

	p.report(req, reply)

	if action == policy.ActionBlock {
		return flow.DecisionDrop, true
	}
	return flow.DecisionPassthru, action != policy.ActionNoMatch
}

// report applies the shared verdict post-processing and emits the event.
// Established flows cannot be redirected anymore, so a redirect verdict is
// reported as a block.
func (p *Plugin) report(req *policy.Request, reply *policy.Reply) {
	if req.ReqType == policy.ReqTypeFQDN {
		// Synthetic redirect-detection requests are never reported.
		return
	}
	if reply.Action == policy.ActionRedirect {
		reply.Action = policy.ActionBlock
		if reply.LogAction == policy.ActionRedirect.String() {
			reply.LogAction = reply.Action.String()
		}
	}
	policy.FinalizeReporting(reply)
	if p.emitter != nil {
		p.emitter.SendURLReport(req.DeviceMAC, req, reply)
	}
}

// isRedirected checks the verdict caches for a live redirect entry for the
// flow's remote IP, and falls back to re-deriving the FQDN and asking the
// policy whether it would still redirect (covers a purged cache).
func (p *Plugin) isRedirected(acc *flow.Accumulator, reqType policy.RequestType, value string, localMAC [6]byte, remoteIP string) bool {
	if p.cache != nil && p.cache.IsRedirectedFlow(localMAC, remoteIP, acc.Direction) {
		return true
	}
	if p.gkCache != nil && p.gkCache.IsRedirectedFlow(localMAC, acc.Key.IPVersion, remoteIP) {
		return true
	}

	fqdn := value
	if reqType == policy.ReqTypeURL {
		host, ok := FQDNFromURL(value)
		if !ok {
			return false
		}
		fqdn = host
	}

	req := &policy.Request{
		ReqType:   policy.ReqTypeFQDN,
		DeviceMAC: localMAC,
		URL:       cache.NormalizeName(fqdn),
		Acc:       acc,
	}
	reply := policy.NewReply()
	reply.ReqType = policy.ReqTypeFQDN
	p.engine.Apply(p.table, req, reply)
	if !reply.Redirect {
		return false
	}
	return redirectMatchesRemote(reply, acc.Key.IPVersion, remoteIP)
}

// redirectMatchesRemote reports whether the policy's redirect target for the
// flow's address family equals the remote IP.
func redirectMatchesRemote(reply *policy.Reply, ipVersion int, remoteIP string) bool {
	prefix := "A-"
	if ipVersion == 6 {
		prefix = "4A-"
	}
	for _, entry := range reply.Redirects {
		if strings.HasPrefix(entry, prefix) && strings.TrimPrefix(entry, prefix) == remoteIP {
			return true
		}
	}
	return false
}
