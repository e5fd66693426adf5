// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
)

// Provider is the external verdict backend. CategoriesCheck and
// RiskLevelCheck populate the request's URLReply; GatekeeperReq fills the
// reply's action/categorization when a rule's action is gatekeeper_req.
type Provider interface {
	Name() string
	CategoriesCheck(req *Request, rule *Rule, reply *Reply) bool
	RiskLevelCheck(req *Request, rule *Rule, reply *Reply) bool
	GatekeeperReq(req *Request, reply *Reply) bool
}

// CacheLookupFunc consults the verdict caches before the provider. It
// returns true on a hit and fills the reply's action/categorization.
type CacheLookupFunc func(req *Request, reply *Reply) bool

// Client is a policy consumer bound to a named table. When the table is
// replaced the engine calls Update so the client rebinds its pointer.
type Client struct {
	Name       string
	TableName  string
	Update     func(*Table)
	FlushCache func(*Rule)
}

// Engine holds the policy tables and their registered clients.
type Engine struct {
	tables      map[string]*Table
	clients     []*Client
	tags        *TagRegistry
	provider    Provider
	cacheLookup CacheLookupFunc
	logger      *logging.Logger

	Evaluations uint64
	Matches     uint64
}

// NewEngine creates a policy engine using the given tag registry for operand
// set resolution.
func NewEngine(tags *TagRegistry) *Engine {
	if tags == nil {
		tags = NewTagRegistry()
	}
	return &Engine{
		tables: make(map[string]*Table),
		tags:   tags,
		logger: logging.WithComponent("policy"),
	}
}

// Tags exposes the registry shared with the dispatcher's device filters.
func (e *Engine) Tags() *TagRegistry { return e.tags }

// SetProvider installs the external verdict provider.
func (e *Engine) SetProvider(p Provider) { e.provider = p }

// Provider returns the installed provider, if any.
func (e *Engine) Provider() Provider { return e.provider }

// SetCacheLookup installs the verdict-cache read hook.
func (e *Engine) SetCacheLookup(fn CacheLookupFunc) { e.cacheLookup = fn }

// FindTable returns a table by name.
func (e *Engine) FindTable(name string) (*Table, bool) {
	t, ok := e.tables[name]
	return t, ok
}

// UpdateTable installs or replaces a table and notifies every client bound
// to it, so readers rebind before the next packet is dispatched.
func (e *Engine) UpdateTable(t *Table) {
	e.tables[t.Name] = t
	for _, c := range e.clients {
		if c.TableName != t.Name {
			continue
		}
		if c.Update != nil {
			c.Update(t)
		}
	}
	e.logger.Info("policy table updated", "table", t.Name, "rules", len(t.Rules()))
}

// RegisterClient binds a client to its table name and hands it the current
// table if one exists.
func (e *Engine) RegisterClient(c *Client) {
	e.clients = append(e.clients, c)
	if t, ok := e.tables[c.TableName]; ok && c.Update != nil {
		c.Update(t)
	}
}

// DeregisterClient removes a client from all tables.
func (e *Engine) DeregisterClient(c *Client) {
	for i, existing := range e.clients {
		if existing == c {
			e.clients = append(e.clients[:i], e.clients[i+1:]...)
			return
		}
	}
}

// FlushRule tells every client using the rule's table to flush cached
// verdicts recorded under that rule's policy index.
func (e *Engine) FlushRule(tableName string, rule *Rule) {
	for _, c := range e.clients {
		if c.TableName == tableName && c.FlushCache != nil {
			c.FlushCache(rule)
		}
	}
}

// macCheck evaluates the rule's device predicate.
func (e *Engine) macCheck(req *Request, r *Rule) bool {
	if !r.MACRulePresent {
		return true
	}
	mac := packet.MACString(req.DeviceMAC)
	in := e.tags.ValueInSet(mac, r.MACs)
	if r.MACOp == MACOpIn {
		return in
	}
	return !in
}

// wildMatch compares a domain against a pattern label by label; '.' is the
// separator, so wildcards never swallow a label boundary.
func wildMatch(pattern, domain string) bool {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return false
	}
	if strings.Count(pattern, ".") != strings.Count(domain, ".") {
		return false
	}
	return g.Match(domain)
}

func fqdnInSet(e *Engine, fqdn string, r *Rule, op FQDNOp) bool {
	for _, raw := range r.FQDNs {
		entries := []string{raw}
		if name, isTag := tagName(raw); isTag {
			entries = e.tags.Members(name)
		}
		for _, entry := range entries {
			switch op {
			case FQDNOpWildIn, FQDNOpWildOut:
				if wildMatch(entry, fqdn) {
					return true
				}
			case FQDNOpSFRIn, FQDNOpSFROut:
				if strings.HasSuffix(fqdn, entry) {
					return true
				}
			case FQDNOpSFLIn, FQDNOpSFLOut:
				if strings.HasPrefix(fqdn, entry) {
					return true
				}
			default:
				if fqdn == entry {
					return true
				}
			}
		}
	}
	return false
}

// fqdnCheck evaluates the rule's FQDN predicate.
func (e *Engine) fqdnCheck(req *Request, r *Rule) bool {
	if !r.FQDNRulePresent {
		return true
	}
	if r.FQDNOp == FQDNOpTrue {
		return true
	}

	in := r.FQDNOp == FQDNOpIn || r.FQDNOp == FQDNOpSFRIn ||
		r.FQDNOp == FQDNOpSFLIn || r.FQDNOp == FQDNOpWildIn

	rc := fqdnInSet(e, req.URL, r, r.FQDNOp)
	return rc == in
}

// ipCheck evaluates the rule's IP predicate: string equality against the
// operand set, address family taken from the flow.
func (e *Engine) ipCheck(req *Request, r *Rule) bool {
	if !r.IPRulePresent {
		return true
	}
	if r.IPOp == IPOpTrue {
		return true
	}
	if req.Acc != nil && req.Acc.Key.IPVersion == 0 {
		return false
	}
	in := e.tags.ValueInSet(req.URL, r.IPAddrs)
	if r.IPOp == IPOpIn {
		return in
	}
	return !in
}

// catCheck evaluates the rule's category predicate, consulting the verdict
// cache first and the provider when categorization is still pending.
func (e *Engine) catCheck(req *Request, r *Rule, reply *Reply) bool {
	if e.cacheLookup != nil && !reply.FromCache {
		ipReq := req.ReqType == ReqTypeIPv4 || req.ReqType == ReqTypeIPv6
		if ipReq && e.cacheLookup(req, reply) {
			reply.FromCache = true
			reply.Categorized = CatSuccess
		}
	}

	if !r.CatRulePresent {
		return true
	}
	if r.CatOp == CatOpTrue {
		return true
	}
	if e.provider == nil {
		// The policy requires categorization but no provider is configured.
		return false
	}

	if reply.Categorized == CatNop {
		return e.provider.CategoriesCheck(req, r, reply)
	}

	rc := e.categoriesInSet(req, r, reply)
	if rc && r.CatOp == CatOpOut {
		return false
	}
	if !rc && r.CatOp == CatOpIn {
		return false
	}
	return true
}

// categoriesInSet looks the request's resolved categories up in the rule's
// category set, recording the matched category on the reply.
func (e *Engine) categoriesInSet(req *Request, r *Rule, reply *Reply) bool {
	if req.Reply == nil {
		return false
	}
	sorted := append([]int(nil), r.Categories...)
	sort.Ints(sorted)
	for _, cat := range req.Reply.Categories {
		i := sort.SearchInts(sorted, cat)
		if i < len(sorted) && sorted[i] == cat {
			reply.CatMatch = cat
			return true
		}
	}
	return false
}

// riskCheck evaluates the rule's risk predicate.
func (e *Engine) riskCheck(req *Request, r *Rule, reply *Reply) bool {
	if !r.RiskRulePresent {
		return true
	}
	if r.RiskOp == RiskOpTrue {
		return true
	}
	if e.provider == nil {
		return false
	}
	if req.Reply == nil {
		return e.provider.RiskLevelCheck(req, r, reply)
	}
	return riskCompare(req.Reply.RiskLevel, r)
}

func riskCompare(level int, r *Rule) bool {
	switch r.RiskOp {
	case RiskOpEq:
		return level == r.RiskLevel
	case RiskOpNeq:
		return level != r.RiskLevel
	case RiskOpGt:
		return level > r.RiskLevel
	case RiskOpLt:
		return level < r.RiskLevel
	case RiskOpGte:
		return level >= r.RiskLevel
	case RiskOpLte:
		return level <= r.RiskLevel
	default:
		return false
	}
}

// appCheck evaluates the rule's application predicate.
func (e *Engine) appCheck(req *Request, r *Rule) bool {
	if !r.AppRulePresent {
		return true
	}
	if r.AppOp == AppOpTrue {
		return true
	}
	in := e.tags.ValueInSet(req.URL, r.Apps)
	if r.AppOp == AppOpIn {
		return in
	}
	return !in
}

func setReporting(r *Rule, reply *Reply) {
	if r.ReportLevel > reply.Log {
		reply.Log = r.ReportLevel
	}
}

func setTagUpdate(r *Rule, reply *Reply) {
	if v, ok := r.OtherConfig["tagv4_name"]; ok {
		reply.UpdateV4Tag = v
	}
	if v, ok := r.OtherConfig["tagv6_name"]; ok {
		reply.UpdateV6Tag = v
	}
}

func setExcludedDevices(r *Rule, reply *Reply) {
	if v, ok := r.OtherConfig["excluded_devices"]; ok {
		reply.ExcludedDevices = v
	}
}

func setAction(r *Rule, reply *Reply) {
	if r.Action == ActionGatekeeperReq {
		return
	}
	if r.Action == ActionNone {
		reply.Action = ActionObserved
		return
	}
	// A cached allow sticks; anything stronger overrides.
	if reply.FromCache && reply.Action == ActionAllow {
		return
	}
	reply.Action = r.Action
}

func setPolicyRecord(tableName string, r *Rule, reply *Reply) {
	reply.PolicyName = tableName
	reply.PolicyIdx = r.Idx
	reply.RuleName = r.Name
}

func setRedirects(r *Rule, reply *Reply, logger *logging.Logger) {
	if r.Action == ActionGatekeeperReq {
		return
	}
	reply.Redirect = false
	reply.RdTTL = -1

	rdTTL := -1
	if v, ok := r.OtherConfig["rd_ttl"]; ok {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return
		}
		rdTTL = parsed
	} else {
		return
	}

	if len(r.Redirects) == 0 {
		return
	}
	for i, target := range r.Redirects {
		if i >= len(reply.Redirects) {
			break
		}
		logger.Debug("policy redirect", "rule", r.Name, "target", target, "ttl", rdTTL)
		reply.Redirects[i] = target
	}
	reply.Redirect = true
	reply.RdTTL = rdTTL
}

const (
	logActionCacheLookupFailed  = "cacheLookupFailed"
	logActionRemoteLookupFailed = "remoteLookupFailed"
)

// setLogAction derives the user-facing action string, distinguishing cache
// and remote categorization failures.
func setLogAction(req *Request, reply *Reply) {
	if reply.Categorized != CatFailed {
		reply.LogAction = reply.Action.String()
		return
	}
	if req.Reply == nil || req.Reply.LookupStatus != 0 {
		reply.LogAction = logActionCacheLookupFailed
		return
	}
	reply.LogAction = logActionRemoteLookupFailed
}

func (e *Engine) gatekeeperCheck(req *Request, r *Rule, reply *Reply) bool {
	if r.Action != ActionGatekeeperReq {
		return true
	}
	if e.provider == nil {
		e.logger.Debug("gatekeeper not configured, skipping policy check")
		reply.Action = ActionNoMatch
		reply.Log = ReportNone
		return false
	}
	rc := e.provider.GatekeeperReq(req, reply)
	if !rc {
		reply.Action = ActionNoMatch
		reply.Log = ReportNone
	}
	return rc
}

// Apply walks a table looking for a match and combines the action and
// reporting to apply. First match wins, except rules with action none which
// observe and continue.
func (e *Engine) Apply(table *Table, req *Request, reply *Reply) Action {
	e.Evaluations++

	if table == nil {
		reply.Action = ActionNoMatch
		reply.Log = ReportNone
		setLogAction(req, reply)
		return reply.Action
	}

	var lastMatch *Rule
	matched := false
	req.Report = false

	for _, r := range table.Rules() {
		if !e.macCheck(req, r) {
			continue
		}
		if !e.fqdnCheck(req, r) {
			continue
		}
		if !e.ipCheck(req, r) {
			continue
		}
		if !e.catCheck(req, r, reply) {
			continue
		}
		if !e.riskCheck(req, r, reply) {
			continue
		}
		if !e.appCheck(req, r) {
			continue
		}

		e.logger.Debug("rule matched", "table", table.Name, "rule", r.Name)
		matched = true
		lastMatch = r

		// Gatekeeper rules report on their own terms; everything else
		// records observe-and-continue bookkeeping on the request.
		if r.Action != ActionGatekeeperReq {
			req.Report = req.Report || r.ReportLevel == ReportAll
			req.RuleName = r.Name
			req.PolicyIndex = r.Idx
			if r.Action == ActionNone {
				req.Action = ActionObserved
			} else {
				req.Action = r.Action
			}
		}
		if r.Action != ActionNone {
			break
		}
	}

	if matched {
		e.Matches++
		r := lastMatch
		if r.Action == ActionGatekeeperReq {
			e.gatekeeperCheck(req, r, reply)
		}
		setReporting(r, reply)
		setTagUpdate(r, reply)
		setExcludedDevices(r, reply)
		setAction(r, reply)
		setPolicyRecord(table.Name, r, reply)
		setRedirects(r, reply, e.logger)
	} else {
		reply.Action = ActionNoMatch
		reply.Log = ReportNone
	}

	reply.FSMChecked = true
	setLogAction(req, reply)
	return reply.Action
}
