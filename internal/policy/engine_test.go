// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testMAC = [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}

func fqdnRule(name string, idx int, op FQDNOp, fqdns []string, action Action) *Rule {
	return &Rule{
		Name: name, Idx: idx,
		FQDNRulePresent: true, FQDNOp: op, FQDNs: fqdns,
		Action: action,
	}
}

func applyFQDN(t *testing.T, e *Engine, table *Table, fqdn string) (*Request, *Reply) {
	t.Helper()
	req := &Request{ReqType: ReqTypeFQDN, DeviceMAC: testMAC, URL: fqdn}
	reply := NewReply()
	e.Apply(table, req, reply)
	return req, reply
}

func TestFQDNOperators(t *testing.T) {
	tests := []struct {
		name  string
		op    FQDNOp
		set   []string
		fqdn  string
		match bool
	}{
		{"exact in hit", FQDNOpIn, []string{"adult.com"}, "adult.com", true},
		{"exact in miss", FQDNOpIn, []string{"adult.com"}, "kids.com", false},
		{"exact out hit", FQDNOpOut, []string{"adult.com"}, "kids.com", true},
		{"suffix in", FQDNOpSFRIn, []string{"example.com"}, "www.example.com", true},
		{"suffix in miss", FQDNOpSFRIn, []string{"example.com"}, "example.org", false},
		{"prefix in", FQDNOpSFLIn, []string{"www."}, "www.example.com", true},
		{"wild in", FQDNOpWildIn, []string{"*.example.com"}, "cdn.example.com", true},
		{"wild label bound", FQDNOpWildIn, []string{"*.example.com"}, "a.b.example.com", false},
		{"always true", FQDNOpTrue, nil, "anything.com", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(nil)
			table := NewTable("default")
			table.Upsert(fqdnRule("r0", 0, tc.op, tc.set, ActionBlock))

			_, reply := applyFQDN(t, e, table, tc.fqdn)
			if tc.match {
				assert.Equal(t, ActionBlock, reply.Action)
			} else {
				assert.Equal(t, ActionNoMatch, reply.Action)
			}
		})
	}
}

func TestMACPredicate(t *testing.T) {
	e := NewEngine(nil)
	table := NewTable("default")
	table.Upsert(&Rule{
		Name: "dev_block", Idx: 0,
		MACRulePresent: true, MACOp: MACOpIn,
		MACs:   []string{"aa:bb:cc:dd:ee:01"},
		Action: ActionBlock,
	})

	_, reply := applyFQDN(t, e, table, "whatever.com")
	assert.Equal(t, ActionBlock, reply.Action)

	req := &Request{ReqType: ReqTypeFQDN, DeviceMAC: [6]byte{1, 2, 3, 4, 5, 6}, URL: "whatever.com"}
	reply = NewReply()
	e.Apply(table, req, reply)
	assert.Equal(t, ActionNoMatch, reply.Action)
}

func TestMACTagMembership(t *testing.T) {
	e := NewEngine(nil)
	e.Tags().Set("kids_devices", []string{"aa:bb:cc:dd:ee:01"})
	table := NewTable("default")
	table.Upsert(&Rule{
		Name: "kids", Idx: 0,
		MACRulePresent: true, MACOp: MACOpIn,
		MACs:   []string{"${kids_devices}"},
		Action: ActionBlock,
	})

	_, reply := applyFQDN(t, e, table, "x.com")
	assert.Equal(t, ActionBlock, reply.Action)
}

func TestObserveAndContinue(t *testing.T) {
	e := NewEngine(nil)
	table := NewTable("default")
	table.Upsert(&Rule{
		Name: "log_all", Idx: 0,
		FQDNRulePresent: true, FQDNOp: FQDNOpTrue,
		Action: ActionNone, ReportLevel: ReportAll,
	})
	table.Upsert(fqdnRule("block_adult", 5, FQDNOpIn, []string{"adult.com"}, ActionBlock))

	// The observing rule matches and evaluation continues to the block.
	req, reply := applyFQDN(t, e, table, "adult.com")
	assert.Equal(t, ActionBlock, reply.Action)
	assert.Equal(t, "block_adult", reply.RuleName)
	assert.Equal(t, 5, reply.PolicyIdx)
	assert.True(t, req.Report, "observe rule with report=all flags the request")

	// With no stronger match the observe rule's outcome stands.
	_, reply = applyFQDN(t, e, table, "fine.com")
	assert.Equal(t, ActionObserved, reply.Action)
	assert.Equal(t, "log_all", reply.RuleName)
	assert.Equal(t, ReportAll, reply.Log)
}

func TestReportLevelMax(t *testing.T) {
	e := NewEngine(nil)
	table := NewTable("default")
	table.Upsert(&Rule{
		Name: "observe", Idx: 0,
		FQDNRulePresent: true, FQDNOp: FQDNOpTrue,
		Action: ActionNone, ReportLevel: ReportAll,
	})
	table.Upsert(&Rule{
		Name: "allow", Idx: 1,
		FQDNRulePresent: true, FQDNOp: FQDNOpTrue,
		Action: ActionAllow, ReportLevel: ReportBlocked,
	})

	_, reply := applyFQDN(t, e, table, "a.com")
	// The winning rule's level is combined with what was already recorded.
	assert.Equal(t, ReportBlocked, reply.Log)
	assert.Equal(t, ActionAllow, reply.Action)
}

func TestRedirectOutputs(t *testing.T) {
	e := NewEngine(nil)
	table := NewTable("default")
	r := fqdnRule("rd", 0, FQDNOpIn, []string{"example.com"}, ActionRedirect)
	r.Redirects = []string{"A-18.204.152.241"}
	r.OtherConfig = map[string]string{"rd_ttl": "30"}
	table.Upsert(r)

	_, reply := applyFQDN(t, e, table, "example.com")
	assert.Equal(t, ActionRedirect, reply.Action)
	assert.True(t, reply.Redirect)
	assert.Equal(t, 30, reply.RdTTL)
	assert.Equal(t, "A-18.204.152.241", reply.Redirects[0])
}

func TestRedirectWithoutTTLStaysUnset(t *testing.T) {
	e := NewEngine(nil)
	table := NewTable("default")
	r := fqdnRule("rd", 0, FQDNOpIn, []string{"example.com"}, ActionRedirect)
	r.Redirects = []string{"A-18.204.152.241"}
	table.Upsert(r)

	_, reply := applyFQDN(t, e, table, "example.com")
	assert.False(t, reply.Redirect)
	assert.Equal(t, -1, reply.RdTTL)
}

func TestTagUpdateAndExcludedDevices(t *testing.T) {
	e := NewEngine(nil)
	table := NewTable("default")
	r := fqdnRule("tagger", 0, FQDNOpIn, []string{"svc.example.com"}, ActionUpdateTag)
	r.OtherConfig = map[string]string{
		"tagv4_name":       "svc_v4",
		"tagv6_name":       "svc_v6",
		"excluded_devices": "${iot_devices}",
	}
	table.Upsert(r)

	_, reply := applyFQDN(t, e, table, "svc.example.com")
	assert.Equal(t, ActionUpdateTag, reply.Action)
	assert.Equal(t, "svc_v4", reply.UpdateV4Tag)
	assert.Equal(t, "svc_v6", reply.UpdateV6Tag)
	assert.Equal(t, "${iot_devices}", reply.ExcludedDevices)
}

func TestNoTableMeansNoMatch(t *testing.T) {
	e := NewEngine(nil)
	req := &Request{ReqType: ReqTypeFQDN, DeviceMAC: testMAC, URL: "x.com"}
	reply := NewReply()
	action := e.Apply(nil, req, reply)
	assert.Equal(t, ActionNoMatch, action)
	assert.Equal(t, ReportNone, reply.Log)
	assert.Equal(t, "noMatch", reply.LogAction)
}

func TestGatekeeperWithoutProviderFailsRule(t *testing.T) {
	e := NewEngine(nil)
	table := NewTable("default")
	table.Upsert(fqdnRule("gk", 0, FQDNOpTrue, nil, ActionGatekeeperReq))

	_, reply := applyFQDN(t, e, table, "x.com")
	assert.Equal(t, ActionNoMatch, reply.Action)
	assert.Equal(t, ReportNone, reply.Log)
}

type stubProvider struct {
	gkAction Action
	gkCalled int
}

func (p *stubProvider) Name() string { return "gatekeeper" }
func (p *stubProvider) CategoriesCheck(req *Request, rule *Rule, reply *Reply) bool {
	reply.Categorized = CatSuccess
	req.Reply = &URLReply{Categories: []int{10}}
	return true
}
func (p *stubProvider) RiskLevelCheck(req *Request, rule *Rule, reply *Reply) bool {
	req.Reply = &URLReply{RiskLevel: 7}
	return riskCompare(7, rule)
}
func (p *stubProvider) GatekeeperReq(req *Request, reply *Reply) bool {
	p.gkCalled++
	reply.Categorized = CatSuccess
	reply.Action = p.gkAction
	reply.ToReport = p.gkAction == ActionBlock
	return true
}

func TestGatekeeperProviderFillsReply(t *testing.T) {
	e := NewEngine(nil)
	provider := &stubProvider{gkAction: ActionBlock}
	e.SetProvider(provider)
	table := NewTable("default")
	table.Upsert(fqdnRule("gk_all", 0, FQDNOpTrue, nil, ActionGatekeeperReq))

	_, reply := applyFQDN(t, e, table, "x.com")
	assert.Equal(t, 1, provider.gkCalled)
	assert.Equal(t, ActionBlock, reply.Action)
	assert.Equal(t, "gk_all", reply.RuleName)
}

func TestRiskOperators(t *testing.T) {
	tests := []struct {
		op    RiskOp
		level int
		match bool
	}{
		{RiskOpEq, 7, true},
		{RiskOpNeq, 7, false},
		{RiskOpGt, 5, true},
		{RiskOpLt, 5, false},
		{RiskOpGte, 7, true},
		{RiskOpLte, 6, false},
	}
	for _, tc := range tests {
		e := NewEngine(nil)
		e.SetProvider(&stubProvider{})
		table := NewTable("default")
		table.Upsert(&Rule{
			Name: "risky", Idx: 0,
			RiskRulePresent: true, RiskOp: tc.op, RiskLevel: tc.level,
			Action: ActionBlock,
		})

		_, reply := applyFQDN(t, e, table, "x.com")
		if tc.match {
			assert.Equal(t, ActionBlock, reply.Action, "op %d level %d", tc.op, tc.level)
		} else {
			assert.Equal(t, ActionNoMatch, reply.Action, "op %d level %d", tc.op, tc.level)
		}
	}
}

func TestPolicyIdempotence(t *testing.T) {
	e := NewEngine(nil)
	table := NewTable("default")
	table.Upsert(fqdnRule("block", 3, FQDNOpIn, []string{"adult.com"}, ActionBlock))

	_, first := applyFQDN(t, e, table, "adult.com")
	_, second := applyFQDN(t, e, table, "adult.com")
	assert.Equal(t, first, second)
}

func TestLogActionOnCategorizationFailure(t *testing.T) {
	req := &Request{ReqType: ReqTypeFQDN, URL: "x.com"}
	reply := NewReply()
	reply.Categorized = CatFailed
	reply.Action = ActionAllow

	setLogAction(req, reply)
	assert.Equal(t, "cacheLookupFailed", reply.LogAction)

	req.Reply = &URLReply{LookupStatus: 0}
	setLogAction(req, reply)
	assert.Equal(t, "remoteLookupFailed", reply.LogAction)
}

func TestClientRegistrationAndTableUpdate(t *testing.T) {
	e := NewEngine(nil)
	var bound *Table
	client := &Client{
		Name:      "dpi_dns",
		TableName: "default",
		Update:    func(t *Table) { bound = t },
	}
	e.RegisterClient(client)
	assert.Nil(t, bound)

	table := NewTable("default")
	e.UpdateTable(table)
	assert.Same(t, table, bound)

	// Replacing the table rebinds the client.
	next := NewTable("default")
	e.UpdateTable(next)
	assert.Same(t, next, bound)

	e.DeregisterClient(client)
	e.UpdateTable(NewTable("default"))
	assert.Same(t, next, bound, "deregistered clients are not notified")
}

func TestFinalizeReporting(t *testing.T) {
	reply := NewReply()
	reply.Action = ActionBlock
	reply.Log = ReportBlocked
	FinalizeReporting(reply)
	assert.True(t, reply.ToReport)

	reply = NewReply()
	reply.Action = ActionAllow
	reply.Log = ReportBlocked
	FinalizeReporting(reply)
	assert.False(t, reply.ToReport)

	reply = NewReply()
	reply.Action = ActionBlock
	reply.Log = ReportNone
	FinalizeReporting(reply)
	assert.False(t, reply.ToReport)

	reply = NewReply()
	reply.Categorized = CatFailed
	reply.Action = ActionBlock
	FinalizeReporting(reply)
	assert.Equal(t, ActionAllow, reply.Action, "categorization failure fails open")
	assert.True(t, reply.ToReport)
}

func TestUpdateGatekeeperReporting(t *testing.T) {
	req := &Request{Report: true, RuleName: "logMacs", Action: ActionObserved, PolicyIndex: 2}
	reply := NewReply()
	reply.ToReport = false
	reply.RuleName = "gk_all"

	UpdateGatekeeperReporting(true, req, reply)
	assert.True(t, reply.ToReport)
	assert.Equal(t, "logMacs", reply.RuleName)
	assert.Equal(t, ActionObserved, reply.Action)
	assert.Equal(t, 2, reply.PolicyIdx)

	// When the gatekeeper already reported, its verdict is kept.
	reply = NewReply()
	reply.ToReport = true
	reply.RuleName = "gk_all"
	reply.Action = ActionBlock
	UpdateGatekeeperReporting(true, req, reply)
	assert.Equal(t, "gk_all", reply.RuleName)
	assert.Equal(t, ActionBlock, reply.Action)
}
