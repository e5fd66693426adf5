// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"strings"

	"walleye.is/walleye/internal/policy"
)

var fqdnOps = map[string]policy.FQDNOp{
	"in":       policy.FQDNOpIn,
	"sfr_in":   policy.FQDNOpSFRIn,
	"sfl_in":   policy.FQDNOpSFLIn,
	"wild_in":  policy.FQDNOpWildIn,
	"out":      policy.FQDNOpOut,
	"sfr_out":  policy.FQDNOpSFROut,
	"sfl_out":  policy.FQDNOpSFLOut,
	"wild_out": policy.FQDNOpWildOut,
	"true":     policy.FQDNOpTrue,
}

var riskOps = map[string]policy.RiskOp{
	"eq":   policy.RiskOpEq,
	"neq":  policy.RiskOpNeq,
	"gt":   policy.RiskOpGt,
	"lt":   policy.RiskOpLt,
	"gte":  policy.RiskOpGte,
	"lte":  policy.RiskOpLte,
	"true": policy.RiskOpTrue,
}

var actions = map[string]policy.Action{
	"":           policy.ActionNone,
	"none":       policy.ActionNone,
	"block":      policy.ActionBlock,
	"allow":      policy.ActionAllow,
	"observe":    policy.ActionNone,
	"redirect":   policy.ActionRedirect,
	"forward":    policy.ActionForward,
	"update_tag": policy.ActionUpdateTag,
	"gatekeeper": policy.ActionGatekeeperReq,
	"noanswer":   policy.ActionNoAnswer,
	"flush":      policy.ActionFlushCache,
	"flush_all":  policy.ActionFlushAllCache,
}

var reportLevels = map[string]policy.ReportLevel{
	"":        policy.ReportNone,
	"none":    policy.ReportNone,
	"blocked": policy.ReportBlocked,
	"all":     policy.ReportAll,
}

// Rule converts one provisioned row into an engine rule. Predicate presence
// follows the schema: a rule is present when its operator field is set.
func (row *PolicyRow) Rule() *policy.Rule {
	r := &policy.Rule{
		Name:        row.Name,
		Idx:         row.Idx,
		Redirects:   row.Redirects,
		OtherConfig: row.Other,
		NextTable:   row.NextTable,
	}

	if op := strings.ToLower(row.MACOp); op != "" {
		r.MACRulePresent = true
		if op == "in" {
			r.MACOp = policy.MACOpIn
		}
		r.MACs = row.MACs
	}

	if op := strings.ToLower(row.FQDNOp); op != "" {
		if parsed, ok := fqdnOps[op]; ok {
			r.FQDNRulePresent = true
			r.FQDNOp = parsed
			r.FQDNs = row.FQDNs
		}
	}

	if op := strings.ToLower(row.CatOp); op != "" {
		r.CatRulePresent = true
		switch op {
		case "in":
			r.CatOp = policy.CatOpIn
		case "true":
			r.CatOp = policy.CatOpTrue
		}
		r.Categories = row.Categories
	}

	if op := strings.ToLower(row.RiskOp); op != "" {
		if parsed, ok := riskOps[op]; ok {
			r.RiskRulePresent = true
			r.RiskOp = parsed
			r.RiskLevel = row.RiskLevel
		}
	}

	if op := strings.ToLower(row.IPOp); op != "" {
		r.IPRulePresent = true
		switch op {
		case "in":
			r.IPOp = policy.IPOpIn
		case "true":
			r.IPOp = policy.IPOpTrue
		}
		r.IPAddrs = row.IPAddrs
	}

	if op := strings.ToLower(row.AppOp); op != "" {
		r.AppRulePresent = true
		switch op {
		case "in":
			r.AppOp = policy.AppOpIn
		case "true":
			r.AppOp = policy.AppOpTrue
		}
		r.Apps = row.Apps
	}

	r.Action = actions[strings.ToLower(row.Action)]
	r.ReportLevel = reportLevels[strings.ToLower(row.Log)]
	return r
}

// PolicyTables groups the provisioned rows into engine tables.
func (c *Config) PolicyTables() []*policy.Table {
	byName := map[string]*policy.Table{}
	var order []string
	for i := range c.Policies {
		row := &c.Policies[i]
		t, ok := byName[row.Table]
		if !ok {
			t = policy.NewTable(row.Table)
			byName[row.Table] = t
			order = append(order, row.Table)
		}
		t.Upsert(row.Rule())
	}
	out := make([]*policy.Table, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}
