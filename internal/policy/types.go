// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy evaluates per-attribute requests against ordered rule
// tables and produces the action, reporting, redirect and tag-update outcome
// for a flow attribute.
package policy

import (
	"net/netip"

	"walleye.is/walleye/internal/flow"
)

// Action is the outcome of a policy evaluation.
type Action int

const (
	ActionNone Action = iota
	ActionBlock
	ActionAllow
	ActionObserved
	ActionNoMatch
	ActionRedirect
	ActionRedirectAllow
	ActionForward
	ActionUpdateTag
	ActionGatekeeperReq
	ActionNoAnswer
	ActionFlushCache
	ActionFlushAllCache
)

var actionStrings = map[Action]string{
	ActionNone:          "none",
	ActionBlock:         "blocked",
	ActionAllow:         "allowed",
	ActionObserved:      "observed",
	ActionNoMatch:       "noMatch",
	ActionRedirect:      "redirected",
	ActionRedirectAllow: "redirectedAllow",
	ActionForward:       "forwarded",
	ActionUpdateTag:     "updateTag",
	ActionGatekeeperReq: "gatekeeperRequest",
	ActionNoAnswer:      "noAnswer",
	ActionFlushCache:    "flushCache",
	ActionFlushAllCache: "flushAllCache",
}

func (a Action) String() string {
	if s, ok := actionStrings[a]; ok {
		return s
	}
	return "unknown"
}

// ReportLevel orders reporting aggressiveness. The winning rule's level is
// combined with the level already on the reply and the higher one is kept;
// levels of observe-and-continue rules passed over are not counted.
type ReportLevel int

const (
	ReportNone ReportLevel = iota
	ReportBlocked
	ReportAll
)

// Categorization state of a request.
const (
	CatNop = iota
	CatFailed
	CatPending
	CatSuccess
)

// RequestType selects the attribute kind a request carries.
type RequestType int

const (
	ReqTypeUnknown RequestType = iota - 1
	ReqTypeFQDN
	ReqTypeURL
	ReqTypeHost
	ReqTypeSNI
	ReqTypeIPv4
	ReqTypeIPv6
	ReqTypeApp
	ReqTypeFQDNFlow
	ReqTypeIPv4Flow
	ReqTypeIPv6Flow
)

// Operand-set operators. The zero value is "out" for the MAC, category, IP
// and application families, "in" for FQDNOp and "eq" for RiskOp.
type (
	MACOp  int
	FQDNOp int
	CatOp  int
	RiskOp int
	IPOp   int
	AppOp  int
)

const (
	MACOpOut MACOp = iota
	MACOpIn
)

const (
	FQDNOpIn FQDNOp = iota
	FQDNOpSFRIn
	FQDNOpSFLIn
	FQDNOpWildIn
	FQDNOpOut
	FQDNOpSFROut
	FQDNOpSFLOut
	FQDNOpWildOut
	FQDNOpTrue
)

const (
	CatOpOut CatOp = iota
	CatOpIn
	CatOpTrue
)

const (
	RiskOpEq RiskOp = iota
	RiskOpNeq
	RiskOpGt
	RiskOpLt
	RiskOpGte
	RiskOpLte
	RiskOpTrue
)

const (
	IPOpOut IPOp = iota
	IPOpIn
	IPOpTrue
)

const (
	AppOpOut AppOp = iota
	AppOpIn
	AppOpTrue
)

// Redirect slot indices within Reply.Redirects.
const (
	RedirectIPv4 = 0
	RedirectIPv6 = 1
)

// MaxPolicies bounds a table's rule index space.
const MaxPolicies = 60

// Rule is one policy row: an AND of its enabled predicates plus the outputs
// applied on match.
type Rule struct {
	Name string
	Idx  int

	MACRulePresent bool
	MACOp          MACOp
	MACs           []string

	FQDNRulePresent bool
	FQDNOp          FQDNOp
	FQDNs           []string

	CatRulePresent bool
	CatOp          CatOp
	Categories     []int

	RiskRulePresent bool
	RiskOp          RiskOp
	RiskLevel       int

	IPRulePresent bool
	IPOp          IPOp
	IPAddrs       []string

	AppRulePresent bool
	AppOp          AppOp
	Apps           []string

	Action      Action
	ReportLevel ReportLevel
	Redirects   []string
	OtherConfig map[string]string
	NextTable   string
}

// Table is a named, ordered policy table. Rules are indexed by Idx; lookup
// walks the array in order, so tables stay small.
type Table struct {
	Name  string
	rules [MaxPolicies]*Rule
}

// NewTable creates an empty table.
func NewTable(name string) *Table {
	return &Table{Name: name}
}

// Upsert installs a rule at its index.
func (t *Table) Upsert(r *Rule) bool {
	if r == nil || r.Idx < 0 || r.Idx >= MaxPolicies {
		return false
	}
	t.rules[r.Idx] = r
	return true
}

// Delete removes the rule at an index.
func (t *Table) Delete(idx int) {
	if idx >= 0 && idx < MaxPolicies {
		t.rules[idx] = nil
	}
}

// Rules returns the live rules in index order.
func (t *Table) Rules() []*Rule {
	var out []*Rule
	for _, r := range t.rules {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// URLReply carries the provider's categorization answer for a request.
type URLReply struct {
	ServiceID       int
	LookupStatus    int
	ConnectionError bool
	Categories      []int
	RiskLevel       int
	GkPolicy        string
	CategoryID      uint32
	ConfidenceLevel uint32
}

// DNSResponse lists the resolved addresses collected from a DNS answer.
type DNSResponse struct {
	IPv4Addrs []string
	IPv6Addrs []string
}

// Request is one policy evaluation input. The Rule*/Action/Report fields are
// observe-and-continue bookkeeping filled while walking a table; gatekeeper
// reporting reads them back.
type Request struct {
	ReqID     string
	ReqType   RequestType
	DeviceMAC [6]byte
	URL       string
	IPAddr    netip.Addr
	Acc       *flow.Accumulator

	DNSResponse DNSResponse
	Reply       *URLReply

	RuleName    string
	PolicyIndex int
	Action      Action
	Report      bool

	Timestamp int64
}

// Reply is the outcome of one policy evaluation.
type Reply struct {
	ReqID   string
	ReqType RequestType

	Action    Action
	LogAction string

	RdTTL    int
	CacheTTL int

	Categorized int
	CatMatch    int

	Log        ReportLevel
	PolicyName string
	PolicyIdx  int
	RuleName   string

	UpdateV4Tag     string
	UpdateV6Tag     string
	ExcludedDevices string

	Redirect  bool
	Redirects [2]string

	RiskLevel int

	FSMChecked          bool
	FromCache           bool
	CatUnknownToService bool
	Provider            string
	ToReport            bool
	FlowMarker          uint32
}

// NewReply returns a reply with the documented defaults: rd_ttl -1 (use the
// provider's or the protocol default) and risk/category markers unset.
func NewReply() *Reply {
	return &Reply{
		RdTTL:     -1,
		RiskLevel: -1,
		CatMatch:  -1,
	}
}
