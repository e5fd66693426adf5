// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

// FinalizeReporting derives the reply's to_report flag from its log level
// and final action, and fails open when categorization failed. Shared by the
// DNS and SNI verdict paths.
func FinalizeReporting(reply *Reply) {
	reply.ToReport = true
	if reply.Log == ReportNone {
		reply.ToReport = false
	}
	if reply.Log == ReportBlocked && reply.Action != ActionBlock {
		reply.ToReport = false
	}

	// Categorization failure always fails open and is always reported.
	if reply.Categorized == CatFailed {
		reply.Action = ActionAllow
		reply.ToReport = true
	}
}

// UpdateGatekeeperReporting reconciles gatekeeper replies with the
// observe-and-continue bookkeeping collected while walking the table. The
// gatekeeper only reports block and redirect verdicts on its own; when a
// non-gatekeeper rule along the way asked for logging, force the report and
// attribute it to that rule.
func UpdateGatekeeperReporting(gkRule bool, req *Request, reply *Reply) {
	if !gkRule {
		return
	}

	if reply.ToReport {
		if reply.RuleName == "" {
			reply.RuleName = req.RuleName
		}
		return
	}

	if !req.Report {
		return
	}

	reply.ToReport = true
	reply.RuleName = req.RuleName
	reply.Action = req.Action
	reply.PolicyIdx = req.PolicyIndex
}
