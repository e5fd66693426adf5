// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cache

import (
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/policy"
)

// PolicyLookup adapts the ip verdict cache to the policy engine's cache
// hook: ipv4/ipv6 requests hit the cache before the provider is consulted.
func PolicyLookup(vc *VerdictCache) policy.CacheLookupFunc {
	return func(req *policy.Request, reply *policy.Reply) bool {
		if req.ReqType != policy.ReqTypeIPv4 && req.ReqType != policy.ReqTypeIPv6 {
			return false
		}

		ip := req.URL
		if req.IPAddr.IsValid() {
			ip = req.IPAddr.String()
		}
		dir := flow.DirectionOutbound
		if req.Acc != nil {
			dir = req.Acc.Direction
		}

		e, ok := vc.LookupIP(req.DeviceMAC, ip, dir)
		if !ok {
			return false
		}

		reply.Action = e.Action
		reply.CatUnknownToService = e.CatUnknownToService
		reply.PolicyIdx = e.PolicyIdx
		req.Reply = &policy.URLReply{
			ServiceID:  e.ServiceID,
			Categories: e.Categories,
			RiskLevel:  e.RiskLevel,
		}
		return true
	}
}
