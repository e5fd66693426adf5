// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cache holds the content-addressed verdict caches: policy decisions
// recorded per (device, name) and (device, ip, direction), plus the unified
// gatekeeper attribute cache. Redirect entries written while processing DNS
// responses are consumed later by the non-DNS attribute paths.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
	"walleye.is/walleye/internal/policy"
)

// DNSRedirectTTL is the fixed lifetime of redirect entries.
const DNSRedirectTTL = 600 * time.Second

// MinIPTTL is the floor applied to non-redirect ip entries.
const MinIPTTL = 6 * time.Hour

const btreeDegree = 16

// NameEntry records the verdict for a (device, name) pair.
type NameEntry struct {
	DeviceMAC [6]byte
	Name      string

	Action    policy.Action
	PolicyIdx int
	TTL       time.Duration
	CreatedAt time.Time
	NetworkID string
	Provider  *policy.URLReply
}

// IPEntry records the verdict for a (device, ip, direction) triple.
type IPEntry struct {
	DeviceMAC [6]byte
	IP        string
	Direction flow.Direction

	Action              policy.Action
	ActionByName        policy.Action
	PolicyIdx           int
	TTL                 time.Duration
	CreatedAt           time.Time
	RedirectFlag        bool
	NetworkID           string
	ServiceID           int
	CatUnknownToService bool
	Categories          []int
	RiskLevel           int
}

func nameLess(a, b *NameEntry) bool {
	if c := compareMAC(a.DeviceMAC, b.DeviceMAC); c != 0 {
		return c < 0
	}
	return a.Name < b.Name
}

func ipLess(a, b *IPEntry) bool {
	if c := compareMAC(a.DeviceMAC, b.DeviceMAC); c != 0 {
		return c < 0
	}
	if a.IP != b.IP {
		return a.IP < b.IP
	}
	return a.Direction < b.Direction
}

func compareMAC(a, b [6]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// VerdictCache is the default name+ip cache. Mutation is single threaded
// today; the lock future-proofs off-thread readers.
type VerdictCache struct {
	mu    sync.Mutex
	names *btree.BTreeG[*NameEntry]
	ips   *btree.BTreeG[*IPEntry]

	logger *logging.Logger
	now    func() time.Time

	Hits    uint64
	Misses  uint64
	Expired uint64
}

// New creates an empty verdict cache.
func New() *VerdictCache {
	return &VerdictCache{
		names:  btree.NewG(btreeDegree, nameLess),
		ips:    btree.NewG(btreeDegree, ipLess),
		logger: logging.WithComponent("cache"),
		now:    time.Now,
	}
}

func (c *VerdictCache) expired(created time.Time, ttl time.Duration) bool {
	return c.now().After(created.Add(ttl))
}

// AddName records a name verdict. A zero TTL keeps the entry for MinIPTTL.
func (c *VerdictCache) AddName(e *NameEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.TTL <= 0 {
		e.TTL = MinIPTTL
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	c.names.ReplaceOrInsert(e)
}

// LookupName fetches a live name verdict.
func (c *VerdictCache) LookupName(mac [6]byte, name string) (*NameEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.names.Get(&NameEntry{DeviceMAC: mac, Name: name})
	if !ok {
		c.Misses++
		return nil, false
	}
	if c.expired(e.CreatedAt, e.TTL) {
		c.names.Delete(e)
		c.Expired++
		c.Misses++
		return nil, false
	}
	c.Hits++
	return e, true
}

// AddIP records an ip verdict. Redirect entries get the fixed redirect TTL;
// everything else is floored at MinIPTTL.
func (c *VerdictCache) AddIP(e *IPEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.RedirectFlag {
		e.TTL = DNSRedirectTTL
	} else if e.TTL < MinIPTTL {
		e.TTL = MinIPTTL
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	c.ips.ReplaceOrInsert(e)
}

// LookupIP fetches a live ip verdict.
func (c *VerdictCache) LookupIP(mac [6]byte, ip string, dir flow.Direction) (*IPEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.ips.Get(&IPEntry{DeviceMAC: mac, IP: ip, Direction: dir})
	if !ok {
		c.Misses++
		return nil, false
	}
	if c.expired(e.CreatedAt, e.TTL) {
		c.ips.Delete(e)
		c.Expired++
		c.Misses++
		return nil, false
	}
	c.Hits++
	return e, true
}

// AddRedirect records that answers for this device now point at a redirect
// target. The action field is deliberately allow: redirect_flag alone marks
// the entry as a redirect.
func (c *VerdictCache) AddRedirect(mac [6]byte, ip string, dir flow.Direction, serviceID int) {
	c.logger.Debug("adding redirect cache entry", "device", packet.MACString(mac), "ip", ip)
	c.AddIP(&IPEntry{
		DeviceMAC:    mac,
		IP:           ip,
		Direction:    dir,
		Action:       policy.ActionAllow,
		ServiceID:    serviceID,
		RedirectFlag: true,
	})
}

// IsRedirectedFlow reports whether the (device, ip, direction) triple has a
// live redirect entry. redirect_flag is the ground truth; the entry's action
// is ignored.
func (c *VerdictCache) IsRedirectedFlow(mac [6]byte, ip string, dir flow.Direction) bool {
	e, ok := c.LookupIP(mac, ip, dir)
	return ok && e.RedirectFlag
}

// PeriodicCleanup removes expired entries and returns how many were evicted.
func (c *VerdictCache) PeriodicCleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deadNames []*NameEntry
	c.names.Ascend(func(e *NameEntry) bool {
		if c.expired(e.CreatedAt, e.TTL) {
			deadNames = append(deadNames, e)
		}
		return true
	})
	for _, e := range deadNames {
		c.names.Delete(e)
	}

	var deadIPs []*IPEntry
	c.ips.Ascend(func(e *IPEntry) bool {
		if c.expired(e.CreatedAt, e.TTL) {
			deadIPs = append(deadIPs, e)
		}
		return true
	})
	for _, e := range deadIPs {
		c.ips.Delete(e)
	}

	n := len(deadNames) + len(deadIPs)
	c.Expired += uint64(n)
	return n
}

// FlushPolicy deletes every entry recorded under the given policy index.
func (c *VerdictCache) FlushPolicy(policyIdx int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deadNames []*NameEntry
	c.names.Ascend(func(e *NameEntry) bool {
		if e.PolicyIdx == policyIdx {
			deadNames = append(deadNames, e)
		}
		return true
	})
	for _, e := range deadNames {
		c.names.Delete(e)
	}

	var deadIPs []*IPEntry
	c.ips.Ascend(func(e *IPEntry) bool {
		if e.PolicyIdx == policyIdx {
			deadIPs = append(deadIPs, e)
		}
		return true
	})
	for _, e := range deadIPs {
		c.ips.Delete(e)
	}

	return len(deadNames) + len(deadIPs)
}

// FlushAll clears both trees.
func (c *VerdictCache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names.Clear(false)
	c.ips.Clear(false)
}

// Len returns (name entries, ip entries).
func (c *VerdictCache) Len() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names.Len(), c.ips.Len()
}

// CacheAction maps a policy action to its cacheable form: redirects are
// recorded as block (an established flow cannot be redirected) and observed
// as allow.
func CacheAction(a policy.Action) policy.Action {
	switch a {
	case policy.ActionRedirect:
		return policy.ActionBlock
	case policy.ActionObserved:
		return policy.ActionAllow
	default:
		return a
	}
}

// NormalizeName lower-cases and strips the trailing dot of a DNS name so
// cache keys are stable across query spellings.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
