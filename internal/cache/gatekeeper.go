// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cache

import (
	"sync"
	"time"

	"github.com/google/btree"

	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/policy"
)

// AttrType keys the gatekeeper cache by the kind of attribute a verdict was
// issued for.
type AttrType int

const (
	AttrFQDN AttrType = iota
	AttrIPv4
	AttrIPv6
	AttrHost
	AttrSNI
	AttrURL
	AttrApp
)

// AttrEntry is one gatekeeper verdict keyed by (device, attribute type,
// value).
type AttrEntry struct {
	DeviceMAC [6]byte
	Type      AttrType
	Value     string

	Action          policy.Action
	PolicyIdx       int
	TTL             time.Duration
	CreatedAt       time.Time
	RedirectFlag    bool
	Direction       flow.Direction
	NetworkID       string
	GkPolicy        string
	CategoryID      uint32
	ConfidenceLevel uint32
	Categorized     int
	IsPrivateIP     bool
}

func attrLess(a, b *AttrEntry) bool {
	if c := compareMAC(a.DeviceMAC, b.DeviceMAC); c != 0 {
		return c < 0
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.Value < b.Value
}

// GatekeeperCache is the unified attribute cache used when the provider is
// the gatekeeper service.
type GatekeeperCache struct {
	mu      sync.Mutex
	entries *btree.BTreeG[*AttrEntry]
	now     func() time.Time

	Hits   uint64
	Misses uint64
}

// NewGatekeeper creates an empty gatekeeper cache.
func NewGatekeeper() *GatekeeperCache {
	return &GatekeeperCache{
		entries: btree.NewG(btreeDegree, attrLess),
		now:     time.Now,
	}
}

// Upsert installs or refreshes an entry. Redirect entries get the fixed
// redirect TTL, others are floored at MinIPTTL.
func (c *GatekeeperCache) Upsert(e *AttrEntry) {
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
	c.entries.ReplaceOrInsert(e)
}

// Lookup fetches a live entry.
func (c *GatekeeperCache) Lookup(mac [6]byte, typ AttrType, value string) (*AttrEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(&AttrEntry{DeviceMAC: mac, Type: typ, Value: value})
	if !ok {
		c.Misses++
		return nil, false
	}
	if c.now().After(e.CreatedAt.Add(e.TTL)) {
		c.entries.Delete(e)
		c.Misses++
		return nil, false
	}
	c.Hits++
	return e, true
}

// IsRedirectedFlow reports whether the device has a live redirect entry for
// the remote IP.
func (c *GatekeeperCache) IsRedirectedFlow(mac [6]byte, ipVersion int, ip string) bool {
	typ := AttrIPv4
	if ipVersion == 6 {
		typ = AttrIPv6
	}
	e, ok := c.Lookup(mac, typ, ip)
	return ok && e.RedirectFlag
}

// PeriodicCleanup evicts expired entries.
func (c *GatekeeperCache) PeriodicCleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dead []*AttrEntry
	now := c.now()
	c.entries.Ascend(func(e *AttrEntry) bool {
		if now.After(e.CreatedAt.Add(e.TTL)) {
			dead = append(dead, e)
		}
		return true
	})
	for _, e := range dead {
		c.entries.Delete(e)
	}
	return len(dead)
}

// FlushPolicy deletes entries recorded under a policy index.
func (c *GatekeeperCache) FlushPolicy(policyIdx int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dead []*AttrEntry
	c.entries.Ascend(func(e *AttrEntry) bool {
		if e.PolicyIdx == policyIdx {
			dead = append(dead, e)
		}
		return true
	})
	for _, e := range dead {
		c.entries.Delete(e)
	}
	return len(dead)
}

// Len returns the number of live entries.
func (c *GatekeeperCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
