// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package neigh

import (
	"net/netip"
	"sync"
	"time"
)

// Source records which protocol taught us a neighbor.
type Source int

const (
	SourceARP Source = iota
	SourceNDP
	SourceSocket
)

func (s Source) String() string {
	switch s {
	case SourceARP:
		return "arp"
	case SourceNDP:
		return "ndp"
	case SourceSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Entry is one ip-to-mac binding.
type Entry struct {
	IP      netip.Addr
	MAC     [6]byte
	Source  Source
	Learned time.Time
	TTL     time.Duration
}

// Table is the in-process neighbor table. The ARP/NDP learner writes it; the
// ingress adapters read it to synthesize Ethernet headers.
type Table struct {
	mu      sync.RWMutex
	entries map[netip.Addr]*Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewTable creates a neighbor table with the given entry TTL.
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Table{
		entries: make(map[netip.Addr]*Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Add installs or refreshes a binding.
func (t *Table) Add(ip netip.Addr, mac [6]byte, src Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ip] = &Entry{
		IP:      ip,
		MAC:     mac,
		Source:  src,
		Learned: t.now(),
		TTL:     t.ttl,
	}
}

// Lookup resolves an IP to its learned MAC.
func (t *Table) Lookup(ip netip.Addr) ([6]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ip]
	if !ok {
		return [6]byte{}, false
	}
	if t.now().Sub(e.Learned) > e.TTL {
		return [6]byte{}, false
	}
	return e.MAC, true
}

// Get returns the full entry for an IP.
func (t *Table) Get(ip netip.Addr) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ip]
	if !ok || t.now().Sub(e.Learned) > e.TTL {
		return nil, false
	}
	return e, true
}

// PeriodicCleanup drops expired bindings.
func (t *Table) PeriodicCleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	now := t.now()
	for ip, e := range t.entries {
		if now.Sub(e.Learned) > e.TTL {
			delete(t.entries, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of bindings, including expired ones not yet swept.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
