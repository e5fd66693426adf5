// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"time"

	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
)

// DefaultAccTTL is how long an idle accumulator survives between packets.
const DefaultAccTTL = 120 * time.Second

// ReleaseFunc is invoked for each plugin of a flow when the accumulator is
// destroyed, so the plugin can free its per-flow context.
type ReleaseFunc func(acc *Accumulator)

// Store maps flow keys to accumulators. A flow exists at most once per key;
// return traffic is matched through the reversed key.
type Store struct {
	accs   map[packet.FlowKey]*Accumulator
	accTTL time.Duration

	// ActiveAccs counts accumulators whose reportability changed within the
	// current observation window.
	ActiveAccs int
	TotalFlows uint64

	releases []ReleaseFunc
	logger   *logging.Logger
	now      func() time.Time
}

// NewStore creates an accumulator store with the given idle TTL.
func NewStore(accTTL time.Duration) *Store {
	if accTTL <= 0 {
		accTTL = DefaultAccTTL
	}
	return &Store{
		accs:   make(map[packet.FlowKey]*Accumulator),
		accTTL: accTTL,
		logger: logging.WithComponent("flow"),
		now:    time.Now,
	}
}

// OnRelease registers a hook run against every accumulator being destroyed.
func (s *Store) OnRelease(fn ReleaseFunc) {
	s.releases = append(s.releases, fn)
}

// Lookup finds the accumulator for a key, matching the reverse direction too.
func (s *Store) Lookup(key packet.FlowKey) (*Accumulator, bool) {
	if acc, ok := s.accs[key]; ok {
		return acc, true
	}
	if acc, ok := s.accs[key.Reverse()]; ok {
		return acc, true
	}
	return nil, false
}

// LookupOrCreate resolves the accumulator for a key, creating one on the
// first packet of a flow. The bool result reports whether the flow is new.
func (s *Store) LookupOrCreate(key packet.FlowKey) (*Accumulator, bool) {
	if acc, ok := s.Lookup(key); ok {
		acc.LastHit = s.now()
		return acc, false
	}

	now := s.now()
	acc := &Accumulator{
		Key:        key,
		Originator: key,
		Plugins:    make(map[string]*PluginInfo),
		State:      StateNew,
		CreatedAt:  now,
		LastHit:    now,
	}
	s.accs[key] = acc
	s.TotalFlows++
	return acc, true
}

// Touch adds the per-packet counter deltas to an accumulator.
func (s *Store) Touch(acc *Accumulator, packets, bytes, payloadBytes uint64) {
	acc.Counters.Packets += packets
	acc.Counters.Bytes += bytes
	acc.Counters.PayloadBytes += payloadBytes
	acc.LastHit = s.now()
	if acc.State == StateNew {
		acc.State = StateActive
	}
}

// MarkForReport flags a flow for inclusion in the next report and provisions
// window space for it.
func (s *Store) MarkForReport(acc *Accumulator) {
	if acc.Report {
		return
	}
	acc.Report = true
	if acc.State != StateWindowActive {
		s.ActiveAccs++
	}
}

// MarkWindowed transitions a flow into the active observation window.
func (s *Store) MarkWindowed(acc *Accumulator) {
	acc.State = StateWindowActive
}

// CloseWindow resets window-scoped reportable state on every flow. Counters
// and classifier streams survive window boundaries.
func (s *Store) CloseWindow() {
	for _, acc := range s.accs {
		if acc.State == StateWindowActive {
			acc.State = StateActive
		}
		acc.Report = false
	}
	s.ActiveAccs = 0
}

// Reportable returns the flows currently marked for report, clearing the
// mark so each flow is reported once.
func (s *Store) Reportable() []*Accumulator {
	var out []*Accumulator
	for _, acc := range s.accs {
		if !acc.Report {
			continue
		}
		acc.Report = false
		out = append(out, acc)
	}
	return out
}

// FreeInactive destroys flows idle longer than the store TTL and returns how
// many were removed.
func (s *Store) FreeInactive(now time.Time) int {
	removed := 0
	for key, acc := range s.accs {
		if now.Sub(acc.LastHit) < s.accTTL {
			continue
		}
		s.destroy(key, acc)
		removed++
	}
	return removed
}

// Flush destroys every flow in the store.
func (s *Store) Flush() {
	for key, acc := range s.accs {
		s.destroy(key, acc)
	}
}

// Len returns the number of live flows.
func (s *Store) Len() int {
	return len(s.accs)
}

// destroy tears an accumulator down in ownership order: plugin per-flow info
// first, then the classifier connection, then the accumulator itself.
func (s *Store) destroy(key packet.FlowKey, acc *Accumulator) {
	if acc.Counters.PayloadBytes == 0 && acc.Key.Protocol == 17 {
		s.logger.Debug("destroying UDP flow with no payload", "flow", acc.Key.String())
	}

	for _, release := range s.releases {
		release(acc)
	}
	acc.DPI = nil
	acc.Plugins = nil
	acc.State = StateClosed
	delete(s.accs, key)
}
