// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"strings"
	"sync"
)

// Tag reference forms accepted in operand sets and device filters:
// ${NAME} plain tag, $[NAME] group tag, ${*NAME} local tag, ${@NAME} cloud
// tag. Anything else is a literal value.
const (
	tagPrefixPlain = "${"
	tagPrefixGroup = "$["
)

// TagRegistry stores named value collections referenced by policy rules and
// device filters. Mutated only on the event-loop thread; the lock covers the
// health-stats reader.
type TagRegistry struct {
	mu   sync.RWMutex
	tags map[string][]string
}

// NewTagRegistry creates an empty registry.
func NewTagRegistry() *TagRegistry {
	return &TagRegistry{tags: make(map[string][]string)}
}

// Set replaces the members of a named tag.
func (r *TagRegistry) Set(name string, members []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[name] = append([]string(nil), members...)
}

// Delete removes a named tag.
func (r *TagRegistry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tags, name)
}

// Members returns the values of a named tag.
func (r *TagRegistry) Members(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tags[name]
}

// tagName extracts the tag name from a reference, reporting whether the
// entry is a reference at all. Local (*) and cloud (@) markers resolve to
// the same namespace here; the distinction belongs to the tag provisioner.
func tagName(entry string) (string, bool) {
	var inner string
	switch {
	case strings.HasPrefix(entry, tagPrefixPlain) && strings.HasSuffix(entry, "}"):
		inner = entry[2 : len(entry)-1]
	case strings.HasPrefix(entry, tagPrefixGroup) && strings.HasSuffix(entry, "]"):
		inner = entry[2 : len(entry)-1]
	default:
		return "", false
	}
	inner = strings.TrimLeft(inner, "*@")
	if inner == "" {
		return "", false
	}
	return inner, true
}

// ValueInEntry checks one operand-set entry against a value: tag references
// match by membership, anything else by literal equality.
func (r *TagRegistry) ValueInEntry(value, entry string) bool {
	name, isTag := tagName(entry)
	if !isTag {
		return value == entry
	}
	for _, member := range r.Members(name) {
		if value == member {
			return true
		}
	}
	return false
}

// ValueInSet checks a value against every entry of an operand set.
func (r *TagRegistry) ValueInSet(value string, set []string) bool {
	for _, entry := range set {
		if r.ValueInEntry(value, entry) {
			return true
		}
	}
	return false
}

// MACInValue implements the device-filter semantics used by the dispatcher:
// the MAC matches when it is a member of the named tag, or when the value is
// the literal MAC string itself.
func (r *TagRegistry) MACInValue(mac, val string) bool {
	if val == "" {
		return false
	}
	for _, member := range r.Members(val) {
		if strings.EqualFold(mac, member) {
			return true
		}
	}
	if name, isTag := tagName(val); isTag {
		for _, member := range r.Members(name) {
			if strings.EqualFold(mac, member) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(mac, val)
}
