// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classify wraps the opaque pattern engine behind a handle/stream
// contract and drives per-flow scanning for the DPI dispatcher.
package classify

import (
	"net/netip"

	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/packet"
)

// AttrType is the wire type of a classifier attribute value.
type AttrType uint8

const (
	AttrNumber AttrType = iota
	AttrString
	AttrBinary
)

// Attr is one (key, type, value) triple emitted by the engine while scanning
// a stream. Exactly one of Num, Str, Bin is meaningful, selected by Type.
type Attr struct {
	Key  string
	Type AttrType
	Num  int64
	Str  string
	Bin  []byte
}

// NumberAttr builds a numeric attribute.
func NumberAttr(key string, v int64) Attr {
	return Attr{Key: key, Type: AttrNumber, Num: v}
}

// StringAttr builds a string attribute.
func StringAttr(key, v string) Attr {
	return Attr{Key: key, Type: AttrString, Str: v}
}

// BinaryAttr builds a binary attribute.
func BinaryAttr(key string, v []byte) Attr {
	return Attr{Key: key, Type: AttrBinary, Bin: v}
}

// AttrFunc receives attribute emissions for a subscribed key. The user value
// is the one passed to StreamCreate (the flow accumulator).
type AttrFunc func(user any, attr Attr)

// Stream is a per-flow scanning context created from an engine handle.
type Stream interface {
	// Scan feeds payload bytes in the given direction (0 = client to server).
	// An error is fatal for the stream; the flow falls back to passthru.
	Scan(data []byte, direction int, tsMillis int64) error
	// Matching returns 0 once classification is terminal and no more packets
	// are needed; non-zero means keep feeding.
	Matching() int
	// Destroy releases the stream. Safe to call once.
	Destroy()
}

// Usage is a snapshot of the engine's resource counters, reported with the
// DPI health stats.
type Usage struct {
	CurrAlloc   uint64
	PeakAlloc   uint64
	FailAlloc   uint64
	ScanStarted uint64
	ScanStopped uint64
	ScanBytes   uint64
	Events      uint64
}

// Engine is the signature/pattern engine handle. Implementations hold an
// atomically swappable ruleset; streams keep using their creation-time rules
// across a swap.
type Engine interface {
	// Load atomically replaces the active ruleset with the given bundle.
	Load(blob []byte) error
	// Subscribe registers interest in an attribute key.
	Subscribe(key string, fn AttrFunc)
	// Unsubscribe drops the subscription for a key.
	Unsubscribe(key string)
	// StreamCreate opens a scanning stream for a flow. The engine may refuse
	// under memory pressure; this must not stall the datapath.
	StreamCreate(domain int, proto uint8, src netip.Addr, sport uint16, dst netip.Addr, dport uint16, user any) (Stream, error)
	// Lookup resolves a 16-bit service or tag id to its name.
	Lookup(id uint16) (string, bool)
	// Usage returns the engine resource counters.
	Usage() Usage
	// Close destroys the handle.
	Close()
}

// AttrClient is an attribute-consuming protocol plugin (DNS, DHCP, mDNS,
// ARP/NDP, SNI). The classifier forwards attribute emissions it does not
// handle itself to every client that declared the key's prefix.
type AttrClient interface {
	Name() string
	// Attributes lists the key prefixes the client consumes.
	Attributes() []string
	// ProcessAttr advances the client's state machine. A stray attribute
	// resets the machine and returns DecisionIgnored.
	ProcessAttr(acc *flow.Accumulator, hdr *packet.NetHeader, attr Attr) flow.Decision
}
