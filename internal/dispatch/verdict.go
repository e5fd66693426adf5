// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

// VerdictType represents the type of verdict for a packet
type VerdictType int

const (
	// VerdictDrop drops the packet
	VerdictDrop VerdictType = iota
	// VerdictAccept accepts the packet
	VerdictAccept
	// VerdictInspect accepts the packet but expects more of the flow
	VerdictInspect
	// VerdictAcceptWithMark accepts the packet and sets a conntrack mark
	VerdictAcceptWithMark
)

// Conntrack mark values handed back to the kernel datapath.
const (
	CTMarkInspect uint32 = 1
	CTMarkAccept  uint32 = 2
	CTMarkDrop    uint32 = 3
)

// Verdict represents the verdict for a packet, including the conntrack mark
// the ingress adapter should set.
type Verdict struct {
	Type VerdictType
	Mark uint32
}

// Mark-only constructors keep call sites terse.
func Drop() Verdict    { return Verdict{Type: VerdictDrop, Mark: CTMarkDrop} }
func Accept() Verdict  { return Verdict{Type: VerdictAccept, Mark: CTMarkAccept} }
func Inspect() Verdict { return Verdict{Type: VerdictInspect, Mark: CTMarkInspect} }

// AcceptWithMark accepts with a plugin-supplied flow marker.
func AcceptWithMark(mark uint32) Verdict {
	return Verdict{Type: VerdictAcceptWithMark, Mark: mark}
}
