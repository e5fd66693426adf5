// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingress

import "walleye.is/walleye/internal/packet"

// MarkSetter applies a verdict mark to the packet's flow in the datapath.
type MarkSetter interface {
	SetMark(hdr *packet.NetHeader, mark uint32) error
}
