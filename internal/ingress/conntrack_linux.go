// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package ingress

import (
	"net/netip"

	"github.com/ti-mo/conntrack"

	"walleye.is/walleye/internal/errors"
	"walleye.is/walleye/internal/packet"
)

// ConntrackMarker writes verdict marks into the kernel's connection
// tracking table.
type ConntrackMarker struct {
	conn *conntrack.Conn
}

// NewConntrackMarker opens the netlink conntrack socket.
func NewConntrackMarker() (*ConntrackMarker, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "dial conntrack")
	}
	return &ConntrackMarker{conn: conn}, nil
}

// SetMark updates the conntrack mark of the packet's flow.
func (m *ConntrackMarker) SetMark(hdr *packet.NetHeader, mark uint32) error {
	if hdr.IPVersion == 0 {
		return nil
	}
	flow := conntrack.Flow{
		TupleOrig: tupleOf(hdr.SrcIP, hdr.DstIP, uint8(hdr.IPProtocol), hdr.SrcPort, hdr.DstPort),
		Mark:      mark,
	}
	return m.conn.Update(flow)
}

// Close releases the netlink socket.
func (m *ConntrackMarker) Close() error { return m.conn.Close() }

func tupleOf(src, dst netip.Addr, proto uint8, sport, dport uint16) conntrack.Tuple {
	return conntrack.Tuple{
		IP: conntrack.IPTuple{
			SourceAddress:      src,
			DestinationAddress: dst,
		},
		Proto: conntrack.ProtoTuple{
			Protocol:        proto,
			SourcePort:      sport,
			DestinationPort: dport,
		},
	}
}
