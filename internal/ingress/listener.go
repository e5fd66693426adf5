// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ingress accepts frames from the datapath — a UDP socket listener
// or a netfilter queue — synthesizes Ethernet headers where the transport
// strips them, and hands parsed packets to the dispatcher.
package ingress

import (
	"encoding/binary"
	"net"
	"net/netip"

	"walleye.is/walleye/internal/dispatch"
	"walleye.is/walleye/internal/errors"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
	"walleye.is/walleye/internal/plugins/neigh"
)

// frameHeaderLen is the custom framing in front of each datagram:
// mac(6) | hw_protocol(2) | packet_id(4).
const frameHeaderLen = 12

const maxDatagram = 2048

// Dispatcher is the packet sink; satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(hdr *packet.NetHeader) dispatch.Verdict
}

// Listener is the UDP socket ingress. Datagrams carry an L2-stripped IP
// payload prefixed with the sender's MAC, ethertype and a packet id; the
// listener rebuilds an Ethernet header before dispatching.
type Listener struct {
	conn       *net.UDPConn
	dispatcher Dispatcher
	neighbors  *neigh.Table
	marker     MarkSetter
	logger     *logging.Logger

	Received   uint64
	ParseFails uint64
	Reinjected uint64

	// Reinject receives rewritten buffers that must go back to the
	// datapath in place of the original packet.
	Reinject func(buf []byte, packetID uint32)
}

// NewListener binds the socket ingress on the configured address.
func NewListener(ip string, port int, d Dispatcher, neighbors *neigh.Table, marker MarkSetter) (*Listener, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "bind dispatch listener")
	}
	return &Listener{
		conn:       conn,
		dispatcher: d,
		neighbors:  neighbors,
		marker:     marker,
		logger:     logging.WithComponent("listener"),
	}, nil
}

// Run reads datagrams until the socket is closed. Receive errors are logged
// and dropped; the loop continues.
func (l *Listener) Run() {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.logger.WithError(err).Info("listener socket closed")
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		l.handleDatagram(frame)
	}
}

// Close shuts the socket down, ending Run.
func (l *Listener) Close() error { return l.conn.Close() }

// handleDatagram decodes one framed datagram and dispatches it.
func (l *Listener) handleDatagram(frame []byte) {
	l.Received++
	if len(frame) <= frameHeaderLen {
		l.ParseFails++
		return
	}

	var srcMAC [6]byte
	copy(srcMAC[:], frame[0:6])
	ethertype := binary.BigEndian.Uint16(frame[6:8])
	packetID := binary.BigEndian.Uint32(frame[8:12])
	ipPayload := frame[frameHeaderLen:]

	hdr, err := l.synthesize(srcMAC, ethertype, ipPayload)
	if err != nil {
		l.ParseFails++
		l.logger.WithError(err).Debug("failed to parse packet", "packet_id", packetID)
		return
	}
	hdr.Source = packet.SourceSocket
	hdr.PacketID = packetID

	l.learnSource(hdr)

	verdict := l.dispatcher.Dispatch(hdr)
	if l.marker != nil {
		if err := l.marker.SetMark(hdr, verdict.Mark); err != nil {
			l.logger.WithError(err).Debug("failed to set conntrack mark")
		}
	}
	if hdr.PayloadUpdated && l.Reinject != nil {
		// Hand the rewritten IP payload back, without the synthetic
		// Ethernet header.
		l.Reinject(hdr.Data[packet.EthHeaderLen:], packetID)
		l.Reinjected++
	}
}

// synthesize prepends an Ethernet header to the L2-stripped payload. The
// destination MAC comes from the neighbor table when the target is known.
func (l *Listener) synthesize(srcMAC [6]byte, ethertype uint16, ipPayload []byte) (*packet.NetHeader, error) {
	dstMAC := l.destinationMAC(ethertype, ipPayload)

	frame := make([]byte, packet.EthHeaderLen+len(ipPayload))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], ethertype)
	copy(frame[packet.EthHeaderLen:], ipPayload)

	return packet.Parse(frame)
}

// destinationMAC resolves the destination address of the IP payload through
// the neighbor table.
func (l *Listener) destinationMAC(ethertype uint16, ipPayload []byte) [6]byte {
	if l.neighbors == nil {
		return packet.ZeroMAC
	}
	var dst netip.Addr
	switch {
	case ethertype == 0x0800 && len(ipPayload) >= 20:
		dst, _ = netip.AddrFromSlice(ipPayload[16:20])
	case ethertype == 0x86dd && len(ipPayload) >= 40:
		dst, _ = netip.AddrFromSlice(ipPayload[24:40])
	default:
		return packet.ZeroMAC
	}
	if mac, ok := l.neighbors.Lookup(dst); ok {
		return mac
	}
	return packet.ZeroMAC
}

// learnSource refreshes the neighbor table from the packet's source pair;
// a MAC that disagrees with a stale binding overwrites it.
func (l *Listener) learnSource(hdr *packet.NetHeader) {
	if l.neighbors == nil || hdr.SrcMAC == packet.ZeroMAC || !hdr.SrcIP.IsValid() {
		return
	}
	if known, ok := l.neighbors.Lookup(hdr.SrcIP); ok && known == hdr.SrcMAC {
		return
	}
	l.neighbors.Add(hdr.SrcIP, hdr.SrcMAC, neigh.SourceSocket)
}
