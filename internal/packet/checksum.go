// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"encoding/binary"

	"github.com/gopacket/gopacket/layers"
)

// onesComplementSum folds a buffer into a 16-bit one's-complement sum,
// starting from an initial accumulator value.
func onesComplementSum(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// IPv4HeaderChecksum computes the header checksum over an IPv4 header slice.
// The checksum field itself must be zeroed by the caller.
func IPv4HeaderChecksum(hdr []byte) uint16 {
	return foldChecksum(onesComplementSum(0, hdr))
}

// RefreshIPv4Checksum recomputes the IPv4 header checksum in place. A no-op
// for IPv6 packets.
func (h *NetHeader) RefreshIPv4Checksum() {
	if h.IPVersion != 4 {
		return
	}
	hdr := h.Data[h.IPOffset:h.L4Offset]
	hdr[10] = 0
	hdr[11] = 0
	csum := IPv4HeaderChecksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], csum)
}

// RefreshUDPChecksum recomputes the UDP checksum in place over the
// pseudo-header and datagram. IPv6 requires a valid checksum; for IPv4 a zero
// checksum is legal but the recomputed value is written anyway.
func (h *NetHeader) RefreshUDPChecksum() {
	if h.IPProtocol != layers.IPProtocolUDP {
		return
	}
	udp := h.Data[h.L4Offset:]
	udpLen := binary.BigEndian.Uint16(udp[4:6])
	if int(udpLen) > len(udp) {
		udpLen = uint16(len(udp))
	}

	// checksum field zeroed before summing
	udp[6] = 0
	udp[7] = 0

	var sum uint32
	src := h.SrcIP.AsSlice()
	dst := h.DstIP.AsSlice()
	sum = onesComplementSum(sum, src)
	sum = onesComplementSum(sum, dst)
	sum += uint32(layers.IPProtocolUDP)
	sum += uint32(udpLen)
	sum = onesComplementSum(sum, udp[:udpLen])

	csum := foldChecksum(sum)
	if csum == 0 {
		csum = 0xffff
	}
	binary.BigEndian.PutUint16(udp[6:8], csum)
}

// AdjustLengths applies a payload size delta to the UDP length and the IP
// total/payload length fields. Used after a DNS answer-section truncation.
func (h *NetHeader) AdjustLengths(delta int) {
	if h.IPProtocol == layers.IPProtocolUDP {
		udp := h.Data[h.L4Offset:]
		udpLen := int(binary.BigEndian.Uint16(udp[4:6])) + delta
		binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	}

	switch h.IPVersion {
	case 4:
		ip := h.Data[h.IPOffset:]
		total := int(binary.BigEndian.Uint16(ip[2:4])) + delta
		binary.BigEndian.PutUint16(ip[2:4], uint16(total))
	case 6:
		ip := h.Data[h.IPOffset:]
		plen := int(binary.BigEndian.Uint16(ip[4:6])) + delta
		binary.BigEndian.PutUint16(ip[4:6], uint16(plen))
	}
}

// Truncate shortens the frame by n payload bytes, fixing the length fields.
func (h *NetHeader) Truncate(n int) {
	if n <= 0 || n > h.PayloadLen() {
		return
	}
	h.Data = h.Data[:len(h.Data)-n]
	h.AdjustLengths(-n)
}
