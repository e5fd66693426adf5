// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnsattr

import (
	"encoding/binary"

	"github.com/gopacket/gopacket/layers"

	"walleye.is/walleye/internal/packet"
)

const dnsHeaderSize = 12

// skipName advances past a DNS name at pos, honoring compression pointers.
// Returns 0 when the walk runs out of bounds.
func skipName(payload []byte, pos int) int {
	for pos < len(payload) && payload[pos] != 0 {
		if payload[pos]&0xc0 == 0xc0 {
			if pos+1 < len(payload) {
				return pos + 2
			}
			return 0
		}
		pos += int(payload[pos]) + 1
	}
	if pos < len(payload) {
		return pos + 1
	}
	return 0
}

// updateAnswerTTLs overwrites the TTL of every answer record in a DNS
// message with the given value.
func updateAnswerTTLs(payload []byte, ttl uint32) bool {
	if len(payload) < dnsHeaderSize {
		return false
	}
	qdcount := int(binary.BigEndian.Uint16(payload[4:6]))
	ancount := int(binary.BigEndian.Uint16(payload[6:8]))

	pos := dnsHeaderSize
	for i := 0; i < qdcount; i++ {
		pos = skipName(payload, pos)
		if pos == 0 {
			return false
		}
		pos += 4 // qtype + qclass
	}

	for i := 0; i < ancount && pos < len(payload); i++ {
		pos = skipName(payload, pos)
		if pos == 0 {
			return false
		}
		pos += 4 // type + class
		if pos+4 > len(payload) {
			return false
		}
		binary.BigEndian.PutUint32(payload[pos:pos+4], ttl)
		pos += 4
		if pos+2 > len(payload) {
			return false
		}
		rdlength := int(binary.BigEndian.Uint16(payload[pos : pos+2]))
		pos += 2 + rdlength
	}
	return true
}

// setNoAnswer rewrites the message to carry no records: the rcode is set,
// an/ns/ar counts are zeroed, and everything past the question section is
// truncated, with UDP and IP lengths reduced by the delta.
func setNoAnswer(hdr *packet.NetHeader, rcode uint8) bool {
	if hdr == nil {
		return false
	}
	payload := hdr.Payload()
	if len(payload) < dnsHeaderSize {
		return false
	}

	flags := binary.BigEndian.Uint16(payload[2:4])
	flags = (flags &^ 0x000f) | uint16(rcode&0x0f)
	binary.BigEndian.PutUint16(payload[2:4], flags)

	qdcount := int(binary.BigEndian.Uint16(payload[4:6]))
	binary.BigEndian.PutUint16(payload[6:8], 0)   // ancount
	binary.BigEndian.PutUint16(payload[8:10], 0)  // nscount
	binary.BigEndian.PutUint16(payload[10:12], 0) // arcount

	pos := dnsHeaderSize
	for i := 0; i < qdcount; i++ {
		pos = skipName(payload, pos)
		if pos == 0 {
			return false
		}
		pos += 4
	}
	if pos > len(payload) {
		return false
	}

	hdr.Truncate(len(payload) - pos)
	return true
}

// refreshDNS refreshes the UDP checksum of a rewritten DNS reply and flags
// the buffer for reinjection. Guarded so non-DNS traffic is never touched.
func refreshDNS(hdr *packet.NetHeader) {
	if hdr == nil {
		return
	}
	if hdr.IPProtocol != layers.IPProtocolUDP {
		return
	}
	if hdr.SrcPort != 53 {
		return
	}
	hdr.RefreshUDPChecksum()
	hdr.PayloadUpdated = true
}
