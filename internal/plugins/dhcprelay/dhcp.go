// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dhcprelay injects configured relay options into DHCP packets
// before re-injection: option-82 sub-options for DHCPv4 and top-level
// options for DHCPv6.
package dhcprelay

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/errors"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
)

const dhcpAttrValue = "dhcp"

// Option is one configured relay option.
type Option struct {
	V6   bool
	Code uint8
	Val  string
}

// LoadOptions parses the line-oriented relay options file. Entries look like
// DHCPv4_OPTION:<id>='<value>' or DHCPv6_OPTION:<id>='<value>'.
func LoadOptions(path string) ([]Option, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "open dhcp options file")
	}
	defer f.Close()

	var opts []Option
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		v6 := false
		switch {
		case strings.HasPrefix(line, "DHCPv4_OPTION:"):
			line = strings.TrimPrefix(line, "DHCPv4_OPTION:")
		case strings.HasPrefix(line, "DHCPv6_OPTION:"):
			line = strings.TrimPrefix(line, "DHCPv6_OPTION:")
			v6 = true
		default:
			continue
		}
		id, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		code, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil || code < 0 || code > 255 {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), "'")
		opts = append(opts, Option{V6: v6, Code: uint8(code), Val: val})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "read dhcp options file")
	}
	return opts, nil
}

type state struct {
	active      bool
	messageType int
}

// Plugin is the DHCP attribute client.
type Plugin struct {
	name string
	v4   []Option
	v6   []Option

	rec    state
	logger *logging.Logger

	Injected uint64
}

// New creates the plugin with the configured relay options.
func New(opts []Option) *Plugin {
	p := &Plugin{
		name:   "dpi_dhcp_relay",
		logger: logging.WithComponent("dpi_dhcp_relay"),
	}
	for _, o := range opts {
		if o.V6 {
			p.v6 = append(p.v6, o)
		} else {
			p.v4 = append(p.v4, o)
		}
	}
	return p
}

func (p *Plugin) Name() string { return p.name }

// Attributes lists the keys this plugin consumes.
func (p *Plugin) Attributes() []string {
	return []string{"begin", "end", "dhcp.message_type"}
}

// ProcessAttr tracks the DHCP exchange and rewrites the packet on the end
// marker.
func (p *Plugin) ProcessAttr(acc *flow.Accumulator, hdr *packet.NetHeader, attr classify.Attr) flow.Decision {
	if acc != nil {
		acc.DPIAlways = true
	}

	switch attr.Key {
	case "begin":
		if attr.Str != dhcpAttrValue {
			return flow.DecisionIgnored
		}
		p.rec = state{active: true}
		return flow.DecisionInspect

	case "dhcp.message_type":
		if attr.Type != classify.AttrNumber || !p.rec.active {
			p.rec = state{}
			return flow.DecisionIgnored
		}
		p.rec.messageType = int(attr.Num)
		return flow.DecisionInspect

	case "end":
		if attr.Str != dhcpAttrValue || !p.rec.active {
			p.rec = state{}
			return flow.DecisionIgnored
		}
		p.rec = state{}
		if hdr != nil {
			p.inject(hdr)
		}
		return flow.DecisionPassthru
	}

	return flow.DecisionIgnored
}

// inject appends the configured options and prepares the buffer for
// re-injection.
func (p *Plugin) inject(hdr *packet.NetHeader) {
	var newPayload []byte
	var err error

	switch hdr.IPVersion {
	case 4:
		if len(p.v4) == 0 {
			return
		}
		newPayload, err = p.injectV4(hdr.Payload())
	case 6:
		if len(p.v6) == 0 {
			return
		}
		newPayload, err = p.injectV6(hdr.Payload())
	default:
		return
	}
	if err != nil {
		p.logger.WithError(err).Debug("dhcp option injection failed")
		return
	}
	if newPayload == nil {
		return
	}

	delta := len(newPayload) - hdr.PayloadLen()
	hdr.Data = append(hdr.Data[:hdr.Parsed:hdr.Parsed], newPayload...)
	hdr.AdjustLengths(delta)
	hdr.RefreshIPv4Checksum()
	// v6 requires a UDP checksum; v4 gets the recomputed one as well.
	hdr.RefreshUDPChecksum()
	hdr.PayloadUpdated = true
	p.Injected++
}

// injectV4 adds the configured sub-options to the relay agent information
// option (82).
func (p *Plugin) injectV4(payload []byte) ([]byte, error) {
	pkt, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "dhcpv4 decode")
	}

	var sub []byte
	for _, o := range p.v4 {
		sub = append(sub, o.Code, uint8(len(o.Val)))
		sub = append(sub, o.Val...)
	}
	pkt.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRelayAgentInformation, sub))

	return pkt.ToBytes(), nil
}

// injectV6 appends the configured options to a DHCPv6 message.
func (p *Plugin) injectV6(payload []byte) ([]byte, error) {
	msg, err := dhcpv6.MessageFromBytes(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "dhcpv6 decode")
	}
	for _, o := range p.v6 {
		msg.UpdateOption(&dhcpv6.OptionGeneric{
			OptionCode: dhcpv6.OptionCode(o.Code),
			OptionData: []byte(o.Val),
		})
	}
	return msg.ToBytes(), nil
}
