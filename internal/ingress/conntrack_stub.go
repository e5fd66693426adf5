// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package ingress

import (
	"walleye.is/walleye/internal/errors"
	"walleye.is/walleye/internal/packet"
)

// ConntrackMarker is a stub for non-Linux systems.
type ConntrackMarker struct{}

// NewConntrackMarker fails on non-Linux systems.
func NewConntrackMarker() (*ConntrackMarker, error) {
	return nil, errors.New(errors.KindUnavailable, "conntrack requires linux")
}

// SetMark is a no-op on non-Linux systems.
func (m *ConntrackMarker) SetMark(hdr *packet.NetHeader, mark uint32) error { return nil }

// Close is a no-op.
func (m *ConntrackMarker) Close() error { return nil }
