// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package ingress

import (
	"walleye.is/walleye/internal/errors"
	"walleye.is/walleye/internal/plugins/neigh"
)

// QueueReader is a stub for non-Linux systems.
type QueueReader struct {
	Received   uint64
	ParseFails uint64
	Reinjected uint64
}

// NewQueueReader creates a stub reader.
func NewQueueReader(queueNum uint16, d Dispatcher, neighbors *neigh.Table) *QueueReader {
	return &QueueReader{}
}

// Start fails on non-Linux systems.
func (r *QueueReader) Start(bufSize, queueLen int) error {
	return errors.New(errors.KindUnavailable, "nfqueue requires linux")
}

// Stop is a no-op.
func (r *QueueReader) Stop() {}
