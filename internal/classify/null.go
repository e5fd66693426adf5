// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classify

import (
	"net/netip"
	"sync/atomic"
)

// NullEngine is the engine used when no vendor pattern library is linked
// in: loads, stream creation and scans succeed, but no attribute is ever
// emitted and Matching never reports a terminal classification.
type NullEngine struct {
	loaded  atomic.Bool
	streams atomic.Uint64
	bytes   atomic.Uint64
}

// NewNullEngine creates the stand-in engine.
func NewNullEngine() *NullEngine {
	return &NullEngine{}
}

func (e *NullEngine) Load(blob []byte) error {
	e.loaded.Store(true)
	return nil
}

func (e *NullEngine) Subscribe(key string, fn AttrFunc) {}
func (e *NullEngine) Unsubscribe(key string)            {}

func (e *NullEngine) StreamCreate(domain int, proto uint8, src netip.Addr, sport uint16, dst netip.Addr, dport uint16, user any) (Stream, error) {
	e.streams.Add(1)
	return &nullStream{engine: e}, nil
}

func (e *NullEngine) Lookup(id uint16) (string, bool) { return "", false }

func (e *NullEngine) Usage() Usage {
	return Usage{
		ScanStarted: e.streams.Load(),
		ScanBytes:   e.bytes.Load(),
	}
}

func (e *NullEngine) Close() {}

type nullStream struct {
	engine *NullEngine
}

func (s *nullStream) Scan(data []byte, direction int, tsMillis int64) error {
	s.engine.bytes.Add(uint64(len(data)))
	return nil
}

// Matching never reaches terminal classification.
func (s *nullStream) Matching() int { return 1 }

func (s *nullStream) Destroy() {}
