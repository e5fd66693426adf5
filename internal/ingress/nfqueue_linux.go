// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package ingress

import (
	"context"
	"encoding/binary"
	"net/netip"

	nfqueue "github.com/florianl/go-nfqueue/v2"

	"walleye.is/walleye/internal/dispatch"
	"walleye.is/walleye/internal/errors"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/packet"
	"walleye.is/walleye/internal/plugins/neigh"
)

const (
	defaultQueueLen  = 1024
	defaultPacketLen = 0xffff
)

// QueueReader is the netfilter-queue ingress for one queue number. The
// kernel hands over the raw IP payload plus the hardware address and device
// indices; the reader synthesizes an Ethernet header before dispatch.
type QueueReader struct {
	queueNum   uint16
	dispatcher Dispatcher
	neighbors  *neigh.Table

	nf     *nfqueue.Nfqueue
	cancel context.CancelFunc
	logger *logging.Logger

	Received   uint64
	ParseFails uint64
	Reinjected uint64
}

// NewQueueReader creates the reader for one queue number.
func NewQueueReader(queueNum uint16, d Dispatcher, neighbors *neigh.Table) *QueueReader {
	return &QueueReader{
		queueNum:   queueNum,
		dispatcher: d,
		neighbors:  neighbors,
		logger:     logging.WithComponent("nfqueue"),
	}
}

// Start opens the queue and begins processing packets.
func (r *QueueReader) Start(bufSize, queueLen int) error {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	if bufSize <= 0 {
		bufSize = defaultPacketLen
	}

	cfg := nfqueue.Config{
		NfQueue:      r.queueNum,
		MaxPacketLen: uint32(bufSize),
		MaxQueueLen:  uint32(queueLen),
		Copymode:     nfqueue.NfQnlCopyPacket,
	}
	nf, err := nfqueue.Open(&cfg)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "open nfqueue %d", r.queueNum)
	}
	r.nf = nf

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	err = nf.RegisterWithErrorFunc(ctx, r.handle, func(err error) int {
		r.logger.WithError(err).Warn("nfqueue receive error")
		return 0
	})
	if err != nil {
		cancel()
		nf.Close()
		return errors.Wrapf(err, errors.KindUnavailable, "register nfqueue %d", r.queueNum)
	}

	r.logger.Info("nfqueue ingress started", "queue", r.queueNum)
	return nil
}

// Stop shuts the queue down.
func (r *QueueReader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.nf != nil {
		r.nf.Close()
	}
}

func (r *QueueReader) handle(a nfqueue.Attribute) int {
	if a.PacketID == nil || a.Payload == nil {
		return 0
	}
	id := *a.PacketID
	r.Received++

	hdr, err := r.synthesize(a)
	if err != nil {
		r.ParseFails++
		// Parse failures fail open: the datapath default wins.
		r.setVerdict(id, nfqueue.NfAccept)
		return 0
	}
	hdr.Source = packet.SourceQueue
	hdr.PacketID = id

	verdict := r.dispatcher.Dispatch(hdr)

	if hdr.PayloadUpdated {
		// Return the rewritten buffer in place of the original.
		if err := r.nf.SetVerdictModPacket(id, nfqueue.NfAccept, hdr.Data[packet.EthHeaderLen:]); err != nil {
			r.logger.WithError(err).Debug("verdict with packet failed")
		}
		r.Reinjected++
		return 0
	}

	switch verdict.Type {
	case dispatch.VerdictDrop:
		r.setVerdict(id, nfqueue.NfDrop)
	default:
		if err := r.nf.SetVerdictWithMark(id, nfqueue.NfAccept, int(verdict.Mark)); err != nil {
			r.logger.WithError(err).Debug("verdict with mark failed")
		}
	}
	return 0
}

func (r *QueueReader) setVerdict(id uint32, verdict int) {
	if err := r.nf.SetVerdict(id, verdict); err != nil {
		r.logger.WithError(err).Debug("set verdict failed")
	}
}

// synthesize builds a new frame holding an Ethernet header, filled from the
// queue metadata and the neighbor table, followed by a copy of the IP packet.
func (r *QueueReader) synthesize(a nfqueue.Attribute) (*packet.NetHeader, error) {
	ipPayload := *a.Payload
	if len(ipPayload) == 0 {
		return nil, errors.New(errors.KindParse, "empty nfqueue payload")
	}

	var srcMAC, dstMAC [6]byte
	if a.HwAddr != nil && len(*a.HwAddr) >= 6 {
		copy(srcMAC[:], (*a.HwAddr)[:6])
	}

	var ethertype uint16
	if a.HwProtocol != nil {
		ethertype = *a.HwProtocol
	}
	switch ipPayload[0] >> 4 {
	case 4:
		if ethertype == 0 {
			ethertype = 0x0800
		}
		if len(ipPayload) >= 20 {
			if srcMAC == packet.ZeroMAC {
				srcMAC = r.lookupMAC(ipPayload[12:16])
			}
			dstMAC = r.lookupMAC(ipPayload[16:20])
		}
	case 6:
		if ethertype == 0 {
			ethertype = 0x86dd
		}
		if len(ipPayload) >= 40 {
			if srcMAC == packet.ZeroMAC {
				srcMAC = r.lookupMAC(ipPayload[8:24])
			}
			dstMAC = r.lookupMAC(ipPayload[24:40])
		}
	default:
		return nil, errors.New(errors.KindParse, "unknown ip version in nfqueue payload")
	}

	frame := make([]byte, packet.EthHeaderLen+len(ipPayload))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], ethertype)
	copy(frame[packet.EthHeaderLen:], ipPayload)

	hdr, err := packet.Parse(frame)
	if err != nil {
		return nil, err
	}

	if a.InDev != nil {
		hdr.RxVidx = *a.InDev
	}
	if a.OutDev != nil {
		hdr.TxVidx = *a.OutDev
	}
	if a.PhysInDev != nil {
		hdr.RxPidx = *a.PhysInDev
	}
	if a.PhysOutDev != nil {
		hdr.TxPidx = *a.PhysOutDev
	}
	hdr.QueueNum = r.queueNum
	return hdr, nil
}

func (r *QueueReader) lookupMAC(raw []byte) [6]byte {
	if r.neighbors == nil {
		return packet.ZeroMAC
	}
	addr, ok := netip.AddrFromSlice(raw)
	if !ok {
		return packet.ZeroMAC
	}
	if mac, found := r.neighbors.Lookup(addr); found {
		return mac
	}
	return packet.ZeroMAC
}
