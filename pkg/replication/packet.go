// Package replication moves entity diffs from the server's history to the
// clients. Sender batches diffs per peer into MTU sized packets and tracks
// acknowledged base frames; Receiver parses packets, tracks fragments and
// queues deltas for integration.
//
// Packet layout, little endian:
//
//	flags:8 [serverTimeMs:32 rttMs:16 lossPermille:16] seq:16 frame:32 parts:8
//	{entity:32 frameOffset:8 diff}*
//
// frameOffset is frame minus the base frame of the diff, zero for full diffs.
// parts is zero on every packet of a frame but the last, which carries the
// number of unreliable packets sent for that frame. An ack packet is a flat
// list of 16 bit sequence ids.
package replication

import (
	"errors"

	"github.com/QYUbit/snapnet/pkg/bitstream"
	"github.com/QYUbit/snapnet/pkg/ecs"
)

const (
	flagDirty    uint8 = 1 << 0
	flagNetStat  uint8 = 1 << 1
	flagReliable uint8 = 1 << 2
)

const (
	headerSize  = 8
	netStatSize = 8
	segmentSize = 5

	// MaxFrameOffset is the oldest base a segment can reference.
	MaxFrameOffset = 255
	// MaxParts is the most unreliable packets a frame can be split into.
	MaxParts = 255

	seqWindow = 1024
)

var (
	ErrShortPacket = errors.New("replication: packet shorter than its header")
	ErrBadAck      = errors.New("replication: ack packet has odd length")

	ErrTooManyParts = errors.New("replication: frame needs more than 255 packets")
)

// NetStat is the server's view of the link, piggybacked on the first packet
// of a frame.
type NetStat struct {
	ServerTimeMs uint32
	RTTMs        uint16
	LossPermille uint16
}

type Header struct {
	Dirty    bool
	Reliable bool
	NetStat  *NetStat
	Seq      uint16
	Frame    uint32
	Parts    uint8
}

func (h *Header) size() int {
	if h.NetStat != nil {
		return headerSize + netStatSize
	}
	return headerSize
}

func writeHeader(w *bitstream.Writer, h *Header) {
	var flags uint8
	if h.Dirty {
		flags |= flagDirty
	}
	if h.NetStat != nil {
		flags |= flagNetStat
	}
	if h.Reliable {
		flags |= flagReliable
	}
	w.WriteUint8(flags)
	if h.NetStat != nil {
		w.WriteUint32(h.NetStat.ServerTimeMs)
		w.WriteUint16(h.NetStat.RTTMs)
		w.WriteUint16(h.NetStat.LossPermille)
	}
	w.WriteUint16(h.Seq)
	w.WriteUint32(h.Frame)
	w.WriteUint8(h.Parts)
}

// ReadHeader parses the header at the front of data and returns it with the
// remaining segment bytes.
func ReadHeader(data []byte) (Header, []byte, error) {
	var h Header
	r := bitstream.NewReader(data)
	flags := r.ReadUint8()
	h.Dirty = flags&flagDirty != 0
	h.Reliable = flags&flagReliable != 0
	if flags&flagNetStat != 0 {
		h.NetStat = &NetStat{
			ServerTimeMs: r.ReadUint32(),
			RTTMs:        r.ReadUint16(),
			LossPermille: r.ReadUint16(),
		}
	}
	h.Seq = r.ReadUint16()
	h.Frame = r.ReadUint32()
	h.Parts = r.ReadUint8()
	if r.Err() != nil {
		return Header{}, nil, ErrShortPacket
	}
	return h, data[r.BytePos():], nil
}

func writeSegmentHeader(w *bitstream.Writer, id ecs.EntityID, offset uint8) {
	w.WriteUint32(uint32(id))
	w.WriteUint8(offset)
}

func EncodeAcks(seqs []uint16) []byte {
	w := bitstream.NewWriter(len(seqs) * 2)
	for _, s := range seqs {
		w.WriteUint16(s)
	}
	return w.Bytes()
}

func DecodeAcks(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, ErrBadAck
	}
	r := bitstream.NewReader(data)
	seqs := make([]uint16, len(data)/2)
	for i := range seqs {
		seqs[i] = r.ReadUint16()
	}
	return seqs, nil
}

