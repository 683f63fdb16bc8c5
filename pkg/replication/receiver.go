package replication

import (
	"fmt"
	"slices"

	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/bitstream"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/diff"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/metrics"
)

const (
	// ackRedundancy is the number of ticks every ack is repeated for.
	ackRedundancy = 3
	frameWindow   = 256
)

// Delta is one received entity diff. Base is zero for full diffs.
type Delta struct {
	Entity   ecs.EntityID
	Base     uint32
	Target   uint32
	Seq      uint16
	Reliable bool
	Data     []byte
}

func (d Delta) Full() bool { return diff.IsFull(d.Data) }

type frameParts struct {
	received int
	parts    int
}

type ReceiverOption func(*Receiver)

func WithReceiverLogger(l axlog.Logger) ReceiverOption {
	return func(r *Receiver) { r.log = l }
}

func WithReceiverMetrics(m *metrics.Replication) ReceiverOption {
	return func(r *Receiver) { r.metrics = m }
}

// Receiver parses replication packets on the client and queues their deltas
// in arrival order.
type Receiver struct {
	reader  *diff.Reader
	log     axlog.Logger
	metrics *metrics.Replication

	deltas []Delta

	frames       map[uint32]*frameParts
	lastComplete uint32
	latest       uint32

	netStat    NetStat
	hasNetStat bool

	tickAcks   []uint16
	rejected   map[uint16]bool
	ackHistory [ackRedundancy][]uint16
}

func NewReceiver(types *ecs.Registry, comps *compress.Registry, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		reader:   diff.NewReader(types, comps),
		log:      axlog.Nop(),
		frames:   make(map[uint32]*frameParts),
		rejected: make(map[uint16]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandlePacket has the signature of a transport.Handler. Malformed packets
// are dropped and never acknowledged.
func (r *Receiver) HandlePacket(peer string, data []byte, _ bool) {
	if err := r.handle(data); err != nil {
		r.metrics.Malformed()
		r.log.Warn("dropping malformed replication packet", "peer", peer, "error", err)
	}
}

func (r *Receiver) handle(data []byte) error {
	h, body, err := ReadHeader(data)
	if err != nil {
		return err
	}

	var parsed []Delta
	for len(body) > 0 {
		br := bitstream.NewReader(body)
		id := ecs.EntityID(br.ReadUint32())
		offset := br.ReadUint8()
		if br.Err() != nil {
			return fmt.Errorf("segment header: %w", br.Err())
		}
		payload := body[segmentSize:]
		n, err := r.reader.Measure(payload, id)
		if err != nil {
			return fmt.Errorf("segment of entity %d: %w", id, err)
		}

		d := Delta{
			Entity:   id,
			Target:   h.Frame,
			Seq:      h.Seq,
			Reliable: h.Reliable,
			Data:     slices.Clone(payload[:n]),
		}
		if offset != 0 {
			d.Base = h.Frame - uint32(offset)
		}
		parsed = append(parsed, d)
		body = payload[n:]
	}

	r.deltas = append(r.deltas, parsed...)
	r.tickAcks = append(r.tickAcks, h.Seq)
	if h.NetStat != nil {
		r.netStat = *h.NetStat
		r.hasNetStat = true
	}
	if h.Frame > r.latest {
		r.latest = h.Frame
		r.pruneFrames()
	}
	if !h.Reliable {
		r.trackPart(h)
	}
	return nil
}

func (r *Receiver) trackPart(h Header) {
	fp, ok := r.frames[h.Frame]
	if !ok {
		fp = &frameParts{}
		r.frames[h.Frame] = fp
	}
	fp.received++
	if h.Parts > 0 {
		fp.parts = int(h.Parts)
	}
	if fp.parts > 0 && fp.received >= fp.parts && h.Frame > r.lastComplete {
		r.lastComplete = h.Frame
	}
}

func (r *Receiver) pruneFrames() {
	if r.latest <= frameWindow {
		return
	}
	oldest := r.latest - frameWindow
	for f := range r.frames {
		if f < oldest {
			delete(r.frames, f)
		}
	}
}

// Deltas returns the deltas received since the last call in arrival order.
func (r *Receiver) Deltas() []Delta {
	d := r.deltas
	r.deltas = nil
	return d
}

// Reject withholds the ack of seq because one of its deltas could not be
// integrated.
func (r *Receiver) Reject(seq uint16) {
	r.rejected[seq] = true
}

// AckPacket returns the ack packet for this tick, or nil when there is
// nothing to acknowledge. Acks of the previous ticks are repeated.
func (r *Receiver) AckPacket() []byte {
	acks := make([]uint16, 0, len(r.tickAcks))
	for _, seq := range r.tickAcks {
		if !r.rejected[seq] && !slices.Contains(acks, seq) {
			acks = append(acks, seq)
		}
	}
	r.tickAcks = r.tickAcks[:0]
	clear(r.rejected)

	copy(r.ackHistory[1:], r.ackHistory[:ackRedundancy-1])
	r.ackHistory[0] = acks

	var all []uint16
	for _, h := range r.ackHistory {
		for _, seq := range h {
			if !slices.Contains(all, seq) {
				all = append(all, seq)
			}
		}
	}
	if len(all) == 0 {
		return nil
	}
	return EncodeAcks(all)
}

// FrameComplete reports whether every unreliable part of frame arrived.
func (r *Receiver) FrameComplete(frame uint32) bool {
	fp, ok := r.frames[frame]
	return ok && fp.parts > 0 && fp.received >= fp.parts
}

// LastCompleteFrame returns the newest frame whose parts all arrived.
func (r *Receiver) LastCompleteFrame() uint32 { return r.lastComplete }

// LatestFrame returns the newest frame any packet was received for.
func (r *Receiver) LatestFrame() uint32 { return r.latest }

// NetStat returns the most recent link statistics sent by the server.
func (r *Receiver) NetStat() (NetStat, bool) { return r.netStat, r.hasNetStat }
