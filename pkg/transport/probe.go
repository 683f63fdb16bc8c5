package transport

import (
	"math/bits"
	"time"

	"github.com/QYUbit/snapnet/pkg/bitstream"
)

// ProbeChannel carries the ping and pong messages of the link prober.
const ProbeChannel Channel = 255

const (
	probePing uint8 = iota
	probePong
)

const probeWindow = 16

// Stats describes the measured quality of the link to one peer.
type Stats struct {
	RTT  time.Duration
	Loss float64
}

type probeSlot struct {
	seq      uint32
	sent     time.Time
	used     bool
	answered bool
}

// prober sends unreliable pings and keeps a smoothed round trip time plus
// the share of the last 64 pings that were never answered.
type prober struct {
	seq       uint32
	slots     [probeWindow]probeSlot
	lost      uint64
	evaluated int
	rtt       time.Duration
	lastPing  time.Time
}

func (p *prober) ping(now time.Time) []byte {
	p.seq++
	slot := &p.slots[p.seq%probeWindow]
	if slot.used {
		p.lost <<= 1
		if !slot.answered {
			p.lost |= 1
		}
		p.evaluated++
	}
	*slot = probeSlot{seq: p.seq, sent: now, used: true}
	p.lastPing = now

	w := bitstream.NewWriter(8)
	w.WriteUint8(probePing)
	w.WriteUint32(p.seq)
	return w.Bytes()
}

func (p *prober) pong(seq uint32, now time.Time) {
	slot := &p.slots[seq%probeWindow]
	if !slot.used || slot.seq != seq || slot.answered {
		return
	}
	slot.answered = true

	sample := now.Sub(slot.sent)
	if p.rtt == 0 {
		p.rtt = sample
	} else {
		p.rtt += (sample - p.rtt) / 8
	}
}

func (p *prober) stats() Stats {
	s := Stats{RTT: p.rtt}
	n := min(p.evaluated, 64)
	if n > 0 {
		mask := uint64(1)<<n - 1
		if n == 64 {
			mask = ^uint64(0)
		}
		s.Loss = float64(bits.OnesCount64(p.lost&mask)) / float64(n)
	}
	return s
}

func pongFor(data []byte) ([]byte, bool) {
	r := bitstream.NewReader(data)
	kind := r.ReadUint8()
	seq := r.ReadUint32()
	if r.Err() != nil || kind != probePing {
		return nil, false
	}
	w := bitstream.NewWriter(8)
	w.WriteUint8(probePong)
	w.WriteUint32(seq)
	return w.Bytes(), true
}

func parsePong(data []byte) (uint32, bool) {
	r := bitstream.NewReader(data)
	kind := r.ReadUint8()
	seq := r.ReadUint32()
	return seq, r.Err() == nil && kind == probePong
}
