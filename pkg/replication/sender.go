package replication

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/bitstream"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/diff"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/history"
	"github.com/QYUbit/snapnet/pkg/metrics"
	"github.com/QYUbit/snapnet/pkg/snapshot"
	"github.com/QYUbit/snapnet/pkg/transport"
)

// Outbox is the sending half of a transport endpoint.
type Outbox interface {
	Send(peer string, data []byte, opts transport.SendOptions) error
}

// ChangeTracker reports the last frame anything in an entity subtree
// changed. watch.System implements it.
type ChangeTracker interface {
	SubtreeChangedFrame(id ecs.EntityID) uint32
}

// Interest decides which top level entities a peer observes.
type Interest interface {
	Visible(peer string, id ecs.EntityID) bool
}

type InterestFunc func(peer string, id ecs.EntityID) bool

func (f InterestFunc) Visible(peer string, id ecs.EntityID) bool { return f(peer, id) }

type everything struct{}

func (everything) Visible(string, ecs.EntityID) bool { return true }

// StatsFunc returns the link statistics of a peer for the NetStat header.
type StatsFunc func(peer string) (transport.Stats, bool)

type SenderOption func(*Sender)

func WithInterest(i Interest) SenderOption {
	return func(s *Sender) { s.interest = i }
}

func WithStats(fn StatsFunc) SenderOption {
	return func(s *Sender) { s.stats = fn }
}

func WithLogger(l axlog.Logger) SenderOption {
	return func(s *Sender) { s.log = l }
}

func WithMetrics(m *metrics.Replication) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

func WithClock(now func() time.Time) SenderOption {
	return func(s *Sender) { s.now = now }
}

// Sender replicates the server history to every peer. It runs on the
// simulation goroutine; HandleAck only queues acks for the next Tick.
type Sender struct {
	cfg      Config
	out      Outbox
	world    *ecs.World
	history  *history.Ring
	changes  ChangeTracker
	writer   *diff.Writer
	interest Interest
	stats    StatsFunc
	log      axlog.Logger
	metrics  *metrics.Replication
	now      func() time.Time
	start    time.Time

	peers map[string]*peerState
	cache *diffCache
	bw    *bitstream.Writer
}

func NewSender(cfg Config, out Outbox, world *ecs.World, hist *history.Ring, changes ChangeTracker, comps *compress.Registry, opts ...SenderOption) *Sender {
	s := &Sender{
		cfg:      cfg,
		out:      out,
		world:    world,
		history:  hist,
		changes:  changes,
		writer:   diff.NewWriter(comps),
		interest: everything{},
		log:      axlog.Nop(),
		now:      time.Now,
		peers:    make(map[string]*peerState),
		cache:    newDiffCache(),
		bw:       bitstream.NewWriter(cfg.MTU),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.start = s.now()
	return s
}

func (s *Sender) AddPeer(peer string) {
	if _, ok := s.peers[peer]; !ok {
		s.peers[peer] = newPeerState(peer)
		s.metrics.SetPeers(len(s.peers))
	}
}

func (s *Sender) RemovePeer(peer string) {
	delete(s.peers, peer)
	s.metrics.SetPeers(len(s.peers))
}

// Base returns the acknowledged base frame of id for peer.
func (s *Sender) Base(peer string, id ecs.EntityID) uint32 {
	if p, ok := s.peers[peer]; ok {
		return p.Base(id)
	}
	return 0
}

// HandleAck queues the sequence ids of an ack packet. It has the signature
// of a transport.Handler.
func (s *Sender) HandleAck(peer string, data []byte, _ bool) {
	p, ok := s.peers[peer]
	if !ok {
		return
	}
	seqs, err := DecodeAcks(data)
	if err != nil {
		s.log.Warn("dropping ack packet", "peer", peer, "error", err)
		s.metrics.Malformed()
		return
	}
	p.acks = append(p.acks, seqs...)
}

// Tick sends frame to every peer. The frame must already be stored in the
// history.
func (s *Sender) Tick(frame uint32) {
	cur := s.history.Get(frame, false)
	if cur == nil {
		s.log.Warn("frame missing from history", "frame", frame)
		return
	}
	s.cache.reset(frame)

	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.tickPeer(s.peers[id], frame, cur)
	}
}

func (s *Sender) processAcks(p *peerState) {
	n := 0
	for _, seq := range p.acks {
		if p.ack(seq) {
			n++
		}
	}
	p.acks = p.acks[:0]
	s.metrics.AcksReceived(n)
}

// updateVisibility returns the top level entities that became visible this
// frame.
func (s *Sender) updateVisibility(p *peerState, frame uint32, cur *snapshot.Snapshot) map[ecs.EntityID]bool {
	fresh := make(map[ecs.EntityID]bool)
	now := make(map[ecs.EntityID]bool)
	if scene := cur.Entity(ecs.SceneID); scene != nil {
		for _, id := range scene.Children {
			if !s.interest.Visible(p.id, id) {
				continue
			}
			now[id] = true
			if _, ok := p.visible[id]; !ok {
				p.visible[id] = frame
				fresh[id] = true
				delete(p.removed, id)
				delete(p.base, id)
				delete(p.privacy, id)
			}
		}
	}
	for id := range p.visible {
		if now[id] {
			continue
		}
		delete(p.visible, id)
		delete(p.base, id)
		delete(p.inFlight, id)
		delete(p.privacy, id)
		p.removed[id] = frame
	}
	return fresh
}

func (s *Sender) frequency(id ecs.EntityID) uint32 {
	f := s.cfg.DefaultFrequency
	if r := ecs.Get[ecs.Replicated](s.world, id); r != nil && r.Frequency > 0 {
		f = r.Frequency
	}
	return max(f, 1)
}

func (s *Sender) privacy(peer string, id ecs.EntityID) ecs.Privacy {
	if r := ecs.Get[ecs.Replicated](s.world, id); r != nil && r.Owner != "" && r.Owner == peer {
		return ecs.Private
	}
	return ecs.Public
}

// diffFor returns the diff of id against base for the given privacy. A base
// that is too old or no longer in the history yields a full diff.
func (s *Sender) diffFor(id ecs.EntityID, base uint32, privacy ecs.Privacy, frame uint32, cur *snapshot.Snapshot) cacheEntry {
	var baseSnap *snapshot.Snapshot
	if base != 0 && frame-base <= MaxFrameOffset {
		baseSnap = s.history.Get(base, false)
	}
	if baseSnap == nil {
		base = 0
	}

	key := cacheKey{id: id, base: base, privacy: privacy}
	if e, ok := s.cache.get(key); ok {
		return e
	}

	e := cacheEntry{base: base}
	s.bw.Reset()
	wrote, err := s.writer.WriteEntity(s.bw, baseSnap, cur, id, diff.Options{Privacy: privacy, Size: baseSnap != nil})
	switch {
	case errors.Is(err, diff.ErrDiffTooLarge):
		e = s.diffFor(id, 0, privacy, frame, cur)
		e.oversize = true
	case err != nil:
		s.log.Error("writing entity diff failed", "entity", id, "error", err)
	case wrote:
		e.data = slices.Clone(s.bw.Bytes())
		s.checkBudget(id, len(e.data))
	}
	s.cache.put(key, e)
	return e
}

func (s *Sender) checkBudget(id ecs.EntityID, size int) {
	s.metrics.DiffSize(size)
	t := s.cfg.Traffic
	switch {
	case t.ErrorBytes > 0 && size > t.ErrorBytes:
		s.metrics.BudgetViolation("error")
		s.log.Error("entity diff over error threshold", "entity", id, "bytes", size, "threshold", t.ErrorBytes)
		if t.DebugAsserts {
			panic(fmt.Sprintf("replication: diff of entity %d is %d bytes, limit %d", id, size, t.ErrorBytes))
		}
	case t.WarnBytes > 0 && size > t.WarnBytes:
		s.metrics.BudgetViolation("warn")
		s.log.Warn("entity diff over warn threshold", "entity", id, "bytes", size, "threshold", t.WarnBytes)
	}
}

func (s *Sender) tickPeer(p *peerState, frame uint32, cur *snapshot.Snapshot) {
	s.processAcks(p)
	fresh := s.updateVisibility(p, frame, cur)

	candidates := make([]ecs.EntityID, 0, len(p.visible)+1)
	candidates = append(candidates, ecs.SceneID)
	for id := range p.visible {
		candidates = append(candidates, id)
	}
	slices.Sort(candidates)

	pk := newPacker(s.cfg.MTU - headerSize - netStatSize)
	for _, id := range candidates {
		privacy := s.privacy(p.id, id)
		if p.setPrivacy(id, privacy, frame) {
			s.log.Debug("entity privacy changed, resending in full", "peer", p.id, "entity", id)
		}
		if sent, ok := p.inFlight[id]; ok && frame-sent < s.cfg.ReliableTimeout {
			continue
		}
		base := p.base[id]
		if !fresh[id] && base != 0 {
			if freq := s.frequency(id); freq > 1 && (frame+uint32(id))%freq != 0 {
				continue
			}
			if s.changes.SubtreeChangedFrame(id) <= base {
				continue
			}
		}
		if base >= frame {
			continue
		}

		e := s.diffFor(id, base, privacy, frame, cur)
		if len(e.data) == 0 {
			continue
		}

		if e.oversize || segmentSize+len(e.data) > pk.limit {
			if e.base != 0 {
				e = s.diffFor(id, 0, privacy, frame, cur)
			}
			pk.addReliable(id, e.data)
			p.inFlight[id] = frame
			s.metrics.FullSync()
			continue
		}

		var offset uint8
		if e.base != 0 {
			offset = uint8(frame - e.base)
		}
		if err := pk.add(id, offset, e.data, false); err != nil {
			s.deferRest(p, frame, err)
			s.flush(p, frame, pk)
			return
		}
	}

	for _, id := range p.sortedRemoved() {
		s.bw.Reset()
		diff.WriteRemoved(s.bw)
		if err := pk.add(id, 0, s.bw.Bytes(), true); err != nil {
			s.deferRest(p, frame, err)
			break
		}
	}

	s.flush(p, frame, pk)
}

// deferRest notes that a frame ran out of packets. Entities left out keep
// their base and go out with the next frame.
func (s *Sender) deferRest(p *peerState, frame uint32, err error) {
	s.log.Warn("frame packet limit reached, deferring entities", "peer", p.id, "frame", frame, "error", err)
}

func (s *Sender) netStat(peer string) *NetStat {
	ns := &NetStat{ServerTimeMs: uint32(s.now().Sub(s.start).Milliseconds())}
	if s.stats != nil {
		if st, ok := s.stats(peer); ok {
			ns.RTTMs = uint16(min(st.RTT.Milliseconds(), 0xffff))
			ns.LossPermille = uint16(st.Loss * 1000)
		}
	}
	return ns
}

// flush sends the packets of one frame. Unreliable packets go first, the
// last one carries the part count.
func (s *Sender) flush(p *peerState, frame uint32, pk *packer) {
	pk.cut()

	parts := len(pk.packets)
	if parts == 0 {
		pk.packets = append(pk.packets, outPacket{})
		parts = 1
	}

	sent := 0
	w := bitstream.NewWriter(s.cfg.MTU)
	for _, op := range slices.Concat(pk.packets, pk.reliable) {
		h := Header{
			Dirty:    len(op.body) > 0,
			Reliable: op.reliable,
			Seq:      p.nextSeq(),
			Frame:    frame,
		}
		if !op.reliable {
			sent++
			if sent == 1 {
				h.NetStat = s.netStat(p.id)
			}
			if sent == parts {
				h.Parts = uint8(parts)
			}
		}

		w.Reset()
		writeHeader(w, &h)
		w.WriteRaw(op.body)
		p.record(h.Seq, frame, op.entities, op.removed)

		data := w.Bytes()
		if err := s.out.Send(p.id, data, transport.SendOptions{Reliable: op.reliable, Channel: DataChannel}); err != nil {
			s.log.Debug("sending replication packet failed", "peer", p.id, "error", err)
			continue
		}
		s.metrics.PacketSent(op.reliable, len(data))
	}
}

type outPacket struct {
	body     []byte
	entities []ecs.EntityID
	removed  []ecs.EntityID
	reliable bool
}

// packer fills unreliable packet bodies up to limit bytes. Full syncs that
// do not fit go into reliable packets kept apart from the batch.
type packer struct {
	limit    int
	w        *bitstream.Writer
	cur      outPacket
	packets  []outPacket
	reliable []outPacket
}

func newPacker(limit int) *packer {
	return &packer{limit: limit, w: bitstream.NewWriter(limit)}
}

// add appends a segment to the current unreliable packet. It fails with
// ErrTooManyParts when the segment would need packet MaxParts+1 of the frame.
func (k *packer) add(id ecs.EntityID, offset uint8, data []byte, removed bool) error {
	if k.w.Len() > 0 && k.w.Len()+segmentSize+len(data) > k.limit {
		if len(k.packets)+2 > MaxParts {
			return ErrTooManyParts
		}
		k.cut()
	}
	writeSegmentHeader(k.w, id, offset)
	k.w.WriteRaw(data)
	if removed {
		k.cur.removed = append(k.cur.removed, id)
	} else {
		k.cur.entities = append(k.cur.entities, id)
	}
	return nil
}

// addReliable puts a full diff into a reliable packet of its own. Reliable
// packets are sent after every unreliable packet of the frame.
func (k *packer) addReliable(id ecs.EntityID, data []byte) {
	w := bitstream.NewWriter(segmentSize + len(data))
	writeSegmentHeader(w, id, 0)
	w.WriteRaw(data)
	k.reliable = append(k.reliable, outPacket{
		body:     w.Bytes(),
		entities: []ecs.EntityID{id},
		reliable: true,
	})
}

func (k *packer) cut() {
	if k.w.Len() == 0 {
		return
	}
	k.cur.body = slices.Clone(k.w.Bytes())
	k.packets = append(k.packets, k.cur)
	k.cur = outPacket{}
	k.w.Reset()
}
