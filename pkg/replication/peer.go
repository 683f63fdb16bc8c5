package replication

import (
	"slices"

	"github.com/QYUbit/snapnet/pkg/ecs"
)

type privacyState struct {
	level ecs.Privacy
	since uint32
}

type sentRecord struct {
	seq      uint16
	frame    uint32
	entities []ecs.EntityID
	removed  []ecs.EntityID
	valid    bool
}

// peerState is the replication bookkeeping of one connected peer.
type peerState struct {
	id  string
	seq uint16

	sent [seqWindow]sentRecord

	// base is the newest acknowledged frame per entity.
	base map[ecs.EntityID]uint32
	// visible maps the top level entities the peer currently observes to
	// the frame they became visible.
	visible map[ecs.EntityID]uint32
	// removed maps entities that left the peer's view to the frame they
	// left. Removals are resent until acknowledged.
	removed map[ecs.EntityID]uint32
	// inFlight maps entities with an unacknowledged reliable full sync to
	// the frame it was sent in.
	inFlight map[ecs.EntityID]uint32
	// privacy is the privacy diffs of each entity are written with and the
	// frame it took effect. Acks of older frames do not advance base.
	privacy map[ecs.EntityID]privacyState

	acks []uint16
}

func newPeerState(id string) *peerState {
	return &peerState{
		id:       id,
		base:     make(map[ecs.EntityID]uint32),
		visible:  make(map[ecs.EntityID]uint32),
		removed:  make(map[ecs.EntityID]uint32),
		inFlight: make(map[ecs.EntityID]uint32),
		privacy:  make(map[ecs.EntityID]privacyState),
	}
}

func (p *peerState) nextSeq() uint16 {
	p.seq++
	return p.seq
}

func (p *peerState) record(seq uint16, frame uint32, entities, removed []ecs.EntityID) {
	r := &p.sent[seq%seqWindow]
	r.seq = seq
	r.frame = frame
	r.entities = append(r.entities[:0], entities...)
	r.removed = append(r.removed[:0], removed...)
	r.valid = true
}

// ack advances base frames for every entity carried by seq and returns
// false for unknown or already acknowledged sequence ids.
func (p *peerState) ack(seq uint16) bool {
	r := &p.sent[seq%seqWindow]
	if !r.valid || r.seq != seq {
		return false
	}
	r.valid = false

	for _, id := range r.entities {
		since, ok := p.visible[id]
		if id != ecs.SceneID && (!ok || r.frame < since) {
			continue
		}
		if ps, ok := p.privacy[id]; ok && r.frame < ps.since {
			continue
		}
		if r.frame > p.base[id] {
			p.base[id] = r.frame
		}
		if f, ok := p.inFlight[id]; ok && f <= r.frame {
			delete(p.inFlight, id)
		}
	}
	for _, id := range r.removed {
		if f, ok := p.removed[id]; ok && f <= r.frame {
			delete(p.removed, id)
		}
	}
	return true
}

// setPrivacy records the privacy diffs of id are written with from frame on.
// A change drops the base and any reliable sync in flight so the next diff
// is full, and reports true.
func (p *peerState) setPrivacy(id ecs.EntityID, level ecs.Privacy, frame uint32) bool {
	prev, ok := p.privacy[id]
	if ok && prev.level == level {
		return false
	}
	p.privacy[id] = privacyState{level: level, since: frame}
	if !ok {
		return false
	}
	delete(p.base, id)
	delete(p.inFlight, id)
	return true
}

func (p *peerState) sortedRemoved() []ecs.EntityID {
	ids := make([]ecs.EntityID, 0, len(p.removed))
	for id := range p.removed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Base returns the acknowledged base frame of id, zero when the peer has no
// state for it.
func (p *peerState) Base(id ecs.EntityID) uint32 {
	return p.base[id]
}
