// Package history stores the snapshots of the most recent frames in a fixed
// ring.
package history

import "github.com/QYUbit/snapnet/pkg/snapshot"

// Ring keeps one snapshot per frame for the last Capacity frames. A slot with
// frame 0 is free. Slots between the head and a newer frame are cleared when
// the head advances, so a slot is either free or holds exactly the frame its
// position stands for.
type Ring struct {
	slots     []*snapshot.Snapshot
	head      int
	headFrame uint32
}

func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	r := &Ring{slots: make([]*snapshot.Snapshot, capacity)}
	for i := range r.slots {
		r.slots[i] = snapshot.New(0)
	}
	return r
}

func (r *Ring) Capacity() int { return len(r.slots) }

// Head returns the newest frame the ring has advanced to, or 0 when empty.
func (r *Ring) Head() uint32 { return r.headFrame }

// Get returns the slot of frame.
//
// Past frames inside the ring are returned when stored, or initialized when
// create is set and the slot is free. Frames older than the ring reach return
// nil. Future frames are only reachable with create; the head advances and
// every skipped slot is cleared, or the whole ring when the jump is larger
// than the capacity.
func (r *Ring) Get(frame uint32, create bool) *snapshot.Snapshot {
	if frame == 0 {
		return nil
	}

	if r.headFrame == 0 {
		if !create {
			return nil
		}
		r.headFrame = frame
		r.slots[r.head].Reset(frame)
		return r.slots[r.head]
	}

	switch {
	case frame == r.headFrame:
		return r.slots[r.head]

	case frame < r.headFrame:
		back := r.headFrame - frame
		if back >= uint32(len(r.slots)) {
			return nil
		}
		s := r.slots[r.index(-int(back))]
		if create && s.Frame == 0 {
			s.Reset(frame)
		}
		if s.Frame != frame {
			return nil
		}
		return s

	default:
		if !create {
			return nil
		}
		r.advance(frame)
		return r.slots[r.head]
	}
}

func (r *Ring) advance(frame uint32) {
	jump := frame - r.headFrame
	if jump > uint32(len(r.slots)) {
		r.Clear()
		r.headFrame = frame
		r.slots[r.head].Reset(frame)
		return
	}

	for i := uint32(0); i < jump; i++ {
		r.head = r.index(1)
		r.slots[r.head].Reset(0)
	}
	r.headFrame = frame
	r.slots[r.head].Frame = frame
}

func (r *Ring) index(offset int) int {
	n := len(r.slots)
	return ((r.head+offset)%n + n) % n
}

// Latest returns the head snapshot or nil when the ring is empty.
func (r *Ring) Latest() *snapshot.Snapshot {
	if r.headFrame == 0 {
		return nil
	}
	return r.slots[r.head]
}

// Clear frees every slot.
func (r *Ring) Clear() {
	for _, s := range r.slots {
		s.Reset(0)
	}
	r.head = 0
	r.headFrame = 0
}
