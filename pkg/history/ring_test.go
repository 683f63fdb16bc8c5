package history

import (
	"testing"

	"github.com/QYUbit/snapnet/pkg/ecs"
)

// TestBoundary tests the oldest reachable frame of a full ring
func TestBoundary(t *testing.T) {
	const capacity = 8
	r := New(capacity)

	const head = 100
	if r.Get(head, true) == nil {
		t.Fatal("expected head slot")
	}

	if s := r.Get(head-capacity+1, true); s == nil || s.Frame != head-capacity+1 {
		t.Errorf("frame head-capacity+1 should be reachable, got %v", s)
	}
	if s := r.Get(head-capacity, true); s != nil {
		t.Errorf("frame head-capacity must be out of reach, got frame %d", s.Frame)
	}
}

// TestPastRequiresMatchingFrame tests that free slots are only returned with create
func TestPastRequiresMatchingFrame(t *testing.T) {
	r := New(4)
	r.Get(10, true)
	r.Get(12, true)

	if r.Get(11, false) != nil {
		t.Error("skipped frame must be free")
	}
	if s := r.Get(11, true); s == nil || s.Frame != 11 {
		t.Error("create should initialize a free past slot")
	}
	if s := r.Get(10, false); s == nil || s.Frame != 10 {
		t.Error("stored frame should be returned")
	}
	if r.Get(13, false) != nil {
		t.Error("future frames need create")
	}
}

// TestAdvanceClearsGaps tests that stale data never survives in skipped slots
func TestAdvanceClearsGaps(t *testing.T) {
	r := New(4)
	for f := uint32(1); f <= 4; f++ {
		r.Get(f, true).AddEntity(ecs.SceneID, ecs.EntityID(f+10))
	}

	// Slot of frame 2 is reused for frame 6, frame 5 reuses frame 1.
	s := r.Get(6, true)
	if s.Frame != 6 || s.Has(12) {
		t.Error("head slot was not cleared")
	}
	if r.Get(5, false) != nil {
		t.Error("gap slot should be free")
	}
	if got := r.Get(4, false); got == nil || !got.Has(14) {
		t.Error("frame 4 should survive an advance of two")
	}
	if r.Get(2, false) != nil {
		t.Error("frame 2 fell out of the ring")
	}
}

// TestLargeJumpClearsAll tests jumps beyond the capacity
func TestLargeJumpClearsAll(t *testing.T) {
	r := New(4)
	for f := uint32(1); f <= 4; f++ {
		r.Get(f, true)
	}

	if s := r.Get(20, true); s == nil || s.Frame != 20 {
		t.Fatal("expected fresh head")
	}
	for f := uint32(16); f < 20; f++ {
		if r.Get(f, false) != nil {
			t.Errorf("frame %d should be free after a large jump", f)
		}
	}
	if r.Head() != 20 {
		t.Errorf("unexpected head %d", r.Head())
	}
}
