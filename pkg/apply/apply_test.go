package apply

import (
	"testing"

	"github.com/QYUbit/snapnet/internal/testkit"
	"github.com/QYUbit/snapnet/pkg/bitstream"
	"github.com/QYUbit/snapnet/pkg/diff"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/history"
	"github.com/QYUbit/snapnet/pkg/replication"
	"github.com/QYUbit/snapnet/pkg/watch"
)

type server struct {
	world *ecs.World
	watch *watch.System
	hist  *history.Ring
	frame uint32
}

func newServer() *server {
	s := &server{world: ecs.NewWorld(testkit.Registry()), hist: history.New(256)}
	s.watch = watch.New(s.world, testkit.Compressors(), watch.ModeServer)
	return s
}

func (s *server) step() {
	s.frame++
	s.watch.Capture(s.frame)
	s.hist.Get(s.frame, true).CopyFrom(s.watch.Snapshot())
}

// delta encodes the change of id between base and the current frame. A zero
// base gives a full diff.
func (s *server) delta(t *testing.T, id ecs.EntityID, base uint32) replication.Delta {
	t.Helper()
	bw := bitstream.NewWriter(256)
	b := s.hist.Get(base, false)
	if base == 0 {
		b = nil
	}
	wrote, err := diff.NewWriter(testkit.Compressors()).WriteEntity(bw, b, s.hist.Get(s.frame, false), id, diff.Options{Privacy: ecs.Private})
	if err != nil || !wrote {
		t.Fatalf("no diff for %d: wrote=%v err=%v", id, wrote, err)
	}
	if base == 0 {
		base = s.frame
	}
	return replication.Delta{Entity: id, Base: base, Target: s.frame, Data: bw.Bytes()}
}

type client struct {
	world *ecs.World
	in    *Integrator
}

func newClient(opts ...Option) *client {
	w := ecs.NewWorld(testkit.Registry())
	return &client{world: w, in: New(w, testkit.Compressors(), history.New(256), opts...)}
}

func (s *server) spawn(t *testing.T, parent ecs.EntityID, p testkit.Probe) ecs.EntityID {
	t.Helper()
	id := s.world.CreateEntity(parent)
	if _, err := ecs.Add(s.world, id, ecs.Replicated{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ecs.Add(s.world, id, p); err != nil {
		t.Fatal(err)
	}
	return id
}

// A full delta creates the entity with its data and attaches it
func TestApplyCreates(t *testing.T) {
	s := newServer()
	id := s.spawn(t, ecs.SceneID, testkit.Probe{F: 1.5, U: 7})
	child := s.spawn(t, id, testkit.Probe{U: 2})
	s.step()

	c := newClient()
	res := c.in.Process([]replication.Delta{s.delta(t, id, 0)})
	if res[0].Status != StatusApplied {
		t.Fatalf("status = %v", res[0].Status)
	}
	if !c.world.InScene(id) || c.world.Parent(child) != id {
		t.Fatalf("entities not attached: inScene=%v childParent=%d", c.world.InScene(id), c.world.Parent(child))
	}
	p := ecs.Get[testkit.Probe](c.world, id)
	if p == nil || p.F != 1.5 || p.U != 7 {
		t.Fatalf("probe = %+v", p)
	}
	if ecs.Get[ecs.Replicated](c.world, id) == nil {
		t.Error("created entity lacks the replicated marker")
	}
	if c.in.LastApplied(id) != s.frame {
		t.Errorf("last applied = %d", c.in.LastApplied(id))
	}
}

// Only the newest delta of an entity is applied, older ones are recorded
func TestNewestWins(t *testing.T) {
	s := newServer()
	id := s.spawn(t, ecs.SceneID, testkit.Probe{U: 1})
	s.step()
	first := s.delta(t, id, 0)

	ecs.Get[testkit.Probe](s.world, id).U = 2
	s.step()
	second := s.delta(t, id, 1)

	c := newClient()
	res := c.in.Process([]replication.Delta{first, second})
	if res[0].Status != StatusSkipped || res[1].Status != StatusApplied {
		t.Fatalf("statuses = %v %v", res[0].Status, res[1].Status)
	}
	if got := ecs.Get[testkit.Probe](c.world, id).U; got != 2 {
		t.Errorf("U = %d want 2", got)
	}

	res = c.in.Process([]replication.Delta{first})
	if res[0].Status != StatusSkipped {
		t.Errorf("stale delta status = %v", res[0].Status)
	}
	if got := ecs.Get[testkit.Probe](c.world, id).U; got != 2 {
		t.Errorf("stale delta regressed U to %d", got)
	}
}

// An incremental delta whose base is not in the history is unusable
func TestMissingBase(t *testing.T) {
	s := newServer()
	id := s.spawn(t, ecs.SceneID, testkit.Probe{U: 1})
	s.step()
	ecs.Get[testkit.Probe](s.world, id).U = 5
	s.step()

	var seen []Status
	c := newClient(WithOnApplied(func(_ replication.Delta, st Status) { seen = append(seen, st) }))
	res := c.in.Process([]replication.Delta{s.delta(t, id, 1)})
	if res[0].Status != StatusUnusable {
		t.Fatalf("status = %v", res[0].Status)
	}
	if c.world.Exists(id) {
		t.Error("unusable delta created the entity")
	}
	if len(seen) != 1 || seen[0] != StatusUnusable {
		t.Errorf("hook saw %v", seen)
	}
}

// A skipped delta still serves as base for later ones
func TestSkippedDeltaIsBase(t *testing.T) {
	s := newServer()
	id := s.spawn(t, ecs.SceneID, testkit.Probe{U: 1})
	s.step()
	full := s.delta(t, id, 0)

	c := newClient()
	c.in.Process([]replication.Delta{full})

	ecs.Get[testkit.Probe](s.world, id).U = 2
	s.step()
	d2 := s.delta(t, id, 1)
	ecs.Get[testkit.Probe](s.world, id).U = 3
	s.step()
	d3 := s.delta(t, id, 1)

	c.in.Process([]replication.Delta{d2, d3})
	if c.in.ServerHistory().Get(2, false) == nil {
		t.Fatal("frame 2 not recorded")
	}

	ecs.Get[testkit.Probe](s.world, id).U = 4
	s.step()
	res := c.in.Process([]replication.Delta{s.delta(t, id, 2)})
	if res[0].Status != StatusApplied {
		t.Fatalf("status = %v", res[0].Status)
	}
	if got := ecs.Get[testkit.Probe](c.world, id).U; got != 4 {
		t.Errorf("U = %d want 4", got)
	}
}

// Removals destroy entities and components immediately
func TestApplyRemovals(t *testing.T) {
	s := newServer()
	id := s.spawn(t, ecs.SceneID, testkit.Probe{U: 1})
	if _, err := ecs.Add(s.world, id, testkit.Secret{Code: 3}); err != nil {
		t.Fatal(err)
	}
	child := s.spawn(t, id, testkit.Probe{})
	s.step()

	c := newClient()
	c.in.Process([]replication.Delta{s.delta(t, id, 0)})
	if ecs.Get[testkit.Secret](c.world, id) == nil || !c.world.Exists(child) {
		t.Fatal("initial state missing")
	}

	ecs.Remove[testkit.Secret](s.world, id)
	s.world.Destroy(child)
	s.step()
	c.in.Process([]replication.Delta{s.delta(t, id, 1)})
	if ecs.Get[testkit.Secret](c.world, id) != nil {
		t.Error("secret survived")
	}
	if c.world.Exists(child) {
		t.Error("child survived")
	}

	s.world.Destroy(id)
	s.step()
	c.in.Process([]replication.Delta{s.delta(t, id, 2)})
	if c.world.Exists(id) {
		t.Error("entity survived")
	}
	if c.in.Confirmed().Has(id) {
		t.Error("entity still confirmed")
	}
}

// Predicted components keep their local values while the confirmed state
// still tracks the server
func TestPredictedNotOverwritten(t *testing.T) {
	s := newServer()
	id := s.spawn(t, ecs.SceneID, testkit.Probe{U: 1})
	s.step()

	c := newClient()
	c.in.Process([]replication.Delta{s.delta(t, id, 0)})
	if _, err := ecs.Add(c.world, id, ecs.Predicted{Mask: ecs.PredictMask(testkit.ProbeType)}); err != nil {
		t.Fatal(err)
	}
	ecs.Get[testkit.Probe](c.world, id).U = 100

	ecs.Get[testkit.Probe](s.world, id).U = 2
	s.step()
	c.in.Process([]replication.Delta{s.delta(t, id, 1)})

	if got := ecs.Get[testkit.Probe](c.world, id).U; got != 100 {
		t.Errorf("predicted U overwritten with %d", got)
	}
	conf := c.in.Confirmed().Entity(id).Components[ecs.ComponentKey{Type: testkit.ProbeType}]
	if conf.Fields[1].Value != uint32(2) {
		t.Errorf("confirmed U = %v", conf.Fields[1].Value)
	}
}

// Children moved between sibling parents keep existing in both directions
func TestReparentSiblings(t *testing.T) {
	s := newServer()
	id := s.spawn(t, ecs.SceneID, testkit.Probe{})
	low := s.spawn(t, id, testkit.Probe{U: 1})
	high := s.spawn(t, id, testkit.Probe{U: 2})
	x := s.spawn(t, high, testkit.Probe{U: 8})
	s.step()

	c := newClient()
	c.in.Process([]replication.Delta{s.delta(t, id, 0)})

	for i, parent := range []ecs.EntityID{low, high, id, low} {
		if err := s.world.Attach(x, parent); err != nil {
			t.Fatal(err)
		}
		ecs.Get[testkit.Probe](s.world, x).U = uint32(10 + i)
		s.step()

		res := c.in.Process([]replication.Delta{s.delta(t, id, s.frame-1)})
		if res[0].Status != StatusApplied {
			t.Fatalf("move %d: status = %v", i, res[0].Status)
		}
		if !c.world.Exists(x) {
			t.Fatalf("move %d: entity lost", i)
		}
		if got := c.world.Parent(x); got != parent {
			t.Errorf("move %d: parent = %d want %d", i, got, parent)
		}
		if got := ecs.Get[testkit.Probe](c.world, x).U; got != uint32(10+i) {
			t.Errorf("move %d: U = %d", i, got)
		}
	}
}

// An entity moving between two replicated roots lands under its new parent
// whichever root delta arrives first
func TestMoveBetweenRoots(t *testing.T) {
	s := newServer()
	p := s.spawn(t, ecs.SceneID, testkit.Probe{})
	q := s.spawn(t, ecs.SceneID, testkit.Probe{})
	x := s.spawn(t, q, testkit.Probe{U: 8})
	s.step()
	fullP, fullQ := s.delta(t, p, 0), s.delta(t, q, 0)

	if err := s.world.Attach(x, p); err != nil {
		t.Fatal(err)
	}
	ecs.Get[testkit.Probe](s.world, x).U = 9
	s.step()
	dp, dq := s.delta(t, p, 1), s.delta(t, q, 1)

	for _, batch := range [][]replication.Delta{{dp, dq}, {dq, dp}} {
		c := newClient()
		c.in.Process([]replication.Delta{fullP, fullQ})
		c.in.Process(batch)

		if !c.world.Exists(x) || c.world.Parent(x) != p {
			t.Fatalf("batch %d->%d: exists=%v parent=%d", batch[0].Entity, batch[1].Entity, c.world.Exists(x), c.world.Parent(x))
		}
		if got := ecs.Get[testkit.Probe](c.world, x).U; got != 9 {
			t.Errorf("U = %d want 9", got)
		}
		if ce := c.in.Confirmed().Entity(x); ce == nil || ce.Parent != p {
			t.Error("confirmed state lost the move")
		}
	}
}
