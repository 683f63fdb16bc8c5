package session

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/QYUbit/snapnet/internal/testkit"
	"github.com/QYUbit/snapnet/pkg/apply"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/geom"
	"github.com/QYUbit/snapnet/pkg/prediction"
	"github.com/QYUbit/snapnet/pkg/replay"
	"github.com/QYUbit/snapnet/pkg/replication"
	"github.com/QYUbit/snapnet/pkg/sim"
	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/QYUbit/snapnet/pkg/transport/inproc"
)

type pair struct {
	net    *inproc.Network
	server *Server
	client *Client
}

func newPair(t *testing.T, opts ...Option) *pair {
	t.Helper()
	return newPairWith(t, nil, opts...)
}

func newPairWith(t *testing.T, serverOpts []Option, opts ...Option) *pair {
	t.Helper()
	ctx := context.Background()
	p := &pair{net: inproc.NewNetwork()}

	host := p.net.Host("srv")
	if err := host.Start(ctx); err != nil {
		t.Fatal(err)
	}
	p.server = NewServer(ecs.NewWorld(testkit.Registry()), testkit.Compressors(), transport.NewEndpoint(host), DefaultServerConfig(), serverOpts...)

	conn := p.net.Dial("srv", "c1")
	if err := conn.Start(ctx); err != nil {
		t.Fatal(err)
	}
	p.client = NewClient(ecs.NewWorld(testkit.Registry()), testkit.Compressors(), transport.NewEndpoint(conn), DefaultClientConfig(), opts...)
	return p
}

func (p *pair) spawn(t *testing.T, rep ecs.Replicated, c any) ecs.EntityID {
	t.Helper()
	w := p.server.World()
	id := w.CreateEntity(ecs.SceneID)
	if _, err := ecs.Add(w, id, rep); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AddComponent(id, 0, c); err != nil {
		t.Fatal(err)
	}
	return id
}

func (p *pair) tick() {
	p.server.Tick()
	p.client.Tick()
}

// dropEveryOther loses every second replication packet sent by the server.
func dropEveryOther() inproc.DropFunc {
	n := 0
	return func(from, _ string, data []byte) bool {
		if from != "srv" || len(data) == 0 || data[0] != byte(replication.DataChannel) {
			return false
		}
		n++
		return n%2 == 0
	}
}

// An entity replicated every second frame produces one client update per
// two server frames
func TestFrequencyThrottling(t *testing.T) {
	p := newPair(t)
	id := p.spawn(t, ecs.Replicated{Frequency: 2}, &testkit.Probe{})
	p.server.AddSystem(sim.System{Name: "count", Process: func(frame uint32, _ time.Duration) {
		ecs.Get[testkit.Probe](p.server.World(), id).U = frame
	}})

	for range 5 {
		p.tick()
	}

	updates := 0
	last := ecs.Get[testkit.Probe](p.client.World(), id).U
	for range 100 {
		p.tick()
		u := ecs.Get[testkit.Probe](p.client.World(), id).U
		if u != last {
			updates++
			last = u
		}
	}
	if updates != 50 {
		t.Errorf("client saw %d updates in 100 frames, want 50", updates)
	}
}

// With half the packets lost every delta is based on the last frame the
// client applied and the client converges on the final server state
func TestLossyDelivery(t *testing.T) {
	applied := make(map[ecs.EntityID]uint32)
	gaps := 0
	var bad []replication.Delta

	p := newPair(t, WithOnApplied(func(d replication.Delta, s apply.Status) {
		if s != apply.StatusApplied {
			return
		}
		if !d.Full() {
			if d.Base != applied[d.Entity] {
				bad = append(bad, d)
			}
			if d.Target-d.Base > 1 {
				gaps++
			}
		}
		applied[d.Entity] = d.Target
	}))
	p.net.SetDrop(dropEveryOther())

	id := p.spawn(t, ecs.Replicated{}, &testkit.Probe{})
	p.server.AddSystem(sim.System{Name: "count", Process: func(frame uint32, _ time.Duration) {
		if frame <= 60 {
			ecs.Get[testkit.Probe](p.server.World(), id).U = frame
		}
	}})

	for range 80 {
		p.tick()
	}

	for _, d := range bad {
		t.Errorf("delta for %d based on %d, last applied %d", d.Entity, d.Base, d.Target)
	}
	if gaps == 0 {
		t.Error("no delta skipped a lost frame")
	}
	if got := ecs.Get[testkit.Probe](p.client.World(), id); got == nil || got.U != 60 {
		t.Errorf("client probe = %+v, want U=60", got)
	}
	if base := p.server.Sender().Base("c1", id); base < 60 {
		t.Errorf("server base = %d, want at least 60", base)
	}
}

// A server side teleport is detected as misprediction at its frame and
// replayed so the client prediction matches the server again
func TestMispredictionResimulation(t *testing.T) {
	p := newPair(t, WithPrediction(func(w *ecs.World, id ecs.EntityID) uint64 {
		if ecs.Get[testkit.Motion](w, id) != nil {
			return ecs.PredictMask(testkit.MotionType)
		}
		return 0
	}))

	id := p.spawn(t, ecs.Replicated{}, &testkit.Motion{Velocity: geom.Vec3{X: 1}})
	p.server.AddSystem(sim.System{Name: "move", Process: func(frame uint32, _ time.Duration) {
		testkit.Move(p.server.World(), id)
		if frame == 40 {
			ecs.Get[testkit.Motion](p.server.World(), id).Position.X = 100
		}
	}})

	cw := p.client.World()
	p.client.AddSystem(sim.System{Name: "move", Process: func(uint32, time.Duration) {
		for eid, pr := range ecs.Each[ecs.Predicted](cw) {
			if pr.Has(testkit.MotionType) {
				testkit.Move(cw, eid)
			}
		}
	}})

	var replays []uint32
	simulated := 0
	err := p.client.Simulation().Register(prediction.SimulationSystem{
		ID:       "move",
		Simulate: func(_ uint32, eid ecs.EntityID) { simulated++; testkit.Move(cw, eid) },
		Start:    func(from, _ uint32) { replays = append(replays, from) },
	})
	if err != nil {
		t.Fatal(err)
	}

	for range 80 {
		p.tick()
	}

	if simulated == 0 || len(replays) == 0 {
		t.Fatal("no resimulation happened")
	}
	if last := replays[len(replays)-1]; last != 40 {
		t.Errorf("last replay started at %d, want 40 (all: %v)", last, replays)
	}

	frame := p.server.Frame()
	key := ecs.ComponentKey{Type: testkit.MotionType}
	srv := p.server.History().Get(frame, false).Entity(id).Components[key].Fields[0].Value.(geom.Vec3)
	mine := p.client.History().Get(frame, false)
	if mine == nil {
		t.Fatalf("client has no prediction for frame %d (client at %d)", frame, p.client.Frame())
	}
	got := mine.Entity(id).Components[key].Fields[0].Value.(geom.Vec3)
	if math.Abs(float64(got.X-srv.X)) > 0.02 {
		t.Errorf("predicted x at %d = %v, server %v", frame, got.X, srv.X)
	}
}

// A recording of the server's packets rebuilds the client state offline
func TestRecordAndPlayback(t *testing.T) {
	var buf bytes.Buffer
	rec, err := replay.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	p := newPairWith(t, []Option{WithRecorder(rec)})
	p.net.SetDrop(dropEveryOther())
	id := p.spawn(t, ecs.Replicated{}, &testkit.Probe{})
	p.server.AddSystem(sim.System{Name: "count", Process: func(frame uint32, _ time.Duration) {
		ecs.Get[testkit.Probe](p.server.World(), id).U = frame * 3
	}})
	for range 30 {
		p.tick()
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := replay.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	offline := NewClient(ecs.NewWorld(testkit.Registry()), testkit.Compressors(), transport.NewEndpoint(inproc.NewNetwork().Dial("none", "x")), DefaultClientConfig())
	frames := 0
	if err := offline.Playback(r, "c1", func(uint32) { frames++ }); err != nil {
		t.Fatal(err)
	}
	if frames != 30 {
		t.Errorf("played %d frames, want 30", frames)
	}
	got := ecs.Get[testkit.Probe](offline.World(), id)
	if got == nil || got.U != 90 {
		t.Errorf("played back probe = %+v, want U=90", got)
	}
}

// A locally spawned entity is replaced by the server entity stamped with the
// same spawn key long before its TTL runs out
func TestSpawnConfirmed(t *testing.T) {
	p := newPair(t)
	for range 5 {
		p.tick()
	}

	const ttl = 600
	local, err := p.client.SpawnPredicted("c1", 1, ttl, testkit.ProbeType)
	if err != nil {
		t.Fatal(err)
	}
	spawnFrame := p.client.Frame()

	srv := p.spawn(t, ecs.Replicated{Owner: "c1"}, &testkit.Probe{U: 3})
	if _, err := ecs.Add(p.server.World(), srv, ecs.Spawn{Key: ecs.SpawnKey("c1", spawnFrame, 1)}); err != nil {
		t.Fatal(err)
	}

	cw := p.client.World()
	for range 10 {
		p.tick()
	}
	if p.client.Frame()-spawnFrame >= ttl {
		t.Fatal("ttl elapsed")
	}
	if cw.Exists(local) {
		t.Error("transient survived its confirmation")
	}
	if !cw.Exists(srv) || !ecs.IsPredicted(cw, srv, testkit.ProbeType) {
		t.Error("server entity missing or not predicted")
	}
	if ecs.Get[ecs.Transient](cw, srv) != nil {
		t.Error("server entity marked transient")
	}
}
