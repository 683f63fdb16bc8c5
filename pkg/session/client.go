package session

import (
	"context"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/QYUbit/snapnet/pkg/apply"
	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/history"
	"github.com/QYUbit/snapnet/pkg/prediction"
	"github.com/QYUbit/snapnet/pkg/replay"
	"github.com/QYUbit/snapnet/pkg/replication"
	"github.com/QYUbit/snapnet/pkg/sim"
	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/QYUbit/snapnet/pkg/watch"
)

// LocalIDBase is where ids of client spawned entities start, far above the
// ids the server hands out.
const LocalIDBase ecs.EntityID = 1 << 30

type ClientConfig struct {
	TickRate        int
	HistoryCapacity int
	// Lead is the number of frames the client runs ahead of the newest
	// server frame on top of the measured round trip.
	Lead uint32
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TickRate:        60,
		HistoryCapacity: 256,
		Lead:            2,
	}
}

// PredictFunc returns the component types to predict for a newly
// replicated entity. Zero leaves the entity to the server.
type PredictFunc func(w *ecs.World, id ecs.EntityID) uint64

// WithPrediction marks replicated entities for local prediction as they
// appear.
func WithPrediction(fn PredictFunc) Option {
	return func(o *options) { o.predict = fn }
}

// WithOnApplied observes every delta the client integrates.
func WithOnApplied(fn func(replication.Delta, apply.Status)) Option {
	return func(o *options) { o.applied = fn }
}

// Client mirrors a server. Each tick it polls the transport, integrates the
// received deltas, checks and repairs its predictions, runs the game
// systems, records the predicted frame and acknowledges what it received.
type Client struct {
	cfg        ClientConfig
	world      *ecs.World
	watch      *watch.System
	history    *history.Ring
	receiver   *replication.Receiver
	integrator *apply.Integrator
	prediction *prediction.Controller
	simulation *prediction.Registry
	endpoint   *transport.Endpoint
	loop       *sim.Loop
	systems    []sim.System
	predict    PredictFunc
	server     string
	synced     bool
	log        axlog.Logger
}

func NewClient(world *ecs.World, comps *compress.Registry, ep *transport.Endpoint, cfg ClientConfig, opts ...Option) *Client {
	o := buildOptions(opts)
	c := &Client{
		cfg:        cfg,
		world:      world,
		history:    history.New(cfg.HistoryCapacity),
		simulation: prediction.NewRegistry(),
		endpoint:   ep,
		loop:       sim.NewLoop(cfg.TickRate),
		predict:    o.predict,
		log:        o.log,
	}
	world.ReserveIDs(LocalIDBase)

	c.watch = watch.New(world, comps, watch.ModeClient, watch.WithLogger(o.log))
	c.receiver = replication.NewReceiver(world.Types(), comps,
		replication.WithReceiverLogger(o.log),
		replication.WithReceiverMetrics(o.metrics),
	)
	aopts := []apply.Option{apply.WithLogger(o.log), apply.WithMetrics(o.metrics)}
	if o.applied != nil {
		aopts = append(aopts, apply.WithOnApplied(o.applied))
	}
	c.integrator = apply.New(world, comps, history.New(cfg.HistoryCapacity), aopts...)
	c.prediction = prediction.New(world, comps, c.integrator, c.history, c.watch, c.simulation,
		prediction.WithLogger(o.log),
		prediction.WithMetrics(o.metrics),
	)

	ep.Subscribe(replication.DataChannel, c.receiver.HandlePacket)
	ep.OnConnect(func(peer string) {
		c.server = peer
		c.log.Info("connected", "server", peer)
	})
	ep.OnDisconnect(func(peer string) {
		if peer == c.server {
			c.server = ""
			c.log.Info("disconnected", "server", peer)
		}
	})

	c.loop.AddSystem(sim.System{Name: "client", Process: c.step})
	return c
}

func (c *Client) World() *ecs.World { return c.world }
func (c *Client) History() *history.Ring { return c.history }
func (c *Client) Receiver() *replication.Receiver { return c.receiver }
func (c *Client) Integrator() *apply.Integrator { return c.integrator }
func (c *Client) Prediction() *prediction.Controller { return c.prediction }
func (c *Client) Endpoint() *transport.Endpoint { return c.endpoint }
func (c *Client) Frame() uint32 { return c.loop.Frame() }

// Simulation is the registry of systems replayed after a misprediction.
func (c *Client) Simulation() *prediction.Registry { return c.simulation }

// AddSystem appends a game system run once per tick after prediction repair.
func (c *Client) AddSystem(sys sim.System) {
	c.systems = append(c.systems, sys)
}

// Predict marks the given component types of id as locally simulated.
func (c *Client) Predict(id ecs.EntityID, types ...ecs.ComponentType) error {
	mask := ecs.PredictMask(types...)
	if p := ecs.Get[ecs.Predicted](c.world, id); p != nil {
		p.Mask |= mask
		return nil
	}
	_, err := ecs.Add(c.world, id, ecs.Predicted{Mask: mask})
	return err
}

// SpawnPredicted creates a local entity for an action of owner at the
// current frame and predicts the given component types on it. The entity
// lives until the server replicates one stamped with the same
// ecs.SpawnKey, or until ttl frames pass without it.
func (c *Client) SpawnPredicted(owner string, action uint16, ttl uint32, types ...ecs.ComponentType) (ecs.EntityID, error) {
	frame := c.loop.Frame()
	key := ecs.SpawnKey(owner, frame, action)
	id := c.world.CreateEntity(ecs.SceneID)

	if _, err := ecs.Add(c.world, id, ecs.Transient{SpawnFrame: frame, TTL: ttl, Key: key}); err != nil {
		c.world.Destroy(id)
		return ecs.InvalidEntity, err
	}
	if _, err := ecs.Add(c.world, id, ecs.Spawn{Key: key}); err != nil {
		c.world.Destroy(id)
		return ecs.InvalidEntity, err
	}
	if err := c.Predict(id, types...); err != nil {
		c.world.Destroy(id)
		return ecs.InvalidEntity, err
	}
	return id, nil
}

func (c *Client) Tick() uint32 {
	return c.loop.Tick()
}

func (c *Client) Run(ctx context.Context) error {
	return c.loop.Run(ctx)
}

// lead returns how many frames ahead of the server the client should run.
func (c *Client) lead() uint32 {
	lead := c.cfg.Lead
	if st, ok := c.endpoint.Stats(c.server); ok && st.RTT > 0 {
		lead += uint32((st.RTT + c.loop.Step() - 1) / c.loop.Step())
	}
	return lead
}

// sync moves the frame counter ahead of the newest server frame when the
// client has not synced yet or fell behind.
func (c *Client) sync(frame uint32) uint32 {
	latest := c.receiver.LatestFrame()
	if latest == 0 || (c.synced && frame > latest) {
		return frame
	}
	target := latest + c.lead()
	c.synced = true
	c.loop.SetFrame(target)
	c.log.Debug("frame synced", "from", frame, "to", target, "server", latest)
	return target
}

func (c *Client) step(frame uint32, dt time.Duration) {
	c.endpoint.Poll()
	c.integrate()
	frame = c.sync(frame)

	c.prediction.Compare()
	c.prediction.Resimulate(frame - 1)
	c.prediction.ExpireTransients(frame, c.receiver.LastCompleteFrame())

	for _, sys := range c.systems {
		sys.Process(frame, dt)
	}

	c.watch.Capture(frame)
	c.history.Get(frame, true).CopyFrom(c.watch.Snapshot())

	if c.server == "" {
		return
	}
	if pkt := c.receiver.AckPacket(); pkt != nil {
		opts := transport.SendOptions{Channel: replication.AckChannel}
		if err := c.endpoint.Send(c.server, pkt, opts); err != nil {
			c.log.Warn("sending acks failed", "error", err)
		}
	}
}

func (c *Client) integrate() {
	for _, r := range c.integrator.Process(c.receiver.Deltas()) {
		switch r.Status {
		case apply.StatusUnusable:
			c.receiver.Reject(r.Delta.Seq)
		case apply.StatusApplied:
			c.markPredicted(r.Delta.Entity)
		}
	}

	touched := c.integrator.Touched()
	if len(touched) == 0 {
		return
	}
	ids := make([]ecs.EntityID, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, cf := range c.prediction.ConfirmSpawns(ids) {
		c.log.Debug("spawn confirmed", "local", cf.Local, "server", cf.Server)
	}
}

// Playback feeds the replication packets recorded for peer into the client
// without a network, integrating once per recorded frame. onFrame, when not
// nil, runs after each frame was integrated.
func (c *Client) Playback(r *replay.Reader, peer string, onFrame func(frame uint32)) error {
	var frame uint32
	flush := func() {
		if frame == 0 {
			return
		}
		c.integrate()
		c.receiver.AckPacket()
		if onFrame != nil {
			onFrame(frame)
		}
	}

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			flush()
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Peer != peer || transport.Channel(rec.Channel) != replication.DataChannel {
			continue
		}
		if rec.Frame != frame {
			flush()
			frame = rec.Frame
		}
		c.receiver.HandlePacket(peer, rec.Data, rec.Reliable)
	}
}

func (c *Client) markPredicted(id ecs.EntityID) {
	if c.predict == nil || !c.world.Exists(id) || ecs.Get[ecs.Predicted](c.world, id) != nil {
		return
	}
	if mask := c.predict(c.world, id); mask != 0 {
		if _, err := ecs.Add(c.world, id, ecs.Predicted{Mask: mask}); err != nil {
			c.log.Warn("marking entity predicted failed", "entity", id, "error", err)
		}
	}
}
