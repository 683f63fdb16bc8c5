// Package session wires the replication pipeline into a fixed tick. A
// Server or Client owns every piece of per-session state, nothing is kept
// in package globals.
package session

import (
	"context"
	"time"

	"github.com/QYUbit/snapnet/pkg/apply"
	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/history"
	"github.com/QYUbit/snapnet/pkg/metrics"
	"github.com/QYUbit/snapnet/pkg/replay"
	"github.com/QYUbit/snapnet/pkg/replication"
	"github.com/QYUbit/snapnet/pkg/sim"
	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/QYUbit/snapnet/pkg/watch"
)

type ServerConfig struct {
	TickRate        int
	HistoryCapacity int
	Replication     replication.Config
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TickRate:        60,
		HistoryCapacity: 256,
		Replication:     replication.DefaultConfig(),
	}
}

type options struct {
	log      axlog.Logger
	metrics  *metrics.Replication
	interest replication.Interest
	predict  PredictFunc
	applied  func(replication.Delta, apply.Status)
	recorder *replay.Writer
}

type Option func(*options)

func WithLogger(l axlog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Replication) Option {
	return func(o *options) { o.metrics = m }
}

// WithInterest limits which top level entities each peer observes.
func WithInterest(i replication.Interest) Option {
	return func(o *options) { o.interest = i }
}

// WithRecorder records every packet the server sends.
func WithRecorder(w *replay.Writer) Option {
	return func(o *options) { o.recorder = w }
}

func buildOptions(opts []Option) options {
	o := options{log: axlog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Server runs the authoritative simulation. Each tick polls the transport,
// runs the game systems, captures the world into the history and sends the
// new frame to every peer.
type Server struct {
	world    *ecs.World
	watch    *watch.System
	history  *history.Ring
	sender   *replication.Sender
	endpoint *transport.Endpoint
	loop     *sim.Loop
	systems  []sim.System
	log      axlog.Logger
	metrics  *metrics.Replication
}

func NewServer(world *ecs.World, comps *compress.Registry, ep *transport.Endpoint, cfg ServerConfig, opts ...Option) *Server {
	o := buildOptions(opts)
	s := &Server{
		world:    world,
		history:  history.New(cfg.HistoryCapacity),
		endpoint: ep,
		loop:     sim.NewLoop(cfg.TickRate),
		log:      o.log,
		metrics:  o.metrics,
	}
	s.watch = watch.New(world, comps, watch.ModeServer, watch.WithLogger(o.log))

	sopts := []replication.SenderOption{
		replication.WithLogger(o.log),
		replication.WithMetrics(o.metrics),
		replication.WithStats(ep.Stats),
	}
	if o.interest != nil {
		sopts = append(sopts, replication.WithInterest(o.interest))
	}
	var out replication.Outbox = ep
	if o.recorder != nil {
		out = replay.NewTap(ep, o.recorder, s.loop.Frame, o.log)
	}
	s.sender = replication.NewSender(cfg.Replication, out, world, s.history, s.watch, comps, sopts...)

	ep.Subscribe(replication.AckChannel, s.sender.HandleAck)
	ep.OnConnect(func(peer string) {
		s.sender.AddPeer(peer)
		s.log.Info("peer joined", "peer", peer, "frame", s.loop.Frame())
		s.updatePeers()
	})
	ep.OnDisconnect(func(peer string) {
		s.sender.RemovePeer(peer)
		s.log.Info("peer left", "peer", peer)
		s.updatePeers()
	})

	s.loop.AddSystem(sim.System{Name: "server", Process: s.step})
	return s
}

func (s *Server) updatePeers() {
	n := 0
	s.endpoint.Foreach(func(string) { n++ })
	s.metrics.SetPeers(n)
}

func (s *Server) World() *ecs.World { return s.world }
func (s *Server) Watch() *watch.System { return s.watch }
func (s *Server) History() *history.Ring { return s.history }
func (s *Server) Sender() *replication.Sender { return s.sender }
func (s *Server) Endpoint() *transport.Endpoint { return s.endpoint }
func (s *Server) Frame() uint32 { return s.loop.Frame() }

// AddSystem appends a game system. Game systems run after the transport is
// polled and before the frame is captured.
func (s *Server) AddSystem(sys sim.System) {
	s.systems = append(s.systems, sys)
}

// Tick simulates and replicates one frame.
func (s *Server) Tick() uint32 {
	return s.loop.Tick()
}

// Run ticks at the configured rate until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.loop.Run(ctx)
}

func (s *Server) step(frame uint32, dt time.Duration) {
	s.endpoint.Poll()
	for _, sys := range s.systems {
		sys.Process(frame, dt)
	}
	s.watch.Capture(frame)
	s.history.Get(frame, true).CopyFrom(s.watch.Snapshot())
	s.sender.Tick(frame)
}
