package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/QYUbit/snapnet/internal/config"
	"github.com/QYUbit/snapnet/internal/demo"
	"github.com/QYUbit/snapnet/internal/setup"
	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/replay"
	"github.com/QYUbit/snapnet/pkg/session"
	"github.com/QYUbit/snapnet/pkg/sim"
	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/QYUbit/snapnet/pkg/transport/inproc"
	"github.com/QYUbit/snapnet/pkg/transport/quic"
	"github.com/QYUbit/snapnet/pkg/transport/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	replayPath := flag.String("replay", "", "play back a server recording instead of connecting")
	peer := flag.String("peer", "", "peer whose packets to play back")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := setup.Logger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *replayPath != "" {
		if err := playback(*replayPath, *peer, cfg, logger); err != nil {
			log.Fatalf("Playback failed: %v", err)
		}
		return
	}

	var t transport.Transport
	switch cfg.Server.Transport {
	case "websocket":
		t = websocket.NewClient("ws://" + cfg.Client.ServerAddr + "/")
	default:
		t = quic.NewClient(cfg.Client.ServerAddr, setup.ClientTLS(), nil)
	}
	ep := transport.NewEndpoint(t, transport.WithLogger(logger))

	client := newClient(ep, cfg, logger)
	if err := t.Start(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	logger.Info("connected", "server", cfg.Client.ServerAddr, "transport", cfg.Server.Transport)

	if err := client.Run(ctx); err != nil {
		logger.Error("simulation stopped", "error", err)
	}
	if err := t.Close(); err != nil {
		logger.Error("failed to close transport", "error", err)
	}
}

// ownAvatar predicts the transform of the local player. Shields are private
// to their owner, so the only player with a shield is our own.
func ownAvatar(w *ecs.World, id ecs.EntityID) uint64 {
	h := ecs.Get[demo.Health](w, id)
	if ecs.Get[demo.Player](w, id) == nil || h == nil || h.Shield == 0 {
		return 0
	}
	return ecs.PredictMask(demo.PredictedTypes...)
}

func newClient(ep *transport.Endpoint, cfg *config.Config, logger axlog.Logger) *session.Client {
	world := ecs.NewWorld(demo.Registry())
	client := session.NewClient(world, demo.Compressors(), ep, cfg.SessionClient(),
		session.WithLogger(logger),
		session.WithPrediction(ownAvatar),
	)

	move := &demo.Movement{World: world, Bounds: demo.Arena, Step: time.Second / time.Duration(cfg.Server.TickRate)}
	client.AddSystem(move.System(true))
	if err := client.Simulation().Register(move.Simulation()); err != nil {
		log.Fatalf("Failed to register simulation: %v", err)
	}

	client.AddSystem(sim.System{Name: "status", Process: func(frame uint32, _ time.Duration) {
		if frame%uint32(cfg.Server.TickRate*5) != 0 {
			return
		}
		var st transport.Stats
		if peers := ep.Transport().Peers(); len(peers) > 0 {
			st, _ = ep.Stats(peers[0])
		}
		logger.Info("status",
			"frame", frame,
			"server_frame", client.Receiver().LatestFrame(),
			"entities", len(world.Entities())-1,
			"rtt", st.RTT,
			"loss", st.Loss,
		)
	}})
	return client
}

func playback(path, peer string, cfg *config.Config, logger axlog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := replay.NewReader(f)
	if err != nil {
		return err
	}
	defer r.Close()
	logger.Info("playing back", "recording", r.Header().ID, "created", r.Header().Created, "peer", peer)

	ep := transport.NewEndpoint(inproc.NewNetwork().Dial("replay", "player"))
	client := newClient(ep, cfg, logger)
	frames := 0
	err = client.Playback(r, peer, func(uint32) { frames++ })
	logger.Info("playback finished", "frames", frames, "entities", len(client.World().Entities())-1)
	return err
}
