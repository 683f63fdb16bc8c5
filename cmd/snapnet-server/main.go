package main

import (
	"context"
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/QYUbit/snapnet/internal/config"
	"github.com/QYUbit/snapnet/internal/demo"
	"github.com/QYUbit/snapnet/internal/setup"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/metrics"
	"github.com/QYUbit/snapnet/pkg/replay"
	"github.com/QYUbit/snapnet/pkg/session"
	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/QYUbit/snapnet/pkg/transport/quic"
	"github.com/QYUbit/snapnet/pkg/transport/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	bots := flag.Int("bots", -1, "number of wandering bots, overrides server.bots")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := setup.Logger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	types := demo.Registry()
	comps := demo.Compressors()
	if err := types.Validate(comps); err != nil {
		log.Fatalf("Invalid component registry: %v", err)
	}

	var t transport.Transport
	switch cfg.Server.Transport {
	case "websocket":
		t = websocket.NewServer(cfg.Server.ListenAddr)
	default:
		tlsConf, err := setup.SelfSignedTLS()
		if err != nil {
			log.Fatalf("Failed to create certificate: %v", err)
		}
		t = quic.NewServer(cfg.Server.ListenAddr, tlsConf, nil)
	}
	ep := transport.NewEndpoint(t, transport.WithLogger(logger))

	opts := []session.Option{session.WithLogger(logger)}
	if cfg.Metrics.ListenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, session.WithMetrics(metrics.NewReplication(reg)))
		setup.ServeMetrics(ctx, cfg.Metrics.ListenAddr, reg, logger)
	}
	if cfg.Replay.RecordPath != "" {
		f, err := os.Create(cfg.Replay.RecordPath)
		if err != nil {
			log.Fatalf("Failed to create recording: %v", err)
		}
		defer f.Close()
		rec, err := replay.NewWriter(f)
		if err != nil {
			log.Fatalf("Failed to start recording: %v", err)
		}
		defer rec.Close()
		logger.Info("recording", "path", cfg.Replay.RecordPath, "id", rec.Header().ID)
		opts = append(opts, session.WithRecorder(rec))
	}

	world := ecs.NewWorld(types)
	server := session.NewServer(world, comps, ep, cfg.SessionServer(), opts...)

	if *bots < 0 {
		*bots = cfg.Server.Bots
	}
	rng := rand.New(rand.NewPCG(uint64(os.Getpid()), 0))
	for range *bots {
		if _, err := demo.SpawnBot(world, rng, 2); err != nil {
			log.Fatalf("Failed to spawn bot: %v", err)
		}
	}

	move := &demo.Movement{World: world, Bounds: demo.Arena, Step: time.Second / time.Duration(cfg.Server.TickRate)}
	server.AddSystem(move.System(false))
	server.AddSystem(demo.Damage(world, cfg.Server.TickRate))

	players := make(map[string]ecs.EntityID)
	ep.OnConnect(func(peer string) {
		id, err := demo.SpawnPlayer(world, peer)
		if err != nil {
			logger.Error("spawning player failed", "peer", peer, "error", err)
			return
		}
		players[peer] = id
	})
	ep.OnDisconnect(func(peer string) {
		if id, ok := players[peer]; ok {
			world.Destroy(id)
			delete(players, peer)
		}
	})

	if err := t.Start(ctx); err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}
	logger.Info("server started", "addr", cfg.Server.ListenAddr, "transport", cfg.Server.Transport, "tick_rate", cfg.Server.TickRate)

	if err := server.Run(ctx); err != nil {
		logger.Error("simulation stopped", "error", err)
	}

	logger.Info("shutdown initiated")
	if err := t.Close(); err != nil {
		logger.Error("failed to close transport", "error", err)
	}
}
