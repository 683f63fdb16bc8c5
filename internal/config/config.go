// Package config loads the settings of the snapnet binaries from a YAML
// file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/QYUbit/snapnet/pkg/replication"
	"github.com/QYUbit/snapnet/pkg/session"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Replication ReplicationConfig `yaml:"replication"`
	Client      ClientConfig      `yaml:"client"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Replay      ReplayConfig      `yaml:"replay"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	Transport       string `yaml:"transport"` // quic | websocket
	TickRate        int    `yaml:"tick_rate"`
	HistoryCapacity int    `yaml:"history_capacity"`
	Bots            int    `yaml:"bots"`
}

type ReplicationConfig struct {
	MTU              int    `yaml:"mtu"`
	DefaultFrequency uint32 `yaml:"default_frequency"`
	ReliableTimeout  uint32 `yaml:"reliable_timeout"`
	WarnBytes        int    `yaml:"warn_bytes"`
	ErrorBytes       int    `yaml:"error_bytes"`
	DebugAsserts     bool   `yaml:"debug_asserts"`
}

type ClientConfig struct {
	ServerAddr string `yaml:"server_addr"`
	Lead       uint32 `yaml:"lead"`
}

type LogConfig struct {
	Level   string `yaml:"level"`   // debug | info | warn | error
	Format  string `yaml:"format"`  // text | json
	Backend string `yaml:"backend"` // slog | logrus
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type ReplayConfig struct {
	RecordPath string `yaml:"record_path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, fills unset values with defaults and applies environment
// overrides. An empty path only applies defaults and environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	rep := replication.DefaultConfig()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "localhost:4242"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = "quic"
	}
	if c.Server.TickRate <= 0 {
		c.Server.TickRate = 60
	}
	if c.Server.HistoryCapacity <= 0 {
		c.Server.HistoryCapacity = 256
	}
	if c.Replication.MTU <= 0 {
		c.Replication.MTU = rep.MTU
	}
	if c.Replication.DefaultFrequency == 0 {
		c.Replication.DefaultFrequency = rep.DefaultFrequency
	}
	if c.Replication.ReliableTimeout == 0 {
		c.Replication.ReliableTimeout = rep.ReliableTimeout
	}
	if c.Replication.WarnBytes <= 0 {
		c.Replication.WarnBytes = rep.Traffic.WarnBytes
	}
	if c.Replication.ErrorBytes <= 0 {
		c.Replication.ErrorBytes = rep.Traffic.ErrorBytes
	}
	if c.Client.ServerAddr == "" {
		c.Client.ServerAddr = c.Server.ListenAddr
	}
	if c.Client.Lead == 0 {
		c.Client.Lead = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Backend == "" {
		c.Log.Backend = "slog"
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SNAPNET_LISTEN_ADDR"); ok {
		c.Server.ListenAddr = v
	}
	if v, ok := lookup("SNAPNET_SERVER_ADDR"); ok {
		c.Client.ServerAddr = v
	}
	if v, ok := lookup("SNAPNET_TRANSPORT"); ok {
		c.Server.Transport = v
	}
	if v, ok := lookup("SNAPNET_TICK_RATE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SNAPNET_TICK_RATE: %w", err)
		}
		c.Server.TickRate = n
	}
	if v, ok := lookup("SNAPNET_METRICS_ADDR"); ok {
		c.Metrics.ListenAddr = v
	}
	if v, ok := lookup("SNAPNET_RECORD"); ok {
		c.Replay.RecordPath = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Server.Transport {
	case "quic", "websocket":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Server.Transport)
	}
	switch c.Log.Backend {
	case "slog", "logrus":
	default:
		return fmt.Errorf("config: unknown log backend %q", c.Log.Backend)
	}
	if c.Server.TickRate <= 0 {
		return fmt.Errorf("config: tick rate must be positive, got %d", c.Server.TickRate)
	}
	if c.Server.HistoryCapacity <= replication.MaxFrameOffset {
		return fmt.Errorf("config: history capacity %d must exceed %d", c.Server.HistoryCapacity, replication.MaxFrameOffset)
	}
	return nil
}

// ReplicationConfig converts the replication section.
func (c *Config) ReplicationConfig() replication.Config {
	return replication.Config{
		MTU:              c.Replication.MTU,
		DefaultFrequency: c.Replication.DefaultFrequency,
		ReliableTimeout:  c.Replication.ReliableTimeout,
		Traffic: replication.TrafficConfig{
			WarnBytes:    c.Replication.WarnBytes,
			ErrorBytes:   c.Replication.ErrorBytes,
			DebugAsserts: c.Replication.DebugAsserts,
		},
	}
}

func (c *Config) SessionServer() session.ServerConfig {
	return session.ServerConfig{
		TickRate:        c.Server.TickRate,
		HistoryCapacity: c.Server.HistoryCapacity,
		Replication:     c.ReplicationConfig(),
	}
}

func (c *Config) SessionClient() session.ClientConfig {
	return session.ClientConfig{
		TickRate:        c.Server.TickRate,
		HistoryCapacity: c.Server.HistoryCapacity,
		Lead:            c.Client.Lead,
	}
}
