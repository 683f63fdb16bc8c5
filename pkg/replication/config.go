package replication

import "github.com/QYUbit/snapnet/pkg/transport"

const (
	// DataChannel carries replication packets from server to client.
	DataChannel transport.Channel = 1
	// AckChannel carries ack packets from client to server.
	AckChannel transport.Channel = 2
)

// TrafficConfig sets per entity diff size thresholds in bytes. Zero disables
// a threshold.
type TrafficConfig struct {
	WarnBytes  int
	ErrorBytes int
	// DebugAsserts panics when a diff exceeds ErrorBytes.
	DebugAsserts bool
}

type Config struct {
	// MTU bounds unreliable packets including the header.
	MTU int
	// DefaultFrequency throttles entities without a Replicated.Frequency.
	DefaultFrequency uint32
	// ReliableTimeout is the number of frames a reliable full sync may stay
	// unacknowledged before the entity is sent again.
	ReliableTimeout uint32
	Traffic         TrafficConfig
}

func DefaultConfig() Config {
	return Config{
		MTU:              1100,
		DefaultFrequency: 1,
		ReliableTimeout:  60,
		Traffic: TrafficConfig{
			WarnBytes:  1024,
			ErrorBytes: 16 * 1024,
		},
	}
}
