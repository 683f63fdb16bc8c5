package quic

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/quic-go/quic-go"
)

var _ transport.Transport = (*Client)(nil)

// Client dials one server. The server is its only peer and is addressed by
// the dialed address.
type Client struct {
	*transport.Hub

	address    string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	closeOnce sync.Once
	cancel    context.CancelFunc
}

func NewClient(address string, tlsConf *tls.Config, config *quic.Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		Hub:        transport.NewHub(256),
		address:    address,
		tlsConfig:  tlsConf,
		quicConfig: config,
	}
}

// Start dials the server and blocks until the handshake completed or ctx
// ended.
func (c *Client) Start(ctx context.Context) error {
	qc, err := quic.DialAddr(ctx, c.address, c.tlsConfig, c.quicConfig)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.Run(runCtx)
	return serve(runCtx, c.Hub, c.address, qc)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		<-c.Done()
	})
	return nil
}
