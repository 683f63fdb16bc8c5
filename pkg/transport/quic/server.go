package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

const (
	defaultKeepAlive   = 5 * time.Second
	defaultIdleTimeout = 30 * time.Second
)

var _ transport.Transport = (*Server)(nil)

// Server accepts QUIC connections and assigns each one a peer id.
type Server struct {
	*transport.Hub

	address    string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	idGenerator transport.IDGenerator
	validator   transport.ConnectionValidator

	closeOnce  sync.Once
	cancel     context.CancelFunc
	acceptDone chan struct{}
}

type ServerOption func(*Server)

func WithIDGenerator(g transport.IDGenerator) ServerOption {
	return func(s *Server) { s.idGenerator = g }
}

func WithValidator(v transport.ConnectionValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

// NewServer returns a server for address. A nil quic config uses
// DefaultConfig.
func NewServer(address string, tlsConf *tls.Config, config *quic.Config, opts ...ServerOption) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		Hub:         transport.NewHub(256),
		address:     address,
		tlsConfig:   tlsConf,
		quicConfig:  config,
		idGenerator: uuid.NewString,
		acceptDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	listener, err := quic.ListenAddr(s.address, s.tlsConfig, s.quicConfig)
	if err != nil {
		return err
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	go s.Run(ctx)
	go s.acceptConnections(ctx)
	return nil
}

// Addr returns the bound address, useful when listening on port zero.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptConnections(ctx context.Context) {
	defer close(s.acceptDone)

	for {
		qc, err := s.listener.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.ReportError(fmt.Errorf("failed accepting connection: %w", err))
				continue
			}
		}

		if s.validator != nil {
			if accept, reason := s.validator(qc.RemoteAddr().String()); !accept {
				qc.CloseWithError(closeRejected, reason)
				continue
			}
		}

		if err := serve(ctx, s.Hub, s.idGenerator(), qc); err != nil {
			s.ReportError(err)
		}
	}
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		err = s.listener.Close()
		<-s.acceptDone
		<-s.Done()
	})
	return err
}
