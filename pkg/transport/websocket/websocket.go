// Package websocket implements transport.Transport over gorilla websockets.
// Websockets have no unreliable mode, every message is delivered reliably.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = time.Second

type conn struct {
	ws *websocket.Conn
}

func (c *conn) Write(ctx context.Context, data []byte, reliable bool) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) Close(reason string) error {
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait),
	)
	return c.ws.Close()
}

func (c *conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func serve(hub *transport.Hub, id string, ws *websocket.Conn) error {
	if err := hub.Register(id, &conn{ws: ws}); err != nil {
		ws.Close()
		return err
	}
	go func() {
		defer hub.Unregister(id, "")
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				hub.Deliver(id, data, true)
			}
		}
	}()
	return nil
}

var _ transport.Transport = (*Server)(nil)

// Server upgrades HTTP requests to websocket peers. It can be mounted on an
// existing mux through ServeHTTP or listen on its own address.
type Server struct {
	*transport.Hub

	address  string
	upgrader websocket.Upgrader
	http     *http.Server

	idGenerator transport.IDGenerator
	validator   transport.ConnectionValidator

	closeOnce sync.Once
	cancel    context.CancelFunc
}

type ServerOption func(*Server)

func WithIDGenerator(g transport.IDGenerator) ServerOption {
	return func(s *Server) { s.idGenerator = g }
}

func WithValidator(v transport.ConnectionValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer returns a server. With an empty address Start does not listen
// and the server is only reachable through ServeHTTP.
func NewServer(address string, opts ...ServerOption) *Server {
	s := &Server{
		Hub:         transport.NewHub(256),
		address:     address,
		idGenerator: uuid.NewString,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.Run(ctx)

	if s.address == "" {
		return nil
	}
	s.http = &http.Server{Addr: s.address, Handler: s}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.ReportError(err)
		}
	}()
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.validator != nil {
		if accept, reason := s.validator(r.RemoteAddr); !accept {
			http.Error(w, reason, http.StatusForbidden)
			return
		}
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.ReportError(err)
		return
	}
	if err := serve(s.Hub, s.idGenerator(), ws); err != nil {
		s.ReportError(err)
	}
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		if s.http != nil {
			err = s.http.Close()
		}
		s.cancel()
		<-s.Done()
	})
	return err
}

var _ transport.Transport = (*Client)(nil)

// Client dials one websocket server, addressed as peer url.
type Client struct {
	*transport.Hub

	url    string
	dialer *websocket.Dialer

	closeOnce sync.Once
	cancel    context.CancelFunc
}

func NewClient(url string) *Client {
	return &Client{
		Hub:    transport.NewHub(256),
		url:    url,
		dialer: websocket.DefaultDialer,
	}
}

func (c *Client) Start(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.Run(runCtx)
	return serve(c.Hub, c.url, ws)
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
