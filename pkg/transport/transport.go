// Package transport abstracts the network below the replication layer. A
// Transport moves opaque messages between peers, reliably or not; Endpoint
// adds channels, polling from the simulation goroutine and link statistics.
package transport

import (
	"context"
	"errors"
	"fmt"
)

type Message struct {
	Peer     string
	Data     []byte
	Reliable bool
}

type Connection struct {
	Peer       string
	RemoteAddr string
}

type IDGenerator func() string

type ConnectionValidator func(remoteAddr string) (accept bool, reason string)

// Transport is implemented by the quic, websocket and inproc packages.
// Events are delivered on the returned channels; Send may be called from any
// goroutine.
type Transport interface {
	Start(ctx context.Context) error
	Close() error
	Send(peer string, data []byte, reliable bool) error
	Disconnect(peer string, reason string) error
	Peers() []string
	Messages() <-chan Message
	Connections() <-chan Connection
	Disconnections() <-chan string
	Errors() <-chan error
}

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrSendBufferFull  = errors.New("send buffer is full")
)

type ErrPeerNotFound struct {
	Peer string
}

func (e ErrPeerNotFound) Error() string {
	return fmt.Sprintf("peer %s not found", e.Peer)
}
