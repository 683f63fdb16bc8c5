// Package inproc connects transports inside one process. Sends are delivered
// synchronously into the receiver's queue, which makes simulations over it
// deterministic.
package inproc

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/QYUbit/snapnet/pkg/transport"
)

// DropFunc decides whether an unreliable message from one peer to another is
// lost. Reliable messages are never dropped.
type DropFunc func(from, to string, data []byte) bool

// Network is a registry of listening transports.
type Network struct {
	mu    sync.Mutex
	hosts map[string]*Transport
	drop  DropFunc
}

func NewNetwork() *Network {
	return &Network{hosts: make(map[string]*Transport)}
}

func (n *Network) SetDrop(fn DropFunc) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

func (n *Network) dropped(from, to string, data []byte) bool {
	n.mu.Lock()
	fn := n.drop
	n.mu.Unlock()
	return fn != nil && fn(from, to, data)
}

// Host returns a transport that accepts dialers on addr once started.
func (n *Network) Host(addr string) *Transport {
	return newTransport(n, addr, "")
}

// Dial returns a transport that connects to the host at addr once started.
// The host sees it as peer id, it sees the host as peer addr.
func (n *Network) Dial(addr, id string) *Transport {
	return newTransport(n, id, addr)
}

var _ transport.Transport = (*Transport)(nil)

type Transport struct {
	network *Network
	id      string
	target  string

	mu     sync.Mutex
	peers  map[string]*Transport
	closed bool

	messages       chan transport.Message
	connections    chan transport.Connection
	disconnections chan string
	errors         chan error
}

func newTransport(n *Network, id, target string) *Transport {
	return &Transport{
		network:        n,
		id:             id,
		target:         target,
		peers:          make(map[string]*Transport),
		messages:       make(chan transport.Message, 4096),
		connections:    make(chan transport.Connection, 64),
		disconnections: make(chan string, 64),
		errors:         make(chan error, 16),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if t.target == "" {
		t.network.mu.Lock()
		defer t.network.mu.Unlock()
		if _, exists := t.network.hosts[t.id]; exists {
			return fmt.Errorf("address %s already in use", t.id)
		}
		t.network.hosts[t.id] = t
		return nil
	}

	t.network.mu.Lock()
	host, ok := t.network.hosts[t.target]
	t.network.mu.Unlock()
	if !ok {
		return fmt.Errorf("no host listening on %s", t.target)
	}
	host.link(t.id, t)
	t.link(t.target, host)
	return nil
}

func (t *Transport) link(id string, remote *Transport) {
	t.mu.Lock()
	t.peers[id] = remote
	t.mu.Unlock()
	t.connections <- transport.Connection{Peer: id, RemoteAddr: "inproc:" + id}
}

func (t *Transport) unlink(id string) bool {
	t.mu.Lock()
	_, ok := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()
	if ok {
		t.disconnections <- id
	}
	return ok
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]*Transport)
	t.mu.Unlock()

	for _, remote := range peers {
		remote.unlink(t.id)
	}
	if t.target == "" {
		t.network.mu.Lock()
		delete(t.network.hosts, t.id)
		t.network.mu.Unlock()
	}
	return nil
}

func (t *Transport) Disconnect(peer string, reason string) error {
	t.mu.Lock()
	remote, ok := t.peers[peer]
	t.mu.Unlock()
	if !ok {
		return transport.ErrPeerNotFound{Peer: peer}
	}
	t.unlink(peer)
	remote.unlink(t.id)
	return nil
}

func (t *Transport) Send(peer string, data []byte, reliable bool) error {
	t.mu.Lock()
	remote, ok := t.peers[peer]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrTransportClosed
	}
	if !ok {
		return transport.ErrPeerNotFound{Peer: peer}
	}
	if !reliable && t.network.dropped(t.id, peer, data) {
		return nil
	}

	msg := transport.Message{Peer: t.id, Data: slices.Clone(data), Reliable: reliable}
	select {
	case remote.messages <- msg:
		return nil
	default:
		if reliable {
			return transport.ErrSendBufferFull
		}
		return nil
	}
}

func (t *Transport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Transport) Messages() <-chan transport.Message { return t.messages }
func (t *Transport) Connections() <-chan transport.Connection { return t.connections }
func (t *Transport) Disconnections() <-chan string { return t.disconnections }
func (t *Transport) Errors() <-chan error { return t.errors }
