package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PeerConn is one established connection as seen by a Hub.
type PeerConn interface {
	Write(ctx context.Context, data []byte, reliable bool) error
	Close(reason string) error
	RemoteAddr() string
}

type hubOperationType int

const (
	opRegister hubOperationType = iota
	opUnregister
	opSend
)

type hubOperation struct {
	kind     hubOperationType
	peer     string
	conn     PeerConn
	data     []byte
	reliable bool
	reason   string
	response chan error
}

type outgoing struct {
	data     []byte
	reliable bool
}

type hubPeer struct {
	id   string
	conn PeerConn
	send chan outgoing
}

// Hub keeps the peer table of a connection oriented transport. Peer
// registration and sends are serialised through one operation loop, every
// peer has its own write pump.
type Hub struct {
	peers  map[string]*hubPeer
	peerMu sync.RWMutex

	operations chan hubOperation

	connections    chan Connection
	disconnections chan string
	messages       chan Message
	errors         chan error

	queue   int
	closed  atomic.Bool
	started atomic.Bool
	done    chan struct{}
}

// NewHub returns a hub whose peers buffer up to queue outgoing messages.
func NewHub(queue int) *Hub {
	if queue <= 0 {
		queue = 256
	}
	return &Hub{
		peers:          make(map[string]*hubPeer),
		operations:     make(chan hubOperation, 100),
		connections:    make(chan Connection, 64),
		disconnections: make(chan string, 64),
		messages:       make(chan Message, 1024),
		errors:         make(chan error, 16),
		queue:          queue,
		done:           make(chan struct{}),
	}
}

// Run processes operations until ctx ends, then closes every peer. It must
// be started before any other method is used and runs at most once.
func (h *Hub) Run(ctx context.Context) {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		h.closed.Store(true)
		h.peerMu.Lock()
		for id, p := range h.peers {
			delete(h.peers, id)
			close(p.send)
			p.conn.Close("shutdown")
		}
		h.peerMu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.operations:
			op.response <- h.handle(ctx, op)
		}
	}
}

// Done is closed once Run returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) handle(ctx context.Context, op hubOperation) error {
	switch op.kind {
	case opRegister:
		p := &hubPeer{id: op.peer, conn: op.conn, send: make(chan outgoing, h.queue)}
		h.peerMu.Lock()
		if _, exists := h.peers[op.peer]; exists {
			h.peerMu.Unlock()
			return fmt.Errorf("peer %s already registered", op.peer)
		}
		h.peers[op.peer] = p
		h.peerMu.Unlock()

		go h.writePump(ctx, p)
		h.emitConnection(Connection{Peer: op.peer, RemoteAddr: op.conn.RemoteAddr()})

	case opUnregister:
		h.peerMu.Lock()
		p, ok := h.peers[op.peer]
		if ok {
			delete(h.peers, op.peer)
		}
		h.peerMu.Unlock()
		if !ok {
			return ErrPeerNotFound{op.peer}
		}
		close(p.send)
		p.conn.Close(op.reason)
		h.emitDisconnection(op.peer)

	case opSend:
		h.peerMu.RLock()
		p, ok := h.peers[op.peer]
		h.peerMu.RUnlock()
		if !ok {
			return ErrPeerNotFound{op.peer}
		}
		select {
		case p.send <- outgoing{data: op.data, reliable: op.reliable}:
		default:
			return ErrSendBufferFull
		}
	}
	return nil
}

func (h *Hub) do(op hubOperation) error {
	if h.closed.Load() {
		return ErrTransportClosed
	}
	op.response = make(chan error, 1)

	select {
	case h.operations <- op:
	case <-h.done:
		return ErrTransportClosed
	}
	select {
	case err := <-op.response:
		return err
	case <-h.done:
		return ErrTransportClosed
	}
}

func (h *Hub) writePump(ctx context.Context, p *hubPeer) {
	defer func() {
		if err := recover(); err != nil {
			h.ReportError(fmt.Errorf("write pump panic for peer %s: %v", p.id, err))
		}
	}()

	for msg := range p.send {
		if err := p.conn.Write(ctx, msg.data, msg.reliable); err != nil {
			h.ReportError(fmt.Errorf("failed writing to peer %s: %w", p.id, err))
		}
	}
}

// Register adds an established connection under id.
func (h *Hub) Register(id string, conn PeerConn) error {
	return h.do(hubOperation{kind: opRegister, peer: id, conn: conn})
}

// Unregister closes and forgets peer id. Read pumps call it when their
// connection fails.
func (h *Hub) Unregister(id string, reason string) error {
	return h.do(hubOperation{kind: opUnregister, peer: id, reason: reason})
}

func (h *Hub) Disconnect(peer string, reason string) error {
	return h.Unregister(peer, reason)
}

func (h *Hub) Send(peer string, data []byte, reliable bool) error {
	return h.do(hubOperation{kind: opSend, peer: peer, data: data, reliable: reliable})
}

// Peers returns the registered peer ids in ascending order.
func (h *Hub) Peers() []string {
	h.peerMu.RLock()
	defer h.peerMu.RUnlock()

	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deliver hands a received message to the consumer.
func (h *Hub) Deliver(peer string, data []byte, reliable bool) {
	select {
	case h.messages <- Message{Peer: peer, Data: data, Reliable: reliable}:
	case <-h.done:
	case <-time.After(time.Second):
		h.ReportError(fmt.Errorf("message from peer %s dropped, consumer too slow", peer))
	}
}

func (h *Hub) ReportError(err error) {
	select {
	case h.errors <- err:
	default:
	}
}

func (h *Hub) emitConnection(c Connection) {
	select {
	case h.connections <- c:
	case <-time.After(time.Second):
		h.ReportError(fmt.Errorf("connect event for peer %s dropped", c.Peer))
	}
}

func (h *Hub) emitDisconnection(id string) {
	select {
	case h.disconnections <- id:
	case <-time.After(time.Second):
		h.ReportError(fmt.Errorf("disconnect event for peer %s dropped", id))
	}
}

func (h *Hub) Messages() <-chan Message { return h.messages }
func (h *Hub) Connections() <-chan Connection { return h.connections }
func (h *Hub) Disconnections() <-chan string { return h.disconnections }
func (h *Hub) Errors() <-chan error { return h.errors }
