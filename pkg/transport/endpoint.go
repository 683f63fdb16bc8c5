package transport

import (
	"errors"
	"sort"
	"time"

	"github.com/QYUbit/snapnet/pkg/axlog"
)

// Channel tags every message sent through an Endpoint with one byte so that
// independent protocols can share a transport.
type Channel uint8

type SendOptions struct {
	Reliable bool
	Channel  Channel
}

// Handler receives the payload of a message without its channel byte.
type Handler func(peer string, data []byte, reliable bool)

type EndpointOption func(*Endpoint)

func WithLogger(l axlog.Logger) EndpointOption {
	return func(e *Endpoint) { e.log = l }
}

// WithProbeInterval sets how often every peer is pinged. Zero disables
// probing.
func WithProbeInterval(d time.Duration) EndpointOption {
	return func(e *Endpoint) { e.probeInterval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EndpointOption {
	return func(e *Endpoint) { e.now = now }
}

// Endpoint wraps a Transport for use from the simulation goroutine. Events
// queue up in the transport until Poll dispatches them, so handlers never run
// concurrently with the simulation.
type Endpoint struct {
	t   Transport
	log axlog.Logger
	now func() time.Time

	handlers     map[Channel]Handler
	onConnect    []func(peer string)
	onDisconnect []func(peer string)

	peers         map[string]*prober
	probeInterval time.Duration
}

func NewEndpoint(t Transport, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		t:             t,
		log:           axlog.Nop(),
		now:           time.Now,
		handlers:      make(map[Channel]Handler),
		peers:         make(map[string]*prober),
		probeInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Endpoint) Transport() Transport { return e.t }

// Subscribe sets the handler of channel c, replacing any previous one.
func (e *Endpoint) Subscribe(c Channel, h Handler) {
	e.handlers[c] = h
}

func (e *Endpoint) OnConnect(fn func(peer string)) {
	e.onConnect = append(e.onConnect, fn)
}

func (e *Endpoint) OnDisconnect(fn func(peer string)) {
	e.onDisconnect = append(e.onDisconnect, fn)
}

// Foreach calls fn for every connected peer in ascending id order.
func (e *Endpoint) Foreach(fn func(peer string)) {
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(id)
	}
}

func (e *Endpoint) Connected(peer string) bool {
	_, ok := e.peers[peer]
	return ok
}

// Stats returns the link statistics of peer.
func (e *Endpoint) Stats(peer string) (Stats, bool) {
	p, ok := e.peers[peer]
	if !ok {
		return Stats{}, false
	}
	return p.stats(), true
}

// Send prefixes data with the channel byte and hands it to the transport.
func (e *Endpoint) Send(peer string, data []byte, opts SendOptions) error {
	buf := make([]byte, len(data)+1)
	buf[0] = byte(opts.Channel)
	copy(buf[1:], data)
	return e.t.Send(peer, buf, opts.Reliable)
}

// Poll dispatches every queued transport event without blocking. Connects
// are handled before messages, disconnects after them.
func (e *Endpoint) Poll() {
	e.drainConnections()
	e.drainMessages()
	e.drainDisconnections()
	e.drainErrors()
	e.probe()
}

func (e *Endpoint) drainConnections() {
	for {
		select {
		case c, ok := <-e.t.Connections():
			if !ok {
				return
			}
			e.connect(c.Peer)
		default:
			return
		}
	}
}

func (e *Endpoint) connect(peer string) {
	if _, ok := e.peers[peer]; ok {
		return
	}
	e.peers[peer] = &prober{}
	e.log.Info("peer connected", "peer", peer)
	for _, fn := range e.onConnect {
		fn(peer)
	}
}

func (e *Endpoint) drainMessages() {
	for {
		select {
		case m, ok := <-e.t.Messages():
			if !ok {
				return
			}
			e.dispatch(m)
		default:
			return
		}
	}
}

func (e *Endpoint) dispatch(m Message) {
	if len(m.Data) == 0 {
		return
	}
	if _, ok := e.peers[m.Peer]; !ok {
		e.connect(m.Peer)
	}

	c, payload := Channel(m.Data[0]), m.Data[1:]
	if c == ProbeChannel {
		e.handleProbe(m.Peer, payload)
		return
	}
	h, ok := e.handlers[c]
	if !ok {
		e.log.Debug("message on unknown channel", "peer", m.Peer, "channel", c)
		return
	}
	h(m.Peer, payload, m.Reliable)
}

func (e *Endpoint) drainDisconnections() {
	for {
		select {
		case peer, ok := <-e.t.Disconnections():
			if !ok {
				return
			}
			if _, known := e.peers[peer]; !known {
				continue
			}
			delete(e.peers, peer)
			e.log.Info("peer disconnected", "peer", peer)
			for _, fn := range e.onDisconnect {
				fn(peer)
			}
		default:
			return
		}
	}
}

func (e *Endpoint) drainErrors() {
	for {
		select {
		case err, ok := <-e.t.Errors():
			if !ok {
				return
			}
			if errors.Is(err, ErrTransportClosed) {
				continue
			}
			e.log.Warn("transport error", "error", err)
		default:
			return
		}
	}
}

func (e *Endpoint) probe() {
	if e.probeInterval <= 0 {
		return
	}
	now := e.now()
	for id, p := range e.peers {
		if now.Sub(p.lastPing) < e.probeInterval {
			continue
		}
		if err := e.Send(id, p.ping(now), SendOptions{Channel: ProbeChannel}); err != nil {
			e.log.Debug("ping failed", "peer", id, "error", err)
		}
	}
}

func (e *Endpoint) handleProbe(peer string, data []byte) {
	if reply, ok := pongFor(data); ok {
		if err := e.Send(peer, reply, SendOptions{Channel: ProbeChannel}); err != nil {
			e.log.Debug("pong failed", "peer", peer, "error", err)
		}
		return
	}
	if seq, ok := parsePong(data); ok {
		e.peers[peer].pong(seq, e.now())
	}
}
