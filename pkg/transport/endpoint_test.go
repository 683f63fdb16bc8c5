package transport_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/QYUbit/snapnet/pkg/transport/inproc"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func pair(t *testing.T, n *inproc.Network, c *clock) (*transport.Endpoint, *transport.Endpoint) {
	t.Helper()
	host := n.Host("srv")
	if err := host.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	dial := n.Dial("srv", "c1")
	if err := dial.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	opts := []transport.EndpointOption{transport.WithClock(c.now), transport.WithProbeInterval(time.Second)}
	return transport.NewEndpoint(host, opts...), transport.NewEndpoint(dial, opts...)
}

// Messages reach the handler subscribed to their channel without the channel byte
func TestEndpointChannels(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	server, client := pair(t, inproc.NewNetwork(), c)

	var got [][]byte
	server.Subscribe(3, func(peer string, data []byte, reliable bool) {
		if peer != "c1" || !reliable {
			t.Errorf("peer=%s reliable=%v", peer, reliable)
		}
		got = append(got, slices.Clone(data))
	})
	var connected []string
	server.OnConnect(func(peer string) { connected = append(connected, peer) })

	client.Poll()
	client.Send("srv", []byte{7, 8}, transport.SendOptions{Reliable: true, Channel: 3})
	client.Send("srv", []byte{1}, transport.SendOptions{Reliable: true, Channel: 4})
	server.Poll()

	if !slices.Equal(connected, []string{"c1"}) {
		t.Errorf("connected = %v", connected)
	}
	if len(got) != 1 || !slices.Equal(got[0], []byte{7, 8}) {
		t.Errorf("got = %v", got)
	}
}

// Disconnect callbacks run once the transport reports the peer gone
func TestEndpointDisconnect(t *testing.T) {
	n := inproc.NewNetwork()
	c := &clock{t: time.Unix(100, 0)}
	server, client := pair(t, n, c)
	server.Poll()

	var gone []string
	server.OnDisconnect(func(peer string) { gone = append(gone, peer) })
	client.Transport().Close()
	server.Poll()

	if !slices.Equal(gone, []string{"c1"}) {
		t.Errorf("gone = %v", gone)
	}
	if server.Connected("c1") {
		t.Error("peer still connected")
	}
}

// The prober measures round trip time from ping to pong
func TestEndpointRTT(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	server, client := pair(t, inproc.NewNetwork(), c)
	server.Poll()
	client.Poll() // ping sent

	c.t = c.t.Add(20 * time.Millisecond)
	server.Poll() // pong sent
	c.t = c.t.Add(20 * time.Millisecond)
	client.Poll()

	s, ok := client.Stats("srv")
	if !ok {
		t.Fatal("no stats")
	}
	if s.RTT != 40*time.Millisecond {
		t.Errorf("rtt = %v", s.RTT)
	}
	if s.Loss != 0 {
		t.Errorf("loss = %v", s.Loss)
	}
}

// Pings that are never answered count as lost
func TestEndpointLoss(t *testing.T) {
	n := inproc.NewNetwork()
	n.SetDrop(func(from, to string, data []byte) bool { return true })
	c := &clock{t: time.Unix(100, 0)}
	_, client := pair(t, n, c)

	for range 40 {
		client.Poll()
		c.t = c.t.Add(time.Second)
	}
	s, _ := client.Stats("srv")
	if s.Loss != 1 {
		t.Errorf("loss = %v", s.Loss)
	}
}
