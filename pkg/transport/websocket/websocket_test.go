package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/QYUbit/snapnet/pkg/transport"
)

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

// A dialed client exchanges reliable messages with the server
func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := NewServer("", WithIDGenerator(func() string { return "p1" }))
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	hs := httptest.NewServer(srv)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	cl := NewClient(url)
	if err := cl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if c := next(t, srv.Connections()); c.Peer != "p1" {
		t.Errorf("peer = %s", c.Peer)
	}
	next(t, cl.Connections())

	if err := cl.Send(url, []byte("hello"), false); err != nil {
		t.Fatal(err)
	}
	m := next(t, srv.Messages())
	if string(m.Data) != "hello" || !m.Reliable || m.Peer != "p1" {
		t.Errorf("unexpected message %+v", m)
	}

	if err := srv.Send("p1", []byte("back"), true); err != nil {
		t.Fatal(err)
	}
	if m := next(t, cl.Messages()); string(m.Data) != "back" {
		t.Errorf("client got %q", m.Data)
	}

	if err := srv.Send("nobody", nil, true); err == nil {
		t.Error("send to unknown peer succeeded")
	} else if _, ok := err.(transport.ErrPeerNotFound); !ok {
		t.Errorf("unexpected error %v", err)
	}
}
