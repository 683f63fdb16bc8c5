package replay

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/QYUbit/snapnet/pkg/transport"
)

type outbox struct {
	n int
}

func (o *outbox) Send(string, []byte, transport.SendOptions) error {
	o.n++
	return nil
}

// Records sent through a tap come back in order with their metadata
func TestTapRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}

	frame := uint32(7)
	out := &outbox{}
	tap := NewTap(out, w, func() uint32 { return frame }, nil)
	tap.Send("c1", []byte{1, 2, 3}, transport.SendOptions{Channel: 1})
	frame = 8
	tap.Send("c2", bytes.Repeat([]byte{9}, 5000), transport.SendOptions{Channel: 1, Reliable: true})
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if out.n != 2 || tap.Err() != nil {
		t.Fatalf("forwarded %d sends, err %v", out.n, tap.Err())
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Header().ID != w.Header().ID || r.Header().Version != Version {
		t.Errorf("header %+v want %+v", r.Header(), w.Header())
	}

	a, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if a.Frame != 7 || a.Peer != "c1" || a.Reliable || a.Channel != 1 || !bytes.Equal(a.Data, []byte{1, 2, 3}) {
		t.Errorf("first record %+v", a)
	}
	b, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if b.Frame != 8 || b.Peer != "c2" || !b.Reliable || len(b.Data) != 5000 {
		t.Errorf("second record frame=%d peer=%s reliable=%v len=%d", b.Frame, b.Peer, b.Reliable, len(b.Data))
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("after last record err = %v", err)
	}
}

// Files without the magic are rejected
func TestBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader(make([]byte, 64)))
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("err = %v", err)
	}
}
