package replay

import (
	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/transport"
)

// Outbox is the sending side the tap wraps. *transport.Endpoint implements
// it.
type Outbox interface {
	Send(peer string, data []byte, opts transport.SendOptions) error
}

// Tap forwards sends to an Outbox and records each one. Recording stops at
// the first write error; sending continues.
type Tap struct {
	out   Outbox
	w     *Writer
	frame func() uint32
	log   axlog.Logger
	err   error
}

// NewTap records every send through out into w, stamped with the frame
// returned by frame.
func NewTap(out Outbox, w *Writer, frame func() uint32, log axlog.Logger) *Tap {
	if log == nil {
		log = axlog.Nop()
	}
	return &Tap{out: out, w: w, frame: frame, log: log}
}

func (t *Tap) Send(peer string, data []byte, opts transport.SendOptions) error {
	if t.err == nil {
		t.err = t.w.Write(Record{
			Frame:    t.frame(),
			Channel:  uint8(opts.Channel),
			Reliable: opts.Reliable,
			Peer:     peer,
			Data:     data,
		})
		if t.err != nil {
			t.log.Error("recording stopped", "error", t.err)
		}
	}
	return t.out.Send(peer, data, opts)
}

// Err returns the error that stopped the recording.
func (t *Tap) Err() error { return t.err }
