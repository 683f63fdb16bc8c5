// Package quic implements transport.Transport over QUIC. Unreliable messages
// travel as datagrams, every reliable message gets its own unidirectional
// stream.
package quic

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/QYUbit/snapnet/pkg/transport"
	"github.com/quic-go/quic-go"
)

// MaxMessageSize bounds a single reliable message.
const MaxMessageSize = 1 << 20

const (
	closeNormal   quic.ApplicationErrorCode = 0x0
	closeRejected quic.ApplicationErrorCode = 0xa
)

// DefaultConfig enables datagrams and keeps idle connections alive.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: defaultKeepAlive,
		MaxIdleTimeout:  defaultIdleTimeout,
	}
}

type conn struct {
	c *quic.Conn
}

func (c *conn) Write(ctx context.Context, data []byte, reliable bool) error {
	if !reliable {
		err := c.c.SendDatagram(data)
		var tooLarge *quic.DatagramTooLargeError
		if !errors.As(err, &tooLarge) {
			return err
		}
	}

	stream, err := c.c.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write(data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write stream: %w", err)
	}
	return stream.Close()
}

func (c *conn) Close(reason string) error {
	return c.c.CloseWithError(closeNormal, reason)
}

func (c *conn) RemoteAddr() string {
	return c.c.RemoteAddr().String()
}

// serve registers qc under id and pumps its streams and datagrams into hub
// until the connection dies.
func serve(ctx context.Context, hub *transport.Hub, id string, qc *quic.Conn) error {
	if err := hub.Register(id, &conn{c: qc}); err != nil {
		qc.CloseWithError(closeNormal, "registration failed")
		return err
	}

	go func() {
		defer hub.Unregister(id, "")
		streamPump(ctx, hub, id, qc)
	}()
	go datagramPump(ctx, hub, id, qc)
	return nil
}

func streamPump(ctx context.Context, hub *transport.Hub, id string, qc *quic.Conn) {
	for {
		stream, err := qc.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func() {
			data, err := io.ReadAll(io.LimitReader(stream, MaxMessageSize))
			if err != nil {
				hub.ReportError(fmt.Errorf("read stream from peer %s: %w", id, err))
				return
			}
			hub.Deliver(id, data, true)
		}()
	}
}

func datagramPump(ctx context.Context, hub *transport.Hub, id string, qc *quic.Conn) {
	for {
		data, err := qc.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		hub.Deliver(id, data, false)
	}
}
