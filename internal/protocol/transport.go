package protocol

import (
	"context"
	"fmt"
)

// Transport is the bounded-order message channel between server and
// plugin. Real implementations (WebSocket, in-process pipe) live outside
// this package; this is the narrow interface the server core and
// editor-side Reconciler/Batcher are written against.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// SendMessage encodes payload and wraps it in an Envelope of kind before
// handing it to t.
func SendMessage(ctx context.Context, t Transport, kind MessageKind, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return fmt.Errorf("send %d: %w", kind, err)
	}
	return t.Send(ctx, Envelope{Kind: kind, Payload: data})
}

// ChanTransport is an in-memory Transport backed by a pair of buffered
// channels: one bounded-order queue per direction. Used for local
// server<->plugin loops in tests and single-process deployments, the same
// role a loopback pipe plays against a real socket transport.
type ChanTransport struct {
	out chan Envelope
	in  chan Envelope
}

// NewChanPipe returns two ends of an in-memory duplex transport: writes on
// one side arrive as reads on the other.
func NewChanPipe(bufSize int) (a, b *ChanTransport) {
	ab := make(chan Envelope, bufSize)
	ba := make(chan Envelope, bufSize)
	return &ChanTransport{out: ab, in: ba}, &ChanTransport{out: ba, in: ab}
}

func (c *ChanTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case c.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChanTransport) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-c.in:
		if !ok {
			return Envelope{}, fmt.Errorf("transport closed")
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *ChanTransport) Close() error {
	close(c.out)
	return nil
}
