package rpc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/morezero/remote-server/pkg/proto"
)

// ErrOutboxClosed is returned by Send once the outbox has been closed.
var ErrOutboxClosed = errors.New("rpc: outbox closed")

// Sender accepts outbound envelopes for a single peer.
type Sender interface {
	Send(env proto.Envelope) error
}

// Outbox is an unbounded, order-preserving queue of envelopes bound for one peer. Send never
// blocks; a single consumer drains it with Next or Drain. Every envelope is stamped with the
// next sequence id of this outbox.
type Outbox struct {
	mu     sync.Mutex
	queue  []proto.Envelope
	nextID uint32
	closed bool
	ready  chan struct{}
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{ready: make(chan struct{}, 1)}
}

// Send enqueues env. It fails only when the outbox is closed.
func (o *Outbox) Send(env proto.Envelope) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	o.nextID++
	env.ID = o.nextID
	o.queue = append(o.queue, env)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting new envelopes. Envelopes already queued are still returned by Next.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Len reports the number of queued envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Next blocks until an envelope is available and returns it. It returns io.EOF once the outbox
// is closed and drained, or the context error if ctx ends first.
func (o *Outbox) Next(ctx context.Context) (proto.Envelope, error) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			env := o.queue[0]
			o.queue[0] = proto.Envelope{}
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return env, nil
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return proto.Envelope{}, io.EOF
		}

		select {
		case <-o.ready:
		case <-ctx.Done():
			return proto.Envelope{}, ctx.Err()
		}
	}
}

// Drain hands every envelope to write, in order, until the outbox is closed and empty (returns
// nil), ctx ends, or write fails.
func (o *Outbox) Drain(ctx context.Context, write func(proto.Envelope) error) error {
	for {
		env, err := o.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := write(env); err != nil {
			return err
		}
	}
}
