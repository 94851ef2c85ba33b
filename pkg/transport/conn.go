// Package transport carries envelopes between a remote server and its peers over NATS, framed
// byte streams (stdio), or WebSocket connections.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/morezero/remote-server/pkg/proto"
	"github.com/morezero/remote-server/pkg/rpc"
)

// ErrConnClosed is returned by a Conn that has been closed locally.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn is a duplex channel of envelopes with one peer. ReadEnvelope is called from a single
// goroutine; WriteEnvelope may be called concurrently.
type Conn interface {
	// ReadEnvelope returns the next envelope. It returns io.EOF when the peer is done, and a
	// non-fatal *FrameError for a frame that could not be decoded.
	ReadEnvelope() (proto.Envelope, error)
	WriteEnvelope(env proto.Envelope) error
	Close() error
}

// Handler answers one inbound request envelope. remote.Server implements it.
type Handler interface {
	HandleEnvelope(ctx context.Context, env proto.Envelope, out rpc.Sender) error
}

// StreamConn carries envelopes as length-prefixed frames over a byte stream.
type StreamConn struct {
	dec    *FrameDecoder
	codec  proto.Codec
	closer io.Closer

	mu  sync.Mutex
	enc *FrameEncoder
}

// StreamOptions configures NewStreamConn.
type StreamOptions struct {
	// Codec defaults to proto.MsgpackCodec.
	Codec proto.Codec
	// MaxFrameSize defaults to DefaultMaxFrameSize.
	MaxFrameSize int
	// Closer is closed by Close, typically the read side so a blocked read returns.
	Closer io.Closer
}

// NewStreamConn creates a Conn reading frames from r and writing frames to w.
func NewStreamConn(r io.Reader, w io.Writer, opts StreamOptions) *StreamConn {
	codec := opts.Codec
	if codec == nil {
		codec = proto.MsgpackCodec{}
	}
	return &StreamConn{
		dec:    NewFrameDecoder(r, opts.MaxFrameSize),
		enc:    NewFrameEncoder(w, opts.MaxFrameSize),
		codec:  codec,
		closer: opts.Closer,
	}
}

// ReadEnvelope implements Conn.
func (c *StreamConn) ReadEnvelope() (proto.Envelope, error) {
	payload, err := c.dec.ReadFrame()
	if err != nil {
		return proto.Envelope{}, err
	}
	env, err := c.codec.Unmarshal(payload)
	if err != nil {
		return proto.Envelope{}, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode envelope", Err: err}
	}
	return env, nil
}

// WriteEnvelope implements Conn.
func (c *StreamConn) WriteEnvelope(env proto.Envelope) error {
	payload, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.WriteFrame(payload)
}

// Close implements Conn.
func (c *StreamConn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
