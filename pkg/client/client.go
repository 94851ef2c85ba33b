// Package client is the requester side of the remote protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/remote-server/pkg/proto"
	"github.com/morezero/remote-server/pkg/transport"
)

const logPrefix = "client:client"

const updatesBuffer = 256

var (
	// ErrClosed is returned for requests made on, or still pending when, the connection closes.
	ErrClosed = errors.New("client: connection closed")
	// ErrUnexpectedResponse is returned when a reply's kind does not match the request.
	ErrUnexpectedResponse = errors.New("client: unexpected response kind")
	// ErrEmptyResponse is returned when a request that must carry a reply ends with only the
	// completion marker.
	ErrEmptyResponse = errors.New("client: request completed without a response")
)

// RemoteError is an error frame returned by the server.
type RemoteError struct {
	Code    int32
	Tags    []string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

// Client issues requests over a transport.Conn and correlates the replies. Worktree updates
// are delivered on Updates, which must be drained while worktrees are subscribed.
type Client struct {
	conn transport.Conn

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan proto.Envelope
	closed  bool
	err     error

	updates   chan proto.UpdateWorktree
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a client on conn.
func New(conn transport.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan proto.Envelope),
		updates: make(chan proto.UpdateWorktree, updatesBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// NewNATS starts a client for the server listening on subject.
func NewNATS(nc *comms.Conn, subject string) (*Client, error) {
	peer, err := transport.DialNATS(nc, subject)
	if err != nil {
		return nil, err
	}
	return New(peer), nil
}

// DialWebSocket starts a client for the server at url.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	conn, err := transport.DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// Updates delivers UpdateWorktree pushes in arrival order. It is closed when the client stops.
func (c *Client) Updates() <-chan proto.UpdateWorktree {
	return c.updates
}

// Done is closed when the client stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped, or nil while it is running or after a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the client and closes the connection.
func (c *Client) Close() error {
	c.shutdown(nil)
	return c.conn.Close()
}

// Request sends payload and waits for its terminal frame. It returns the reply payload, nil
// for a bare completion marker, or a *RemoteError for an error frame.
func (c *Client) Request(ctx context.Context, payload proto.Payload) (proto.Payload, error) {
	ch := make(chan proto.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := proto.Push(payload)
	env.ID = id
	if err := c.conn.WriteEnvelope(env); err != nil {
		return nil, fmt.Errorf("%s - failed to send %s: %w", logPrefix, payload.Kind(), err)
	}

	select {
	case reply := <-ch:
		if e, ok := reply.Payload.(proto.Error); ok {
			return nil, &RemoteError{Code: e.Code, Tags: e.Tags, Message: e.Message}
		}
		return reply.Payload, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.updates)
	for {
		env, err := c.conn.ReadEnvelope()
		if err != nil {
			if isDecodeError(err) {
				slog.Warn(fmt.Sprintf("%s - skipping frame: %v", logPrefix, err))
				continue
			}
			c.shutdown(err)
			return
		}

		if env.RespondingTo != nil {
			c.mu.Lock()
			ch, ok := c.pending[*env.RespondingTo]
			delete(c.pending, *env.RespondingTo)
			c.mu.Unlock()
			if ok {
				ch <- env
			} else {
				slog.Debug(fmt.Sprintf("%s - reply to unknown request %d", logPrefix, *env.RespondingTo))
			}
			continue
		}

		update, ok := env.Payload.(proto.UpdateWorktree)
		if !ok {
			slog.Debug(fmt.Sprintf("%s - ignoring unsolicited %s", logPrefix, env.Kind()))
			continue
		}
		select {
		case c.updates <- update:
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func isDecodeError(err error) bool {
	var frameErr *transport.FrameError
	return errors.As(err, &frameErr) && frameErr.Kind == transport.FrameErrorDecode
}
