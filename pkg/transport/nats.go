package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/remote-server/pkg/commsutil"
	"github.com/morezero/remote-server/pkg/proto"
)

const natsLogPrefix = "transport:nats"

const inboundBuffer = 256

// DefaultPeerCheckInterval is how often an idle NATS peer's inbox is checked for a subscriber.
const DefaultPeerCheckInterval = 30 * time.Second

// peerCheckTimeout bounds one liveness check. A peer that does not answer in time is kept.
const peerCheckTimeout = 2 * time.Second

// NATS serves peers that publish request envelopes to one subject. Each distinct reply inbox is
// a peer with its own session and outbox; frames for it are published to that inbox.
type NATS struct {
	nc      *comms.Conn
	subject string
	codec   proto.Codec

	peerCheck time.Duration

	mu       sync.Mutex
	sessions map[string]*natsConn
	closed   bool
	wg       sync.WaitGroup
}

// NATSOption configures NewNATS.
type NATSOption func(*NATS)

// WithPeerCheckInterval sets how often idle peers are checked. A session whose inbox no longer
// has a subscriber is ended. Zero or less disables the check.
func WithPeerCheckInterval(d time.Duration) NATSOption {
	return func(t *NATS) { t.peerCheck = d }
}

// NewNATS creates a NATS transport for subject using JSON envelopes.
func NewNATS(nc *comms.Conn, subject string, opts ...NATSOption) *NATS {
	t := &NATS{
		nc:        nc,
		subject:   subject,
		codec:     proto.JSONCodec{},
		peerCheck: DefaultPeerCheckInterval,
		sessions:  make(map[string]*natsConn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Serve subscribes to the request subject and blocks until ctx ends. It then stops every
// session and waits for them to finish.
func (t *NATS) Serve(ctx context.Context, h Handler) error {
	sub, err := t.nc.Subscribe(t.subject, func(msg *comms.Msg) {
		t.route(ctx, h, msg)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", natsLogPrefix, t.subject, err)
	}
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%s - failed to flush subscription: %w", natsLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Listening on %s", natsLogPrefix, t.subject))

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to unsubscribe: %v", natsLogPrefix, err))
	}

	t.mu.Lock()
	t.closed = true
	sessions := t.sessions
	t.sessions = nil
	t.mu.Unlock()
	for _, c := range sessions {
		_ = c.Close()
	}
	t.wg.Wait()
	slog.Info(fmt.Sprintf("%s - Stopped listening on %s", natsLogPrefix, t.subject))
	return nil
}

// Peers reports the number of live peer sessions.
func (t *NATS) Peers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *NATS) route(ctx context.Context, h Handler, msg *comms.Msg) {
	if msg.Reply == "" {
		slog.Warn(fmt.Sprintf("%s - dropping message without reply inbox on %s", natsLogPrefix, msg.Subject))
		return
	}
	env, err := t.codec.Unmarshal(msg.Data)
	var payloadErr *proto.PayloadError
	if err != nil && !errors.As(err, &payloadErr) {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable message from %s: %v", natsLogPrefix, msg.Reply, err))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	c, ok := t.sessions[msg.Reply]
	if !ok {
		c = newNATSConn(t.nc, t.codec, msg.Reply, "")
		t.sessions[msg.Reply] = c
		t.wg.Add(1)
		go t.serveSession(ctx, h, msg.Reply, c)
		if t.peerCheck > 0 {
			t.wg.Add(1)
			go t.watchPeer(ctx, msg.Reply, c)
		}
	}
	t.mu.Unlock()

	if err != nil {
		// The session answers requests it cannot decode.
		c.deliverErr(&FrameError{Kind: FrameErrorDecode, Msg: "failed to decode envelope", Err: err})
		return
	}
	c.deliver(env)
}

// watchPeer ends the session for inbox once nobody is subscribed to it. A peer that sent
// something since the last tick is not checked.
func (t *NATS) watchPeer(ctx context.Context, inbox string, c *natsConn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.peerCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
		if c.active.Swap(false) {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, peerCheckTimeout)
		_, err := t.nc.RequestWithContext(checkCtx, inbox, nil)
		cancel()
		if errors.Is(err, comms.ErrNoResponders) {
			slog.Info(fmt.Sprintf("%s - Peer %s is gone, ending session", natsLogPrefix, inbox))
			_ = c.Close()
			return
		}
	}
}

func (t *NATS) serveSession(ctx context.Context, h Handler, inbox string, c *natsConn) {
	defer t.wg.Done()
	slog.Info(fmt.Sprintf("%s - New peer %s", natsLogPrefix, inbox))
	if err := Serve(ctx, h, c); err != nil {
		slog.Warn(fmt.Sprintf("%s - session %s ended: %v", natsLogPrefix, inbox, err))
	}

	t.mu.Lock()
	if t.sessions[inbox] == c {
		delete(t.sessions, inbox)
	}
	t.mu.Unlock()
}

// natsConn is a Conn fed by a NATS subscription callback.
type natsConn struct {
	nc      *comms.Conn
	codec   proto.Codec
	subject string
	reply   string

	inbound chan natsInbound
	active  atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// natsInbound is one read result: an envelope, or the error decoding one.
type natsInbound struct {
	env proto.Envelope
	err error
}

func newNATSConn(nc *comms.Conn, codec proto.Codec, subject, reply string) *natsConn {
	return &natsConn{
		nc:      nc,
		codec:   codec,
		subject: subject,
		reply:   reply,
		inbound: make(chan natsInbound, inboundBuffer),
		done:    make(chan struct{}),
	}
}

func (c *natsConn) deliver(env proto.Envelope) {
	c.push(natsInbound{env: env})
}

func (c *natsConn) deliverErr(err error) {
	c.push(natsInbound{err: err})
}

func (c *natsConn) push(in natsInbound) {
	c.active.Store(true)
	select {
	case c.inbound <- in:
	case <-c.done:
	}
}

// ReadEnvelope implements Conn.
func (c *natsConn) ReadEnvelope() (proto.Envelope, error) {
	select {
	case in := <-c.inbound:
		return in.env, in.err
	case <-c.done:
		return proto.Envelope{}, io.EOF
	}
}

// WriteEnvelope implements Conn.
func (c *natsConn) WriteEnvelope(env proto.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	data, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	return c.nc.PublishMsg(&comms.Msg{Subject: c.subject, Reply: c.reply, Data: data})
}

// Close implements Conn.
func (c *natsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// NATSPeer is the requester side of the NATS transport: it publishes to the server subject and
// receives frames on a private inbox.
type NATSPeer struct {
	*natsConn
	sub   *comms.Subscription
	inbox string
}

// DialNATS opens a peer inbox for the server listening on subject.
func DialNATS(nc *comms.Conn, subject string) (*NATSPeer, error) {
	inbox := commsutil.BuildPeerInbox(subject, uuid.NewString())
	conn := newNATSConn(nc, proto.JSONCodec{}, subject, inbox)
	p := &NATSPeer{natsConn: conn, inbox: inbox}

	sub, err := nc.Subscribe(inbox, func(msg *comms.Msg) {
		if len(msg.Data) == 0 && msg.Reply != "" {
			// Liveness check from the server.
			_ = msg.Respond(nil)
			return
		}
		env, err := conn.codec.Unmarshal(msg.Data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping undecodable frame on %s: %v", natsLogPrefix, inbox, err))
			return
		}
		conn.deliver(env)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", natsLogPrefix, inbox, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%s - failed to flush subscription: %w", natsLogPrefix, err)
	}
	p.sub = sub
	return p, nil
}

// Inbox is the subject this peer receives frames on.
func (p *NATSPeer) Inbox() string {
	return p.inbox
}

// Close unsubscribes the inbox.
func (p *NATSPeer) Close() error {
	_ = p.natsConn.Close()
	if err := p.sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) && !errors.Is(err, comms.ErrBadSubscription) {
		return err
	}
	return nil
}
