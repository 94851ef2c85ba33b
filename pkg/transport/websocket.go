package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/remote-server/pkg/proto"
)

const wsLogPrefix = "transport:websocket"

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
)

// WebSocket serves one peer per WebSocket connection, exchanging JSON envelopes as text frames.
type WebSocket struct {
	ctx          context.Context
	handler      Handler
	upgrader     websocket.Upgrader
	maxFrameSize int64
}

// NewWebSocket creates an http.Handler that runs a session for every upgraded connection.
// Sessions end when ctx ends.
func NewWebSocket(ctx context.Context, h Handler, maxFrameSize int) *WebSocket {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &WebSocket{
		ctx:     ctx,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxFrameSize: int64(maxFrameSize),
	}
}

// ServeHTTP upgrades the request and blocks for the lifetime of the session.
func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - upgrade failed for %s: %v", wsLogPrefix, r.RemoteAddr, err))
		return
	}
	conn.SetReadLimit(ws.maxFrameSize)

	slog.Info(fmt.Sprintf("%s - Peer connected from %s", wsLogPrefix, r.RemoteAddr))
	if err := Serve(ws.ctx, ws.handler, NewWSConn(conn)); err != nil {
		slog.Warn(fmt.Sprintf("%s - session %s ended: %v", wsLogPrefix, r.RemoteAddr, err))
	}
	slog.Info(fmt.Sprintf("%s - Peer disconnected from %s", wsLogPrefix, r.RemoteAddr))
}

// WSConn adapts a WebSocket connection to Conn.
type WSConn struct {
	conn  *websocket.Conn
	codec proto.Codec

	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn, codec: proto.JSONCodec{}}
}

// DialWebSocket connects to a WebSocket transport at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to dial %s: %w", wsLogPrefix, url, err)
	}
	return NewWSConn(conn), nil
}

// ReadEnvelope implements Conn. A normal close from the peer reads as io.EOF.
func (c *WSConn) ReadEnvelope() (proto.Envelope, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return proto.Envelope{}, io.EOF
			}
			return proto.Envelope{}, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		env, err := c.codec.Unmarshal(data)
		if err != nil {
			return proto.Envelope{}, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode envelope", Err: err}
		}
		return env, nil
	}
}

// WriteEnvelope implements Conn.
func (c *WSConn) WriteEnvelope(env proto.Envelope) error {
	data, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection.
func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.conn.Close()
}
