package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/remote-server/pkg/proto"
)

const responseLogPrefix = "rpc:response"

// ErrAlreadyResponded is returned when a request that already received its terminal frame is
// answered again. The second frame is not transmitted.
var ErrAlreadyResponded = errors.New("rpc: request already answered")

// responseInner is bound to one request id and one outbound sender. It transmits at most one
// terminal frame; finish sends the completion marker if nothing else was sent.
type responseInner struct {
	id  uint32
	out Sender

	mu   sync.Mutex
	done bool
}

func newResponseInner(id uint32, out Sender) *responseInner {
	return &responseInner{id: id, out: out}
}

func (r *responseInner) send(payload proto.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrAlreadyResponded
	}
	r.done = true
	if err := r.out.Send(proto.Reply(r.id, payload)); err != nil {
		return fmt.Errorf("%s - failed to send reply to %d: %w", responseLogPrefix, r.id, err)
	}
	return nil
}

func (r *responseInner) sendError(err error) error {
	return r.send(proto.Error{Code: 0, Message: err.Error()})
}

// finish must run on every exit path of a request.
func (r *responseInner) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if err := r.out.Send(proto.Completion(r.id)); err != nil {
		slog.Debug(fmt.Sprintf("%s - completion for %d dropped: %v", responseLogPrefix, r.id, err))
	}
}

func (r *responseInner) answered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Response is the correlator handed to a handler. R is the only payload type the handler may
// answer with.
type Response[R proto.Payload] struct {
	inner *responseInner
}

// Send transmits payload as the terminal frame of the request.
func (r Response[R]) Send(payload R) error {
	return r.inner.send(payload)
}

// SendError transmits err as the terminal error frame of the request.
func (r Response[R]) SendError(err error) error {
	return r.inner.sendError(err)
}

// RequestID is the id of the request this correlator answers.
func (r Response[R]) RequestID() uint32 {
	return r.inner.id
}

// Answered reports whether a terminal frame has already been sent.
func (r Response[R]) Answered() bool {
	return r.inner.answered()
}

// Stream returns the peer's outbound sender for unsolicited frames, such as subscription
// updates that outlive the request.
func (r Response[R]) Stream() Sender {
	return r.inner.out
}
