package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

const logPrefix = "rpc:dispatch"

// ErrUnhandled is answered for requests whose kind has no registered handler.
var ErrUnhandled = errors.New("unhandled request type")

// Dispatch runs the handler registered for msg and guarantees exactly one terminal frame for
// msg.ID reaches out: the handler's reply, an error frame if the handler fails or panics, an
// error frame for an unhandled kind, or else the empty completion marker.
func Dispatch[S any](ctx context.Context, reg *Registry[S], s S, msg Incoming, out Sender) {
	resp := newResponseInner(msg.ID, out)
	defer resp.finish()

	handler, ok := reg.lookup(msg.Kind())
	if !ok {
		slog.Debug(fmt.Sprintf("%s - unhandled %s id=%d", logPrefix, msg.KindName(), msg.ID))
		if err := resp.sendError(ErrUnhandled); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to answer unhandled %s: %v", logPrefix, msg.KindName(), err))
		}
		return
	}

	name := msg.KindName()
	slog.Debug(fmt.Sprintf("%s - received %s id=%d", logPrefix, name, msg.ID))
	err := invoke(ctx, handler, s, msg, resp)
	slog.Debug(fmt.Sprintf("%s - responded %s id=%d", logPrefix, name, msg.ID))
	if err == nil {
		return
	}

	if sendErr := resp.sendError(err); sendErr != nil {
		if errors.Is(sendErr, ErrAlreadyResponded) {
			slog.Warn(fmt.Sprintf("%s - %s id=%d failed after responding: %v", logPrefix, name, msg.ID, err))
			return
		}
		slog.Warn(fmt.Sprintf("%s - failed to send error for %s id=%d: %v", logPrefix, name, msg.ID, sendErr))
	}
}

func invoke[S any](ctx context.Context, handler erasedHandler[S], s S, msg Incoming, resp *responseInner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler for %s panicked: %v", logPrefix, msg.KindName(), r))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, s, msg, resp)
}
