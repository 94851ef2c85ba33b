package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/morezero/remote-server/pkg/proto"
	"github.com/morezero/remote-server/pkg/rpc"
)

const logPrefix = "transport:session"

// Serve runs one peer session: every inbound request is handed to h on its own goroutine, and
// everything the handlers send is written back through a single outbox in submission order.
// Serve returns when the peer closes the connection, reading fails, or ctx ends. It waits for
// in-flight handlers before returning; subscriptions still sending afterwards are rejected by the
// closed outbox.
func Serve(ctx context.Context, h Handler, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	out := rpc.NewOutbox()
	writeDone := make(chan error, 1)
	go func() {
		err := out.Drain(ctx, conn.WriteEnvelope)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn(fmt.Sprintf("%s - write failed, closing session: %v", logPrefix, err))
			cancel()
		}
		writeDone <- err
	}()

	var wg sync.WaitGroup
	readErr := readLoop(ctx, h, conn, out, &wg)

	wg.Wait()
	out.Close()
	writeErr := <-writeDone
	_ = conn.Close()

	if readErr != nil {
		return readErr
	}
	if writeErr != nil && !errors.Is(writeErr, context.Canceled) {
		return fmt.Errorf("%s - write failed: %w", logPrefix, writeErr)
	}
	return nil
}

func readLoop(ctx context.Context, h Handler, conn Conn, out *rpc.Outbox, wg *sync.WaitGroup) error {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			var frameErr *FrameError
			if errors.As(err, &frameErr) && !frameErr.IsFatal() {
				rejectUndecodable(err, out)
				continue
			}
			return fmt.Errorf("%s - read failed: %w", logPrefix, err)
		}

		if env.IsReply() || env.Payload == nil {
			slog.Debug(fmt.Sprintf("%s - ignoring non-request envelope %d", logPrefix, env.ID))
			continue
		}

		wg.Add(1)
		go func(env proto.Envelope) {
			defer wg.Done()
			if err := h.HandleEnvelope(ctx, env, out); err != nil {
				slog.Warn(fmt.Sprintf("%s - rejected envelope %d: %v", logPrefix, env.ID, err))
			}
		}(env)
	}
}

// rejectUndecodable answers a request whose payload could not be decoded with an error frame,
// so the peer is not left waiting. Other undecodable frames are skipped.
func rejectUndecodable(err error, out rpc.Sender) {
	var payloadErr *proto.PayloadError
	if !errors.As(err, &payloadErr) || !payloadErr.IsRequest() {
		slog.Warn(fmt.Sprintf("%s - skipping frame: %v", logPrefix, err))
		return
	}
	slog.Warn(fmt.Sprintf("%s - rejecting request %d: %v", logPrefix, payloadErr.ID, payloadErr.Err))
	reply := proto.Reply(payloadErr.ID, proto.Error{Message: payloadErr.Error()})
	if sendErr := out.Send(reply); sendErr != nil {
		slog.Warn(fmt.Sprintf("%s - failed to reject request %d: %v", logPrefix, payloadErr.ID, sendErr))
	}
}
