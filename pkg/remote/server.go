// Package remote implements the request handlers of the remote server: filesystem access and
// worktree subscriptions for a single host.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/remote-server/pkg/events"
	"github.com/morezero/remote-server/pkg/fs"
	"github.com/morezero/remote-server/pkg/proto"
	"github.com/morezero/remote-server/pkg/rpc"
)

const logPrefix = "remote:server"

// Catalog records the worktrees a server opens and closes. Failures are logged and never fail
// a request.
type Catalog interface {
	RecordWorktree(ctx context.Context, id uint64, absPath, rootName string) error
	CloseWorktree(ctx context.Context, id uint64) error
}

// Options configures NewServer. Nil fields use defaults.
type Options struct {
	FS        fs.FileSystem
	Handlers  *rpc.Registry[Server]
	Publisher events.EventPublisher
	Catalog   Catalog
	// Recursive makes worktrees scan below their top level.
	Recursive bool
	// Debounce overrides worktree.DefaultDebounce.
	Debounce time.Duration
}

// Server handles requests for one host. It is a small value that is copied into every handler
// invocation; the copies share the same State.
type Server struct {
	fs        fs.FileSystem
	handlers  *rpc.Registry[Server]
	state     *State
	publisher events.EventPublisher
	catalog   Catalog
	recursive bool
	debounce  time.Duration
}

// NewServer creates a server with empty state.
func NewServer(opts Options) Server {
	s := Server{
		fs:        opts.FS,
		handlers:  opts.Handlers,
		state:     NewState(),
		publisher: opts.Publisher,
		catalog:   opts.Catalog,
		recursive: opts.Recursive,
		debounce:  opts.Debounce,
	}
	if s.fs == nil {
		s.fs = fs.NewRealFS()
	}
	if s.handlers == nil {
		s.handlers = DefaultHandlers()
	}
	if s.publisher == nil {
		s.publisher = &events.NoOpPublisher{}
	}
	return s
}

// DefaultHandlers is the process-wide handler registry, built on first use.
var DefaultHandlers = sync.OnceValue(buildHandlers)

func buildHandlers() *rpc.Registry[Server] {
	b := rpc.NewBuilder[Server]()
	rpc.Handle(b, Server.ping)
	rpc.Handle(b, Server.writeFile)
	rpc.Handle(b, Server.stat)
	rpc.Handle(b, Server.canonicalize)
	rpc.Handle(b, Server.readLink)
	rpc.Handle(b, Server.readDir)
	rpc.Handle(b, Server.readFile)
	rpc.Handle(b, Server.addWorktree)
	return b.Build()
}

// HandleMessage answers msg on out. out receives exactly one terminal frame for msg, and any
// subscription updates the request starts.
func (s Server) HandleMessage(ctx context.Context, msg rpc.Incoming, out rpc.Sender) {
	rpc.Dispatch(ctx, s.handlers, s, msg, out)
}

// HandleEnvelope answers a raw inbound envelope. Envelopes that are not requests are rejected
// without a reply.
func (s Server) HandleEnvelope(ctx context.Context, env proto.Envelope, out rpc.Sender) error {
	msg, err := rpc.NewIncoming(env)
	if err != nil {
		return err
	}
	s.HandleMessage(ctx, msg, out)
	return nil
}

// State exposes the shared server state.
func (s Server) State() *State {
	return s.state
}

// Close closes every worktree and announces it. The server rejects new worktrees afterwards.
func (s Server) Close(ctx context.Context) {
	for _, w := range s.state.Close() {
		if s.catalog != nil {
			if err := s.catalog.CloseWorktree(ctx, w.ID()); err != nil {
				slog.Warn(fmt.Sprintf("%s - failed to record close of worktree %d: %v", logPrefix, w.ID(), err))
			}
		}
		event := &events.WorktreeEvent{
			Action:     events.ActionClosed,
			WorktreeID: w.ID(),
			AbsPath:    w.AbsPath(),
			RootName:   w.RootName(),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.publisher.PublishWorktree(ctx, event); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to publish close of worktree %d: %v", logPrefix, w.ID(), err))
		}
	}
}
