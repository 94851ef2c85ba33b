package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/remote-server/pkg/events"
	"github.com/morezero/remote-server/pkg/proto"
	"github.com/morezero/remote-server/pkg/rpc"
	"github.com/morezero/remote-server/pkg/worktree"
)

const handlersLogPrefix = "remote:handlers"

func (s Server) ping(_ context.Context, _ proto.Ping, resp rpc.Response[proto.Ack]) error {
	return resp.Send(proto.Ack{})
}

// writeFile answers with the completion marker only.
func (s Server) writeFile(ctx context.Context, req proto.WriteFile, _ rpc.Response[proto.Ack]) error {
	return s.fs.Save(ctx, req.Path, req.Content, req.LineEnding)
}

// stat sends nothing for a missing path, so the request ends with the completion marker.
func (s Server) stat(ctx context.Context, req proto.Stat, resp rpc.Response[proto.StatResponse]) error {
	md, err := s.fs.Metadata(ctx, req.Path)
	if err != nil {
		return err
	}
	if md == nil {
		return nil
	}
	return resp.Send(proto.StatResponse{
		IsDir:     md.IsDir,
		IsSymlink: md.IsSymlink,
		Mtime:     md.MtimeMillis(),
		Inode:     md.Inode,
	})
}

func (s Server) canonicalize(ctx context.Context, req proto.Canonicalize, resp rpc.Response[proto.PathResponse]) error {
	path, err := s.fs.Canonicalize(ctx, req.Path)
	if err != nil {
		return err
	}
	return resp.Send(proto.PathResponse{Path: path})
}

func (s Server) readLink(ctx context.Context, req proto.ReadLink, resp rpc.Response[proto.PathResponse]) error {
	path, err := s.fs.ReadLink(ctx, req.Path)
	if err != nil {
		return err
	}
	return resp.Send(proto.PathResponse{Path: path})
}

// readDir fails as a whole if any entry fails.
func (s Server) readDir(ctx context.Context, req proto.ReadDir, resp rpc.Response[proto.ReadDirResponse]) error {
	entries, err := s.fs.ReadDir(ctx, req.Path)
	if err != nil {
		return err
	}
	paths := []string{}
	for path, err := range entries {
		if err != nil {
			return err
		}
		paths = append(paths, path)
	}
	return resp.Send(proto.ReadDirResponse{Paths: paths})
}

func (s Server) readFile(ctx context.Context, req proto.ReadFile, resp rpc.Response[proto.ReadFileResponse]) error {
	content, err := s.fs.Load(ctx, req.Path)
	if err != nil {
		return err
	}
	return resp.Send(proto.ReadFileResponse{Content: content})
}

// addWorktree opens a worktree and bridges its updates to the requesting peer. The response
// is sent and the subscription registered in the same state update, so the peer always sees
// the worktree id before the first UpdateWorktree for it.
func (s Server) addWorktree(ctx context.Context, req proto.AddWorktree, resp rpc.Response[proto.AddWorktreeResponse]) error {
	var id uint64
	var entryIDs *worktree.EntryIDAllocator
	if err := s.state.Update(func(st *ServerState) error {
		id = st.NextWorktreeID()
		entryIDs = st.EntryIDs()
		return nil
	}); err != nil {
		return err
	}

	wt, err := worktree.Local(ctx, worktree.Options{
		ID:        id,
		Root:      req.Path,
		Recursive: s.recursive,
		FS:        s.fs,
		EntryIDs:  entryIDs,
		Debounce:  s.debounce,
	})
	if err != nil {
		return err
	}

	stream := resp.Stream()
	err = s.state.Update(func(st *ServerState) error {
		if err := resp.Send(proto.AddWorktreeResponse{WorktreeID: id}); err != nil {
			return err
		}
		st.AddWorktree(wt)
		wt.ObserveUpdates(func(update proto.UpdateWorktree) bool {
			// A failed send means the peer is gone.
			return stream.Send(proto.Push(update)) == nil
		})
		return nil
	})
	if err != nil {
		_ = wt.Close()
		return err
	}

	s.announce(ctx, wt)
	return nil
}

func (s Server) announce(ctx context.Context, wt *worktree.Worktree) {
	if s.catalog != nil {
		if err := s.catalog.RecordWorktree(ctx, wt.ID(), wt.AbsPath(), wt.RootName()); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to record worktree %d: %v", handlersLogPrefix, wt.ID(), err))
		}
	}
	event := &events.WorktreeEvent{
		Action:     events.ActionAdded,
		WorktreeID: wt.ID(),
		AbsPath:    wt.AbsPath(),
		RootName:   wt.RootName(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.publisher.PublishWorktree(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish worktree %d: %v", handlersLogPrefix, wt.ID(), err))
	}
}
