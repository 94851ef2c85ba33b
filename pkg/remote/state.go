package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/morezero/remote-server/pkg/worktree"
)

const stateLogPrefix = "remote:state"

// ErrStateClosed is returned by Update once the server has shut down.
var ErrStateClosed = errors.New("remote: server state closed")

// ServerState is the mutable data shared by every request. It is only reachable through
// State.Read and State.Update.
type ServerState struct {
	worktrees      []*worktree.Worktree
	lastWorktreeID uint64
	entryIDs       *worktree.EntryIDAllocator
}

// Worktrees returns the open worktrees in the order they were added.
func (st *ServerState) Worktrees() []*worktree.Worktree {
	return st.worktrees
}

// EntryIDs is the entry id allocator shared by every worktree of the server.
func (st *ServerState) EntryIDs() *worktree.EntryIDAllocator {
	return st.entryIDs
}

// NextWorktreeID reserves a worktree id. Ids start at 1 and are never reused.
func (st *ServerState) NextWorktreeID() uint64 {
	st.lastWorktreeID++
	return st.lastWorktreeID
}

// AddWorktree appends an opened worktree.
func (st *ServerState) AddWorktree(w *worktree.Worktree) {
	st.worktrees = append(st.worktrees, w)
}

// State serializes every access to ServerState.
type State struct {
	mu     sync.Mutex
	data   ServerState
	closed bool
}

// NewState returns an empty state with a fresh entry id allocator.
func NewState() *State {
	return &State{data: ServerState{entryIDs: worktree.NewEntryIDAllocator()}}
}

// Read runs fn with shared access to the state. fn must not retain the state.
func (s *State) Read(fn func(st *ServerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

// Update runs fn with exclusive access to the state and returns its error.
func (s *State) Update(fn func(st *ServerState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return fn(&s.data)
}

// Snapshot returns the open worktrees.
func (s *State) Snapshot() []*worktree.Worktree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data.worktrees)
}

// Len reports the number of open worktrees.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.worktrees)
}

// Close closes every worktree and rejects further updates. It returns the worktrees that were
// open.
func (s *State) Close() []*worktree.Worktree {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := s.data.worktrees
	s.data.worktrees = nil
	s.mu.Unlock()

	for _, w := range open {
		if err := w.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to close worktree %d: %v", stateLogPrefix, w.ID(), err))
		}
	}
	return open
}
