// Package events defines worktree lifecycle events and the publishers that announce them.
package events

// Worktree lifecycle actions.
const (
	ActionAdded  = "added"
	ActionClosed = "closed"
)

// WorktreeEvent is emitted when a worktree is opened for a peer or closed at shutdown.
type WorktreeEvent struct {
	Action     string `json:"action"`
	WorktreeID uint64 `json:"worktreeId"`
	AbsPath    string `json:"absPath"`
	RootName   string `json:"rootName"`
	Service    string `json:"service,omitempty"`
	Timestamp  string `json:"timestamp"`
}
