package db

import "time"

// WorktreeRecord is one row of the worktree catalog.
type WorktreeRecord struct {
	ID         int64      `json:"id"`
	ServerID   string     `json:"serverId"`
	WorktreeID uint64     `json:"worktreeId"`
	AbsPath    string     `json:"absPath"`
	RootName   string     `json:"rootName"`
	AddedAt    time.Time  `json:"addedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
}

// Open reports whether the worktree has not been closed.
func (r *WorktreeRecord) Open() bool {
	return r.ClosedAt == nil
}
