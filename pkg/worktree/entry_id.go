package worktree

import "sync/atomic"

// EntryIDAllocator hands out entry ids that are unique across every worktree sharing it.
type EntryIDAllocator struct {
	last atomic.Uint64
}

// NewEntryIDAllocator returns an allocator whose first id is 1.
func NewEntryIDAllocator() *EntryIDAllocator {
	return &EntryIDAllocator{}
}

// Next returns a fresh id.
func (a *EntryIDAllocator) Next() uint64 {
	return a.last.Add(1)
}
