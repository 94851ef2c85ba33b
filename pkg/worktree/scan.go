package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/morezero/remote-server/pkg/proto"
)

const scanLogPrefix = "worktree:scan"

// scan walks the worktree and returns its entries keyed by relative path, plus the absolute
// paths of the directories that were listed. Entry ids are left unset.
func (w *Worktree) scan(ctx context.Context) (map[string]proto.Entry, []string, error) {
	root, err := w.fs.Metadata(ctx, w.absPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%s - failed to stat root %s: %w", scanLogPrefix, w.absPath, err)
	}
	if root == nil {
		return nil, nil, fmt.Errorf("%s - root %s no longer exists", scanLogPrefix, w.absPath)
	}

	entries := map[string]proto.Entry{"": {
		Path:      "",
		IsDir:     root.IsDir,
		IsSymlink: root.IsSymlink,
		Mtime:     root.MtimeMillis(),
		Inode:     root.Inode,
		Size:      uint64(max(root.Size, 0)),
	}}
	if !root.IsDir {
		return entries, nil, nil
	}

	var dirs []string
	queue := []string{w.absPath}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		dir := queue[0]
		queue = queue[1:]

		children, err := w.fs.ReadDir(ctx, dir)
		if err != nil {
			if dir == w.absPath {
				return nil, nil, fmt.Errorf("%s - failed to list root %s: %w", scanLogPrefix, dir, err)
			}
			slog.Warn(fmt.Sprintf("%s - skipping %s: %v", scanLogPrefix, dir, err))
			continue
		}
		dirs = append(dirs, dir)

		for child, err := range children {
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - listing %s stopped early: %v", scanLogPrefix, dir, err))
				break
			}
			md, err := w.fs.Metadata(ctx, child)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - skipping %s: %v", scanLogPrefix, child, err))
				continue
			}
			if md == nil {
				// Removed between listing and stat.
				continue
			}
			rel, err := filepath.Rel(w.absPath, child)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			entries[rel] = proto.Entry{
				Path:      rel,
				IsDir:     md.IsDir,
				IsSymlink: md.IsSymlink,
				Mtime:     md.MtimeMillis(),
				Inode:     md.Inode,
				Size:      uint64(max(md.Size, 0)),
			}
			// Symlinked directories are recorded but not followed.
			if w.recursive && md.IsDir && !md.IsSymlink {
				queue = append(queue, child)
			}
		}
	}
	return entries, dirs, nil
}

// diffEntries assigns ids to next, keeping the id of every path that was already known as the
// same kind of entry, and reports what changed relative to prev. Updated entries are ordered by
// path and removed ids ascending.
func diffEntries(prev, next map[string]proto.Entry, ids *EntryIDAllocator) ([]proto.Entry, []uint64) {
	var updated []proto.Entry
	var removed []uint64

	for path, entry := range next {
		old, known := prev[path]
		if known && old.IsDir == entry.IsDir {
			entry.ID = old.ID
			next[path] = entry
			if old != entry {
				updated = append(updated, entry)
			}
			continue
		}
		if known {
			removed = append(removed, old.ID)
		}
		entry.ID = ids.Next()
		next[path] = entry
		updated = append(updated, entry)
	}
	for path, old := range prev {
		if _, ok := next[path]; !ok {
			removed = append(removed, old.ID)
		}
	}

	slices.SortFunc(updated, func(a, b proto.Entry) int { return strings.Compare(a.Path, b.Path) })
	slices.Sort(removed)
	return updated, removed
}

func sortedEntries(entries map[string]proto.Entry) []proto.Entry {
	out := make([]proto.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b proto.Entry) int { return strings.Compare(a.Path, b.Path) })
	return out
}
