package worktree

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/remote-server/pkg/proto"
)

// collector records every update it observes.
type collector struct {
	mu      sync.Mutex
	updates []proto.UpdateWorktree
}

func (c *collector) observe(u proto.UpdateWorktree) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	return true
}

func (c *collector) all() []proto.UpdateWorktree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]proto.UpdateWorktree(nil), c.updates...)
}

func openTree(t *testing.T, root string, recursive bool) *Worktree {
	t.Helper()
	w, err := Local(context.Background(), Options{ID: 1, Root: root, Recursive: recursive})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func rescan(t *testing.T, w *Worktree) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Rescan(ctx))
}

func paths(entries []proto.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocal_MissingRoot(t *testing.T) {
	_, err := Local(context.Background(), Options{Root: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestLocal_CanonicalRoot(t *testing.T) {
	dir := t.TempDir()
	w := openTree(t, dir, true)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, w.AbsPath())
	assert.Equal(t, filepath.Base(want), w.RootName())
	assert.Equal(t, uint64(1), w.ID())
}

func TestObserveUpdates_FirstUpdateIsSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "b")

	w := openTree(t, dir, true)
	c := &collector{}
	w.ObserveUpdates(c.observe)
	rescan(t, w)

	updates := c.all()
	require.NotEmpty(t, updates)
	first := updates[0]
	assert.Equal(t, uint64(1), first.WorktreeID)
	assert.Equal(t, []string{"", "a.txt", "sub", "sub/b.txt"}, paths(first.UpdatedEntries))
	assert.Empty(t, first.RemovedEntries)
	assert.True(t, first.IsLastUpdate)
	assert.True(t, first.UpdatedEntries[0].IsDir)

	// A late subscriber gets the same snapshot synchronously.
	late := &collector{}
	w.ObserveUpdates(late.observe)
	lateUpdates := late.all()
	require.Len(t, lateUpdates, 1)
	assert.Equal(t, paths(w.Entries()), paths(lateUpdates[0].UpdatedEntries))
}

func TestLocal_NonRecursiveListsTopLevelOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "b")

	w := openTree(t, dir, false)
	rescan(t, w)
	assert.Equal(t, []string{"", "a.txt", "sub"}, paths(w.Entries()))
}

func TestRescan_ReportsChangesAndKeepsIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keep.txt"), "k")
	writeFile(t, filepath.Join(dir, "gone.txt"), "g")

	// Keep the watcher quiet so both changes land in one explicit rescan.
	w, err := Local(context.Background(), Options{ID: 1, Root: dir, Recursive: true, Debounce: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	c := &collector{}
	w.ObserveUpdates(c.observe)
	rescan(t, w)

	ids := map[string]uint64{}
	for _, e := range w.Entries() {
		ids[e.Path] = e.ID
	}

	require.NoError(t, os.Remove(filepath.Join(dir, "gone.txt")))
	writeFile(t, filepath.Join(dir, "new.txt"), "n")
	rescan(t, w)

	after := map[string]uint64{}
	for _, e := range w.Entries() {
		after[e.Path] = e.ID
	}
	assert.Equal(t, ids["keep.txt"], after["keep.txt"])
	assert.NotContains(t, after, "gone.txt")
	assert.NotZero(t, after["new.txt"])
	assert.NotEqual(t, ids["keep.txt"], after["new.txt"])

	updates := c.all()
	last := updates[len(updates)-1]
	assert.Contains(t, paths(last.UpdatedEntries), "new.txt")
	assert.NotContains(t, paths(last.UpdatedEntries), "keep.txt")
	assert.Equal(t, []uint64{ids["gone.txt"]}, last.RemovedEntries)

	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i].ScanID, updates[i-1].ScanID)
	}
}

func TestRescan_NoChangeSendsNothing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	w := openTree(t, dir, true)
	rescan(t, w)
	c := &collector{}
	w.ObserveUpdates(c.observe)
	require.Len(t, c.all(), 1)

	rescan(t, w)
	assert.Len(t, c.all(), 1)
}

func TestObserveUpdates_FalseUnsubscribes(t *testing.T) {
	dir := t.TempDir()
	w := openTree(t, dir, true)
	rescan(t, w)

	calls := 0
	w.ObserveUpdates(func(proto.UpdateWorktree) bool {
		calls++
		return false
	})
	writeFile(t, filepath.Join(dir, "x"), "x")
	rescan(t, w)
	assert.Equal(t, 1, calls)
}

func TestSubscription_Close(t *testing.T) {
	dir := t.TempDir()
	w := openTree(t, dir, true)
	rescan(t, w)

	c := &collector{}
	sub := w.ObserveUpdates(c.observe)
	sub.Close()
	writeFile(t, filepath.Join(dir, "x"), "x")
	rescan(t, w)
	assert.Len(t, c.all(), 1)
}

func TestWatcher_DetectsChanges(t *testing.T) {
	dir := t.TempDir()
	w := openTree(t, dir, true)
	rescan(t, w)

	c := &collector{}
	w.ObserveUpdates(c.observe)
	writeFile(t, filepath.Join(dir, "watched.txt"), "w")

	assert.Eventually(t, func() bool {
		for _, u := range c.all() {
			for _, e := range u.UpdatedEntries {
				if e.Path == "watched.txt" {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEntryIDs_SharedAcrossWorktrees(t *testing.T) {
	ids := NewEntryIDAllocator()
	a := t.TempDir()
	b := t.TempDir()
	writeFile(t, filepath.Join(a, "x"), "x")
	writeFile(t, filepath.Join(b, "y"), "y")

	wa, err := Local(context.Background(), Options{ID: 1, Root: a, EntryIDs: ids})
	require.NoError(t, err)
	defer wa.Close()
	wb, err := Local(context.Background(), Options{ID: 2, Root: b, EntryIDs: ids})
	require.NoError(t, err)
	defer wb.Close()
	rescan(t, wa)
	rescan(t, wb)

	seen := map[uint64]bool{}
	for _, e := range append(wa.Entries(), wb.Entries()...) {
		assert.False(t, seen[e.ID], "duplicate id %d", e.ID)
		seen[e.ID] = true
	}
	assert.Len(t, seen, 4)
}

func TestClose(t *testing.T) {
	w, err := Local(context.Background(), Options{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Rescan(context.Background()), ErrClosed)
}

func TestDiffEntries(t *testing.T) {
	ids := NewEntryIDAllocator()
	prev := map[string]proto.Entry{
		"":     {ID: 1, IsDir: true},
		"a":    {ID: 2, Path: "a", Size: 1},
		"b":    {ID: 3, Path: "b", Size: 1},
		"kind": {ID: 4, Path: "kind"},
	}
	ids.last.Store(4)
	next := map[string]proto.Entry{
		"":     {IsDir: true},
		"a":    {Path: "a", Size: 2},
		"kind": {Path: "kind", IsDir: true},
		"c":    {Path: "c"},
	}

	updated, removed := diffEntries(prev, next, ids)
	assert.Equal(t, []string{"a", "c", "kind"}, paths(updated))
	assert.Equal(t, uint64(2), next["a"].ID)
	assert.Equal(t, uint64(1), next[""].ID)
	assert.Greater(t, next["kind"].ID, uint64(4))
	assert.Equal(t, []uint64{3, 4}, removed)
}
