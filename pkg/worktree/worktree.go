// Package worktree maintains a scanned view of a directory tree and streams its changes to
// subscribers.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/morezero/remote-server/pkg/fs"
	"github.com/morezero/remote-server/pkg/proto"
)

const logPrefix = "worktree:worktree"

// DefaultDebounce is how long filesystem events are coalesced before a rescan.
const DefaultDebounce = 50 * time.Millisecond

// ErrClosed is returned by Rescan once the worktree has been closed.
var ErrClosed = errors.New("worktree: closed")

// Options configures Local.
type Options struct {
	ID        uint64
	Root      string
	Recursive bool
	FS        fs.FileSystem
	EntryIDs  *EntryIDAllocator
	Debounce  time.Duration
}

// Worktree is a directory tree kept in sync with the host filesystem by a background scanner.
type Worktree struct {
	id        uint64
	absPath   string
	rootName  string
	recursive bool
	fs        fs.FileSystem
	ids       *EntryIDAllocator
	debounce  time.Duration

	// mu guards entries, scan state and observers. Observer callbacks run with mu held so
	// every subscriber sees updates in scan order.
	mu           sync.Mutex
	entries      map[string]proto.Entry
	scanID       uint64
	scanned      bool
	observers    map[uint64]func(proto.UpdateWorktree) bool
	nextObserver uint64

	watcher *fsnotify.Watcher
	watched map[string]struct{}

	rescan    chan chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Local opens the worktree rooted at opts.Root and starts scanning it in the background. The
// scanner outlives ctx; it stops on Close.
func Local(ctx context.Context, opts Options) (*Worktree, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewRealFS()
	}
	ids := opts.EntryIDs
	if ids == nil {
		ids = NewEntryIDAllocator()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	absPath, err := fsys.Canonicalize(ctx, opts.Root)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to resolve %s: %w", logPrefix, opts.Root, err)
	}
	md, err := fsys.Metadata(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to stat %s: %w", logPrefix, absPath, err)
	}
	if md == nil {
		return nil, fmt.Errorf("%s - %s does not exist", logPrefix, absPath)
	}

	w := &Worktree{
		id:        opts.ID,
		absPath:   absPath,
		rootName:  filepath.Base(absPath),
		recursive: opts.Recursive,
		fs:        fsys,
		ids:       ids,
		debounce:  debounce,
		entries:   map[string]proto.Entry{},
		observers: map[uint64]func(proto.UpdateWorktree) bool{},
		watched:   map[string]struct{}{},
		rescan:    make(chan chan struct{}),
		done:      make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - file watching disabled for %s: %v", logPrefix, absPath, err))
	} else {
		w.watcher = watcher
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(runCtx)

	slog.Info(fmt.Sprintf("%s - opened worktree %d at %s", logPrefix, w.id, absPath))
	return w, nil
}

// ID is the worktree id assigned by the caller.
func (w *Worktree) ID() uint64 { return w.id }

// AbsPath is the canonical root path.
func (w *Worktree) AbsPath() string { return w.absPath }

// RootName is the last element of the root path.
func (w *Worktree) RootName() string { return w.rootName }

// Entries returns the entries of the latest scan, ordered by path.
func (w *Worktree) Entries() []proto.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedEntries(w.entries)
}

// Subscription is returned by ObserveUpdates.
type Subscription struct {
	w  *Worktree
	id uint64
}

// Close stops delivery to the subscriber. It must not be called from inside the callback;
// return false from the callback instead.
func (s Subscription) Close() {
	if s.w == nil {
		return
	}
	s.w.mu.Lock()
	delete(s.w.observers, s.id)
	s.w.mu.Unlock()
}

// ObserveUpdates registers cb for every update of the worktree. The first update cb receives
// is a full snapshot: immediately if the initial scan has finished, otherwise when it does.
// Callbacks run in order on the scanner; returning false unsubscribes.
func (w *Worktree) ObserveUpdates(cb func(proto.UpdateWorktree) bool) Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.scanned && !cb(w.snapshotLocked()) {
		return Subscription{}
	}
	w.nextObserver++
	w.observers[w.nextObserver] = cb
	return Subscription{w: w, id: w.nextObserver}
}

func (w *Worktree) snapshotLocked() proto.UpdateWorktree {
	return proto.UpdateWorktree{
		WorktreeID:     w.id,
		RootName:       w.rootName,
		AbsPath:        w.absPath,
		UpdatedEntries: sortedEntries(w.entries),
		RemovedEntries: []uint64{},
		ScanID:         w.scanID,
		IsLastUpdate:   true,
	}
}

// Rescan forces a scan and returns after its updates have been delivered. The first call also
// waits for the initial scan.
func (w *Worktree) Rescan(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.rescan <- ack:
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the scanner and the file watcher. Subscribers receive nothing further.
func (w *Worktree) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.done
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		w.mu.Lock()
		clear(w.observers)
		w.mu.Unlock()
		slog.Info(fmt.Sprintf("%s - closed worktree %d", logPrefix, w.id))
	})
	return err
}

func (w *Worktree) run(ctx context.Context) {
	defer close(w.done)

	w.refresh(ctx)

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	if w.watcher != nil {
		events = w.watcher.Events
		watchErrors = w.watcher.Errors
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				debounce.Reset(w.debounce)
			}
			fire = debounce.C
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			slog.Warn(fmt.Sprintf("%s - watcher error on %s: %v", logPrefix, w.absPath, err))
		case <-fire:
			fire = nil
			w.refresh(ctx)
		case ack := <-w.rescan:
			w.refresh(ctx)
			close(ack)
		}
	}
}

// refresh rescans, applies the difference and notifies observers.
func (w *Worktree) refresh(ctx context.Context) {
	next, dirs, err := w.scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn(fmt.Sprintf("%s - scan of worktree %d failed: %v", logPrefix, w.id, err))
		}
		return
	}
	w.watch(dirs)

	w.mu.Lock()
	defer w.mu.Unlock()

	updated, removed := diffEntries(w.entries, next, w.ids)
	if w.scanned && len(updated) == 0 && len(removed) == 0 {
		return
	}
	w.entries = next
	w.scanID++
	w.scanned = true

	if removed == nil {
		removed = []uint64{}
	}
	update := proto.UpdateWorktree{
		WorktreeID:     w.id,
		RootName:       w.rootName,
		AbsPath:        w.absPath,
		UpdatedEntries: updated,
		RemovedEntries: removed,
		ScanID:         w.scanID,
		IsLastUpdate:   true,
	}
	slog.Debug(fmt.Sprintf("%s - worktree %d scan %d: %d updated, %d removed", logPrefix, w.id, w.scanID, len(updated), len(removed)))

	ids := make([]uint64, 0, len(w.observers))
	for id := range w.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if !w.observers[id](update) {
			delete(w.observers, id)
		}
	}
}

// watch keeps the watcher registered on exactly the listed directories.
func (w *Worktree) watch(dirs []string) {
	if w.watcher == nil {
		return
	}
	current := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		current[dir] = struct{}{}
		if _, ok := w.watched[dir]; ok {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to watch %s: %v", logPrefix, dir, err))
			continue
		}
		w.watched[dir] = struct{}{}
	}
	for dir := range w.watched {
		if _, ok := current[dir]; !ok {
			_ = w.watcher.Remove(dir)
			delete(w.watched, dir)
		}
	}
}
