// Package monitor owns the native filesystem watch on the source tree and
// feeds its notifications to a router until the session ends.
//
// The operating system only reports single-directory changes, so the monitor
// keeps one watch per source directory, extends the set as directories
// appear, and reconstructs the higher-level events the router expects:
// a rename of a watched directory immediately followed by the creation of a
// directory is a move; the contents of a directory that appeared before its
// watch was registered are replayed as synthetic create events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-mirror/pkg/exclusion"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/reconcile"
	"github.com/paulschiretz/pgl-mirror/pkg/router"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Defaults for Options.
const (
	DefaultPairWindow   = 100 * time.Millisecond
	DefaultIdleInterval = time.Second
)

// ErrRootVanished is returned when the watched source root disappears.
var ErrRootVanished = errors.New("source root vanished")

// Dispatcher consumes translated events. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev router.Event) error
	Resync(ctx context.Context) (reconcile.Result, error)
}

// Options configures a Monitor.
type Options struct {
	// Recursive watches every directory below the root instead of the root only.
	Recursive bool
	// PairWindow is how long a rename waits for its matching create.
	PairWindow time.Duration
	// IdleInterval is the period of the root liveness check.
	IdleInterval time.Duration
	// Exclusions keeps excluded directories unwatched. nil watches everything.
	Exclusions *exclusion.Set
}

// pendingRename is a rename whose destination has not been reported yet.
type pendingRename struct {
	path  string
	isDir bool
	at    time.Time
}

// Monitor watches one source root.
type Monitor struct {
	root       string
	dispatcher Dispatcher
	opts       Options
	sessionID  string

	watcher *fsnotify.Watcher
	watched map[string]struct{}
	pending *pendingRename
	// movedDirs remembers directories that were just renamed away, so the
	// directory's own watch reporting the same move is not replayed.
	movedDirs map[string]time.Time
	ready     chan struct{}
}

// New returns a Monitor for the absolute source root.
func New(root string, d Dispatcher, opts Options) *Monitor {
	if opts.PairWindow <= 0 {
		opts.PairWindow = DefaultPairWindow
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	return &Monitor{
		root:       root,
		dispatcher: d,
		opts:       opts,
		sessionID:  uuid.NewString(),
		watched:    make(map[string]struct{}),
		movedDirs:  make(map[string]time.Time),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once every watch of the initial tree is registered.
func (m *Monitor) Ready() <-chan struct{} { return m.ready }

// Run watches the source root until ctx is cancelled or handling fails.
// Cancellation is a normal stop and returns nil. Any other failure is logged
// and returned so the caller can decide whether to restart. The native watch
// is released on every path. A Monitor runs one session; call Run once.
func (m *Monitor) Run(ctx context.Context) (err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	m.watcher = watcher
	defer func() {
		if cerr := watcher.Close(); cerr != nil {
			plog.Warn("Failed to release filesystem watch", "session", m.sessionID, "error", cerr)
		}
		m.watched = make(map[string]struct{})
		m.movedDirs = make(map[string]time.Time)
		m.pending = nil
		plog.Debug("Filesystem watch released", "session", m.sessionID)
	}()

	if _, err := m.watchTree(m.root, false); err != nil {
		return err
	}
	plog.Info("Monitoring started", "source", m.root, "directories", len(m.watched), "session", m.sessionID)
	close(m.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.pump(gctx) })
	g.Go(func() error { return m.idle(gctx) })
	err = g.Wait()

	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		plog.Info("Monitoring stopped by user", "session", m.sessionID)
		return nil
	}
	if err != nil {
		plog.Error("Monitoring failed", "session", m.sessionID, "error", err)
		return err
	}
	return nil
}

// idle blocks at low frequency while events are delivered to the pump, and
// ends the session if the source root disappears underneath the watch.
func (m *Monitor) idle(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.IdleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(m.root)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("%w: %s", ErrRootVanished, m.root)
			}
		}
	}
}

// pump is the only goroutine that touches watcher state and dispatches events.
func (m *Monitor) pump(ctx context.Context) error {
	var flush <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-flush:
			flush = nil
			if m.pending == nil {
				continue
			}
			if wait := m.opts.PairWindow - time.Since(m.pending.at); wait > 0 {
				flush = time.After(wait)
				continue
			}
			if err := m.flushPendingRename(ctx); err != nil {
				return err
			}

		case ev, ok := <-m.watcher.Events:
			if !ok {
				return errors.New("filesystem watcher closed unexpectedly")
			}
			if err := m.handle(ctx, ev); err != nil {
				return err
			}
			if m.pending != nil && flush == nil {
				flush = time.After(m.opts.PairWindow)
			}

		case werr, ok := <-m.watcher.Errors:
			if !ok {
				return errors.New("filesystem watcher closed unexpectedly")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				plog.Warn("Filesystem event queue overflowed, running a full reconciliation", "session", m.sessionID)
				if _, err := m.dispatcher.Resync(ctx); err != nil {
					return fmt.Errorf("full reconciliation after event overflow failed: %w", err)
				}
				continue
			}
			return fmt.Errorf("filesystem watcher error: %w", werr)
		}
	}
}

// handle translates one native notification into router events.
func (m *Monitor) handle(ctx context.Context, ev fsnotify.Event) error {
	if ev.Name == "" {
		return nil
	}
	plog.Debug("Native event", "op", ev.Op.String(), "path", ev.Name)
	now := time.Now()

	switch {
	case ev.Has(fsnotify.Create):
		return m.handleCreate(ctx, ev.Name, now)

	case ev.Has(fsnotify.Write):
		return m.dispatch(ctx, router.Event{Kind: router.Modified, Path: ev.Name, Time: now})

	case ev.Has(fsnotify.Remove):
		_, wasDir := m.watched[ev.Name]
		m.unwatchTree(ev.Name)
		if ev.Name == m.root {
			return fmt.Errorf("%w: %s", ErrRootVanished, m.root)
		}
		return m.dispatch(ctx, router.Event{Kind: router.Deleted, Path: ev.Name, IsDir: wasDir, Time: now})

	case ev.Has(fsnotify.Rename):
		if ev.Name == m.root {
			return fmt.Errorf("%w: %s", ErrRootVanished, m.root)
		}
		for p, at := range m.movedDirs {
			if now.Sub(at) > m.opts.PairWindow {
				delete(m.movedDirs, p)
			}
		}
		if _, seen := m.movedDirs[ev.Name]; seen {
			return nil // The directory's own watch reports its move a second time.
		}
		if err := m.flushPendingRename(ctx); err != nil {
			return err
		}
		_, wasDir := m.watched[ev.Name]
		if wasDir {
			m.movedDirs[ev.Name] = now
		}
		m.unwatchTree(ev.Name)
		m.pending = &pendingRename{path: ev.Name, isDir: wasDir, at: now}
		return nil
	}
	// Chmod carries no content change.
	return nil
}

func (m *Monitor) handleCreate(ctx context.Context, path string, now time.Time) error {
	info, err := os.Lstat(path)
	if err != nil {
		plog.Debug("Created entry vanished before it could be inspected", "path", path)
		return nil
	}
	isDir := info.IsDir()

	if p := m.pending; p != nil && p.isDir == isDir && now.Sub(p.at) <= m.opts.PairWindow {
		m.pending = nil
		if isDir {
			if _, err := m.watchTree(path, false); err != nil {
				return err
			}
		}
		return m.dispatch(ctx, router.Event{Kind: router.Moved, Path: p.path, NewPath: path, IsDir: isDir, Time: now})
	}
	if err := m.flushPendingRename(ctx); err != nil {
		return err
	}

	if err := m.dispatch(ctx, router.Event{Kind: router.Created, Path: path, IsDir: isDir, Time: now}); err != nil {
		return err
	}
	if !isDir {
		return nil
	}

	// Entries created before the new watch was in place produce no events.
	synthetic, err := m.watchTree(path, true)
	if err != nil {
		return err
	}
	for _, sev := range synthetic {
		if err := m.dispatch(ctx, sev); err != nil {
			return err
		}
	}
	return nil
}

// flushPendingRename turns an unpaired rename into a delete of its old path.
func (m *Monitor) flushPendingRename(ctx context.Context) error {
	p := m.pending
	if p == nil {
		return nil
	}
	m.pending = nil
	return m.dispatch(ctx, router.Event{Kind: router.Deleted, Path: p.path, IsDir: p.isDir, Time: p.at})
}

// dispatch hands one event to the router. Skips and per-entry failures are
// absorbed here; the router has already logged them. A panic inside the
// handler is turned into a session-fatal error carrying the stack.
func (m *Monitor) dispatch(ctx context.Context, ev router.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while handling %s: %v\n%s", ev, r, debug.Stack())
		}
	}()

	err = m.dispatcher.Dispatch(ctx, ev)
	if router.IsRecoverable(err) {
		return nil
	}
	return fmt.Errorf("handling %s: %w", ev, err)
}

// watchTree registers watches for dir and, when recursive, every
// non-excluded directory below it. With collect set it also returns synthetic
// create events for everything found below dir.
func (m *Monitor) watchTree(dir string, collect bool) ([]router.Event, error) {
	var events []router.Event
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == dir && dir == m.root {
				return walkErr
			}
			plog.Warn("Could not inspect directory for watching", "path", p, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if p != m.root && m.excluded(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if p != dir && collect {
			events = append(events, router.Event{Kind: router.Created, Path: p, IsDir: d.IsDir(), Synthetic: true})
		}

		if !d.IsDir() {
			return nil
		}
		if p != m.root && !m.opts.Recursive {
			return filepath.SkipDir
		}
		if err := m.watcher.Add(p); err != nil {
			if p == m.root {
				return err
			}
			plog.Warn("Could not watch directory", "path", p, "error", err)
			return filepath.SkipDir
		}
		m.watched[p] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return events, nil
}

// unwatchTree drops the watches of dir and everything below it.
func (m *Monitor) unwatchTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for p := range m.watched {
		if p == dir || strings.HasPrefix(p, prefix) {
			// The kernel may already have dropped the watch; that is fine.
			_ = m.watcher.Remove(p)
			delete(m.watched, p)
		}
	}
}

func (m *Monitor) excluded(absPath string) bool {
	rel, err := filepath.Rel(m.root, absPath)
	if err != nil {
		return true
	}
	return m.opts.Exclusions.MatchesPath(util.NormalizedRelPathKey(rel))
}
