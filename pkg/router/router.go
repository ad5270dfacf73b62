// Package router replays source-side filesystem events onto the destination.
//
// A Router owns the only long-lived mutable state of a monitoring session:
// the last accepted (time, hash) per source path, used to drop duplicate and
// content-free modify notifications. All handling is serialized by one lock,
// so a full reconciliation never races another one or a single-path action.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/inventory"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/reconcile"
	"github.com/paulschiretz/pgl-mirror/pkg/syncmetrics"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// DefaultDebounce is the window in which repeated modify events for one path
// are dropped.
const DefaultDebounce = 500 * time.Millisecond

// Skipped events. All of them are hints: nothing failed, the destination is
// simply left as it is.
var (
	ErrExcluded       = hints.New("path is excluded")
	ErrOutsideRoot    = hints.New("path is outside the source root")
	ErrDisabled       = hints.New("mirroring of this event kind is disabled")
	ErrDirectoryEvent = hints.New("directory modify events are ignored")
	ErrDebounced      = hints.New("event debounced")
	ErrEmptyFile      = hints.New("zero-byte file ignored")
	ErrUnchanged      = hints.New("content unchanged")
	ErrVanished       = hints.New("source vanished before it could be mirrored")
	ErrTargetExists   = hints.New("destination already exists")
	ErrTargetMissing  = hints.New("destination counterpart does not exist")
)

// ActionError reports a destination mutation that failed. It is recoverable:
// the event is dropped and the trees converge on the next full pass.
type ActionError struct {
	Op   string
	Path string
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err leaves the monitoring session intact.
func IsRecoverable(err error) bool {
	var ae *ActionError
	return err == nil || hints.IsHint(err) || errors.As(err, &ae)
}

// Options configures a Router.
type Options struct {
	// EnableCreate mirrors create events.
	EnableCreate bool
	// EnableDelete mirrors delete events.
	EnableDelete bool
	// Debounce is the per-path modify window. Zero disables debouncing.
	Debounce time.Duration
	// Metrics receives event counters. nil disables collection.
	Metrics syncmetrics.Metrics
}

type pendingState struct {
	at   time.Time
	hash string
}

// Router dispatches events to destination actions.
type Router struct {
	mu      sync.Mutex
	rec     *reconcile.Reconciler
	opts    Options
	metrics syncmetrics.Metrics
	pending map[string]pendingState

	now     func() time.Time
	runPass func(ctx context.Context) (reconcile.Result, error)
}

// New returns a Router that mirrors into rec's destination. The initial
// inventory seeds the known content hash of every source file so that a
// modify event without a content change is recognized from the start.
func New(rec *reconcile.Reconciler, initial *inventory.Inventory, opts Options) *Router {
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &syncmetrics.NoopMetrics{}
	}
	r := &Router{
		rec:     rec,
		opts:    opts,
		metrics: metrics,
		pending: make(map[string]pendingState),
		now:     time.Now,
		runPass: rec.Run,
	}
	if initial != nil {
		for _, f := range initial.Records {
			r.pending[f.RelPath] = pendingState{hash: f.Hash}
		}
	}
	return r
}

// Dispatch handles one event to completion. It returns nil when the event
// was mirrored, a hint when it was skipped, an *ActionError when a
// destination mutation failed, and any other error only when the session can
// no longer continue (e.g. a root vanished during a full pass).
func (r *Router) Dispatch(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = r.now()
	}

	err := r.dispatchLocked(ctx, ev)
	switch {
	case err == nil:
		r.metrics.AddEventsHandled(1)
	case hints.IsHint(err):
		r.metrics.AddEventsSkipped(1)
		plog.Debug("Skipped event", "event", ev.String(), "reason", err)
	default:
		var ae *ActionError
		if errors.As(err, &ae) {
			r.metrics.AddFilesFailed(1)
			plog.Error("Failed to mirror event", "event", ev.String(), "error", err)
		}
	}
	return err
}

// Resync runs a full reconciliation pass under the handler lock.
func (r *Router) Resync(ctx context.Context) (reconcile.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runPass(ctx)
}

func (r *Router) dispatchLocked(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case Created:
		rel, err := r.relKey(ev.Path)
		if err != nil {
			return err
		}
		return r.handleCreate(ctx, ev, rel)
	case Modified:
		rel, err := r.relKey(ev.Path)
		if err != nil {
			return err
		}
		return r.handleModify(ctx, ev, rel)
	case Deleted:
		rel, err := r.relKey(ev.Path)
		if err != nil {
			return err
		}
		return r.handleDelete(ev, rel)
	case Moved:
		return r.handleMove(ctx, ev)
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

// relKey resolves an absolute source path to its relative key and applies
// the exclusion rules to every component of it.
func (r *Router) relKey(absPath string) (string, error) {
	rel, err := filepath.Rel(r.rec.SourceRoot(), absPath)
	if err != nil {
		return "", fmt.Errorf("%s: %w", absPath, ErrOutsideRoot)
	}
	key := util.NormalizedRelPathKey(rel)
	if key == "" || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("%s: %w", absPath, ErrOutsideRoot)
	}
	if r.rec.Exclusions().MatchesPath(key) {
		return "", fmt.Errorf("%s: %w", key, ErrExcluded)
	}
	return key, nil
}

func (r *Router) handleCreate(ctx context.Context, ev Event, rel string) error {
	if !r.opts.EnableCreate {
		return ErrDisabled
	}

	absTrgPath := util.DenormalizedAbsPath(r.rec.DestinationRoot(), rel)
	if trg, err := os.Lstat(absTrgPath); err == nil {
		return r.createConflict(ctx, ev, rel, absTrgPath, trg)
	}

	info, err := os.Stat(ev.Path)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Warn("Source vanished before it could be mirrored", "path", rel)
			return fmt.Errorf("%s: %w", rel, ErrVanished)
		}
		return &ActionError{Op: "create", Path: rel, Err: err}
	}

	if info.IsDir() {
		if err := os.MkdirAll(absTrgPath, util.UserWritableDirPerms); err != nil {
			return &ActionError{Op: "create", Path: rel, Err: err}
		}
		r.metrics.AddDirsCreated(1)
		plog.Notice("DIR", "path", rel)
		return nil
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", rel, ErrExcluded)
	}

	if _, err := r.rec.CopyFile(ev.Path, absTrgPath); err != nil {
		return &ActionError{Op: "create", Path: rel, Err: err}
	}
	r.metrics.AddFilesCopied(1)
	plog.Notice("COPY", "path", rel)

	// Remember the content without starting a debounce window, so a follow-up
	// write with new content is still mirrored immediately.
	if rec, err := inventory.Stat(r.rec.Hasher(), r.rec.SourceRoot(), ev.Path); err == nil {
		r.pending[rel] = pendingState{hash: rec.Hash}
	}
	return nil
}

// createConflict handles a create whose destination already exists. The
// create itself never overwrites. A regular file whose content differs from
// the destination has replaced the path in the source (typically a rename
// whose old name was never observed), so it is reconciled like a modify.
func (r *Router) createConflict(ctx context.Context, ev Event, rel, absTrgPath string, trg os.FileInfo) error {
	src, err := os.Stat(ev.Path)
	if err != nil || !src.Mode().IsRegular() || !trg.Mode().IsRegular() || src.Size() == 0 {
		plog.Warn("Destination already exists, not overwriting on create", "path", rel)
		return fmt.Errorf("%s: %w", rel, ErrTargetExists)
	}

	srcHash, err := r.rec.Hasher().Sum(ev.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", rel, ErrVanished)
		}
		return &ActionError{Op: "create", Path: rel, Err: err}
	}
	if trgHash, err := r.rec.Hasher().Sum(absTrgPath); err == nil && trgHash == srcHash {
		r.pending[rel] = pendingState{hash: srcHash}
		plog.Warn("Destination already exists, not overwriting on create", "path", rel)
		return fmt.Errorf("%s: %w", rel, ErrTargetExists)
	}

	r.pending[rel] = pendingState{at: ev.Time, hash: srcHash}
	plog.Info("Created file replaces different destination content, reconciling", "path", rel)
	if _, err := r.runPass(ctx); err != nil {
		return fmt.Errorf("reconciliation after replacement of %s failed: %w", rel, err)
	}
	return nil
}

func (r *Router) handleModify(ctx context.Context, ev Event, rel string) error {
	if ev.IsDir {
		return ErrDirectoryEvent
	}

	prev, known := r.pending[rel]
	if known && !prev.at.IsZero() && ev.Time.Sub(prev.at) < r.opts.Debounce {
		return fmt.Errorf("%s: %w", rel, ErrDebounced)
	}

	info, err := os.Stat(ev.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", rel, ErrVanished)
		}
		return &ActionError{Op: "modify", Path: rel, Err: err}
	}
	if info.IsDir() {
		return ErrDirectoryEvent
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s: %w", rel, ErrEmptyFile)
	}

	hash, err := r.rec.Hasher().Sum(ev.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", rel, ErrVanished)
		}
		return &ActionError{Op: "modify", Path: rel, Err: err}
	}
	if known && prev.hash == hash {
		return fmt.Errorf("%s: %w", rel, ErrUnchanged)
	}

	r.pending[rel] = pendingState{at: ev.Time, hash: hash}
	plog.Info("Content changed, reconciling", "path", rel)

	if _, err := r.runPass(ctx); err != nil {
		return fmt.Errorf("reconciliation after change of %s failed: %w", rel, err)
	}
	return nil
}

func (r *Router) handleDelete(ev Event, rel string) error {
	if !r.opts.EnableDelete {
		return ErrDisabled
	}

	absTrgPath := util.DenormalizedAbsPath(r.rec.DestinationRoot(), rel)
	info, err := os.Lstat(absTrgPath)
	if err != nil {
		if os.IsNotExist(err) {
			r.forget(rel)
			return fmt.Errorf("%s: %w", rel, ErrTargetMissing)
		}
		return &ActionError{Op: "delete", Path: rel, Err: err}
	}

	if info.IsDir() {
		if err := os.RemoveAll(absTrgPath); err != nil {
			return &ActionError{Op: "delete", Path: rel, Err: err}
		}
		r.metrics.AddDirsDeleted(1)
	} else {
		if err := os.Remove(absTrgPath); err != nil {
			return &ActionError{Op: "delete", Path: rel, Err: err}
		}
		r.metrics.AddFilesDeleted(1)
	}
	r.forget(rel)
	plog.Notice("DEL", "path", rel)
	return nil
}

// handleMove mirrors a rename. A renamed file overwrites whatever the
// destination holds at the new path. Directories are relocated on the
// destination; synthetic directory moves are replayed as a delete plus a
// create.
func (r *Router) handleMove(ctx context.Context, ev Event) error {
	oldRel, oldErr := r.relKey(ev.Path)
	newRel, newErr := r.relKey(ev.NewPath)

	switch {
	case oldErr != nil && newErr != nil:
		return oldErr
	case newErr != nil:
		// Moved out to an excluded or foreign location.
		return r.handleDelete(Event{Kind: Deleted, Path: ev.Path, IsDir: ev.IsDir, Time: ev.Time}, oldRel)
	case !ev.IsDir:
		if err := r.moveFile(ev.NewPath, newRel); err != nil {
			return err
		}
		if oldErr != nil {
			// Moved in from an excluded or foreign location, e.g. an
			// editor's temp file saved over the real one.
			return nil
		}
		if util.IsHostCaseInsensitiveFS() && strings.EqualFold(oldRel, newRel) {
			// Case-only rename: the old destination path is the file just written.
			r.forget(oldRel)
			return nil
		}
		if delErr := r.handleDelete(Event{Kind: Deleted, Path: ev.Path, Time: ev.Time}, oldRel); delErr != nil && !hints.IsHint(delErr) {
			return delErr
		}
		return nil
	case oldErr != nil:
		return r.handleCreate(ctx, Event{Kind: Created, Path: ev.NewPath, IsDir: true, Time: ev.Time}, newRel)
	case ev.Synthetic:
		delErr := r.handleDelete(Event{Kind: Deleted, Path: ev.Path, IsDir: true, Time: ev.Time}, oldRel)
		if delErr != nil && !hints.IsHint(delErr) {
			return delErr
		}
		return r.handleCreate(ctx, Event{Kind: Created, Path: ev.NewPath, IsDir: true, Time: ev.Time}, newRel)
	}

	dstRoot := r.rec.DestinationRoot()
	absOld := util.DenormalizedAbsPath(dstRoot, oldRel)
	absNew := util.DenormalizedAbsPath(dstRoot, newRel)

	if _, err := os.Lstat(absNew); err == nil {
		if err := os.RemoveAll(absNew); err != nil {
			return &ActionError{Op: "move", Path: newRel, Err: err}
		}
	}
	if err := os.MkdirAll(filepath.Dir(absNew), util.UserWritableDirPerms); err != nil {
		return &ActionError{Op: "move", Path: newRel, Err: err}
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return &ActionError{Op: "move", Path: oldRel, Err: err}
	}

	r.rekey(oldRel, newRel)
	r.metrics.AddDirsMoved(1)
	plog.Notice("MOVE", "from", oldRel, "to", newRel)
	return nil
}

// moveFile copies the renamed source file over the destination at newRel.
// A vanished source or a directory at the new path is skipped.
func (r *Router) moveFile(absSrcPath, newRel string) error {
	info, err := os.Stat(absSrcPath)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Warn("Source vanished before it could be mirrored", "path", newRel)
			return fmt.Errorf("%s: %w", newRel, ErrVanished)
		}
		return &ActionError{Op: "move", Path: newRel, Err: err}
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", newRel, ErrExcluded)
	}

	absTrgPath := util.DenormalizedAbsPath(r.rec.DestinationRoot(), newRel)
	if trg, err := os.Lstat(absTrgPath); err == nil && trg.IsDir() {
		if err := os.RemoveAll(absTrgPath); err != nil {
			return &ActionError{Op: "move", Path: newRel, Err: err}
		}
	}
	if _, err := r.rec.CopyFile(absSrcPath, absTrgPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", newRel, ErrVanished)
		}
		return &ActionError{Op: "move", Path: newRel, Err: err}
	}
	r.metrics.AddFilesCopied(1)
	plog.Notice("COPY", "path", newRel)

	if rec, err := inventory.Stat(r.rec.Hasher(), r.rec.SourceRoot(), absSrcPath); err == nil {
		r.pending[newRel] = pendingState{hash: rec.Hash}
	}
	return nil
}

// forget drops the pending state of rel and everything below it.
func (r *Router) forget(rel string) {
	delete(r.pending, rel)
	prefix := rel + "/"
	for k := range r.pending {
		if strings.HasPrefix(k, prefix) {
			delete(r.pending, k)
		}
	}
}

// rekey moves the pending state below oldRel to newRel.
func (r *Router) rekey(oldRel, newRel string) {
	prefix := oldRel + "/"
	moved := make(map[string]pendingState)
	for k, v := range r.pending {
		if strings.HasPrefix(k, prefix) {
			moved[newRel+"/"+strings.TrimPrefix(k, prefix)] = v
			delete(r.pending, k)
		}
	}
	for k, v := range moved {
		r.pending[k] = v
	}
}
