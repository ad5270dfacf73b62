// Package reconcile makes a destination tree content-equal to a source tree.
//
// A pass is split in two steps: BuildPlan decides from two inventories what
// must be copied, renamed or created, and Execute applies that plan. Per-file
// failures are logged and counted, never returned; only an unusable root or a
// cancelled context ends a pass with an error.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/exclusion"
	"github.com/paulschiretz/pgl-mirror/pkg/filehash"
	"github.com/paulschiretz/pgl-mirror/pkg/inventory"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/syncmetrics"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Options configures a Reconciler.
type Options struct {
	// Recursive includes subdirectories in every scan.
	Recursive bool
	// SyncEmptyDirs creates empty source directories at the destination.
	SyncEmptyDirs bool
	// RetryCount is the number of extra attempts for a failing copy.
	RetryCount int
	// RetryWait is the pause between copy attempts.
	RetryWait time.Duration
	// Exclusions filters both trees. nil excludes nothing.
	Exclusions *exclusion.Set
	// Hasher fingerprints files. nil uses filehash.New().
	Hasher *filehash.Hasher
	// Metrics receives counters. nil disables collection.
	Metrics syncmetrics.Metrics
}

// Result holds the counts of one pass.
type Result struct {
	Matched     int
	Copied      int
	Renamed     int
	DirsCreated int
	Failed      int
}

// Changed reports whether the pass mutated the destination.
func (r Result) Changed() bool {
	return r.Copied+r.Renamed+r.DirsCreated > 0
}

// Reconciler converges one destination root to one source root.
type Reconciler struct {
	srcRoot string
	dstRoot string
	opts    Options
	buffers *pool.FixedBufferPool
	metrics syncmetrics.Metrics
}

// New returns a Reconciler for the given absolute roots.
func New(srcRoot, dstRoot string, opts Options) *Reconciler {
	if opts.Hasher == nil {
		opts.Hasher = filehash.New()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &syncmetrics.NoopMetrics{}
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	return &Reconciler{
		srcRoot: srcRoot,
		dstRoot: dstRoot,
		opts:    opts,
		buffers: pool.NewFixedBuffer(pool.BlockSize),
		metrics: metrics,
	}
}

// SourceRoot returns the source root.
func (r *Reconciler) SourceRoot() string { return r.srcRoot }

// DestinationRoot returns the destination root.
func (r *Reconciler) DestinationRoot() string { return r.dstRoot }

// Hasher returns the hasher shared by every scan of this Reconciler.
func (r *Reconciler) Hasher() *filehash.Hasher { return r.opts.Hasher }

// Exclusions returns the exclusion set applied to both trees.
func (r *Reconciler) Exclusions() *exclusion.Set { return r.opts.Exclusions }

// Scan builds fresh inventories of both roots. Either root failing to scan is fatal.
func (r *Reconciler) Scan(ctx context.Context) (src, dst *inventory.Inventory, err error) {
	src, err = inventory.Scan(ctx, r.srcRoot, inventory.Options{
		Recursive:      r.opts.Recursive,
		TrackEmptyDirs: r.opts.SyncEmptyDirs,
		Exclusions:     r.opts.Exclusions,
		Hasher:         r.opts.Hasher,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan source: %w", err)
	}
	dst, err = inventory.Scan(ctx, r.dstRoot, inventory.Options{
		Recursive:  r.opts.Recursive,
		Exclusions: r.opts.Exclusions,
		Hasher:     r.opts.Hasher,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan destination: %w", err)
	}
	plog.Info("Scanned trees", "source_files", len(src.Records), "destination_files", len(dst.Records))
	return src, dst, nil
}

// Run scans both roots and reconciles them.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	src, dst, err := r.Scan(ctx)
	if err != nil {
		return Result{}, err
	}
	return r.Reconcile(ctx, src, dst)
}

// Reconcile plans and executes one pass between two inventories.
func (r *Reconciler) Reconcile(ctx context.Context, src, dst *inventory.Inventory) (Result, error) {
	plan := BuildPlan(src, dst, r.opts.SyncEmptyDirs)
	if !plan.Empty() {
		plog.Info("Files needing sync", "count", len(plan.Actions))
	}
	return r.Execute(ctx, plan)
}

// Execute applies a plan in order. Cancellation is observed between actions;
// an action in progress always runs to completion or failure.
func (r *Reconciler) Execute(ctx context.Context, plan *Plan) (Result, error) {
	res := Result{Matched: plan.Matched}
	r.metrics.AddFilesMatched(int64(plan.Matched))

	for _, a := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch a.Kind {
		case ActionCopy:
			if err := r.applyCopy(a); err != nil {
				plog.Error("Failed to copy file", "path", a.RelPath, "error", err)
				res.Failed++
				r.metrics.AddFilesFailed(1)
				continue
			}
			res.Copied++
			r.metrics.AddFilesCopied(1)
		case ActionRename:
			if err := r.applyRename(a); err != nil {
				plog.Error("Failed to rename file", "from", a.OldRelPath, "to", a.RelPath, "error", err)
				res.Failed++
				r.metrics.AddFilesFailed(1)
				continue
			}
			res.Renamed++
			r.metrics.AddFilesRenamed(1)
		case ActionMkdir:
			if err := r.applyMkdir(a); err != nil {
				plog.Error("Failed to create directory", "path", a.RelPath, "error", err)
				res.Failed++
				continue
			}
			res.DirsCreated++
			r.metrics.AddDirsCreated(1)
		}
	}

	plog.Info("Reconciliation finished",
		"matched", res.Matched,
		"copied", res.Copied,
		"renamed", res.Renamed,
		"dirs_created", res.DirsCreated,
		"failed", res.Failed)
	return res, nil
}

func (r *Reconciler) applyCopy(a Action) error {
	absTrgPath := util.DenormalizedAbsPath(r.dstRoot, a.RelPath)
	if _, err := r.CopyFile(a.Source.Path, absTrgPath); err != nil {
		return err
	}
	plog.Notice("COPY", "path", a.RelPath)
	return nil
}

// applyRename writes the source file under its new name before removing the
// old destination file, so the content is never absent from the destination.
func (r *Reconciler) applyRename(a Action) error {
	absOldPath := util.DenormalizedAbsPath(r.dstRoot, a.OldRelPath)
	absTrgPath := util.DenormalizedAbsPath(r.dstRoot, a.RelPath)
	if _, err := r.CopyFile(a.Source.Path, absTrgPath); err != nil {
		return err
	}
	if err := os.Remove(absOldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove renamed file %s: %w", absOldPath, err)
	}
	plog.Notice("RENAME", "from", a.OldRelPath, "to", a.RelPath)
	return nil
}

func (r *Reconciler) applyMkdir(a Action) error {
	absTrgPath := util.DenormalizedAbsPath(r.dstRoot, a.RelPath)
	if err := r.ensureDir(absTrgPath); err != nil {
		return err
	}
	plog.Notice("DIR", "path", a.RelPath)
	return nil
}
