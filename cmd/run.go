package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/monitor"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/router"
	"github.com/paulschiretz/pgl-mirror/pkg/syncmetrics"
)

// progressInterval is how often a running mirror logs its counters.
const progressInterval = 10 * time.Minute

// RunMirror handles the 'run' command: reconcile once, then mirror every
// change until ctx is cancelled. Failed sessions are restarted after the
// configured delay.
func RunMirror(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagMap, true)
	if err != nil {
		return err
	}

	closeLog, err := enableLogFile(runConfig)
	if err != nil {
		return err
	}
	defer closeLog()

	runConfig.LogSummary()

	if err := preflight.Run(runConfig.Source, runConfig.Target); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	lock, err := lockfile.Acquire(ctx, runConfig.Target, lockfile.Owner{
		AppID:   buildinfo.Name,
		Source:  runConfig.Source,
		Session: uuid.NewString(),
	})
	if err != nil {
		var active *lockfile.ErrLockActive
		if errors.As(err, &active) {
			return fmt.Errorf("another mirror is already writing to %s: %w", runConfig.Target, err)
		}
		return fmt.Errorf("failed to acquire lock on destination: %w", err)
	}
	defer lock.Release()

	metrics := &syncmetrics.MirrorMetrics{}
	metrics.StartProgress("Mirror progress", progressInterval)
	defer metrics.StopProgress()

	startTime := time.Now()
	err = supervise(ctx, runConfig.RestartDelay(), func(ctx context.Context) error {
		return runSession(ctx, runConfig, metrics)
	})
	metrics.LogSummary(buildinfo.Name + " stopped")
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" finished.", "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}

// supervise runs sessions until one ends without error or ctx is cancelled.
// A failed session is logged and restarted after delay.
func supervise(ctx context.Context, delay time.Duration, session func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		plog.Error("Mirror session failed, restarting", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runSession performs the startup reconciliation and then monitors the
// source until the session ends.
func runSession(ctx context.Context, cfg config.Config, metrics syncmetrics.Metrics) error {
	// Either root may have gone away since the last session.
	if err := preflight.CheckSourceAccessible(cfg.Source); err != nil {
		return err
	}
	if err := preflight.CheckTargetAccessible(cfg.Target); err != nil {
		return err
	}

	rec := newReconciler(cfg, metrics)
	src, dst, err := rec.Scan(ctx)
	if err != nil {
		return err
	}
	if _, err := rec.Reconcile(ctx, src, dst); err != nil {
		return err
	}

	rt := router.New(rec, src, router.Options{
		EnableCreate: cfg.Monitor.EnableCreate,
		EnableDelete: cfg.Monitor.EnableDelete,
		Debounce:     cfg.Debounce(),
		Metrics:      metrics,
	})

	mon := monitor.New(cfg.Source, rt, monitor.Options{
		Recursive:  cfg.Sync.Recursive,
		PairWindow: cfg.PairWindow(),
		Exclusions: rec.Exclusions(),
	})
	return mon.Run(ctx)
}
