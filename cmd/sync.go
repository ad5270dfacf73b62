package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/syncmetrics"
)

// RunSync handles the 'sync' command: a single reconciliation pass without
// monitoring.
func RunSync(ctx context.Context, flagMap map[string]interface{}) error {
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
		AppID:   buildinfo.Name + "-sync",
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
	startTime := time.Now()
	res, err := newReconciler(runConfig, metrics).Run(ctx)
	if err != nil {
		return err
	}
	metrics.LogSummary("Sync summary")
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d actions failed", res.Failed, res.Failed+res.Copied+res.Renamed+res.DirsCreated)
	}
	plog.Info(buildinfo.Name+" sync finished successfully.", "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}
