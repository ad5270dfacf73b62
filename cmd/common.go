package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/filehash"
	"github.com/paulschiretz/pgl-mirror/pkg/logarchive"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/reconcile"
	"github.com/paulschiretz/pgl-mirror/pkg/syncmetrics"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// loadRunConfig loads the config file from the source, overlays the flags and
// validates the result. The log level is applied as soon as it is known.
func loadRunConfig(flagMap map[string]interface{}, requireTarget bool) (config.Config, error) {
	source, _ := flagMap["source"].(string)
	if source == "" {
		source = "."
	}
	if requireTarget {
		if target, ok := flagMap["target"].(string); !ok || target == "" {
			return config.Config{}, fmt.Errorf("the -target flag is required")
		}
	}

	absSource, err := util.AbsPath(source)
	if err != nil {
		return config.Config{}, fmt.Errorf("source path invalid: %w", err)
	}

	loadedConfig, err := config.Load(absSource)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration from source: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(loadedConfig, flagMap)
	runConfig.Source = absSource

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(requireTarget); err != nil {
		return config.Config{}, err
	}
	if requireTarget {
		if runConfig.Target, err = util.AbsPath(runConfig.Target); err != nil {
			return config.Config{}, fmt.Errorf("target path invalid: %w", err)
		}
	}

	level, _ := plog.LevelFromString(runConfig.LogLevel)
	plog.SetLevel(level)
	return runConfig, nil
}

// enableLogFile rotates the configured log file if it has grown too large and
// starts writing to it. The returned func stops file logging.
func enableLogFile(cfg config.Config) (func(), error) {
	if cfg.Log.File == "" {
		return func() {}, nil
	}
	logPath, err := util.AbsPath(cfg.Log.File)
	if err != nil {
		return nil, fmt.Errorf("log file path invalid: %w", err)
	}
	archive, err := logarchive.Rotate(logPath, logarchive.Options{
		MaxSize: cfg.LogMaxSize(),
		Format:  cfg.Log.ArchiveFormat,
		Keep:    cfg.Log.KeepArchives,
	}, time.Now())
	if err != nil {
		// A failed rotation must not keep the mirror from starting.
		plog.Warn("Failed to rotate log file", "path", logPath, "error", err)
	}
	if err := plog.EnableFileOutput(logPath); err != nil {
		return nil, err
	}
	if archive != "" {
		plog.Info("Log file rotated", "archive", filepath.Base(archive))
	}
	return func() {
		if err := plog.CloseFileOutput(); err != nil {
			plog.Warn("Failed to close log file", "error", err)
		}
	}, nil
}

// newReconciler builds the reconciler for cfg's source and target.
func newReconciler(cfg config.Config, metrics syncmetrics.Metrics) *reconcile.Reconciler {
	return reconcile.New(cfg.Source, cfg.Target, reconcile.Options{
		Recursive:     cfg.Sync.Recursive,
		SyncEmptyDirs: cfg.Sync.SyncEmptyDir,
		RetryCount:    cfg.Sync.RetryCount,
		RetryWait:     cfg.RetryWait(),
		Exclusions:    cfg.Sync.Exclusions(),
		Hasher:        filehash.New(),
		Metrics:       metrics,
	})
}
