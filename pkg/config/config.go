package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/exclusion"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/logarchive"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/router"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ConfigFileName is the name of the configuration file in the source root.
const ConfigFileName = "pgl-mirror.config.json"

// systemExcludeFilePatterns are always excluded from mirroring: the mirror's
// own bookkeeping files plus the built-in system patterns.
var systemExcludeFilePatterns = util.MergeAndDeduplicate(
	exclusion.SystemPatterns,
	[]string{ConfigFileName, lockfile.LockFileName, "*.log.gz", "*.log.zst"},
)

type LogConfig struct {
	// File is an additional log destination. Empty means console only.
	File          string            `json:"file"`
	MaxSizeKB     int               `json:"maxSizeKB"`
	ArchiveFormat logarchive.Format `json:"archiveFormat"`
	KeepArchives  int               `json:"keepArchives"`
}

type MonitorConfig struct {
	EnableCreate        bool    `json:"enable_create"`
	EnableDelete        bool    `json:"enable_delete"`
	DebounceSeconds     float64 `json:"debounce_seconds"`
	RestartDelaySeconds int     `json:"restart_delay_seconds"`
	EventPairWindowMS   int     `json:"event_pair_window_ms"`
}

type SyncConfig struct {
	SyncEmptyDir        bool     `json:"sync_empty_dir"`
	Recursive           bool     `json:"recursive"`
	RetryCount          int      `json:"retryCount"`
	RetryWaitSeconds    int      `json:"retryWaitSeconds"`
	DefaultExcludeFiles []string `json:"defaultExcludeFiles,omitempty"`
	// Note: omitempty is intentionally not used so the field appears in the
	// generated config file.
	UserExcludeFiles []string `json:"userExcludeFiles"`
}

type Config struct {
	Version  string        `json:"version"`
	Source   string        `json:"-"` // Never added to config file
	Target   string        `json:"-"` // Never added to config file
	LogLevel string        `json:"logLevel"`
	Log      LogConfig     `json:"log"`
	Monitor  MonitorConfig `json:"monitor"`
	Sync     SyncConfig    `json:"sync"`
}

// NewDefault returns a Config with the default mirroring behavior.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Source:   "", // Intentionally empty to force user configuration.
		Target:   "", // Intentionally empty to force user configuration.
		LogLevel: "info",
		Log: LogConfig{
			File:          "",
			MaxSizeKB:     10240,
			ArchiveFormat: logarchive.Gz,
			KeepArchives:  5,
		},
		Monitor: MonitorConfig{
			EnableCreate:        true,
			EnableDelete:        true,
			DebounceSeconds:     router.DefaultDebounce.Seconds(),
			RestartDelaySeconds: 5,
			EventPairWindowMS:   100,
		},
		Sync: SyncConfig{
			SyncEmptyDir:     false,
			Recursive:        true,
			RetryCount:       2,
			RetryWaitSeconds: 1,
			UserExcludeFiles: []string{},
			DefaultExcludeFiles: []string{
				"*.tmp",       // Temporary files
				"*.temp",      // Temporary files
				"*.swp",       // Vim swap files
				"*.lnk",       // Windows shortcuts
				"desktop.ini", // Windows folder customization file
				"Thumbs.db",   // Windows image thumbnail cache
				"Icon\r",      // macOS custom folder icons
			},
		},
	}
}

// Load reads the configuration file from the source directory. A missing
// file yields the defaults; a file that fails to parse is an error.
func Load(source string) (Config, error) {
	absSource, err := filepath.Abs(source)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for source %s: %w", source, err)
	}

	configPath := filepath.Join(absSource, ConfigFileName)
	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.Source = absSource
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start from defaults so fields missing in the file keep their default.
	cfg := NewDefault()
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	cfg.Source = absSource
	cfg.Version = buildinfo.Version
	return cfg, nil
}

// Generate writes cfg as the config file into its source directory,
// overwriting any existing file.
func Generate(cfg Config) (string, error) {
	configPath := filepath.Join(cfg.Source, ConfigFileName)
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", configPath)
	return configPath, nil
}

// Validate checks the configuration for logical errors and canonicalizes the
// source and target paths. checkTarget is false for commands that never touch
// a destination.
func (c *Config) Validate(checkTarget bool) error {
	var err error

	if c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Source, err = util.ExpandPath(c.Source); err != nil {
		return fmt.Errorf("could not expand source path: %w", err)
	}
	c.Source = filepath.Clean(c.Source)
	info, err := os.Stat(c.Source)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source path '%s' does not exist", c.Source)
		}
		return fmt.Errorf("cannot access source path '%s': %w", c.Source, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path '%s' is not a directory", c.Source)
	}

	if checkTarget {
		if c.Target == "" {
			return fmt.Errorf("target path cannot be empty")
		}
		if c.Target, err = util.ExpandPath(c.Target); err != nil {
			return fmt.Errorf("could not expand target path: %w", err)
		}
		c.Target = filepath.Clean(c.Target)
	}

	if _, err := plog.LevelFromString(c.LogLevel); err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}
	if c.Log.MaxSizeKB < 0 {
		return fmt.Errorf("log.maxSizeKB cannot be negative")
	}
	if c.Log.KeepArchives < 0 {
		return fmt.Errorf("log.keepArchives cannot be negative")
	}
	if _, err := logarchive.ParseFormat(string(c.Log.ArchiveFormat)); err != nil {
		return fmt.Errorf("log.archiveFormat: %w", err)
	}

	if c.Monitor.DebounceSeconds < 0 {
		return fmt.Errorf("monitor.debounce_seconds cannot be negative")
	}
	if c.Monitor.RestartDelaySeconds < 0 {
		return fmt.Errorf("monitor.restart_delay_seconds cannot be negative")
	}
	if c.Monitor.EventPairWindowMS <= 0 {
		return fmt.Errorf("monitor.event_pair_window_ms must be greater than 0")
	}

	if c.Sync.RetryCount < 0 {
		return fmt.Errorf("sync.retryCount cannot be negative")
	}
	if c.Sync.RetryWaitSeconds < 0 {
		return fmt.Errorf("sync.retryWaitSeconds cannot be negative")
	}
	if err := validateGlobPatterns("defaultExcludeFiles", c.Sync.DefaultExcludeFiles); err != nil {
		return err
	}
	if err := validateGlobPatterns("userExcludeFiles", c.Sync.UserExcludeFiles); err != nil {
		return err
	}
	return nil
}

// LogSummary logs the effective configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"source", c.Source,
		"target", c.Target,
		"recursive", c.Sync.Recursive,
		"sync_empty_dir", c.Sync.SyncEmptyDir,
		"enable_create", c.Monitor.EnableCreate,
		"enable_delete", c.Monitor.EnableDelete,
		"debounce", c.Debounce(),
		"retry", fmt.Sprintf("%dx %ds", c.Sync.RetryCount, c.Sync.RetryWaitSeconds),
	}
	if c.Log.File != "" {
		logArgs = append(logArgs, "log_file", c.Log.File)
		logArgs = append(logArgs, "log_rotation", fmt.Sprintf("%dKB (f:%s k:%d)", c.Log.MaxSizeKB, c.Log.ArchiveFormat, c.Log.KeepArchives))
	}
	if len(c.Sync.UserExcludeFiles) > 0 {
		logArgs = append(logArgs, "user_exclude_files", strings.Join(c.Sync.UserExcludeFiles, ", "))
	}
	if len(c.Sync.DefaultExcludeFiles) > 0 {
		logArgs = append(logArgs, "default_exclude_files", strings.Join(c.Sync.DefaultExcludeFiles, ", "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns checks if a list of strings are valid glob patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	if err := exclusion.Validate(patterns); err != nil {
		return fmt.Errorf("invalid glob pattern for %s: %w", fieldName, err)
	}
	return nil
}

// ExcludeFiles returns the combined, deduplicated exclusion patterns: system
// patterns first, then defaults, then user patterns.
func (s *SyncConfig) ExcludeFiles() []string {
	return util.MergeAndDeduplicate(systemExcludeFilePatterns, s.DefaultExcludeFiles, s.UserExcludeFiles)
}

// Exclusions compiles ExcludeFiles into a matcher.
func (s *SyncConfig) Exclusions() *exclusion.Set {
	return exclusion.New(s.ExcludeFiles())
}

// Debounce is the window within which repeated modifications are ignored.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Monitor.DebounceSeconds * float64(time.Second))
}

// RestartDelay is the pause before a failed monitoring session restarts.
func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.Monitor.RestartDelaySeconds) * time.Second
}

// PairWindow is how long a rename half waits for its partner event.
func (c *Config) PairWindow() time.Duration {
	return time.Duration(c.Monitor.EventPairWindowMS) * time.Millisecond
}

// RetryWait is the pause between copy attempts.
func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.Sync.RetryWaitSeconds) * time.Second
}

// LogMaxSize is the rotation threshold in bytes.
func (c *Config) LogMaxSize() int64 {
	return int64(c.Log.MaxSizeKB) * 1024
}

// MergeConfigWithFlags overlays the flags the user explicitly set on top of
// base. setFlags only contains flags that were present on the command line.
func MergeConfigWithFlags(base Config, setFlags map[string]any) Config {
	merged := base
	// Slices are copied so the merged config never aliases base.
	merged.Sync.UserExcludeFiles = append([]string(nil), base.Sync.UserExcludeFiles...)

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "target":
			merged.Target = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "log-file":
			merged.Log.File = value.(string)
		case "enable-create":
			merged.Monitor.EnableCreate = value.(bool)
		case "enable-delete":
			merged.Monitor.EnableDelete = value.(bool)
		case "debounce":
			merged.Monitor.DebounceSeconds = value.(float64)
		case "restart-delay":
			merged.Monitor.RestartDelaySeconds = value.(int)
		case "sync-empty-dir":
			merged.Sync.SyncEmptyDir = value.(bool)
		case "recursive":
			merged.Sync.Recursive = value.(bool)
		case "retry-count":
			merged.Sync.RetryCount = value.(int)
		case "retry-wait":
			merged.Sync.RetryWaitSeconds = value.(int)
		case "user-exclude-files":
			merged.Sync.UserExcludeFiles = value.([]string)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
