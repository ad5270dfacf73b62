package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/logarchive"
)

func TestConfig_Validate(t *testing.T) {
	newValidConfig := func(t *testing.T) Config {
		cfg := NewDefault()
		cfg.Source = t.TempDir()
		cfg.Target = t.TempDir()
		return cfg
	}

	t.Run("Valid Config", func(t *testing.T) {
		cfg := newValidConfig(t)
		if err := cfg.Validate(true); err != nil {
			t.Errorf("expected valid config to pass validation, but got error: %v", err)
		}
	})

	t.Run("Target not required for init", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Target = ""
		if err := cfg.Validate(false); err != nil {
			t.Errorf("expected config without target to pass, got: %v", err)
		}
	})

	t.Run("Zero debounce disables the window", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Monitor.DebounceSeconds = 0
		if err := cfg.Validate(true); err != nil {
			t.Fatalf("expected zero debounce to be valid, got: %v", err)
		}
		if cfg.Debounce() != 0 {
			t.Errorf("expected 0 debounce, got %v", cfg.Debounce())
		}
	})

	testCases := []struct {
		name   string
		mutate func(t *testing.T, c *Config)
	}{
		{"Empty Source Path", func(t *testing.T, c *Config) { c.Source = "" }},
		{"Non-Existent Source Path", func(t *testing.T, c *Config) { c.Source = filepath.Join(t.TempDir(), "nonexistent") }},
		{"Source Is A File", func(t *testing.T, c *Config) {
			f := filepath.Join(t.TempDir(), "file.txt")
			os.WriteFile(f, []byte("x"), 0644)
			c.Source = f
		}},
		{"Empty Target Path", func(t *testing.T, c *Config) { c.Target = "" }},
		{"Invalid Log Level", func(t *testing.T, c *Config) { c.LogLevel = "chatty" }},
		{"Invalid Archive Format", func(t *testing.T, c *Config) { c.Log.ArchiveFormat = "rar" }},
		{"Negative Log Size", func(t *testing.T, c *Config) { c.Log.MaxSizeKB = -1 }},
		{"Negative Debounce", func(t *testing.T, c *Config) { c.Monitor.DebounceSeconds = -0.1 }},
		{"Negative Restart Delay", func(t *testing.T, c *Config) { c.Monitor.RestartDelaySeconds = -1 }},
		{"Zero Pair Window", func(t *testing.T, c *Config) { c.Monitor.EventPairWindowMS = 0 }},
		{"Negative Retry Count", func(t *testing.T, c *Config) { c.Sync.RetryCount = -1 }},
		{"Negative Retry Wait", func(t *testing.T, c *Config) { c.Sync.RetryWaitSeconds = -1 }},
		{"Invalid Glob Pattern", func(t *testing.T, c *Config) { c.Sync.UserExcludeFiles = []string{"["} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newValidConfig(t)
			tc.mutate(t, &cfg)
			if err := cfg.Validate(true); err == nil {
				t.Error("expected validation error, but got nil")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("Missing file yields defaults", func(t *testing.T) {
		src := t.TempDir()
		cfg, err := Load(src)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Source != src {
			t.Errorf("expected source %q, got %q", src, cfg.Source)
		}
		if cfg.Monitor.DebounceSeconds != 0.5 || !cfg.Monitor.EnableCreate || !cfg.Monitor.EnableDelete {
			t.Errorf("unexpected defaults: %+v", cfg.Monitor)
		}
	})

	t.Run("Partial file keeps remaining defaults", func(t *testing.T) {
		src := t.TempDir()
		content := `{"logLevel":"debug","monitor":{"enable_delete":false,"debounce_seconds":2},"sync":{"sync_empty_dir":true},"log":{"archiveFormat":"zst"}}`
		if err := os.WriteFile(filepath.Join(src, ConfigFileName), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(src)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.LogLevel != "debug" || cfg.Monitor.EnableDelete || !cfg.Monitor.EnableCreate {
			t.Errorf("unexpected monitor config: %+v", cfg.Monitor)
		}
		if cfg.Debounce() != 2*time.Second {
			t.Errorf("expected 2s debounce, got %v", cfg.Debounce())
		}
		if !cfg.Sync.SyncEmptyDir || !cfg.Sync.Recursive {
			t.Errorf("unexpected sync config: %+v", cfg.Sync)
		}
		if cfg.Log.ArchiveFormat != logarchive.Zst || cfg.Log.MaxSizeKB != 10240 {
			t.Errorf("unexpected log config: %+v", cfg.Log)
		}
	})

	t.Run("Malformed file is an error", func(t *testing.T) {
		src := t.TempDir()
		os.WriteFile(filepath.Join(src, ConfigFileName), []byte("{not json"), 0644)
		if _, err := Load(src); err == nil {
			t.Error("expected parse error, got nil")
		}
	})

	t.Run("Unknown archive format is an error", func(t *testing.T) {
		src := t.TempDir()
		os.WriteFile(filepath.Join(src, ConfigFileName), []byte(`{"log":{"archiveFormat":"rar"}}`), 0644)
		if _, err := Load(src); err == nil {
			t.Error("expected error for unknown archive format, got nil")
		}
	})
}

func TestGenerateRoundTrip(t *testing.T) {
	cfg := NewDefault()
	cfg.Source = t.TempDir()
	cfg.Target = "/never/written"
	cfg.Sync.UserExcludeFiles = []string{"*.bak"}

	path, err := Generate(cfg)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if filepath.Base(path) != ConfigFileName {
		t.Errorf("unexpected config path %q", path)
	}

	loaded, err := Load(cfg.Source)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Target != "" {
		t.Errorf("target must never be persisted, got %q", loaded.Target)
	}
	if !slices.Equal(loaded.Sync.UserExcludeFiles, []string{"*.bak"}) {
		t.Errorf("expected user excludes to survive, got %v", loaded.Sync.UserExcludeFiles)
	}
}

func TestExcludeFiles(t *testing.T) {
	s := SyncConfig{DefaultExcludeFiles: []string{"*.tmp"}, UserExcludeFiles: []string{"*.tmp", "build/"}}
	got := s.ExcludeFiles()

	for _, want := range []string{ConfigFileName, lockfile.LockFileName, "*.tmp", "build/", ".*"} {
		if !slices.Contains(got, want) {
			t.Errorf("expected %q in exclusions %v", want, got)
		}
	}
	count := 0
	for _, p := range got {
		if p == "*.tmp" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected deduplicated patterns, '*.tmp' appears %d times", count)
	}

	set := s.Exclusions()
	if !set.Matches(ConfigFileName, ConfigFileName) {
		t.Error("config file must always be excluded")
	}
	if set.Matches("notes.txt", "notes.txt") {
		t.Error("ordinary file must not be excluded")
	}
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()
	base.Sync.UserExcludeFiles = []string{"a"}

	merged := MergeConfigWithFlags(base, map[string]any{
		"source":             "/src",
		"target":             "/dst",
		"enable-create":      false,
		"debounce":           1.25,
		"sync-empty-dir":     true,
		"retry-count":        7,
		"user-exclude-files": []string{"b"},
		"log-file":           "/tmp/mirror.log",
	})

	if merged.Source != "/src" || merged.Target != "/dst" {
		t.Errorf("paths not merged: %q %q", merged.Source, merged.Target)
	}
	if merged.Monitor.EnableCreate || !merged.Monitor.EnableDelete {
		t.Errorf("unexpected monitor flags: %+v", merged.Monitor)
	}
	if merged.Debounce() != 1250*time.Millisecond {
		t.Errorf("expected 1.25s debounce, got %v", merged.Debounce())
	}
	if !merged.Sync.SyncEmptyDir || merged.Sync.RetryCount != 7 {
		t.Errorf("unexpected sync config: %+v", merged.Sync)
	}
	if merged.Log.File != "/tmp/mirror.log" {
		t.Errorf("expected log file to be merged, got %q", merged.Log.File)
	}
	if !slices.Equal(base.Sync.UserExcludeFiles, []string{"a"}) {
		t.Errorf("base config was modified: %v", base.Sync.UserExcludeFiles)
	}
}
