package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRun(t *testing.T) {
	t.Run("No arguments prints usage", func(t *testing.T) {
		if err := run(context.Background(), nil); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("Help flag is not an error", func(t *testing.T) {
		if err := run(context.Background(), []string{"sync", "-help"}); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("Version", func(t *testing.T) {
		if err := run(context.Background(), []string{"version"}); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("Unknown command", func(t *testing.T) {
		if err := run(context.Background(), []string{"backup"}); err == nil {
			t.Error("expected error for unknown command")
		}
	})

	t.Run("Sync without target fails", func(t *testing.T) {
		if err := run(context.Background(), []string{"sync", "-source", t.TempDir()}); err == nil {
			t.Error("expected error for missing -target")
		}
	})

	t.Run("Sync mirrors the source", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := run(context.Background(), []string{"sync", "-source", src, "-target", dst}); err != nil {
			t.Fatalf("sync failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dst, "a.txt")); err != nil {
			t.Errorf("expected a.txt in destination: %v", err)
		}
	})
}
