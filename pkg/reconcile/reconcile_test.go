package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/exclusion"
	"github.com/paulschiretz/pgl-mirror/pkg/inventory"
	"github.com/paulschiretz/pgl-mirror/pkg/syncmetrics"
)

// createFiles is a helper to create a file structure for testing.
func createFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for relPath, content := range files {
		fullPath := filepath.Join(root, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("failed to create parent dir for %s: %v", relPath, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file %s: %v", relPath, err)
		}
	}
}

func readFile(t *testing.T, root, relPath string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(relPath)))
	if err != nil {
		t.Fatalf("failed to read %s: %v", relPath, err)
	}
	return string(b)
}

func assertExists(t *testing.T, root, relPath string) {
	t.Helper()
	if _, err := os.Lstat(filepath.Join(root, filepath.FromSlash(relPath))); err != nil {
		t.Errorf("expected %s to exist: %v", relPath, err)
	}
}

func assertNotExists(t *testing.T, root, relPath string) {
	t.Helper()
	if _, err := os.Lstat(filepath.Join(root, filepath.FromSlash(relPath))); !os.IsNotExist(err) {
		t.Errorf("expected %s not to exist, got err=%v", relPath, err)
	}
}

func newTestReconciler(src, dst string, syncEmptyDirs bool) *Reconciler {
	return New(src, dst, Options{
		Recursive:     true,
		SyncEmptyDirs: syncEmptyDirs,
		Exclusions:    exclusion.New(exclusion.SystemPatterns),
	})
}

func TestReconciler_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("Copies missing files preserving relative paths and metadata", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{
			"a.txt":          "alpha",
			"sub/deep/b.txt": "bravo",
		})
		mtime := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
		if err := os.Chtimes(filepath.Join(src, "a.txt"), mtime, mtime); err != nil {
			t.Fatal(err)
		}

		res, err := newTestReconciler(src, dst, false).Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Copied != 2 || res.Matched != 0 || res.Renamed != 0 {
			t.Errorf("unexpected result: %+v", res)
		}
		if got := readFile(t, dst, "sub/deep/b.txt"); got != "bravo" {
			t.Errorf("expected bravo, got %q", got)
		}
		info, err := os.Stat(filepath.Join(dst, "a.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(mtime) {
			t.Errorf("expected modtime %v, got %v", mtime, info.ModTime())
		}
	})

	t.Run("Second pass is a no-op and leaves files untouched", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{
			"a.txt":     "alpha",
			"dup1.txt":  "same",
			"dup2.txt":  "same",
			"sub/c.txt": "charlie",
		})
		if err := os.Mkdir(filepath.Join(src, "empty"), 0755); err != nil {
			t.Fatal(err)
		}
		r := newTestReconciler(src, dst, true)

		if _, err := r.Run(ctx); err != nil {
			t.Fatalf("first Run failed: %v", err)
		}
		before, err := os.Stat(filepath.Join(dst, "a.txt"))
		if err != nil {
			t.Fatal(err)
		}

		res, err := r.Run(ctx)
		if err != nil {
			t.Fatalf("second Run failed: %v", err)
		}
		if res.Changed() || res.Failed != 0 {
			t.Errorf("expected no changes on second pass, got %+v", res)
		}
		if res.Matched != 4 {
			t.Errorf("expected 4 matched files, got %d", res.Matched)
		}
		after, err := os.Stat(filepath.Join(dst, "a.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if !before.ModTime().Equal(after.ModTime()) {
			t.Error("expected untouched file to keep its modification time")
		}
	})

	t.Run("Same-directory rename replaces the old destination name", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{"docs/new-name.txt": "payload"})
		createFiles(t, dst, map[string]string{"docs/old-name.txt": "payload"})

		res, err := newTestReconciler(src, dst, false).Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Renamed != 1 || res.Copied != 0 {
			t.Errorf("expected one rename, got %+v", res)
		}
		assertNotExists(t, dst, "docs/old-name.txt")
		if got := readFile(t, dst, "docs/new-name.txt"); got != "payload" {
			t.Errorf("expected payload, got %q", got)
		}
	})

	t.Run("Same content in another directory is copied, not moved", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{"b/x.txt": "payload"})
		createFiles(t, dst, map[string]string{"a/x.txt": "payload"})

		res, err := newTestReconciler(src, dst, false).Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Copied != 1 || res.Renamed != 0 {
			t.Errorf("expected one copy, got %+v", res)
		}
		assertExists(t, dst, "a/x.txt")
		assertExists(t, dst, "b/x.txt")
	})

	t.Run("Changed content at the same path is overwritten", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{"a.txt": "new content"})
		createFiles(t, dst, map[string]string{"a.txt": "old content"})

		res, err := newTestReconciler(src, dst, false).Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Copied != 1 {
			t.Errorf("expected one copy, got %+v", res)
		}
		if got := readFile(t, dst, "a.txt"); got != "new content" {
			t.Errorf("expected new content, got %q", got)
		}
	})

	t.Run("Excluded files are never copied", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{
			"~$lock.tmp":   "lock",
			"report.exe":   "binary",
			"activity.log": "log",
			"config.ini":   "ini",
			".hidden":      "hidden",
			"keep.txt":     "keep",
		})

		res, err := newTestReconciler(src, dst, false).Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Copied != 1 {
			t.Errorf("expected only keep.txt to be copied, got %+v", res)
		}
		for _, name := range []string{"~$lock.tmp", "report.exe", "activity.log", "config.ini", ".hidden"} {
			assertNotExists(t, dst, name)
		}
		assertExists(t, dst, "keep.txt")
	})

	t.Run("Empty directories are created only when enabled", func(t *testing.T) {
		for _, enabled := range []bool{true, false} {
			src, dst := t.TempDir(), t.TempDir()
			if err := os.MkdirAll(filepath.Join(src, "empty"), 0755); err != nil {
				t.Fatal(err)
			}
			res, err := newTestReconciler(src, dst, enabled).Run(ctx)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if enabled {
				assertExists(t, dst, "empty")
				if res.DirsCreated != 1 {
					t.Errorf("expected one dir created, got %+v", res)
				}
			} else {
				assertNotExists(t, dst, "empty")
				if res.DirsCreated != 0 {
					t.Errorf("expected no dir created, got %+v", res)
				}
			}
		}
	})

	t.Run("Existing destination directory is left untouched", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		if err := os.MkdirAll(filepath.Join(src, "box"), 0755); err != nil {
			t.Fatal(err)
		}
		createFiles(t, dst, map[string]string{"box/extra.txt": "extra"})

		res, err := newTestReconciler(src, dst, true).Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.DirsCreated != 0 {
			t.Errorf("expected no dir created, got %+v", res)
		}
		assertExists(t, dst, "box/extra.txt")
	})

	t.Run("Rename scenario leaves destination-only files alone", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{"a.txt": "H1"})
		createFiles(t, dst, map[string]string{"old.txt": "H1", "b.txt": "H2"})

		res, err := newTestReconciler(src, dst, false).Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Renamed != 1 {
			t.Errorf("expected one rename, got %+v", res)
		}
		assertNotExists(t, dst, "old.txt")
		if got := readFile(t, dst, "a.txt"); got != "H1" {
			t.Errorf("expected H1, got %q", got)
		}
		if got := readFile(t, dst, "b.txt"); got != "H2" {
			t.Errorf("expected b.txt untouched, got %q", got)
		}
	})

	t.Run("Per-file failure is counted and the pass continues", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{
			"blocked/a.txt": "alpha",
			"ok.txt":        "ok",
		})
		// A file where the destination needs a directory makes the copy fail.
		createFiles(t, dst, map[string]string{"blocked": "i am a file"})

		res, err := newTestReconciler(src, dst, false).Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Failed != 1 || res.Copied != 1 {
			t.Errorf("expected one failure and one copy, got %+v", res)
		}
		assertExists(t, dst, "ok.txt")
	})

	t.Run("Missing destination root is fatal", func(t *testing.T) {
		src := t.TempDir()
		_, err := newTestReconciler(src, filepath.Join(t.TempDir(), "missing"), false).Run(ctx)
		if !errors.Is(err, inventory.ErrNotADirectory) {
			t.Errorf("expected ErrNotADirectory, got %v", err)
		}
	})

	t.Run("Metrics are updated", func(t *testing.T) {
		src, dst := t.TempDir(), t.TempDir()
		createFiles(t, src, map[string]string{"a.txt": "alpha", "b.txt": "bravo"})
		metrics := &syncmetrics.MirrorMetrics{}
		r := New(src, dst, Options{Recursive: true, Metrics: metrics})
		if _, err := r.Run(ctx); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if metrics.FilesCopied.Load() != 2 || metrics.BytesWritten.Load() != 10 {
			t.Errorf("unexpected metrics: copied=%d bytes=%d", metrics.FilesCopied.Load(), metrics.BytesWritten.Load())
		}
	})
}

func TestReconciler_Execute_Cancelled(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	createFiles(t, src, map[string]string{"a.txt": "alpha"})
	r := newTestReconciler(src, dst, false)
	s, d, err := r.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Reconcile(ctx, s, d)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if res.Copied != 0 {
		t.Errorf("expected no copies after cancellation, got %+v", res)
	}
}

func TestCopyFile(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	createFiles(t, src, map[string]string{"a.txt": "alpha"})
	r := newTestReconciler(src, dst, false)

	t.Run("Creates parents and leaves no temp files", func(t *testing.T) {
		n, err := r.CopyFile(filepath.Join(src, "a.txt"), filepath.Join(dst, "x", "y", "a.txt"))
		if err != nil {
			t.Fatalf("CopyFile failed: %v", err)
		}
		if n != 5 {
			t.Errorf("expected 5 bytes written, got %d", n)
		}
		entries, err := os.ReadDir(filepath.Join(dst, "x", "y"))
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".tmp") {
				t.Errorf("unexpected temp file left behind: %s", e.Name())
			}
		}
	})

	t.Run("Vanished source fails without a partial file", func(t *testing.T) {
		target := filepath.Join(dst, "gone.txt")
		if _, err := r.CopyFile(filepath.Join(src, "gone.txt"), target); err == nil {
			t.Fatal("expected error for vanished source")
		}
		assertNotExists(t, dst, "gone.txt")
	})

	t.Run("Read-only source stays writable at destination", func(t *testing.T) {
		ro := filepath.Join(src, "ro.txt")
		if err := os.WriteFile(ro, []byte("ro"), 0444); err != nil {
			t.Fatal(err)
		}
		target := filepath.Join(dst, "ro.txt")
		if _, err := r.CopyFile(ro, target); err != nil {
			t.Fatalf("CopyFile failed: %v", err)
		}
		info, err := os.Stat(target)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm()&0200 == 0 {
			t.Errorf("expected owner write bit, got %o", info.Mode().Perm())
		}
	})
}
