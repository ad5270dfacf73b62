package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

func owner(app string) Owner {
	return Owner{AppID: app, Source: "/src/" + app, Session: "session-" + app}
}

func writeStaleLock(t *testing.T, lockPath string) {
	t.Helper()
	stale := LockContent{
		PID:        12345,
		Hostname:   "stale-host",
		LastUpdate: time.Now().Add(-(staleTimeout + time.Minute)),
		Nonce:      "stale-nonce",
		AppID:      "stale-app",
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(lockPath, data, util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to create stale lock file: %v", err)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), dir, owner("test-app"))
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}
	if lock.Path() != lockPath {
		t.Errorf("expected lock path %q, got %q", lockPath, lock.Path())
	}

	content, err := readLockContentSafely(lockPath)
	if err != nil {
		t.Fatalf("failed to read lock content: %v", err)
	}
	if content.Source != "/src/test-app" || content.Session != "session-test-app" {
		t.Errorf("owner not recorded in lock file: %+v", content)
	}
	if content.Nonce == "" {
		t.Error("expected a nonce in the lock file")
	}

	lock.Release()
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}
}

func TestContention(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, owner("app-1"))
	if err != nil {
		t.Fatalf("first session failed to acquire lock: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(context.Background(), dir, owner("app-2"))
	if err == nil {
		t.Fatal("second session unexpectedly acquired an active lock")
	}

	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *ErrLockActive, got %T: %v", err, err)
	}
	if lockErr.AppID != "app-1" {
		t.Errorf("expected AppID 'app-1', got '%s'", lockErr.AppID)
	}
	if !strings.Contains(lockErr.Error(), "/src/app-1") {
		t.Errorf("expected error to name the holding source, got %q", lockErr.Error())
	}
}

func TestAcquireCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, t.TempDir(), owner("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAcquireMissingDirectory(t *testing.T) {
	_, err := Acquire(context.Background(), filepath.Join(t.TempDir(), "missing"), owner("x"))
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	var lockErr *ErrLockActive
	if errors.As(err, &lockErr) {
		t.Fatal("missing directory must not be reported as an active lock")
	}
}

func TestStaleLockTakeover(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)
	writeStaleLock(t, lockPath)

	lock, err := Acquire(context.Background(), dir, owner("new-app"))
	if err != nil {
		t.Fatalf("failed to acquire stale lock: %v", err)
	}
	defer lock.Release()

	content, err := readLockContentSafely(lockPath)
	if err != nil {
		t.Fatalf("failed to read content of newly acquired lock: %v", err)
	}
	if content.AppID != "new-app" {
		t.Errorf("expected AppID 'new-app', got '%s'", content.AppID)
	}
}

func TestCorruptLockTakeover(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(lockPath, []byte("{not json"), util.UserWritableFilePerms); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(context.Background(), dir, owner("fixer"))
	if err != nil {
		t.Fatalf("failed to take over corrupt lock: %v", err)
	}
	lock.Release()
}

func TestStaleLockContention(t *testing.T) {
	dir := t.TempDir()
	writeStaleLock(t, filepath.Join(dir, LockFileName))

	var wg sync.WaitGroup
	acquired := make(chan *Lock, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lock, err := Acquire(context.Background(), dir, owner("contender")); err == nil {
				acquired <- lock
			}
		}()
	}
	wg.Wait()
	close(acquired)

	if len(acquired) != 1 {
		t.Fatalf("expected exactly one contender to acquire the lock, but %d succeeded", len(acquired))
	}
	for lock := range acquired {
		lock.Release()
	}
}

func TestHeartbeatKeepsLockFresh(t *testing.T) {
	origHeartbeat, origStale := heartbeatInterval, staleTimeout
	heartbeatInterval = 50 * time.Millisecond
	staleTimeout = 3 * heartbeatInterval
	t.Cleanup(func() {
		heartbeatInterval = origHeartbeat
		staleTimeout = origStale
	})

	dir := t.TempDir()
	lock1, err := Acquire(context.Background(), dir, owner("app-1"))
	if err != nil {
		t.Fatalf("failed to acquire initial lock: %v", err)
	}
	defer lock1.Release()

	time.Sleep(staleTimeout + heartbeatInterval)

	_, err = Acquire(context.Background(), dir, owner("app-2"))
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected ErrLockActive, got %v", err)
	}
}

func TestReleaseIdempotency(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(context.Background(), dir, owner("test-app"))
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	lock.Release()
	lock.Release()

	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Fatal("lock file still exists after multiple releases")
	}
}

func TestReadLockContentSafely(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	t.Run("Reads valid file", func(t *testing.T) {
		data, _ := json.Marshal(LockContent{PID: 1, AppID: "valid", Nonce: "abc"})
		if err := os.WriteFile(lockPath, data, util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
		content, err := readLockContentSafely(lockPath)
		if err != nil {
			t.Fatalf("failed to read valid content: %v", err)
		}
		if content.AppID != "valid" {
			t.Errorf("expected AppID 'valid', got '%s'", content.AppID)
		}
	})

	t.Run("Fails on persistently empty file", func(t *testing.T) {
		if err := os.WriteFile(lockPath, nil, util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
		if _, err := readLockContentSafely(lockPath); !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Fails on persistently corrupt file", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte("{corrupt"), util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
		if _, err := readLockContentSafely(lockPath); !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Missing file is not corrupt", func(t *testing.T) {
		_, err := readLockContentSafely(filepath.Join(t.TempDir(), "none.lock"))
		if !os.IsNotExist(err) {
			t.Errorf("expected not-exist error, got: %v", err)
		}
	})

	t.Run("Succeeds after transient empty state", func(t *testing.T) {
		if err := os.WriteFile(lockPath, nil, util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			data, _ := json.Marshal(LockContent{PID: 2, AppID: "transient", Nonce: "xyz"})
			if err := os.WriteFile(lockPath, data, util.UserWritableFilePerms); err != nil {
				t.Logf("error writing final content in goroutine: %v", err)
			}
		}()

		content, err := readLockContentSafely(lockPath)
		if err != nil {
			t.Fatalf("failed to read transiently empty file: %v", err)
		}
		if content.AppID != "transient" {
			t.Errorf("expected AppID 'transient', got '%s'", content.AppID)
		}
	})
}

func TestCleanupTempLockFiles(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "test.lock")

	oldTemp := filepath.Join(dir, "test.lock.123.tmp")
	if err := os.WriteFile(oldTemp, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-(staleTimeout + time.Minute))
	if err := os.Chtimes(oldTemp, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	newTemp := filepath.Join(dir, "test.lock.456.tmp")
	if err := os.WriteFile(newTemp, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}

	cleanupTempLockFiles(lockPath)

	if _, err := os.Stat(oldTemp); !os.IsNotExist(err) {
		t.Error("expected old temporary file to be deleted")
	}
	if _, err := os.Stat(newTemp); err != nil {
		t.Errorf("expected new temporary file to be kept: %v", err)
	}
}
