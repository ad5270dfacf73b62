// Package lockfile guards a destination directory against two mirror sessions
// writing into it at the same time.
//
// The lock is a small JSON file created with O_EXCL in the destination root.
// The holder refreshes its timestamp on a heartbeat; a lock whose timestamp is
// older than the stale timeout (or whose content is unreadable) may be taken
// over by writing a fresh file over it and reading it back.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// LockFileName is the name of the lock file created in the destination root.
// The ".~" prefix keeps it out of the mirror's own exclusion-filtered scans.
const LockFileName = ".~pgl-mirror.lock"

// Owner identifies the session that holds the lock.
type Owner struct {
	AppID   string
	Source  string
	Session string
}

// LockContent is the JSON document stored in the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"`
	AppID      string    `json:"appID"`
	Source     string    `json:"source,omitempty"`
	Session    string    `json:"session,omitempty"`
}

// ErrLockActive is returned when another live session holds the lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	Source    string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	src := e.Source
	if src == "" {
		src = "unknown source"
	}
	return fmt.Sprintf("destination is locked by PID %d on host '%s' (%s mirroring %s), last updated %s ago",
		e.PID, e.Hostname, e.AppID, src, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another process won a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates the lock file is empty or not valid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is an acquired destination lock.
type Lock struct {
	path   string
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	content LockContent
	held    bool
}

// Overridden in tests.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryPause        = 100 * time.Millisecond
)

const maxAcquireAttempts = 3

// Acquire takes the lock in dirPath for owner. ctx bounds the acquisition
// only; the heartbeat runs until Release.
func Acquire(ctx context.Context, dirPath string, owner Owner) (*Lock, error) {
	lockPath := filepath.Join(dirPath, LockFileName)

	for range maxAcquireAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l, err := create(lockPath, owner)
		if err == nil {
			return l.start(), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		existing, readErr := readLockContentSafely(lockPath)
		switch {
		case readErr == nil:
			age := time.Since(existing.LastUpdate)
			if age < staleTimeout {
				return nil, &ErrLockActive{
					PID:       existing.PID,
					Hostname:  existing.Hostname,
					AppID:     existing.AppID,
					Source:    existing.Source,
					TimeSince: age,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", existing.PID, "host", existing.Hostname, "age", age.Truncate(time.Second))
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", lockPath, "error", readErr)
		default:
			// The holder may have released between our create and read.
			time.Sleep(retryPause)
			continue
		}

		l, err = takeover(lockPath, owner)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Lock takeover failed, retrying", "error", err)
			}
			time.Sleep(retryPause)
			continue
		}
		return l.start(), nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAcquireAttempts)
}

func newContent(owner Owner) (LockContent, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      uuid.NewString(),
		AppID:      owner.AppID,
		Source:     owner.Source,
		Session:    owner.Session,
	}, nil
}

// create succeeds only if no lock file exists yet.
func create(lockPath string, owner Owner) (*Lock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newContent(owner)
	if err == nil {
		err = writeLockContent(f, content)
	}
	if err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, err
	}
	return &Lock{path: lockPath, content: content, held: true}, nil
}

// takeover overwrites a stale or corrupt lock and verifies the write by
// reading it back; a concurrent contender that renamed last wins.
func takeover(lockPath string, owner Owner) (*Lock, error) {
	content, err := newContent(owner)
	if err != nil {
		return nil, err
	}
	if err := updateLockFileAtomic(lockPath, content); err != nil {
		return nil, err
	}

	readback, err := readLockContentSafely(lockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.PID != content.PID || readback.Nonce != content.Nonce {
		return nil, ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", lockPath)
	return &Lock{path: lockPath, content: content, held: true}, nil
}

func (l *Lock) start() *Lock {
	cleanupTempLockFiles(l.path)
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.heartbeat(ctx)
	return l
}

// Path returns the absolute lock file path.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.mu.Unlock()

	l.cancel()
	<-l.done

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := updateLockFileAtomic(l.path, content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateLockFileAtomic replaces the lock file via temp file and rename so a
// reader never observes a truncated document.
func updateLockFileAtomic(lockPath string, content LockContent) error {
	tmp, err := os.CreateTemp(filepath.Dir(lockPath), filepath.Base(lockPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpPath, "error", err)
		}
	}()

	if err := writeLockContent(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, lockPath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes temp files left by crashed heartbeats. Only
// files older than the stale timeout are touched.
func cleanupTempLockFiles(lockPath string) {
	pattern := filepath.Join(filepath.Dir(lockPath), filepath.Base(lockPath)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()).Truncate(time.Second))
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the lock file, retrying briefly while it is
// empty or partially written.
func readLockContentSafely(lockPath string) (LockContent, error) {
	var ioErr, parseErr error
	for range 3 {
		data, err := os.ReadFile(lockPath)
		if err != nil {
			if os.IsNotExist(err) {
				return LockContent{}, err
			}
			ioErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			parseErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		var content LockContent
		if parseErr = json.Unmarshal(data, &content); parseErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}
	if parseErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, parseErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", ioErr)
}
