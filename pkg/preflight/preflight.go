// Package preflight provides checks that run before any mirroring begins.
// They never change the system's state, except for the short-lived write test
// in CheckTargetWritable. Every failure here is fatal: no partial work is
// attempted and the monitor is never started.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

var (
	// ErrSameDirectory is returned when source and destination resolve to one directory.
	ErrSameDirectory = errors.New("source and destination are the same directory")
	// ErrNestedTarget is returned when the destination lies inside the source,
	// which would feed every mirrored write back into the watch.
	ErrNestedTarget = errors.New("destination is inside the source directory")
)

// writeTestName is hidden and carries the editor-lock prefix, so a leftover
// is never mirrored.
const writeTestName = ".~pgl-mirror-writetest.tmp"

// Run performs every check in order and returns the first failure.
// Both paths must be absolute.
func Run(srcPath, dstPath string) error {
	if err := CheckSourceAccessible(srcPath); err != nil {
		return err
	}
	if err := CheckTargetAccessible(dstPath); err != nil {
		return err
	}
	if err := CheckDistinct(srcPath, dstPath); err != nil {
		return err
	}
	return CheckTargetWritable(dstPath)
}

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}
	return nil
}

// CheckTargetAccessible validates that the destination exists and is a
// directory. On Windows it also verifies the drive or share is connected so
// the error names the real problem.
func CheckTargetAccessible(dstPath string) error {
	if err := checkVolumeExists(dstPath); err != nil {
		return err
	}
	info, err := os.Stat(dstPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("destination directory %s does not exist", dstPath)
		}
		return fmt.Errorf("cannot access destination directory %s: %w", dstPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", dstPath)
	}
	return nil
}

// CheckDistinct fails if source and destination are the same directory, by
// path (case-folded on case-insensitive hosts) or by filesystem identity, and
// if the destination is nested inside the source. A source nested inside the
// destination is allowed with a warning.
func CheckDistinct(srcPath, dstPath string) error {
	if util.ComparablePath(srcPath) == util.ComparablePath(dstPath) {
		return fmt.Errorf("%w: %s", ErrSameDirectory, srcPath)
	}

	same, err := sameDirectory(srcPath, dstPath)
	if err != nil {
		return fmt.Errorf("cannot compare source and destination: %w", err)
	}
	if same {
		return fmt.Errorf("%w: %s and %s", ErrSameDirectory, srcPath, dstPath)
	}

	if util.IsSubPath(srcPath, dstPath) {
		return fmt.Errorf("%w: %s is inside %s", ErrNestedTarget, dstPath, srcPath)
	}
	if util.IsSubPath(dstPath, srcPath) {
		plog.Warn("Source is inside the destination; destination-only files around it are left alone", "source", srcPath, "destination", dstPath)
	}
	return nil
}

// CheckTargetWritable ensures the destination is writable by creating and
// deleting a temporary file.
func CheckTargetWritable(dstPath string) error {
	tempFile := filepath.Join(dstPath, writeTestName)
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("destination directory %s is not writable: %w", dstPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}
