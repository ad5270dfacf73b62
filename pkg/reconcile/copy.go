package reconcile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// tempFilePattern names in-flight copies. The leading dot keeps them out of
// every scan and event stream through the hidden-file exclusion.
const tempFilePattern = ".pgl-mirror-*.tmp"

// CopyFile copies absSrcPath to absTrgPath, creating missing parent
// directories first. The copy is atomic: content is written to a temporary
// file in the target directory and renamed into place only once it is
// complete, so a failed copy never leaves a partial file behind.
// It returns the number of bytes written.
func (r *Reconciler) CopyFile(absSrcPath, absTrgPath string) (int64, error) {
	if err := r.ensureDir(filepath.Dir(absTrgPath)); err != nil {
		return 0, err
	}

	var lastErr error
	for i := range r.opts.RetryCount + 1 {
		if i > 0 {
			plog.Warn("Retrying file copy", "file", absSrcPath, "attempt", fmt.Sprintf("%d/%d", i, r.opts.RetryCount), "after", r.opts.RetryWait)
			time.Sleep(r.opts.RetryWait)
		}

		var written int64
		written, lastErr = r.copyFileOnce(absSrcPath, absTrgPath)
		if lastErr == nil {
			r.metrics.AddBytesWritten(written)
			return written, nil
		}
		if errors.Is(lastErr, os.ErrNotExist) {
			// The source vanished; retrying cannot help.
			break
		}
	}
	return 0, fmt.Errorf("failed to copy file from '%s' to '%s': %w", absSrcPath, absTrgPath, lastErr)
}

func (r *Reconciler) copyFileOnce(absSrcPath, absTrgPath string) (written int64, err error) {
	// 1. Open source file.
	in, err := os.Open(absSrcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file %s: %w", absSrcPath, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source file %s: %w", absSrcPath, err)
	}

	absTrgDir := filepath.Dir(absTrgPath)

	// 2. Create a temporary file in the destination directory.
	out, err := os.CreateTemp(absTrgDir, tempFilePattern)
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file in %s: %w", absTrgDir, err)
	}

	absTempPath := out.Name()
	// Removed unless the final rename succeeds.
	defer func() {
		if absTempPath != "" {
			os.Remove(absTempPath)
		}
	}()

	// 3. Copy content.
	bufPtr := r.buffers.Get()
	defer r.buffers.Put(bufPtr)
	buf := (*bufPtr)[:cap(*bufPtr)]

	if written, err = io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to copy content from %s to %s: %w", absSrcPath, absTempPath, err)
	}

	// 4. Carry over permissions, keeping the destination writable for later overwrites.
	if err := out.Chmod(util.WithUserWritePermission(info.Mode().Perm())); err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to set permissions on temporary file %s: %w", absTempPath, err)
	}

	// 5. Close before Chtimes; flushing may touch the modification time.
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temporary file %s: %w", absTempPath, err)
	}

	// 6. Carry over timestamps.
	if err := os.Chtimes(absTempPath, info.ModTime(), info.ModTime()); err != nil {
		return 0, fmt.Errorf("failed to set timestamps on %s: %w", absTempPath, err)
	}

	// 7. Atomically move the temporary file into place.
	if err := os.Rename(absTempPath, absTrgPath); err != nil {
		return 0, fmt.Errorf("failed to move %s into place: %w", absTrgPath, err)
	}
	absTempPath = ""
	return written, nil
}

// ensureDir creates absDir and any missing parents at the destination.
func (r *Reconciler) ensureDir(absDir string) error {
	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("destination path %s exists but is not a directory", absDir)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat destination directory %s: %w", absDir, err)
	}
	if err := os.MkdirAll(absDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", absDir, err)
	}
	return nil
}
