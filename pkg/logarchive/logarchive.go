// Package logarchive rotates the mirror's log file at startup.
//
// When the log file has grown past its size limit it is compressed next to
// itself as "<name>.<timestamp><ext>.<gz|zst>" and truncated. Only the newest
// archives are kept.
package logarchive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

const timestampFormat = "20060102-150405"

// Options control when and how a log file is rotated.
type Options struct {
	MaxSize int64
	Format  Format
	Keep    int
}

// ArchiveName returns the archive path for logPath rotated at t.
func ArchiveName(logPath string, t time.Time, format Format) string {
	ext := filepath.Ext(logPath)
	stem := logPath[:len(logPath)-len(ext)]
	return fmt.Sprintf("%s.%s%s%s", stem, t.UTC().Format(timestampFormat), ext, format.Extension())
}

// Rotate archives logPath if it is larger than opts.MaxSize. It returns the
// archive path, or "" when no rotation was needed.
func Rotate(logPath string, opts Options, now time.Time) (string, error) {
	info, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat log file: %w", err)
	}
	if opts.MaxSize <= 0 || info.Size() <= opts.MaxSize {
		return "", nil
	}

	archivePath := ArchiveName(logPath, now, opts.Format)
	if err := compressFile(logPath, archivePath, opts.Format); err != nil {
		return "", err
	}
	if err := os.Truncate(logPath, 0); err != nil {
		return archivePath, fmt.Errorf("failed to truncate rotated log file: %w", err)
	}
	plog.Debug("Rotated log file", "path", logPath, "archive", archivePath, "size", info.Size())

	if opts.Keep > 0 {
		prune(logPath, opts.Format, opts.Keep)
	}
	return archivePath, nil
}

func compressFile(srcPath, archivePath string, format Format) (retErr error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".pgl-mirror-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	bufWriter := bufio.NewWriterSize(tmp, int(pool.BlockSize))
	compressed, err := newCompressor(bufWriter, format)
	if err != nil {
		return err
	}

	buf := make([]byte, pool.BlockSize)
	if _, err := io.CopyBuffer(compressed, src, buf); err != nil {
		compressed.Close()
		return fmt.Errorf("failed to compress log file: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return fmt.Errorf("compressed writer close failed: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("buffer flush failed: %w", err)
	}
	if err := tmp.Chmod(util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set archive permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return nil
}

func newCompressor(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case Zst:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	case Gz:
		gw, err := pgzip.NewWriterLevel(w, pgzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", format)
	}
}

// prune removes all but the newest keep archives of logPath. The timestamp
// in the name sorts lexically, so name order is age order.
func prune(logPath string, format Format, keep int) {
	ext := filepath.Ext(logPath)
	stem := logPath[:len(logPath)-len(ext)]
	pattern := stem + ".*" + ext + format.Extension()

	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to list log archives", "pattern", pattern, "error", err)
		return
	}
	if len(matches) <= keep {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keep] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove old log archive", "path", old, "error", err)
			continue
		}
		plog.Debug("Removed old log archive", "path", old)
	}
}
