// Package inventory builds ordered, hashed listings of a directory tree.
//
// An Inventory is created fresh on every scan and never mutated afterwards;
// it is the only input the reconciler needs besides the two roots.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/exclusion"
	"github.com/paulschiretz/pgl-mirror/pkg/filehash"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ErrNotADirectory is returned by Scan when the root is missing or is not a
// directory. It is fatal to the scan, unlike per-file hashing errors.
var ErrNotADirectory = errors.New("not a directory")

// FileRecord describes one regular file. Size and the timestamps are
// informational; Hash is the only equality key.
type FileRecord struct {
	Name        string    // Base name.
	Path        string    // Absolute, cleaned path.
	RelPath     string    // Forward-slash path relative to the scanned root.
	Size        int64     // Size in bytes.
	ModTime     time.Time // Last modification time.
	CreatedTime time.Time // Platform creation time, ModTime where unavailable.
	Hash        string    // Hex digest of the full content.
}

// ParentKey returns the forward-slash relative path of the record's directory,
// "" for files directly under the root.
func (r FileRecord) ParentKey() string {
	dir := path.Dir(r.RelPath)
	if dir == "." {
		return ""
	}
	return dir
}

// DirRecord is a directory that contains neither files nor subdirectories.
type DirRecord struct {
	Path    string // Absolute, resolved path.
	RelPath string // Forward-slash path relative to the scanned root.
}

// Inventory is an ordered listing of one directory tree.
type Inventory struct {
	Root      string
	Records   []FileRecord
	EmptyDirs []DirRecord
}

// ByHash groups records by content hash, keeping inventory order inside each group.
func (inv *Inventory) ByHash() map[string][]FileRecord {
	m := make(map[string][]FileRecord, len(inv.Records))
	for _, r := range inv.Records {
		m[r.Hash] = append(m[r.Hash], r)
	}
	return m
}

// ByRelPath indexes records by their relative path key.
func (inv *Inventory) ByRelPath() map[string]FileRecord {
	m := make(map[string]FileRecord, len(inv.Records))
	for _, r := range inv.Records {
		m[r.RelPath] = r
	}
	return m
}

// Options controls a scan.
type Options struct {
	// Recursive descends into subdirectories. When false only the root level is listed.
	Recursive bool
	// TrackEmptyDirs collects directories without any entries.
	TrackEmptyDirs bool
	// Exclusions filters entries by name and relative path. nil excludes nothing.
	Exclusions *exclusion.Set
	// Hasher fingerprints each file. nil uses filehash.New().
	Hasher *filehash.Hasher
}

// Scan walks root and returns its inventory sorted by (CreatedTime, Name),
// with RelPath as the final tie-break. Files that cannot be hashed are dropped
// with a warning. Scan fails only if the root is unusable or ctx is cancelled.
func Scan(ctx context.Context, root string, opts Options) (*Inventory, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve root %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotADirectory, absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, absRoot)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	hasher := opts.Hasher
	if hasher == nil {
		hasher = filehash.New()
	}

	inv := &Inventory{Root: absRoot}
	// Number of raw entries seen per directory key, used for empty-dir detection.
	childCount := make(map[string]int)
	var dirs []string

	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if p == absRoot {
				return fmt.Errorf("%w: %s: %v", ErrNotADirectory, absRoot, walkErr)
			}
			plog.Warn("Skipping unreadable entry", "path", p, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(absRoot, p)
		if err != nil {
			plog.Warn("Skipping entry outside root", "path", p, "error", err)
			return nil
		}
		relPathKey := util.NormalizedRelPathKey(relPath)
		if relPathKey == "" {
			return nil // The root itself.
		}
		childCount[util.NormalizedRelPathKey(filepath.Dir(relPath))]++

		if opts.Exclusions.Matches(relPathKey, d.Name()) {
			plog.Debug("EXCL", "path", relPathKey)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if !opts.Recursive {
				return filepath.SkipDir
			}
			dirs = append(dirs, relPathKey)
			return nil
		}
		if !d.Type().IsRegular() {
			// Symlinks, devices and sockets are not mirrored.
			return nil
		}

		record, err := buildRecord(hasher, p, relPathKey, d)
		if err != nil {
			plog.Warn("Skipping file, could not read it", "path", relPathKey, "error", err)
			return nil
		}
		inv.Records = append(inv.Records, record)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotADirectory) {
			return nil, err
		}
		return nil, fmt.Errorf("scan of %s aborted: %w", absRoot, err)
	}

	sortRecords(inv.Records)

	if opts.TrackEmptyDirs {
		for _, key := range dirs {
			if childCount[key] == 0 {
				inv.EmptyDirs = append(inv.EmptyDirs, DirRecord{
					Path:    util.DenormalizedAbsPath(absRoot, key),
					RelPath: key,
				})
			}
		}
		sort.Slice(inv.EmptyDirs, func(i, j int) bool { return inv.EmptyDirs[i].RelPath < inv.EmptyDirs[j].RelPath })
	}
	return inv, nil
}

func buildRecord(hasher *filehash.Hasher, absPath, relPathKey string, d fs.DirEntry) (FileRecord, error) {
	info, err := d.Info()
	if err != nil {
		return FileRecord{}, err
	}
	sum, err := hasher.Sum(absPath)
	if err != nil {
		return FileRecord{}, err
	}
	return FileRecord{
		Name:        d.Name(),
		Path:        absPath,
		RelPath:     relPathKey,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		CreatedTime: createdTime(absPath, info),
		Hash:        sum,
	}, nil
}

// Stat builds a FileRecord for a single file below root, for callers that
// react to one path instead of rescanning the whole tree.
func Stat(hasher *filehash.Hasher, root, absPath string) (FileRecord, error) {
	if hasher == nil {
		hasher = filehash.New()
	}
	relPath, err := filepath.Rel(root, absPath)
	if err != nil {
		return FileRecord{}, fmt.Errorf("could not relate %s to %s: %w", absPath, root, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return FileRecord{}, err
	}
	if !info.Mode().IsRegular() {
		return FileRecord{}, fmt.Errorf("%s is not a regular file", absPath)
	}
	sum, err := hasher.Sum(absPath)
	if err != nil {
		return FileRecord{}, err
	}
	return FileRecord{
		Name:        info.Name(),
		Path:        absPath,
		RelPath:     util.NormalizedRelPathKey(relPath),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		CreatedTime: createdTime(absPath, info),
		Hash:        sum,
	}, nil
}

func sortRecords(records []FileRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedTime.Equal(b.CreatedTime) {
			return a.CreatedTime.Before(b.CreatedTime)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.RelPath < b.RelPath
	})
}
