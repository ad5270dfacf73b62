package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// PermUserWrite is the user-write permission bit (0200).
	PermUserWrite os.FileMode = 0200

	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// WithUserWritePermission ensures that any directory/file permission has the owner-write
// bit (0200) set. This prevents the mirror user from being locked out of files it
// has to overwrite or rename later.
func WithUserWritePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserWrite
}

// IsHostCaseInsensitiveFS checks if the current operating system (the "host") has a case-insensitive filesystem by default.
func IsHostCaseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// AbsPath expands a leading tilde and returns the cleaned absolute form of path.
func AbsPath(path string) (string, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not resolve absolute path for %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// ComparablePath returns a form of an absolute path that is safe to compare for
// equality on the host: lower-cased where the host filesystem ignores case.
func ComparablePath(absPath string) string {
	p := filepath.Clean(absPath)
	if IsHostCaseInsensitiveFS() {
		p = strings.ToLower(p)
	}
	return p
}

// NormalizedRelPathKey converts a path relative to a root into the canonical
// forward-slash key used for map lookups and exclusion matching.
func NormalizedRelPathKey(relPath string) string {
	key := filepath.ToSlash(filepath.Clean(relPath))
	if key == "." {
		return ""
	}
	return key
}

// DenormalizedAbsPath joins a forward-slash relative key back onto an
// OS-specific root.
func DenormalizedAbsPath(root, relPathKey string) string {
	if relPathKey == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(relPathKey))
}

// IsSubPath reports whether child is located strictly inside parent. Both
// arguments must be absolute.
func IsSubPath(parent, child string) bool {
	rel, err := filepath.Rel(ComparablePath(parent), ComparablePath(child))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// MergeAndDeduplicate combines multiple string slices into a single slice,
// removing any duplicate entries while keeping first-seen order.
func MergeAndDeduplicate(slices ...[]string) []string {
	seen := make(map[string]struct{})
	result := make([]string, 0)
	for _, s := range slices {
		for _, item := range s {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			result = append(result, item)
		}
	}
	return result
}
