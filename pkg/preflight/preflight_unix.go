//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sameDirectory compares device and inode numbers, which catches bind
// mounts, hard-linked paths and symlinked roots that differ by name.
func sameDirectory(a, b string) (bool, error) {
	var sa, sb unix.Stat_t
	if err := unix.Stat(a, &sa); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", a, err)
	}
	if err := unix.Stat(b, &sb); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", b, err)
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino, nil
}

// checkVolumeExists is a no-op on Unix; there are no drive letters.
func checkVolumeExists(string) error {
	return nil
}
