//go:build linux

package inventory

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// createdTime returns the birth time reported by statx, falling back to the
// inode change time and finally to the modification time.
func createdTime(path string, info fs.FileInfo) time.Time {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME|unix.STATX_CTIME, &stx)
	if err != nil {
		return info.ModTime()
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	if stx.Mask&unix.STATX_CTIME != 0 {
		return time.Unix(stx.Ctime.Sec, int64(stx.Ctime.Nsec))
	}
	return info.ModTime()
}
