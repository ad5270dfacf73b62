//go:build darwin

package inventory

import (
	"io/fs"
	"syscall"
	"time"
)

func createdTime(_ string, info fs.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Birthtimespec.Sec, st.Birthtimespec.Nsec)
	}
	return info.ModTime()
}
