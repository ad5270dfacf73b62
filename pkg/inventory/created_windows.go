//go:build windows

package inventory

import (
	"io/fs"
	"syscall"
	"time"
)

func createdTime(_ string, info fs.FileInfo) time.Time {
	if attr, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		return time.Unix(0, attr.CreationTime.Nanoseconds())
	}
	return info.ModTime()
}
