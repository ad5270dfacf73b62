//go:build !linux && !darwin && !windows

package inventory

import (
	"io/fs"
	"time"
)

func createdTime(_ string, info fs.FileInfo) time.Time {
	return info.ModTime()
}
