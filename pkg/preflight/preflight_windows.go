//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

// sameDirectory compares volume serial numbers and file indexes.
func sameDirectory(a, b string) (bool, error) {
	ia, err := fileIdentity(a)
	if err != nil {
		return false, err
	}
	ib, err := fileIdentity(b)
	if err != nil {
		return false, err
	}
	return ia == ib, nil
}

type identity struct {
	volume uint32
	high   uint32
	low    uint32
}

func fileIdentity(path string) (identity, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return identity{}, err
	}
	h, err := windows.CreateFile(p, 0, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return identity{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer windows.CloseHandle(h)

	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &info); err != nil {
		return identity{}, fmt.Errorf("failed to query %s: %w", path, err)
	}
	return identity{volume: info.VolumeSerialNumber, high: info.FileIndexHigh, low: info.FileIndexLow}, nil
}

// checkVolumeExists verifies that the drive or network share root for a given path exists.
// For example, for "Z:\mirror", it checks if "Z:\" exists.
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	checkVol := volume
	if !strings.HasSuffix(checkVol, string(filepath.Separator)) {
		checkVol += string(filepath.Separator)
	}
	checkVol = filepath.Clean(checkVol)

	if _, err := os.Stat(checkVol); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", checkVol)
	}
	return nil
}
