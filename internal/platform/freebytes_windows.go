//go:build windows

package platform

import "golang.org/x/sys/windows"

// FreeBytes reports free space on the volume containing path using
// GetDiskFreeSpaceEx, mirroring FreeBytes on non-Windows platforms.
func (DefaultFileSystem) FreeBytes(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeAvailable, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeAvailable, &total, &totalFree); err != nil {
		return 0, err
	}
	return freeAvailable, nil
}
