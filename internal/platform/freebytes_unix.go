//go:build !windows

package platform

import "golang.org/x/sys/unix"

// FreeBytes reports free space on the volume containing path using statfs,
// the same syscall the disk-admission check (spec §4.5) relies on for the
// staging filesystem's volume.
func (DefaultFileSystem) FreeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
