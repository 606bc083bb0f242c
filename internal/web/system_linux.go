//go:build linux

package web

import "golang.org/x/sys/unix"

// snapshotDisk reports the filesystem holding the state directory. Flags and
// the calibration record are written there, so a full disk breaks the boot
// cycle.
func snapshotDisk(path string) *DiskSnapshot {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return &DiskSnapshot{Path: path, LastError: err.Error()}
	}
	bs := uint64(st.Bsize)
	return &DiskSnapshot{
		Path:       path,
		TotalBytes: st.Blocks * bs,
		FreeBytes:  st.Bfree * bs,
		AvailBytes: st.Bavail * bs,
	}
}
