//go:build !linux

package web

func snapshotDisk(path string) *DiskSnapshot {
	return &DiskSnapshot{Path: path, LastError: "unsupported OS"}
}
