package engine

import (
	"path/filepath"
	"syscall"

	engpipeline "github.com/99souls/waypoint/engine/internal/pipeline"
)

// diskFreeChecker returns a pipeline.DiskChecker reporting free bytes on the
// volume holding the persistence file. No third-party disk-usage library
// appears anywhere in the example pack (see DESIGN.md); syscall.Statfs is
// the only available primitive for this single stdlib-backed concern.
func diskFreeChecker(persistencePath string) engpipeline.DiskChecker {
	dir := filepath.Dir(persistencePath)
	return func() (int64, error) {
		return diskFreeBytes(dir)
	}
}

func diskFreeBytes(dir string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
