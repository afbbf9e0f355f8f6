package session

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
)

// LocalStorage stages sessions in plain directories on the local
// filesystem.
type LocalStorage struct{}

// PrepareStageDir creates dir with mode 0755.
func (LocalStorage) PrepareStageDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare stage %s: %w", dir, err)
	}
	// MkdirAll applies the umask; force the final mode.
	if err := os.Chmod(dir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare stage %s: %w", dir, err)
	}
	return nil
}

// RemoveStageDir deletes dir and everything below it.
func (LocalStorage) RemoveStageDir(dir string) error {
	return os.RemoveAll(dir)
}

// FreeStorage checks that bytes are available on the filesystem holding
// volumeUUID. There is no cache to trim, so a shortfall is an error.
func (LocalStorage) FreeStorage(volumeUUID string, bytes int64) error {
	path := volumeUUID
	if path == "" {
		path = os.TempDir()
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		logger.Debug("FreeStorage: statfs %s: %v", path, err)
		return nil
	}
	avail := int64(st.Bavail) * int64(st.Bsize)
	if avail < bytes {
		return fmt.Errorf("need %d bytes on %s, only %d available: %w", bytes, path, avail, unix.ENOSPC)
	}
	return nil
}
