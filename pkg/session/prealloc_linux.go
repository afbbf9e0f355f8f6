//go:build linux

package session

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves length bytes for f, falling back to truncate when the
// filesystem has no fallocate support.
func preallocate(f *os.File, length int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, length)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTSUP) {
		return f.Truncate(length)
	}
	return err
}
