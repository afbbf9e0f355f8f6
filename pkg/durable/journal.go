package durable

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// JournaledFile replaces a file by writing a temporary sibling and renaming
// it over the target. Unlike File there is never a moment where the target
// is missing, which matters for files read by processes outside pkgd.
type JournaledFile struct {
	Path string
	Mode fs.FileMode
}

// NewJournaled returns a JournaledFile writing through "<path>.tmp".
func NewJournaled(path string, mode fs.FileMode) *JournaledFile {
	return &JournaledFile{Path: path, Mode: mode}
}

func (j *JournaledFile) tempPath() string {
	return j.Path + ".tmp"
}

// Write commits the bytes produced by fn. On error the temporary file is
// rolled back and the target is untouched.
func (j *JournaledFile) Write(fn func(w io.Writer) error) (err error) {
	dir := filepath.Dir(j.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", j.Path, err)
	}

	tmp := j.tempPath()
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, j.Mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	buf := bufio.NewWriter(out)
	if err = fn(buf); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err = buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", tmp, err)
	}
	if err = out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err = os.Chmod(tmp, j.Mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, j.Path); err != nil {
		return fmt.Errorf("commit %s: %w", j.Path, err)
	}

	return syncDir(dir)
}

// syncDir makes a rename durable by fsyncing the containing directory.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
