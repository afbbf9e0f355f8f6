// Package durable implements crash-safe replacement of small documents.
//
// A File keeps the last known good generation of a document in a backup
// sibling while a new generation is written. The backup is deleted only
// after the new generation has been fsynced and closed, so a crash at any
// point leaves at least one complete copy on disk:
//
//	packages.xml          current generation (possibly half-written)
//	packages-backup.xml   previous generation, present only while a write
//	                      is in flight or after a failed write
//
// Readers always prefer the backup when it exists, since its presence means
// the current file may be incomplete.
package durable

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
)

// ErrNotExist is returned by OpenRead when neither generation exists.
var ErrNotExist = errors.New("durable: file does not exist")

// DefaultMode is the permission applied to newly written documents (rw-rw----).
const DefaultMode fs.FileMode = 0o660

// File is a document stored at Path with a backup at BackupPath.
type File struct {
	Path       string
	BackupPath string
	Mode       fs.FileMode
}

// New returns a File whose backup name inserts "-backup" before the
// extension: packages.xml -> packages-backup.xml.
func New(path string) *File {
	ext := filepath.Ext(path)
	backup := strings.TrimSuffix(path, ext) + "-backup" + ext
	return &File{Path: path, BackupPath: backup, Mode: DefaultMode}
}

// NewWithBackup returns a File with an explicit backup path.
func NewWithBackup(path, backup string) *File {
	return &File{Path: path, BackupPath: backup, Mode: DefaultMode}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Exists reports whether either generation is present.
func (f *File) Exists() bool {
	return exists(f.Path) || exists(f.BackupPath)
}

// HasBackup reports whether a backup generation is present.
func (f *File) HasBackup() bool {
	return exists(f.BackupPath)
}

// Write replaces the document with the bytes produced by fn.
//
// Protocol:
//  1. If the current file exists and no backup exists, rename current to
//     backup. If a backup already exists, the current file is from a failed
//     write and is discarded.
//  2. Write the new generation through a buffered writer, flush, fsync, close.
//  3. Delete the backup.
//
// On failure the half-written current file is removed and the backup is
// left in place for the next read.
func (f *File) Write(fn func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", f.Path, err)
	}

	if exists(f.Path) {
		if !exists(f.BackupPath) {
			if err := os.Rename(f.Path, f.BackupPath); err != nil {
				return fmt.Errorf("backup %s: %w", f.Path, err)
			}
		} else {
			_ = os.Remove(f.Path)
			logger.Warn("Preserving older backup %s", f.BackupPath)
		}
	}

	if err := f.writeCurrent(fn); err != nil {
		if rmErr := os.Remove(f.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logger.Warn("Failed to clean up mangled file %s: %v", f.Path, rmErr)
		}
		return err
	}

	if err := os.Remove(f.BackupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove backup %s: %w", f.BackupPath, err)
	}
	return nil
}

func (f *File) writeCurrent(fn func(w io.Writer) error) error {
	mode := f.Mode
	if mode == 0 {
		mode = DefaultMode
	}

	out, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.Path, err)
	}

	buf := bufio.NewWriter(out)
	if err := fn(buf); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	if err := buf.Flush(); err != nil {
		_ = out.Close()
		return fmt.Errorf("flush %s: %w", f.Path, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync %s: %w", f.Path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.Path, err)
	}
	return os.Chmod(f.Path, mode)
}

// Reader is an open generation of a File.
type Reader struct {
	*os.File
	fromBackup bool
}

// FromBackup reports whether the reader was opened on the backup generation.
func (r *Reader) FromBackup() bool { return r.fromBackup }

// OpenRead opens the best available generation. When a backup exists it is
// returned and any current file next to it is deleted, since it may be
// corrupt.
func (f *File) OpenRead() (*Reader, error) {
	if exists(f.BackupPath) {
		in, err := os.Open(f.BackupPath)
		if err == nil {
			if exists(f.Path) {
				logger.Warn("Cleaning up %s, reading from backup", f.Path)
				_ = os.Remove(f.Path)
			}
			return &Reader{File: in, fromBackup: true}, nil
		}
		logger.Warn("Failed to open backup %s: %v", f.BackupPath, err)
	}

	in, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}
	return &Reader{File: in}, nil
}

// Delete removes both generations.
func (f *File) Delete() error {
	var errs []error
	for _, p := range []string{f.Path, f.BackupPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
