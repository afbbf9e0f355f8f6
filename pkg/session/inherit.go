package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// isLinkPossible reports whether every file in from lives on the same
// device as toDir.
func isLinkPossible(from []string, toDir string) bool {
	var to unix.Stat_t
	if err := unix.Stat(toDir, &to); err != nil {
		return false
	}
	for _, f := range from {
		var st unix.Stat_t
		if err := unix.Stat(f, &st); err != nil {
			return false
		}
		if st.Dev != to.Dev {
			return false
		}
	}
	return true
}

// relativePath returns file relative to base. Paths containing "/." are
// rejected outright.
func relativePath(file, base string) (string, error) {
	if strings.Contains(file, "/.") {
		return "", fmt.Errorf("invalid path (was relative): %s", file)
	}
	prefix := strings.TrimSuffix(base, "/") + "/"
	if !strings.HasPrefix(file, prefix) {
		return "", fmt.Errorf("file %s outside base %s", file, base)
	}
	return strings.TrimPrefix(file, prefix), nil
}

func createOatDirs(instructionSets []string, oatDir string) error {
	for _, isa := range instructionSets {
		if err := os.MkdirAll(filepath.Join(oatDir, isa), 0o771); err != nil {
			return fmt.Errorf("failed to create oat dir for %s: %w", isa, err)
		}
	}
	return nil
}

// linkFiles hard-links each file of from, relative to fromDir, into toDir.
// On failure the links already made are removed.
func linkFiles(from []string, fromDir, toDir string) (int, error) {
	var linked []string
	undo := func() {
		for _, l := range linked {
			_ = os.Remove(l)
		}
	}

	for _, f := range from {
		rel, err := relativePath(f, fromDir)
		if err != nil {
			undo()
			return 0, err
		}
		target := filepath.Join(toDir, rel)
		if err := unix.Link(f, target); err != nil {
			undo()
			return 0, fmt.Errorf("failed to link %s into %s: %w", rel, toDir, err)
		}
		linked = append(linked, target)
	}
	return len(linked), nil
}

// copyFiles copies each file of from, relative to fromDir, into toDir via
// a temporary file. Leftover temporaries of an earlier attempt are purged
// first.
func copyFiles(from []string, fromDir, toDir string) (int, error) {
	entries, err := os.ReadDir(toDir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			_ = os.Remove(filepath.Join(toDir, e.Name()))
		}
	}

	for _, f := range from {
		rel, err := relativePath(f, fromDir)
		if err != nil {
			return 0, err
		}
		target := filepath.Join(toDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o771); err != nil {
			return 0, err
		}
		if err := copyFile(f, toDir, target); err != nil {
			return 0, err
		}
	}
	return len(from), nil
}

func copyFile(src, tmpDir, target string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(tmpDir, "inherit*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to copy %s to %s: %w", src, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, target, err)
	}
	return nil
}
