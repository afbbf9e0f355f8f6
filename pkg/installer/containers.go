package installer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
)

const sizeSuffix = ".size"

// DirContainers emulates secure containers with plain directories under a
// root: container cid lives in <root>/<cid> with its allocated size in
// <root>/<cid>.size. An unmounted container keeps its files but reports no
// path. It implements session.Containers.
type DirContainers struct {
	root string

	mu        sync.Mutex
	unmounted map[string]bool
}

// NewDirContainers returns containers rooted at root.
func NewDirContainers(root string) *DirContainers {
	return &DirContainers{root: root, unmounted: make(map[string]bool)}
}

func (c *DirContainers) dir(cid string) string      { return filepath.Join(c.root, cid) }
func (c *DirContainers) sizeFile(cid string) string { return filepath.Join(c.root, cid+sizeSuffix) }

func (c *DirContainers) writeSize(cid string, size int64) error {
	return os.WriteFile(c.sizeFile(cid), []byte(strconv.FormatInt(size, 10)), 0o600)
}

// Create allocates cid with size bytes and returns its mount path.
func (c *DirContainers) Create(cid string, size int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.dir(cid)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("container %s already exists", cid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := c.writeSize(cid, size); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	delete(c.unmounted, cid)
	logger.Debug("Created container %s (%d bytes)", cid, size)
	return dir, nil
}

// Path returns the mount path of cid, or "" when it is not mounted.
func (c *DirContainers) Path(cid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unmounted[cid] {
		return "", nil
	}
	dir := c.dir(cid)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return dir, nil
}

// Size returns the allocated size of cid.
func (c *DirContainers) Size(cid string) (int64, error) {
	data, err := os.ReadFile(c.sizeFile(cid))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (c *DirContainers) Unmount(cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmounted[cid] = true
	return nil
}

// Resize changes the allocation of an unmounted container.
func (c *DirContainers) Resize(cid string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.unmounted[cid] {
		return fmt.Errorf("container %s must be unmounted to resize", cid)
	}
	return c.writeSize(cid, size)
}

func (c *DirContainers) Mount(cid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir := c.dir(cid)
	if _, err := os.Stat(dir); err != nil {
		return "", err
	}
	delete(c.unmounted, cid)
	return dir, nil
}

// Finalize marks every file in cid read-only.
func (c *DirContainers) Finalize(cid string) error {
	return filepath.WalkDir(c.dir(cid), func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		return os.Chmod(p, 0o444)
	})
}

// FixPermissions makes cid world readable: directories 0755, files 0644.
func (c *DirContainers) FixPermissions(cid string) error {
	return filepath.WalkDir(c.dir(cid), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(p, 0o755)
		}
		return os.Chmod(p, 0o644)
	})
}

// Destroy removes cid and its allocation record.
func (c *DirContainers) Destroy(cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unmounted, cid)
	err := os.RemoveAll(c.dir(cid))
	if rerr := os.Remove(c.sizeFile(cid)); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}
