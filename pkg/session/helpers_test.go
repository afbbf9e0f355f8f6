package session

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite/apktest"
)

const waitTimeout = 5 * time.Second

type recordingCallback struct {
	mu       sync.Mutex
	events   []string
	progress []float64
}

func (c *recordingCallback) record(e string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *recordingCallback) OnActiveChanged(_ *Session, active bool) {
	c.record(fmt.Sprintf("active=%t", active))
}
func (c *recordingCallback) OnPrepared(*Session) { c.record("prepared") }
func (c *recordingCallback) OnSealed(*Session)   { c.record("sealed") }
func (c *recordingCallback) OnProgressChanged(_ *Session, p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, p)
}
func (c *recordingCallback) OnFinished(_ *Session, success bool) {
	c.record(fmt.Sprintf("finished=%t", success))
}

func (c *recordingCallback) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *recordingCallback) Progress() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.progress...)
}

type result struct {
	code    Code
	pkg     string
	message string
}

type chanReceiver struct {
	actions  chan int
	results  chan result
	mu       sync.Mutex
	finished int
}

func newReceiver() *chanReceiver {
	return &chanReceiver{actions: make(chan int, 4), results: make(chan result, 4)}
}

func (r *chanReceiver) OnUserActionRequired(id int) { r.actions <- id }

func (r *chanReceiver) OnPackageInstalled(_ int, pkg string, code Code, msg string, _ map[string]string) {
	r.mu.Lock()
	r.finished++
	r.mu.Unlock()
	r.results <- result{code: code, pkg: pkg, message: msg}
}

func (r *chanReceiver) Finished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *chanReceiver) wait(t *testing.T) result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for install result")
		return result{}
	}
}

func (r *chanReceiver) waitAction(t *testing.T) int {
	t.Helper()
	select {
	case id := <-r.actions:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for user action request")
		return 0
	}
}

type fakeInstaller struct {
	mu    sync.Mutex
	reqs  []InstallRequest
	code  Code
	block chan struct{}
	// hook runs synchronously before InstallStage returns.
	hook func(InstallRequest)
}

func (f *fakeInstaller) InstallStage(_ context.Context, req InstallRequest, done func(InstallResult)) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	code, block, hook := f.code, f.block, f.hook
	f.mu.Unlock()
	if code == 0 {
		code = Succeeded
	}
	if hook != nil {
		hook(req)
	}
	go func() {
		if block != nil {
			<-block
		}
		done(InstallResult{PackageName: req.PackageName, Code: code})
	}()
}

func (f *fakeInstaller) Requests() []InstallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InstallRequest(nil), f.reqs...)
}

type fakePackages map[string]*InstalledPackage

func (f fakePackages) InstalledPackage(name string, _ int) (*InstalledPackage, error) {
	return f[name], nil
}

type fakePermissions struct{ granted bool }

func (f fakePermissions) HasInstallPermission(int) bool { return f.granted }
func (f fakePermissions) IsDeviceOwner(string) bool     { return false }

type fakeContainers struct {
	mu      sync.Mutex
	root    string
	size    map[string]int64
	mounted map[string]bool
	ops     []string
}

func newFakeContainers(t *testing.T) *fakeContainers {
	return &fakeContainers{root: t.TempDir(), size: map[string]int64{}, mounted: map[string]bool{}}
}

func (c *fakeContainers) op(s string) {
	c.ops = append(c.ops, s)
}

func (c *fakeContainers) Create(cid string, size int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op("create")
	path := filepath.Join(c.root, cid)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	c.size[cid] = size
	c.mounted[cid] = true
	return path, nil
}

func (c *fakeContainers) Path(cid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted[cid] {
		return "", nil
	}
	return filepath.Join(c.root, cid), nil
}

func (c *fakeContainers) Size(cid string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size[cid], nil
}

func (c *fakeContainers) Unmount(cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op("unmount")
	c.mounted[cid] = false
	return nil
}

func (c *fakeContainers) Resize(cid string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op("resize")
	c.size[cid] = size
	return nil
}

func (c *fakeContainers) Mount(cid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op("mount")
	c.mounted[cid] = true
	return filepath.Join(c.root, cid), nil
}

func (c *fakeContainers) Finalize(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op("finalize")
	return nil
}

func (c *fakeContainers) FixPermissions(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op("fix")
	return nil
}

func (c *fakeContainers) Destroy(cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op("destroy")
	delete(c.mounted, cid)
	return os.RemoveAll(filepath.Join(c.root, cid))
}

func (c *fakeContainers) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

type harness struct {
	stageDir  string
	callback  *recordingCallback
	installer *fakeInstaller
	packages  fakePackages
	receiver  *chanReceiver
}

func newHarness(t *testing.T, params Params, mods ...func(*Config)) (*harness, *Session) {
	t.Helper()
	h := &harness{
		stageDir:  filepath.Join(t.TempDir(), "vmdl1.tmp"),
		callback:  &recordingCallback{},
		installer: &fakeInstaller{},
		packages:  fakePackages{},
		receiver:  newReceiver(),
	}
	if params.Mode == 0 {
		params.Mode = ModeFullInstall
	}
	cfg := Config{
		ID:                   1,
		UserID:               0,
		InstallerPackageName: "com.android.shell",
		InstallerUID:         rootUID,
		Params:               params,
		StageDir:             h.stageDir,
		Callback:             h.callback,
		Env: Environment{
			Packages:  h.packages,
			Installer: h.installer,
		},
	}
	for _, m := range mods {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return h, s
}

func apkBytes(t *testing.T, spec apktest.Spec) []byte {
	t.Helper()
	data, err := apktest.Bytes(spec)
	require.NoError(t, err)
	return data
}

// stage streams data into the session under name.
func stage(t *testing.T, s *Session, name string, data []byte) {
	t.Helper()
	b, err := s.OpenWrite(name, 0, int64(len(data)))
	require.NoError(t, err)
	_, err = b.Write(data)
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

// installedApp lays out an installed package with a base, the given splits
// and compiled code for x86_64, and returns its description.
func installedApp(t *testing.T, pkg string, version int, splits ...string) *InstalledPackage {
	t.Helper()
	dir := filepath.Join(t.TempDir(), pkg+"-1")
	base := filepath.Join(dir, apklite.BaseName)
	apktest.Write(t, base, apktest.Spec{Package: pkg, VersionCode: version})
	for _, split := range splits {
		apktest.Write(t, filepath.Join(dir, "split_"+split+".apk"), apktest.Spec{Package: pkg, VersionCode: version, Split: split})
	}
	oat := filepath.Join(dir, "oat", "x86_64")
	require.NoError(t, os.MkdirAll(oat, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(oat, "base.odex"), []byte("odex"), 0o644))

	apk, err := apklite.ParseApkLite(base)
	require.NoError(t, err)
	return &InstalledPackage{
		PackageName:  pkg,
		VersionCode:  version,
		Signatures:   apk.Signatures,
		SplitNames:   splits,
		CodePath:     dir,
		BaseCodePath: base,
	}
}

// listTree returns every regular file below dir, relative to it.
func listTree(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			files = append(files, rel)
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}
