package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/clock"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite/apktest"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index/memory"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/settings"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/workerpool"
)

const waitTimeout = 5 * time.Second

type result struct {
	code    session.Code
	pkg     string
	message string
	extras  map[string]string
}

type receiver struct {
	actions chan int
	results chan result
}

func newReceiver() *receiver {
	return &receiver{actions: make(chan int, 1), results: make(chan result, 1)}
}

func (r *receiver) OnUserActionRequired(id int) { r.actions <- id }

func (r *receiver) OnPackageInstalled(_ int, pkg string, code session.Code, msg string, extras map[string]string) {
	r.results <- result{code: code, pkg: pkg, message: msg, extras: extras}
}

func (r *receiver) wait(t *testing.T) result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for install result")
		return result{}
	}
}

type env struct {
	svc        *Service
	registry   *settings.Registry
	index      *memory.Store
	stagingDir string
	appDir     string
}

func newEnv(t *testing.T, mods ...func(*Config, *Deps)) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		index:      memory.New(),
		stagingDir: filepath.Join(root, "staging"),
		appDir:     filepath.Join(root, "app"),
	}
	e.registry = settings.New(settings.NewLock(), settings.Options{
		DataDir: filepath.Join(root, "system"),
		Clock:   clock.NewFake(time.Unix(1_700_000_000, 0)),
	})
	lookup := NewRegistryLookup(e.registry)

	cfg := Config{StagingDir: e.stagingDir}
	deps := Deps{
		Index:       e.index,
		Installer:   NewLocalInstaller(e.registry, e.appDir, filepath.Join(root, "data")),
		Packages:    lookup,
		Permissions: lookup,
		Containers:  NewDirContainers(filepath.Join(root, "asec")),
	}
	for _, m := range mods {
		m(&cfg, &deps)
	}
	svc, err := New(cfg, deps)
	require.NoError(t, err)
	e.svc = svc
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return e
}

func (e *env) install(t *testing.T, uid int, params session.Params, apks ...apktest.Spec) result {
	t.Helper()
	id, err := e.svc.CreateSession(context.Background(), params, "com.example.store", uid, 0)
	require.NoError(t, err)
	sess, err := e.svc.OpenSession(id, uid)
	require.NoError(t, err)

	for i, spec := range apks {
		data, err := apktest.Bytes(spec)
		require.NoError(t, err)
		b, err := sess.OpenWrite(fmt.Sprintf("%d.apk", i), 0, int64(len(data)))
		require.NoError(t, err)
		_, err = b.Write(data)
		require.NoError(t, err)
		require.NoError(t, b.Close())
	}
	sess.Close()

	rcv := newReceiver()
	require.NoError(t, sess.Commit(rcv))
	return rcv.wait(t)
}

func (e *env) pkg(t *testing.T, name string) *settings.PackageSetting {
	t.Helper()
	g := e.registry.Lock().Read()
	defer g.Release()
	return e.registry.Package(g, name)
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestService_InstallNewPackage(t *testing.T) {
	e := newEnv(t)

	res := e.install(t, 0, session.Params{}, apktest.Spec{Package: "com.example", VersionCode: 3})
	require.Equal(t, session.Succeeded, res.code, res.message)
	assert.Equal(t, "com.example", res.pkg)
	assert.NotEmpty(t, res.extras["commit_id"])

	p := e.pkg(t, "com.example")
	require.NotNil(t, p)
	codePath := filepath.Join(e.appDir, "com.example-1")
	assert.Equal(t, codePath, p.CodePath)
	assert.Equal(t, 3, p.VersionCode)
	assert.Equal(t, "com.example.store", p.InstallerPackageName)
	assert.GreaterOrEqual(t, p.AppID, settings.FirstApplicationUID)
	assert.True(t, p.States().GetInstalled(0))
	assert.Equal(t, []string{"base.apk"}, dirNames(t, codePath))

	assert.Eventually(t, func() bool {
		records, err := e.index.List(context.Background())
		return err == nil && len(records) == 0
	}, waitTimeout, time.Millisecond)
	require.Len(t, e.svc.History(), 1)
	assert.Empty(t, e.svc.Sessions(session.UserAll))
	assert.Equal(t, session.Succeeded, e.svc.History()[0].Code)
	assert.Empty(t, dirNames(t, e.stagingDir))
}

func TestService_UpdateAndDowngrade(t *testing.T) {
	e := newEnv(t)

	res := e.install(t, 0, session.Params{}, apktest.Spec{Package: "com.example", VersionCode: 1})
	require.Equal(t, session.Succeeded, res.code, res.message)

	t.Run("WithoutReplaceFlag", func(t *testing.T) {
		res := e.install(t, 0, session.Params{}, apktest.Spec{Package: "com.example", VersionCode: 2})
		assert.Equal(t, session.FailedAlreadyExists, res.code)
	})

	t.Run("Replace", func(t *testing.T) {
		res := e.install(t, 0, session.Params{InstallFlags: session.InstallReplaceExisting},
			apktest.Spec{Package: "com.example", VersionCode: 2})
		require.Equal(t, session.Succeeded, res.code, res.message)

		p := e.pkg(t, "com.example")
		assert.Equal(t, filepath.Join(e.appDir, "com.example-2"), p.CodePath)
		assert.Equal(t, 2, p.VersionCode)
		assert.NoDirExists(t, filepath.Join(e.appDir, "com.example-1"))
	})

	t.Run("Downgrade", func(t *testing.T) {
		res := e.install(t, 0, session.Params{InstallFlags: session.InstallReplaceExisting},
			apktest.Spec{Package: "com.example", VersionCode: 1})
		assert.Equal(t, session.FailedVersionDowngrade, res.code)
		assert.Equal(t, 2, e.pkg(t, "com.example").VersionCode)
	})

	t.Run("SignatureMismatch", func(t *testing.T) {
		res := e.install(t, 0, session.Params{InstallFlags: session.InstallReplaceExisting},
			apktest.Spec{Package: "com.example", VersionCode: 5, Certs: [][]byte{[]byte("impostor")}})
		assert.Equal(t, session.FailedUpdateIncompatible, res.code)
	})
}

func TestService_InheritAddsSplit(t *testing.T) {
	e := newEnv(t)

	res := e.install(t, 0, session.Params{},
		apktest.Spec{Package: "com.example", VersionCode: 4},
		apktest.Spec{Package: "com.example", VersionCode: 4, Split: "a"})
	require.Equal(t, session.Succeeded, res.code, res.message)

	res = e.install(t, 0, session.Params{Mode: session.ModeInheritExisting, AppPackageName: "com.example"},
		apktest.Spec{Package: "com.example", VersionCode: 4, Split: "b"})
	require.Equal(t, session.Succeeded, res.code, res.message)

	p := e.pkg(t, "com.example")
	assert.Equal(t, []string{"base.apk", "split_a.apk", "split_b.apk"}, dirNames(t, p.CodePath))
}

func TestService_InheritRequiresInstalledPackage(t *testing.T) {
	e := newEnv(t)
	res := e.install(t, 0, session.Params{Mode: session.ModeInheritExisting, AppPackageName: "com.example"},
		apktest.Spec{Package: "com.example", VersionCode: 1, Split: "a"})
	assert.Equal(t, session.FailedInvalidAPK, res.code)
	assert.Equal(t, "Missing existing base package for com.example", res.message)
}

func TestService_ContainerInstall(t *testing.T) {
	e := newEnv(t)
	res := e.install(t, 0, session.Params{InstallFlags: session.InstallExternal, SizeBytes: 1},
		apktest.Spec{Package: "com.example", VersionCode: 1})
	require.Equal(t, session.Succeeded, res.code, res.message)
	assert.Equal(t, []string{"base.apk"}, dirNames(t, e.pkg(t, "com.example").CodePath))
}

func TestService_PermissionPrompt(t *testing.T) {
	e := newEnv(t)
	const uid = 10077

	id, err := e.svc.CreateSession(context.Background(), session.Params{}, "com.thirdparty", uid, 0)
	require.NoError(t, err)
	sess, err := e.svc.OpenSession(id, uid)
	require.NoError(t, err)
	data, err := apktest.Bytes(apktest.Spec{Package: "com.example", VersionCode: 1})
	require.NoError(t, err)
	b, err := sess.OpenWrite("base.apk", 0, 0)
	require.NoError(t, err)
	_, err = b.Write(data)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	rcv := newReceiver()
	require.NoError(t, sess.Commit(rcv))
	select {
	case got := <-rcv.actions:
		assert.Equal(t, id, got)
	case <-time.After(waitTimeout):
		t.Fatal("no user action requested")
	}

	require.NoError(t, sess.SetPermissionsResult(true))
	res := rcv.wait(t)
	require.Equal(t, session.Succeeded, res.code, res.message)
	assert.Equal(t, "com.thirdparty", e.pkg(t, "com.example").InstallerPackageName)
}

func TestService_CreateSessionAdjustsFlags(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateSession(context.Background(), session.Params{InstallFlags: session.InstallAllUsers}, "com.store", 10050, 0)
	require.NoError(t, err)
	e.svc.mu.Lock()
	sess := e.svc.sessions[id]
	e.svc.mu.Unlock()

	flags := sess.Params().InstallFlags
	assert.False(t, flags.Has(session.InstallAllUsers))
	assert.True(t, flags.Has(session.InstallReplaceExisting))
	assert.Equal(t, filepath.Join(e.stagingDir, fmt.Sprintf("vmdl%d.tmp", id)), sess.StageDir())

	id, err = e.svc.CreateSession(context.Background(), session.Params{}, "", 0, 0)
	require.NoError(t, err)
	info, ok := e.svc.SessionInfo(id)
	require.True(t, ok)
	assert.Equal(t, "com.android.shell", info.InstallerPackageName)
	assert.Positive(t, info.SessionID)
}

func TestService_CreateSessionRejects(t *testing.T) {
	t.Run("InvalidParams", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.CreateSession(context.Background(), session.Params{Mode: session.ModeInheritExisting}, "p", 0, 0)
		assert.ErrorIs(t, err, session.ErrInvalidArgument)
	})

	t.Run("TooManySessions", func(t *testing.T) {
		e := newEnv(t, func(c *Config, _ *Deps) { c.MaxActiveSessions = 2 })
		for range 2 {
			_, err := e.svc.CreateSession(context.Background(), session.Params{}, "p", 10050, 0)
			require.NoError(t, err)
		}
		_, err := e.svc.CreateSession(context.Background(), session.Params{}, "p", 10050, 0)
		assert.ErrorIs(t, err, ErrTooManySessions)

		_, err = e.svc.CreateSession(context.Background(), session.Params{}, "q", 10051, 0)
		assert.NoError(t, err)
	})

	t.Run("RateLimited", func(t *testing.T) {
		e := newEnv(t, func(c *Config, _ *Deps) { c.CreateRate, c.CreateBurst = 1, 1 })
		_, err := e.svc.CreateSession(context.Background(), session.Params{}, "p", 10050, 0)
		require.NoError(t, err)
		_, err = e.svc.CreateSession(context.Background(), session.Params{}, "p", 10050, 0)
		assert.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("ExternalWithoutContainers", func(t *testing.T) {
		e := newEnv(t, func(_ *Config, d *Deps) { d.Containers = nil })
		_, err := e.svc.CreateSession(context.Background(), session.Params{InstallFlags: session.InstallExternal}, "p", 0, 0)
		assert.ErrorIs(t, err, session.ErrInvalidArgument)
	})

	t.Run("Closed", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, e.svc.Close(context.Background()))
		_, err := e.svc.CreateSession(context.Background(), session.Params{}, "p", 0, 0)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestService_AccessControl(t *testing.T) {
	e := newEnv(t)
	id, err := e.svc.CreateSession(context.Background(), session.Params{}, "com.store", 10050, 0)
	require.NoError(t, err)

	_, err = e.svc.OpenSession(id, 10051)
	assert.ErrorIs(t, err, session.ErrSecurity)
	assert.ErrorIs(t, e.svc.AbandonSession(id, 10051), session.ErrSecurity)
	_, err = e.svc.OpenSession(id+1, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sess, err := e.svc.OpenSession(id, 0)
	require.NoError(t, err)
	sess.Close()
}

func TestService_Abandon(t *testing.T) {
	e := newEnv(t)
	id, err := e.svc.CreateSession(context.Background(), session.Params{}, "com.store", 10050, 0)
	require.NoError(t, err)
	sess, err := e.svc.OpenSession(id, 10050)
	require.NoError(t, err)
	stage := sess.StageDir()
	assert.DirExists(t, stage)

	rec, err := e.index.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, stage, rec.StageDir)

	require.NoError(t, e.svc.AbandonSession(id, 10050))
	assert.NoDirExists(t, stage)
	_, ok := e.svc.SessionInfo(id)
	assert.False(t, ok)
	_, err = e.index.Get(context.Background(), id)
	assert.ErrorIs(t, err, index.ErrNotFound)

	hist := e.svc.History()
	require.Len(t, hist, 1)
	assert.Equal(t, session.FailedAborted, hist[0].Code)
	assert.Equal(t, "Session was abandoned", hist[0].Message)
}

func TestService_ClosePoolOwnership(t *testing.T) {
	t.Run("SharedRegistryLeftToOwner", func(t *testing.T) {
		pools := workerpool.NewRegistry()
		t.Cleanup(func() { _ = pools.Shutdown(context.Background()) })
		e := newEnv(t, func(_ *Config, d *Deps) { d.Pools = pools })

		require.NoError(t, e.svc.Close(context.Background()))

		pool, err := pools.GetOrCreate(CommitPoolName, workerpool.Config{})
		require.NoError(t, err)
		assert.Same(t, e.svc.pool, pool)
		done := make(chan struct{})
		require.NoError(t, pool.Submit(context.Background(), func() { close(done) }))
		<-done
	})

	t.Run("PrivateRegistryShutDown", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, e.svc.Close(context.Background()))
		assert.ErrorIs(t, e.svc.pool.Submit(context.Background(), func() {}), workerpool.ErrPoolClosed)
	})
}

func TestService_SessionsByUser(t *testing.T) {
	e := newEnv(t)
	a, err := e.svc.CreateSession(context.Background(), session.Params{}, "p", 0, 0)
	require.NoError(t, err)
	b, err := e.svc.CreateSession(context.Background(), session.Params{}, "p", 0, 10)
	require.NoError(t, err)

	ids := func(infos []session.Info) []int {
		var out []int
		for _, i := range infos {
			out = append(out, i.SessionID)
		}
		return out
	}
	assert.Equal(t, []int{a}, ids(e.svc.Sessions(0)))
	assert.Equal(t, []int{b}, ids(e.svc.Sessions(10)))
	assert.ElementsMatch(t, []int{a, b}, ids(e.svc.Sessions(session.UserAll)))
}

func TestService_HistoryIsBounded(t *testing.T) {
	e := newEnv(t, func(c *Config, _ *Deps) { c.HistorySize = 2 })
	var last int
	for range 3 {
		id, err := e.svc.CreateSession(context.Background(), session.Params{}, "p", 0, 0)
		require.NoError(t, err)
		require.NoError(t, e.svc.AbandonSession(id, 0))
		last = id
	}
	hist := e.svc.History()
	require.Len(t, hist, 2)
	assert.Equal(t, last, hist[1].SessionID)
}

func TestService_Recover(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale := filepath.Join(e.stagingDir, "vmdl77.tmp")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "base.apk"), []byte("partial"), 0o644))
	require.NoError(t, e.index.Put(ctx, index.Record{ID: 77, Installer: "com.store", StageDir: stale, CreatedAt: time.Now()}))

	n, err := e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, stale)

	records, err := e.index.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	e.svc.mu.Lock()
	_, reserved := e.svc.allocated[77]
	e.svc.mu.Unlock()
	assert.True(t, reserved)
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *recordingListener) OnCreated(int)                  { l.add("created") }
func (l *recordingListener) OnActiveChanged(_ int, a bool)  { l.add(fmt.Sprintf("active=%t", a)) }
func (l *recordingListener) OnProgressChanged(int, float64) {}
func (l *recordingListener) OnFinished(_ int, ok bool)      { l.add(fmt.Sprintf("finished=%t", ok)) }

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestService_Listeners(t *testing.T) {
	e := newEnv(t)
	l := &recordingListener{}
	remove := e.svc.AddListener(l)

	id, err := e.svc.CreateSession(context.Background(), session.Params{}, "p", 0, 0)
	require.NoError(t, err)
	sess, err := e.svc.OpenSession(id, 0)
	require.NoError(t, err)
	sess.Close()
	require.NoError(t, e.svc.AbandonSession(id, 0))

	assert.Equal(t, []string{"created", "active=true", "active=false", "finished=false"}, l.Events())

	remove()
	_, err = e.svc.CreateSession(context.Background(), session.Params{}, "p", 0, 0)
	require.NoError(t, err)
	assert.Len(t, l.Events(), 4)
}
