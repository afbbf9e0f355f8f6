package settings

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

func runtimeFile(dir string, userID int) string {
	return filepath.Join(dir, "users", strconv.Itoa(userID), "runtime-permissions.xml")
}

func (tr *testRegistry) scheduleRuntimeWrite(userID int) {
	tr.read(func(g *ReadGuard) { tr.WriteRuntimePermissionsAsync(g, userID) })
}

func setupCameraGrant(t *testing.T, tr *testRegistry) {
	t.Helper()
	tr.write(func(w *WriteGuard) {
		p := mustPackage(t, tr.Registry, w, ScanRequest{Name: "com.cam"})
		p.Permissions().GrantRuntime(permCamera, 0)
		p.Permissions().UpdateRuntimeFlags(permCamera, 0, pkgstate.FlagMask, pkgstate.FlagUserSet)
	})
}

func TestRuntimePermissions_DeferredWrite(t *testing.T) {
	tr := newTestRegistry(t, t.TempDir())
	setupCameraGrant(t, tr)
	file := runtimeFile(tr.dir, 0)

	tr.scheduleRuntimeWrite(0)
	tr.clock.Advance(DefaultPermissionWriteDelay - time.Millisecond)
	assert.NoFileExists(t, file)

	tr.clock.Advance(time.Millisecond)
	require.FileExists(t, file)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `name="com.cam"`)
	assert.Contains(t, string(data), `name="android.permission.CAMERA"`)
	assert.Equal(t, []string{"deferred"}, tr.metrics.flushes)
}

func TestRuntimePermissions_RepeatedMutationsCappedByMaxDelay(t *testing.T) {
	tr := newTestRegistry(t, t.TempDir())
	setupCameraGrant(t, tr)
	file := runtimeFile(tr.dir, 0)

	// A mutation every 150ms keeps pushing the write back, but never past
	// the max delay measured from the first unflushed mutation.
	tr.scheduleRuntimeWrite(0)
	for i := 0; i < 13; i++ {
		tr.clock.Advance(150 * time.Millisecond)
		require.NoFileExists(t, file, "written early at step %d", i)
		tr.scheduleRuntimeWrite(0)
	}

	tr.clock.Advance(50 * time.Millisecond)
	assert.FileExists(t, file)
	assert.Equal(t, 0, tr.clock.Pending())
}

func TestRuntimePermissions_SyncWriteCancelsPending(t *testing.T) {
	tr := newTestRegistry(t, t.TempDir())
	setupCameraGrant(t, tr)

	tr.scheduleRuntimeWrite(0)
	assert.Equal(t, 1, tr.clock.Pending())

	tr.read(func(g *ReadGuard) {
		require.NoError(t, tr.WriteRuntimePermissionsSync(g, 0))
	})
	assert.FileExists(t, runtimeFile(tr.dir, 0))
	assert.Equal(t, 0, tr.clock.Pending())

	// The cancelled timer never produces a second write.
	tr.clock.Advance(time.Second)
	assert.Equal(t, []string{"sync"}, tr.metrics.flushes)
}

func TestRuntimePermissions_FlushWritesPendingUsers(t *testing.T) {
	tr := newTestRegistry(t, t.TempDir())
	setupCameraGrant(t, tr)

	tr.scheduleRuntimeWrite(0)
	tr.read(func(g *ReadGuard) {
		require.NoError(t, tr.FlushRuntimePermissions(g))
	})
	assert.FileExists(t, runtimeFile(tr.dir, 0))
	assert.Equal(t, 0, tr.clock.Pending())
}

func TestRuntimePermissions_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr := newTestRegistry(t, dir)
	setupCameraGrant(t, tr)

	tr.write(func(w *WriteGuard) {
		su := tr.GetSharedUser(w, "android.uid.media", FlagSystem, 0, true)
		require.NotNil(t, su)
		mustPackage(t, tr.Registry, w, ScanRequest{Name: "com.media", CodePath: "/system/app/Media", PkgFlags: FlagSystem, SharedUser: su})
		su.Permissions().GrantRuntime(permCamera, 0)

		require.NoError(t, tr.Write(w))
		require.NoError(t, tr.WriteRuntimePermissionsSync(w, 0))
	})

	r2 := newTestRegistry(t, dir)
	r2.write(func(w *WriteGuard) {
		_, err := r2.Read(w)
		require.NoError(t, err)

		p := r2.Package(w, "com.cam")
		require.NotNil(t, p)
		assert.True(t, p.Permissions().HasRuntime(permCamera, 0))
		assert.Equal(t, pkgstate.FlagUserSet, p.Permissions().RuntimeFlags(permCamera, 0))

		su := r2.SharedUser(w, "android.uid.media")
		require.NotNil(t, su)
		assert.True(t, su.Permissions().HasRuntime(permCamera, 0))
	})
}

func TestRuntimePermissions_DefaultGrantFingerprint(t *testing.T) {
	dir := t.TempDir()
	tr := newTestRegistry(t, dir)
	setupCameraGrant(t, tr)

	tr.write(func(w *WriteGuard) {
		assert.False(t, tr.AreDefaultPermissionsGranted(w, 0))
		tr.OnDefaultPermissionsGranted(w, 0)
		require.NoError(t, tr.WriteRuntimePermissionsSync(w, 0))
		assert.True(t, tr.AreDefaultPermissionsGranted(w, 0))
		require.NoError(t, tr.Write(w))
	})

	same := newTestRegistry(t, dir)
	same.write(func(w *WriteGuard) {
		_, err := same.Read(w)
		require.NoError(t, err)
		assert.True(t, same.AreDefaultPermissionsGranted(w, 0))
	})

	// A new build must grant defaults again.
	upgraded := newTestRegistryWithPrint(t, dir, "pkgd/test:25/1")
	upgraded.write(func(w *WriteGuard) {
		_, err := upgraded.Read(w)
		require.NoError(t, err)
		assert.False(t, upgraded.AreDefaultPermissionsGranted(w, 0))
	})
}

func TestRuntimePermissions_RestoredGrantsAppliedOnInstall(t *testing.T) {
	dir := t.TempDir()
	tr := newTestRegistry(t, dir)

	tr.write(func(w *WriteGuard) {
		_, err := tr.Read(w)
		require.NoError(t, err)
		tr.RememberRestoredGrant(w, "com.later", RestoredGrant{
			Permission: permCamera,
			Granted:    true,
			Flags:      pkgstate.FlagUserSet | pkgstate.FlagUserFixed,
		}, 0)
		require.NoError(t, tr.Write(w))
		require.NoError(t, tr.WriteRuntimePermissionsSync(w, 0))
	})

	r2 := newTestRegistry(t, dir)
	r2.write(func(w *WriteGuard) {
		_, err := r2.Read(w)
		require.NoError(t, err)

		p := mustPackage(t, r2.Registry, w, ScanRequest{Name: "com.later"})
		assert.False(t, p.Permissions().HasRuntime(permCamera, 0))

		r2.ApplyPendingPermissionGrants(w, "com.later", 0)
		assert.True(t, p.Permissions().HasRuntime(permCamera, 0))
		assert.Equal(t, pkgstate.FlagUserSet|pkgstate.FlagUserFixed, p.Permissions().RuntimeFlags(permCamera, 0))

		// Applied grants are consumed.
		p.Permissions().RevokeRuntime(permCamera, 0)
		r2.ApplyPendingPermissionGrants(w, "com.later", 0)
		assert.False(t, p.Permissions().HasRuntime(permCamera, 0))
	})
	assert.Equal(t, 1, r2.clock.Pending())
}

func TestRuntimePermissions_UnknownPermissionSkipped(t *testing.T) {
	dir := t.TempDir()
	tr := newTestRegistry(t, dir)
	setupCameraGrant(t, tr)

	tr.write(func(w *WriteGuard) {
		tr.Package(w, "com.cam").Permissions().GrantRuntime("com.vendor.permission.GONE", 0)
		require.NoError(t, tr.Write(w))
		require.NoError(t, tr.WriteRuntimePermissionsSync(w, 0))
	})

	r2 := newTestRegistry(t, dir)
	r2.write(func(w *WriteGuard) {
		_, err := r2.Read(w)
		require.NoError(t, err)
		perms := r2.Package(w, "com.cam").Permissions()
		assert.True(t, perms.HasRuntime(permCamera, 0))
		assert.False(t, perms.HasRuntime("com.vendor.permission.GONE", 0))
	})
}

func TestRuntimePermissions_DeleteCancelsPending(t *testing.T) {
	tr := newTestRegistry(t, t.TempDir())
	setupCameraGrant(t, tr)

	tr.scheduleRuntimeWrite(0)
	tr.write(func(w *WriteGuard) {
		require.NoError(t, tr.DeleteRuntimePermissions(w, 0))
	})
	tr.clock.Advance(time.Second)
	assert.NoFileExists(t, runtimeFile(tr.dir, 0))
}
