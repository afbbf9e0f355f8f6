package durable

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func readAll(t *testing.T, f *File) (string, bool) {
	t.Helper()
	r, err := f.OpenRead()
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data), r.FromBackup()
}

func TestNew_BackupName(t *testing.T) {
	f := New("/data/system/packages.xml")
	assert.Equal(t, "/data/system/packages-backup.xml", f.BackupPath)

	f = New("/data/system/users/0/package-restrictions.xml")
	assert.Equal(t, "/data/system/users/0/package-restrictions-backup.xml", f.BackupPath)
}

func TestWrite_FirstGeneration(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "sub", "packages.xml"))

	require.NoError(t, f.Write(writeString("gen1")))

	data, fromBackup := readAll(t, f)
	assert.Equal(t, "gen1", data)
	assert.False(t, fromBackup)
	assert.False(t, f.HasBackup())

	info, err := os.Stat(f.Path)
	require.NoError(t, err)
	assert.Equal(t, DefaultMode, info.Mode().Perm())
}

func TestWrite_ReplacesAndDropsBackup(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "packages.xml"))

	require.NoError(t, f.Write(writeString("gen1")))
	require.NoError(t, f.Write(writeString("gen2")))

	data, _ := readAll(t, f)
	assert.Equal(t, "gen2", data)
	assert.False(t, f.HasBackup())
}

func TestWrite_FailureKeepsPreviousGeneration(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "packages.xml"))
	require.NoError(t, f.Write(writeString("good")))

	boom := errors.New("disk on fire")
	err := f.Write(func(w io.Writer) error {
		_, _ = io.WriteString(w, "half")
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, statErr := os.Stat(f.Path)
	assert.True(t, os.IsNotExist(statErr), "half-written current file must be removed")
	assert.True(t, f.HasBackup())

	data, fromBackup := readAll(t, f)
	assert.Equal(t, "good", data)
	assert.True(t, fromBackup)
}

func TestWrite_StaleCurrentNextToBackupIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "packages.xml"))

	require.NoError(t, os.WriteFile(f.BackupPath, []byte("last-good"), 0o600))
	require.NoError(t, os.WriteFile(f.Path, []byte("corrupt"), 0o600))

	require.NoError(t, f.Write(writeString("fresh")))

	data, fromBackup := readAll(t, f)
	assert.Equal(t, "fresh", data)
	assert.False(t, fromBackup)
	assert.False(t, f.HasBackup())
}

func TestOpenRead_PrefersBackupAndDeletesCurrent(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "packages.xml"))

	require.NoError(t, os.WriteFile(f.BackupPath, []byte("backup"), 0o600))
	require.NoError(t, os.WriteFile(f.Path, []byte("maybe-corrupt"), 0o600))

	data, fromBackup := readAll(t, f)
	assert.Equal(t, "backup", data)
	assert.True(t, fromBackup)

	_, err := os.Stat(f.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRead_NotExist(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "packages.xml"))
	_, err := f.OpenRead()
	assert.ErrorIs(t, err, ErrNotExist)
	assert.False(t, f.Exists())
}

func TestDelete_RemovesBothGenerations(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "runtime-permissions.xml"))
	require.NoError(t, os.WriteFile(f.BackupPath, []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(f.Path, []byte("b"), 0o600))

	require.NoError(t, f.Delete())
	assert.False(t, f.Exists())
	require.NoError(t, f.Delete())
}

func TestJournaledFile_WriteAndRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.list")
	j := NewJournaled(path, 0o640)

	require.NoError(t, j.Write(writeString("com.example 10001 0 /data/com.example default none\n")))

	err := j.Write(func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return errors.New("interrupted")
	})
	require.Error(t, err)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "com.example 10001 0 /data/com.example default none\n", string(data))

	_, statErr := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(statErr))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}
