package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite/apktest"
)

func codeOfErr(t *testing.T, err error) Code {
	t.Helper()
	var ie *InstallError
	require.True(t, errors.As(err, &ie), "expected InstallError, got %v", err)
	return ie.Code
}

func TestValidateStage(t *testing.T) {
	full := Params{Mode: ModeFullInstall}

	t.Run("Empty", func(t *testing.T) {
		_, err := validateStage(t.TempDir(), full, nil)
		assert.Equal(t, FailedInvalidAPK, codeOfErr(t, err))
		assert.ErrorContains(t, err, "No packages staged")
	})

	t.Run("RenamesToCanonicalNames", func(t *testing.T) {
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "1.apk"), apktest.Spec{Package: "com.example", VersionCode: 3})
		apktest.Write(t, filepath.Join(dir, "2.apk"), apktest.Spec{Package: "com.example", VersionCode: 3, Split: "config.en"})
		require.NoError(t, os.Mkdir(filepath.Join(dir, "lost+found"), 0o755))

		res, err := validateStage(dir, full, nil)
		require.NoError(t, err)
		assert.Equal(t, "com.example", res.packageName)
		assert.Equal(t, 3, res.versionCode)
		assert.Equal(t, filepath.Join(dir, "base.apk"), res.baseFile)
		assert.ElementsMatch(t, []string{
			filepath.Join(dir, "base.apk"),
			filepath.Join(dir, "split_config.en.apk"),
		}, res.stagedFiles)
		assert.Empty(t, res.inheritedFiles)
	})

	t.Run("DuplicateSplit", func(t *testing.T) {
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "a.apk"), apktest.Spec{Package: "com.example", VersionCode: 1})
		apktest.Write(t, filepath.Join(dir, "b.apk"), apktest.Spec{Package: "com.example", VersionCode: 1})

		_, err := validateStage(dir, full, nil)
		assert.Equal(t, FailedInvalidAPK, codeOfErr(t, err))
		assert.ErrorContains(t, err, "Split base was defined multiple times")
	})

	t.Run("PackageMismatch", func(t *testing.T) {
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "a.apk"), apktest.Spec{Package: "com.example", VersionCode: 1})
		apktest.Write(t, filepath.Join(dir, "b.apk"), apktest.Spec{Package: "com.other", VersionCode: 1, Split: "x"})

		_, err := validateStage(dir, full, nil)
		assert.ErrorContains(t, err, "package com.other inconsistent with com.example")
	})

	t.Run("VersionMismatch", func(t *testing.T) {
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "a.apk"), apktest.Spec{Package: "com.example", VersionCode: 1})
		apktest.Write(t, filepath.Join(dir, "b.apk"), apktest.Spec{Package: "com.example", VersionCode: 2, Split: "x"})

		_, err := validateStage(dir, full, nil)
		assert.Equal(t, FailedInvalidAPK, codeOfErr(t, err))
		assert.ErrorContains(t, err, "b.apk version code 2 inconsistent with 1")
	})

	t.Run("SpecifiedPackageMismatch", func(t *testing.T) {
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "a.apk"), apktest.Spec{Package: "com.example", VersionCode: 1})

		_, err := validateStage(dir, Params{Mode: ModeFullInstall, AppPackageName: "com.wanted"}, nil)
		assert.ErrorContains(t, err, "specified package com.wanted inconsistent with com.example")
	})

	t.Run("SignatureMismatch", func(t *testing.T) {
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "a.apk"), apktest.Spec{Package: "com.example", VersionCode: 1})
		apktest.Write(t, filepath.Join(dir, "b.apk"), apktest.Spec{
			Package: "com.example", VersionCode: 1, Split: "x", Certs: [][]byte{[]byte("another cert")},
		})

		_, err := validateStage(dir, full, nil)
		assert.ErrorContains(t, err, "signatures are inconsistent")
	})

	t.Run("MissingBase", func(t *testing.T) {
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "a.apk"), apktest.Spec{Package: "com.example", VersionCode: 1, Split: "x"})

		_, err := validateStage(dir, full, nil)
		assert.ErrorContains(t, err, "Full install must include a base package")
	})

	t.Run("NotAnAPK", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.apk"), []byte("not a zip"), 0o644))

		_, err := validateStage(dir, full, nil)
		assert.Equal(t, ParseFailedNotAPK, codeOfErr(t, err))
	})

	t.Run("Unsigned", func(t *testing.T) {
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "a.apk"), apktest.Spec{Package: "com.example", VersionCode: 1, Certs: [][]byte{}})

		_, err := validateStage(dir, full, nil)
		assert.Equal(t, ParseFailedNoCertificates, codeOfErr(t, err))
	})

	t.Run("InheritVersionMismatch", func(t *testing.T) {
		existing := installedApp(t, "com.example", 4)
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "a.apk"), apktest.Spec{Package: "com.example", VersionCode: 5, Split: "x"})

		_, err := validateStage(dir, Params{Mode: ModeInheritExisting, AppPackageName: "com.example"}, existing)
		assert.ErrorContains(t, err, "Existing base version code 4 inconsistent with 5")
	})

	t.Run("InheritReplacesStagedSplit", func(t *testing.T) {
		existing := installedApp(t, "com.example", 2, "a", "b")
		dir := t.TempDir()
		apktest.Write(t, filepath.Join(dir, "new.apk"), apktest.Spec{Package: "com.example", VersionCode: 2, Split: "a"})

		res, err := validateStage(dir, Params{Mode: ModeInheritExisting, AppPackageName: "com.example"}, existing)
		require.NoError(t, err)
		assert.Equal(t, existing.BaseCodePath, res.baseFile)
		assert.Equal(t, existing.CodePath, res.inheritedBase)
		assert.Equal(t, []string{"x86_64"}, res.instructionSets)
		assert.ElementsMatch(t, []string{
			existing.BaseCodePath,
			filepath.Join(existing.CodePath, "split_b.apk"),
			filepath.Join(existing.CodePath, "oat", "x86_64", "base.odex"),
		}, res.inheritedFiles)
		assert.Equal(t, []string{existing.BaseCodePath, filepath.Join(dir, "split_a.apk"), filepath.Join(existing.CodePath, "split_b.apk")}, res.apkPaths())
	})
}

func TestRelativePath(t *testing.T) {
	rel, err := relativePath("/data/app/com.example-1/oat/arm/base.odex", "/data/app/com.example-1")
	require.NoError(t, err)
	assert.Equal(t, "oat/arm/base.odex", rel)

	_, err = relativePath("/data/app/com.example-1/../x", "/data/app/com.example-1")
	assert.Error(t, err)
	_, err = relativePath("/elsewhere/base.apk", "/data/app/com.example-1")
	assert.Error(t, err)
}

func TestCopyFiles(t *testing.T) {
	from := t.TempDir()
	to := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(from, "oat", "arm"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(from, "base.apk"), []byte("base"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(from, "oat", "arm", "base.odex"), []byte("odex"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(to, "stale.tmp"), []byte("old"), 0o600))

	n, err := copyFiles([]string{
		filepath.Join(from, "base.apk"),
		filepath.Join(from, "oat", "arm", "base.odex"),
	}, from, to)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"base.apk", "oat/arm/base.odex"}, listTree(t, to))

	fi, err := os.Stat(filepath.Join(to, "base.apk"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
}
