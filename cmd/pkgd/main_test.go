package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite/apktest"
)

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "config.yaml")
	content := fmt.Sprintf(`
logging:
  level: WARN
  output: stderr
settings:
  data_dir: %[1]s/system
installer:
  staging_dir: %[1]s/staging
  app_dir: %[1]s/app
  app_data_dir: %[1]s/data
  container_dir: %[1]s/asec
  index:
    type: memory
gc:
  enabled: false
`, root)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return root, path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile, logLevel, jsonOutput = "", "", false
		installOpts.inherit, installOpts.replace, installOpts.pkg = false, false, ""
	})
	err := Execute(context.Background())
	return out.String(), err
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd.yaml")

	out, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = run(t, "config", "init", path)
	require.Error(t, err)

	out, err = run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "staging_dir:")
	assert.Contains(t, out, "type: badger")
}

func TestInstallAndListPackages(t *testing.T) {
	root, cfgPath := writeTestConfig(t)

	apk := filepath.Join(root, "example.apk")
	apktest.Write(t, apk, apktest.Spec{Package: "com.example", VersionCode: 7})

	out, err := run(t, "--config", cfgPath, "install", apk)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Success: com.example")

	out, err = run(t, "--config", cfgPath, "packages", "--json")
	require.NoError(t, err, out)

	var rows []packageRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "com.example", rows[0].Name)
	assert.Equal(t, 7, rows[0].VersionCode)
	assert.Equal(t, []int{0}, rows[0].Users)
	assert.Equal(t, filepath.Join(root, "app", "com.example-1"), rows[0].CodePath)
}

func TestInstallDowngradeFails(t *testing.T) {
	root, cfgPath := writeTestConfig(t)

	v2 := filepath.Join(root, "v2.apk")
	apktest.Write(t, v2, apktest.Spec{Package: "com.example", VersionCode: 2})
	_, err := run(t, "--config", cfgPath, "install", v2)
	require.NoError(t, err)

	v1 := filepath.Join(root, "v1.apk")
	apktest.Write(t, v1, apktest.Spec{Package: "com.example", VersionCode: 1})
	out, err := run(t, "--config", cfgPath, "install", "-r", v1)
	require.Error(t, err)
	assert.Contains(t, out, "Failure [")
}
