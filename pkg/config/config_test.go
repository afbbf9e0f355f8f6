package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "info"

installer:
  staging_dir: "/tmp/pkgd/staging"
  index:
    type: "memory"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Installer.StagingDir != "/tmp/pkgd/staging" {
		t.Errorf("Expected staging_dir from file, got %q", cfg.Installer.StagingDir)
	}
	if cfg.Installer.Index.Type != "memory" {
		t.Errorf("Expected index type 'memory', got %q", cfg.Installer.Index.Type)
	}
	if cfg.Installer.AppDir != filepath.Join(DefaultDataRoot, "app") {
		t.Errorf("Expected default app_dir, got %q", cfg.Installer.AppDir)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Keeps the user's own ~/.config/pkgd out of the test
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Installer.Index.Type != "badger" {
		t.Errorf("Expected default index type 'badger', got %q", cfg.Installer.Index.Type)
	}
	if len(cfg.Settings.Users) != 1 || cfg.Settings.Users[0] != 0 {
		t.Errorf("Expected default users [0], got %v", cfg.Settings.Users)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
installer:
  index:
    type: "bolt"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown index type")
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[logging]
level = "WARN"
format = "json"

[settings]
users = [0, 10]
permission_write_delay = "500ms"
permission_max_write_delay = "5s"

[installer]
max_active_sessions = 8
create_rate = 3
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if len(cfg.Settings.Users) != 2 || cfg.Settings.Users[1] != 10 {
		t.Errorf("Expected users [0 10], got %v", cfg.Settings.Users)
	}
	if cfg.Settings.PermissionWriteDelay != 500*time.Millisecond {
		t.Errorf("Expected permission_write_delay 500ms, got %v", cfg.Settings.PermissionWriteDelay)
	}
	if cfg.Installer.MaxActiveSessions != 8 {
		t.Errorf("Expected max_active_sessions 8, got %d", cfg.Installer.MaxActiveSessions)
	}
	if cfg.Installer.CreateBurst != 6 {
		t.Errorf("Expected derived create_burst 6, got %d", cfg.Installer.CreateBurst)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Server.Metrics.Port)
	}
	if cfg.Settings.DataDir != filepath.Join(DefaultDataRoot, "system") {
		t.Errorf("Expected default settings dir, got %q", cfg.Settings.DataDir)
	}
	if cfg.Installer.StagingDir != filepath.Join(DefaultDataRoot, "staging") {
		t.Errorf("Expected default staging dir, got %q", cfg.Installer.StagingDir)
	}
	if cfg.Installer.Index.Badger["db_path"] != filepath.Join(DefaultDataRoot, "sessions") {
		t.Errorf("Expected default badger db_path, got %v", cfg.Installer.Index.Badger["db_path"])
	}
	if !cfg.GC.Enabled {
		t.Error("Expected staging GC enabled by default")
	}
	if cfg.GC.Interval != time.Hour {
		t.Errorf("Expected default GC interval 1h, got %v", cfg.GC.Interval)
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in an empty config dir")
	}
	if err := InitConfigToPath(GetDefaultConfigPath(), false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if !ConfigExists() {
		t.Error("Expected config to exist after init")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestGetConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	dir := GetConfigDir()
	if dir != filepath.Join(xdg, "pkgd") {
		t.Errorf("Expected %q, got %q", filepath.Join(xdg, "pkgd"), dir)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("PKGD_LOGGING_LEVEL", "ERROR")
	t.Setenv("PKGD_INSTALLER_INDEX_TYPE", "memory")
	t.Setenv("PKGD_SETTINGS_FINGERPRINT", "test/build")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

installer:
  index:
    type: "badger"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Installer.Index.Type != "memory" {
		t.Errorf("Expected index type 'memory' from env var, got %q", cfg.Installer.Index.Type)
	}
	if cfg.Settings.Fingerprint != "test/build" {
		t.Errorf("Expected fingerprint from env var, got %q", cfg.Settings.Fingerprint)
	}
}
