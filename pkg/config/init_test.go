package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// isolateConfigDir points the default config location at a fresh temp dir.
func isolateConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestInitConfig_Success(t *testing.T) {
	dir := isolateConfigDir(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if configPath != filepath.Join(dir, "pkgd", "config.yaml") {
		t.Errorf("Unexpected config path %q", configPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# pkgd Configuration File",
		"logging:",
		"server:",
		"settings:",
		"installer:",
		"gc:",
		"# Installer:",
	}
	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	isolateConfigDir(t)

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestInitConfig_ForceOverwrite(t *testing.T) {
	isolateConfigDir(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}
	if err := os.WriteFile(configPath, []byte("# stale\n"), 0644); err != nil {
		t.Fatalf("Failed to modify config: %v", err)
	}

	if _, err := InitConfig(true); err != nil {
		t.Fatalf("InitConfig with force failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if strings.Contains(string(content), "# stale") {
		t.Error("Config file was not overwritten")
	}
}

func TestInitConfigToPath_Success(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dir", "pkgd.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}
}

func TestInitConfigToPath_AlreadyExists(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("logging: {}\n"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	err := InitConfigToPath(configPath, false)
	if err == nil {
		t.Fatal("Expected error when file already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
	if err := InitConfigToPath(configPath, true); err != nil {
		t.Fatalf("InitConfigToPath with force failed: %v", err)
	}
}

func TestGenerateYAMLWithComments_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	out, err := generateYAMLWithComments(cfg)
	if err != nil {
		t.Fatalf("generateYAMLWithComments failed: %v", err)
	}

	if !strings.HasPrefix(out, "# pkgd Configuration File") {
		t.Error("Generated YAML should start with the header")
	}
	if !strings.Contains(out, "staging_dir: "+cfg.Installer.StagingDir) {
		t.Error("Generated YAML should contain the default staging dir")
	}
	if !strings.Contains(out, "interval: 1h0m0s") {
		t.Error("Generated YAML should render durations as strings")
	}

	var parsed Config
	if err := yaml.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("Generated YAML is invalid: %v", err)
	}
	if parsed.Installer.Index.Type != "badger" {
		t.Errorf("Expected index type 'badger' after round trip, got %q", parsed.Installer.Index.Type)
	}
	if parsed.GC.MinAge != cfg.GC.MinAge {
		t.Errorf("Expected min_age %v after round trip, got %v", cfg.GC.MinAge, parsed.GC.MinAge)
	}
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	isolateConfigDir(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load generated config: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Generated config failed validation: %v", err)
	}
}

func TestGeneratedConfigValuesAreCorrect(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("Failed to generate config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	want := GetDefaultConfig()
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected INFO log level in generated config, got %q", cfg.Logging.Level)
	}
	if cfg.Server.ShutdownTimeout != want.Server.ShutdownTimeout {
		t.Errorf("Expected shutdown timeout %v, got %v", want.Server.ShutdownTimeout, cfg.Server.ShutdownTimeout)
	}
	if cfg.Settings.PermissionMaxWriteDelay != want.Settings.PermissionMaxWriteDelay {
		t.Errorf("Expected max write delay %v, got %v",
			want.Settings.PermissionMaxWriteDelay, cfg.Settings.PermissionMaxWriteDelay)
	}
	if cfg.Installer.AppDir != want.Installer.AppDir {
		t.Errorf("Expected app dir %q, got %q", want.Installer.AppDir, cfg.Installer.AppDir)
	}
	if !cfg.GC.Enabled {
		t.Error("Expected GC enabled in generated config")
	}
}
