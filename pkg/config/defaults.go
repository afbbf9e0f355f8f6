package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/settings"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/workerpool"
)

// DefaultDataRoot is the parent of every default data directory.
const DefaultDataRoot = "/var/lib/pkgd"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Index-specific defaults are filled into the type-specific maps
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applySettingsDefaults(&cfg.Settings)
	applyInstallerDefaults(&cfg.Installer)
	applyGCDefaults(cfg)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applySettingsDefaults sets settings registry defaults.
func applySettingsDefaults(cfg *SettingsConfig) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(DefaultDataRoot, "system")
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = "pkgd/dev"
	}
	if len(cfg.Users) == 0 {
		cfg.Users = []int{settings.UserSystem}
	}
	if cfg.PermissionWriteDelay == 0 {
		cfg.PermissionWriteDelay = settings.DefaultPermissionWriteDelay
	}
	if cfg.PermissionMaxWriteDelay == 0 {
		cfg.PermissionMaxWriteDelay = settings.DefaultPermissionMaxWriteDelay
	}
}

// applyInstallerDefaults sets installer defaults.
func applyInstallerDefaults(cfg *InstallerConfig) {
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(DefaultDataRoot, "staging")
	}
	if cfg.AppDir == "" {
		cfg.AppDir = filepath.Join(DefaultDataRoot, "app")
	}
	if cfg.AppDataDir == "" {
		cfg.AppDataDir = filepath.Join(DefaultDataRoot, "data")
	}
	if cfg.ContainerDir == "" {
		cfg.ContainerDir = filepath.Join(DefaultDataRoot, "asec")
	}
	if cfg.MaxActiveSessions == 0 {
		cfg.MaxActiveSessions = installer.DefaultMaxActiveSessions
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = installer.DefaultHistorySize
	}
	if cfg.CreateRate > 0 && cfg.CreateBurst == 0 {
		cfg.CreateBurst = cfg.CreateRate * 2
	}
	if cfg.Workers.Size == 0 {
		cfg.Workers.Size = 4
	}
	if cfg.Workers.KeepAlive == 0 {
		cfg.Workers.KeepAlive = workerpool.DefaultKeepAlive
	}

	applyIndexDefaults(&cfg.Index, cfg.StagingDir)
}

// applyIndexDefaults sets session index defaults.
func applyIndexDefaults(cfg *IndexConfig, stagingDir string) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Apply defaults for all index types (for config file generation)
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = filepath.Join(filepath.Dir(stagingDir), "sessions")
	}
	if _, ok := cfg.Badger["sync_writes"]; !ok {
		cfg.Badger["sync_writes"] = true
	}
}

// applyGCDefaults sets staging collector defaults.
func applyGCDefaults(cfg *Config) {
	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = time.Hour
	}
	if cfg.GC.MinAge == 0 {
		cfg.GC.MinAge = 10 * time.Minute
	}
	if cfg.GC.BatchSize == 0 {
		cfg.GC.BatchSize = 100
	}
}

// GetDefaultConfig returns a Config with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	cfg.GC.Enabled = true
	ApplyDefaults(cfg)
	return cfg
}
