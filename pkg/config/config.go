package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/gc"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/workerpool"
)

// Config represents the complete pkgd configuration.
//
// This structure captures all configurable aspects of the daemon:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Settings registry location and permission write tuning
//   - Installer staging, limits, commit workers and session index
//   - Staging garbage collection
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PKGD_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Settings locates the package settings documents
	Settings SettingsConfig `mapstructure:"settings" yaml:"settings"`

	// Installer configures install sessions
	Installer InstallerConfig `mapstructure:"installer" yaml:"installer"`

	// GC configures the staging collector
	GC gc.Config `mapstructure:"gc" yaml:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port for the metrics HTTP server (default: 9090)
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// SettingsConfig locates and tunes the settings registry.
type SettingsConfig struct {
	// DataDir holds packages.xml, packages.list and the per-user documents
	DataDir string `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`

	// Fingerprint identifies the running build; runtime permission
	// documents record it
	Fingerprint string `mapstructure:"fingerprint" yaml:"fingerprint" validate:"required"`

	// Users lists the known user ids
	Users []int `mapstructure:"users" yaml:"users" validate:"required,min=1,dive,gte=0"`

	// PermissionWriteDelay debounces runtime permission writes
	PermissionWriteDelay time.Duration `mapstructure:"permission_write_delay" yaml:"permission_write_delay" validate:"gt=0"`

	// PermissionMaxWriteDelay caps how long a write may be deferred
	PermissionMaxWriteDelay time.Duration `mapstructure:"permission_max_write_delay" yaml:"permission_max_write_delay" validate:"gtefield=PermissionWriteDelay"`
}

// InstallerConfig configures install sessions.
type InstallerConfig struct {
	// StagingDir holds the stage directory of every live session
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir" validate:"required"`

	// AppDir receives installed code
	AppDir string `mapstructure:"app_dir" yaml:"app_dir" validate:"required"`

	// AppDataDir is where installed packages keep their data
	AppDataDir string `mapstructure:"app_data_dir" yaml:"app_data_dir" validate:"required"`

	// ContainerDir backs external (container) stages
	ContainerDir string `mapstructure:"container_dir" yaml:"container_dir"`

	// MaxActiveSessions caps live sessions per installer uid
	MaxActiveSessions int `mapstructure:"max_active_sessions" yaml:"max_active_sessions" validate:"gte=1"`

	// CreateRate is the sustained sessions per second per installer
	// (0 = unlimited)
	CreateRate uint `mapstructure:"create_rate" yaml:"create_rate"`

	// CreateBurst is the burst allowed above CreateRate
	CreateBurst uint `mapstructure:"create_burst" yaml:"create_burst"`

	// HistorySize bounds the finished-session history
	HistorySize int `mapstructure:"history_size" yaml:"history_size" validate:"gte=1"`

	// DeviceOwners install without a user prompt
	DeviceOwners []string `mapstructure:"device_owners" yaml:"device_owners,omitempty"`

	// Workers sizes the commit worker pool
	Workers workerpool.Config `mapstructure:"workers" yaml:"workers"`

	// Index selects where live sessions are recorded
	Index IndexConfig `mapstructure:"index" yaml:"index"`
}

// IndexConfig specifies the session index.
//
// The Type field determines which implementation is used.
// Only the corresponding type-specific configuration section is used.
type IndexConfig struct {
	// Type specifies which index implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PKGD_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: PKGD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("PKGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"server.shutdown_timeout", "server.metrics.enabled", "server.metrics.port",
		"settings.data_dir", "settings.fingerprint",
		"installer.staging_dir", "installer.app_dir", "installer.app_data_dir",
		"installer.index.type",
		"gc.enabled", "gc.dry_run",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/pkgd/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist is also acceptable.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pkgd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "pkgd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
