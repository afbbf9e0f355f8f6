package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const configHeader = `# pkgd Configuration File
#
# Generated with the default value of every option. Environment variables
# with the PKGD_ prefix override file values, for example:
#
#   PKGD_LOGGING_LEVEL=DEBUG
#   PKGD_INSTALLER_INDEX_TYPE=memory
`

// sectionComments are written above the top-level keys of a generated file.
var sectionComments = map[string]string{
	"logging":   "# Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json), output (stdout, stderr, path)",
	"server":    "# Server: graceful shutdown timeout and the Prometheus metrics endpoint",
	"settings":  "# Settings: where packages.xml, packages.list and per-user documents live",
	"installer": "# Installer: staging, install targets, per-installer limits and the session index (memory, badger)",
	"gc":        "# GC: periodic removal of stage directories no session owns",
}

// InitConfig writes a default configuration file to the default location
// and returns its path. It refuses to overwrite an existing file unless
// force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	return SaveConfig(GetDefaultConfig(), path)
}

// SaveConfig writes cfg to path as commented YAML, creating parent
// directories as needed.
func SaveConfig(cfg *Config, path string) error {
	data, err := generateYAMLWithComments(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	var out strings.Builder
	out.WriteString(configHeader)
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if key, ok := strings.CutSuffix(line, ":"); ok && !strings.HasPrefix(line, " ") {
			if c, ok := sectionComments[key]; ok {
				out.WriteString("\n" + c + "\n")
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String(), nil
}
