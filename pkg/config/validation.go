package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index/badger"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	staging := filepath.Clean(cfg.Installer.StagingDir)
	if staging == filepath.Clean(cfg.Installer.AppDir) {
		return fmt.Errorf("installer: staging_dir and app_dir must differ")
	}
	if staging == filepath.Clean(cfg.Settings.DataDir) {
		return fmt.Errorf("installer: staging_dir must not be the settings data_dir")
	}

	seen := make(map[int]bool)
	for i, u := range cfg.Settings.Users {
		if seen[u] {
			return fmt.Errorf("settings.users[%d]: duplicate user id %d", i, u)
		}
		seen[u] = true
	}

	if cfg.Installer.CreateRate > 0 && cfg.Installer.CreateBurst < 1 {
		return fmt.Errorf("installer: create_burst must be at least 1 when create_rate is set")
	}

	if cfg.Installer.Index.Type == "badger" {
		var bc badger.Config
		if err := mapstructure.Decode(cfg.Installer.Index.Badger, &bc); err != nil {
			return fmt.Errorf("installer.index.badger: %w", err)
		}
		if err := validate.Struct(bc); err != nil {
			return fmt.Errorf("installer.index.badger: %w", formatValidationError(err))
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
