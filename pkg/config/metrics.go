package config

import (
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/metrics"
	promMetrics "github.com/CyanogenMod/android-frameworks-base-sub001/pkg/metrics/prometheus"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/settings"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Sessions collects install session metrics (nil if disabled)
	Sessions installer.Metrics

	// Settings collects settings persistence metrics (nil if disabled)
	Settings settings.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// health backs the /healthz endpoint and may be nil.
//
// If metrics are disabled every field is nil and components fall back to
// their no-op implementations.
func InitializeMetrics(cfg *Config, health func() error) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:   cfg.Server.Metrics.Port,
		Health: health,
	})

	return &MetricsResult{
		Server:   server,
		Sessions: promMetrics.NewSessionMetrics(),
		Settings: promMetrics.NewSettingsMetrics(),
	}
}
