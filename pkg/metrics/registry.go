// Package metrics holds the process-wide Prometheus registry and the HTTP
// server that exposes it.
//
// All metrics are optional: if InitRegistry is never called, the
// constructors in metrics/prometheus return nil and components fall back to
// their no-op implementations.
//
// Usage:
//
//	metrics.InitRegistry()
//	svc, _ := installer.New(cfg, installer.Deps{
//		Metrics: prometheus.NewSessionMetrics(),
//		...
//	})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is written once by InitRegistry and read everywhere after.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It's safe to call
// multiple times - subsequent calls are ignored.
//
// If not called, GetRegistry() will return nil and all metrics constructors
// will return no-op implementations.
//
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry() has not been called, indicating metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
//
// Metrics are enabled if InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
