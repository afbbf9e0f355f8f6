package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/metrics"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/settings"
)

// settingsMetrics is the Prometheus implementation of settings.Metrics.
type settingsMetrics struct {
	writesTotal      *prometheus.CounterVec
	writeDuration    *prometheus.HistogramVec
	readProblems     *prometheus.CounterVec
	permissionFlush  *prometheus.CounterVec
	sharedUserErrors prometheus.Counter
}

// NewSettingsMetrics creates Prometheus-backed settings metrics.
//
// Returns nil if metrics are not enabled, which makes the registry use its
// no-op implementation.
func NewSettingsMetrics() settings.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &settingsMetrics{
		writesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgd_settings_writes_total",
				Help: "Total number of settings document writes by document and status",
			},
			[]string{"document", "status"},
		),
		writeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "pkgd_settings_write_duration_milliseconds",
				Help: "Duration of settings document writes in milliseconds",
				Buckets: []float64{
					1,    // 1ms
					5,    // 5ms
					25,   // 25ms
					100,  // 100ms
					500,  // 500ms
					2500, // 2.5s
				},
			},
			[]string{"document"},
		),
		readProblems: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgd_settings_read_problems_total",
				Help: "Degraded settings reads by document and reason",
			},
			[]string{"document", "reason"},
		),
		permissionFlush: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgd_runtime_permission_writes_total",
				Help: "Runtime permission writes by trigger",
			},
			[]string{"trigger"},
		),
		sharedUserErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pkgd_settings_shared_user_mismatches_total",
				Help: "Packages whose stored shared user disagreed with the scanned one",
			},
		),
	}
}

func (m *settingsMetrics) ObserveWrite(doc string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.writesTotal.WithLabelValues(doc, status).Inc()
	m.writeDuration.WithLabelValues(doc).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *settingsMetrics) RecordReadProblem(doc string, reason string) {
	m.readProblems.WithLabelValues(doc, reason).Inc()
}

func (m *settingsMetrics) RecordPermissionFlush(trigger string) {
	m.permissionFlush.WithLabelValues(trigger).Inc()
}

func (m *settingsMetrics) RecordSharedUserMismatch() {
	m.sharedUserErrors.Inc()
}
