// Package prometheus provides the Prometheus implementations of the
// component metrics interfaces.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/metrics"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
)

// sessionMetrics is the Prometheus implementation of installer.Metrics.
type sessionMetrics struct {
	created        prometheus.Counter
	rejected       *prometheus.CounterVec
	finished       *prometheus.CounterVec
	sealToFinish   prometheus.Histogram
	activeSessions prometheus.Gauge
}

// NewSessionMetrics creates Prometheus-backed installer metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// makes the installer service use its no-op implementation.
func NewSessionMetrics() installer.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &sessionMetrics{
		created: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pkgd_sessions_created_total",
				Help: "Total number of install sessions created",
			},
		),
		rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgd_sessions_rejected_total",
				Help: "Total number of refused session creations by reason",
			},
			[]string{"reason"},
		),
		finished: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgd_sessions_finished_total",
				Help: "Total number of finished install sessions by status",
			},
			[]string{"status"},
		),
		sealToFinish: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "pkgd_session_commit_duration_seconds",
				Help: "Time from sealing a session to its final status",
				Buckets: []float64{
					0.01, // 10ms
					0.1,  // 100ms
					0.5,  // 500ms
					1,    // 1s
					5,    // 5s
					30,   // 30s
					120,  // 2m
				},
			},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "pkgd_sessions_active",
				Help: "Current number of live install sessions",
			},
		),
	}
}

func (m *sessionMetrics) SessionCreated() {
	m.created.Inc()
}

func (m *sessionMetrics) SessionRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *sessionMetrics) SessionFinished(code session.Code, sealedFor time.Duration) {
	m.finished.WithLabelValues(code.String()).Inc()
	if sealedFor > 0 {
		m.sealToFinish.Observe(sealedFor.Seconds())
	}
}

func (m *sessionMetrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}
