package installer

import (
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
)

// Metrics observes session lifecycle events. A nil Metrics passed to New
// disables collection.
type Metrics interface {
	// SessionCreated counts a session admitted by CreateSession.
	SessionCreated()

	// SessionRejected counts a refused CreateSession, by reason
	// ("rate_limited", "too_many_sessions", "invalid_params").
	SessionRejected(reason string)

	// SessionFinished records the final status of a session and the time
	// from seal to finish. sealedFor is zero for sessions never committed.
	SessionFinished(code session.Code, sealedFor time.Duration)

	// SetActiveSessions reports the number of live sessions.
	SetActiveSessions(n int)
}

type noopMetrics struct{}

func (noopMetrics) SessionCreated()                             {}
func (noopMetrics) SessionRejected(string)                      {}
func (noopMetrics) SessionFinished(session.Code, time.Duration) {}
func (noopMetrics) SetActiveSessions(int)                       {}
