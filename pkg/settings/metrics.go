package settings

import "time"

// Document kinds reported to Metrics.
const (
	DocPackages           = "packages"
	DocRestrictions       = "package_restrictions"
	DocRuntimePermissions = "runtime_permissions"
	DocPackageList        = "packages_list"
)

// Metrics provides observability for settings persistence.
//
// This is optional: when nil is passed to New the registry records nothing.
type Metrics interface {
	// ObserveWrite records a document write with its duration and outcome.
	ObserveWrite(doc string, duration time.Duration, err error)

	// RecordReadProblem records a degraded read (missing file, parse error,
	// backup fallback) for doc.
	RecordReadProblem(doc string, reason string)

	// RecordPermissionFlush records a runtime permission write.
	// trigger is "deferred" or "sync".
	RecordPermissionFlush(trigger string)

	// RecordSharedUserMismatch records a package whose stored shared user
	// disagreed with the scanned one.
	RecordSharedUserMismatch()
}

type noopMetrics struct{}

func (noopMetrics) ObserveWrite(doc string, duration time.Duration, err error) {}
func (noopMetrics) RecordReadProblem(doc string, reason string)                {}
func (noopMetrics) RecordPermissionFlush(trigger string)                       {}
func (noopMetrics) RecordSharedUserMismatch()                                  {}
