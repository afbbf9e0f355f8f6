package settings

import (
	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

// IntentFilterVerification returns the domain verification record of pkg.
func (r *Registry) IntentFilterVerification(g Guard, pkg string) *IntentFilterVerification {
	r.lock.check(g)
	if p := r.packages[pkg]; p != nil {
		return p.Verification.clone()
	}
	return nil
}

// SetIntentFilterVerificationInfo creates or updates the domain list of pkg.
func (r *Registry) SetIntentFilterVerificationInfo(w *WriteGuard, pkg string, domains []string) *IntentFilterVerification {
	r.lock.check(w)
	p := r.packages[pkg]
	if p == nil {
		logger.Debug("settings: no package known: %s", pkg)
		return nil
	}
	if p.Verification == nil {
		p.Verification = &IntentFilterVerification{PackageName: pkg}
	}
	p.Verification.Domains = append([]string(nil), domains...)
	return p.Verification.clone()
}

// SetIntentFilterVerificationState sets the verifier's verdict for pkg.
func (r *Registry) SetIntentFilterVerificationState(w *WriteGuard, pkg string, status pkgstate.VerificationStatus) bool {
	r.lock.check(w)
	p := r.packages[pkg]
	if p == nil || p.Verification == nil {
		return false
	}
	p.Verification.Status = status
	return true
}

// IntentFilterVerificationStatus returns pkg's per-user status, or
// VerificationUndefined for an unknown package.
func (r *Registry) IntentFilterVerificationStatus(g Guard, pkg string, userID int) pkgstate.VerificationStatus {
	r.lock.check(g)
	p := r.packages[pkg]
	if p == nil {
		return pkgstate.VerificationUndefined
	}
	return p.states.GetDomainVerification(userID).Status()
}

// UpdateIntentFilterVerificationStatus sets pkg's per-user status. Choosing
// "always" takes the next app-link generation so the most recent choice
// wins among competing packages.
func (r *Registry) UpdateIntentFilterVerificationStatus(w *WriteGuard, pkg string, status pkgstate.VerificationStatus, userID int) bool {
	r.lock.check(w)
	p := r.packages[pkg]
	if p == nil {
		logger.Debug("settings: no package known: %s", pkg)
		return false
	}

	var gen uint32
	if status == pkgstate.VerificationAlways {
		gen = r.nextAppLinkGeneration[userID] + 1
		r.nextAppLinkGeneration[userID] = gen
	}
	p.states.SetDomainVerification(status, gen, userID)
	return true
}

// RemoveIntentFilterVerification clears pkg's status for each of users.
func (r *Registry) RemoveIntentFilterVerification(w *WriteGuard, pkg string, users ...int) bool {
	r.lock.check(w)
	p := r.packages[pkg]
	if p == nil {
		return false
	}
	for _, u := range users {
		p.states.ClearDomainVerification(u)
	}
	return len(users) > 0
}

// RestoreIntentFilterVerification applies a restored record now if pkg is
// known, otherwise keeps it until pkg is added.
func (r *Registry) RestoreIntentFilterVerification(w *WriteGuard, ivi IntentFilterVerification) {
	r.lock.check(w)
	v := ivi.clone()
	if p := r.packages[v.PackageName]; p != nil {
		logger.Debug("settings: restored domain verification for existing app %s", v.PackageName)
		p.Verification = v
		return
	}
	r.restoredIVIs[v.PackageName] = v
}

// SetDefaultBrowser records the default browser of userID and persists the
// user's restrictions. UserAll is rejected.
func (r *Registry) SetDefaultBrowser(w *WriteGuard, pkg string, userID int) bool {
	r.lock.check(w)
	if userID == UserAll {
		return false
	}
	r.defaultBrowser[userID] = pkg
	_ = r.writePackageRestrictions(userID)
	return true
}

// DefaultBrowser returns the default browser of userID.
func (r *Registry) DefaultBrowser(g Guard, userID int) string {
	r.lock.check(g)
	if userID == UserAll {
		return ""
	}
	return r.defaultBrowser[userID]
}

// SetDefaultDialer records the default dialer of userID and persists the
// user's restrictions. UserAll is rejected.
func (r *Registry) SetDefaultDialer(w *WriteGuard, pkg string, userID int) bool {
	r.lock.check(w)
	if userID == UserAll {
		return false
	}
	r.defaultDialer[userID] = pkg
	_ = r.writePackageRestrictions(userID)
	return true
}

// DefaultDialer returns the default dialer of userID.
func (r *Registry) DefaultDialer(g Guard, userID int) string {
	r.lock.check(g)
	if userID == UserAll {
		return ""
	}
	return r.defaultDialer[userID]
}
