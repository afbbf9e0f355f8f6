package settings

import "github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"

// FindOrCreateVersion returns the version record of a volume, creating one
// stamped with the current versions when absent.
func (r *Registry) FindOrCreateVersion(w *WriteGuard, volumeUUID string) *VersionInfo {
	r.lock.check(w)
	return r.findOrCreateVersion(volumeUUID)
}

func (r *Registry) findOrCreateVersion(volumeUUID string) *VersionInfo {
	v := r.versions[volumeUUID]
	if v == nil {
		v = &VersionInfo{
			SDKVersion:      CurrentSDKVersion,
			DatabaseVersion: CurrentDatabaseVersion,
			Fingerprint:     r.fingerprint,
		}
		r.versions[volumeUUID] = v
	}
	return v
}

// InternalVersion returns the version record of internal storage.
func (r *Registry) InternalVersion(g Guard) *VersionInfo {
	r.lock.check(g)
	return r.versions[VolumePrivateInternal]
}

// ExternalVersion returns the version record of primary physical storage.
func (r *Registry) ExternalVersion(g Guard) *VersionInfo {
	r.lock.check(g)
	return r.versions[VolumePrimaryPhysical]
}

// OnVolumeForgotten drops the version record of a forgotten volume.
func (r *Registry) OnVolumeForgotten(w *WriteGuard, volumeUUID string) {
	r.lock.check(w)
	delete(r.versions, volumeUUID)
}

// CreateNewUser adds userID. Only system packages start installed for the
// new user.
func (r *Registry) CreateNewUser(w *WriteGuard, userID int) error {
	r.lock.check(w)
	for _, p := range r.packages {
		p.states.SetInstalled(p.IsSystem(), userID)
	}
	r.users[userID] = struct{}{}
	logger.Info("settings: created user %d", userID)

	if err := r.writePackageList(); err != nil {
		return err
	}
	return r.writePackageRestrictions(userID)
}

// RemoveUser forgets userID along with its documents.
func (r *Registry) RemoveUser(w *WriteGuard, userID int) error {
	r.lock.check(w)
	for _, p := range r.packages {
		p.states.RemoveUser(userID)
	}
	delete(r.users, userID)
	delete(r.defaultBrowser, userID)
	delete(r.defaultDialer, userID)
	delete(r.nextAppLinkGeneration, userID)
	delete(r.restoredGrants, userID)

	if err := r.deletePackageRestrictions(userID); err != nil {
		logger.Warn("settings: removing restrictions of user %d: %v", userID, err)
	}
	r.persister.onUserRemoved(userID)
	if err := r.persister.file(userID).Delete(); err != nil {
		logger.Warn("settings: removing runtime permissions of user %d: %v", userID, err)
	}

	logger.Info("settings: removed user %d", userID)
	return r.writePackageList()
}
