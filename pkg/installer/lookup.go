package installer

import (
	"fmt"
	"slices"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/settings"
)

// InstallPackagesPermission lets its holder install without a user prompt.
const InstallPackagesPermission = "android.permission.INSTALL_PACKAGES"

// perUserRange is the uid span reserved for each user.
const perUserRange = 100000

// RegistryLookup answers session queries from the settings registry. It
// implements session.PackageLookup and session.PermissionChecker.
type RegistryLookup struct {
	registry     *settings.Registry
	deviceOwners []string
}

// NewRegistryLookup returns a lookup over registry. deviceOwners lists the
// packages treated as device owners.
func NewRegistryLookup(registry *settings.Registry, deviceOwners ...string) *RegistryLookup {
	return &RegistryLookup{registry: registry, deviceOwners: deviceOwners}
}

// InstalledPackage returns name as installed for userID, or nil when it is
// not installed for that user.
func (l *RegistryLookup) InstalledPackage(name string, userID int) (*session.InstalledPackage, error) {
	g := l.registry.Lock().Read()
	snap := l.registry.SnapshotForCommit(g, name)
	g.Release()

	if snap == nil {
		return nil, nil
	}
	if userID != session.UserAll && !slices.Contains(snap.InstalledUsers, userID) {
		return nil, nil
	}

	pkg, err := apklite.ParsePackageLite(snap.CodePath)
	if err != nil {
		return nil, fmt.Errorf("installed code of %s at %s: %w", name, snap.CodePath, err)
	}
	return &session.InstalledPackage{
		PackageName:  snap.PackageName,
		VersionCode:  snap.VersionCode,
		Signatures:   snap.Signatures,
		SplitNames:   pkg.SplitNames,
		CodePath:     snap.CodePath,
		BaseCodePath: pkg.BaseCodePath,
	}, nil
}

// HasInstallPermission reports whether the app owning uid holds
// InstallPackagesPermission.
func (l *RegistryLookup) HasInstallPermission(uid int) bool {
	g := l.registry.Lock().Read()
	defer g.Release()

	var perms *pkgstate.PermissionsState
	switch owner := l.registry.UserID(g, uid%perUserRange).(type) {
	case *settings.PackageSetting:
		perms = owner.Permissions()
	case *settings.SharedUserSetting:
		perms = owner.Permissions()
	default:
		return false
	}
	return perms.HasInstall(InstallPackagesPermission)
}

// IsDeviceOwner reports whether pkg is a configured device owner.
func (l *RegistryLookup) IsDeviceOwner(pkg string) bool {
	return pkg != "" && slices.Contains(l.deviceOwners, pkg)
}
