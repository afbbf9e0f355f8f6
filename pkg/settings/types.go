package settings

import (
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

// Application id range. App ids below FirstApplicationUID belong to the
// platform and are tracked separately.
const (
	FirstApplicationUID = 10000
	LastApplicationUID  = 19999
)

// User handle sentinels.
const (
	UserAll    = -1
	UserSystem = 0
)

// Public package flags.
const (
	FlagSystem     = 1 << 0
	FlagDebuggable = 1 << 1
)

// Private package flags.
const (
	PrivateFlagHidden        = 1 << 0
	PrivateFlagCantSaveState = 1 << 1
	PrivateFlagForwardLock   = 1 << 2
	PrivateFlagPrivileged    = 1 << 3
)

// Flags stored in the single "flags" attribute before public and private
// flags were split.
const (
	preMFlagHidden        = 1 << 27
	preMFlagCantSaveState = 1 << 28
	preMFlagForwardLock   = 1 << 29
	preMFlagPrivileged    = 1 << 30
)

// Volume ids used for version bookkeeping.
const (
	VolumePrivateInternal = ""
	VolumePrimaryPhysical = "primary_physical"
)

// InstallStatus tracks whether a package's install finished.
type InstallStatus int

const (
	InstallComplete InstallStatus = iota
	InstallIncomplete
)

// Permission protection levels and kinds.
const (
	ProtectionNormal = 0

	PermissionTypeNormal  = 0
	PermissionTypeBuiltin = 1
	PermissionTypeDynamic = 2
)

// BasePermission is a permission or permission-tree definition.
type BasePermission struct {
	Name              string
	SourcePackage     string
	Protection        int
	Type              int
	AllowViaWhitelist bool

	// Supplementary gids granted with the permission. Comes from platform
	// configuration and is not persisted.
	Gids []int
}

// IntentFilterVerification is the domain verification record of a package.
type IntentFilterVerification struct {
	PackageName string
	Status      pkgstate.VerificationStatus
	Domains     []string
}

func (v *IntentFilterVerification) clone() *IntentFilterVerification {
	if v == nil {
		return nil
	}
	c := *v
	c.Domains = append([]string(nil), v.Domains...)
	return &c
}

// VersionInfo is the platform version a storage volume was last used with.
type VersionInfo struct {
	SDKVersion      int
	DatabaseVersion int
	Fingerprint     string
}

// CurrentSDKVersion and CurrentDatabaseVersion are stamped into freshly
// created VersionInfo records.
const (
	CurrentSDKVersion      = 24
	CurrentDatabaseVersion = 3
)

// CleanItem is a package whose external data must be cleaned for a user.
type CleanItem struct {
	UserID      int
	PackageName string
	AndCode     bool
}

// RestoredGrant is a runtime permission grant restored before its package
// was installed.
type RestoredGrant struct {
	Permission string
	Granted    bool
	Flags      uint32
}

// settingBase is shared by packages and shared users.
type settingBase struct {
	PkgFlags        int
	PkgPrivateFlags int
	perms           *pkgstate.PermissionsState
}

// SharedUserSetting is a uid shared by several packages.
type SharedUserSetting struct {
	settingBase

	Name       string
	UserID     int
	Signatures pkgstate.Signatures

	packages map[string]*PackageSetting
}

func newSharedUser(name string, pkgFlags, pkgPrivateFlags int) *SharedUserSetting {
	return &SharedUserSetting{
		settingBase: settingBase{
			PkgFlags:        pkgFlags,
			PkgPrivateFlags: pkgPrivateFlags,
			perms:           pkgstate.NewPermissionsState(),
		},
		Name:     name,
		packages: make(map[string]*PackageSetting),
	}
}

// Permissions returns the shared permission state.
func (s *SharedUserSetting) Permissions() *pkgstate.PermissionsState { return s.perms }

// Packages returns the member package names.
func (s *SharedUserSetting) Packages() []string {
	out := make([]string, 0, len(s.packages))
	for name := range s.packages {
		out = append(out, name)
	}
	return sortedStrings(out)
}

func (s *SharedUserSetting) addPackage(p *PackageSetting) {
	s.packages[p.Name] = p
	s.PkgFlags |= p.PkgFlags
}

func (s *SharedUserSetting) removePackage(p *PackageSetting) {
	if cur, ok := s.packages[p.Name]; ok && cur == p {
		delete(s.packages, p.Name)
	}
}

// PackageSetting is the persisted record of one package.
type PackageSetting struct {
	settingBase

	Name     string
	RealName string

	CodePath                string
	ResourcePath            string
	LegacyNativeLibraryPath string
	PrimaryCpuAbi           string
	SecondaryCpuAbi         string
	CpuAbiOverride          string

	AppID       int
	VersionCode int

	TimeStamp        int64
	FirstInstallTime int64
	LastUpdateTime   int64

	UIDError             bool
	InstallStatus        InstallStatus
	InstallerPackageName string
	IsOrphaned           bool
	VolumeUUID           string

	ParentPackageName string
	ChildPackageNames []string

	Signatures   pkgstate.Signatures
	Verification *IntentFilterVerification

	// Scan-time data needed for packages.list. Not persisted in packages.xml.
	DataDir string
	SEInfo  string

	SharedUser  *SharedUserSetting
	OrigPackage *PackageSetting

	states *pkgstate.States
}

func newPackageSetting(name, realName, codePath, resourcePath string) *PackageSetting {
	if resourcePath == "" {
		resourcePath = codePath
	}
	return &PackageSetting{
		settingBase:  settingBase{perms: pkgstate.NewPermissionsState()},
		Name:         name,
		RealName:     realName,
		CodePath:     codePath,
		ResourcePath: resourcePath,
		states:       pkgstate.NewStates(),
	}
}

// Permissions returns the permission state that applies to the package:
// the shared user's state for members of a shared user.
func (p *PackageSetting) Permissions() *pkgstate.PermissionsState {
	if p.SharedUser != nil {
		return p.SharedUser.perms
	}
	return p.perms
}

// States returns the per-user state of the package.
func (p *PackageSetting) States() *pkgstate.States { return p.states }

// IsSystem reports whether the package carries FlagSystem.
func (p *PackageSetting) IsSystem() bool { return p.PkgFlags&FlagSystem != 0 }

// copyFrom copies the mutable state of other into p, keeping p's identity.
func (p *PackageSetting) copyFrom(other *PackageSetting) {
	p.perms.CopyFrom(other.perms)
	p.Signatures = other.Signatures.Clone()
	p.TimeStamp = other.TimeStamp
	p.FirstInstallTime = other.FirstInstallTime
	p.LastUpdateTime = other.LastUpdateTime
	p.InstallerPackageName = other.InstallerPackageName
	p.IsOrphaned = other.IsOrphaned
	p.InstallStatus = other.InstallStatus
	p.VolumeUUID = other.VolumeUUID
	p.states.CopyFrom(other.states)
	p.Verification = other.Verification.clone()
}

// clone returns an independent copy sharing only the shared-user pointer.
func (p *PackageSetting) clone() *PackageSetting {
	c := *p
	c.perms = pkgstate.NewPermissionsState()
	c.perms.CopyFrom(p.perms)
	c.states = p.states.Clone()
	c.Signatures = p.Signatures.Clone()
	c.ChildPackageNames = append([]string(nil), p.ChildPackageNames...)
	c.Verification = p.Verification.clone()
	return &c
}
