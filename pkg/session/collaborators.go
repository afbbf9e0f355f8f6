package session

import (
	"context"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

// Callback receives lifecycle events of a session. It is implemented by the
// coordinator that owns the session. Methods are never called with the
// session's internal lock held, so they may call back into the session.
type Callback interface {
	OnActiveChanged(s *Session, active bool)
	OnPrepared(s *Session)
	// OnSealed is called once, synchronously from Commit, the first time the
	// session seals.
	OnSealed(s *Session)
	OnProgressChanged(s *Session, progress float64)
	OnFinished(s *Session, success bool)
}

// StatusReceiver is the client's install observer.
type StatusReceiver interface {
	// OnUserActionRequired asks the client to have the user confirm the
	// install, after which the coordinator calls SetPermissionsResult.
	OnUserActionRequired(sessionID int)

	// OnPackageInstalled reports the final outcome. It is called at most
	// once per session.
	OnPackageInstalled(sessionID int, packageName string, code Code, message string, extras map[string]string)
}

// InstalledPackage describes the currently installed version of a package,
// as seen before the commit pass.
type InstalledPackage struct {
	PackageName  string
	VersionCode  int
	Signatures   pkgstate.Signatures
	SplitNames   []string
	CodePath     string
	BaseCodePath string
}

// PackageLookup resolves installed packages.
type PackageLookup interface {
	// InstalledPackage returns nil, nil when name is not installed for userID.
	InstalledPackage(name string, userID int) (*InstalledPackage, error)
}

// PermissionChecker decides whether an installer may skip user confirmation.
type PermissionChecker interface {
	HasInstallPermission(installerUID int) bool
	IsDeviceOwner(installerPackageName string) bool
}

// Storage prepares and removes directory staging areas.
type Storage interface {
	PrepareStageDir(dir string) error
	RemoveStageDir(dir string) error
	// FreeStorage makes at least bytes available on the volume.
	FreeStorage(volumeUUID string, bytes int64) error
}

// Containers manages mountable container staging areas.
type Containers interface {
	// Create allocates and mounts a container of sizeBytes.
	Create(cid string, sizeBytes int64) (string, error)
	// Path returns the mount path of cid, or "" when it is not mounted.
	Path(cid string) (string, error)
	Size(cid string) (int64, error)
	Unmount(cid string) error
	Resize(cid string, sizeBytes int64) error
	Mount(cid string) (string, error)
	Finalize(cid string) error
	FixPermissions(cid string) error
	Destroy(cid string) error
}

// InstallRequest hands a validated stage to the Installer.
type InstallRequest struct {
	SessionID            int
	PackageName          string
	VersionCode          int
	Signatures           pkgstate.Signatures
	StageDir             string
	StageCid             string
	Params               Params
	InstallerPackageName string
	InstallerUID         int
	// UserID is UserAll when InstallAllUsers is set.
	UserID int
}

// InstallResult is reported by the Installer once it is done with a stage.
type InstallResult struct {
	PackageName string
	Code        Code
	Message     string
	Extras      map[string]string
}

// Installer performs the actual install once a session relinquishes its
// stage. InstallStage may call done synchronously or from any goroutine,
// exactly once.
type Installer interface {
	InstallStage(ctx context.Context, req InstallRequest, done func(InstallResult))
}

// Dispatcher runs commit passes. A workerpool.Pool satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, fn func()) error
}

// Environment bundles the collaborators of a session.
type Environment struct {
	Packages    PackageLookup
	Permissions PermissionChecker
	Storage     Storage
	// Containers may be nil when no session uses a container stage.
	Containers Containers
	Installer  Installer
	// Dispatcher may be nil, in which case passes run on new goroutines.
	Dispatcher Dispatcher
}
