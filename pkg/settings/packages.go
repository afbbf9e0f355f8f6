package settings

import (
	"errors"
	"fmt"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

var (
	// ErrNoUID is returned when no application uid can be assigned.
	ErrNoUID = errors.New("settings: could not assign a valid uid")

	// ErrDuplicate is returned when a package or shared user is re-added
	// with a conflicting uid.
	ErrDuplicate = errors.New("settings: duplicate entry")
)

// ScanRequest describes a scanned package to upsert into the registry.
type ScanRequest struct {
	Name     string
	RealName string

	// OrigPackage is the record of the package this one was renamed from.
	OrigPackage *PackageSetting
	SharedUser  *SharedUserSetting

	CodePath          string
	ResourcePath      string
	NativeLibraryPath string
	PrimaryCpuAbi     string
	SecondaryCpuAbi   string

	VersionCode     int
	PkgFlags        int
	PkgPrivateFlags int

	// InstallUser restricts the initial installed state of a new non-system
	// package. nil means installed for every user; UserAll likewise.
	InstallUser *int

	ParentPackageName string
	ChildPackageNames []string

	Signatures pkgstate.Signatures
	DataDir    string
	SEInfo     string

	// TimeStamp is the code path modification time in milliseconds.
	TimeStamp int64

	// Add inserts a newly created setting into the registry.
	Add bool
}

// ForUser returns a pointer suitable for ScanRequest.InstallUser.
func ForUser(userID int) *int { return &userID }

// GetOrCreatePackage returns the setting for a scanned package, creating or
// updating it as needed.
func (r *Registry) GetOrCreatePackage(w *WriteGuard, req ScanRequest) (*PackageSetting, error) {
	r.lock.check(w)
	return r.getOrCreatePackage(req, true)
}

func (r *Registry) getOrCreatePackage(req ScanRequest, allowInstall bool) (*PackageSetting, error) {
	name := req.Name
	p := r.packages[name]

	if p != nil {
		p.PrimaryCpuAbi = req.PrimaryCpuAbi
		p.SecondaryCpuAbi = req.SecondaryCpuAbi
		if req.ChildPackageNames != nil {
			p.ChildPackageNames = append([]string(nil), req.ChildPackageNames...)
		}
		if req.DataDir != "" {
			p.DataDir = req.DataDir
		}
		if req.SEInfo != "" {
			p.SEInfo = req.SEInfo
		}

		if p.CodePath != req.CodePath {
			if p.PkgFlags&FlagSystem != 0 {
				logger.Warn("settings: trying to update system app code path from %s to %s",
					p.CodePath, req.CodePath)
			} else {
				logger.Info("settings: package %s codePath changed from %s to %s; retaining data and using new",
					name, p.CodePath, req.CodePath)

				// A data app that reappears as a system app must be
				// installed for every user.
				if req.PkgFlags&FlagSystem != 0 && r.disabledSysPackages[name] == nil {
					for _, u := range r.userList() {
						p.states.SetInstalled(true, u)
					}
				}
				p.LegacyNativeLibraryPath = req.NativeLibraryPath
			}
		}

		if p.SharedUser != req.SharedUser {
			r.reportProblem("Package %s shared user changed from %s to %s; replacing with new",
				name, sharedUserName(p.SharedUser), sharedUserName(req.SharedUser))
			r.metrics.RecordSharedUserMismatch()
			r.discardMismatched(p)
			p = nil
		} else {
			p.PkgFlags |= req.PkgFlags & FlagSystem
			p.PkgPrivateFlags |= req.PkgPrivateFlags & PrivateFlagPrivileged
		}
	}

	if p != nil {
		if req.InstallUser != nil && allowInstall {
			for _, u := range r.userList() {
				if *req.InstallUser != UserAll && *req.InstallUser != u {
					continue
				}
				if !p.states.GetInstalled(u) {
					p.states.SetInstalled(true, u)
					_ = r.writePackageRestrictions(u)
				}
			}
		}
		return p, nil
	}

	if req.OrigPackage != nil {
		orig := req.OrigPackage
		p = newPackageSetting(orig.Name, name, req.CodePath, req.ResourcePath)
		r.applyScan(p, req)

		// Keep the new package's signatures so its data stays readable.
		sigs := p.Signatures
		p.copyFrom(orig)
		p.Signatures = sigs
		p.SharedUser = orig.SharedUser
		p.AppID = orig.AppID
		p.OrigPackage = orig
		r.renamedPackages[name] = orig.Name
		name = orig.Name
		p.TimeStamp = req.TimeStamp
	} else {
		p = newPackageSetting(name, req.RealName, req.CodePath, req.ResourcePath)
		r.applyScan(p, req)
		p.TimeStamp = req.TimeStamp
		p.SharedUser = req.SharedUser

		if req.PkgFlags&FlagSystem == 0 && allowInstall {
			for _, u := range r.userList() {
				installed := req.InstallUser == nil ||
					*req.InstallUser == UserAll ||
					*req.InstallUser == u
				st := p.states.Modify(u)
				*st = pkgstate.UserState{
					Installed:   installed,
					Stopped:     true,
					NotLaunched: true,
					Enabled:     pkgstate.EnabledStateDefault,
				}
				_ = r.writePackageRestrictions(u)
			}
		}

		if req.SharedUser != nil {
			p.AppID = req.SharedUser.UserID
		} else if dis := r.disabledSysPackages[name]; dis != nil {
			// An update of a disabled system package keeps its uid,
			// signatures, grants and component overrides.
			p.Signatures = dis.Signatures.Clone()
			p.AppID = dis.AppID
			p.perms.CopyFrom(dis.perms)
			for _, u := range r.userList() {
				st := p.states.Modify(u)
				dst := dis.states.Read(u)
				st.DisabledComponents = dst.DisabledComponents.Clone()
				st.EnabledComponents = dst.EnabledComponents.Clone()
			}
			r.addUserID(p.AppID, p)
		} else {
			p.AppID = r.newUserID(p)
		}
	}

	if p.AppID < 0 {
		r.reportProblem("Package %s could not be assigned a valid uid", name)
		return nil, fmt.Errorf("%w: package %s", ErrNoUID, name)
	}
	if req.Add {
		r.addPackageSetting(p, name, req.SharedUser)
	}
	return p, nil
}

func (r *Registry) applyScan(p *PackageSetting, req ScanRequest) {
	p.LegacyNativeLibraryPath = req.NativeLibraryPath
	p.PrimaryCpuAbi = req.PrimaryCpuAbi
	p.SecondaryCpuAbi = req.SecondaryCpuAbi
	p.VersionCode = req.VersionCode
	p.PkgFlags = req.PkgFlags
	p.PkgPrivateFlags = req.PkgPrivateFlags
	p.ParentPackageName = req.ParentPackageName
	p.ChildPackageNames = append([]string(nil), req.ChildPackageNames...)
	p.Signatures = req.Signatures.Clone()
	p.DataDir = req.DataDir
	p.SEInfo = req.SEInfo
}

// discardMismatched drops a setting whose shared user no longer matches so
// the caller can rebuild it from scratch.
func (r *Registry) discardMismatched(p *PackageSetting) {
	delete(r.packages, p.Name)
	if p.SharedUser != nil {
		p.SharedUser.removePackage(p)
		return
	}
	if r.getUserID(p.AppID) == UIDOwner(p) {
		r.removeUserID(p.AppID)
	}
}

func sharedUserName(s *SharedUserSetting) string {
	if s == nil {
		return "<nothing>"
	}
	return s.Name
}

// InsertPackage adds an already built setting, wiring its shared user and
// uid table entry.
func (r *Registry) InsertPackage(w *WriteGuard, p *PackageSetting) {
	r.lock.check(w)
	r.addPackageSetting(p, p.Name, p.SharedUser)
}

func (r *Registry) addPackageSetting(p *PackageSetting, name string, sharedUser *SharedUserSetting) {
	r.packages[name] = p
	if sharedUser != nil {
		if p.SharedUser != nil && p.SharedUser != sharedUser {
			r.reportProblem("Package %s was user %s but is now %s; I am not changing its files so it will probably fail!",
				p.Name, p.SharedUser.Name, sharedUser.Name)
			p.SharedUser.removePackage(p)
		} else if p.AppID != sharedUser.UserID {
			r.reportProblem("Package %s was user id %d but is now user %s with id %d; I am not changing its files so it will probably fail!",
				p.Name, p.AppID, sharedUser.Name, sharedUser.UserID)
		}
		sharedUser.addPackage(p)
		p.SharedUser = sharedUser
		p.AppID = sharedUser.UserID
	}

	// The uid table must point at the same object as the package map.
	owner := r.getUserID(p.AppID)
	if sharedUser == nil {
		if owner != nil && owner != UIDOwner(p) {
			r.replaceUserID(p.AppID, p)
		}
	} else if owner != nil && owner != UIDOwner(sharedUser) {
		r.replaceUserID(p.AppID, sharedUser)
	}

	if ivi, ok := r.restoredIVIs[name]; ok {
		logger.Info("settings: applying restored domain verification for %s", name)
		delete(r.restoredIVIs, name)
		p.Verification = ivi
	}
}

// AddPackage registers a package under a known uid. Re-adding with the same
// uid returns the existing setting.
func (r *Registry) AddPackage(w *WriteGuard, p *PackageSetting) (*PackageSetting, error) {
	r.lock.check(w)
	return r.addPackage(p)
}

func (r *Registry) addPackage(p *PackageSetting) (*PackageSetting, error) {
	if cur := r.packages[p.Name]; cur != nil {
		if cur.AppID == p.AppID {
			return cur, nil
		}
		r.reportProblem("Adding duplicate package, keeping first: %s", p.Name)
		return nil, fmt.Errorf("%w: package %s", ErrDuplicate, p.Name)
	}
	if p.perms == nil {
		p.perms = pkgstate.NewPermissionsState()
	}
	if p.states == nil {
		p.states = pkgstate.NewStates()
	}
	if !r.addUserID(p.AppID, p) {
		return nil, fmt.Errorf("%w: uid %d for package %s", ErrDuplicate, p.AppID, p.Name)
	}
	r.packages[p.Name] = p
	return p, nil
}

// NewPackageSetting returns an unregistered setting for AddPackage.
func NewPackageSetting(name, codePath string, appID, versionCode, pkgFlags int) *PackageSetting {
	p := newPackageSetting(name, "", codePath, codePath)
	p.AppID = appID
	p.VersionCode = versionCode
	p.PkgFlags = pkgFlags
	return p
}

// AddSharedUser registers a shared user under a known uid. Re-adding with
// the same uid returns the existing one.
func (r *Registry) AddSharedUser(w *WriteGuard, name string, uid, pkgFlags, pkgPrivateFlags int) (*SharedUserSetting, error) {
	r.lock.check(w)
	return r.addSharedUser(name, uid, pkgFlags, pkgPrivateFlags)
}

func (r *Registry) addSharedUser(name string, uid, pkgFlags, pkgPrivateFlags int) (*SharedUserSetting, error) {
	if s := r.sharedUsers[name]; s != nil {
		if s.UserID == uid {
			return s, nil
		}
		r.reportProblem("Adding duplicate shared user, keeping first: %s", name)
		return nil, fmt.Errorf("%w: shared user %s", ErrDuplicate, name)
	}
	s := newSharedUser(name, pkgFlags, pkgPrivateFlags)
	s.UserID = uid
	if !r.addUserID(uid, s) {
		return nil, fmt.Errorf("%w: uid %d for shared user %s", ErrDuplicate, uid, name)
	}
	r.sharedUsers[name] = s
	return s, nil
}

// GetSharedUser returns the shared user called name, creating it with a new
// uid when create is set. Returns nil if it does not exist and cannot be
// created.
func (r *Registry) GetSharedUser(w *WriteGuard, name string, pkgFlags, pkgPrivateFlags int, create bool) *SharedUserSetting {
	r.lock.check(w)
	if s := r.sharedUsers[name]; s != nil {
		return s
	}
	if !create {
		return nil
	}
	s := newSharedUser(name, pkgFlags, pkgPrivateFlags)
	s.UserID = r.newUserID(s)
	if s.UserID < 0 {
		return nil
	}
	logger.Info("settings: new shared user %s: id=%d", name, s.UserID)
	r.sharedUsers[name] = s
	return s
}

// RemovePackage removes a package and returns the uid that became free:
// its own app id, or its shared user's id when it was the last member.
// Returns -1 when nothing was freed.
func (r *Registry) RemovePackage(w *WriteGuard, name string) int {
	r.lock.check(w)
	p := r.packages[name]
	if p == nil {
		return -1
	}
	delete(r.packages, name)
	r.removeInstallerPackageStatus(name)

	if p.SharedUser != nil {
		p.SharedUser.removePackage(p)
		if len(p.SharedUser.packages) == 0 {
			delete(r.sharedUsers, p.SharedUser.Name)
			r.removeUserID(p.SharedUser.UserID)
			return p.SharedUser.UserID
		}
		return -1
	}
	r.removeUserID(p.AppID)
	return p.AppID
}

// removeInstallerPackageStatus orphans every package installed by name.
func (r *Registry) removeInstallerPackageStatus(name string) {
	if _, ok := r.installerPackages[name]; !ok {
		return
	}
	for _, ps := range r.packages {
		if ps.InstallerPackageName == name {
			ps.InstallerPackageName = ""
			ps.IsOrphaned = true
		}
	}
	delete(r.installerPackages, name)
}

func (r *Registry) replacePackage(name string, newp *PackageSetting) {
	if p := r.packages[name]; p != nil {
		if p.SharedUser != nil {
			p.SharedUser.removePackage(p)
			p.SharedUser.addPackage(newp)
		} else {
			r.replaceUserID(p.AppID, newp)
		}
	}
	r.packages[name] = newp
}

// DisableSystemPackage moves a system package to the disabled side map so
// an update can shadow it. With replaced set, the active map gets a fresh
// copy the update may modify freely.
func (r *Registry) DisableSystemPackage(w *WriteGuard, name string, replaced bool) bool {
	r.lock.check(w)
	p := r.packages[name]
	if p == nil {
		logger.Warn("settings: package %s is not an installed package", name)
		return false
	}
	if r.disabledSysPackages[name] != nil || !p.IsSystem() {
		return false
	}
	r.disabledSysPackages[name] = p
	if replaced {
		r.replacePackage(name, p.clone())
	}
	return true
}

// EnableSystemPackage restores a disabled system package as the active one.
func (r *Registry) EnableSystemPackage(w *WriteGuard, name string) *PackageSetting {
	r.lock.check(w)
	dis := r.disabledSysPackages[name]
	if dis == nil {
		logger.Warn("settings: package %s is not disabled", name)
		return nil
	}

	np := newPackageSetting(name, dis.RealName, dis.CodePath, dis.ResourcePath)
	np.LegacyNativeLibraryPath = dis.LegacyNativeLibraryPath
	np.PrimaryCpuAbi = dis.PrimaryCpuAbi
	np.SecondaryCpuAbi = dis.SecondaryCpuAbi
	np.CpuAbiOverride = dis.CpuAbiOverride
	np.AppID = dis.AppID
	np.VersionCode = dis.VersionCode
	np.PkgFlags = dis.PkgFlags
	np.PkgPrivateFlags = dis.PkgPrivateFlags
	np.ParentPackageName = dis.ParentPackageName
	np.ChildPackageNames = append([]string(nil), dis.ChildPackageNames...)

	ret, err := r.addPackage(np)
	if err != nil {
		return nil
	}
	delete(r.disabledSysPackages, name)
	return ret
}

// IsDisabledSystemPackage reports whether name is shadowed by an update.
func (r *Registry) IsDisabledSystemPackage(g Guard, name string) bool {
	r.lock.check(g)
	_, ok := r.disabledSysPackages[name]
	return ok
}

// RemoveDisabledSystemPackage forgets the disabled record of name.
func (r *Registry) RemoveDisabledSystemPackage(w *WriteGuard, name string) {
	r.lock.check(w)
	delete(r.disabledSysPackages, name)
}

// PruneSharedUsers drops members that are no longer installed and shared
// users left without members.
func (r *Registry) PruneSharedUsers(w *WriteGuard) {
	r.lock.check(w)
	for name, s := range r.sharedUsers {
		for pkg := range s.packages {
			if r.packages[pkg] == nil {
				delete(s.packages, pkg)
			}
		}
		if len(s.packages) == 0 {
			delete(r.sharedUsers, name)
		}
	}
}

// SetInstallerPackageName records who installed pkg.
func (r *Registry) SetInstallerPackageName(w *WriteGuard, pkg, installer string) {
	r.lock.check(w)
	p := r.packages[pkg]
	if p == nil {
		return
	}
	p.InstallerPackageName = installer
	if installer != "" {
		r.installerPackages[installer] = struct{}{}
	}
}

// SetInstallStatus updates the install status of pkg.
func (r *Registry) SetInstallStatus(w *WriteGuard, pkg string, status InstallStatus) {
	r.lock.check(w)
	if p := r.packages[pkg]; p != nil {
		p.InstallStatus = status
	}
}

// IncompleteInstalls returns the packages whose install did not finish.
func (r *Registry) IncompleteInstalls(g Guard) []*PackageSetting {
	r.lock.check(g)
	var out []*PackageSetting
	for _, name := range r.packageNames() {
		if p := r.packages[name]; p.InstallStatus == InstallIncomplete {
			out = append(out, p)
		}
	}
	return out
}

// RenamedPackage returns the original name of a renamed package.
func (r *Registry) RenamedPackage(g Guard, newName string) (string, bool) {
	r.lock.check(g)
	old, ok := r.renamedPackages[newName]
	return old, ok
}

// AddRenamedPackage records that newName was formerly oldName.
func (r *Registry) AddRenamedPackage(w *WriteGuard, newName, oldName string) {
	r.lock.check(w)
	r.renamedPackages[newName] = oldName
}

// AddPackageToClean queues item unless an equal item is already queued.
func (r *Registry) AddPackageToClean(w *WriteGuard, item CleanItem) {
	r.lock.check(w)
	r.addPackageToClean(item)
}

func (r *Registry) addPackageToClean(item CleanItem) {
	for _, it := range r.packagesToBeCleaned {
		if it == item {
			return
		}
	}
	r.packagesToBeCleaned = append(r.packagesToBeCleaned, item)
}

// TakePackagesToClean empties and returns the clean queue.
func (r *Registry) TakePackagesToClean(w *WriteGuard) []CleanItem {
	r.lock.check(w)
	out := r.packagesToBeCleaned
	r.packagesToBeCleaned = nil
	return out
}

// RememberRestoredGrant records a runtime grant for a package that is not
// installed yet.
func (r *Registry) RememberRestoredGrant(w *WriteGuard, pkg string, grant RestoredGrant, userID int) {
	r.lock.check(w)
	r.rememberRestoredGrant(pkg, grant, userID)
}

func (r *Registry) rememberRestoredGrant(pkg string, grant RestoredGrant, userID int) {
	byPkg := r.restoredGrants[userID]
	if byPkg == nil {
		byPkg = make(map[string][]RestoredGrant)
		r.restoredGrants[userID] = byPkg
	}
	for _, g := range byPkg[pkg] {
		if g == grant {
			return
		}
	}
	byPkg[pkg] = append(byPkg[pkg], grant)
}

// ApplyPendingPermissionGrants replays restored grants of pkg for userID and
// schedules a runtime permission write.
func (r *Registry) ApplyPendingPermissionGrants(w *WriteGuard, pkg string, userID int) {
	r.lock.check(w)
	byPkg := r.restoredGrants[userID]
	grants := byPkg[pkg]
	if len(grants) == 0 {
		return
	}

	ps := r.packages[pkg]
	if ps == nil {
		logger.Error("settings: can't find supposedly installed package %s", pkg)
		return
	}
	perms := ps.Permissions()
	for _, g := range grants {
		if r.permissions[g.Permission] == nil {
			continue
		}
		if g.Granted {
			perms.GrantRuntime(g.Permission, userID)
		}
		perms.UpdateRuntimeFlags(g.Permission, userID, userRuntimeGrantMask, g.Flags)
	}

	delete(byPkg, pkg)
	if len(byPkg) == 0 {
		delete(r.restoredGrants, userID)
	}
	r.persister.writeAsync(userID)
}

// userRuntimeGrantMask covers the flags a restore may carry.
const userRuntimeGrantMask = pkgstate.FlagUserSet | pkgstate.FlagUserFixed | pkgstate.FlagRevokeOnUpgrade
