package settings

import "github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"

// InstalledSnapshot is a detached copy of what an install commit needs to
// know about an installed package. It stays valid after the guard it was
// taken under is released.
type InstalledSnapshot struct {
	PackageName       string
	CodePath          string
	AppID             int
	VersionCode       int
	PkgFlags          int
	PrimaryCpuAbi     string
	CpuAbiOverride    string
	Signatures        pkgstate.Signatures
	InstalledUsers    []int
	SharedUserName    string
	InstallerName     string
	ChildPackageNames []string
}

// IsSystem reports whether the snapshot was taken of a system package.
func (s *InstalledSnapshot) IsSystem() bool { return s.PkgFlags&FlagSystem != 0 }

// SnapshotForCommit copies the installed state of pkg, or returns nil if it
// is not installed for any user.
func (r *Registry) SnapshotForCommit(g Guard, pkg string) *InstalledSnapshot {
	r.lock.check(g)
	p := r.packages[pkg]
	if p == nil {
		return nil
	}
	users := p.states.QueryInstalledUsers(r.userList(), true)
	if len(users) == 0 {
		return nil
	}
	s := &InstalledSnapshot{
		PackageName:       p.Name,
		CodePath:          p.CodePath,
		AppID:             p.AppID,
		VersionCode:       p.VersionCode,
		PkgFlags:          p.PkgFlags,
		PrimaryCpuAbi:     p.PrimaryCpuAbi,
		CpuAbiOverride:    p.CpuAbiOverride,
		Signatures:        p.Signatures.Clone(),
		InstalledUsers:    users,
		InstallerName:     p.InstallerPackageName,
		ChildPackageNames: append([]string(nil), p.ChildPackageNames...),
	}
	if p.SharedUser != nil {
		s.SharedUserName = p.SharedUser.Name
	}
	return s
}
