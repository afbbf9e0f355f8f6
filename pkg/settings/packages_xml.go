package settings

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

type xmlPackages struct {
	XMLName xml.Name `xml:"packages"`

	Versions []xmlVersion `xml:"version"`

	// Pre-volume version records, read only.
	LastPlatformVersion *xmlLastPlatformVersion `xml:"last-platform-version"`
	DatabaseVersion     *xmlDatabaseVersion     `xml:"database-version"`

	Verifier            *xmlVerifier    `xml:"verifier"`
	ReadExternalStorage *xmlEnforcement `xml:"read-external-storage"`
	PermissionTrees     *xmlPermDefs    `xml:"permission-trees"`
	Permissions         *xmlPermDefs    `xml:"permissions"`

	Packages         []xmlPackage     `xml:"package"`
	UpdatedPackages  []xmlPackage     `xml:"updated-package"`
	SharedUsers      []xmlSharedUser  `xml:"shared-user"`
	CleaningPackages []xmlCleaning    `xml:"cleaning-package"`
	RenamedPackages  []xmlRenamed     `xml:"renamed-package"`
	RestoredIVI      *xmlRestoredIVIs `xml:"restored-ivi"`
}

type xmlVersion struct {
	VolumeUUID      string `xml:"volumeUuid,attr,omitempty"`
	SDKVersion      string `xml:"sdkVersion,attr"`
	DatabaseVersion string `xml:"databaseVersion,attr"`
	Fingerprint     string `xml:"fingerprint,attr,omitempty"`
}

type xmlLastPlatformVersion struct {
	Internal    string `xml:"internal,attr"`
	External    string `xml:"external,attr"`
	Fingerprint string `xml:"fingerprint,attr"`
}

type xmlDatabaseVersion struct {
	Internal string `xml:"internal,attr"`
	External string `xml:"external,attr"`
}

type xmlVerifier struct {
	Device string `xml:"device,attr"`
}

type xmlEnforcement struct {
	Enforcement string `xml:"enforcement,attr"`
}

type xmlPermDefs struct {
	Items []xmlPermDef `xml:"item"`
}

type xmlPermDef struct {
	Name              string `xml:"name,attr"`
	Package           string `xml:"package,attr"`
	Protection        string `xml:"protection,attr,omitempty"`
	Type              string `xml:"type,attr,omitempty"`
	AllowViaWhitelist string `xml:"allowViaWhitelist,attr,omitempty"`
}

type xmlPackage struct {
	Name              string `xml:"name,attr"`
	RealName          string `xml:"realName,attr,omitempty"`
	CodePath          string `xml:"codePath,attr"`
	ResourcePath      string `xml:"resourcePath,attr,omitempty"`
	NativeLibraryPath string `xml:"nativeLibraryPath,attr,omitempty"`
	PrimaryCpuAbi     string `xml:"primaryCpuAbi,attr,omitempty"`
	SecondaryCpuAbi   string `xml:"secondaryCpuAbi,attr,omitempty"`
	CpuAbiOverride    string `xml:"cpuAbiOverride,attr,omitempty"`
	RequiredCpuAbi    string `xml:"requiredCpuAbi,attr,omitempty"`
	PublicFlags       string `xml:"publicFlags,attr,omitempty"`
	PrivateFlags      string `xml:"privateFlags,attr,omitempty"`
	Flags             string `xml:"flags,attr,omitempty"`
	System            string `xml:"system,attr,omitempty"`
	FT                string `xml:"ft,attr,omitempty"`
	TS                string `xml:"ts,attr,omitempty"`
	IT                string `xml:"it,attr,omitempty"`
	UT                string `xml:"ut,attr,omitempty"`
	Version           string `xml:"version,attr,omitempty"`
	UserID            string `xml:"userId,attr,omitempty"`
	SharedUserID      string `xml:"sharedUserId,attr,omitempty"`
	UIDError          string `xml:"uidError,attr,omitempty"`
	InstallStatus     string `xml:"installStatus,attr,omitempty"`
	Installer         string `xml:"installer,attr,omitempty"`
	IsOrphaned        string `xml:"isOrphaned,attr,omitempty"`
	VolumeUUID        string `xml:"volumeUuid,attr,omitempty"`
	ParentPackageName string `xml:"parentPackageName,attr,omitempty"`
	Enabled           string `xml:"enabled,attr,omitempty"`

	ChildPackages      []xmlNamed   `xml:"child-package"`
	Sigs               *xmlSigs     `xml:"sigs"`
	Perms              *xmlPermList `xml:"perms"`
	DomainVerification *xmlIVI      `xml:"domain-verification"`

	// Component overrides for user 0 from before per-user restrictions.
	EnabledComponents  *xmlItemList `xml:"enabled-components"`
	DisabledComponents *xmlItemList `xml:"disabled-components"`
}

type xmlSigs struct {
	Count string    `xml:"count,attr"`
	Certs []xmlCert `xml:"cert"`
}

type xmlCert struct {
	Index string `xml:"index,attr"`
	Key   string `xml:"key,attr,omitempty"`
}

type xmlPermList struct {
	Items []xmlPermItem `xml:"item"`
}

type xmlIVI struct {
	PackageName string     `xml:"packageName,attr"`
	Status      string     `xml:"status,attr"`
	Domains     []xmlNamed `xml:"domain"`
}

type xmlSharedUser struct {
	Name   string       `xml:"name,attr"`
	UserID string       `xml:"userId,attr"`
	System string       `xml:"system,attr,omitempty"`
	Sigs   *xmlSigs     `xml:"sigs"`
	Perms  *xmlPermList `xml:"perms"`
}

type xmlCleaning struct {
	Name string `xml:"name,attr"`
	Code string `xml:"code,attr,omitempty"`
	User string `xml:"user,attr,omitempty"`
}

type xmlRenamed struct {
	New string `xml:"new,attr"`
	Old string `xml:"old,attr"`
}

type xmlRestoredIVIs struct {
	Items []xmlIVI `xml:"domain-verification"`
}

// certTable numbers certificates within one document. A certificate is
// written in full once; later occurrences refer to it by index.
type certTable struct {
	index map[string]int
	keys  map[int]string
}

func newCertTable() *certTable {
	return &certTable{index: make(map[string]int), keys: make(map[int]string)}
}

func (t *certTable) encode(s pkgstate.Signatures) *xmlSigs {
	if s.Empty() {
		return nil
	}
	out := &xmlSigs{Count: strconv.Itoa(len(s.Certs))}
	for _, c := range s.Certs {
		if idx, ok := t.index[c]; ok {
			out.Certs = append(out.Certs, xmlCert{Index: strconv.Itoa(idx)})
			continue
		}
		idx := len(t.index)
		t.index[c] = idx
		out.Certs = append(out.Certs, xmlCert{Index: strconv.Itoa(idx), Key: c})
	}
	return out
}

func (t *certTable) decode(x *xmlSigs, owner string, report func(string, ...any)) pkgstate.Signatures {
	if x == nil {
		return pkgstate.Signatures{}
	}
	var certs []string
	for _, c := range x.Certs {
		idx := parseInt(c.Index, -1)
		if c.Key != "" {
			if idx >= 0 {
				t.keys[idx] = c.Key
			}
			certs = append(certs, c.Key)
			continue
		}
		key, ok := t.keys[idx]
		if !ok {
			report("Error in package manager settings: <cert> index %s of %s is not defined", c.Index, owner)
			continue
		}
		certs = append(certs, key)
	}
	return pkgstate.NewSignatures(certs...)
}

func encodePermList(states []pkgstate.PermissionState) *xmlPermList {
	if len(states) == 0 {
		return nil
	}
	return &xmlPermList{Items: permItems(states)}
}

func encodeIVI(v *IntentFilterVerification) *xmlIVI {
	if v == nil {
		return nil
	}
	x := &xmlIVI{PackageName: v.PackageName, Status: strconv.Itoa(int(v.Status))}
	for _, d := range v.Domains {
		x.Domains = append(x.Domains, xmlNamed{Name: d})
	}
	return x
}

func decodeIVI(x *xmlIVI) *IntentFilterVerification {
	if x == nil {
		return nil
	}
	v := &IntentFilterVerification{
		PackageName: x.PackageName,
		Status:      pkgstate.VerificationStatus(parseInt(x.Status, 0)),
	}
	for _, d := range x.Domains {
		v.Domains = append(v.Domains, d.Name)
	}
	return v
}

func namedList(names []string) []xmlNamed {
	out := make([]xmlNamed, 0, len(names))
	for _, n := range names {
		out = append(out, xmlNamed{Name: n})
	}
	return out
}

func uidAttrs(x *xmlPackage, p *PackageSetting) {
	if p.SharedUser == nil {
		x.UserID = strconv.Itoa(p.AppID)
	} else {
		x.SharedUserID = strconv.Itoa(p.AppID)
	}
}

func (r *Registry) encodePackage(p *PackageSetting, certs *certTable) xmlPackage {
	x := xmlPackage{
		Name:              p.Name,
		RealName:          p.RealName,
		CodePath:          p.CodePath,
		NativeLibraryPath: p.LegacyNativeLibraryPath,
		PrimaryCpuAbi:     p.PrimaryCpuAbi,
		SecondaryCpuAbi:   p.SecondaryCpuAbi,
		CpuAbiOverride:    p.CpuAbiOverride,
		PublicFlags:       strconv.Itoa(p.PkgFlags),
		PrivateFlags:      strconv.Itoa(p.PkgPrivateFlags),
		FT:                hex64(p.TimeStamp),
		IT:                hex64(p.FirstInstallTime),
		UT:                hex64(p.LastUpdateTime),
		Version:           strconv.Itoa(p.VersionCode),
		UIDError:          boolAttr(p.UIDError),
		Installer:         p.InstallerPackageName,
		IsOrphaned:        boolAttr(p.IsOrphaned),
		VolumeUUID:        p.VolumeUUID,
		ParentPackageName: p.ParentPackageName,
		ChildPackages:     namedList(p.ChildPackageNames),
		Sigs:              certs.encode(p.Signatures),
		Perms:             encodePermList(p.Permissions().InstallStates()),
	}
	x.DomainVerification = encodeIVI(p.Verification)
	if p.ResourcePath != p.CodePath {
		x.ResourcePath = p.ResourcePath
	}
	if p.InstallStatus == InstallIncomplete {
		x.InstallStatus = "false"
	}
	uidAttrs(&x, p)
	return x
}

func (r *Registry) encodeDisabledPackage(p *PackageSetting) xmlPackage {
	x := xmlPackage{
		Name:              p.Name,
		RealName:          p.RealName,
		CodePath:          p.CodePath,
		NativeLibraryPath: p.LegacyNativeLibraryPath,
		PrimaryCpuAbi:     p.PrimaryCpuAbi,
		SecondaryCpuAbi:   p.SecondaryCpuAbi,
		CpuAbiOverride:    p.CpuAbiOverride,
		FT:                hex64(p.TimeStamp),
		IT:                hex64(p.FirstInstallTime),
		UT:                hex64(p.LastUpdateTime),
		Version:           strconv.Itoa(p.VersionCode),
		ParentPackageName: p.ParentPackageName,
		ChildPackages:     namedList(p.ChildPackageNames),
	}
	if p.ResourcePath != p.CodePath {
		x.ResourcePath = p.ResourcePath
	}
	uidAttrs(&x, p)
	if p.SharedUser == nil {
		x.Perms = encodePermList(p.perms.InstallStates())
	}
	return x
}

func encodePermDefs(defs map[string]*BasePermission) *xmlPermDefs {
	out := &xmlPermDefs{}
	for _, name := range sortedKeys(defs) {
		bp := defs[name]
		if bp.Type == PermissionTypeBuiltin || bp.SourcePackage == "" {
			continue
		}
		d := xmlPermDef{
			Name:       bp.Name,
			Package:    bp.SourcePackage,
			Protection: intAttr(bp.Protection, ProtectionNormal),
		}
		if bp.Type == PermissionTypeDynamic {
			d.Type = "dynamic"
		}
		if bp.AllowViaWhitelist {
			d.AllowViaWhitelist = "1"
		}
		out.Items = append(out.Items, d)
	}
	return out
}

// Write persists packages.xml, then packages.list and every user's
// restrictions, and schedules every user's runtime permission write.
func (r *Registry) Write(g Guard) error {
	r.lock.check(g)

	doc := r.buildPackagesDocument()
	err := r.writeDocument(DocPackages, func() error {
		return r.settingsFile.Write(func(w io.Writer) error {
			return encodeDocument(w, doc)
		})
	})
	if err != nil {
		return err
	}

	var errs []error
	errs = append(errs, r.writePackageList())
	for _, u := range r.userList() {
		errs = append(errs, r.writePackageRestrictions(u))
		r.persister.writeAsync(u)
	}
	return errors.Join(errs...)
}

func (r *Registry) buildPackagesDocument() *xmlPackages {
	doc := &xmlPackages{}

	for _, uuid := range sortedKeys(r.versions) {
		v := r.versions[uuid]
		doc.Versions = append(doc.Versions, xmlVersion{
			VolumeUUID:      uuid,
			SDKVersion:      strconv.Itoa(v.SDKVersion),
			DatabaseVersion: strconv.Itoa(v.DatabaseVersion),
			Fingerprint:     v.Fingerprint,
		})
	}
	if r.verifierDevice != "" {
		doc.Verifier = &xmlVerifier{Device: r.verifierDevice}
	}
	if r.readExternalStorageEnforced != nil {
		e := "0"
		if *r.readExternalStorageEnforced {
			e = "1"
		}
		doc.ReadExternalStorage = &xmlEnforcement{Enforcement: e}
	}
	doc.PermissionTrees = encodePermDefs(r.permissionTrees)
	doc.Permissions = encodePermDefs(r.permissions)

	certs := newCertTable()
	for _, name := range r.packageNames() {
		doc.Packages = append(doc.Packages, r.encodePackage(r.packages[name], certs))
	}
	for _, name := range sortedKeys(r.disabledSysPackages) {
		doc.UpdatedPackages = append(doc.UpdatedPackages, r.encodeDisabledPackage(r.disabledSysPackages[name]))
	}
	for _, name := range r.sharedUserNames() {
		su := r.sharedUsers[name]
		doc.SharedUsers = append(doc.SharedUsers, xmlSharedUser{
			Name:   su.Name,
			UserID: strconv.Itoa(su.UserID),
			Sigs:   certs.encode(su.Signatures),
			Perms:  encodePermList(su.perms.InstallStates()),
		})
	}
	for _, it := range r.packagesToBeCleaned {
		doc.CleaningPackages = append(doc.CleaningPackages, xmlCleaning{
			Name: it.PackageName,
			Code: strconv.FormatBool(it.AndCode),
			User: strconv.Itoa(it.UserID),
		})
	}
	for _, newName := range sortedKeys(r.renamedPackages) {
		doc.RenamedPackages = append(doc.RenamedPackages, xmlRenamed{New: newName, Old: r.renamedPackages[newName]})
	}
	if len(r.restoredIVIs) > 0 {
		doc.RestoredIVI = &xmlRestoredIVIs{}
		for _, name := range sortedKeys(r.restoredIVIs) {
			doc.RestoredIVI.Items = append(doc.RestoredIVI.Items, *encodeIVI(r.restoredIVIs[name]))
		}
	}
	return doc
}

// pendingPackage is a package whose shared user is resolved after the whole
// document has been read.
type pendingPackage struct {
	ps       *PackageSetting
	sharedID int
}

// Read loads packages.xml and then every user's restrictions and runtime
// permissions. It returns false when no settings exist yet, in which case
// fresh version records are created. Malformed content is reported to the
// diagnostic buffer and skipped; an error is returned only when an existing
// document cannot be opened.
func (r *Registry) Read(w *WriteGuard) (bool, error) {
	r.lock.check(w)

	var doc xmlPackages
	found, err := r.decodeDocument(DocPackages, r.settingsFile, &doc)
	if !found {
		if err != nil {
			r.reportProblem("Error reading settings: %v", err)
			return false, fmt.Errorf("read settings: %w", err)
		}
		r.appendMessage("No settings file found")
		logger.Info("settings: no settings file; creating initial state")
		r.metrics.RecordReadProblem(DocPackages, "missing")
		r.findOrCreateVersion(VolumePrivateInternal)
		r.findOrCreateVersion(VolumePrimaryPhysical)
		return false, nil
	}
	if err != nil {
		// Decoding stops at the first error; keep whatever was read before it.
		r.reportProblem("Error reading settings: %v", err)
	}

	r.loadPackagesDocument(&doc)

	for _, u := range r.userList() {
		r.readPackageRestrictions(u)
	}
	for _, u := range r.userList() {
		r.persister.read(u)
	}

	for _, dis := range r.disabledSysPackages {
		if su, ok := r.getUserID(dis.AppID).(*SharedUserSetting); ok {
			dis.SharedUser = su
		}
	}

	logger.Info("settings: read completed: %d packages, %d shared uids", len(r.packages), len(r.sharedUsers))
	return true, nil
}

func (r *Registry) loadPackagesDocument(doc *xmlPackages) {
	for _, v := range doc.Versions {
		ver := r.findOrCreateVersion(v.VolumeUUID)
		ver.SDKVersion = parseInt(v.SDKVersion, 0)
		ver.DatabaseVersion = parseInt(v.DatabaseVersion, 0)
		ver.Fingerprint = v.Fingerprint
	}
	if lv := doc.LastPlatformVersion; lv != nil {
		internal := r.findOrCreateVersion(VolumePrivateInternal)
		external := r.findOrCreateVersion(VolumePrimaryPhysical)
		internal.SDKVersion = parseInt(lv.Internal, 0)
		external.SDKVersion = parseInt(lv.External, 0)
		internal.Fingerprint = lv.Fingerprint
		external.Fingerprint = lv.Fingerprint
	}
	if dv := doc.DatabaseVersion; dv != nil {
		r.findOrCreateVersion(VolumePrivateInternal).DatabaseVersion = parseInt(dv.Internal, 0)
		r.findOrCreateVersion(VolumePrimaryPhysical).DatabaseVersion = parseInt(dv.External, 0)
	}
	if doc.Verifier != nil {
		r.verifierDevice = doc.Verifier.Device
	}
	if doc.ReadExternalStorage != nil {
		enforced := doc.ReadExternalStorage.Enforcement == "1"
		r.readExternalStorageEnforced = &enforced
	}
	if doc.PermissionTrees != nil {
		r.loadPermDefs(r.permissionTrees, doc.PermissionTrees.Items)
	}
	if doc.Permissions != nil {
		r.loadPermDefs(r.permissions, doc.Permissions.Items)
	}

	certs := newCertTable()
	var pending []pendingPackage
	for i := range doc.Packages {
		if pp, ok := r.loadPackage(&doc.Packages[i], certs); ok {
			pending = append(pending, pp)
		}
	}
	for i := range doc.UpdatedPackages {
		r.loadDisabledPackage(&doc.UpdatedPackages[i])
	}
	for i := range doc.SharedUsers {
		r.loadSharedUser(&doc.SharedUsers[i], certs)
	}
	for _, c := range doc.CleaningPackages {
		if c.Name == "" {
			continue
		}
		r.addPackageToClean(CleanItem{
			UserID:      parseInt(c.User, UserSystem),
			PackageName: c.Name,
			AndCode:     parseBool(c.Code, true),
		})
	}
	for _, rn := range doc.RenamedPackages {
		if rn.New != "" && rn.Old != "" {
			r.renamedPackages[rn.New] = rn.Old
		}
	}
	if doc.RestoredIVI != nil {
		for i := range doc.RestoredIVI.Items {
			ivi := decodeIVI(&doc.RestoredIVI.Items[i])
			r.restoredIVIs[ivi.PackageName] = ivi
		}
	}

	r.resolvePending(pending)
}

func (r *Registry) loadPermDefs(into map[string]*BasePermission, items []xmlPermDef) {
	for _, it := range items {
		if it.Name == "" || it.Package == "" {
			r.reportProblem("Error in package manager settings: permissions has no name or package")
			continue
		}
		typ := PermissionTypeNormal
		if it.Type == "dynamic" {
			typ = PermissionTypeDynamic
		}
		protection := parseInt(it.Protection, ProtectionNormal)

		if cur := into[it.Name]; cur != nil && cur.Type == PermissionTypeBuiltin {
			cur.SourcePackage = it.Package
			cur.Protection = protection
			continue
		}
		bp := &BasePermission{
			Name:              it.Name,
			SourcePackage:     it.Package,
			Protection:        protection,
			Type:              typ,
			AllowViaWhitelist: it.AllowViaWhitelist == "1",
		}
		if cur := into[it.Name]; cur != nil {
			bp.Gids = cur.Gids
		}
		into[it.Name] = bp
	}
}

func (r *Registry) readInstallPermissions(perms *pkgstate.PermissionsState, list *xmlPermList) {
	if list == nil {
		return
	}
	for _, it := range list.Items {
		if r.permissions[it.Name] == nil {
			logger.Warn("settings: unknown permission: %s", it.Name)
			continue
		}
		if parseBool(it.Granted, true) {
			perms.GrantInstall(it.Name)
		}
		perms.UpdateInstallFlags(it.Name, pkgstate.FlagMask, parseHex32(it.Flags, 0))
	}
}

// packageFlags decodes the public and private flags, folding in the
// single-attribute encoding used before they were split.
func packageFlags(x *xmlPackage) (pub, priv int) {
	if x.PublicFlags != "" {
		return parseInt(x.PublicFlags, 0), parseInt(x.PrivateFlags, 0)
	}
	if x.Flags != "" {
		pub = parseInt(x.Flags, 0)
		if pub&preMFlagHidden != 0 {
			priv |= PrivateFlagHidden
		}
		if pub&preMFlagCantSaveState != 0 {
			priv |= PrivateFlagCantSaveState
		}
		if pub&preMFlagForwardLock != 0 {
			priv |= PrivateFlagForwardLock
		}
		if pub&preMFlagPrivileged != 0 {
			priv |= PrivateFlagPrivileged
		}
		pub &^= preMFlagHidden | preMFlagCantSaveState | preMFlagForwardLock | preMFlagPrivileged
		return pub, priv
	}
	if x.System != "" {
		if strings.EqualFold(x.System, "true") {
			pub |= FlagSystem
		}
		return pub, 0
	}
	return FlagSystem, 0
}

func packageTimes(x *xmlPackage) (ts, first, last int64) {
	if x.FT != "" {
		ts = parseHex64(x.FT, 0)
	} else if x.TS != "" {
		v, err := strconv.ParseInt(x.TS, 10, 64)
		if err == nil {
			ts = v
		}
	}
	return ts, parseHex64(x.IT, 0), parseHex64(x.UT, 0)
}

func childNames(list []xmlNamed) []string {
	var out []string
	for _, c := range list {
		if c.Name != "" {
			out = append(out, c.Name)
		}
	}
	return out
}

// loadPackage registers one <package>. A package on a shared uid is
// returned as pending.
func (r *Registry) loadPackage(x *xmlPackage, certs *certTable) (pendingPackage, bool) {
	if x.Name == "" {
		r.reportProblem("Error in package manager settings: <package> has no name")
		return pendingPackage{}, false
	}
	if x.CodePath == "" {
		r.reportProblem("Error in package manager settings: <package> has no codePath for %s", x.Name)
		return pendingPackage{}, false
	}

	ps := newPackageSetting(x.Name, x.RealName, x.CodePath, x.ResourcePath)
	ps.LegacyNativeLibraryPath = x.NativeLibraryPath
	ps.PrimaryCpuAbi = x.PrimaryCpuAbi
	if ps.PrimaryCpuAbi == "" {
		ps.PrimaryCpuAbi = x.RequiredCpuAbi
	}
	ps.SecondaryCpuAbi = x.SecondaryCpuAbi
	ps.CpuAbiOverride = x.CpuAbiOverride
	ps.VersionCode = parseInt(x.Version, 0)
	ps.PkgFlags, ps.PkgPrivateFlags = packageFlags(x)
	ps.TimeStamp, ps.FirstInstallTime, ps.LastUpdateTime = packageTimes(x)
	ps.ParentPackageName = x.ParentPackageName
	ps.ChildPackageNames = childNames(x.ChildPackages)

	userID := parseInt(x.UserID, 0)
	sharedID := parseInt(x.SharedUserID, 0)

	var pp pendingPackage
	var pendingOK bool
	switch {
	case userID > 0:
		ps.AppID = userID
		added, err := r.addPackage(ps)
		if err != nil {
			r.reportProblem("Failure adding uid %d while parsing settings", userID)
			return pendingPackage{}, false
		}
		ps = added
	case x.SharedUserID != "":
		if sharedID <= 0 {
			r.reportProblem("Error in package manager settings: package %s has bad sharedId %s", x.Name, x.SharedUserID)
			return pendingPackage{}, false
		}
		ps.AppID = sharedID
		pp, pendingOK = pendingPackage{ps: ps, sharedID: sharedID}, true
	default:
		r.reportProblem("Error in package manager settings: package %s has bad userId %s", x.Name, x.UserID)
		return pendingPackage{}, false
	}

	ps.UIDError = x.UIDError == "true"
	ps.InstallerPackageName = x.Installer
	ps.IsOrphaned = x.IsOrphaned == "true"
	ps.VolumeUUID = x.VolumeUUID
	if x.Installer != "" {
		r.installerPackages[x.Installer] = struct{}{}
	}
	if x.InstallStatus == "false" {
		ps.InstallStatus = InstallIncomplete
	} else {
		ps.InstallStatus = InstallComplete
	}

	if x.Enabled != "" {
		if state, ok := parseLegacyEnabled(x.Enabled); ok {
			ps.states.SetEnabled(state, UserSystem, "")
		} else {
			r.reportProblem("Error in package manager settings: package %s has bad enabled value: %s", x.Name, x.Enabled)
		}
	}
	if x.EnabledComponents != nil || x.DisabledComponents != nil {
		st := ps.states.Modify(UserSystem)
		for _, it := range componentSet(x.EnabledComponents).Sorted() {
			st.EnableComponent(it)
		}
		for _, it := range componentSet(x.DisabledComponents).Sorted() {
			st.DisableComponent(it)
		}
	}

	ps.Signatures = certs.decode(x.Sigs, x.Name, r.reportProblem)
	r.readInstallPermissions(ps.perms, x.Perms)
	ps.Verification = decodeIVI(x.DomainVerification)

	return pp, pendingOK
}

func parseLegacyEnabled(s string) (pkgstate.EnabledState, bool) {
	if v, err := strconv.Atoi(s); err == nil {
		st := pkgstate.EnabledState(v)
		return st, st.Valid()
	}
	switch {
	case strings.EqualFold(s, "true"):
		return pkgstate.EnabledStateEnabled, true
	case strings.EqualFold(s, "false"):
		return pkgstate.EnabledStateDisabled, true
	case strings.EqualFold(s, "default"):
		return pkgstate.EnabledStateDefault, true
	}
	return pkgstate.EnabledStateDefault, false
}

// loadDisabledPackage registers one <updated-package>. Its shared user, if
// any, is attached once every shared user is known.
func (r *Registry) loadDisabledPackage(x *xmlPackage) {
	if x.Name == "" || x.CodePath == "" {
		r.reportProblem("Error in package manager settings: <updated-package> has no name or codePath")
		return
	}
	ps := newPackageSetting(x.Name, x.RealName, x.CodePath, x.ResourcePath)
	ps.LegacyNativeLibraryPath = x.NativeLibraryPath
	ps.PrimaryCpuAbi = x.PrimaryCpuAbi
	if ps.PrimaryCpuAbi == "" {
		ps.PrimaryCpuAbi = x.RequiredCpuAbi
	}
	ps.SecondaryCpuAbi = x.SecondaryCpuAbi
	ps.CpuAbiOverride = x.CpuAbiOverride
	ps.VersionCode = parseInt(x.Version, 0)
	ps.PkgFlags = FlagSystem
	if strings.Contains(x.CodePath, "/priv-app/") {
		ps.PkgPrivateFlags |= PrivateFlagPrivileged
	}
	ps.TimeStamp, ps.FirstInstallTime, ps.LastUpdateTime = packageTimes(x)
	ps.ParentPackageName = x.ParentPackageName
	ps.ChildPackageNames = childNames(x.ChildPackages)

	ps.AppID = parseInt(x.UserID, 0)
	if ps.AppID <= 0 {
		ps.AppID = parseInt(x.SharedUserID, 0)
	}
	r.readInstallPermissions(ps.perms, x.Perms)
	r.disabledSysPackages[x.Name] = ps
}

func (r *Registry) loadSharedUser(x *xmlSharedUser, certs *certTable) {
	uid := parseInt(x.UserID, 0)
	if x.Name == "" {
		r.reportProblem("Error in package manager settings: <shared-user> has no name")
		return
	}
	if uid == 0 {
		r.reportProblem("Error in package manager settings: shared-user %s has bad userId %s", x.Name, x.UserID)
		return
	}
	var pkgFlags int
	if strings.EqualFold(x.System, "true") {
		pkgFlags |= FlagSystem
	}
	su, err := r.addSharedUser(x.Name, uid, pkgFlags, 0)
	if err != nil {
		r.reportProblem("Occurred while parsing settings: %v", err)
		return
	}
	su.Signatures = certs.decode(x.Sigs, x.Name, r.reportProblem)
	r.readInstallPermissions(su.perms, x.Perms)
}

func (r *Registry) resolvePending(pending []pendingPackage) {
	for _, pp := range pending {
		owner := r.getUserID(pp.sharedID)
		su, ok := owner.(*SharedUserSetting)
		if !ok {
			if owner != nil {
				r.reportProblem("Bad package setting: package %s has shared uid %d that is not a shared uid",
					pp.ps.Name, pp.sharedID)
			} else {
				r.reportProblem("Bad package setting: package %s has shared uid %d that is not defined",
					pp.ps.Name, pp.sharedID)
			}
			continue
		}

		src := pp.ps
		p, err := r.getOrCreatePackage(ScanRequest{
			Name:              src.Name,
			RealName:          src.RealName,
			SharedUser:        su,
			CodePath:          src.CodePath,
			ResourcePath:      src.ResourcePath,
			NativeLibraryPath: src.LegacyNativeLibraryPath,
			PrimaryCpuAbi:     src.PrimaryCpuAbi,
			SecondaryCpuAbi:   src.SecondaryCpuAbi,
			VersionCode:       src.VersionCode,
			PkgFlags:          src.PkgFlags,
			PkgPrivateFlags:   src.PkgPrivateFlags,
			ParentPackageName: src.ParentPackageName,
			ChildPackageNames: src.ChildPackageNames,
			Signatures:        src.Signatures,
			Add:               true,
		}, false)
		if err != nil || p == nil {
			r.reportProblem("Unable to create application package for %s", src.Name)
			continue
		}
		p.copyFrom(src)
		p.UIDError = src.UIDError
		p.CpuAbiOverride = src.CpuAbiOverride
	}
}
