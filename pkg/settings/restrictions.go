package settings

import (
	"encoding/xml"
	"io"
	"path/filepath"
	"strconv"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/durable"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

type xmlRestrictions struct {
	XMLName     xml.Name          `xml:"package-restrictions"`
	Packages    []xmlRestrictPkg  `xml:"pkg"`
	DefaultApps *xmlDefaultApps   `xml:"default-apps"`
	Unknown     []xmlUnknownChild `xml:",any"`
}

type xmlRestrictPkg struct {
	Name               string `xml:"name,attr"`
	CEDataInode        string `xml:"ceDataInode,attr,omitempty"`
	Installed          string `xml:"inst,attr,omitempty"`
	Stopped            string `xml:"stopped,attr,omitempty"`
	NotLaunched        string `xml:"nl,attr,omitempty"`
	Blocked            string `xml:"blocked,attr,omitempty"`
	Hidden             string `xml:"hidden,attr,omitempty"`
	Suspended          string `xml:"suspended,attr,omitempty"`
	BlockUninstall     string `xml:"blockUninstall,attr,omitempty"`
	Enabled            string `xml:"enabled,attr,omitempty"`
	EnabledCaller      string `xml:"enabledCaller,attr,omitempty"`
	DomainVerification string `xml:"domainVerificationStatus,attr,omitempty"`
	AppLinkGeneration  string `xml:"app-link-generation,attr,omitempty"`

	EnabledComponents   *xmlItemList `xml:"enabled-components"`
	DisabledComponents  *xmlItemList `xml:"disabled-components"`
	ProtectedComponents *xmlItemList `xml:"protected-components"`
	VisibleComponents   *xmlItemList `xml:"visible-components"`
}

type xmlItemList struct {
	Items []xmlNamed `xml:"item"`
}

type xmlNamed struct {
	Name string `xml:"name,attr"`
}

type xmlDefaultApps struct {
	Browser *xmlPackageRef `xml:"default-browser"`
	Dialer  *xmlPackageRef `xml:"default-dialer"`
}

type xmlPackageRef struct {
	PackageName string `xml:"packageName,attr"`
}

// xmlUnknownChild captures elements this version does not understand so
// they can be reported.
type xmlUnknownChild struct {
	XMLName xml.Name
}

func (r *Registry) restrictionsFile(userID int) *durable.File {
	return durable.New(filepath.Join(r.userDir(userID), "package-restrictions.xml"))
}

func componentList(s pkgstate.ComponentSet) *xmlItemList {
	if s.Len() == 0 {
		return nil
	}
	l := &xmlItemList{}
	for _, n := range s.Sorted() {
		l.Items = append(l.Items, xmlNamed{Name: n})
	}
	return l
}

func componentSet(l *xmlItemList) pkgstate.ComponentSet {
	if l == nil || len(l.Items) == 0 {
		return nil
	}
	s := make(pkgstate.ComponentSet, len(l.Items))
	for _, it := range l.Items {
		if it.Name != "" {
			s[it.Name] = struct{}{}
		}
	}
	return s
}

// WritePackageRestrictions writes userID's package-restrictions document.
func (r *Registry) WritePackageRestrictions(g Guard, userID int) error {
	r.lock.check(g)
	return r.writePackageRestrictions(userID)
}

func (r *Registry) writePackageRestrictions(userID int) error {
	doc := xmlRestrictions{}
	for _, name := range r.packageNames() {
		st := r.packages[name].states.Read(userID)
		e := xmlRestrictPkg{
			Name:                name,
			Stopped:             boolAttr(st.Stopped),
			NotLaunched:         boolAttr(st.NotLaunched),
			Hidden:              boolAttr(st.Hidden),
			Suspended:           boolAttr(st.Suspended),
			BlockUninstall:      boolAttr(st.BlockUninstall),
			EnabledComponents:   componentList(st.EnabledComponents),
			DisabledComponents:  componentList(st.DisabledComponents),
			ProtectedComponents: componentList(st.ProtectedComponents),
			VisibleComponents:   componentList(st.VisibleComponents),
		}
		if st.CEDataInode != 0 {
			e.CEDataInode = strconv.FormatInt(st.CEDataInode, 10)
		}
		if !st.Installed {
			e.Installed = "false"
		}
		if st.Enabled != pkgstate.EnabledStateDefault {
			e.Enabled = strconv.Itoa(int(st.Enabled))
			e.EnabledCaller = st.LastDisableAppCaller
		}
		if status := st.VerificationStatus(); status != pkgstate.VerificationUndefined {
			e.DomainVerification = strconv.Itoa(int(status))
		}
		if gen := st.AppLinkGeneration(); gen != 0 {
			e.AppLinkGeneration = strconv.FormatUint(uint64(gen), 10)
		}
		doc.Packages = append(doc.Packages, e)
	}

	browser, dialer := r.defaultBrowser[userID], r.defaultDialer[userID]
	if browser != "" || dialer != "" {
		doc.DefaultApps = &xmlDefaultApps{}
		if browser != "" {
			doc.DefaultApps.Browser = &xmlPackageRef{PackageName: browser}
		}
		if dialer != "" {
			doc.DefaultApps.Dialer = &xmlPackageRef{PackageName: dialer}
		}
	}

	return r.writeDocument(DocRestrictions, func() error {
		return r.restrictionsFile(userID).Write(func(w io.Writer) error {
			return encodeDocument(w, &doc)
		})
	})
}

// ReadPackageRestrictions loads userID's package-restrictions document.
// Without one, every package is considered installed and started.
func (r *Registry) ReadPackageRestrictions(w *WriteGuard, userID int) {
	r.lock.check(w)
	r.readPackageRestrictions(userID)
}

func (r *Registry) readPackageRestrictions(userID int) {
	var doc xmlRestrictions
	found, err := r.decodeDocument(DocRestrictions, r.restrictionsFile(userID), &doc)
	if err != nil {
		r.reportProblem("Error reading package restrictions for user %d: %v", userID, err)
		return
	}
	if !found {
		r.appendMessage("No stopped packages file found")
		logger.Info("settings: no package restrictions for user %d; assuming all started", userID)
		r.metrics.RecordReadProblem(DocRestrictions, "missing")
		for _, p := range r.packages {
			d := pkgstate.DefaultUserState()
			p.states.Set(userID, &d)
		}
		return
	}

	var maxGen uint32
	for _, e := range doc.Packages {
		p := r.packages[e.Name]
		if p == nil {
			logger.Warn("settings: no package known for stopped package %s", e.Name)
			continue
		}

		hidden := parseBool(e.Blocked, false)
		hidden = parseBool(e.Hidden, hidden)

		gen := uint32(parseInt(e.AppLinkGeneration, 0))
		if gen > maxGen {
			maxGen = gen
		}
		status := pkgstate.VerificationStatus(parseInt(e.DomainVerification, int(pkgstate.VerificationUndefined)))

		enabled := pkgstate.EnabledState(parseInt(e.Enabled, int(pkgstate.EnabledStateDefault)))
		if !enabled.Valid() {
			enabled = pkgstate.EnabledStateDefault
		}

		p.states.Set(userID, &pkgstate.UserState{
			CEDataInode:          int64(parseInt(e.CEDataInode, 0)),
			Installed:            parseBool(e.Installed, true),
			Stopped:              parseBool(e.Stopped, false),
			NotLaunched:          parseBool(e.NotLaunched, false),
			Hidden:               hidden,
			Suspended:            parseBool(e.Suspended, false),
			BlockUninstall:       parseBool(e.BlockUninstall, false),
			Enabled:              enabled,
			LastDisableAppCaller: e.EnabledCaller,
			EnabledComponents:    componentSet(e.EnabledComponents),
			DisabledComponents:   componentSet(e.DisabledComponents),
			ProtectedComponents:  componentSet(e.ProtectedComponents),
			VisibleComponents:    componentSet(e.VisibleComponents),
			DomainVerification:   pkgstate.PackDomainVerification(status, gen),
		})
	}

	if doc.DefaultApps != nil {
		if b := doc.DefaultApps.Browser; b != nil && b.PackageName != "" {
			r.defaultBrowser[userID] = b.PackageName
		}
		if d := doc.DefaultApps.Dialer; d != nil && d.PackageName != "" {
			r.defaultDialer[userID] = d.PackageName
		}
	}
	for _, u := range doc.Unknown {
		logger.Warn("settings: unknown element under <package-restrictions>: %s", u.XMLName.Local)
	}

	r.nextAppLinkGeneration[userID] = maxGen + 1
}

// deletePackageRestrictions removes userID's package-restrictions document.
func (r *Registry) deletePackageRestrictions(userID int) error {
	return r.restrictionsFile(userID).Delete()
}
