package settings

import (
	"encoding/xml"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/clock"
	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/durable"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

type xmlRuntimePermissions struct {
	XMLName     xml.Name           `xml:"runtime-permissions"`
	Fingerprint string             `xml:"fingerprint,attr,omitempty"`
	Packages    []xmlPermBlock     `xml:"pkg"`
	SharedUsers []xmlPermBlock     `xml:"shared-user"`
	Restored    []xmlRestoredPerms `xml:"restored-perms"`
}

type xmlPermBlock struct {
	Name  string        `xml:"name,attr"`
	Items []xmlPermItem `xml:"item"`
}

type xmlPermItem struct {
	Name    string `xml:"name,attr"`
	Granted string `xml:"granted,attr,omitempty"`
	Flags   string `xml:"flags,attr,omitempty"`
}

type xmlRestoredPerms struct {
	PackageName string            `xml:"packageName,attr"`
	Perms       []xmlRestoredPerm `xml:"perm"`
}

type xmlRestoredPerm struct {
	Name            string `xml:"name,attr"`
	Granted         string `xml:"granted,attr,omitempty"`
	UserSet         string `xml:"set,attr,omitempty"`
	UserFixed       string `xml:"fixed,attr,omitempty"`
	RevokeOnUpgrade string `xml:"rou,attr,omitempty"`
}

// pendingWrite is a scheduled deferred write for one user.
type pendingWrite struct {
	timer         clock.Timer
	firstMutation time.Time
	gen           uint64
}

// permissionPersister coalesces runtime permission writes per user.
//
// A mutation schedules a write delay from now. Further mutations push the
// write back by delay again, but never past maxDelay after the first
// unflushed mutation. Documents are snapshotted under a read guard and
// written without it; writeMu keeps writes for a user from interleaving.
type permissionPersister struct {
	r        *Registry
	delay    time.Duration
	maxDelay time.Duration

	mu              sync.Mutex
	pending         map[int]*pendingWrite
	gen             uint64
	fingerprints    map[int]string
	defaultsGranted map[int]bool

	writeMu sync.Mutex
}

func newPermissionPersister(r *Registry, delay, maxDelay time.Duration) *permissionPersister {
	return &permissionPersister{
		r:               r,
		delay:           delay,
		maxDelay:        maxDelay,
		pending:         make(map[int]*pendingWrite),
		fingerprints:    make(map[int]string),
		defaultsGranted: make(map[int]bool),
	}
}

func (p *permissionPersister) file(userID int) *durable.File {
	return durable.New(filepath.Join(p.r.userDir(userID), "runtime-permissions.xml"))
}

// writeAsync schedules a deferred write for userID.
func (p *permissionPersister) writeAsync(userID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.r.clock.Now()
	pw, scheduled := p.pending[userID]
	if !scheduled {
		p.schedule(userID, now, p.delay)
		return
	}

	pw.timer.Stop()
	since := now.Sub(pw.firstMutation)
	if since >= p.maxDelay {
		p.schedule(userID, pw.firstMutation, 0)
		return
	}
	p.schedule(userID, pw.firstMutation, min(p.delay, max(p.maxDelay-since, 0)))
}

// schedule must be called with mu held.
func (p *permissionPersister) schedule(userID int, firstMutation time.Time, d time.Duration) {
	p.gen++
	gen := p.gen
	pw := &pendingWrite{firstMutation: firstMutation, gen: gen}
	p.pending[userID] = pw

	if d <= 0 {
		// Fire on a fresh goroutine so the caller's guard is not re-entered.
		pw.timer = noopTimer{}
		go p.fire(userID, gen)
		return
	}
	pw.timer = p.r.clock.AfterFunc(d, func() { p.fire(userID, gen) })
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }

func (p *permissionPersister) fire(userID int, gen uint64) {
	p.mu.Lock()
	pw, ok := p.pending[userID]
	if !ok || pw.gen != gen {
		p.mu.Unlock()
		return
	}
	delete(p.pending, userID)
	p.mu.Unlock()

	g := p.r.lock.Read()
	doc := p.snapshot(userID)
	g.Release()

	if err := p.write(userID, doc); err == nil {
		p.r.metrics.RecordPermissionFlush("deferred")
	}
}

// cancel drops any scheduled write for userID.
func (p *permissionPersister) cancel(userID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pw, ok := p.pending[userID]; ok {
		pw.timer.Stop()
		delete(p.pending, userID)
	}
}

// writeSync cancels any scheduled write and writes now. The caller holds
// a guard on the registry lock.
func (p *permissionPersister) writeSync(userID int) error {
	p.cancel(userID)
	err := p.write(userID, p.snapshot(userID))
	if err == nil {
		p.r.metrics.RecordPermissionFlush("sync")
	}
	return err
}

// pendingUsers returns the users with a scheduled write.
func (p *permissionPersister) pendingUsers() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.pending))
	for u := range p.pending {
		out = append(out, u)
	}
	return out
}

// snapshot builds the document for userID. Requires a guard.
func (p *permissionPersister) snapshot(userID int) *xmlRuntimePermissions {
	r := p.r
	doc := &xmlRuntimePermissions{}

	p.mu.Lock()
	doc.Fingerprint = p.fingerprints[userID]
	p.mu.Unlock()

	for _, name := range r.packageNames() {
		ps := r.packages[name]
		if ps.SharedUser != nil {
			continue
		}
		if items := permItems(ps.perms.RuntimeStates(userID)); len(items) > 0 {
			doc.Packages = append(doc.Packages, xmlPermBlock{Name: name, Items: items})
		}
	}
	for _, name := range r.sharedUserNames() {
		su := r.sharedUsers[name]
		if items := permItems(su.perms.RuntimeStates(userID)); len(items) > 0 {
			doc.SharedUsers = append(doc.SharedUsers, xmlPermBlock{Name: name, Items: items})
		}
	}

	byPkg := r.restoredGrants[userID]
	for _, pkg := range sortedKeys(byPkg) {
		grants := byPkg[pkg]
		if len(grants) == 0 {
			continue
		}
		block := xmlRestoredPerms{PackageName: pkg}
		for _, g := range grants {
			block.Perms = append(block.Perms, xmlRestoredPerm{
				Name:            g.Permission,
				Granted:         boolAttr(g.Granted),
				UserSet:         boolAttr(g.Flags&pkgstate.FlagUserSet != 0),
				UserFixed:       boolAttr(g.Flags&pkgstate.FlagUserFixed != 0),
				RevokeOnUpgrade: boolAttr(g.Flags&pkgstate.FlagRevokeOnUpgrade != 0),
			})
		}
		doc.Restored = append(doc.Restored, block)
	}
	return doc
}

func permItems(states []pkgstate.PermissionState) []xmlPermItem {
	items := make([]xmlPermItem, 0, len(states))
	for _, st := range states {
		items = append(items, xmlPermItem{
			Name:    st.Name,
			Granted: strconv.FormatBool(st.Granted),
			Flags:   hex32(st.Flags),
		})
	}
	return items
}

func (p *permissionPersister) write(userID int, doc *xmlRuntimePermissions) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	err := p.r.writeDocument(DocRuntimePermissions, func() error {
		return p.file(userID).Write(func(w io.Writer) error {
			return encodeDocument(w, doc)
		})
	})
	if err != nil {
		return err
	}

	if doc.Fingerprint != "" && doc.Fingerprint == p.r.fingerprint {
		p.mu.Lock()
		p.defaultsGranted[userID] = true
		p.mu.Unlock()
	}
	return nil
}

// read loads userID's runtime grants. Requires a write guard.
func (p *permissionPersister) read(userID int) {
	r := p.r
	var doc xmlRuntimePermissions
	found, err := r.decodeDocument(DocRuntimePermissions, p.file(userID), &doc)
	if !found && err == nil {
		logger.Info("settings: no runtime permission state for user %d", userID)
		return
	}
	if err != nil {
		r.reportProblem("Failed parsing runtime permissions for user %d: %v", userID, err)
		return
	}

	p.mu.Lock()
	if doc.Fingerprint != "" {
		p.fingerprints[userID] = doc.Fingerprint
	} else {
		delete(p.fingerprints, userID)
	}
	p.defaultsGranted[userID] = doc.Fingerprint != "" && doc.Fingerprint == r.fingerprint
	p.mu.Unlock()

	for _, block := range doc.Packages {
		ps := r.packages[block.Name]
		if ps == nil {
			logger.Warn("settings: unknown package in runtime permissions: %s", block.Name)
			continue
		}
		r.applyRuntimeItems(ps.Permissions(), block.Items, userID)
	}
	for _, block := range doc.SharedUsers {
		su := r.sharedUsers[block.Name]
		if su == nil {
			logger.Warn("settings: unknown shared user in runtime permissions: %s", block.Name)
			continue
		}
		r.applyRuntimeItems(su.perms, block.Items, userID)
	}
	for _, block := range doc.Restored {
		for _, perm := range block.Perms {
			var flags uint32
			if perm.UserSet == "true" {
				flags |= pkgstate.FlagUserSet
			}
			if perm.UserFixed == "true" {
				flags |= pkgstate.FlagUserFixed
			}
			if perm.RevokeOnUpgrade == "true" {
				flags |= pkgstate.FlagRevokeOnUpgrade
			}
			granted := perm.Granted == "true"
			if granted || flags != 0 {
				r.rememberRestoredGrant(block.PackageName, RestoredGrant{
					Permission: perm.Name,
					Granted:    granted,
					Flags:      flags,
				}, userID)
			}
		}
	}
}

func (r *Registry) applyRuntimeItems(perms *pkgstate.PermissionsState, items []xmlPermItem, userID int) {
	for _, it := range items {
		if r.permissions[it.Name] == nil {
			logger.Warn("settings: unknown permission: %s", it.Name)
			continue
		}
		if parseBool(it.Granted, true) {
			perms.GrantRuntime(it.Name, userID)
		}
		perms.UpdateRuntimeFlags(it.Name, userID, pkgstate.FlagMask, parseHex32(it.Flags, 0))
	}
}

// onUserRemoved revokes userID's runtime grants everywhere. Requires a
// write guard.
func (p *permissionPersister) onUserRemoved(userID int) {
	p.cancel(userID)

	r := p.r
	revoke := func(perms *pkgstate.PermissionsState) {
		for _, st := range perms.RuntimeStates(userID) {
			if r.permissions[st.Name] == nil {
				continue
			}
			perms.RevokeRuntime(st.Name, userID)
			perms.UpdateRuntimeFlags(st.Name, userID, pkgstate.FlagMask, 0)
		}
	}
	for _, ps := range r.packages {
		revoke(ps.perms)
	}
	for _, su := range r.sharedUsers {
		revoke(su.perms)
	}

	p.mu.Lock()
	delete(p.defaultsGranted, userID)
	delete(p.fingerprints, userID)
	p.mu.Unlock()
}

// WriteRuntimePermissionsAsync schedules a deferred write of userID's
// runtime permissions.
func (r *Registry) WriteRuntimePermissionsAsync(g Guard, userID int) {
	r.lock.check(g)
	r.persister.writeAsync(userID)
}

// WriteRuntimePermissionsSync cancels any deferred write for userID and
// writes its runtime permissions now.
func (r *Registry) WriteRuntimePermissionsSync(g Guard, userID int) error {
	r.lock.check(g)
	return r.persister.writeSync(userID)
}

// FlushRuntimePermissions writes every user with a deferred write pending.
func (r *Registry) FlushRuntimePermissions(g Guard) error {
	r.lock.check(g)
	var first error
	for _, u := range r.persister.pendingUsers() {
		if err := r.persister.writeSync(u); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadRuntimePermissions loads userID's runtime permission document.
func (r *Registry) ReadRuntimePermissions(w *WriteGuard, userID int) {
	r.lock.check(w)
	r.persister.read(userID)
}

// DeleteRuntimePermissions removes userID's runtime permission document.
func (r *Registry) DeleteRuntimePermissions(w *WriteGuard, userID int) error {
	r.lock.check(w)
	r.persister.cancel(userID)
	return r.persister.file(userID).Delete()
}

// AreDefaultPermissionsGranted reports whether default runtime grants were
// already applied for userID on the current build.
func (r *Registry) AreDefaultPermissionsGranted(g Guard, userID int) bool {
	r.lock.check(g)
	r.persister.mu.Lock()
	defer r.persister.mu.Unlock()
	return r.persister.defaultsGranted[userID]
}

// OnDefaultPermissionsGranted stamps userID's document with the current
// fingerprint and schedules a write.
func (r *Registry) OnDefaultPermissionsGranted(w *WriteGuard, userID int) {
	r.lock.check(w)
	r.persister.mu.Lock()
	r.persister.fingerprints[userID] = r.fingerprint
	r.persister.mu.Unlock()
	r.persister.writeAsync(userID)
}
