// Package settings is the authoritative in-memory registry of installed
// packages, shared users and their per-user state, together with the
// crash-safe documents it is persisted to:
//
//	<data_dir>/packages.xml                          package records
//	<data_dir>/packages.list                         plain-text uid table for native tools
//	<data_dir>/users/<id>/package-restrictions.xml   per-user package state
//	<data_dir>/users/<id>/runtime-permissions.xml    per-user runtime grants
//
// Every exported method requires a guard from the Lock the registry was
// created with. Methods that mutate take a *WriteGuard.
package settings

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/clock"
	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/durable"
)

// Default runtime permission write debounce.
const (
	DefaultPermissionWriteDelay    = 200 * time.Millisecond
	DefaultPermissionMaxWriteDelay = 2000 * time.Millisecond
)

// Options configures a Registry.
type Options struct {
	// DataDir holds every settings document.
	DataDir string

	// Fingerprint identifies the running platform build.
	Fingerprint string

	// Users are the known user ids. Defaults to [0].
	Users []int

	// PermissionWriteDelay and PermissionMaxWriteDelay tune the deferred
	// runtime permission writer.
	PermissionWriteDelay    time.Duration
	PermissionMaxWriteDelay time.Duration

	Clock   clock.Clock
	Metrics Metrics
}

// UIDOwner is a *PackageSetting or a *SharedUserSetting registered in the
// uid table.
type UIDOwner interface {
	OwnerName() string
}

func (p *PackageSetting) OwnerName() string    { return p.Name }
func (s *SharedUserSetting) OwnerName() string { return s.Name }

// Registry holds all package settings. See the package documentation.
type Registry struct {
	lock        *Lock
	dataDir     string
	fingerprint string
	clock       clock.Clock
	metrics     Metrics

	settingsFile *durable.File
	packageList  *durable.JournaledFile

	users map[int]struct{}

	packages            map[string]*PackageSetting
	disabledSysPackages map[string]*PackageSetting
	sharedUsers         map[string]*SharedUserSetting

	userIDs           []UIDOwner
	otherUserIDs      map[int]UIDOwner
	firstAvailableIdx int

	renamedPackages     map[string]string
	packagesToBeCleaned []CleanItem
	installerPackages   map[string]struct{}
	restoredIVIs        map[string]*IntentFilterVerification

	versions              map[string]*VersionInfo
	defaultBrowser        map[int]string
	defaultDialer         map[int]string
	nextAppLinkGeneration map[int]uint32

	permissions     map[string]*BasePermission
	permissionTrees map[string]*BasePermission

	verifierDevice              string
	readExternalStorageEnforced *bool

	restoredGrants map[int]map[string][]RestoredGrant

	msgMu        sync.Mutex
	readMessages strings.Builder

	persister *permissionPersister
}

// New creates an empty registry protected by lock.
func New(lock *Lock, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.PermissionWriteDelay <= 0 {
		opts.PermissionWriteDelay = DefaultPermissionWriteDelay
	}
	if opts.PermissionMaxWriteDelay <= 0 {
		opts.PermissionMaxWriteDelay = DefaultPermissionMaxWriteDelay
	}
	if len(opts.Users) == 0 {
		opts.Users = []int{UserSystem}
	}

	r := &Registry{
		lock:                  lock,
		dataDir:               opts.DataDir,
		fingerprint:           opts.Fingerprint,
		clock:                 opts.Clock,
		metrics:               opts.Metrics,
		settingsFile:          durable.New(filepath.Join(opts.DataDir, "packages.xml")),
		packageList:           durable.NewJournaled(filepath.Join(opts.DataDir, "packages.list"), 0o640),
		users:                 make(map[int]struct{}),
		packages:              make(map[string]*PackageSetting),
		disabledSysPackages:   make(map[string]*PackageSetting),
		sharedUsers:           make(map[string]*SharedUserSetting),
		otherUserIDs:          make(map[int]UIDOwner),
		renamedPackages:       make(map[string]string),
		installerPackages:     make(map[string]struct{}),
		restoredIVIs:          make(map[string]*IntentFilterVerification),
		versions:              make(map[string]*VersionInfo),
		defaultBrowser:        make(map[int]string),
		defaultDialer:         make(map[int]string),
		nextAppLinkGeneration: make(map[int]uint32),
		permissions:           make(map[string]*BasePermission),
		permissionTrees:       make(map[string]*BasePermission),
		restoredGrants:        make(map[int]map[string][]RestoredGrant),
	}
	for _, u := range opts.Users {
		r.users[u] = struct{}{}
	}
	r.persister = newPermissionPersister(r, opts.PermissionWriteDelay, opts.PermissionMaxWriteDelay)
	return r
}

// Lock returns the lock that guards the registry.
func (r *Registry) Lock() *Lock { return r.lock }

// Fingerprint returns the platform build fingerprint.
func (r *Registry) Fingerprint() string { return r.fingerprint }

func (r *Registry) userDir(userID int) string {
	return filepath.Join(r.dataDir, "users", strconv.Itoa(userID))
}

// Users returns the known user ids, sorted.
func (r *Registry) Users(g Guard) []int {
	r.lock.check(g)
	return r.userList()
}

func (r *Registry) userList() []int {
	out := make([]int, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	sort.Ints(out)
	return out
}

// Package returns the setting for name, or nil.
func (r *Registry) Package(g Guard, name string) *PackageSetting {
	r.lock.check(g)
	return r.packages[name]
}

// PackageNames returns every known package name, sorted.
func (r *Registry) PackageNames(g Guard) []string {
	r.lock.check(g)
	return r.packageNames()
}

func (r *Registry) packageNames() []string {
	out := make([]string, 0, len(r.packages))
	for name := range r.packages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SharedUser returns the shared user called name, or nil.
func (r *Registry) SharedUser(g Guard, name string) *SharedUserSetting {
	r.lock.check(g)
	return r.sharedUsers[name]
}

// SharedUserNames returns every shared user name, sorted.
func (r *Registry) SharedUserNames(g Guard) []string {
	r.lock.check(g)
	return r.sharedUserNames()
}

func (r *Registry) sharedUserNames() []string {
	out := make([]string, 0, len(r.sharedUsers))
	for name := range r.sharedUsers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DisabledSystemPackage returns the shadowed system record for name, or nil.
func (r *Registry) DisabledSystemPackage(g Guard, name string) *PackageSetting {
	r.lock.check(g)
	return r.disabledSysPackages[name]
}

// DefinePermission registers or replaces a permission definition.
func (r *Registry) DefinePermission(w *WriteGuard, bp BasePermission) {
	r.lock.check(w)
	r.permissions[bp.Name] = &bp
}

// DefinePermissionTree registers or replaces a permission tree definition.
func (r *Registry) DefinePermissionTree(w *WriteGuard, bp BasePermission) {
	r.lock.check(w)
	r.permissionTrees[bp.Name] = &bp
}

// Permission returns the definition of name, or nil.
func (r *Registry) Permission(g Guard, name string) *BasePermission {
	r.lock.check(g)
	return r.permissions[name]
}

func (r *Registry) gidsOf(name string) []int {
	if bp := r.permissions[name]; bp != nil {
		return bp.Gids
	}
	return nil
}

// ReadMessages returns the diagnostic buffer accumulated by reads.
func (r *Registry) ReadMessages() string {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	return r.readMessages.String()
}

func (r *Registry) appendMessage(format string, args ...any) {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	r.readMessages.WriteString(fmt.Sprintf(format, args...))
	r.readMessages.WriteByte('\n')
}

// reportProblem logs a settings problem at warn level and keeps it in the
// diagnostic buffer.
func (r *Registry) reportProblem(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Warn("settings: %s", msg)
	r.appendMessage("%s", msg)
}

func sortedStrings(in []string) []string {
	sort.Strings(in)
	return in
}
