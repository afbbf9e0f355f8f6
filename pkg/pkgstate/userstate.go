// Package pkgstate models the mutable per-user state of an installed package:
// enablement, lifecycle flags, component overrides, domain verification and
// permission grants.
//
// Values in this package are not safe for concurrent use. They are owned by
// the settings registry and mutated only while its write lock is held.
package pkgstate

import (
	"fmt"
	"sort"
)

// EnabledState is the application-level enable setting for one user.
type EnabledState int

const (
	EnabledStateDefault EnabledState = iota
	EnabledStateEnabled
	EnabledStateDisabled
	EnabledStateDisabledUser
	EnabledStateDisabledUntilUsed
)

func (s EnabledState) String() string {
	switch s {
	case EnabledStateDefault:
		return "default"
	case EnabledStateEnabled:
		return "enabled"
	case EnabledStateDisabled:
		return "disabled"
	case EnabledStateDisabledUser:
		return "disabled-user"
	case EnabledStateDisabledUntilUsed:
		return "disabled-until-used"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined states.
func (s EnabledState) Valid() bool {
	return s >= EnabledStateDefault && s <= EnabledStateDisabledUntilUsed
}

// VerificationStatus is the user's link-handling choice for a package.
type VerificationStatus uint32

const (
	VerificationUndefined VerificationStatus = iota
	VerificationAsk
	VerificationAlways
	VerificationNever
	VerificationAlwaysAsk
)

// DomainVerification packs a VerificationStatus (high 32 bits) with an
// app-link generation (low 32 bits). The generation orders competing
// "always" choices: the most recent one wins.
type DomainVerification uint64

// PackDomainVerification combines status and generation.
func PackDomainVerification(status VerificationStatus, generation uint32) DomainVerification {
	return DomainVerification(uint64(status)<<32 | uint64(generation))
}

func (d DomainVerification) Status() VerificationStatus {
	return VerificationStatus(d >> 32)
}

func (d DomainVerification) Generation() uint32 {
	return uint32(d)
}

// ComponentSet is a set of component class names. A nil set is empty.
type ComponentSet map[string]struct{}

// NewComponentSet builds a set from names.
func NewComponentSet(names ...string) ComponentSet {
	s := make(ComponentSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s ComponentSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s ComponentSet) Len() int { return len(s) }

// Sorted returns the members in lexical order, which keeps serialized
// documents stable across writes.
func (s ComponentSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy, or nil for an empty set.
func (s ComponentSet) Clone() ComponentSet {
	if len(s) == 0 {
		return nil
	}
	out := make(ComponentSet, len(s))
	for n := range s {
		out[n] = struct{}{}
	}
	return out
}

func add(s *ComponentSet, name string) bool {
	if *s == nil {
		*s = make(ComponentSet)
	}
	if _, ok := (*s)[name]; ok {
		return false
	}
	(*s)[name] = struct{}{}
	return true
}

func remove(s *ComponentSet, name string) bool {
	if _, ok := (*s)[name]; !ok {
		return false
	}
	delete(*s, name)
	if len(*s) == 0 {
		*s = nil
	}
	return true
}

// UserState is the state of one package for one user.
type UserState struct {
	CEDataInode    int64
	Installed      bool
	Stopped        bool
	NotLaunched    bool
	Hidden         bool
	Suspended      bool
	BlockUninstall bool

	Enabled              EnabledState
	LastDisableAppCaller string

	EnabledComponents   ComponentSet
	DisabledComponents  ComponentSet
	ProtectedComponents ComponentSet
	VisibleComponents   ComponentSet

	DomainVerification DomainVerification
}

// DefaultUserState returns the state assumed for a user with no record:
// installed and otherwise untouched.
func DefaultUserState() UserState {
	return UserState{Installed: true, Enabled: EnabledStateDefault}
}

// Clone returns a deep copy.
func (u *UserState) Clone() *UserState {
	c := *u
	c.EnabledComponents = u.EnabledComponents.Clone()
	c.DisabledComponents = u.DisabledComponents.Clone()
	c.ProtectedComponents = u.ProtectedComponents.Clone()
	c.VisibleComponents = u.VisibleComponents.Clone()
	return &c
}

// AppLinkGeneration is the generation half of DomainVerification.
func (u *UserState) AppLinkGeneration() uint32 {
	return u.DomainVerification.Generation()
}

// VerificationStatus is the status half of DomainVerification.
func (u *UserState) VerificationStatus() VerificationStatus {
	return u.DomainVerification.Status()
}

// EnableComponent marks name enabled. Returns true if anything changed.
func (u *UserState) EnableComponent(name string) bool {
	changed := remove(&u.DisabledComponents, name)
	return add(&u.EnabledComponents, name) || changed
}

// DisableComponent marks name disabled. Returns true if anything changed.
func (u *UserState) DisableComponent(name string) bool {
	changed := remove(&u.EnabledComponents, name)
	return add(&u.DisabledComponents, name) || changed
}

// RestoreComponent clears any override for name. Returns true if anything changed.
func (u *UserState) RestoreComponent(name string) bool {
	a := remove(&u.EnabledComponents, name)
	b := remove(&u.DisabledComponents, name)
	return a || b
}

// ComponentEnabledState reports the override for a component.
func (u *UserState) ComponentEnabledState(name string) EnabledState {
	switch {
	case u.EnabledComponents.Has(name):
		return EnabledStateEnabled
	case u.DisabledComponents.Has(name):
		return EnabledStateDisabled
	default:
		return EnabledStateDefault
	}
}

// SetProtected adds or removes name from the protected set.
func (u *UserState) SetProtected(name string, protected bool) bool {
	if protected {
		return add(&u.ProtectedComponents, name)
	}
	return remove(&u.ProtectedComponents, name)
}

// SetVisible adds or removes name from the visible set.
func (u *UserState) SetVisible(name string, visible bool) bool {
	if visible {
		return add(&u.VisibleComponents, name)
	}
	return remove(&u.VisibleComponents, name)
}
