package pkgstate

import "sort"

// Permission flag bits, persisted as hex in the settings documents.
const (
	FlagUserSet          uint32 = 1 << 0
	FlagUserFixed        uint32 = 1 << 1
	FlagPolicyFixed      uint32 = 1 << 2
	FlagRevokeOnUpgrade  uint32 = 1 << 3
	FlagSystemFixed      uint32 = 1 << 4
	FlagGrantedByDefault uint32 = 1 << 5

	// FlagMask covers every defined flag.
	FlagMask = FlagUserSet | FlagUserFixed | FlagPolicyFixed | FlagRevokeOnUpgrade |
		FlagSystemFixed | FlagGrantedByDefault
)

// PermissionState is the grant record of one permission.
type PermissionState struct {
	Name    string
	Granted bool
	Flags   uint32
}

// PermissionsState holds install-time grants (shared by all users) and
// runtime grants (per user) for a package or shared user.
type PermissionsState struct {
	install map[string]*PermissionState
	runtime map[int]map[string]*PermissionState
}

// NewPermissionsState returns an empty state.
func NewPermissionsState() *PermissionsState {
	return &PermissionsState{
		install: make(map[string]*PermissionState),
		runtime: make(map[int]map[string]*PermissionState),
	}
}

func (p *PermissionsState) ensure() {
	if p.install == nil {
		p.install = make(map[string]*PermissionState)
	}
	if p.runtime == nil {
		p.runtime = make(map[int]map[string]*PermissionState)
	}
}

func (p *PermissionsState) runtimeFor(userID int, create bool) map[string]*PermissionState {
	p.ensure()
	m, ok := p.runtime[userID]
	if !ok && create {
		m = make(map[string]*PermissionState)
		p.runtime[userID] = m
	}
	return m
}

func entry(m map[string]*PermissionState, name string) *PermissionState {
	st, ok := m[name]
	if !ok {
		st = &PermissionState{Name: name}
		m[name] = st
	}
	return st
}

// GrantInstall grants an install permission. Returns false if it was already granted.
func (p *PermissionsState) GrantInstall(name string) bool {
	p.ensure()
	st := entry(p.install, name)
	if st.Granted {
		return false
	}
	st.Granted = true
	return true
}

// RevokeInstall revokes an install permission. Returns false if it was not granted.
// The record is kept when flags remain so they survive the revocation.
func (p *PermissionsState) RevokeInstall(name string) bool {
	st, ok := p.install[name]
	if !ok || !st.Granted {
		return false
	}
	st.Granted = false
	if st.Flags == 0 {
		delete(p.install, name)
	}
	return true
}

// GrantRuntime grants a runtime permission to userID.
func (p *PermissionsState) GrantRuntime(name string, userID int) bool {
	st := entry(p.runtimeFor(userID, true), name)
	if st.Granted {
		return false
	}
	st.Granted = true
	return true
}

// RevokeRuntime revokes a runtime permission from userID.
func (p *PermissionsState) RevokeRuntime(name string, userID int) bool {
	m := p.runtimeFor(userID, false)
	st, ok := m[name]
	if !ok || !st.Granted {
		return false
	}
	st.Granted = false
	if st.Flags == 0 {
		delete(m, name)
	}
	return true
}

// UpdateInstallFlags replaces the bits selected by mask.
func (p *PermissionsState) UpdateInstallFlags(name string, mask, values uint32) bool {
	p.ensure()
	return updateFlags(p.install, name, mask, values)
}

// UpdateRuntimeFlags replaces the bits selected by mask for userID.
func (p *PermissionsState) UpdateRuntimeFlags(name string, userID int, mask, values uint32) bool {
	return updateFlags(p.runtimeFor(userID, true), name, mask, values)
}

func updateFlags(m map[string]*PermissionState, name string, mask, values uint32) bool {
	st := entry(m, name)
	next := (st.Flags &^ mask) | (values & mask)
	if next == st.Flags {
		if !st.Granted && st.Flags == 0 {
			delete(m, name)
		}
		return false
	}
	st.Flags = next
	if !st.Granted && st.Flags == 0 {
		delete(m, name)
	}
	return true
}

// HasInstall reports whether an install permission is granted.
func (p *PermissionsState) HasInstall(name string) bool {
	st, ok := p.install[name]
	return ok && st.Granted
}

// HasRuntime reports whether a runtime permission is granted to userID.
func (p *PermissionsState) HasRuntime(name string, userID int) bool {
	st, ok := p.runtime[userID][name]
	return ok && st.Granted
}

// RuntimeFlags returns userID's flags for name.
func (p *PermissionsState) RuntimeFlags(name string, userID int) uint32 {
	if st, ok := p.runtime[userID][name]; ok {
		return st.Flags
	}
	return 0
}

// InstallStates returns install grants sorted by name.
func (p *PermissionsState) InstallStates() []PermissionState {
	return sortedStates(p.install)
}

// RuntimeStates returns userID's runtime grants sorted by name.
func (p *PermissionsState) RuntimeStates(userID int) []PermissionState {
	return sortedStates(p.runtime[userID])
}

// RuntimeUsers returns users with at least one runtime record.
func (p *PermissionsState) RuntimeUsers() []int {
	out := make([]int, 0, len(p.runtime))
	for id, m := range p.runtime {
		if len(m) > 0 {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func sortedStates(m map[string]*PermissionState) []PermissionState {
	out := make([]PermissionState, 0, len(m))
	for _, st := range m {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetRuntime drops every runtime grant of userID.
func (p *PermissionsState) ResetRuntime(userID int) {
	delete(p.runtime, userID)
}

// CopyFrom replaces this state with a deep copy of other.
func (p *PermissionsState) CopyFrom(other *PermissionsState) {
	p.install = make(map[string]*PermissionState, len(other.install))
	for k, v := range other.install {
		c := *v
		p.install[k] = &c
	}
	p.runtime = make(map[int]map[string]*PermissionState, len(other.runtime))
	for id, m := range other.runtime {
		cm := make(map[string]*PermissionState, len(m))
		for k, v := range m {
			c := *v
			cm[k] = &c
		}
		p.runtime[id] = cm
	}
}

// ComputeGids returns the sorted, de-duplicated supplementary gids granted
// through install permissions and through runtime permissions of any of users.
func (p *PermissionsState) ComputeGids(users []int, gidsOf func(permission string) []int) []int {
	seen := make(map[int]struct{})
	collect := func(name string) {
		for _, gid := range gidsOf(name) {
			seen[gid] = struct{}{}
		}
	}

	for name, st := range p.install {
		if st.Granted {
			collect(name)
		}
	}
	for _, id := range users {
		for name, st := range p.runtime[id] {
			if st.Granted {
				collect(name)
			}
		}
	}

	out := make([]int, 0, len(seen))
	for gid := range seen {
		out = append(out, gid)
	}
	sort.Ints(out)
	return out
}
