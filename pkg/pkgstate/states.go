package pkgstate

import "sort"

// States holds every user's UserState for one package.
type States struct {
	users map[int]*UserState
}

// NewStates returns an empty per-user map.
func NewStates() *States {
	return &States{users: make(map[int]*UserState)}
}

// Modify returns the mutable state for userID, creating it with defaults.
func (s *States) Modify(userID int) *UserState {
	if s.users == nil {
		s.users = make(map[int]*UserState)
	}
	st, ok := s.users[userID]
	if !ok {
		d := DefaultUserState()
		st = &d
		s.users[userID] = st
	}
	return st
}

// Read returns userID's state, or the default state if none was recorded.
// The result must not be modified.
func (s *States) Read(userID int) *UserState {
	if st, ok := s.users[userID]; ok {
		return st
	}
	d := DefaultUserState()
	return &d
}

// Has reports whether userID has an explicit record.
func (s *States) Has(userID int) bool {
	_, ok := s.users[userID]
	return ok
}

// Set replaces userID's state.
func (s *States) Set(userID int, st *UserState) {
	if s.users == nil {
		s.users = make(map[int]*UserState)
	}
	s.users[userID] = st
}

// RemoveUser drops userID's state.
func (s *States) RemoveUser(userID int) {
	delete(s.users, userID)
}

// Users returns the ids with explicit records, sorted.
func (s *States) Users() []int {
	out := make([]int, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Clone returns a deep copy.
func (s *States) Clone() *States {
	c := NewStates()
	for id, st := range s.users {
		c.users[id] = st.Clone()
	}
	return c
}

// CopyFrom replaces every user's state with a copy of other's.
func (s *States) CopyFrom(other *States) {
	s.users = other.Clone().users
}

func (s *States) SetEnabled(state EnabledState, userID int, caller string) {
	st := s.Modify(userID)
	st.Enabled = state
	st.LastDisableAppCaller = caller
}

func (s *States) GetEnabled(userID int) EnabledState {
	return s.Read(userID).Enabled
}

func (s *States) SetInstalled(installed bool, userID int) {
	s.Modify(userID).Installed = installed
}

func (s *States) GetInstalled(userID int) bool {
	return s.Read(userID).Installed
}

func (s *States) SetStopped(stopped bool, userID int) {
	s.Modify(userID).Stopped = stopped
}

func (s *States) GetStopped(userID int) bool {
	return s.Read(userID).Stopped
}

func (s *States) SetNotLaunched(notLaunched bool, userID int) {
	s.Modify(userID).NotLaunched = notLaunched
}

func (s *States) GetNotLaunched(userID int) bool {
	return s.Read(userID).NotLaunched
}

func (s *States) SetHidden(hidden bool, userID int) {
	s.Modify(userID).Hidden = hidden
}

func (s *States) GetHidden(userID int) bool {
	return s.Read(userID).Hidden
}

func (s *States) SetSuspended(suspended bool, userID int) {
	s.Modify(userID).Suspended = suspended
}

func (s *States) GetSuspended(userID int) bool {
	return s.Read(userID).Suspended
}

func (s *States) SetBlockUninstall(block bool, userID int) {
	s.Modify(userID).BlockUninstall = block
}

func (s *States) GetBlockUninstall(userID int) bool {
	return s.Read(userID).BlockUninstall
}

func (s *States) SetCEDataInode(inode int64, userID int) {
	s.Modify(userID).CEDataInode = inode
}

func (s *States) SetDomainVerification(status VerificationStatus, generation uint32, userID int) {
	s.Modify(userID).DomainVerification = PackDomainVerification(status, generation)
}

func (s *States) GetDomainVerification(userID int) DomainVerification {
	return s.Read(userID).DomainVerification
}

// ClearDomainVerification resets userID's status to undefined, keeping no generation.
func (s *States) ClearDomainVerification(userID int) {
	s.Modify(userID).DomainVerification = 0
}

// IsAnyInstalled reports whether the package is installed for any of users.
func (s *States) IsAnyInstalled(users []int) bool {
	for _, id := range users {
		if s.Read(id).Installed {
			return true
		}
	}
	return false
}

// SetInstalledForUsers marks the package installed for each user in
// installed and not installed for every other user in users.
func (s *States) SetInstalledForUsers(installed, users []int) {
	want := make(map[int]bool, len(installed))
	for _, id := range installed {
		want[id] = true
	}
	for _, id := range users {
		s.SetInstalled(want[id], id)
	}
}

// QueryInstalledUsers returns the subset of users whose installed flag equals installed.
func (s *States) QueryInstalledUsers(users []int, installed bool) []int {
	var out []int
	for _, id := range users {
		if s.Read(id).Installed == installed {
			out = append(out, id)
		}
	}
	return out
}
