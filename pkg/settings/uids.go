package settings

// AddUserID registers owner under uid. The first registration of a uid wins:
// a second one is rejected and reported.
func (r *Registry) AddUserID(w *WriteGuard, uid int, owner UIDOwner) bool {
	r.lock.check(w)
	return r.addUserID(uid, owner)
}

func (r *Registry) addUserID(uid int, owner UIDOwner) bool {
	if uid > LastApplicationUID {
		return false
	}

	if uid >= FirstApplicationUID {
		idx := uid - FirstApplicationUID
		for idx >= len(r.userIDs) {
			r.userIDs = append(r.userIDs, nil)
		}
		if r.userIDs[idx] != nil {
			r.reportProblem("Adding duplicate user id: %d name=%s", uid, owner.OwnerName())
			return false
		}
		r.userIDs[idx] = owner
		return true
	}

	if r.otherUserIDs[uid] != nil {
		r.reportProblem("Adding duplicate shared id: %d name=%s", uid, owner.OwnerName())
		return false
	}
	r.otherUserIDs[uid] = owner
	return true
}

// UserID returns the owner of uid, or nil.
func (r *Registry) UserID(g Guard, uid int) UIDOwner {
	r.lock.check(g)
	return r.getUserID(uid)
}

func (r *Registry) getUserID(uid int) UIDOwner {
	if uid >= FirstApplicationUID {
		idx := uid - FirstApplicationUID
		if idx < len(r.userIDs) {
			return r.userIDs[idx]
		}
		return nil
	}
	return r.otherUserIDs[uid]
}

func (r *Registry) removeUserID(uid int) {
	if uid >= FirstApplicationUID {
		idx := uid - FirstApplicationUID
		if idx < len(r.userIDs) {
			r.userIDs[idx] = nil
		}
		// A freed uid is not handed out again before the next restart.
		if idx+1 > r.firstAvailableIdx {
			r.firstAvailableIdx = idx + 1
		}
		return
	}
	delete(r.otherUserIDs, uid)
}

func (r *Registry) replaceUserID(uid int, owner UIDOwner) {
	if uid >= FirstApplicationUID {
		idx := uid - FirstApplicationUID
		if idx < len(r.userIDs) {
			r.userIDs[idx] = owner
		}
		return
	}
	r.otherUserIDs[uid] = owner
}

// newUserID assigns the first free application uid at or after the first
// available slot, or -1 when the range is exhausted.
func (r *Registry) newUserID(owner UIDOwner) int {
	n := len(r.userIDs)
	for i := r.firstAvailableIdx; i < n; i++ {
		if r.userIDs[i] == nil {
			r.userIDs[i] = owner
			return FirstApplicationUID + i
		}
	}

	if n > LastApplicationUID-FirstApplicationUID {
		return -1
	}

	r.userIDs = append(r.userIDs, owner)
	return FirstApplicationUID + n
}
