package settings

import (
	"sync"
	"sync/atomic"
)

// Lock is the coarse lock that protects a Registry. It is owned by the host
// service and shared with anything else that must stay consistent with the
// registry's maps.
//
// Registry methods never acquire the lock themselves. Mutators take a
// *WriteGuard and readers take a Guard, so holding the right lock is visible
// in every call signature.
type Lock struct {
	mu sync.RWMutex
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{}
}

// Guard is proof that the caller holds a Lock, in read or write mode.
type Guard interface {
	// Release unlocks the lock. A guard must be released exactly once.
	Release()

	owner() *Lock
	live() bool
}

// WriteGuard is proof of exclusive ownership of a Lock.
type WriteGuard struct {
	lock     *Lock
	released atomic.Bool
}

// ReadGuard is proof of shared ownership of a Lock.
type ReadGuard struct {
	lock     *Lock
	released atomic.Bool
}

// Write blocks until the lock is held exclusively.
func (l *Lock) Write() *WriteGuard {
	l.mu.Lock()
	return &WriteGuard{lock: l}
}

// Read blocks until the lock is held in shared mode.
func (l *Lock) Read() *ReadGuard {
	l.mu.RLock()
	return &ReadGuard{lock: l}
}

func (g *WriteGuard) Release() {
	if g.released.Swap(true) {
		panic("settings: write guard released twice")
	}
	g.lock.mu.Unlock()
}

func (g *WriteGuard) owner() *Lock { return g.lock }
func (g *WriteGuard) live() bool   { return !g.released.Load() }

func (g *ReadGuard) Release() {
	if g.released.Swap(true) {
		panic("settings: read guard released twice")
	}
	g.lock.mu.RUnlock()
}

func (g *ReadGuard) owner() *Lock { return g.lock }
func (g *ReadGuard) live() bool   { return !g.released.Load() }

// check panics unless g is a live guard of l. Using a foreign or released
// guard is a programming error, not a runtime condition.
func (l *Lock) check(g Guard) {
	if g == nil {
		panic("settings: nil guard")
	}
	if g.owner() != l {
		panic("settings: guard belongs to a different lock")
	}
	if !g.live() {
		panic("settings: guard used after release")
	}
}
