package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// unlimited stands in for rate.Inf, which makes Tokens() report +Inf.
const unlimited = 1_000_000_000

// InstallerLimiter throttles session creation per installer uid using one
// token bucket per installer.
//
// Buckets are created lazily on first use and dropped after they have been
// idle (full and untouched) for longer than the eviction window, so a
// long-running service does not accumulate one limiter per uid ever seen.
//
// Thread safety:
// All methods are safe for concurrent use.
type InstallerLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	evictAge time.Duration
	buckets  map[int]*bucket
	now      func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates an InstallerLimiter allowing sessionsPerSecond sustained
// session creations per installer with the given burst.
//
// Special cases:
//   - sessionsPerSecond = 0: no throttling
//   - burst = 0: defaults to sessionsPerSecond
func New(sessionsPerSecond, burst uint) *InstallerLimiter {
	if sessionsPerSecond == 0 {
		sessionsPerSecond = unlimited
		burst = unlimited
	}
	if burst == 0 {
		burst = sessionsPerSecond
	}

	return &InstallerLimiter{
		limit:    rate.Limit(sessionsPerSecond),
		burst:    int(burst),
		evictAge: 10 * time.Minute,
		buckets:  make(map[int]*bucket),
		now:      time.Now,
	}
}

func (l *InstallerLimiter) get(installerUID int) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[installerUID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[installerUID] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow reports whether installerUID may create a session right now,
// consuming a token if so.
func (l *InstallerLimiter) Allow(installerUID int) bool {
	return l.get(installerUID).AllowN(l.now(), 1)
}

// Wait blocks until installerUID may create a session or ctx is done.
func (l *InstallerLimiter) Wait(ctx context.Context, installerUID int) error {
	return l.get(installerUID).Wait(ctx)
}

// SetLimit changes the sustained rate for every installer, existing buckets included.
func (l *InstallerLimiter) SetLimit(sessionsPerSecond uint) {
	if sessionsPerSecond == 0 {
		sessionsPerSecond = unlimited
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = rate.Limit(sessionsPerSecond)
	for _, b := range l.buckets {
		b.limiter.SetLimit(l.limit)
	}
}

// Tokens returns the tokens currently available to installerUID.
func (l *InstallerLimiter) Tokens(installerUID int) float64 {
	l.mu.Lock()
	b, ok := l.buckets[installerUID]
	l.mu.Unlock()

	if !ok {
		return float64(l.burst)
	}
	return b.limiter.TokensAt(l.now())
}

// Evict drops buckets idle for longer than the eviction window and returns
// how many were removed.
func (l *InstallerLimiter) Evict() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for uid, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.evictAge {
			delete(l.buckets, uid)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked installers.
func (l *InstallerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
