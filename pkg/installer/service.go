// Package installer coordinates install sessions: it allocates ids, admits
// new sessions against per-installer limits, persists the set of live
// sessions, and reaps the staging of sessions a previous process left
// behind.
package installer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/ratelimiter"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/workerpool"
)

const (
	// DefaultMaxActiveSessions caps live sessions per installer uid.
	DefaultMaxActiveSessions = 1024

	// DefaultHistorySize is how many finished sessions are remembered.
	DefaultHistorySize = 1024

	// CommitPoolName names the worker pool commit passes run on.
	CommitPoolName = "install-commit"

	shellPackageName = "com.android.shell"
	idAttempts       = 32
)

var (
	// ErrTooManySessions is returned when an installer already holds
	// MaxActiveSessions live sessions.
	ErrTooManySessions = errors.New("too many active sessions")

	// ErrRateLimited is returned when an installer creates sessions faster
	// than its configured rate.
	ErrRateLimited = errors.New("session creation rate exceeded")

	// ErrSessionNotFound is returned for ids with no live session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("installer service closed")
)

// Config tunes the service.
type Config struct {
	// StagingDir holds the vmdl<id>.tmp directory of every directory stage.
	StagingDir string

	MaxActiveSessions int
	CreateRate        uint
	CreateBurst       uint
	HistorySize       int

	Workers workerpool.Config
}

// Deps are the collaborators the service hands to every session. Pools
// supplies the commit pool; when nil the service creates and owns a private
// registry.
type Deps struct {
	Index       index.SessionIndex
	Pools       *workerpool.Registry
	Installer   session.Installer
	Packages    session.PackageLookup
	Permissions session.PermissionChecker
	Containers  session.Containers
	Storage     session.Storage
	Metrics     Metrics
}

// Listener observes session events. Methods are called without any service
// lock held, possibly from commit goroutines.
type Listener interface {
	OnCreated(id int)
	OnActiveChanged(id int, active bool)
	OnProgressChanged(id int, progress float64)
	OnFinished(id int, success bool)
}

// Finished describes a session that has ended.
type Finished struct {
	session.Info
	Code       session.Code `json:"code"`
	Message    string       `json:"message"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Service owns every live session.
type Service struct {
	cfg     Config
	deps    Deps
	limiter *ratelimiter.InstallerLimiter
	pool    *workerpool.Pool

	// ownsPools is set when New created the pool registry itself.
	ownsPools bool

	mu        sync.Mutex
	sessions  map[int]*session.Session
	allocated map[int]struct{}
	sealedAt  map[int]time.Time
	history   []Finished
	listeners map[int]Listener
	nextLis   int
	closed    bool
}

// New creates the service. Call Recover before admitting sessions to reap
// the leftovers of a previous process.
func New(cfg Config, deps Deps) (*Service, error) {
	if cfg.StagingDir == "" {
		return nil, errors.New("installer: staging dir required")
	}
	if deps.Installer == nil {
		return nil, errors.New("installer: install collaborator required")
	}
	if deps.Index == nil {
		return nil, errors.New("installer: session index required")
	}
	if cfg.MaxActiveSessions <= 0 {
		cfg.MaxActiveSessions = DefaultMaxActiveSessions
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Storage == nil {
		deps.Storage = session.LocalStorage{}
	}
	ownsPools := deps.Pools == nil
	if ownsPools {
		deps.Pools = workerpool.NewRegistry()
	}

	pool, err := deps.Pools.GetOrCreate(CommitPoolName, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("installer: commit pool: %w", err)
	}

	return &Service{
		cfg:       cfg,
		deps:      deps,
		limiter:   ratelimiter.New(cfg.CreateRate, cfg.CreateBurst),
		pool:      pool,
		ownsPools: ownsPools,
		sessions:  make(map[int]*session.Session),
		allocated: make(map[int]struct{}),
		sealedAt:  make(map[int]time.Time),
		listeners: make(map[int]Listener),
	}, nil
}

// AddListener registers l and returns a function that removes it.
func (s *Service) AddListener(l Listener) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextLis
	s.nextLis++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Service) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// StageDirFor returns the staging directory a directory stage of id uses.
func (s *Service) StageDirFor(id int) string {
	return filepath.Join(s.cfg.StagingDir, fmt.Sprintf("vmdl%d.tmp", id))
}

// StageCidFor returns the container id a container stage of id uses.
func StageCidFor(id int) string {
	return fmt.Sprintf("smdl%d.tmp", id)
}

// Recover reaps every session recorded in the index. The records come from
// a previous process, so their sessions can never complete: the staging is
// removed and the record dropped. Ids are kept reserved.
func (s *Service) Recover(ctx context.Context) (int, error) {
	records, err := s.deps.Index.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("installer: list session index: %w", err)
	}

	reaped := 0
	for _, r := range records {
		s.mu.Lock()
		_, live := s.sessions[r.ID]
		s.allocated[r.ID] = struct{}{}
		s.mu.Unlock()
		if live {
			continue
		}

		logger.Warn("Reaping session %d of %s left by a previous run", r.ID, r.Installer)
		if r.StageDir != "" {
			if err := s.deps.Storage.RemoveStageDir(r.StageDir); err != nil {
				logger.Warn("Failed to remove stage %s: %v", r.StageDir, err)
			}
		}
		if r.StageCid != "" && s.deps.Containers != nil {
			if err := s.deps.Containers.Destroy(r.StageCid); err != nil {
				logger.Warn("Failed to destroy container %s: %v", r.StageCid, err)
			}
		}
		if err := s.deps.Index.Delete(ctx, r.ID); err != nil {
			return reaped, fmt.Errorf("installer: drop record %d: %w", r.ID, err)
		}
		reaped++
	}
	return reaped, nil
}

// CreateSession admits a new session for installerUID and returns its id.
func (s *Service) CreateSession(ctx context.Context, params session.Params, installerPackageName string, installerUID, userID int) (int, error) {
	if params.Mode == 0 {
		params.Mode = session.ModeFullInstall
	}
	if err := params.Validate(); err != nil {
		s.deps.Metrics.SessionRejected("invalid_params")
		return 0, err
	}

	if installerUID == 0 {
		if installerPackageName == "" {
			installerPackageName = shellPackageName
		}
	} else {
		// Only the shell may install for every user; everyone else
		// implicitly replaces.
		params.InstallFlags &^= session.InstallAllUsers
		params.InstallFlags |= session.InstallReplaceExisting
	}

	external := params.InstallFlags.Has(session.InstallExternal)
	if external && s.deps.Containers == nil {
		return 0, fmt.Errorf("%w: external install without container support", session.ErrInvalidArgument)
	}

	if !s.limiter.Allow(installerUID) {
		s.deps.Metrics.SessionRejected("rate_limited")
		return 0, fmt.Errorf("%w: uid %d", ErrRateLimited, installerUID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	active := 0
	for _, sess := range s.sessions {
		if sess.InstallerUID() == installerUID {
			active++
		}
	}
	if active >= s.cfg.MaxActiveSessions {
		s.mu.Unlock()
		s.deps.Metrics.SessionRejected("too_many_sessions")
		return 0, fmt.Errorf("%w for uid %d", ErrTooManySessions, installerUID)
	}
	id, err := s.allocateIDLocked()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}

	cfg := session.Config{
		ID:                   id,
		UserID:               userID,
		InstallerPackageName: installerPackageName,
		InstallerUID:         installerUID,
		Params:               params,
		CreatedAt:            time.Now(),
		Callback:             (*callback)(s),
		Env: session.Environment{
			Packages:    s.deps.Packages,
			Permissions: s.deps.Permissions,
			Storage:     s.deps.Storage,
			Containers:  s.deps.Containers,
			Installer:   s.deps.Installer,
			Dispatcher:  s.pool,
		},
	}
	if external {
		cfg.StageCid = StageCidFor(id)
	} else {
		cfg.StageDir = s.StageDirFor(id)
	}
	sess, err := session.New(cfg)
	if err != nil {
		delete(s.allocated, id)
		s.mu.Unlock()
		return 0, err
	}
	s.sessions[id] = sess
	live := len(s.sessions)
	s.mu.Unlock()

	if err := s.deps.Index.Put(ctx, index.RecordOf(sess)); err != nil {
		logger.Error("Failed to persist session %d: %v", id, err)
	}
	s.deps.Metrics.SessionCreated()
	s.deps.Metrics.SetActiveSessions(live)
	logger.Info("Created session %d for %s (uid %d, user %d, mode %s)", id, installerPackageName, installerUID, userID, params.Mode)

	for _, l := range s.snapshotListeners() {
		l.OnCreated(id)
	}
	return id, nil
}

// allocateIDLocked picks a random positive id never used by this process.
func (s *Service) allocateIDLocked() (int, error) {
	for range idAttempts {
		id := int(rand.Int32N(1<<31-1)) + 1
		if _, used := s.allocated[id]; used {
			continue
		}
		s.allocated[id] = struct{}{}
		return id, nil
	}
	return 0, errors.New("installer: failed to allocate session id")
}

func (s *Service) lookup(id int, callerUID int) (*session.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if callerUID != 0 && callerUID != sess.InstallerUID() {
		return nil, fmt.Errorf("%w: caller %d has no access to session %d", session.ErrSecurity, callerUID, id)
	}
	return sess, nil
}

// OpenSession opens session id for its installer (or root) and returns it.
// The caller must Close the session when done with it.
func (s *Service) OpenSession(id, callerUID int) (*session.Session, error) {
	sess, err := s.lookup(id, callerUID)
	if err != nil {
		return nil, err
	}
	if err := sess.Open(); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// AbandonSession abandons session id on behalf of its installer (or root).
func (s *Service) AbandonSession(id, callerUID int) error {
	sess, err := s.lookup(id, callerUID)
	if err != nil {
		return err
	}
	sess.Abandon()
	return nil
}

// SessionInfo describes a live session.
func (s *Service) SessionInfo(id int) (session.Info, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return session.Info{}, false
	}
	return sess.Info(), true
}

// Sessions lists the live sessions of userID, or of every user for
// session.UserAll, ordered by id.
func (s *Service) Sessions(userID int) []session.Info {
	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if userID == session.UserAll || sess.UserID() == userID {
			live = append(live, sess)
		}
	}
	s.mu.Unlock()

	out := make([]session.Info, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// History returns finished sessions, oldest first.
func (s *Service) History() []Finished {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Finished(nil), s.history...)
}

// Close refuses new sessions and closes the index. Live sessions are left
// as they are; their records let the next process reap them. The commit pool
// is shut down only when the service created its own pool registry; a
// registry passed in Deps belongs to the caller.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.ownsPools {
		if err := s.deps.Pools.Shutdown(ctx); err != nil {
			logger.Warn("Commit pool did not drain: %v", err)
		}
	}
	return s.deps.Index.Close()
}
