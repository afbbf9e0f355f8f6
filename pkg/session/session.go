// Package session implements the install session state machine.
//
// A session stages the APKs of one install in a private directory (or a
// mounted container), validates that they form a consistent package, and
// hands the result to an Installer. Its lifecycle:
//
//	Unprepared --Open--> Prepared --Commit--> Sealed --pass--> Installing --> Finished
//	     \__________________\_________Abandon (before Installing)______________/
//
// Clients stream files through OpenWrite while the session is prepared and
// unsealed. Commit seals the session once every bridge is closed and queues
// an asynchronous commit pass. The pass runs on the session's Dispatcher and
// at most one pass per session runs at a time.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

const rootUID = 0

// Config describes a session to construct.
type Config struct {
	ID                   int
	UserID               int
	InstallerPackageName string
	InstallerUID         int
	Params               Params
	CreatedAt            time.Time

	// Exactly one of StageDir and StageCid must be set.
	StageDir string
	StageCid string

	// Prepared and Sealed restore a session persisted by a previous run.
	Prepared bool
	Sealed   bool

	Callback Callback
	Env      Environment
}

// Session is one in-flight install.
type Session struct {
	id                   int
	userID               int
	installerPackageName string
	installerUID         int
	params               Params
	createdAt            time.Time
	stageDir             string
	stageCid             string

	callback Callback
	env      Environment
	log      *zap.SugaredLogger

	active atomic.Int32

	// commitSlot holds at most one queued commit pass.
	commitSlot chan struct{}
	// passMu serializes commit passes.
	passMu sync.Mutex

	mu sync.Mutex

	clientProgress   float64
	internalProgress float64
	progress         float64
	reportedProgress float64

	prepared            bool
	sealed              bool
	permissionsAccepted bool
	relinquished        bool
	destroyed           bool
	finished            bool

	finalStatus  Code
	finalMessage string

	bridges []*FileBridge
	// opening counts OpenWrite calls between admission and bridge start.
	opening int

	receiver StatusReceiver

	// Derived by the commit pass.
	packageName             string
	versionCode             int
	signatures              pkgstate.Signatures
	resolvedBaseFile        string
	resolvedStageDir        string
	resolvedStagedFiles     []string
	resolvedInheritedFiles  []string
	resolvedInstructionSets []string
	inheritedFilesBase      string
}

// New creates a session. It fails unless exactly one of StageDir and
// StageCid is set.
func New(cfg Config) (*Session, error) {
	if (cfg.StageDir == "") == (cfg.StageCid == "") {
		return nil, fmt.Errorf("%w: exactly one of stageDir or stageCid stage must be set", ErrInvalidArgument)
	}
	if cfg.Callback == nil {
		return nil, fmt.Errorf("%w: callback required", ErrInvalidArgument)
	}
	if cfg.Env.Installer == nil {
		return nil, fmt.Errorf("%w: installer required", ErrInvalidArgument)
	}
	if cfg.StageCid != "" && cfg.Env.Containers == nil {
		return nil, fmt.Errorf("%w: container stage %s without container support", ErrInvalidArgument, cfg.StageCid)
	}
	if cfg.Env.Storage == nil {
		cfg.Env.Storage = LocalStorage{}
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}

	s := &Session{
		id:                   cfg.ID,
		userID:               cfg.UserID,
		installerPackageName: cfg.InstallerPackageName,
		installerUID:         cfg.InstallerUID,
		params:               cfg.Params,
		createdAt:            cfg.CreatedAt,
		stageDir:             cfg.StageDir,
		stageCid:             cfg.StageCid,
		callback:             cfg.Callback,
		env:                  cfg.Env,
		commitSlot:           make(chan struct{}, 1),
		prepared:             cfg.Prepared,
		sealed:               cfg.Sealed,
		reportedProgress:     -1,
		versionCode:          -1,
	}
	s.log = logger.With(zap.Int("session_id", cfg.ID), zap.Int("user_id", cfg.UserID))

	silent := cfg.InstallerUID == rootUID
	if p := cfg.Env.Permissions; p != nil {
		silent = silent || p.HasInstallPermission(cfg.InstallerUID) || p.IsDeviceOwner(cfg.InstallerPackageName)
	}
	s.permissionsAccepted = silent && !cfg.Params.InstallFlags.Has(InstallForcePermissionPrompt)

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() int { return s.id }

// UserID returns the user the session installs for.
func (s *Session) UserID() int { return s.userID }

// InstallerPackageName returns the package that created the session.
func (s *Session) InstallerPackageName() string { return s.installerPackageName }

// InstallerUID returns the uid that created the session.
func (s *Session) InstallerUID() int { return s.installerUID }

// Params returns the creation parameters.
func (s *Session) Params() Params { return s.params }

// StageDir returns the staging directory, empty for container stages.
func (s *Session) StageDir() string { return s.stageDir }

// StageCid returns the staging container id, empty for directory stages.
func (s *Session) StageCid() string { return s.stageCid }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// IsPrepared reports whether Open has prepared the stage.
func (s *Session) IsPrepared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared
}

// IsSealed reports whether the session accepts no more writes.
func (s *Session) IsSealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// IsActive reports whether any client holds the session open.
func (s *Session) IsActive() bool { return s.active.Load() > 0 }

// FinalStatus returns the terminal code and message, or ok=false while the
// session is still running.
func (s *Session) FinalStatus() (code Code, message string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalStatus, s.finalMessage, s.finished
}

// Info returns a snapshot for listing.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:            s.id,
		UserID:               s.userID,
		InstallerPackageName: s.installerPackageName,
		InstallerUID:         s.installerUID,
		ResolvedBaseCodePath: s.resolvedBaseFile,
		Progress:             s.progress,
		Sealed:               s.sealed,
		Active:               s.active.Load() > 0,
		Mode:                 s.params.Mode,
		SizeBytes:            s.params.SizeBytes,
		AppPackageName:       s.params.AppPackageName,
		AppLabel:             s.params.AppLabel,
		CreatedAt:            s.createdAt,
	}
}

func (s *Session) assertPreparedAndNotSealedLocked(op string) error {
	if !s.prepared {
		return fmt.Errorf("%w: %s before prepared", ErrIllegalState, op)
	}
	if s.sealed {
		return fmt.Errorf("%w: %s not allowed after commit", ErrSecurity, op)
	}
	return nil
}

// resolveStageDirLocked returns where staged files live. Container paths
// are looked up lazily since the container may be remounted.
func (s *Session) resolveStageDirLocked() (string, error) {
	if s.resolvedStageDir != "" {
		return s.resolvedStageDir, nil
	}
	if s.stageDir != "" {
		s.resolvedStageDir = s.stageDir
		return s.resolvedStageDir, nil
	}
	path, err := s.env.Containers.Path(s.stageCid)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path to container %s: %w", s.stageCid, err)
	}
	if path == "" {
		return "", fmt.Errorf("failed to resolve path to container %s", s.stageCid)
	}
	s.resolvedStageDir = path
	return path, nil
}

// Open marks the session active and prepares its stage on first use.
func (s *Session) Open() error {
	if s.active.Add(1) == 1 {
		s.callback.OnActiveChanged(s, true)
	}

	s.mu.Lock()
	if s.prepared {
		s.mu.Unlock()
		return nil
	}

	publish := false
	if s.stageDir != "" {
		if err := s.env.Storage.PrepareStageDir(s.stageDir); err != nil {
			s.mu.Unlock()
			return err
		}
	} else {
		if _, err := s.env.Containers.Create(s.stageCid, s.params.SizeBytes); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to create container %s: %w", s.stageCid, err)
		}
		s.internalProgress = 0.25
		publish = s.computeProgressLocked(true)
	}
	s.prepared = true
	progress := s.progress
	s.mu.Unlock()

	if publish {
		s.callback.OnProgressChanged(s, progress)
	}
	s.callback.OnPrepared(s)
	return nil
}

// Close releases one Open. The last Close marks the session inactive.
func (s *Session) Close() {
	if s.active.Add(-1) == 0 {
		s.callback.OnActiveChanged(s, false)
	}
}

// Names lists the files currently staged.
func (s *Session) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.assertPreparedAndNotSealedLocked("getNames"); err != nil {
		return nil, err
	}
	dir, err := s.resolveStageDirLocked()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// RemoveSplit stages the removal of an installed split. The session must
// name its target package.
func (s *Session) RemoveSplit(splitName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.assertPreparedAndNotSealedLocked("removeSplit"); err != nil {
		return err
	}
	if s.params.AppPackageName == "" {
		return fmt.Errorf("%w: must specify package name to remove a split", ErrIllegalState)
	}
	marker := splitName + RemovedSplitSuffix
	if !IsValidFilename(marker) {
		return fmt.Errorf("%w: invalid marker: %s", ErrInvalidArgument, marker)
	}
	dir, err := s.resolveStageDirLocked()
	if err != nil {
		return err
	}

	target := filepath.Join(dir, marker)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(target, 0)
}

// OpenWrite opens name for writing at offset. A positive length reserves
// that much space up front. The returned bridge must be closed before the
// session can be committed.
func (s *Session) OpenWrite(name string, offset, length int64) (*FileBridge, error) {
	// Admit the writer under the lock; the slow disk work happens outside
	// it, while opening blocks any commit.
	s.mu.Lock()
	if err := s.assertPreparedAndNotSealedLocked("openWrite"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	dir, err := s.resolveStageDirLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.opening++
	s.mu.Unlock()

	bridge, err := s.openWriteInternal(dir, name, offset, length)

	s.mu.Lock()
	s.opening--
	if err == nil && s.destroyed {
		err = fmt.Errorf("%w: openWrite on destroyed session", ErrIllegalState)
	}
	if err != nil {
		s.mu.Unlock()
		if bridge != nil {
			bridge.ForceClose()
		}
		return nil, err
	}
	s.bridges = append(s.bridges, bridge)
	s.mu.Unlock()
	return bridge, nil
}

func (s *Session) openWriteInternal(dir, name string, offset, length int64) (*FileBridge, error) {
	if !IsValidFilename(name) {
		return nil, fmt.Errorf("%w: invalid name: %s", ErrInvalidArgument, name)
	}
	target := filepath.Join(dir, name)

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*FileBridge, error) {
		_ = f.Close()
		return nil, err
	}
	if err := os.Chmod(target, 0o644); err != nil {
		return fail(err)
	}

	if length > 0 {
		fi, err := f.Stat()
		if err != nil {
			return fail(err)
		}
		delta := length - fi.Size()
		if s.stageDir != "" && delta > 0 {
			if err := s.env.Storage.FreeStorage(s.params.VolumeUUID, delta); err != nil {
				return fail(err)
			}
		}
		if err := preallocate(f, length); err != nil {
			return fail(err)
		}
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fail(err)
		}
	}

	bridge := newFileBridge(name, f)
	bridge.start()
	return bridge, nil
}

// OpenRead opens a staged file for reading.
func (s *Session) OpenRead(name string) (io.ReadCloser, error) {
	s.mu.Lock()
	if err := s.assertPreparedAndNotSealedLocked("openRead"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	dir, err := s.resolveStageDirLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if !IsValidFilename(name) {
		return nil, fmt.Errorf("%w: invalid name: %s", ErrInvalidArgument, name)
	}
	return os.Open(filepath.Join(dir, name))
}

// SetClientProgress records the client's own progress in [0, 1].
func (s *Session) SetClientProgress(progress float64) {
	s.mu.Lock()
	publish := s.setClientProgressLocked(progress)
	p := s.progress
	s.mu.Unlock()

	if publish {
		s.callback.OnProgressChanged(s, p)
	}
}

// AddClientProgress adds delta to the client's progress.
func (s *Session) AddClientProgress(delta float64) {
	s.mu.Lock()
	publish := s.setClientProgressLocked(s.clientProgress + delta)
	p := s.progress
	s.mu.Unlock()

	if publish {
		s.callback.OnProgressChanged(s, p)
	}
}

func (s *Session) setClientProgressLocked(progress float64) bool {
	// The first movement is always published.
	force := s.clientProgress == 0
	s.clientProgress = progress
	return s.computeProgressLocked(force)
}

// computeProgressLocked combines client and internal progress and reports
// whether the change is worth publishing.
func (s *Session) computeProgressLocked(force bool) bool {
	s.progress = clamp(s.clientProgress*0.8, 0, 0.8) + clamp(s.internalProgress*0.2, 0, 0.2)
	if force || abs(s.progress-s.reportedProgress) >= 0.01 {
		s.reportedProgress = s.progress
		return true
	}
	return false
}

func (s *Session) setInternalProgress(progress float64) {
	s.mu.Lock()
	s.internalProgress = progress
	s.computeProgressLocked(true)
	p := s.progress
	s.mu.Unlock()

	s.callback.OnProgressChanged(s, p)
}

// Abandon destroys the session and reports it aborted. It does nothing once
// the session has been handed to the installer.
func (s *Session) Abandon() {
	s.mu.Lock()
	if s.relinquished {
		s.mu.Unlock()
		s.log.Debugf("Ignoring abandon after commit relinquished control")
		return
	}
	bridges := s.markDestroyedLocked()
	s.mu.Unlock()

	s.teardown(bridges)
	s.dispatchSessionFinished(FailedAborted, "Session was abandoned", nil)
}

// destroyInternal seals the session for good, force-closes every bridge and
// removes the stage.
func (s *Session) destroyInternal() {
	s.mu.Lock()
	bridges := s.markDestroyedLocked()
	s.mu.Unlock()

	s.teardown(bridges)
}

// markDestroyedLocked seals and destroys the session and returns the bridges
// to force-close. Once it runs, no commit pass can relinquish the stage.
func (s *Session) markDestroyedLocked() []*FileBridge {
	s.sealed = true
	s.destroyed = true
	return append([]*FileBridge(nil), s.bridges...)
}

func (s *Session) teardown(bridges []*FileBridge) {
	for _, b := range bridges {
		b.ForceClose()
	}

	if s.stageDir != "" {
		if err := s.env.Storage.RemoveStageDir(s.stageDir); err != nil {
			s.log.Warnf("Failed to remove stage %s: %v", s.stageDir, err)
		}
	}
	if s.stageCid != "" {
		if err := s.env.Containers.Destroy(s.stageCid); err != nil {
			s.log.Warnf("Failed to destroy container %s: %v", s.stageCid, err)
		}
	}
}

// dispatchSessionFinished records the final status and notifies the
// receiver and the callback. Only the first call has any effect.
func (s *Session) dispatchSessionFinished(code Code, message string, extras map[string]string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.finalStatus = code
	s.finalMessage = message
	receiver := s.receiver
	pkg := s.packageName
	s.mu.Unlock()

	if receiver != nil {
		receiver.OnPackageInstalled(s.id, pkg, code, message, extras)
	}
	s.callback.OnFinished(s, code == Succeeded)
}

func (s *Session) dispatch(fn func()) {
	if s.env.Dispatcher == nil {
		go fn()
		return
	}
	if err := s.env.Dispatcher.Submit(context.Background(), fn); err != nil {
		s.log.Warnf("Dispatcher rejected commit pass (%v); running on its own goroutine", err)
		go fn()
	}
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
