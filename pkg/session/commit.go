package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite"
)

// Commit seals the session and queues the commit pass. The outcome is
// reported to receiver. Sealing is idempotent: committing a sealed session
// only refreshes the receiver and re-queues a pass if none is pending.
func (s *Session) Commit(receiver StatusReceiver) error {
	if receiver == nil {
		return fmt.Errorf("%w: status receiver required", ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("%w: commit of destroyed session", ErrIllegalState)
	}
	wasSealed := s.sealed
	if !s.sealed {
		// Every writer must be done before the stage is frozen.
		if s.opening > 0 {
			s.mu.Unlock()
			return fmt.Errorf("%w: Files still open", ErrSecurity)
		}
		for _, b := range s.bridges {
			if !b.IsClosed() {
				s.mu.Unlock()
				return fmt.Errorf("%w: Files still open", ErrSecurity)
			}
		}
		s.sealed = true
	}

	s.clientProgress = 1
	s.computeProgressLocked(true)
	progress := s.progress
	s.receiver = receiver
	s.mu.Unlock()

	s.callback.OnProgressChanged(s, progress)
	if !wasSealed {
		s.callback.OnSealed(s)
	}

	// The pending pass keeps the session active after the client closes.
	s.active.Add(1)
	s.enqueueCommit()
	return nil
}

// SetPermissionsResult resumes a commit paused for user confirmation, or
// aborts the session if the user declined.
func (s *Session) SetPermissionsResult(accepted bool) error {
	s.mu.Lock()
	if !s.sealed {
		s.mu.Unlock()
		return fmt.Errorf("%w: must be sealed to accept permissions", ErrSecurity)
	}
	if accepted {
		s.permissionsAccepted = true
		s.mu.Unlock()
		s.active.Add(1)
		s.enqueueCommit()
		return nil
	}
	if s.relinquished {
		s.mu.Unlock()
		s.log.Debugf("Ignoring permission rejection after commit relinquished control")
		return nil
	}
	bridges := s.markDestroyedLocked()
	s.mu.Unlock()

	s.teardown(bridges)
	s.dispatchSessionFinished(FailedAborted, "User rejected permissions", nil)
	return nil
}

func (s *Session) enqueueCommit() {
	select {
	case s.commitSlot <- struct{}{}:
		s.dispatch(s.handleCommit)
	default:
		// A pass is already queued; it will see the latest state.
	}
}

func (s *Session) handleCommit() {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	<-s.commitSlot

	s.mu.Lock()
	relinquished := s.relinquished
	s.mu.Unlock()
	if relinquished {
		s.log.Debugf("Ignoring commit pass after install was handed off")
		return
	}

	// Installed package data is fetched before any session state is
	// touched, without holding the session lock.
	var existing *InstalledPackage
	if name := s.params.AppPackageName; name != "" && s.env.Packages != nil {
		p, err := s.env.Packages.InstalledPackage(name, s.userID)
		if err != nil {
			s.log.Warnf("Failed to look up installed %s: %v", name, err)
		} else {
			existing = p
		}
	}

	req, err := s.commitPass(existing)
	if err != nil {
		msg := err.Error()
		s.log.Errorf("Commit of session %d failed: %s", s.id, msg)
		s.destroyInternal()
		s.dispatchSessionFinished(codeOf(err), msg, nil)
		return
	}
	if req == nil {
		return
	}

	s.env.Installer.InstallStage(context.Background(), *req, func(res InstallResult) {
		s.destroyInternal()
		s.dispatchSessionFinished(res.Code, res.Message, res.Extras)
	})
}

// commitPass validates the stage and prepares it for the installer. It
// returns a nil request when the pass paused for user confirmation.
func (s *Session) commitPass(existing *InstalledPackage) (*InstallRequest, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, installError(FailedInternalError, "Session destroyed")
	}
	if !s.sealed {
		s.mu.Unlock()
		return nil, installError(FailedInternalError, "Session not sealed")
	}
	dir, err := s.resolveStageDirLocked()
	accepted := s.permissionsAccepted
	receiver := s.receiver
	s.mu.Unlock()
	if err != nil {
		return nil, wrapInstallError(FailedContainerError, err, "Failed to resolve stage location")
	}

	res, err := validateStage(dir, s.params, existing)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.packageName = res.packageName
	s.versionCode = res.versionCode
	s.signatures = res.signatures
	s.resolvedBaseFile = res.baseFile
	s.resolvedStagedFiles = res.stagedFiles
	s.resolvedInheritedFiles = res.inheritedFiles
	s.resolvedInstructionSets = res.instructionSets
	s.inheritedFilesBase = res.inheritedBase
	s.mu.Unlock()

	if !accepted {
		if receiver != nil {
			receiver.OnUserActionRequired(s.id)
		}
		// Release the reference Commit took so the session reads as idle.
		s.Close()
		return nil, nil
	}

	if s.stageCid != "" {
		size, err := apklite.InstalledSize(res.apkPaths(), s.params.InstallFlags.Has(InstallForwardLock), s.params.AbiOverride)
		if err != nil {
			return nil, wrapInstallError(FailedInvalidAPK, err, "Failed to calculate install size")
		}
		if dir, err = s.resizeContainer(size, dir); err != nil {
			return nil, err
		}
	}

	if s.params.Mode == ModeInheritExisting {
		if err := s.inheritExisting(res, dir); err != nil {
			return nil, wrapInstallError(FailedInsufficientStorage, err, "Failed to inherit existing install")
		}
	}

	s.setInternalProgress(0.5)

	if _, err := apklite.ExtractNativeLibraries(dir, s.params.AbiOverride); err != nil {
		return nil, wrapInstallError(FailedInternalError, err, "Failed to extract native libraries")
	}

	if s.stageCid != "" {
		if err := s.env.Containers.Finalize(s.stageCid); err != nil {
			return nil, wrapInstallError(FailedContainerError, err, "Failed to finalize container %s", s.stageCid)
		}
		if err := s.env.Containers.FixPermissions(s.stageCid); err != nil {
			return nil, wrapInstallError(FailedContainerError, err, "Failed to fix permissions on container %s", s.stageCid)
		}
	}

	user := s.userID
	if s.params.InstallFlags.Has(InstallAllUsers) {
		user = UserAll
	}

	// Point of no return: from here on Abandon is ignored.
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, installError(FailedInternalError, "Session destroyed")
	}
	s.relinquished = true
	s.mu.Unlock()

	return &InstallRequest{
		SessionID:            s.id,
		PackageName:          res.packageName,
		VersionCode:          res.versionCode,
		Signatures:           res.signatures,
		StageDir:             dir,
		StageCid:             s.stageCid,
		Params:               s.params,
		InstallerPackageName: s.installerPackageName,
		InstallerUID:         s.installerUID,
		UserID:               user,
	}, nil
}

// resizeContainer grows the container to target bytes and returns its
// mount path, which may change across the remount.
func (s *Session) resizeContainer(target int64, dir string) (string, error) {
	c, cid := s.env.Containers, s.stageCid

	path, err := c.Path(cid)
	if err != nil || path == "" {
		return "", wrapInstallError(FailedContainerError, err, "Failed to find mounted %s", cid)
	}
	current, err := c.Size(cid)
	if err != nil {
		return "", wrapInstallError(FailedContainerError, err, "Failed to find mounted %s", cid)
	}
	if current >= target {
		s.log.Warnf("Current size %d is at least target size %d; skipping resize", current, target)
		return dir, nil
	}

	if err := c.Unmount(cid); err != nil {
		return "", wrapInstallError(FailedContainerError, err, "Failed to unmount %s before resize", cid)
	}
	if err := c.Resize(cid, target); err != nil {
		return "", wrapInstallError(FailedContainerError, err, "Failed to resize %s to %d bytes", cid, target)
	}
	path, err = c.Mount(cid)
	if err != nil || path == "" {
		return "", wrapInstallError(FailedContainerError, err, "Failed to mount %s after resize", cid)
	}

	s.mu.Lock()
	s.resolvedStageDir = path
	s.mu.Unlock()
	return path, nil
}

// inheritExisting brings the inherited files into the stage, by hard link
// when they share a device with it and by copy otherwise.
func (s *Session) inheritExisting(res *resolution, toDir string) error {
	if len(res.inheritedFiles) == 0 {
		return nil
	}
	if res.inheritedBase == "" {
		return fmt.Errorf("inherited files without a base directory")
	}

	if isLinkPossible(res.inheritedFiles, toDir) {
		if len(res.instructionSets) > 0 {
			if err := createOatDirs(res.instructionSets, filepath.Join(toDir, oatDirName)); err != nil {
				return err
			}
		}
		n, err := linkFiles(res.inheritedFiles, res.inheritedBase, toDir)
		if err != nil {
			return err
		}
		s.log.Debugf("Linked %d files into %s", n, toDir)
		return nil
	}

	n, err := copyFiles(res.inheritedFiles, res.inheritedBase, toDir)
	if err != nil {
		return err
	}
	s.log.Debugf("Copied %d files into %s", n, toDir)
	return nil
}
