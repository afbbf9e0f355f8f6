package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/settings"
)

// LocalInstaller installs validated stages into an app directory and
// records them in the settings registry.
type LocalInstaller struct {
	registry *settings.Registry
	appDir   string
	dataDir  string
}

// NewLocalInstaller returns an installer that places code under appDir and
// records data directories under dataDir.
func NewLocalInstaller(registry *settings.Registry, appDir, dataDir string) *LocalInstaller {
	return &LocalInstaller{registry: registry, appDir: appDir, dataDir: dataDir}
}

// InstallStage implements session.Installer. The result is delivered
// through done before InstallStage returns.
func (li *LocalInstaller) InstallStage(ctx context.Context, req session.InstallRequest, done func(session.InstallResult)) {
	commitID := uuid.NewString()
	log := logger.With()
	log.Infow("Installing staged session",
		"commit_id", commitID, "session_id", req.SessionID,
		"package", req.PackageName, "version", req.VersionCode)

	res := li.install(ctx, req)
	res.PackageName = req.PackageName
	if res.Extras == nil {
		res.Extras = map[string]string{}
	}
	res.Extras["commit_id"] = commitID
	if res.Code != session.Succeeded {
		log.Warnw("Install failed", "commit_id", commitID, "code", res.Code.String(), "message", res.Message)
	}
	done(res)
}

func (li *LocalInstaller) install(ctx context.Context, req session.InstallRequest) session.InstallResult {
	if err := ctx.Err(); err != nil {
		return session.InstallResult{Code: session.FailedAborted, Message: err.Error()}
	}

	// Phase one: inspect the installed package under the read guard only.
	rg := li.registry.Lock().Read()
	existing := li.registry.SnapshotForCommit(rg, req.PackageName)
	rg.Release()

	if existing != nil {
		if !req.Params.InstallFlags.Has(session.InstallReplaceExisting) && req.Params.Mode != session.ModeInheritExisting {
			return session.InstallResult{
				Code:    session.FailedAlreadyExists,
				Message: fmt.Sprintf("Attempt to re-install %s without first uninstalling.", req.PackageName),
			}
		}
		if !existing.Signatures.ExactMatch(req.Signatures) {
			return session.InstallResult{
				Code:    session.FailedUpdateIncompatible,
				Message: fmt.Sprintf("Package %s signatures do not match the previously installed version; ignoring!", req.PackageName),
			}
		}
		if req.VersionCode < existing.VersionCode {
			return session.InstallResult{
				Code:    session.FailedVersionDowngrade,
				Message: fmt.Sprintf("Package verification failed: downgrade from %d to %d", existing.VersionCode, req.VersionCode),
			}
		}
	}

	codePath, err := li.nextCodePath(req.PackageName, existing)
	if err != nil {
		return session.InstallResult{Code: session.FailedInsufficientStorage, Message: err.Error()}
	}
	if err := os.MkdirAll(li.appDir, 0o771); err != nil {
		return session.InstallResult{Code: session.FailedInsufficientStorage, Message: err.Error()}
	}
	if err := os.Rename(req.StageDir, codePath); err != nil {
		return session.InstallResult{
			Code:    session.FailedInsufficientStorage,
			Message: fmt.Sprintf("Failed to move stage to %s: %v", codePath, err),
		}
	}
	pkg, err := apklite.ParsePackageLite(codePath)
	if err != nil {
		_ = os.RemoveAll(codePath)
		return session.InstallResult{Code: session.FailedInvalidAPK, Message: err.Error()}
	}

	// Phase two: record the install under the write guard.
	if err := li.commit(req, codePath, pkg, existing); err != nil {
		_ = os.RemoveAll(codePath)
		return session.InstallResult{Code: session.FailedInternalError, Message: err.Error()}
	}

	if existing != nil && existing.CodePath != codePath {
		if err := os.RemoveAll(existing.CodePath); err != nil {
			logger.Warn("Failed to remove old code path %s: %v", existing.CodePath, err)
		}
	}
	return session.InstallResult{Code: session.Succeeded}
}

// nextCodePath alternates between <pkg>-1 and <pkg>-2 so an update never
// overwrites the code it replaces.
func (li *LocalInstaller) nextCodePath(pkg string, existing *settings.InstalledSnapshot) (string, error) {
	for suffix := 1; suffix <= 16; suffix++ {
		p := filepath.Join(li.appDir, fmt.Sprintf("%s-%d", pkg, suffix))
		if existing != nil && existing.CodePath == p {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no free code path for %s under %s", pkg, li.appDir)
}

func (li *LocalInstaller) commit(req session.InstallRequest, codePath string, pkg *apklite.PackageLite, existing *settings.InstalledSnapshot) error {
	w := li.registry.Lock().Write()
	defer w.Release()

	now := time.Now().UnixMilli()
	installUser := settings.ForUser(req.UserID)
	p, err := li.registry.GetOrCreatePackage(w, settings.ScanRequest{
		Name:              req.PackageName,
		CodePath:          codePath,
		ResourcePath:      codePath,
		NativeLibraryPath: filepath.Join(codePath, apklite.LibDirName),
		PrimaryCpuAbi:     req.Params.AbiOverride,
		VersionCode:       req.VersionCode,
		InstallUser:       installUser,
		Signatures:        req.Signatures,
		DataDir:           filepath.Join(li.dataDir, req.PackageName),
		TimeStamp:         now,
		Add:               true,
	})
	if err != nil {
		return err
	}

	// An update keeps the setting; refresh what the new code changes.
	p.CodePath = codePath
	p.ResourcePath = codePath
	p.LegacyNativeLibraryPath = filepath.Join(codePath, apklite.LibDirName)
	p.VersionCode = req.VersionCode
	p.Signatures = req.Signatures.Clone()
	p.TimeStamp = now
	p.LastUpdateTime = now
	if existing == nil || p.FirstInstallTime == 0 {
		p.FirstInstallTime = now
	}
	p.ChildPackageNames = nil
	p.InstallStatus = settings.InstallComplete
	li.registry.SetInstallerPackageName(w, req.PackageName, req.InstallerPackageName)

	users := li.registry.Users(w)
	if req.UserID != session.UserAll {
		users = []int{req.UserID}
	}
	for _, u := range users {
		p.States().SetInstalled(true, u)
		if req.Params.InstallFlags.Has(session.InstallGrantRuntimePermissions) {
			for _, perm := range req.Params.GrantedRuntimePermissions {
				if li.registry.Permission(w, perm) == nil {
					logger.Debug("Not granting unknown permission %s to %s", perm, req.PackageName)
					continue
				}
				p.Permissions().GrantRuntime(perm, u)
			}
		}
		li.registry.ApplyPendingPermissionGrants(w, req.PackageName, u)
	}

	logger.Debug("Recorded %s v%d at %s with %d splits", req.PackageName, req.VersionCode, codePath, len(pkg.SplitNames))

	// On failure the registry stays ahead of disk until the next write.
	if err := li.registry.Write(w); err != nil {
		logger.Warn("Settings write after installing %s failed: %v", req.PackageName, err)
	}
	return nil
}
