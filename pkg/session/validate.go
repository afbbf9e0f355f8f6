package session

import (
	"errors"
	"os"
	"path/filepath"
	"slices"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

const oatDirName = "oat"

// resolution is the outcome of validating a stage.
type resolution struct {
	packageName string
	versionCode int
	signatures  pkgstate.Signatures

	baseFile        string
	stagedFiles     []string
	inheritedFiles  []string
	instructionSets []string
	// inheritedBase is the install directory inherited files live under.
	inheritedBase string
}

func (r *resolution) assertConsistent(tag string, appPackageName string, apk *apklite.ApkLite) error {
	if r.packageName != apk.PackageName {
		return installError(FailedInvalidAPK, "%s package %s inconsistent with %s", tag, apk.PackageName, r.packageName)
	}
	if appPackageName != "" && appPackageName != apk.PackageName {
		return installError(FailedInvalidAPK, "%s specified package %s inconsistent with %s", tag, appPackageName, apk.PackageName)
	}
	if r.versionCode != apk.VersionCode {
		return installError(FailedInvalidAPK, "%s version code %d inconsistent with %d", tag, apk.VersionCode, r.versionCode)
	}
	if !r.signatures.ExactMatch(apk.Signatures) {
		return installError(FailedInvalidAPK, "%s signatures are inconsistent", tag)
	}
	return nil
}

func parseError(err error) error {
	code := ParseFailedNotAPK
	if errors.Is(err, apklite.ErrNoCertificates) {
		code = ParseFailedNoCertificates
	}
	return &InstallError{Code: code, Message: "Failed to parse package", Err: err}
}

// validateStage checks that the files staged in dir form one consistent
// package, renames them to their canonical names and, for inherit mode,
// resolves what to carry over from existing.
func validateStage(dir string, params Params, existing *InstalledPackage) (*resolution, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapInstallError(FailedInternalError, err, "Failed to list stage")
	}

	var added, removedSplits []string
	for _, e := range entries {
		// Installers cannot stage directories, so entries like lost+found
		// are skipped.
		if e.IsDir() {
			continue
		}
		if isRemovedMarker(e.Name()) {
			removedSplits = append(removedSplits, splitFromMarker(e.Name()))
		} else {
			added = append(added, filepath.Join(dir, e.Name()))
		}
	}
	if len(added) == 0 && len(removedSplits) == 0 {
		return nil, installError(FailedInvalidAPK, "No packages staged")
	}

	r := &resolution{versionCode: -1}
	staged := make(map[string]bool)
	first := true

	for _, file := range added {
		apk, err := apklite.ParseApkLite(file)
		if err != nil {
			return nil, parseError(err)
		}

		if staged[apk.SplitName] {
			return nil, installError(FailedInvalidAPK, "Split %s was defined multiple times", splitLabel(apk.SplitName))
		}
		staged[apk.SplitName] = true

		// The first file defines the package identity.
		if first {
			r.packageName = apk.PackageName
			r.versionCode = apk.VersionCode
			r.signatures = apk.Signatures
			first = false
		}
		if err := r.assertConsistent(file, params.AppPackageName, apk); err != nil {
			return nil, err
		}

		targetName := apk.CanonicalName()
		if !IsValidFilename(targetName) {
			return nil, installError(FailedInvalidAPK, "Invalid filename: %s", targetName)
		}
		target := filepath.Join(dir, targetName)
		if file != target {
			if err := os.Rename(file, target); err != nil {
				return nil, wrapInstallError(FailedInternalError, err, "Failed to rename %s", file)
			}
		}

		if apk.IsBase() {
			r.baseFile = target
		}
		r.stagedFiles = append(r.stagedFiles, target)
	}

	if len(removedSplits) > 0 {
		for _, split := range removedSplits {
			if existing == nil || !slices.Contains(existing.SplitNames, split) {
				return nil, installError(FailedInvalidAPK, "Split not found: %s", split)
			}
		}

		// A remove-only session takes its identity from the installed package.
		if r.packageName == "" {
			r.packageName = existing.PackageName
			r.versionCode = existing.VersionCode
		}
		if r.signatures.Empty() {
			r.signatures = existing.Signatures
		}
	}

	if params.Mode == ModeFullInstall {
		if !staged[""] {
			return nil, installError(FailedInvalidAPK, "Full install must include a base package")
		}
		return r, nil
	}

	if existing == nil {
		return nil, installError(FailedInvalidAPK, "Missing existing base package for %s", r.packageName)
	}

	installed, err := apklite.ParsePackageLite(existing.CodePath)
	if err != nil {
		return nil, parseError(err)
	}
	existingBase, err := apklite.ParseApkLite(existing.BaseCodePath)
	if err != nil {
		return nil, parseError(err)
	}
	if err := r.assertConsistent("Existing base", params.AppPackageName, existingBase); err != nil {
		return nil, err
	}

	if r.baseFile == "" {
		r.baseFile = existing.BaseCodePath
		r.inheritedFiles = append(r.inheritedFiles, existing.BaseCodePath)
	}

	for i, split := range installed.SplitNames {
		if !staged[split] && !slices.Contains(removedSplits, split) {
			r.inheritedFiles = append(r.inheritedFiles, installed.SplitCodePaths[i])
		}
	}

	// Compiled code is carried over per instruction set so it can be
	// hard-linked rather than regenerated.
	installDir := filepath.Dir(existing.BaseCodePath)
	r.inheritedBase = installDir
	isaDirs, err := os.ReadDir(filepath.Join(installDir, oatDirName))
	if err != nil && !os.IsNotExist(err) {
		return nil, wrapInstallError(FailedInternalError, err, "Failed to list compiled code of %s", r.packageName)
	}
	known := apklite.InstructionSets()
	for _, isa := range isaDirs {
		if !isa.IsDir() || !slices.Contains(known, isa.Name()) {
			continue
		}
		r.instructionSets = append(r.instructionSets, isa.Name())

		isaDir := filepath.Join(installDir, oatDirName, isa.Name())
		files, err := os.ReadDir(isaDir)
		if err != nil {
			return nil, wrapInstallError(FailedInternalError, err, "Failed to list %s", isaDir)
		}
		for _, f := range files {
			if !f.IsDir() {
				r.inheritedFiles = append(r.inheritedFiles, filepath.Join(isaDir, f.Name()))
			}
		}
	}
	return r, nil
}

func splitLabel(split string) string {
	if split == "" {
		return "base"
	}
	return split
}

// apkPaths returns the base followed by every other staged or inherited
// APK, for install size estimation.
func (r *resolution) apkPaths() []string {
	paths := []string{r.baseFile}
	for _, list := range [][]string{r.stagedFiles, r.inheritedFiles} {
		for _, p := range list {
			if p == r.baseFile || filepath.Ext(p) != apklite.APKSuffix {
				continue
			}
			paths = append(paths, p)
		}
	}
	return paths
}
