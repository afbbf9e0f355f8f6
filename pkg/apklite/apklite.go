// Package apklite reads the small subset of an APK that install validation
// needs: package name, version code, split name and signing certificates.
//
// An APK is a zip archive. Its identity comes from the descriptor entry
// META-INF/PKGD.MF, a list of "key: value" lines:
//
//	package: com.example
//	versionCode: 5
//	split: config.en
//	coreApp: true
//
// Every META-INF/*.RSA, *.DSA or *.EC entry is a signing certificate. A
// certificate's identity is the hex blake3 digest of the entry bytes.
package apklite

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/pkgstate"
)

// DescriptorName is the archive entry holding the package descriptor.
const DescriptorName = "META-INF/PKGD.MF"

// BaseName and SplitPrefix give the canonical file names inside an install
// directory.
const (
	BaseName    = "base.apk"
	SplitPrefix = "split_"
	APKSuffix   = ".apk"
)

var (
	// ErrInvalidAPK indicates the archive is unreadable or its descriptor
	// is missing or malformed.
	ErrInvalidAPK = errors.New("invalid apk")

	// ErrNoCertificates indicates the archive carries no signing
	// certificate.
	ErrNoCertificates = errors.New("apk has no certificates")
)

// ApkLite is the lightweight description of one APK file.
type ApkLite struct {
	Path        string
	PackageName string
	// SplitName is empty for the base APK.
	SplitName   string
	VersionCode int
	CoreApp     bool
	Signatures  pkgstate.Signatures
}

// IsBase reports whether the APK is the base of its package.
func (a *ApkLite) IsBase() bool { return a.SplitName == "" }

// CanonicalName returns the file name the APK takes once staged:
// base.apk for the base, split_<name>.apk otherwise.
func (a *ApkLite) CanonicalName() string {
	if a.IsBase() {
		return BaseName
	}
	return SplitPrefix + a.SplitName + APKSuffix
}

// ParseApkLite reads the descriptor and certificates of the APK at p.
func ParseApkLite(p string) (*ApkLite, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAPK, p, err)
	}
	defer func() { _ = zr.Close() }()

	apk := &ApkLite{Path: p}
	var (
		sawDescriptor bool
		certs         []string
	)
	for _, f := range zr.File {
		switch {
		case f.Name == DescriptorName:
			if err := readDescriptor(f, apk); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAPK, p, err)
			}
			sawDescriptor = true
		case isCertificateEntry(f.Name):
			digest, err := digestEntry(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAPK, p, err)
			}
			certs = append(certs, digest)
		}
	}

	if !sawDescriptor {
		return nil, fmt.Errorf("%w: %s: missing %s", ErrInvalidAPK, p, DescriptorName)
	}
	if apk.PackageName == "" {
		return nil, fmt.Errorf("%w: %s: descriptor has no package", ErrInvalidAPK, p)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, p)
	}
	sort.Strings(certs)
	apk.Signatures = pkgstate.NewSignatures(certs...)
	return apk, nil
}

func isCertificateEntry(name string) bool {
	dir, base := path.Split(name)
	if dir != "META-INF/" {
		return false
	}
	switch strings.ToUpper(path.Ext(base)) {
	case ".RSA", ".DSA", ".EC":
		return true
	}
	return false
}

func digestEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readDescriptor(f *zip.File, apk *ApkLite) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("bad descriptor line %q", line)
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "package":
			apk.PackageName = value
		case "versionCode":
			v, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("bad versionCode %q", value)
			}
			apk.VersionCode = v
		case "split":
			apk.SplitName = value
		case "coreApp":
			apk.CoreApp = value == "true"
		}
	}
	return sc.Err()
}

// PackageLite describes an installed package: one base APK plus any splits.
type PackageLite struct {
	CodePath       string
	PackageName    string
	VersionCode    int
	BaseCodePath   string
	SplitNames     []string
	SplitCodePaths []string
}

// AllCodePaths returns the base followed by every split.
func (p *PackageLite) AllCodePaths() []string {
	return append([]string{p.BaseCodePath}, p.SplitCodePaths...)
}

// ParsePackageLite describes the package at codePath. A file is a
// single-APK package; a directory must hold exactly one base APK and any
// number of consistent splits.
func ParsePackageLite(codePath string) (*PackageLite, error) {
	fi, err := os.Stat(codePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAPK, err)
	}
	if !fi.IsDir() {
		apk, err := ParseApkLite(codePath)
		if err != nil {
			return nil, err
		}
		return &PackageLite{
			CodePath:     codePath,
			PackageName:  apk.PackageName,
			VersionCode:  apk.VersionCode,
			BaseCodePath: codePath,
		}, nil
	}

	entries, err := os.ReadDir(codePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAPK, err)
	}

	var (
		base   *ApkLite
		splits = make(map[string]*ApkLite)
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), APKSuffix) {
			continue
		}
		apk, err := ParseApkLite(filepath.Join(codePath, e.Name()))
		if err != nil {
			return nil, err
		}
		if base != nil && apk.PackageName != base.PackageName {
			return nil, fmt.Errorf("%w: inconsistent package %s in %s; expected %s",
				ErrInvalidAPK, apk.PackageName, apk.Path, base.PackageName)
		}

		if apk.IsBase() {
			if base != nil {
				return nil, fmt.Errorf("%w: multiple base APKs in %s", ErrInvalidAPK, codePath)
			}
			base = apk
			continue
		}
		if _, dup := splits[apk.SplitName]; dup {
			return nil, fmt.Errorf("%w: split %s defined more than once", ErrInvalidAPK, apk.SplitName)
		}
		splits[apk.SplitName] = apk
	}
	if base == nil {
		return nil, fmt.Errorf("%w: missing base APK in %s", ErrInvalidAPK, codePath)
	}

	pkg := &PackageLite{
		CodePath:     codePath,
		PackageName:  base.PackageName,
		VersionCode:  base.VersionCode,
		BaseCodePath: base.Path,
	}
	names := make([]string, 0, len(splits))
	for name := range splits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := splits[name]
		if s.PackageName != base.PackageName || s.VersionCode != base.VersionCode {
			return nil, fmt.Errorf("%w: split %s inconsistent with base %s:%d",
				ErrInvalidAPK, name, base.PackageName, base.VersionCode)
		}
		pkg.SplitNames = append(pkg.SplitNames, name)
		pkg.SplitCodePaths = append(pkg.SplitCodePaths, s.Path)
	}
	return pkg, nil
}
