package apklite

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zip"
)

// LibDirName is the directory native libraries are extracted into.
const LibDirName = "lib"

var abiToISA = map[string]string{
	"armeabi":     "arm",
	"armeabi-v7a": "arm",
	"arm64-v8a":   "arm64",
	"x86":         "x86",
	"x86_64":      "x86_64",
	"mips":        "mips",
	"mips64":      "mips64",
}

// InstructionSets lists the instruction sets compiled code may exist for.
func InstructionSets() []string {
	return []string{"arm", "arm64", "mips", "mips64", "x86", "x86_64"}
}

// DefaultABI returns the primary ABI of the running machine.
func DefaultABI() string {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64-v8a"
	case "arm":
		return "armeabi-v7a"
	case "386":
		return "x86"
	case "mips64", "mips64le":
		return "mips64"
	case "mips", "mipsle":
		return "mips"
	default:
		return "x86_64"
	}
}

// InstructionSet maps an ABI to the instruction set directory name used
// below lib/ and oat/.
func InstructionSet(abi string) (string, error) {
	isa, ok := abiToISA[abi]
	if !ok {
		return "", fmt.Errorf("unknown abi %q", abi)
	}
	return isa, nil
}

func resolveABI(abiOverride string) string {
	if abiOverride != "" {
		return abiOverride
	}
	return DefaultABI()
}

func isNativeLib(name, abi string) bool {
	dir, base := path.Split(name)
	return dir == "lib/"+abi+"/" && strings.HasSuffix(base, ".so") && base != ".so"
}

// ExtractNativeLibraries clears pkgDir/lib and extracts the native
// libraries of every APK in pkgDir for the chosen ABI. It returns the
// number of libraries written.
func ExtractNativeLibraries(pkgDir, abiOverride string) (int, error) {
	libDir := filepath.Join(pkgDir, LibDirName)
	if err := os.RemoveAll(libDir); err != nil {
		return 0, fmt.Errorf("clear %s: %w", libDir, err)
	}

	abi := resolveABI(abiOverride)
	isa, err := InstructionSet(abi)
	if err != nil {
		return 0, err
	}
	dst := filepath.Join(libDir, isa)

	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), APKSuffix) {
			continue
		}
		n, err := extractFrom(filepath.Join(pkgDir, e.Name()), dst, abi)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func extractFrom(apkPath, dst, abi string) (int, error) {
	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidAPK, apkPath, err)
	}
	defer func() { _ = zr.Close() }()

	n := 0
	for _, f := range zr.File {
		if !isNativeLib(f.Name, abi) {
			continue
		}
		if n == 0 {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return 0, err
			}
		}
		if err := extractEntry(f, filepath.Join(dst, path.Base(f.Name))); err != nil {
			return n, fmt.Errorf("extract %s from %s: %w", f.Name, apkPath, err)
		}
		n++
	}
	return n, nil
}

func extractEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	tmp := target + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

// InstalledSize estimates the footprint of installing the given APKs: their
// file sizes plus the uncompressed native libraries for the chosen ABI.
// Forward-locked installs also keep an extracted copy of public resources.
func InstalledSize(apkPaths []string, forwardLocked bool, abiOverride string) (int64, error) {
	abi := resolveABI(abiOverride)

	var total int64
	for _, p := range apkPaths {
		fi, err := os.Stat(p)
		if err != nil {
			return 0, err
		}
		total += fi.Size()

		zr, err := zip.OpenReader(p)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidAPK, p, err)
		}
		for _, f := range zr.File {
			switch {
			case isNativeLib(f.Name, abi):
				total += int64(f.UncompressedSize64)
			case forwardLocked && isPublicResource(f.Name):
				total += int64(f.UncompressedSize64)
			}
		}
		_ = zr.Close()
	}
	return total, nil
}

func isPublicResource(name string) bool {
	return name == "resources.arsc" || name == "AndroidManifest.xml" || strings.HasPrefix(name, "res/")
}
