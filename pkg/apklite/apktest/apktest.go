// Package apktest builds APK archives for tests.
package apktest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/apklite"
)

// DefaultCert is the certificate used when a Spec names none.
var DefaultCert = []byte("pkgd test certificate")

// Spec describes an APK to build.
type Spec struct {
	Package     string
	VersionCode int
	Split       string

	// Certs are raw certificate bytes, stored as META-INF/CERTn.RSA.
	// Nil means DefaultCert; an empty non-nil slice means unsigned.
	Certs [][]byte

	// Libs maps "<abi>/<name>.so" to library contents.
	Libs map[string][]byte

	// Files are extra archive entries.
	Files map[string][]byte
}

// Bytes returns the archive for s.
func Bytes(s Spec) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	add := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	desc := fmt.Sprintf("package: %s\nversionCode: %d\n", s.Package, s.VersionCode)
	if s.Split != "" {
		desc += "split: " + s.Split + "\n"
	}
	if err := add(apklite.DescriptorName, []byte(desc)); err != nil {
		return nil, err
	}

	certs := s.Certs
	if certs == nil {
		certs = [][]byte{DefaultCert}
	}
	for i, c := range certs {
		if err := add(fmt.Sprintf("META-INF/CERT%d.RSA", i), c); err != nil {
			return nil, err
		}
	}

	for _, name := range sortedKeys(s.Libs) {
		if err := add(apklite.LibDirName+"/"+name, s.Libs[name]); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(s.Files) {
		if err := add(name, s.Files[name]); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write builds s into path, failing the test on error.
func Write(t testing.TB, path string, s Spec) {
	t.Helper()
	data, err := Bytes(s)
	if err != nil {
		t.Fatalf("build apk: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write apk: %v", err)
	}
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
