package pkgstate

import (
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// Signatures is the set of signing certificates of a package. Each entry is
// a certificate identity (a hex digest of the certificate bytes).
type Signatures struct {
	Certs []string
}

// NewSignatures returns a Signatures value with a copy of certs.
func NewSignatures(certs ...string) Signatures {
	return Signatures{Certs: append([]string(nil), certs...)}
}

// Empty reports whether no certificate is recorded.
func (s Signatures) Empty() bool { return len(s.Certs) == 0 }

// Clone returns an independent copy.
func (s Signatures) Clone() Signatures {
	return NewSignatures(s.Certs...)
}

func (s Signatures) set() map[string]struct{} {
	m := make(map[string]struct{}, len(s.Certs))
	for _, c := range s.Certs {
		m[c] = struct{}{}
	}
	return m
}

// ExactMatch reports whether both sets contain the same certificates.
// A package signed by a superset or subset does not match.
func (s Signatures) ExactMatch(other Signatures) bool {
	a, b := s.set(), other.set()
	if len(a) != len(b) {
		return false
	}
	for c := range a {
		if _, ok := b[c]; !ok {
			return false
		}
	}
	return true
}

// Digest returns a stable blake3 digest of the certificate set,
// independent of order.
func (s Signatures) Digest() string {
	certs := append([]string(nil), s.Certs...)
	sort.Strings(certs)

	h := blake3.New()
	for _, c := range certs {
		_, _ = h.Write([]byte(c))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
