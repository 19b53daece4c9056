// pkg/types/common.go
package types

import "strings"

// Algorithm names the digest scheme of a ContentKey.
type Algorithm string

const (
	SHA1 Algorithm = "sha1"
)

// HexLen returns the digest length in hex characters, or 0 if unknown.
func (a Algorithm) HexLen() int {
	switch a {
	case SHA1:
		return 40
	default:
		return 0
	}
}

// Hash is a lowercase hex digest. It is a value object and must not be mutated.
type Hash string

func (h Hash) String() string { return string(h) }

func (h Hash) IsZero() bool { return h == "" }

// IsValid checks length and alphabet for a sha1 digest.
func (h Hash) IsValid() bool {
	if len(h) != SHA1.HexLen() {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Shards returns the three nested directory levels used by the on-disk layout.
func (h Hash) Shards() (string, string, string) {
	s := string(h)
	return s[0:2], s[2:4], s[4:6]
}

// ContentKey identifies byte content globally.
type ContentKey struct {
	Algorithm Algorithm
	Hash      Hash
}

// Key builds a sha1 ContentKey.
func Key(h Hash) ContentKey { return ContentKey{Algorithm: SHA1, Hash: h} }

func (k ContentKey) String() string { return string(k.Algorithm) + "://" + string(k.Hash) }

func (k ContentKey) IsValid() bool {
	return k.Algorithm == SHA1 && k.Hash.IsValid()
}

// ParseHash normalizes user input into a Hash.
func ParseHash(s string) (Hash, bool) {
	h := Hash(strings.ToLower(strings.TrimSpace(s)))
	return h, h.IsValid()
}
