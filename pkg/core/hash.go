package core

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"

	"kachery/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR options for values kept in caches.
// Identical values must encode to identical bytes.
var encOptions = cbor.EncOptions{
	// 1. sorted map keys
	Sort: cbor.SortCanonical,

	// 2. fixed-width floats so mtimes survive a round trip
	ShortestFloat: cbor.ShortestFloatNone,
	Time:          cbor.TimeUnix,
	TimeTag:       cbor.EncTagNone,

	// 3. definite lengths only
	IndefLength: cbor.IndefLengthForbidden,
}

var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	// bound container sizes; a manifest for a 2TB file has 100k chunks
	MaxArrayElements: 1 << 17,
	MaxMapPairs:      10000,
	MaxNestedLevels:  32,

	IndefLength: cbor.IndefLengthForbidden,
	DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	TimeTag:     cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// EncodeCanonical serializes v as canonical CBOR.
func EncodeCanonical(v any) ([]byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return data, nil
}

// DecodeCanonical is the inverse of EncodeCanonical.
func DecodeCanonical(data []byte, v any) error {
	return dm.Unmarshal(data, v)
}

// Digester accumulates a running sha1.
type Digester struct {
	h hash.Hash
}

func NewDigester() *Digester { return &Digester{h: sha1.New()} }

func (d *Digester) Write(p []byte) (int, error) { return d.h.Write(p) }

func (d *Digester) Sum() types.Hash { return types.Hash(hex.EncodeToString(d.h.Sum(nil))) }

// Sum computes the digest of an in-memory payload.
func Sum(data []byte) types.Hash {
	s := sha1.Sum(data)
	return types.Hash(hex.EncodeToString(s[:]))
}

// SumString hashes the UTF-8 bytes of s.
func SumString(s string) types.Hash { return Sum([]byte(s)) }

// DigestReader consumes r and returns its digest and length.
func DigestReader(r io.Reader) (types.Hash, int64, error) {
	d := NewDigester()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, err
	}
	return d.Sum(), n, nil
}

// DigestFile hashes the file at path.
func DigestFile(path string) (types.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, _, err := DigestReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h, nil
}

// CompactJSON encodes v without whitespace or HTML escaping. Map keys come
// out sorted, so for maps and primitives the output is canonical.
func CompactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// SumObject hashes the compact JSON encoding of v.
func SumObject(v any) (types.Hash, error) {
	data, err := CompactJSON(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode object: %w", err)
	}
	return Sum(data), nil
}
