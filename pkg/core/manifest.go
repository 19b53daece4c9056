package core

import (
	"encoding/json"
	"fmt"

	"kachery/pkg/storage"
	"kachery/pkg/types"
)

// Chunk is one fixed-size slice [Start, End) of a manifest file.
type Chunk struct {
	Start int64      `json:"start" cbor:"start"`
	End   int64      `json:"end" cbor:"end"`
	Sha1  types.Hash `json:"sha1" cbor:"sha1"`
}

func (c Chunk) Len() int64 { return c.End - c.Start }

// Overlaps reports whether [start, end) intersects the chunk.
// Touching intervals (start == c.End or end == c.Start) do not overlap.
func (c Chunk) Overlaps(start, end int64) bool {
	return start < c.End && end > c.Start
}

// LocalRange maps a logical range onto chunk-relative offsets.
func (c Chunk) LocalRange(start, end int64) (int64, int64) {
	return max(0, start-c.Start), min(c.End-c.Start, end-c.Start)
}

// Manifest describes how a large blob is split into chunks.
// It is stored as a JSON blob under its own digest.
type Manifest struct {
	Size   int64      `json:"size" cbor:"size"`
	Sha1   types.Hash `json:"sha1" cbor:"sha1"`
	Chunks []Chunk    `json:"chunks" cbor:"chunks"`
}

// Encode returns the compact JSON wire form.
func (m *Manifest) Encode() ([]byte, error) {
	return CompactJSON(m)
}

// DecodeManifest parses the JSON wire form and checks the layout invariants.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupted manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that chunks are contiguous, sorted, and cover [0, Size).
func (m *Manifest) Validate() error {
	var pos int64
	for i, c := range m.Chunks {
		if c.Start != pos || c.End <= c.Start {
			return fmt.Errorf("%w: manifest chunk %d has range [%d,%d), expected start %d",
				storage.ErrIntegrity, i, c.Start, c.End, pos)
		}
		pos = c.End
	}
	if pos != m.Size {
		return fmt.Errorf("%w: manifest chunks cover %d bytes, size is %d", storage.ErrIntegrity, pos, m.Size)
	}
	return nil
}

// Verify checks that the manifest describes the expected digest.
func (m *Manifest) Verify(expected types.Hash) error {
	if m.Sha1 != expected {
		return fmt.Errorf("%w: manifest sha1 %s does not match expected %s", storage.ErrIntegrity, m.Sha1, expected)
	}
	return nil
}

// Overlapping returns the chunks intersecting [start, end), in order.
func (m *Manifest) Overlapping(start, end int64) []Chunk {
	var out []Chunk
	for _, c := range m.Chunks {
		if c.Overlaps(start, end) {
			out = append(out, c)
		}
	}
	return out
}
