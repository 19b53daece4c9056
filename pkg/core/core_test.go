package core

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"kachery/pkg/storage"
	"kachery/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// digests
// -----------------------------------------------------------------------------

func TestSum_KnownVectors(t *testing.T) {
	assert.Equal(t, types.Hash("da39a3ee5e6b4b0d3255bfef95601890afd80709"), Sum(nil))
	assert.Equal(t, types.Hash("a9993e364706816aba3e25717850c26c9cd0d89d"), SumString("abc"))

	h, n, err := DigestReader(bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, SumString("abc"), h)
}

func TestSumObject_SortedKeys(t *testing.T) {
	a, err := SumObject(map[string]any{"b": 1, "a": []any{"x", 2}})
	require.NoError(t, err)

	// same content, different insertion order
	b, err := SumObject(map[string]any{"a": []any{"x", 2}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.Equal(t, SumString(`{"a":["x",2],"b":1}`), a)
}

func TestCanonicalCBOR_RoundTrip(t *testing.T) {
	m := &Manifest{Size: 3, Sha1: SumString("abc"), Chunks: []Chunk{{0, 3, SumString("abc")}}}

	data1, err := EncodeCanonical(m)
	require.NoError(t, err)
	data2, err := EncodeCanonical(m)
	require.NoError(t, err)
	assert.Equal(t, data1, data2, "encoding must be deterministic")

	var out Manifest
	require.NoError(t, DecodeCanonical(data1, &out))
	assert.Equal(t, *m, out)
}

// -----------------------------------------------------------------------------
// manifests
// -----------------------------------------------------------------------------

func TestComputeManifest_SmallFileHasNoManifest(t *testing.T) {
	data := []byte("hello kachery")
	path := mustWriteFile(t, data)

	h, m, err := DefaultChunking().ComputeManifest(path, nil)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, Sum(data), h)
}

func TestComputeManifest_ThresholdIsExclusive(t *testing.T) {
	data := pattern(100)
	path := mustWriteFile(t, data)

	_, m, err := Chunking{Threshold: 100, ChunkSize: 30}.ComputeManifest(path, nil)
	require.NoError(t, err)
	assert.Nil(t, m, "size == threshold stays unchunked")

	_, m, err = Chunking{Threshold: 99, ChunkSize: 30}.ComputeManifest(path, nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Len(t, m.Chunks, 4)
}

func TestComputeManifest_ChunkDigests(t *testing.T) {
	data := pattern(1000)
	path := mustWriteFile(t, data)

	h, m, err := Chunking{Threshold: 10, ChunkSize: 300}.ComputeManifest(path, nil)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, Sum(data), h)
	assert.Equal(t, h, m.Sha1)
	assert.Equal(t, int64(1000), m.Size)
	require.Len(t, m.Chunks, 4)
	require.NoError(t, m.Validate())

	for i, c := range m.Chunks {
		sum := sha1.Sum(data[c.Start:c.End])
		assert.Equal(t, hex.EncodeToString(sum[:]), c.Sha1.String(), "chunk %d", i)
	}
	assert.Equal(t, Chunk{Start: 900, End: 1000, Sha1: Sum(data[900:])}, m.Chunks[3])
}

func TestComputeManifest_Unreadable(t *testing.T) {
	_, _, err := DefaultChunking().ComputeManifest("/nonexistent/file", nil)
	assert.Error(t, err)
}

func TestManifest_EncodeDecode(t *testing.T) {
	data := pattern(50)
	path := mustWriteFile(t, data)
	_, m, err := Chunking{Threshold: 1, ChunkSize: 20}.ComputeManifest(path, nil)
	require.NoError(t, err)

	raw, err := m.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"chunks":[{"start":0,"end":20,"sha1":"`)

	back, err := DecodeManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, m, back)
	assert.NoError(t, back.Verify(Sum(data)))
	assert.ErrorIs(t, back.Verify(SumString("other")), storage.ErrIntegrity)
}

func TestManifest_ValidateRejectsGaps(t *testing.T) {
	tests := []struct {
		name string
		m    Manifest
	}{
		{"gap", Manifest{Size: 10, Chunks: []Chunk{{0, 4, ""}, {5, 10, ""}}}},
		{"short", Manifest{Size: 10, Chunks: []Chunk{{0, 4, ""}, {4, 8, ""}}}},
		{"not from zero", Manifest{Size: 10, Chunks: []Chunk{{1, 10, ""}}}},
		{"empty chunk", Manifest{Size: 10, Chunks: []Chunk{{0, 0, ""}, {0, 10, ""}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.m.Validate(), storage.ErrIntegrity)
		})
	}
}

func TestChunk_OverlapBoundaries(t *testing.T) {
	c := Chunk{Start: 10, End: 20}

	tests := []struct {
		name       string
		start, end int64
		want       bool
	}{
		{"start == chunk.end", 20, 30, false},
		{"end == chunk.start", 0, 10, false},
		{"last byte", 19, 20, true},
		{"first byte", 10, 11, true},
		{"covers", 0, 100, true},
		{"inside", 12, 15, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Overlaps(tt.start, tt.end))
		})
	}
}

func TestChunk_LocalRange(t *testing.T) {
	c := Chunk{Start: 20_000_000, End: 25_000_000}
	s, e := c.LocalRange(19_999_990, 20_000_010)
	assert.Equal(t, int64(0), s)
	assert.Equal(t, int64(10), e)

	first := Chunk{Start: 0, End: 20_000_000}
	s, e = first.LocalRange(19_999_990, 20_000_010)
	assert.Equal(t, int64(19_999_990), s)
	assert.Equal(t, int64(20_000_000), e)
}

func TestManifest_Overlapping(t *testing.T) {
	m := &Manifest{Size: 30, Chunks: []Chunk{{0, 10, "a"}, {10, 20, "b"}, {20, 30, "c"}}}

	assert.Equal(t, []Chunk{{10, 20, "b"}}, m.Overlapping(10, 20))
	assert.Equal(t, []Chunk{{0, 10, "a"}, {10, 20, "b"}}, m.Overlapping(9, 11))
	assert.Empty(t, m.Overlapping(30, 30))
}
