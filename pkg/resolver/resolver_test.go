package resolver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"kachery/pkg/core"
	"kachery/pkg/storage"
	"kachery/pkg/storage/disk"
	"kachery/pkg/types"
	"kachery/pkg/uri"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*131 + i/251)
	}
	return data
}

// chunkedFixture is a blob known only through its manifest and chunks.
type chunkedFixture struct {
	store        *disk.Adapter
	data         []byte
	hash         types.Hash
	manifestHash types.Hash
	manifest     *core.Manifest
	chunkData    map[types.Hash][]byte
}

// newChunkedFixture stores the manifest and (optionally) the chunks of data,
// but never the whole blob.
func newChunkedFixture(t *testing.T, data []byte, chunking core.Chunking, storeChunks bool) *chunkedFixture {
	t.Helper()
	ctx := context.Background()
	store, err := disk.NewAdapter(t.TempDir(), disk.WithChunking(chunking))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(path, data, 0644))
	hash, m, err := chunking.ComputeManifest(path, nil)
	require.NoError(t, err)
	require.NotNil(t, m)

	raw, err := m.Encode()
	require.NoError(t, err)
	mh, err := store.StoreBytes(ctx, raw)
	require.NoError(t, err)

	f := &chunkedFixture{
		store: store, data: data, hash: hash, manifestHash: mh, manifest: m,
		chunkData: make(map[types.Hash][]byte),
	}
	for _, c := range m.Chunks {
		part := data[c.Start:c.End]
		f.chunkData[c.Sha1] = part
		if storeChunks {
			_, err := store.StoreBytes(ctx, part)
			require.NoError(t, err)
		}
	}

	ok, err := store.Has(ctx, hash)
	require.NoError(t, err)
	require.False(t, ok, "whole blob must not be stored")
	return f
}

// spyFetcher serves chunk bytes from memory into the local store.
type spyFetcher struct {
	store *disk.Adapter
	blobs map[types.Hash][]byte

	mu   sync.Mutex
	keys []uri.FileKey
}

func (s *spyFetcher) Fetch(ctx context.Context, fk uri.FileKey) error {
	s.mu.Lock()
	s.keys = append(s.keys, fk)
	s.mu.Unlock()
	data, ok := s.blobs[fk.Sha1]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, fk.Sha1)
	}
	_, err := s.store.StoreBytes(ctx, data)
	return err
}

func TestResolver_EndToEnd25MB(t *testing.T) {
	data := pattern(25_000_000)
	f := newChunkedFixture(t, data, core.DefaultChunking(), true)

	require.Len(t, f.manifest.Chunks, 2)
	assert.Equal(t, int64(0), f.manifest.Chunks[0].Start)
	assert.Equal(t, int64(20_000_000), f.manifest.Chunks[0].End)
	assert.Equal(t, int64(20_000_000), f.manifest.Chunks[1].Start)
	assert.Equal(t, int64(25_000_000), f.manifest.Chunks[1].End)

	r, err := New(f.store, 0)
	require.NoError(t, err)

	got, err := r.LoadByteRange(context.Background(), f.hash, f.manifestHash, 19_999_990, 20_000_010)
	require.NoError(t, err)
	assert.Len(t, got, 20)
	assert.Equal(t, data[19_999_990:20_000_010], got)
}

func TestResolver_SubRanges(t *testing.T) {
	data := pattern(350)
	f := newChunkedFixture(t, data, core.Chunking{Threshold: 100, ChunkSize: 100}, true)
	r, err := New(f.store, 0)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name       string
		start, end int64
	}{
		{"whole", 0, 350},
		{"inside first chunk", 10, 20},
		{"ends on boundary", 50, 100},
		{"starts on boundary", 100, 150},
		{"exact chunk", 100, 200},
		{"cross one boundary", 95, 105},
		{"cross every boundary", 1, 349},
		{"short tail chunk", 300, 350},
		{"last byte", 349, 350},
		{"empty", 200, 200},
		{"empty at size", 350, 350},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.LoadByteRange(ctx, f.hash, f.manifestHash, tt.start, tt.end)
			require.NoError(t, err)
			assert.Equal(t, data[tt.start:tt.end], got)

			var buf bytes.Buffer
			n, err := r.CopyByteRange(ctx, f.hash, f.manifestHash, tt.start, tt.end, &buf)
			require.NoError(t, err)
			assert.Equal(t, tt.end-tt.start, n)
			assert.Equal(t, data[tt.start:tt.end], buf.Bytes())
		})
	}
}

func TestResolver_InvalidRange(t *testing.T) {
	f := newChunkedFixture(t, pattern(350), core.Chunking{Threshold: 100, ChunkSize: 100}, true)
	r, err := New(f.store, 0)
	require.NoError(t, err)

	for _, rg := range [][2]int64{{-1, 5}, {0, 351}, {200, 100}, {351, 351}} {
		_, err := r.LoadByteRange(context.Background(), f.hash, f.manifestHash, rg[0], rg[1])
		assert.ErrorIs(t, err, storage.ErrInvalidRange, "%v", rg)
	}
}

func TestResolver_FetchesOnlyNeededChunks(t *testing.T) {
	data := pattern(350)
	f := newChunkedFixture(t, data, core.Chunking{Threshold: 100, ChunkSize: 100}, false)
	fetcher := &spyFetcher{store: f.store, blobs: f.chunkData}
	r, err := New(f.store, 0, WithFetcher(fetcher))
	require.NoError(t, err)

	got, err := r.LoadByteRange(context.Background(), f.hash, f.manifestHash, 150, 250)
	require.NoError(t, err)
	assert.Equal(t, data[150:250], got)

	require.Len(t, fetcher.keys, 2)
	for i, fk := range fetcher.keys {
		c := f.manifest.Chunks[i+1]
		assert.Equal(t, c.Sha1, fk.Sha1)
		require.NotNil(t, fk.ChunkOf)
		assert.Equal(t, f.hash, fk.ChunkOf.FileKey.Sha1)
		assert.Equal(t, c.Start, fk.ChunkOf.StartByte)
		assert.Equal(t, c.End, fk.ChunkOf.EndByte)
	}
}

func TestResolver_MissingChunkFailsWholeCall(t *testing.T) {
	f := newChunkedFixture(t, pattern(350), core.Chunking{Threshold: 100, ChunkSize: 100}, false)

	r, err := New(f.store, 0)
	require.NoError(t, err)
	_, err = r.LoadByteRange(context.Background(), f.hash, f.manifestHash, 0, 350)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// a fetcher that knows only the first chunk still fails the call
	first := f.manifest.Chunks[0]
	fetcher := &spyFetcher{store: f.store, blobs: map[types.Hash][]byte{first.Sha1: f.chunkData[first.Sha1]}}
	r, err = New(f.store, 0, WithFetcher(fetcher))
	require.NoError(t, err)
	got, err := r.LoadByteRange(context.Background(), f.hash, f.manifestHash, 0, 350)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Nil(t, got)
}

func TestResolver_CopyByteRangeWritesNothingOnMissingChunk(t *testing.T) {
	f := newChunkedFixture(t, pattern(350), core.Chunking{Threshold: 100, ChunkSize: 100}, false)

	first := f.manifest.Chunks[0]
	fetcher := &spyFetcher{store: f.store, blobs: map[types.Hash][]byte{first.Sha1: f.chunkData[first.Sha1]}}
	r, err := New(f.store, 0, WithFetcher(fetcher))
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := r.CopyByteRange(context.Background(), f.hash, f.manifestHash, 0, 350, &buf)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, n)
	assert.Zero(t, buf.Len())
}

func TestResolver_ManifestMismatch(t *testing.T) {
	f := newChunkedFixture(t, pattern(350), core.Chunking{Threshold: 100, ChunkSize: 100}, true)
	r, err := New(f.store, 0)
	require.NoError(t, err)

	other := core.SumString("some other blob")
	_, err = r.LoadByteRange(context.Background(), other, f.manifestHash, 0, 10)
	assert.ErrorIs(t, err, storage.ErrIntegrity)

	// also when served from the LRU
	_, err = r.LoadByteRange(context.Background(), f.hash, f.manifestHash, 0, 10)
	require.NoError(t, err)
	_, err = r.LoadByteRange(context.Background(), other, f.manifestHash, 0, 10)
	assert.ErrorIs(t, err, storage.ErrIntegrity)
}

func TestResolver_ManifestIsCached(t *testing.T) {
	data := pattern(350)
	f := newChunkedFixture(t, data, core.Chunking{Threshold: 100, ChunkSize: 100}, true)
	r, err := New(f.store, 0)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.LoadByteRange(ctx, f.hash, f.manifestHash, 0, 1)
	require.NoError(t, err)

	require.NoError(t, os.Remove(f.store.BlobPath(f.manifestHash)))

	got, err := r.LoadByteRange(ctx, f.hash, f.manifestHash, 120, 130)
	require.NoError(t, err)
	assert.Equal(t, data[120:130], got)
}

// mapManifestCache is an in-memory ManifestCache.
type mapManifestCache struct {
	m    map[types.Hash]*core.Manifest
	puts int
}

func (c *mapManifestCache) GetManifest(ctx context.Context, h types.Hash) (*core.Manifest, error) {
	return c.m[h], nil
}

func (c *mapManifestCache) PutManifest(ctx context.Context, h types.Hash, m *core.Manifest) error {
	c.puts++
	c.m[h] = m
	return nil
}

func TestResolver_SharedManifestCache(t *testing.T) {
	data := pattern(350)
	f := newChunkedFixture(t, data, core.Chunking{Threshold: 100, ChunkSize: 100}, true)
	shared := &mapManifestCache{m: map[types.Hash]*core.Manifest{}}
	ctx := context.Background()

	r1, err := New(f.store, 0, WithManifestCache(shared))
	require.NoError(t, err)
	_, err = r1.Manifest(ctx, f.hash, f.manifestHash)
	require.NoError(t, err)
	assert.Equal(t, 1, shared.puts)

	// a fresh resolver finds it without the manifest blob
	require.NoError(t, os.Remove(f.store.BlobPath(f.manifestHash)))
	r2, err := New(f.store, 0, WithManifestCache(shared))
	require.NoError(t, err)
	got, err := r2.LoadByteRange(ctx, f.hash, f.manifestHash, 0, 350)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, shared.puts)
}

func TestResolver_CorruptChunkSize(t *testing.T) {
	f := newChunkedFixture(t, pattern(350), core.Chunking{Threshold: 100, ChunkSize: 100}, true)
	c := f.manifest.Chunks[1]
	require.NoError(t, os.WriteFile(f.store.BlobPath(c.Sha1), []byte("short"), 0644))

	r, err := New(f.store, 0)
	require.NoError(t, err)
	_, err = r.LoadByteRange(context.Background(), f.hash, f.manifestHash, 90, 110)
	assert.ErrorIs(t, err, storage.ErrIntegrity)
}

func TestResolver_LocalFastPath(t *testing.T) {
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	data := pattern(1000)
	h, err := store.StoreBytes(context.Background(), data)
	require.NoError(t, err)

	r, err := New(store, 0)
	require.NoError(t, err)

	// no manifest needed when the blob is local
	got, err := r.LoadByteRange(context.Background(), h, core.SumString("unused"), 10, 20)
	require.NoError(t, err)
	assert.Equal(t, data[10:20], got)
}

func TestResolver_WholeBlobFetch(t *testing.T) {
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	data := pattern(1000)
	h := core.Sum(data)

	r, err := New(store, 0)
	require.NoError(t, err)
	_, err = r.LoadByteRange(context.Background(), h, "", 0, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	fetcher := &spyFetcher{store: store, blobs: map[types.Hash][]byte{h: data}}
	r, err = New(store, 0, WithFetcher(fetcher))
	require.NoError(t, err)
	got, err := r.LoadByteRange(context.Background(), h, "", 990, 1000)
	require.NoError(t, err)
	assert.Equal(t, data[990:], got)
	require.Len(t, fetcher.keys, 1)
	assert.Nil(t, fetcher.keys[0].ChunkOf)
}
