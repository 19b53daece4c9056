package exporter

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"kachery/pkg/core"
	"kachery/pkg/ingester"
	"kachery/pkg/resolver"
	"kachery/pkg/storage"
	"kachery/pkg/storage/disk"
	"kachery/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *disk.Adapter
	exp   *Exporter
	data  []byte
	res   *ingester.Result
}

func setupChunked(t *testing.T) *fixture {
	t.Helper()
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	chunking := core.Chunking{Threshold: 64 * 1024, ChunkSize: 50 * 1024}

	data := make([]byte, 500*1024)
	_, err = rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))

	res, err := ingester.NewIngester(store, chunking).IngestFile(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, res.Manifest)

	r, err := resolver.New(store, 0)
	require.NoError(t, err)
	return &fixture{store: store, exp: NewExporter(r, nil), data: data, res: res}
}

func TestReassemble_RoundTrip(t *testing.T) {
	f := setupChunked(t)

	var buf bytes.Buffer
	n, err := f.exp.Reassemble(context.Background(), f.res.Hash, f.res.ManifestHash, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(f.data)), n)
	assert.True(t, bytes.Equal(f.data, buf.Bytes()), "reassembled bytes differ")
}

func TestExportFile_Atomic(t *testing.T) {
	f := setupChunked(t)
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "out", "model.bin")

	require.NoError(t, f.exp.ExportFile(ctx, f.res.Hash, f.res.ManifestHash, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, f.data, got)

	// drop a chunk: the next export fails and leaves dest as it was
	require.NoError(t, os.WriteFile(dest, []byte("previous"), 0644))
	last := f.res.Manifest.Chunks[len(f.res.Manifest.Chunks)-1]
	require.NoError(t, os.Remove(f.store.BlobPath(last.Sha1)))

	err = f.exp.ExportFile(ctx, f.res.Hash, f.res.ManifestHash, dest)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("previous"), got)
}

func TestMaterialize(t *testing.T) {
	f := setupChunked(t)
	ctx := context.Background()

	require.NoError(t, f.exp.Materialize(ctx, f.res.Hash, f.res.ManifestHash, f.store))

	got, err := f.store.ReadAll(ctx, f.res.Hash)
	require.NoError(t, err)
	assert.Equal(t, f.data, got)

	// already present: no-op
	require.NoError(t, f.exp.Materialize(ctx, f.res.Hash, f.res.ManifestHash, f.store))
}

// lyingSource serves a manifest whose chunks do not add up to the digest.
type lyingSource struct {
	m    *core.Manifest
	data []byte
}

func (s *lyingSource) Manifest(ctx context.Context, hash, mh types.Hash) (*core.Manifest, error) {
	return s.m, nil
}

func (s *lyingSource) CopyByteRange(ctx context.Context, hash, mh types.Hash, start, end int64, w io.Writer) (int64, error) {
	n, err := w.Write(s.data[start:end])
	return int64(n), err
}

func TestReassemble_DigestMismatch(t *testing.T) {
	data := []byte("0123456789")
	claimed := core.SumString("not these bytes")
	src := &lyingSource{
		data: data,
		m: &core.Manifest{Size: 10, Sha1: claimed, Chunks: []core.Chunk{
			{Start: 0, End: 5, Sha1: core.Sum(data[:5])},
			{Start: 5, End: 10, Sha1: core.Sum(data[5:])},
		}},
	}
	exp := NewExporter(src, nil)

	_, err := exp.Reassemble(context.Background(), claimed, core.SumString("m"), io.Discard)
	assert.ErrorIs(t, err, storage.ErrIntegrity)

	dest := filepath.Join(t.TempDir(), "x")
	err = exp.ExportFile(context.Background(), claimed, core.SumString("m"), dest)
	assert.ErrorIs(t, err, storage.ErrIntegrity)
	assert.NoFileExists(t, dest)

	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	err = exp.Materialize(context.Background(), claimed, core.SumString("m"), store)
	assert.Error(t, err)
	ok, err := store.Has(context.Background(), claimed)
	require.NoError(t, err)
	assert.False(t, ok)
}
