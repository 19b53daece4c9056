package ingester

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"kachery/pkg/core"
	"kachery/pkg/storage"
	"kachery/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Ingester writes files into a storage.Store as individually addressable
// chunks plus a manifest, so byte ranges can be served after the original
// file is gone.
type Ingester struct {
	store    storage.Store
	chunking core.Chunking
	workers  int
	log      *zap.Logger
}

type Option func(*Ingester)

func WithWorkers(n int) Option { return func(ing *Ingester) { ing.workers = n } }

func WithLogger(log *zap.Logger) Option { return func(ing *Ingester) { ing.log = log.Named("ingester") } }

func NewIngester(store storage.Store, chunking core.Chunking, opts ...Option) *Ingester {
	ing := &Ingester{
		store:    store,
		chunking: chunking,
		workers:  min(runtime.NumCPU(), 8),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ing)
	}
	if ing.workers < 1 {
		ing.workers = 1
	}
	return ing
}

// Result describes an ingested file. Manifest is nil for files at or below
// the chunk threshold; those are stored whole.
type Result struct {
	Hash         types.Hash
	ManifestHash types.Hash
	Manifest     *core.Manifest
}

// IngestFile hashes path and stores it: whole if small, otherwise as chunks
// plus the manifest blob.
func (ing *Ingester) IngestFile(ctx context.Context, path string) (*Result, error) {
	// 1. one hashing pass
	hash, m, err := ing.chunking.ComputeManifest(path, ing.log)
	if err != nil {
		return nil, err
	}

	// 2. small files go in whole
	if m == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := ing.store.Put(ctx, hash, f); err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", path, err)
		}
		return &Result{Hash: hash}, nil
	}

	// 3. chunks, then the manifest that names them
	if err := ing.StoreChunks(ctx, path, m); err != nil {
		return nil, err
	}
	raw, err := m.Encode()
	if err != nil {
		return nil, err
	}
	mh := core.Sum(raw)
	if err := ing.store.Put(ctx, mh, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to store manifest: %w", err)
	}
	return &Result{Hash: hash, ManifestHash: mh, Manifest: m}, nil
}

// StoreChunks stores every chunk of m, read from path, as its own blob.
// Chunks already present are skipped. Up to the worker limit run at once;
// the first failure cancels the rest.
func (ing *Ingester) StoreChunks(ctx context.Context, path string, m *core.Manifest) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != m.Size {
		return fmt.Errorf("%w: %s has %d bytes, manifest says %d", storage.ErrIntegrity, path, info.Size(), m.Size)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.workers)
	for i, c := range m.Chunks {
		g.Go(func() error {
			ok, err := ing.store.Has(ctx, c.Sha1)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			// each worker reads its own section; ReadAt is safe concurrently
			section := io.NewSectionReader(f, c.Start, c.Len())
			if err := ing.store.Put(ctx, c.Sha1, section); err != nil {
				return fmt.Errorf("failed to store chunk %d [%d,%d): %w", i, c.Start, c.End, err)
			}
			ing.log.Debug("stored chunk", zap.Int("index", i), zap.Stringer("sha1", c.Sha1))
			return nil
		})
	}
	return g.Wait()
}
