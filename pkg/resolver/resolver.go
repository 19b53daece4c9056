// Package resolver answers byte-range reads of blobs that may only be
// available as manifest chunks.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"kachery/pkg/core"
	"kachery/pkg/storage"
	"kachery/pkg/types"
	"kachery/pkg/uri"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const DefaultManifestCacheSize = 256

// LocalStore is the slice of the disk adapter the resolver reads through.
type LocalStore interface {
	Size(ctx context.Context, hash types.Hash) (int64, error)
	ReadAll(ctx context.Context, hash types.Hash) ([]byte, error)
	CopyByteRange(ctx context.Context, hash types.Hash, start, end int64, w io.Writer) (int64, error)
}

// Fetcher brings a blob into the local store from elsewhere (daemon, mirror).
// After a nil return the blob must be loadable from the LocalStore.
type Fetcher interface {
	Fetch(ctx context.Context, fk uri.FileKey) error
}

// ManifestCache is a shared cache of verified manifests, keyed by manifest digest.
type ManifestCache interface {
	GetManifest(ctx context.Context, manifestHash types.Hash) (*core.Manifest, error)
	PutManifest(ctx context.Context, manifestHash types.Hash, m *core.Manifest) error
}

type Resolver struct {
	local  LocalStore
	remote Fetcher
	shared ManifestCache
	cache  *lru.Cache
	log    *zap.Logger
}

type Option func(*Resolver)

func WithFetcher(f Fetcher) Option { return func(r *Resolver) { r.remote = f } }

func WithManifestCache(mc ManifestCache) Option { return func(r *Resolver) { r.shared = mc } }

func WithLogger(log *zap.Logger) Option { return func(r *Resolver) { r.log = log.Named("resolver") } }

func New(local LocalStore, cacheSize int, opts ...Option) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultManifestCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	r := &Resolver{local: local, cache: cache, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// LoadByteRange returns bytes [start, end) of hash.
func (r *Resolver) LoadByteRange(ctx context.Context, hash, manifestHash types.Hash, start, end int64) ([]byte, error) {
	var buf bytes.Buffer
	if end > start {
		buf.Grow(int(end - start))
	}
	if _, err := r.CopyByteRange(ctx, hash, manifestHash, start, end, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CopyByteRange streams bytes [start, end) of hash into w.
//
// A locally loadable blob is read directly. Otherwise the manifest is
// resolved and only the chunks intersecting the range are read (and fetched
// if needed), in chunk order. Without a manifest the whole blob is fetched.
func (r *Resolver) CopyByteRange(ctx context.Context, hash, manifestHash types.Hash, start, end int64, w io.Writer) (int64, error) {
	// 1. fast path
	n, err := r.local.CopyByteRange(ctx, hash, start, end, w)
	if err == nil || !storage.IsNotFound(err) {
		return n, err
	}

	// 2. no manifest: the blob has to come whole
	if manifestHash.IsZero() {
		if err := r.fetch(ctx, uri.FileKey{Sha1: hash}); err != nil {
			return 0, err
		}
		return r.local.CopyByteRange(ctx, hash, start, end, w)
	}

	// 3. chunked
	m, err := r.Manifest(ctx, hash, manifestHash)
	if err != nil {
		return 0, err
	}
	if err := storage.CheckRange(start, end, m.Size); err != nil {
		return 0, err
	}
	if start == end {
		return 0, nil
	}

	chunks := m.Overlapping(start, end)
	if len(chunks) > 4 {
		r.log.Info("loading chunks", zap.Stringer("hash", hash), zap.Int("count", len(chunks)))
	}
	// every chunk must be present before w sees a byte
	for _, c := range chunks {
		if err := r.ensureChunk(ctx, hash, c); err != nil {
			return 0, err
		}
	}
	var written int64
	for _, c := range chunks {
		lo, hi := c.LocalRange(start, end)
		n, err := r.local.CopyByteRange(ctx, c.Sha1, lo, hi, w)
		written += n
		if err != nil {
			return written, fmt.Errorf("failed to read chunk [%d,%d) of %s: %w", c.Start, c.End, hash, err)
		}
	}
	return written, nil
}

// Manifest returns the verified manifest of hash.
func (r *Resolver) Manifest(ctx context.Context, hash, manifestHash types.Hash) (*core.Manifest, error) {
	if v, ok := r.cache.Get(manifestHash); ok {
		m := v.(*core.Manifest)
		return m, m.Verify(hash)
	}

	if r.shared != nil {
		m, err := r.shared.GetManifest(ctx, manifestHash)
		if err != nil {
			r.log.Warn("shared manifest cache unavailable", zap.Error(err))
		} else if m != nil {
			r.cache.Add(manifestHash, m)
			return m, m.Verify(hash)
		}
	}

	raw, err := r.local.ReadAll(ctx, manifestHash)
	if storage.IsNotFound(err) {
		if err := r.fetch(ctx, uri.FileKey{Sha1: manifestHash}); err != nil {
			return nil, fmt.Errorf("unable to load manifest %s: %w", manifestHash, err)
		}
		raw, err = r.local.ReadAll(ctx, manifestHash)
	}
	if err != nil {
		return nil, err
	}
	if got := core.Sum(raw); got != manifestHash {
		return nil, fmt.Errorf("%w: manifest blob hashes to %s, expected %s", storage.ErrIntegrity, got, manifestHash)
	}

	m, err := core.DecodeManifest(raw)
	if err != nil {
		return nil, err
	}
	if err := m.Verify(hash); err != nil {
		return nil, err
	}

	r.cache.Add(manifestHash, m)
	if r.shared != nil {
		if err := r.shared.PutManifest(ctx, manifestHash, m); err != nil {
			r.log.Warn("failed to share manifest", zap.Stringer("manifest", manifestHash), zap.Error(err))
		}
	}
	return m, nil
}

func (r *Resolver) ensureChunk(ctx context.Context, parent types.Hash, c core.Chunk) error {
	size, err := r.local.Size(ctx, c.Sha1)
	if storage.IsNotFound(err) {
		fk := uri.FileKey{
			Sha1: c.Sha1,
			ChunkOf: &uri.ChunkOf{
				FileKey:   uri.FileKey{Sha1: parent},
				StartByte: c.Start,
				EndByte:   c.End,
			},
		}
		if err := r.fetch(ctx, fk); err != nil {
			return fmt.Errorf("problem loading chunk %s: %w", uri.ChunkURI(c.Sha1, parent, c.Start, c.End), err)
		}
		size, err = r.local.Size(ctx, c.Sha1)
	}
	if err != nil {
		return err
	}
	if size != c.Len() {
		return fmt.Errorf("%w: chunk %s has %d bytes, manifest says %d", storage.ErrIntegrity, c.Sha1, size, c.Len())
	}
	return nil
}

func (r *Resolver) fetch(ctx context.Context, fk uri.FileKey) error {
	if r.remote == nil {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, fk.Sha1)
	}
	err := r.remote.Fetch(ctx, fk)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.log.Debug("fetch failed", zap.Stringer("hash", fk.Sha1), zap.Error(err))
	}
	return err
}
