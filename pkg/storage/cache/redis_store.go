package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"kachery/pkg/core"
	"kachery/pkg/storage"
	"kachery/pkg/types"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	blobPrefix     = "kachery:blob:"
	manifestPrefix = "kachery:manifest:"
)

// CachedStore decorates a slow storage.Store (usually the S3 mirror) with a
// Redis existence cache, and doubles as a shared cache of decoded manifests.
type CachedStore struct {
	backend storage.Store
	client  *redis.Client
	ttl     time.Duration
	log     *zap.Logger
}

type Config struct {
	RedisURL string // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration
}

func NewCachedStore(backend storage.Store, cfg Config, log *zap.Logger) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// fail fast
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
		log:     log.Named("cache"),
	}, nil
}

func (s *CachedStore) Close() error { return s.client.Close() }

func (s *CachedStore) blobKey(hash types.Hash) string { return blobPrefix + hash.String() }

func (s *CachedStore) manifestKey(hash types.Hash) string { return manifestPrefix + hash.String() }

// Has answers from Redis when it can and falls back to the backend. A Redis
// failure degrades to uncached behaviour.
func (s *CachedStore) Has(ctx context.Context, hash types.Hash) (bool, error) {
	key := s.blobKey(hash)

	// 1. Redis
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.log.Warn("redis exists failed", zap.String("key", key), zap.Error(err))
	} else if val > 0 {
		return true, nil
	}

	// 2. backend
	found, err := s.backend.Has(ctx, hash)
	if err != nil {
		return false, err
	}

	// 3. fill asynchronously; the caller's ctx may already be done
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}
	return found, nil
}

func (s *CachedStore) Put(ctx context.Context, hash types.Hash, r io.Reader) error {
	exists, err := s.Has(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.backend.Put(ctx, hash, r); err != nil {
		return err
	}

	// only mark after the backend accepted it
	if err := s.client.Set(ctx, s.blobKey(hash), "1", s.ttl).Err(); err != nil {
		s.log.Warn("redis set failed", zap.Stringer("hash", hash), zap.Error(err))
	}
	return nil
}

// Get passes through. Blob bytes are never cached in Redis.
func (s *CachedStore) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	return s.backend.Get(ctx, hash)
}

// GetManifest returns a cached manifest, or (nil, nil) on a miss.
func (s *CachedStore) GetManifest(ctx context.Context, manifestHash types.Hash) (*core.Manifest, error) {
	raw, err := s.client.Get(ctx, s.manifestKey(manifestHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m core.Manifest
	if err := core.DecodeCanonical(raw, &m); err != nil {
		// a corrupt entry is just a miss
		s.log.Warn("dropping undecodable manifest entry", zap.Stringer("manifest", manifestHash), zap.Error(err))
		s.client.Del(ctx, s.manifestKey(manifestHash))
		return nil, nil
	}
	return &m, nil
}

// PutManifest stores a verified manifest under its digest.
func (s *CachedStore) PutManifest(ctx context.Context, manifestHash types.Hash, m *core.Manifest) error {
	raw, err := core.EncodeCanonical(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.manifestKey(manifestHash), raw, s.ttl).Err()
}

var _ storage.Store = (*CachedStore)(nil)
