package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kachery/pkg/core"
	"kachery/pkg/storage"
	"kachery/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SpyStore counts backend calls so tests can tell whether Redis absorbed them.
type SpyStore struct {
	hasCount int32
	putCount int32
	mu       sync.Mutex
	objects  map[types.Hash][]byte
}

func NewSpyStore() *SpyStore {
	return &SpyStore{objects: make(map[types.Hash][]byte)}
}

func (s *SpyStore) Has(ctx context.Context, hash types.Hash) (bool, error) {
	atomic.AddInt32(&s.hasCount, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[hash]
	return ok, nil
}

func (s *SpyStore) Put(ctx context.Context, hash types.Hash, r io.Reader) error {
	atomic.AddInt32(&s.putCount, 1)
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[hash] = data
	return nil
}

func (s *SpyStore) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func setupCachedStore(t *testing.T) (*CachedStore, *SpyStore) {
	t.Helper()
	redisAddr := "localhost:6379"
	conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second)
	if err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	conn.Close()

	spy := NewSpyStore()
	cs, err := NewCachedStore(spy, Config{
		RedisURL: fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:      1 * time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs, spy
}

func TestCachedStore_Integration(t *testing.T) {
	cachedStore, spy := setupCachedStore(t)
	ctx := context.Background()

	data := []byte("cached blob " + time.Now().String())
	hash := core.Sum(data)
	cachedStore.client.Del(ctx, cachedStore.blobKey(hash))

	// 1. miss goes to the backend
	exists, err := cachedStore.Has(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.hasCount), "Backend Has() should be called on miss")

	// 2. write-through
	require.NoError(t, cachedStore.Put(ctx, hash, bytes.NewReader(data)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.putCount), "Backend Put() should be called")

	n, err := cachedStore.client.Exists(ctx, cachedStore.blobKey(hash)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "Redis key should be set after Put")

	// 3. hit never reaches the backend (Put's own Has made it 2)
	exists, err = cachedStore.Has(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int32(2), atomic.LoadInt32(&spy.hasCount), "Backend Has() should NOT be called on hit")

	// 4. Get passes through
	rc, err := cachedStore.Get(ctx, hash)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCachedStore_Manifests(t *testing.T) {
	cachedStore, _ := setupCachedStore(t)
	ctx := context.Background()

	m := &core.Manifest{
		Size: 30,
		Sha1: core.SumString("whole"),
		Chunks: []core.Chunk{
			{Start: 0, End: 20, Sha1: core.SumString("a")},
			{Start: 20, End: 30, Sha1: core.SumString("b")},
		},
	}
	raw, err := m.Encode()
	require.NoError(t, err)
	mh := core.Sum(raw)
	cachedStore.client.Del(ctx, cachedStore.manifestKey(mh))

	got, err := cachedStore.GetManifest(ctx, mh)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cachedStore.PutManifest(ctx, mh, m))

	got, err = cachedStore.GetManifest(ctx, mh)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	// garbage in the slot reads as a miss and is evicted
	require.NoError(t, cachedStore.client.Set(ctx, cachedStore.manifestKey(mh), "not cbor", time.Minute).Err())
	got, err = cachedStore.GetManifest(ctx, mh)
	require.NoError(t, err)
	assert.Nil(t, got)
}
