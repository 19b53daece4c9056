package disk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kachery/pkg/core"
	"kachery/pkg/meta"
	"kachery/pkg/storage"
	"kachery/pkg/types"

	"github.com/google/renameio"
	"go.uber.org/zap"
)

// below this size hashing is cheaper than an index lookup
const directHashSize = 100_000

// HashIndex remembers digests of files by (path, size, mtime) so unchanged
// large files are not re-hashed.
type HashIndex interface {
	GetFileDigest(ctx context.Context, path string, size, mtimeNs int64) (*meta.FileDigest, error)
	SaveFileDigest(ctx context.Context, d *meta.FileDigest) error
}

// Adapter is the local blob store. It implements storage.Store and adds the
// copy/link/range operations of the local storage directory.
type Adapter struct {
	rootPath string // <storage dir>/sha1
	chunking core.Chunking
	index    HashIndex
	log      *zap.Logger
}

type Option func(*Adapter)

func WithChunking(c core.Chunking) Option { return func(a *Adapter) { a.chunking = c } }

func WithHashIndex(idx HashIndex) Option { return func(a *Adapter) { a.index = idx } }

func WithLogger(log *zap.Logger) Option { return func(a *Adapter) { a.log = log.Named("disk") } }

// NewAdapter opens (creating if needed) the blob tree under storageDir.
func NewAdapter(storageDir string, opts ...Option) (*Adapter, error) {
	root := filepath.Join(storageDir, string(types.SHA1))
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	a := &Adapter{
		rootPath: root,
		chunking: core.DefaultChunking(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (s *Adapter) Chunking() core.Chunking { return s.chunking }

// layout maps a digest to <root>/d[0:2]/d[2:4]/d[4:6]/digest.
func (s *Adapter) layout(hash types.Hash) string {
	a, b, c := hash.Shards()
	return filepath.Join(s.rootPath, a, b, c, hash.String())
}

func (s *Adapter) linkPath(hash types.Hash) string { return s.layout(hash) + ".link" }

// BlobPath returns where hash would be materialized, whether or not it is.
func (s *Adapter) BlobPath(hash types.Hash) string { return s.layout(hash) }

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Put writes r under hash. The stream is hashed while copied; a mismatch
// aborts the write with storage.ErrIntegrity.
func (s *Adapter) Put(ctx context.Context, hash types.Hash, r io.Reader) error {
	if !hash.IsValid() {
		return fmt.Errorf("invalid digest %q", hash)
	}
	targetPath := s.layout(hash)

	// 1. idempotent: content addressing means an existing file is identical
	if exists(targetPath) {
		return nil
	}

	// 2. shard directories
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 3. temp sibling + rename
	pending, err := renameio.TempFile(dir, targetPath)
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	d := core.NewDigester()
	if _, err := io.Copy(io.MultiWriter(pending, d), r); err != nil {
		return err
	}
	if got := d.Sum(); got != hash {
		return fmt.Errorf("%w: wrote %s, expected %s", storage.ErrIntegrity, got, hash)
	}

	// 4. someone else may have won the race; their file is identical
	if exists(targetPath) {
		return nil
	}
	return pending.CloseAtomicallyReplace()
}

// StoreBytes stores an in-memory payload and returns its digest.
func (s *Adapter) StoreBytes(ctx context.Context, data []byte) (types.Hash, error) {
	h := core.Sum(data)
	if err := s.Put(ctx, h, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return h, nil
}

// Get opens the blob, following valid link records.
func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	path, err := s.Load(ctx, hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}
	return f, err
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	_, err := s.Load(ctx, hash)
	if err == nil {
		return true, nil
	}
	if storage.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ReadAll loads a whole blob into memory. Meant for manifests and other small
// JSON objects.
func (s *Adapter) ReadAll(ctx context.Context, hash types.Hash) ([]byte, error) {
	rc, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
