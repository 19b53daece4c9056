package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kachery/pkg/core"
	"kachery/pkg/meta"
	"kachery/pkg/storage"
	"kachery/pkg/types"

	"github.com/google/renameio"
	"go.uber.org/zap"
)

// Stored is the outcome of StoreByCopy / StoreByLink.
type Stored struct {
	Hash         types.Hash
	ManifestHash types.Hash // empty for unchunked blobs
	Path         string     // where the content can be read locally
}

// StoreByCopy hashes path (building and storing a manifest for large files
// unless noManifest) and copies it into the sharded tree. An existing
// destination short-circuits the copy.
func (s *Adapter) StoreByCopy(ctx context.Context, path string, noManifest bool) (*Stored, error) {
	hash, manifestHash, err := s.digest(ctx, path, noManifest)
	if err != nil {
		return nil, err
	}

	dest := s.layout(hash)
	if !exists(dest) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := s.Put(ctx, hash, f); err != nil {
			return nil, fmt.Errorf("failed to copy %s into storage: %w", path, err)
		}
	}

	return &Stored{Hash: hash, ManifestHash: manifestHash, Path: dest}, nil
}

// StoreByLink records path by reference. Later loads re-validate the file's
// size and mtime before trusting it.
func (s *Adapter) StoreByLink(ctx context.Context, path string, noManifest bool) (*Stored, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	hash, manifestHash, err := s.digest(ctx, abs, noManifest)
	if err != nil {
		return nil, err
	}

	// a materialized copy is always preferred over a link
	dest := s.layout(hash)
	if exists(dest) {
		return &Stored{Hash: hash, ManifestHash: manifestHash, Path: dest}, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	rec := &LinkRecord{
		Path: abs,
		Stat: statOf(info),
	}
	if !manifestHash.IsZero() {
		rec.ManifestHash = &manifestHash
	}
	data, err := core.CompactJSON(rec)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(s.linkPath(hash), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write link record: %w", err)
	}

	return &Stored{Hash: hash, ManifestHash: manifestHash, Path: abs}, nil
}

// digest returns the sha1 of path and, for chunked files, the digest of the
// stored manifest.
func (s *Adapter) digest(ctx context.Context, path string, noManifest bool) (types.Hash, types.Hash, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("unable to compute hash of file %s: %w", path, err)
	}
	if info.IsDir() {
		return "", "", fmt.Errorf("%s is a directory", path)
	}
	chunked := !noManifest && s.chunking.NeedsManifest(info.Size())

	// 1. small files: hash directly
	if !chunked && info.Size() < directHashSize {
		h, err := core.DigestFile(path)
		return h, "", err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}

	// 2. a file that already lives in the tree is named by its digest
	if !chunked {
		if h, ok := types.ParseHash(filepath.Base(abs)); ok && s.layout(h) == abs {
			return h, "", nil
		}
	}

	// 3. persistent index
	if h, mh, ok := s.lookupIndex(ctx, abs, info, chunked); ok {
		return h, mh, nil
	}

	// 4. compute
	var hash, manifestHash types.Hash
	if chunked {
		var manifest *core.Manifest
		hash, manifest, err = s.chunking.ComputeManifest(abs, s.log)
		if err != nil {
			return "", "", err
		}
		if manifest == nil {
			return "", "", fmt.Errorf("unable to compute manifest of file: %s", abs)
		}
		data, err := manifest.Encode()
		if err != nil {
			return "", "", err
		}
		if manifestHash, err = s.StoreBytes(ctx, data); err != nil {
			return "", "", fmt.Errorf("failed to store manifest: %w", err)
		}
	} else {
		if hash, err = core.DigestFile(abs); err != nil {
			return "", "", err
		}
	}

	s.saveIndex(ctx, abs, info, hash, manifestHash)
	return hash, manifestHash, nil
}

func (s *Adapter) lookupIndex(ctx context.Context, abs string, info os.FileInfo, chunked bool) (types.Hash, types.Hash, bool) {
	if s.index == nil {
		return "", "", false
	}
	rec, err := s.index.GetFileDigest(ctx, abs, info.Size(), info.ModTime().UnixNano())
	if err != nil {
		s.log.Warn("hash index lookup failed", zap.String("path", abs), zap.Error(err))
		return "", "", false
	}
	if rec == nil {
		return "", "", false
	}
	if !chunked {
		return rec.Sha1, "", true
	}
	// the manifest must still be in storage to be usable
	if rec.ManifestSha1 == "" || !exists(s.layout(rec.ManifestSha1)) {
		return "", "", false
	}
	return rec.Sha1, rec.ManifestSha1, true
}

func (s *Adapter) saveIndex(ctx context.Context, abs string, info os.FileInfo, hash, manifestHash types.Hash) {
	if s.index == nil {
		return
	}
	err := s.index.SaveFileDigest(ctx, &meta.FileDigest{
		Path:         abs,
		Size:         info.Size(),
		ModTimeNs:    info.ModTime().UnixNano(),
		Sha1:         hash,
		ManifestSha1: manifestHash,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to update hash index", zap.String("path", abs), zap.Error(err))
	}
}

// ensure the adapter satisfies the flat store contract
var _ storage.Store = (*Adapter)(nil)
