package core

import (
	"fmt"
	"io"
	"os"

	"kachery/pkg/chunker"
	"kachery/pkg/types"

	"go.uber.org/zap"
)

const (
	// DefaultChunkThreshold: files larger than this get a manifest.
	DefaultChunkThreshold int64 = 20_000_000

	// files above this size get a progress line in the log
	announceSize int64 = 100 * 1024 * 1024
)

// Chunking holds the tunable manifest parameters.
type Chunking struct {
	Threshold int64
	ChunkSize int64
}

func DefaultChunking() Chunking {
	return Chunking{Threshold: DefaultChunkThreshold, ChunkSize: chunker.DefaultSize}
}

// NeedsManifest reports whether a file of the given size is chunked.
func (c Chunking) NeedsManifest(size int64) bool {
	return size > c.Threshold
}

// ComputeManifest hashes the file at path. For files at or below the
// threshold the manifest is nil and only the digest is returned. Larger files
// are read once; the whole-file digest and every chunk digest are accumulated
// in the same pass.
func (c Chunking) ComputeManifest(path string, log *zap.Logger) (types.Hash, *Manifest, error) {
	if log == nil {
		log = zap.NewNop()
	}

	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("unable to compute hash of file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", nil, err
	}
	size := info.Size()

	if size > announceSize {
		log.Info("computing sha1 and manifest", zap.String("path", path), zap.Int64("size", size))
	}

	if !c.NeedsManifest(size) {
		h, _, err := DigestReader(f)
		if err != nil {
			return "", nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		return h, nil, nil
	}

	whole := NewDigester()
	manifest := &Manifest{Size: size}

	for span := range chunker.New(c.ChunkSize).Spans(size) {
		part := NewDigester()
		n, err := io.CopyN(io.MultiWriter(whole, part), f, span.Len())
		if err != nil {
			return "", nil, fmt.Errorf("short read in %s at offset %d (%d bytes): %w", path, span.Start, n, err)
		}
		manifest.Chunks = append(manifest.Chunks, Chunk{
			Start: span.Start,
			End:   span.End,
			Sha1:  part.Sum(),
		})
	}

	manifest.Sha1 = whole.Sum()
	return manifest.Sha1, manifest, nil
}
