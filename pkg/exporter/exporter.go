package exporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kachery/pkg/core"
	"kachery/pkg/storage"
	"kachery/pkg/types"

	"github.com/google/renameio"
	"go.uber.org/zap"
)

// Source resolves manifests and chunk-backed byte ranges. *resolver.Resolver
// satisfies it.
type Source interface {
	Manifest(ctx context.Context, hash, manifestHash types.Hash) (*core.Manifest, error)
	CopyByteRange(ctx context.Context, hash, manifestHash types.Hash, start, end int64, w io.Writer) (int64, error)
}

// Exporter rebuilds whole files from their manifest chunks.
type Exporter struct {
	src Source
	log *zap.Logger
}

func NewExporter(src Source, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{src: src, log: log.Named("exporter")}
}

// Reassemble streams the chunks of hash into w in order and checks the
// digest of the result. On ErrIntegrity the bytes have already been written;
// use ExportFile or Materialize when w must stay clean.
func (e *Exporter) Reassemble(ctx context.Context, hash, manifestHash types.Hash, w io.Writer) (int64, error) {
	m, err := e.src.Manifest(ctx, hash, manifestHash)
	if err != nil {
		return 0, err
	}

	d := core.NewDigester()
	out := io.MultiWriter(w, d)
	var written int64
	for i, c := range m.Chunks {
		n, err := e.src.CopyByteRange(ctx, hash, manifestHash, c.Start, c.End, out)
		written += n
		if err != nil {
			return written, fmt.Errorf("failed to copy chunk %d of %s: %w", i, hash, err)
		}
	}
	if got := d.Sum(); got != hash {
		return written, fmt.Errorf("%w: reassembled %s but content hashes to %s", storage.ErrIntegrity, hash, got)
	}
	if len(m.Chunks) > 4 {
		e.log.Info("reassembled file", zap.Stringer("hash", hash), zap.Int("chunks", len(m.Chunks)), zap.Int64("size", written))
	}
	return written, nil
}

// ExportFile writes the reassembled file to dest atomically. dest is left
// untouched when any chunk is missing or the digest does not match.
func (e *Exporter) ExportFile(ctx context.Context, hash, manifestHash types.Hash, dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	pending, err := renameio.TempFile(dir, dest)
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if _, err := e.Reassemble(ctx, hash, manifestHash, pending); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// Materialize reassembles hash straight into store. The store's own digest
// check rejects a bad result.
func (e *Exporter) Materialize(ctx context.Context, hash, manifestHash types.Hash, store storage.Store) error {
	pr, pw := io.Pipe()
	go func() {
		_, err := e.Reassemble(ctx, hash, manifestHash, pw)
		pw.CloseWithError(err)
	}()
	err := store.Put(ctx, hash, pr)
	// unblock the writer if Put returned early
	pr.CloseWithError(err)
	return err
}
