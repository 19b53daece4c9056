package disk

import (
	"context"
	"fmt"
	"io"
	"os"

	"kachery/pkg/storage"
	"kachery/pkg/types"

	"go.uber.org/zap"
)

// range copies move this many bytes at a time
const copyBufferSize = 4096

// Load returns a local path holding the content of hash: the materialized
// blob if present, otherwise the target of a still-valid link record.
// A link whose file changed yields an error matching both storage.ErrNotFound
// and storage.ErrStaleLink; the record itself is left in place.
func (s *Adapter) Load(ctx context.Context, hash types.Hash) (string, error) {
	if !hash.IsValid() {
		return "", fmt.Errorf("%w: invalid digest %q", storage.ErrNotFound, hash)
	}

	path := s.layout(hash)
	if exists(path) {
		return path, nil
	}

	linkPath := s.linkPath(hash)
	if !exists(linkPath) {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}

	rec, err := readLinkRecord(linkPath)
	if err != nil {
		s.log.Warn("unreadable link record", zap.String("link", linkPath), zap.Error(err))
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}

	info, err := os.Stat(rec.Path)
	if err != nil {
		s.log.Warn("linked file does not exist", zap.String("link", linkPath), zap.String("path", rec.Path))
		return "", fmt.Errorf("%w: %w: %s", storage.ErrNotFound, storage.ErrStaleLink, rec.Path)
	}
	if !rec.Stat.Matches(info) {
		s.log.Warn("linked file may have been modified", zap.String("link", linkPath), zap.String("path", rec.Path))
		return "", fmt.Errorf("%w: %w: %s", storage.ErrNotFound, storage.ErrStaleLink, rec.Path)
	}
	return rec.Path, nil
}

// Link returns the link record for hash, if one exists, regardless of
// whether it is still valid. Useful to recover the manifest of a stale link.
func (s *Adapter) Link(hash types.Hash) (*LinkRecord, error) {
	if !hash.IsValid() {
		return nil, fmt.Errorf("%w: invalid digest %q", storage.ErrNotFound, hash)
	}
	rec, err := readLinkRecord(s.linkPath(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no link for %s", storage.ErrNotFound, hash)
	}
	return rec, err
}

// Size returns the byte length of a locally loadable blob.
func (s *Adapter) Size(ctx context.Context, hash types.Hash) (int64, error) {
	path, err := s.Load(ctx, hash)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// LoadByteRange returns bytes [start, end) of a local blob.
// start == end yields an empty slice without opening the file. A range
// outside [0, size] fails with storage.ErrInvalidRange.
func (s *Adapter) LoadByteRange(ctx context.Context, hash types.Hash, start, end int64) ([]byte, error) {
	path, size, err := s.rangeTarget(ctx, hash, start, end)
	if err != nil {
		return nil, err
	}
	if start == end {
		return []byte{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at %d of %s (size %d): %w", end-start, start, hash, size, err)
	}
	return buf, nil
}

// CopyByteRange streams bytes [start, end) of a local blob into w in
// fixed-size buffers, so memory use does not depend on the range length.
func (s *Adapter) CopyByteRange(ctx context.Context, hash types.Hash, start, end int64, w io.Writer) (int64, error) {
	path, _, err := s.rangeTarget(ctx, hash, start, end)
	if err != nil {
		return 0, err
	}
	if start == end {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}

	buf := make([]byte, copyBufferSize)
	var written int64
	for pos := start; pos < end; {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n := min(end-pos, copyBufferSize)
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return written, fmt.Errorf("failed to read %s at %d: %w", hash, pos, err)
		}
		m, err := w.Write(buf[:n])
		written += int64(m)
		if err != nil {
			return written, err
		}
		pos += n
	}
	return written, nil
}

func (s *Adapter) rangeTarget(ctx context.Context, hash types.Hash, start, end int64) (string, int64, error) {
	path, err := s.Load(ctx, hash)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	if err := storage.CheckRange(start, end, info.Size()); err != nil {
		return "", 0, err
	}
	return path, info.Size(), nil
}
