package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"kachery/pkg/types"
)

var (
	// ErrNotFound means the digest is not available from this store.
	ErrNotFound = errors.New("object not found")

	// ErrStaleLink is returned together with ErrNotFound when a link record
	// points at a file whose size or mtime changed since it was linked.
	ErrStaleLink = errors.New("linked file was modified")

	// ErrIntegrity means bytes or a manifest did not hash to the expected digest.
	ErrIntegrity = errors.New("integrity violation")

	// ErrInvalidRange is a caller error: the byte range lies outside [0, size]
	// or has start > end.
	ErrInvalidRange = errors.New("invalid byte range")
)

// Store is a flat content-addressed blob backend.
// Implementations: local disk, S3-compatible object storage, and caching decorators.
type Store interface {
	// Put persists the stream under hash. Implementations that can verify the
	// digest return ErrIntegrity on mismatch. Putting an existing hash is a no-op.
	Put(ctx context.Context, hash types.Hash, r io.Reader) error

	// Get streams the blob. Callers must close the reader.
	Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error)

	Has(ctx context.Context, hash types.Hash) (bool, error)
}

// CheckRange validates a half-open byte range against a blob size.
func CheckRange(start, end, size int64) error {
	if start < 0 || start > size || end < start || end > size {
		return &RangeError{Start: start, End: end, Size: size}
	}
	return nil
}

type RangeError struct {
	Start, End, Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid start/end range for blob of size %d: %d - %d", e.Size, e.Start, e.End)
}

func (e *RangeError) Unwrap() error { return ErrInvalidRange }

// IsNotFound reports whether err means the blob is absent, including stale links.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
