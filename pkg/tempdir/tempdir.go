// Package tempdir manages the scratch directories used while staging files
// for the store. Removal is retried because other processes (virus scanners,
// the daemon) may briefly hold files open.
package tempdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	removeAttempts = 5
	removeInterval = time.Second
)

// overridden in tests
var removeAll = os.RemoveAll

// Root picks the parent of all scratch dirs: an explicit temp dir, else
// <offline dir>/kachery-tmp, else the OS temp dir. The result exists on
// return.
func Root(tempDir, offlineDir string) (string, error) {
	var root string
	switch {
	case tempDir != "":
		root = tempDir
	case offlineDir != "":
		root = filepath.Join(offlineDir, "kachery-tmp")
	default:
		root = filepath.Join(os.TempDir(), "kachery-tmp")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp root %s: %w", root, err)
	}
	return root, nil
}

// Dir is one scratch directory owned by an operation.
type Dir struct {
	Path     string
	log      *zap.Logger
	interval time.Duration
}

// New creates a fresh directory under root.
func New(root string, log *zap.Logger) (*Dir, error) {
	path, err := os.MkdirTemp(root, "tmpdir_")
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dir{Path: path, log: log.Named("tempdir"), interval: removeInterval}, nil
}

// Remove deletes the directory, retrying up to five times one interval
// apart. The last error is returned if every attempt fails.
func (d *Dir) Remove(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		err := removeAll(d.Path)
		if err != nil && attempt < removeAttempts {
			d.log.Warn("retrying temp dir removal", zap.String("path", d.Path), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.interval), removeAttempts-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("unable to remove temporary directory %s: %w", d.Path, err)
	}
	return nil
}

// With runs fn inside a fresh scratch dir that is removed on every exit path.
func With(ctx context.Context, root string, log *zap.Logger, fn func(dir string) error) (err error) {
	d, err := New(root, log)
	if err != nil {
		return err
	}
	defer func() {
		// removal runs even when ctx is already cancelled
		if rerr := d.Remove(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(d.Path)
}
