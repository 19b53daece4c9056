package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"kachery/pkg/core"
	"kachery/pkg/daemon"
	"kachery/pkg/storage"
	"kachery/pkg/tempdir"
	"kachery/pkg/treebuilder"
	"kachery/pkg/types"
	"kachery/pkg/uri"

	"go.uber.org/zap"
)

type StoreOptions struct {
	// Basename is appended to the URI; defaults to the file's base name.
	Basename string
	// NoManifest stores large files without chunking them.
	NoManifest bool
	// Link records the file by reference instead of copying it. Offline only;
	// the daemon always decides for itself.
	Link bool
	// Chunks also stores every chunk of a large file as its own blob, so
	// byte ranges resolve after the file itself is gone.
	Chunks bool
}

// StoreFile stores a local file and returns its sha1:// URI. A configured
// mirror receives a copy too.
func (a *App) StoreFile(ctx context.Context, localPath string, opts StoreOptions) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	basename := opts.Basename
	if basename == "" {
		basename = filepath.Base(abs)
	}

	var hash, mh types.Hash
	switch {
	case a.Daemon == nil && opts.Link:
		s, err := a.Store.StoreByLink(ctx, abs, opts.NoManifest)
		if err != nil {
			return "", err
		}
		hash, mh = s.Hash, s.ManifestHash
	case a.Daemon == nil:
		s, err := a.Store.StoreByCopy(ctx, abs, opts.NoManifest)
		if err != nil {
			return "", err
		}
		hash, mh = s.Hash, s.ManifestHash
	default:
		res, err := a.Daemon.StoreFile(ctx, abs)
		if err != nil {
			return "", fmt.Errorf("unable to store file through daemon: %w", err)
		}
		hash, mh = res.Sha1, res.ManifestSha1
	}

	if opts.Chunks && !mh.IsZero() {
		m, err := a.Resolver.Manifest(ctx, hash, mh)
		if err != nil {
			return "", err
		}
		if err := a.chunks.StoreChunks(ctx, abs, m); err != nil {
			return "", err
		}
	}
	if a.mirrorChunks != nil {
		if _, err := a.mirrorChunks.IngestFile(ctx, abs); err != nil {
			return "", fmt.Errorf("unable to copy %s to mirror: %w", abs, err)
		}
	}

	return uri.BlobURI(hash, basename, mh), nil
}

// StoreText stores text as a blob.
func (a *App) StoreText(ctx context.Context, text, basename string) (string, error) {
	if basename == "" {
		basename = "file.txt"
	}
	return a.storeBytes(ctx, []byte(text), basename)
}

// StoreJSON stores the compact JSON encoding of v.
func (a *App) StoreJSON(ctx context.Context, v any, basename string) (string, error) {
	data, err := core.CompactJSON(v)
	if err != nil {
		return "", err
	}
	if basename == "" {
		basename = "file.json"
	}
	return a.storeBytes(ctx, data, basename)
}

func (a *App) storeBytes(ctx context.Context, data []byte, basename string) (string, error) {
	if a.Daemon == nil && a.Mirror == nil {
		h, err := a.Store.StoreBytes(ctx, data)
		if err != nil {
			return "", err
		}
		return uri.BlobURI(h, basename, ""), nil
	}

	// the daemon only stores files, so go through a scratch file
	var out string
	err := tempdir.With(ctx, a.tempRoot, a.log, func(dir string) error {
		p := filepath.Join(dir, basename)
		if err := os.WriteFile(p, data, 0644); err != nil {
			return err
		}
		var err error
		out, err = a.StoreFile(ctx, p, StoreOptions{Basename: basename})
		return err
	})
	return out, err
}

// StoreDir stores every file under dir plus a sha1dir index of them.
func (a *App) StoreDir(ctx context.Context, dir string) (string, error) {
	storeFile := func(ctx context.Context, p string) (types.Hash, error) {
		s, err := a.StoreFile(ctx, p, StoreOptions{})
		if err != nil {
			return "", err
		}
		u, err := uri.Parse(s)
		if err != nil {
			return "", err
		}
		return u.Digest(), nil
	}
	storeIndex := func(ctx context.Context, index *treebuilder.Dir) (types.Hash, error) {
		s, err := a.StoreJSON(ctx, index, "")
		if err != nil {
			return "", err
		}
		u, err := uri.Parse(s)
		if err != nil {
			return "", err
		}
		return u.Digest(), nil
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	h, _, err := treebuilder.NewBuilder(storeFile, storeIndex, a.log).Build(ctx, abs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s.%s", uri.SchemeSha1Dir, h, filepath.Base(abs)), nil
}

// ResolveDirURI maps sha1dir://<index>/<path> to the file's sha1:// URI.
func (a *App) ResolveDirURI(ctx context.Context, dirURI string) (string, error) {
	u, err := uri.Parse(dirURI)
	if err != nil {
		return "", err
	}
	if u.Scheme != uri.SchemeSha1Dir {
		return "", fmt.Errorf("%w: not a directory uri: %s", uri.ErrInvalidURI, dirURI)
	}
	var index treebuilder.Dir
	if err := a.LoadJSON(ctx, uri.BlobURI(u.Digest(), "", ""), &index); err != nil {
		return "", fmt.Errorf("unable to load directory index: %w", err)
	}
	e, err := index.Lookup(u.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	return uri.BlobURI(e.Sha1, path.Base(u.Path), ""), nil
}

// fileKey parses a sha1:// or sha1dir:// URI into a daemon file key. The
// manifest of a stale link is recovered from its record.
func (a *App) fileKey(ctx context.Context, s string) (uri.FileKey, error) {
	u, err := uri.Parse(s)
	if err != nil {
		return uri.FileKey{}, err
	}
	if u.Scheme == uri.SchemeSha1Dir {
		resolved, err := a.ResolveDirURI(ctx, s)
		if err != nil {
			return uri.FileKey{}, err
		}
		if u, err = uri.Parse(resolved); err != nil {
			return uri.FileKey{}, err
		}
	}
	fk, err := u.FileKey()
	if err != nil {
		return uri.FileKey{}, err
	}
	if fk.ManifestSha1.IsZero() {
		if rec, err := a.Store.Link(fk.Sha1); err == nil && rec.ManifestHash != nil {
			fk.ManifestSha1 = *rec.ManifestHash
		}
	}
	return fk, nil
}

type LoadOptions struct {
	// FromNode asks the daemon to load from one node only.
	FromNode string
}

// LoadFile returns a local path holding the content of a URI. Anything that
// is not a kachery URI is taken as a local path. Sources are tried in
// order: local store, daemon, mirror, reassembly from chunks.
func (a *App) LoadFile(ctx context.Context, s string, opts LoadOptions) (string, error) {
	if !strings.Contains(s, "://") {
		if _, err := os.Stat(s); err != nil {
			return "", fmt.Errorf("%w: %s", storage.ErrNotFound, s)
		}
		return s, nil
	}

	fk, err := a.fileKey(ctx, s)
	if err != nil {
		return "", err
	}
	if p, err := a.Store.Load(ctx, fk.Sha1); err == nil {
		return p, nil
	}

	err = a.fetch(ctx, fk, opts.FromNode)
	if err == nil {
		return a.Store.Load(ctx, fk.Sha1)
	}
	if !storage.IsNotFound(err) {
		return "", err
	}

	if fk.ManifestSha1.IsZero() {
		return "", err
	}
	if rerr := a.Exporter.Materialize(ctx, fk.Sha1, fk.ManifestSha1, a.Store); rerr != nil {
		a.log.Debug("reassembly failed", zap.Stringer("hash", fk.Sha1), zap.Error(rerr))
		return "", err
	}
	return a.Store.Load(ctx, fk.Sha1)
}

// Fetch brings fk into the local store from the daemon or the mirror.
func (a *App) Fetch(ctx context.Context, fk uri.FileKey) error {
	return a.fetch(ctx, fk, "")
}

func (a *App) fetch(ctx context.Context, fk uri.FileKey, fromNode string) error {
	var errs []error
	if a.Daemon != nil {
		err := a.loadThroughDaemon(ctx, fk, fromNode)
		if err == nil {
			return nil
		}
		if a.Mirror == nil || !(storage.IsNotFound(err) || errors.Is(err, daemon.ErrUpstreamUnavailable)) {
			return err
		}
		a.log.Debug("daemon could not load file, trying mirror", zap.Stringer("hash", fk.Sha1), zap.Error(err))
		errs = append(errs, err)
	}
	if a.Mirror != nil {
		err := a.loadFromMirror(ctx, fk)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, fk.Sha1)
	}
	return errors.Join(errs...)
}

func (a *App) loadThroughDaemon(ctx context.Context, fk uri.FileKey, fromNode string) error {
	for ev, err := range a.Daemon.LoadFile(ctx, fk, fromNode) {
		if err != nil {
			return err
		}
		switch ev.Type {
		case daemon.EventProgress:
			a.log.Debug("loading", zap.Stringer("hash", fk.Sha1), zap.Int64("loaded", ev.BytesLoaded), zap.Int64("total", ev.BytesTotal))
		case daemon.EventFinished:
			if _, err := a.Store.Size(ctx, fk.Sha1); err != nil {
				return fmt.Errorf("%w: daemon loaded %s but it is not in %s", daemon.ErrStorageDirMismatch, fk.Sha1, a.StorageDir)
			}
			a.log.Info("loaded file", zap.Stringer("hash", fk.Sha1))
			return nil
		case daemon.EventError:
			return fmt.Errorf("%w: %s: %s", storage.ErrNotFound, fk.Sha1, ev.Error)
		}
	}
	return fmt.Errorf("%w: %s: daemon ended the load without a result", storage.ErrNotFound, fk.Sha1)
}

func (a *App) loadFromMirror(ctx context.Context, fk uri.FileKey) error {
	rc, err := a.Mirror.Get(ctx, fk.Sha1)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := a.Store.Put(ctx, fk.Sha1, rc); err != nil {
		return fmt.Errorf("unable to copy %s from mirror: %w", fk.Sha1, err)
	}
	return nil
}

// LoadBytes returns bytes [start, end) of a URI, resolving through chunks
// when the URI (or a stale link) names a manifest.
func (a *App) LoadBytes(ctx context.Context, s string, start, end int64) ([]byte, error) {
	fk, err := a.fileKey(ctx, s)
	if err != nil {
		return nil, err
	}
	return a.Resolver.LoadByteRange(ctx, fk.Sha1, fk.ManifestSha1, start, end)
}

// CopyBytes streams bytes [start, end) of a URI into w.
func (a *App) CopyBytes(ctx context.Context, s string, start, end int64, w io.Writer) (int64, error) {
	fk, err := a.fileKey(ctx, s)
	if err != nil {
		return 0, err
	}
	return a.Resolver.CopyByteRange(ctx, fk.Sha1, fk.ManifestSha1, start, end, w)
}

func (a *App) LoadText(ctx context.Context, s string) (string, error) {
	p, err := a.LoadFile(ctx, s, LoadOptions{})
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	return string(data), err
}

// LoadJSON decodes the JSON content of a URI into v.
func (a *App) LoadJSON(ctx context.Context, s string, v any) error {
	p, err := a.LoadFile(ctx, s, LoadOptions{})
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", s, err)
	}
	return nil
}

// FindFile streams the nodes holding a file. Offline it yields nothing.
func (a *App) FindFile(ctx context.Context, s string, timeout time.Duration) iter.Seq2[daemon.FindFileResult, error] {
	return func(yield func(daemon.FindFileResult, error) bool) {
		if a.Daemon == nil {
			return
		}
		fk, err := a.fileKey(ctx, s)
		if err != nil {
			yield(daemon.FindFileResult{}, err)
			return
		}
		for r, err := range a.Daemon.FindFile(ctx, fk, timeout) {
			if !yield(r, err) {
				return
			}
		}
	}
}
