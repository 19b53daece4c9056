// Package app assembles the client: local store, daemon gateway, optional
// object-store mirror, byte-range resolver and feed client. It is the one
// place that knows which component serves which call.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"kachery/pkg/config"
	"kachery/pkg/daemon"
	"kachery/pkg/exporter"
	"kachery/pkg/feed"
	"kachery/pkg/ingester"
	"kachery/pkg/meta"
	"kachery/pkg/mutable"
	"kachery/pkg/resolver"
	"kachery/pkg/storage"
	"kachery/pkg/storage/cache"
	"kachery/pkg/storage/disk"
	"kachery/pkg/storage/s3"
	"kachery/pkg/tempdir"

	"go.uber.org/zap"
)

// ErrOffline is returned by operations that need the daemon in offline mode.
var ErrOffline = errors.New("not available in offline mode")

type App struct {
	cfg     *config.Config
	log     *zap.Logger
	offline bool

	StorageDir string
	Store      *disk.Adapter
	Daemon     *daemon.Client // nil offline
	Mirror     storage.Store  // nil without a mirror
	Resolver   *resolver.Resolver
	Exporter   *exporter.Exporter

	chunks       *ingester.Ingester
	mirrorChunks *ingester.Ingester
	tempRoot     string
	feeds        *feed.Client
	mutables     *mutable.Store
	closers      []io.Closer
}

// New wires every component from cfg. Online, an unset storage dir is
// taken from the daemon's probe.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log.Named("app"), offline: cfg.Offline()}

	// 1. Daemon and storage dir
	switch {
	case a.offline:
		a.StorageDir = cfg.Storage.OfflineDir
	default:
		a.Daemon = daemon.New(cfg.DaemonClient(), daemon.WithLogger(log))
		dir, err := a.Daemon.StorageDir(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to determine storage dir: %w", err)
		}
		a.StorageDir = dir
	}

	// 2. Hash index
	diskOpts := []disk.Option{disk.WithChunking(cfg.Chunking()), disk.WithLogger(log)}
	if mc, ok := cfg.MetaDB(a.StorageDir); ok {
		db, err := meta.NewDB(ctx, mc)
		if err != nil {
			return nil, fmt.Errorf("failed to open metadata db: %w", err)
		}
		a.closers = append(a.closers, db)
		diskOpts = append(diskOpts, disk.WithHashIndex(meta.NewRepository(db)))
	}

	// 3. Local store
	store, err := disk.NewAdapter(a.StorageDir, diskOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	a.Store = store
	a.chunks = ingester.NewIngester(store, cfg.Chunking(), ingester.WithLogger(log))

	// 4. Mirror
	mirror, manifests, closer, err := initMirror(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	if mirror != nil {
		a.Mirror = mirror
		a.mirrorChunks = ingester.NewIngester(mirror, cfg.Chunking(), ingester.WithLogger(log))
	}

	// 5. Ranges and reassembly
	resOpts := []resolver.Option{resolver.WithFetcher(a), resolver.WithLogger(log)}
	if manifests != nil {
		resOpts = append(resOpts, resolver.WithManifestCache(manifests))
	}
	if a.Resolver, err = resolver.New(store, cfg.Resolver.ManifestCacheSize, resOpts...); err != nil {
		a.Close()
		return nil, err
	}
	a.Exporter = exporter.NewExporter(a.Resolver, log)

	// 6. Scratch space
	if a.tempRoot, err = tempdir.Root(cfg.Storage.TempDir, cfg.Storage.OfflineDir); err != nil {
		a.Close()
		return nil, err
	}

	// 7. Feeds and mutables
	if a.Daemon != nil {
		a.feeds = feed.NewClient(a.Daemon, a, feed.WithLogger(log))
		a.mutables = mutable.New(a.Daemon)
	}

	a.log.Debug("initialized",
		zap.String("storage", a.StorageDir),
		zap.Bool("offline", a.offline),
		zap.Bool("mirror", a.Mirror != nil),
	)
	return a, nil
}

// initMirror builds the optional object-store mirror. With a Redis URL the
// mirror is fronted by the existence and manifest cache.
func initMirror(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, resolver.ManifestCache, io.Closer, error) {
	switch cfg.Mirror.Type {
	case "", config.MirrorNone:
		return nil, nil, nil, nil
	case config.MirrorS3:
		s3cfg := cfg.S3()
		if s3cfg.Bucket == "" {
			return nil, nil, nil, fmt.Errorf("s3 mirror: bucket is required")
		}
		adapter, err := s3.NewAdapter(ctx, s3cfg, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("s3 mirror: %w", err)
		}
		if cfg.Mirror.RedisURL == "" {
			return adapter, nil, nil, nil
		}
		cached, err := cache.NewCachedStore(adapter, cache.Config{RedisURL: cfg.Mirror.RedisURL, TTL: cfg.Mirror.CacheTTL}, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mirror cache: %w", err)
		}
		return cached, cached, cached, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported mirror type: %s", cfg.Mirror.Type)
	}
}

func (a *App) Offline() bool { return a.offline }

// Feeds returns the feed client.
func (a *App) Feeds() (*feed.Client, error) {
	if a.feeds == nil {
		return nil, ErrOffline
	}
	return a.feeds, nil
}

func (a *App) Mutables() (*mutable.Store, error) {
	if a.mutables == nil {
		return nil, ErrOffline
	}
	return a.mutables, nil
}

func (a *App) Probe(ctx context.Context) (*daemon.ProbeResponse, error) {
	if a.Daemon == nil {
		return nil, ErrOffline
	}
	return a.Daemon.Probe(ctx)
}

func (a *App) NodeID(ctx context.Context) (string, error) {
	if a.Daemon == nil {
		return "", ErrOffline
	}
	return a.Daemon.NodeID(ctx)
}

// Close releases databases and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
