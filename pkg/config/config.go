// Package config loads kachery settings from defaults, config.yaml, the
// environment and command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kachery/pkg/core"
	"kachery/pkg/daemon"
	"kachery/pkg/meta"
	"kachery/pkg/storage/s3"
)

const (
	DefaultChunkThreshold = 20_000_000
	DefaultChunkSize      = 20_000_000

	MirrorNone = "none"
	MirrorS3   = "s3"

	MetaNone = "none"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Chunk    ChunkConfig    `mapstructure:"chunk"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Meta     MetaConfig     `mapstructure:"meta"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Devd     DevdConfig     `mapstructure:"devd"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StorageConfig struct {
	// Dir, when set, must match the daemon's storage dir. Empty means the
	// daemon reports it.
	Dir string `mapstructure:"dir"`
	// OfflineDir switches the client to offline mode: the daemon is never
	// contacted and this directory is the store.
	OfflineDir string `mapstructure:"offline_dir"`
	TempDir    string `mapstructure:"temp_dir"`
}

type ChunkConfig struct {
	Threshold int64 `mapstructure:"threshold"`
	Size      int64 `mapstructure:"size"`
}

type DaemonConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Timeout  time.Duration `mapstructure:"timeout"`
	ProbeTTL time.Duration `mapstructure:"probe_ttl"`
	AuthTTL  time.Duration `mapstructure:"auth_ttl"`
}

type MetaConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type MirrorConfig struct {
	Type     string        `mapstructure:"type"`
	S3       S3Config      `mapstructure:"s3"`
	RedisURL string        `mapstructure:"redis_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type ResolverConfig struct {
	ManifestCacheSize int `mapstructure:"manifest_cache_size"`
}

type DevdConfig struct {
	Listen     string `mapstructure:"listen"`
	StorageDir string `mapstructure:"storage_dir"`
}

func (c *Config) Validate() error {
	if c.Chunk.Threshold <= 0 || c.Chunk.Size <= 0 {
		return fmt.Errorf("chunk.threshold and chunk.size must be positive")
	}
	switch c.Mirror.Type {
	case "", MirrorNone, MirrorS3:
	default:
		return fmt.Errorf("unsupported mirror.type: %q", c.Mirror.Type)
	}
	switch c.Meta.Driver {
	case "", MetaNone, meta.DriverSQLite, meta.DriverPostgres:
	default:
		return fmt.Errorf("unsupported meta.driver: %q", c.Meta.Driver)
	}
	return nil
}

// Offline reports whether the client must work without the daemon.
func (c *Config) Offline() bool { return c.Storage.OfflineDir != "" }

func (c *Config) Chunking() core.Chunking {
	return core.Chunking{Threshold: c.Chunk.Threshold, ChunkSize: c.Chunk.Size}
}

// DaemonClient returns the gateway settings. An empty storage.dir lets the
// daemon's probe decide.
func (c *Config) DaemonClient() daemon.Config {
	return daemon.Config{
		Host:       c.Daemon.Host,
		Port:       c.Daemon.Port,
		StorageDir: c.Storage.Dir,
		Timeout:    c.Daemon.Timeout,
		ProbeTTL:   c.Daemon.ProbeTTL,
		AuthTTL:    c.Daemon.AuthTTL,
	}
}

// DevdStorageDir is where the dev daemon keeps its store.
func (c *Config) DevdStorageDir() (string, error) {
	for _, dir := range []string{c.Devd.StorageDir, c.Storage.Dir} {
		if dir != "" {
			return dir, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "kachery-storage"), nil
}

// MetaDB returns the metadata database settings, or false when disabled.
// The sqlite file defaults to <storageDir>/meta/kachery.db.
func (c *Config) MetaDB(storageDir string) (meta.Config, bool) {
	if c.Meta.Driver == MetaNone {
		return meta.Config{}, false
	}
	path := c.Meta.Path
	if path == "" {
		path = filepath.Join(storageDir, "meta", "kachery.db")
	}
	return meta.Config{
		Driver:   c.Meta.Driver,
		Path:     path,
		Host:     c.Meta.Host,
		Port:     c.Meta.Port,
		User:     c.Meta.User,
		Password: c.Meta.Password,
		DBName:   c.Meta.DBName,
		SSLMode:  c.Meta.SSLMode,
	}, true
}

func (c *Config) S3() s3.Config {
	return s3.Config{
		Endpoint:        c.Mirror.S3.Endpoint,
		Region:          c.Mirror.S3.Region,
		Bucket:          c.Mirror.S3.Bucket,
		AccessKeyID:     c.Mirror.S3.AccessKey,
		SecretAccessKey: c.Mirror.S3.SecretKey,
	}
}
