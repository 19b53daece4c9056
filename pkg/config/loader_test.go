package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	// keep stray user config out of the search path
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "localhost", cfg.Daemon.Host)
	assert.Equal(t, 20431, cfg.Daemon.Port)
	assert.Equal(t, 30*time.Second, cfg.Daemon.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Daemon.ProbeTTL)
	assert.EqualValues(t, 20_000_000, cfg.Chunk.Threshold)
	assert.EqualValues(t, 20_000_000, cfg.Chunking().ChunkSize)
	assert.Equal(t, MirrorNone, cfg.Mirror.Type)
	assert.False(t, cfg.Offline())
	assert.Empty(t, cfg.DaemonClient().StorageDir, "the daemon decides")
}

func TestLoad_File(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "kachery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
chunk:
  threshold: 1000
  size: 400
daemon:
  port: 9999
  timeout: 5s
mirror:
  type: s3
  s3:
    bucket: blobs
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.EqualValues(t, 1000, cfg.Chunk.Threshold)
	assert.Equal(t, 9999, cfg.Daemon.Port)
	assert.Equal(t, 5*time.Second, cfg.Daemon.Timeout)
	assert.Equal(t, "blobs", cfg.S3().Bucket)
	assert.Equal(t, "us-east-1", cfg.S3().Region)
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	resetViper(t)
	t.Setenv("KACHERY_P2P_API_HOST", "10.0.0.2")
	t.Setenv("KACHERY_P2P_API_PORT", "21000")
	t.Setenv("KACHERY_OFFLINE_STORAGE_DIR", "/data/offline")
	t.Setenv("KACHERY_TEMP_DIR", "/data/tmp")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", cfg.Daemon.Host)
	assert.Equal(t, 21000, cfg.Daemon.Port)
	assert.True(t, cfg.Offline())
	assert.Equal(t, "/data/offline", cfg.Storage.OfflineDir)
	assert.Equal(t, "/data/tmp", cfg.Storage.TempDir)
}

func TestLoad_PrefixedEnvironmentWins(t *testing.T) {
	resetViper(t)
	t.Setenv("KACHERY_DAEMON_HOST", "new-host")
	t.Setenv("KACHERY_P2P_API_HOST", "old-host")
	t.Setenv("KACHERY_STORAGE_DIR", "/data/kachery")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "new-host", cfg.Daemon.Host)
	assert.Equal(t, "/data/kachery", cfg.DaemonClient().StorageDir)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"mirror", map[string]string{"KACHERY_MIRROR_TYPE": "ftp"}},
		{"meta", map[string]string{"KACHERY_META_DRIVER": "mysql"}},
		{"chunk", map[string]string{"KACHERY_CHUNK_SIZE": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestConfig_MetaDB(t *testing.T) {
	cfg := &Config{Meta: MetaConfig{Driver: "sqlite"}}
	mc, ok := cfg.MetaDB("/store")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/store", "meta", "kachery.db"), mc.Path)

	cfg.Meta.Driver = MetaNone
	_, ok = cfg.MetaDB("/store")
	assert.False(t, ok)
}
