package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// legacyEnv lists environment variables honored besides the KACHERY_<KEY>
// form derived from each key.
var legacyEnv = map[string][]string{
	"daemon.host":         {"KACHERY_P2P_API_HOST"},
	"daemon.port":         {"KACHERY_P2P_API_PORT"},
	"storage.dir":         {"KACHERY_STORAGE_DIR"},
	"storage.offline_dir": {"KACHERY_OFFLINE_STORAGE_DIR"},
	"storage.temp_dir":    {"KACHERY_TEMP_DIR"},
}

// Load initializes the global viper instance and decodes it.
// cfgFile is optional; without it config.yaml is searched in ".",
// ".kachery" and "$HOME/.kachery". A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	// 1. Defaults
	setDefaults()

	// 2. Search paths
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath(".kachery")
		viper.AddConfigPath(filepath.Join(home, ".kachery"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 3. Environment (KACHERY_DAEMON_HOST etc. plus the legacy names)
	viper.SetEnvPrefix("KACHERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for key, names := range legacyEnv {
		envs := append([]string{"KACHERY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := viper.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, err
		}
	}

	// 4. Config file
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fatal error config file: %w", err)
		}
	}

	return Current()
}

// Current decodes the global viper state, including any flags bound since
// Load.
func Current() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("log.level", "info")

	viper.SetDefault("storage.dir", "")
	viper.SetDefault("storage.offline_dir", "")
	viper.SetDefault("storage.temp_dir", "")

	viper.SetDefault("chunk.threshold", DefaultChunkThreshold)
	viper.SetDefault("chunk.size", DefaultChunkSize)

	viper.SetDefault("daemon.host", "localhost")
	viper.SetDefault("daemon.port", 20431)
	viper.SetDefault("daemon.timeout", "30s")
	viper.SetDefault("daemon.probe_ttl", "10s")
	viper.SetDefault("daemon.auth_ttl", "60s")

	viper.SetDefault("meta.driver", "sqlite")
	viper.SetDefault("meta.path", "")
	viper.SetDefault("meta.host", "localhost")
	viper.SetDefault("meta.port", 5432)
	viper.SetDefault("meta.user", "")
	viper.SetDefault("meta.password", "")
	viper.SetDefault("meta.dbname", "kachery")
	viper.SetDefault("meta.sslmode", "disable")

	viper.SetDefault("mirror.type", MirrorNone)
	viper.SetDefault("mirror.s3.endpoint", "")
	viper.SetDefault("mirror.s3.region", "us-east-1")
	viper.SetDefault("mirror.s3.bucket", "kachery")
	viper.SetDefault("mirror.s3.access_key", "")
	viper.SetDefault("mirror.s3.secret_key", "")
	viper.SetDefault("mirror.redis_url", "")
	viper.SetDefault("mirror.cache_ttl", "24h")

	viper.SetDefault("resolver.manifest_cache_size", 256)

	viper.SetDefault("devd.listen", "localhost:20431")
	viper.SetDefault("devd.storage_dir", "")
}
