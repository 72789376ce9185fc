// Package config loads pipeline configuration from defaults, an optional TOML
// file and PIPELINE_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/nucleus/source-pipeline/internal/objectstore"
)

// Config is the full pipeline configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	State   StateConfig   `mapstructure:"state"`
	Sources SourcesConfig `mapstructure:"sources"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Conform ConformConfig `mapstructure:"conform"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Archive ArchiveConfig `mapstructure:"archive"`
	RunLog  RunLogConfig  `mapstructure:"runlog"`
	Log     LogConfig     `mapstructure:"log"`
}

// StorageConfig configures the object store holding state, caches and outputs.
type StorageConfig struct {
	EndpointURL     string `mapstructure:"endpoint_url"` // http(s) for MinIO/S3, file:// or empty for local disk
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	RootPath        string `mapstructure:"root_path"`
}

// StateConfig names the snapshot object.
type StateConfig struct {
	Key string `mapstructure:"key"`
}

// SourcesConfig locates the source descriptors.
type SourcesConfig struct {
	Dir      string   `mapstructure:"dir"`
	Patterns []string `mapstructure:"patterns"`
}

// CacheConfig tunes the cache stage.
type CacheConfig struct {
	Workers        int    `mapstructure:"workers"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Prefix         string `mapstructure:"prefix"`
}

// ConformConfig tunes the conform stage.
type ConformConfig struct {
	Workers        int    `mapstructure:"workers"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Prefix         string `mapstructure:"prefix"`
	Parquet        bool   `mapstructure:"parquet"`
}

// HTTPConfig tunes upstream downloads.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateBurst      int     `mapstructure:"rate_burst"`
	UserAgent      string  `mapstructure:"user_agent"`
	MaxBodyMB      int     `mapstructure:"max_body_mb"`
}

// ArchiveConfig controls the per-run snapshot history.
type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Prefix        string `mapstructure:"prefix"`
	RetentionDays int    `mapstructure:"retention_days"` // 0 keeps every run
}

// RunLogConfig enables the Postgres run ledger when DSN is set.
type RunLogConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig configures logging output.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// SetDefaults registers default values for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.endpoint_url", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "source-pipeline")
	v.SetDefault("storage.root_path", "")

	v.SetDefault("state.key", "state.txt")

	v.SetDefault("sources.dir", "sources")
	v.SetDefault("sources.patterns", []string{"*.json", "*.yaml", "*.yml"})

	v.SetDefault("cache.workers", 8)
	v.SetDefault("cache.timeout_seconds", 1800) // large upstream archives
	v.SetDefault("cache.prefix", "cache")

	v.SetDefault("conform.workers", 4)
	v.SetDefault("conform.timeout_seconds", 900)
	v.SetDefault("conform.prefix", "processed")
	v.SetDefault("conform.parquet", false)

	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.rate_limit", 10.0)
	v.SetDefault("http.rate_burst", 5)
	v.SetDefault("http.user_agent", "source-pipeline/1.0")
	v.SetDefault("http.max_body_mb", 2048)

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("archive.retention_days", 30)

	v.SetDefault("runlog.dsn", "")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// bindLegacyEnv maps the MINIO_* variables used by the other Nucleus services.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("storage.endpoint_url", "PIPELINE_STORAGE_ENDPOINT_URL", "MINIO_ENDPOINT")
	_ = v.BindEnv("storage.access_key_id", "PIPELINE_STORAGE_ACCESS_KEY_ID", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_access_key", "PIPELINE_STORAGE_SECRET_ACCESS_KEY", "MINIO_SECRET_KEY")
	_ = v.BindEnv("storage.use_ssl", "PIPELINE_STORAGE_USE_SSL", "MINIO_USE_SSL")
	_ = v.BindEnv("runlog.dsn", "PIPELINE_RUNLOG_DSN", "DATABASE_URL")
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)
	SetDefaults(v)
	return v
}

// Load reads configuration. An empty path skips the config file.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.State.Key) == "" {
		return errors.New("state.key must not be empty")
	}
	if strings.TrimSpace(c.Sources.Dir) == "" {
		return errors.New("sources.dir must not be empty")
	}
	if c.Cache.Workers <= 0 || c.Conform.Workers <= 0 {
		return errors.WithHint(errors.New("worker counts must be positive"),
			"set cache.workers and conform.workers to 1 or more")
	}
	return nil
}

// ObjectStore converts the storage section to an objectstore config.
func (c *Config) ObjectStore() *objectstore.Config {
	return &objectstore.Config{
		EndpointURL:     c.Storage.EndpointURL,
		Region:          c.Storage.Region,
		UseSSL:          c.Storage.UseSSL,
		AccessKeyID:     c.Storage.AccessKeyID,
		SecretAccessKey: c.Storage.SecretAccessKey,
		Bucket:          c.Storage.Bucket,
		RootPath:        c.Storage.RootPath,
	}
}

// CacheTimeout is the per-source cache deadline.
func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.Cache.TimeoutSeconds) * time.Second
}

// ConformTimeout is the per-source conform deadline.
func (c *Config) ConformTimeout() time.Duration {
	return time.Duration(c.Conform.TimeoutSeconds) * time.Second
}

// ArchiveRetention is how long archived runs are kept.
func (c *Config) ArchiveRetention() time.Duration {
	return time.Duration(c.Archive.RetentionDays) * 24 * time.Hour
}

// HTTPTimeout is the per-request download deadline.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
