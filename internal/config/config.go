// Package config handles configuration loading and validation for artifactstore.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunnelmesh/artifactstore/internal/archive"
	"github.com/tunnelmesh/artifactstore/internal/cache"
	"github.com/tunnelmesh/artifactstore/internal/capacity"
	"github.com/tunnelmesh/artifactstore/internal/migrate"
	"github.com/tunnelmesh/artifactstore/internal/refcount"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/internal/storage/driver"
	"github.com/tunnelmesh/artifactstore/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Metadata and catalog backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// AdminConfig holds configuration for the operator HTTP API.
type AdminConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"` // Bearer token for /api requests (optional)
}

// RedisConfig locates a redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetadataConfig selects where reference counts live. Tasks, failed nodes
// and archive records are always kept in the local badger database.
type MetadataConfig struct {
	Backend     string      `yaml:"backend"` // badger, memory, postgres or redis
	PostgresDSN string      `yaml:"postgres_dsn"`
	Redis       RedisConfig `yaml:"redis"`
}

// CatalogConfig selects the metadata store the engine reads nodes and
// repositories from.
type CatalogConfig struct {
	Backend     string `yaml:"backend"` // memory or postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DriverConfig tunes the backend client pool.
type DriverConfig struct {
	ClientCacheSize int                `yaml:"client_cache_size"`
	Retry           driver.RetryPolicy `yaml:"retry"`
}

// CacheConfig tunes every credential cache. Paths and TTLs are set per
// credential.
type CacheConfig struct {
	FlushWorkers     int           `yaml:"flush_workers"`
	FlushQueue       int           `yaml:"flush_queue"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxFlushAttempts int           `yaml:"max_flush_attempts"`
}

// UploadConfig places chunked and append upload sessions.
type UploadConfig struct {
	TempDir         string        `yaml:"temp_dir"`
	ExpireAfter     time.Duration `yaml:"expire_after"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MigrationConfig tunes the migration executor. Tasks freeze these values
// when they are created.
type MigrationConfig struct {
	NodeConcurrency         int           `yaml:"node_concurrency"`
	SmallNodeConcurrency    int           `yaml:"small_node_concurrency"`
	SmallNodeThreshold      bytesize.Size `yaml:"small_node_threshold"`
	CorrectInterval         time.Duration `yaml:"correct_interval"`
	Timeout                 time.Duration `yaml:"timeout"`
	MigrateArchivedFileRate float64       `yaml:"migrate_archived_file_rate"`
	UpdateProgressInterval  int           `yaml:"update_progress_interval"`
	MaxRetries              int           `yaml:"max_retries"`
	BatchSize               int           `yaml:"batch_size"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	LeaseTimeout            time.Duration `yaml:"lease_timeout"`
	MaxTasks                int           `yaml:"max_tasks"`
}

// ArchiveConfig tunes the archive tier.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Workers       int           `yaml:"workers"`
	Codec         string        `yaml:"codec"` // zstd or xz
	MaxBaseSize   bytesize.Size `yaml:"max_base_size"`
	Sweep         bool          `yaml:"sweep"` // archive idle blobs in the background
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
	IdleAfter     time.Duration `yaml:"idle_after"`
}

// GCConfig tunes garbage collection of unreferenced blobs.
type GCConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"grace_period"`
	BatchSize   int           `yaml:"batch_size"`
	DryRun      bool          `yaml:"dry_run"`
}

// CapacityConfig sets the resource floor below which background work stops.
type CapacityConfig struct {
	MinFreeSpace  bytesize.Size `yaml:"min_free_space"`
	MinFreeMemory bytesize.Size `yaml:"min_free_memory"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Config is the daemon configuration.
type Config struct {
	DataDir           string               `yaml:"data_dir"` // Local state directory (default: /var/lib/artifactstore)
	Admin             AdminConfig          `yaml:"admin"`
	Credentials       []storage.Credential `yaml:"credentials"`
	DefaultCredential string               `yaml:"default_credential"`
	Metadata          MetadataConfig       `yaml:"metadata"`
	Catalog           CatalogConfig        `yaml:"catalog"`
	Driver            DriverConfig         `yaml:"driver"`
	Cache             CacheConfig          `yaml:"cache"`
	Upload            UploadConfig         `yaml:"upload"`
	Migration         MigrationConfig      `yaml:"migration"`
	Archive           ArchiveConfig        `yaml:"archive"`
	GC                GCConfig             `yaml:"gc"`
	Capacity          CapacityConfig       `yaml:"capacity"`
}

// Load reads configuration from a YAML file, applies defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/artifactstore"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:8480"
	}

	for i := range c.Credentials {
		cred := &c.Credentials[i]
		if cred.Filesystem != nil {
			cred.Filesystem.Path = expandHome(cred.Filesystem.Path)
		}
		cred.Cache.Path = expandHome(cred.Cache.Path)
	}

	if c.Metadata.Backend == "" {
		c.Metadata.Backend = BackendBadger
	}
	if c.Metadata.Backend == BackendRedis && c.Metadata.Redis.Addr == "" {
		c.Metadata.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Catalog.Backend == "" {
		c.Catalog.Backend = BackendMemory
	}
	if c.Catalog.Backend == BackendPostgres && c.Catalog.PostgresDSN == "" {
		c.Catalog.PostgresDSN = c.Metadata.PostgresDSN
	}

	if c.Driver.ClientCacheSize == 0 {
		c.Driver.ClientCacheSize = driver.DefaultPoolSize
	}
	retry := driver.DefaultRetryPolicy()
	if c.Driver.Retry.MaxAttempts == 0 {
		c.Driver.Retry.MaxAttempts = retry.MaxAttempts
	}
	if c.Driver.Retry.InitialInterval == 0 {
		c.Driver.Retry.InitialInterval = retry.InitialInterval
	}
	if c.Driver.Retry.MaxInterval == 0 {
		c.Driver.Retry.MaxInterval = retry.MaxInterval
	}

	cacheDef := cache.DefaultOptions()
	if c.Cache.FlushWorkers == 0 {
		c.Cache.FlushWorkers = cacheDef.FlushWorkers
	}
	if c.Cache.FlushQueue == 0 {
		c.Cache.FlushQueue = cacheDef.FlushQueue
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = cacheDef.SweepInterval
	}
	if c.Cache.MaxFlushAttempts == 0 {
		c.Cache.MaxFlushAttempts = cacheDef.Retry.MaxAttempts
	}

	if c.Upload.TempDir == "" {
		c.Upload.TempDir = filepath.Join(c.DataDir, "uploads")
	}
	c.Upload.TempDir = expandHome(c.Upload.TempDir)
	if c.Upload.ExpireAfter == 0 {
		c.Upload.ExpireAfter = 24 * time.Hour
	}
	if c.Upload.CleanupInterval == 0 {
		c.Upload.CleanupInterval = time.Hour
	}

	m := &c.Migration
	md := migrate.DefaultConfig()
	mo := migrate.DefaultOptions()
	if m.NodeConcurrency == 0 {
		m.NodeConcurrency = md.NodeConcurrency
	}
	if m.SmallNodeConcurrency == 0 {
		m.SmallNodeConcurrency = md.SmallNodeConcurrency
	}
	if m.SmallNodeThreshold == 0 {
		m.SmallNodeThreshold = bytesize.Size(md.SmallNodeThreshold)
	}
	if m.CorrectInterval == 0 {
		m.CorrectInterval = md.CorrectInterval
	}
	if m.Timeout == 0 {
		m.Timeout = md.Timeout
	}
	if m.MigrateArchivedFileRate == 0 {
		m.MigrateArchivedFileRate = md.ArchivedFileRate
	}
	if m.UpdateProgressInterval == 0 {
		m.UpdateProgressInterval = md.UpdateProgressInterval
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = md.MaxRetries
	}
	if m.BatchSize == 0 {
		m.BatchSize = md.BatchSize
	}
	if m.PollInterval == 0 {
		m.PollInterval = mo.PollInterval
	}
	if m.LeaseTimeout == 0 {
		m.LeaseTimeout = mo.LeaseTimeout
	}
	if m.MaxTasks == 0 {
		m.MaxTasks = mo.MaxTasks
	}

	a := &c.Archive
	ad := archive.DefaultOptions()
	if a.Workers == 0 {
		a.Workers = ad.Workers
	}
	if a.Codec == "" {
		a.Codec = ad.Codec
	}
	if a.MaxBaseSize == 0 {
		a.MaxBaseSize = bytesize.Size(ad.MaxBaseSize)
	}
	if a.SweepInterval == 0 {
		a.SweepInterval = ad.SweepInterval
	}
	if a.SweepBatch == 0 {
		a.SweepBatch = ad.SweepBatch
	}
	if a.IdleAfter == 0 {
		a.IdleAfter = ad.IdleAfter
	}

	gd := refcount.DefaultGCOptions()
	if c.GC.Interval == 0 {
		c.GC.Interval = gd.Interval
	}
	if c.GC.GracePeriod == 0 {
		c.GC.GracePeriod = gd.Grace
	}
	if c.GC.BatchSize == 0 {
		c.GC.BatchSize = gd.BatchSize
	}

	if c.Capacity.MinFreeSpace == 0 {
		c.Capacity.MinFreeSpace = bytesize.Size(bytesize.GB)
	}
	if c.Capacity.MinFreeMemory == 0 {
		c.Capacity.MinFreeMemory = bytesize.Size(256 * bytesize.MB)
	}
	if c.Capacity.CheckInterval == 0 {
		c.Capacity.CheckInterval = 10 * time.Second
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
		return fmt.Errorf("invalid admin.listen: %w", err)
	}
	if len(c.Credentials) == 0 {
		return errors.New("at least one credential is required")
	}
	creds, err := storage.NewCredentials(c.Credentials)
	if err != nil {
		return err
	}
	if _, err := creds.Get(c.DefaultCredential); err != nil {
		return fmt.Errorf("default_credential: %w", err)
	}

	switch c.Metadata.Backend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if c.Metadata.PostgresDSN == "" {
			return errors.New("metadata.postgres_dsn is required for the postgres backend")
		}
	case BackendRedis:
	default:
		return fmt.Errorf("unknown metadata.backend %q", c.Metadata.Backend)
	}
	switch c.Catalog.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Catalog.PostgresDSN == "" {
			return errors.New("catalog.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown catalog.backend %q", c.Catalog.Backend)
	}

	if c.Driver.ClientCacheSize < 0 {
		return errors.New("driver.client_cache_size must not be negative")
	}
	if c.Driver.Retry.MaxAttempts < 1 {
		return errors.New("driver.retry.max_attempts must be at least 1")
	}
	if c.Cache.FlushWorkers < 1 {
		return errors.New("cache.flush_workers must be at least 1")
	}

	m := c.Migration
	if m.NodeConcurrency < 1 || m.SmallNodeConcurrency < 1 {
		return errors.New("migration concurrency must be at least 1")
	}
	if m.BatchSize < 1 || m.UpdateProgressInterval < 1 {
		return errors.New("migration.batch_size and migration.update_progress_interval must be at least 1")
	}
	if m.MaxRetries < 0 {
		return errors.New("migration.max_retries must not be negative")
	}
	if m.MigrateArchivedFileRate <= 0 {
		return errors.New("migration.migrate_archived_file_rate must be positive")
	}

	if !archive.ValidFullCodec(c.Archive.Codec) {
		return fmt.Errorf("unknown archive.codec %q", c.Archive.Codec)
	}
	if c.Archive.Workers < 1 {
		return errors.New("archive.workers must be at least 1")
	}
	if c.GC.GracePeriod < 0 {
		return errors.New("gc.grace_period must not be negative")
	}
	return nil
}

// CacheOptions returns the shared cache tuning. TTLs come from credentials.
func (c *Config) CacheOptions() cache.Options {
	opts := cache.DefaultOptions()
	opts.FlushWorkers = c.Cache.FlushWorkers
	opts.FlushQueue = c.Cache.FlushQueue
	opts.SweepInterval = c.Cache.SweepInterval
	opts.Retry.MaxAttempts = c.Cache.MaxFlushAttempts
	return opts
}

// MigrationOptions returns the executor options with the task config that
// new tasks freeze.
func (c *Config) MigrationOptions() migrate.Options {
	m := c.Migration
	opts := migrate.DefaultOptions()
	opts.Config = migrate.Config{
		NodeConcurrency:        m.NodeConcurrency,
		SmallNodeConcurrency:   m.SmallNodeConcurrency,
		SmallNodeThreshold:     int64(m.SmallNodeThreshold),
		CorrectInterval:        m.CorrectInterval,
		Timeout:                m.Timeout,
		ArchivedFileRate:       m.MigrateArchivedFileRate,
		UpdateProgressInterval: m.UpdateProgressInterval,
		MaxRetries:             m.MaxRetries,
		BatchSize:              m.BatchSize,
	}
	opts.PollInterval = m.PollInterval
	opts.LeaseTimeout = m.LeaseTimeout
	opts.MaxTasks = m.MaxTasks
	return opts
}

// ArchiveOptions returns the archive service options.
func (c *Config) ArchiveOptions() archive.Options {
	a := c.Archive
	opts := archive.DefaultOptions()
	opts.Workers = a.Workers
	opts.Codec = a.Codec
	opts.MaxBaseSize = int64(a.MaxBaseSize)
	opts.SweepInterval = a.SweepInterval
	opts.SweepBatch = a.SweepBatch
	opts.IdleAfter = a.IdleAfter
	return opts
}

// GCOptions returns the garbage collector options.
func (c *Config) GCOptions() refcount.GCOptions {
	return refcount.GCOptions{
		Interval:  c.GC.Interval,
		Grace:     c.GC.GracePeriod,
		BatchSize: c.GC.BatchSize,
		DryRun:    c.GC.DryRun,
	}
}

// CapacityOptions returns the resource guard thresholds.
func (c *Config) CapacityOptions() capacity.Options {
	return capacity.Options{
		MinFreeSpace:  int64(c.Capacity.MinFreeSpace),
		MinFreeMemory: int64(c.Capacity.MinFreeMemory),
		CheckInterval: c.Capacity.CheckInterval,
	}
}

// StatePath returns the local badger directory.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state")
}
