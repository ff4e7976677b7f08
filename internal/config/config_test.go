package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/pkg/bytesize"
	"github.com/tunnelmesh/artifactstore/testutil"
)

const minimal = `
credentials:
  - key: ""
    type: filesystem
    filesystem:
      path: /srv/blobs
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	content := `
data_dir: /data/artifactstore
admin:
  listen: "0.0.0.0:9000"
  token: "secret"
default_credential: cold
credentials:
  - key: ""
    type: filesystem
    filesystem:
      path: /srv/blobs
    cache:
      enabled: true
      path: /var/cache/blobs
      ttl_seconds: 600
  - key: cold
    type: s3
    s3:
      bucket: archive
      region: eu-west-1
metadata:
  backend: postgres
  postgres_dsn: "postgres://localhost/meta"
catalog:
  backend: postgres
driver:
  client_cache_size: 8
  retry:
    max_attempts: 6
    initial_interval: 100ms
    max_interval: 2s
migration:
  small_node_threshold: 4MB
  correct_interval: 30m
  batch_size: 50
archive:
  enabled: true
  codec: xz
  max_base_size: 64MB
gc:
  grace_period: 48h
  dry_run: true
capacity:
  min_free_space: 10GB
`
	cfg, err := Load(testutil.TempFile(t, dir, "artifactstore.yaml", content))
	require.NoError(t, err)

	assert.Equal(t, "/data/artifactstore", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:9000", cfg.Admin.Listen)
	assert.Equal(t, "secret", cfg.Admin.Token)
	require.Len(t, cfg.Credentials, 2)
	assert.Equal(t, storage.TypeS3, cfg.Credentials[1].Type)
	assert.Equal(t, 10*time.Minute, cfg.Credentials[0].Cache.TTL())
	assert.Equal(t, "postgres://localhost/meta", cfg.Catalog.PostgresDSN, "catalog reuses the metadata dsn")
	assert.Equal(t, 6, cfg.Driver.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Driver.Retry.InitialInterval)

	assert.Equal(t, bytesize.Size(4*bytesize.MB), cfg.Migration.SmallNodeThreshold)
	mo := cfg.MigrationOptions()
	assert.Equal(t, int64(4<<20), mo.Config.SmallNodeThreshold)
	assert.Equal(t, 30*time.Minute, mo.Config.CorrectInterval)
	assert.Equal(t, 50, mo.Config.BatchSize)

	ao := cfg.ArchiveOptions()
	assert.Equal(t, "xz", ao.Codec)
	assert.Equal(t, int64(64<<20), ao.MaxBaseSize)

	gc := cfg.GCOptions()
	assert.Equal(t, 48*time.Hour, gc.Grace)
	assert.True(t, gc.DryRun)
	assert.Equal(t, int64(10<<30), cfg.CapacityOptions().MinFreeSpace)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/artifactstore", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:8480", cfg.Admin.Listen)
	assert.Equal(t, BackendBadger, cfg.Metadata.Backend)
	assert.Equal(t, BackendMemory, cfg.Catalog.Backend)
	assert.Equal(t, filepath.Join("/var/lib/artifactstore", "uploads"), cfg.Upload.TempDir)
	assert.Equal(t, 24*time.Hour, cfg.Upload.ExpireAfter)
	assert.Equal(t, filepath.Join("/var/lib/artifactstore", "state"), cfg.StatePath())

	assert.Equal(t, 8, cfg.Migration.NodeConcurrency)
	assert.Equal(t, 3, cfg.Migration.MaxRetries)
	assert.Equal(t, 6*time.Hour, cfg.Migration.CorrectInterval)
	assert.Equal(t, "zstd", cfg.Archive.Codec)
	assert.False(t, cfg.Archive.Enabled)
	assert.Equal(t, time.Hour, cfg.GC.Interval)
	assert.Equal(t, 24*time.Hour, cfg.GC.GracePeriod)
	assert.Equal(t, 4, cfg.CacheOptions().Retry.MaxAttempts)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Parse([]byte(`
data_dir: ~/.artifactstore
credentials:
  - key: ""
    type: filesystem
    filesystem:
      path: ~/blobs
    cache:
      enabled: true
      path: ~/cache
      ttl_seconds: 60
`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".artifactstore"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "blobs"), cfg.Credentials[0].Filesystem.Path)
	assert.Equal(t, filepath.Join(home, "cache"), cfg.Credentials[0].Cache.Path)
	assert.Equal(t, filepath.Join(home, ".artifactstore", "uploads"), cfg.Upload.TempDir)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("credentials: [invalid yaml\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "no credentials",
			content: "data_dir: /tmp/x\n",
			errMsg:  "at least one credential",
		},
		{
			name: "duplicate credential",
			content: minimal + `
  - key: ""
    type: filesystem
    filesystem:
      path: /srv/other
`,
			errMsg: "duplicate credential",
		},
		{
			name: "unknown default credential",
			content: minimal + `
default_credential: nowhere
`,
			errMsg: "default_credential",
		},
		{
			name: "s3 without bucket",
			content: `
credentials:
  - key: ""
    type: s3
    s3:
      region: us-east-1
`,
			errMsg: "s3.bucket is required",
		},
		{
			name: "cache without ttl",
			content: `
credentials:
  - key: ""
    type: filesystem
    filesystem:
      path: /srv/blobs
    cache:
      enabled: true
      path: /var/cache
`,
			errMsg: "ttl_seconds must be positive",
		},
		{
			name: "postgres metadata without dsn",
			content: minimal + `
metadata:
  backend: postgres
`,
			errMsg: "metadata.postgres_dsn is required",
		},
		{
			name: "unknown catalog backend",
			content: minimal + `
catalog:
  backend: mongo
`,
			errMsg: "unknown catalog.backend",
		},
		{
			name: "unknown codec",
			content: minimal + `
archive:
  codec: lz4
`,
			errMsg: "unknown archive.codec",
		},
		{
			name: "bad admin listen",
			content: minimal + `
admin:
  listen: "nope"
`,
			errMsg: "invalid admin.listen",
		},
		{
			name: "negative retries",
			content: minimal + `
migration:
  max_retries: -1
`,
			errMsg: "max_retries must not be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
