package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/cache"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/internal/storage/driver"
)

// PathHealth reports whether the volume holding a path can take writes.
type PathHealth interface {
	PathHealthy(path string) bool
}

// DriverSource hands out the driver of a credential.
type DriverSource interface {
	Get(ctx context.Context, cred storage.Credential) (driver.Driver, error)
}

// Backends resolves credential keys to drivers and, for credentials with a
// cache enabled, to the cache in front of that driver. Caches are created on
// first use and stopped by Close.
type Backends struct {
	creds     *storage.Credentials
	drivers   DriverSource
	cacheOpts cache.Options
	health    PathHealth
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu     sync.Mutex
	caches map[string]*cache.Cache
	closed bool
}

// NewBackends returns a resolver over creds. health may be nil.
func NewBackends(creds *storage.Credentials, drivers DriverSource, cacheOpts cache.Options, health PathHealth, m *metrics.Metrics, logger zerolog.Logger) *Backends {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Backends{
		creds:     creds,
		drivers:   drivers,
		cacheOpts: cacheOpts,
		health:    health,
		metrics:   m,
		logger:    logger,
		caches:    make(map[string]*cache.Cache),
	}
}

// Credential returns the configured credential for key.
func (b *Backends) Credential(key string) (storage.Credential, error) {
	return b.creds.Get(key)
}

// Known returns nil when key names a configured credential.
func (b *Backends) Known(key string) error {
	_, err := b.creds.Get(key)
	return err
}

// Driver returns the backend driver of credKey, bypassing any cache.
func (b *Backends) Driver(ctx context.Context, credKey string) (driver.Driver, error) {
	cred, err := b.creds.Get(credKey)
	if err != nil {
		return nil, err
	}
	return b.drivers.Get(ctx, cred)
}

// Cache returns the cache of credKey, or nil when the credential has none.
func (b *Backends) Cache(credKey string) (*cache.Cache, error) {
	cred, err := b.creds.Get(credKey)
	if err != nil {
		return nil, err
	}
	if !cred.Cache.Enabled {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.caches[credKey]; ok {
		return c, nil
	}
	if b.closed {
		return nil, cache.ErrUnavailable
	}

	opts := b.cacheOpts
	opts.TTL = cred.Cache.TTL()
	var health cache.Health
	if b.health != nil {
		health = volumeHealth{b.health, cred.Cache.Path}
	}
	logger := b.logger.With().Str("credential", cred.String()).Logger()
	c, err := cache.NewOnDisk(cred.Cache.Path, &pooled{b: b, cred: cred}, opts, health, b.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache of %s: %w", cred, err)
	}
	if err := c.Start(); err != nil {
		c.Stop()
		return nil, fmt.Errorf("start cache of %s: %w", cred, err)
	}
	b.caches[credKey] = c
	return c, nil
}

// Busy reports whether the blob has open cache readers or an unflushed
// local copy.
func (b *Backends) Busy(sha256, credKey string) bool {
	b.mu.Lock()
	c, ok := b.caches[credKey]
	b.mu.Unlock()
	if !ok {
		return false
	}
	p, err := storage.Locate(sha256)
	return err == nil && c.Busy(p)
}

// CacheStats returns the stats of every open cache by credential key.
func (b *Backends) CacheStats() map[string]cache.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]cache.Stats, len(b.caches))
	for key, c := range b.caches {
		out[key] = c.Stats()
	}
	return out
}

// SweepCaches runs one eviction pass over every open cache.
func (b *Backends) SweepCaches() map[string]cache.SweepStats {
	b.mu.Lock()
	caches := make(map[string]*cache.Cache, len(b.caches))
	for k, c := range b.caches {
		caches[k] = c
	}
	b.mu.Unlock()

	out := make(map[string]cache.SweepStats, len(caches))
	for k, c := range caches {
		out[k] = c.Sweep()
	}
	return out
}

// Keys returns the configured credential keys in order.
func (b *Backends) Keys() []string {
	all := b.creds.All()
	keys := make([]string, 0, len(all))
	for _, c := range all {
		keys = append(keys, c.Key)
	}
	sort.Strings(keys)
	return keys
}

// Close stops every cache. Pending flushes resume on the next start.
func (b *Backends) Close() {
	b.mu.Lock()
	caches := b.caches
	b.caches = make(map[string]*cache.Cache)
	b.closed = true
	b.mu.Unlock()
	for _, c := range caches {
		c.Stop()
	}
}

type volumeHealth struct {
	guard PathHealth
	path  string
}

func (v volumeHealth) Healthy() bool { return v.guard.PathHealthy(v.path) }

// pooled resolves its driver from the pool on every call so a cache never
// holds a client the pool already evicted and closed.
type pooled struct {
	b    *Backends
	cred storage.Credential
}

func (p *pooled) get(ctx context.Context) (driver.Driver, error) {
	return p.b.drivers.Get(ctx, p.cred)
}

func (p *pooled) Store(ctx context.Context, path string, r io.Reader, size int64) error {
	d, err := p.get(ctx)
	if err != nil {
		return err
	}
	return d.Store(ctx, path, r, size)
}

func (p *pooled) Load(ctx context.Context, path string) (io.ReadCloser, error) {
	d, err := p.get(ctx)
	if err != nil {
		return nil, err
	}
	return d.Load(ctx, path)
}

func (p *pooled) Delete(ctx context.Context, path string) error {
	d, err := p.get(ctx)
	if err != nil {
		return err
	}
	return d.Delete(ctx, path)
}

func (p *pooled) Exists(ctx context.Context, path string) (bool, error) {
	d, err := p.get(ctx)
	if err != nil {
		return false, err
	}
	return d.Exists(ctx, path)
}

func (p *pooled) Size(ctx context.Context, path string) (int64, error) {
	d, err := p.get(ctx)
	if err != nil {
		return 0, err
	}
	return d.Size(ctx, path)
}

func (p *pooled) Append(ctx context.Context, path string, r io.Reader) (int64, error) {
	d, err := p.get(ctx)
	if err != nil {
		return 0, err
	}
	return d.Append(ctx, path, r)
}

// Close is a no-op; the pool owns the client.
func (p *pooled) Close() error { return nil }
