// Package cache is a write-behind local disk cache in front of one backend
// driver. Reads are served locally when possible and concurrent misses for
// the same path share one backend load. Writes land on local disk first and
// are flushed to the backend by a worker pool.
package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/storage/driver"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned by Stage when the cache volume cannot take
// writes. Callers should write to the backend directly.
var ErrUnavailable = errors.New("cache unavailable")

const (
	dataDir   = "data"
	markerDir = "pending"
	tmpDir    = "tmp"
)

// FlushState tracks whether the backend holds a copy of an entry.
type FlushState int

const (
	// Clean entries are durable in the backend.
	Clean FlushState = iota
	// Pending entries are waiting for their first flush.
	Pending
	// Dirty entries exhausted their flush attempts and are retried every sweep.
	Dirty
)

func (s FlushState) String() string {
	switch s {
	case Clean:
		return "clean"
	case Pending:
		return "pending"
	case Dirty:
		return "dirty"
	}
	return "unknown"
}

func parseFlushState(s string) FlushState {
	if strings.TrimSpace(s) == Dirty.String() {
		return Dirty
	}
	return Pending
}

// Health reports whether the cache volume can accept new writes.
type Health interface {
	Healthy() bool
}

// Options configures a Cache.
type Options struct {
	// TTL is how long an entry lives after its last access. Zero keeps
	// entries until deleted.
	TTL time.Duration
	// FlushWorkers is the number of concurrent backend flushes.
	FlushWorkers int
	// FlushQueue bounds queued flushes. Overflow is picked up by the sweep.
	FlushQueue int
	// SweepInterval is the period of the eviction sweep.
	SweepInterval time.Duration
	// Retry is the backoff between flush attempts of one flush round.
	Retry driver.RetryPolicy
}

// DefaultOptions returns the options used for unset fields.
func DefaultOptions() Options {
	return Options{
		TTL:           24 * time.Hour,
		FlushWorkers:  4,
		FlushQueue:    1024,
		SweepInterval: time.Minute,
		Retry:         driver.DefaultRetryPolicy(),
	}
}

type entry struct {
	size       int64
	lastAccess time.Time
	state      FlushState
	attempts   int
	readers    int
	flushing   bool
	flushed    chan struct{} // closed when the running flush returns
	queued     bool
}

// Stats are cumulative counters plus the current index size.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	BackendLoads  int64 `json:"backend_loads"`
	Evictions     int64 `json:"evictions"`
	Flushes       int64 `json:"flushes"`
	FlushFailures int64 `json:"flush_failures"`
	Entries       int   `json:"entries"`
	Pending       int   `json:"pending"`
	Dirty         int   `json:"dirty"`
	Bytes         int64 `json:"bytes"`
}

// Cache shadows one backend on local disk.
type Cache struct {
	fs      afero.Fs
	backend driver.Driver
	opts    Options
	health  Health
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	entries    map[string]*entry
	gaugeDirty int64
	gaugeBytes int64

	fetches singleflight.Group
	queue   chan string

	hits          atomic.Int64
	misses        atomic.Int64
	backendLoads  atomic.Int64
	evictions     atomic.Int64
	flushes       atomic.Int64
	flushFailures atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a cache storing its files in fs. health may be nil.
func New(fs afero.Fs, backend driver.Driver, opts Options, health Health, m *metrics.Metrics, logger zerolog.Logger) *Cache {
	def := DefaultOptions()
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.FlushWorkers <= 0 {
		opts.FlushWorkers = def.FlushWorkers
	}
	if opts.FlushQueue <= 0 {
		opts.FlushQueue = def.FlushQueue
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = def.Retry
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		fs:      fs,
		backend: backend,
		opts:    opts,
		health:  health,
		metrics: m,
		logger:  logger.With().Str("component", "cache").Logger(),
		now:     time.Now,
		entries: make(map[string]*entry),
		queue:   make(chan string, opts.FlushQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewOnDisk returns a cache rooted at dir on the OS filesystem.
func NewOnDisk(dir string, backend driver.Driver, opts Options, health Health, m *metrics.Metrics, logger zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), backend, opts, health, m, logger), nil
}

// Backend returns the driver the cache flushes to.
func (c *Cache) Backend() driver.Driver { return c.backend }

func dataPath(p string) string   { return filepath.Join(dataDir, filepath.FromSlash(p)) }
func markerPath(p string) string { return filepath.Join(markerDir, filepath.FromSlash(p)) }

// Start rebuilds the index from disk, queues unflushed entries and starts the
// flush workers and sweep loop.
func (c *Cache) Start() error {
	if err := c.recover(); err != nil {
		return err
	}
	recovered := len(c.entries)
	for i := 0; i < c.opts.FlushWorkers; i++ {
		c.wg.Add(1)
		go c.flushWorker()
	}
	c.wg.Add(1)
	go c.sweepLoop()
	c.logger.Info().
		Int("entries", recovered).
		Int("flush_workers", c.opts.FlushWorkers).
		Dur("ttl", c.opts.TTL).
		Msg("Cache started")
	return nil
}

// Stop halts the workers. Unflushed entries keep their markers and are
// queued again by the next Start.
func (c *Cache) Stop() {
	c.cancel()
	c.wg.Wait()
	c.logger.Info().Msg("Cache stopped")
}

// recover loads the index from the data and marker trees.
func (c *Cache) recover() error {
	for _, dir := range []string{dataDir, markerDir, tmpDir} {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	// Staged files from a previous run were never committed.
	if err := c.fs.RemoveAll(tmpDir); err != nil {
		return err
	}
	if err := c.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := afero.Walk(c.fs, dataDir, func(name string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dataDir, name)
		if err != nil {
			return err
		}
		c.entries[filepath.ToSlash(rel)] = &entry{size: info.Size(), lastAccess: info.ModTime()}
		return nil
	})
	if err != nil {
		return err
	}

	var queue []string
	err = afero.Walk(c.fs, markerDir, func(name string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(markerDir, name)
		if err != nil {
			return err
		}
		p := filepath.ToSlash(rel)
		e, ok := c.entries[p]
		if !ok {
			// The data never landed, so there is nothing to flush.
			return c.fs.Remove(name)
		}
		raw, err := afero.ReadFile(c.fs, name)
		if err != nil {
			return err
		}
		e.state = parseFlushState(string(raw))
		queue = append(queue, p)
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range queue {
		c.enqueueLocked(p)
	}
	c.updateGaugesLocked()
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		BackendLoads:  c.backendLoads.Load(),
		Evictions:     c.evictions.Load(),
		Flushes:       c.flushes.Load(),
		FlushFailures: c.flushFailures.Load(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		s.Entries++
		s.Bytes += e.size
		switch e.state {
		case Pending:
			s.Pending++
		case Dirty:
			s.Dirty++
		}
	}
	return s
}

// State returns the flush state of p and whether it is cached.
func (c *Cache) State(p string) (FlushState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[p]
	if !ok {
		return Clean, false
	}
	return e.state, true
}

// Busy reports whether p has open readers or is not yet durable in the
// backend.
func (c *Cache) Busy(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[p]
	return ok && (e.readers > 0 || e.flushing || e.state != Clean)
}

func (c *Cache) updateGaugesLocked() {
	if c.metrics == nil {
		return
	}
	var dirty, bytes int64
	for _, e := range c.entries {
		bytes += e.size
		if e.state == Dirty {
			dirty++
		}
	}
	// Several caches share the gauges, so each reports its own delta.
	c.metrics.CacheDirty.Add(float64(dirty - c.gaugeDirty))
	c.metrics.CacheBytes.Add(float64(bytes - c.gaugeBytes))
	c.gaugeDirty, c.gaugeBytes = dirty, bytes
}
