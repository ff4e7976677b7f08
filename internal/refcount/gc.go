package refcount

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"go.uber.org/multierr"
)

// NodeLookup reports whether any live metadata node still points at a blob.
type NodeLookup interface {
	Referenced(ctx context.Context, sha256, credKey string) (bool, error)
}

// BlobDeleter removes the physical bytes of a blob.
type BlobDeleter interface {
	DeleteBlob(ctx context.Context, sha256, credKey string) error
}

// BlobLocker is implemented by deleters that serialize writers of a blob
// against its deletion. The collector holds the lock from its final count
// check until the bytes are gone.
type BlobLocker interface {
	LockBlob(sha256, credKey string) (unlock func())
}

// GCOptions configures a Collector.
type GCOptions struct {
	// Interval between background sweeps.
	Interval time.Duration
	// Grace is how long a row must have been zero before its bytes go.
	Grace time.Duration
	// BatchSize bounds the rows read per query.
	BatchSize int
	// DryRun reports what would be deleted without changing anything.
	DryRun bool
}

// DefaultGCOptions returns the options used when none are configured.
func DefaultGCOptions() GCOptions {
	return GCOptions{
		Interval:  time.Hour,
		Grace:     24 * time.Hour,
		BatchSize: 1000,
	}
}

// GCStats summarises one collection run.
type GCStats struct {
	Scanned   int  `json:"scanned"`
	Deleted   int  `json:"deleted"`
	Corrected int  `json:"corrected"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	DryRun    bool `json:"dryRun"`
}

// Collector deletes the bytes of blobs whose reference count has been zero
// for longer than the grace period. A zero row that the metadata store still
// references is corrected back to 1 instead of being deleted.
type Collector struct {
	store   Store
	nodes   NodeLookup
	blobs   BlobDeleter
	opts    GCOptions
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector returns a collector over store.
func NewCollector(store Store, nodes NodeLookup, blobs BlobDeleter, opts GCOptions, m *metrics.Metrics, logger zerolog.Logger) *Collector {
	def := DefaultGCOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	return &Collector{
		store:   store,
		nodes:   nodes,
		blobs:   blobs,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "gc").Logger(),
		now:     time.Now,
	}
}

// Start runs a collection every interval until Stop.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Run(ctx, c.opts.DryRun); err != nil {
					c.logger.Warn().Err(err).Msg("Garbage collection finished with errors")
				}
			}
		}
	}()
	c.logger.Info().Dur("interval", c.opts.Interval).Dur("grace", c.opts.Grace).Msg("Garbage collector started")
}

// Stop cancels the background loop and waits for it.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Run performs one collection. Only one run executes at a time.
func (c *Collector) Run(ctx context.Context, dryRun bool) (GCStats, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	stats := GCStats{DryRun: dryRun}
	cutoff := c.now().Add(-c.opts.Grace)
	var errs error

	for {
		if err := ctx.Err(); err != nil {
			return stats, multierr.Append(errs, err)
		}
		rows, err := c.store.Zeroed(ctx, cutoff, c.opts.BatchSize)
		if err != nil {
			return stats, multierr.Append(errs, err)
		}
		changed := 0
		for _, row := range rows {
			stats.Scanned++
			result, err := c.collect(ctx, row, dryRun)
			switch result {
			case "deleted":
				stats.Deleted++
				changed++
			case "corrected":
				stats.Corrected++
				changed++
			case "failed":
				stats.Failed++
			default:
				stats.Skipped++
				changed++
			}
			if c.metrics != nil {
				c.metrics.GCBlobs.WithLabelValues(result).Inc()
			}
			errs = multierr.Append(errs, err)
		}
		// Rows left untouched by a batch would be returned again.
		if dryRun || len(rows) < c.opts.BatchSize || changed == 0 {
			break
		}
	}

	c.logger.Info().
		Int("scanned", stats.Scanned).
		Int("deleted", stats.Deleted).
		Int("corrected", stats.Corrected).
		Int("failed", stats.Failed).
		Bool("dry_run", dryRun).
		Msg("Garbage collection complete")
	return stats, errs
}

// collect handles one zero row and returns the result label.
func (c *Collector) collect(ctx context.Context, row Reference, dryRun bool) (string, error) {
	log := c.logger.With().Str("sha256", row.SHA256).Str("credential", row.Credential).Logger()

	referenced, err := c.nodes.Referenced(ctx, row.SHA256, row.Credential)
	if err != nil {
		return "failed", fmt.Errorf("lookup %s: %w", row.SHA256, err)
	}
	if referenced {
		if dryRun {
			log.Info().Msg("Would correct reference count of referenced blob")
			return "corrected", nil
		}
		if err := c.store.Reset(ctx, row.SHA256, row.Credential, 1); err != nil {
			return "failed", err
		}
		log.Warn().Msg("Corrected zero reference count of referenced blob")
		return "corrected", nil
	}

	if dryRun {
		log.Info().Msg("Would delete unreferenced blob")
		return "deleted", nil
	}

	claimed, err := c.store.DeleteIfZero(ctx, row.SHA256, row.Credential)
	if err != nil {
		return "failed", err
	}
	if !claimed {
		return "skipped", nil
	}
	if l, ok := c.blobs.(BlobLocker); ok {
		unlock := l.LockBlob(row.SHA256, row.Credential)
		defer unlock()
	}
	// A concurrent increment after the claim recreates the row.
	if n, err := c.store.Count(ctx, row.SHA256, row.Credential); err != nil || n > 0 {
		return "skipped", err
	}

	if err := c.blobs.DeleteBlob(ctx, row.SHA256, row.Credential); err != nil {
		log.Warn().Err(err).Msg("Failed to delete blob bytes, keeping row for retry")
		if rerr := c.store.Reset(ctx, row.SHA256, row.Credential, 0); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to restore reference row, blob bytes leaked")
			err = multierr.Append(err, rerr)
		}
		return "failed", fmt.Errorf("delete blob %s: %w", row.SHA256, err)
	}
	log.Debug().Msg("Deleted unreferenced blob")
	return "deleted", nil
}
