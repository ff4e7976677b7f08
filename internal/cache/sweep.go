package cache

import (
	"errors"
	"os"
	"time"
)

// SweepStats describes one sweep.
type SweepStats struct {
	Evicted      int   `json:"evicted"`
	EvictedBytes int64 `json:"evicted_bytes"`
	Requeued     int   `json:"requeued"`
	Dirty        int   `json:"dirty"`
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep evicts expired clean entries that nobody is reading and queues every
// unflushed entry that is not already queued. Unflushed entries are never
// evicted.
func (c *Cache) Sweep() SweepStats {
	var stats SweepStats
	now := c.now()

	c.mu.Lock()
	for p, e := range c.entries {
		if e.state != Clean {
			if e.state == Dirty {
				stats.Dirty++
			}
			if !e.queued && !e.flushing {
				c.enqueueLocked(p)
				if e.queued {
					stats.Requeued++
				}
			}
			continue
		}
		if c.opts.TTL <= 0 || e.readers > 0 || e.flushing || now.Before(e.lastAccess.Add(c.opts.TTL)) {
			continue
		}
		if err := c.fs.Remove(dataPath(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", p).Msg("Failed to evict cache entry")
			continue
		}
		delete(c.entries, p)
		stats.Evicted++
		stats.EvictedBytes += e.size
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	if stats.Evicted > 0 {
		c.evictions.Add(int64(stats.Evicted))
		if c.metrics != nil {
			c.metrics.CacheEvictions.Add(float64(stats.Evicted))
		}
	}
	if stats.Evicted > 0 || stats.Requeued > 0 {
		c.logger.Debug().
			Int("evicted", stats.Evicted).
			Int64("evicted_bytes", stats.EvictedBytes).
			Int("requeued", stats.Requeued).
			Int("dirty", stats.Dirty).
			Msg("Cache sweep complete")
	}
	return stats
}
