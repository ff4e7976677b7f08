package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/internal/storage/driver"
)

// Staged is content written to the cache's temp area and not yet committed
// under a path.
type Staged struct {
	name string
	size int64
}

// Size returns the number of bytes staged.
func (s *Staged) Size() int64 { return s.size }

// Stage copies r into the cache's temp area. It returns ErrUnavailable when
// the cache volume is unhealthy or cannot be written; r is untouched then.
func (c *Cache) Stage(r io.Reader) (*Staged, error) {
	return c.stageFrom(r)
}

func (c *Cache) stageFrom(r io.Reader) (*Staged, error) {
	if c.health != nil && !c.health.Healthy() {
		return nil, ErrUnavailable
	}
	if err := c.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	f, err := afero.TempFile(c.fs, tmpDir, "stage-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	name := f.Name()
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.fs.Remove(name)
		return nil, err
	}
	return &Staged{name: name, size: n}, nil
}

// Discard removes staged content that will not be committed.
func (c *Cache) Discard(s *Staged) {
	if s == nil {
		return
	}
	if err := c.fs.Remove(s.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Debug().Err(err).Str("file", s.name).Msg("Failed to remove staged file")
	}
}

// Commit moves staged content to p and schedules its backend flush. It
// returns once the local copy and its pending marker are durable.
func (c *Cache) Commit(s *Staged, p string) error {
	return c.install(s, p, Pending)
}

// Store is Stage followed by Commit.
func (c *Cache) Store(_ context.Context, p string, r io.Reader) error {
	s, err := c.Stage(r)
	if err != nil {
		return err
	}
	return c.Commit(s, p)
}

// install renames staged content into the data tree with the given state.
func (c *Cache) install(s *Staged, p string, state FlushState) error {
	if c.already(p) {
		c.Discard(s)
		return nil
	}
	if err := c.fs.MkdirAll(filepath.Dir(dataPath(p)), 0o755); err != nil {
		c.Discard(s)
		return fmt.Errorf("create cache dir: %w", err)
	}
	if state != Clean {
		if err := c.writeMarker(p, state); err != nil {
			c.Discard(s)
			return fmt.Errorf("write flush marker: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[p]; ok {
		// A concurrent writer of the same content won.
		e.lastAccess = c.now()
		if e.state == Clean && state != Clean {
			_ = c.fs.Remove(markerPath(p))
		}
		c.Discard(s)
		return nil
	}
	if err := c.fs.Rename(s.name, dataPath(p)); err != nil {
		if state != Clean {
			_ = c.fs.Remove(markerPath(p))
		}
		c.Discard(s)
		return fmt.Errorf("install cache file %s: %w", p, err)
	}
	c.entries[p] = &entry{size: s.size, lastAccess: c.now(), state: state}
	if state != Clean {
		c.enqueueLocked(p)
	}
	c.updateGaugesLocked()
	return nil
}

// already refreshes and reports an existing entry for p.
func (c *Cache) already(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[p]
	if ok {
		e.lastAccess = c.now()
	}
	return ok
}

func (c *Cache) writeMarker(p string, state FlushState) error {
	name := markerPath(p)
	if err := c.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	f, err := c.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(state.String())
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Delete removes the local entry and its marker, then deletes p from the
// backend. A flush of p that is already writing to the backend is waited
// for first so it cannot recreate the object afterwards.
func (c *Cache) Delete(ctx context.Context, p string) error {
	c.mu.Lock()
	for {
		e, ok := c.entries[p]
		if !ok || !e.flushing {
			break
		}
		done := e.flushed
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	delete(c.entries, p)
	for _, name := range []string{dataPath(p), markerPath(p)} {
		if err := c.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.mu.Unlock()
			return fmt.Errorf("remove cached %s: %w", p, err)
		}
	}
	c.updateGaugesLocked()
	c.mu.Unlock()
	return c.backend.Delete(ctx, p)
}

// enqueueLocked offers p to the flush workers. A full queue leaves the entry
// for the next sweep.
func (c *Cache) enqueueLocked(p string) {
	e, ok := c.entries[p]
	if !ok || e.queued || e.flushing || e.state == Clean {
		return
	}
	select {
	case c.queue <- p:
		e.queued = true
	default:
	}
}

func (c *Cache) flushWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case p := <-c.queue:
			c.flush(c.ctx, p)
		}
	}
}

// flush writes the local copy of p to the backend. An entry whose flush
// round fails stays on disk as dirty and is queued again by every sweep.
func (c *Cache) flush(ctx context.Context, p string) {
	c.mu.Lock()
	e, ok := c.entries[p]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.queued = false
	if e.flushing || e.state == Clean {
		c.mu.Unlock()
		return
	}
	e.flushing = true
	e.flushed = make(chan struct{})
	done := e.flushed
	size := e.size
	c.mu.Unlock()

	err := driver.Retry(ctx, c.opts.Retry, "cache_flush", c.logger, c.metrics, func() error {
		f, err := c.openData(p)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("cached copy of %s: %w", p, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		defer f.Close()
		return c.backend.Store(ctx, p, f, size)
	})

	c.mu.Lock()
	close(done)
	e, ok = c.entries[p]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.flushing = false
	if err == nil {
		e.state = Clean
		e.attempts = 0
		if rerr := c.fs.Remove(markerPath(p)); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			c.logger.Warn().Err(rerr).Str("path", p).Msg("Failed to remove flush marker")
		}
		c.updateGaugesLocked()
		c.mu.Unlock()
		c.flushes.Add(1)
		if c.metrics != nil {
			c.metrics.CacheFlushes.WithLabelValues("success").Inc()
		}
		return
	}
	if ctx.Err() != nil {
		// Shutting down; the marker brings the entry back on restart.
		c.mu.Unlock()
		return
	}
	e.attempts++
	rounds := e.attempts
	becameDirty := e.state != Dirty
	e.state = Dirty
	c.updateGaugesLocked()
	c.mu.Unlock()

	if becameDirty {
		if merr := c.writeMarker(p, Dirty); merr != nil {
			c.logger.Warn().Err(merr).Str("path", p).Msg("Failed to persist dirty marker")
		}
	}
	c.flushFailures.Add(1)
	if c.metrics != nil {
		c.metrics.CacheFlushes.WithLabelValues("error").Inc()
	}
	c.logger.Error().Err(err).
		Str("path", p).
		Int("rounds", rounds).
		Msg("Cache flush failed, entry is dirty and pinned until it reaches the backend")
}
