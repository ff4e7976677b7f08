package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// File is an open cached blob. The entry cannot be evicted until Close.
type File struct {
	afero.File
	once    sync.Once
	release func()
}

// Close closes the file and unpins the entry.
func (f *File) Close() error {
	err := f.File.Close()
	f.once.Do(f.release)
	return err
}

// Get opens p from the cache, loading it from the backend on a miss.
// Concurrent misses for the same path share a single backend load.
func (c *Cache) Get(ctx context.Context, p string) (*File, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := c.open(p)
		if err == nil {
			if attempt == 0 {
				c.hit()
			}
			return f, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if attempt == 0 {
			c.miss()
		}

		// Waiters detach from the shared load so one caller cancelling does
		// not fail the others.
		ch := c.fetches.DoChan(p, func() (any, error) {
			return nil, c.fetch(context.WithoutCancel(ctx), p)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// Evicted between the load and the open; serve from the backend.
	return nil, fmt.Errorf("open cached %s: %w", p, storage.ErrNotFound)
}

// Contains reports whether p is cached locally.
func (c *Cache) Contains(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[p]
	return ok
}

// Exists reports whether p is cached locally or present in the backend.
func (c *Cache) Exists(ctx context.Context, p string) (bool, error) {
	if c.Contains(p) {
		return true, nil
	}
	return c.backend.Exists(ctx, p)
}

// Size returns the length of p from the index or the backend.
func (c *Cache) Size(ctx context.Context, p string) (int64, error) {
	c.mu.Lock()
	e, ok := c.entries[p]
	var size int64
	if ok {
		size = e.size
	}
	c.mu.Unlock()
	if ok {
		return size, nil
	}
	return c.backend.Size(ctx, p)
}

// Touch refreshes the last access time of p.
func (c *Cache) Touch(p string) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[p]
	if ok {
		e.lastAccess = now
	}
	c.mu.Unlock()
	if ok {
		if err := c.fs.Chtimes(dataPath(p), now, now); err != nil {
			c.logger.Debug().Err(err).Str("path", p).Msg("Failed to update cache file times")
		}
	}
}

// open pins and opens a cached entry.
func (c *Cache) open(p string) (*File, error) {
	c.mu.Lock()
	e, ok := c.entries[p]
	if !ok {
		c.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	e.readers++
	c.mu.Unlock()

	c.Touch(p)
	f, err := c.fs.Open(dataPath(p))
	if err != nil {
		c.unpin(p)
		if errors.Is(err, os.ErrNotExist) {
			c.forget(p)
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &File{File: f, release: func() { c.unpin(p) }}, nil
}

func (c *Cache) unpin(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[p]; ok && e.readers > 0 {
		e.readers--
	}
}

// forget drops an index entry whose file disappeared underneath it.
func (c *Cache) forget(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[p]; ok && e.state == Clean && e.readers == 0 {
		delete(c.entries, p)
		c.updateGaugesLocked()
	}
}

// fetch copies p from the backend into the cache.
func (c *Cache) fetch(ctx context.Context, p string) error {
	if c.Contains(p) {
		return nil
	}
	if c.health != nil && !c.health.Healthy() {
		return ErrUnavailable
	}
	c.backendLoads.Add(1)
	rc, err := c.backend.Load(ctx, p)
	if err != nil {
		return err
	}
	defer rc.Close()

	staged, err := c.stageFrom(rc)
	if err != nil {
		return fmt.Errorf("seed cache %s: %w", p, err)
	}
	return c.install(staged, p, Clean)
}

func (c *Cache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheRequests.WithLabelValues("hit").Inc()
	}
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheRequests.WithLabelValues("miss").Inc()
	}
}

// openData opens the local copy of p.
func (c *Cache) openData(p string) (afero.File, error) {
	return c.fs.Open(dataPath(p))
}

var _ io.ReadSeekCloser = (*File)(nil)
