// Package capacity reports whether the local node has enough disk space and
// memory to take on more work.
package capacity

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/mem"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
)

// Options are the free resource thresholds. Zero disables a check.
type Options struct {
	MinFreeSpace  int64
	MinFreeMemory int64
	CheckInterval time.Duration
}

// Volume is a point-in-time view of one watched path.
type Volume struct {
	Path           string `json:"path"`
	TotalBytes     int64  `json:"total_bytes"`
	UsedBytes      int64  `json:"used_bytes"`
	AvailableBytes int64  `json:"available_bytes"`
	Error          string `json:"error,omitempty"`
}

// Snapshot is the result of one check.
type Snapshot struct {
	Timestamp            time.Time `json:"timestamp"`
	Volumes              []Volume  `json:"volumes"`
	MemoryAvailableBytes int64     `json:"memory_available_bytes"`
	Healthy              bool      `json:"healthy"`
	Reason               string    `json:"reason,omitempty"`
}

// Guard caches a Snapshot for CheckInterval so hot paths can ask cheaply.
type Guard struct {
	paths   []string
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	statVolume func(path string) (total, used, available int64, err error)
	statMemory func() (int64, error)
	now        func() time.Time

	mu     sync.Mutex
	last   Snapshot
	health map[string]bool
}

// NewGuard watches the volumes holding paths.
func NewGuard(paths []string, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Guard {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 10 * time.Second
	}
	return &Guard{
		paths:      paths,
		opts:       opts,
		metrics:    m,
		logger:     logger.With().Str("component", "capacity").Logger(),
		statVolume: statNearest,
		statMemory: availableMemory,
		now:        time.Now,
		health:     make(map[string]bool),
	}
}

// statNearest stats the volume of path, or of its closest existing parent
// while path has not been created yet. Cache directories appear on first use.
func statNearest(path string) (total, used, available int64, err error) {
	p := filepath.Clean(path)
	for {
		if _, serr := os.Stat(p); serr == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return VolumeStats(p)
}

func availableMemory() (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int64(vm.Available), nil
}

// Healthy reports whether every watched volume and the memory check pass.
// A nil Guard is always healthy.
func (g *Guard) Healthy() bool {
	if g == nil {
		return true
	}
	return g.Snapshot().Healthy
}

// PathHealthy reports whether the volume holding path passes the free space
// check. Paths the guard does not watch are reported healthy.
func (g *Guard) PathHealthy(path string) bool {
	if g == nil {
		return true
	}
	g.Snapshot()
	g.mu.Lock()
	defer g.mu.Unlock()
	ok, watched := g.health[path]
	return !watched || ok
}

// Snapshot returns the cached view, refreshing it when older than the check
// interval.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.last.Timestamp.IsZero() && now.Sub(g.last.Timestamp) < g.opts.CheckInterval {
		return g.last
	}
	g.last = g.check(now)
	return g.last
}

func (g *Guard) check(now time.Time) Snapshot {
	snap := Snapshot{Timestamp: now, Healthy: true}
	for _, p := range g.paths {
		v := Volume{Path: p}
		var err error
		v.TotalBytes, v.UsedBytes, v.AvailableBytes, err = g.statVolume(p)
		ok := true
		switch {
		case err != nil:
			v.Error = err.Error()
			ok = false
			snap.Reason = "volume " + p + " unavailable"
		case g.opts.MinFreeSpace > 0 && v.AvailableBytes < g.opts.MinFreeSpace:
			ok = false
			snap.Reason = "low disk space on " + p
		}
		g.health[p] = ok
		snap.Healthy = snap.Healthy && ok
		snap.Volumes = append(snap.Volumes, v)
	}

	if g.opts.MinFreeMemory > 0 {
		avail, err := g.statMemory()
		if err != nil {
			// Memory stats are best effort and never block work on their own.
			g.logger.Debug().Err(err).Msg("Failed to read memory stats")
		} else {
			snap.MemoryAvailableBytes = avail
			if avail < g.opts.MinFreeMemory {
				snap.Healthy = false
				snap.Reason = "low free memory"
			}
		}
	}

	if g.last.Healthy != snap.Healthy || g.last.Timestamp.IsZero() {
		ev := g.logger.Info()
		if !snap.Healthy {
			ev = g.logger.Warn().Str("reason", snap.Reason)
		}
		ev.Bool("healthy", snap.Healthy).Msg("Capacity state changed")
	}
	if g.metrics != nil {
		v := 0.0
		if snap.Healthy {
			v = 1
		}
		g.metrics.CapacityHealthy.Set(v)
	}
	return snap
}
