package driver

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// DefaultPoolSize bounds the number of live backend clients.
const DefaultPoolSize = 32

// PoolOptions configure a Pool.
type PoolOptions struct {
	Size    int
	Retry   RetryPolicy
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Pool hands out drivers for credentials, reusing one client per structural
// identity. The least recently used client is closed when the pool is full.
type Pool struct {
	registry *Registry
	opts     PoolOptions
	logger   zerolog.Logger
	clients  *lru.Cache[string, Driver]
	creating singleflight.Group

	mu       sync.Mutex
	closeErr error
}

// NewPool creates a pool that builds drivers through registry.
func NewPool(registry *Registry, opts PoolOptions) (*Pool, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultPoolSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	p := &Pool{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "driver-pool").Logger(),
	}
	clients, err := lru.NewWithEvict(opts.Size, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	p.clients = clients
	return p, nil
}

func (p *Pool) onEvict(identity string, d Driver) {
	if err := d.Close(); err != nil {
		p.logger.Warn().Err(err).Str("identity", identity[:12]).Msg("Failed to close evicted driver")
		p.mu.Lock()
		p.closeErr = multierr.Append(p.closeErr, err)
		p.mu.Unlock()
	}
}

// Get returns the driver for cred, creating it on first use.
func (p *Pool) Get(ctx context.Context, cred storage.Credential) (Driver, error) {
	id := cred.Identity()
	if d, ok := p.clients.Get(id); ok {
		return d, nil
	}

	v, err, _ := p.creating.Do(id, func() (interface{}, error) {
		if d, ok := p.clients.Get(id); ok {
			return d, nil
		}
		d, err := p.registry.New(ctx, cred, p.opts.Logger)
		if err != nil {
			return nil, err
		}
		d = Instrument(d, cred.Type, p.opts.Metrics)
		if p.opts.Retry.MaxAttempts > 1 {
			d = WithRetry(d, p.opts.Retry, p.opts.Metrics, p.opts.Logger)
		}
		p.clients.Add(id, d)
		p.opts.Metrics.DriverPoolSize.Set(float64(p.clients.Len()))
		p.logger.Debug().Str("credential", cred.String()).Msg("Driver created")
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Driver), nil
}

// Len returns the number of live clients.
func (p *Pool) Len() int { return p.clients.Len() }

// Close closes every live client and returns the errors seen while closing
// evicted clients.
func (p *Pool) Close() error {
	p.clients.Purge()
	p.opts.Metrics.DriverPoolSize.Set(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.closeErr
	p.closeErr = nil
	return err
}
