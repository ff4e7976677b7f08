package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/artifactstore/internal/admin"
	"github.com/tunnelmesh/artifactstore/internal/archive"
	"github.com/tunnelmesh/artifactstore/internal/blockstore"
	"github.com/tunnelmesh/artifactstore/internal/capacity"
	"github.com/tunnelmesh/artifactstore/internal/catalog"
	"github.com/tunnelmesh/artifactstore/internal/config"
	"github.com/tunnelmesh/artifactstore/internal/engine"
	"github.com/tunnelmesh/artifactstore/internal/kv"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/migrate"
	"github.com/tunnelmesh/artifactstore/internal/refcount"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/internal/storage/driver"
	"go.uber.org/multierr"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage engine daemon",
		Long: `Run the storage engine with its migration executor, archive tier,
garbage collector and admin API.

Examples:
  artifactstore serve --config /etc/artifactstore/artifactstore.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			if cfgFile == "" {
				return errors.New("config file required (--config)")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfgFile)
		},
	}
}

// runServe loads the config and runs the daemon until ctx is cancelled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info().Str("config", configPath).Str("data_dir", cfg.DataDir).Msg("Config loaded")

	d, err := newDaemon(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return multierr.Append(err, d.Close())
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return d.Close()
}

// daemon owns every long-running component of a node.
type daemon struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	db       *kv.DB
	pool     *driver.Pool
	guard    *capacity.Guard
	catalog  catalog.Catalog
	backends *engine.Backends
	engine   *engine.Engine
	archive  *archive.Service
	executor *migrate.Executor
	gc       *refcount.Collector
	admin    *admin.Server

	pgPools map[string]*pgxpool.Pool
	closers []func() error

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	stopGC    chan struct{}
}

func newDaemon(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (d *daemon, err error) {
	d = &daemon{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewWithRuntime(prometheus.NewRegistry()),
		pgPools: make(map[string]*pgxpool.Pool),
		stopGC:  make(chan struct{}),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.closeAll())
		}
	}()

	spoolDir := filepath.Join(cfg.DataDir, "spool")
	for _, dir := range []string{cfg.DataDir, cfg.StatePath(), cfg.Upload.TempDir, spoolDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if d.db, err = kv.Open(cfg.StatePath(), logger); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.db.Close)

	refs, err := d.openRefs(ctx)
	if err != nil {
		return nil, err
	}
	if d.catalog, err = d.openCatalog(ctx); err != nil {
		return nil, err
	}

	creds, err := storage.NewCredentials(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	d.pool, err = driver.NewPool(driver.NewDefaultRegistry(), driver.PoolOptions{
		Size:    cfg.Driver.ClientCacheSize,
		Retry:   cfg.Driver.Retry,
		Metrics: d.metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.pool.Close)

	watched := []string{cfg.DataDir, cfg.Upload.TempDir}
	for _, c := range creds.All() {
		if !c.Cache.Enabled {
			continue
		}
		if err := os.MkdirAll(c.Cache.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache dir %s: %w", c.Cache.Path, err)
		}
		watched = append(watched, c.Cache.Path)
	}
	d.guard = capacity.NewGuard(watched, cfg.CapacityOptions(), d.metrics, logger)

	d.backends = engine.NewBackends(creds, d.pool, cfg.CacheOptions(), d.guard, d.metrics, logger)
	d.closers = append(d.closers, func() error { d.backends.Close(); return nil })

	if cfg.Archive.Enabled {
		deps := archive.Deps{
			Records:  archive.NewBadgerRecords(d.db),
			Drivers:  d.backends,
			Refs:     refs,
			Health:   d.guard,
			Busy:     d.backends.Busy,
			OnChange: engine.ArchiveFlagger(d.catalog, logger),
		}
		if cfg.Archive.Sweep {
			deps.Source = engine.NewColdSource(d.catalog)
		}
		if d.archive, err = archive.New(deps, cfg.ArchiveOptions(), d.metrics, logger); err != nil {
			return nil, err
		}
	}

	blocks, err := blockstore.NewOnDisk(cfg.Upload.TempDir, d.metrics, logger)
	if err != nil {
		return nil, err
	}
	d.engine, err = engine.New(engine.Deps{
		Backends: d.backends,
		Refs:     refs,
		Blocks:   blocks,
		Archive:  d.archive,
		Repos:    d.catalog,
	}, engine.Options{Spool: afero.NewOsFs(), SpoolDir: spoolDir}, logger)
	if err != nil {
		return nil, err
	}

	d.executor, err = migrate.NewExecutor(migrate.Deps{
		Tasks:           migrate.NewBadgerTasks(d.db),
		Failed:          migrate.NewBadgerFailed(d.db),
		Nodes:           d.catalog,
		Repos:           d.catalog,
		Mover:           d.engine,
		Refs:            refs,
		Archive:         d.engine.ArchiveMover(),
		Health:          d.guard,
		KnownCredential: d.backends.Known,
	}, cfg.MigrationOptions(), d.metrics, logger)
	if err != nil {
		return nil, err
	}

	d.gc = refcount.NewCollector(refs, d.catalog, d.engine, cfg.GCOptions(), d.metrics, logger)

	deps := admin.Deps{
		Migrations: d.executor,
		GC:         d.gc,
		Caches:     d.backends,
		Metrics:    d.metrics.Handler(),
		GCDryRun:   cfg.GC.DryRun,
	}
	if d.archive != nil {
		deps.Archive = d.engine
	}
	d.admin = admin.NewServer(admin.NewHandler(deps, cfg.Admin.Token, logger))
	return d, nil
}

func (d *daemon) openRefs(ctx context.Context) (refcount.Store, error) {
	m := d.cfg.Metadata
	switch m.Backend {
	case config.BackendMemory:
		return refcount.NewMemory(), nil
	case config.BackendBadger:
		return refcount.NewBadger(d.db), nil
	case config.BackendPostgres:
		pool, err := d.pgPool(ctx, m.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store := refcount.NewPostgres(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     m.Redis.Addr,
			Password: m.Redis.Password,
			DB:       m.Redis.DB,
		})
		d.closers = append(d.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", m.Redis.Addr, err)
		}
		return refcount.NewRedis(rdb, "artifactstore"), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", m.Backend)
	}
}

func (d *daemon) openCatalog(ctx context.Context) (catalog.Catalog, error) {
	switch d.cfg.Catalog.Backend {
	case config.BackendMemory:
		return catalog.NewMemory(), nil
	case config.BackendPostgres:
		pool, err := d.pgPool(ctx, d.cfg.Catalog.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return catalog.NewPostgres(pool), nil
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", d.cfg.Catalog.Backend)
	}
}

// pgPool returns the pool for dsn. The metadata and catalog stores share
// one pool when they use the same database.
func (d *daemon) pgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if p, ok := d.pgPools[dsn]; ok {
		return p, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	d.pgPools[dsn] = pool
	d.closers = append(d.closers, func() error {
		pool.Close()
		return nil
	})
	return pool, nil
}

// Start launches the background loops and the admin API.
func (d *daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	d.db.StartGC(10*time.Minute, d.stopGC)
	if d.archive != nil {
		d.archive.Start()
	}
	d.executor.Start(ctx)
	if d.cfg.GC.Enabled {
		d.gc.Start(ctx)
	}

	d.wg.Add(1)
	go d.cleanUploads(ctx)

	if err := d.admin.Start(d.cfg.Admin.Listen); err != nil {
		return err
	}
	d.logger.Info().
		Strs("credentials", d.backends.Keys()).
		Bool("archive", d.archive != nil).
		Bool("gc", d.cfg.GC.Enabled).
		Msg("Storage engine started")
	return nil
}

func (d *daemon) cleanUploads(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Upload.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.engine.CleanUploads(ctx, d.cfg.Upload.ExpireAfter)
			if err != nil {
				d.logger.Warn().Err(err).Msg("Upload cleanup failed")
				continue
			}
			if n > 0 {
				d.logger.Info().Int("sessions", n).Msg("Expired upload sessions removed")
			}
		}
	}
}

// Close stops every component in reverse start order.
func (d *daemon) Close() error {
	d.closeOnce.Do(func() {
		var err error
		if d.admin != nil {
			err = multierr.Append(err, d.admin.Stop())
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		if d.gc != nil {
			d.gc.Stop()
		}
		if d.executor != nil {
			d.executor.Stop()
		}
		if d.archive != nil {
			d.archive.Stop()
		}
		close(d.stopGC)
		d.closeErr = multierr.Append(err, d.closeAll())
	})
	return d.closeErr
}

func (d *daemon) closeAll() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i]())
	}
	d.closers = nil
	return err
}
