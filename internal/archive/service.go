// Package archive moves idle blobs to a compressed cold copy and restores them
// on demand. A blob is either encoded alone or as a zstd delta against a base
// blob that stays uncompressed for as long as anything depends on it.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/refcount"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/internal/storage/driver"
)

// Drivers resolves a credential key to its backend.
type Drivers interface {
	Driver(ctx context.Context, credKey string) (driver.Driver, error)
}

// Health reports whether the node has room for background work.
type Health interface {
	Healthy() bool
}

// Done is notified when an operation finishes.
type Done func(Record, error)

// Options configure a Service.
type Options struct {
	Workers int
	Queue   int
	// Codec is used for blobs compressed without a base.
	Codec       string
	MaxBaseSize int64

	SweepInterval time.Duration
	IdleAfter     time.Duration
	SweepBatch    int
}

// DefaultOptions returns the built-in archive options.
func DefaultOptions() Options {
	return Options{
		Workers:       2,
		Queue:         256,
		Codec:         CodecZstd,
		MaxBaseSize:   256 << 20,
		SweepInterval: time.Hour,
		IdleAfter:     30 * 24 * time.Hour,
		SweepBatch:    100,
	}
}

// Deps are the collaborators of a Service. Health, Busy, Source and OnChange
// are optional.
type Deps struct {
	Records RecordStore
	Drivers Drivers
	Refs    refcount.Counter
	Health  Health

	// Busy reports blobs the sweep must leave alone, such as pending cache
	// flushes or open readers.
	Busy func(sha256, credKey string) bool

	// Source feeds the background sweep.
	Source ColdSource

	// OnChange is called after a blob was compressed (archived true) or
	// restored (archived false).
	OnChange func(sha256, credKey string, archived bool)
}

type job struct {
	uncompress bool
	rec        Record
	done       Done
}

// Service compresses and restores blobs.
type Service struct {
	deps    Deps
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	jobs chan job

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New returns a service. Async requests queue until Start.
func New(deps Deps, opts Options, m *metrics.Metrics, logger zerolog.Logger) (*Service, error) {
	if deps.Records == nil || deps.Drivers == nil || deps.Refs == nil {
		return nil, errors.New("archive: records, drivers and refs are required")
	}
	d := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = d.Workers
	}
	if opts.Queue <= 0 {
		opts.Queue = d.Queue
	}
	if opts.Codec == "" {
		opts.Codec = d.Codec
	}
	if !ValidFullCodec(opts.Codec) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, opts.Codec)
	}
	if opts.MaxBaseSize <= 0 {
		opts.MaxBaseSize = d.MaxBaseSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = d.SweepInterval
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = d.IdleAfter
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = d.SweepBatch
	}
	if m == nil {
		m = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:    deps,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "archive").Logger(),
		now:     time.Now,
		jobs:    make(chan job, opts.Queue),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers and, when a source is set, the sweep loop.
func (s *Service) Start() {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	if s.deps.Source != nil {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	s.started = true
	s.logger.Info().Int("workers", s.opts.Workers).Str("codec", s.opts.Codec).Msg("Archive service started")
}

// Stop waits for running operations. Queued jobs are dropped and their
// records stay in their in-progress status.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	if s.started {
		s.logger.Info().Msg("Archive service stopped")
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			if j.uncompress {
				rec, err := s.uncompress(s.ctx, j.rec)
				notify(j.done, rec, err)
			} else {
				rec, err := s.compress(s.ctx, j.rec)
				notify(j.done, rec, err)
			}
		}
	}
}

func notify(done Done, rec Record, err error) {
	if done != nil {
		done(rec, err)
	}
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	select {
	case s.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStopped
	}
}

// Get returns the archive record of a blob.
func (s *Service) Get(ctx context.Context, sha256, credKey string) (Record, error) {
	return s.deps.Records.Get(ctx, sha256, credKey)
}

// InUse reports whether compressed blobs depend on sha256 as their base.
func (s *Service) InUse(ctx context.Context, sha256, credKey string) (bool, error) {
	n, err := s.deps.Records.Dependents(ctx, sha256, credKey)
	return n > 0, err
}

// Compress archives a blob, as a delta against base when base is set. With
// wait false the work is queued and the returned record is still
// compressing; done, if set, is called when it completes.
func (s *Service) Compress(ctx context.Context, sha, credKey, base string, wait bool, done Done) (Record, error) {
	if !storage.ValidDigest(sha) || (base != "" && !storage.ValidDigest(base)) {
		return Record{}, storage.ErrInvalidDigest
	}
	if base == sha {
		return Record{}, ErrSelfBase
	}
	d, err := s.deps.Drivers.Driver(ctx, credKey)
	if err != nil {
		return Record{}, err
	}
	if inUse, err := s.InUse(ctx, sha, credKey); err != nil {
		return Record{}, err
	} else if inUse {
		return Record{}, fmt.Errorf("%w: %s", ErrBaseInUse, sha)
	}
	if cur, err := s.deps.Records.Get(ctx, sha, credKey); err == nil && cur.Status != StatusNone {
		_, err := Next(cur.Status, EventCompress)
		return Record{}, err
	}
	size, err := d.Size(ctx, storage.MustLocate(sha))
	if err != nil {
		return Record{}, fmt.Errorf("stat %s: %w", sha, err)
	}

	codec := s.opts.Codec
	var baseSize int64
	if base != "" {
		baseRec, err := s.deps.Records.Get(ctx, base, credKey)
		switch {
		case err == nil && baseRec.Status != StatusNone:
			return Record{}, fmt.Errorf("%w: %s", ErrBaseCompressed, base)
		case err != nil && !errors.Is(err, ErrNotArchived):
			return Record{}, err
		}
		if baseSize, err = d.Size(ctx, storage.MustLocate(base)); err != nil {
			return Record{}, fmt.Errorf("stat base %s: %w", base, err)
		}
		if baseSize > s.opts.MaxBaseSize {
			return Record{}, fmt.Errorf("%w: %d > %d", ErrBaseTooLarge, baseSize, s.opts.MaxBaseSize)
		}
		codec = CodecZstdDelta
	}

	now := s.now()
	rec, err := s.deps.Records.Update(ctx, sha, credKey, func(r *Record, _ bool) error {
		next, err := Next(r.Status, EventCompress)
		if err != nil {
			return err
		}
		*r = Record{
			SHA256:     sha,
			Credential: credKey,
			Status:     next,
			Base:       base,
			BaseSize:   baseSize,
			Codec:      codec,
			Size:       size,
			UpdatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if base != "" {
		if _, err := s.deps.Refs.Increment(ctx, base, credKey, 1); err != nil {
			// The pin was never taken, so the failure path must not release it.
			rec.Base = ""
			return s.failCompress(ctx, d, rec, fmt.Errorf("pin base: %w", err))
		}
	}

	if wait {
		rec, err = s.compress(ctx, rec)
		notify(done, rec, err)
		return rec, err
	}
	if err := s.enqueue(ctx, job{rec: rec, done: done}); err != nil {
		return s.failCompress(ctx, d, rec, err)
	}
	return rec, nil
}

// Uncompress restores an archived blob at its original path.
func (s *Service) Uncompress(ctx context.Context, sha, credKey string, wait bool, done Done) (Record, error) {
	if !storage.ValidDigest(sha) {
		return Record{}, storage.ErrInvalidDigest
	}
	now := s.now()
	rec, err := s.deps.Records.Update(ctx, sha, credKey, func(r *Record, found bool) error {
		if !found {
			return ErrNotArchived
		}
		next, err := Next(r.Status, EventUncompress)
		if err != nil {
			return err
		}
		r.Status = next
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if wait {
		rec, err = s.uncompress(ctx, rec)
		notify(done, rec, err)
		return rec, err
	}
	if err := s.enqueue(ctx, job{uncompress: true, rec: rec, done: done}); err != nil {
		return s.failUncompress(ctx, rec, err)
	}
	return rec, nil
}

// pipeTo streams what produce writes into store and returns the first error
// of either side.
func pipeTo(produce func(w io.Writer) error, store func(r io.Reader) error) error {
	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		err := produce(pw)
		_ = pw.CloseWithError(err)
		errc <- err
	}()
	storeErr := store(pr)
	_ = pr.CloseWithError(storeErr)
	if produceErr := <-errc; produceErr != nil {
		return produceErr
	}
	return storeErr
}

func verifyDigest(h hash.Hash, want string) error {
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrVerifyFailed, got, want)
	}
	return nil
}

func (s *Service) loadBase(ctx context.Context, d driver.Driver, rec Record) ([]byte, error) {
	if rec.Codec != CodecZstdDelta {
		return nil, nil
	}
	b, err := driver.LoadAll(ctx, d, storage.MustLocate(rec.Base))
	if err != nil {
		return nil, fmt.Errorf("load base %s: %w", rec.Base, err)
	}
	return b, nil
}

// compress encodes the blob, verifies the archived copy and only then
// removes the original.
func (s *Service) compress(ctx context.Context, rec Record) (Record, error) {
	start := s.now()
	d, err := s.deps.Drivers.Driver(ctx, rec.Credential)
	if err != nil {
		return s.failCompress(ctx, nil, rec, err)
	}
	path := storage.MustLocate(rec.SHA256)
	out := path + CompressedSuffix

	base, err := s.loadBase(ctx, d, rec)
	if err != nil {
		return s.failCompress(ctx, d, rec, err)
	}
	src, err := d.Load(ctx, path)
	if err != nil {
		return s.failCompress(ctx, d, rec, fmt.Errorf("load %s: %w", rec.SHA256, err))
	}
	err = pipeTo(
		func(w io.Writer) error { return encode(rec.Codec, w, src, base) },
		func(r io.Reader) error { return d.Store(ctx, out, r, -1) },
	)
	_ = src.Close()
	if err != nil {
		return s.failCompress(ctx, d, rec, err)
	}

	if err := s.verify(ctx, d, out, rec, base); err != nil {
		return s.failCompress(ctx, d, rec, err)
	}
	compressed, err := d.Size(ctx, out)
	if err != nil {
		return s.failCompress(ctx, d, rec, err)
	}
	if err := d.Delete(ctx, path); err != nil {
		return s.failCompress(ctx, d, rec, fmt.Errorf("delete original: %w", err))
	}

	now := s.now()
	rec, err = s.deps.Records.Update(ctx, rec.SHA256, rec.Credential, func(r *Record, _ bool) error {
		next, err := Next(r.Status, EventSucceed)
		if err != nil {
			return err
		}
		r.Status = next
		r.CompressedSize = compressed
		r.LastError = ""
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		// The original is gone; the record must not claim it is still there.
		s.logger.Error().Err(err).Str("sha256", rec.SHA256).Str("credential", rec.Credential).
			Msg("Failed to record compressed blob")
		return rec, err
	}

	if saved := rec.Size - compressed; saved > 0 {
		s.metrics.ArchiveSavedBytes.Add(float64(saved))
	}
	s.metrics.ArchiveOperations.WithLabelValues("compress", "success").Inc()
	if s.deps.OnChange != nil {
		s.deps.OnChange(rec.SHA256, rec.Credential, true)
	}
	s.logger.Info().
		Str("sha256", rec.SHA256).
		Str("credential", rec.Credential).
		Str("codec", rec.Codec).
		Int64("size", rec.Size).
		Int64("compressed_size", compressed).
		Dur("took", s.now().Sub(start)).
		Msg("Blob compressed")
	return rec, nil
}

// verify decodes the archived copy and checks it hashes back to the blob.
func (s *Service) verify(ctx context.Context, d driver.Driver, out string, rec Record, base []byte) error {
	rc, err := d.Load(ctx, out)
	if err != nil {
		return fmt.Errorf("load archived copy: %w", err)
	}
	defer func() { _ = rc.Close() }()
	h := sha256.New()
	if err := decode(rec.Codec, h, rc, base); err != nil {
		return err
	}
	return verifyDigest(h, rec.SHA256)
}

func (s *Service) failCompress(ctx context.Context, d driver.Driver, rec Record, cause error) (Record, error) {
	ctx = context.WithoutCancel(ctx)
	if d != nil {
		if err := d.Delete(ctx, storage.MustLocate(rec.SHA256)+CompressedSuffix); err != nil {
			s.logger.Warn().Err(err).Str("sha256", rec.SHA256).Msg("Failed to remove partial archive")
		}
	}
	if rec.Base != "" {
		if _, err := s.deps.Refs.Decrement(ctx, rec.Base, rec.Credential); err != nil {
			s.logger.Error().Err(err).Str("base", rec.Base).Msg("Failed to release base reference")
		}
	}
	now := s.now()
	saved, err := s.deps.Records.Update(ctx, rec.SHA256, rec.Credential, func(r *Record, _ bool) error {
		next, err := Next(r.Status, EventFail)
		if err != nil {
			return err
		}
		r.Status = next
		r.LastError = cause.Error()
		r.UpdatedAt = now
		return nil
	})
	if err == nil {
		rec = saved
	}
	s.metrics.ArchiveOperations.WithLabelValues("compress", "error").Inc()
	s.logger.Warn().Err(cause).Str("sha256", rec.SHA256).Str("credential", rec.Credential).Msg("Failed to compress blob")
	return rec, cause
}

// uncompress decodes the archived copy back to the blob path, verifying the
// digest on the way.
func (s *Service) uncompress(ctx context.Context, rec Record) (Record, error) {
	d, err := s.deps.Drivers.Driver(ctx, rec.Credential)
	if err != nil {
		return s.failUncompress(ctx, rec, err)
	}
	path := storage.MustLocate(rec.SHA256)
	in := path + CompressedSuffix

	base, err := s.loadBase(ctx, d, rec)
	if err != nil {
		return s.failUncompress(ctx, rec, err)
	}
	src, err := d.Load(ctx, in)
	if err != nil {
		return s.failUncompress(ctx, rec, fmt.Errorf("load archived copy: %w", err))
	}
	h := sha256.New()
	err = pipeTo(
		func(w io.Writer) error { return decode(rec.Codec, io.MultiWriter(w, h), src, base) },
		func(r io.Reader) error { return d.Store(ctx, path, r, rec.Size) },
	)
	_ = src.Close()
	if err == nil {
		err = verifyDigest(h, rec.SHA256)
	}
	if err != nil {
		if derr := d.Delete(context.WithoutCancel(ctx), path); derr != nil {
			s.logger.Warn().Err(derr).Str("sha256", rec.SHA256).Msg("Failed to remove partial restore")
		}
		return s.failUncompress(ctx, rec, err)
	}

	if err := d.Delete(ctx, in); err != nil {
		s.logger.Warn().Err(err).Str("sha256", rec.SHA256).Msg("Failed to remove archived copy")
	}
	if rec.Base != "" {
		if _, err := s.deps.Refs.Decrement(ctx, rec.Base, rec.Credential); err != nil {
			s.logger.Error().Err(err).Str("base", rec.Base).Msg("Failed to release base reference")
		}
	}
	if err := s.deps.Records.Delete(ctx, rec.SHA256, rec.Credential); err != nil {
		return rec, fmt.Errorf("drop archive record: %w", err)
	}
	rec.Status = StatusNone

	s.metrics.ArchiveOperations.WithLabelValues("uncompress", "success").Inc()
	if s.deps.OnChange != nil {
		s.deps.OnChange(rec.SHA256, rec.Credential, false)
	}
	s.logger.Info().Str("sha256", rec.SHA256).Str("credential", rec.Credential).Msg("Blob restored")
	return rec, nil
}

func (s *Service) failUncompress(ctx context.Context, rec Record, cause error) (Record, error) {
	now := s.now()
	saved, err := s.deps.Records.Update(context.WithoutCancel(ctx), rec.SHA256, rec.Credential, func(r *Record, _ bool) error {
		next, err := Next(r.Status, EventFail)
		if err != nil {
			return err
		}
		r.Status = next
		r.LastError = cause.Error()
		r.UpdatedAt = now
		return nil
	})
	if err == nil {
		rec = saved
	}
	s.metrics.ArchiveOperations.WithLabelValues("uncompress", "error").Inc()
	s.logger.Warn().Err(cause).Str("sha256", rec.SHA256).Str("credential", rec.Credential).Msg("Failed to restore blob")
	return rec, cause
}

// Delete removes the archived copy and record of a blob. It refuses while
// other compressed blobs use this one as their base.
func (s *Service) Delete(ctx context.Context, sha, credKey string) error {
	rec, err := s.deps.Records.Get(ctx, sha, credKey)
	if errors.Is(err, ErrNotArchived) {
		inUse, err := s.InUse(ctx, sha, credKey)
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("%w: %s", ErrBaseInUse, sha)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if inUse, err := s.InUse(ctx, sha, credKey); err != nil {
		return err
	} else if inUse {
		return fmt.Errorf("%w: %s", ErrBaseInUse, sha)
	}
	if rec.Status.Busy() {
		return fmt.Errorf("%w: %s is %s", ErrInProgress, sha, rec.Status)
	}
	if rec.Status == StatusCompressed {
		d, err := s.deps.Drivers.Driver(ctx, credKey)
		if err != nil {
			return err
		}
		if err := d.Delete(ctx, storage.MustLocate(sha)+CompressedSuffix); err != nil {
			return fmt.Errorf("delete archived copy: %w", err)
		}
		if rec.Base != "" {
			if _, err := s.deps.Refs.Decrement(ctx, rec.Base, credKey); err != nil {
				return fmt.Errorf("release base reference: %w", err)
			}
		}
	}
	if err := s.deps.Records.Delete(ctx, sha, credKey); err != nil {
		return err
	}
	s.logger.Info().Str("sha256", sha).Str("credential", credKey).Msg("Archived blob deleted")
	return nil
}
