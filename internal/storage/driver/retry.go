package driver

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// RetryPolicy bounds retries of transient backend errors.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultRetryPolicy is used when the configuration leaves retries unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Retryable reports whether err is worth another attempt. Missing objects,
// bad input and cancellation are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidDigest),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Retry runs fn under policy, logging every failed attempt.
func Retry(ctx context.Context, policy RetryPolicy, op string, logger zerolog.Logger, m *metrics.Metrics, fn func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if m != nil {
			m.BackendRetries.WithLabelValues(op).Inc()
		}
		logger.Warn().Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Dur("backoff", wait).
			Msg("Transient backend error, retrying")
	}
	return backoff.RetryNotify(operation, policy.backoff(ctx), notify)
}

type retryDriver struct {
	next    Driver
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// WithRetry wraps d so that transient errors are retried with exponential
// backoff. Stores are only retried when the reader can be rewound.
func WithRetry(d Driver, policy RetryPolicy, m *metrics.Metrics, logger zerolog.Logger) Driver {
	return &retryDriver{
		next:    d,
		policy:  policy,
		metrics: m,
		logger:  logger.With().Str("component", "driver-retry").Logger(),
	}
}

func (d *retryDriver) retry(ctx context.Context, op string, fn func() error) error {
	return Retry(ctx, d.policy, op, d.logger, d.metrics, fn)
}

// rewinder returns a function that resets r before every attempt after the
// first, or nil if r cannot be rewound.
func rewinder(r io.Reader) func(first bool) error {
	s, ok := r.(io.Seeker)
	if !ok {
		return nil
	}
	start, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil
	}
	return func(first bool) error {
		if first {
			return nil
		}
		_, err := s.Seek(start, io.SeekStart)
		return err
	}
}

func (d *retryDriver) Store(ctx context.Context, p string, r io.Reader, size int64) error {
	rewind := rewinder(r)
	if rewind == nil {
		return d.next.Store(ctx, p, r, size)
	}
	first := true
	return d.retry(ctx, "store", func() error {
		if err := rewind(first); err != nil {
			return backoff.Permanent(err)
		}
		first = false
		return d.next.Store(ctx, p, r, size)
	})
}

func (d *retryDriver) Load(ctx context.Context, p string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := d.retry(ctx, "load", func() error {
		var err error
		rc, err = d.next.Load(ctx, p)
		return err
	})
	return rc, err
}

func (d *retryDriver) Delete(ctx context.Context, p string) error {
	return d.retry(ctx, "delete", func() error { return d.next.Delete(ctx, p) })
}

func (d *retryDriver) Exists(ctx context.Context, p string) (bool, error) {
	var ok bool
	err := d.retry(ctx, "exists", func() error {
		var err error
		ok, err = d.next.Exists(ctx, p)
		return err
	})
	return ok, err
}

func (d *retryDriver) Size(ctx context.Context, p string) (int64, error) {
	var n int64
	err := d.retry(ctx, "size", func() error {
		var err error
		n, err = d.next.Size(ctx, p)
		return err
	})
	return n, err
}

// Append is not retried: a failed attempt may already have extended the
// object and a second attempt would duplicate content.
func (d *retryDriver) Append(ctx context.Context, p string, r io.Reader) (int64, error) {
	return d.next.Append(ctx, p, r)
}

func (d *retryDriver) Close() error { return d.next.Close() }
