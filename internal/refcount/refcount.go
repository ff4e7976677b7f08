// Package refcount tracks how many logical artifacts reference each blob and
// decides when a blob's bytes may be garbage collected.
package refcount

import (
	"context"
	"errors"
	"time"

	"github.com/tunnelmesh/artifactstore/internal/metrics"
)

// ErrInvalidDelta is returned when an increment is smaller than one.
var ErrInvalidDelta = errors.New("increment must be at least 1")

// Reference is one (sha256, credential) row.
type Reference struct {
	SHA256     string    `json:"sha256"`
	Credential string    `json:"credentialKey"`
	Count      int64     `json:"count"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Counter is the reference counting contract. Every mutation is a single
// atomic conditional update so concurrent callers on many nodes cannot drive
// a count below zero.
type Counter interface {
	// Increment adds by to the count, creating the row with count=by if it
	// does not exist.
	Increment(ctx context.Context, sha256, credKey string, by int64) (bool, error)

	// Decrement subtracts one. It returns false and changes nothing when the
	// count is already zero or the row is unknown.
	Decrement(ctx context.Context, sha256, credKey string) (bool, error)

	// Count returns the current count, 0 for unknown rows.
	Count(ctx context.Context, sha256, credKey string) (int64, error)

	// Exists reports whether the blob is referenced (count > 0).
	Exists(ctx context.Context, sha256, credKey string) (bool, error)
}

// Store adds the operations used by garbage collection.
type Store interface {
	Counter

	// Zeroed lists rows whose count is zero and that were last updated before
	// the given time, oldest first.
	Zeroed(ctx context.Context, before time.Time, limit int) ([]Reference, error)

	// DeleteIfZero removes the row only if its count is still zero.
	DeleteIfZero(ctx context.Context, sha256, credKey string) (bool, error)

	// Reset overwrites the count. Used to correct rows that disagree with the
	// metadata store.
	Reset(ctx context.Context, sha256, credKey string, count int64) error
}

type instrumented struct {
	Store
	metrics *metrics.Metrics
}

// Instrument counts mutations of s by operation and result.
func Instrument(s Store, m *metrics.Metrics) Store {
	return &instrumented{Store: s, metrics: m}
}

func (s *instrumented) record(op string, ok bool, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "rejected"
	}
	s.metrics.RefOperations.WithLabelValues(op, result).Inc()
}

func (s *instrumented) Increment(ctx context.Context, sha256, credKey string, by int64) (bool, error) {
	ok, err := s.Store.Increment(ctx, sha256, credKey, by)
	s.record("increment", ok, err)
	return ok, err
}

func (s *instrumented) Decrement(ctx context.Context, sha256, credKey string) (bool, error) {
	ok, err := s.Store.Decrement(ctx, sha256, credKey)
	s.record("decrement", ok, err)
	return ok, err
}
