package refcount

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/tunnelmesh/artifactstore/internal/kv"
)

const (
	badgerRefPrefix  = "ref/"
	badgerZeroPrefix = "refzero/"
)

// Badger persists reference counts in the local embedded database. Each
// mutation is one serialisable transaction, replayed on conflict.
type Badger struct {
	db  *kv.DB
	now func() time.Time
}

// NewBadger returns a store backed by db.
func NewBadger(db *kv.DB) *Badger {
	return &Badger{db: db, now: time.Now}
}

// Keys put the fixed length digest first so credential keys may contain any
// character.
func refKeyOf(sha256, credKey string) string  { return badgerRefPrefix + sha256 + "/" + credKey }
func zeroKeyOf(sha256, credKey string) string { return badgerZeroPrefix + sha256 + "/" + credKey }

func getRef(txn *badger.Txn, sha256, credKey string) (*Reference, error) {
	var row Reference
	if err := kv.Get(txn, refKeyOf(sha256, credKey), &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// putRef writes row and keeps the zero index in step with its count.
func putRef(txn *badger.Txn, row *Reference) error {
	if err := kv.Set(txn, refKeyOf(row.SHA256, row.Credential), row); err != nil {
		return err
	}
	if row.Count == 0 {
		return kv.Set(txn, zeroKeyOf(row.SHA256, row.Credential), row.UpdatedAt)
	}
	return kv.Delete(txn, zeroKeyOf(row.SHA256, row.Credential))
}

func (b *Badger) Increment(_ context.Context, sha256, credKey string, by int64) (bool, error) {
	if by < 1 {
		return false, ErrInvalidDelta
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		row, err := getRef(txn, sha256, credKey)
		if errors.Is(err, kv.ErrNotFound) {
			row = &Reference{SHA256: sha256, Credential: credKey}
		} else if err != nil {
			return err
		}
		row.Count += by
		row.UpdatedAt = b.now()
		return putRef(txn, row)
	})
	return err == nil, err
}

func (b *Badger) Decrement(_ context.Context, sha256, credKey string) (bool, error) {
	decremented := false
	err := b.db.Update(func(txn *badger.Txn) error {
		decremented = false
		row, err := getRef(txn, sha256, credKey)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if row.Count <= 0 {
			return nil
		}
		row.Count--
		row.UpdatedAt = b.now()
		decremented = true
		return putRef(txn, row)
	})
	return decremented, err
}

func (b *Badger) Count(_ context.Context, sha256, credKey string) (int64, error) {
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		row, err := getRef(txn, sha256, credKey)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		n = row.Count
		return nil
	})
	return n, err
}

func (b *Badger) Exists(ctx context.Context, sha256, credKey string) (bool, error) {
	n, err := b.Count(ctx, sha256, credKey)
	return n > 0, err
}

func (b *Badger) Zeroed(_ context.Context, before time.Time, limit int) ([]Reference, error) {
	var out []Reference
	err := b.db.View(func(txn *badger.Txn) error {
		return kv.Scan(txn, badgerZeroPrefix, func(key string, val []byte) error {
			var updated time.Time
			if err := json.Unmarshal(val, &updated); err != nil {
				return err
			}
			if !updated.Before(before) {
				return nil
			}
			rest := strings.TrimPrefix(key, badgerZeroPrefix)
			sha, cred, ok := strings.Cut(rest, "/")
			if !ok {
				return nil
			}
			out = append(out, Reference{SHA256: sha, Credential: cred, UpdatedAt: updated})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Badger) DeleteIfZero(_ context.Context, sha256, credKey string) (bool, error) {
	deleted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		deleted = false
		row, err := getRef(txn, sha256, credKey)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if row.Count != 0 {
			return nil
		}
		if err := kv.Delete(txn, refKeyOf(sha256, credKey)); err != nil {
			return err
		}
		deleted = true
		return kv.Delete(txn, zeroKeyOf(sha256, credKey))
	})
	return deleted, err
}

func (b *Badger) Reset(_ context.Context, sha256, credKey string, count int64) error {
	if count < 0 {
		return ErrInvalidDelta
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return putRef(txn, &Reference{SHA256: sha256, Credential: credKey, Count: count, UpdatedAt: b.now()})
	})
}
