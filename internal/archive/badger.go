package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/tunnelmesh/artifactstore/internal/kv"
)

const (
	recordPrefix = "archive/record/"
	basePrefix   = "archive/base/"
)

// BadgerRecords persists archive records in the local embedded database. A
// secondary index keyed by base answers Dependents without a full scan.
type BadgerRecords struct {
	db *kv.DB
}

// NewBadgerRecords returns a record store backed by db.
func NewBadgerRecords(db *kv.DB) *BadgerRecords {
	return &BadgerRecords{db: db}
}

// Credential keys may contain "/", so they are length prefixed.
func credSegment(credKey string) string {
	return fmt.Sprintf("%d:%s/", len(credKey), credKey)
}

func recordKeyOf(sha256, credKey string) string {
	return recordPrefix + credSegment(credKey) + sha256
}

func baseIndexPrefix(base, credKey string) string {
	return basePrefix + credSegment(credKey) + base + "/"
}

func baseIndexKey(r Record) string {
	return baseIndexPrefix(r.Base, r.Credential) + r.SHA256
}

func (b *BadgerRecords) Get(_ context.Context, sha256, credKey string) (Record, error) {
	var r Record
	err := b.db.View(func(txn *badger.Txn) error {
		return kv.Get(txn, recordKeyOf(sha256, credKey), &r)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return Record{}, ErrNotArchived
	}
	return r, err
}

func (b *BadgerRecords) Update(_ context.Context, sha256, credKey string, fn func(r *Record, found bool) error) (Record, error) {
	var saved Record
	err := b.db.Update(func(txn *badger.Txn) error {
		var old Record
		found := true
		if err := kv.Get(txn, recordKeyOf(sha256, credKey), &old); errors.Is(err, kv.ErrNotFound) {
			found = false
			old = Record{SHA256: sha256, Credential: credKey, Status: StatusNone}
		} else if err != nil {
			return err
		}
		r := old
		if err := fn(&r, found); err != nil {
			return err
		}
		r.SHA256, r.Credential = sha256, credKey

		if found && old.pinsBase() && (!r.pinsBase() || r.Base != old.Base) {
			if err := kv.Delete(txn, baseIndexKey(old)); err != nil {
				return err
			}
		}
		if r.pinsBase() {
			if err := kv.Set(txn, baseIndexKey(r), r.SHA256); err != nil {
				return err
			}
		}
		saved = r
		return kv.Set(txn, recordKeyOf(sha256, credKey), r)
	})
	if err != nil {
		return Record{}, err
	}
	return saved, nil
}

func (b *BadgerRecords) Delete(_ context.Context, sha256, credKey string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var r Record
		err := kv.Get(txn, recordKeyOf(sha256, credKey), &r)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.pinsBase() {
			if err := kv.Delete(txn, baseIndexKey(r)); err != nil {
				return err
			}
		}
		return kv.Delete(txn, recordKeyOf(sha256, credKey))
	})
}

func (b *BadgerRecords) Dependents(_ context.Context, base, credKey string) (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		n = 0
		return kv.Scan(txn, baseIndexPrefix(base, credKey), func(string, []byte) error {
			n++
			return nil
		})
	})
	return n, err
}
