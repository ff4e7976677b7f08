// Package kv wraps an embedded badger database used for the engine's local
// durable state: reference counts, migration tasks and archive records.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// maxConflictRetries bounds how often an optimistic transaction is replayed.
const maxConflictRetries = 64

// DB is a badger database with JSON helpers.
type DB struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens (or creates) the database in dir. An empty dir opens an
// in-memory database.
func Open(dir string, logger zerolog.Logger) (*DB, error) {
	logger = logger.With().Str("component", "kv").Logger()
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger: logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &DB{db: db, logger: logger}, nil
}

// OpenInMemory is Open("") for tests.
func OpenInMemory() (*DB, error) {
	return Open("", zerolog.Nop())
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// View runs a read-only transaction.
func (d *DB) View(fn func(txn *badger.Txn) error) error {
	return d.db.View(fn)
}

// Update runs a read-write transaction, replaying it when badger reports a
// conflict with a concurrent transaction. fn must be safe to run again.
func (d *DB) Update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = d.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction kept conflicting: %w", err)
}

// Get decodes the JSON value at key into v.
func Get(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// Set encodes v as JSON at key.
func Set(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// Delete removes key. Missing keys are ignored.
func Delete(txn *badger.Txn, key string) error {
	return txn.Delete([]byte(key))
}

// Exists reports whether key is present.
func Exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Scan calls fn for every key with prefix in key order. Returning ErrStop from
// fn ends the scan early without an error.
func Scan(txn *badger.Txn, prefix string, fn func(key string, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.Key()), val); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ErrStop ends a Scan early.
var ErrStop = errors.New("stop scan")

// RunGC reclaims value log space until badger reports nothing to rewrite.
func (d *DB) RunGC() {
	for i := 0; i < 8; i++ {
		if err := d.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}

// StartGC runs value log GC every interval until stop is closed.
func (d *DB) StartGC(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.RunGC()
			}
		}
	}()
}

// badgerLogger routes badger's internal logging into zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) { l.logger.Error().Msgf(f, v...) }

func (l badgerLogger) Warningf(f string, v ...interface{}) { l.logger.Warn().Msgf(f, v...) }

func (l badgerLogger) Infof(f string, v ...interface{}) { l.logger.Debug().Msgf(f, v...) }

func (l badgerLogger) Debugf(f string, v ...interface{}) { l.logger.Trace().Msgf(f, v...) }
