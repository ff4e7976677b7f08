// Package testutil provides shared test utilities and fakes for artifactstore tests.
package testutil

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomBytes returns n random bytes.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to read random bytes: %v", err)
	}
	return b
}

// Eventually polls cond every 5ms until it returns true or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TempFile creates a file with the given content in dir and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// MemDriver is an in-memory backend with per-operation counters and failure
// injection. It satisfies driver.Driver.
type MemDriver struct {
	mu      sync.Mutex
	objects map[string][]byte

	Stores  atomic.Int64
	Loads   atomic.Int64
	Deletes atomic.Int64

	// LoadDelay is slept inside Load so concurrent callers overlap.
	LoadDelay time.Duration

	// FailStore, when set, is consulted before every Store.
	FailStore func(path string) error
	// FailLoad, when set, is consulted before every Load.
	FailLoad func(path string) error
	// FailDelete, when set, is consulted before every Delete.
	FailDelete func(path string) error

	closed atomic.Bool
}

// NewMemDriver returns an empty MemDriver.
func NewMemDriver() *MemDriver {
	return &MemDriver{objects: make(map[string][]byte)}
}

func (d *MemDriver) Store(ctx context.Context, path string, r io.Reader, _ int64) error {
	d.Stores.Add(1)
	if d.FailStore != nil {
		if err := d.FailStore(path); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.objects[path] = data
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) Load(ctx context.Context, path string) (io.ReadCloser, error) {
	d.Loads.Add(1)
	if d.LoadDelay > 0 {
		select {
		case <-time.After(d.LoadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.FailLoad != nil {
		if err := d.FailLoad(path); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	data, ok := d.objects[path]
	d.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *MemDriver) Delete(_ context.Context, path string) error {
	d.Deletes.Add(1)
	if d.FailDelete != nil {
		if err := d.FailDelete(path); err != nil {
			return err
		}
	}
	d.mu.Lock()
	delete(d.objects, path)
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) Exists(_ context.Context, path string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.objects[path]
	return ok, nil
}

func (d *MemDriver) Size(_ context.Context, path string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.objects[path]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(data)), nil
}

func (d *MemDriver) Append(_ context.Context, path string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[path] = append(d.objects[path], data...)
	return int64(len(d.objects[path])), nil
}

func (d *MemDriver) Close() error {
	d.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (d *MemDriver) Closed() bool { return d.closed.Load() }

// Put stores data at path without touching the counters.
func (d *MemDriver) Put(path string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[path] = append([]byte(nil), data...)
}

// Get returns the bytes at path.
func (d *MemDriver) Get(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.objects[path]
	return data, ok
}

// Paths lists stored paths in order.
func (d *MemDriver) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.objects))
	for p := range d.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
