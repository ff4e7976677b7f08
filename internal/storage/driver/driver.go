// Package driver implements backend drivers for every storage credential type
// behind one interface, plus the client pool and decorators shared by them.
package driver

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// Driver is the contract every backend medium implements. Paths are relative
// and produced by storage.Locate or derived from it.
type Driver interface {
	// Store writes the content of r to path atomically. Readers never see a
	// partially written object. size is a hint and may be -1.
	Store(ctx context.Context, path string, r io.Reader, size int64) error

	// Load opens path for reading. Returns storage.ErrNotFound if absent.
	Load(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the object length in bytes.
	Size(ctx context.Context, path string) (int64, error)

	// Append adds the content of r to the end of path, creating it if needed,
	// and returns the new length.
	Append(ctx context.Context, path string, r io.Reader) (int64, error)

	// Close releases any client resources.
	Close() error
}

// Factory builds a driver for one credential.
type Factory func(ctx context.Context, cred storage.Credential, logger zerolog.Logger) (Driver, error)

// Registry maps credential types to driver factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[storage.Type]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[storage.Type]Factory)}
}

// NewDefaultRegistry returns a registry with every built-in backend type.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(storage.TypeFilesystem, newFilesystemFromCredential)
	r.Register(storage.TypeS3, newS3FromCredential)
	r.Register(storage.TypeInnerCOS, newInnerCOSFromCredential)
	r.Register(storage.TypeHDFS, newHDFSFromCredential)
	return r
}

// Register installs or replaces the factory for t.
func (r *Registry) Register(t storage.Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Types lists the registered credential types.
func (r *Registry) Types() []storage.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]storage.Type, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// New builds a driver for cred using the factory registered for its type.
func (r *Registry) New(ctx context.Context, cred storage.Credential, logger zerolog.Logger) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[cred.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnsupportedType, cred.Type)
	}
	d, err := f(ctx, cred, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s driver: %w", cred, err)
	}
	return d, nil
}

// LoadAll reads the whole object into memory. Only use it for objects whose
// size is known to be bounded.
func LoadAll(ctx context.Context, d Driver, path string) ([]byte, error) {
	rc, err := d.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
