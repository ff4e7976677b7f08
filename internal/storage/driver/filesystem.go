package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// Filesystem stores objects as files below a root directory.
type Filesystem struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// NewFilesystem wraps fs. Production code passes a base path fs over the OS;
// tests may pass afero.NewMemMapFs().
func NewFilesystem(fs afero.Fs, logger zerolog.Logger) *Filesystem {
	return &Filesystem{
		fs:     fs,
		logger: logger.With().Str("component", "fs-driver").Logger(),
	}
}

func newFilesystemFromCredential(_ context.Context, cred storage.Credential, logger zerolog.Logger) (Driver, error) {
	root := cred.Filesystem.Path
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	return NewFilesystem(afero.NewBasePathFs(osFs, root), logger), nil
}

// cleanPath normalises p to a relative slash path and rejects empty paths.
func cleanPath(p string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return "", fmt.Errorf("empty path %q", p)
	}
	return clean, nil
}

func (d *Filesystem) Store(ctx context.Context, p string, r io.Reader, _ int64) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	dir := path.Dir(p)
	if err := d.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := afero.TempFile(d.fs, dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = d.fs.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := d.fs.Rename(tmpName, p); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

func (d *Filesystem) Load(_ context.Context, p string) (io.ReadCloser, error) {
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	f, err := d.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, storage.ErrNotFound
	}
	return f, nil
}

func (d *Filesystem) Delete(_ context.Context, p string) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	if err := d.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (d *Filesystem) Exists(_ context.Context, p string) (bool, error) {
	p, err := cleanPath(p)
	if err != nil {
		return false, err
	}
	info, err := d.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return !info.IsDir(), nil
}

func (d *Filesystem) Size(_ context.Context, p string) (int64, error) {
	p, err := cleanPath(p)
	if err != nil {
		return 0, err
	}
	info, err := d.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("stat %s: %w", p, err)
	}
	return info.Size(), nil
}

func (d *Filesystem) Append(ctx context.Context, p string, r io.Reader) (int64, error) {
	p, err := cleanPath(p)
	if err != nil {
		return 0, err
	}
	if err := d.fs.MkdirAll(path.Dir(p), 0755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}
	f, err := d.fs.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open %s for append: %w", p, err)
	}
	if _, err := io.Copy(f, ctxReader{ctx: ctx, r: r}); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("append %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", p, err)
	}
	return d.Size(ctx, p)
}

func (d *Filesystem) Close() error { return nil }

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
