package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/colinmarc/hdfs/v2"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// HDFS stores objects below a root directory of an HDFS cluster.
type HDFS struct {
	client *hdfs.Client
	root   string
	logger zerolog.Logger
}

// NewHDFS connects to the namenodes in p.
func NewHDFS(p storage.HDFSParams, logger zerolog.Logger) (*HDFS, error) {
	client, err := hdfs.NewClient(hdfs.ClientOptions{
		Addresses: p.Addresses,
		User:      p.User,
	})
	if err != nil {
		return nil, fmt.Errorf("connect hdfs: %w", err)
	}
	root := p.Root
	if root == "" {
		root = "/"
	}
	return &HDFS{
		client: client,
		root:   root,
		logger: logger.With().Str("component", "hdfs-driver").Logger(),
	}, nil
}

func newHDFSFromCredential(_ context.Context, cred storage.Credential, logger zerolog.Logger) (Driver, error) {
	return NewHDFS(*cred.HDFS, logger)
}

func (d *HDFS) abs(p string) (string, error) {
	p, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return path.Join(d.root, p), nil
}

func (d *HDFS) Store(ctx context.Context, p string, r io.Reader, _ int64) error {
	name, err := d.abs(p)
	if err != nil {
		return err
	}
	if err := d.client.MkdirAll(path.Dir(name), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(name), err)
	}

	tmp := name + "._tmp"
	_ = d.client.Remove(tmp)
	w, err := d.client.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(w, ctxReader{ctx: ctx, r: r}); err != nil {
		_ = w.Close()
		_ = d.client.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := w.Close(); err != nil {
		_ = d.client.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	// Content addressed objects are immutable, so an existing target holds
	// the same bytes and can be replaced.
	if err := d.client.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Debug().Err(err).Str("path", name).Msg("Remove before rename failed")
	}
	if err := d.client.Rename(tmp, name); err != nil {
		_ = d.client.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func (d *HDFS) Load(_ context.Context, p string) (io.ReadCloser, error) {
	name, err := d.abs(p)
	if err != nil {
		return nil, err
	}
	f, err := d.client.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

func (d *HDFS) Delete(_ context.Context, p string) error {
	name, err := d.abs(p)
	if err != nil {
		return err
	}
	if err := d.client.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (d *HDFS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := d.Size(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *HDFS) Size(_ context.Context, p string) (int64, error) {
	name, err := d.abs(p)
	if err != nil {
		return 0, err
	}
	info, err := d.client.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}
	return info.Size(), nil
}

func (d *HDFS) Append(ctx context.Context, p string, r io.Reader) (int64, error) {
	name, err := d.abs(p)
	if err != nil {
		return 0, err
	}
	w, err := d.client.Append(name)
	if errors.Is(err, os.ErrNotExist) {
		if err := d.client.MkdirAll(path.Dir(name), 0755); err != nil {
			return 0, fmt.Errorf("mkdir %s: %w", path.Dir(name), err)
		}
		w, err = d.client.Create(name)
	}
	if err != nil {
		return 0, fmt.Errorf("open %s for append: %w", name, err)
	}
	if _, err := io.Copy(w, ctxReader{ctx: ctx, r: r}); err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("append %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", name, err)
	}
	return d.Size(ctx, p)
}

func (d *HDFS) Close() error {
	return d.client.Close()
}
