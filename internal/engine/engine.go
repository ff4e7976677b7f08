// Package engine is the facade format adapters use to read and write blobs.
// It ties the per-credential drivers and caches to reference counting, the
// upload block store and the archive tier, and implements the collaborator
// interfaces the migration executor and the garbage collector consume.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tunnelmesh/artifactstore/internal/archive"
	"github.com/tunnelmesh/artifactstore/internal/blockstore"
	"github.com/tunnelmesh/artifactstore/internal/cache"
	"github.com/tunnelmesh/artifactstore/internal/migrate"
	"github.com/tunnelmesh/artifactstore/internal/refcount"
	"github.com/tunnelmesh/artifactstore/internal/storage"
	"golang.org/x/sync/singleflight"
)

// RepoCredentials resolves which credentials a repository reads from.
type RepoCredentials interface {
	Credential(ctx context.Context, projectID, repoName string) (string, error)
	OldCredential(ctx context.Context, projectID, repoName string) (key string, ok bool, err error)
}

// Deps are the collaborators of an Engine. Archive and Repos are optional.
type Deps struct {
	Backends *Backends
	Refs     refcount.Counter
	Blocks   *blockstore.Store
	Archive  *archive.Service
	Repos    RepoCredentials
}

// Options configure an Engine.
type Options struct {
	// Spool holds uploads of credentials without a usable cache while they
	// are hashed. Defaults to the OS filesystem.
	Spool afero.Fs
	// SpoolDir is the directory inside Spool, the OS temp dir when empty.
	SpoolDir string
}

// FileInfo describes a stored blob.
type FileInfo struct {
	SHA256       string `json:"sha256"`
	Size         int64  `json:"size"`
	Credential   string `json:"credentialKey"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Archived     bool   `json:"archived,omitempty"`
}

// Engine is the blob storage facade.
type Engine struct {
	backends *Backends
	refs     refcount.Counter
	blocks   *blockstore.Store
	archive  *archive.Service
	repos    RepoCredentials
	opts     Options
	logger   zerolog.Logger

	restores singleflight.Group
	locks    blobLocks
}

var (
	_ migrate.Mover        = (*Engine)(nil)
	_ refcount.BlobDeleter = (*Engine)(nil)
	_ refcount.BlobLocker  = (*Engine)(nil)
	_ archive.Drivers      = (*Backends)(nil)
	_ migrate.ArchiveMover = archiveMover{}
	_ archive.ColdSource   = coldSource{}
)

// New returns an engine over deps.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Engine, error) {
	if deps.Backends == nil || deps.Refs == nil {
		return nil, errors.New("engine: backends and refs are required")
	}
	if opts.Spool == nil {
		opts.Spool = afero.NewOsFs()
	}
	return &Engine{
		backends: deps.Backends,
		refs:     deps.Refs,
		blocks:   deps.Blocks,
		archive:  deps.Archive,
		repos:    deps.Repos,
		opts:     opts,
		logger:   logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Backends returns the credential resolver of the engine.
func (e *Engine) Backends() *Backends { return e.backends }

func locate(sha string) (string, error) {
	p, err := storage.Locate(sha)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, sha)
	}
	return p, nil
}

// Get opens a blob. An archived blob is restored first; concurrent readers
// of the same blob share one restore.
func (e *Engine) Get(ctx context.Context, sha, credKey string) (io.ReadCloser, error) {
	p, err := locate(sha)
	if err != nil {
		return nil, err
	}
	rc, err := e.open(ctx, p, credKey)
	if !errors.Is(err, storage.ErrNotFound) || e.archive == nil {
		return rc, err
	}
	restored, rerr := e.restore(ctx, sha, credKey)
	if rerr != nil {
		return nil, rerr
	}
	if !restored {
		return nil, err
	}
	return e.open(ctx, p, credKey)
}

// GetFirst opens the blob from the first credential that has it and returns
// that credential.
func (e *Engine) GetFirst(ctx context.Context, sha string, credKeys ...string) (io.ReadCloser, string, error) {
	for _, key := range credKeys {
		rc, err := e.Get(ctx, sha, key)
		if err == nil {
			return rc, key, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("%w: %s", storage.ErrNotFound, sha)
}

// GetFromRepo reads a blob of a repository, falling back to the credential
// the repository is migrating away from.
func (e *Engine) GetFromRepo(ctx context.Context, projectID, repoName, sha string) (io.ReadCloser, error) {
	if e.repos == nil {
		return nil, errors.New("engine: repository lookup is not configured")
	}
	cur, err := e.repos.Credential(ctx, projectID, repoName)
	if err != nil {
		return nil, err
	}
	keys := []string{cur}
	old, ok, err := e.repos.OldCredential(ctx, projectID, repoName)
	if err != nil {
		return nil, err
	}
	if ok && old != cur {
		keys = append(keys, old)
	}
	rc, _, err := e.GetFirst(ctx, sha, keys...)
	return rc, err
}

// open reads p through the cache when the credential has one. Reads fall
// back to the backend when the cache cannot serve them.
func (e *Engine) open(ctx context.Context, p, credKey string) (io.ReadCloser, error) {
	c, err := e.backends.Cache(credKey)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		return nil, err
	}
	if c != nil {
		f, err := c.Get(ctx, p)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, cache.ErrUnavailable) && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	d, err := e.backends.Driver(ctx, credKey)
	if err != nil {
		return nil, err
	}
	return d.Load(ctx, p)
}

// restore brings an archived blob back to its plain location. It reports
// false when the blob is not archived.
func (e *Engine) restore(ctx context.Context, sha, credKey string) (bool, error) {
	rec, err := e.archive.Get(ctx, sha, credKey)
	if errors.Is(err, archive.ErrNotArchived) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status == archive.StatusNone {
		return false, nil
	}
	ch := e.restores.DoChan(credKey+"/"+sha, func() (any, error) {
		e.logger.Info().Str("sha256", sha).Str("credential", credKey).Msg("Restoring archived blob for read")
		return e.archive.Uncompress(context.WithoutCancel(ctx), sha, credKey, true, nil)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, fmt.Errorf("restore %s: %w", sha, res.Err)
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Exists reports whether the blob is stored on credKey, plain or archived.
func (e *Engine) Exists(ctx context.Context, sha, credKey string) (bool, error) {
	p, err := locate(sha)
	if err != nil {
		return false, err
	}
	ok, err := e.plainExists(ctx, p, credKey)
	if err != nil || ok || e.archive == nil {
		return ok, err
	}
	rec, err := e.archive.Get(ctx, sha, credKey)
	if errors.Is(err, archive.ErrNotArchived) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == archive.StatusCompressed || rec.Status == archive.StatusDecompressing, nil
}

func (e *Engine) plainExists(ctx context.Context, p, credKey string) (bool, error) {
	c, err := e.backends.Cache(credKey)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		return false, err
	}
	if c != nil {
		return c.Exists(ctx, p)
	}
	d, err := e.backends.Driver(ctx, credKey)
	if err != nil {
		return false, err
	}
	return d.Exists(ctx, p)
}

// Stat returns the size of a stored blob.
func (e *Engine) Stat(ctx context.Context, sha, credKey string) (FileInfo, error) {
	p, err := locate(sha)
	if err != nil {
		return FileInfo{}, err
	}
	info := FileInfo{SHA256: sha, Credential: credKey}
	c, err := e.backends.Cache(credKey)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		return FileInfo{}, err
	}
	if c != nil {
		info.Size, err = c.Size(ctx, p)
	} else {
		info.Size, err = e.backendSize(ctx, p, credKey)
	}
	if err == nil || !errors.Is(err, storage.ErrNotFound) || e.archive == nil {
		return info, err
	}
	rec, rerr := e.archive.Get(ctx, sha, credKey)
	if rerr != nil || rec.Status == archive.StatusNone {
		return FileInfo{}, err
	}
	info.Size = rec.Size
	info.Archived = true
	return info, nil
}

// Put stores the content of r and takes one reference on it. When sha is set
// and the blob already exists, r is not read. size is a hint and may be -1.
func (e *Engine) Put(ctx context.Context, sha, credKey string, r io.Reader, size int64) (FileInfo, error) {
	if err := e.backends.Known(credKey); err != nil {
		return FileInfo{}, err
	}
	if sha != "" {
		if !storage.ValidDigest(sha) {
			return FileInfo{}, fmt.Errorf("%w: %q", storage.ErrInvalidDigest, sha)
		}
		if info, ok, err := e.lockedDedup(ctx, sha, credKey); err != nil || ok {
			return info, err
		}
	}

	c, err := e.backends.Cache(credKey)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		return FileInfo{}, err
	}
	if c != nil {
		h := sha256.New()
		staged, err := c.Stage(io.TeeReader(r, h))
		switch {
		case err == nil:
			return e.commitStaged(ctx, c, staged, sha, hex.EncodeToString(h.Sum(nil)), credKey)
		case !errors.Is(err, cache.ErrUnavailable):
			return FileInfo{}, err
		}
		e.logger.Debug().Err(err).Str("credential", credKey).Msg("Cache unavailable, writing to backend")
	}
	return e.putSpooled(ctx, sha, credKey, r)
}

// LockBlob serializes writes, new references and deletes of one blob.
func (e *Engine) LockBlob(sha, credKey string) (unlock func()) {
	return e.locks.lock(sha, credKey)
}

func (e *Engine) lockedDedup(ctx context.Context, sha, credKey string) (FileInfo, bool, error) {
	unlock := e.LockBlob(sha, credKey)
	defer unlock()
	return e.dedup(ctx, sha, credKey)
}

// dedup takes a reference on an existing blob. Callers hold the blob lock.
func (e *Engine) dedup(ctx context.Context, sha, credKey string) (FileInfo, bool, error) {
	ok, err := e.Exists(ctx, sha, credKey)
	if err != nil || !ok {
		return FileInfo{}, false, err
	}
	info, err := e.Stat(ctx, sha, credKey)
	if err != nil {
		return FileInfo{}, false, err
	}
	if _, err := e.refs.Increment(ctx, sha, credKey, 1); err != nil {
		return FileInfo{}, false, fmt.Errorf("reference %s: %w", sha, err)
	}
	info.Deduplicated = true
	return info, true, nil
}

func (e *Engine) commitStaged(ctx context.Context, c *cache.Cache, staged *cache.Staged, want, got, credKey string) (FileInfo, error) {
	if want != "" && want != got {
		c.Discard(staged)
		return FileInfo{}, fmt.Errorf("%w: got %s, expected %s", ErrDigestMismatch, got, want)
	}
	unlock := e.LockBlob(got, credKey)
	defer unlock()
	if info, ok, err := e.dedup(ctx, got, credKey); err != nil || ok {
		c.Discard(staged)
		return info, err
	}
	if err := c.Commit(staged, storage.MustLocate(got)); err != nil {
		return FileInfo{}, err
	}
	return e.reference(ctx, FileInfo{SHA256: got, Size: staged.Size(), Credential: credKey})
}

func (e *Engine) putSpooled(ctx context.Context, want, credKey string, r io.Reader) (FileInfo, error) {
	f, err := afero.TempFile(e.opts.Spool, e.opts.SpoolDir, "artifactstore-put-*")
	if err != nil {
		return FileInfo{}, fmt.Errorf("create spool file: %w", err)
	}
	name := f.Name()
	defer func() {
		_ = f.Close()
		_ = e.opts.Spool.Remove(name)
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return FileInfo{}, fmt.Errorf("spool upload: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if want != "" && want != got {
		return FileInfo{}, fmt.Errorf("%w: got %s, expected %s", ErrDigestMismatch, got, want)
	}
	unlock := e.LockBlob(got, credKey)
	defer unlock()
	if info, ok, err := e.dedup(ctx, got, credKey); err != nil || ok {
		return info, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return FileInfo{}, err
	}
	return e.commitBackend(ctx, got, n, f, credKey)
}

// commit registers assembled content of known digest, writing it through the
// cache when one can take it.
func (e *Engine) commit(ctx context.Context, sha string, size int64, r io.Reader, credKey string) (FileInfo, error) {
	unlock := e.LockBlob(sha, credKey)
	defer unlock()
	if info, ok, err := e.dedup(ctx, sha, credKey); err != nil || ok {
		return info, err
	}
	c, err := e.backends.Cache(credKey)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		return FileInfo{}, err
	}
	if c != nil {
		err := c.Store(ctx, storage.MustLocate(sha), r)
		if err == nil {
			return e.reference(ctx, FileInfo{SHA256: sha, Size: size, Credential: credKey})
		}
		if !errors.Is(err, cache.ErrUnavailable) {
			return FileInfo{}, err
		}
	}
	return e.commitBackend(ctx, sha, size, r, credKey)
}

func (e *Engine) commitBackend(ctx context.Context, sha string, size int64, r io.Reader, credKey string) (FileInfo, error) {
	d, err := e.backends.Driver(ctx, credKey)
	if err != nil {
		return FileInfo{}, err
	}
	if err := d.Store(ctx, storage.MustLocate(sha), r, size); err != nil {
		return FileInfo{}, fmt.Errorf("store %s: %w", sha, err)
	}
	return e.reference(ctx, FileInfo{SHA256: sha, Size: size, Credential: credKey})
}

func (e *Engine) reference(ctx context.Context, info FileInfo) (FileInfo, error) {
	if _, err := e.refs.Increment(ctx, info.SHA256, info.Credential, 1); err != nil {
		return FileInfo{}, fmt.Errorf("reference %s: %w", info.SHA256, err)
	}
	e.logger.Debug().Str("sha256", info.SHA256).Str("credential", info.Credential).Int64("size", info.Size).Msg("Blob stored")
	return info, nil
}

// AddReference records one more artifact pointing at the blob.
func (e *Engine) AddReference(ctx context.Context, sha, credKey string) error {
	if !storage.ValidDigest(sha) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidDigest, sha)
	}
	unlock := e.LockBlob(sha, credKey)
	defer unlock()
	_, err := e.refs.Increment(ctx, sha, credKey, 1)
	return err
}

// RemoveReference drops one reference. It reports false when the count was
// already zero.
func (e *Engine) RemoveReference(ctx context.Context, sha, credKey string) (bool, error) {
	if !storage.ValidDigest(sha) {
		return false, fmt.Errorf("%w: %q", storage.ErrInvalidDigest, sha)
	}
	return e.refs.Decrement(ctx, sha, credKey)
}

// DeleteIfUnreferenced removes the bytes of a blob nobody references. It
// refuses while the count is above zero and while archived deltas use the
// blob as their base.
func (e *Engine) DeleteIfUnreferenced(ctx context.Context, sha, credKey string) error {
	if !storage.ValidDigest(sha) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidDigest, sha)
	}
	unlock := e.LockBlob(sha, credKey)
	defer unlock()
	n, err := e.refs.Count(ctx, sha, credKey)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s has %d", ErrReferenced, sha, n)
	}
	return e.DeleteBlob(ctx, sha, credKey)
}

// DeleteBlob removes the plain and archived bytes of a blob without looking
// at its references. The collector calls it while holding LockBlob.
func (e *Engine) DeleteBlob(ctx context.Context, sha, credKey string) error {
	p, err := locate(sha)
	if err != nil {
		return err
	}
	// The archive refuses first when deltas still depend on this blob.
	if e.archive != nil {
		if err := e.archive.Delete(ctx, sha, credKey); err != nil {
			return err
		}
	}
	c, err := e.backends.Cache(credKey)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		return err
	}
	if c != nil {
		err = c.Delete(ctx, p)
	} else {
		err = e.backendDelete(ctx, p, credKey)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", sha, err)
	}
	e.logger.Info().Str("sha256", sha).Str("credential", credKey).Msg("Blob deleted")
	return nil
}

func (e *Engine) backendSize(ctx context.Context, p, credKey string) (int64, error) {
	d, err := e.backends.Driver(ctx, credKey)
	if err != nil {
		return 0, err
	}
	return d.Size(ctx, p)
}

func (e *Engine) backendDelete(ctx context.Context, p, credKey string) error {
	d, err := e.backends.Driver(ctx, credKey)
	if err != nil {
		return err
	}
	return d.Delete(ctx, p)
}
