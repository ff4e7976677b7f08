package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/archive"
	"github.com/tunnelmesh/artifactstore/internal/catalog"
	"github.com/tunnelmesh/artifactstore/internal/migrate"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// Compress archives a blob, as a delta against base when base is set. Blobs
// with open readers or unflushed cache copies are refused with ErrBusy.
func (e *Engine) Compress(ctx context.Context, sha, credKey, base string, wait bool) (archive.Record, error) {
	if e.archive == nil {
		return archive.Record{}, ErrArchiveDisabled
	}
	if e.backends.Busy(sha, credKey) {
		return archive.Record{}, fmt.Errorf("%w: %s", ErrBusy, sha)
	}
	return e.archive.Compress(ctx, sha, credKey, base, wait, nil)
}

// Uncompress restores an archived blob.
func (e *Engine) Uncompress(ctx context.Context, sha, credKey string, wait bool) (archive.Record, error) {
	if e.archive == nil {
		return archive.Record{}, ErrArchiveDisabled
	}
	return e.archive.Uncompress(ctx, sha, credKey, wait, nil)
}

// ArchiveRecord returns the archive status of a blob.
func (e *Engine) ArchiveRecord(ctx context.Context, sha, credKey string) (archive.Record, error) {
	if e.archive == nil {
		return archive.Record{}, ErrArchiveDisabled
	}
	return e.archive.Get(ctx, sha, credKey)
}

// Transfer copies the bytes of a blob from srcKey to dstKey and checks them
// against the digest. A blob that only exists archived on srcKey is moved by
// the archive tier instead.
func (e *Engine) Transfer(ctx context.Context, sha string, size int64, srcKey, dstKey string) error {
	p, err := locate(sha)
	if err != nil {
		return err
	}
	rc, err := e.open(ctx, p, srcKey)
	if errors.Is(err, storage.ErrNotFound) && e.archive != nil {
		if rec, rerr := e.archive.Get(ctx, sha, srcKey); rerr == nil && rec.Status == archive.StatusCompressed {
			return e.archive.Migrate(ctx, sha, srcKey, dstKey)
		}
	}
	if err != nil {
		return fmt.Errorf("open source %s: %w", sha, err)
	}
	defer func() { _ = rc.Close() }()

	dst, err := e.backends.Driver(ctx, dstKey)
	if err != nil {
		return err
	}
	h := sha256.New()
	if err := dst.Store(ctx, p, io.TeeReader(rc, h), size); err != nil {
		return fmt.Errorf("store %s on destination: %w", sha, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != sha {
		if derr := dst.Delete(context.WithoutCancel(ctx), p); derr != nil {
			e.logger.Warn().Err(derr).Str("sha256", sha).Str("credential", dstKey).Msg("Failed to remove corrupt copy")
		}
		return fmt.Errorf("%w: transferred %s hashed to %s", ErrDigestMismatch, sha, got)
	}
	e.logger.Debug().Str("sha256", sha).Str("src", srcKey).Str("dst", dstKey).Msg("Blob transferred")
	return nil
}

// ArchiveMover returns the mover the migration executor uses for archived
// nodes. Nodes whose blob turns out not to be archived are copied plainly.
func (e *Engine) ArchiveMover() migrate.ArchiveMover {
	return archiveMover{e}
}

type archiveMover struct {
	e *Engine
}

func (m archiveMover) Migrate(ctx context.Context, sha, srcKey, dstKey string) error {
	if m.e.archive == nil {
		return m.e.Transfer(ctx, sha, -1, srcKey, dstKey)
	}
	err := m.e.archive.Migrate(ctx, sha, srcKey, dstKey)
	if errors.Is(err, archive.ErrNotArchived) {
		return m.e.Transfer(ctx, sha, -1, srcKey, dstKey)
	}
	return err
}

// NewColdSource feeds the archive sweep with idle blobs from the catalog.
func NewColdSource(t catalog.ArchiveTracker) archive.ColdSource {
	return coldSource{t}
}

type coldSource struct {
	tracker catalog.ArchiveTracker
}

func (s coldSource) Cold(ctx context.Context, before time.Time, limit int) ([]archive.Candidate, error) {
	blobs, err := s.tracker.Idle(ctx, before, limit)
	if err != nil {
		return nil, err
	}
	out := make([]archive.Candidate, len(blobs))
	for i, b := range blobs {
		out[i] = archive.Candidate{SHA256: b.SHA256, Credential: b.Credential}
	}
	return out, nil
}

// ArchiveFlagger returns an archive change hook that mirrors the archived
// state onto the catalog nodes of the blob.
func ArchiveFlagger(t catalog.ArchiveTracker, logger zerolog.Logger) func(sha, credKey string, archived bool) {
	return func(sha, credKey string, archived bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := t.SetArchived(ctx, sha, credKey, archived); err != nil {
			logger.Error().Err(err).Str("sha256", sha).Str("credential", credKey).Bool("archived", archived).Msg("Failed to update archived flag")
		}
	}
}
