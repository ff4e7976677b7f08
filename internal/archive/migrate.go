package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/tunnelmesh/artifactstore/internal/storage"
	"github.com/tunnelmesh/artifactstore/internal/storage/driver"
)

// Migrate moves an archived blob from src to dst without restoring it. The
// archived copy, the record and the base pin all move; the base bytes are
// copied to dst when missing there.
func (s *Service) Migrate(ctx context.Context, sha, srcKey, dstKey string) error {
	rec, err := s.deps.Records.Get(ctx, sha, srcKey)
	if err != nil {
		return err
	}
	switch rec.Status {
	case StatusCompressed:
	case StatusNone:
		return fmt.Errorf("%w: %s", ErrNotArchived, sha)
	default:
		return fmt.Errorf("%w: %s is %s", ErrInProgress, sha, rec.Status)
	}
	src, err := s.deps.Drivers.Driver(ctx, srcKey)
	if err != nil {
		return err
	}
	dst, err := s.deps.Drivers.Driver(ctx, dstKey)
	if err != nil {
		return err
	}

	existing, err := s.deps.Records.Get(ctx, sha, dstKey)
	switch {
	case err == nil && existing.Status == StatusCompressed:
		// Already archived at the destination, only the source side is left.
	case err == nil && existing.Status.Busy():
		return fmt.Errorf("%w: %s is %s on %s", ErrInProgress, sha, existing.Status, dstKey)
	case err != nil && !errors.Is(err, ErrNotArchived):
		return err
	default:
		if err := s.copyToDestination(ctx, rec, src, dst, dstKey); err != nil {
			return err
		}
	}

	path := storage.MustLocate(sha) + CompressedSuffix
	if err := src.Delete(ctx, path); err != nil {
		s.logger.Warn().Err(err).Str("sha256", sha).Str("credential", srcKey).Msg("Failed to remove source archived copy")
	}
	if rec.Base != "" {
		if _, err := s.deps.Refs.Decrement(ctx, rec.Base, srcKey); err != nil {
			return fmt.Errorf("release source base reference: %w", err)
		}
	}
	if err := s.deps.Records.Delete(ctx, sha, srcKey); err != nil {
		return err
	}
	s.metrics.ArchiveOperations.WithLabelValues("migrate", "success").Inc()
	s.logger.Info().Str("sha256", sha).Str("src", srcKey).Str("dst", dstKey).Msg("Archived blob migrated")
	return nil
}

func (s *Service) copyToDestination(ctx context.Context, rec Record, src, dst driver.Driver, dstKey string) error {
	if rec.Base != "" {
		basePath := storage.MustLocate(rec.Base)
		ok, err := dst.Exists(ctx, basePath)
		if err != nil {
			return err
		}
		if !ok {
			if err := copyObject(ctx, src, dst, basePath, rec.BaseSize); err != nil {
				return fmt.Errorf("copy base %s: %w", rec.Base, err)
			}
		}
		if _, err := s.deps.Refs.Increment(ctx, rec.Base, dstKey, 1); err != nil {
			return fmt.Errorf("pin destination base: %w", err)
		}
	}

	path := storage.MustLocate(rec.SHA256) + CompressedSuffix
	if err := copyObject(ctx, src, dst, path, rec.CompressedSize); err != nil {
		s.metrics.ArchiveOperations.WithLabelValues("migrate", "error").Inc()
		if rec.Base != "" {
			if _, derr := s.deps.Refs.Decrement(context.WithoutCancel(ctx), rec.Base, dstKey); derr != nil {
				s.logger.Error().Err(derr).Str("base", rec.Base).Msg("Failed to release destination base reference")
			}
		}
		return fmt.Errorf("copy archived copy: %w", err)
	}

	now := s.now()
	_, err := s.deps.Records.Update(ctx, rec.SHA256, dstKey, func(r *Record, _ bool) error {
		moved := rec
		moved.Credential = dstKey
		moved.UpdatedAt = now
		*r = moved
		return nil
	})
	return err
}

func copyObject(ctx context.Context, src, dst driver.Driver, path string, size int64) error {
	rc, err := src.Load(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	return dst.Store(ctx, path, rc, size)
}
