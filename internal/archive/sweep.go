package archive

import (
	"context"
	"errors"
	"time"
)

// Candidate is a blob the sweep may archive.
type Candidate struct {
	SHA256     string
	Credential string
}

// ColdSource lists blobs that have not been touched since before.
type ColdSource interface {
	Cold(ctx context.Context, before time.Time, limit int) ([]Candidate, error)
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Queued  int  `json:"queued"`
	Busy    int  `json:"busy"`
	Known   int  `json:"known"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped"`
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(s.ctx, s.deps.Source); err != nil && s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Archive sweep failed")
			}
		}
	}
}

// Sweep queues idle blobs from source for compression. Blobs reported busy
// and blobs that already have a record are left alone. Nothing is queued
// while the node is short on resources.
func (s *Service) Sweep(ctx context.Context, source ColdSource) (SweepStats, error) {
	var stats SweepStats
	if s.deps.Health != nil && !s.deps.Health.Healthy() {
		stats.Skipped = true
		s.logger.Warn().Msg("Insufficient resources, skipping archive sweep")
		return stats, nil
	}
	cands, err := source.Cold(ctx, s.now().Add(-s.opts.IdleAfter), s.opts.SweepBatch)
	if err != nil {
		return stats, err
	}
	for _, c := range cands {
		if s.deps.Busy != nil && s.deps.Busy(c.SHA256, c.Credential) {
			stats.Busy++
			continue
		}
		if _, err := s.deps.Records.Get(ctx, c.SHA256, c.Credential); err == nil {
			stats.Known++
			continue
		} else if !errors.Is(err, ErrNotArchived) {
			return stats, err
		}
		if _, err := s.Compress(ctx, c.SHA256, c.Credential, "", false, nil); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			s.logger.Debug().Err(err).Str("sha256", c.SHA256).Str("credential", c.Credential).Msg("Skipping archive candidate")
			continue
		}
		stats.Queued++
	}
	if len(cands) > 0 {
		s.logger.Info().
			Int("candidates", len(cands)).
			Int("queued", stats.Queued).
			Int("busy", stats.Busy).
			Int("known", stats.Known).
			Int("failed", stats.Failed).
			Msg("Archive sweep complete")
	}
	return stats, nil
}
