package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tunnelmesh/artifactstore/internal/catalog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// run holds the per phase worker pools built from the task's frozen config.
type run struct {
	task    Task
	small   *semaphore.Weighted
	large   *semaphore.Weighted
	limiter *rate.Limiter
}

func newRun(t Task) *run {
	return &run{
		task:    t,
		small:   semaphore.NewWeighted(int64(t.Config.SmallNodeConcurrency)),
		large:   semaphore.NewWeighted(int64(t.Config.NodeConcurrency)),
		limiter: rate.NewLimiter(rate.Limit(t.Config.ArchivedFileRate), 1),
	}
}

// pool picks the worker pool for a node of the given size so small transfers
// never queue behind large ones.
func (r *run) pool(size int64) *semaphore.Weighted {
	if size < r.task.Config.SmallNodeThreshold {
		return r.small
	}
	return r.large
}

// each runs fn for every node on the size matched pool and waits for all of
// them. It returns how many succeeded. Failures are handed to onErr unless
// ctx ended, in which case ctx.Err() is returned.
func (r *run) each(ctx context.Context, nodes []catalog.Node, fn func(context.Context, catalog.Node) error, onErr func(catalog.Node, error)) (int64, error) {
	var (
		wg sync.WaitGroup
		ok atomic.Int64
	)
	for _, n := range nodes {
		sem := r.pool(n.Size)
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(n catalog.Node) {
			defer wg.Done()
			defer sem.Release(1)
			if n.Archived {
				if err := r.limiter.Wait(ctx); err != nil {
					return
				}
			}
			err := fn(ctx, n)
			switch {
			case err == nil:
				ok.Add(1)
			case ctx.Err() == nil:
				onErr(n, err)
			}
		}(n)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return ok.Load(), err
	}
	return ok.Load(), nil
}

// prepare runs once when a task first enters MIGRATING. It pins the start
// date and points new writes at the destination; reads fall back to the
// source until the task finishes.
func (e *Executor) prepare(ctx context.Context, t Task) (Task, error) {
	current, err := e.deps.Repos.Credential(ctx, t.ProjectID, t.RepoName)
	if err != nil {
		return t, err
	}
	if current == t.DstCredentialKey && !t.StartDate.IsZero() {
		return t, nil
	}
	t.StartDate = e.now()
	saved, err := e.save(ctx, t)
	if err != nil {
		return t, err
	}
	if err := e.deps.Repos.SetOldCredential(ctx, t.ProjectID, t.RepoName, t.SrcCredentialKey); err != nil {
		return t, err
	}
	if err := e.deps.Repos.SetCredential(ctx, t.ProjectID, t.RepoName, t.DstCredentialKey); err != nil {
		return t, err
	}
	e.logger.Info().Str("task", t.ID).Time("start_date", saved.StartDate).Str("dst", t.DstCredentialKey).
		Msg("Repository writes switched to destination credential")
	return saved, nil
}

// migrating copies every node created before the start date.
func (e *Executor) migrating(ctx context.Context, t Task) (Task, error) {
	t, err := e.prepare(ctx, t)
	if err != nil {
		return t, err
	}
	before := catalog.Range{To: t.StartDate}
	if t.LastMigratedNodeID == "" {
		total, err := e.deps.Nodes.Count(ctx, t.ProjectID, t.RepoName, before)
		if err != nil {
			return t, fmt.Errorf("count nodes: %w", err)
		}
		t.TotalCount = total
		t.MigratedCount = 0
	}

	r := newRun(t)
	unsaved := 0
	for {
		page, err := e.deps.Nodes.Nodes(ctx, t.ProjectID, t.RepoName, before, t.LastMigratedNodeID, t.Config.BatchSize)
		if err != nil {
			return t, fmt.Errorf("list nodes: %w", err)
		}
		if len(page) == 0 {
			break
		}
		ok, err := r.each(ctx, page, func(ctx context.Context, n catalog.Node) error {
			return e.migrateNode(ctx, t, n)
		}, func(n catalog.Node, err error) {
			e.recordFailed(ctx, t, n, PhaseMigrate, err)
		})
		e.metrics.MigrationNodes.WithLabelValues(string(PhaseMigrate), "success").Add(float64(ok))
		if err != nil {
			// The page is replayed from the last checkpoint on resume.
			return t, err
		}
		t.MigratedCount += ok
		t.LastMigratedNodeID = page[len(page)-1].ID
		unsaved += len(page)
		if unsaved >= t.Config.UpdateProgressInterval {
			if t, err = e.save(ctx, t); err != nil {
				return t, err
			}
			unsaved = 0
			e.logger.Info().Str("task", t.ID).Int64("migrated", t.MigratedCount).Int64("total", t.TotalCount).Msg("Migration progress")
		}
	}

	e.logger.Info().Str("task", t.ID).Int64("migrated", t.MigratedCount).Int64("total", t.TotalCount).Msg("Existing nodes migrated")
	return e.advance(ctx, t, EventFinish)
}

// correcting re-checks nodes created while MIGRATING ran so uploads that
// started on the source before the switch reach the destination.
func (e *Executor) correcting(ctx context.Context, t Task) (Task, error) {
	window := catalog.Range{From: t.StartDate, To: t.CorrectEndDate}
	r := newRun(t)
	unsaved := 0
	for {
		page, err := e.deps.Nodes.Nodes(ctx, t.ProjectID, t.RepoName, window, t.LastMigratedNodeID, t.Config.BatchSize)
		if err != nil {
			return t, fmt.Errorf("list nodes: %w", err)
		}
		if len(page) == 0 {
			break
		}
		var corrected atomic.Int64
		ok, err := r.each(ctx, page, func(ctx context.Context, n catalog.Node) error {
			action, err := e.correctNode(ctx, t, n)
			if err == nil && action != actionSkip {
				corrected.Add(1)
			}
			return err
		}, func(n catalog.Node, err error) {
			e.recordFailed(ctx, t, n, PhaseCorrect, err)
		})
		e.metrics.MigrationNodes.WithLabelValues(string(PhaseCorrect), "success").Add(float64(ok))
		if err != nil {
			return t, err
		}
		t.CorrectedCount += corrected.Load()
		t.LastMigratedNodeID = page[len(page)-1].ID
		unsaved += len(page)
		if unsaved >= t.Config.UpdateProgressInterval {
			if t, err = e.save(ctx, t); err != nil {
				return t, err
			}
			unsaved = 0
		}
	}

	e.logger.Info().Str("task", t.ID).Int64("corrected", t.CorrectedCount).Msg("New nodes corrected")
	return e.advance(ctx, t, EventFinish)
}

// migratingFailed retries failed nodes in passes until each succeeds or uses
// up its retry budget. Attempts are counted here before they are persisted,
// so a failed node store cannot keep a node eligible forever.
func (e *Executor) migratingFailed(ctx context.Context, t Task) (Task, error) {
	r := newRun(t)
	tried := make(map[string]int)
	for {
		failed, err := e.deps.Failed.List(ctx, t.ID)
		if err != nil {
			return t, fmt.Errorf("list failed nodes: %w", err)
		}
		var (
			retry []catalog.Node
			byID  = make(map[string]FailedNode)
		)
		for _, f := range failed {
			attempts := max(f.RetryCount, tried[f.NodeID])
			if attempts < t.Config.MaxRetries {
				tried[f.NodeID] = attempts + 1
				f.RetryCount = attempts
				retry = append(retry, catalog.Node{ID: f.NodeID, ProjectID: t.ProjectID, RepoName: t.RepoName, FullPath: f.FullPath, SHA256: f.SHA256, Size: f.Size, Archived: f.Archived})
				byID[f.NodeID] = f
			}
		}
		if len(retry) == 0 {
			break
		}

		var recovered atomic.Int64
		_, err = r.each(ctx, retry, func(ctx context.Context, n catalog.Node) error {
			if _, err := e.correctNode(ctx, t, n); err != nil {
				return err
			}
			if err := e.deps.Failed.Remove(ctx, t.ID, n.ID); err != nil && !errors.Is(err, ErrFailedNodeNotFound) {
				return err
			}
			if byID[n.ID].Phase == PhaseMigrate {
				recovered.Add(1)
			}
			e.logger.Info().Str("task", t.ID).Str("node", n.ID).Str("sha256", n.SHA256).Msg("Failed node migrated")
			return nil
		}, func(n catalog.Node, err error) {
			f := byID[n.ID]
			f.RetryCount++
			f.LastError = err.Error()
			f.UpdatedAt = e.now()
			if perr := e.deps.Failed.Put(ctx, f); perr != nil {
				e.logger.Error().Err(perr).Str("node", n.ID).Msg("Failed to record failed node retry")
			}
			e.metrics.MigrationNodes.WithLabelValues("retry", "error").Inc()
			e.logger.Warn().Err(err).Str("task", t.ID).Str("node", n.ID).Int("retry", f.RetryCount).Msg("Failed node retry failed")
		})
		t.MigratedCount += recovered.Load()
		if err != nil {
			return t, err
		}
	}

	remaining, err := e.deps.Failed.List(ctx, t.ID)
	if err != nil {
		return t, fmt.Errorf("list failed nodes: %w", err)
	}
	if len(remaining) > 0 {
		e.logger.Error().Str("task", t.ID).Str("repo", t.ProjectID+"/"+t.RepoName).Int("failed_nodes", len(remaining)).
			Msg("Failed nodes exhausted their retries, migration needs manual intervention")
		return e.advance(ctx, t, EventExhausted)
	}
	return e.advance(ctx, t, EventFinish)
}

// finishing makes the destination the only credential of the repository and
// removes the task.
func (e *Executor) finishing(ctx context.Context, t Task) error {
	if err := e.deps.Repos.SetCredential(ctx, t.ProjectID, t.RepoName, t.DstCredentialKey); err != nil {
		return err
	}
	if err := e.deps.Repos.ClearOldCredential(ctx, t.ProjectID, t.RepoName); err != nil {
		return err
	}
	if err := e.deps.Failed.RemoveAll(ctx, t.ID); err != nil {
		return fmt.Errorf("remove failed nodes: %w", err)
	}
	final, err := e.deps.Tasks.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if _, err := Next(final.State, EventFinish); err != nil {
		return err
	}
	if e.opts.OnFinished != nil {
		e.opts.OnFinished(final)
	}
	if err := e.deps.Tasks.Delete(ctx, t.ID); err != nil {
		return err
	}
	e.logger.Info().Str("task", t.ID).Str("repo", t.ProjectID+"/"+t.RepoName).
		Int64("migrated", final.MigratedCount).Int64("total", final.TotalCount).Msg("Migration finished")
	return nil
}

func (e *Executor) recordFailed(ctx context.Context, t Task, n catalog.Node, phase Phase, cause error) {
	e.metrics.MigrationNodes.WithLabelValues(string(phase), "error").Inc()
	e.logger.Warn().Err(cause).Str("task", t.ID).Str("node", n.ID).Str("sha256", n.SHA256).Msg("Failed to migrate node")
	f := FailedNode{
		TaskID:    t.ID,
		NodeID:    n.ID,
		SHA256:    n.SHA256,
		Size:      n.Size,
		FullPath:  n.FullPath,
		Archived:  n.Archived,
		Phase:     phase,
		LastError: cause.Error(),
		UpdatedAt: e.now(),
	}
	if err := e.deps.Failed.Put(ctx, f); err != nil {
		e.logger.Error().Err(err).Str("node", n.ID).Msg("Failed to record failed node")
	}
}

// transfer copies the bytes of n to the destination.
func (e *Executor) transfer(ctx context.Context, t Task, n catalog.Node) error {
	if n.Archived && e.deps.Archive != nil {
		if err := e.deps.Archive.Migrate(ctx, n.SHA256, t.SrcCredentialKey, t.DstCredentialKey); err != nil {
			return fmt.Errorf("migrate archived %s: %w", n.SHA256, err)
		}
		return nil
	}
	if err := e.deps.Mover.Transfer(ctx, n.SHA256, n.Size, t.SrcCredentialKey, t.DstCredentialKey); err != nil {
		return fmt.Errorf("transfer %s: %w", n.SHA256, err)
	}
	return nil
}

// migrateNode moves the bytes if the destination lacks them, then moves one
// reference from source to destination.
func (e *Executor) migrateNode(ctx context.Context, t Task, n catalog.Node) error {
	exists, err := e.deps.Mover.Exists(ctx, n.SHA256, t.DstCredentialKey)
	if err != nil {
		return fmt.Errorf("check destination: %w", err)
	}
	if !exists {
		if err := e.transfer(ctx, t, n); err != nil {
			return err
		}
	}
	return e.moveReference(ctx, t, n.SHA256)
}

// moveReference increments the destination before decrementing the source,
// so the blob is referenced somewhere at every instant.
func (e *Executor) moveReference(ctx context.Context, t Task, sha256 string) error {
	if _, err := e.deps.Refs.Increment(ctx, sha256, t.DstCredentialKey, 1); err != nil {
		return fmt.Errorf("increment destination reference: %w", err)
	}
	ok, err := e.deps.Refs.Decrement(ctx, sha256, t.SrcCredentialKey)
	if err != nil {
		return fmt.Errorf("decrement source reference: %w", err)
	}
	if !ok {
		e.logger.Warn().Str("task", t.ID).Str("sha256", sha256).Str("src", t.SrcCredentialKey).Msg("Source reference already zero")
	}
	return nil
}

type correctAction string

const (
	actionReference correctAction = "reference"
	actionMigrate   correctAction = "migrate"
	actionTransfer  correctAction = "transfer"
	actionSkip      correctAction = "skip"
)

// correctNode brings one node in line with the destination:
//   - source referenced, destination has bytes: move the reference only
//   - source referenced, destination lacks bytes: full migrate
//   - source unreferenced, destination lacks bytes: copy bytes only
//   - otherwise nothing to do
func (e *Executor) correctNode(ctx context.Context, t Task, n catalog.Node) (correctAction, error) {
	srcRef, err := e.deps.Refs.Exists(ctx, n.SHA256, t.SrcCredentialKey)
	if err != nil {
		return actionSkip, fmt.Errorf("check source reference: %w", err)
	}
	dstBytes, err := e.deps.Mover.Exists(ctx, n.SHA256, t.DstCredentialKey)
	if err != nil {
		return actionSkip, fmt.Errorf("check destination: %w", err)
	}
	switch {
	case srcRef && dstBytes:
		return actionReference, e.moveReference(ctx, t, n.SHA256)
	case srcRef:
		if err := e.transfer(ctx, t, n); err != nil {
			return actionMigrate, err
		}
		return actionMigrate, e.moveReference(ctx, t, n.SHA256)
	case !dstBytes:
		return actionTransfer, e.transfer(ctx, t, n)
	default:
		return actionSkip, nil
	}
}
