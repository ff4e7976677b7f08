package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/catalog"
	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/refcount"
)

// errLeaseLost aborts a phase whose task was claimed by another executor.
var errLeaseLost = errors.New("migration task lease lost")

// cancelOwner marks a task that is being cancelled so nobody claims it.
const cancelOwner = "cancelling"

// Mover copies blob bytes between credentials.
type Mover interface {
	Exists(ctx context.Context, sha256, credKey string) (bool, error)
	Transfer(ctx context.Context, sha256 string, size int64, srcKey, dstKey string) error
}

// ArchiveMover moves archived blobs, including their cold copy and base pin.
type ArchiveMover interface {
	Migrate(ctx context.Context, sha256, srcKey, dstKey string) error
}

// Health reports whether the node has the resources to take on work.
type Health interface {
	Healthy() bool
}

// Deps are the collaborators of an Executor. Archive and Health are optional.
type Deps struct {
	Tasks   TaskStore
	Failed  FailedStore
	Nodes   catalog.NodeSource
	Repos   catalog.RepoUpdater
	Mover   Mover
	Refs    refcount.Counter
	Archive ArchiveMover
	Health  Health

	// KnownCredential rejects credential keys that are not configured.
	KnownCredential func(key string) error
}

// Options configure an Executor.
type Options struct {
	// Config is frozen into every task created by this executor.
	Config       Config
	PollInterval time.Duration
	LeaseTimeout time.Duration
	MaxTasks     int
	// Owner identifies this executor in task leases. Defaults to
	// <hostname>-<uuid>.
	Owner string

	// OnFinished is called with the final task before its record is removed.
	OnFinished func(Task)
}

// DefaultOptions returns the built-in executor options.
func DefaultOptions() Options {
	return Options{
		Config:       DefaultConfig(),
		PollInterval: 10 * time.Second,
		LeaseTimeout: 5 * time.Minute,
		MaxTasks:     2,
	}
}

// CreateRequest asks for a repository migration. An empty source is read from
// the repository.
type CreateRequest struct {
	ProjectID        string `json:"projectId"`
	RepoName         string `json:"repoName"`
	SrcCredentialKey string `json:"srcCredentialKey,omitempty"`
	DstCredentialKey string `json:"dstCredentialKey"`
}

// Executor claims migration tasks and drives them through their phases.
type Executor struct {
	deps    Deps
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	running   map[string]struct{}
	unhealthy bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor validates deps and returns an executor.
func NewExecutor(deps Deps, opts Options, m *metrics.Metrics, logger zerolog.Logger) (*Executor, error) {
	if deps.Tasks == nil || deps.Failed == nil || deps.Nodes == nil || deps.Repos == nil || deps.Mover == nil || deps.Refs == nil {
		return nil, errors.New("migrate: tasks, failed, nodes, repos, mover and refs are required")
	}
	d := DefaultOptions()
	opts.Config = opts.Config.withDefaults()
	if opts.PollInterval <= 0 {
		opts.PollInterval = d.PollInterval
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = d.LeaseTimeout
	}
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = d.MaxTasks
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = host + "-" + uuid.NewString()[:8]
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Executor{
		deps:    deps,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "migrate").Str("owner", opts.Owner).Logger(),
		now:     time.Now,
		running: make(map[string]struct{}),
	}, nil
}

// CreateTask registers a new PENDING task with the executor's frozen config.
func (e *Executor) CreateTask(ctx context.Context, req CreateRequest) (Task, error) {
	if req.ProjectID == "" || req.RepoName == "" {
		return Task{}, errors.New("projectId and repoName are required")
	}
	current, err := e.deps.Repos.Credential(ctx, req.ProjectID, req.RepoName)
	if err != nil {
		return Task{}, err
	}
	src := req.SrcCredentialKey
	if src == "" {
		src = current
	}
	if src == req.DstCredentialKey {
		return Task{}, ErrSameCredential
	}
	if e.deps.KnownCredential != nil {
		for _, key := range []string{src, req.DstCredentialKey} {
			if err := e.deps.KnownCredential(key); err != nil {
				return Task{}, err
			}
		}
	}

	now := e.now()
	t := Task{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		RepoName:         req.RepoName,
		SrcCredentialKey: src,
		DstCredentialKey: req.DstCredentialKey,
		State:            StatePending,
		StateUpdatedAt:   now,
		CreatedAt:        now,
		Config:           e.opts.Config,
	}
	if err := e.deps.Tasks.Create(ctx, t); err != nil {
		return Task{}, err
	}
	e.logger.Info().Str("task", t.ID).Str("repo", req.ProjectID+"/"+req.RepoName).
		Str("src", src).Str("dst", req.DstCredentialKey).Msg("Migration task created")
	return t, nil
}

// ListTasks returns every task.
func (e *Executor) ListTasks(ctx context.Context) ([]Task, error) {
	return e.deps.Tasks.List(ctx)
}

// GetTask returns one task.
func (e *Executor) GetTask(ctx context.Context, id string) (Task, error) {
	return e.deps.Tasks.Get(ctx, id)
}

// ListFailed returns the failed nodes of a task.
func (e *Executor) ListFailed(ctx context.Context, id string) ([]FailedNode, error) {
	if _, err := e.deps.Tasks.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.deps.Failed.List(ctx, id)
}

// CancelTask removes a task that has not started or that is waiting for
// manual intervention. Running tasks return ErrNotCancellable.
func (e *Executor) CancelTask(ctx context.Context, id string) error {
	now := e.now()
	t, err := e.deps.Tasks.Update(ctx, id, func(t *Task) error {
		if t.State != StatePending && t.State != StateNeedsManualIntervention {
			return ErrNotCancellable
		}
		if e.leased(t, now) {
			return ErrNotCancellable
		}
		t.Owner, t.Heartbeat = cancelOwner, now
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.deps.Failed.RemoveAll(ctx, id); err != nil {
		return fmt.Errorf("remove failed nodes: %w", err)
	}
	if err := e.deps.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Info().Str("task", id).Str("state", string(t.State)).Msg("Migration task cancelled")
	return nil
}

// ResetFailed gives a task waiting for manual intervention a fresh retry
// budget and sends it back to CORRECT_FINISHED.
func (e *Executor) ResetFailed(ctx context.Context, id string) (Task, error) {
	t, err := e.deps.Tasks.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if _, err := Next(t.State, EventReset); err != nil {
		return Task{}, err
	}
	n, err := e.deps.Failed.ResetRetries(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("reset failed nodes: %w", err)
	}
	now := e.now()
	t, err = e.deps.Tasks.Update(ctx, id, func(t *Task) error {
		next, err := Next(t.State, EventReset)
		if err != nil {
			return err
		}
		enter(t, next, now)
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	e.logger.Info().Str("task", id).Int("failed_nodes", n).Msg("Migration task reset")
	return t, nil
}

// RemoveFailedNode drops one failed node record, for nodes an operator has
// dealt with by hand.
func (e *Executor) RemoveFailedNode(ctx context.Context, taskID, nodeID string) error {
	return e.deps.Failed.Remove(ctx, taskID, nodeID)
}

// Start begins polling for tasks until Stop.
func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info().Dur("poll_interval", e.opts.PollInterval).Msg("Migration executor started")
}

// Stop cancels running phases and waits for them to release their tasks.
func (e *Executor) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Migration executor stopped")
}

func (e *Executor) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		for _, t := range e.claimRunnable(ctx) {
			e.wg.Add(1)
			go func(t Task) {
				defer e.wg.Done()
				e.drive(ctx, t)
			}(t)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims every runnable task and drives each until it has to wait,
// returning once all of them have.
func (e *Executor) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range e.claimRunnable(ctx) {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			e.drive(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (e *Executor) healthy() bool {
	ok := e.deps.Health == nil || e.deps.Health.Healthy()
	e.mu.Lock()
	changed := ok == e.unhealthy
	e.unhealthy = !ok
	e.mu.Unlock()
	if changed && !ok {
		e.logger.Warn().Msg("Insufficient resources, not claiming migration tasks")
	} else if changed {
		e.logger.Info().Msg("Resources recovered, claiming migration tasks")
	}
	return ok
}

// claimRunnable leases as many runnable tasks as the executor has room for.
func (e *Executor) claimRunnable(ctx context.Context) []Task {
	tasks, err := e.deps.Tasks.List(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to list migration tasks")
		return nil
	}
	e.updateGauge(tasks)
	if !e.healthy() {
		return nil
	}

	var claimed []Task
	for _, t := range tasks {
		if !e.reserve(t.ID) {
			continue
		}
		got, ok, err := e.claim(ctx, t.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("task", t.ID).Msg("Failed to claim migration task")
		}
		if !ok {
			e.unreserve(t.ID)
			continue
		}
		claimed = append(claimed, got)
	}
	return claimed
}

func (e *Executor) reserve(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok || len(e.running) >= e.opts.MaxTasks {
		return false
	}
	e.running[id] = struct{}{}
	return true
}

func (e *Executor) unreserve(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// leased reports whether another owner holds a live lease on t.
func (e *Executor) leased(t *Task, now time.Time) bool {
	return t.Owner != "" && t.Owner != e.opts.Owner && now.Sub(t.Heartbeat) < e.opts.LeaseTimeout
}

// claim takes the lease of a task that can make progress. Waiting states are
// started; executing states whose lease went stale are resumed.
func (e *Executor) claim(ctx context.Context, id string) (Task, bool, error) {
	now := e.now()
	t, err := e.deps.Tasks.Update(ctx, id, func(t *Task) error {
		if e.leased(t, now) {
			return ErrConflict
		}
		switch {
		case t.State == StateMigrateFinished && now.Before(t.StateUpdatedAt.Add(t.Config.CorrectInterval)):
			return ErrConflict
		case t.State.Waiting():
			next, err := Next(t.State, EventStart)
			if err != nil {
				return err
			}
			enter(t, next, now)
		case t.State.Executing():
			if _, err := Next(t.State, EventResume); err != nil {
				return err
			}
		default:
			return ErrConflict
		}
		t.Owner, t.Heartbeat = e.opts.Owner, now
		return nil
	})
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrTaskNotFound) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// enter moves t into state and resets the per phase checkpoint.
func enter(t *Task, state State, now time.Time) {
	t.State = state
	t.StateUpdatedAt = now
	t.LastMigratedNodeID = ""
	if state == StateCorrecting {
		t.CorrectEndDate = now
	}
}

// save persists progress fields of t while we still own it.
func (e *Executor) save(ctx context.Context, t Task) (Task, error) {
	now := e.now()
	return e.deps.Tasks.Update(ctx, t.ID, func(cur *Task) error {
		if cur.Owner != e.opts.Owner {
			return errLeaseLost
		}
		if cur.State != t.State {
			return ErrConflict
		}
		cur.TotalCount = t.TotalCount
		cur.MigratedCount = t.MigratedCount
		cur.CorrectedCount = t.CorrectedCount
		cur.StartDate = t.StartDate
		cur.LastMigratedNodeID = t.LastMigratedNodeID
		cur.Heartbeat = now
		return nil
	})
}

// advance saves t and applies ev to it.
func (e *Executor) advance(ctx context.Context, t Task, ev Event) (Task, error) {
	now := e.now()
	next, err := e.deps.Tasks.Update(ctx, t.ID, func(cur *Task) error {
		if cur.Owner != e.opts.Owner {
			return errLeaseLost
		}
		if cur.State != t.State {
			return ErrConflict
		}
		state, err := Next(cur.State, ev)
		if err != nil {
			return err
		}
		cur.TotalCount = t.TotalCount
		cur.MigratedCount = t.MigratedCount
		cur.CorrectedCount = t.CorrectedCount
		cur.StartDate = t.StartDate
		enter(cur, state, now)
		cur.Heartbeat = now
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	e.logger.Info().Str("task", t.ID).Str("from", string(t.State)).Str("to", string(next.State)).Msg("Migration task state changed")
	return next, nil
}

// release drops our lease so the task can be resumed later.
func (e *Executor) release(id string) {
	_, err := e.deps.Tasks.Update(context.Background(), id, func(t *Task) error {
		if t.Owner != e.opts.Owner {
			return ErrConflict
		}
		t.Owner, t.Heartbeat = "", time.Time{}
		return nil
	})
	if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrTaskNotFound) {
		e.logger.Warn().Err(err).Str("task", id).Msg("Failed to release migration task")
	}
}

// keepAlive refreshes the lease until ctx is done, cancelling the phase if
// another owner took the task.
func (e *Executor) keepAlive(ctx context.Context, id string, lost context.CancelFunc) {
	ticker := time.NewTicker(e.opts.LeaseTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			_, err := e.deps.Tasks.Update(ctx, id, func(t *Task) error {
				if t.Owner != e.opts.Owner {
					return errLeaseLost
				}
				t.Heartbeat = now
				return nil
			})
			if errors.Is(err, errLeaseLost) {
				e.logger.Warn().Str("task", id).Msg("Migration task lease lost")
				lost()
				return
			}
		}
	}
}

// drive runs phases back to back until the task waits, finishes or fails.
func (e *Executor) drive(ctx context.Context, t Task) {
	defer e.unreserve(t.ID)
	defer e.release(t.ID)

	logger := e.logger.With().Str("task", t.ID).Str("repo", t.ProjectID+"/"+t.RepoName).Logger()
	for {
		phaseCtx, cancel := context.WithTimeout(ctx, t.Config.Timeout)
		go e.keepAlive(phaseCtx, t.ID, cancel)

		var (
			next Task
			err  error
		)
		switch t.State {
		case StateMigrating:
			next, err = e.migrating(phaseCtx, t)
		case StateCorrecting:
			next, err = e.correcting(phaseCtx, t)
		case StateMigratingFailedNode:
			next, err = e.migratingFailed(phaseCtx, t)
		case StateFinishing:
			err = e.finishing(phaseCtx, t)
			if err == nil {
				cancel()
				return
			}
		default:
			err = fmt.Errorf("%w: cannot drive %s", ErrInvalidTransition, t.State)
		}
		timedOut := errors.Is(phaseCtx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case err == nil:
			t = next
		case ctx.Err() != nil:
			logger.Info().Str("state", string(t.State)).Msg("Migration phase interrupted, will resume")
			return
		case timedOut:
			logger.Warn().Str("state", string(t.State)).Dur("timeout", t.Config.Timeout).Msg("Migration phase timed out, will resume")
			return
		default:
			logger.Error().Err(err).Str("state", string(t.State)).Msg("Migration phase failed, will resume")
			return
		}

		if !t.State.Waiting() || t.State == StateMigrateFinished {
			return
		}
		t, err = e.advance(ctx, t, EventStart)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start next migration phase")
			return
		}
	}
}

func (e *Executor) updateGauge(tasks []Task) {
	counts := make(map[State]int, len(States))
	for _, t := range tasks {
		counts[t.State]++
	}
	for _, s := range States {
		e.metrics.MigrationTasks.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
