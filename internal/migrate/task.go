// Package migrate moves every blob of one repository from a source storage
// credential to a destination credential while the repository keeps serving.
// A task walks an explicit state machine; each executing phase is resumable
// from the state and checkpoint persisted in the task store.
package migrate

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTaskExists is returned when a repository already has a task.
	ErrTaskExists = errors.New("migration task already exists for repository")

	// ErrSameCredential is returned when source and destination are equal.
	ErrSameCredential = errors.New("source and destination credential are the same")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("migration task not found")

	// ErrNotCancellable is returned when cancelling a task that is running
	// or past the point of no return.
	ErrNotCancellable = errors.New("migration task cannot be cancelled in its current state")

	// ErrFailedNodeNotFound is returned for unknown failed node records.
	ErrFailedNodeNotFound = errors.New("failed node not found")

	// ErrConflict is returned by update functions to abort a conditional
	// update without changing the task.
	ErrConflict = errors.New("migration task changed concurrently")
)

// Config is the migration tuning a task freezes at creation.
type Config struct {
	NodeConcurrency        int           `json:"nodeConcurrency"`
	SmallNodeConcurrency   int           `json:"smallNodeConcurrency"`
	SmallNodeThreshold     int64         `json:"smallNodeThreshold"`
	CorrectInterval        time.Duration `json:"correctInterval"`
	Timeout                time.Duration `json:"timeout"`
	ArchivedFileRate       float64       `json:"archivedFileRate"`
	UpdateProgressInterval int           `json:"updateProgressInterval"`
	MaxRetries             int           `json:"maxRetries"`
	BatchSize              int           `json:"batchSize"`
}

// DefaultConfig returns the built-in migration tuning.
func DefaultConfig() Config {
	return Config{
		NodeConcurrency:        8,
		SmallNodeConcurrency:   32,
		SmallNodeThreshold:     1 << 20,
		CorrectInterval:        6 * time.Hour,
		Timeout:                24 * time.Hour,
		ArchivedFileRate:       10,
		UpdateProgressInterval: 100,
		MaxRetries:             3,
		BatchSize:              500,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NodeConcurrency <= 0 {
		c.NodeConcurrency = d.NodeConcurrency
	}
	if c.SmallNodeConcurrency <= 0 {
		c.SmallNodeConcurrency = d.SmallNodeConcurrency
	}
	if c.SmallNodeThreshold <= 0 {
		c.SmallNodeThreshold = d.SmallNodeThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ArchivedFileRate <= 0 {
		c.ArchivedFileRate = d.ArchivedFileRate
	}
	if c.UpdateProgressInterval <= 0 {
		c.UpdateProgressInterval = d.UpdateProgressInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.CorrectInterval < 0 {
		c.CorrectInterval = 0
	}
	return c
}

// Task is one repository migration.
type Task struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	RepoName         string    `json:"repoName"`
	SrcCredentialKey string    `json:"srcCredentialKey"`
	DstCredentialKey string    `json:"dstCredentialKey"`
	State            State     `json:"state"`
	TotalCount       int64     `json:"totalCount"`
	MigratedCount    int64     `json:"migratedCount"`
	CorrectedCount   int64     `json:"correctedCount"`
	StartDate        time.Time `json:"startDate"`
	CorrectEndDate   time.Time `json:"correctEndDate,omitempty"`

	// LastMigratedNodeID is the resume checkpoint of the current phase.
	LastMigratedNodeID string `json:"lastMigratedNodeId,omitempty"`

	Owner          string    `json:"owner,omitempty"`
	Heartbeat      time.Time `json:"heartbeat,omitempty"`
	StateUpdatedAt time.Time `json:"stateUpdatedAt"`
	CreatedAt      time.Time `json:"createdAt"`

	Config Config `json:"config"`
}

// Phase names where a failed node was recorded.
type Phase string

const (
	PhaseMigrate Phase = "migrate"
	PhaseCorrect Phase = "correct"
)

// FailedNode is a node whose transfer failed and will be retried.
type FailedNode struct {
	TaskID     string    `json:"taskId"`
	NodeID     string    `json:"nodeId"`
	SHA256     string    `json:"sha256"`
	Size       int64     `json:"size"`
	FullPath   string    `json:"fullPath"`
	Archived   bool      `json:"archived,omitempty"`
	Phase      Phase     `json:"phase"`
	RetryCount int       `json:"retryCount"`
	LastError  string    `json:"lastError"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TaskStore persists tasks. Update is the only way to change a stored task
// and runs fn atomically against the current value.
type TaskStore interface {
	// Create stores a new task. It returns ErrTaskExists when the repository
	// already has one.
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context) ([]Task, error)

	// Update applies fn to the stored task and saves the result. An error
	// from fn aborts the update and is returned unchanged.
	Update(ctx context.Context, id string, fn func(t *Task) error) (Task, error)

	// Delete removes the task. Unknown ids return ErrTaskNotFound.
	Delete(ctx context.Context, id string) error
}

// FailedStore persists failed nodes per task.
type FailedStore interface {
	// Put inserts or replaces the record for (TaskID, NodeID).
	Put(ctx context.Context, n FailedNode) error
	List(ctx context.Context, taskID string) ([]FailedNode, error)
	Remove(ctx context.Context, taskID, nodeID string) error
	RemoveAll(ctx context.Context, taskID string) error

	// ResetRetries sets every retry count of the task back to zero and
	// returns how many records it touched.
	ResetRetries(ctx context.Context, taskID string) (int, error)
}
