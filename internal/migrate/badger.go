package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/tunnelmesh/artifactstore/internal/kv"
)

const (
	taskPrefix     = "migrate/task/"
	taskRepoPrefix = "migrate/repo/"
	failedPrefix   = "migrate/failed/"
)

// BadgerTasks persists tasks in the local embedded database.
type BadgerTasks struct {
	db *kv.DB
}

// NewBadgerTasks returns a task store backed by db.
func NewBadgerTasks(db *kv.DB) *BadgerTasks {
	return &BadgerTasks{db: db}
}

func taskKey(id string) string { return taskPrefix + id }

// Repository names may contain "/", so the index key length prefixes the
// project id.
func taskRepoKey(projectID, repoName string) string {
	return fmt.Sprintf("%s%d:%s/%s", taskRepoPrefix, len(projectID), projectID, repoName)
}

func (b *BadgerTasks) Create(_ context.Context, t Task) error {
	return b.db.Update(func(txn *badger.Txn) error {
		idx := taskRepoKey(t.ProjectID, t.RepoName)
		exists, err := kv.Exists(txn, idx)
		if err != nil {
			return err
		}
		if exists {
			return ErrTaskExists
		}
		if err := kv.Set(txn, idx, t.ID); err != nil {
			return err
		}
		return kv.Set(txn, taskKey(t.ID), t)
	})
}

func (b *BadgerTasks) Get(_ context.Context, id string) (Task, error) {
	var t Task
	err := b.db.View(func(txn *badger.Txn) error {
		return kv.Get(txn, taskKey(id), &t)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

func (b *BadgerTasks) List(_ context.Context) ([]Task, error) {
	var out []Task
	err := b.db.View(func(txn *badger.Txn) error {
		return kv.Scan(txn, taskPrefix, func(_ string, val []byte) error {
			var t Task
			if err := json.Unmarshal(val, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTasks(out)
	return out, nil
}

func (b *BadgerTasks) Update(_ context.Context, id string, fn func(t *Task) error) (Task, error) {
	var saved Task
	err := b.db.Update(func(txn *badger.Txn) error {
		var t Task
		if err := kv.Get(txn, taskKey(id), &t); err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		saved = t
		return kv.Set(txn, taskKey(id), t)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}
	return saved, nil
}

func (b *BadgerTasks) Delete(_ context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		var t Task
		if err := kv.Get(txn, taskKey(id), &t); err != nil {
			return err
		}
		if err := kv.Delete(txn, taskRepoKey(t.ProjectID, t.RepoName)); err != nil {
			return err
		}
		return kv.Delete(txn, taskKey(id))
	})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrTaskNotFound
	}
	return err
}

// BadgerFailed persists failed nodes in the local embedded database.
type BadgerFailed struct {
	db *kv.DB
}

// NewBadgerFailed returns a failed node store backed by db.
func NewBadgerFailed(db *kv.DB) *BadgerFailed {
	return &BadgerFailed{db: db}
}

// Task ids are uuids and never contain "/".
func failedTaskPrefix(taskID string) string  { return failedPrefix + taskID + "/" }
func failedKey(taskID, nodeID string) string { return failedTaskPrefix(taskID) + nodeID }

func (b *BadgerFailed) Put(_ context.Context, n FailedNode) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return kv.Set(txn, failedKey(n.TaskID, n.NodeID), n)
	})
}

func (b *BadgerFailed) List(_ context.Context, taskID string) ([]FailedNode, error) {
	out := []FailedNode{}
	err := b.db.View(func(txn *badger.Txn) error {
		return kv.Scan(txn, failedTaskPrefix(taskID), func(_ string, val []byte) error {
			var n FailedNode
			if err := json.Unmarshal(val, &n); err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	return out, err
}

func (b *BadgerFailed) Remove(_ context.Context, taskID, nodeID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		exists, err := kv.Exists(txn, failedKey(taskID, nodeID))
		if err != nil {
			return err
		}
		if !exists {
			return ErrFailedNodeNotFound
		}
		return kv.Delete(txn, failedKey(taskID, nodeID))
	})
}

func (b *BadgerFailed) RemoveAll(_ context.Context, taskID string) error {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		return kv.Scan(txn, failedTaskPrefix(taskID), func(key string, _ []byte) error {
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return err
	}
	// Delete in chunks to stay below badger's transaction size limit.
	const chunk = 1000
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		if err := b.db.Update(func(txn *badger.Txn) error {
			for _, k := range batch {
				if err := kv.Delete(txn, k); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerFailed) ResetRetries(_ context.Context, taskID string) (int, error) {
	n := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		n = 0
		var nodes []FailedNode
		if err := kv.Scan(txn, failedTaskPrefix(taskID), func(_ string, val []byte) error {
			var node FailedNode
			if err := json.Unmarshal(val, &node); err != nil {
				return err
			}
			nodes = append(nodes, node)
			return nil
		}); err != nil {
			return err
		}
		for _, node := range nodes {
			node.RetryCount = 0
			if err := kv.Set(txn, failedKey(node.TaskID, node.NodeID), node); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
