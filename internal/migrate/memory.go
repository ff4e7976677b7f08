package migrate

import (
	"context"
	"sort"
	"sync"
)

// MemoryTasks is an in-process TaskStore.
type MemoryTasks struct {
	mu     sync.Mutex
	tasks  map[string]Task
	byRepo map[repoRef]string
}

// NewMemoryTasks returns an empty task store.
func NewMemoryTasks() *MemoryTasks {
	return &MemoryTasks{tasks: make(map[string]Task), byRepo: make(map[repoRef]string)}
}

type repoRef struct{ projectID, repoName string }

func repoIndex(projectID, repoName string) repoRef { return repoRef{projectID, repoName} }

func (m *MemoryTasks) Create(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := repoIndex(t.ProjectID, t.RepoName)
	if _, ok := m.byRepo[idx]; ok {
		return ErrTaskExists
	}
	m.byRepo[idx] = t.ID
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryTasks) Get(_ context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (m *MemoryTasks) List(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryTasks) Update(_ context.Context, id string, fn func(t *Task) error) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if err := fn(&t); err != nil {
		return Task{}, err
	}
	m.tasks[id] = t
	return t, nil
}

func (m *MemoryTasks) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	delete(m.byRepo, repoIndex(t.ProjectID, t.RepoName))
	return nil
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// MemoryFailed is an in-process FailedStore.
type MemoryFailed struct {
	mu    sync.Mutex
	nodes map[string]map[string]FailedNode
}

// NewMemoryFailed returns an empty failed node store.
func NewMemoryFailed() *MemoryFailed {
	return &MemoryFailed{nodes: make(map[string]map[string]FailedNode)}
}

func (m *MemoryFailed) Put(_ context.Context, n FailedNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNode, ok := m.nodes[n.TaskID]
	if !ok {
		byNode = make(map[string]FailedNode)
		m.nodes[n.TaskID] = byNode
	}
	byNode[n.NodeID] = n
	return nil
}

func (m *MemoryFailed) List(_ context.Context, taskID string) ([]FailedNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailedNode, 0, len(m.nodes[taskID]))
	for _, n := range m.nodes[taskID] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *MemoryFailed) Remove(_ context.Context, taskID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[taskID][nodeID]; !ok {
		return ErrFailedNodeNotFound
	}
	delete(m.nodes[taskID], nodeID)
	return nil
}

func (m *MemoryFailed) RemoveAll(_ context.Context, taskID string) error {
	m.mu.Lock()
	delete(m.nodes, taskID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryFailed) ResetRetries(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, node := range m.nodes[taskID] {
		node.RetryCount = 0
		m.nodes[taskID][id] = node
		n++
	}
	return n, nil
}
