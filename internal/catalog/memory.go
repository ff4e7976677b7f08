package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type repoKey struct {
	project string
	name    string
}

type repo struct {
	cred   string
	old    string
	hasOld bool
}

// Memory is an in-process catalog for tests and single node setups.
type Memory struct {
	mu    sync.RWMutex
	repos map[repoKey]*repo
	nodes map[string]Node
}

// NewMemory returns an empty catalog.
func NewMemory() *Memory {
	return &Memory{
		repos: make(map[repoKey]*repo),
		nodes: make(map[string]Node),
	}
}

// CreateRepo registers a repository on credKey. Existing repositories keep
// their credential.
func (m *Memory) CreateRepo(projectID, repoName, credKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := repoKey{projectID, repoName}
	if _, ok := m.repos[k]; !ok {
		m.repos[k] = &repo{cred: credKey}
	}
}

// AddNode records a node. The repository must exist.
func (m *Memory) AddNode(n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[repoKey{n.ProjectID, n.RepoName}]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrRepoNotFound, n.ProjectID, n.RepoName)
	}
	if _, dup := m.nodes[n.ID]; dup {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
	}
	m.nodes[n.ID] = n
	return nil
}

// RemoveNode deletes a node. Unknown ids are ignored.
func (m *Memory) RemoveNode(id string) {
	m.mu.Lock()
	delete(m.nodes, id)
	m.mu.Unlock()
}

func (m *Memory) Nodes(_ context.Context, projectID, repoName string, r Range, afterID string, limit int) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Node
	for _, n := range m.nodes {
		if n.ProjectID == projectID && n.RepoName == repoName && n.ID > afterID && r.Contains(n.CreatedAt) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context, projectID, repoName string, r Range) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, node := range m.nodes {
		if node.ProjectID == projectID && node.RepoName == repoName && r.Contains(node.CreatedAt) {
			n++
		}
	}
	return n, nil
}

// Referenced matches nodes through the credential of their repository.
func (m *Memory) Referenced(_ context.Context, sha256, credKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if r, ok := m.repos[repoKey{n.ProjectID, n.RepoName}]; ok && n.SHA256 == sha256 && r.cred == credKey {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) lookup(projectID, repoName string) (*repo, error) {
	r, ok := m.repos[repoKey{projectID, repoName}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRepoNotFound, projectID, repoName)
	}
	return r, nil
}

func (m *Memory) Credential(_ context.Context, projectID, repoName string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.lookup(projectID, repoName)
	if err != nil {
		return "", err
	}
	return r.cred, nil
}

func (m *Memory) SetCredential(_ context.Context, projectID, repoName, credKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(projectID, repoName)
	if err != nil {
		return err
	}
	r.cred = credKey
	return nil
}

func (m *Memory) OldCredential(_ context.Context, projectID, repoName string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.lookup(projectID, repoName)
	if err != nil {
		return "", false, err
	}
	return r.old, r.hasOld, nil
}

func (m *Memory) SetOldCredential(_ context.Context, projectID, repoName, credKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(projectID, repoName)
	if err != nil {
		return err
	}
	r.old, r.hasOld = credKey, true
	return nil
}

func (m *Memory) ClearOldCredential(_ context.Context, projectID, repoName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(projectID, repoName)
	if err != nil {
		return err
	}
	r.old, r.hasOld = "", false
	return nil
}

func (m *Memory) Idle(_ context.Context, before time.Time, limit int) ([]Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idle := make(map[Blob]bool)
	for _, n := range m.nodes {
		r, ok := m.repos[repoKey{n.ProjectID, n.RepoName}]
		if !ok {
			continue
		}
		b := Blob{SHA256: n.SHA256, Credential: r.cred}
		cold := !n.Archived && n.CreatedAt.Before(before)
		if prev, seen := idle[b]; seen {
			cold = cold && prev
		}
		idle[b] = cold
	}
	var out []Blob
	for b, cold := range idle {
		if cold {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SHA256 != out[j].SHA256 {
			return out[i].SHA256 < out[j].SHA256
		}
		return out[i].Credential < out[j].Credential
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetArchived(_ context.Context, sha256, credKey string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range m.nodes {
		if r, ok := m.repos[repoKey{n.ProjectID, n.RepoName}]; ok && n.SHA256 == sha256 && r.cred == credKey {
			n.Archived = archived
			m.nodes[id] = n
		}
	}
	return nil
}
