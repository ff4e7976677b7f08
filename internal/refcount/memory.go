package refcount

import (
	"context"
	"sort"
	"sync"
	"time"
)

type refKey struct {
	sha  string
	cred string
}

// Memory is an in-process Store. All mutations run under one short lock.
type Memory struct {
	mu   sync.Mutex
	rows map[refKey]*Reference
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[refKey]*Reference), now: time.Now}
}

func (m *Memory) Increment(_ context.Context, sha256, credKey string, by int64) (bool, error) {
	if by < 1 {
		return false, ErrInvalidDelta
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := refKey{sha256, credKey}
	row, ok := m.rows[k]
	if !ok {
		row = &Reference{SHA256: sha256, Credential: credKey}
		m.rows[k] = row
	}
	row.Count += by
	row.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) Decrement(_ context.Context, sha256, credKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[refKey{sha256, credKey}]
	if !ok || row.Count <= 0 {
		return false, nil
	}
	row.Count--
	row.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) Count(_ context.Context, sha256, credKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[refKey{sha256, credKey}]; ok {
		return row.Count, nil
	}
	return 0, nil
}

func (m *Memory) Exists(ctx context.Context, sha256, credKey string) (bool, error) {
	n, err := m.Count(ctx, sha256, credKey)
	return n > 0, err
}

func (m *Memory) Zeroed(_ context.Context, before time.Time, limit int) ([]Reference, error) {
	m.mu.Lock()
	var out []Reference
	for _, row := range m.rows {
		if row.Count == 0 && row.UpdatedAt.Before(before) {
			out = append(out, *row)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteIfZero(_ context.Context, sha256, credKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := refKey{sha256, credKey}
	row, ok := m.rows[k]
	if !ok || row.Count != 0 {
		return false, nil
	}
	delete(m.rows, k)
	return true, nil
}

func (m *Memory) Reset(_ context.Context, sha256, credKey string, count int64) error {
	if count < 0 {
		return ErrInvalidDelta
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[refKey{sha256, credKey}] = &Reference{
		SHA256: sha256, Credential: credKey, Count: count, UpdatedAt: m.now(),
	}
	return nil
}
