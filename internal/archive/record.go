package archive

import (
	"context"
	"sync"
	"time"
)

// Record tracks one archived blob on one credential.
type Record struct {
	SHA256         string    `json:"sha256"`
	Credential     string    `json:"credentialKey"`
	Status         Status    `json:"status"`
	Base           string    `json:"baseSha256,omitempty"`
	BaseSize       int64     `json:"baseSize,omitempty"`
	Codec          string    `json:"codec"`
	Size           int64     `json:"size"`
	CompressedSize int64     `json:"compressedSize"`
	LastError      string    `json:"lastError,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// pinsBase reports whether the record holds a reference on its base.
func (r Record) pinsBase() bool {
	return r.Base != "" && r.Status != StatusNone
}

// RecordStore persists archive records.
type RecordStore interface {
	// Get returns ErrNotArchived when no record exists.
	Get(ctx context.Context, sha256, credKey string) (Record, error)

	// Update runs fn against the current record, or a fresh StatusNone record
	// when found is false, and stores the result atomically. An error from fn
	// aborts the update and is returned unchanged.
	Update(ctx context.Context, sha256, credKey string, fn func(r *Record, found bool) error) (Record, error)

	// Delete removes a record. Missing records are not an error.
	Delete(ctx context.Context, sha256, credKey string) error

	// Dependents counts records that pin base as their delta base.
	Dependents(ctx context.Context, base, credKey string) (int, error)
}

type recordKey struct {
	sha  string
	cred string
}

// MemoryRecords is an in-process RecordStore.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[recordKey]Record
}

// NewMemoryRecords returns an empty record store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[recordKey]Record)}
}

func (m *MemoryRecords) Get(_ context.Context, sha256, credKey string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey{sha256, credKey}]
	if !ok {
		return Record{}, ErrNotArchived
	}
	return r, nil
}

func (m *MemoryRecords) Update(_ context.Context, sha256, credKey string, fn func(r *Record, found bool) error) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{sha256, credKey}
	r, found := m.records[k]
	if !found {
		r = Record{SHA256: sha256, Credential: credKey, Status: StatusNone}
	}
	if err := fn(&r, found); err != nil {
		return Record{}, err
	}
	m.records[k] = r
	return r, nil
}

func (m *MemoryRecords) Delete(_ context.Context, sha256, credKey string) error {
	m.mu.Lock()
	delete(m.records, recordKey{sha256, credKey})
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecords) Dependents(_ context.Context, base, credKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.records {
		if k.cred == credKey && r.Base == base && r.pinsBase() {
			n++
		}
	}
	return n, nil
}
