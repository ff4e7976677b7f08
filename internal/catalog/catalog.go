// Package catalog is the engine's narrow view of the metadata store: which
// nodes a repository holds, whether a blob is still referenced by any node,
// and which storage credential a repository currently points at.
package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRepoNotFound is returned for unknown (project, repo) pairs.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrNodeExists is returned when adding a node id twice.
	ErrNodeExists = errors.New("node already exists")
)

// Node is one file record of a repository.
type Node struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	RepoName  string    `json:"repoName"`
	FullPath  string    `json:"fullPath"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
}

// Range selects nodes created in [From, To). A zero bound is open.
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// NodeSource pages through the nodes of a repository in id order.
type NodeSource interface {
	// Nodes returns up to limit live nodes in r with an id greater than
	// afterID.
	Nodes(ctx context.Context, projectID, repoName string, r Range, afterID string, limit int) ([]Node, error)

	// Count returns the number of live nodes in r.
	Count(ctx context.Context, projectID, repoName string, r Range) (int64, error)
}

// NodeLookup answers whether any live node still points at a blob.
type NodeLookup interface {
	Referenced(ctx context.Context, sha256, credKey string) (bool, error)
}

// RepoUpdater reads and flips the credentials of a repository. New writes go
// to the current credential. While a migration runs, reads that miss fall back
// to the old credential.
type RepoUpdater interface {
	Credential(ctx context.Context, projectID, repoName string) (string, error)
	SetCredential(ctx context.Context, projectID, repoName, credKey string) error

	// OldCredential returns the read fallback. ok is false when none is set;
	// the default credential key is empty so the key alone cannot tell.
	OldCredential(ctx context.Context, projectID, repoName string) (key string, ok bool, err error)
	SetOldCredential(ctx context.Context, projectID, repoName, credKey string) error
	ClearOldCredential(ctx context.Context, projectID, repoName string) error
}

// Blob is a distinct (sha256, credential) pair referenced by live nodes.
type Blob struct {
	SHA256     string `json:"sha256"`
	Credential string `json:"credentialKey"`
}

// ArchiveTracker finds idle blobs and keeps the archived flag of nodes in
// step with the archive tier.
type ArchiveTracker interface {
	// Idle returns up to limit unarchived blobs whose nodes were all created
	// before the given time, ordered by digest.
	Idle(ctx context.Context, before time.Time, limit int) ([]Blob, error)

	// SetArchived flags every live node of sha256 on credKey.
	SetArchived(ctx context.Context, sha256, credKey string, archived bool) error
}

// Catalog is everything the engine consumes from the metadata store.
type Catalog interface {
	NodeSource
	NodeLookup
	RepoUpdater
	ArchiveTracker
}
