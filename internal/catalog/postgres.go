package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxDB is the subset of *pgxpool.Pool the catalog needs.
type PgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres reads the metadata database's repository and node tables.
type Postgres struct {
	db PgxDB
}

// NewPostgres returns a catalog using db.
func NewPostgres(db PgxDB) *Postgres {
	return &Postgres{db: db}
}

const pgCatalogSchema = `
CREATE TABLE IF NOT EXISTS repository (
	project_id         TEXT NOT NULL,
	name               TEXT NOT NULL,
	credential_key     TEXT NOT NULL DEFAULT '',
	old_credential_key TEXT,
	PRIMARY KEY (project_id, name)
);
CREATE TABLE IF NOT EXISTS node (
	id         TEXT        PRIMARY KEY,
	project_id TEXT        NOT NULL,
	repo_name  TEXT        NOT NULL,
	full_path  TEXT        NOT NULL,
	sha256     TEXT        NOT NULL,
	size       BIGINT      NOT NULL DEFAULT 0,
	archived   BOOLEAN     NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS node_repo_idx ON node (project_id, repo_name, id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS node_sha256_idx ON node (sha256) WHERE deleted_at IS NULL;
`

// Migrate creates the tables if needed. Production deployments own the
// schema; this exists for tests and standalone setups.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, pgCatalogSchema); err != nil {
		return fmt.Errorf("create catalog schema: %w", err)
	}
	return nil
}

// CreateRepo inserts a repository if it does not exist.
func (p *Postgres) CreateRepo(ctx context.Context, projectID, repoName, credKey string) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO repository (project_id, name, credential_key) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, name) DO NOTHING`, projectID, repoName, credKey)
	if err != nil {
		return fmt.Errorf("create repository %s/%s: %w", projectID, repoName, err)
	}
	return nil
}

// AddNode inserts a live node.
func (p *Postgres) AddNode(ctx context.Context, n Node) error {
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	tag, err := p.db.Exec(ctx, `
		INSERT INTO node (id, project_id, repo_name, full_path, sha256, size, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.ProjectID, n.RepoName, n.FullPath, n.SHA256, n.Size, n.Archived, created)
	if err != nil {
		return fmt.Errorf("add node %s: %w", n.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
	}
	return nil
}

// bound turns an open range end into NULL.
func bound(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *Postgres) Nodes(ctx context.Context, projectID, repoName string, r Range, afterID string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(ctx, `
		SELECT id, project_id, repo_name, full_path, sha256, size, archived, created_at
		FROM node
		WHERE project_id = $1 AND repo_name = $2 AND deleted_at IS NULL AND id > $3
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY id
		LIMIT $6`,
		projectID, repoName, afterID, bound(r.From), bound(r.To), limit)
	if err != nil {
		return nil, fmt.Errorf("query nodes of %s/%s: %w", projectID, repoName, err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.RepoName, &n.FullPath, &n.SHA256, &n.Size, &n.Archived, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) Count(ctx context.Context, projectID, repoName string, r Range) (int64, error) {
	var n int64
	err := p.db.QueryRow(ctx, `
		SELECT count(*) FROM node
		WHERE project_id = $1 AND repo_name = $2 AND deleted_at IS NULL
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)`,
		projectID, repoName, bound(r.From), bound(r.To)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nodes of %s/%s: %w", projectID, repoName, err)
	}
	return n, nil
}

func (p *Postgres) Referenced(ctx context.Context, sha256, credKey string) (bool, error) {
	var ok bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM node n
			JOIN repository r ON r.project_id = n.project_id AND r.name = n.repo_name
			WHERE n.sha256 = $1 AND r.credential_key = $2 AND n.deleted_at IS NULL
		)`, sha256, credKey).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lookup nodes of %s: %w", sha256, err)
	}
	return ok, nil
}

func (p *Postgres) Credential(ctx context.Context, projectID, repoName string) (string, error) {
	var cred string
	err := p.db.QueryRow(ctx,
		`SELECT credential_key FROM repository WHERE project_id = $1 AND name = $2`,
		projectID, repoName).Scan(&cred)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrRepoNotFound, projectID, repoName)
	}
	if err != nil {
		return "", fmt.Errorf("read credential of %s/%s: %w", projectID, repoName, err)
	}
	return cred, nil
}

func (p *Postgres) SetCredential(ctx context.Context, projectID, repoName, credKey string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE repository SET credential_key = $3 WHERE project_id = $1 AND name = $2`,
		projectID, repoName, credKey)
	if err != nil {
		return fmt.Errorf("set credential of %s/%s: %w", projectID, repoName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRepoNotFound, projectID, repoName)
	}
	return nil
}

func (p *Postgres) OldCredential(ctx context.Context, projectID, repoName string) (string, bool, error) {
	var old *string
	err := p.db.QueryRow(ctx,
		`SELECT old_credential_key FROM repository WHERE project_id = $1 AND name = $2`,
		projectID, repoName).Scan(&old)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("%w: %s/%s", ErrRepoNotFound, projectID, repoName)
	}
	if err != nil {
		return "", false, fmt.Errorf("read old credential of %s/%s: %w", projectID, repoName, err)
	}
	if old == nil {
		return "", false, nil
	}
	return *old, true, nil
}

func (p *Postgres) SetOldCredential(ctx context.Context, projectID, repoName, credKey string) error {
	return p.setOld(ctx, projectID, repoName, &credKey)
}

func (p *Postgres) ClearOldCredential(ctx context.Context, projectID, repoName string) error {
	return p.setOld(ctx, projectID, repoName, nil)
}

func (p *Postgres) setOld(ctx context.Context, projectID, repoName string, credKey *string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE repository SET old_credential_key = $3 WHERE project_id = $1 AND name = $2`,
		projectID, repoName, credKey)
	if err != nil {
		return fmt.Errorf("set old credential of %s/%s: %w", projectID, repoName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRepoNotFound, projectID, repoName)
	}
	return nil
}

func (p *Postgres) Idle(ctx context.Context, before time.Time, limit int) ([]Blob, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(ctx, `
		SELECT n.sha256, r.credential_key
		FROM node n
		JOIN repository r ON r.project_id = n.project_id AND r.name = n.repo_name
		WHERE n.deleted_at IS NULL
		GROUP BY n.sha256, r.credential_key
		HAVING bool_and(NOT n.archived) AND max(n.created_at) < $1
		ORDER BY n.sha256, r.credential_key
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query idle blobs: %w", err)
	}
	defer rows.Close()

	var out []Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.SHA256, &b.Credential); err != nil {
			return nil, fmt.Errorf("scan idle blob: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) SetArchived(ctx context.Context, sha256, credKey string, archived bool) error {
	_, err := p.db.Exec(ctx, `
		UPDATE node n SET archived = $3
		FROM repository r
		WHERE r.project_id = n.project_id AND r.name = n.repo_name
		  AND n.sha256 = $1 AND r.credential_key = $2 AND n.deleted_at IS NULL`,
		sha256, credKey, archived)
	if err != nil {
		return fmt.Errorf("set archived flag of %s: %w", sha256, err)
	}
	return nil
}
