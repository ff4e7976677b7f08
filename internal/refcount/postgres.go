package refcount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxDB is the subset of *pgxpool.Pool and pgx.Conn the store needs.
type PgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps reference counts in a table shared by every engine node.
// The database enforces count >= 0, and decrements only touch rows whose count
// is positive, so no application side read-modify-write exists.
type Postgres struct {
	db PgxDB
}

// NewPostgres returns a store using db. Call Migrate once before use.
func NewPostgres(db PgxDB) *Postgres {
	return &Postgres{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS file_reference (
	sha256         TEXT        NOT NULL,
	credential_key TEXT        NOT NULL DEFAULT '',
	count          BIGINT      NOT NULL CHECK (count >= 0),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (sha256, credential_key)
);
CREATE INDEX IF NOT EXISTS file_reference_zero_idx
	ON file_reference (updated_at) WHERE count = 0;
`

// Migrate creates the table and indexes if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create file_reference schema: %w", err)
	}
	return nil
}

func (p *Postgres) Increment(ctx context.Context, sha256, credKey string, by int64) (bool, error) {
	if by < 1 {
		return false, ErrInvalidDelta
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO file_reference (sha256, credential_key, count, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (sha256, credential_key)
		DO UPDATE SET count = file_reference.count + EXCLUDED.count, updated_at = now()`,
		sha256, credKey, by)
	if err != nil {
		return false, fmt.Errorf("increment %s: %w", sha256, err)
	}
	return true, nil
}

func (p *Postgres) Decrement(ctx context.Context, sha256, credKey string) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE file_reference SET count = count - 1, updated_at = now()
		WHERE sha256 = $1 AND credential_key = $2 AND count > 0`,
		sha256, credKey)
	if err != nil {
		return false, fmt.Errorf("decrement %s: %w", sha256, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Count(ctx context.Context, sha256, credKey string) (int64, error) {
	var n int64
	err := p.db.QueryRow(ctx,
		`SELECT count FROM file_reference WHERE sha256 = $1 AND credential_key = $2`,
		sha256, credKey).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", sha256, err)
	}
	return n, nil
}

func (p *Postgres) Exists(ctx context.Context, sha256, credKey string) (bool, error) {
	n, err := p.Count(ctx, sha256, credKey)
	return n > 0, err
}

func (p *Postgres) Zeroed(ctx context.Context, before time.Time, limit int) ([]Reference, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.Query(ctx, `
		SELECT sha256, credential_key, count, updated_at FROM file_reference
		WHERE count = 0 AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query zeroed references: %w", err)
	}
	defer rows.Close()

	var out []Reference
	for rows.Next() {
		var r Reference
		if err := rows.Scan(&r.SHA256, &r.Credential, &r.Count, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteIfZero(ctx context.Context, sha256, credKey string) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM file_reference WHERE sha256 = $1 AND credential_key = $2 AND count = 0`,
		sha256, credKey)
	if err != nil {
		return false, fmt.Errorf("delete reference %s: %w", sha256, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Reset(ctx context.Context, sha256, credKey string, count int64) error {
	if count < 0 {
		return ErrInvalidDelta
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO file_reference (sha256, credential_key, count, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (sha256, credential_key)
		DO UPDATE SET count = EXCLUDED.count, updated_at = now()`,
		sha256, credKey, count)
	if err != nil {
		return fmt.Errorf("reset reference %s: %w", sha256, err)
	}
	return nil
}
