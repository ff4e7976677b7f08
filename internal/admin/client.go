package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tunnelmesh/artifactstore/internal/archive"
	"github.com/tunnelmesh/artifactstore/internal/cache"
	"github.com/tunnelmesh/artifactstore/internal/migrate"
	"github.com/tunnelmesh/artifactstore/internal/refcount"
)

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.StatusCode, e.Message)
}

// Client talks to a running admin API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for the server at base, e.g.
// "http://127.0.0.1:8480". A bare host:port is accepted.
func NewClient(base, token string) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateMigration creates a migration task.
func (c *Client) CreateMigration(ctx context.Context, req migrate.CreateRequest) (migrate.Task, error) {
	var t migrate.Task
	err := c.do(ctx, http.MethodPost, "/api/migrations", req, &t)
	return t, err
}

// ListMigrations lists every migration task.
func (c *Client) ListMigrations(ctx context.Context) ([]migrate.Task, error) {
	var tasks []migrate.Task
	err := c.do(ctx, http.MethodGet, "/api/migrations", nil, &tasks)
	return tasks, err
}

// GetMigration returns a task and its failed nodes.
func (c *Client) GetMigration(ctx context.Context, id string) (MigrationDetail, error) {
	var d MigrationDetail
	err := c.do(ctx, http.MethodGet, "/api/migrations/"+url.PathEscape(id), nil, &d)
	return d, err
}

// CancelMigration cancels a task.
func (c *Client) CancelMigration(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/migrations/"+url.PathEscape(id), nil, nil)
}

// ResetMigration resets the retry counters of a task's failed nodes.
func (c *Client) ResetMigration(ctx context.Context, id string) (migrate.Task, error) {
	var t migrate.Task
	err := c.do(ctx, http.MethodPost, "/api/migrations/"+url.PathEscape(id)+"/reset", nil, &t)
	return t, err
}

// RemoveFailedNode drops a failed node from a task.
func (c *Client) RemoveFailedNode(ctx context.Context, id, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/api/migrations/"+url.PathEscape(id)+"/failed/"+url.PathEscape(nodeID), nil, nil)
}

// Compress asks the server to archive a blob.
func (c *Client) Compress(ctx context.Context, req ArchiveRequest) (archive.Record, error) {
	var rec archive.Record
	err := c.do(ctx, http.MethodPost, "/api/archive/compress", req, &rec)
	return rec, err
}

// Uncompress asks the server to restore an archived blob.
func (c *Client) Uncompress(ctx context.Context, req ArchiveRequest) (archive.Record, error) {
	var rec archive.Record
	err := c.do(ctx, http.MethodPost, "/api/archive/uncompress", req, &rec)
	return rec, err
}

// ArchiveStatus returns the archive record of a blob.
func (c *Client) ArchiveStatus(ctx context.Context, sha, credKey string) (archive.Record, error) {
	q := url.Values{"sha256": {sha}, "credential": {credKey}}
	var rec archive.Record
	err := c.do(ctx, http.MethodGet, "/api/archive?"+q.Encode(), nil, &rec)
	return rec, err
}

// GC runs a garbage collection pass. A nil dryRun uses the server default.
func (c *Client) GC(ctx context.Context, dryRun *bool) (refcount.GCStats, error) {
	var stats refcount.GCStats
	err := c.do(ctx, http.MethodPost, "/api/gc", GCRequest{DryRun: dryRun}, &stats)
	return stats, err
}

// CacheStats returns the statistics of every open cache.
func (c *Client) CacheStats(ctx context.Context) (map[string]cache.Stats, error) {
	var stats map[string]cache.Stats
	err := c.do(ctx, http.MethodGet, "/api/cache/stats", nil, &stats)
	return stats, err
}
