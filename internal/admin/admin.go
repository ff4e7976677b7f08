// Package admin serves the operator HTTP API of the storage engine.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/archive"
	"github.com/tunnelmesh/artifactstore/internal/blockstore"
	"github.com/tunnelmesh/artifactstore/internal/cache"
	"github.com/tunnelmesh/artifactstore/internal/catalog"
	"github.com/tunnelmesh/artifactstore/internal/engine"
	"github.com/tunnelmesh/artifactstore/internal/migrate"
	"github.com/tunnelmesh/artifactstore/internal/refcount"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// Migrations is the part of the migration executor the API drives.
type Migrations interface {
	CreateTask(ctx context.Context, req migrate.CreateRequest) (migrate.Task, error)
	ListTasks(ctx context.Context) ([]migrate.Task, error)
	GetTask(ctx context.Context, id string) (migrate.Task, error)
	ListFailed(ctx context.Context, id string) ([]migrate.FailedNode, error)
	CancelTask(ctx context.Context, id string) error
	ResetFailed(ctx context.Context, id string) (migrate.Task, error)
	RemoveFailedNode(ctx context.Context, taskID, nodeID string) error
}

// Archiver triggers archive operations.
type Archiver interface {
	Compress(ctx context.Context, sha, credKey, base string, wait bool) (archive.Record, error)
	Uncompress(ctx context.Context, sha, credKey string, wait bool) (archive.Record, error)
	ArchiveRecord(ctx context.Context, sha, credKey string) (archive.Record, error)
}

// Collector runs a garbage collection pass on demand.
type Collector interface {
	Run(ctx context.Context, dryRun bool) (refcount.GCStats, error)
}

// CacheReporter reports per-credential cache statistics.
type CacheReporter interface {
	CacheStats() map[string]cache.Stats
}

// Deps are the components behind the API. Nil components answer 503.
type Deps struct {
	Migrations Migrations
	Archive    Archiver
	GC         Collector
	Caches     CacheReporter
	Metrics    http.Handler

	// GCDryRun is used for POST /api/gc when the request does not say.
	GCDryRun bool
}

// Handler implements the admin routes.
type Handler struct {
	deps   Deps
	token  string
	logger zerolog.Logger
}

// NewHandler creates the admin handler. A non-empty token is required as a
// bearer token on every /api route.
func NewHandler(deps Deps, token string, logger zerolog.Logger) *Handler {
	return &Handler{
		deps:   deps,
		token:  token,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

// Router returns the chi router serving the admin API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/migrations", h.handleCreateMigration)
		r.Get("/migrations", h.handleListMigrations)
		r.Get("/migrations/{id}", h.handleGetMigration)
		r.Delete("/migrations/{id}", h.handleCancelMigration)
		r.Post("/migrations/{id}/reset", h.handleResetMigration)
		r.Delete("/migrations/{id}/failed/{nodeId}", h.handleRemoveFailed)

		r.Get("/archive", h.handleArchiveStatus)
		r.Post("/archive/compress", h.handleCompress)
		r.Post("/archive/uncompress", h.handleUncompress)

		r.Post("/gc", h.handleGC)
		r.Get("/cache/stats", h.handleCacheStats)
	})
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				jsonError(w, "missing or invalid token", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// MigrationDetail is a task together with its failed nodes.
type MigrationDetail struct {
	Task   migrate.Task         `json:"task"`
	Failed []migrate.FailedNode `json:"failed"`
}

func (h *Handler) handleCreateMigration(w http.ResponseWriter, r *http.Request) {
	if h.deps.Migrations == nil {
		jsonError(w, "migrations are not enabled", http.StatusServiceUnavailable)
		return
	}
	var req migrate.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" || req.RepoName == "" {
		jsonError(w, "projectId and repoName are required", http.StatusBadRequest)
		return
	}
	task, err := h.deps.Migrations.CreateTask(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().Str("task", task.ID).Str("project", task.ProjectID).Str("repo", task.RepoName).Msg("Migration task created")
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	if h.deps.Migrations == nil {
		jsonError(w, "migrations are not enabled", http.StatusServiceUnavailable)
		return
	}
	tasks, err := h.deps.Migrations.ListTasks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []migrate.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	if h.deps.Migrations == nil {
		jsonError(w, "migrations are not enabled", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	task, err := h.deps.Migrations.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	failed, err := h.deps.Migrations.ListFailed(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if failed == nil {
		failed = []migrate.FailedNode{}
	}
	writeJSON(w, http.StatusOK, MigrationDetail{Task: task, Failed: failed})
}

func (h *Handler) handleCancelMigration(w http.ResponseWriter, r *http.Request) {
	if h.deps.Migrations == nil {
		jsonError(w, "migrations are not enabled", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.deps.Migrations.CancelTask(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().Str("task", id).Msg("Migration task cancelled")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleResetMigration(w http.ResponseWriter, r *http.Request) {
	if h.deps.Migrations == nil {
		jsonError(w, "migrations are not enabled", http.StatusServiceUnavailable)
		return
	}
	task, err := h.deps.Migrations.ResetFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().Str("task", task.ID).Str("state", string(task.State)).Msg("Failed nodes reset")
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleRemoveFailed(w http.ResponseWriter, r *http.Request) {
	if h.deps.Migrations == nil {
		jsonError(w, "migrations are not enabled", http.StatusServiceUnavailable)
		return
	}
	id, nodeID := chi.URLParam(r, "id"), chi.URLParam(r, "nodeId")
	if err := h.deps.Migrations.RemoveFailedNode(r.Context(), id, nodeID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().Str("task", id).Str("node", nodeID).Msg("Failed node removed")
	w.WriteHeader(http.StatusNoContent)
}

// ArchiveRequest names a blob for compress and uncompress.
type ArchiveRequest struct {
	SHA256     string `json:"sha256"`
	Credential string `json:"credentialKey"`
	Base       string `json:"baseSha256,omitempty"`
	Wait       bool   `json:"wait,omitempty"`
}

func (h *Handler) decodeArchive(w http.ResponseWriter, r *http.Request) (ArchiveRequest, bool) {
	var req ArchiveRequest
	if h.deps.Archive == nil {
		jsonError(w, "archive tier is not enabled", http.StatusServiceUnavailable)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.SHA256 == "" {
		jsonError(w, "sha256 is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func archiveStatus(wait bool) int {
	if wait {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func (h *Handler) handleCompress(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeArchive(w, r)
	if !ok {
		return
	}
	rec, err := h.deps.Archive.Compress(r.Context(), req.SHA256, req.Credential, req.Base, req.Wait)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, archiveStatus(req.Wait), rec)
}

func (h *Handler) handleUncompress(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeArchive(w, r)
	if !ok {
		return
	}
	rec, err := h.deps.Archive.Uncompress(r.Context(), req.SHA256, req.Credential, req.Wait)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, archiveStatus(req.Wait), rec)
}

func (h *Handler) handleArchiveStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		jsonError(w, "archive tier is not enabled", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	sha := q.Get("sha256")
	if sha == "" {
		jsonError(w, "sha256 parameter required", http.StatusBadRequest)
		return
	}
	rec, err := h.deps.Archive.ArchiveRecord(r.Context(), sha, q.Get("credential"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GCRequest overrides the configured dry-run mode for one pass.
type GCRequest struct {
	DryRun *bool `json:"dryRun,omitempty"`
}

func (h *Handler) handleGC(w http.ResponseWriter, r *http.Request) {
	if h.deps.GC == nil {
		jsonError(w, "garbage collection is not enabled", http.StatusServiceUnavailable)
		return
	}
	var req GCRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	dryRun := h.deps.GCDryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	stats, err := h.deps.GC.Run(r.Context(), dryRun)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Garbage collection finished with errors")
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]cache.Stats{}
	if h.deps.Caches != nil {
		stats = h.deps.Caches.CacheStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Admin request failed")
	}
	jsonError(w, err.Error(), code)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, migrate.ErrTaskNotFound),
		errors.Is(err, migrate.ErrFailedNodeNotFound),
		errors.Is(err, catalog.ErrRepoNotFound),
		errors.Is(err, archive.ErrNotArchived),
		errors.Is(err, blockstore.ErrSessionNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, migrate.ErrTaskExists),
		errors.Is(err, migrate.ErrNotCancellable),
		errors.Is(err, migrate.ErrConflict),
		errors.Is(err, migrate.ErrInvalidTransition),
		errors.Is(err, archive.ErrBaseInUse),
		errors.Is(err, archive.ErrInProgress),
		errors.Is(err, archive.ErrAlreadyCompressed),
		errors.Is(err, engine.ErrBusy),
		errors.Is(err, engine.ErrReferenced):
		return http.StatusConflict
	case errors.Is(err, migrate.ErrSameCredential),
		errors.Is(err, storage.ErrUnknownCredential),
		errors.Is(err, storage.ErrInvalidDigest),
		errors.Is(err, archive.ErrSelfBase),
		errors.Is(err, archive.ErrBaseCompressed),
		errors.Is(err, archive.ErrBaseTooLarge),
		errors.Is(err, archive.ErrUnknownCodec):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrArchiveDisabled),
		errors.Is(err, archive.ErrStopped),
		errors.Is(err, cache.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Server runs the admin API on a listen address.
type Server struct {
	handler *Handler
	server  *http.Server
	addr    string
	logger  zerolog.Logger
}

// NewServer creates a server for the admin handler.
func NewServer(h *Handler) *Server {
	return &Server{handler: h, logger: h.logger}
}

// Start listens on addr and serves the admin API in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("listen", addr).Msg("Admin server stopped")
		}
	}()

	s.logger.Info().Str("listen", ln.Addr().String()).Msg("Admin server started")
	s.addr = ln.Addr().String()
	return nil
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
