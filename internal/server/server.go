package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/binstore/internal/binary"
	"github.com/kilupskalvis/binstore/internal/blobstore"
	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/kilupskalvis/binstore/internal/gcjob"
	"github.com/kilupskalvis/binstore/internal/refstore"
)

// Config holds configurable limits and credentials for the server.
type Config struct {
	MaxBlobSize       int64  // bytes, for uploads
	RequestsPerMinute int    // per-client rate limit
	Token             string // bearer token for /api; empty disables auth
	AdminToken        string // bearer token for /admin; empty disables admin routes
	Webhooks          *WebhookNotifier
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBlobSize:       1 << 30, // 1GB
		RequestsPerMinute: 600,
	}
}

// BinaryResponse describes a stored binary.
type BinaryResponse struct {
	Digest    string `json:"digest"`
	Algorithm string `json:"algorithm"`
	Length    int64  `json:"length"`
	Scope     string `json:"scope"`
}

// GCResponse reports the outcome of a garbage collection run.
type GCResponse struct {
	Deleted        bool     `json:"deleted"`
	Marked         int      `json:"marked"`
	Skipped        []string `json:"skipped,omitempty"`
	Retained       int64    `json:"retained"`
	RetainedBytes  int64    `json:"retained_bytes"`
	Collected      int64    `json:"collected"`
	CollectedBytes int64    `json:"collected_bytes"`
	DeleteFailures int64    `json:"delete_failures"`
	DurationMs     int64    `json:"duration_ms"`
	Error          string   `json:"error,omitempty"`
}

type api struct {
	m      *binary.Manager
	refs   refstore.RefStore
	cfg    *Config
	logger *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(m *binary.Manager, refs refstore.RefStore, cfg *Config, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{m: m, refs: refs, cfg: cfg, logger: logger}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := bearerAuth(cfg.Token, "api")
	// Execution order: auth -> rl -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/gc", a.handleGC)
		mux.Handle("/admin/", bearerAuth(cfg.AdminToken, "admin")(adminMux))
	}

	// Binaries
	mux.Handle("POST /api/v1/binaries", withAuth(a.handlePutBinary))
	mux.Handle("GET /api/v1/binaries/{digest}", withAuth(a.handleGetBinary))
	mux.Handle("HEAD /api/v1/binaries/{digest}", withAuth(a.handleStatBinary))

	// References
	mux.Handle("GET /api/v1/refs/{doc}", withAuth(a.handleListRefs))
	mux.Handle("PUT /api/v1/refs/{doc}/{digest}", withAuth(a.handleAddRef))
	mux.Handle("DELETE /api/v1/refs/{doc}/{digest}", withAuth(a.handleRemoveRef))
	mux.Handle("DELETE /api/v1/refs/{doc}", withAuth(a.handleRemoveDocument))

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		accessLogMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Binary Handlers ---

func (a *api) handlePutBinary(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, a.cfg.MaxBlobSize)
	b, err := a.m.Store(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "binary exceeds the maximum upload size")
			return
		}
		a.internalError(w, r, err)
		return
	}

	if doc := r.URL.Query().Get("doc"); doc != "" {
		if err := a.refs.AddRef(r.Context(), doc, b.Digest.Hex); err != nil {
			a.internalError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, binaryResponse(b))
}

func (a *api) handleGetBinary(w http.ResponseWriter, r *http.Request) {
	b, ok := a.lookup(w, r)
	if !ok {
		return
	}

	reader, err := a.m.Open(r.Context(), b.Digest.Hex)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "binary not found")
		return
	}
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	defer reader.Close()

	setBinaryHeaders(w, b)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}

func (a *api) handleStatBinary(w http.ResponseWriter, r *http.Request) {
	b, ok := a.lookup(w, r)
	if !ok {
		return
	}
	setBinaryHeaders(w, b)
	w.WriteHeader(http.StatusOK)
}

// lookup resolves the {digest} path value, writing the error response when
// the digest is malformed or absent.
func (a *api) lookup(w http.ResponseWriter, r *http.Request) (*binary.Binary, bool) {
	d, err := digest.Parse(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return nil, false
	}
	b, err := a.m.GetBinary(r.Context(), d.Hex)
	if err != nil {
		a.internalError(w, r, err)
		return nil, false
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "not_found", "binary not found")
		return nil, false
	}
	return b, true
}

func setBinaryHeaders(w http.ResponseWriter, b *binary.Binary) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(b.Length, 10))
	w.Header().Set("ETag", strconv.Quote(b.Digest.Hex))
	w.Header().Set("X-Binstore-Algorithm", b.DigestAlgorithm())
}

// --- Reference Handlers ---

func (a *api) handleListRefs(w http.ResponseWriter, r *http.Request) {
	refs, err := a.refs.ListRefs(r.Context(), r.PathValue("doc"))
	if errors.Is(err, refstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "document has no references")
		return
	}
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"digests": refs})
}

func (a *api) handleAddRef(w http.ResponseWriter, r *http.Request) {
	b, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if err := a.refs.AddRef(r.Context(), r.PathValue("doc"), b.Digest.Hex); err != nil {
		a.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRemoveRef(w http.ResponseWriter, r *http.Request) {
	d, err := digest.Parse(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := a.refs.RemoveRef(r.Context(), r.PathValue("doc"), d.Hex); err != nil {
		a.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRemoveDocument(w http.ResponseWriter, r *http.Request) {
	if err := a.refs.RemoveDocument(r.Context(), r.PathValue("doc")); err != nil {
		a.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Admin Handlers ---

// handleGC runs a garbage collection cycle. ?delete=true removes collectable
// binaries; otherwise the run only reports them.
func (a *api) handleGC(w http.ResponseWriter, r *http.Request) {
	remove, _ := strconv.ParseBool(r.URL.Query().Get("delete"))

	result, err := gcjob.Run(r.Context(), a.refs, a.m.GarbageCollector(), gcjob.Options{Delete: remove}, a.logger)
	if errors.Is(err, binary.ErrGCInProgress) {
		writeError(w, http.StatusConflict, "gc_in_progress", "a garbage collection cycle is already running")
		return
	}
	if result == nil {
		a.internalError(w, r, err)
		return
	}

	a.cfg.Webhooks.NotifyGC(a.m.Scope(), result)

	s := result.Status
	resp := GCResponse{
		Deleted:        result.Deleted,
		Marked:         result.Marked,
		Skipped:        result.Skipped,
		Retained:       s.NumBinaries,
		RetainedBytes:  s.SizeBinaries,
		Collected:      s.NumBinariesGC,
		CollectedBytes: s.SizeBinariesGC,
		DeleteFailures: s.DeleteFailures,
		DurationMs:     result.Duration.Milliseconds(),
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Helpers ---

func binaryResponse(b binary.Binary) BinaryResponse {
	return BinaryResponse{
		Digest:    b.Digest.Hex,
		Algorithm: b.DigestAlgorithm(),
		Length:    b.Length,
		Scope:     b.Scope,
	}
}

func (a *api) internalError(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Error("request failed", "error", err, "path", r.URL.Path, "request_id", requestID(r))
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
