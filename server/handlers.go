// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mobiletoly/go-ledgersync/internal/auth"
	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/remote"
)

const (
	defaultFeedLimit = 500
	maxFeedLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// HTTPHandlers serves the entity and sync-feed endpoints
type HTTPHandlers struct {
	store  EntityStore
	auth   *JWTAuth
	logger *slog.Logger
}

// NewHTTPHandlers creates handlers over store
func NewHTTPHandlers(store EntityStore, jwtAuth *JWTAuth, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{store: store, auth: jwtAuth, logger: logger}
}

// Routes registers every endpoint on a new mux
func (h *HTTPHandlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /v1/sync/{table}", h.auth.Middleware(http.HandlerFunc(h.HandleDelta)))
	mux.Handle("POST /v1/{table}", h.auth.Middleware(http.HandlerFunc(h.HandleCreate)))
	mux.Handle("GET /v1/{table}/{id}", h.auth.Middleware(http.HandlerFunc(h.HandleGet)))
	mux.Handle("PATCH /v1/{table}/{id}", h.auth.Middleware(http.HandlerFunc(h.HandleUpdate)))
	mux.Handle("DELETE /v1/{table}/{id}", h.auth.Middleware(http.HandlerFunc(h.HandleDelete)))
	return mux
}

// HandleHealth reports liveness and the served tables
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	tables := make([]string, 0, len(localstore.Tables))
	for _, t := range localstore.Tables {
		tables = append(tables, string(t))
	}
	h.writeJSON(w, http.StatusOK, remote.HealthResponse{Status: "healthy", Tables: tables})
}

// HandleDelta serves one page of a table's change feed
func (h *HTTPHandlers) HandleDelta(w http.ResponseWriter, r *http.Request) {
	userID, table, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()

	limit := defaultFeedLimit
	if limitStr := query.Get("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "limit must be an integer")
			return
		}
		if v < 1 || v > maxFeedLimit {
			h.writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	var since *time.Time
	if sinceStr := query.Get("updated_since"); sinceStr != "" {
		t, err := localstore.ParseTime(sinceStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "updated_since must be an RFC 3339 timestamp")
			return
		}
		since = &t
	}

	includeDeleted := false
	if v := query.Get("include_deleted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "include_deleted must be a boolean")
			return
		}
		includeDeleted = b
	}

	page, err := h.store.Delta(r.Context(), DeltaQuery{
		UserID:         userID,
		Table:          table,
		AccountID:      query.Get("account_id"),
		Cursor:         query.Get("cursor"),
		UpdatedSince:   since,
		Limit:          limit,
		IncludeDeleted: includeDeleted,
	})
	if errors.Is(err, ErrInvalidCursor) {
		h.writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to read change feed", "error", err, "user_id", userID, "table", table)
		h.writeError(w, http.StatusInternalServerError, remote.CodeInternal, "Failed to read change feed")
		return
	}
	RecordFeedPage(table, len(page.Items))
	h.writeJSON(w, http.StatusOK, page)
}

// HandleCreate creates an entity; the server generates an id when none is sent
func (h *HTTPHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, table, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	body, ok := h.readObject(w, r)
	if !ok {
		return
	}
	if v, present := body["id"]; present {
		if id, isStr := v.(string); !isStr || id == "" {
			h.writeError(w, http.StatusUnprocessableEntity, remote.CodeInvalid, "id must be a non-empty string")
			return
		}
	}

	rec, err := h.store.Create(r.Context(), userID, table, localstore.Record(body))
	if err != nil {
		h.logger.Error("Failed to create entity", "error", err, "user_id", userID, "table", table)
		h.writeError(w, http.StatusInternalServerError, remote.CodeInternal, "Failed to create entity")
		return
	}
	RecordEntityWrite(table, "create")
	h.writeJSON(w, http.StatusCreated, rec)
}

// HandleGet returns a live entity
func (h *HTTPHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, table, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	rec, err := h.store.Get(r.Context(), userID, table, id)
	if h.storeFailed(w, err, "get", table, id) {
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// HandleUpdate applies a partial patch
func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, table, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	patch, ok := h.readObject(w, r)
	if !ok {
		return
	}
	if len(patch) == 0 {
		h.writeError(w, http.StatusUnprocessableEntity, remote.CodeInvalid, "patch must contain at least one field")
		return
	}
	id := r.PathValue("id")
	rec, err := h.store.Update(r.Context(), userID, table, id, patch)
	if h.storeFailed(w, err, "update", table, id) {
		return
	}
	RecordEntityWrite(table, "update")
	h.writeJSON(w, http.StatusOK, rec)
}

// HandleDelete soft-deletes an entity
func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, table, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	err := h.store.Delete(r.Context(), userID, table, id)
	if h.storeFailed(w, err, "delete", table, id) {
		return
	}
	RecordEntityWrite(table, "delete")
	w.WriteHeader(http.StatusNoContent)
}

// requestScope resolves the authenticated user and the {table} path value
func (h *HTTPHandlers) requestScope(w http.ResponseWriter, r *http.Request) (string, localstore.Table, bool) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, remote.CodeUnauthorized, "authentication required")
		return "", "", false
	}
	table, err := localstore.ParseTable(r.PathValue("table"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, remote.CodeNotFound, err.Error())
		return "", "", false
	}
	return userID, table, true
}

func (h *HTTPHandlers) readObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var body map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "Invalid JSON object")
		return nil, false
	}
	if body == nil {
		h.writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "Invalid JSON object")
		return nil, false
	}
	return body, true
}

func (h *HTTPHandlers) storeFailed(w http.ResponseWriter, err error, op string, table localstore.Table, id string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, remote.CodeNotFound, string(table)+"/"+id+" not found")
	default:
		h.logger.Error("Entity store failure", "op", op, "error", err, "table", table, "id", id)
		h.writeError(w, http.StatusInternalServerError, remote.CodeInternal, "Failed to "+op+" entity")
	}
	return true
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := remote.ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
