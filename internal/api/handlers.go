// Package api exposes the vault engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/audit"
	"github.com/kenneth/chunkvault/internal/auth"
	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/engine"
	"github.com/kenneth/chunkvault/internal/metrics"
)

// Handler serves the upload, file management and download endpoints.
type Handler struct {
	engine      *engine.Engine
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	auditLogger audit.Logger
	publicURL   string
	readyTimeout time.Duration
}

// NewHandler creates the API handler. auditLogger may be nil.
func NewHandler(eng *engine.Engine, logger *logrus.Logger, m *metrics.Metrics, auditLogger audit.Logger, publicURL string) *Handler {
	return &Handler{
		engine:      eng,
		logger:      logger,
		metrics:     m,
		auditLogger: auditLogger,
		publicURL:   publicURL,
		readyTimeout: 2 * time.Second,
	}
}

// RegisterRoutes registers all routes on r. Routes under /api are wrapped
// with authMW; health, metrics and share links are public.
func (h *Handler) RegisterRoutes(r *mux.Router, authMW mux.MiddlewareFunc) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}
	r.HandleFunc("/s/{token}", h.handleSharedDownload).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	if authMW != nil {
		api.Use(authMW)
	}

	api.HandleFunc("/upload/init", h.handleUploadInit).Methods("POST")
	api.HandleFunc("/upload/chunk", h.handleUploadChunk).Methods("POST")
	api.HandleFunc("/upload/finish", h.handleUploadFinish).Methods("POST")

	api.HandleFunc("/files", h.handleListFiles).Methods("GET")
	api.HandleFunc("/files/{id}", h.handleUpdateFile).Methods("PATCH")
	api.HandleFunc("/files/{id}", h.handleDeleteFile).Methods("DELETE")
	api.HandleFunc("/files/{id}/restore", h.handleRestoreFile).Methods("PUT")
	api.HandleFunc("/files/{id}/share", h.handleShareFile).Methods("POST")

	api.HandleFunc("/download/{id}", h.handleDownload).Methods("GET")
	api.HandleFunc("/storage", h.handleStorage).Methods("GET")
}

// ownerID returns the authenticated owner, writing a 401 when absent.
func (h *Handler) ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.UserID(r.Context())
	if !ok {
		TranslateError(common.ErrUnauthorized).WriteJSON(w)
		return "", false
	}
	return id, true
}

// writeError translates err and logs server-side failures with detail the
// client never sees.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, fields logrus.Fields) {
	apiErr := TranslateError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithFields(fields).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": getRequestID(r),
		}).WithError(err).Error("Request failed")
	}
	apiErr.WriteJSON(w)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports 503 until the metadata store answers.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()
	if err := h.engine.Ready(ctx); err != nil {
		h.logger.WithError(err).Warn("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
