// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobiletoly/go-tablesync/internal/auth"
	"github.com/mobiletoly/go-tablesync/syncapi"
)

// DefaultMaxBodyBytes bounds request bodies; larger ones get 413.
const DefaultMaxBodyBytes int64 = 8 << 20

// Processor is the part of Service the HTTP layer needs.
type Processor interface {
	ProcessPush(ctx context.Context, userID, deviceID string, req *syncapi.PushRequest) (*syncapi.PushResponse, error)
	ProcessPull(ctx context.Context, userID string, req *syncapi.PullRequest) (*syncapi.PullResponse, error)
}

// HTTPHandlers serves the sync protocol.
type HTTPHandlers struct {
	processor    Processor
	logger       *slog.Logger
	MaxBodyBytes int64
}

// NewHTTPHandlers creates handlers over processor.
func NewHTTPHandlers(processor Processor, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{processor: processor, logger: logger, MaxBodyBytes: DefaultMaxBodyBytes}
}

// NewRouter wires the sync routes. events serves GET /sync/events when
// non-nil; it usually is (*realtime.Hub).ServeSSE.
func NewRouter(h *HTTPHandlers, jwtAuth *JWTAuth, events http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/sync", func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Post("/push", h.HandlePush)
		r.Post("/pull", h.HandlePull)
		if events != nil {
			r.Get("/events", events)
		}
	})
	return r
}

// HandlePush processes a push batch for the authenticated device.
func (h *HTTPHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := identity(w, r)
	if !ok {
		return
	}
	var req syncapi.PushRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.processor.ProcessPush(r.Context(), userID, deviceID, &req)
	if err != nil {
		h.fail(w, err, "push_failed", "user_id", userID, "device_id", deviceID)
		return
	}
	h.writeJSON(w, resp)
}

// HandlePull returns one page per requested table.
func (h *HTTPHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(w, r)
	if !ok {
		return
	}
	var req syncapi.PullRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.processor.ProcessPull(r.Context(), userID, &req)
	if err != nil {
		h.fail(w, err, "pull_failed", "user_id", userID)
		return
	}
	h.writeJSON(w, resp)
}

func identity(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, okUser := auth.GetUserID(r.Context())
	deviceID, okDevice := auth.GetDeviceID(r.Context())
	if !okUser || !okDevice {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "missing identity")
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *HTTPHandlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if h.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, syncapi.ReasonBatchTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return false
	}
	return true
}

// fail maps service errors onto statuses the client classifies.
func (h *HTTPHandlers) fail(w http.ResponseWriter, err error, code string, attrs ...any) {
	switch {
	case errors.Is(err, ErrBadPayload):
		writeError(w, http.StatusBadRequest, syncapi.ReasonBadPayload, err.Error())
	case errors.Is(err, ErrUnregisteredTable):
		writeError(w, http.StatusBadRequest, syncapi.ReasonUnregisteredTable, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, syncapi.ReasonForbidden, err.Error())
	case errors.Is(err, ErrServiceClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "service is shutting down")
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.logger.Error("Sync request failed", append([]any{"error", err}, attrs...)...)
		writeError(w, http.StatusInternalServerError, code, "internal error")
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(syncapi.ErrorResponse{Error: code, Message: message})
}

var _ Processor = (*Service)(nil)
