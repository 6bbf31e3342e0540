package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wesm/stalewatch/internal/db"
	"github.com/wesm/stalewatch/internal/email"
	"github.com/wesm/stalewatch/internal/scheduler"
	issuesync "github.com/wesm/stalewatch/internal/sync"
)

const maxWebhookBody = 1 << 20

type handlers struct {
	deps Deps
	log  *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type refreshResponse struct {
	RepositoryID      int64  `json:"repository_id"`
	FullName          string `json:"full_name"`
	Status            string `json:"status"`
	Reason            string `json:"reason,omitempty"`
	TotalIssues       int    `json:"total_issues"`
	NewIssues         int    `json:"new_issues"`
	UpdatedIssues     int    `json:"updated_issues"`
	StaleIssues       int    `json:"stale_issues"`
	Transitions       int    `json:"transitions"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Store.PingContext(ctx); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) emailWebhook(w http.ResponseWriter, r *http.Request) {
	log := h.log.With(zap.String("request_id", middleware.GetReqID(r.Context())))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}

	if h.deps.WebhookSecret == "" {
		log.Warn("rejected webhook, no signing secret configured")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "webhook signing secret not configured"})
		return
	}
	if err := email.VerifySignature(h.deps.WebhookSecret, r.Header, body, time.Now()); err != nil {
		log.Warn("rejected webhook with bad signature", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	event, err := email.ParseResendEvent(body)
	if errors.Is(err, email.ErrIgnoredEvent) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		log.Warn("invalid webhook payload", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}

	if err := h.deps.Delivery.HandleDeliveryEvent(r.Context(), event); err != nil {
		// a 5xx makes the provider redeliver
		log.Error("failed to apply delivery event", zap.String("message_id", event.MessageID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to process event"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) refreshRepository(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid repository id"})
		return
	}

	result, err := h.deps.Refresher.RefreshRepository(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "repository not found"})
		return
	case errors.Is(err, scheduler.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "a sync of this repository is already running"})
		return
	case err != nil && result == nil:
		h.log.Error("manual refresh failed", zap.Int64("repository_id", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "sync failed, it will be retried on the next cycle"})
		return
	}

	resp := refreshResponse{
		RepositoryID:      result.RepositoryID,
		FullName:          result.FullName,
		Status:            string(result.Status),
		Reason:            result.Reason(),
		TotalIssues:       result.TotalIssues,
		NewIssues:         result.NewIssues,
		UpdatedIssues:     result.UpdatedIssues,
		StaleIssues:       result.StaleIssues,
		Transitions:       len(result.Transitions),
		RetryAfterSeconds: int(result.RetryAfter.Seconds()),
	}
	status := http.StatusOK
	if result.Status == issuesync.StatusFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}
