package handler

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/delivery-pipeline/internal/api/middleware"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Enqueuer is the producer side of the notification service.
type Enqueuer interface {
	Enqueue(ctx context.Context, recipientID string, payload domain.Payload, severity domain.Severity, opts domain.EnqueueOptions) (domain.EnqueueResult, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// NotificationHandler handles the producer-facing notification endpoints.
type NotificationHandler struct {
	svc    Enqueuer
	logger *zap.Logger
}

func NewNotificationHandler(svc Enqueuer, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

type enqueueResponse struct {
	ID           string     `json:"id,omitempty"`
	Queued       bool       `json:"queued"`
	Duplicate    bool       `json:"duplicate,omitempty"`
	Suppressed   bool       `json:"suppressed,omitempty"`
	RateLimited  bool       `json:"rate_limited,omitempty"`
	RetryAfterMs int64      `json:"retry_after_ms,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

func toResponse(res domain.EnqueueResult) enqueueResponse {
	out := enqueueResponse{
		ID:           res.ID,
		Queued:       res.Queued,
		Duplicate:    res.Duplicate,
		Suppressed:   res.Suppressed,
		RateLimited:  res.RateLimited,
		RetryAfterMs: res.RetryAfter.Milliseconds(),
	}
	if !res.ScheduledFor.IsZero() {
		at := res.ScheduledFor
		out.ScheduledFor = &at
	}
	return out
}

// Create handles POST /api/v1/notifications
//
// The dedup key may come from the body or, failing that, the
// X-Idempotency-Key header.
//
//	201 queued
//	202 rate limited; queued for scheduled_for, Retry-After set
//	200 duplicate (original id) or suppressed by preferences
//	422 validation error
//	503 queue full or store unavailable
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DedupKey == "" {
		req.DedupKey = r.Header.Get("X-Idempotency-Key")
	}

	res, err := h.svc.Enqueue(r.Context(), req.RecipientID, req.Payload, req.Severity, domain.EnqueueOptions{
		Batchable:    req.Batchable,
		DedupKey:     req.DedupKey,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Warn("enqueue notification failed",
			zap.String("recipient_id", req.RecipientID),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	status := http.StatusCreated
	switch {
	case res.Duplicate, res.Suppressed:
		status = http.StatusOK
	case res.RateLimited:
		status = http.StatusAccepted
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	respondJSON(w, status, toResponse(res))
}

// Cancel handles DELETE /api/v1/notifications/{id}
//
// Always 200 with {"cancelled": bool}; false means the item was unknown or
// already in flight.
func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": ok})
}
