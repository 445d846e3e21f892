package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// DeadLetterLister exposes dead letters for operators.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

type DeadLetterHandler struct {
	svc DeadLetterLister
}

func NewDeadLetterHandler(svc DeadLetterLister) *DeadLetterHandler {
	return &DeadLetterHandler{svc: svc}
}

// List handles GET /api/v1/dead-letters?limit=N (newest first).
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items, err := h.svc.DeadLetters(r.Context(), limit)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}
