package handler

import (
	"context"
	"net/http"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// HealthReporter produces the pipeline health snapshot.
type HealthReporter interface {
	GetHealth(ctx context.Context) domain.Health
}

// HealthHandler serves the liveness probe and the pipeline health report.
type HealthHandler struct {
	reporter HealthReporter
}

func NewHealthHandler(reporter HealthReporter) *HealthHandler {
	return &HealthHandler{reporter: reporter}
}

// Health handles GET /health. It only says the process is up.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Pipeline handles GET /api/v1/health. Degraded still answers 200 so load
// balancers keep routing; unhealthy answers 503.
func (h *HealthHandler) Pipeline(w http.ResponseWriter, r *http.Request) {
	report := h.reporter.GetHealth(r.Context())
	status := http.StatusOK
	if report.Status == domain.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}
