package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/api/handler"
	apimw "github.com/notifyhub/delivery-pipeline/internal/api/middleware"
)

// Service is everything the HTTP surface needs from the pipeline.
type Service interface {
	handler.Enqueuer
	handler.HealthReporter
	handler.DeadLetterLister
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc Service,
	reg prometheus.Gatherer,
	maxBodyBytes int64,
	logger *zap.Logger,
) http.Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)                 // recover panics, return 500
	r.Use(chimw.RealIP)                    // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(maxBodyBytes)) // cap request bodies
	r.Use(apimw.CorrelationID)             // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(svc, logger)
	hh := handler.NewHealthHandler(svc)
	dh := handler.NewDeadLetterHandler(svc)

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/notifications", nh.Create)
		r.Delete("/notifications/{id}", nh.Cancel)

		r.Get("/health", hh.Pipeline)
		r.Get("/dead-letters", dh.List)
	})

	return r
}
