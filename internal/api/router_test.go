package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

type fakeService struct {
	result    domain.EnqueueResult
	err       error
	lastReq   domain.EnqueueOptions
	lastRecip string
	cancelled bool
	health    domain.Health
	dead      []domain.DeadLetter
	lastLimit int
}

func (f *fakeService) Enqueue(_ context.Context, recipientID string, _ domain.Payload, _ domain.Severity, opts domain.EnqueueOptions) (domain.EnqueueResult, error) {
	f.lastRecip = recipientID
	f.lastReq = opts
	return f.result, f.err
}

func (f *fakeService) Cancel(context.Context, string) (bool, error) { return f.cancelled, nil }

func (f *fakeService) GetHealth(context.Context) domain.Health { return f.health }

func (f *fakeService) DeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	f.lastLimit = limit
	return f.dead, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const enqueueBody = `{"recipient_id":"u1","severity":"normal","batchable":true,
	"payload":{"title":"Drink water","category":"habit_reminder"}}`

func TestCreateNotification_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		result domain.EnqueueResult
		err    error
		want   int
	}{
		{"queued", domain.EnqueueResult{ID: "a", Queued: true}, nil, http.StatusCreated},
		{"duplicate", domain.EnqueueResult{ID: "a", Queued: true, Duplicate: true}, nil, http.StatusOK},
		{"suppressed", domain.EnqueueResult{Suppressed: true}, nil, http.StatusOK},
		{"rate limited", domain.EnqueueResult{ID: "a", Queued: true, RateLimited: true, RetryAfter: 1500 * time.Millisecond}, nil, http.StatusAccepted},
		{"validation", domain.EnqueueResult{}, domain.NewValidationError("severity", domain.ErrInvalidSeverity), http.StatusUnprocessableEntity},
		{"queue full", domain.EnqueueResult{}, domain.ErrQueueFull, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{result: tc.result, err: tc.err}
			r := NewRouter(svc, prometheus.NewRegistry(), 0, zap.NewNop())

			rec := do(t, r, http.MethodPost, "/api/v1/notifications", enqueueBody, nil)
			assert.Equal(t, tc.want, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
		})
	}
}

func TestCreateNotification_RateLimitedSetsRetryAfter(t *testing.T) {
	svc := &fakeService{result: domain.EnqueueResult{ID: "a", Queued: true, RateLimited: true, RetryAfter: 1500 * time.Millisecond}}
	r := NewRouter(svc, prometheus.NewRegistry(), 0, zap.NewNop())

	rec := do(t, r, http.MethodPost, "/api/v1/notifications", enqueueBody, nil)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["rate_limited"])
	assert.Equal(t, float64(1500), body["retry_after_ms"])
}

func TestCreateNotification_IdempotencyHeader(t *testing.T) {
	svc := &fakeService{result: domain.EnqueueResult{ID: "a", Queued: true}}
	r := NewRouter(svc, prometheus.NewRegistry(), 0, zap.NewNop())

	do(t, r, http.MethodPost, "/api/v1/notifications", enqueueBody, map[string]string{"X-Idempotency-Key": "k-1"})
	assert.Equal(t, "k-1", svc.lastReq.DedupKey)
	assert.True(t, svc.lastReq.Batchable)
	assert.Equal(t, "u1", svc.lastRecip)
}

func TestCreateNotification_BadJSON(t *testing.T) {
	r := NewRouter(&fakeService{}, prometheus.NewRegistry(), 0, zap.NewNop())
	rec := do(t, r, http.MethodPost, "/api/v1/notifications", "{", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateNotification_BodyTooLarge(t *testing.T) {
	r := NewRouter(&fakeService{}, prometheus.NewRegistry(), 16, zap.NewNop())
	rec := do(t, r, http.MethodPost, "/api/v1/notifications", enqueueBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelNotification(t *testing.T) {
	svc := &fakeService{cancelled: true}
	r := NewRouter(svc, prometheus.NewRegistry(), 0, zap.NewNop())

	rec := do(t, r, http.MethodDelete, "/api/v1/notifications/abc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["cancelled"])
	assert.Equal(t, "abc", body["id"])
}

func TestPipelineHealth(t *testing.T) {
	svc := &fakeService{health: domain.Health{Status: domain.StatusDegraded, CircuitState: domain.CircuitOpen}}
	r := NewRouter(svc, prometheus.NewRegistry(), 0, zap.NewNop())

	rec := do(t, r, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.health.Status = domain.StatusUnhealthy
	rec = do(t, r, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	svc := &fakeService{dead: []domain.DeadLetter{{Item: domain.QueueItem{ID: "x"}, Reason: domain.ReasonPermanent}}}
	r := NewRouter(svc, prometheus.NewRegistry(), 0, zap.NewNop())

	rec := do(t, r, http.MethodGet, "/api/v1/dead-letters?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.lastLimit)

	var body struct {
		Data  []domain.DeadLetter `json:"data"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "x", body.Data[0].Item.ID)

	rec = do(t, r, http.MethodGet, "/api/v1/dead-letters?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "t"})
	reg.MustRegister(c)
	c.Inc()

	r := NewRouter(&fakeService{}, reg, 0, zap.NewNop())
	rec := do(t, r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total 1")
}
