package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCorrelationID_EchoesHeader(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-7", seen)
	assert.Equal(t, "req-7", rec.Header().Get("X-Correlation-ID"))
}

func TestCorrelationID_Generates(t *testing.T) {
	h := CorrelationID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get("X-Correlation-ID"), 36)
}

func TestRequestLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	h := CorrelationID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Logger(r.Context(), zap.NewNop()).Info("inside handler")
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})))

	for _, path := range []string{"/api/v1/notifications", "/boom", "/health"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	requests := logs.FilterMessage("http request").All()
	if assert.Len(t, requests, 3) {
		assert.Equal(t, zapcore.InfoLevel, requests[0].Level)
		assert.Equal(t, int64(2), requests[0].ContextMap()["bytes"])
		assert.Equal(t, zapcore.WarnLevel, requests[1].Level)
		assert.Equal(t, zapcore.DebugLevel, requests[2].Level)
	}

	inner := logs.FilterMessage("inside handler").All()
	if assert.Len(t, inner, 3) {
		assert.NotEmpty(t, inner[0].ContextMap()["correlation_id"])
	}
}
