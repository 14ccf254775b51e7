package observability_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/boddenberg/school-ledger-go/internal/infra/observability"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLogUsesRoutePattern(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := chi.NewRouter()
	r.Use(observability.ZapLoggerMiddleware(zap.New(core)))
	r.Get("/v1/invoices/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/invoices/3f2a", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "/v1/invoices/{id}", entries[0].ContextMap()["route"])
	assert.EqualValues(t, http.StatusNotFound, entries[0].ContextMap()["status"])
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}

func TestTracingMiddlewareEchoesTraceID(t *testing.T) {
	_, err := observability.InitTracer("", "test")
	require.NoError(t, err)

	h := observability.TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get("X-Trace-ID"))
}

func TestMetricsSnapshot(t *testing.T) {
	m := observability.NewMetrics()
	m.IncrPaymentEvent("confirmed")
	m.IncrPaymentEvent("confirmed")
	m.AddCollected(decimal.RequireFromString("150.50"))
	m.AddCollected(decimal.RequireFromString("-50.00"))
	m.IncrCacheHit("fee_structure")
	m.IncrCacheMiss("fee_structure")
	m.IncrReportRun("conflict")

	snap := m.GetSnapshot()
	assert.Equal(t, int64(2), snap.PaymentsConfirmed)
	assert.InDelta(t, 150.50, snap.CollectedAmount, 0.001)
	assert.InDelta(t, 0.5, snap.CacheHitRate, 0.001)
	assert.Equal(t, int64(1), snap.ReportConflicts)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := observability.NewLogger("chatty", "test")
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
