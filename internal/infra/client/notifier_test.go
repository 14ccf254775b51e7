package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/infra/client"
	"github.com/boddenberg/school-ledger-go/internal/infra/observability"
	"github.com/boddenberg/school-ledger-go/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleReport() *domain.DailyFinancialReport {
	return &domain.DailyFinancialReport{
		ID:            "r-1",
		ReportDate:    time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		PaymentsCount: 3,
		PaymentsTotal: decimal.RequireFromString("100.00"),
	}
}

func newNotifier(url string, retries int) *client.NotifierClient {
	cfg := resilience.Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxConcurrency: 2}
	cb := resilience.NewCircuitBreaker("test-notifier", zap.NewNop())
	return client.NewNotifierClient(&http.Client{Timeout: 2 * time.Second}, url, cb, cfg, observability.NewMetrics())
}

func TestNotifyPostsReport(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := newNotifier(srv.URL, 0).Notify(context.Background(), sampleReport())
	require.NoError(t, err)

	assert.Equal(t, "2025-01-15", got["report_date"])
	assert.Equal(t, "33.33", got["average_payment"])
	report, ok := got["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "100", report["payments_total"])
	assert.EqualValues(t, 3, report["payments_count"])
}

func TestNotifyRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newNotifier(srv.URL, 2).Notify(context.Background(), sampleReport())
	require.Error(t, err)

	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "report_notifier", ext.Service)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newNotifier(srv.URL, 2).Notify(context.Background(), sampleReport()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifyOpensCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := newNotifier(srv.URL, 0)
	for i := 0; i < 5; i++ {
		err := n.Notify(context.Background(), sampleReport())
		var ext *domain.ErrExternalService
		require.ErrorAs(t, err, &ext)
	}

	err := n.Notify(context.Background(), sampleReport())
	var open *domain.ErrCircuitOpen
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "report_notifier", open.Service)
}

func TestNotifyDoesNotRetryRejectedReport(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	n := newNotifier(srv.URL, 3)
	for i := 0; i < 6; i++ {
		err := n.Notify(context.Background(), sampleReport())
		var ext *domain.ErrExternalService
		require.ErrorAs(t, err, &ext, "attempt %d", i)
		assert.True(t, resilience.IsPermanent(err))
	}

	// One call per attempt and the breaker stays closed.
	assert.Equal(t, int32(6), calls.Load())
}
