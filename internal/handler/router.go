package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/infra/observability"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the use cases exposed over HTTP.
type Services struct {
	Catalog  *service.CatalogService
	Invoices *service.InvoiceService
	Payments *service.PaymentService
	Reports  *service.ReportService
	Store    Pinger
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	Verifier *service.TokenVerifier
	DevAuth  bool
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, auth AuthConfig, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", DevActorHeader},
		ExposedHeaders: []string{"X-Trace-ID"},
		MaxAge:         300,
	}))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(svc.Store, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(auth.Verifier, auth.DevAuth, logger))

		r.Get("/metrics/ledger", ledgerMetricsHandler(metrics))

		// Fee catalog
		catalogAdmin := RequireFullScope("manage fee catalog", logger)
		r.Get("/fee-types", listFeeTypesHandler(svc.Catalog, logger))
		r.With(catalogAdmin).Post("/fee-types", createFeeTypeHandler(svc.Catalog, logger))
		r.Get("/fee-types/{id}", getFeeTypeHandler(svc.Catalog, logger))
		r.Get("/fee-structures", listFeeStructuresHandler(svc.Catalog, logger))
		r.With(catalogAdmin).Post("/fee-structures", createFeeStructureHandler(svc.Catalog, logger))
		r.Get("/payment-methods", listPaymentMethodsHandler(svc.Catalog, logger))
		r.With(catalogAdmin).Post("/payment-methods", createPaymentMethodHandler(svc.Catalog, logger))
		r.Get("/payment-methods/{code}", getPaymentMethodHandler(svc.Catalog, logger))

		// Invoices
		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", listInvoicesHandler(svc.Invoices, logger))
			r.Post("/", createInvoiceHandler(svc.Invoices, logger))
			r.Post("/generate", generateInvoicesHandler(svc.Invoices, logger))
			r.Post("/bulk/status", bulkStatusHandler(svc.Invoices, logger))
			r.Post("/bulk/overdue", bulkOverdueHandler(svc.Invoices, logger))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", getInvoiceHandler(svc.Invoices, logger))
				r.Post("/items", addItemHandler(svc.Invoices, logger))
				r.Put("/items/{itemId}", updateItemHandler(svc.Invoices, logger))
				r.Delete("/items/{itemId}", removeItemHandler(svc.Invoices, logger))
				r.Post("/discount", applyDiscountHandler(svc.Invoices, logger))
				r.Post("/send", invoiceCommandHandler("send", svc.Invoices.Send, logger))
				r.Post("/cancel", invoiceCommandHandler("cancel", svc.Invoices.Cancel, logger))
				r.Post("/recompute", invoiceCommandHandler("recompute", svc.Invoices.RecomputeTotals, logger))
				r.Get("/payments", listInvoicePaymentsHandler(svc.Invoices, logger))
			})
		})

		// Payments
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", listPaymentsHandler(svc.Payments, logger))
			r.Post("/", submitPaymentHandler(svc.Payments, logger))
			r.Get("/{id}", getPaymentHandler(svc.Payments, logger))
			r.Post("/{id}/confirm", paymentActionHandler(svc.Payments.Confirm, "confirm", logger))
			r.Post("/{id}/reject", paymentActionHandler(svc.Payments.Reject, "reject", logger))
			r.Post("/{id}/cancel", paymentActionHandler(svc.Payments.Cancel, "cancel", logger))
			r.Post("/{id}/refund", paymentActionHandler(svc.Payments.Refund, "refund", logger))
		})

		// Daily financial reports
		r.Route("/reports/daily", func(r chi.Router) {
			r.Use(RequireFullScope("access daily reports", logger))
			r.Get("/", listReportsHandler(svc.Reports, logger))
			r.Post("/", generateReportHandler(svc.Reports, logger))
			r.Get("/{date}", getReportHandler(svc.Reports, logger))
			r.Delete("/{date}", deleteReportHandler(svc.Reports, logger))
			r.Post("/{date}/sent", markReportSentHandler(svc.Reports, logger))
		})
	})

	return r
}

// ============================================================
// Operational endpoints
// ============================================================

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func readyzHandler(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func ledgerMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetSnapshot())
	}
}
