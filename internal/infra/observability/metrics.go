package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics of the ledger.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	invoiceEvents     *prometheus.CounterVec
	paymentEvents     *prometheus.CounterVec
	collectedAmount   prometheus.Counter
	overpaidInvoices  prometheus.Counter
	reportRuns        *prometheus.CounterVec
	batchFailures     *prometheus.CounterVec
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		invoiceEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_invoice_events_total",
				Help: "Invoice lifecycle events.",
			},
			[]string{"event"},
		),
		paymentEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_payment_events_total",
				Help: "Payment lifecycle events.",
			},
			[]string{"event"},
		),
		collectedAmount: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_collected_amount_total",
				Help: "Sum of confirmed payment amounts, net of refunds.",
			},
		),
		overpaidInvoices: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_overpaid_invoices_total",
				Help: "Settlements that left an invoice with a credit balance.",
			},
		),
		reportRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_report_runs_total",
				Help: "Daily report generation attempts by result.",
			},
			[]string{"result"},
		),
		batchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_batch_failures_total",
				Help: "Failed elements of batch operations.",
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrInvoiceEvent counts an invoice lifecycle event (created, sent, paid...).
func (m *Metrics) IncrInvoiceEvent(event string) {
	m.invoiceEvents.WithLabelValues(event).Inc()
}

// IncrPaymentEvent counts a payment lifecycle event.
func (m *Metrics) IncrPaymentEvent(event string) {
	m.paymentEvents.WithLabelValues(event).Inc()
}

// AddCollected adds a confirmed amount. Negative amounts (refunds) are
// recorded as a separate event since counters only grow.
func (m *Metrics) AddCollected(amount decimal.Decimal) {
	if amount.IsNegative() {
		m.paymentEvents.WithLabelValues("refunded_amount").Add(amount.Neg().InexactFloat64())
		return
	}
	m.collectedAmount.Add(amount.InexactFloat64())
}

// IncrOverpaid counts a settlement that produced a credit.
func (m *Metrics) IncrOverpaid() {
	m.overpaidInvoices.Inc()
}

// IncrReportRun counts a report generation attempt.
func (m *Metrics) IncrReportRun(result string) {
	m.reportRuns.WithLabelValues(result).Inc()
}

// AddBatchFailures counts failed elements of a batch operation.
func (m *Metrics) AddBatchFailures(operation string, n int) {
	if n > 0 {
		m.batchFailures.WithLabelValues(operation).Add(float64(n))
	}
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// Snapshot is a JSON friendly summary of the ledger counters.
type Snapshot struct {
	InvoicesCreated   int64   `json:"invoices_created"`
	InvoicesPaid      int64   `json:"invoices_paid"`
	InvoicesOverdue   int64   `json:"invoices_overdue"`
	PaymentsSubmitted int64   `json:"payments_submitted"`
	PaymentsConfirmed int64   `json:"payments_confirmed"`
	PaymentsRejected  int64   `json:"payments_rejected"`
	OverpaidInvoices  int64   `json:"overpaid_invoices"`
	ReportsGenerated  int64   `json:"reports_generated"`
	ReportConflicts   int64   `json:"report_conflicts"`
	CollectedAmount   float64 `json:"collected_amount"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	Period            string  `json:"period"`
}

// GetSnapshot reads the current counter values, suitable for the
// GET /v1/metrics/ledger endpoint.
func (m *Metrics) GetSnapshot() *Snapshot {
	hits := getCounterValue(m.cacheHits, "fee_structure")
	misses := getCounterValue(m.cacheMisses, "fee_structure")
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &Snapshot{
		InvoicesCreated:   int64(getCounterValue(m.invoiceEvents, "created")),
		InvoicesPaid:      int64(getCounterValue(m.invoiceEvents, "paid")),
		InvoicesOverdue:   int64(getCounterValue(m.invoiceEvents, "overdue")),
		PaymentsSubmitted: int64(getCounterValue(m.paymentEvents, "submitted")),
		PaymentsConfirmed: int64(getCounterValue(m.paymentEvents, "confirmed")),
		PaymentsRejected:  int64(getCounterValue(m.paymentEvents, "rejected")),
		OverpaidInvoices:  int64(readCounter(m.overpaidInvoices)),
		ReportsGenerated:  int64(getCounterValue(m.reportRuns, "generated")),
		ReportConflicts:   int64(getCounterValue(m.reportRuns, "conflict")),
		CollectedAmount:   readCounter(m.collectedAmount),
		CacheHitRate:      hitRate,
		Period:            "since_start",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return readCounter(cv.WithLabelValues(label))
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
