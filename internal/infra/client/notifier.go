// Package client holds the HTTP clients of the ledger's outbound collaborators.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/infra/observability"
	"github.com/boddenberg/school-ledger-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

const notifierService = "report_notifier"

// reportMessage is the webhook payload.
type reportMessage struct {
	ReportDate     string                       `json:"report_date"`
	Report         *domain.DailyFinancialReport `json:"report"`
	AveragePayment string                       `json:"average_payment"`
	SentAt         time.Time                    `json:"sent_at"`
}

// NotifierClient delivers generated reports to the notification collaborator
// over a webhook.
type NotifierClient struct {
	httpClient *http.Client
	url        string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	bulkhead   *resilience.Bulkhead
	metrics    *observability.Metrics
}

// NewNotifierClient creates a new NotifierClient.
func NewNotifierClient(httpClient *http.Client, url string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics) *NotifierClient {
	return &NotifierClient{
		httpClient: httpClient,
		url:        url,
		cb:         cb,
		cfg:        cfg,
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
		metrics:    metrics,
	}
}

// Notify posts the report. Any 2xx answer counts as delivered. A 4xx answer
// is final: it is neither retried nor counted against the circuit breaker.
func (c *NotifierClient) Notify(ctx context.Context, report *domain.DailyFinancialReport) error {
	ctx, span := tracer.Start(ctx, "NotifierClient.Notify")
	defer span.End()
	date := report.ReportDate.Format(domain.DateLayout)
	span.SetAttributes(attribute.String("report.date", date))

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return err
	}
	defer c.bulkhead.Release()

	body, err := json.Marshal(reportMessage{
		ReportDate:     date,
		Report:         report,
		AveragePayment: domain.FormatMoney(report.AveragePayment()),
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				return resilience.Permanent(fmt.Errorf("notifier rejected report with status %d", resp.StatusCode))
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return fmt.Errorf("notifier returned status %d", resp.StatusCode)
			}
			return nil
		})
	})

	if err != nil {
		if c.metrics != nil {
			c.metrics.IncrExternalError(notifierService)
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return &domain.ErrCircuitOpen{Service: notifierService}
		}
		return &domain.ErrExternalService{Service: notifierService, Err: err}
	}
	return nil
}
