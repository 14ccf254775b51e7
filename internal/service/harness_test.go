package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/infra/cache"
	"github.com/boddenberg/school-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/school-ledger-go/internal/infra/observability"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var bursar = domain.Actor{ID: "bursar-1", Name: "Bursar"}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// --- Fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type auditSpy struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *auditSpy) Record(_ context.Context, e domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditSpy) find(entity, action string) []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range a.events {
		if e.Entity == entity && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type stubExpenses struct {
	summary domain.ExpenseSummary
}

func (s stubExpenses) DailyExpenses(context.Context, time.Time) (domain.ExpenseSummary, error) {
	return s.summary, nil
}

// --- Harness ---

type harness struct {
	clock    *fakeClock
	audit    *auditSpy
	metrics  *observability.Metrics
	deps     service.Deps
	catalog  *service.CatalogService
	invoices *service.InvoiceService
	payments *service.PaymentService
	reports  *service.ReportService

	tuition string
}

// newHarness wires the services over the in-memory store with the clock at
// 2025-01-15 10:00 UTC, a tuition fee type and the CASH, MOBILE and TRANSFER
// (reference required) methods.
func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()

	h := &harness{
		clock:   &fakeClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)},
		audit:   &auditSpy{},
		metrics: observability.NewMetrics(),
	}
	h.deps = service.Deps{
		Store:    memstore.New(),
		Sequence: service.NewSequenceGenerator(memstore.NewSequence()),
		Audit:    h.audit,
		Metrics:  h.metrics,
		Logger:   zap.NewNop(),
		Now:      h.clock.Now,
	}
	feeCache := cache.New[domain.FeeStructure](time.Minute)
	t.Cleanup(feeCache.Close)

	h.catalog = service.NewCatalogService(h.deps, feeCache)
	h.invoices = service.NewInvoiceService(h.deps, h.catalog, 8)
	h.payments = service.NewPaymentService(h.deps, h.invoices)
	h.reports = service.NewReportService(h.deps, nil, service.ReportOptions{})
	for _, opt := range opts {
		opt(h)
	}

	ctx := context.Background()
	ft, err := h.catalog.CreateFeeType(ctx, bursar, service.CreateFeeTypeInput{Name: "Tuition", Recurring: true, Mandatory: true})
	require.NoError(t, err)
	h.tuition = ft.ID

	for _, m := range []service.CreatePaymentMethodInput{
		{Name: "Cash", Code: "CASH", Active: true},
		{Name: "Mobile money", Code: "MOBILE", Active: true},
		{Name: "Bank transfer", Code: "TRANSFER", Active: true, RequiresReference: true},
		{Name: "Cheque", Code: "CHECK", Active: false},
	} {
		_, err := h.catalog.CreatePaymentMethod(ctx, bursar, m)
		require.NoError(t, err)
	}
	return h
}

func (h *harness) draft(t *testing.T, student, price string, issue, due time.Time) *domain.Invoice {
	t.Helper()
	inv, err := h.invoices.CreateDraft(context.Background(), bursar, domain.FullScope, service.CreateInvoiceInput{
		StudentID: student,
		IssueDate: &issue,
		DueDate:   due,
		Items: []service.ItemInput{
			{FeeTypeID: h.tuition, Description: "Tuition", Quantity: dec("1"), UnitPrice: dec(price)},
		},
	})
	require.NoError(t, err)
	return inv
}

// sent creates a SENT invoice issued 2025-01-02 and due 2025-01-31.
func (h *harness) sent(t *testing.T, student, price string) *domain.Invoice {
	t.Helper()
	inv := h.draft(t, student, price, day("2025-01-02"), day("2025-01-31"))
	inv, err := h.invoices.Send(context.Background(), bursar, domain.FullScope, inv.ID)
	require.NoError(t, err)
	return inv
}

func (h *harness) submit(t *testing.T, invoiceID, method, amount string) *domain.Payment {
	t.Helper()
	p, err := h.payments.Submit(context.Background(), bursar, domain.FullScope, domain.SubmitPaymentInput{
		InvoiceID:  invoiceID,
		MethodCode: method,
		Amount:     dec(amount),
	})
	require.NoError(t, err)
	return p
}

func (h *harness) pay(t *testing.T, invoiceID, method, amount string) *domain.Payment {
	t.Helper()
	p := h.submit(t, invoiceID, method, amount)
	p, err := h.payments.Confirm(context.Background(), bursar, domain.FullScope, p.ID, "")
	require.NoError(t, err)
	return p
}

func (h *harness) reload(t *testing.T, id string) *domain.Invoice {
	t.Helper()
	inv, err := h.invoices.Get(context.Background(), domain.FullScope, id)
	require.NoError(t, err)
	return inv
}

func requireErrorAs[T error](t *testing.T, err error) T {
	t.Helper()
	require.Error(t, err)
	var target T
	require.ErrorAs(t, err, &target)
	return target
}
