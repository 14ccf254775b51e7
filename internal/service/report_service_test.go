package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) payOn(t *testing.T, invoiceID, method, amount string, on time.Time) *domain.Payment {
	t.Helper()
	ctx := context.Background()
	p, err := h.payments.Submit(ctx, bursar, domain.FullScope, domain.SubmitPaymentInput{
		InvoiceID:     invoiceID,
		MethodCode:    method,
		Amount:        dec(amount),
		TransactionID: "TX-" + amount,
		PaymentDate:   &on,
	})
	require.NoError(t, err)
	p, err = h.payments.Confirm(ctx, bursar, domain.FullScope, p.ID, "")
	require.NoError(t, err)
	return p
}

func TestDailyReportTrendAgainstPreviousDay(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(time.Date(2025, 1, 16, 18, 0, 0, 0, time.UTC))
	ctx := context.Background()
	inv := h.sent(t, "s-1", "5000.00")

	h.payOn(t, inv.ID, "CASH", "1000.00", day("2025-01-15"))
	h.payOn(t, inv.ID, "CASH", "1100.00", day("2025-01-16"))

	first, err := h.reports.Generate(ctx, bursar, day("2025-01-15"), false)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", domain.FormatMoney(first.PaymentsTotal))
	assert.False(t, first.PreviousDay.Available)
	assert.Nil(t, first.PreviousDay.Percent)

	second, err := h.reports.Generate(ctx, bursar, day("2025-01-16"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, second.PaymentsCount)
	assert.True(t, second.PreviousDay.Available)
	assert.Equal(t, "1000.00", domain.FormatMoney(second.PreviousDay.PreviousTotal))
	assert.Equal(t, "100.00", domain.FormatMoney(second.PreviousDay.Change))
	require.NotNil(t, second.PreviousDay.Percent)
	assert.Equal(t, "10.00", domain.FormatMoney(*second.PreviousDay.Percent))
	assert.False(t, second.PreviousWeek.Available)

	// Month to date is 2100 over 16 days.
	assert.Equal(t, "131.25", domain.FormatMoney(second.MonthlyAverage))
	assert.Equal(t, "2900.00", domain.FormatMoney(second.TotalReceivables))
	assert.Equal(t, "42.00", domain.FormatMoney(second.CollectionRate))
}

func TestTrendPercentOmittedWhenPreviousTotalIsZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.sent(t, "s-1", "500.00")

	_, err := h.reports.Generate(ctx, bursar, day("2025-01-14"), false)
	require.NoError(t, err)
	h.pay(t, inv.ID, "CASH", "50.00")

	r, err := h.reports.Generate(ctx, bursar, day("2025-01-15"), false)
	require.NoError(t, err)
	assert.True(t, r.PreviousDay.Available)
	assert.Nil(t, r.PreviousDay.Percent)
	assert.Equal(t, "50.00", domain.FormatMoney(r.PreviousDay.Change))
}

func TestGenerateConflictsUnlessForced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.sent(t, "s-1", "500.00")
	h.pay(t, inv.ID, "CASH", "120.00")

	first, err := h.reports.Generate(ctx, bursar, day("2025-01-15"), false)
	require.NoError(t, err)

	_, err = h.reports.Generate(ctx, bursar, day("2025-01-15"), false)
	requireErrorAs[*domain.ErrConflict](t, err)

	again, err := h.reports.Generate(ctx, bursar, day("2025-01-15"), true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	assert.Equal(t, "regenerated by "+bursar.ID, again.Notes)

	assert.Equal(t, first.PaymentsCount, again.PaymentsCount)
	assert.True(t, first.PaymentsTotal.Equal(again.PaymentsTotal))
	assert.True(t, first.TotalReceivables.Equal(again.TotalReceivables))
	assert.True(t, first.CollectionRate.Equal(again.CollectionRate))
	assert.Equal(t, first.InvoicesPending.Count, again.InvoicesPending.Count)

	snap := h.metrics.GetSnapshot()
	assert.Equal(t, int64(2), snap.ReportsGenerated)
	assert.Equal(t, int64(1), snap.ReportConflicts)

	stored, err := h.reports.Get(ctx, day("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, again.ID, stored.ID)
}

func TestGenerateRejectsFutureDate(t *testing.T) {
	h := newHarness(t)
	_, err := h.reports.Generate(context.Background(), bursar, day("2025-01-16"), false)
	assert.Equal(t, "date", requireErrorAs[*domain.ErrValidation](t, err).Field)
}

func TestPaymentsByMethodBuckets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.catalog.CreatePaymentMethod(ctx, bursar, service.CreatePaymentMethodInput{Name: "Voucher", Code: "voucher", Active: true})
	require.NoError(t, err)

	inv := h.sent(t, "s-1", "1000.00")
	h.pay(t, inv.ID, "CASH", "100.00")
	h.pay(t, inv.ID, "CASH", "50.00")
	h.payOn(t, inv.ID, "TRANSFER", "200.00", day("2025-01-15"))
	h.pay(t, inv.ID, "MOBILE", "25.50")
	h.pay(t, inv.ID, "VOUCHER", "10.00")
	h.submit(t, inv.ID, "CASH", "99.00")

	r, err := h.reports.Generate(ctx, bursar, day("2025-01-15"), false)
	require.NoError(t, err)

	assert.Equal(t, 5, r.PaymentsCount)
	assert.Equal(t, "385.50", domain.FormatMoney(r.PaymentsTotal))
	require.Len(t, r.PaymentsByType, len(domain.ReportBuckets))
	assert.Equal(t, "150.00", domain.FormatMoney(r.PaymentsByType[domain.BucketCash]))
	assert.Equal(t, "200.00", domain.FormatMoney(r.PaymentsByType[domain.BucketTransfer]))
	assert.Equal(t, "25.50", domain.FormatMoney(r.PaymentsByType[domain.BucketMobile]))
	assert.Equal(t, "10.00", domain.FormatMoney(r.PaymentsByType[domain.BucketOther]))
	assert.Equal(t, "0.00", domain.FormatMoney(r.PaymentsByType[domain.BucketCard]))
	assert.Equal(t, "77.10", domain.FormatMoney(r.AveragePayment()))

	require.Len(t, r.Details.TopPayers, 1)
	assert.Equal(t, "s-1", r.Details.TopPayers[0].StudentID)
	assert.Equal(t, 5, r.Details.TopPayers[0].Payments)
	assert.Len(t, r.Details.Timeline, 5)
	assert.Equal(t, domain.BucketOther, r.Details.Timeline[4].Method)
}

func TestReportCountsInvoicesByState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	overdue := h.draft(t, "s-1", "500.00", day("2024-12-20"), day("2025-01-05"))
	_, err := h.invoices.Send(ctx, bursar, domain.FullScope, overdue.ID)
	require.NoError(t, err)
	_, err = h.invoices.MarkOverdue(ctx, bursar, domain.FullScope, []string{overdue.ID}, day("2025-01-15"))
	require.NoError(t, err)

	partial := h.sent(t, "s-2", "300.00")
	h.pay(t, partial.ID, "CASH", "100.00")

	paid := h.sent(t, "s-3", "200.00")
	h.pay(t, paid.ID, "MOBILE", "200.00")

	h.draft(t, "s-4", "80.00", day("2025-01-15"), day("2025-02-15"))
	cancelled := h.sent(t, "s-5", "999.00")
	_, err = h.invoices.Cancel(ctx, bursar, domain.FullScope, cancelled.ID)
	require.NoError(t, err)

	r, err := h.reports.Generate(ctx, bursar, day("2025-01-15"), false)
	require.NoError(t, err)

	assert.Equal(t, 1, r.InvoicesCreated.Count)
	assert.Equal(t, "80.00", domain.FormatMoney(r.InvoicesCreated.Amount))
	assert.Equal(t, 1, r.InvoicesPaid.Count)
	assert.Equal(t, "200.00", domain.FormatMoney(r.InvoicesPaid.Amount))
	assert.Equal(t, 1, r.InvoicesOverdue.Count)
	assert.Equal(t, "500.00", domain.FormatMoney(r.InvoicesOverdue.Amount))
	assert.Equal(t, 1, r.InvoicesPending.Count)
	assert.Equal(t, 1, r.InvoicesPartial.Count)
	assert.Equal(t, "200.00", domain.FormatMoney(r.InvoicesPartial.Amount))
	assert.Equal(t, "700.00", domain.FormatMoney(r.TotalReceivables))

	// Ten days past due lands in the first aging bucket.
	aging := r.Details.Aging
	assert.Equal(t, 1, aging[domain.Aging0To30].Count)
	assert.Equal(t, "500.00", domain.FormatMoney(aging[domain.Aging0To30].Amount))
	assert.Equal(t, 0, aging[domain.AgingOver90].Count)

	// 300 collected of 1000 invoiced; the draft and the cancelled invoice are excluded.
	assert.Equal(t, "30.00", domain.FormatMoney(r.CollectionRate))
}

func TestNetBalanceSubtractsExpenses(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.reports = service.NewReportService(h.deps, stubExpenses{summary: domain.ExpenseSummary{Count: 3, Total: dec("75.25")}}, service.ReportOptions{})
	})
	inv := h.sent(t, "s-1", "500.00")
	h.pay(t, inv.ID, "CASH", "100.00")

	r, err := h.reports.Generate(context.Background(), bursar, day("2025-01-15"), false)
	require.NoError(t, err)
	assert.Equal(t, 3, r.ExpensesCount)
	assert.Equal(t, "75.25", domain.FormatMoney(r.ExpensesTotal))
	assert.Equal(t, "24.75", domain.FormatMoney(r.NetBalance))
}

func TestTopPayersAreBoundedAndOrdered(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.reports = service.NewReportService(h.deps, nil, service.ReportOptions{TopPayers: 2, TimelineLimit: 1})
	})
	for student, amount := range map[string]string{"s-1": "10.00", "s-2": "30.00", "s-3": "20.00"} {
		inv := h.sent(t, student, "100.00")
		h.pay(t, inv.ID, "CASH", amount)
	}

	r, err := h.reports.Generate(context.Background(), bursar, day("2025-01-15"), false)
	require.NoError(t, err)
	require.Len(t, r.Details.TopPayers, 2)
	assert.Equal(t, "s-2", r.Details.TopPayers[0].StudentID)
	assert.Equal(t, "s-3", r.Details.TopPayers[1].StudentID)
	assert.Len(t, r.Details.Timeline, 1)
}

func TestMarkSentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reports.Generate(ctx, bursar, day("2025-01-15"), false)
	require.NoError(t, err)

	first, err := h.reports.MarkSent(ctx, bursar, day("2025-01-15"))
	require.NoError(t, err)
	require.True(t, first.Sent)
	require.NotNil(t, first.SentAt)

	h.clock.Set(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC))
	second, err := h.reports.MarkSent(ctx, bursar, day("2025-01-15"))
	require.NoError(t, err)
	assert.True(t, first.SentAt.Equal(*second.SentAt))

	_, err = h.reports.MarkSent(ctx, bursar, day("2025-01-10"))
	requireErrorAs[*domain.ErrNotFound](t, err)
}

func TestListAndDeleteReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, d := range []string{"2025-01-12", "2025-01-13", "2025-01-14"} {
		_, err := h.reports.Generate(ctx, bursar, day(d), false)
		require.NoError(t, err)
	}

	list, err := h.reports.List(ctx, day("2025-01-13"), day("2025-01-15"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, day("2025-01-14").Equal(list[0].ReportDate))

	_, err = h.reports.List(ctx, day("2025-01-15"), day("2025-01-13"))
	requireErrorAs[*domain.ErrValidation](t, err)

	require.NoError(t, h.reports.Delete(ctx, bursar, day("2025-01-13")))
	_, err = h.reports.Get(ctx, day("2025-01-13"))
	requireErrorAs[*domain.ErrNotFound](t, err)

	err = h.reports.Delete(ctx, bursar, day("2025-01-13"))
	requireErrorAs[*domain.ErrNotFound](t, err)
}
