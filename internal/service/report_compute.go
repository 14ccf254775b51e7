package service

import (
	"sort"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// reportInputs is everything one daily report is computed from. All of it
// comes from a single consistent read.
type reportInputs struct {
	Date time.Time

	// DayPayments are the COMPLETED payments dated Date, in creation order.
	DayPayments []domain.Payment
	// Invoices are all invoices issued on or before Date.
	Invoices []domain.Invoice

	MonthToDate    decimal.Decimal
	CumulativePaid decimal.Decimal

	PreviousDay  *domain.DailyFinancialReport
	PreviousWeek *domain.DailyFinancialReport

	Expenses domain.ExpenseSummary

	TopPayers     int
	TimelineLimit int
	Location      *time.Location
}

// computeReport derives the aggregate figures of a report. Identity and
// generation metadata are left to the caller.
func computeReport(in reportInputs) domain.DailyFinancialReport {
	date := domain.Day(in.Date)
	r := domain.DailyFinancialReport{
		ReportDate:     date,
		PaymentsTotal:  domain.Zero,
		PaymentsByType: make(map[string]decimal.Decimal, len(domain.ReportBuckets)),
	}
	for _, b := range domain.ReportBuckets {
		r.PaymentsByType[b] = domain.Zero
	}

	settledToday := make(map[string]struct{}, len(in.DayPayments))
	for _, p := range in.DayPayments {
		r.PaymentsCount++
		r.PaymentsTotal = r.PaymentsTotal.Add(p.Amount)
		bucket := domain.BucketFor(p.MethodCode)
		r.PaymentsByType[bucket] = r.PaymentsByType[bucket].Add(p.Amount)
		settledToday[p.InvoiceID] = struct{}{}
	}

	aging := make(map[string]domain.CountAmount, len(domain.AgingBuckets))
	for _, b := range domain.AgingBuckets {
		aging[b] = domain.CountAmount{Amount: domain.Zero}
	}
	receivables, invoiced := domain.Zero, domain.Zero
	r.InvoicesCreated.Amount = domain.Zero
	r.InvoicesPending.Amount = domain.Zero
	r.InvoicesPaid.Amount = domain.Zero
	r.InvoicesOverdue.Amount = domain.Zero
	r.InvoicesPartial.Amount = domain.Zero

	for i := range in.Invoices {
		inv := &in.Invoices[i]
		if inv.Status == domain.InvoiceCancelled || domain.Day(inv.IssueDate).After(date) {
			continue
		}
		total, balance := inv.Total(), inv.Balance()
		open := inv.Status.Open()

		if domain.Day(inv.IssueDate).Equal(date) {
			r.InvoicesCreated.Add(total)
		}
		if inv.Status != domain.InvoiceDraft {
			invoiced = invoiced.Add(total)
		}
		if _, ok := settledToday[inv.ID]; ok && inv.Status == domain.InvoicePaid {
			r.InvoicesPaid.Add(total)
		}
		if !open || !balance.IsPositive() {
			continue
		}

		receivables = receivables.Add(balance)
		if inv.PaidAmount.IsPositive() {
			r.InvoicesPartial.Add(balance)
		}
		if inv.PastDue(date) {
			r.InvoicesOverdue.Add(balance)
			bucket := domain.AgingBucketFor(domain.DaysBetween(inv.DueDate, date))
			ca := aging[bucket]
			ca.Add(balance)
			aging[bucket] = ca
		} else {
			r.InvoicesPending.Add(total)
		}
	}

	r.PaymentsTotal = domain.Round2(r.PaymentsTotal)
	r.PreviousDay = trendAgainst(r.PaymentsTotal, in.PreviousDay)
	r.PreviousWeek = trendAgainst(r.PaymentsTotal, in.PreviousWeek)

	r.MonthlyAverage = domain.Round2(in.MonthToDate.Div(decimal.NewFromInt(int64(date.Day()))))
	r.TotalReceivables = domain.Round2(receivables)
	r.CollectionRate = domain.Zero
	if invoiced.IsPositive() {
		r.CollectionRate = domain.Round2(in.CumulativePaid.Div(invoiced).Mul(hundred))
	}

	r.ExpensesCount = in.Expenses.Count
	r.ExpensesTotal = domain.Round2(in.Expenses.Total)
	r.NetBalance = r.PaymentsTotal.Sub(r.ExpensesTotal)

	r.Details = domain.ReportDetails{
		TopPayers: topPayers(in.DayPayments, in.TopPayers),
		Timeline:  timeline(in.DayPayments, in.TimelineLimit, in.Location),
		Aging:     aging,
	}
	return r
}

// trendAgainst compares today's total with a prior report. The percentage is
// omitted when there is no prior report or its total is zero.
func trendAgainst(current decimal.Decimal, prev *domain.DailyFinancialReport) domain.Trend {
	if prev == nil {
		return domain.Trend{PreviousTotal: domain.Zero, Change: domain.Zero}
	}
	change := domain.Round2(current.Sub(prev.PaymentsTotal))
	t := domain.Trend{Available: true, PreviousTotal: prev.PaymentsTotal, Change: change}
	if !prev.PaymentsTotal.IsZero() {
		pct := domain.Round2(change.Div(prev.PaymentsTotal).Mul(hundred))
		t.Percent = &pct
	}
	return t
}

func topPayers(payments []domain.Payment, n int) []domain.TopPayer {
	byStudent := lo.GroupBy(payments, func(p domain.Payment) string { return p.StudentID })
	payers := lo.MapToSlice(byStudent, func(student string, ps []domain.Payment) domain.TopPayer {
		return domain.TopPayer{
			StudentID: student,
			Amount:    domain.SumMoney(lo.Map(ps, func(p domain.Payment, _ int) decimal.Decimal { return p.Amount })...),
			Payments:  len(ps),
		}
	})
	sort.Slice(payers, func(i, j int) bool {
		if c := payers[i].Amount.Cmp(payers[j].Amount); c != 0 {
			return c > 0
		}
		return payers[i].StudentID < payers[j].StudentID
	})
	if n > 0 && len(payers) > n {
		payers = payers[:n]
	}
	return payers
}

func timeline(payments []domain.Payment, limit int, loc *time.Location) []domain.TimelineEntry {
	if loc == nil {
		loc = time.UTC
	}
	ordered := make([]domain.Payment, len(payments))
	copy(ordered, payments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return lo.Map(ordered, func(p domain.Payment, _ int) domain.TimelineEntry {
		return domain.TimelineEntry{
			Time:      p.CreatedAt.In(loc).Format("15:04"),
			Reference: p.Reference,
			Amount:    p.Amount,
			Method:    domain.BucketFor(p.MethodCode),
		}
	})
}
