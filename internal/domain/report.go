package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Daily financial report
// ============================================================

// Method buckets of the daily report. Any method code outside the known set
// lands in BucketOther.
const (
	BucketCash     = MethodCash
	BucketCheck    = MethodCheck
	BucketTransfer = MethodTransfer
	BucketCard     = MethodCard
	BucketMobile   = MethodMobile
	BucketOther    = "OTHER"
)

// ReportBuckets is the fixed, ordered bucket set.
var ReportBuckets = []string{BucketCash, BucketCheck, BucketTransfer, BucketCard, BucketMobile, BucketOther}

// BucketFor maps a payment method code to its report bucket.
func BucketFor(methodCode string) string {
	code := NormalizeMethodCode(methodCode)
	for _, b := range ReportBuckets {
		if b == code {
			return b
		}
	}
	return BucketOther
}

// Aging bucket labels.
const (
	Aging0To30  = "0-30"
	Aging31To60 = "31-60"
	Aging61To90 = "61-90"
	AgingOver90 = "90+"
)

// AgingBuckets is the fixed, ordered aging histogram.
var AgingBuckets = []string{Aging0To30, Aging31To60, Aging61To90, AgingOver90}

// AgingBucketFor classifies a number of days overdue.
func AgingBucketFor(daysOverdue int) string {
	switch {
	case daysOverdue <= 30:
		return Aging0To30
	case daysOverdue <= 60:
		return Aging31To60
	case daysOverdue <= 90:
		return Aging61To90
	default:
		return AgingOver90
	}
}

// CountAmount is a count plus a summed amount.
type CountAmount struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Add accumulates one element.
func (c *CountAmount) Add(amount decimal.Decimal) {
	c.Count++
	c.Amount = c.Amount.Add(amount)
}

// Trend compares the day's payment total with a prior report.
// Percent is nil when the prior total is zero or no prior report exists.
type Trend struct {
	Available     bool             `json:"available"`
	PreviousTotal decimal.Decimal  `json:"previous_total"`
	Change        decimal.Decimal  `json:"change"`
	Percent       *decimal.Decimal `json:"percent,omitempty"`
}

// TopPayer is one row of the top payers breakdown.
type TopPayer struct {
	StudentID string          `json:"student_id"`
	Amount    decimal.Decimal `json:"amount"`
	Payments  int             `json:"payments"`
}

// TimelineEntry is one completed payment of the day.
type TimelineEntry struct {
	Time      string          `json:"time"`
	Reference string          `json:"payment_reference"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
}

// ReportDetails is the auxiliary structured payload of a report.
type ReportDetails struct {
	TopPayers []TopPayer             `json:"top_payers"`
	Timeline  []TimelineEntry        `json:"payment_timeline"`
	Aging     map[string]CountAmount `json:"invoice_aging"`
}

// DailyFinancialReport is the immutable snapshot for one calendar date.
// Only Sent and SentAt change after creation.
type DailyFinancialReport struct {
	ID         string    `json:"id"`
	ReportDate time.Time `json:"report_date"`

	PaymentsCount  int                        `json:"payments_count"`
	PaymentsTotal  decimal.Decimal            `json:"payments_total"`
	PaymentsByType map[string]decimal.Decimal `json:"payments_by_method"`

	InvoicesCreated CountAmount `json:"invoices_created"`
	InvoicesPending CountAmount `json:"invoices_pending"`
	InvoicesPaid    CountAmount `json:"invoices_paid"`
	InvoicesOverdue CountAmount `json:"invoices_overdue"`
	InvoicesPartial CountAmount `json:"invoices_partial"`

	PreviousDay  Trend `json:"previous_day"`
	PreviousWeek Trend `json:"previous_week"`

	MonthlyAverage   decimal.Decimal `json:"monthly_average_payments"`
	TotalReceivables decimal.Decimal `json:"total_receivables"`
	CollectionRate   decimal.Decimal `json:"collection_rate"`

	ExpensesCount int             `json:"expenses_count"`
	ExpensesTotal decimal.Decimal `json:"expenses_total"`
	NetBalance    decimal.Decimal `json:"net_balance"`

	GeneratedAt time.Time  `json:"generated_at"`
	GeneratedBy string     `json:"generated_by"`
	Sent        bool       `json:"sent"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`

	Details ReportDetails `json:"details"`
}

// AveragePayment is the mean payment amount of the day.
func (r *DailyFinancialReport) AveragePayment() decimal.Decimal {
	if r.PaymentsCount == 0 {
		return Zero
	}
	return Round2(r.PaymentsTotal.Div(decimal.NewFromInt(int64(r.PaymentsCount))))
}

// ExpenseSummary is what an expense ledger reports for one day.
type ExpenseSummary struct {
	Count int
	Total decimal.Decimal
}
