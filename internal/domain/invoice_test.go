package domain_test

import (
	"testing"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleInvoice() *domain.Invoice {
	return &domain.Invoice{
		Status:   domain.InvoiceSent,
		DueDate:  date("2025-01-31"),
		Discount: dec("50.00"),
		Items: []domain.InvoiceItem{
			{FeeTypeID: "tuition", Description: "Tuition", Quantity: dec("1"), UnitPrice: dec("450.00")},
			{FeeTypeID: "transport", Description: "Bus", Quantity: dec("2"), UnitPrice: dec("50.005")},
		},
		PaidAmount: domain.Zero,
	}
}

func TestInvoiceDerivedAmounts(t *testing.T) {
	inv := sampleInvoice()

	assert.Equal(t, "550.01", domain.FormatMoney(inv.Subtotal()))
	assert.Equal(t, "500.01", domain.FormatMoney(inv.Total()))
	assert.Equal(t, "500.01", domain.FormatMoney(inv.Balance()))
	assert.False(t, inv.Overpaid())

	inv.PaidAmount = dec("600.01")
	assert.Equal(t, "-100.00", domain.FormatMoney(inv.Balance()))
	assert.True(t, inv.Overpaid())
	assert.Equal(t, "100.00", domain.FormatMoney(inv.Credit()))
}

func TestValidateDiscount(t *testing.T) {
	inv := sampleInvoice()
	assert.NoError(t, inv.ValidateDiscount(dec("0")))
	assert.NoError(t, inv.ValidateDiscount(inv.Subtotal()))
	assert.Error(t, inv.ValidateDiscount(dec("-1")))
	assert.Error(t, inv.ValidateDiscount(inv.Subtotal().Add(dec("0.01"))))
}

func TestSettledStatus(t *testing.T) {
	inv := sampleInvoice()
	asOf := date("2025-01-15")

	inv.PaidAmount = dec("200.00")
	assert.Equal(t, domain.InvoiceSent, inv.SettledStatus(asOf))

	inv.PaidAmount = inv.Total()
	assert.Equal(t, domain.InvoicePaid, inv.SettledStatus(asOf))

	// A refund reopens a paid invoice, as overdue once past the due date.
	inv.Status = domain.InvoicePaid
	inv.PaidAmount = dec("100.00")
	assert.Equal(t, domain.InvoiceSent, inv.SettledStatus(asOf))
	assert.Equal(t, domain.InvoiceOverdue, inv.SettledStatus(date("2025-02-01")))

	inv.Status = domain.InvoiceDraft
	inv.PaidAmount = inv.Total()
	assert.Equal(t, domain.InvoiceDraft, inv.SettledStatus(asOf))
}

func TestPastDueIsStrict(t *testing.T) {
	inv := sampleInvoice()
	assert.False(t, inv.PastDue(date("2025-01-31")))
	assert.True(t, inv.PastDue(date("2025-02-01")))
}

func TestInvoiceTransitions(t *testing.T) {
	allowed := [][2]domain.InvoiceStatus{
		{domain.InvoiceDraft, domain.InvoiceSent},
		{domain.InvoiceDraft, domain.InvoiceCancelled},
		{domain.InvoiceSent, domain.InvoiceOverdue},
		{domain.InvoiceSent, domain.InvoicePaid},
		{domain.InvoiceOverdue, domain.InvoicePaid},
		{domain.InvoicePaid, domain.InvoiceSent},
	}
	for _, tr := range allowed {
		assert.True(t, domain.CanTransitionInvoice(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]domain.InvoiceStatus{
		{domain.InvoiceDraft, domain.InvoicePaid},
		{domain.InvoiceCancelled, domain.InvoiceSent},
		{domain.InvoicePaid, domain.InvoiceCancelled},
		{domain.InvoiceSent, domain.InvoiceDraft},
	}
	for _, tr := range denied {
		assert.False(t, domain.CanTransitionInvoice(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestPaymentTransitionsNeverRepeat(t *testing.T) {
	for _, s := range domain.PaymentStatuses {
		assert.False(t, domain.CanTransitionPayment(s, s), string(s))
	}
	assert.True(t, domain.CanTransitionPayment(domain.PaymentPending, domain.PaymentCompleted))
	assert.True(t, domain.CanTransitionPayment(domain.PaymentCompleted, domain.PaymentRefunded))
	assert.False(t, domain.CanTransitionPayment(domain.PaymentFailed, domain.PaymentCompleted))
	assert.False(t, domain.CanTransitionPayment(domain.PaymentRefunded, domain.PaymentCompleted))
}

func TestOnlySentAndOverdueAreOpen(t *testing.T) {
	for _, st := range []domain.InvoiceStatus{domain.InvoiceSent, domain.InvoiceOverdue} {
		assert.True(t, st.Open(), string(st))
	}
	for _, st := range []domain.InvoiceStatus{domain.InvoiceDraft, domain.InvoicePaid, domain.InvoiceCancelled} {
		assert.False(t, st.Open(), string(st))
	}
}

func TestScopeRequireAll(t *testing.T) {
	assert.NoError(t, domain.FullScope.RequireAll("confirm payment"))

	err := domain.Scope{StudentIDs: []string{"s-1"}}.RequireAll("confirm payment")
	var forbidden *domain.ErrForbidden
	assert.ErrorAs(t, err, &forbidden)
	assert.Equal(t, "confirm payment requires full visibility scope", err.Error())
}

func TestParseInvoiceStatus(t *testing.T) {
	st, err := domain.ParseInvoiceStatus("OVERDUE")
	assert.NoError(t, err)
	assert.Equal(t, domain.InvoiceOverdue, st)

	_, err = domain.ParseInvoiceStatus("OVERPAID")
	assert.Error(t, err)
}

func TestAppendNote(t *testing.T) {
	p := &domain.Payment{}
	p.AppendNote("first")
	p.AppendNote("  ")
	p.AppendNote("second")
	assert.Equal(t, "first\nsecond", p.Notes)
}
