package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func TestInvoiceModelStoresDerivedTotals(t *testing.T) {
	inv := &domain.Invoice{
		ID:        "i-1",
		Number:    "INV2025010001",
		StudentID: "s-1",
		IssueDate: time.Date(2025, 1, 2, 15, 4, 0, 0, time.UTC),
		DueDate:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		Discount:  decimal.RequireFromString("25.00"),
		Status:    domain.InvoiceSent,
		Items: []domain.InvoiceItem{
			{ID: "a", FeeTypeID: "ft", Description: "Tuition", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("400.00"), Position: 1},
			{ID: "b", FeeTypeID: "ft", Description: "Books", Quantity: decimal.NewFromInt(3), UnitPrice: decimal.RequireFromString("33.33"), Position: 2},
		},
	}

	m := toInvoiceModel(inv)
	assert.Equal(t, "499.99", m.Subtotal.StringFixed(2))
	assert.Equal(t, "474.99", m.TotalAmount.StringFixed(2))
	assert.Equal(t, "99.99", m.Items[1].Total.StringFixed(2))
	assert.True(t, m.IssueDate.Equal(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))

	back := m.toDomain(decimal.RequireFromString("100.00"))
	assert.Equal(t, inv.Number, back.Number)
	require.Len(t, back.Items, 2)
	assert.Equal(t, "374.99", domain.FormatMoney(back.Balance()))
}

func TestPaymentModelKeepsGatewayPayload(t *testing.T) {
	p := &domain.Payment{
		ID:              "p-1",
		Reference:       "PAY2025010001",
		InvoiceID:       "i-1",
		Amount:          decimal.RequireFromString("50.00"),
		PaymentDate:     time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC),
		Status:          domain.PaymentPending,
		GatewayResponse: json.RawMessage(`{"provider":"mpesa","code":0}`),
	}

	m := toPaymentModel(p)
	m.Invoice = &invoiceModel{Number: "INV2025010001"}
	back := m.toDomain()

	assert.JSONEq(t, `{"provider":"mpesa","code":0}`, string(back.GatewayResponse))
	assert.Equal(t, "INV2025010001", back.InvoiceNumber)
	assert.True(t, back.PaymentDate.Equal(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))

	m.GatewayResponse = nil
	assert.Nil(t, m.toDomain().GatewayResponse)
}

func TestReportModelRoundTrip(t *testing.T) {
	pct := decimal.RequireFromString("10.00")
	r := &domain.DailyFinancialReport{
		ID:            "r-1",
		ReportDate:    time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC),
		PaymentsCount: 1,
		PaymentsTotal: decimal.RequireFromString("1100.00"),
		PaymentsByType: map[string]decimal.Decimal{
			domain.BucketCash:  decimal.RequireFromString("1000.00"),
			domain.BucketOther: decimal.RequireFromString("100.00"),
		},
		PreviousDay: domain.Trend{
			Available:     true,
			PreviousTotal: decimal.RequireFromString("1000.00"),
			Change:        decimal.RequireFromString("100.00"),
			Percent:       &pct,
		},
		PreviousWeek: domain.Trend{PreviousTotal: decimal.Zero, Change: decimal.Zero},
		Details: domain.ReportDetails{
			TopPayers: []domain.TopPayer{{StudentID: "s-1", Amount: decimal.RequireFromString("1100.00"), Payments: 1}},
			Aging:     map[string]domain.CountAmount{domain.Aging0To30: {Count: 1, Amount: decimal.RequireFromString("500.00")}},
		},
		Sent: true,
	}

	m := toReportModel(r)
	assert.Nil(t, m.PreviousWeekTotal)
	require.NotNil(t, m.PreviousDayTotal)
	assert.True(t, m.PaymentsCheck.IsZero())
	assert.True(t, m.EmailSent)

	back := m.toDomain()
	assert.True(t, back.PreviousDay.Available)
	require.NotNil(t, back.PreviousDay.Percent)
	assert.Equal(t, "10.00", back.PreviousDay.Percent.StringFixed(2))
	assert.False(t, back.PreviousWeek.Available)
	assert.Equal(t, "100.00", back.PaymentsByType[domain.BucketOther].StringFixed(2))
	assert.Len(t, back.PaymentsByType, len(domain.ReportBuckets))
	assert.Equal(t, "s-1", back.Details.TopPayers[0].StudentID)
	assert.Equal(t, 1, back.Details.Aging[domain.Aging0To30].Count)
}

func TestErrorClassification(t *testing.T) {
	serialization := fmt.Errorf("commit: %w", &pgconn.PgError{Code: codeSerializationFailure})
	deadlock := &pgconn.PgError{Code: codeDeadlockDetected}
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation})

	assert.True(t, isRetryable(serialization))
	assert.True(t, isRetryable(deadlock))
	assert.False(t, isRetryable(unique))
	assert.False(t, isRetryable(errors.New("connection reset")))

	assert.True(t, isUniqueViolation(unique))
	assert.False(t, isUniqueViolation(serialization))

	var nf *domain.ErrNotFound
	require.ErrorAs(t, notFound(gorm.ErrRecordNotFound, "invoice", "i-9"), &nf)
	assert.Equal(t, "i-9", nf.ID)
	assert.False(t, errors.As(notFound(errors.New("timeout"), "invoice", "i-9"), &nf))
}

func TestReportPercentColumnsHoldLargeSwings(t *testing.T) {
	sch, err := schema.Parse(&reportModel{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)

	// 0.50 one day and 50000.00 the next is a 9999900% increase.
	for _, column := range []string{
		"payments_diff_previous_day_percent",
		"payments_diff_previous_week_percent",
		"collection_rate",
	} {
		field := sch.LookUpField(column)
		require.NotNil(t, field, column)
		assert.Equal(t, "numeric(15,2)", field.TagSettings["TYPE"], column)
	}
}
