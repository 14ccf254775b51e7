package postgres

import (
	"context"
	"fmt"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (t *tx) CreatePayment(ctx context.Context, p *domain.Payment) error {
	m := toPaymentModel(p)
	if err := t.db.WithContext(ctx).Omit("Invoice").Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Message: "payment reference collision: " + p.Reference}
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *tx) GetPayment(ctx context.Context, id string, forUpdate bool) (*domain.Payment, error) {
	q := t.db.WithContext(ctx)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var m paymentModel
	if err := q.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err, "payment", id)
	}
	var inv invoiceModel
	if err := t.db.WithContext(ctx).Select("id, invoice_number").Where("id = ?", m.InvoiceID).First(&inv).Error; err == nil {
		m.Invoice = &inv
	}
	p := m.toDomain()
	return &p, nil
}

func (t *tx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	m := toPaymentModel(p)
	res := t.db.WithContext(ctx).Model(&paymentModel{}).Where("id = ?", p.ID).Updates(map[string]any{
		"status":         m.Status,
		"processed_date": m.ProcessedDate,
		"notes":          m.Notes,
		"transaction_id": m.TransactionID,
		"updated_at":     m.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.ErrNotFound{Resource: "payment", ID: p.ID}
	}
	return nil
}

func (t *tx) paymentQuery(ctx context.Context, f domain.PaymentFilter) *gorm.DB {
	q := scopeClause(t.db.WithContext(ctx).Model(&paymentModel{}), f.Scope, "student_id")
	if f.InvoiceID != "" {
		q = q.Where("invoice_id = ?", f.InvoiceID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", lo.Map(f.Statuses, func(s domain.PaymentStatus, _ int) string { return string(s) }))
	}
	if f.DateFrom != nil {
		q = q.Where("payment_date >= ?", domain.Day(*f.DateFrom))
	}
	if f.DateTo != nil {
		q = q.Where("payment_date <= ?", domain.Day(*f.DateTo))
	}
	return q
}

func (t *tx) ListPayments(ctx context.Context, f domain.PaymentFilter) ([]domain.Payment, error) {
	var rows []paymentModel
	err := t.paymentQuery(ctx, f).
		Preload("Invoice", func(db *gorm.DB) *gorm.DB { return db.Select("id, invoice_number") }).
		Order("created_at, payment_reference").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return lo.Map(rows, func(m paymentModel, _ int) domain.Payment { return m.toDomain() }), nil
}

func (t *tx) SumPayments(ctx context.Context, f domain.PaymentFilter) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := t.paymentQuery(ctx, f).Select("COALESCE(SUM(amount), 0)").Scan(&total).Error; err != nil {
		return decimal.Zero, fmt.Errorf("sum payments: %w", err)
	}
	return total, nil
}
