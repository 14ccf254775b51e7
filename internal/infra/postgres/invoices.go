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

func (t *tx) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	m := toInvoiceModel(inv)
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Message: "invoice number collision: " + inv.Number}
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (t *tx) GetInvoice(ctx context.Context, id string, forUpdate bool) (*domain.Invoice, error) {
	q := t.db.WithContext(ctx)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var m invoiceModel
	if err := q.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err, "invoice", id)
	}
	if err := t.db.WithContext(ctx).Where("invoice_id = ?", id).Order("position").Find(&m.Items).Error; err != nil {
		return nil, fmt.Errorf("load items of %s: %w", id, err)
	}

	paid, err := t.paidAmounts(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	inv := m.toDomain(paid[id])
	return &inv, nil
}

func (t *tx) ListInvoices(ctx context.Context, f domain.InvoiceFilter) ([]domain.Invoice, error) {
	q := scopeClause(t.db.WithContext(ctx).Model(&invoiceModel{}), f.Scope, "student_id")
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if f.StudentID != "" {
		q = q.Where("student_id = ?", f.StudentID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", lo.Map(f.Statuses, func(s domain.InvoiceStatus, _ int) string { return string(s) }))
	}
	if f.IssuedOnOrBefore != nil {
		q = q.Where("issue_date <= ?", domain.Day(*f.IssuedOnOrBefore))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var rows []invoiceModel
	err := q.Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Order("created_at, invoice_number").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	paid, err := t.paidAmounts(ctx, lo.Map(rows, func(m invoiceModel, _ int) string { return m.ID }))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Invoice, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain(paid[m.ID]))
	}
	return out, nil
}

// paidAmounts sums COMPLETED payments per invoice. Invoices without any are absent.
func (t *tx) paidAmounts(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []struct {
		InvoiceID string
		Paid      decimal.Decimal
	}
	err := t.db.WithContext(ctx).Model(&paymentModel{}).
		Select("invoice_id, COALESCE(SUM(amount), 0) AS paid").
		Where("status = ? AND invoice_id IN ?", string(domain.PaymentCompleted), ids).
		Group("invoice_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sum completed payments: %w", err)
	}
	for _, r := range rows {
		out[r.InvoiceID] = r.Paid
	}
	return out, nil
}

func (t *tx) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	m := toInvoiceModel(inv)
	res := t.db.WithContext(ctx).Model(&invoiceModel{}).Where("id = ?", inv.ID).Updates(map[string]any{
		"parent_id":    m.ParentID,
		"issue_date":   m.IssueDate,
		"due_date":     m.DueDate,
		"subtotal":     m.Subtotal,
		"discount":     m.Discount,
		"total_amount": m.TotalAmount,
		"status":       m.Status,
		"notes":        m.Notes,
		"updated_at":   m.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update invoice %s: %w", inv.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.ErrNotFound{Resource: "invoice", ID: inv.ID}
	}
	return nil
}

func (t *tx) ReplaceItems(ctx context.Context, invoiceID string, items []domain.InvoiceItem) error {
	db := t.db.WithContext(ctx)
	if err := db.Where("invoice_id = ?", invoiceID).Delete(&invoiceItemModel{}).Error; err != nil {
		return fmt.Errorf("delete items of %s: %w", invoiceID, err)
	}
	if len(items) == 0 {
		return nil
	}
	rows := toItemModels(invoiceID, items)
	if err := db.Create(&rows).Error; err != nil {
		return fmt.Errorf("insert items of %s: %w", invoiceID, err)
	}
	return nil
}
