package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Invoices
// ============================================================

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "DRAFT"
	InvoiceSent      InvoiceStatus = "SENT"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceOverdue   InvoiceStatus = "OVERDUE"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// InvoiceStatuses lists the fixed status enum.
var InvoiceStatuses = []InvoiceStatus{InvoiceDraft, InvoiceSent, InvoicePaid, InvoiceOverdue, InvoiceCancelled}

// ParseInvoiceStatus validates a status string against the enum.
func ParseInvoiceStatus(raw string) (InvoiceStatus, error) {
	for _, s := range InvoiceStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", &ErrValidation{Field: "status", Message: "unknown invoice status: " + raw}
}

var invoiceTransitions = map[InvoiceStatus]map[InvoiceStatus]struct{}{
	InvoiceDraft: {InvoiceSent: {}, InvoiceCancelled: {}},
	InvoiceSent: {
		InvoiceOverdue:   {},
		InvoicePaid:      {},
		InvoiceCancelled: {},
	},
	InvoiceOverdue: {
		InvoiceSent:      {},
		InvoicePaid:      {},
		InvoiceCancelled: {},
	},
	// A refund can reopen a paid invoice.
	InvoicePaid:      {InvoiceSent: {}, InvoiceOverdue: {}},
	InvoiceCancelled: {},
}

// CanTransitionInvoice returns whether an invoice may move from one status to another.
func CanTransitionInvoice(from, to InvoiceStatus) bool {
	if from == to {
		return true
	}
	allowed, ok := invoiceTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Open reports whether the invoice is billed and not yet settled or
// cancelled. Only open invoices accept new payments.
func (s InvoiceStatus) Open() bool {
	return s == InvoiceSent || s == InvoiceOverdue
}

// InvoiceItem is one line of an invoice.
type InvoiceItem struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoice_id"`
	FeeTypeID   string          `json:"fee_type_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Position    int             `json:"position"`
}

// Total is quantity × unit price rounded to cents.
func (it InvoiceItem) Total() decimal.Decimal {
	return Round2(it.Quantity.Mul(it.UnitPrice))
}

// Validate checks the line amounts.
func (it InvoiceItem) Validate() error {
	if it.FeeTypeID == "" {
		return &ErrValidation{Field: "fee_type_id", Message: "required"}
	}
	if it.Description == "" {
		return &ErrValidation{Field: "description", Message: "required"}
	}
	if !it.Quantity.IsPositive() {
		return &ErrValidation{Field: "quantity", Message: "must be greater than zero"}
	}
	if it.UnitPrice.LessThan(decimal.New(1, -MoneyScale)) {
		return &ErrValidation{Field: "unit_price", Message: "must be at least 0.01"}
	}
	return nil
}

// Invoice is a billing document for one student.
//
// Subtotal, Total and Balance are derived on read from Items, Discount and
// PaidAmount; they have no setters.
type Invoice struct {
	ID        string
	Number    string
	StudentID string
	ParentID  *string
	IssueDate time.Time
	DueDate   time.Time
	Discount  decimal.Decimal
	Status    InvoiceStatus
	Notes     string
	Items     []InvoiceItem

	// PaidAmount is the sum of COMPLETED payments, loaded by the store.
	PaidAmount decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subtotal is the sum of item totals.
func (inv *Invoice) Subtotal() decimal.Decimal {
	total := Zero
	for _, it := range inv.Items {
		total = total.Add(it.Total())
	}
	return total
}

// Total is subtotal minus discount.
func (inv *Invoice) Total() decimal.Decimal {
	return inv.Subtotal().Sub(inv.Discount)
}

// Balance is total minus completed payments. Negative means a credit.
func (inv *Invoice) Balance() decimal.Decimal {
	return inv.Total().Sub(inv.PaidAmount)
}

// Overpaid reports a negative balance.
func (inv *Invoice) Overpaid() bool {
	return inv.Balance().IsNegative()
}

// Credit is the overpaid amount, zero when not overpaid.
func (inv *Invoice) Credit() decimal.Decimal {
	if b := inv.Balance(); b.IsNegative() {
		return b.Neg()
	}
	return Zero
}

// PastDue reports whether the due date lies strictly before asOf.
func (inv *Invoice) PastDue(asOf time.Time) bool {
	return Day(inv.DueDate).Before(Day(asOf))
}

// ValidateDiscount checks 0 ≤ discount ≤ subtotal.
func (inv *Invoice) ValidateDiscount(discount decimal.Decimal) error {
	if discount.IsNegative() {
		return &ErrValidation{Field: "discount", Message: "must not be negative"}
	}
	if discount.GreaterThan(inv.Subtotal()) {
		return &ErrValidation{Field: "discount", Message: "must not exceed subtotal " + FormatMoney(inv.Subtotal())}
	}
	return nil
}

// SettledStatus computes the status an invoice should carry after its set of
// completed payments changed. Only open or paid invoices are affected.
func (inv *Invoice) SettledStatus(asOf time.Time) InvoiceStatus {
	switch inv.Status {
	case InvoiceSent, InvoiceOverdue:
		if !inv.Balance().IsPositive() {
			return InvoicePaid
		}
	case InvoicePaid:
		if inv.Balance().IsPositive() {
			if inv.PastDue(asOf) {
				return InvoiceOverdue
			}
			return InvoiceSent
		}
	}
	return inv.Status
}

// InvoiceView is the read model exposed to collaborators.
type InvoiceView struct {
	ID         string            `json:"id"`
	Number     string            `json:"invoice_number"`
	StudentID  string            `json:"student_id"`
	ParentID   *string           `json:"parent_id,omitempty"`
	IssueDate  string            `json:"issue_date"`
	DueDate    string            `json:"due_date"`
	Subtotal   decimal.Decimal   `json:"subtotal"`
	Discount   decimal.Decimal   `json:"discount"`
	Total      decimal.Decimal   `json:"total_amount"`
	PaidAmount decimal.Decimal   `json:"paid_amount"`
	Balance    decimal.Decimal   `json:"balance"`
	Credit     decimal.Decimal   `json:"credit"`
	Overpaid   bool              `json:"overpaid"`
	Status     InvoiceStatus     `json:"status"`
	Notes      string            `json:"notes,omitempty"`
	Items      []InvoiceItemView `json:"items"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// InvoiceItemView is the read model of an invoice line.
type InvoiceItemView struct {
	InvoiceItem
	Total decimal.Decimal `json:"total"`
}

// View renders the invoice read model.
func (inv *Invoice) View() InvoiceView {
	items := make([]InvoiceItemView, 0, len(inv.Items))
	for _, it := range inv.Items {
		items = append(items, InvoiceItemView{InvoiceItem: it, Total: it.Total()})
	}
	return InvoiceView{
		ID:         inv.ID,
		Number:     inv.Number,
		StudentID:  inv.StudentID,
		ParentID:   inv.ParentID,
		IssueDate:  inv.IssueDate.Format(DateLayout),
		DueDate:    inv.DueDate.Format(DateLayout),
		Subtotal:   inv.Subtotal(),
		Discount:   inv.Discount,
		Total:      inv.Total(),
		PaidAmount: inv.PaidAmount,
		Balance:    inv.Balance(),
		Credit:     inv.Credit(),
		Overpaid:   inv.Overpaid(),
		Status:     inv.Status,
		Notes:      inv.Notes,
		Items:      items,
		CreatedAt:  inv.CreatedAt,
		UpdatedAt:  inv.UpdatedAt,
	}
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	Scope            Scope
	IDs              []string
	StudentID        string
	Statuses         []InvoiceStatus
	IssuedOnOrBefore *time.Time
	Limit            int
	Offset           int
}
