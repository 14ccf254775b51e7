package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Payments
// ============================================================

// PaymentStatus is the lifecycle status of a payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// PaymentStatuses lists the fixed status enum.
var PaymentStatuses = []PaymentStatus{
	PaymentPending, PaymentProcessing, PaymentCompleted,
	PaymentFailed, PaymentCancelled, PaymentRefunded,
}

// ParsePaymentStatus validates a status string against the enum.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	for _, s := range PaymentStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", &ErrValidation{Field: "status", Message: "unknown payment status: " + raw}
}

var paymentTransitions = map[PaymentStatus]map[PaymentStatus]struct{}{
	PaymentPending: {
		PaymentProcessing: {},
		PaymentCompleted:  {},
		PaymentFailed:     {},
		PaymentCancelled:  {},
	},
	PaymentProcessing: {
		PaymentCompleted: {},
		PaymentFailed:    {},
		PaymentCancelled: {},
	},
	PaymentCompleted: {PaymentRefunded: {}},
	PaymentFailed:    {},
	PaymentCancelled: {},
	PaymentRefunded:  {},
}

// CanTransitionPayment returns whether a payment may move between statuses.
// Self transitions are never allowed: confirming twice must fail.
func CanTransitionPayment(from, to PaymentStatus) bool {
	allowed, ok := paymentTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Payment is money received (or claimed) against one invoice.
type Payment struct {
	ID              string          `json:"id"`
	Reference       string          `json:"payment_reference"`
	InvoiceID       string          `json:"invoice_id"`
	InvoiceNumber   string          `json:"invoice_number,omitempty"`
	StudentID       string          `json:"student_id"`
	MethodID        string          `json:"payment_method_id"`
	MethodCode      string          `json:"payment_method_code"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	PaymentDate     time.Time       `json:"payment_date"`
	ProcessedDate   *time.Time      `json:"processed_date,omitempty"`
	Status          PaymentStatus   `json:"status"`
	Notes           string          `json:"notes,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AppendNote adds an administrative note on its own line.
func (p *Payment) AppendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if p.Notes == "" {
		p.Notes = note
		return
	}
	p.Notes += "\n" + note
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	Scope     Scope
	InvoiceID string
	Statuses  []PaymentStatus
	DateFrom  *time.Time
	DateTo    *time.Time
}

// SubmitPaymentInput is what the payer-facing flow hands over on submission.
type SubmitPaymentInput struct {
	InvoiceID       string
	MethodCode      string
	Amount          decimal.Decimal
	TransactionID   string
	PaymentDate     *time.Time
	Notes           string
	GatewayResponse json.RawMessage
}
