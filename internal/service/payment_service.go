package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var paymentTracer = otel.Tracer("service/payments")

// PaymentService drives the submit → confirm/reject workflow and the
// administrative cancel and refund of payments.
type PaymentService struct {
	deps     Deps
	invoices *InvoiceService
}

// NewPaymentService creates the payment processor. Settlement is delegated to
// the invoice ledger.
func NewPaymentService(deps Deps, invoices *InvoiceService) *PaymentService {
	return &PaymentService{deps: deps.withDefaults(), invoices: invoices}
}

// Submit records a PENDING payment against an invoice visible in scope. The
// amount must not exceed the balance left by COMPLETED payments; pending
// payments do not reserve any of it. The invoice status is not touched.
func (s *PaymentService) Submit(ctx context.Context, actor domain.Actor, scope domain.Scope, in domain.SubmitPaymentInput) (*domain.Payment, error) {
	ctx, span := paymentTracer.Start(ctx, "PaymentService.Submit")
	defer span.End()

	start := time.Now()
	defer func() { s.deps.Metrics.RecordDuration("payment_submit", time.Since(start)) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, &domain.ErrValidation{Field: "amount", Message: "must be greater than zero"}
	}
	if !in.Amount.Equal(domain.Round2(in.Amount)) {
		return nil, &domain.ErrValidation{Field: "amount", Message: "at most two fractional digits"}
	}
	if in.InvoiceID == "" {
		return nil, &domain.ErrValidation{Field: "invoice_id", Message: "required"}
	}
	code := domain.NormalizeMethodCode(in.MethodCode)
	if code == "" {
		return nil, &domain.ErrValidation{Field: "payment_method", Message: "required"}
	}
	paymentDate := s.deps.today()
	if in.PaymentDate != nil {
		paymentDate = domain.Day(*in.PaymentDate)
	}

	// The counter may live on the same connection pool as the ledger, so the
	// reference is drawn before the unit of work holds a connection.
	reference, err := s.deps.Sequence.Next(ctx, SequencePayment, paymentDate)
	if err != nil {
		return nil, err
	}

	var (
		rec recorder
		out *domain.Payment
	)
	err = s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		rec.reset()
		inv, err := tx.GetInvoice(ctx, in.InvoiceID, false)
		if err != nil {
			return err
		}
		if !scope.AllowsStudent(inv.StudentID) {
			return &domain.ErrNotFound{Resource: "invoice", ID: in.InvoiceID}
		}
		if !inv.Status.Open() {
			return &domain.ErrState{Entity: "invoice", ID: inv.Number, Status: string(inv.Status), Action: "pay"}
		}

		method, err := tx.GetPaymentMethodByCode(ctx, code)
		if err != nil {
			return err
		}
		if !method.Active {
			return &domain.ErrValidation{Field: "payment_method", Message: "payment method " + method.Code + " is not active"}
		}
		ref := strings.TrimSpace(in.TransactionID)
		if method.RequiresReference && ref == "" {
			return &domain.ErrValidation{Field: "transaction_id", Message: "required for payment method " + method.Code}
		}
		if balance := inv.Balance(); in.Amount.GreaterThan(balance) {
			return &domain.ErrValidation{
				Field:   "amount",
				Message: "exceeds outstanding balance " + domain.FormatMoney(balance),
			}
		}

		now := s.deps.now()
		p := &domain.Payment{
			ID:              uuid.New().String(),
			Reference:       reference,
			InvoiceID:       inv.ID,
			InvoiceNumber:   inv.Number,
			StudentID:       inv.StudentID,
			MethodID:        method.ID,
			MethodCode:      method.Code,
			Amount:          domain.Round2(in.Amount),
			TransactionID:   ref,
			PaymentDate:     paymentDate,
			Status:          domain.PaymentPending,
			Notes:           strings.TrimSpace(in.Notes),
			GatewayResponse: in.GatewayResponse,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		rec.add(actor, domain.ActionCreate, "payment", p.ID, now, map[string]any{
			"payment_reference": p.Reference,
			"invoice_number":    inv.Number,
			"amount":            domain.FormatMoney(p.Amount),
			"method":            p.MethodCode,
		})
		rec.then(func() { s.deps.Metrics.IncrPaymentEvent("submitted") })
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.flush(ctx, s.deps.Audit)

	span.SetAttributes(attribute.String("payment.reference", out.Reference))
	s.deps.Logger.Info("payment submitted",
		zap.String("payment_reference", out.Reference),
		zap.String("invoice_number", out.InvoiceNumber),
		zap.String("amount", domain.FormatMoney(out.Amount)),
		zap.String("method", out.MethodCode),
		zap.String("actor", actor.ID),
	)
	return out, nil
}

// transition moves a payment between statuses in one unit of work. When
// settle is set the owning invoice is locked first, so concurrent settlements
// of the same invoice serialise, and settled after the payment is written.
// Payments outside scope are reported as not found.
func (s *PaymentService) transition(ctx context.Context, actor domain.Actor, scope domain.Scope, id string, action string, allowed []domain.PaymentStatus, to domain.PaymentStatus, note string, settle bool) (*domain.Payment, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	var (
		rec recorder
		out *domain.Payment
	)
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		rec.reset()
		if settle {
			peek, err := tx.GetPayment(ctx, id, false)
			if err != nil {
				return err
			}
			if !scope.AllowsStudent(peek.StudentID) {
				return &domain.ErrNotFound{Resource: "payment", ID: id}
			}
			if _, err := tx.GetInvoice(ctx, peek.InvoiceID, true); err != nil {
				return err
			}
		}

		p, err := tx.GetPayment(ctx, id, true)
		if err != nil {
			return err
		}
		if !scope.AllowsStudent(p.StudentID) {
			return &domain.ErrNotFound{Resource: "payment", ID: id}
		}
		if !slices.Contains(allowed, p.Status) || !domain.CanTransitionPayment(p.Status, to) {
			return &domain.ErrState{Entity: "payment", ID: p.Reference, Status: string(p.Status), Action: action}
		}

		from := p.Status
		now := s.deps.now()
		p.Status = to
		p.UpdatedAt = now
		if to != domain.PaymentRefunded {
			p.ProcessedDate = &now
		}
		p.AppendNote(note)
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		rec.add(actor, domain.ActionTransit, "payment", p.ID, now, map[string]any{
			"payment_reference": p.Reference,
			"from":              from,
			"to":                to,
			"amount":            domain.FormatMoney(p.Amount),
		})

		if settle {
			if _, err := s.invoices.settle(ctx, tx, &rec, actor, p.InvoiceID); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.flush(ctx, s.deps.Audit)
	return out, nil
}

// Confirm completes a PENDING payment, stamps the processed date, appends the
// administrative note and settles the owning invoice in the same unit of
// work. Confirming twice fails with a state error and counts nothing. Only a
// caller with full scope may confirm.
func (s *PaymentService) Confirm(ctx context.Context, actor domain.Actor, scope domain.Scope, id, note string) (*domain.Payment, error) {
	ctx, span := paymentTracer.Start(ctx, "PaymentService.Confirm")
	defer span.End()

	if err := scope.RequireAll("confirm payment"); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { s.deps.Metrics.RecordDuration("payment_confirm", time.Since(start)) }()

	p, err := s.transition(ctx, actor, scope, id, "confirm",
		[]domain.PaymentStatus{domain.PaymentPending}, domain.PaymentCompleted, note, true)
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.IncrPaymentEvent("confirmed")
	s.deps.Metrics.AddCollected(p.Amount)
	s.deps.Logger.Info("payment confirmed",
		zap.String("payment_reference", p.Reference),
		zap.String("amount", domain.FormatMoney(p.Amount)),
		zap.String("actor", actor.ID),
	)
	return p, nil
}

// Reject fails a PENDING payment. The invoice balance is unaffected.
func (s *PaymentService) Reject(ctx context.Context, actor domain.Actor, scope domain.Scope, id, note string) (*domain.Payment, error) {
	ctx, span := paymentTracer.Start(ctx, "PaymentService.Reject")
	defer span.End()

	if err := scope.RequireAll("reject payment"); err != nil {
		return nil, err
	}

	p, err := s.transition(ctx, actor, scope, id, "reject",
		[]domain.PaymentStatus{domain.PaymentPending}, domain.PaymentFailed, note, false)
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.IncrPaymentEvent("rejected")
	s.deps.Logger.Info("payment rejected",
		zap.String("payment_reference", p.Reference),
		zap.String("actor", actor.ID),
	)
	return p, nil
}

// Cancel withdraws a payment that has not been processed yet.
func (s *PaymentService) Cancel(ctx context.Context, actor domain.Actor, scope domain.Scope, id, note string) (*domain.Payment, error) {
	ctx, span := paymentTracer.Start(ctx, "PaymentService.Cancel")
	defer span.End()

	p, err := s.transition(ctx, actor, scope, id, "cancel",
		[]domain.PaymentStatus{domain.PaymentPending, domain.PaymentProcessing}, domain.PaymentCancelled, note, false)
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.IncrPaymentEvent("cancelled")
	s.deps.Logger.Info("payment cancelled", zap.String("payment_reference", p.Reference), zap.String("actor", actor.ID))
	return p, nil
}

// Refund reverses a COMPLETED payment and settles the invoice again, which
// may reopen it.
func (s *PaymentService) Refund(ctx context.Context, actor domain.Actor, scope domain.Scope, id, note string) (*domain.Payment, error) {
	ctx, span := paymentTracer.Start(ctx, "PaymentService.Refund")
	defer span.End()

	if err := scope.RequireAll("refund payment"); err != nil {
		return nil, err
	}

	p, err := s.transition(ctx, actor, scope, id, "refund",
		[]domain.PaymentStatus{domain.PaymentCompleted}, domain.PaymentRefunded, note, true)
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.IncrPaymentEvent("refunded")
	s.deps.Metrics.AddCollected(p.Amount.Neg())
	s.deps.Logger.Info("payment refunded",
		zap.String("payment_reference", p.Reference),
		zap.String("amount", domain.FormatMoney(p.Amount)),
		zap.String("actor", actor.ID),
	)
	return p, nil
}

// Get returns one payment visible in scope.
func (s *PaymentService) Get(ctx context.Context, scope domain.Scope, id string) (*domain.Payment, error) {
	ctx, span := paymentTracer.Start(ctx, "PaymentService.Get")
	defer span.End()

	var out *domain.Payment
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		p, err := tx.GetPayment(ctx, id, false)
		if err != nil {
			return err
		}
		if !scope.AllowsStudent(p.StudentID) {
			return &domain.ErrNotFound{Resource: "payment", ID: id}
		}
		out = p
		return nil
	})
	return out, err
}

// List returns the payments matching filter within filter.Scope.
func (s *PaymentService) List(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error) {
	ctx, span := paymentTracer.Start(ctx, "PaymentService.List")
	defer span.End()

	var out []domain.Payment
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.ListPayments(ctx, filter)
		return err
	})
	return out, err
}
