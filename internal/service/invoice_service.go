package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/port"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var invoiceTracer = otel.Tracer("service/invoices")

const defaultBulkConcurrency = 4

// InvoiceService owns invoices and their items. Totals, balance and credit
// are derived from the stored items, discount and completed payments.
type InvoiceService struct {
	deps        Deps
	catalog     *CatalogService
	concurrency int
}

// NewInvoiceService creates the invoice ledger. concurrency bounds the bulk
// generation workers.
func NewInvoiceService(deps Deps, catalog *CatalogService, concurrency int) *InvoiceService {
	if concurrency < 1 {
		concurrency = defaultBulkConcurrency
	}
	return &InvoiceService{deps: deps.withDefaults(), catalog: catalog, concurrency: concurrency}
}

// ItemInput is one invoice line as supplied by the caller.
type ItemInput struct {
	FeeTypeID   string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// CreateInvoiceInput describes a new draft invoice. IssueDate defaults to today.
type CreateInvoiceInput struct {
	StudentID string
	ParentID  *string
	IssueDate *time.Time
	DueDate   time.Time
	Items     []ItemInput
	Discount  decimal.Decimal
	Notes     string
}

// ============================================================
// Drafts
// ============================================================

// CreateDraft stores a DRAFT invoice numbered from the issue month sequence.
// The student must be visible in scope.
func (s *InvoiceService) CreateDraft(ctx context.Context, actor domain.Actor, scope domain.Scope, in CreateInvoiceInput) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.CreateDraft")
	defer span.End()

	start := time.Now()
	defer func() { s.deps.Metrics.RecordDuration("invoice_create", time.Since(start)) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if in.StudentID != "" && !scope.AllowsStudent(in.StudentID) {
		return nil, &domain.ErrNotFound{Resource: "student", ID: in.StudentID}
	}
	inv, err := s.newDraft(in)
	if err != nil {
		return nil, err
	}

	inv.Number, err = s.deps.Sequence.Next(ctx, SequenceInvoice, inv.IssueDate)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("invoice.number", inv.Number))

	feeTypes := lo.Uniq(lo.Map(inv.Items, func(it domain.InvoiceItem, _ int) string { return it.FeeTypeID }))

	var rec recorder
	err = s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		rec.reset()
		for _, id := range feeTypes {
			if _, err := tx.GetFeeType(ctx, id); err != nil {
				return err
			}
		}
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		rec.add(actor, domain.ActionCreate, "invoice", inv.ID, inv.CreatedAt, map[string]any{
			"invoice_number": inv.Number,
			"student_id":     inv.StudentID,
			"total_amount":   domain.FormatMoney(inv.Total()),
		})
		rec.then(func() { s.deps.Metrics.IncrInvoiceEvent("created") })
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.flush(ctx, s.deps.Audit)

	s.deps.Logger.Info("invoice created",
		zap.String("invoice_number", inv.Number),
		zap.String("student_id", inv.StudentID),
		zap.String("total_amount", domain.FormatMoney(inv.Total())),
		zap.String("actor", actor.ID),
	)
	return inv, nil
}

func (s *InvoiceService) newDraft(in CreateInvoiceInput) (*domain.Invoice, error) {
	studentID := strings.TrimSpace(in.StudentID)
	if studentID == "" {
		return nil, &domain.ErrValidation{Field: "student_id", Message: "required"}
	}
	issue := s.deps.today()
	if in.IssueDate != nil {
		issue = domain.Day(*in.IssueDate)
	}
	if in.DueDate.IsZero() {
		return nil, &domain.ErrValidation{Field: "due_date", Message: "required"}
	}
	due := domain.Day(in.DueDate)
	if due.Before(issue) {
		return nil, &domain.ErrValidation{Field: "due_date", Message: "must not be before issue_date"}
	}

	now := s.deps.now()
	inv := &domain.Invoice{
		ID:        uuid.New().String(),
		StudentID: studentID,
		ParentID:  in.ParentID,
		IssueDate: issue,
		DueDate:   due,
		Status:    domain.InvoiceDraft,
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	items, err := buildItems(inv.ID, in.Items)
	if err != nil {
		return nil, err
	}
	inv.Items = items

	discount := domain.Round2(in.Discount)
	if err := inv.ValidateDiscount(discount); err != nil {
		return nil, err
	}
	inv.Discount = discount
	return inv, nil
}

func buildItems(invoiceID string, inputs []ItemInput) ([]domain.InvoiceItem, error) {
	items := make([]domain.InvoiceItem, 0, len(inputs))
	for i, in := range inputs {
		it, err := buildItem(invoiceID, in)
		if err != nil {
			return nil, itemError(i, err)
		}
		it.Position = i + 1
		items = append(items, it)
	}
	return items, nil
}

func buildItem(invoiceID string, in ItemInput) (domain.InvoiceItem, error) {
	it := domain.InvoiceItem{
		ID:          uuid.New().String(),
		InvoiceID:   invoiceID,
		FeeTypeID:   in.FeeTypeID,
		Description: strings.TrimSpace(in.Description),
		Quantity:    in.Quantity,
		UnitPrice:   domain.Round2(in.UnitPrice),
	}
	return it, it.Validate()
}

func itemError(i int, err error) error {
	if ve, ok := err.(*domain.ErrValidation); ok {
		return &domain.ErrValidation{Field: fmt.Sprintf("items[%d].%s", i, ve.Field), Message: ve.Message}
	}
	return err
}

func renumber(items []domain.InvoiceItem) {
	for i := range items {
		items[i].Position = i + 1
	}
}

// ============================================================
// Locked mutations
// ============================================================

type mutation struct {
	action  string
	changes map[string]any
	items   bool
	// noop leaves the invoice untouched.
	noop bool
}

// mutate loads the invoice under its row lock, applies fn and writes the
// header, with its re-derived totals, back in the same unit of work. Invoices
// outside scope are reported as not found.
func (s *InvoiceService) mutate(ctx context.Context, actor domain.Actor, scope domain.Scope, id string, fn func(ctx context.Context, tx port.LedgerTx, rec *recorder, inv *domain.Invoice) (mutation, error)) (*domain.Invoice, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	var (
		rec recorder
		out *domain.Invoice
	)
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		rec.reset()
		inv, err := tx.GetInvoice(ctx, id, true)
		if err != nil {
			return err
		}
		if !scope.AllowsStudent(inv.StudentID) {
			return &domain.ErrNotFound{Resource: "invoice", ID: id}
		}
		m, err := fn(ctx, tx, &rec, inv)
		if err != nil {
			return err
		}
		out = inv
		if m.noop {
			return nil
		}
		if m.items {
			if err := tx.ReplaceItems(ctx, inv.ID, inv.Items); err != nil {
				return err
			}
		}
		inv.UpdatedAt = s.deps.now()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if m.action != "" {
			rec.add(actor, m.action, "invoice", inv.ID, inv.UpdatedAt, m.changes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.flush(ctx, s.deps.Audit)
	return out, nil
}

// RecomputeTotals re-derives subtotal and total from the current items and
// rewrites the stored columns.
func (s *InvoiceService) RecomputeTotals(ctx context.Context, actor domain.Actor, scope domain.Scope, id string) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.RecomputeTotals")
	defer span.End()

	return s.mutate(ctx, actor, scope, id, func(_ context.Context, _ port.LedgerTx, _ *recorder, inv *domain.Invoice) (mutation, error) {
		if err := inv.ValidateDiscount(inv.Discount); err != nil {
			return mutation{}, err
		}
		return mutation{action: domain.ActionUpdate, changes: map[string]any{
			"subtotal":     domain.FormatMoney(inv.Subtotal()),
			"total_amount": domain.FormatMoney(inv.Total()),
		}}, nil
	})
}

func requireDraft(inv *domain.Invoice) error {
	if inv.Status != domain.InvoiceDraft {
		return &domain.ErrState{Entity: "invoice", ID: inv.Number, Status: string(inv.Status), Action: "edit items of"}
	}
	return nil
}

// AddItem appends a line to a DRAFT invoice.
func (s *InvoiceService) AddItem(ctx context.Context, actor domain.Actor, scope domain.Scope, invoiceID string, in ItemInput) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.AddItem")
	defer span.End()

	return s.mutate(ctx, actor, scope, invoiceID, func(ctx context.Context, tx port.LedgerTx, _ *recorder, inv *domain.Invoice) (mutation, error) {
		if err := requireDraft(inv); err != nil {
			return mutation{}, err
		}
		it, err := buildItem(inv.ID, in)
		if err != nil {
			return mutation{}, err
		}
		if _, err := tx.GetFeeType(ctx, it.FeeTypeID); err != nil {
			return mutation{}, err
		}
		inv.Items = append(inv.Items, it)
		renumber(inv.Items)
		return mutation{action: domain.ActionUpdate, items: true, changes: map[string]any{
			"item_added":   it.ID,
			"total_amount": domain.FormatMoney(inv.Total()),
		}}, nil
	})
}

// UpdateItem replaces the fee type, description, quantity and price of a line.
func (s *InvoiceService) UpdateItem(ctx context.Context, actor domain.Actor, scope domain.Scope, invoiceID, itemID string, in ItemInput) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.UpdateItem")
	defer span.End()

	return s.mutate(ctx, actor, scope, invoiceID, func(ctx context.Context, tx port.LedgerTx, _ *recorder, inv *domain.Invoice) (mutation, error) {
		if err := requireDraft(inv); err != nil {
			return mutation{}, err
		}
		idx := slices.IndexFunc(inv.Items, func(it domain.InvoiceItem) bool { return it.ID == itemID })
		if idx < 0 {
			return mutation{}, &domain.ErrNotFound{Resource: "invoice item", ID: itemID}
		}
		it, err := buildItem(inv.ID, in)
		if err != nil {
			return mutation{}, err
		}
		if _, err := tx.GetFeeType(ctx, it.FeeTypeID); err != nil {
			return mutation{}, err
		}
		it.ID = itemID
		it.Position = inv.Items[idx].Position
		inv.Items[idx] = it
		if err := inv.ValidateDiscount(inv.Discount); err != nil {
			return mutation{}, err
		}
		return mutation{action: domain.ActionUpdate, items: true, changes: map[string]any{
			"item_updated": itemID,
			"total_amount": domain.FormatMoney(inv.Total()),
		}}, nil
	})
}

// RemoveItem deletes a line. It fails when the remaining subtotal would drop
// below the discount.
func (s *InvoiceService) RemoveItem(ctx context.Context, actor domain.Actor, scope domain.Scope, invoiceID, itemID string) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.RemoveItem")
	defer span.End()

	return s.mutate(ctx, actor, scope, invoiceID, func(_ context.Context, _ port.LedgerTx, _ *recorder, inv *domain.Invoice) (mutation, error) {
		if err := requireDraft(inv); err != nil {
			return mutation{}, err
		}
		idx := slices.IndexFunc(inv.Items, func(it domain.InvoiceItem) bool { return it.ID == itemID })
		if idx < 0 {
			return mutation{}, &domain.ErrNotFound{Resource: "invoice item", ID: itemID}
		}
		inv.Items = slices.Delete(inv.Items, idx, idx+1)
		renumber(inv.Items)
		if err := inv.ValidateDiscount(inv.Discount); err != nil {
			return mutation{}, err
		}
		return mutation{action: domain.ActionUpdate, items: true, changes: map[string]any{
			"item_removed": itemID,
			"total_amount": domain.FormatMoney(inv.Total()),
		}}, nil
	})
}

// ApplyDiscount sets the discount, 0 ≤ amount ≤ subtotal, and settles the
// invoice again since the total moved.
func (s *InvoiceService) ApplyDiscount(ctx context.Context, actor domain.Actor, scope domain.Scope, id string, amount decimal.Decimal) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.ApplyDiscount")
	defer span.End()

	return s.mutate(ctx, actor, scope, id, func(_ context.Context, _ port.LedgerTx, rec *recorder, inv *domain.Invoice) (mutation, error) {
		if inv.Status == domain.InvoiceCancelled {
			return mutation{}, &domain.ErrState{Entity: "invoice", ID: inv.Number, Status: string(inv.Status), Action: "discount"}
		}
		amount = domain.Round2(amount)
		if err := inv.ValidateDiscount(amount); err != nil {
			return mutation{}, err
		}
		previous := inv.Discount
		inv.Discount = amount
		s.applySettlement(rec, inv)
		return mutation{action: domain.ActionUpdate, changes: map[string]any{
			"discount":          domain.FormatMoney(amount),
			"previous_discount": domain.FormatMoney(previous),
			"total_amount":      domain.FormatMoney(inv.Total()),
			"status":            inv.Status,
		}}, nil
	})
}

// ============================================================
// Status transitions
// ============================================================

// Send moves a DRAFT invoice with at least one item to SENT. A fully
// discounted invoice is settled right away.
func (s *InvoiceService) Send(ctx context.Context, actor domain.Actor, scope domain.Scope, id string) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.Send")
	defer span.End()

	inv, err := s.mutate(ctx, actor, scope, id, func(ctx context.Context, tx port.LedgerTx, rec *recorder, inv *domain.Invoice) (mutation, error) {
		if inv.Status != domain.InvoiceDraft {
			return mutation{}, &domain.ErrState{Entity: "invoice", ID: inv.Number, Status: string(inv.Status), Action: "send"}
		}
		if err := s.applyStatus(ctx, tx, rec, actor, inv, domain.InvoiceSent); err != nil {
			return mutation{}, err
		}
		s.applySettlement(rec, inv)
		return mutation{action: domain.ActionTransit, changes: map[string]any{"from": domain.InvoiceDraft, "to": inv.Status}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.deps.Logger.Info("invoice sent", zap.String("invoice_number", inv.Number), zap.String("actor", actor.ID))
	return inv, nil
}

// Cancel makes an invoice terminally CANCELLED. Invoices with completed
// payments cannot be cancelled; their open payments are cancelled with them.
func (s *InvoiceService) Cancel(ctx context.Context, actor domain.Actor, scope domain.Scope, id string) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.Cancel")
	defer span.End()

	inv, err := s.mutate(ctx, actor, scope, id, func(ctx context.Context, tx port.LedgerTx, rec *recorder, inv *domain.Invoice) (mutation, error) {
		from := inv.Status
		if err := s.applyStatus(ctx, tx, rec, actor, inv, domain.InvoiceCancelled); err != nil {
			return mutation{}, err
		}
		return mutation{action: domain.ActionTransit, changes: map[string]any{"from": from, "to": inv.Status}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.deps.Logger.Info("invoice cancelled", zap.String("invoice_number", inv.Number), zap.String("actor", actor.ID))
	return inv, nil
}

// applyStatus moves inv to target after checking the transition table and
// the balance guards of the target status. The caller writes inv back.
func (s *InvoiceService) applyStatus(ctx context.Context, tx port.LedgerTx, rec *recorder, actor domain.Actor, inv *domain.Invoice, target domain.InvoiceStatus) error {
	if inv.Status == target || !domain.CanTransitionInvoice(inv.Status, target) {
		return &domain.ErrState{Entity: "invoice", ID: inv.Number, Status: string(inv.Status), Action: "move to " + string(target)}
	}

	asOf := s.deps.today()
	switch target {
	case domain.InvoiceSent:
		if len(inv.Items) == 0 {
			return &domain.ErrValidation{Field: "items", Message: "at least one item is required"}
		}
		if inv.Status == domain.InvoicePaid && !inv.Balance().IsPositive() {
			return &domain.ErrValidation{Field: "status", Message: "invoice has no outstanding balance"}
		}
	case domain.InvoicePaid:
		if inv.Balance().IsPositive() {
			return &domain.ErrValidation{Field: "status", Message: "invoice has an outstanding balance of " + domain.FormatMoney(inv.Balance())}
		}
		rec.then(func() { s.deps.Metrics.IncrInvoiceEvent("paid") })
	case domain.InvoiceOverdue:
		if !inv.PastDue(asOf) || !inv.Balance().IsPositive() {
			return &domain.ErrValidation{Field: "status", Message: "invoice is not past due with an outstanding balance"}
		}
		rec.then(func() { s.deps.Metrics.IncrInvoiceEvent("overdue") })
	case domain.InvoiceCancelled:
		if inv.PaidAmount.IsPositive() {
			return &domain.ErrState{Entity: "invoice", ID: inv.Number, Status: string(inv.Status) + " with completed payments", Action: "cancel"}
		}
		if err := s.cancelOpenPayments(ctx, tx, rec, actor, inv); err != nil {
			return err
		}
		rec.then(func() { s.deps.Metrics.IncrInvoiceEvent("cancelled") })
	}

	inv.Status = target
	return nil
}

func (s *InvoiceService) cancelOpenPayments(ctx context.Context, tx port.LedgerTx, rec *recorder, actor domain.Actor, inv *domain.Invoice) error {
	open, err := tx.ListPayments(ctx, domain.PaymentFilter{
		Scope:     domain.FullScope,
		InvoiceID: inv.ID,
		Statuses:  []domain.PaymentStatus{domain.PaymentPending, domain.PaymentProcessing},
	})
	if err != nil {
		return err
	}
	now := s.deps.now()
	for i := range open {
		p := &open[i]
		from := p.Status
		p.Status = domain.PaymentCancelled
		p.ProcessedDate = &now
		p.UpdatedAt = now
		p.AppendNote("cancelled with invoice " + inv.Number)
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		rec.add(actor, domain.ActionTransit, "payment", p.ID, now, map[string]any{"from": from, "to": p.Status})
	}
	return nil
}

// applySettlement sets the status implied by the current balance and records
// the side effects. Returns whether the status changed.
func (s *InvoiceService) applySettlement(rec *recorder, inv *domain.Invoice) bool {
	next := inv.SettledStatus(s.deps.today())
	if next == inv.Status {
		return false
	}
	inv.Status = next

	number := inv.Number
	credit := inv.Credit()
	switch next {
	case domain.InvoicePaid:
		rec.then(func() {
			s.deps.Metrics.IncrInvoiceEvent("paid")
			s.deps.Logger.Info("invoice paid", zap.String("invoice_number", number))
		})
		if credit.IsPositive() {
			rec.then(func() {
				s.deps.Metrics.IncrOverpaid()
				s.deps.Logger.Warn("invoice overpaid",
					zap.String("invoice_number", number),
					zap.String("credit", domain.FormatMoney(credit)),
				)
			})
		}
	default:
		rec.then(func() {
			s.deps.Metrics.IncrInvoiceEvent("reopened")
			s.deps.Logger.Info("invoice reopened", zap.String("invoice_number", number), zap.String("status", string(next)))
		})
	}
	return true
}

// settle recomputes the status of an invoice whose completed payment set
// changed. It runs inside the caller's unit of work and takes the invoice row
// lock before reading the balance.
func (s *InvoiceService) settle(ctx context.Context, tx port.LedgerTx, rec *recorder, actor domain.Actor, invoiceID string) (*domain.Invoice, error) {
	inv, err := tx.GetInvoice(ctx, invoiceID, true)
	if err != nil {
		return nil, err
	}
	from := inv.Status
	if !s.applySettlement(rec, inv) {
		return inv, nil
	}
	inv.UpdatedAt = s.deps.now()
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	rec.add(actor, domain.ActionTransit, "invoice", inv.ID, inv.UpdatedAt, map[string]any{
		"from":    from,
		"to":      inv.Status,
		"balance": domain.FormatMoney(inv.Balance()),
	})
	return inv, nil
}

// ============================================================
// Bulk operations
// ============================================================

func newBatchResult() *domain.BatchResult {
	return &domain.BatchResult{Succeeded: []string{}, Failed: []domain.BatchFailure{}}
}

// MarkOverdue moves each SENT invoice of ids whose due date lies before asOf
// and that still has a balance to OVERDUE. Other invoices are skipped.
func (s *InvoiceService) MarkOverdue(ctx context.Context, actor domain.Actor, scope domain.Scope, ids []string, asOf time.Time) (*domain.BatchResult, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.MarkOverdue")
	defer span.End()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	asOf, err := s.overdueCutoff(asOf)
	if err != nil {
		return nil, err
	}

	result := newBatchResult()
	for _, id := range lo.Uniq(ids) {
		changed, err := s.markOverdueOne(ctx, actor, scope, id, asOf)
		switch {
		case err != nil:
			result.Fail(id, err)
		case changed:
			result.Succeeded = append(result.Succeeded, id)
		default:
			result.Skipped = append(result.Skipped, id)
		}
	}

	s.deps.Metrics.AddBatchFailures("mark_overdue", len(result.Failed))
	s.deps.Logger.Info("overdue sweep done",
		zap.String("as_of", asOf.Format(domain.DateLayout)),
		zap.Int("marked", len(result.Succeeded)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

func (s *InvoiceService) markOverdueOne(ctx context.Context, actor domain.Actor, scope domain.Scope, id string, asOf time.Time) (bool, error) {
	var (
		rec     recorder
		changed bool
	)
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		rec.reset()
		changed = false
		inv, err := tx.GetInvoice(ctx, id, true)
		if err != nil {
			return err
		}
		if !scope.AllowsStudent(inv.StudentID) {
			return &domain.ErrNotFound{Resource: "invoice", ID: id}
		}
		if inv.Status != domain.InvoiceSent || !inv.PastDue(asOf) || !inv.Balance().IsPositive() {
			return nil
		}
		inv.Status = domain.InvoiceOverdue
		inv.UpdatedAt = s.deps.now()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		rec.add(actor, domain.ActionTransit, "invoice", inv.ID, inv.UpdatedAt, map[string]any{
			"from":     domain.InvoiceSent,
			"to":       domain.InvoiceOverdue,
			"due_date": inv.DueDate.Format(domain.DateLayout),
		})
		rec.then(func() { s.deps.Metrics.IncrInvoiceEvent("overdue") })
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	rec.flush(ctx, s.deps.Audit)
	return changed, nil
}

// overdueCutoff defaults asOf to today and refuses future dates: an invoice
// becomes overdue only once its due date has actually passed.
func (s *InvoiceService) overdueCutoff(asOf time.Time) (time.Time, error) {
	today := s.deps.today()
	if asOf.IsZero() {
		return today, nil
	}
	asOf = domain.Day(asOf)
	if asOf.After(today) {
		return time.Time{}, &domain.ErrValidation{Field: "as_of", Message: "must not be in the future"}
	}
	return asOf, nil
}

// MarkAllOverdue runs MarkOverdue over every SENT invoice past due at asOf.
func (s *InvoiceService) MarkAllOverdue(ctx context.Context, actor domain.Actor, asOf time.Time) (*domain.BatchResult, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.MarkAllOverdue")
	defer span.End()

	asOf, err := s.overdueCutoff(asOf)
	if err != nil {
		return nil, err
	}

	var ids []string
	err = s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		sent, err := tx.ListInvoices(ctx, domain.InvoiceFilter{
			Scope:    domain.FullScope,
			Statuses: []domain.InvoiceStatus{domain.InvoiceSent},
		})
		if err != nil {
			return err
		}
		ids = lo.FilterMap(sent, func(inv domain.Invoice, _ int) (string, bool) {
			return inv.ID, inv.PastDue(asOf) && inv.Balance().IsPositive()
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.MarkOverdue(ctx, actor, domain.FullScope, ids, asOf)
}

// BulkSetStatus moves each invoice of ids to target through the transition
// table. target must be one of the invoice statuses.
func (s *InvoiceService) BulkSetStatus(ctx context.Context, actor domain.Actor, scope domain.Scope, ids []string, target string) (*domain.BatchResult, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.BulkSetStatus")
	defer span.End()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	to, err := domain.ParseInvoiceStatus(strings.ToUpper(strings.TrimSpace(target)))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("invoice.target_status", string(to)))

	result := newBatchResult()
	for _, id := range lo.Uniq(ids) {
		changed, err := s.setStatusOne(ctx, actor, scope, id, to)
		switch {
		case err != nil:
			result.Fail(id, err)
		case changed:
			result.Succeeded = append(result.Succeeded, id)
		default:
			result.Skipped = append(result.Skipped, id)
		}
	}

	s.deps.Metrics.AddBatchFailures("bulk_status", len(result.Failed))
	s.deps.Logger.Info("bulk status change done",
		zap.String("target", string(to)),
		zap.Int("changed", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.String("actor", actor.ID),
	)
	return result, nil
}

func (s *InvoiceService) setStatusOne(ctx context.Context, actor domain.Actor, scope domain.Scope, id string, to domain.InvoiceStatus) (bool, error) {
	changed := false
	_, err := s.mutate(ctx, actor, scope, id, func(ctx context.Context, tx port.LedgerTx, rec *recorder, inv *domain.Invoice) (mutation, error) {
		changed = false
		if inv.Status == to {
			return mutation{noop: true}, nil
		}
		from := inv.Status
		if err := s.applyStatus(ctx, tx, rec, actor, inv, to); err != nil {
			return mutation{}, err
		}
		changed = true
		return mutation{action: domain.ActionTransit, changes: map[string]any{"from": from, "to": to, "bulk": true}}, nil
	})
	return changed, err
}

// GenerateInvoicesInput drives bulk generation from a fee structure.
type GenerateInvoicesInput struct {
	FeeTypeID    string
	Level        string
	AcademicYear string
	StudentIDs   []string
	IssueDate    *time.Time
	// DueDate overrides the due date of the fee structure.
	DueDate *time.Time
	// Send moves every generated invoice to SENT.
	Send bool
}

// GenerateInvoices creates one invoice per student priced from the resolved
// fee structure. Succeeded lists the new invoice numbers; failures are keyed
// by student and never abort the batch. Students outside scope fail as not
// found.
func (s *InvoiceService) GenerateInvoices(ctx context.Context, actor domain.Actor, scope domain.Scope, in GenerateInvoicesInput) (*domain.BatchResult, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.GenerateInvoices")
	defer span.End()

	start := time.Now()
	defer func() { s.deps.Metrics.RecordDuration("invoice_generate", time.Since(start)) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	students := lo.Uniq(lo.Compact(lo.Map(in.StudentIDs, func(id string, _ int) string { return strings.TrimSpace(id) })))
	if len(students) == 0 {
		return nil, &domain.ErrValidation{Field: "student_ids", Message: "at least one student is required"}
	}

	fs, err := s.catalog.ResolveFeeStructure(ctx, domain.FeeStructureKey{
		FeeTypeID:    in.FeeTypeID,
		Level:        strings.TrimSpace(in.Level),
		AcademicYear: strings.TrimSpace(in.AcademicYear),
	})
	if err != nil {
		return nil, err
	}
	ft, err := s.catalog.GetFeeType(ctx, fs.FeeTypeID)
	if err != nil {
		return nil, err
	}

	due := in.DueDate
	if due == nil {
		due = fs.DueDate
	}
	if due == nil {
		return nil, &domain.ErrValidation{Field: "due_date", Message: "required when the fee structure has no due date"}
	}

	draft := CreateInvoiceInput{
		IssueDate: in.IssueDate,
		DueDate:   *due,
		Items: []ItemInput{{
			FeeTypeID:   fs.FeeTypeID,
			Description: fmt.Sprintf("%s %s %s", ft.Name, fs.Level, fs.AcademicYear),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   fs.Amount,
		}},
	}

	result := newBatchResult()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, student := range students {
		g.Go(func() error {
			req := draft
			req.StudentID = student
			inv, err := s.CreateDraft(gctx, actor, scope, req)
			if err == nil && in.Send {
				inv, err = s.Send(gctx, actor, scope, inv.ID)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Fail(student, err)
				return nil
			}
			result.Succeeded = append(result.Succeeded, inv.Number)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Succeeded)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Key < result.Failed[j].Key })

	s.deps.Metrics.AddBatchFailures("invoice_generate", len(result.Failed))
	s.deps.Logger.Info("invoices generated",
		zap.String("fee_structure", fs.Key().String()),
		zap.Int("created", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.String("actor", actor.ID),
	)
	return result, nil
}

// ============================================================
// Reads
// ============================================================

// Get returns one invoice visible in scope.
func (s *InvoiceService) Get(ctx context.Context, scope domain.Scope, id string) (*domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.Get")
	defer span.End()

	var out *domain.Invoice
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		inv, err := tx.GetInvoice(ctx, id, false)
		if err != nil {
			return err
		}
		if !scope.AllowsStudent(inv.StudentID) {
			return &domain.ErrNotFound{Resource: "invoice", ID: id}
		}
		out = inv
		return nil
	})
	return out, err
}

// List returns the invoices matching filter within filter.Scope.
func (s *InvoiceService) List(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.List")
	defer span.End()

	var out []domain.Invoice
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.ListInvoices(ctx, filter)
		return err
	})
	return out, err
}

// ListPayments returns every payment of an invoice visible in scope.
func (s *InvoiceService) ListPayments(ctx context.Context, scope domain.Scope, invoiceID string) ([]domain.Payment, error) {
	ctx, span := invoiceTracer.Start(ctx, "InvoiceService.ListPayments")
	defer span.End()

	var out []domain.Payment
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID, false)
		if err != nil {
			return err
		}
		if !scope.AllowsStudent(inv.StudentID) {
			return &domain.ErrNotFound{Resource: "invoice", ID: invoiceID}
		}
		out, err = tx.ListPayments(ctx, domain.PaymentFilter{Scope: scope, InvoiceID: invoiceID})
		return err
	})
	return out, err
}
