package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Invoices (/v1/invoices)
// ============================================================

type itemRequest struct {
	FeeTypeID   string `json:"fee_type_id" validate:"required"`
	Description string `json:"description" validate:"required,max=200"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price" validate:"required"`
}

func (req itemRequest) toInput(prefix string) (service.ItemInput, error) {
	qty := decimal.NewFromInt(1)
	if req.Quantity != "" {
		var err error
		if qty, err = domain.ParseMoney(prefix+"quantity", req.Quantity); err != nil {
			return service.ItemInput{}, err
		}
	}
	price, err := domain.ParseMoney(prefix+"unit_price", req.UnitPrice)
	if err != nil {
		return service.ItemInput{}, err
	}
	return service.ItemInput{
		FeeTypeID:   req.FeeTypeID,
		Description: req.Description,
		Quantity:    qty,
		UnitPrice:   price,
	}, nil
}

type createInvoiceRequest struct {
	StudentID string        `json:"student_id" validate:"required"`
	ParentID  *string       `json:"parent_id"`
	IssueDate string        `json:"issue_date"`
	DueDate   string        `json:"due_date" validate:"required"`
	Items     []itemRequest `json:"items" validate:"dive"`
	Discount  string        `json:"discount"`
	Notes     string        `json:"notes"`
}

func createInvoiceHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/invoices")
		defer span.End()

		var req createInvoiceRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		in, err := req.toInput()
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		inv, err := svc.CreateDraft(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("invoice.number", inv.Number))
		writeJSON(w, http.StatusCreated, inv.View())
	}
}

func (req createInvoiceRequest) toInput() (service.CreateInvoiceInput, error) {
	in := service.CreateInvoiceInput{StudentID: req.StudentID, ParentID: req.ParentID, Notes: req.Notes}

	issue, err := optionalDate("issue_date", req.IssueDate)
	if err != nil {
		return in, err
	}
	in.IssueDate = issue
	if in.DueDate, err = domain.ParseDate("due_date", req.DueDate); err != nil {
		return in, err
	}
	if discount, err := optionalMoney("discount", req.Discount); err != nil {
		return in, err
	} else if discount != nil {
		in.Discount = *discount
	}
	for i, it := range req.Items {
		item, err := it.toInput(fmt.Sprintf("items[%d].", i))
		if err != nil {
			return in, err
		}
		in.Items = append(in.Items, item)
	}
	return in, nil
}

func listInvoicesHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/invoices")
		defer span.End()

		q := r.URL.Query()
		filter := domain.InvoiceFilter{
			Scope:     ScopeFromContext(ctx),
			StudentID: q.Get("student_id"),
		}
		for _, raw := range splitList(q.Get("status")) {
			st, err := domain.ParseInvoiceStatus(strings.ToUpper(raw))
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
		filter.Limit, filter.Offset = parsePagination(r)

		invoices, err := svc.List(ctx, filter)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		views := make([]domain.InvoiceView, 0, len(invoices))
		for i := range invoices {
			views = append(views, invoices[i].View())
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoices": views, "limit": filter.Limit, "offset": filter.Offset})
	}
}

func getInvoiceHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/invoices/{id}")
		defer span.End()

		inv, err := svc.Get(ctx, ScopeFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inv.View())
	}
}

func addItemHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/invoices/{id}/items")
		defer span.End()

		var req itemRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		item, err := req.toInput("")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		inv, err := svc.AddItem(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), chi.URLParam(r, "id"), item)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inv.View())
	}
}

func updateItemHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/invoices/{id}/items/{itemId}")
		defer span.End()

		var req itemRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		item, err := req.toInput("")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		inv, err := svc.UpdateItem(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"), item)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inv.View())
	}
}

func removeItemHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/invoices/{id}/items/{itemId}")
		defer span.End()

		inv, err := svc.RemoveItem(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inv.View())
	}
}

type discountRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func applyDiscountHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/invoices/{id}/discount")
		defer span.End()

		var req discountRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		amount, err := domain.ParseMoney("amount", req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		inv, err := svc.ApplyDiscount(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), chi.URLParam(r, "id"), amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inv.View())
	}
}

// invoiceCommandHandler serves the body-less invoice commands: send, cancel
// and recompute.
func invoiceCommandHandler(name string, cmd func(ctx context.Context, actor domain.Actor, scope domain.Scope, id string) (*domain.Invoice, error), logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/invoices/{id}/"+name)
		defer span.End()

		inv, err := cmd(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, inv.View())
	}
}

func listInvoicePaymentsHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/invoices/{id}/payments")
		defer span.End()

		payments, err := svc.ListPayments(ctx, ScopeFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

// ============================================================
// Batch operations
// ============================================================

type generateInvoicesRequest struct {
	FeeTypeID    string   `json:"fee_type_id" validate:"required"`
	Level        string   `json:"level" validate:"required"`
	AcademicYear string   `json:"academic_year" validate:"required"`
	StudentIDs   []string `json:"student_ids" validate:"required,min=1"`
	IssueDate    string   `json:"issue_date"`
	DueDate      string   `json:"due_date"`
	Send         bool     `json:"send"`
}

func generateInvoicesHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/invoices/generate")
		defer span.End()

		var req generateInvoicesRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		issue, err := optionalDate("issue_date", req.IssueDate)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		due, err := optionalDate("due_date", req.DueDate)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		result, err := svc.GenerateInvoices(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), service.GenerateInvoicesInput{
			FeeTypeID:    req.FeeTypeID,
			Level:        req.Level,
			AcademicYear: req.AcademicYear,
			StudentIDs:   req.StudentIDs,
			IssueDate:    issue,
			DueDate:      due,
			Send:         req.Send,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type bulkStatusRequest struct {
	InvoiceIDs []string `json:"invoice_ids" validate:"required,min=1"`
	Status     string   `json:"status" validate:"required"`
}

func bulkStatusHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/invoices/bulk/status")
		defer span.End()

		var req bulkStatusRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		result, err := svc.BulkSetStatus(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), req.InvoiceIDs, req.Status)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type bulkOverdueRequest struct {
	InvoiceIDs []string `json:"invoice_ids"`
	AsOf       string   `json:"as_of"`
}

// bulkOverdueHandler marks the listed invoices, or every eligible invoice when
// none is listed, as overdue.
func bulkOverdueHandler(svc *service.InvoiceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/invoices/bulk/overdue")
		defer span.End()

		var req bulkOverdueRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		asOf, err := optionalDate("as_of", req.AsOf)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		var (
			result *domain.BatchResult
			actor  = ActorFromContext(ctx)
			scope  = ScopeFromContext(ctx)
			day    = derefDate(asOf)
		)
		if len(req.InvoiceIDs) == 0 {
			if !scope.All {
				writeError(w, http.StatusBadRequest, "invoice_ids is required for a restricted scope")
				return
			}
			result, err = svc.MarkAllOverdue(ctx, actor, day)
		} else {
			result, err = svc.MarkOverdue(ctx, actor, scope, req.InvoiceIDs, day)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
