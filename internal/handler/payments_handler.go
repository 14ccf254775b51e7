package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Payments (/v1/payments)
// ============================================================

type submitPaymentRequest struct {
	InvoiceID       string          `json:"invoice_id" validate:"required"`
	PaymentMethod   string          `json:"payment_method" validate:"required"`
	Amount          string          `json:"amount" validate:"required"`
	TransactionID   string          `json:"transaction_id" validate:"max=100"`
	PaymentDate     string          `json:"payment_date"`
	Notes           string          `json:"notes"`
	GatewayResponse json.RawMessage `json:"gateway_response"`
}

func submitPaymentHandler(svc *service.PaymentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments")
		defer span.End()

		var req submitPaymentRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		amount, err := domain.ParsePositiveMoney("amount", req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		paidOn, err := optionalDate("payment_date", req.PaymentDate)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		p, err := svc.Submit(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), domain.SubmitPaymentInput{
			InvoiceID:       req.InvoiceID,
			MethodCode:      req.PaymentMethod,
			Amount:          amount,
			TransactionID:   req.TransactionID,
			PaymentDate:     paidOn,
			Notes:           req.Notes,
			GatewayResponse: req.GatewayResponse,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("payment.reference", p.Reference))
		writeJSON(w, http.StatusCreated, p)
	}
}

func listPaymentsHandler(svc *service.PaymentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payments")
		defer span.End()

		q := r.URL.Query()
		filter := domain.PaymentFilter{Scope: ScopeFromContext(ctx), InvoiceID: q.Get("invoice_id")}
		for _, raw := range splitList(q.Get("status")) {
			st, err := domain.ParsePaymentStatus(strings.ToUpper(raw))
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
		var err error
		if filter.DateFrom, err = optionalDate("from", q.Get("from")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if filter.DateTo, err = optionalDate("to", q.Get("to")); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		payments, err := svc.List(ctx, filter)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

func getPaymentHandler(svc *service.PaymentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payments/{id}")
		defer span.End()

		p, err := svc.Get(ctx, ScopeFromContext(ctx), chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

type paymentActionRequest struct {
	Note string `json:"note" validate:"max=500"`
}

// paymentActionHandler serves confirm, reject, cancel and refund. The
// optional note is appended to the payment notes.
func paymentActionHandler(action func(ctx context.Context, actor domain.Actor, scope domain.Scope, id, note string) (*domain.Payment, error), name string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/{id}/"+name)
		defer span.End()

		var req paymentActionRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		p, err := action(ctx, ActorFromContext(ctx), ScopeFromContext(ctx), chi.URLParam(r, "id"), req.Note)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
