package handler

import (
	"net/http"
	"strconv"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Fee catalog (/v1/fee-types, /v1/fee-structures, /v1/payment-methods)
// ============================================================

type createFeeTypeRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description"`
	Recurring   bool   `json:"is_recurring"`
	Mandatory   *bool  `json:"is_mandatory"`
}

func createFeeTypeHandler(svc *service.CatalogService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/fee-types")
		defer span.End()

		var req createFeeTypeRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		mandatory := true
		if req.Mandatory != nil {
			mandatory = *req.Mandatory
		}

		ft, err := svc.CreateFeeType(ctx, ActorFromContext(ctx), service.CreateFeeTypeInput{
			Name:        req.Name,
			Description: req.Description,
			Recurring:   req.Recurring,
			Mandatory:   mandatory,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, ft)
	}
}

func listFeeTypesHandler(svc *service.CatalogService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/fee-types")
		defer span.End()

		types, err := svc.ListFeeTypes(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"fee_types": types})
	}
}

func getFeeTypeHandler(svc *service.CatalogService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/fee-types/{id}")
		defer span.End()

		ft, err := svc.GetFeeType(ctx, chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, ft)
	}
}

type createFeeStructureRequest struct {
	FeeTypeID    string `json:"fee_type_id" validate:"required"`
	Level        string `json:"level" validate:"required,max=20"`
	AcademicYear string `json:"academic_year" validate:"required,max=9"`
	Amount       string `json:"amount" validate:"required"`
	DueDate      string `json:"due_date"`
}

func createFeeStructureHandler(svc *service.CatalogService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/fee-structures")
		defer span.End()

		var req createFeeStructureRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		amount, err := domain.ParseMoney("amount", req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		due, err := optionalDate("due_date", req.DueDate)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		fs, err := svc.CreateFeeStructure(ctx, ActorFromContext(ctx), service.CreateFeeStructureInput{
			FeeTypeID:    req.FeeTypeID,
			Level:        req.Level,
			AcademicYear: req.AcademicYear,
			Amount:       amount,
			DueDate:      due,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, fs)
	}
}

func listFeeStructuresHandler(svc *service.CatalogService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/fee-structures")
		defer span.End()

		q := r.URL.Query()
		structures, err := svc.ListFeeStructures(ctx, q.Get("level"), q.Get("academic_year"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"fee_structures": structures})
	}
}

type createPaymentMethodRequest struct {
	Name              string `json:"name" validate:"required,max=50"`
	Code              string `json:"code" validate:"required,max=20"`
	Active            *bool  `json:"is_active"`
	RequiresReference bool   `json:"requires_reference"`
	Description       string `json:"description"`
}

func createPaymentMethodHandler(svc *service.CatalogService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payment-methods")
		defer span.End()

		var req createPaymentMethodRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}

		pm, err := svc.CreatePaymentMethod(ctx, ActorFromContext(ctx), service.CreatePaymentMethodInput{
			Name:              req.Name,
			Code:              req.Code,
			Active:            active,
			RequiresReference: req.RequiresReference,
			Description:       req.Description,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, pm)
	}
}

func listPaymentMethodsHandler(svc *service.CatalogService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payment-methods")
		defer span.End()

		activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
		methods, err := svc.ListPaymentMethods(ctx, activeOnly)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payment_methods": methods})
	}
}

func getPaymentMethodHandler(svc *service.CatalogService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payment-methods/{code}")
		defer span.End()

		pm, err := svc.GetPaymentMethodByCode(ctx, chi.URLParam(r, "code"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, pm)
	}
}
