package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Daily financial reports (/v1/reports/daily)
// ============================================================

type generateReportRequest struct {
	Date  string `json:"date"`
	Force bool   `json:"force"`
}

func generateReportHandler(svc *service.ReportService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/reports/daily")
		defer span.End()

		var req generateReportRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		date, err := optionalDate("date", req.Date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		report, err := svc.Generate(ctx, ActorFromContext(ctx), derefDate(date), req.Force)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, report)
	}
}

// listReportsHandler defaults to the last 30 days.
func listReportsHandler(svc *service.ReportService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/reports/daily")
		defer span.End()

		q := r.URL.Query()
		to := domain.Day(time.Now())
		if d, err := optionalDate("to", q.Get("to")); err != nil {
			handleServiceError(w, err, logger)
			return
		} else if d != nil {
			to = *d
		}
		from := to.AddDate(0, 0, -30)
		if d, err := optionalDate("from", q.Get("from")); err != nil {
			handleServiceError(w, err, logger)
			return
		} else if d != nil {
			from = *d
		}

		reports, err := svc.List(ctx, from, to)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
	}
}

func getReportHandler(svc *service.ReportService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/reports/daily/{date}")
		defer span.End()

		date, err := domain.ParseDate("date", chi.URLParam(r, "date"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		report, err := svc.Get(ctx, date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func deleteReportHandler(svc *service.ReportService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/reports/daily/{date}")
		defer span.End()

		date, err := domain.ParseDate("date", chi.URLParam(r, "date"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if err := svc.Delete(ctx, ActorFromContext(ctx), date); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// markReportSentHandler is called by the notification collaborator once the
// report was delivered.
func markReportSentHandler(svc *service.ReportService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/reports/daily/{date}/sent")
		defer span.End()

		date, err := domain.ParseDate("date", chi.URLParam(r, "date"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		report, err := svc.MarkSent(ctx, ActorFromContext(ctx), date)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
