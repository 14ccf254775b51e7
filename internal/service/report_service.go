package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var reportTracer = otel.Tracer("service/reports")

const (
	defaultTopPayers     = 10
	defaultTimelineLimit = 50
)

// ReportOptions sizes the secondary breakdowns of a report.
type ReportOptions struct {
	TopPayers     int
	TimelineLimit int
}

// ReportService aggregates the daily financial report. It only reads
// invoices and payments.
type ReportService struct {
	deps     Deps
	expenses port.ExpenseSource
	opts     ReportOptions
}

// NewReportService creates the aggregator. expenses may be nil, in which case
// expenses count as zero.
func NewReportService(deps Deps, expenses port.ExpenseSource, opts ReportOptions) *ReportService {
	if opts.TopPayers <= 0 {
		opts.TopPayers = defaultTopPayers
	}
	if opts.TimelineLimit <= 0 {
		opts.TimelineLimit = defaultTimelineLimit
	}
	return &ReportService{deps: deps.withDefaults(), expenses: expenses, opts: opts}
}

func reportLockKey(date time.Time) string {
	return "daily_report:" + date.Format(domain.DateLayout)
}

// Generate computes and stores the report of date. An existing report is a
// conflict unless force is set, in which case it is deleted and recomputed
// from scratch in the same unit of work.
func (s *ReportService) Generate(ctx context.Context, actor domain.Actor, date time.Time, force bool) (*domain.DailyFinancialReport, error) {
	ctx, span := reportTracer.Start(ctx, "ReportService.Generate")
	defer span.End()

	start := time.Now()
	defer func() { s.deps.Metrics.RecordDuration("report_generate", time.Since(start)) }()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	today := s.deps.today()
	if date.IsZero() {
		date = today
	}
	date = domain.Day(date)
	if date.After(today) {
		return nil, &domain.ErrValidation{Field: "date", Message: "report date lies in the future"}
	}
	span.SetAttributes(attribute.String("report.date", date.Format(domain.DateLayout)), attribute.Bool("report.force", force))

	expenses := domain.ExpenseSummary{Total: domain.Zero}
	if s.expenses != nil {
		var err error
		if expenses, err = s.expenses.DailyExpenses(ctx, date); err != nil {
			return nil, fmt.Errorf("daily expenses: %w", err)
		}
	}

	var (
		rec recorder
		out *domain.DailyFinancialReport
	)
	err := s.deps.Store.SnapshotTransact(ctx, reportLockKey(date), func(ctx context.Context, tx port.LedgerTx) error {
		rec.reset()
		replaced := false
		if _, err := tx.GetReport(ctx, date); err == nil {
			if !force {
				return &domain.ErrConflict{Message: "daily report already exists for " + date.Format(domain.DateLayout)}
			}
			if err := tx.DeleteReport(ctx, date); err != nil {
				return err
			}
			replaced = true
		} else if !isNotFound(err) {
			return err
		}

		in, err := s.readInputs(ctx, tx, date)
		if err != nil {
			return err
		}
		in.Expenses = expenses

		r := computeReport(in)
		r.ID = uuid.New().String()
		r.GeneratedAt = s.deps.now()
		r.GeneratedBy = actor.ID
		if replaced {
			r.Notes = "regenerated by " + actor.ID
			rec.add(actor, domain.ActionDelete, "daily_report", date.Format(domain.DateLayout), r.GeneratedAt, nil)
		}
		if err := tx.CreateReport(ctx, &r); err != nil {
			return err
		}
		rec.add(actor, domain.ActionGenerate, "daily_report", r.ID, r.GeneratedAt, map[string]any{
			"report_date":    date.Format(domain.DateLayout),
			"payments_total": domain.FormatMoney(r.PaymentsTotal),
			"force":          force,
		})
		out = &r
		return nil
	})
	if err != nil {
		var conflict *domain.ErrConflict
		if errors.As(err, &conflict) {
			s.deps.Metrics.IncrReportRun("conflict")
		} else {
			s.deps.Metrics.IncrReportRun("failed")
		}
		return nil, err
	}
	rec.flush(ctx, s.deps.Audit)

	s.deps.Metrics.IncrReportRun("generated")
	s.deps.Logger.Info("daily report generated",
		zap.String("report_date", date.Format(domain.DateLayout)),
		zap.Int("payments_count", out.PaymentsCount),
		zap.String("payments_total", domain.FormatMoney(out.PaymentsTotal)),
		zap.String("total_receivables", domain.FormatMoney(out.TotalReceivables)),
		zap.Bool("forced", force),
		zap.String("actor", actor.ID),
	)
	return out, nil
}

func (s *ReportService) readInputs(ctx context.Context, tx port.LedgerTx, date time.Time) (reportInputs, error) {
	in := reportInputs{
		Date:          date,
		TopPayers:     s.opts.TopPayers,
		TimelineLimit: s.opts.TimelineLimit,
		Location:      s.deps.Location,
	}
	completed := []domain.PaymentStatus{domain.PaymentCompleted}

	var err error
	in.DayPayments, err = tx.ListPayments(ctx, domain.PaymentFilter{
		Scope:    domain.FullScope,
		Statuses: completed,
		DateFrom: &date,
		DateTo:   &date,
	})
	if err != nil {
		return in, err
	}

	in.Invoices, err = tx.ListInvoices(ctx, domain.InvoiceFilter{Scope: domain.FullScope, IssuedOnOrBefore: &date})
	if err != nil {
		return in, err
	}

	monthStart := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
	in.MonthToDate, err = tx.SumPayments(ctx, domain.PaymentFilter{
		Scope:    domain.FullScope,
		Statuses: completed,
		DateFrom: &monthStart,
		DateTo:   &date,
	})
	if err != nil {
		return in, err
	}

	in.CumulativePaid, err = tx.SumPayments(ctx, domain.PaymentFilter{
		Scope:    domain.FullScope,
		Statuses: completed,
		DateTo:   &date,
	})
	if err != nil {
		return in, err
	}

	if in.PreviousDay, err = optionalReport(ctx, tx, date.AddDate(0, 0, -1)); err != nil {
		return in, err
	}
	if in.PreviousWeek, err = optionalReport(ctx, tx, date.AddDate(0, 0, -7)); err != nil {
		return in, err
	}
	return in, nil
}

func optionalReport(ctx context.Context, tx port.LedgerTx, date time.Time) (*domain.DailyFinancialReport, error) {
	r, err := tx.GetReport(ctx, date)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// Get returns the report of date.
func (s *ReportService) Get(ctx context.Context, date time.Time) (*domain.DailyFinancialReport, error) {
	ctx, span := reportTracer.Start(ctx, "ReportService.Get")
	defer span.End()

	var out *domain.DailyFinancialReport
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.GetReport(ctx, domain.Day(date))
		return err
	})
	return out, err
}

// List returns the reports dated from..to inclusive, newest first.
func (s *ReportService) List(ctx context.Context, from, to time.Time) ([]domain.DailyFinancialReport, error) {
	ctx, span := reportTracer.Start(ctx, "ReportService.List")
	defer span.End()

	from, to = domain.Day(from), domain.Day(to)
	if to.Before(from) {
		return nil, &domain.ErrValidation{Field: "to", Message: "must not be before from"}
	}

	var out []domain.DailyFinancialReport
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.ListReports(ctx, from, to)
		return err
	})
	return out, err
}

// Delete removes the report of date so it can be generated again.
func (s *ReportService) Delete(ctx context.Context, actor domain.Actor, date time.Time) error {
	ctx, span := reportTracer.Start(ctx, "ReportService.Delete")
	defer span.End()

	if err := validateActor(actor); err != nil {
		return err
	}
	date = domain.Day(date)

	var rec recorder
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		rec.reset()
		if err := tx.DeleteReport(ctx, date); err != nil {
			return err
		}
		rec.add(actor, domain.ActionDelete, "daily_report", date.Format(domain.DateLayout), s.deps.now(), nil)
		return nil
	})
	if err != nil {
		return err
	}
	rec.flush(ctx, s.deps.Audit)

	s.deps.Logger.Info("daily report deleted", zap.String("report_date", date.Format(domain.DateLayout)), zap.String("actor", actor.ID))
	return nil
}

// MarkSent flags the report of date as delivered. It is called by the
// notification collaborator after a successful delivery and is idempotent:
// the first delivery time is kept.
func (s *ReportService) MarkSent(ctx context.Context, actor domain.Actor, date time.Time) (*domain.DailyFinancialReport, error) {
	ctx, span := reportTracer.Start(ctx, "ReportService.MarkSent")
	defer span.End()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	date = domain.Day(date)

	var (
		rec recorder
		out *domain.DailyFinancialReport
	)
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		rec.reset()
		r, err := tx.MarkReportSent(ctx, date, s.deps.now())
		if err != nil {
			return err
		}
		rec.add(actor, domain.ActionUpdate, "daily_report", r.ID, s.deps.now(), map[string]any{"sent": true})
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.flush(ctx, s.deps.Audit)
	return out, nil
}
