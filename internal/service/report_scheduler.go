package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/port"

	"go.uber.org/zap"
)

const defaultRunTimeout = 5 * time.Minute

// SchedulerConfig decides when and how the daily run happens.
type SchedulerConfig struct {
	// RunAt is the "HH:MM" wall clock time of the daily run in the ledger location.
	RunAt string
	// Force regenerates an existing report instead of failing with a conflict.
	Force bool
	// Timeout bounds one run.
	Timeout time.Duration
}

// ReportScheduler is the in-process driver of the daily job: overdue sweep,
// report generation and, when a notifier is configured, delivery.
type ReportScheduler struct {
	invoices *InvoiceService
	reports  *ReportService
	notifier port.ReportNotifier
	cfg      SchedulerConfig
	hour     int
	minute   int
	deps     Deps
}

// NewReportScheduler validates RunAt and creates the scheduler. notifier may be nil.
func NewReportScheduler(deps Deps, invoices *InvoiceService, reports *ReportService, notifier port.ReportNotifier, cfg SchedulerConfig) (*ReportScheduler, error) {
	runAt, err := time.Parse("15:04", cfg.RunAt)
	if err != nil {
		return nil, &domain.ErrValidation{Field: "REPORT_RUN_AT", Message: fmt.Sprintf("expected HH:MM, got %q", cfg.RunAt)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRunTimeout
	}
	return &ReportScheduler{
		invoices: invoices,
		reports:  reports,
		notifier: notifier,
		cfg:      cfg,
		hour:     runAt.Hour(),
		minute:   runAt.Minute(),
		deps:     deps.withDefaults(),
	}, nil
}

// NextRun returns the first run time strictly after now.
func (s *ReportScheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.deps.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.deps.Location)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start runs the daily job until ctx is cancelled.
func (s *ReportScheduler) Start(ctx context.Context) {
	s.deps.Logger.Info("report scheduler started",
		zap.String("run_at", s.cfg.RunAt),
		zap.String("location", s.deps.Location.String()),
		zap.Bool("force", s.cfg.Force),
		zap.Bool("notifier", s.notifier != nil),
	)

	for {
		next := s.NextRun(s.deps.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.deps.Logger.Info("report scheduler stopped")
			return
		case <-timer.C:
			runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			if _, err := s.RunOnce(runCtx, domain.DayIn(next, s.deps.Location), s.cfg.Force, s.notifier != nil); err != nil {
				s.deps.Logger.Error("daily run failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// RunOnce sweeps overdue invoices as of date, generates the report of date
// and optionally delivers it. A failed delivery leaves the report unsent and
// is not an error of the run.
func (s *ReportScheduler) RunOnce(ctx context.Context, date time.Time, force, send bool) (*domain.DailyFinancialReport, error) {
	actor := domain.SystemActor
	date = domain.Day(date)

	if _, err := s.invoices.MarkAllOverdue(ctx, actor, date); err != nil {
		return nil, fmt.Errorf("overdue sweep: %w", err)
	}

	report, err := s.reports.Generate(ctx, actor, date, force)
	if err != nil {
		return nil, fmt.Errorf("generate report %s: %w", date.Format(domain.DateLayout), err)
	}

	if !send {
		return report, nil
	}
	if s.notifier == nil {
		s.deps.Logger.Warn("report delivery requested but no notifier is configured")
		return report, nil
	}
	if err := s.notifier.Notify(ctx, report); err != nil {
		s.deps.Logger.Error("report delivery failed",
			zap.String("report_date", date.Format(domain.DateLayout)),
			zap.Error(err),
		)
		return report, nil
	}
	return s.reports.MarkSent(ctx, actor, date)
}
