package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
)

func (t *tx) CreateReport(ctx context.Context, r *domain.DailyFinancialReport) error {
	m := toReportModel(r)
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Message: "report already exists for " + domain.Day(r.ReportDate).Format(domain.DateLayout)}
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (t *tx) GetReport(ctx context.Context, date time.Time) (*domain.DailyFinancialReport, error) {
	var m reportModel
	if err := t.db.WithContext(ctx).Where("report_date = ?", domain.Day(date)).First(&m).Error; err != nil {
		return nil, notFound(err, "daily report", domain.Day(date).Format(domain.DateLayout))
	}
	r := m.toDomain()
	return &r, nil
}

func (t *tx) ListReports(ctx context.Context, from, to time.Time) ([]domain.DailyFinancialReport, error) {
	var rows []reportModel
	err := t.db.WithContext(ctx).
		Where("report_date BETWEEN ? AND ?", domain.Day(from), domain.Day(to)).
		Order("report_date DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	out := make([]domain.DailyFinancialReport, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (t *tx) DeleteReport(ctx context.Context, date time.Time) error {
	res := t.db.WithContext(ctx).Where("report_date = ?", domain.Day(date)).Delete(&reportModel{})
	if res.Error != nil {
		return fmt.Errorf("delete report: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.ErrNotFound{Resource: "daily report", ID: domain.Day(date).Format(domain.DateLayout)}
	}
	return nil
}

// MarkReportSent sets the sent flag once; later calls keep the first timestamp.
func (t *tx) MarkReportSent(ctx context.Context, date, at time.Time) (*domain.DailyFinancialReport, error) {
	err := t.db.WithContext(ctx).Model(&reportModel{}).
		Where("report_date = ? AND email_sent = ?", domain.Day(date), false).
		Updates(map[string]any{"email_sent": true, "email_sent_at": at}).Error
	if err != nil {
		return nil, fmt.Errorf("mark report sent: %w", err)
	}
	return t.GetReport(ctx, date)
}
