package postgres

import (
	"context"
	"fmt"

	"github.com/boddenberg/school-ledger-go/internal/domain"
)

func (t *tx) CreateFeeType(ctx context.Context, ft *domain.FeeType) error {
	m := toFeeTypeModel(ft)
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Message: "fee type name already in use: " + ft.Name}
		}
		return fmt.Errorf("insert fee type: %w", err)
	}
	return nil
}

func (t *tx) ListFeeTypes(ctx context.Context) ([]domain.FeeType, error) {
	var rows []feeTypeModel
	if err := t.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list fee types: %w", err)
	}
	out := make([]domain.FeeType, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (t *tx) GetFeeType(ctx context.Context, id string) (*domain.FeeType, error) {
	var m feeTypeModel
	if err := t.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "fee type", id)
	}
	ft := m.toDomain()
	return &ft, nil
}

func (t *tx) CreateFeeStructure(ctx context.Context, fs *domain.FeeStructure) error {
	m := toFeeStructureModel(fs)
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Message: "fee structure already exists for " + fs.Key().String()}
		}
		return fmt.Errorf("insert fee structure: %w", err)
	}
	return nil
}

func (t *tx) ListFeeStructures(ctx context.Context, level, academicYear string) ([]domain.FeeStructure, error) {
	q := t.db.WithContext(ctx).Model(&feeStructureModel{})
	if level != "" {
		q = q.Where("level = ?", level)
	}
	if academicYear != "" {
		q = q.Where("academic_year = ?", academicYear)
	}

	var rows []feeStructureModel
	if err := q.Order("fee_type_id, level, academic_year").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list fee structures: %w", err)
	}
	out := make([]domain.FeeStructure, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (t *tx) FindFeeStructure(ctx context.Context, key domain.FeeStructureKey) (*domain.FeeStructure, error) {
	var m feeStructureModel
	err := t.db.WithContext(ctx).
		Where("fee_type_id = ? AND level = ? AND academic_year = ?", key.FeeTypeID, key.Level, key.AcademicYear).
		First(&m).Error
	if err != nil {
		return nil, notFound(err, "fee structure", key.String())
	}
	fs := m.toDomain()
	return &fs, nil
}

func (t *tx) CreatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error {
	m := toPaymentMethodModel(pm)
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrConflict{Message: "payment method code already in use: " + pm.Code}
		}
		return fmt.Errorf("insert payment method: %w", err)
	}
	return nil
}

func (t *tx) ListPaymentMethods(ctx context.Context, activeOnly bool) ([]domain.PaymentMethod, error) {
	q := t.db.WithContext(ctx).Model(&paymentMethodModel{})
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rows []paymentMethodModel
	if err := q.Order("code").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	out := make([]domain.PaymentMethod, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (t *tx) GetPaymentMethodByCode(ctx context.Context, code string) (*domain.PaymentMethod, error) {
	var m paymentMethodModel
	if err := t.db.WithContext(ctx).First(&m, "code = ?", code).Error; err != nil {
		return nil, notFound(err, "payment method", code)
	}
	pm := m.toDomain()
	return &pm, nil
}
