package service

import (
	"context"
	"strings"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var catalogTracer = otel.Tracer("service/catalog")

const feeStructureCache = "fee_structure"

// CatalogService manages fee types, fee structures and payment methods.
type CatalogService struct {
	deps  Deps
	cache port.Cache[domain.FeeStructure]
}

// NewCatalogService creates the catalog service. cache may be nil.
func NewCatalogService(deps Deps, cache port.Cache[domain.FeeStructure]) *CatalogService {
	return &CatalogService{deps: deps.withDefaults(), cache: cache}
}

// CreateFeeTypeInput describes a new fee type.
type CreateFeeTypeInput struct {
	Name        string
	Description string
	Recurring   bool
	Mandatory   bool
}

func (s *CatalogService) CreateFeeType(ctx context.Context, actor domain.Actor, in CreateFeeTypeInput) (*domain.FeeType, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.CreateFeeType")
	defer span.End()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &domain.ErrValidation{Field: "name", Message: "required"}
	}

	ft := &domain.FeeType{
		ID:          uuid.New().String(),
		Name:        name,
		Description: in.Description,
		Recurring:   in.Recurring,
		Mandatory:   in.Mandatory,
		CreatedAt:   s.deps.now(),
	}
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.CreateFeeType(ctx, ft)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "fee_type", ft.ID, map[string]any{"name": ft.Name})
	s.deps.Logger.Info("fee type created", zap.String("fee_type_id", ft.ID), zap.String("name", ft.Name))
	return ft, nil
}

func (s *CatalogService) ListFeeTypes(ctx context.Context) ([]domain.FeeType, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.ListFeeTypes")
	defer span.End()

	var out []domain.FeeType
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.ListFeeTypes(ctx)
		return err
	})
	return out, err
}

func (s *CatalogService) GetFeeType(ctx context.Context, id string) (*domain.FeeType, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.GetFeeType")
	defer span.End()

	var out *domain.FeeType
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.GetFeeType(ctx, id)
		return err
	})
	return out, err
}

// CreateFeeStructureInput prices a fee type for a level and academic year.
type CreateFeeStructureInput struct {
	FeeTypeID    string
	Level        string
	AcademicYear string
	Amount       decimal.Decimal
	DueDate      *time.Time
}

// CreateFeeStructure fails with ErrConflict when the (fee type, level, year)
// key is taken.
func (s *CatalogService) CreateFeeStructure(ctx context.Context, actor domain.Actor, in CreateFeeStructureInput) (*domain.FeeStructure, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.CreateFeeStructure")
	defer span.End()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	switch {
	case in.FeeTypeID == "":
		return nil, &domain.ErrValidation{Field: "fee_type_id", Message: "required"}
	case strings.TrimSpace(in.Level) == "":
		return nil, &domain.ErrValidation{Field: "level", Message: "required"}
	case strings.TrimSpace(in.AcademicYear) == "":
		return nil, &domain.ErrValidation{Field: "academic_year", Message: "required"}
	case in.Amount.LessThan(decimal.New(1, -domain.MoneyScale)):
		return nil, &domain.ErrValidation{Field: "amount", Message: "must be at least 0.01"}
	}

	fs := &domain.FeeStructure{
		ID:           uuid.New().String(),
		FeeTypeID:    in.FeeTypeID,
		Level:        strings.TrimSpace(in.Level),
		AcademicYear: strings.TrimSpace(in.AcademicYear),
		Amount:       domain.Round2(in.Amount),
		CreatedAt:    s.deps.now(),
	}
	if in.DueDate != nil {
		d := domain.Day(*in.DueDate)
		fs.DueDate = &d
	}

	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		if _, err := tx.GetFeeType(ctx, fs.FeeTypeID); err != nil {
			return err
		}
		return tx.CreateFeeStructure(ctx, fs)
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Delete(fs.Key().String())
	}
	s.audit(ctx, actor, "fee_structure", fs.ID, map[string]any{
		"key":    fs.Key().String(),
		"amount": domain.FormatMoney(fs.Amount),
	})
	s.deps.Logger.Info("fee structure created",
		zap.String("key", fs.Key().String()),
		zap.String("amount", domain.FormatMoney(fs.Amount)),
	)
	return fs, nil
}

func (s *CatalogService) ListFeeStructures(ctx context.Context, level, academicYear string) ([]domain.FeeStructure, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.ListFeeStructures")
	defer span.End()

	var out []domain.FeeStructure
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.ListFeeStructures(ctx, level, academicYear)
		return err
	})
	return out, err
}

// ResolveFeeStructure finds the price of a fee type for a level and year.
// An unknown combination is a validation error of the caller's input.
func (s *CatalogService) ResolveFeeStructure(ctx context.Context, key domain.FeeStructureKey) (*domain.FeeStructure, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.ResolveFeeStructure")
	defer span.End()
	span.SetAttributes(attribute.String("fee_structure.key", key.String()))

	if s.cache != nil {
		if fs, ok := s.cache.Get(key.String()); ok {
			s.deps.Metrics.IncrCacheHit(feeStructureCache)
			return &fs, nil
		}
		s.deps.Metrics.IncrCacheMiss(feeStructureCache)
	}

	var fs *domain.FeeStructure
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		fs, err = tx.FindFeeStructure(ctx, key)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &domain.ErrValidation{
				Field:   "fee_structure",
				Message: "no fee structure for fee type, level and academic year " + key.String(),
			}
		}
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(key.String(), *fs)
	}
	return fs, nil
}

// CreatePaymentMethodInput describes a new payment method.
type CreatePaymentMethodInput struct {
	Name              string
	Code              string
	Active            bool
	RequiresReference bool
	Description       string
}

func (s *CatalogService) CreatePaymentMethod(ctx context.Context, actor domain.Actor, in CreatePaymentMethodInput) (*domain.PaymentMethod, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.CreatePaymentMethod")
	defer span.End()

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	code := domain.NormalizeMethodCode(in.Code)
	if code == "" {
		return nil, &domain.ErrValidation{Field: "code", Message: "required"}
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, &domain.ErrValidation{Field: "name", Message: "required"}
	}

	pm := &domain.PaymentMethod{
		ID:                uuid.New().String(),
		Name:              strings.TrimSpace(in.Name),
		Code:              code,
		Active:            in.Active,
		RequiresReference: in.RequiresReference,
		Description:       in.Description,
		CreatedAt:         s.deps.now(),
	}
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		return tx.CreatePaymentMethod(ctx, pm)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "payment_method", pm.ID, map[string]any{"code": pm.Code})
	s.deps.Logger.Info("payment method created", zap.String("code", pm.Code))
	return pm, nil
}

func (s *CatalogService) ListPaymentMethods(ctx context.Context, activeOnly bool) ([]domain.PaymentMethod, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.ListPaymentMethods")
	defer span.End()

	var out []domain.PaymentMethod
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.ListPaymentMethods(ctx, activeOnly)
		return err
	})
	return out, err
}

func (s *CatalogService) GetPaymentMethodByCode(ctx context.Context, code string) (*domain.PaymentMethod, error) {
	ctx, span := catalogTracer.Start(ctx, "CatalogService.GetPaymentMethodByCode")
	defer span.End()

	var out *domain.PaymentMethod
	err := s.deps.Store.Transact(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		var err error
		out, err = tx.GetPaymentMethodByCode(ctx, domain.NormalizeMethodCode(code))
		return err
	})
	return out, err
}

func (s *CatalogService) audit(ctx context.Context, actor domain.Actor, entity, id string, changes map[string]any) {
	rec := recorder{}
	rec.add(actor, domain.ActionCreate, entity, id, s.deps.now(), changes)
	rec.flush(ctx, s.deps.Audit)
}
