// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"github.com/shopspring/decimal"
)

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	Purge()
}

// SequenceStore hands out atomically incremented counters, one per scope.
// Consecutive calls for the same scope return strictly increasing values
// starting at 1, even across processes sharing the store.
type SequenceStore interface {
	Next(ctx context.Context, scope string) (int64, error)
}

// LedgerStore is the transactional persistence boundary of the ledger.
type LedgerStore interface {
	// Transact runs fn as one unit of work. Writes made through tx are
	// committed when fn returns nil and discarded otherwise.
	Transact(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	// SnapshotTransact runs fn against a consistent snapshot of the ledger,
	// serialized with any other snapshot transaction for the same key.
	SnapshotTransact(ctx context.Context, key string, fn func(ctx context.Context, tx LedgerTx) error) error

	Ping(ctx context.Context) error
}

// LedgerTx is the set of operations available inside a unit of work.
type LedgerTx interface {
	CatalogRepository
	InvoiceRepository
	PaymentRepository
	ReportRepository
}

// CatalogRepository stores fee catalog reference data.
type CatalogRepository interface {
	CreateFeeType(ctx context.Context, ft *domain.FeeType) error
	ListFeeTypes(ctx context.Context) ([]domain.FeeType, error)
	GetFeeType(ctx context.Context, id string) (*domain.FeeType, error)

	// CreateFeeStructure fails with *domain.ErrConflict on a duplicate key.
	CreateFeeStructure(ctx context.Context, fs *domain.FeeStructure) error
	ListFeeStructures(ctx context.Context, level, academicYear string) ([]domain.FeeStructure, error)
	FindFeeStructure(ctx context.Context, key domain.FeeStructureKey) (*domain.FeeStructure, error)

	// CreatePaymentMethod fails with *domain.ErrConflict on a duplicate code.
	CreatePaymentMethod(ctx context.Context, pm *domain.PaymentMethod) error
	ListPaymentMethods(ctx context.Context, activeOnly bool) ([]domain.PaymentMethod, error)
	GetPaymentMethodByCode(ctx context.Context, code string) (*domain.PaymentMethod, error)
}

// InvoiceRepository stores invoices and their items. Loaded invoices carry
// their ordered items and the sum of their COMPLETED payments.
type InvoiceRepository interface {
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	// GetInvoice loads one invoice. forUpdate takes the invoice row lock
	// until the end of the unit of work.
	GetInvoice(ctx context.Context, id string, forUpdate bool) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]domain.Invoice, error)
	// UpdateInvoice rewrites the header columns, including the stored totals.
	UpdateInvoice(ctx context.Context, inv *domain.Invoice) error
	ReplaceItems(ctx context.Context, invoiceID string, items []domain.InvoiceItem) error
}

// PaymentRepository stores payments.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id string, forUpdate bool) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	// ListPayments orders by creation time.
	ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error)
	SumPayments(ctx context.Context, filter domain.PaymentFilter) (decimal.Decimal, error)
}

// ReportRepository stores daily financial reports.
type ReportRepository interface {
	// CreateReport fails with *domain.ErrConflict when a report for the date exists.
	CreateReport(ctx context.Context, r *domain.DailyFinancialReport) error
	GetReport(ctx context.Context, date time.Time) (*domain.DailyFinancialReport, error)
	ListReports(ctx context.Context, from, to time.Time) ([]domain.DailyFinancialReport, error)
	DeleteReport(ctx context.Context, date time.Time) error
	MarkReportSent(ctx context.Context, date, at time.Time) (*domain.DailyFinancialReport, error)
}

// AuditLog receives every mutation together with its explicit actor.
type AuditLog interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// ReportNotifier delivers a generated report to the notification collaborator.
type ReportNotifier interface {
	Notify(ctx context.Context, report *domain.DailyFinancialReport) error
}

// ExpenseSource reports the recorded expenses of one day. Optional.
type ExpenseSource interface {
	DailyExpenses(ctx context.Context, date time.Time) (domain.ExpenseSummary, error)
}
