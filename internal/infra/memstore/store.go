// Package memstore is an in-process implementation of the ledger ports. It
// backs the dev mode and the service tests.
//
// Every unit of work runs under one store-wide mutex against a private copy of
// the state; the copy replaces the live state only when the work succeeds.
package memstore

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/port"

	"github.com/shopspring/decimal"
)

type state struct {
	feeTypes      map[string]domain.FeeType
	feeStructures map[string]domain.FeeStructure
	methods       map[string]domain.PaymentMethod
	invoices      map[string]domain.Invoice
	items         map[string][]domain.InvoiceItem
	payments      map[string]domain.Payment
	reports       map[string]domain.DailyFinancialReport
}

func newState() *state {
	return &state{
		feeTypes:      make(map[string]domain.FeeType),
		feeStructures: make(map[string]domain.FeeStructure),
		methods:       make(map[string]domain.PaymentMethod),
		invoices:      make(map[string]domain.Invoice),
		items:         make(map[string][]domain.InvoiceItem),
		payments:      make(map[string]domain.Payment),
		reports:       make(map[string]domain.DailyFinancialReport),
	}
}

// clone copies the maps. Values are copied on every read and write, so the
// shallow copy of each map is enough to isolate a unit of work.
func (s *state) clone() *state {
	return &state{
		feeTypes:      maps.Clone(s.feeTypes),
		feeStructures: maps.Clone(s.feeStructures),
		methods:       maps.Clone(s.methods),
		invoices:      maps.Clone(s.invoices),
		items:         maps.Clone(s.items),
		payments:      maps.Clone(s.payments),
		reports:       maps.Clone(s.reports),
	}
}

// Store implements port.LedgerStore in memory.
type Store struct {
	mu   sync.Mutex
	data *state
}

var _ port.LedgerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{data: newState()}
}

// Transact runs fn against a private copy of the state and publishes it on success.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// SnapshotTransact is Transact: the store-wide mutex already gives every unit
// of work a consistent, exclusive view.
func (s *Store) SnapshotTransact(ctx context.Context, _ string, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	return s.Transact(ctx, fn)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

type tx struct {
	st *state
}

// ============================================================
// Catalog
// ============================================================

func (t *tx) CreateFeeType(_ context.Context, ft *domain.FeeType) error {
	if _, ok := t.st.feeTypes[ft.ID]; ok {
		return &domain.ErrConflict{Message: "fee type already exists: " + ft.ID}
	}
	for _, existing := range t.st.feeTypes {
		if existing.Name == ft.Name {
			return &domain.ErrConflict{Message: "fee type name already in use: " + ft.Name}
		}
	}
	t.st.feeTypes[ft.ID] = *ft
	return nil
}

func (t *tx) ListFeeTypes(context.Context) ([]domain.FeeType, error) {
	out := slices.Collect(maps.Values(t.st.feeTypes))
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tx) GetFeeType(_ context.Context, id string) (*domain.FeeType, error) {
	ft, ok := t.st.feeTypes[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "fee type", ID: id}
	}
	return &ft, nil
}

func (t *tx) CreateFeeStructure(_ context.Context, fs *domain.FeeStructure) error {
	for _, existing := range t.st.feeStructures {
		if existing.Key() == fs.Key() {
			return &domain.ErrConflict{Message: "fee structure already exists for " + fs.Key().String()}
		}
	}
	t.st.feeStructures[fs.ID] = *fs
	return nil
}

func (t *tx) ListFeeStructures(_ context.Context, level, academicYear string) ([]domain.FeeStructure, error) {
	var out []domain.FeeStructure
	for _, fs := range t.st.feeStructures {
		if level != "" && fs.Level != level {
			continue
		}
		if academicYear != "" && fs.AcademicYear != academicYear {
			continue
		}
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (t *tx) FindFeeStructure(_ context.Context, key domain.FeeStructureKey) (*domain.FeeStructure, error) {
	for _, fs := range t.st.feeStructures {
		if fs.Key() == key {
			return &fs, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "fee structure", ID: key.String()}
}

func (t *tx) CreatePaymentMethod(_ context.Context, pm *domain.PaymentMethod) error {
	for _, existing := range t.st.methods {
		if existing.Code == pm.Code {
			return &domain.ErrConflict{Message: "payment method code already in use: " + pm.Code}
		}
	}
	t.st.methods[pm.ID] = *pm
	return nil
}

func (t *tx) ListPaymentMethods(_ context.Context, activeOnly bool) ([]domain.PaymentMethod, error) {
	var out []domain.PaymentMethod
	for _, pm := range t.st.methods {
		if activeOnly && !pm.Active {
			continue
		}
		out = append(out, pm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *tx) GetPaymentMethodByCode(_ context.Context, code string) (*domain.PaymentMethod, error) {
	for _, pm := range t.st.methods {
		if pm.Code == code {
			return &pm, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "payment method", ID: code}
}

// ============================================================
// Invoices
// ============================================================

func (t *tx) CreateInvoice(_ context.Context, inv *domain.Invoice) error {
	if _, ok := t.st.invoices[inv.ID]; ok {
		return &domain.ErrConflict{Message: "invoice already exists: " + inv.ID}
	}
	for _, existing := range t.st.invoices {
		if existing.Number == inv.Number {
			return &domain.ErrConflict{Message: "invoice number collision: " + inv.Number}
		}
	}
	header := *inv
	header.Items = nil
	header.PaidAmount = decimal.Zero
	t.st.invoices[inv.ID] = header
	t.st.items[inv.ID] = slices.Clone(inv.Items)
	return nil
}

func (t *tx) GetInvoice(_ context.Context, id string, _ bool) (*domain.Invoice, error) {
	if _, ok := t.st.invoices[id]; !ok {
		return nil, &domain.ErrNotFound{Resource: "invoice", ID: id}
	}
	inv := t.load(id)
	return &inv, nil
}

func (t *tx) load(id string) domain.Invoice {
	inv := t.st.invoices[id]
	inv.Items = slices.Clone(t.st.items[id])
	inv.PaidAmount = t.paidAmount(id)
	return inv
}

func (t *tx) paidAmount(invoiceID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range t.st.payments {
		if p.InvoiceID == invoiceID && p.Status == domain.PaymentCompleted {
			total = total.Add(p.Amount)
		}
	}
	return total
}

func (t *tx) ListInvoices(_ context.Context, f domain.InvoiceFilter) ([]domain.Invoice, error) {
	var out []domain.Invoice
	for id, inv := range t.st.invoices {
		if !matchInvoice(&inv, f) {
			continue
		}
		out = append(out, t.load(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Number < out[j].Number
	})
	return paginate(out, f.Offset, f.Limit), nil
}

func matchInvoice(inv *domain.Invoice, f domain.InvoiceFilter) bool {
	if !f.Scope.AllowsStudent(inv.StudentID) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, inv.ID) {
		return false
	}
	if f.StudentID != "" && inv.StudentID != f.StudentID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inv.Status) {
		return false
	}
	if f.IssuedOnOrBefore != nil && domain.Day(inv.IssueDate).After(domain.Day(*f.IssuedOnOrBefore)) {
		return false
	}
	return true
}

func paginate[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func (t *tx) UpdateInvoice(_ context.Context, inv *domain.Invoice) error {
	existing, ok := t.st.invoices[inv.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "invoice", ID: inv.ID}
	}
	header := *inv
	header.Number = existing.Number
	header.CreatedAt = existing.CreatedAt
	header.Items = nil
	header.PaidAmount = decimal.Zero
	t.st.invoices[inv.ID] = header
	return nil
}

func (t *tx) ReplaceItems(_ context.Context, invoiceID string, items []domain.InvoiceItem) error {
	if _, ok := t.st.invoices[invoiceID]; !ok {
		return &domain.ErrNotFound{Resource: "invoice", ID: invoiceID}
	}
	t.st.items[invoiceID] = slices.Clone(items)
	return nil
}

// ============================================================
// Payments
// ============================================================

func (t *tx) CreatePayment(_ context.Context, p *domain.Payment) error {
	if _, ok := t.st.invoices[p.InvoiceID]; !ok {
		return &domain.ErrNotFound{Resource: "invoice", ID: p.InvoiceID}
	}
	for _, existing := range t.st.payments {
		if existing.Reference == p.Reference {
			return &domain.ErrConflict{Message: "payment reference collision: " + p.Reference}
		}
	}
	t.st.payments[p.ID] = copyPayment(*p)
	return nil
}

func (t *tx) GetPayment(_ context.Context, id string, _ bool) (*domain.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment", ID: id}
	}
	p = t.decorate(p)
	return &p, nil
}

func (t *tx) decorate(p domain.Payment) domain.Payment {
	p = copyPayment(p)
	if inv, ok := t.st.invoices[p.InvoiceID]; ok {
		p.InvoiceNumber = inv.Number
	}
	return p
}

func (t *tx) UpdatePayment(_ context.Context, p *domain.Payment) error {
	if _, ok := t.st.payments[p.ID]; !ok {
		return &domain.ErrNotFound{Resource: "payment", ID: p.ID}
	}
	t.st.payments[p.ID] = copyPayment(*p)
	return nil
}

func (t *tx) ListPayments(_ context.Context, f domain.PaymentFilter) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range t.st.payments {
		if matchPayment(&p, f) {
			out = append(out, t.decorate(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Reference < out[j].Reference
	})
	return out, nil
}

func (t *tx) SumPayments(ctx context.Context, f domain.PaymentFilter) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range t.st.payments {
		if matchPayment(&p, f) {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func matchPayment(p *domain.Payment, f domain.PaymentFilter) bool {
	if !f.Scope.AllowsStudent(p.StudentID) {
		return false
	}
	if f.InvoiceID != "" && p.InvoiceID != f.InvoiceID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
		return false
	}
	day := domain.Day(p.PaymentDate)
	if f.DateFrom != nil && day.Before(domain.Day(*f.DateFrom)) {
		return false
	}
	if f.DateTo != nil && day.After(domain.Day(*f.DateTo)) {
		return false
	}
	return true
}

func copyPayment(p domain.Payment) domain.Payment {
	if p.GatewayResponse != nil {
		p.GatewayResponse = append(json.RawMessage(nil), p.GatewayResponse...)
	}
	if p.ProcessedDate != nil {
		at := *p.ProcessedDate
		p.ProcessedDate = &at
	}
	return p
}

// ============================================================
// Reports
// ============================================================

func reportKey(date time.Time) string {
	return domain.Day(date).Format(domain.DateLayout)
}

func (t *tx) CreateReport(_ context.Context, r *domain.DailyFinancialReport) error {
	key := reportKey(r.ReportDate)
	if _, ok := t.st.reports[key]; ok {
		return &domain.ErrConflict{Message: "report already exists for " + key}
	}
	t.st.reports[key] = copyReport(*r)
	return nil
}

func (t *tx) GetReport(_ context.Context, date time.Time) (*domain.DailyFinancialReport, error) {
	r, ok := t.st.reports[reportKey(date)]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "daily report", ID: reportKey(date)}
	}
	r = copyReport(r)
	return &r, nil
}

func (t *tx) ListReports(_ context.Context, from, to time.Time) ([]domain.DailyFinancialReport, error) {
	var out []domain.DailyFinancialReport
	for _, r := range t.st.reports {
		day := domain.Day(r.ReportDate)
		if day.Before(domain.Day(from)) || day.After(domain.Day(to)) {
			continue
		}
		out = append(out, copyReport(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReportDate.After(out[j].ReportDate) })
	return out, nil
}

func (t *tx) DeleteReport(_ context.Context, date time.Time) error {
	key := reportKey(date)
	if _, ok := t.st.reports[key]; !ok {
		return &domain.ErrNotFound{Resource: "daily report", ID: key}
	}
	delete(t.st.reports, key)
	return nil
}

func (t *tx) MarkReportSent(_ context.Context, date, at time.Time) (*domain.DailyFinancialReport, error) {
	key := reportKey(date)
	r, ok := t.st.reports[key]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "daily report", ID: key}
	}
	if !r.Sent {
		r.Sent = true
		r.SentAt = &at
		t.st.reports[key] = r
	}
	r = copyReport(r)
	return &r, nil
}

func copyReport(r domain.DailyFinancialReport) domain.DailyFinancialReport {
	r.PaymentsByType = maps.Clone(r.PaymentsByType)
	r.Details.TopPayers = slices.Clone(r.Details.TopPayers)
	r.Details.Timeline = slices.Clone(r.Details.Timeline)
	r.Details.Aging = maps.Clone(r.Details.Aging)
	if r.SentAt != nil {
		at := *r.SentAt
		r.SentAt = &at
	}
	return r
}
