package postgres

import (
	"encoding/json"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type feeTypeModel struct {
	ID          string    `gorm:"column:id;type:uuid;primaryKey"`
	Name        string    `gorm:"column:name;size:100;not null;uniqueIndex"`
	Description string    `gorm:"column:description;type:text"`
	IsRecurring bool      `gorm:"column:is_recurring;not null;default:false"`
	IsMandatory bool      `gorm:"column:is_mandatory;not null;default:true"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

func (feeTypeModel) TableName() string { return "fee_types" }

type feeStructureModel struct {
	ID           string          `gorm:"column:id;type:uuid;primaryKey"`
	FeeTypeID    string          `gorm:"column:fee_type_id;type:uuid;not null;uniqueIndex:ux_fee_structure_key,priority:1"`
	Level        string          `gorm:"column:level;size:50;not null;uniqueIndex:ux_fee_structure_key,priority:2"`
	AcademicYear string          `gorm:"column:academic_year;size:20;not null;uniqueIndex:ux_fee_structure_key,priority:3"`
	Amount       decimal.Decimal `gorm:"column:amount;type:numeric(15,2);not null"`
	DueDate      *time.Time      `gorm:"column:due_date;type:date"`
	CreatedAt    time.Time       `gorm:"column:created_at;not null"`
}

func (feeStructureModel) TableName() string { return "fee_structures" }

type paymentMethodModel struct {
	ID                string    `gorm:"column:id;type:uuid;primaryKey"`
	Name              string    `gorm:"column:name;size:50;not null"`
	Code              string    `gorm:"column:code;size:20;not null;uniqueIndex"`
	IsActive          bool      `gorm:"column:is_active;not null;default:true"`
	RequiresReference bool      `gorm:"column:requires_reference;not null;default:false"`
	Description       string    `gorm:"column:description;type:text"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
}

func (paymentMethodModel) TableName() string { return "payment_methods" }

type invoiceModel struct {
	ID          string          `gorm:"column:id;type:uuid;primaryKey"`
	Number      string          `gorm:"column:invoice_number;size:20;not null;uniqueIndex"`
	StudentID   string          `gorm:"column:student_id;size:64;not null;index"`
	ParentID    *string         `gorm:"column:parent_id;size:64"`
	IssueDate   time.Time       `gorm:"column:issue_date;type:date;not null;index"`
	DueDate     time.Time       `gorm:"column:due_date;type:date;not null;index"`
	Subtotal    decimal.Decimal `gorm:"column:subtotal;type:numeric(15,2);not null;default:0"`
	Discount    decimal.Decimal `gorm:"column:discount;type:numeric(15,2);not null;default:0"`
	TotalAmount decimal.Decimal `gorm:"column:total_amount;type:numeric(15,2);not null;default:0"`
	Status      string          `gorm:"column:status;size:20;not null;index"`
	Notes       string          `gorm:"column:notes;type:text"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;not null"`

	Items []invoiceItemModel `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE"`
}

func (invoiceModel) TableName() string { return "invoices" }

type invoiceItemModel struct {
	ID          string          `gorm:"column:id;type:uuid;primaryKey"`
	InvoiceID   string          `gorm:"column:invoice_id;type:uuid;not null;index"`
	FeeTypeID   string          `gorm:"column:fee_type_id;type:uuid;not null"`
	Description string          `gorm:"column:description;size:200;not null"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:numeric(10,2);not null"`
	UnitPrice   decimal.Decimal `gorm:"column:unit_price;type:numeric(15,2);not null"`
	Total       decimal.Decimal `gorm:"column:total;type:numeric(15,2);not null"`
	Position    int             `gorm:"column:position;not null"`
}

func (invoiceItemModel) TableName() string { return "invoice_items" }

type paymentModel struct {
	ID              string          `gorm:"column:id;type:uuid;primaryKey"`
	Reference       string          `gorm:"column:payment_reference;size:20;not null;uniqueIndex"`
	InvoiceID       string          `gorm:"column:invoice_id;type:uuid;not null;index"`
	StudentID       string          `gorm:"column:student_id;size:64;not null;index"`
	MethodID        string          `gorm:"column:payment_method_id;type:uuid;not null"`
	MethodCode      string          `gorm:"column:payment_method_code;size:20;not null"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(15,2);not null"`
	TransactionID   string          `gorm:"column:transaction_id;size:100"`
	PaymentDate     time.Time       `gorm:"column:payment_date;type:date;not null;index"`
	ProcessedDate   *time.Time      `gorm:"column:processed_date"`
	Status          string          `gorm:"column:status;size:20;not null;index"`
	Notes           string          `gorm:"column:notes;type:text"`
	GatewayResponse datatypes.JSON  `gorm:"column:gateway_response"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null;index"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;not null"`

	Invoice *invoiceModel `gorm:"foreignKey:InvoiceID;constraint:OnDelete:RESTRICT"`
}

func (paymentModel) TableName() string { return "payments" }

type reportModel struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey"`
	ReportDate time.Time `gorm:"column:report_date;type:date;not null;uniqueIndex"`

	PaymentsCount    int             `gorm:"column:payments_count;not null"`
	PaymentsTotal    decimal.Decimal `gorm:"column:payments_total;type:numeric(15,2);not null"`
	PaymentsCash     decimal.Decimal `gorm:"column:payments_cash;type:numeric(15,2);not null"`
	PaymentsCheck    decimal.Decimal `gorm:"column:payments_check;type:numeric(15,2);not null"`
	PaymentsTransfer decimal.Decimal `gorm:"column:payments_transfer;type:numeric(15,2);not null"`
	PaymentsCard     decimal.Decimal `gorm:"column:payments_card;type:numeric(15,2);not null"`
	PaymentsMobile   decimal.Decimal `gorm:"column:payments_mobile;type:numeric(15,2);not null"`
	PaymentsOther    decimal.Decimal `gorm:"column:payments_other;type:numeric(15,2);not null"`

	InvoicesCreatedCount int             `gorm:"column:invoices_created_count;not null"`
	InvoicesCreatedTotal decimal.Decimal `gorm:"column:invoices_created_total;type:numeric(15,2);not null"`
	InvoicesPendingCount int             `gorm:"column:invoices_pending_count;not null"`
	InvoicesPendingTotal decimal.Decimal `gorm:"column:invoices_pending_total;type:numeric(15,2);not null"`
	InvoicesPaidCount    int             `gorm:"column:invoices_paid_count;not null"`
	InvoicesPaidTotal    decimal.Decimal `gorm:"column:invoices_paid_total;type:numeric(15,2);not null"`
	InvoicesOverdueCount int             `gorm:"column:invoices_overdue_count;not null"`
	InvoicesOverdueTotal decimal.Decimal `gorm:"column:invoices_overdue_total;type:numeric(15,2);not null"`
	InvoicesPartialCount int             `gorm:"column:invoices_partial_count;not null"`
	InvoicesPartialTotal decimal.Decimal `gorm:"column:invoices_partial_total;type:numeric(15,2);not null"`

	PreviousDayTotal    *decimal.Decimal `gorm:"column:previous_day_total;type:numeric(15,2)"`
	DiffPreviousDay     decimal.Decimal  `gorm:"column:payments_diff_previous_day;type:numeric(15,2);not null"`
	DiffPreviousDayPct  *decimal.Decimal `gorm:"column:payments_diff_previous_day_percent;type:numeric(15,2)"`
	PreviousWeekTotal   *decimal.Decimal `gorm:"column:previous_week_total;type:numeric(15,2)"`
	DiffPreviousWeek    decimal.Decimal  `gorm:"column:payments_diff_previous_week;type:numeric(15,2);not null"`
	DiffPreviousWeekPct *decimal.Decimal `gorm:"column:payments_diff_previous_week_percent;type:numeric(15,2)"`

	MonthlyAverage   decimal.Decimal `gorm:"column:monthly_average_payments;type:numeric(15,2);not null"`
	TotalReceivables decimal.Decimal `gorm:"column:total_receivables;type:numeric(15,2);not null"`
	CollectionRate   decimal.Decimal `gorm:"column:collection_rate;type:numeric(15,2);not null"`

	ExpensesCount int             `gorm:"column:expenses_count;not null"`
	ExpensesTotal decimal.Decimal `gorm:"column:expenses_total;type:numeric(15,2);not null"`
	NetBalance    decimal.Decimal `gorm:"column:net_balance;type:numeric(15,2);not null"`

	GeneratedAt time.Time  `gorm:"column:generated_at;not null;index"`
	GeneratedBy string     `gorm:"column:generated_by;size:64"`
	EmailSent   bool       `gorm:"column:email_sent;not null;default:false"`
	EmailSentAt *time.Time `gorm:"column:email_sent_at"`
	Notes       string     `gorm:"column:notes;type:text"`

	AdditionalData datatypes.JSONType[domain.ReportDetails] `gorm:"column:additional_data"`
}

func (reportModel) TableName() string { return "daily_financial_reports" }

type sequenceModel struct {
	Scope string `gorm:"column:scope;size:32;primaryKey"`
	Value int64  `gorm:"column:value;not null"`
}

func (sequenceModel) TableName() string { return "ledger_sequences" }

// allModels is the AutoMigrate set, parents first.
var allModels = []any{
	&feeTypeModel{},
	&feeStructureModel{},
	&paymentMethodModel{},
	&invoiceModel{},
	&invoiceItemModel{},
	&paymentModel{},
	&reportModel{},
	&sequenceModel{},
}

// ============================================================
// Conversions
// ============================================================

func toFeeTypeModel(ft *domain.FeeType) feeTypeModel {
	return feeTypeModel{
		ID:          ft.ID,
		Name:        ft.Name,
		Description: ft.Description,
		IsRecurring: ft.Recurring,
		IsMandatory: ft.Mandatory,
		CreatedAt:   ft.CreatedAt,
	}
}

func (m feeTypeModel) toDomain() domain.FeeType {
	return domain.FeeType{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Recurring:   m.IsRecurring,
		Mandatory:   m.IsMandatory,
		CreatedAt:   m.CreatedAt,
	}
}

func toFeeStructureModel(fs *domain.FeeStructure) feeStructureModel {
	return feeStructureModel{
		ID:           fs.ID,
		FeeTypeID:    fs.FeeTypeID,
		Level:        fs.Level,
		AcademicYear: fs.AcademicYear,
		Amount:       fs.Amount,
		DueDate:      fs.DueDate,
		CreatedAt:    fs.CreatedAt,
	}
}

func (m feeStructureModel) toDomain() domain.FeeStructure {
	fs := domain.FeeStructure{
		ID:           m.ID,
		FeeTypeID:    m.FeeTypeID,
		Level:        m.Level,
		AcademicYear: m.AcademicYear,
		Amount:       m.Amount,
		CreatedAt:    m.CreatedAt,
	}
	if m.DueDate != nil {
		d := domain.Day(*m.DueDate)
		fs.DueDate = &d
	}
	return fs
}

func toPaymentMethodModel(pm *domain.PaymentMethod) paymentMethodModel {
	return paymentMethodModel{
		ID:                pm.ID,
		Name:              pm.Name,
		Code:              pm.Code,
		IsActive:          pm.Active,
		RequiresReference: pm.RequiresReference,
		Description:       pm.Description,
		CreatedAt:         pm.CreatedAt,
	}
}

func (m paymentMethodModel) toDomain() domain.PaymentMethod {
	return domain.PaymentMethod{
		ID:                m.ID,
		Name:              m.Name,
		Code:              m.Code,
		Active:            m.IsActive,
		RequiresReference: m.RequiresReference,
		Description:       m.Description,
		CreatedAt:         m.CreatedAt,
	}
}

// toInvoiceModel also writes the denormalised totals derived from the items.
func toInvoiceModel(inv *domain.Invoice) invoiceModel {
	return invoiceModel{
		ID:          inv.ID,
		Number:      inv.Number,
		StudentID:   inv.StudentID,
		ParentID:    inv.ParentID,
		IssueDate:   domain.Day(inv.IssueDate),
		DueDate:     domain.Day(inv.DueDate),
		Subtotal:    inv.Subtotal(),
		Discount:    inv.Discount,
		TotalAmount: inv.Total(),
		Status:      string(inv.Status),
		Notes:       inv.Notes,
		CreatedAt:   inv.CreatedAt,
		UpdatedAt:   inv.UpdatedAt,
		Items:       toItemModels(inv.ID, inv.Items),
	}
}

func toItemModels(invoiceID string, items []domain.InvoiceItem) []invoiceItemModel {
	out := make([]invoiceItemModel, 0, len(items))
	for _, it := range items {
		out = append(out, invoiceItemModel{
			ID:          it.ID,
			InvoiceID:   invoiceID,
			FeeTypeID:   it.FeeTypeID,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Total:       it.Total(),
			Position:    it.Position,
		})
	}
	return out
}

func (m invoiceModel) toDomain(paid decimal.Decimal) domain.Invoice {
	inv := domain.Invoice{
		ID:         m.ID,
		Number:     m.Number,
		StudentID:  m.StudentID,
		ParentID:   m.ParentID,
		IssueDate:  domain.Day(m.IssueDate),
		DueDate:    domain.Day(m.DueDate),
		Discount:   m.Discount,
		Status:     domain.InvoiceStatus(m.Status),
		Notes:      m.Notes,
		PaidAmount: paid,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	inv.Items = make([]domain.InvoiceItem, 0, len(m.Items))
	for _, it := range m.Items {
		inv.Items = append(inv.Items, domain.InvoiceItem{
			ID:          it.ID,
			InvoiceID:   it.InvoiceID,
			FeeTypeID:   it.FeeTypeID,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Position:    it.Position,
		})
	}
	return inv
}

func toPaymentModel(p *domain.Payment) paymentModel {
	return paymentModel{
		ID:              p.ID,
		Reference:       p.Reference,
		InvoiceID:       p.InvoiceID,
		StudentID:       p.StudentID,
		MethodID:        p.MethodID,
		MethodCode:      p.MethodCode,
		Amount:          p.Amount,
		TransactionID:   p.TransactionID,
		PaymentDate:     domain.Day(p.PaymentDate),
		ProcessedDate:   p.ProcessedDate,
		Status:          string(p.Status),
		Notes:           p.Notes,
		GatewayResponse: datatypes.JSON(p.GatewayResponse),
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (m paymentModel) toDomain() domain.Payment {
	p := domain.Payment{
		ID:            m.ID,
		Reference:     m.Reference,
		InvoiceID:     m.InvoiceID,
		StudentID:     m.StudentID,
		MethodID:      m.MethodID,
		MethodCode:    m.MethodCode,
		Amount:        m.Amount,
		TransactionID: m.TransactionID,
		PaymentDate:   domain.Day(m.PaymentDate),
		ProcessedDate: m.ProcessedDate,
		Status:        domain.PaymentStatus(m.Status),
		Notes:         m.Notes,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if len(m.GatewayResponse) > 0 {
		p.GatewayResponse = json.RawMessage(m.GatewayResponse)
	}
	if m.Invoice != nil {
		p.InvoiceNumber = m.Invoice.Number
	}
	return p
}

func toReportModel(r *domain.DailyFinancialReport) reportModel {
	byType := func(bucket string) decimal.Decimal {
		return r.PaymentsByType[bucket]
	}
	return reportModel{
		ID:         r.ID,
		ReportDate: domain.Day(r.ReportDate),

		PaymentsCount:    r.PaymentsCount,
		PaymentsTotal:    r.PaymentsTotal,
		PaymentsCash:     byType(domain.BucketCash),
		PaymentsCheck:    byType(domain.BucketCheck),
		PaymentsTransfer: byType(domain.BucketTransfer),
		PaymentsCard:     byType(domain.BucketCard),
		PaymentsMobile:   byType(domain.BucketMobile),
		PaymentsOther:    byType(domain.BucketOther),

		InvoicesCreatedCount: r.InvoicesCreated.Count,
		InvoicesCreatedTotal: r.InvoicesCreated.Amount,
		InvoicesPendingCount: r.InvoicesPending.Count,
		InvoicesPendingTotal: r.InvoicesPending.Amount,
		InvoicesPaidCount:    r.InvoicesPaid.Count,
		InvoicesPaidTotal:    r.InvoicesPaid.Amount,
		InvoicesOverdueCount: r.InvoicesOverdue.Count,
		InvoicesOverdueTotal: r.InvoicesOverdue.Amount,
		InvoicesPartialCount: r.InvoicesPartial.Count,
		InvoicesPartialTotal: r.InvoicesPartial.Amount,

		PreviousDayTotal:    trendTotal(r.PreviousDay),
		DiffPreviousDay:     r.PreviousDay.Change,
		DiffPreviousDayPct:  r.PreviousDay.Percent,
		PreviousWeekTotal:   trendTotal(r.PreviousWeek),
		DiffPreviousWeek:    r.PreviousWeek.Change,
		DiffPreviousWeekPct: r.PreviousWeek.Percent,

		MonthlyAverage:   r.MonthlyAverage,
		TotalReceivables: r.TotalReceivables,
		CollectionRate:   r.CollectionRate,

		ExpensesCount: r.ExpensesCount,
		ExpensesTotal: r.ExpensesTotal,
		NetBalance:    r.NetBalance,

		GeneratedAt: r.GeneratedAt,
		GeneratedBy: r.GeneratedBy,
		EmailSent:   r.Sent,
		EmailSentAt: r.SentAt,
		Notes:       r.Notes,

		AdditionalData: datatypes.NewJSONType(r.Details),
	}
}

func trendTotal(t domain.Trend) *decimal.Decimal {
	if !t.Available {
		return nil
	}
	total := t.PreviousTotal
	return &total
}

func trendFrom(prev *decimal.Decimal, change decimal.Decimal, pct *decimal.Decimal) domain.Trend {
	if prev == nil {
		return domain.Trend{PreviousTotal: decimal.Zero, Change: decimal.Zero}
	}
	return domain.Trend{Available: true, PreviousTotal: *prev, Change: change, Percent: pct}
}

func (m reportModel) toDomain() domain.DailyFinancialReport {
	return domain.DailyFinancialReport{
		ID:            m.ID,
		ReportDate:    domain.Day(m.ReportDate),
		PaymentsCount: m.PaymentsCount,
		PaymentsTotal: m.PaymentsTotal,
		PaymentsByType: map[string]decimal.Decimal{
			domain.BucketCash:     m.PaymentsCash,
			domain.BucketCheck:    m.PaymentsCheck,
			domain.BucketTransfer: m.PaymentsTransfer,
			domain.BucketCard:     m.PaymentsCard,
			domain.BucketMobile:   m.PaymentsMobile,
			domain.BucketOther:    m.PaymentsOther,
		},
		InvoicesCreated: domain.CountAmount{Count: m.InvoicesCreatedCount, Amount: m.InvoicesCreatedTotal},
		InvoicesPending: domain.CountAmount{Count: m.InvoicesPendingCount, Amount: m.InvoicesPendingTotal},
		InvoicesPaid:    domain.CountAmount{Count: m.InvoicesPaidCount, Amount: m.InvoicesPaidTotal},
		InvoicesOverdue: domain.CountAmount{Count: m.InvoicesOverdueCount, Amount: m.InvoicesOverdueTotal},
		InvoicesPartial: domain.CountAmount{Count: m.InvoicesPartialCount, Amount: m.InvoicesPartialTotal},

		PreviousDay:  trendFrom(m.PreviousDayTotal, m.DiffPreviousDay, m.DiffPreviousDayPct),
		PreviousWeek: trendFrom(m.PreviousWeekTotal, m.DiffPreviousWeek, m.DiffPreviousWeekPct),

		MonthlyAverage:   m.MonthlyAverage,
		TotalReceivables: m.TotalReceivables,
		CollectionRate:   m.CollectionRate,
		ExpensesCount:    m.ExpensesCount,
		ExpensesTotal:    m.ExpensesTotal,
		NetBalance:       m.NetBalance,

		GeneratedAt: m.GeneratedAt,
		GeneratedBy: m.GeneratedBy,
		Sent:        m.EmailSent,
		SentAt:      m.EmailSentAt,
		Notes:       m.Notes,
		Details:     m.AdditionalData.Data(),
	}
}
