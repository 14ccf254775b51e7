package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Fee catalog (reference data)
// ============================================================

// FeeType is a named category of charge (tuition, registration, transport...).
type FeeType struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Recurring   bool      `json:"is_recurring"`
	Mandatory   bool      `json:"is_mandatory"`
	CreatedAt   time.Time `json:"created_at"`
}

// FeeStructure prices a fee type for a level and academic year.
// Unique per (FeeTypeID, Level, AcademicYear).
type FeeStructure struct {
	ID           string          `json:"id"`
	FeeTypeID    string          `json:"fee_type_id"`
	Level        string          `json:"level"`
	AcademicYear string          `json:"academic_year"`
	Amount       decimal.Decimal `json:"amount"`
	DueDate      *time.Time      `json:"due_date,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FeeStructureKey identifies a fee structure.
type FeeStructureKey struct {
	FeeTypeID    string
	Level        string
	AcademicYear string
}

func (k FeeStructureKey) String() string {
	return k.FeeTypeID + "/" + k.Level + "/" + k.AcademicYear
}

// Key returns the uniqueness key of the structure.
func (f *FeeStructure) Key() FeeStructureKey {
	return FeeStructureKey{FeeTypeID: f.FeeTypeID, Level: f.Level, AcademicYear: f.AcademicYear}
}

// Well-known payment method codes. Report buckets are keyed by these.
const (
	MethodCash     = "CASH"
	MethodCheck    = "CHECK"
	MethodTransfer = "TRANSFER"
	MethodCard     = "CARD"
	MethodMobile   = "MOBILE"
)

// PaymentMethod is reference data describing how a payment is made.
type PaymentMethod struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Code              string    `json:"code"`
	Active            bool      `json:"is_active"`
	RequiresReference bool      `json:"requires_reference"`
	Description       string    `json:"description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// NormalizeMethodCode upper-cases and trims a method code.
func NormalizeMethodCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
