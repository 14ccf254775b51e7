package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/port"
)

// SequenceKind is the identifier prefix of an entity kind.
type SequenceKind string

const (
	SequenceInvoice SequenceKind = "INV"
	SequencePayment SequenceKind = "PAY"
)

// sequenceWidth is the zero padded width of the counter suffix. Larger
// values simply grow the identifier.
const sequenceWidth = 4

// SequenceGenerator renders human readable identifiers such as INV2025100001
// from an atomic counter per kind and calendar month.
type SequenceGenerator struct {
	store port.SequenceStore
}

// NewSequenceGenerator creates a generator over store.
func NewSequenceGenerator(store port.SequenceStore) *SequenceGenerator {
	return &SequenceGenerator{store: store}
}

// Scope returns the counter scope of kind for the month containing at.
func (g *SequenceGenerator) Scope(kind SequenceKind, at time.Time) string {
	return string(kind) + at.Format("200601")
}

// Next issues the next identifier of kind for the month of at. A number that
// is consumed but never stored leaves a gap; it is not handed out again.
func (g *SequenceGenerator) Next(ctx context.Context, kind SequenceKind, at time.Time) (string, error) {
	scope := g.Scope(kind, at)
	n, err := g.store.Next(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("sequence %s: %w", scope, err)
	}
	if n <= 0 {
		return "", &domain.ErrConflict{Message: fmt.Sprintf("sequence %s returned non-positive value %d", scope, n)}
	}
	return fmt.Sprintf("%s%0*d", scope, sequenceWidth, n), nil
}
