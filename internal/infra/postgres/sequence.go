package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Sequence implements port.SequenceStore with one counter row per scope.
type Sequence struct {
	db *gorm.DB
}

// NewSequence creates a counter store on db. The ledger_sequences table is
// part of the migrated schema.
func NewSequence(db *gorm.DB) *Sequence {
	return &Sequence{db: db}
}

// Next atomically increments the counter of scope, creating it at 1.
func (s *Sequence) Next(ctx context.Context, scope string) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Raw(`
		INSERT INTO ledger_sequences (scope, value) VALUES (?, 1)
		ON CONFLICT (scope) DO UPDATE SET value = ledger_sequences.value + 1
		RETURNING value`, scope).Scan(&value).Error
	if err != nil {
		return 0, fmt.Errorf("next sequence value for %s: %w", scope, err)
	}
	return value, nil
}
