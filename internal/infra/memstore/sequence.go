package memstore

import (
	"context"
	"sync"
)

// Sequence is a mutex guarded counter map implementing port.SequenceStore.
type Sequence struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewSequence creates an empty counter set.
func NewSequence() *Sequence {
	return &Sequence{counters: make(map[string]int64)}
}

// Next increments and returns the counter of scope.
func (s *Sequence) Next(ctx context.Context, scope string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[scope]++
	return s.counters[scope], nil
}
