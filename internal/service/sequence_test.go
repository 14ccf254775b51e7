package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSequence struct {
	n   int64
	err error
}

func (f fixedSequence) Next(context.Context, string) (int64, error) { return f.n, f.err }

func TestSequenceFormat(t *testing.T) {
	gen := service.NewSequenceGenerator(memstore.NewSequence())
	ctx := context.Background()
	jan := time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC)

	first, err := gen.Next(ctx, service.SequenceInvoice, jan)
	require.NoError(t, err)
	assert.Equal(t, "INV2025010001", first)

	pay, err := gen.Next(ctx, service.SequencePayment, jan)
	require.NoError(t, err)
	assert.Equal(t, "PAY2025010001", pay, "kinds count independently")

	feb, err := gen.Next(ctx, service.SequenceInvoice, jan.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "INV2025020001", feb, "a new month restarts the counter")

	wide, err := service.NewSequenceGenerator(fixedSequence{n: 12345}).Next(ctx, service.SequenceInvoice, jan)
	require.NoError(t, err)
	assert.Equal(t, "INV20250112345", wide)
}

func TestSequenceConcurrentCallersGetDistinctValues(t *testing.T) {
	const n = 100
	gen := service.NewSequenceGenerator(memstore.NewSequence())
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := gen.Next(context.Background(), service.SequenceInvoice, at)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	assert.Contains(t, seen, "INV2025030001")
	assert.Contains(t, seen, "INV2025030100")
}

func TestSequenceStoreFailures(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := service.NewSequenceGenerator(fixedSequence{n: 0}).Next(ctx, service.SequenceInvoice, at)
	requireErrorAs[*domain.ErrConflict](t, err)

	boom := errors.New("redis unavailable")
	_, err = service.NewSequenceGenerator(fixedSequence{err: boom}).Next(ctx, service.SequencePayment, at)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "PAY202501")
}
