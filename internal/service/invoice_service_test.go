package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertTotalsConsistent(t *testing.T, inv *domain.Invoice) {
	t.Helper()
	sum := domain.Zero
	for _, it := range inv.Items {
		sum = sum.Add(it.Total())
	}
	assert.True(t, inv.Subtotal().Equal(sum), "subtotal %s != Σ items %s", inv.Subtotal(), sum)
	assert.True(t, inv.Total().Equal(inv.Subtotal().Sub(inv.Discount)))
	assert.True(t, inv.Balance().Equal(inv.Total().Sub(inv.PaidAmount)))
}

func TestCreateDraftNumbersPerIssueMonth(t *testing.T) {
	h := newHarness(t)

	a := h.draft(t, "s-1", "100.00", day("2025-01-02"), day("2025-01-31"))
	b := h.draft(t, "s-2", "100.00", day("2025-01-20"), day("2025-02-20"))
	c := h.draft(t, "s-3", "100.00", day("2025-02-01"), day("2025-02-28"))

	assert.Equal(t, "INV2025010001", a.Number)
	assert.Equal(t, "INV2025010002", b.Number)
	assert.Equal(t, "INV2025020001", c.Number)
	assert.Equal(t, domain.InvoiceDraft, a.Status)
	assert.Len(t, h.audit.find("invoice", domain.ActionCreate), 3)
}

func TestCreateDraftValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issue := day("2025-01-10")

	_, err := h.invoices.CreateDraft(ctx, bursar, domain.FullScope, service.CreateInvoiceInput{StudentID: "s-1", IssueDate: &issue, DueDate: day("2025-01-09")})
	assert.Equal(t, "due_date", requireErrorAs[*domain.ErrValidation](t, err).Field)

	_, err = h.invoices.CreateDraft(ctx, bursar, domain.FullScope, service.CreateInvoiceInput{
		StudentID: "s-1", DueDate: day("2025-02-01"),
		Items: []service.ItemInput{{FeeTypeID: h.tuition, Description: "x", Quantity: dec("1"), UnitPrice: dec("0.001")}},
	})
	assert.Equal(t, "items[0].unit_price", requireErrorAs[*domain.ErrValidation](t, err).Field)

	_, err = h.invoices.CreateDraft(ctx, bursar, domain.FullScope, service.CreateInvoiceInput{
		StudentID: "s-1", DueDate: day("2025-02-01"),
		Items: []service.ItemInput{{FeeTypeID: "missing", Description: "x", Quantity: dec("1"), UnitPrice: dec("10")}},
	})
	requireErrorAs[*domain.ErrNotFound](t, err)

	_, err = h.invoices.CreateDraft(ctx, domain.Actor{}, domain.FullScope, service.CreateInvoiceInput{StudentID: "s-1", DueDate: day("2025-02-01")})
	assert.Equal(t, "actor", requireErrorAs[*domain.ErrValidation](t, err).Field)
}

func TestItemMutationsKeepTotalsConsistent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.draft(t, "s-1", "300.00", day("2025-01-02"), day("2025-01-31"))

	inv, err := h.invoices.AddItem(ctx, bursar, domain.FullScope, inv.ID, service.ItemInput{FeeTypeID: h.tuition, Description: "Books", Quantity: dec("2"), UnitPrice: dec("50.00")})
	require.NoError(t, err)
	assertTotalsConsistent(t, inv)
	assert.Equal(t, "400.00", domain.FormatMoney(inv.Total()))

	inv, err = h.invoices.ApplyDiscount(ctx, bursar, domain.FullScope, inv.ID, dec("40.00"))
	require.NoError(t, err)
	assertTotalsConsistent(t, inv)
	assert.Equal(t, "360.00", domain.FormatMoney(inv.Total()))

	books := inv.Items[1].ID
	inv, err = h.invoices.UpdateItem(ctx, bursar, domain.FullScope, inv.ID, books, service.ItemInput{FeeTypeID: h.tuition, Description: "Books", Quantity: dec("3"), UnitPrice: dec("50.00")})
	require.NoError(t, err)
	assertTotalsConsistent(t, inv)
	assert.Equal(t, "410.00", domain.FormatMoney(inv.Total()))

	inv, err = h.invoices.RemoveItem(ctx, bursar, domain.FullScope, inv.ID, books)
	require.NoError(t, err)
	assertTotalsConsistent(t, inv)
	require.Len(t, inv.Items, 1)
	assert.Equal(t, 1, inv.Items[0].Position)

	stored := h.reload(t, inv.ID)
	assert.Equal(t, "260.00", domain.FormatMoney(stored.Total()))
	assertTotalsConsistent(t, stored)
}

func TestDiscountCannotExceedSubtotal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.draft(t, "s-1", "100.00", day("2025-01-02"), day("2025-01-31"))

	_, err := h.invoices.ApplyDiscount(ctx, bursar, domain.FullScope, inv.ID, dec("100.01"))
	assert.Equal(t, "discount", requireErrorAs[*domain.ErrValidation](t, err).Field)

	inv, err = h.invoices.ApplyDiscount(ctx, bursar, domain.FullScope, inv.ID, dec("60"))
	require.NoError(t, err)

	// Removing the only line would leave the discount above the subtotal.
	_, err = h.invoices.RemoveItem(ctx, bursar, domain.FullScope, inv.ID, inv.Items[0].ID)
	requireErrorAs[*domain.ErrValidation](t, err)
}

func TestItemsAreFrozenOnceSent(t *testing.T) {
	h := newHarness(t)
	inv := h.sent(t, "s-1", "100.00")

	_, err := h.invoices.AddItem(context.Background(), bursar, domain.FullScope, inv.ID, service.ItemInput{FeeTypeID: h.tuition, Description: "x", Quantity: dec("1"), UnitPrice: dec("1")})
	st := requireErrorAs[*domain.ErrState](t, err)
	assert.Equal(t, string(domain.InvoiceSent), st.Status)

	_, err = h.invoices.Send(context.Background(), bursar, domain.FullScope, inv.ID)
	requireErrorAs[*domain.ErrState](t, err)
}

func TestSendRequiresItems(t *testing.T) {
	h := newHarness(t)
	issue := day("2025-01-02")
	inv, err := h.invoices.CreateDraft(context.Background(), bursar, domain.FullScope, service.CreateInvoiceInput{StudentID: "s-1", IssueDate: &issue, DueDate: day("2025-01-31")})
	require.NoError(t, err)

	_, err = h.invoices.Send(context.Background(), bursar, domain.FullScope, inv.ID)
	assert.Equal(t, "items", requireErrorAs[*domain.ErrValidation](t, err).Field)
}

func TestFullyDiscountedInvoiceIsPaidOnSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.draft(t, "s-1", "100.00", day("2025-01-02"), day("2025-01-31"))
	_, err := h.invoices.ApplyDiscount(ctx, bursar, domain.FullScope, inv.ID, dec("100"))
	require.NoError(t, err)

	inv, err = h.invoices.Send(ctx, bursar, domain.FullScope, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, inv.Status)
}

func TestMarkOverdueMovesOnlyPastDueSentInvoices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	late := h.draft(t, "s-1", "500.00", day("2024-12-20"), day("2025-01-05"))
	late, err := h.invoices.Send(ctx, bursar, domain.FullScope, late.ID)
	require.NoError(t, err)
	current := h.sent(t, "s-2", "500.00")
	draft := h.draft(t, "s-3", "500.00", day("2024-12-20"), day("2025-01-05"))

	res, err := h.invoices.MarkOverdue(ctx, bursar, domain.FullScope, []string{late.ID, current.ID, draft.ID, "missing"}, day("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, []string{late.ID}, res.Succeeded)
	assert.ElementsMatch(t, []string{current.ID, draft.ID}, res.Skipped)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].Key)

	assert.Equal(t, domain.InvoiceOverdue, h.reload(t, late.ID).Status)
	assert.Equal(t, domain.InvoiceSent, h.reload(t, current.ID).Status)

	// Running it again is a no-op.
	res, err = h.invoices.MarkOverdue(ctx, bursar, domain.FullScope, []string{late.ID}, day("2025-01-15"))
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
	assert.Equal(t, []string{late.ID}, res.Skipped)
}

func TestMarkOverdueRespectsScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	late := h.draft(t, "s-1", "500.00", day("2024-12-20"), day("2025-01-05"))
	_, err := h.invoices.Send(ctx, bursar, domain.FullScope, late.ID)
	require.NoError(t, err)

	res, err := h.invoices.MarkOverdue(ctx, bursar, domain.Scope{StudentIDs: []string{"s-2"}}, []string{late.ID}, day("2025-01-15"))
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, domain.InvoiceSent, h.reload(t, late.ID).Status)
}

func TestBulkSetStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.draft(t, "s-1", "100.00", day("2025-01-02"), day("2025-01-31"))
	b := h.sent(t, "s-2", "100.00")
	c := h.sent(t, "s-3", "100.00")
	h.pay(t, c.ID, "CASH", "100.00")

	res, err := h.invoices.BulkSetStatus(ctx, bursar, domain.FullScope, []string{a.ID, b.ID, c.ID}, "cancelled")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, c.ID, res.Failed[0].Key)

	res, err = h.invoices.BulkSetStatus(ctx, bursar, domain.FullScope, []string{a.ID}, "CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, res.Skipped)

	_, err = h.invoices.BulkSetStatus(ctx, bursar, domain.FullScope, []string{a.ID}, "OVERPAID")
	requireErrorAs[*domain.ErrValidation](t, err)
}

func TestCancelRefusesCompletedPaymentsAndCancelsPendingOnes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paid := h.sent(t, "s-1", "100.00")
	h.pay(t, paid.ID, "CASH", "40.00")
	_, err := h.invoices.Cancel(ctx, bursar, domain.FullScope, paid.ID)
	requireErrorAs[*domain.ErrState](t, err)

	open := h.sent(t, "s-2", "100.00")
	pending := h.submit(t, open.ID, "CASH", "40.00")
	inv, err := h.invoices.Cancel(ctx, bursar, domain.FullScope, open.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCancelled, inv.Status)

	p, err := h.payments.Get(ctx, domain.FullScope, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCancelled, p.Status)

	_, err = h.invoices.Cancel(ctx, bursar, domain.FullScope, open.ID)
	requireErrorAs[*domain.ErrState](t, err)
}

func TestGenerateInvoicesFromFeeStructure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	due := day("2025-02-10")

	_, err := h.catalog.CreateFeeStructure(ctx, bursar, service.CreateFeeStructureInput{
		FeeTypeID: h.tuition, Level: "P1", AcademicYear: "2025", Amount: dec("750.00"), DueDate: &due,
	})
	require.NoError(t, err)

	res, err := h.invoices.GenerateInvoices(ctx, bursar, domain.FullScope, service.GenerateInvoicesInput{
		FeeTypeID:    h.tuition,
		Level:        "P1",
		AcademicYear: "2025",
		StudentIDs:   []string{"s-1", "s-2", " ", "s-2", "s-3"},
		Send:         true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"INV2025010001", "INV2025010002", "INV2025010003"}, res.Succeeded)

	invoices, err := h.invoices.List(ctx, domain.InvoiceFilter{Scope: domain.FullScope})
	require.NoError(t, err)
	require.Len(t, invoices, 3)
	for _, inv := range invoices {
		assert.Equal(t, domain.InvoiceSent, inv.Status)
		assert.Equal(t, "750.00", domain.FormatMoney(inv.Total()))
		assert.True(t, due.Equal(inv.DueDate))
	}

	_, err = h.invoices.GenerateInvoices(ctx, bursar, domain.FullScope, service.GenerateInvoicesInput{
		FeeTypeID: h.tuition, Level: "P2", AcademicYear: "2025", StudentIDs: []string{"s-1"},
	})
	assert.Equal(t, "fee_structure", requireErrorAs[*domain.ErrValidation](t, err).Field)
}

func TestConcurrentDraftsGetUniqueIncreasingNumbers(t *testing.T) {
	const n = 64
	h := newHarness(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []string
	)
	issue := day("2025-01-02")
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := h.invoices.CreateDraft(context.Background(), bursar, domain.FullScope, service.CreateInvoiceInput{
				StudentID: fmt.Sprintf("s-%d", i),
				IssueDate: &issue,
				DueDate:   day("2025-01-31"),
				Items:     []service.ItemInput{{FeeTypeID: h.tuition, Description: "Tuition", Quantity: dec("1"), UnitPrice: dec("100")}},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers = append(numbers, inv.Number)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Strings(numbers)
	require.Len(t, numbers, n)
	for i, num := range numbers {
		assert.Equal(t, fmt.Sprintf("INV202501%04d", i+1), num)
	}
}

func TestInvoiceMutationsOutsideScopeAreNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	draft := h.draft(t, "s-2", "100.00", day("2025-01-02"), day("2025-01-31"))
	parent := domain.Scope{StudentIDs: []string{"s-1"}}
	item := service.ItemInput{FeeTypeID: h.tuition, Description: "Books", Quantity: dec("1"), UnitPrice: dec("10")}

	_, err := h.invoices.AddItem(ctx, bursar, parent, draft.ID, item)
	requireErrorAs[*domain.ErrNotFound](t, err)
	_, err = h.invoices.UpdateItem(ctx, bursar, parent, draft.ID, draft.Items[0].ID, item)
	requireErrorAs[*domain.ErrNotFound](t, err)
	_, err = h.invoices.RemoveItem(ctx, bursar, parent, draft.ID, draft.Items[0].ID)
	requireErrorAs[*domain.ErrNotFound](t, err)
	_, err = h.invoices.ApplyDiscount(ctx, bursar, parent, draft.ID, dec("10"))
	requireErrorAs[*domain.ErrNotFound](t, err)
	_, err = h.invoices.RecomputeTotals(ctx, bursar, parent, draft.ID)
	requireErrorAs[*domain.ErrNotFound](t, err)
	_, err = h.invoices.Send(ctx, bursar, parent, draft.ID)
	requireErrorAs[*domain.ErrNotFound](t, err)
	_, err = h.invoices.Cancel(ctx, bursar, parent, draft.ID)
	requireErrorAs[*domain.ErrNotFound](t, err)

	got := h.reload(t, draft.ID)
	assert.Equal(t, domain.InvoiceDraft, got.Status)
	assert.True(t, got.Discount.IsZero())
	assert.Len(t, got.Items, 1)
	assert.Empty(t, h.audit.find("invoice", domain.ActionUpdate))

	// The same scope may work on its own student's invoice.
	mine := h.draft(t, "s-1", "100.00", day("2025-01-02"), day("2025-01-31"))
	sent, err := h.invoices.Send(ctx, bursar, parent, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceSent, sent.Status)
}

func TestCreateDraftForStudentOutsideScope(t *testing.T) {
	h := newHarness(t)
	parent := domain.Scope{StudentIDs: []string{"s-1"}}

	_, err := h.invoices.CreateDraft(context.Background(), bursar, parent, service.CreateInvoiceInput{StudentID: "s-2", DueDate: day("2025-01-31")})
	nf := requireErrorAs[*domain.ErrNotFound](t, err)
	assert.Equal(t, "student", nf.Resource)

	due := day("2025-02-10")
	_, err = h.catalog.CreateFeeStructure(context.Background(), bursar, service.CreateFeeStructureInput{
		FeeTypeID: h.tuition, Level: "P1", AcademicYear: "2025", Amount: dec("750.00"), DueDate: &due,
	})
	require.NoError(t, err)

	res, err := h.invoices.GenerateInvoices(context.Background(), bursar, parent, service.GenerateInvoicesInput{
		FeeTypeID:    h.tuition,
		Level:        "P1",
		AcademicYear: "2025",
		StudentIDs:   []string{"s-1", "s-2"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 1)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "s-2", res.Failed[0].Key)
}

func TestMarkOverdueRefusesFutureCutoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	current := h.sent(t, "s-1", "500.00")

	_, err := h.invoices.MarkOverdue(ctx, bursar, domain.FullScope, []string{current.ID}, day("2099-01-01"))
	ve := requireErrorAs[*domain.ErrValidation](t, err)
	assert.Equal(t, "as_of", ve.Field)

	_, err = h.invoices.MarkAllOverdue(ctx, bursar, day("2025-01-16"))
	ve = requireErrorAs[*domain.ErrValidation](t, err)
	assert.Equal(t, "as_of", ve.Field)

	assert.Equal(t, domain.InvoiceSent, h.reload(t, current.ID).Status)

	// Today is accepted.
	res, err := h.invoices.MarkAllOverdue(ctx, bursar, day("2025-01-15"))
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
}
