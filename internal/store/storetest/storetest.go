// Package storetest is a behavioral test suite shared by every
// store.Repository implementation.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/store"
)

// Factory returns an empty repository. It registers its own cleanup.
type Factory func(t *testing.T) store.Repository

// T0 is the base time of every fixture.
var T0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run runs the suite against repositories produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, r store.Repository)
	}{
		{"CreateAndGetOrder", testCreateAndGetOrder},
		{"CreateOrderDuplicate", testCreateOrderDuplicate},
		{"GetOrderNotFound", testGetOrderNotFound},
		{"InsertEventIdempotent", testInsertEventIdempotent},
		{"CompleteEventOnce", testCompleteEventOnce},
		{"CompleteEventUnknown", testCompleteEventUnknown},
		{"ApplyEvent", testApplyEvent},
		{"ApplyEventVersionConflict", testApplyEventVersionConflict},
		{"ApplyEventDuplicateDedupKey", testApplyEventDuplicateDedupKey},
		{"ApplyEventKeepsPaymentID", testApplyEventKeepsPaymentID},
		{"ListStaleOrders", testListStaleOrders},
		{"MarkPolled", testMarkPolled},
		{"ListUnprocessedEvents", testListUnprocessedEvents},
		{"ClaimDueRetries", testClaimDueRetries},
		{"ListOrphanPaymentIDs", testListOrphanPaymentIDs},
		{"ListOrphanPaymentIDsRotates", testListOrphanPaymentIDsRotates},
		{"ListEventsFilters", testListEventsFilters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newRepo(t))
		})
	}
}

// NewOrder returns a pending order fixture.
func NewOrder(id, ref string) domain.Order {
	return domain.Order{
		ID:                id,
		ExternalReference: ref,
		Status:            domain.StatusPending,
		Amount:            decimal.RequireFromString("100.50"),
		Currency:          "BRL",
		CreatedAt:         T0,
		UpdatedAt:         T0,
	}
}

// NewEvent returns an unprocessed webhook event fixture.
func NewEvent(id, paymentID string, receivedAt time.Time) domain.PaymentEvent {
	return domain.PaymentEvent{
		ID:         id,
		Source:     domain.SourceWebhook,
		PaymentID:  paymentID,
		RawPayload: fmt.Sprintf(`{"type":"payment","data":{"id":"%s"}}`, paymentID),
		ReceivedAt: receivedAt,
		Attempt:    1,
	}
}

func mustCreateOrder(t *testing.T, r store.Repository, o domain.Order) {
	t.Helper()
	require.NoError(t, r.CreateOrder(context.Background(), o))
}

func mustInsertEvent(t *testing.T, r store.Repository, e domain.PaymentEvent) {
	t.Helper()
	require.NoError(t, r.InsertEvent(context.Background(), e))
}

func complete(t *testing.T, r store.Repository, id string, outcome domain.Outcome, at time.Time) {
	t.Helper()
	require.NoError(t, r.CompleteEvent(context.Background(), domain.EventResult{
		EventID:     id,
		Outcome:     outcome,
		ProcessedAt: at,
	}))
}

func testCreateAndGetOrder(t *testing.T, r store.Repository) {
	ctx := context.Background()
	mustCreateOrder(t, r, NewOrder("ord-1", "ref-1"))

	got, err := r.GetOrderByExternalReference(ctx, "ref-1")
	require.NoError(t, err)

	assert.Equal(t, "ord-1", got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, decimal.RequireFromString("100.50").Equal(got.Amount))
	assert.Equal(t, "BRL", got.Currency)
	assert.Equal(t, int64(0), got.Version)
	assert.Empty(t, got.PaymentID)
	assert.True(t, T0.Equal(got.UpdatedAt))
	assert.Nil(t, got.LastPolledAt)
}

func testCreateOrderDuplicate(t *testing.T, r store.Repository) {
	mustCreateOrder(t, r, NewOrder("ord-1", "ref-1"))

	err := r.CreateOrder(context.Background(), NewOrder("ord-2", "ref-1"))
	assert.ErrorIs(t, err, domain.ErrOrderExists)
}

func testGetOrderNotFound(t *testing.T, r store.Repository) {
	_, err := r.GetOrderByExternalReference(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func testInsertEventIdempotent(t *testing.T, r store.Repository) {
	ctx := context.Background()
	e := NewEvent("evt-1", "pay-1", T0)
	mustInsertEvent(t, r, e)

	e.PaymentID = "changed"
	mustInsertEvent(t, r, e)

	got, err := r.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", got.PaymentID)
	assert.Equal(t, domain.SourceWebhook, got.Source)
	assert.Equal(t, 1, got.Attempt)
	assert.False(t, got.Processed())
	assert.Equal(t, domain.Outcome(""), got.Outcome)
	assert.JSONEq(t, `{"type":"payment","data":{"id":"pay-1"}}`, got.RawPayload)

	_, err = r.GetEvent(ctx, "evt-missing")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func testCompleteEventOnce(t *testing.T, r store.Repository) {
	ctx := context.Background()
	mustInsertEvent(t, r, NewEvent("evt-1", "", T0))

	next := T0.Add(time.Minute)
	err := r.CompleteEvent(ctx, domain.EventResult{
		EventID:        "evt-1",
		Outcome:        domain.OutcomeRejected,
		PaymentID:      "pay-9",
		ReportedStatus: "approved",
		ErrorCode:      domain.CodeTransient,
		ErrorMessage:   "processor 503",
		NextRetryAt:    &next,
		ProcessedAt:    T0.Add(time.Second),
	})
	require.NoError(t, err)

	got, err := r.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, got.Processed())
	assert.Equal(t, domain.OutcomeRejected, got.Outcome)
	assert.Equal(t, "pay-9", got.PaymentID)
	assert.Equal(t, "approved", got.ReportedStatus)
	assert.Equal(t, domain.CodeTransient, got.ErrorCode)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, next.Equal(*got.NextRetryAt))

	err = r.CompleteEvent(ctx, domain.EventResult{EventID: "evt-1", Outcome: domain.OutcomeIgnored, ProcessedAt: T0})
	assert.ErrorIs(t, err, domain.ErrEventProcessed)

	got, err = r.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, got.Outcome, "first completion wins")
}

func testCompleteEventUnknown(t *testing.T, r store.Repository) {
	err := r.CompleteEvent(context.Background(), domain.EventResult{EventID: "nope", Outcome: domain.OutcomeIgnored, ProcessedAt: T0})
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func applyResult(eventID, dedupKey string, at time.Time) domain.EventResult {
	return domain.EventResult{
		EventID:           eventID,
		PaymentID:         "pay-1",
		ExternalReference: "ref-1",
		ReportedStatus:    "approved",
		DedupKey:          dedupKey,
		ResultStatus:      domain.StatusApproved,
		ProcessedAt:       at,
	}
}

func testApplyEvent(t *testing.T, r store.Repository) {
	ctx := context.Background()
	mustCreateOrder(t, r, NewOrder("ord-1", "ref-1"))
	mustInsertEvent(t, r, NewEvent("evt-1", "pay-1", T0))

	at := T0.Add(time.Second)
	err := r.ApplyEvent(ctx, domain.OrderTransition{
		OrderID:         "ord-1",
		ExpectedVersion: 0,
		Status:          domain.StatusApproved,
		PaymentID:       "pay-1",
		UpdatedAt:       at,
	}, applyResult("evt-1", "key-1", at))
	require.NoError(t, err)

	o, err := r.GetOrderByExternalReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, o.Status)
	assert.Equal(t, "pay-1", o.PaymentID)
	assert.Equal(t, "evt-1", o.LastEventID)
	assert.Equal(t, int64(1), o.Version)
	assert.True(t, at.Equal(o.UpdatedAt))

	e, err := r.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, e.Outcome)
	assert.Equal(t, domain.StatusApproved, e.ResultStatus)
	assert.Equal(t, "key-1", e.DedupKey)

	applied, err := r.HasApplied(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.HasApplied(ctx, "key-2")
	require.NoError(t, err)
	assert.False(t, applied)
}

func testApplyEventVersionConflict(t *testing.T, r store.Repository) {
	ctx := context.Background()
	mustCreateOrder(t, r, NewOrder("ord-1", "ref-1"))
	mustInsertEvent(t, r, NewEvent("evt-1", "pay-1", T0))

	err := r.ApplyEvent(ctx, domain.OrderTransition{
		OrderID:         "ord-1",
		ExpectedVersion: 7,
		Status:          domain.StatusApproved,
		UpdatedAt:       T0,
	}, applyResult("evt-1", "key-1", T0))
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)

	o, err := r.GetOrderByExternalReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)

	e, err := r.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, e.Processed(), "event must stay unprocessed when the order update fails")
}

func testApplyEventDuplicateDedupKey(t *testing.T, r store.Repository) {
	ctx := context.Background()
	mustCreateOrder(t, r, NewOrder("ord-1", "ref-1"))
	mustInsertEvent(t, r, NewEvent("evt-1", "pay-1", T0))
	mustInsertEvent(t, r, NewEvent("evt-2", "pay-1", T0))

	require.NoError(t, r.ApplyEvent(ctx, domain.OrderTransition{
		OrderID: "ord-1", ExpectedVersion: 0, Status: domain.StatusInProcess, UpdatedAt: T0,
	}, applyResult("evt-1", "key-1", T0)))

	err := r.ApplyEvent(ctx, domain.OrderTransition{
		OrderID: "ord-1", ExpectedVersion: 1, Status: domain.StatusApproved, UpdatedAt: T0,
	}, applyResult("evt-2", "key-1", T0))
	assert.ErrorIs(t, err, domain.ErrDuplicateApplied)

	o, err := r.GetOrderByExternalReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProcess, o.Status, "rolled back")
	assert.Equal(t, int64(1), o.Version)
}

func testApplyEventKeepsPaymentID(t *testing.T, r store.Repository) {
	ctx := context.Background()
	o := NewOrder("ord-1", "ref-1")
	o.PaymentID = "pay-1"
	mustCreateOrder(t, r, o)
	mustInsertEvent(t, r, NewEvent("evt-1", "pay-1", T0))

	require.NoError(t, r.ApplyEvent(ctx, domain.OrderTransition{
		OrderID: "ord-1", ExpectedVersion: 0, Status: domain.StatusInProcess, UpdatedAt: T0,
	}, applyResult("evt-1", "key-1", T0)))

	got, err := r.GetOrderByExternalReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", got.PaymentID)
}

func testListStaleOrders(t *testing.T, r store.Repository) {
	ctx := context.Background()

	old := NewOrder("ord-old", "ref-old")
	old.UpdatedAt = T0.Add(-2 * time.Hour)
	mustCreateOrder(t, r, old)

	older := NewOrder("ord-older", "ref-older")
	older.UpdatedAt = T0.Add(-3 * time.Hour)
	mustCreateOrder(t, r, older)

	fresh := NewOrder("ord-fresh", "ref-fresh")
	fresh.UpdatedAt = T0
	mustCreateOrder(t, r, fresh)

	done := NewOrder("ord-done", "ref-done")
	done.Status = domain.StatusApproved
	done.UpdatedAt = T0.Add(-5 * time.Hour)
	mustCreateOrder(t, r, done)

	polled := NewOrder("ord-polled", "ref-polled")
	polled.UpdatedAt = T0.Add(-5 * time.Hour)
	mustCreateOrder(t, r, polled)
	require.NoError(t, r.MarkPolled(ctx, "ord-polled", T0.Add(-time.Minute)))

	got, err := r.ListStaleOrders(ctx, T0.Add(-time.Hour), 10)
	require.NoError(t, err)

	var ids []string
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"ord-older", "ord-old"}, ids)

	got, err = r.ListStaleOrders(ctx, T0.Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ord-older", got[0].ID)

	got, err = r.ListStaleOrders(ctx, T0.Add(-10*time.Hour), 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func testMarkPolled(t *testing.T, r store.Repository) {
	ctx := context.Background()
	mustCreateOrder(t, r, NewOrder("ord-1", "ref-1"))

	at := T0.Add(time.Hour)
	require.NoError(t, r.MarkPolled(ctx, "ord-1", at))

	o, err := r.GetOrderByExternalReference(ctx, "ref-1")
	require.NoError(t, err)
	require.NotNil(t, o.LastPolledAt)
	assert.True(t, at.Equal(*o.LastPolledAt))
	assert.Equal(t, int64(0), o.Version, "polling is not a status mutation")
	assert.True(t, T0.Equal(o.UpdatedAt))

	assert.ErrorIs(t, r.MarkPolled(ctx, "missing", at), domain.ErrOrderNotFound)
}

func testListUnprocessedEvents(t *testing.T, r store.Repository) {
	ctx := context.Background()
	mustInsertEvent(t, r, NewEvent("evt-b", "pay-1", T0.Add(-time.Minute)))
	mustInsertEvent(t, r, NewEvent("evt-a", "pay-2", T0.Add(-2*time.Minute)))
	mustInsertEvent(t, r, NewEvent("evt-new", "pay-3", T0))
	mustInsertEvent(t, r, NewEvent("evt-done", "pay-4", T0.Add(-time.Hour)))
	complete(t, r, "evt-done", domain.OutcomeIgnored, T0)

	got, err := r.ListUnprocessedEvents(ctx, T0.Add(-30*time.Second), 10)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "evt-a", got[0].ID)
	assert.Equal(t, "evt-b", got[1].ID)
}

func testClaimDueRetries(t *testing.T, r store.Repository) {
	ctx := context.Background()
	due := T0.Add(-time.Second)
	later := T0.Add(time.Hour)

	for _, tc := range []struct {
		id   string
		next *time.Time
	}{
		{"evt-due", &due},
		{"evt-later", &later},
		{"evt-final", nil},
	} {
		mustInsertEvent(t, r, NewEvent(tc.id, "pay-1", T0.Add(-time.Hour)))
		require.NoError(t, r.CompleteEvent(ctx, domain.EventResult{
			EventID:     tc.id,
			Outcome:     domain.OutcomeRejected,
			ErrorCode:   domain.CodeTransient,
			NextRetryAt: tc.next,
			ProcessedAt: T0.Add(-time.Hour),
		}))
	}

	claimed, err := r.ClaimDueRetries(ctx, T0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "evt-due", claimed[0].ID)
	assert.Nil(t, claimed[0].NextRetryAt)

	again, err := r.ClaimDueRetries(ctx, T0, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "a claimed retry is handed out once")

	e, err := r.GetEvent(ctx, "evt-due")
	require.NoError(t, err)
	assert.Nil(t, e.NextRetryAt)
	assert.Equal(t, domain.OutcomeRejected, e.Outcome)
}

func testListOrphanPaymentIDs(t *testing.T, r store.Repository) {
	ctx := context.Background()

	// pay-orphan: only orphan outcomes
	mustInsertEvent(t, r, NewEvent("e1", "pay-orphan", T0.Add(-2*time.Minute)))
	complete(t, r, "e1", domain.OutcomeOrphan, T0)
	mustInsertEvent(t, r, NewEvent("e2", "pay-orphan", T0.Add(-time.Minute)))
	complete(t, r, "e2", domain.OutcomeOrphan, T0)

	// pay-resolved: orphan then applied
	mustInsertEvent(t, r, NewEvent("e3", "pay-resolved", T0.Add(-3*time.Minute)))
	complete(t, r, "e3", domain.OutcomeOrphan, T0)
	mustInsertEvent(t, r, NewEvent("e4", "pay-resolved", T0.Add(-time.Minute)))
	complete(t, r, "e4", domain.OutcomeIgnored, T0)

	// pay-pending: orphan plus an unprocessed event
	mustInsertEvent(t, r, NewEvent("e5", "pay-pending", T0.Add(-time.Minute)))
	complete(t, r, "e5", domain.OutcomeOrphan, T0)
	mustInsertEvent(t, r, NewEvent("e6", "pay-pending", T0.Add(-time.Minute)))

	// pay-ancient: orphan outside the window
	mustInsertEvent(t, r, NewEvent("e7", "pay-ancient", T0.Add(-48*time.Hour)))
	complete(t, r, "e7", domain.OutcomeOrphan, T0)

	ids, err := r.ListOrphanPaymentIDs(ctx, T0.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"pay-orphan"}, ids)
}

// A payment re-driven a moment ago goes behind one that has waited longer,
// even when the waiting one was first seen later.
func testListOrphanPaymentIDsRotates(t *testing.T, r store.Repository) {
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("e%d", i)
		mustInsertEvent(t, r, NewEvent(id, fmt.Sprintf("pay-%d", i), T0.Add(-time.Duration(10-i)*time.Minute)))
		complete(t, r, id, domain.OutcomeOrphan, T0)
	}
	mustInsertEvent(t, r, NewEvent("e-late", "pay-late", T0.Add(-5*time.Minute)))
	complete(t, r, "e-late", domain.OutcomeOrphan, T0)

	ids, err := r.ListOrphanPaymentIDs(ctx, T0.Add(-time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"pay-1", "pay-2", "pay-3"}, ids)

	// Re-drives of the first batch come back orphaned again.
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("e%d-redrive", i)
		mustInsertEvent(t, r, NewEvent(id, fmt.Sprintf("pay-%d", i), T0.Add(-time.Minute)))
		complete(t, r, id, domain.OutcomeOrphan, T0)
	}

	ids, err = r.ListOrphanPaymentIDs(ctx, T0.Add(-time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"pay-late", "pay-1", "pay-2"}, ids)
}

func testListEventsFilters(t *testing.T, r store.Repository) {
	ctx := context.Background()

	mustInsertEvent(t, r, NewEvent("e1", "pay-1", T0.Add(-3*time.Minute)))
	complete(t, r, "e1", domain.OutcomeOrphan, T0)

	// rejected, retry scheduled
	next := T0.Add(time.Minute)
	mustInsertEvent(t, r, NewEvent("e2", "pay-2", T0.Add(-2*time.Minute)))
	require.NoError(t, r.CompleteEvent(ctx, domain.EventResult{
		EventID: "e2", Outcome: domain.OutcomeRejected, ErrorCode: domain.CodeTransient, NextRetryAt: &next, ProcessedAt: T0,
	}))

	// rejected, terminal
	mustInsertEvent(t, r, NewEvent("e3", "pay-3", T0.Add(-time.Minute)))
	require.NoError(t, r.CompleteEvent(ctx, domain.EventResult{
		EventID: "e3", Outcome: domain.OutcomeRejected, ErrorCode: domain.CodeNotFound, ExternalReference: "ref-3", ProcessedAt: T0,
	}))

	// rejected, already retried by e5
	mustInsertEvent(t, r, NewEvent("e4", "pay-4", T0.Add(-time.Minute)))
	require.NoError(t, r.CompleteEvent(ctx, domain.EventResult{
		EventID: "e4", Outcome: domain.OutcomeRejected, ErrorCode: domain.CodeTransient, ProcessedAt: T0,
	}))
	retry := NewEvent("e5", "pay-4", T0)
	retry.Attempt = 2
	retry.RetryOf = "e4"
	mustInsertEvent(t, r, retry)

	all, err := r.ListEvents(ctx, domain.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "e5", all[0].ID, "newest first")

	rejected, err := r.ListEvents(ctx, domain.EventFilter{Outcome: domain.OutcomeRejected})
	require.NoError(t, err)
	assert.Len(t, rejected, 3)

	byPayment, err := r.ListEvents(ctx, domain.EventFilter{PaymentID: "pay-4"})
	require.NoError(t, err)
	require.Len(t, byPayment, 2)
	assert.Equal(t, "e4", byPayment[0].RetryOf+byPayment[1].RetryOf)

	byRef, err := r.ListEvents(ctx, domain.EventFilter{ExternalReference: "ref-3"})
	require.NoError(t, err)
	require.Len(t, byRef, 1)
	assert.Equal(t, "e3", byRef[0].ID)

	failed, err := r.ListEvents(ctx, domain.EventFilter{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e3", failed[0].ID)

	limited, err := r.ListEvents(ctx, domain.EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
