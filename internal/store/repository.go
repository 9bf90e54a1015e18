package store

import (
	"context"
	"time"

	"github.com/roach88/payrecon/internal/domain"
)

// DefaultListLimit caps listings when the caller passes no limit.
const DefaultListLimit = 100

// Repository is the durable state of the reconciliation engine: orders and
// the payment event log. Implementations: *Store (SQLite) and
// *postgres.Store.
//
// Errors are wrapped domain sentinels where the caller needs to branch:
// ErrOrderNotFound, ErrOrderExists, ErrEventNotFound, ErrEventProcessed,
// ErrConcurrentUpdate and ErrDuplicateApplied.
type Repository interface {
	// CreateOrder inserts a new order at version 0.
	CreateOrder(ctx context.Context, o domain.Order) error
	GetOrderByExternalReference(ctx context.Context, ref string) (domain.Order, error)
	// ListStaleOrders returns non-terminal orders neither updated nor
	// polled since olderThan, least recently touched first.
	ListStaleOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error)
	// MarkPolled records poller bookkeeping; it is not a status mutation
	// and does not bump the version.
	MarkPolled(ctx context.Context, orderID string, at time.Time) error

	// InsertEvent appends an unprocessed event. Idempotent on ID.
	InsertEvent(ctx context.Context, e domain.PaymentEvent) error
	GetEvent(ctx context.Context, id string) (domain.PaymentEvent, error)
	// HasApplied reports whether an applied event already holds dedupKey.
	HasApplied(ctx context.Context, dedupKey string) (bool, error)
	// CompleteEvent sets the result of an event that does not change an
	// order. Fails with ErrEventProcessed if the event was already completed.
	CompleteEvent(ctx context.Context, r domain.EventResult) error
	// ApplyEvent updates the order and completes the event as applied in
	// one transaction. Fails with ErrConcurrentUpdate when the order's
	// version no longer matches and ErrDuplicateApplied when another
	// applied event holds the dedup key. Nothing is written on failure.
	ApplyEvent(ctx context.Context, t domain.OrderTransition, r domain.EventResult) error
	// ListUnprocessedEvents returns events received before the cutoff that
	// were never completed, oldest first.
	ListUnprocessedEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.PaymentEvent, error)
	// ClaimDueRetries returns rejected events whose retry is due and clears
	// their next_retry_at in the same transaction, so each retry is handed
	// out once.
	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.PaymentEvent, error)
	// ListOrphanPaymentIDs returns payment IDs whose events received since
	// the cutoff were all completed as orphan.
	ListOrphanPaymentIDs(ctx context.Context, since time.Time, limit int) ([]string, error)
	// ListEvents returns events matching f, newest first.
	ListEvents(ctx context.Context, f domain.EventFilter) ([]domain.PaymentEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// Millis converts t to unix milliseconds, the storage representation of
// time in SQLite.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis. Results are UTC.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
