package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/payrecon/internal/domain"
)

const eventColumns = `id, source, payment_id, external_reference, reported_status, dedup_key,
	raw_payload, received_at, processed_at, outcome, result_status, error_code,
	error_message, attempt, retry_of, next_retry_at`

func (s *Store) InsertEvent(ctx context.Context, e domain.PaymentEvent) error {
	attempt := e.Attempt
	if attempt < 1 {
		attempt = 1
	}
	const stmt = `
INSERT INTO payment_events
(id, source, payment_id, external_reference, reported_status, dedup_key, raw_payload, received_at, attempt, retry_of)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

	_, err := s.exec(ctx, stmt,
		e.ID, string(e.Source), e.PaymentID, e.ExternalReference, e.ReportedStatus,
		e.DedupKey, e.RawPayload, e.ReceivedAt, attempt, e.RetryOf,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (domain.PaymentEvent, error) {
	e, err := scanEvent(s.queryRow(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentEvent{}, fmt.Errorf("get event %s: %w", id, domain.ErrEventNotFound)
		}
		return domain.PaymentEvent{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) HasApplied(ctx context.Context, dedupKey string) (bool, error) {
	var exists bool
	err := s.queryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM payment_events WHERE dedup_key = $1 AND outcome = 'applied')`,
		dedupKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has applied: %w", err)
	}
	return exists, nil
}

func (s *Store) CompleteEvent(ctx context.Context, r domain.EventResult) error {
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		return s.completeEvent(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// ApplyEvent updates the order under an optimistic version check and
// completes the event as applied, in one transaction.
func (s *Store) ApplyEvent(ctx context.Context, t domain.OrderTransition, r domain.EventResult) error {
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		const stmt = `
UPDATE orders
SET status = $1,
    payment_id = CASE WHEN $2::text <> '' THEN $2::text ELSE payment_id END,
    updated_at = $3,
    last_event_id = $4,
    version = version + 1
WHERE id = $5 AND version = $6`

		tag, err := s.exec(ctx, stmt, string(t.Status), t.PaymentID, t.UpdatedAt, r.EventID, t.OrderID, t.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %s at version %d: %w", t.OrderID, t.ExpectedVersion, domain.ErrConcurrentUpdate)
		}

		r.Outcome = domain.OutcomeApplied
		return s.completeEvent(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("apply event: %w", err)
	}
	return nil
}

func (s *Store) completeEvent(ctx context.Context, r domain.EventResult) error {
	const stmt = `
UPDATE payment_events
SET processed_at = $1,
    outcome = $2,
    payment_id = CASE WHEN $3::text <> '' THEN $3::text ELSE payment_id END,
    external_reference = CASE WHEN $4::text <> '' THEN $4::text ELSE external_reference END,
    reported_status = CASE WHEN $5::text <> '' THEN $5::text ELSE reported_status END,
    dedup_key = CASE WHEN $6::text <> '' THEN $6::text ELSE dedup_key END,
    result_status = $7,
    error_code = $8,
    error_message = $9,
    next_retry_at = $10
WHERE id = $11 AND processed_at IS NULL`

	tag, err := s.exec(ctx, stmt,
		r.ProcessedAt, string(r.Outcome), r.PaymentID, r.ExternalReference, r.ReportedStatus,
		r.DedupKey, string(r.ResultStatus), r.ErrorCode, r.ErrorMessage, r.NextRetryAt, r.EventID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", r.EventID, domain.ErrDuplicateApplied)
		}
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_events WHERE id = $1)`, r.EventID).Scan(&exists); err != nil {
		return fmt.Errorf("check event: %w", err)
	}
	if !exists {
		return fmt.Errorf("event %s: %w", r.EventID, domain.ErrEventNotFound)
	}
	return fmt.Errorf("event %s: %w", r.EventID, domain.ErrEventProcessed)
}

func (s *Store) ListUnprocessedEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.PaymentEvent, error) {
	const query = `
SELECT ` + eventColumns + `
FROM payment_events
WHERE processed_at IS NULL AND received_at < $1
ORDER BY received_at ASC, id COLLATE "C" ASC
LIMIT $2`
	return s.queryEvents(ctx, "unprocessed events", query, receivedBefore, limitOrDefault(limit))
}

// ClaimDueRetries clears next_retry_at on due retries and returns them.
// SKIP LOCKED lets concurrent pollers claim disjoint batches.
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.PaymentEvent, error) {
	const query = `
UPDATE payment_events
SET next_retry_at = NULL
WHERE id IN (
	SELECT id FROM payment_events
	WHERE outcome = 'rejected'
	  AND next_retry_at IS NOT NULL
	  AND next_retry_at <= $1
	ORDER BY next_retry_at ASC, id COLLATE "C" ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + eventColumns

	events, err := s.queryEvents(ctx, "claim retries", query, now, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	// RETURNING has no defined order.
	sort.Slice(events, func(i, j int) bool {
		if !events[i].ReceivedAt.Equal(events[j].ReceivedAt) {
			return events[i].ReceivedAt.Before(events[j].ReceivedAt)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

func (s *Store) ListOrphanPaymentIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	const query = `
SELECT payment_id
FROM payment_events
WHERE payment_id <> '' AND received_at >= $1
GROUP BY payment_id
HAVING COUNT(*) FILTER (WHERE outcome = 'orphan') > 0
   AND COUNT(*) FILTER (WHERE outcome <> 'orphan' OR processed_at IS NULL) = 0
ORDER BY MAX(received_at) ASC, payment_id COLLATE "C" ASC
LIMIT $2`

	rows, err := s.query(ctx, query, since, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("query orphan payments: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphan payment: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphan payments: %w", err)
	}
	return ids, nil
}

func (s *Store) ListEvents(ctx context.Context, f domain.EventFilter) ([]domain.PaymentEvent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Outcome != "" {
		where = append(where, "e.outcome = "+arg(string(f.Outcome)))
	}
	if f.PaymentID != "" {
		where = append(where, "e.payment_id = "+arg(f.PaymentID))
	}
	if f.ExternalReference != "" {
		where = append(where, "e.external_reference = "+arg(f.ExternalReference))
	}
	if f.FailedOnly {
		where = append(where, `e.outcome = 'rejected' AND e.next_retry_at IS NULL
	AND NOT EXISTS (SELECT 1 FROM payment_events c WHERE c.retry_of = e.id)`)
	}

	cols := strings.Split(eventColumns, ",")
	for i, c := range cols {
		cols[i] = "e." + strings.TrimSpace(c)
	}

	query := `SELECT ` + strings.Join(cols, ", ") + ` FROM payment_events e`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY e.received_at DESC, e.id COLLATE "C" DESC LIMIT ` + arg(limitOrDefault(f.Limit))

	return s.queryEvents(ctx, "events", query, args...)
}

func (s *Store) queryEvents(ctx context.Context, what, query string, args ...any) ([]domain.PaymentEvent, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	events := []domain.PaymentEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (domain.PaymentEvent, error) {
	var (
		e            domain.PaymentEvent
		source       string
		outcome      string
		resultStatus string
	)
	err := row.Scan(
		&e.ID, &source, &e.PaymentID, &e.ExternalReference, &e.ReportedStatus, &e.DedupKey,
		&e.RawPayload, &e.ReceivedAt, &e.ProcessedAt, &outcome, &resultStatus, &e.ErrorCode,
		&e.ErrorMessage, &e.Attempt, &e.RetryOf, &e.NextRetryAt,
	)
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	e.Source = domain.Source(source)
	e.Outcome = domain.Outcome(outcome)
	e.ResultStatus = domain.OrderStatus(resultStatus)
	e.ReceivedAt = e.ReceivedAt.UTC()
	e.ProcessedAt = utcPtr(e.ProcessedAt)
	e.NextRetryAt = utcPtr(e.NextRetryAt)
	return e, nil
}
