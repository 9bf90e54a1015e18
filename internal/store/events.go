package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/payrecon/internal/domain"
)

const eventColumns = `id, source, payment_id, external_reference, reported_status, dedup_key,
	raw_payload, received_at, processed_at, outcome, result_status, error_code,
	error_message, attempt, retry_of, next_retry_at`

// InsertEvent appends an event to the log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
func (s *Store) InsertEvent(ctx context.Context, e domain.PaymentEvent) error {
	attempt := e.Attempt
	if attempt < 1 {
		attempt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events
		(id, source, payment_id, external_reference, reported_status, dedup_key,
		 raw_payload, received_at, attempt, retry_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		string(e.Source),
		e.PaymentID,
		e.ExternalReference,
		e.ReportedStatus,
		e.DedupKey,
		e.RawPayload,
		Millis(e.ReceivedAt),
		attempt,
		e.RetryOf,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns domain.ErrEventNotFound when id is unknown.
func (s *Store) GetEvent(ctx context.Context, id string) (domain.PaymentEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM payment_events
		WHERE id = ?
	`, id)

	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentEvent{}, fmt.Errorf("get event %s: %w", id, domain.ErrEventNotFound)
	}
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// HasApplied reports whether an applied event already holds dedupKey.
func (s *Store) HasApplied(ctx context.Context, dedupKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM payment_events
			WHERE dedup_key = ? AND outcome = 'applied'
		)
	`, dedupKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has applied: %w", err)
	}
	return exists, nil
}

// CompleteEvent writes the result of processing onto an unprocessed event.
func (s *Store) CompleteEvent(ctx context.Context, r domain.EventResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := completeEvent(ctx, tx, r); err != nil {
		return fmt.Errorf("complete event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete event: commit: %w", err)
	}
	return nil
}

// ApplyEvent is the only path that changes an order's status.
// The order update and the event completion commit together or not at all.
func (s *Store) ApplyEvent(ctx context.Context, t domain.OrderTransition, r domain.EventResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply event: begin tx: %w", err)
	}
	defer tx.Rollback()

	// Step 1: Conditional order update (optimistic version check)
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
		    payment_id = CASE WHEN ? <> '' THEN ? ELSE payment_id END,
		    updated_at = ?,
		    last_event_id = ?,
		    version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(t.Status),
		t.PaymentID, t.PaymentID,
		Millis(t.UpdatedAt),
		r.EventID,
		t.OrderID,
		t.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("apply event: update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply event: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("apply event: order %s at version %d: %w", t.OrderID, t.ExpectedVersion, domain.ErrConcurrentUpdate)
	}

	// Step 2: Complete the event as applied (claims the dedup key)
	r.Outcome = domain.OutcomeApplied
	if err := completeEvent(ctx, tx, r); err != nil {
		return fmt.Errorf("apply event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply event: commit: %w", err)
	}
	return nil
}

func completeEvent(ctx context.Context, tx *sql.Tx, r domain.EventResult) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE payment_events
		SET processed_at = ?,
		    outcome = ?,
		    payment_id = CASE WHEN ? <> '' THEN ? ELSE payment_id END,
		    external_reference = CASE WHEN ? <> '' THEN ? ELSE external_reference END,
		    reported_status = CASE WHEN ? <> '' THEN ? ELSE reported_status END,
		    dedup_key = CASE WHEN ? <> '' THEN ? ELSE dedup_key END,
		    result_status = ?,
		    error_code = ?,
		    error_message = ?,
		    next_retry_at = ?
		WHERE id = ? AND processed_at IS NULL
	`,
		Millis(r.ProcessedAt),
		string(r.Outcome),
		r.PaymentID, r.PaymentID,
		r.ExternalReference, r.ExternalReference,
		r.ReportedStatus, r.ReportedStatus,
		r.DedupKey, r.DedupKey,
		string(r.ResultStatus),
		r.ErrorCode,
		r.ErrorMessage,
		toNullMillis(r.NextRetryAt),
		r.EventID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", r.EventID, domain.ErrDuplicateApplied)
		}
		return fmt.Errorf("update event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM payment_events WHERE id = ?)
	`, r.EventID).Scan(&exists); err != nil {
		return fmt.Errorf("check event: %w", err)
	}
	if !exists {
		return fmt.Errorf("event %s: %w", r.EventID, domain.ErrEventNotFound)
	}
	return fmt.Errorf("event %s: %w", r.EventID, domain.ErrEventProcessed)
}

// ListUnprocessedEvents returns events left unprocessed, e.g. by a crash
// between receipt and completion.
//
// Returns empty slice (not nil) if none exist.
func (s *Store) ListUnprocessedEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.PaymentEvent, error) {
	return s.queryEvents(ctx, "unprocessed events", `
		SELECT `+eventColumns+`
		FROM payment_events
		WHERE processed_at IS NULL AND received_at < ?
		ORDER BY received_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, Millis(receivedBefore), limitOrDefault(limit))
}

// ClaimDueRetries selects due retries and clears next_retry_at in one
// transaction. A claimed event is never returned again.
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.PaymentEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim retries: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM payment_events
		WHERE outcome = 'rejected'
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, Millis(now), limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("claim retries: query: %w", err)
	}

	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("claim retries: %w", err)
	}

	for i := range events {
		if _, err := tx.ExecContext(ctx, `
			UPDATE payment_events SET next_retry_at = NULL WHERE id = ?
		`, events[i].ID); err != nil {
			return nil, fmt.Errorf("claim retries: clear %s: %w", events[i].ID, err)
		}
		events[i].NextRetryAt = nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim retries: commit: %w", err)
	}
	return events, nil
}

// ListOrphanPaymentIDs returns payment IDs whose events since the cutoff
// were all orphans, least recently seen first. Each re-drive records a new
// event, so a full batch rotates instead of repeating. Any other outcome, or
// an unprocessed event, means the payment is already being handled.
//
// Returns empty slice (not nil) if none exist.
func (s *Store) ListOrphanPaymentIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_id
		FROM payment_events
		WHERE payment_id <> '' AND received_at >= ?
		GROUP BY payment_id
		HAVING SUM(CASE WHEN outcome = 'orphan' THEN 1 ELSE 0 END) > 0
		   AND SUM(CASE WHEN outcome <> 'orphan' OR processed_at IS NULL THEN 1 ELSE 0 END) = 0
		ORDER BY MAX(received_at) ASC, payment_id COLLATE BINARY ASC
		LIMIT ?
	`, Millis(since), limitOrDefault(limit))
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

// ListEvents returns events matching f, newest first.
//
// Returns empty slice (not nil) if none match.
func (s *Store) ListEvents(ctx context.Context, f domain.EventFilter) ([]domain.PaymentEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.Outcome != "" {
		where = append(where, "e.outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.PaymentID != "" {
		where = append(where, "e.payment_id = ?")
		args = append(args, f.PaymentID)
	}
	if f.ExternalReference != "" {
		where = append(where, "e.external_reference = ?")
		args = append(args, f.ExternalReference)
	}
	if f.FailedOnly {
		where = append(where, `e.outcome = 'rejected' AND e.next_retry_at IS NULL
			AND NOT EXISTS (SELECT 1 FROM payment_events c WHERE c.retry_of = e.id)`)
	}

	query := `SELECT ` + prefixColumns("e", eventColumns) + ` FROM payment_events e`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.received_at DESC, e.id COLLATE BINARY DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	return s.queryEvents(ctx, "events", query, args...)
}

func (s *Store) queryEvents(ctx context.Context, what, query string, args ...any) ([]domain.PaymentEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return events, nil
}

// collectEvents scans and closes rows.
func collectEvents(rows *sql.Rows) ([]domain.PaymentEvent, error) {
	defer rows.Close()

	events := []domain.PaymentEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(r rowScanner) (domain.PaymentEvent, error) {
	var (
		e            domain.PaymentEvent
		source       string
		outcome      string
		resultStatus string
		receivedAt   int64
		processedAt  sql.NullInt64
		nextRetryAt  sql.NullInt64
	)
	err := r.Scan(
		&e.ID,
		&source,
		&e.PaymentID,
		&e.ExternalReference,
		&e.ReportedStatus,
		&e.DedupKey,
		&e.RawPayload,
		&receivedAt,
		&processedAt,
		&outcome,
		&resultStatus,
		&e.ErrorCode,
		&e.ErrorMessage,
		&e.Attempt,
		&e.RetryOf,
		&nextRetryAt,
	)
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	e.Source = domain.Source(source)
	e.Outcome = domain.Outcome(outcome)
	e.ResultStatus = domain.OrderStatus(resultStatus)
	e.ReceivedAt = FromMillis(receivedAt)
	e.ProcessedAt = nullMillis(processedAt)
	e.NextRetryAt = nullMillis(nextRetryAt)
	return e, nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
