package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/payrecon/internal/domain"
)

const orderColumns = `id, external_reference, status, payment_id, amount, currency,
	last_event_id, version, created_at, updated_at, last_polled_at`

// CreateOrder inserts a new order.
// Returns domain.ErrOrderExists if the ID or external reference is taken.
func (s *Store) CreateOrder(ctx context.Context, o domain.Order) error {
	if o.Status == "" {
		o.Status = domain.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
		(id, external_reference, status, payment_id, amount, currency, last_event_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`,
		o.ID,
		o.ExternalReference,
		string(o.Status),
		o.PaymentID,
		o.Amount,
		o.Currency,
		o.LastEventID,
		Millis(o.CreatedAt),
		Millis(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create order %s: %w", o.ExternalReference, domain.ErrOrderExists)
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrderByExternalReference returns domain.ErrOrderNotFound when no
// order carries ref.
func (s *Store) GetOrderByExternalReference(ctx context.Context, ref string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE external_reference = ?
	`, ref)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("get order %s: %w", ref, domain.ErrOrderNotFound)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order %s: %w", ref, err)
	}
	return o, nil
}

// ListStaleOrders returns non-terminal orders neither updated nor polled
// since olderThan.
//
// Returns empty slice (not nil) if none are stale.
func (s *Store) ListStaleOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	cutoff := Millis(olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status NOT IN ('approved', 'rejected', 'cancelled')
		  AND updated_at < ?
		  AND (last_polled_at IS NULL OR last_polled_at < ?)
		ORDER BY MAX(updated_at, COALESCE(last_polled_at, 0)) ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, cutoff, cutoff, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale orders: %w", err)
	}
	return orders, nil
}

// MarkPolled sets last_polled_at without touching status or version.
func (s *Store) MarkPolled(ctx context.Context, orderID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET last_polled_at = ? WHERE id = ?
	`, Millis(at), orderID)
	if err != nil {
		return fmt.Errorf("mark polled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark polled: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark polled %s: %w", orderID, domain.ErrOrderNotFound)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (domain.Order, error) {
	var (
		o          domain.Order
		status     string
		createdAt  int64
		updatedAt  int64
		lastPolled sql.NullInt64
	)
	err := r.Scan(
		&o.ID,
		&o.ExternalReference,
		&status,
		&o.PaymentID,
		&o.Amount,
		&o.Currency,
		&o.LastEventID,
		&o.Version,
		&createdAt,
		&updatedAt,
		&lastPolled,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = FromMillis(createdAt)
	o.UpdatedAt = FromMillis(updatedAt)
	o.LastPolledAt = nullMillis(lastPolled)
	return o, nil
}

func nullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromMillis(n.Int64)
	return &t
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Millis(*t), Valid: true}
}
