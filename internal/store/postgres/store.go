// Package postgres is the PostgreSQL store.Repository, for deployments
// that run more than one payrecon process against shared state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/store"
)

// Store implements store.Repository on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Repository = (*Store)(nil)

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to databaseURL and applies migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const orderColumns = `id, external_reference, status, payment_id, amount::text, currency,
	last_event_id, version, created_at, updated_at, last_polled_at`

func (s *Store) CreateOrder(ctx context.Context, o domain.Order) error {
	if o.Status == "" {
		o.Status = domain.StatusPending
	}
	const stmt = `
INSERT INTO orders (id, external_reference, status, payment_id, amount, currency, last_event_id, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, 0, $8, $9)`

	_, err := s.exec(ctx, stmt,
		o.ID, o.ExternalReference, string(o.Status), o.PaymentID, o.Amount.String(),
		o.Currency, o.LastEventID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create order %s: %w", o.ExternalReference, domain.ErrOrderExists)
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *Store) GetOrderByExternalReference(ctx context.Context, ref string) (domain.Order, error) {
	o, err := scanOrder(s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_reference = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("get order %s: %w", ref, domain.ErrOrderNotFound)
		}
		return domain.Order{}, fmt.Errorf("get order %s: %w", ref, err)
	}
	return o, nil
}

func (s *Store) ListStaleOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	const query = `
SELECT ` + orderColumns + `
FROM orders
WHERE status NOT IN ('approved', 'rejected', 'cancelled')
  AND updated_at < $1
  AND (last_polled_at IS NULL OR last_polled_at < $1)
ORDER BY GREATEST(updated_at, COALESCE(last_polled_at, updated_at)) ASC, id COLLATE "C" ASC
LIMIT $2`

	rows, err := s.query(ctx, query, olderThan, limitOrDefault(limit))
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

func (s *Store) MarkPolled(ctx context.Context, orderID string, at time.Time) error {
	tag, err := s.exec(ctx, `UPDATE orders SET last_polled_at = $2 WHERE id = $1`, orderID, at)
	if err != nil {
		return fmt.Errorf("mark polled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark polled %s: %w", orderID, domain.ErrOrderNotFound)
	}
	return nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o      domain.Order
		status string
		amount string
	)
	err := row.Scan(
		&o.ID, &o.ExternalReference, &status, &o.PaymentID, &amount, &o.Currency,
		&o.LastEventID, &o.Version, &o.CreatedAt, &o.UpdatedAt, &o.LastPolledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	if err := o.Amount.Scan(amount); err != nil {
		return domain.Order{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.LastPolledAt = utcPtr(o.LastPolledAt)
	return o, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return store.DefaultListLimit
	}
	return limit
}
