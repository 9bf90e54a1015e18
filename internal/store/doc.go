// Package store provides SQLite-backed durable storage for orders and the
// payment event log.
//
// The event log is append-only. An event row is written on receipt and
// completed exactly once; completion is guarded by processed_at IS NULL.
// Events are never deleted.
//
// # Invariants
//
//   - At most one applied event per dedup key: a partial UNIQUE index on
//     payment_events(dedup_key) WHERE outcome = 'applied'.
//   - Order status changes only through ApplyEvent, which updates the order
//     and completes the event in one transaction, conditional on the
//     order's version.
//   - Listings are ordered deterministically, ties broken by id.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The PostgreSQL implementation lives in store/postgres and satisfies the
// same Repository interface.
package store
