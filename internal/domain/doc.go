// Package domain holds the reconciliation model shared by every other package:
// orders, payment events, processor snapshots, the status and outcome enums,
// sentinel errors, and the canonical hashing used for dedup keys.
//
// This package imports nothing internal. Stores, the engine, the poller and
// the HTTP gateway all depend on it, never the other way round.
//
// Key design constraints:
//   - Order.Status is only ever written by the engine
//   - PaymentEvent rows are append-only; processing fills in the outcome once
//   - All timestamps are UTC
//   - Money uses decimal.Decimal, never float64
package domain
