// Package engine reconciles payment signals into order state.
//
// The engine is the single state-mutation path. Webhooks, polls, retries,
// crash recovery and manual re-drives all enter through HandleEvent or one
// of its variants and follow the same steps:
//
//  1. Record the event verbatim (receivedAt, raw payload).
//  2. Parse the payload into a payment signal.
//  3. Fetch the payment from the processor unless the payload already
//     carries a definitive status and an order reference.
//  4. Lock the order reference, drop duplicates by dedup key, locate the
//     order.
//  5. Resolve current vs reported status and apply the result together
//     with the event completion in one transaction.
//
// ARCHITECTURE:
//
// Serialization is per external reference: an in-process lock table
// serializes work on one order, and the store's optimistic version check
// covers other processes. Different orders proceed in parallel.
//
// The webhook gateway splits the steps: Accept records and parses, and
// settles on the spot when no fetch is needed. The rest is left pending for
// Process on a background worker, or for Recover if that never runs.
//
// Processor failures never block the caller. Transient failures are
// recorded as rejected events with a next_retry_at the poller picks up;
// not-found and unauthorized failures are recorded as terminal.
//
// CRITICAL PATTERNS:
//
//   - Record before process: a crash after recording leaves an unprocessed
//     event for the recovery sweep.
//   - Every event is completed exactly once (processed_at IS NULL guard).
//   - A terminal order status is never overwritten.
package engine
