// Package harness runs reconciliation scenarios against the real engine
// and poller.
//
// Each scenario gets a fresh SQLite store, a scripted processor, a fake
// clock and sequential event IDs (evt-0001, evt-0002, ...), so the trace of
// a scenario is identical on every run and can be compared against a
// golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: webhook_approves_order
//	description: "Pending order approved by a webhook"
//	setup:
//	  orders:
//	    - external_reference: order-1
//	      amount: "100.50"
//	  payments:
//	    - id: "1325326516"
//	      status: approved
//	      external_reference: order-1
//	flow:
//	  - webhook:
//	      payload: '{"type":"payment","data":{"id":"1325326516"}}'
//	    expect:
//	      outcome: applied
//	      status: approved
//	  - advance: 10m
//	  - cycle: true
//	assertions:
//	  - type: final_state
//	    table: orders
//	    where: { external_reference: order-1 }
//	    expect: { status: approved }
//
// # Flow Steps
//
// Every step carries exactly one action:
//
//   - webhook: deliver a payload through the engine (hint: query payment ID)
//   - poll: re-drive a payment ID as a poll signal
//   - redrive: manually re-drive a stored event
//   - cycle / retries: run one poller cycle or retry sweep
//   - advance: move the clock forward
//   - order / payment / fail: change the world between signals
//
// # Assertion Types
//
//   - trace_contains: a step with matching fields appears in the trace
//   - trace_order: engine outcomes appear in the given order
//   - trace_count: a step with matching fields appears exactly N times
//   - final_state: query orders or payment_events and verify values
//   - processor_calls: the processor was asked exactly N times
package harness
