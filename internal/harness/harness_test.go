package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	return s
}

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/orphan_recovery.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Orders, second.Orders)
	assert.Equal(t, first.Calls, second.Calls)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := mustParse(t, `
name: wrong_expectation
description: "Expects an approval the processor never reports"
setup:
  orders:
    - external_reference: order-1
      amount: "10.00"
  payments:
    - id: "42"
      status: in_process
      external_reference: order-1
flow:
  - webhook:
      payload: '{"type":"payment","data":{"id":"42"}}'
    expect:
      outcome: applied
      status: approved
assertions:
  - type: processor_calls
    count: 1
`)

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `status "in_process", want "approved"`)
}

func TestRun_MalformedExpectsError(t *testing.T) {
	scenario := mustParse(t, `
name: malformed
description: "A payload without a payment ID is rejected"
flow:
  - webhook:
      payload: '{"type":"payment","data":{}}'
    expect:
      error: malformed event
  - webhook:
      payload: 'not json'
assertions:
  - type: trace_count
    step: webhook
    args: { outcome: rejected, error_code: malformed, failed: true }
    count: 2
  - type: final_state
    table: payment_events
    where: { outcome: rejected }
    count: 2
`)

	result, err := Run(scenario)
	require.NoError(t, err)

	// The second step has no expectation, so its error fails the run.
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow[1] webhook: unexpected error")
}

func TestRun_RedriveAndSearch(t *testing.T) {
	scenario := mustParse(t, `
name: redrive_and_search
description: "Manual redrive after a credential fix, and a stale order found by search"
setup:
  orders:
    - external_reference: order-1
      amount: "10.00"
    - external_reference: order-2
      amount: "20.00"
  payments:
    - id: "1"
      status: approved
      external_reference: order-1
    - id: "2"
      status: rejected
      external_reference: order-2
flow:
  - fail: { payment_id: "1", kind: unauthorized }
  - webhook:
      payload: '{"type":"payment","data":{"id":"1"}}'
    expect: { outcome: rejected, error_code: unauthorized }
  - redrive: evt-0001
    expect: { outcome: applied, status: approved }
  - advance: 11m
  - cycle: true
assertions:
  - type: trace_contains
    step: redrive
    args: { redriven: evt-0001, event_id: evt-0002 }
  - type: trace_contains
    step: cycle
    args: { stale: 1, searched: 1, outcomes: { applied: 1 } }
  - type: final_state
    table: orders
    where: { external_reference: order-2 }
    expect: { status: rejected, payment_id: "2", last_event_id: evt-0003 }
  - type: final_state
    table: payment_events
    where: { id: evt-0002 }
    expect: { retry_of: evt-0001, attempt: 1 }
  - type: processor_calls
    count: 3
`)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"fetch:1", "fetch:1", "search:order-2"}, result.Calls)
}

func TestRun_StartOverridesClock(t *testing.T) {
	scenario := mustParse(t, `
name: custom_start
description: "The clock starts where the scenario says"
start: "2025-01-01T00:00:00Z"
flow:
  - advance: 90s
assertions:
  - type: trace_contains
    step: advance
    args: { now: "2025-01-01T00:01:30Z" }
`)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
