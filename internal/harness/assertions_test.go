package harness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/store"
)

func intPtr(n int) *int { return &n }

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddTrace(StepWebhook, map[string]any{"event_id": "evt-0001", "outcome": "orphan"})
	r.AddTrace(StepOrder, map[string]any{"external_reference": "order-1"})
	r.AddTrace(StepCycle, map[string]any{"orphans": 1, "outcomes": map[string]any{"applied": 1}})
	r.AddTrace(StepWebhook, map[string]any{"event_id": "evt-0003", "outcome": "duplicate", "status": "approved"})
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	tests := map[string]struct {
		assertion Assertion
		pass      bool
	}{
		"step only":             {Assertion{Step: StepOrder}, true},
		"subset match":          {Assertion{Step: StepWebhook, Args: map[string]interface{}{"outcome": "duplicate"}}, true},
		"nested subset":         {Assertion{Step: StepCycle, Args: map[string]interface{}{"outcomes": map[string]interface{}{"applied": 1}}}, true},
		"value mismatch":        {Assertion{Step: StepWebhook, Args: map[string]interface{}{"outcome": "applied"}}, false},
		"nested mismatch":       {Assertion{Step: StepCycle, Args: map[string]interface{}{"outcomes": map[string]interface{}{"applied": 2}}}, false},
		"missing key":           {Assertion{Step: StepOrder, Args: map[string]interface{}{"status": "pending"}}, false},
		"fields of other steps": {Assertion{Step: StepPoll, Args: map[string]interface{}{"outcome": "orphan"}}, false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tt.assertion.Type = AssertTraceContains
			err := assertTraceContains(trace, tt.assertion)
			if tt.pass {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, AssertTraceContains, ae.Type)
			assert.Contains(t, err.Error(), "Full trace:")
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Outcomes: []string{"orphan", "duplicate"}}))

	err := assertTraceOrder(trace, Assertion{Outcomes: []string{"duplicate", "orphan"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing orphan after position 1")

	err = assertTraceOrder(trace, Assertion{Outcomes: []string{"orphan", "applied"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[orphan duplicate]")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Step: StepWebhook, Count: intPtr(2)}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Step: StepWebhook, Args: map[string]interface{}{"outcome": "orphan"}, Count: intPtr(1)}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Step: StepRetries, Count: intPtr(0)}))

	err := assertTraceCount(trace, Assertion{Step: StepWebhook, Count: intPtr(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")

	assert.Error(t, assertTraceCount(trace, Assertion{Step: StepWebhook}))
}

func TestAssertProcessorCalls(t *testing.T) {
	calls := []string{"fetch:1", "search:order-1"}
	assert.NoError(t, assertProcessorCalls(calls, Assertion{Count: intPtr(2)}))

	err := assertProcessorCalls(calls, Assertion{Count: intPtr(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search:order-1")
}

func openStateStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for _, ref := range []string{"order-1", "order-2"} {
		require.NoError(t, st.CreateOrder(ctx, domain.Order{
			ID:                "ord-" + ref,
			ExternalReference: ref,
			Status:            domain.StatusPending,
			Amount:            decimal.RequireFromString("10.00"),
			Currency:          "BRL",
			CreatedAt:         now,
			UpdatedAt:         now,
		}))
	}
	return st
}

func TestAssertFinalState(t *testing.T) {
	st := openStateStore(t)
	ctx := context.Background()

	tests := map[string]struct {
		assertion Assertion
		want      string // empty means pass
	}{
		"matching row": {
			assertion: Assertion{Table: "orders", Where: map[string]interface{}{"external_reference": "order-1"},
				Expect: map[string]interface{}{"status": "pending", "version": 0, "last_polled_at": nil}},
		},
		"row count": {
			assertion: Assertion{Table: "orders", Where: map[string]interface{}{"status": "pending"}, Count: intPtr(2)},
		},
		"null where": {
			assertion: Assertion{Table: "orders", Where: map[string]interface{}{"last_polled_at": nil}, Count: intPtr(2)},
		},
		"no events": {
			assertion: Assertion{Table: "payment_events", Count: intPtr(0)},
		},
		"wrong value": {
			assertion: Assertion{Table: "orders", Where: map[string]interface{}{"external_reference": "order-1"},
				Expect: map[string]interface{}{"status": "approved"}},
			want: `field "status" = approved`,
		},
		"wrong count": {
			assertion: Assertion{Table: "orders", Count: intPtr(1)},
			want:      "1 rows in orders",
		},
		"row not found": {
			assertion: Assertion{Table: "orders", Where: map[string]interface{}{"external_reference": "order-9"},
				Expect: map[string]interface{}{"status": "pending"}},
			want: "row not found",
		},
		"ambiguous": {
			assertion: Assertion{Table: "orders", Expect: map[string]interface{}{"status": "pending"}},
			want:      "multiple rows matched",
		},
		"unknown column": {
			assertion: Assertion{Table: "orders", Where: map[string]interface{}{"external_reference": "order-1"},
				Expect: map[string]interface{}{"colour": "red"}},
			want: `field "colour" not present`,
		},
		"table not allowed": {
			assertion: Assertion{Table: "sqlite_master", Count: intPtr(1)},
			want:      "invalid table name",
		},
		"injected column": {
			assertion: Assertion{Table: "orders", Where: map[string]interface{}{"1=1 OR id": "x"}, Count: intPtr(0)},
			want:      "invalid column name",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := assertFinalState(ctx, st, tt.assertion)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual(nil, nil))
	assert.False(t, stateValuesEqual(nil, int64(0)))
	assert.True(t, stateValuesEqual("a", "a"))
	assert.True(t, stateValuesEqual("a", []byte("a")))
	assert.True(t, stateValuesEqual(1, int64(1)))
	assert.False(t, stateValuesEqual(1, "1"))
	assert.True(t, stateValuesEqual(true, int64(1)))
	assert.True(t, stateValuesEqual(false, int64(0)))
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()
	result.Calls = []string{"fetch:1"}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Step: StepOrder},
		{Type: AssertProcessorCalls, Count: intPtr(1)},
		{Type: AssertFinalState, Table: "orders", Count: intPtr(0)},
		{Type: "eventually"},
	}, nil)

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "requires database context")
	assert.Contains(t, errs[1], "unknown assertion type")
}
