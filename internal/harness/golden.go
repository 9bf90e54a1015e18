package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/payrecon/internal/domain"
)

// TraceSnapshot captures the observable outcome of a scenario execution:
// the step trace, the final order table and the processor calls.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Orders       []OrderState `json:"orders"`
	Calls        []string     `json:"calls"`
}

// NewTraceSnapshot builds the snapshot of a scenario result.
func NewTraceSnapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Orders:       result.Orders,
		Calls:        result.Calls,
	}
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because domain.MarshalCanonical only handles primitives, maps and slices.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":  event.Seq,
			"step": event.Step,
		}
		if len(event.Fields) > 0 {
			eventMap["fields"] = event.Fields
		}
		traceList[i] = eventMap
	}

	orderList := make([]any, len(s.Orders))
	for i, o := range s.Orders {
		orderList[i] = map[string]any{
			"external_reference": o.ExternalReference,
			"status":             o.Status,
			"payment_id":         o.PaymentID,
			"last_event_id":      o.LastEventID,
			"version":            o.Version,
		}
	}

	calls := s.Calls
	if calls == nil {
		calls = []string{}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"orders":        orderList,
		"calls":         calls,
	}
}

// MarshalCanonical renders the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	return domain.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := NewTraceSnapshot(scenarioName, result)
	traceJSON, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
