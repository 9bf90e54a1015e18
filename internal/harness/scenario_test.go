package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
setup:
  orders:
    - external_reference: order-1
      amount: "10.00"
  payments:
    - id: "42"
      status: approved
      external_reference: order-1
flow:
  - webhook:
      payload: '{"type":"payment","data":{"id":"42"}}'
    expect:
      outcome: applied
      status: approved
  - advance: 10m
  - cycle: true
assertions:
  - type: trace_contains
    step: webhook
    args: { outcome: applied }
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	require.Len(t, scenario.Setup.Orders, 1)
	assert.Equal(t, "10.00", scenario.Setup.Orders[0].Amount)
	require.Len(t, scenario.Flow, 3)
	assert.Equal(t, StepWebhook, scenario.Flow[0].Kind())
	assert.Equal(t, "applied", scenario.Flow[0].Expect.Outcome)
	assert.Equal(t, StepAdvance, scenario.Flow[1].Kind())
	assert.Equal(t, StepCycle, scenario.Flow[2].Kind())
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, "applied", scenario.Assertions[0].Args["outcome"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "assertion instead of assertions"
flow:
  - cycle: true
assertion:
  - type: trace_count
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	base := func(flow, assertions string) string {
		return "name: s\ndescription: d\nflow:\n" + flow + "assertions:\n" + assertions
	}
	okFlow := "  - cycle: true\n"
	okAssert := "  - type: processor_calls\n    count: 0\n"

	tests := map[string]struct {
		yaml string
		want string
	}{
		"missing name": {
			yaml: "description: d\nflow:\n" + okFlow + "assertions:\n" + okAssert,
			want: "name is required",
		},
		"missing description": {
			yaml: "name: s\nflow:\n" + okFlow + "assertions:\n" + okAssert,
			want: "description is required",
		},
		"empty flow": {
			yaml: "name: s\ndescription: d\nflow: []\nassertions:\n" + okAssert,
			want: "flow list is required",
		},
		"no assertions": {
			yaml: "name: s\ndescription: d\nflow:\n" + okFlow + "assertions: []\n",
			want: "assertions list is required",
		},
		"bad start": {
			yaml: "name: s\ndescription: d\nstart: yesterday\nflow:\n" + okFlow + "assertions:\n" + okAssert,
			want: "start",
		},
		"step without action": {
			yaml: base("  - expect: { outcome: applied }\n", okAssert),
			want: "exactly one action is required",
		},
		"step with two actions": {
			yaml: base("  - cycle: true\n    retries: true\n", okAssert),
			want: "exactly one action is required",
		},
		"expect on cycle": {
			yaml: base("  - cycle: true\n    expect: { outcome: applied }\n", okAssert),
			want: "expect is only valid",
		},
		"expect without outcome": {
			yaml: base("  - poll: \"1\"\n    expect: { status: approved }\n", okAssert),
			want: "outcome or error is required",
		},
		"negative advance": {
			yaml: base("  - advance: -1m\n", okAssert),
			want: "advance must be positive",
		},
		"bad advance": {
			yaml: base("  - advance: soon\n", okAssert),
			want: "advance",
		},
		"unknown fail kind": {
			yaml: base("  - fail: { payment_id: \"1\", kind: flaky }\n", okAssert),
			want: "unknown kind",
		},
		"order without amount": {
			yaml: base("  - order: { external_reference: o }\n", okAssert),
			want: "amount is required",
		},
		"payment without id": {
			yaml: base("  - payment: { status: approved }\n", okAssert),
			want: "id is required",
		},
		"unknown assertion": {
			yaml: base(okFlow, "  - type: eventually\n"),
			want: "unknown assertion type",
		},
		"trace_order too short": {
			yaml: base(okFlow, "  - type: trace_order\n    outcomes: [applied]\n"),
			want: "at least 2 outcomes",
		},
		"trace_count without count": {
			yaml: base(okFlow, "  - type: trace_count\n    step: webhook\n"),
			want: "requires step and count",
		},
		"final_state bad table": {
			yaml: base(okFlow, "  - type: final_state\n    table: sqlite_master\n    expect: { name: x }\n"),
			want: "table must be orders or payment_events",
		},
		"final_state without expect": {
			yaml: base(okFlow, "  - type: final_state\n    table: orders\n"),
			want: "requires expect or count",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFlowStep_Kind(t *testing.T) {
	assert.Equal(t, StepPoll, FlowStep{Poll: "1"}.Kind())
	assert.Equal(t, StepRedrive, FlowStep{Redrive: "evt-0001"}.Kind())
	assert.Equal(t, StepRetries, FlowStep{Retries: true}.Kind())
	assert.Equal(t, StepFail, FlowStep{Fail: &FailFixture{}}.Kind())
	assert.Equal(t, "", FlowStep{}.Kind())
	assert.Equal(t, "", FlowStep{Poll: "1", Cycle: true}.Kind())
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}
