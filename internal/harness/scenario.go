package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStart is the fake clock's start when a scenario sets none.
var DefaultStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Scenario defines a reconciliation scenario.
// Scenarios seed orders and processor state, drive signals through the
// engine and poller, and assert on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the fake clock's initial time (RFC 3339). Defaults to
	// DefaultStart.
	Start string `yaml:"start,omitempty"`

	// Setup establishes orders and processor payments before the flow.
	Setup Setup `yaml:"setup,omitempty"`

	// Flow is the sequence of steps. Each step does exactly one thing.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, processor_calls.
	Assertions []Assertion `yaml:"assertions"`
}

// Setup is the world before the flow starts.
type Setup struct {
	Orders   []OrderFixture   `yaml:"orders,omitempty"`
	Payments []PaymentFixture `yaml:"payments,omitempty"`
}

// OrderFixture is an order as checkout commits it.
type OrderFixture struct {
	ExternalReference string `yaml:"external_reference"`
	Status            string `yaml:"status,omitempty"` // default pending
	PaymentID         string `yaml:"payment_id,omitempty"`
	Amount            string `yaml:"amount"`
	Currency          string `yaml:"currency,omitempty"`
}

// PaymentFixture is the processor's current view of a payment.
type PaymentFixture struct {
	ID                string `yaml:"id"`
	Status            string `yaml:"status"`
	StatusDetail      string `yaml:"status_detail,omitempty"`
	ExternalReference string `yaml:"external_reference,omitempty"`
	Amount            string `yaml:"amount,omitempty"`
	Currency          string `yaml:"currency,omitempty"`
	// DateLastUpdated is RFC 3339; defaults to the clock at the step.
	DateLastUpdated string `yaml:"date_last_updated,omitempty"`
}

// FailFixture queues processor failures for a payment.
type FailFixture struct {
	PaymentID string `yaml:"payment_id"`
	// Kind is transient, not_found or unauthorized.
	Kind  string `yaml:"kind"`
	Times int    `yaml:"times,omitempty"` // default 1
}

// WebhookStep is one webhook delivery.
type WebhookStep struct {
	Payload string `yaml:"payload"`
	// Hint is the payment ID from the query string.
	Hint string `yaml:"hint,omitempty"`
}

// FlowStep is one step of the flow. Exactly one action field is set.
type FlowStep struct {
	Webhook *WebhookStep    `yaml:"webhook,omitempty"`
	Poll    string          `yaml:"poll,omitempty"` // payment ID
	Cycle   bool            `yaml:"cycle,omitempty"`
	Retries bool            `yaml:"retries,omitempty"`
	Redrive string          `yaml:"redrive,omitempty"` // event ID
	Advance string          `yaml:"advance,omitempty"` // duration
	Order   *OrderFixture   `yaml:"order,omitempty"`
	Payment *PaymentFixture `yaml:"payment,omitempty"`
	Fail    *FailFixture    `yaml:"fail,omitempty"`

	// Expect checks the engine result of webhook, poll and redrive steps.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause is a subset match on an engine result.
type ExpectClause struct {
	Outcome   string `yaml:"outcome"`
	Status    string `yaml:"status,omitempty"`
	ErrorCode string `yaml:"error_code,omitempty"`
	Deferred  *bool  `yaml:"deferred,omitempty"`
	// Error expects the step to return an error containing this text.
	Error string `yaml:"error,omitempty"`
}

// Step kinds as recorded in the trace.
const (
	StepWebhook = "webhook"
	StepPoll    = "poll"
	StepCycle   = "cycle"
	StepRetries = "retries"
	StepRedrive = "redrive"
	StepAdvance = "advance"
	StepOrder   = "order"
	StepPayment = "payment"
	StepFail    = "fail"
)

// Kind returns the step's action, or "" when none or several are set.
func (s FlowStep) Kind() string {
	var kinds []string
	if s.Webhook != nil {
		kinds = append(kinds, StepWebhook)
	}
	if s.Poll != "" {
		kinds = append(kinds, StepPoll)
	}
	if s.Cycle {
		kinds = append(kinds, StepCycle)
	}
	if s.Retries {
		kinds = append(kinds, StepRetries)
	}
	if s.Redrive != "" {
		kinds = append(kinds, StepRedrive)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if s.Order != nil {
		kinds = append(kinds, StepOrder)
	}
	if s.Payment != nil {
		kinds = append(kinds, StepPayment)
	}
	if s.Fail != nil {
		kinds = append(kinds, StepFail)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a trace entry of Step matches Args (subset)
	// - "trace_order": outcomes of engine steps appear in this order
	// - "trace_count": exactly Count entries of Step match Args
	// - "final_state": query Table and verify expected values
	// - "processor_calls": exactly Count processor calls were made
	Type string `yaml:"type"`

	// Step is the step kind (trace_contains, trace_count).
	Step string `yaml:"step,omitempty"`

	// Args are the expected trace fields (trace_contains, trace_count).
	// Subset match - only specified fields are validated.
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Table is "orders" or "payment_events" (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state). All must match.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state).
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number of matches (trace_count,
	// processor_calls, or matching rows for final_state when Expect is
	// empty).
	Count *int `yaml:"count,omitempty"`

	// Outcomes is the expected outcome order (trace_order).
	Outcomes []string `yaml:"outcomes,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertFinalState     = "final_state"
	AssertProcessorCalls = "processor_calls"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Start != "" {
		if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, o := range s.Setup.Orders {
		if err := validateOrder(o); err != nil {
			return fmt.Errorf("setup.orders[%d]: %w", i, err)
		}
	}
	for i, p := range s.Setup.Payments {
		if err := validatePayment(p); err != nil {
			return fmt.Errorf("setup.payments[%d]: %w", i, err)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step FlowStep) error {
	kind := step.Kind()
	if kind == "" {
		return fmt.Errorf("exactly one action is required")
	}
	if step.Expect != nil && kind != StepWebhook && kind != StepPoll && kind != StepRedrive {
		return fmt.Errorf("expect is only valid on webhook, poll and redrive steps")
	}
	if step.Expect != nil && step.Expect.Outcome == "" && step.Expect.Error == "" {
		return fmt.Errorf("expect: outcome or error is required")
	}

	switch kind {
	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance must be positive")
		}
	case StepOrder:
		return validateOrder(*step.Order)
	case StepPayment:
		return validatePayment(*step.Payment)
	case StepFail:
		if step.Fail.PaymentID == "" {
			return fmt.Errorf("fail: payment_id is required")
		}
		switch step.Fail.Kind {
		case "transient", "not_found", "unauthorized":
		default:
			return fmt.Errorf("fail: unknown kind %q", step.Fail.Kind)
		}
	}
	return nil
}

func validateOrder(o OrderFixture) error {
	if o.ExternalReference == "" {
		return fmt.Errorf("external_reference is required")
	}
	if o.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	return nil
}

func validatePayment(p PaymentFixture) error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.DateLastUpdated != "" {
		if _, err := time.Parse(time.RFC3339, p.DateLastUpdated); err != nil {
			return fmt.Errorf("date_last_updated: %w", err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: trace_contains requires step", index)
		}
	case AssertTraceOrder:
		if len(a.Outcomes) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order requires at least 2 outcomes", index)
		}
	case AssertTraceCount:
		if a.Step == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: trace_count requires step and count", index)
		}
	case AssertFinalState:
		if a.Table != "orders" && a.Table != "payment_events" {
			return fmt.Errorf("assertions[%d]: final_state table must be orders or payment_events", index)
		}
		if len(a.Expect) == 0 && a.Count == nil {
			return fmt.Errorf("assertions[%d]: final_state requires expect or count", index)
		}
	case AssertProcessorCalls:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: processor_calls requires count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
