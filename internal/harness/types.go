package harness

// TraceEvent is one executed flow step.
// Fields hold only strings, ints and bools so traces compare directly
// against YAML assertion values and serialize canonically.
type TraceEvent struct {
	Seq    int            `json:"seq"`
	Step   string         `json:"step"`
	Fields map[string]any `json:"fields,omitempty"`
}

// OrderState is an order row as it stands after the flow.
type OrderState struct {
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
	PaymentID         string `json:"payment_id"`
	LastEventID       string `json:"last_event_id"`
	Version           int    `json:"version"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains every flow step in order.
	Trace []TraceEvent `json:"trace"`

	// Orders is the final order table, ordered by external reference.
	Orders []OrderState `json:"orders"`

	// Calls lists processor requests in the order they were made.
	Calls []string `json:"calls"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Orders: []OrderState{},
		Calls:  []string{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace and returns its sequence number.
func (r *Result) AddTrace(step string, fields map[string]any) int {
	seq := len(r.Trace) + 1
	r.Trace = append(r.Trace, TraceEvent{Seq: seq, Step: step, Fields: fields})
	return seq
}
