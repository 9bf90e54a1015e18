package domain

// OrderStatus is the internal payment status of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusInProcess OrderStatus = "in_process"
	StatusApproved  OrderStatus = "approved"
	StatusRejected  OrderStatus = "rejected"
	StatusCancelled OrderStatus = "cancelled"
	StatusUnknown   OrderStatus = "unknown"
)

// AllStatuses lists every order status, lowest priority first.
var AllStatuses = []OrderStatus{
	StatusUnknown,
	StatusPending,
	StatusInProcess,
	StatusCancelled,
	StatusRejected,
	StatusApproved,
}

// Valid reports whether s is one of the known order statuses.
func (s OrderStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is approved, rejected or cancelled.
// A resolver policy must declare the same set.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// NonTerminalStatuses returns the statuses the poller keeps polling.
func NonTerminalStatuses() []OrderStatus {
	var out []OrderStatus
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// Source identifies where a payment event came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// Valid reports whether s is a known event source.
func (s Source) Valid() bool {
	return s == SourceWebhook || s == SourcePoll
}

// Outcome is the result of processing a payment event.
// An empty Outcome means the event has been recorded but not processed yet.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphan    Outcome = "orphan"
	OutcomeRejected  Outcome = "rejected"
	OutcomeIgnored   Outcome = "ignored"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApplied, OutcomeDuplicate, OutcomeOrphan, OutcomeRejected, OutcomeIgnored:
		return true
	}
	return false
}

// Error codes recorded on processed events. They drive the admin failure view.
const (
	CodeMalformed        = "malformed"
	CodeUnsupportedType  = "unsupported_type"
	CodeTransient        = "transient"
	CodeRetriesExhausted = "retries_exhausted"
	CodeNotFound         = "not_found"
	CodeUnauthorized     = "unauthorized"
	CodeAmountMismatch   = "amount_mismatch"
	CodeTerminalConflict = "terminal_conflict"
)
