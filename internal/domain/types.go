package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the slice of an order this system reconciles.
// Checkout creates it; the engine is the only writer of Status afterwards.
type Order struct {
	ID                string          `json:"id"`
	ExternalReference string          `json:"external_reference"`
	Status            OrderStatus     `json:"status"`
	PaymentID         string          `json:"payment_id,omitempty"` // empty until a payment is associated
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	LastEventID       string          `json:"last_event_id,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	LastPolledAt      *time.Time      `json:"last_polled_at,omitempty"`
}

// PaymentEvent is one received signal, webhook or poll, kept for audit and replay.
type PaymentEvent struct {
	ID                string          `json:"id"`
	Source            Source          `json:"source"`
	PaymentID         string          `json:"payment_id,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	ReportedStatus    string          `json:"reported_status,omitempty"` // raw processor status
	DedupKey          string          `json:"dedup_key,omitempty"`
	RawPayload        string          `json:"raw_payload,omitempty"` // verbatim, may not be valid JSON
	ReceivedAt        time.Time       `json:"received_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	Outcome           Outcome         `json:"outcome,omitempty"`
	ResultStatus      OrderStatus     `json:"result_status,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Attempt           int             `json:"attempt"`
	RetryOf           string          `json:"retry_of,omitempty"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
}

// Processed reports whether the engine has finished with the event.
func (e PaymentEvent) Processed() bool {
	return e.ProcessedAt != nil
}

// EventResult is what processing writes back onto a recorded event.
type EventResult struct {
	EventID           string
	Outcome           Outcome
	PaymentID         string
	ExternalReference string
	ReportedStatus    string
	DedupKey          string
	ResultStatus      OrderStatus
	ErrorCode         string
	ErrorMessage      string
	NextRetryAt       *time.Time
	ProcessedAt       time.Time
}

// OrderTransition is the order mutation applied together with an event result.
type OrderTransition struct {
	OrderID         string
	ExpectedVersion int64
	Status          OrderStatus
	PaymentID       string
	UpdatedAt       time.Time
}

// PaymentSnapshot is the processor's view of a payment.
type PaymentSnapshot struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	PaymentMethodID   string          `json:"payment_method_id,omitempty"`
	DateApproved      *time.Time      `json:"date_approved,omitempty"`
	DateLastUpdated   *time.Time      `json:"date_last_updated,omitempty"`
}

// EventFilter narrows admin event listings.
type EventFilter struct {
	Outcome           Outcome
	PaymentID         string
	ExternalReference string
	// FailedOnly selects rejected events that will not be retried automatically.
	FailedOnly bool
	Limit      int
}
