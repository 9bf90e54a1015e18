package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/payrecon/internal/domain"
)

// signal is what a payload or a processor snapshot says about a payment.
type signal struct {
	PaymentID         string
	ExternalReference string
	Status            string // raw processor status
	Amount            *decimal.Decimal
	Currency          string
	Timestamp         *time.Time // source timestamp, bucketed for dedup
}

// parsed is the result of reading a recorded payload.
type parsed struct {
	signal
	// Topic is the notification type; anything but "payment" is unsupported.
	Topic string
	// Inline is set when the payload is a payment resource itself rather
	// than a notification pointing at one.
	Inline bool
}

const topicPayment = "payment"

// parsePayload reads the three payload shapes the processor sends:
//
//	{"type":"payment","action":"payment.updated","data":{"id":"123"}}
//	{"topic":"payment","resource":"https://api.../v1/payments/123"}
//	{"id":123,"status":"approved","external_reference":"order-1",...}
//
// IDs may be JSON strings or numbers. hint is a payment ID taken from the
// request (query string) or from the poller, used when the body has none.
// The returned error wraps domain.ErrMalformedEvent.
func parsePayload(payload []byte, hint string) (parsed, error) {
	hint = strings.TrimSpace(hint)

	if len(bytes.TrimSpace(payload)) == 0 {
		if hint == "" {
			return parsed{}, malformed("empty payload")
		}
		return parsed{signal: signal{PaymentID: hint}, Topic: topicPayment}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return parsed{}, malformed("payload is not a JSON object: %v", err)
	}

	topic := firstString(doc, "type", "topic")
	if topic != "" {
		return parseNotification(doc, topic, hint)
	}

	if _, ok := doc["id"]; ok {
		return parseInline(doc)
	}

	if hint != "" {
		return parsed{signal: signal{PaymentID: hint}, Topic: topicPayment}, nil
	}
	return parsed{}, malformed("no payment id in payload")
}

func parseNotification(doc map[string]any, topic, hint string) (parsed, error) {
	p := parsed{Topic: strings.ToLower(topic)}

	if data, ok := doc["data"].(map[string]any); ok {
		p.PaymentID, _ = idString(data["id"])
	}
	if p.PaymentID == "" {
		if res, ok := doc["resource"]; ok {
			p.PaymentID = resourceID(res)
		}
	}
	if p.PaymentID == "" {
		p.PaymentID, _ = idString(doc["id"])
	}
	if p.PaymentID == "" {
		p.PaymentID = hint
	}

	if p.Topic != topicPayment {
		return p, nil
	}
	if p.PaymentID == "" {
		return parsed{}, malformed("payment notification without payment id")
	}
	return p, nil
}

func parseInline(doc map[string]any) (parsed, error) {
	id, ok := idString(doc["id"])
	if !ok {
		return parsed{}, malformed("invalid payment id %v", doc["id"])
	}

	p := parsed{Topic: topicPayment, Inline: true}
	p.PaymentID = id
	p.Status = firstString(doc, "status")
	p.ExternalReference = firstString(doc, "external_reference")
	p.Currency = firstString(doc, "currency_id")

	if raw, ok := doc["transaction_amount"]; ok && raw != nil {
		amount, err := decimalValue(raw)
		if err != nil {
			return parsed{}, malformed("invalid transaction_amount: %v", err)
		}
		p.Amount = &amount
	}

	// Unparseable dates fall back to receivedAt.
	for _, field := range []string{"date_last_updated", "date_created"} {
		if ts, err := time.Parse(time.RFC3339Nano, firstString(doc, field)); err == nil {
			ts = ts.UTC()
			p.Timestamp = &ts
			break
		}
	}
	return p, nil
}

// signalFromSnapshot converts a processor snapshot into a signal.
func signalFromSnapshot(s domain.PaymentSnapshot) signal {
	sig := signal{
		PaymentID:         s.ID,
		ExternalReference: s.ExternalReference,
		Status:            s.Status,
		Currency:          s.Currency,
	}
	if !s.Amount.IsZero() {
		amount := s.Amount
		sig.Amount = &amount
	}
	switch {
	case s.DateLastUpdated != nil:
		sig.Timestamp = s.DateLastUpdated
	case s.DateApproved != nil:
		sig.Timestamp = s.DateApproved
	}
	return sig
}

// snapshotPayload renders a snapshot in the processor's inline payment
// shape, so prefetched poll results are recorded and re-parsed like any
// other payload.
func snapshotPayload(s domain.PaymentSnapshot) ([]byte, error) {
	doc := map[string]any{
		"id":     s.ID,
		"status": s.Status,
	}
	if s.ExternalReference != "" {
		doc["external_reference"] = s.ExternalReference
	}
	if !s.Amount.IsZero() {
		doc["transaction_amount"] = json.Number(s.Amount.String())
	}
	if s.Currency != "" {
		doc["currency_id"] = s.Currency
	}
	if s.DateLastUpdated != nil {
		doc["date_last_updated"] = s.DateLastUpdated.UTC().Format(time.RFC3339Nano)
	} else if s.DateApproved != nil {
		doc["date_last_updated"] = s.DateApproved.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(doc)
}

// pollPayload is the recorded payload of a poll that has only a payment ID.
func pollPayload(paymentID string) ([]byte, error) {
	return json.Marshal(map[string]string{"id": paymentID})
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedEvent, fmt.Sprintf(format, args...))
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := doc[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// idString accepts a non-empty string or an integral JSON number.
func idString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		id = strings.TrimSpace(id)
		return id, id != ""
	case json.Number:
		if _, err := id.Int64(); err != nil {
			return "", false
		}
		return id.String(), true
	default:
		return "", false
	}
}

// resourceID extracts the payment ID from a legacy IPN resource, which is
// either a bare ID or a URL ending in /payments/{id}.
func resourceID(v any) string {
	if id, ok := idString(v); ok {
		if !strings.Contains(id, "/") {
			return id
		}
		if u, err := url.Parse(id); err == nil {
			return path.Base(strings.TrimRight(u.Path, "/"))
		}
	}
	return ""
}

func decimalValue(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Decimal{}, errors.New("not a number")
	}
}
