package engine

import (
	"context"
	"fmt"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/resolver"
)

// Diagnosis is the answer to "what does the processor say about this
// payment", for operators. It never touches stored state.
type Diagnosis struct {
	Payment domain.PaymentSnapshot `json:"payment"`
	// OrderStatus is the processor status mapped through the policy.
	OrderStatus domain.OrderStatus `json:"order_status"`
	Terminal    bool               `json:"terminal"`
}

// Lookup fetches a payment and classifies its status.
func Lookup(ctx context.Context, f Fetcher, res *resolver.Resolver, paymentID string) (Diagnosis, error) {
	snap, err := f.FetchPayment(ctx, paymentID)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("lookup %s: %w", paymentID, err)
	}
	status := res.Classify(snap.Status)
	return Diagnosis{
		Payment:     snap,
		OrderStatus: status,
		Terminal:    res.IsTerminal(status),
	}, nil
}

// String renders the diagnosis for terminal output.
func (d Diagnosis) String() string {
	s := fmt.Sprintf("payment %s: %s", d.Payment.ID, d.Payment.Status)
	if d.Payment.StatusDetail != "" {
		s += " (" + d.Payment.StatusDetail + ")"
	}
	s += fmt.Sprintf("\norder status: %s", d.OrderStatus)
	if d.Terminal {
		s += " (terminal)"
	}
	if d.Payment.ExternalReference != "" {
		s += "\nexternal reference: " + d.Payment.ExternalReference
	}
	if !d.Payment.Amount.IsZero() {
		s += fmt.Sprintf("\namount: %s %s", d.Payment.Amount.StringFixed(2), d.Payment.Currency)
	}
	if d.Payment.PaymentMethodID != "" {
		s += "\npayment method: " + d.Payment.PaymentMethodID
	}
	if d.Payment.DateLastUpdated != nil {
		s += "\nlast updated: " + d.Payment.DateLastUpdated.Format("2006-01-02T15:04:05Z07:00")
	}
	return s
}
