package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/processor"
)

// FakeProcessor is a scripted payment processor.
//
// Each payment ID has a current snapshot and an optional queue of failures
// returned before it. Unknown payments return a NotFound error, like the
// real API.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeProcessor struct {
	mu       sync.Mutex
	payments map[string]domain.PaymentSnapshot
	failures map[string][]error
	calls    []string
}

// NewFakeProcessor creates an empty processor.
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{
		payments: make(map[string]domain.PaymentSnapshot),
		failures: make(map[string][]error),
	}
}

// SetPayment sets the snapshot returned for s.ID.
func (f *FakeProcessor) SetPayment(s domain.PaymentSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[s.ID] = s
}

// FailNext queues errors returned by the next fetches of paymentID,
// one per call, before the snapshot is served again.
func (f *FakeProcessor) FailNext(paymentID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[paymentID] = append(f.failures[paymentID], errs...)
}

// FailTransient queues n transient failures for paymentID.
func (f *FakeProcessor) FailTransient(paymentID string, n int) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = TransientError()
	}
	f.FailNext(paymentID, errs...)
}

// FetchPayment implements engine.Fetcher.
func (f *FakeProcessor) FetchPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentSnapshot{}, &processor.Error{Kind: processor.KindTransient, Op: "fetch_payment", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetch:"+paymentID)

	if q := f.failures[paymentID]; len(q) > 0 {
		f.failures[paymentID] = q[1:]
		return domain.PaymentSnapshot{}, q[0]
	}
	s, ok := f.payments[paymentID]
	if !ok {
		return domain.PaymentSnapshot{}, NotFoundError()
	}
	return s, nil
}

// SearchByExternalReference returns the last payment set for ref.
func (f *FakeProcessor) SearchByExternalReference(ctx context.Context, ref string) (domain.PaymentSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "search:"+ref)

	var (
		found  domain.PaymentSnapshot
		exists bool
	)
	for _, s := range f.payments {
		if s.ExternalReference != ref {
			continue
		}
		if !exists || later(s, found) {
			found, exists = s, true
		}
	}
	if !exists {
		return domain.PaymentSnapshot{}, &processor.Error{
			Kind: processor.KindNotFound, Op: "search_payments", StatusCode: 404,
			Err: fmt.Errorf("no payment for reference %q", ref),
		}
	}
	return found, nil
}

// Calls returns the calls made so far, e.g. "fetch:123".
func (f *FakeProcessor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// TransientError is a 503 from the processor.
func TransientError() error {
	return &processor.Error{Kind: processor.KindTransient, Op: "fetch_payment", StatusCode: 503, Err: errors.New("service unavailable")}
}

// NotFoundError is a 404 from the processor.
func NotFoundError() error {
	return &processor.Error{Kind: processor.KindNotFound, Op: "fetch_payment", StatusCode: 404, Err: errors.New("payment not found")}
}

// UnauthorizedError is a 401 from the processor.
func UnauthorizedError() error {
	return &processor.Error{Kind: processor.KindUnauthorized, Op: "fetch_payment", StatusCode: 401, Err: errors.New("invalid access token")}
}

func later(a, b domain.PaymentSnapshot) bool {
	switch {
	case a.DateLastUpdated == nil:
		return false
	case b.DateLastUpdated == nil:
		return true
	case a.DateLastUpdated.Equal(*b.DateLastUpdated):
		return a.ID > b.ID
	default:
		return a.DateLastUpdated.After(*b.DateLastUpdated)
	}
}
