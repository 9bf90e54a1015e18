package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/resolver"
	"github.com/roach88/payrecon/internal/store"
)

const (
	// DefaultDedupWindow is the bucket width for dedup timestamps.
	DefaultDedupWindow = time.Minute
	// DefaultFetchTimeout bounds a single processor fetch.
	DefaultFetchTimeout = 5 * time.Second

	// maxApplyAttempts bounds reload-and-retry on optimistic conflicts.
	maxApplyAttempts = 3
)

// Fetcher is the processor query surface the engine needs.
// Implemented by *processor.Client and testutil.FakeProcessor.
type Fetcher interface {
	FetchPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error)
}

// Recorder receives engine outcomes. Implemented by *metrics.Metrics.
type Recorder interface {
	ObserveEvent(source domain.Source, outcome domain.Outcome)
	ObserveTransition(from, to domain.OrderStatus)
}

// Inbound is a payment signal entering the engine.
type Inbound struct {
	Source domain.Source
	// Payload is the verbatim request body. May be empty when PaymentID is set.
	Payload []byte
	// PaymentID is a hint taken from the request URL, or the ID the poller
	// is re-driving.
	PaymentID string
	// Snapshot is a payment the caller already fetched (the poller's search
	// by external reference). It replaces the fetch.
	Snapshot *domain.PaymentSnapshot
	// Attempt counts retries of the same signal, starting at 1.
	Attempt int
	// RetryOf is the ID of the rejected event this one re-drives.
	RetryOf string
}

// Result is the outcome of processing one event.
type Result struct {
	EventID string
	Outcome domain.Outcome
	// Status is the order status after processing, empty when no order was
	// located.
	Status domain.OrderStatus
	// Deferred is true when a transient failure scheduled a retry.
	Deferred bool
	// Pending is true when Accept recorded the event but left the processor
	// round trip to Process.
	Pending   bool
	ErrorCode string
}

// Engine reconciles payment signals into order state.
//
// Thread-safety: all methods are safe for concurrent use. Work on one
// order reference is serialized; different orders proceed in parallel.
type Engine struct {
	repo     store.Repository
	fetcher  Fetcher
	resolver *resolver.Resolver
	clock    Clock
	ids      IDGenerator
	locks    *keyLocks
	recorder Recorder
	logger   *slog.Logger

	retry        RetryPolicy
	dedupWindow  time.Duration
	fetchTimeout time.Duration
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator replaces the UUIDv7 event ID generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithRetryPolicy sets the durable retry schedule for transient failures.
func WithRetryPolicy(p RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithDedupWindow sets the dedup timestamp bucket. Values <= 0 are ignored.
func WithDedupWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.dedupWindow = d
		}
	}
}

// WithFetchTimeout bounds each processor fetch. Values <= 0 are ignored.
func WithFetchTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.fetchTimeout = d
		}
	}
}

// WithRecorder reports outcomes and transitions, typically to Prometheus.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine over the given repository, processor and resolver.
func New(repo store.Repository, fetcher Fetcher, res *resolver.Resolver, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:         repo,
		fetcher:      fetcher,
		resolver:     res,
		clock:        SystemClock{},
		ids:          UUIDv7Generator{},
		locks:        newKeyLocks(),
		logger:       slog.Default(),
		retry:        DefaultRetryPolicy(),
		dedupWindow:  DefaultDedupWindow,
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleEvent records a signal and processes it to completion.
//
// The returned error is non-nil when the event could not be recorded (the
// caller should answer 5xx so the processor re-delivers), when the payload
// is malformed (domain.ErrMalformedEvent, recorded and never retried), or
// when a store failure left the event unprocessed for the recovery sweep.
// Processor failures are not errors: they are recorded on the event.
func (e *Engine) HandleEvent(ctx context.Context, in Inbound) (Result, error) {
	ev, err := e.record(ctx, in)
	if err != nil {
		return Result{}, err
	}
	return e.process(ctx, ev, in.PaymentID)
}

// Accept records a signal and settles it only when that needs no processor
// round trip: malformed payloads, unsupported notification types and
// definitive inline snapshots. Anything else comes back Pending and is
// finished by Process, or by Recover if Process never runs.
//
// Errors follow HandleEvent.
func (e *Engine) Accept(ctx context.Context, in Inbound) (Result, error) {
	ev, err := e.record(ctx, in)
	if err != nil {
		return Result{}, err
	}

	p, perr := parsePayload([]byte(ev.RawPayload), in.PaymentID)
	if perr != nil || p.Topic != topicPayment || e.definitive(p) {
		return e.process(ctx, ev, in.PaymentID)
	}
	return Result{EventID: ev.ID, Pending: true}, nil
}

// Process finishes an event that Accept left pending. It fails with
// domain.ErrEventProcessed when something else completed the event first.
func (e *Engine) Process(ctx context.Context, eventID string) (Result, error) {
	ev, err := e.repo.GetEvent(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("process: %w", err)
	}
	if ev.Processed() {
		return Result{}, fmt.Errorf("process %s: %w", ev.ID, domain.ErrEventProcessed)
	}
	return e.process(ctx, ev, ev.PaymentID)
}

// Recover processes an event that was recorded but never completed.
func (e *Engine) Recover(ctx context.Context, ev domain.PaymentEvent) (Result, error) {
	if ev.Processed() {
		return Result{}, fmt.Errorf("recover %s: %w", ev.ID, domain.ErrEventProcessed)
	}
	e.logger.Info("recovering event", "event_id", ev.ID, "payment_id", ev.PaymentID)
	return e.process(ctx, ev, ev.PaymentID)
}

// Retry re-drives a rejected event as a new event with the next attempt
// number. The original event is left as recorded.
func (e *Engine) Retry(ctx context.Context, ev domain.PaymentEvent) (Result, error) {
	return e.HandleEvent(ctx, Inbound{
		Source:    ev.Source,
		Payload:   []byte(ev.RawPayload),
		PaymentID: ev.PaymentID,
		Attempt:   ev.Attempt + 1,
		RetryOf:   ev.ID,
	})
}

// Redrive is the manual re-drive entry point. An unprocessed event is
// recovered in place; a processed one is re-driven as a new event with a
// fresh retry budget.
func (e *Engine) Redrive(ctx context.Context, eventID string) (Result, error) {
	ev, err := e.repo.GetEvent(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("redrive: %w", err)
	}
	if !ev.Processed() {
		return e.Recover(ctx, ev)
	}

	e.logger.Info("manual redrive", "event_id", ev.ID, "payment_id", ev.PaymentID, "outcome", ev.Outcome)
	return e.HandleEvent(ctx, Inbound{
		Source:    ev.Source,
		Payload:   []byte(ev.RawPayload),
		PaymentID: ev.PaymentID,
		Attempt:   1,
		RetryOf:   ev.ID,
	})
}

// record appends the event before any processing.
func (e *Engine) record(ctx context.Context, in Inbound) (domain.PaymentEvent, error) {
	if !in.Source.Valid() {
		return domain.PaymentEvent{}, fmt.Errorf("record event: invalid source %q", in.Source)
	}

	payload := in.Payload
	if in.Snapshot != nil {
		var err error
		if payload, err = snapshotPayload(*in.Snapshot); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("record event: encode snapshot: %w", err)
		}
	} else if len(payload) == 0 && in.Source == domain.SourcePoll && in.PaymentID != "" {
		var err error
		if payload, err = pollPayload(in.PaymentID); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("record event: encode poll: %w", err)
		}
	}

	attempt := in.Attempt
	if attempt < 1 {
		attempt = 1
	}

	ev := domain.PaymentEvent{
		ID:         e.ids.Generate(),
		Source:     in.Source,
		PaymentID:  in.PaymentID,
		RawPayload: string(payload),
		ReceivedAt: e.clock.Now(),
		Attempt:    attempt,
		RetryOf:    in.RetryOf,
	}
	if err := e.repo.InsertEvent(ctx, ev); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("record event: %w", err)
	}

	e.logger.Debug("event recorded", "event_id", ev.ID, "source", ev.Source, "attempt", ev.Attempt)
	return ev, nil
}

// process runs a recorded event to completion.
func (e *Engine) process(ctx context.Context, ev domain.PaymentEvent, hint string) (Result, error) {
	p, err := parsePayload([]byte(ev.RawPayload), hint)
	if err != nil {
		e.logger.Warn("malformed event", "event_id", ev.ID, "source", ev.Source, "error", err)
		res, cerr := e.complete(ctx, ev, domain.EventResult{
			Outcome:      domain.OutcomeRejected,
			ErrorCode:    domain.CodeMalformed,
			ErrorMessage: err.Error(),
		})
		if cerr != nil {
			return res, cerr
		}
		return res, err
	}

	if p.Topic != topicPayment {
		e.logger.Debug("unsupported notification type", "event_id", ev.ID, "type", p.Topic)
		return e.complete(ctx, ev, domain.EventResult{
			Outcome:      domain.OutcomeRejected,
			PaymentID:    p.PaymentID,
			ErrorCode:    domain.CodeUnsupportedType,
			ErrorMessage: fmt.Sprintf("notification type %q", p.Topic),
		})
	}

	sig := p.signal
	if !e.definitive(p) {
		snap, err := e.fetch(ctx, p.PaymentID)
		if err != nil {
			return e.fetchFailed(ctx, ev, p.PaymentID, err)
		}
		sig = signalFromSnapshot(snap)
		if sig.PaymentID == "" {
			sig.PaymentID = p.PaymentID
		}
	}

	if sig.ExternalReference == "" {
		e.logger.Info("payment without order reference", "event_id", ev.ID, "payment_id", sig.PaymentID)
		return e.complete(ctx, ev, domain.EventResult{
			Outcome:        domain.OutcomeOrphan,
			PaymentID:      sig.PaymentID,
			ReportedStatus: sig.Status,
		})
	}

	ts := ev.ReceivedAt
	if sig.Timestamp != nil {
		ts = *sig.Timestamp
	}
	key, err := domain.DedupKey(sig.PaymentID, sig.Status, ts, e.dedupWindow)
	if err != nil {
		return Result{EventID: ev.ID}, fmt.Errorf("dedup key: %w", err)
	}

	unlock := e.locks.Lock(sig.ExternalReference)
	defer unlock()

	return e.apply(ctx, ev, sig, key)
}

// definitive reports whether an inline payload is enough to resolve
// without asking the processor.
func (e *Engine) definitive(p parsed) bool {
	return p.Inline &&
		p.ExternalReference != "" &&
		e.resolver.Classify(p.Status) != domain.StatusUnknown
}

func (e *Engine) fetch(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	return e.fetcher.FetchPayment(ctx, paymentID)
}

// fetchFailed records a processor failure. Transient failures get a retry
// schedule until the policy is exhausted.
func (e *Engine) fetchFailed(ctx context.Context, ev domain.PaymentEvent, paymentID string, fetchErr error) (Result, error) {
	code, retryable := fetchFailure(fetchErr)
	r := domain.EventResult{
		Outcome:      domain.OutcomeRejected,
		PaymentID:    paymentID,
		ErrorCode:    code,
		ErrorMessage: fetchErr.Error(),
	}

	switch {
	case retryable && !e.retry.Exhausted(ev.Attempt):
		next := e.clock.Now().Add(e.retry.Backoff(ev.Attempt))
		r.NextRetryAt = &next
		e.logger.Warn("processor fetch failed, retry scheduled",
			"event_id", ev.ID, "payment_id", paymentID, "attempt", ev.Attempt, "next_retry_at", next, "error", fetchErr)
	case retryable:
		r.ErrorCode = domain.CodeRetriesExhausted
		e.logger.Error("processor fetch failed, retries exhausted",
			"event_id", ev.ID, "payment_id", paymentID, "attempt", ev.Attempt, "error", fetchErr)
	default:
		e.logger.Error("processor fetch failed permanently",
			"event_id", ev.ID, "payment_id", paymentID, "code", code, "error", fetchErr)
	}

	res, err := e.complete(ctx, ev, r)
	res.Deferred = r.NextRetryAt != nil
	return res, err
}

// apply resolves the signal against the order and writes the outcome.
// The caller holds the lock for sig.ExternalReference.
func (e *Engine) apply(ctx context.Context, ev domain.PaymentEvent, sig signal, key string) (Result, error) {
	reported := e.resolver.Classify(sig.Status)
	base := domain.EventResult{
		PaymentID:         sig.PaymentID,
		ExternalReference: sig.ExternalReference,
		ReportedStatus:    sig.Status,
		DedupKey:          key,
	}

	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		order, err := e.repo.GetOrderByExternalReference(ctx, sig.ExternalReference)
		if errors.Is(err, domain.ErrOrderNotFound) {
			e.logger.Info("orphan payment", "event_id", ev.ID, "payment_id", sig.PaymentID, "external_reference", sig.ExternalReference)
			r := base
			r.Outcome = domain.OutcomeOrphan
			return e.complete(ctx, ev, r)
		}
		if err != nil {
			return Result{EventID: ev.ID}, fmt.Errorf("locate order: %w", err)
		}

		applied, err := e.repo.HasApplied(ctx, key)
		if err != nil {
			return Result{EventID: ev.ID}, fmt.Errorf("dedup check: %w", err)
		}
		if applied {
			return e.duplicate(ctx, ev, base, order)
		}

		if reason := mismatch(order, sig, reported); reason != "" {
			e.logger.Warn("payment does not match order", "event_id", ev.ID, "external_reference", order.ExternalReference, "reason", reason)
			r := base
			r.Outcome = domain.OutcomeRejected
			r.ResultStatus = order.Status
			r.ErrorCode = domain.CodeAmountMismatch
			r.ErrorMessage = reason
			return e.complete(ctx, ev, r)
		}

		next := e.resolver.Resolve(order.Status, reported)
		if next == order.Status {
			r := base
			r.Outcome = domain.OutcomeIgnored
			r.ResultStatus = order.Status
			if e.resolver.Conflict(order.Status, reported) {
				r.ErrorCode = domain.CodeTerminalConflict
				r.ErrorMessage = fmt.Sprintf("order is %s, processor reports %s", order.Status, reported)
				e.logger.Warn("terminal status conflict", "event_id", ev.ID, "external_reference", order.ExternalReference,
					"current", order.Status, "reported", reported, "payment_id", sig.PaymentID)
			}
			return e.complete(ctx, ev, r)
		}

		now := e.clock.Now()
		r := base
		r.Outcome = domain.OutcomeApplied
		r.ResultStatus = next
		r.EventID = ev.ID
		r.ProcessedAt = now
		err = e.repo.ApplyEvent(ctx, domain.OrderTransition{
			OrderID:         order.ID,
			ExpectedVersion: order.Version,
			Status:          next,
			PaymentID:       sig.PaymentID,
			UpdatedAt:       now,
		}, r)
		switch {
		case err == nil:
			e.logger.Info("order status changed", "event_id", ev.ID, "external_reference", order.ExternalReference,
				"from", order.Status, "to", next, "payment_id", sig.PaymentID, "source", ev.Source)
			e.observe(ev.Source, domain.OutcomeApplied)
			if e.recorder != nil {
				e.recorder.ObserveTransition(order.Status, next)
			}
			return Result{EventID: ev.ID, Outcome: domain.OutcomeApplied, Status: next}, nil
		case errors.Is(err, domain.ErrDuplicateApplied):
			return e.duplicate(ctx, ev, base, order)
		case errors.Is(err, domain.ErrConcurrentUpdate):
			e.logger.Debug("order changed concurrently, reloading", "event_id", ev.ID, "attempt", attempt)
			continue
		default:
			return Result{EventID: ev.ID}, fmt.Errorf("apply: %w", err)
		}
	}

	return Result{EventID: ev.ID}, fmt.Errorf("event %s: %w", ev.ID, ErrApplyContention)
}

func (e *Engine) duplicate(ctx context.Context, ev domain.PaymentEvent, base domain.EventResult, order domain.Order) (Result, error) {
	e.logger.Debug("duplicate event", "event_id", ev.ID, "dedup_key", base.DedupKey)
	r := base
	r.Outcome = domain.OutcomeDuplicate
	r.ResultStatus = order.Status
	// Only the applied event may hold the key; the index is partial on outcome.
	return e.complete(ctx, ev, r)
}

// mismatch returns why an approval cannot be applied to order, or "".
func mismatch(order domain.Order, sig signal, reported domain.OrderStatus) string {
	if reported != domain.StatusApproved {
		return ""
	}
	if sig.Amount != nil && !sig.Amount.Equal(order.Amount) {
		return fmt.Sprintf("approved amount %s differs from order amount %s", sig.Amount, order.Amount)
	}
	if sig.Currency != "" && order.Currency != "" && !strings.EqualFold(sig.Currency, order.Currency) {
		return fmt.Sprintf("approved currency %s differs from order currency %s", sig.Currency, order.Currency)
	}
	return ""
}

// complete writes a non-applying outcome onto the event.
func (e *Engine) complete(ctx context.Context, ev domain.PaymentEvent, r domain.EventResult) (Result, error) {
	r.EventID = ev.ID
	r.ProcessedAt = e.clock.Now()

	res := Result{EventID: ev.ID, Outcome: r.Outcome, Status: r.ResultStatus, ErrorCode: r.ErrorCode}
	if err := e.repo.CompleteEvent(ctx, r); err != nil {
		return res, fmt.Errorf("complete event: %w", err)
	}
	e.observe(ev.Source, r.Outcome)
	return res, nil
}

func (e *Engine) observe(source domain.Source, outcome domain.Outcome) {
	if e.recorder != nil {
		e.recorder.ObserveEvent(source, outcome)
	}
}
