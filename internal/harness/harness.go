package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/engine"
	"github.com/roach88/payrecon/internal/poller"
	"github.com/roach88/payrecon/internal/resolver"
	"github.com/roach88/payrecon/internal/store"
	"github.com/roach88/payrecon/internal/testutil"
)

// RetryPolicy is the retry policy scenarios run under.
var RetryPolicy = engine.RetryPolicy{
	InitialInterval:    time.Minute,
	BackoffCoefficient: 2,
	MaximumInterval:    time.Hour,
	MaximumAttempts:    3,
}

// PollerConfig is the poller configuration scenarios run under.
// A single worker keeps event IDs in sweep order.
var PollerConfig = poller.Config{
	Interval:      time.Minute,
	RetryInterval: 15 * time.Second,
	StaleAfter:    10 * time.Minute,
	RecoverAfter:  2 * time.Minute,
	OrphanWindow:  24 * time.Hour,
	BatchSize:     50,
	Workers:       1,
}

// Harness is the scenario execution environment: the real engine and
// poller over a fresh SQLite store, a scripted processor, a fake clock and
// sequential event IDs.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	poller *poller.Poller
	proc   *testutil.FakeProcessor
	clock  *testutil.FakeClock
	logger *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against its own database file in a temporary
// directory, removed afterwards. Deterministic helpers ensure reproducible
// traces.
//
// Execution flow:
// 1. Create fresh store, processor, clock, engine and poller
// 2. Seed setup orders and payments
// 3. Execute flow steps with expect validation
// 4. Snapshot final orders and processor calls
// 5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "payrecon-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	start := DefaultStart
	if scenario.Start != "" {
		if start, err = time.Parse(time.RFC3339, scenario.Start); err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Harness{
		store:  st,
		proc:   testutil.NewFakeProcessor(),
		clock:  testutil.NewFakeClock(start),
		logger: logger,
	}
	h.engine = engine.New(st, h.proc, resolver.Default(),
		engine.WithClock(h.clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("evt")),
		engine.WithRetryPolicy(RetryPolicy),
		engine.WithLogger(logger),
	)
	h.poller = poller.New(st, h.engine, h.proc, PollerConfig,
		poller.WithClock(h.clock),
		poller.WithLogger(logger),
	)

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	orders, err := h.snapshotOrders(ctx)
	if err != nil {
		return nil, err
	}
	result.Orders = orders
	result.Calls = append(result.Calls, h.proc.Calls()...)

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// executeSetup seeds orders and processor payments.
func (h *Harness) executeSetup(ctx context.Context, setup Setup) error {
	for i, o := range setup.Orders {
		if err := h.createOrder(ctx, o); err != nil {
			return fmt.Errorf("setup order %d: %w", i, err)
		}
	}
	for i, p := range setup.Payments {
		if err := h.setPayment(p); err != nil {
			return fmt.Errorf("setup payment %d: %w", i, err)
		}
	}
	return nil
}

// executeFlow runs all flow steps and validates expect clauses.
// Mismatched expectations are recorded on the result; only harness
// failures abort the flow.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		kind := step.Kind()
		fields := map[string]any{}

		var (
			res     engine.Result
			stepErr error
			engaged bool
		)

		switch kind {
		case StepWebhook:
			engaged = true
			res, stepErr = h.engine.HandleEvent(ctx, engine.Inbound{
				Source:    domain.SourceWebhook,
				Payload:   []byte(step.Webhook.Payload),
				PaymentID: step.Webhook.Hint,
			})

		case StepPoll:
			engaged = true
			fields["payment_id"] = step.Poll
			res, stepErr = h.engine.HandleEvent(ctx, engine.Inbound{
				Source:    domain.SourcePoll,
				PaymentID: step.Poll,
			})

		case StepRedrive:
			engaged = true
			fields["redriven"] = step.Redrive
			res, stepErr = h.engine.Redrive(ctx, step.Redrive)

		case StepCycle:
			addReport(fields, h.poller.RunCycle(ctx))

		case StepRetries:
			addReport(fields, h.poller.RunRetries(ctx))

		case StepAdvance:
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("flow step %d: %w", i, err)
			}
			fields["now"] = h.clock.Advance(d).Format(time.RFC3339)

		case StepOrder:
			if err := h.createOrder(ctx, *step.Order); err != nil {
				return fmt.Errorf("flow step %d: %w", i, err)
			}
			fields["external_reference"] = step.Order.ExternalReference

		case StepPayment:
			if err := h.setPayment(*step.Payment); err != nil {
				return fmt.Errorf("flow step %d: %w", i, err)
			}
			fields["payment_id"] = step.Payment.ID
			fields["status"] = step.Payment.Status

		case StepFail:
			times := failTimes(*step.Fail)
			h.fail(*step.Fail, times)
			fields["payment_id"] = step.Fail.PaymentID
			fields["kind"] = step.Fail.Kind
			fields["times"] = times

		default:
			return fmt.Errorf("flow step %d: exactly one action is required", i)
		}

		if engaged {
			addEngineResult(fields, res, stepErr)
			if msg := checkExpect(step.Expect, res, stepErr); msg != "" {
				result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, kind, msg))
			}
		}

		seq := result.AddTrace(kind, fields)
		h.logger.Info("flow step completed", "step", i, "seq", seq, "kind", kind)
	}
	return nil
}

func addEngineResult(fields map[string]any, res engine.Result, err error) {
	if res.EventID != "" {
		fields["event_id"] = res.EventID
	}
	if res.Outcome != "" {
		fields["outcome"] = string(res.Outcome)
	}
	if res.Status != "" {
		fields["status"] = string(res.Status)
	}
	if res.ErrorCode != "" {
		fields["error_code"] = res.ErrorCode
	}
	if res.Deferred {
		fields["deferred"] = true
	}
	if err != nil {
		fields["failed"] = true
	}
}

func addReport(fields map[string]any, r poller.CycleReport) {
	if r.Skipped {
		fields["skipped"] = true
		return
	}
	fields["recovered"] = r.Recovered
	fields["stale"] = r.Stale
	fields["searched"] = r.Searched
	fields["orphans"] = r.Orphans
	fields["retried"] = r.Retried
	fields["errors"] = r.Errors
	outcomes := make(map[string]any, len(r.Outcomes))
	for o, n := range r.Outcomes {
		outcomes[string(o)] = n
	}
	fields["outcomes"] = outcomes
}

// checkExpect returns a mismatch description, or "" when the step met
// its expectation. A step without expectations must not fail.
func checkExpect(exp *ExpectClause, res engine.Result, err error) string {
	if exp == nil {
		if err != nil {
			return fmt.Sprintf("unexpected error: %v", err)
		}
		return ""
	}

	switch {
	case exp.Error != "" && err == nil:
		return fmt.Sprintf("expected error containing %q, got none", exp.Error)
	case exp.Error != "" && !strings.Contains(err.Error(), exp.Error):
		return fmt.Sprintf("expected error containing %q, got %v", exp.Error, err)
	case exp.Error == "" && err != nil:
		return fmt.Sprintf("unexpected error: %v", err)
	}

	var mismatches []string
	if exp.Outcome != "" && string(res.Outcome) != exp.Outcome {
		mismatches = append(mismatches, fmt.Sprintf("outcome %q, want %q", res.Outcome, exp.Outcome))
	}
	if exp.Status != "" && string(res.Status) != exp.Status {
		mismatches = append(mismatches, fmt.Sprintf("status %q, want %q", res.Status, exp.Status))
	}
	if exp.ErrorCode != "" && res.ErrorCode != exp.ErrorCode {
		mismatches = append(mismatches, fmt.Sprintf("error_code %q, want %q", res.ErrorCode, exp.ErrorCode))
	}
	if exp.Deferred != nil && res.Deferred != *exp.Deferred {
		mismatches = append(mismatches, fmt.Sprintf("deferred %t, want %t", res.Deferred, *exp.Deferred))
	}
	return strings.Join(mismatches, "; ")
}

func (h *Harness) createOrder(ctx context.Context, o OrderFixture) error {
	amount, err := decimal.NewFromString(o.Amount)
	if err != nil {
		return fmt.Errorf("order %s amount: %w", o.ExternalReference, err)
	}
	status := domain.OrderStatus(o.Status)
	if status == "" {
		status = domain.StatusPending
	}
	if !status.Valid() {
		return fmt.Errorf("order %s: invalid status %q", o.ExternalReference, o.Status)
	}
	currency := o.Currency
	if currency == "" {
		currency = "BRL"
	}
	now := h.clock.Now()
	return h.store.CreateOrder(ctx, domain.Order{
		ID:                "ord-" + o.ExternalReference,
		ExternalReference: o.ExternalReference,
		Status:            status,
		PaymentID:         o.PaymentID,
		Amount:            amount,
		Currency:          currency,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

func (h *Harness) setPayment(p PaymentFixture) error {
	snap := domain.PaymentSnapshot{
		ID:                p.ID,
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		Currency:          p.Currency,
	}
	if p.Amount != "" {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return fmt.Errorf("payment %s amount: %w", p.ID, err)
		}
		snap.Amount = amount
	}
	updated := h.clock.Now()
	if p.DateLastUpdated != "" {
		t, err := time.Parse(time.RFC3339, p.DateLastUpdated)
		if err != nil {
			return fmt.Errorf("payment %s date_last_updated: %w", p.ID, err)
		}
		updated = t.UTC()
	}
	snap.DateLastUpdated = &updated
	h.proc.SetPayment(snap)
	return nil
}

func failTimes(f FailFixture) int {
	if f.Times < 1 {
		return 1
	}
	return f.Times
}

func (h *Harness) fail(f FailFixture, times int) {
	errs := make([]error, times)
	for i := range errs {
		switch f.Kind {
		case "not_found":
			errs[i] = testutil.NotFoundError()
		case "unauthorized":
			errs[i] = testutil.UnauthorizedError()
		default:
			errs[i] = testutil.TransientError()
		}
	}
	h.proc.FailNext(f.PaymentID, errs...)
}

func (h *Harness) snapshotOrders(ctx context.Context) ([]OrderState, error) {
	rows, err := h.store.DB().QueryContext(ctx,
		`SELECT external_reference, status, payment_id, last_event_id, version
		 FROM orders ORDER BY external_reference`)
	if err != nil {
		return nil, fmt.Errorf("snapshot orders: %w", err)
	}
	defer rows.Close()

	orders := []OrderState{}
	for rows.Next() {
		var o OrderState
		if err := rows.Scan(&o.ExternalReference, &o.Status, &o.PaymentID, &o.LastEventID, &o.Version); err != nil {
			return nil, fmt.Errorf("snapshot orders: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot orders: %w", err)
	}
	return orders, nil
}
