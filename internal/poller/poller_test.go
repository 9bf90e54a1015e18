package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/engine"
	"github.com/roach88/payrecon/internal/resolver"
	"github.com/roach88/payrecon/internal/store"
	"github.com/roach88/payrecon/internal/testutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *store.Store
	proc   *testutil.FakeProcessor
	clock  *testutil.FakeClock
	engine *engine.Engine
	poller *Poller
}

func testConfig() Config {
	return Config{
		Interval:      time.Minute,
		RetryInterval: time.Minute,
		StaleAfter:    10 * time.Minute,
		RecoverAfter:  2 * time.Minute,
		OrphanWindow:  time.Hour,
		BatchSize:     10,
		Workers:       2,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "poller.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		proc:  testutil.NewFakeProcessor(),
		clock: testutil.NewFakeClock(t0),
	}
	f.engine = engine.New(s, f.proc, resolver.Default(),
		engine.WithClock(f.clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("evt")),
		engine.WithLogger(discard()),
	)
	f.poller = New(s, f.engine, f.proc, testConfig(), WithClock(f.clock), WithLogger(discard()))
	return f
}

func (f *fixture) order(t *testing.T, ref, paymentID string) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.store.CreateOrder(context.Background(), domain.Order{
		ID:                "ord-" + ref,
		ExternalReference: ref,
		Status:            domain.StatusPending,
		PaymentID:         paymentID,
		Amount:            decimal.RequireFromString("100.50"),
		Currency:          "BRL",
		CreatedAt:         now,
		UpdatedAt:         now,
	}))
}

func (f *fixture) payment(id, ref, status string) {
	updated := f.clock.Now()
	f.proc.SetPayment(domain.PaymentSnapshot{
		ID:                id,
		Status:            status,
		ExternalReference: ref,
		Amount:            decimal.RequireFromString("100.50"),
		Currency:          "BRL",
		DateLastUpdated:   &updated,
	})
}

func (f *fixture) status(t *testing.T, ref string) domain.OrderStatus {
	t.Helper()
	o, err := f.store.GetOrderByExternalReference(context.Background(), ref)
	require.NoError(t, err)
	return o.Status
}

// The webhook never arrives; the stale sweep asks the processor.
func TestRunCycle_StaleOrderWithPayment(t *testing.T) {
	f := newFixture(t)
	f.order(t, "order-1", "1325326516")
	f.payment("1325326516", "order-1", "approved")
	f.clock.Advance(11 * time.Minute)

	r := f.poller.RunCycle(context.Background())

	assert.Equal(t, 1, r.Stale)
	assert.Equal(t, 0, r.Errors)
	assert.Equal(t, 1, r.Outcomes[domain.OutcomeApplied])
	assert.Equal(t, domain.StatusApproved, f.status(t, "order-1"))
	assert.Equal(t, []string{"fetch:1325326516"}, f.proc.Calls())

	r = f.poller.RunCycle(context.Background())
	assert.Equal(t, 0, r.Total(), "terminal orders are never stale")
}

func TestRunCycle_StaleOrderStillPendingIsMarkedPolled(t *testing.T) {
	f := newFixture(t)
	f.order(t, "order-1", "9")
	f.payment("9", "order-1", "pending")
	f.clock.Advance(11 * time.Minute)
	ctx := context.Background()

	r := f.poller.RunCycle(ctx)
	assert.Equal(t, 1, r.Stale)
	assert.Equal(t, 1, r.Outcomes[domain.OutcomeIgnored])

	o, err := f.store.GetOrderByExternalReference(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, o.LastPolledAt)
	assert.Equal(t, f.clock.Now(), *o.LastPolledAt)
	assert.Equal(t, int64(0), o.Version, "polling is not a status mutation")

	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.poller.RunCycle(ctx).Stale, "recently polled")

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, f.poller.RunCycle(ctx).Stale)
}

func TestRunCycle_StaleOrderWithoutPaymentSearches(t *testing.T) {
	f := newFixture(t)
	f.order(t, "order-1", "")
	f.payment("44", "order-1", "approved")
	f.clock.Advance(11 * time.Minute)

	r := f.poller.RunCycle(context.Background())

	assert.Equal(t, 1, r.Searched)
	assert.Equal(t, 1, r.Outcomes[domain.OutcomeApplied])
	assert.Equal(t, []string{"search:order-1"}, f.proc.Calls(), "snapshot from search is not fetched again")
	assert.Equal(t, domain.StatusApproved, f.status(t, "order-1"))
}

func TestRunCycle_StaleOrderWithNoPaymentAtProcessor(t *testing.T) {
	f := newFixture(t)
	f.order(t, "order-1", "")
	f.clock.Advance(11 * time.Minute)
	ctx := context.Background()

	r := f.poller.RunCycle(ctx)
	assert.Equal(t, 1, r.Stale)
	assert.Equal(t, 0, r.Errors)
	assert.Empty(t, r.Outcomes)

	events, err := f.store.ListEvents(ctx, domain.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events, "nothing to record")

	assert.Equal(t, 0, f.poller.RunCycle(ctx).Stale, "marked polled")
}

func TestRunCycle_OrphanRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.HandleEvent(ctx, engine.Inbound{
		Source:  domain.SourceWebhook,
		Payload: []byte(`{"id":31,"status":"approved","external_reference":"order-late","date_last_updated":"2024-03-01T12:00:00Z"}`),
	})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeOrphan, res.Outcome)

	f.clock.Advance(time.Minute)
	f.order(t, "order-late", "")
	f.payment("31", "order-late", "approved")

	r := f.poller.RunCycle(ctx)
	assert.Equal(t, 1, r.Orphans)
	assert.Equal(t, 1, r.Outcomes[domain.OutcomeApplied])
	assert.Equal(t, domain.StatusApproved, f.status(t, "order-late"))

	r = f.poller.RunCycle(ctx)
	assert.Equal(t, 0, r.Orphans, "resolved payments leave the orphan list")
}

// A full batch of payments that stay orphaned must not starve one whose
// order shows up later.
func TestRunCycle_OrphanBatchRotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orphan := func(paymentID, ref string) {
		t.Helper()
		res, err := f.engine.HandleEvent(ctx, engine.Inbound{
			Source: domain.SourceWebhook,
			Payload: []byte(fmt.Sprintf(`{"id":%s,"status":"approved","external_reference":"%s","date_last_updated":"2024-03-01T12:00:00Z"}`,
				paymentID, ref)),
		})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeOrphan, res.Outcome)
		f.clock.Advance(time.Second)
	}

	batch := testConfig().BatchSize
	for i := 1; i <= batch; i++ {
		id := strconv.Itoa(100 + i)
		f.payment(id, "gone-"+id, "approved")
		orphan(id, "gone-"+id)
	}
	orphan("31", "order-late")
	f.order(t, "order-late", "")
	f.payment("31", "order-late", "approved")

	f.clock.Advance(time.Minute)
	r := f.poller.RunCycle(ctx)
	assert.Equal(t, batch, r.Orphans)
	assert.Equal(t, batch, r.Outcomes[domain.OutcomeOrphan], "the oldest orphans are still orphaned")
	assert.Equal(t, domain.StatusPending, f.status(t, "order-late"))

	f.clock.Advance(time.Minute)
	r = f.poller.RunCycle(ctx)
	assert.Equal(t, 1, r.Outcomes[domain.OutcomeApplied])
	assert.Equal(t, domain.StatusApproved, f.status(t, "order-late"))
}

func TestRunCycle_RecoversUnprocessedEvents(t *testing.T) {
	f := newFixture(t)
	f.order(t, "order-1", "")
	ctx := context.Background()

	require.NoError(t, f.store.InsertEvent(ctx, domain.PaymentEvent{
		ID:         "evt-crashed",
		Source:     domain.SourceWebhook,
		RawPayload: `{"id":5,"status":"in_process","external_reference":"order-1"}`,
		ReceivedAt: f.clock.Now(),
		Attempt:    1,
	}))

	f.clock.Advance(time.Minute)
	assert.Equal(t, 0, f.poller.RunCycle(ctx).Recovered, "too young, its request may still be running")

	f.clock.Advance(2 * time.Minute)
	r := f.poller.RunCycle(ctx)
	assert.Equal(t, 1, r.Recovered)
	assert.Equal(t, domain.StatusInProcess, f.status(t, "order-1"))

	ev, err := f.store.GetEvent(ctx, "evt-crashed")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, ev.Outcome)
}

func TestRunRetries(t *testing.T) {
	f := newFixture(t)
	f.order(t, "order-1", "")
	f.payment("7", "order-1", "approved")
	f.proc.FailTransient("7", 1)
	ctx := context.Background()

	res, err := f.engine.HandleEvent(ctx, engine.Inbound{
		Source:  domain.SourceWebhook,
		Payload: []byte(`{"type":"payment","data":{"id":"7"}}`),
	})
	require.NoError(t, err)
	require.True(t, res.Deferred)

	assert.Equal(t, 0, f.poller.RunRetries(ctx).Retried, "not due yet")

	f.clock.Advance(time.Hour)
	r := f.poller.RunRetries(ctx)
	assert.Equal(t, 1, r.Retried)
	assert.Equal(t, 1, r.Outcomes[domain.OutcomeApplied])
	assert.Equal(t, domain.StatusApproved, f.status(t, "order-1"))

	assert.Equal(t, 0, f.poller.RunRetries(ctx).Retried, "claimed once")
}

// blockingHandler counts concurrent calls and blocks until released.
type blockingHandler struct {
	release chan struct{}
	started chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{release: make(chan struct{}), started: make(chan struct{}, 100)}
}

func (h *blockingHandler) enter() {
	n := h.active.Add(1)
	for {
		m := h.maxSeen.Load()
		if n <= m || h.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	h.calls.Add(1)
	h.started <- struct{}{}
	<-h.release
	h.active.Add(-1)
}

func (h *blockingHandler) HandleEvent(context.Context, engine.Inbound) (engine.Result, error) {
	h.enter()
	return engine.Result{Outcome: domain.OutcomeIgnored}, nil
}

func (h *blockingHandler) Recover(context.Context, domain.PaymentEvent) (engine.Result, error) {
	h.enter()
	return engine.Result{Outcome: domain.OutcomeApplied}, nil
}

func (h *blockingHandler) Retry(context.Context, domain.PaymentEvent) (engine.Result, error) {
	h.enter()
	return engine.Result{Outcome: domain.OutcomeApplied}, nil
}

func TestRunCycle_BoundedWorkersAndNoOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, f.store.InsertEvent(ctx, domain.PaymentEvent{
			ID:         "evt-" + string(rune('a'+i)),
			Source:     domain.SourceWebhook,
			RawPayload: `{}`,
			ReceivedAt: t0,
			Attempt:    1,
		}))
	}
	f.clock.Advance(time.Hour)

	h := newBlockingHandler()
	p := New(f.store, h, nil, testConfig(), WithClock(f.clock), WithLogger(discard()))

	done := make(chan CycleReport)
	go func() { done <- p.RunCycle(ctx) }()

	<-h.started
	<-h.started
	assert.True(t, p.RunCycle(ctx).Skipped, "cycles never overlap")

	close(h.release)
	r := <-done
	assert.False(t, r.Skipped)
	assert.Equal(t, 6, r.Recovered)
	assert.LessOrEqual(t, h.maxSeen.Load(), int32(2))
}

func TestWork_SkipsInFlightKeys(t *testing.T) {
	p := New(nil, nil, nil, testConfig(), WithLogger(discard()))
	tl := newTally()

	require.True(t, p.acquire("order:order-1"))
	p.work(context.Background(), tl, "order:order-1", &tl.stale, func(context.Context) (engine.Result, error) {
		t.Fatal("in-flight key must not run")
		return engine.Result{}, nil
	})
	p.release("order:order-1")

	r := tl.report()
	assert.Equal(t, 1, r.InFlight)
	assert.Equal(t, 0, r.Stale)

	ran := false
	p.work(context.Background(), tl, "order:order-1", &tl.stale, func(context.Context) (engine.Result, error) {
		ran = true
		return engine.Result{Outcome: domain.OutcomeApplied}, nil
	})
	assert.True(t, ran)
	assert.Equal(t, 1, tl.report().Stale)
}

type cycleRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (c *cycleRecorder) ObserveCycle(kind string, _ CycleReport, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	rec := &cycleRecorder{}
	p := New(f.store, f.engine, f.proc, Config{Interval: time.Hour, RetryInterval: time.Hour},
		WithClock(f.clock), WithLogger(discard()), WithObserver(rec))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.kinds) == 2
	}, time.Second, 5*time.Millisecond, "both loops run immediately")

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []string{KindCycle, KindRetries}, rec.kinds)
}

func TestNew_AppliesDefaults(t *testing.T) {
	p := New(nil, nil, nil, Config{})
	def := DefaultConfig()
	assert.Equal(t, def.Interval, p.cfg.Interval)
	assert.Equal(t, def.BatchSize, p.cfg.BatchSize)
	assert.Equal(t, def.Workers, p.cfg.Workers)
	assert.Zero(t, p.cfg.StaleAfter, "zero disables the sweep")
}
