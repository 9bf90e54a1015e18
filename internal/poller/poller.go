// Package poller drives the reconciliation engine from the pull side.
//
// A cycle runs three sweeps: crash recovery of events recorded but never
// processed, stale orders whose payment signal never arrived, and orphan
// payments whose order may have been committed since. Due retries of
// transient processor failures are claimed on their own ticker.
//
// All sweeps re-enter the engine; the poller never writes order status.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/engine"
	"github.com/roach88/payrecon/internal/processor"
	"github.com/roach88/payrecon/internal/store"
)

// Handler is the engine surface the poller re-enters.
// Implemented by *engine.Engine.
type Handler interface {
	HandleEvent(ctx context.Context, in engine.Inbound) (engine.Result, error)
	Recover(ctx context.Context, ev domain.PaymentEvent) (engine.Result, error)
	Retry(ctx context.Context, ev domain.PaymentEvent) (engine.Result, error)
}

// Searcher finds the payment of an order that never received a signal.
// Implemented by *processor.Client.
type Searcher interface {
	SearchByExternalReference(ctx context.Context, ref string) (domain.PaymentSnapshot, error)
}

// Observer receives cycle reports. Implemented by *metrics.Metrics.
type Observer interface {
	ObserveCycle(kind string, r CycleReport, elapsed time.Duration)
}

// Cycle kinds passed to Observer.
const (
	KindCycle   = "cycle"
	KindRetries = "retries"
)

// Config bounds the poller's work.
type Config struct {
	// Interval between reconciliation cycles.
	Interval time.Duration
	// RetryInterval between due-retry sweeps.
	RetryInterval time.Duration
	// StaleAfter is how long a non-terminal order may go untouched before
	// the processor is asked about it.
	StaleAfter time.Duration
	// RecoverAfter is how old an unprocessed event must be before the
	// recovery sweep takes it over from the request that recorded it.
	RecoverAfter time.Duration
	// OrphanWindow bounds how far back orphan payments are re-driven.
	OrphanWindow time.Duration
	// BatchSize caps the items of each sweep.
	BatchSize int
	// Workers caps concurrent engine calls within a sweep.
	Workers int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		RetryInterval: 15 * time.Second,
		StaleAfter:    10 * time.Minute,
		RecoverAfter:  2 * time.Minute,
		OrphanWindow:  24 * time.Hour,
		BatchSize:     50,
		Workers:       4,
	}
}

// CycleReport counts what one cycle or retry sweep did.
type CycleReport struct {
	// Skipped is set when another cycle of the same kind was running.
	Skipped bool `json:"skipped,omitempty"`

	Recovered int `json:"recovered"`
	Stale     int `json:"stale"`
	Searched  int `json:"searched"`
	Orphans   int `json:"orphans"`
	Retried   int `json:"retried"`
	// InFlight counts items skipped because they were already being worked.
	InFlight int `json:"in_flight"`
	Errors   int `json:"errors"`

	Outcomes map[domain.Outcome]int `json:"outcomes"`
}

// Total returns the number of items handed to the engine.
func (r CycleReport) Total() int {
	return r.Recovered + r.Stale + r.Orphans + r.Retried
}

// Poller schedules reconciliation sweeps.
//
// Thread-safety: RunCycle and RunRetries may be called concurrently with
// each other and with Run. Overlapping calls of the same kind return a
// skipped report.
type Poller struct {
	repo     store.Repository
	handler  Handler
	searcher Searcher
	cfg      Config
	clock    engine.Clock
	observer Observer
	logger   *slog.Logger

	cycleMu sync.Mutex
	retryMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the system clock.
func WithClock(c engine.Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithObserver reports each cycle, typically to Prometheus.
func WithObserver(o Observer) Option {
	return func(p *Poller) {
		p.observer = o
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

// New creates a Poller. searcher may be nil, in which case stale orders
// without a payment ID are only marked polled.
func New(repo store.Repository, handler Handler, searcher Searcher, cfg Config, opts ...Option) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	p := &Poller{
		repo:     repo,
		handler:  handler,
		searcher: searcher,
		cfg:      cfg,
		clock:    engine.SystemClock{},
		logger:   slog.Default(),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks reconciliation cycles and retry sweeps until ctx is cancelled.
// A cycle runs immediately on start.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller starting", "interval", p.cfg.Interval, "retry_interval", p.cfg.RetryInterval,
		"batch_size", p.cfg.BatchSize, "workers", p.cfg.Workers)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.loop(ctx, p.cfg.Interval, func(ctx context.Context) { p.RunCycle(ctx) })
	}()
	go func() {
		defer wg.Done()
		p.loop(ctx, p.cfg.RetryInterval, func(ctx context.Context) { p.RunRetries(ctx) })
	}()
	wg.Wait()

	p.logger.Info("poller stopping: context cancelled")
	return ctx.Err()
}

func (p *Poller) loop(ctx context.Context, every time.Duration, run func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// RunCycle runs the recovery, stale and orphan sweeps once.
func (p *Poller) RunCycle(ctx context.Context) CycleReport {
	if !p.cycleMu.TryLock() {
		p.logger.Debug("poll cycle already running, skipping")
		return CycleReport{Skipped: true}
	}
	defer p.cycleMu.Unlock()

	start := time.Now()
	t := newTally()
	now := p.clock.Now()

	if err := p.recoverSweep(ctx, now, t); err != nil {
		t.fail("recover sweep", err, p.logger)
	}
	if err := p.staleSweep(ctx, now, t); err != nil {
		t.fail("stale sweep", err, p.logger)
	}
	if err := p.orphanSweep(ctx, now, t); err != nil {
		t.fail("orphan sweep", err, p.logger)
	}

	r := t.report()
	p.finish(KindCycle, r, time.Since(start))
	return r
}

// RunRetries claims due retries and re-drives them.
func (p *Poller) RunRetries(ctx context.Context) CycleReport {
	if !p.retryMu.TryLock() {
		p.logger.Debug("retry sweep already running, skipping")
		return CycleReport{Skipped: true}
	}
	defer p.retryMu.Unlock()

	start := time.Now()
	t := newTally()

	due, err := p.repo.ClaimDueRetries(ctx, p.clock.Now(), p.cfg.BatchSize)
	if err != nil {
		t.fail("claim retries", err, p.logger)
	} else {
		p.fanOut(ctx, len(due), func(ctx context.Context, i int) {
			ev := due[i]
			p.work(ctx, t, "event:"+ev.ID, &t.retried, func(ctx context.Context) (engine.Result, error) {
				return p.handler.Retry(ctx, ev)
			})
		})
	}

	r := t.report()
	p.finish(KindRetries, r, time.Since(start))
	return r
}

func (p *Poller) recoverSweep(ctx context.Context, now time.Time, t *tally) error {
	if p.cfg.RecoverAfter <= 0 {
		return nil
	}
	events, err := p.repo.ListUnprocessedEvents(ctx, now.Add(-p.cfg.RecoverAfter), p.cfg.BatchSize)
	if err != nil {
		return err
	}
	p.fanOut(ctx, len(events), func(ctx context.Context, i int) {
		ev := events[i]
		p.work(ctx, t, "event:"+ev.ID, &t.recovered, func(ctx context.Context) (engine.Result, error) {
			return p.handler.Recover(ctx, ev)
		})
	})
	return nil
}

func (p *Poller) staleSweep(ctx context.Context, now time.Time, t *tally) error {
	if p.cfg.StaleAfter <= 0 {
		return nil
	}
	orders, err := p.repo.ListStaleOrders(ctx, now.Add(-p.cfg.StaleAfter), p.cfg.BatchSize)
	if err != nil {
		return err
	}
	p.fanOut(ctx, len(orders), func(ctx context.Context, i int) {
		o := orders[i]
		p.work(ctx, t, "order:"+o.ExternalReference, &t.stale, func(ctx context.Context) (engine.Result, error) {
			return p.pollOrder(ctx, o, now, t)
		})
	})
	return nil
}

// errNoPayment marks a stale order the processor has no payment for.
var errNoPayment = errors.New("no payment for order")

func (p *Poller) pollOrder(ctx context.Context, o domain.Order, now time.Time, t *tally) (engine.Result, error) {
	in := engine.Inbound{Source: domain.SourcePoll, PaymentID: o.PaymentID}

	if o.PaymentID == "" {
		if p.searcher == nil {
			return engine.Result{}, p.markPolled(ctx, o, now, errNoPayment)
		}
		t.add(&t.searched)
		snap, err := p.searcher.SearchByExternalReference(ctx, o.ExternalReference)
		if processor.IsNotFound(err) {
			return engine.Result{}, p.markPolled(ctx, o, now, errNoPayment)
		}
		if err != nil {
			return engine.Result{}, fmt.Errorf("search payments for %s: %w", o.ExternalReference, err)
		}
		in.PaymentID = snap.ID
		in.Snapshot = &snap
	}

	res, err := p.handler.HandleEvent(ctx, in)
	if err != nil {
		return res, err
	}
	return res, p.markPolled(ctx, o, now, nil)
}

// markPolled records the poll and passes through cause.
func (p *Poller) markPolled(ctx context.Context, o domain.Order, now time.Time, cause error) error {
	if err := p.repo.MarkPolled(ctx, o.ID, now); err != nil {
		return err
	}
	return cause
}

func (p *Poller) orphanSweep(ctx context.Context, now time.Time, t *tally) error {
	if p.cfg.OrphanWindow <= 0 {
		return nil
	}
	ids, err := p.repo.ListOrphanPaymentIDs(ctx, now.Add(-p.cfg.OrphanWindow), p.cfg.BatchSize)
	if err != nil {
		return err
	}
	p.fanOut(ctx, len(ids), func(ctx context.Context, i int) {
		id := ids[i]
		p.work(ctx, t, "payment:"+id, &t.orphans, func(ctx context.Context) (engine.Result, error) {
			return p.handler.HandleEvent(ctx, engine.Inbound{Source: domain.SourcePoll, PaymentID: id})
		})
	})
	return nil
}

// fanOut runs fn for 0..n-1 on at most cfg.Workers goroutines and waits.
func (p *Poller) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// work runs one item unless key is already in flight, and tallies it.
func (p *Poller) work(ctx context.Context, t *tally, key string, counter *int, fn func(context.Context) (engine.Result, error)) {
	if !p.acquire(key) {
		t.add(&t.inFlight)
		return
	}
	defer p.release(key)

	res, err := fn(ctx)
	switch {
	case errors.Is(err, errNoPayment):
		p.logger.Debug("no payment for stale order", "key", key)
		t.add(counter)
	case err != nil && !engine.IsMalformed(err):
		t.fail(key, err, p.logger)
	default:
		t.add(counter)
		if res.Outcome != "" {
			t.outcome(res.Outcome)
		}
	}
}

func (p *Poller) acquire(key string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Poller) release(key string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, key)
}

func (p *Poller) finish(kind string, r CycleReport, elapsed time.Duration) {
	if r.Total() > 0 || r.Errors > 0 {
		p.logger.Info("poll sweep finished", "kind", kind, "recovered", r.Recovered, "stale", r.Stale,
			"orphans", r.Orphans, "retried", r.Retried, "errors", r.Errors, "elapsed", elapsed)
	}
	if p.observer != nil {
		p.observer.ObserveCycle(kind, r, elapsed)
	}
}

// tally accumulates a CycleReport across worker goroutines.
type tally struct {
	mu sync.Mutex

	recovered, stale, searched, orphans, retried, inFlight, failed int
	outcomes                                                       map[domain.Outcome]int
}

func newTally() *tally {
	return &tally{outcomes: make(map[domain.Outcome]int)}
}

func (t *tally) add(counter *int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*counter++
}

func (t *tally) outcome(o domain.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes[o]++
}

func (t *tally) fail(what string, err error, logger *slog.Logger) {
	logger.Error("poll item failed", "item", what, "error", err)
	t.add(&t.failed)
}

func (t *tally) report() CycleReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	outcomes := make(map[domain.Outcome]int, len(t.outcomes))
	for k, v := range t.outcomes {
		outcomes[k] = v
	}
	return CycleReport{
		Recovered: t.recovered,
		Stale:     t.stale,
		Searched:  t.searched,
		Orphans:   t.orphans,
		Retried:   t.retried,
		InFlight:  t.inFlight,
		Errors:    t.failed,
		Outcomes:  outcomes,
	}
}
