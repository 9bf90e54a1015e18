// Package metrics exposes reconciliation counters and latencies to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/poller"
)

const namespace = "payrecon"

// Metrics holds the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	processorRequests  *prometheus.CounterVec
	processorDuration  *prometheus.HistogramVec
	pollCyclesTotal    *prometheus.CounterVec
	pollItemsTotal     *prometheus.CounterVec
	pollErrorsTotal    *prometheus.CounterVec
	pollCycleDuration  *prometheus.HistogramVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Payment events processed, by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_transitions_total",
				Help:      "Order status transitions applied.",
			},
			[]string{"from", "to"},
		),
		processorRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_requests_total",
				Help:      "Requests to the payment processor API, by operation and result.",
			},
			[]string{"op", "result"},
		),
		processorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processor_request_duration_seconds",
				Help:      "Payment processor API latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		pollCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Poller sweeps run, by kind. Skipped overlapping sweeps are not counted.",
			},
			[]string{"kind"},
		),
		pollItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_items_total",
				Help:      "Items the poller handed to the engine, by sweep.",
			},
			[]string{"sweep"},
		),
		pollErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_errors_total",
				Help:      "Poller items that failed, by kind.",
			},
			[]string{"kind"},
		),
		pollCycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_cycle_duration_seconds",
				Help:      "Poller sweep duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served.",
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"handler", "method"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsTotal,
		m.transitionsTotal,
		m.processorRequests,
		m.processorDuration,
		m.pollCyclesTotal,
		m.pollItemsTotal,
		m.pollErrorsTotal,
		m.pollCycleDuration,
		m.httpRequestsTotal,
		m.httpRequestLatency,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent implements engine.Recorder.
func (m *Metrics) ObserveEvent(source domain.Source, outcome domain.Outcome) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(source), string(outcome)).Inc()
}

// ObserveTransition implements engine.Recorder.
func (m *Metrics) ObserveTransition(from, to domain.OrderStatus) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveProcessorRequest implements processor.Observer.
func (m *Metrics) ObserveProcessorRequest(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.processorRequests.WithLabelValues(op, result).Inc()
	m.processorDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveCycle implements poller.Observer.
func (m *Metrics) ObserveCycle(kind string, r poller.CycleReport, elapsed time.Duration) {
	if m == nil || r.Skipped {
		return
	}
	m.pollCyclesTotal.WithLabelValues(kind).Inc()
	m.pollCycleDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.pollErrorsTotal.WithLabelValues(kind).Add(float64(r.Errors))

	for sweep, n := range map[string]int{
		"recover": r.Recovered,
		"stale":   r.Stale,
		"orphan":  r.Orphans,
		"retry":   r.Retried,
	} {
		if n > 0 {
			m.pollItemsTotal.WithLabelValues(sweep).Add(float64(n))
		}
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(handler, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpRequestLatency.WithLabelValues(handler, method).Observe(elapsed.Seconds())
}
