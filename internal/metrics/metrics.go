// Package metrics exposes relayq's Prometheus metrics.
//
// A Registry owns its own prometheus.Registry rather than the global default,
// so several consumers (and tests) can each count into an isolated set.
// Every recording method is safe to call on a nil *Registry, which turns
// metrics off without nil checks at the call sites.
//
// # Metric families
//
//	relayq_queue_items_total{queue,outcome}        fetched / acked / failed / released / dead_lettered
//	relayq_queue_reclaimed_total{queue,outcome}    requeued / dead_lettered by the reclaim sweep
//	relayq_stream_events_total{stream,consumer,outcome}  processed / failed / skipped
//	relayq_stream_cursor{stream,consumer}          last persisted event id
//	relayq_waits_total{channel,outcome}            activity / timeout / error
//	relayq_store_errors_total{op}                  store operations that returned an error
//	relayq_handler_duration_seconds{kind}          handler latency
//	relayq_pruned_total{kind}                      rows removed by the prune job
//	relayq_http_requests_total{route,code}         ops server requests
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayq"

// Queue item outcomes.
const (
	OutcomeFetched      = "fetched"
	OutcomeAcked        = "acked"
	OutcomeFailed       = "failed"
	OutcomeReleased     = "released"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
	OutcomeProcessed    = "processed"
	OutcomeSkipped      = "skipped"
	OutcomeError        = "error"
)

// Registry holds all relayq application metrics.
type Registry struct {
	reg *prometheus.Registry

	queueItems      *prometheus.CounterVec
	queueReclaimed  *prometheus.CounterVec
	streamEvents    *prometheus.CounterVec
	streamCursor    *prometheus.GaugeVec
	waits           *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	pruned          *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New returns a Registry with every relayq family registered, plus the Go
// runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_total",
			Help:      "Work-queue items by consumer outcome.",
		}, []string{"queue", "outcome"}),
		queueReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_reclaimed_total",
			Help:      "Expired claims recovered by the reclaim sweep.",
		}, []string{"queue", "outcome"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events by consumer outcome.",
		}, []string{"stream", "consumer", "outcome"}),
		streamCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_cursor",
			Help:      "Last persisted event id of a stream consumer.",
		}, []string{"stream", "consumer"}),
		waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waits_total",
			Help:      "Notification gate waits by outcome.",
		}, []string{"channel", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Backing store operations that returned an error.",
		}, []string{"op"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the processing callback.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"kind"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_total",
			Help:      "Rows removed by the prune job.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Ops server requests by route pattern and status code.",
		}, []string{"route", "code"}),
	}

	r.reg.MustRegister(
		r.queueItems,
		r.queueReclaimed,
		r.streamEvents,
		r.streamCursor,
		r.waits,
		r.storeErrors,
		r.handlerDuration,
		r.pruned,
		r.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler renders the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ─── Recording ────────────────────────────────────────────────────────────────

// QueueItems adds n items of queue with the given outcome.
func (r *Registry) QueueItems(queue, outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.queueItems.WithLabelValues(queue, outcome).Add(float64(n))
}

// Reclaimed records one reclaim sweep.
func (r *Registry) Reclaimed(queue string, requeued, deadLettered int64) {
	if r == nil {
		return
	}
	if requeued > 0 {
		r.queueReclaimed.WithLabelValues(queue, OutcomeRequeued).Add(float64(requeued))
	}
	if deadLettered > 0 {
		r.queueReclaimed.WithLabelValues(queue, OutcomeDeadLettered).Add(float64(deadLettered))
	}
}

// StreamEvent counts one event of stream handled by consumer.
func (r *Registry) StreamEvent(stream, consumer, outcome string) {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues(stream, consumer, outcome).Inc()
}

// Cursor records a persisted cursor value.
func (r *Registry) Cursor(stream, consumer string, id int64) {
	if r == nil {
		return
	}
	r.streamCursor.WithLabelValues(stream, consumer).Set(float64(id))
}

// Wait counts one gate wait on channel.
func (r *Registry) Wait(channel, outcome string) {
	if r == nil {
		return
	}
	r.waits.WithLabelValues(channel, outcome).Inc()
}

// StoreError counts one failed store operation.
func (r *Registry) StoreError(op string) {
	if r == nil {
		return
	}
	r.storeErrors.WithLabelValues(op).Inc()
}

// HandlerDuration observes one callback invocation.
func (r *Registry) HandlerDuration(kind string, d time.Duration) {
	if r == nil {
		return
	}
	r.handlerDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Pruned adds n rows removed of kind ("queue_items" or "stream_events").
func (r *Registry) Pruned(kind string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.pruned.WithLabelValues(kind).Add(float64(n))
}

// HTTPRequest counts one ops server request. route is the matched mux
// pattern, or "unmatched".
func (r *Registry) HTTPRequest(route string, code int) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
