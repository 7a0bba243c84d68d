// Package metrics collects and exposes Prometheus metrics for the session
// manager, the HTTP API and the session event publisher.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements session.Recorder and the HTTP/event counters.
type Collector struct {
	operations    *prometheus.CounterVec
	opLatency     *prometheus.HistogramVec
	authenticated prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	eventsOut     *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pennywise_session_operations_total",
			Help: "Session manager operations by name and outcome.",
		}, []string{"op", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pennywise_session_operation_seconds",
			Help:    "Session manager operation latency, queueing included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennywise_session_authenticated",
			Help: "1 while a user is signed in.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pennywise_http_requests_total",
			Help: "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pennywise_http_request_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pennywise_session_events_published_total",
			Help: "Session change events handed to the broker, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.operations,
		c.opLatency,
		c.authenticated,
		c.httpRequests,
		c.httpLatency,
		c.eventsOut,
	)
	return c
}

// ObserveOperation records one finished manager operation.
func (c *Collector) ObserveOperation(op, outcome string, elapsed time.Duration) {
	c.operations.WithLabelValues(op, outcome).Inc()
	c.opLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetAuthenticated tracks the manager's signed-in state.
func (c *Collector) SetAuthenticated(authenticated bool) {
	if authenticated {
		c.authenticated.Set(1)
		return
	}
	c.authenticated.Set(0)
}

// RecordEventPublish counts one publish attempt ("ok", "error" or "dropped").
func (c *Collector) RecordEventPublish(outcome string) {
	c.eventsOut.WithLabelValues(outcome).Inc()
}

// Middleware counts requests and their latency per chi route pattern.
// Unmatched requests are labelled "unmatched" to keep cardinality bounded.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		begin := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		c.httpLatency.WithLabelValues(route).Observe(time.Since(begin).Seconds())
	})
}

// Handler serves the Prometheus scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
