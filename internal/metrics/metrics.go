// Package metrics provides Prometheus metrics for the Tradeboard server.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradeboard/tradeboard/internal/cache"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEvents *prometheus.CounterVec

	// Access metrics
	RateLimitRejections *prometheus.CounterVec
	AccessDenials       *prometheus.CounterVec

	// Cache metrics
	CacheRequests *prometheus.CounterVec

	// Price feed metrics
	PricePolls        *prometheus.CounterVec
	StreamConnections prometheus.Gauge

	// Billing metrics
	Reconciliations *prometheus.CounterVec
}

// New creates a Metrics instance registered on its own registry, together
// with the Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradeboard"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),

		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Webhook deliveries by provider and outcome",
		}, []string{"provider", "outcome"}),

		RateLimitRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter, by limiter",
		}, []string{"limiter"}),
		AccessDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "denials_total",
			Help:      "Entitlement denials by reason",
		}, []string{"reason"}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by result (hit, miss, error)",
		}, []string{"result"}),

		PricePolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prices",
			Name:      "polls_total",
			Help:      "Price feed polls by status",
		}, []string{"status"}),
		StreamConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prices",
			Name:      "stream_connections",
			Help:      "Current number of price stream WebSocket clients",
		}),

		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "reconciliations_total",
			Help:      "Billing reconciliations by trigger and status",
		}, []string{"trigger", "status"}),
	}
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency keyed by the chi route
// pattern, so path parameters don't explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
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
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// RecordWebhook counts one webhook delivery.
func (m *Metrics) RecordWebhook(provider, outcome string) {
	m.WebhookEvents.WithLabelValues(provider, outcome).Inc()
}

// RecordPoll counts one price poll.
func (m *Metrics) RecordPoll(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PricePolls.WithLabelValues(status).Inc()
}

// RecordReconcile counts one billing reconciliation.
func (m *Metrics) RecordReconcile(trigger string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Reconciliations.WithLabelValues(trigger, status).Inc()
}

// InstrumentCache wraps c so lookups are counted.
func (m *Metrics) InstrumentCache(c cache.Cache) cache.Cache {
	return &instrumentedCache{Cache: c, m: m}
}

type instrumentedCache struct {
	cache.Cache
	m *Metrics
}

func (c *instrumentedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := c.Cache.Get(ctx, key)
	switch {
	case err != nil:
		c.m.CacheRequests.WithLabelValues("error").Inc()
	case ok:
		c.m.CacheRequests.WithLabelValues("hit").Inc()
	default:
		c.m.CacheRequests.WithLabelValues("miss").Inc()
	}
	return v, ok, err
}
