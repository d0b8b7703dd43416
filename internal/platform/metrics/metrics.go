// Package metrics exposes Prometheus instruments for the replication server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several servers can live in one
// process (tests start many).
type Collector struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	mutations     *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	subscribers   prometheus.Gauge
	eventFailures prometheus.Counter
}

// NewCollector creates and registers every instrument.
func NewCollector(serviceName string) *Collector {
	constLabels := prometheus.Labels{"service": serviceName}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "route", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "route"},
		),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clinic_mutations_total",
				Help:        "Store mutations by collection, operation and outcome",
				ConstLabels: constLabels,
			},
			[]string{"collection", "operation", "outcome"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clinic_broadcasts_total",
				Help:        "Collection snapshots pushed to subscribers",
				ConstLabels: constLabels,
			},
			[]string{"collection"},
		),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "clinic_ws_clients",
			Help:        "Connected websocket clients",
			ConstLabels: constLabels,
		}),
		eventFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "clinic_event_publish_failures_total",
			Help:        "Domain events that could not be published",
			ConstLabels: constLabels,
		}),
	}
	c.registry.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.mutations,
		c.broadcasts,
		c.subscribers,
		c.eventFailures,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordMutation counts one store mutation. A nil err is "ok"; anything else
// is "error".
func (c *Collector) RecordMutation(collection, operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.mutations.WithLabelValues(collection, operation, outcome).Inc()
}

// RecordBroadcast counts one snapshot push.
func (c *Collector) RecordBroadcast(collection string) {
	c.broadcasts.WithLabelValues(collection).Inc()
}

// SetClients records the current number of websocket clients.
func (c *Collector) SetClients(n int) {
	c.subscribers.Set(float64(n))
}

// RecordEventFailure counts an event that failed to publish.
func (c *Collector) RecordEventFailure() {
	c.eventFailures.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := ctx.Path()
			method := ctx.Request().Method
			c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
