// Package metrics declares the service's instruments as go-kit metrics,
// backed by Prometheus in production and discarded in tests.
package metrics

import (
	"net/http"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailbridge"

type Metrics struct {
	Scheduler *SchedulerMetrics
	Hub       *HubMetrics
	API       *APIMetrics
}

type SchedulerMetrics struct {
	// Cycles counts poll cycles by result: ok, auth, transient, inconsistent, abandoned.
	Cycles          metrics.Counter
	CycleDuration   metrics.Histogram
	ActiveMailboxes metrics.Gauge
	Events          metrics.Counter
}

type HubMetrics struct {
	Subscriptions metrics.Gauge
	// Deliveries counts sends by result: ok, failed.
	Deliveries metrics.Counter
}

type APIMetrics struct {
	Requests        metrics.Counter
	RequestDuration metrics.Histogram
	RateLimited     metrics.Counter
}

// New registers Prometheus-backed instruments with the default registry.
func New() *Metrics {
	return &Metrics{
		Scheduler: &SchedulerMetrics{
			Cycles: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "poll_cycles_total",
				Help:      "Number of poll cycles by result",
			}, []string{"result"}),
			CycleDuration: prometheus.NewHistogramFrom(prom.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "poll_cycle_seconds",
				Help:      "Duration of poll cycles",
				Buckets:   prom.DefBuckets,
			}, nil),
			ActiveMailboxes: prometheus.NewGaugeFrom(prom.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "active_mailboxes",
				Help:      "Mailboxes currently being polled",
			}, nil),
			Events: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "delta_events_total",
				Help:      "Delta events produced by kind",
			}, []string{"kind"}),
		},
		Hub: &HubMetrics{
			Subscriptions: prometheus.NewGaugeFrom(prom.GaugeOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "subscriptions",
				Help:      "Live notification channels",
			}, nil),
			Deliveries: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "deliveries_total",
				Help:      "Event deliveries to channels by result",
			}, []string{"result"}),
		},
		API: &APIMetrics{
			Requests: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code",
			}, []string{"route", "code"}),
			RequestDuration: prometheus.NewHistogramFrom(prom.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prom.DefBuckets,
			}, []string{"route"}),
			RateLimited: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			}, nil),
		},
	}
}

// Discard returns instruments that record nothing.
func Discard() *Metrics {
	return &Metrics{
		Scheduler: &SchedulerMetrics{
			Cycles:          discard.NewCounter(),
			CycleDuration:   discard.NewHistogram(),
			ActiveMailboxes: discard.NewGauge(),
			Events:          discard.NewCounter(),
		},
		Hub: &HubMetrics{
			Subscriptions: discard.NewGauge(),
			Deliveries:    discard.NewCounter(),
		},
		API: &APIMetrics{
			Requests:        discard.NewCounter(),
			RequestDuration: discard.NewHistogram(),
			RateLimited:     discard.NewCounter(),
		},
	}
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
