// Package metrics holds the Prometheus collectors exported on /metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhooksTotal          *prometheus.CounterVec
	WebhookDuration        *prometheus.HistogramVec
	WebhookSignatureErrors *prometheus.CounterVec

	// Session metrics
	SessionsTotal *prometheus.CounterVec

	// Housekeeping
	LedgerPurgedTotal prometheus.Counter

	// Realtime
	ConnectedUsers prometheus.GaugeFunc
}

// New creates and registers all metrics on registry. connectedUsers may be nil.
func New(registry *prometheus.Registry, connectedUsers func() int) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhooks_total",
				Help: "Webhook deliveries by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_webhook_duration_seconds",
				Help:    "Time spent verifying and applying a webhook delivery",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"provider"},
		),
		WebhookSignatureErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_signature_errors_total",
				Help: "Webhook deliveries rejected for a bad signature",
			},
			[]string{"provider"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_sessions_total",
				Help: "Checkout and portal sessions by provider, kind and outcome",
			},
			[]string{"provider", "kind", "outcome"},
		),
		LedgerPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_webhook_ledger_purged_total",
				Help: "Webhook ledger rows removed by housekeeping",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhooksTotal,
		m.WebhookDuration,
		m.WebhookSignatureErrors,
		m.SessionsTotal,
		m.LedgerPurgedTotal,
	)

	if connectedUsers != nil {
		m.ConnectedUsers = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "billing_realtime_connected_users",
				Help: "Users with at least one live WebSocket connection",
			},
			func() float64 { return float64(connectedUsers()) },
		)
		registry.MustRegister(m.ConnectedUsers)
	}

	return m
}

// Handler returns the HTTP handler that serves this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveWebhook records one delivery outcome and its duration
func (m *Metrics) ObserveWebhook(provider, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(provider, outcome).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
	if outcome == "invalid_signature" {
		m.WebhookSignatureErrors.WithLabelValues(provider).Inc()
	}
}

// ObserveSession records a checkout or portal session attempt
func (m *Metrics) ObserveSession(provider, kind, outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(provider, kind, outcome).Inc()
}

// ObservePurge adds purged ledger rows
func (m *Metrics) ObservePurge(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.LedgerPurgedTotal.Add(float64(n))
}
