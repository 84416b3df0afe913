package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payrecon/internal/billing"
	"payrecon/internal/types"
)

// Prometheus records to its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	checkouts      *prometheus.CounterVec
	checkoutErrors *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	webhookErrors  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the collectors under namespace on a fresh registry
// that also carries the Go runtime and process collectors.
func NewPrometheus(namespace string) *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		checkouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkouts_created_total",
			Help:      "Checkout sessions opened by product.",
		}, []string{"product"}),
		checkoutErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkout_errors_total",
			Help:      "Failed checkout requests by error code.",
		}, []string{"code"}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhooks_processed_total",
			Help:      "Accepted webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		webhookErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Failed webhook deliveries by event type, error code and retryability.",
		}, []string{"event_type", "code", "retryable"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "subscription_transitions_total",
			Help:      "Subscription state changes by kind.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) RecordRequest(method, endpoint, status string, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	p.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (p *Prometheus) CheckoutCreated(productID string) {
	p.checkouts.WithLabelValues(productID).Inc()
}

func (p *Prometheus) CheckoutFailed(code types.ErrorCode) {
	p.checkoutErrors.WithLabelValues(codeLabel(code)).Inc()
}

func (p *Prometheus) WebhookProcessed(eventType string, outcome billing.Outcome) {
	p.webhooks.WithLabelValues(eventTypeLabel(eventType), string(outcome)).Inc()
}

func (p *Prometheus) WebhookFailed(eventType string, code types.ErrorCode) {
	p.webhookErrors.WithLabelValues(eventTypeLabel(eventType), codeLabel(code), strconv.FormatBool(code.Retryable())).Inc()
}

func (p *Prometheus) SubscriptionTransitioned(kind billing.TransitionKind) {
	p.transitions.WithLabelValues(string(kind)).Inc()
}
