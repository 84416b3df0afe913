// Package metrics provides the telemetry sinks for billing events and HTTP
// traffic: a Prometheus registry scraped over /metrics and a CloudWatch
// publisher for deployments without a scraper.
package metrics

import (
	"time"

	"payrecon/internal/billing"
	"payrecon/internal/types"
)

// Recorder is the union of what the API and the billing core emit.
type Recorder interface {
	billing.Metrics
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Metric and dimension names shared by both backends.
const (
	MetricHTTPRequests           = "HTTPRequests"
	MetricHTTPLatency            = "HTTPLatency"
	MetricCheckoutCreated        = "CheckoutCreated"
	MetricCheckoutFailed         = "CheckoutFailed"
	MetricWebhookProcessed       = "WebhookProcessed"
	MetricWebhookFailed          = "WebhookFailed"
	MetricSubscriptionTransition = "SubscriptionTransition"

	DimMethod     = "Method"
	DimEndpoint   = "Endpoint"
	DimStatus     = "Status"
	DimProduct    = "Product"
	DimErrorCode  = "ErrorCode"
	DimEventType  = "EventType"
	DimOutcome    = "Outcome"
	DimTransition = "Transition"
)

// Nop discards everything.
type Nop struct {
	billing.NopMetrics
}

func (Nop) RecordRequest(string, string, string, time.Duration) {}

var _ Recorder = Nop{}

// eventTypeLabel keeps label cardinality bounded for rejected deliveries,
// which have no trustworthy type.
func eventTypeLabel(eventType string) string {
	if eventType == "" {
		return "unverified"
	}
	return eventType
}

func codeLabel(code types.ErrorCode) string {
	return string(code)
}
