package billing

import "payrecon/internal/types"

// Metrics receives billing telemetry. Implementations must be safe for
// concurrent use and must not block.
type Metrics interface {
	CheckoutCreated(productID string)
	CheckoutFailed(code types.ErrorCode)
	WebhookProcessed(eventType string, outcome Outcome)
	WebhookFailed(eventType string, code types.ErrorCode)
	SubscriptionTransitioned(kind TransitionKind)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) CheckoutCreated(string)                  {}
func (NopMetrics) CheckoutFailed(types.ErrorCode)          {}
func (NopMetrics) WebhookProcessed(string, Outcome)        {}
func (NopMetrics) WebhookFailed(string, types.ErrorCode)   {}
func (NopMetrics) SubscriptionTransitioned(TransitionKind) {}

var _ Metrics = NopMetrics{}
