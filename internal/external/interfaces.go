package external

import (
	"context"
	"encoding/json"
	"time"

	"payrecon/internal/types"
)

// PaymentProvider is the narrow view of the payment provider used by the
// billing core. Implementations return types.AppError values: not_found_*
// for missing resources and upstream_* for transient failures.
type PaymentProvider interface {
	// GetCustomer returns not_found_customer for unknown or deleted customers.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)

	// FindActivePrice returns not_found_price when the product has no active
	// one-time price in the given currency.
	FindActivePrice(ctx context.Context, productID, currency string) (*Price, error)

	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)

	// GetCheckoutSession returns the session with payment intent and line
	// item products expanded.
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)

	ListProducts(ctx context.Context) ([]types.Product, error)
}

// WebhookVerifier authenticates a raw webhook delivery and decodes its envelope.
type WebhookVerifier interface {
	// ConstructEvent returns auth_signature_invalid when the signature does
	// not match the payload or the timestamp is outside tolerance.
	ConstructEvent(payload []byte, signatureHeader string) (*Event, error)
}

// Provider event types consumed or acknowledged by the webhook processor.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventCheckoutSessionExpired   = "checkout.session.expired"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
)

// Event is a verified webhook envelope.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	// Object is the raw data.object payload.
	Object json.RawMessage
}

// Customer is a provider customer record.
type Customer struct {
	ID       string
	Email    string
	Name     string
	Metadata map[string]string
}

// CustomerParams describes a customer to create. IdempotencyKey makes a
// retried create return the original customer.
type CustomerParams struct {
	Email          string
	Name           string
	Metadata       map[string]string
	IdempotencyKey string
}

// Price is an active price for a product.
type Price struct {
	ID         string
	ProductID  string
	Currency   string
	UnitAmount int64
}

// CheckoutSessionParams describes a one-time payment session for one item.
// IdempotencyKey keeps a retried create from opening a second session.
type CheckoutSessionParams struct {
	CustomerID        string
	PriceID           string
	Quantity          int64
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
	IdempotencyKey    string
}

// CheckoutSession is a provider-hosted checkout session. Fields populated
// only by expansion are empty when the provider omitted them.
type CheckoutSession struct {
	ID                string
	URL               string
	Status            string
	PaymentStatus     string
	CustomerID        string
	PaymentIntentID   string
	ClientReferenceID string
	LineItems         []LineItem
}

// LineItem is one purchased item of a checkout session.
type LineItem struct {
	PriceID   string
	ProductID string
	Quantity  int64
}
