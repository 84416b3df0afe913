package billing

import (
	"testing"

	"payrecon/internal/external"
	"payrecon/internal/types"
)

const (
	testUserID    int64 = 42
	productBasic        = "prod_basic"
	productPro          = "prod_pro"
	checkoutOK          = "https://app.example.com/billing/success"
	checkoutAbort       = "https://app.example.com/billing/cancel"
)

type harness struct {
	store     *memStore
	provider  *fakeProvider
	publisher *recordingPublisher
	metrics   *recordingMetrics
	clock     *stepClock

	resolver  *CustomerResolver
	checkout  *CheckoutService
	ledger    *PaymentLedger
	machine   *SubscriptionStateMachine
	processor *WebhookProcessor
}

func newHarness(t *testing.T, users ...types.User) *harness {
	t.Helper()
	if len(users) == 0 {
		users = []types.User{{ID: testUserID, Email: "ada@example.com", Name: "Ada"}}
	}

	h := &harness{
		store:     newMemStore(users...),
		provider:  newFakeProvider(),
		publisher: &recordingPublisher{},
		metrics:   newRecordingMetrics(),
		clock:     newStepClock(),
	}
	for _, product := range []string{productBasic, productPro} {
		h.provider.prices[product] = &external.Price{ID: "price_" + product, ProductID: product, Currency: "usd", UnitAmount: 1500}
	}

	h.resolver = NewCustomerResolver(h.provider, h.store.Users(), nil)
	h.checkout = NewCheckoutService(h.provider, h.store.Users(), h.store.Subscriptions(), h.resolver,
		CheckoutConfig{SuccessURL: checkoutOK, CancelURL: checkoutAbort, Currency: "usd"}, h.metrics, nil)
	h.ledger = NewPaymentLedger(h.store.Payments(), nil)
	h.machine = NewSubscriptionStateMachine(h.clock, nil)
	h.processor = NewWebhookProcessor(WebhookDeps{
		Verifier:  external.NewStripeVerifier(testWebhookSecret),
		Provider:  h.provider,
		Users:     h.store.Users(),
		Tx:        h.store,
		Ledger:    h.ledger,
		Machine:   h.machine,
		Publisher: h.publisher,
		Metrics:   h.metrics,
		Clock:     h.clock,
	})
	return h
}

// bindCustomer stores a provider customer on the user as if resolved earlier.
func (h *harness) bindCustomer(t *testing.T, userID int64, customerID string) {
	t.Helper()
	h.provider.customers[customerID] = &external.Customer{ID: customerID}
	h.store.state.users[userID] = func() types.User {
		u := h.store.state.users[userID]
		u.CustomerID = customerID
		return u
	}()
}
