package billing

import (
	"context"
	"encoding/json"
	"log/slog"

	"payrecon/internal/external"
	"payrecon/internal/types"
)

// Outcome is the disposition of an accepted webhook delivery.
type Outcome string

const (
	// OutcomeIgnored: authentic event of a type that does not reconcile.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeReconciled: a new payment was recorded and applied.
	OutcomeReconciled Outcome = "reconciled"
	// OutcomeDuplicate: the payment was already recorded by an earlier delivery.
	OutcomeDuplicate Outcome = "duplicate"
)

// WebhookDeps bundles the collaborators of a WebhookProcessor.
type WebhookDeps struct {
	Verifier  external.WebhookVerifier
	Provider  external.PaymentProvider
	Users     types.UserRepository
	Tx        types.TransactionManager
	Ledger    *PaymentLedger
	Machine   *SubscriptionStateMachine
	Publisher types.SubscriptionEventPublisher // optional
	Metrics   Metrics                          // optional
	Clock     types.Clock                      // optional
	Logger    *slog.Logger                     // optional
}

// WebhookProcessor turns provider deliveries into ledger entries and
// subscription transitions.
type WebhookProcessor struct {
	verifier  external.WebhookVerifier
	provider  external.PaymentProvider
	users     types.UserRepository
	tx        types.TransactionManager
	ledger    *PaymentLedger
	machine   *SubscriptionStateMachine
	publisher types.SubscriptionEventPublisher
	metrics   Metrics
	clock     types.Clock
	logger    *slog.Logger
}

// NewWebhookProcessor creates a WebhookProcessor.
func NewWebhookProcessor(deps WebhookDeps) *WebhookProcessor {
	p := &WebhookProcessor{
		verifier:  deps.Verifier,
		provider:  deps.Provider,
		users:     deps.Users,
		tx:        deps.Tx,
		ledger:    deps.Ledger,
		machine:   deps.Machine,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
	if p.metrics == nil {
		p.metrics = NopMetrics{}
	}
	if p.clock == nil {
		p.clock = types.RealClock{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Process handles one raw delivery.
//
//  1. Verify the signature over the raw bytes. Nothing else runs on failure.
//  2. Ignore every type except checkout.session.completed.
//  3. Re-fetch the session with payment intent and line items expanded.
//  4. Extract payment intent, purchased product and customer.
//  5. Map the customer to a user.
//  6. In one transaction holding the user's lock, record the payment and,
//     if it is new, apply the subscription transition.
//  7. After commit, publish the change and record metrics.
//
// Signature, structural and unknown-user failures are permanent. Provider
// and storage failures carry retryable codes so the provider redelivers;
// the transaction guarantees a redelivery starts from a clean slate.
func (w *WebhookProcessor) Process(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	// Step 1: authenticity
	event, err := w.verifier.ConstructEvent(payload, signatureHeader)
	if err != nil {
		w.logger.WarnContext(ctx, "webhook rejected", "error", err)
		w.metrics.WebhookFailed("", types.ErrorCodeOf(err))
		return "", err
	}

	outcome, err := w.process(ctx, event)
	if err != nil {
		code := types.ErrorCodeOf(err)
		w.logger.ErrorContext(ctx, "webhook processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error_code", code,
			"retryable", code.Retryable(),
			"error", err,
		)
		w.metrics.WebhookFailed(event.Type, code)
		return "", err
	}

	w.metrics.WebhookProcessed(event.Type, outcome)
	return outcome, nil
}

func (w *WebhookProcessor) process(ctx context.Context, event *external.Event) (Outcome, error) {
	// Step 2: classification
	if event.Type != external.EventCheckoutSessionCompleted {
		w.logger.InfoContext(ctx, "ignoring webhook event type",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		return OutcomeIgnored, nil
	}

	sessionID, err := sessionIDFromEvent(event)
	if err != nil {
		return "", err
	}

	// Step 3: expansion
	session, err := w.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	// Step 4: extraction
	purchase, err := extractPurchase(session)
	if err != nil {
		return "", err
	}

	// Step 5: user resolution
	user, err := w.users.GetByCustomerID(ctx, purchase.customerID)
	if err != nil {
		return "", err
	}

	payment := &types.Payment{
		PaymentID: purchase.paymentID,
		UserID:    user.ID,
		ProductID: purchase.productID,
		PaidAt:    event.Created,
		Status:    types.PaymentStatusSuccessful,
	}
	if payment.PaidAt.IsZero() {
		payment.PaidAt = w.clock.Now()
	}

	// Step 6: ledger write and transition as one unit
	var (
		result     RecordResult
		transition *Transition
	)
	err = w.machine.RunForUser(ctx, w.tx, user.ID, func(ctx context.Context, repos types.RepositoryRegistry) error {
		var err error
		result, err = w.ledger.RecordIfAbsent(ctx, repos, payment)
		if err != nil || result == RecordAlreadyExists {
			return err
		}
		transition, err = w.machine.Transition(ctx, repos, payment)
		return err
	})
	if err != nil {
		return "", err
	}

	if result == RecordAlreadyExists {
		w.logger.InfoContext(ctx, "duplicate webhook delivery",
			"event_id", event.ID,
			"payment_id", payment.PaymentID,
		)
		return OutcomeDuplicate, nil
	}

	// Step 7: post-commit side effects
	w.afterCommit(ctx, event, payment, transition)
	return OutcomeReconciled, nil
}

func (w *WebhookProcessor) afterCommit(ctx context.Context, event *external.Event, p *types.Payment, t *Transition) {
	w.metrics.SubscriptionTransitioned(t.Kind)
	w.logger.InfoContext(ctx, "payment reconciled",
		"event_id", event.ID,
		"payment_id", p.PaymentID,
		"user_id", p.UserID,
		"product_id", p.ProductID,
		"transition", t.Kind,
	)

	if w.publisher == nil || t.Kind == TransitionUnchanged {
		return
	}
	evt := types.SubscriptionChangedEvent{
		UserID:         p.UserID,
		ProductID:      p.ProductID,
		PaymentID:      p.PaymentID,
		SubscriptionID: t.Subscription.ID,
		OccurredAt:     t.Subscription.ActivatedAt,
	}
	if t.Previous != nil {
		evt.PreviousProductID = t.Previous.ProductID
		evt.PreviousSubscriptionID = t.Previous.ID
	}
	// The transition is committed; a lost notification must not fail the delivery.
	if err := w.publisher.PublishSubscriptionChanged(context.WithoutCancel(ctx), evt); err != nil {
		w.logger.ErrorContext(ctx, "failed to publish subscription change",
			"payment_id", p.PaymentID,
			"user_id", p.UserID,
			"error", err,
		)
	}
}

func sessionIDFromEvent(event *external.Event) (string, error) {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Object, &obj); err != nil || obj.ID == "" {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationMalformedEvent,
			"event carries no checkout session id", err, map[string]any{"event_id": event.ID})
	}
	return obj.ID, nil
}

type purchase struct {
	paymentID  string
	productID  string
	customerID string
}

// extractPurchase pulls the reconciliation keys from an expanded session,
// checking payment intent, line item product and customer in that order.
func extractPurchase(s *external.CheckoutSession) (purchase, error) {
	malformed := func(field string) (purchase, error) {
		return purchase{}, types.NewAppErrorWithDetails(types.ErrCodeValidationMalformedSession,
			"checkout session is missing "+field, nil,
			map[string]any{"session_id": s.ID, "field": field})
	}

	if s.PaymentIntentID == "" {
		return malformed("payment_intent")
	}
	if len(s.LineItems) == 0 || s.LineItems[0].ProductID == "" {
		return malformed("line_items.product")
	}
	if s.CustomerID == "" {
		return malformed("customer")
	}
	return purchase{
		paymentID:  s.PaymentIntentID,
		productID:  s.LineItems[0].ProductID,
		customerID: s.CustomerID,
	}, nil
}
