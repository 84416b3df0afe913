package billing

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"payrecon/internal/external"
	"payrecon/internal/types"
)

// CheckoutConfig holds the provider session settings.
type CheckoutConfig struct {
	SuccessURL string
	CancelURL  string
	Currency   string
}

// CheckoutService opens provider-hosted checkout sessions.
type CheckoutService struct {
	provider  external.PaymentProvider
	users     types.UserRepository
	subs      types.SubscriptionRepository
	customers *CustomerResolver
	cfg       CheckoutConfig
	metrics   Metrics
	logger    *slog.Logger
}

// NewCheckoutService creates a CheckoutService. A nil metrics sink is
// replaced with NopMetrics.
func NewCheckoutService(
	provider external.PaymentProvider,
	users types.UserRepository,
	subs types.SubscriptionRepository,
	customers *CustomerResolver,
	cfg CheckoutConfig,
	metrics Metrics,
	logger *slog.Logger,
) *CheckoutService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutService{
		provider:  provider,
		users:     users,
		subs:      subs,
		customers: customers,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// CreateCheckout returns the hosted checkout URL for userID buying productID.
//
//  1. Refuse a product the user already holds, before touching the provider.
//  2. Load the user and resolve its provider customer.
//  3. Find the product's active price in the configured currency.
//  4. Open a one-item payment session referencing the user.
//
// Nothing is written locally apart from a lazily created customer id.
func (s *CheckoutService) CreateCheckout(ctx context.Context, userID int64, productID string) (string, error) {
	url, err := s.createCheckout(ctx, userID, productID)
	if err != nil {
		s.metrics.CheckoutFailed(types.ErrorCodeOf(err))
		return "", err
	}
	s.metrics.CheckoutCreated(productID)
	return url, nil
}

func (s *CheckoutService) createCheckout(ctx context.Context, userID int64, productID string) (string, error) {
	if productID == "" {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"product_id is required", nil, map[string]any{"field": "product_id"})
	}

	// Step 1: duplicate purchase guard
	active, err := s.subs.GetActive(ctx, userID)
	if err != nil {
		return "", err
	}
	if active != nil && active.ProductID == productID {
		return "", types.NewAppErrorWithDetails(types.ErrCodeConflictAlreadyOwnsProduct,
			"user already owns this product", nil,
			map[string]any{"product_id": productID, "subscription_id": active.ID})
	}

	// Step 2: user and customer
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	customerID, err := s.customers.Resolve(ctx, user)
	if err != nil {
		return "", err
	}

	// Step 3: price
	price, err := s.provider.FindActivePrice(ctx, productID, s.cfg.Currency)
	if err != nil {
		return "", err
	}

	// Step 4: session. One key per checkout request, reused by transport retries.
	session, err := s.provider.CreateCheckoutSession(ctx, external.CheckoutSessionParams{
		IdempotencyKey:    "checkout-" + uuid.NewString(),
		CustomerID:        customerID,
		PriceID:           price.ID,
		Quantity:          1,
		SuccessURL:        s.cfg.SuccessURL,
		CancelURL:         s.cfg.CancelURL,
		ClientReferenceID: strconv.FormatInt(userID, 10),
		Metadata:          map[string]string{"user_id": strconv.FormatInt(userID, 10), "product_id": productID},
	})
	if err != nil {
		return "", err
	}
	if session.URL == "" {
		return "", types.NewAppErrorWithDetails(types.ErrCodeInternalCheckoutURLMissing,
			"checkout session has no url", nil, map[string]any{"session_id": session.ID})
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"user_id", userID,
		"product_id", productID,
		"price_id", price.ID,
		"session_id", session.ID,
	)
	return session.URL, nil
}
