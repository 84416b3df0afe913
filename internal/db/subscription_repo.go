package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"payrecon/internal/types"
)

// Constraint names from the schema, used to classify unique violations.
const (
	constraintOneActivePerUser = "subscriptions_one_active_per_user"
	constraintPaymentUnique    = "subscriptions_stripe_payment_id_key"
)

// SubscriptionRepository provides data access for subscription history.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a new SubscriptionRepository.
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, user_id, stripe_product_id, stripe_payment_id, activated_at, deactivated_at, is_active`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.ProductID, &s.PaymentID, &s.ActivatedAt, &s.DeactivatedAt, &s.IsActive)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActive returns the user's active subscription, or nil if there is none.
func (r *SubscriptionRepository) GetActive(ctx context.Context, userID int64) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND is_active`,
		userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageError("failed to retrieve active subscription", err)
	}
	return s, nil
}

// GetByPaymentID returns the subscription created for a payment.
func (r *SubscriptionRepository) GetByPaymentID(ctx context.Context, paymentID string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_payment_id = $1`,
		paymentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundSubscription, "subscription not found", nil,
				map[string]any{"payment_id": paymentID})
		}
		return nil, storageError("failed to retrieve subscription", err)
	}
	return s, nil
}

// Create inserts an active subscription and sets s.ID. A second active row
// for the same user violates the partial unique index and is reported as a
// concurrent modification.
func (r *SubscriptionRepository) Create(ctx context.Context, s *types.Subscription) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, stripe_product_id, stripe_payment_id, activated_at, is_active)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		s.UserID, s.ProductID, s.PaymentID, s.ActivatedAt, s.IsActive,
	).Scan(&s.ID)
	if err != nil {
		switch {
		case isUniqueViolation(err, constraintOneActivePerUser):
			return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
				"user already has an active subscription", err, map[string]any{"user_id": s.UserID})
		case isUniqueViolation(err, constraintPaymentUnique):
			return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
				"payment already bound to a subscription", err, map[string]any{"payment_id": s.PaymentID})
		}
		return storageError("failed to create subscription", err)
	}
	return nil
}

// Deactivate marks an active subscription inactive. Rows are never deleted.
func (r *SubscriptionRepository) Deactivate(ctx context.Context, subscriptionID int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET is_active = FALSE, deactivated_at = $2 WHERE id = $1 AND is_active`,
		subscriptionID, at,
	)
	if err != nil {
		return storageError("failed to deactivate subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
			"subscription is no longer active", nil, map[string]any{"subscription_id": subscriptionID})
	}
	return nil
}

// ListByUser returns the user's subscription history, newest first.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID int64) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY activated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, storageError("failed to list subscriptions", err)
	}
	defer rows.Close()

	subs := []*types.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, storageError("failed to scan subscription", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to iterate subscriptions", err)
	}
	return subs, nil
}
