package billing

import (
	"context"
	"log/slog"

	"payrecon/internal/types"
)

// TransitionKind names the state change a payment caused.
type TransitionKind string

const (
	// TransitionActivated: the user had no active subscription.
	TransitionActivated TransitionKind = "activated"
	// TransitionSwapped: the previous active subscription was replaced.
	TransitionSwapped TransitionKind = "swapped"
	// TransitionUnchanged: the payment was already bound to a subscription.
	TransitionUnchanged TransitionKind = "unchanged"
)

// Transition is the result of applying one payment.
type Transition struct {
	Kind         TransitionKind
	Subscription *types.Subscription
	// Previous is the deactivated subscription for TransitionSwapped.
	Previous *types.Subscription
}

// SubscriptionStateMachine keeps at most one active subscription per user.
// Work for one user is serialized by RunForUser: an in-process lock taken
// before a connection is checked out, then a row lock on the user as the
// first statement of the transaction.
type SubscriptionStateMachine struct {
	locks  *keyedMutex
	clock  types.Clock
	logger *slog.Logger
}

// NewSubscriptionStateMachine creates a state machine. A nil clock uses
// types.RealClock.
func NewSubscriptionStateMachine(clock types.Clock, logger *slog.Logger) *SubscriptionStateMachine {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionStateMachine{
		locks:  newKeyedMutex(),
		clock:  clock,
		logger: logger,
	}
}

// RunForUser runs fn in a transaction that holds the user's row lock for
// its whole duration. The row lock must come before any write that checks a
// foreign key to users: those take KEY SHARE on the row, which conflicts
// with FOR UPDATE, so locking later lets two transactions for one user
// wait on each other.
func (m *SubscriptionStateMachine) RunForUser(ctx context.Context, tx types.TransactionManager, userID int64, fn func(ctx context.Context, repos types.RepositoryRegistry) error) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	return tx.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
		if err := repos.Users().LockForUpdate(ctx, userID); err != nil {
			return err
		}
		return fn(ctx, repos)
	})
}

// Transition activates a subscription for payment p using repos, which must
// come from RunForUser for p.UserID. An existing active subscription is
// deactivated in the same unit, so readers never observe a user without one
// mid-swap. Replaying a payment that already owns a subscription changes
// nothing.
func (m *SubscriptionStateMachine) Transition(ctx context.Context, repos types.RepositoryRegistry, p *types.Payment) (*Transition, error) {
	existing, err := repos.Subscriptions().GetByPaymentID(ctx, p.PaymentID)
	switch {
	case err == nil:
		return &Transition{Kind: TransitionUnchanged, Subscription: existing}, nil
	case !types.IsCode(err, types.ErrCodeNotFoundSubscription):
		return nil, err
	}

	active, err := repos.Subscriptions().GetActive(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	kind := TransitionActivated
	if active != nil {
		if err := repos.Subscriptions().Deactivate(ctx, active.ID, now); err != nil {
			return nil, err
		}
		active.IsActive = false
		active.DeactivatedAt = &now
		kind = TransitionSwapped
	}

	sub := &types.Subscription{
		UserID:      p.UserID,
		ProductID:   p.ProductID,
		PaymentID:   p.PaymentID,
		ActivatedAt: now,
		IsActive:    true,
	}
	if err := repos.Subscriptions().Create(ctx, sub); err != nil {
		return nil, err
	}

	attrs := []any{
		"user_id", p.UserID,
		"payment_id", p.PaymentID,
		"product_id", p.ProductID,
		"subscription_id", sub.ID,
		"transition", kind,
	}
	if active != nil {
		attrs = append(attrs, "previous_subscription_id", active.ID, "previous_product_id", active.ProductID)
	}
	m.logger.InfoContext(ctx, "subscription transitioned", attrs...)

	return &Transition{Kind: kind, Subscription: sub, Previous: active}, nil
}
