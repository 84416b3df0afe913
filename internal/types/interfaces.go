package types

import (
	"context"
	"time"
)

// UserRepository is the identity collaborator. Billing reads users and may
// only persist a provider customer identifier onto them.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByCustomerID(ctx context.Context, customerID string) (*User, error)
	UpdateCustomerID(ctx context.Context, userID int64, customerID string) error
	// LockForUpdate takes a row lock on the user for the rest of the
	// enclosing transaction. Outside a transaction it only asserts existence.
	LockForUpdate(ctx context.Context, userID int64) error
}

// PaymentRepository persists ledger entries.
type PaymentRepository interface {
	// CreateIfAbsent inserts p unless a row with the same PaymentID exists.
	// It reports true only when this call created the row.
	CreateIfAbsent(ctx context.Context, p *Payment) (bool, error)
	GetByID(ctx context.Context, paymentID string) (*Payment, error)
	UpdateStatus(ctx context.Context, paymentID string, status PaymentStatus) error
	ListByUser(ctx context.Context, userID int64) ([]*Payment, error)
}

// SubscriptionRepository persists subscription activation history.
type SubscriptionRepository interface {
	// GetActive returns the active row for the user, or nil with no error.
	GetActive(ctx context.Context, userID int64) (*Subscription, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Subscription, error)
	Create(ctx context.Context, s *Subscription) error
	Deactivate(ctx context.Context, subscriptionID int64, at time.Time) error
	ListByUser(ctx context.Context, userID int64) ([]*Subscription, error)
}

// RepositoryRegistry provides access to all repository instances that share
// one connection or transaction.
type RepositoryRegistry interface {
	Users() UserRepository
	Payments() PaymentRepository
	Subscriptions() SubscriptionRepository
}

// TransactionManager provides transactional execution across repositories.
// A non-nil error from fn rolls the whole unit back.
type TransactionManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryRegistry) error) error
}

// SubscriptionEventPublisher announces committed subscription transitions.
type SubscriptionEventPublisher interface {
	PublishSubscriptionChanged(ctx context.Context, evt SubscriptionChangedEvent) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
