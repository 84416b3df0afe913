package types

import (
	"fmt"
	"time"
)

// User is the internal identity. Billing only ever writes CustomerID.
type User struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	CustomerID string `json:"customer_id,omitempty"`
}

// PaymentStatus is the lifecycle state of a recorded payment.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusSuccessful PaymentStatus = "successful"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusDenied     PaymentStatus = "denied"
)

// Valid reports whether s is one of the known payment statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSuccessful, PaymentStatusFailed, PaymentStatusDenied:
		return true
	}
	return false
}

// ParsePaymentStatus converts a raw string into a PaymentStatus.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	s := PaymentStatus(raw)
	if !s.Valid() {
		return "", NewAppErrorWithDetails(ErrCodeValidationInvalidPaymentStatus,
			fmt.Sprintf("unknown payment status %q", raw), nil,
			map[string]any{"allowed": []PaymentStatus{PaymentStatusPending, PaymentStatusSuccessful, PaymentStatusFailed, PaymentStatusDenied}})
	}
	return s, nil
}

// Payment is a ledger entry keyed by the provider's payment intent identifier.
// PaymentID and UserID never change after insert.
type Payment struct {
	PaymentID string        `json:"payment_id"`
	UserID    int64         `json:"user_id"`
	ProductID string        `json:"product_id"`
	PaidAt    time.Time     `json:"paid_at"`
	Status    PaymentStatus `json:"status"`
}

// Subscription is one activation record. At most one row per user is active.
type Subscription struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	ProductID     string     `json:"product_id"`
	PaymentID     string     `json:"payment_id"`
	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	IsActive      bool       `json:"is_active"`
}

// SubscriptionChangedEvent is published after a transition commits.
type SubscriptionChangedEvent struct {
	UserID                 int64     `json:"user_id"`
	ProductID              string    `json:"product_id"`
	PaymentID              string    `json:"payment_id"`
	SubscriptionID         int64     `json:"subscription_id"`
	PreviousProductID      string    `json:"previous_product_id,omitempty"`
	PreviousSubscriptionID int64     `json:"previous_subscription_id,omitempty"`
	OccurredAt             time.Time `json:"occurred_at"`
}

// Product is a purchasable catalog item as exposed by the provider.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}
