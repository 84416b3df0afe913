package billing

import (
	"context"
	"log/slog"

	"payrecon/internal/types"
)

// RecordResult reports what RecordIfAbsent did.
type RecordResult int

const (
	RecordCreated RecordResult = iota + 1
	RecordAlreadyExists
)

func (r RecordResult) String() string {
	switch r {
	case RecordCreated:
		return "created"
	case RecordAlreadyExists:
		return "already_exists"
	}
	return "unknown"
}

// PaymentLedger is the durable record of completed payments, keyed by the
// provider's payment identifier.
type PaymentLedger struct {
	payments types.PaymentRepository
	logger   *slog.Logger
}

// NewPaymentLedger creates a PaymentLedger. payments serves reads and status
// updates made outside webhook transactions.
func NewPaymentLedger(payments types.PaymentRepository, logger *slog.Logger) *PaymentLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentLedger{payments: payments, logger: logger}
}

// RecordIfAbsent writes p through repos unless an entry with the same
// PaymentID exists. Uniqueness is enforced by the store, never by a prior
// read, so two concurrent deliveries yield exactly one RecordCreated.
func (l *PaymentLedger) RecordIfAbsent(ctx context.Context, repos types.RepositoryRegistry, p *types.Payment) (RecordResult, error) {
	if p.PaymentID == "" {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"payment id is required", nil, map[string]any{"field": "payment_id"})
	}
	if _, err := types.ParsePaymentStatus(string(p.Status)); err != nil {
		return 0, err
	}

	created, err := repos.Payments().CreateIfAbsent(ctx, p)
	if err != nil {
		return 0, err
	}
	if !created {
		l.logger.InfoContext(ctx, "payment already recorded",
			"payment_id", p.PaymentID,
			"user_id", p.UserID,
		)
		return RecordAlreadyExists, nil
	}
	return RecordCreated, nil
}

// UpdateStatus overwrites the status of an existing payment. Any known
// status may replace any other.
func (l *PaymentLedger) UpdateStatus(ctx context.Context, paymentID string, status types.PaymentStatus) error {
	if paymentID == "" {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"payment id is required", nil, map[string]any{"field": "payment_id"})
	}
	if _, err := types.ParsePaymentStatus(string(status)); err != nil {
		return err
	}
	if err := l.payments.UpdateStatus(ctx, paymentID, status); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "payment status updated",
		"payment_id", paymentID,
		"status", status,
	)
	return nil
}

// Get returns one ledger entry.
func (l *PaymentLedger) Get(ctx context.Context, paymentID string) (*types.Payment, error) {
	return l.payments.GetByID(ctx, paymentID)
}

// ListForUser returns the user's payments, newest first.
func (l *PaymentLedger) ListForUser(ctx context.Context, userID int64) ([]*types.Payment, error) {
	return l.payments.ListByUser(ctx, userID)
}
