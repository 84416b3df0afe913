package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"payrecon/internal/types"
)

// PaymentRepository provides data access for the payments ledger.
type PaymentRepository struct {
	db DBTX
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `stripe_payment_id, user_id, stripe_product_id, payment_date, payment_status`

func scanPayment(row pgx.Row) (*types.Payment, error) {
	var p types.Payment
	var status string
	if err := row.Scan(&p.PaymentID, &p.UserID, &p.ProductID, &p.PaidAt, &status); err != nil {
		return nil, err
	}
	p.Status = types.PaymentStatus(status)
	return &p, nil
}

// CreateIfAbsent inserts the payment keyed by stripe_payment_id. The primary
// key arbitrates concurrent deliveries; only the winning insert reports true.
func (r *PaymentRepository) CreateIfAbsent(ctx context.Context, p *types.Payment) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (stripe_payment_id) DO NOTHING`,
		p.PaymentID, p.UserID, p.ProductID, p.PaidAt, string(p.Status),
	)
	if err != nil {
		return false, storageError("failed to record payment", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID retrieves a payment by its provider identifier.
func (r *PaymentRepository) GetByID(ctx context.Context, paymentID string) (*types.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE stripe_payment_id = $1`,
		paymentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundPayment, "payment not found", nil,
				map[string]any{"payment_id": paymentID})
		}
		return nil, storageError("failed to retrieve payment", err)
	}
	return p, nil
}

// UpdateStatus overwrites the payment status. Identifier and user binding
// are never touched.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID string, status types.PaymentStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payments SET payment_status = $2 WHERE stripe_payment_id = $1`,
		paymentID, string(status),
	)
	if err != nil {
		return storageError("failed to update payment status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundPayment, "payment not found", nil,
			map[string]any{"payment_id": paymentID})
	}
	return nil
}

// ListByUser returns the user's payments, newest first.
func (r *PaymentRepository) ListByUser(ctx context.Context, userID int64) ([]*types.Payment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY payment_date DESC`,
		userID,
	)
	if err != nil {
		return nil, storageError("failed to list payments", err)
	}
	defer rows.Close()

	payments := []*types.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, storageError("failed to scan payment", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to iterate payments", err)
	}
	return payments, nil
}
